package apipoll

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vigiasec/ingest/internal/circuitbreaker"
	"github.com/vigiasec/ingest/internal/connector"
	"github.com/vigiasec/ingest/internal/model"
	"github.com/vigiasec/ingest/internal/monitoring"
	"github.com/vigiasec/ingest/internal/queue"
	"github.com/vigiasec/ingest/internal/vault"
)

func newPoller(t *testing.T, cfg string, creds *vault.Credentials, q *queue.Queue) (*APIPoll, *connector.Sink) {
	t.Helper()
	sink := connector.NewSink(512)
	rec := &model.ConnectorRecord{
		ID:             7,
		OrganizationID: 42,
		Name:           "edr-cloud",
		Type:           model.ConnectorAPI,
		Vendor:         "crowdstrike",
		Configuration:  json.RawMessage(cfg),
	}
	a, err := New(rec, creds, sink, q, monitoring.NewMetricsOn(prometheus.NewRegistry()))
	require.NoError(t, err)
	a.MarkStarted()
	drainStatus(sink)
	return a, sink
}

func drainEvents(sink *connector.Sink) []model.RawEvent {
	var out []model.RawEvent
	for {
		select {
		case ev := <-sink.Events:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func drainStatus(sink *connector.Sink) {
	for {
		select {
		case <-sink.Status:
		default:
			return
		}
	}
}

func TestRunOnce_CursorPagination(t *testing.T) {
	var mu sync.Mutex
	var cursors []string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cursor := r.URL.Query().Get("cursor")
		mu.Lock()
		cursors = append(cursors, cursor)
		mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		switch cursor {
		case "":
			fmt.Fprint(w, `{"data":[{"id":1}],"meta":{"next":"c2"}}`)
		case "c2":
			fmt.Fprint(w, `{"data":[{"id":2}],"meta":{"next":"c3"}}`)
		case "c3":
			fmt.Fprint(w, `{"data":[{"id":3}],"meta":{"next":""}}`)
		default:
			t.Errorf("unexpected cursor %q", cursor)
		}
	}))
	defer srv.Close()

	cfg := fmt.Sprintf(`{
		"baseUrl": %q,
		"endpoints": [{
			"name": "detections",
			"path": "/v1/detections",
			"pagination": {"type": "cursor", "cursorPath": "meta.next"}
		}]
	}`, srv.URL)
	a, sink := newPoller(t, cfg, nil, nil)

	require.NoError(t, a.RunOnce(context.Background()))

	events := drainEvents(sink)
	require.Len(t, events, 3)
	for i, ev := range events {
		assert.Equal(t, float64(i+1), ev.RawData["id"])
		assert.Equal(t, "detections", ev.Source)
	}

	mu.Lock()
	assert.Equal(t, []string{"", "c2", "c3"}, cursors)
	mu.Unlock()
	assert.Equal(t, circuitbreaker.StateClosed, a.breaker.State())
	assert.Equal(t, model.StatusActive, a.Status())
}

func TestRunOnce_OffsetPagination(t *testing.T) {
	var mu sync.Mutex
	var offsets []string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		offset := r.URL.Query().Get("offset")
		mu.Lock()
		offsets = append(offsets, offset)
		mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		switch offset {
		case "0":
			fmt.Fprint(w, `{"items":[{"n":1},{"n":2}]}`)
		case "2":
			fmt.Fprint(w, `{"items":[{"n":3},{"n":4}]}`)
		case "4":
			// short page ends pagination
			fmt.Fprint(w, `{"items":[{"n":5}]}`)
		default:
			t.Errorf("unexpected offset %q", offset)
		}
		assert.Equal(t, "2", r.URL.Query().Get("limit"))
	}))
	defer srv.Close()

	cfg := fmt.Sprintf(`{
		"baseUrl": %q,
		"endpoints": [{
			"path": "/logs",
			"pagination": {"type": "offset", "sizeParam": "limit", "pageSize": 2}
		}]
	}`, srv.URL)
	a, sink := newPoller(t, cfg, nil, nil)

	require.NoError(t, a.RunOnce(context.Background()))

	assert.Len(t, drainEvents(sink), 5)
	mu.Lock()
	assert.Equal(t, []string{"0", "2", "4"}, offsets)
	mu.Unlock()
}

func TestRunOnce_RateLimitDelaysThirdRequest(t *testing.T) {
	var mu sync.Mutex
	var hits []time.Time

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits = append(hits, time.Now())
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"data":[{"n":1}]}`)
	}))
	defer srv.Close()

	cfg := fmt.Sprintf(`{
		"baseUrl": %q,
		"endpoints": [{
			"path": "/events",
			"rateLimit": {"requests": 2, "windowMs": 1000},
			"pagination": {"type": "page", "pageSize": 1, "maxPages": 3}
		}]
	}`, srv.URL)
	a, _ := newPoller(t, cfg, nil, nil)

	start := time.Now()
	require.NoError(t, a.RunOnce(context.Background()))
	elapsed := time.Since(start)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, hits, 3)
	// Two requests fit the window; the third waits for the roll-over.
	assert.GreaterOrEqual(t, hits[2].Sub(hits[0]), 500*time.Millisecond)
	assert.GreaterOrEqual(t, elapsed, 500*time.Millisecond)
}

func TestRunOnce_BreakerOpensAndSkips(t *testing.T) {
	var mu sync.Mutex
	var hits int

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := fmt.Sprintf(`{
		"baseUrl": %q,
		"maxRetries": 1,
		"breakerThreshold": 2,
		"endpoints": [{"path": "/alerts"}]
	}`, srv.URL)
	a, sink := newPoller(t, cfg, nil, nil)

	require.Error(t, a.RunOnce(context.Background()))
	require.Error(t, a.RunOnce(context.Background()))
	require.Equal(t, circuitbreaker.StateOpen, a.breaker.State())

	mu.Lock()
	hitsBefore := hits
	mu.Unlock()

	// Open breaker: the cycle is skipped without touching the network.
	require.NoError(t, a.RunOnce(context.Background()))

	mu.Lock()
	assert.Equal(t, hitsBefore, hits)
	mu.Unlock()

	var skipped bool
	for done := false; !done; {
		select {
		case ee := <-sink.Errors:
			if errors.Is(ee.Err, circuitbreaker.ErrOpen) {
				assert.Contains(t, ee.Err.Error(), "cycle skipped")
				skipped = true
			}
		default:
			done = true
		}
	}
	assert.True(t, skipped, "open breaker must report the skipped cycle")
}

func TestRunOnce_SkipsWhenPaused(t *testing.T) {
	var mu sync.Mutex
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		fmt.Fprint(w, `{"data":[]}`)
	}))
	defer srv.Close()

	cfg := fmt.Sprintf(`{"baseUrl": %q, "endpoints": [{"path": "/x"}]}`, srv.URL)
	a, _ := newPoller(t, cfg, nil, nil)
	require.NoError(t, a.Pause())

	require.NoError(t, a.RunOnce(context.Background()))

	mu.Lock()
	assert.Zero(t, hits)
	mu.Unlock()
}

func TestApplyAuth_Precedence(t *testing.T) {
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"tok123","token_type":"bearer","expires_in":3600}`)
	}))
	defer tokenSrv.Close()

	cases := []struct {
		name      string
		creds     vault.Credentials
		tokenURL  string
		wantAuth  string
		wantKey   string
		wantBasic bool
	}{
		{
			name:     "oauth client credentials win",
			creds:    vault.Credentials{APIKey: "client-id", APISecret: "client-secret"},
			tokenURL: tokenSrv.URL,
			wantAuth: "Bearer tok123",
		},
		{
			name:    "api key header",
			creds:   vault.Credentials{APIKey: "k1"},
			wantKey: "k1",
		},
		{
			name:     "bearer token",
			creds:    vault.Credentials{Token: "t1"},
			wantAuth: "Bearer t1",
		},
		{
			name:     "access token as bearer",
			creds:    vault.Credentials{AccessToken: "t2"},
			wantAuth: "Bearer t2",
		},
		{
			name:      "basic auth last",
			creds:     vault.Credentials{Username: "u", Password: "p"},
			wantBasic: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			type seen struct {
				auth  string
				key   string
				user  string
				pass  string
				basic bool
			}
			var mu sync.Mutex
			var got seen

			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				user, pass, ok := r.BasicAuth()
				mu.Lock()
				got = seen{
					auth:  r.Header.Get("Authorization"),
					key:   r.Header.Get("X-API-Key"),
					user:  user,
					pass:  pass,
					basic: ok,
				}
				mu.Unlock()
				fmt.Fprint(w, `{"data":[]}`)
			}))
			defer srv.Close()

			auth := ""
			if tc.tokenURL != "" {
				auth = fmt.Sprintf(`, "auth": {"tokenUrl": %q}`, tc.tokenURL)
			}
			cfg := fmt.Sprintf(`{"baseUrl": %q, "endpoints": [{"path": "/probe"%s}]}`, srv.URL, auth)
			creds := tc.creds
			a, _ := newPoller(t, cfg, &creds, nil)

			require.NoError(t, a.RunOnce(context.Background()))

			mu.Lock()
			defer mu.Unlock()
			if tc.wantBasic {
				assert.True(t, got.basic)
				assert.Equal(t, "u", got.user)
				assert.Equal(t, "p", got.pass)
				return
			}
			assert.Equal(t, tc.wantAuth, got.auth)
			assert.Equal(t, tc.wantKey, got.key)
			if tc.wantKey != "" {
				assert.Empty(t, got.auth, "api key must not also set Authorization")
			}
		})
	}
}

func TestApplyAuth_CustomHeaderName(t *testing.T) {
	var mu sync.Mutex
	var header string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		header = r.Header.Get("X-Auth-Token")
		mu.Unlock()
		fmt.Fprint(w, `{"data":[]}`)
	}))
	defer srv.Close()

	cfg := fmt.Sprintf(`{
		"baseUrl": %q,
		"endpoints": [{"path": "/x", "auth": {"headerName": "X-Auth-Token"}}]
	}`, srv.URL)
	a, _ := newPoller(t, cfg, &vault.Credentials{APIKey: "secret-key"}, nil)

	require.NoError(t, a.RunOnce(context.Background()))

	mu.Lock()
	assert.Equal(t, "secret-key", header)
	mu.Unlock()
}

func TestRunOnce_LargeBatchQueued(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		records := make([]map[string]any, 150)
		for i := range records {
			records[i] = map[string]any{"n": i}
		}
		json.NewEncoder(w).Encode(map[string]any{"data": records})
	}))
	defer srv.Close()

	jobs := make(chan *queue.Job, 1)
	q := queue.New(queue.Config{Workers: 1}, func(ctx context.Context, job *queue.Job) error {
		jobs <- job
		return nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)
	defer q.Stop()

	cfg := fmt.Sprintf(`{
		"baseUrl": %q,
		"endpoints": [{"name": "alerts", "path": "/alerts", "responseType": "alerts"}]
	}`, srv.URL)
	a, sink := newPoller(t, cfg, nil, q)

	require.NoError(t, a.RunOnce(context.Background()))

	select {
	case job := <-jobs:
		assert.Equal(t, int64(7), job.ConnectorID)
		assert.Equal(t, "edr-cloud", job.ConnectorName)
		assert.Equal(t, "crowdstrike", job.Vendor)
		assert.Equal(t, int64(42), job.OrganizationID)
		assert.Equal(t, "alerts", job.Source)
		assert.Equal(t, queue.PriorityHigh, job.Priority)
		require.Len(t, job.Records, 150)
		assert.Equal(t, float64(0), job.Records[0]["n"])
		assert.Equal(t, float64(149), job.Records[149]["n"])
	case <-time.After(3 * time.Second):
		t.Fatal("no job handled before timeout")
	}

	assert.Empty(t, drainEvents(sink), "large batches must not also emit synchronously")
}

func TestRunOnce_QueueFullFailsCycle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		records := make([]map[string]any, 150)
		for i := range records {
			records[i] = map[string]any{"n": i}
		}
		json.NewEncoder(w).Encode(map[string]any{"data": records})
	}))
	defer srv.Close()

	q := queue.New(queue.Config{MaxPending: 1}, func(ctx context.Context, job *queue.Job) error {
		return nil
	})
	require.NoError(t, q.Enqueue(&queue.Job{ConnectorID: 99}))

	cfg := fmt.Sprintf(`{"baseUrl": %q, "endpoints": [{"path": "/alerts"}]}`, srv.URL)
	a, _ := newPoller(t, cfg, nil, q)

	err := a.RunOnce(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, queue.ErrQueueFull))
	assert.Equal(t, model.StatusError, a.Status())
}

func TestRunOnce_PartialPaginationKeepsEarlierPages(t *testing.T) {
	var mu sync.Mutex
	var hits int

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		n := hits
		mu.Unlock()

		if n == 1 {
			fmt.Fprint(w, `{"data":[{"id":1}],"meta":{"next":"c2"}}`)
			return
		}
		w.WriteHeader(http.StatusBadRequest) // fatal, not retryable
	}))
	defer srv.Close()

	cfg := fmt.Sprintf(`{
		"baseUrl": %q,
		"maxRetries": 1,
		"endpoints": [{
			"path": "/d",
			"pagination": {"type": "cursor", "cursorPath": "meta.next"}
		}]
	}`, srv.URL)
	a, sink := newPoller(t, cfg, nil, nil)

	// The first page landed, so the cycle still counts as a success.
	require.NoError(t, a.RunOnce(context.Background()))
	assert.Len(t, drainEvents(sink), 1)
	assert.Equal(t, model.StatusActive, a.Status())
}

func TestExtractRecords(t *testing.T) {
	cases := []struct {
		name string
		body string
		want int
	}{
		{"data wrapper", `{"data":[{"a":1},{"a":2}]}`, 2},
		{"items wrapper", `{"items":[{"a":1}]}`, 1},
		{"results wrapper", `{"results":[{"a":1},{"a":2},{"a":3}]}`, 3},
		{"bare array", `[{"a":1},{"a":2}]`, 2},
		{"single object", `{"a":1}`, 1},
		{"scalar array entries", `[1,2,3]`, 3},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var body any
			require.NoError(t, json.Unmarshal([]byte(tc.body), &body))
			assert.Len(t, extractRecords(body), tc.want)
		})
	}

	assert.Nil(t, extractRecords(nil))
}

func TestCursorValue(t *testing.T) {
	var body any
	require.NoError(t, json.Unmarshal([]byte(`{"meta":{"page":{"next":"abc"},"total":7}}`), &body))

	v, ok := cursorValue(body, "meta.page.next")
	assert.True(t, ok)
	assert.Equal(t, "abc", v)

	v, ok = cursorValue(body, "meta.total")
	assert.True(t, ok)
	assert.Equal(t, "7", v)

	_, ok = cursorValue(body, "meta.missing")
	assert.False(t, ok)

	_, ok = cursorValue(body, "meta.page.next.deeper")
	assert.False(t, ok)
}

func TestParseConfig(t *testing.T) {
	log := zerolog.Nop()

	_, err := ParseConfig([]byte(`{"baseUrl":"not a url","endpoints":[{"path":"/x"}]}`), false, log)
	assert.Error(t, err)

	_, err = ParseConfig([]byte(`{"baseUrl":"ftp://host/x","endpoints":[{"path":"/x"}]}`), false, log)
	assert.Error(t, err)

	_, err = ParseConfig([]byte(`{"baseUrl":"https://api.example.com"}`), false, log)
	assert.Error(t, err, "endpoints are required")

	_, err = ParseConfig([]byte(`{"baseUrl":"https://api.example.com","endpoints":[{"path":"/x","method":"DELETE"}]}`), false, log)
	assert.Error(t, err)

	_, err = ParseConfig([]byte(`{"baseUrl":"https://api.example.com","endpoints":[{"path":"/x","pagination":{"type":"cursor"}}]}`), false, log)
	assert.Error(t, err, "cursor pagination needs a cursor path")

	cfg, err := ParseConfig([]byte(`{
		"baseUrl": "https://api.example.com",
		"endpoints": [{"path": "/v1/alerts/", "pagination": {"type": "offset", "maxPages": 50}}]
	}`), false, log)
	require.NoError(t, err)
	assert.Equal(t, "v1/alerts", cfg.Endpoints[0].Name)
	assert.Equal(t, http.MethodGet, cfg.Endpoints[0].Method)
	assert.Equal(t, maxPages, cfg.Endpoints[0].Pagination.MaxPages)

	_, err = ParseConfig([]byte(`{"baseUrl":"https://api.example.com","endpoints":[{"path":"/x"}],"bogus":1}`), true, log)
	assert.Error(t, err, "strict mode rejects unknown fields")
}

func TestUpdateConfig(t *testing.T) {
	cfg := `{"baseUrl": "https://api.example.com", "endpoints": [{"path": "/x"}]}`
	a, _ := newPoller(t, cfg, nil, nil)
	assert.Equal(t, defaultInterval, a.Interval())

	require.NoError(t, a.UpdateConfig(map[string]any{"pollIntervalSec": 15}))
	assert.Equal(t, 15*time.Second, a.Interval())
	assert.Equal(t, "https://api.example.com", a.config().BaseURL)

	err := a.UpdateConfig(map[string]any{"baseUrl": "not a url"})
	require.Error(t, err)
	assert.Equal(t, "https://api.example.com", a.config().BaseURL, "failed patch must not apply")
}

func TestStartStop(t *testing.T) {
	polled := make(chan struct{}, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case polled <- struct{}{}:
		default:
		}
		fmt.Fprint(w, `{"data":[]}`)
	}))
	defer srv.Close()

	sink := connector.NewSink(64)
	rec := &model.ConnectorRecord{
		ID:            8,
		Name:          "poller",
		Type:          model.ConnectorAPI,
		Configuration: json.RawMessage(fmt.Sprintf(`{"baseUrl": %q, "endpoints": [{"path": "/x"}]}`, srv.URL)),
	}
	a, err := New(rec, nil, sink, nil, monitoring.NewMetricsOn(prometheus.NewRegistry()))
	require.NoError(t, err)

	require.NoError(t, a.Start(context.Background()))
	require.Error(t, a.Start(context.Background()), "double start must fail")

	select {
	case <-polled:
	case <-time.After(3 * time.Second):
		t.Fatal("initial cycle never reached the server")
	}

	require.NoError(t, a.Stop())
	assert.Equal(t, model.StatusDisabled, a.Status())

	// RunOnce after stop is a no-op because the connector is disabled.
	require.NoError(t, a.RunOnce(context.Background()))
}
