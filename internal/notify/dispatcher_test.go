package notify

import (
	"crypto/hmac"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vigiasec/ingest/internal/model"
)

type capture struct {
	mu     sync.Mutex
	bodies [][]byte
	heads  []http.Header
	status int
}

func (c *capture) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		c.mu.Lock()
		c.bodies = append(c.bodies, body)
		c.heads = append(c.heads, r.Header.Clone())
		status := c.status
		c.mu.Unlock()
		if status != 0 {
			w.WriteHeader(status)
		}
	}
}

func (c *capture) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.bodies)
}

func (c *capture) last() ([]byte, http.Header) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.bodies) == 0 {
		return nil, nil
	}
	return c.bodies[len(c.bodies)-1], c.heads[len(c.heads)-1]
}

func waitCount(t *testing.T, c *capture, n int) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for c.count() < n {
		select {
		case <-deadline:
			t.Fatalf("got %d deliveries, want %d", c.count(), n)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func testDispatcher(t *testing.T, reg *Registry) *Dispatcher {
	t.Helper()
	d := NewDispatcher(reg, DispatcherConfig{Workers: 2, BaseDelay: time.Millisecond})
	t.Cleanup(d.Shutdown)
	return d
}

func TestDispatcher_DeliversSignedNotification(t *testing.T) {
	cap := &capture{}
	srv := httptest.NewServer(cap.handler())
	defer srv.Close()

	reg := NewRegistry()
	require.NoError(t, reg.Register(&Target{Name: "soc", URL: srv.URL, Secret: "s3cret"}))
	d := testDispatcher(t, reg)

	d.Notify(&model.Alert{
		ID:       12,
		Title:    "Acceso no autorizado",
		Severity: model.SeverityHigh,
		Source:   "edge-syslog",
	})
	waitCount(t, cap, 1)

	body, head := cap.last()
	var env Envelope
	require.NoError(t, json.Unmarshal(body, &env))
	assert.Equal(t, EventAlertCreated, env.Type)
	assert.Equal(t, "Acceso no autorizado", env.Alert.Title)

	assert.Equal(t, EventAlertCreated, head.Get("X-Vigia-Event-Type"))
	assert.Equal(t, "1", head.Get("X-Vigia-Delivery-Attempt"))
	assert.NotEmpty(t, head.Get("X-Vigia-Notification-ID"))

	sig := head.Get("X-Vigia-Signature")
	require.True(t, strings.HasPrefix(sig, "sha256="))
	want := SignPayload(body, "s3cret")
	assert.True(t, hmac.Equal([]byte(want), []byte(strings.TrimPrefix(sig, "sha256="))))
}

func TestDispatcher_SeverityFloorFilters(t *testing.T) {
	critOnly := &capture{}
	all := &capture{}
	srvCrit := httptest.NewServer(critOnly.handler())
	defer srvCrit.Close()
	srvAll := httptest.NewServer(all.handler())
	defer srvAll.Close()

	reg := NewRegistry()
	require.NoError(t, reg.Register(&Target{Name: "pager", URL: srvCrit.URL, MinSeverity: model.SeverityCritical}))
	require.NoError(t, reg.Register(&Target{Name: "archive", URL: srvAll.URL}))
	d := testDispatcher(t, reg)

	d.Notify(&model.Alert{Title: "high only", Severity: model.SeverityHigh})
	waitCount(t, all, 1)
	assert.Zero(t, critOnly.count())

	d.Notify(&model.Alert{Title: "paging", Severity: model.SeverityCritical})
	waitCount(t, critOnly, 1)
	waitCount(t, all, 2)
}

func TestDispatcher_RetriesThenGivesUp(t *testing.T) {
	cap := &capture{status: http.StatusBadGateway}
	srv := httptest.NewServer(cap.handler())
	defer srv.Close()

	reg := NewRegistry()
	tgt := &Target{Name: "flaky", URL: srv.URL}
	require.NoError(t, reg.Register(tgt))
	d := testDispatcher(t, reg)

	d.Notify(&model.Alert{Title: "boom", Severity: model.SeverityMedium})
	waitCount(t, cap, maxAttempts)

	// Attempts are capped.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, maxAttempts, cap.count())

	_, head := cap.last()
	assert.Equal(t, "3", head.Get("X-Vigia-Delivery-Attempt"))
	assert.Equal(t, maxAttempts, reg.List()[0].FailCount)
}

func TestRegistry_DisablesAfterFailureBudget(t *testing.T) {
	reg := NewRegistry()
	tgt := &Target{Name: "dead", URL: "http://127.0.0.1:9"}
	require.NoError(t, reg.Register(tgt))

	for i := 0; i < maxFailures; i++ {
		reg.MarkFailed(tgt.ID)
	}
	assert.Empty(t, reg.Matching(model.SeverityCritical))
	assert.False(t, reg.List()[0].Active)
}

func TestRegistry_Validation(t *testing.T) {
	reg := NewRegistry()
	require.Error(t, reg.Register(&Target{Name: "no-url"}))
	require.Error(t, reg.Register(&Target{URL: "http://x", MinSeverity: "loud"}))

	tgt := &Target{URL: "http://x"}
	require.NoError(t, reg.Register(tgt))
	assert.NotEmpty(t, tgt.ID)
	require.NoError(t, reg.Unregister(tgt.ID))
	require.Error(t, reg.Unregister(tgt.ID))
}
