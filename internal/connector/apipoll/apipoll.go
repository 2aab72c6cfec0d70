// Package apipoll implements the polled-API connector. Each cycle walks
// the configured endpoints behind a circuit breaker, honors per-endpoint
// fixed-window rate limits, follows offset, page or cursor pagination,
// and hands results to the sink or, for large batches, to the priority
// queue. Cycles are driven by the scheduler through RunOnce.
package apipoll

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"github.com/vigiasec/ingest/internal/circuitbreaker"
	"github.com/vigiasec/ingest/internal/connector"
	"github.com/vigiasec/ingest/internal/model"
	"github.com/vigiasec/ingest/internal/monitoring"
	"github.com/vigiasec/ingest/internal/queue"
	"github.com/vigiasec/ingest/internal/ratelimit"
	"github.com/vigiasec/ingest/internal/retry"
	"github.com/vigiasec/ingest/internal/vault"
)

const (
	defaultInterval = 60 * time.Second
	defaultTimeout  = 30 * time.Second

	// syncBatchLimit is the largest page set emitted record by record;
	// anything bigger becomes one queue job.
	syncBatchLimit = 100

	// maxPages bounds pagination regardless of configuration.
	maxPages = 10

	maxBodyBytes = 16 << 20
)

// Config is the polled-API connector's typed configuration.
type Config struct {
	BaseURL           string            `json:"baseUrl"`
	PollIntervalSec   int               `json:"pollIntervalSec,omitempty"`
	TimeoutSec        int               `json:"timeoutSec,omitempty"`
	MaxRetries        int               `json:"maxRetries,omitempty"`
	RetryableStatuses []int             `json:"retryableStatuses,omitempty"`
	BreakerThreshold  int               `json:"breakerThreshold,omitempty"`
	BreakerResetSec   int               `json:"breakerResetSec,omitempty"`
	Headers           map[string]string `json:"headers,omitempty"`
	Endpoints         []Endpoint        `json:"endpoints"`
}

// Endpoint describes one polled path under the base URL.
type Endpoint struct {
	Name         string            `json:"name"`
	Path         string            `json:"path"`
	Method       string            `json:"method,omitempty"`
	QueryParams  map[string]string `json:"queryParams,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
	ResponseType string            `json:"responseType,omitempty"` // alerts, logs, threatIntel
	RateLimit    *RateLimit        `json:"rateLimit,omitempty"`
	Pagination   *Pagination       `json:"pagination,omitempty"`
	Auth         Auth              `json:"auth,omitempty"`
}

// RateLimit is a fixed window: at most Requests per WindowMs.
type RateLimit struct {
	Requests int `json:"requests"`
	WindowMs int `json:"windowMs"`
}

// Pagination tells the poller how to walk a multi-page response.
type Pagination struct {
	Type       string `json:"type"` // offset, page, cursor
	Param      string `json:"param,omitempty"`
	SizeParam  string `json:"sizeParam,omitempty"`
	PageSize   int    `json:"pageSize,omitempty"`
	CursorPath string `json:"cursorPath,omitempty"` // dotted path into the response body
	MaxPages   int    `json:"maxPages,omitempty"`
}

// Auth selects how credentials are attached. Credentials themselves live
// in the vault; this only names the mechanism and its endpoints.
type Auth struct {
	HeaderName string   `json:"headerName,omitempty"` // api-key header, default X-API-Key
	TokenURL   string   `json:"tokenUrl,omitempty"`   // set for OAuth client credentials
	Scopes     []string `json:"scopes,omitempty"`
}

// ParseConfig decodes and validates the opaque configuration JSON.
func ParseConfig(raw []byte, strict bool, log zerolog.Logger) (Config, error) {
	cfg := Config{}
	if err := connector.DecodeConfig(raw, &cfg, strict, log); err != nil {
		return cfg, err
	}

	u, err := url.Parse(cfg.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return cfg, fmt.Errorf("apipoll: invalid base url %q", cfg.BaseURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return cfg, fmt.Errorf("apipoll: unsupported scheme %q", u.Scheme)
	}
	if len(cfg.Endpoints) == 0 {
		return cfg, errors.New("apipoll: at least one endpoint is required")
	}

	for i := range cfg.Endpoints {
		ep := &cfg.Endpoints[i]
		if ep.Path == "" {
			return cfg, fmt.Errorf("apipoll: endpoint %d has no path", i)
		}
		if ep.Name == "" {
			ep.Name = strings.Trim(ep.Path, "/")
		}
		switch m := strings.ToUpper(ep.Method); m {
		case "":
			ep.Method = http.MethodGet
		case http.MethodGet, http.MethodPost:
			ep.Method = m
		default:
			return cfg, fmt.Errorf("apipoll: endpoint %s: unsupported method %q", ep.Name, ep.Method)
		}
		if p := ep.Pagination; p != nil {
			switch p.Type {
			case "offset", "page", "cursor":
			default:
				return cfg, fmt.Errorf("apipoll: endpoint %s: unknown pagination type %q", ep.Name, p.Type)
			}
			if p.Type == "cursor" && p.CursorPath == "" {
				return cfg, fmt.Errorf("apipoll: endpoint %s: cursor pagination needs cursorPath", ep.Name)
			}
			if p.MaxPages <= 0 || p.MaxPages > maxPages {
				p.MaxPages = maxPages
			}
		}
	}
	return cfg, nil
}

// APIPoll is the polled-API connector.
type APIPoll struct {
	connector.Base

	vendor  string
	orgID   int64
	creds   *vault.Credentials
	queue   *queue.Queue
	metrics *monitoring.Metrics

	client  *http.Client
	breaker *circuitbreaker.Breaker

	cfgMu sync.RWMutex
	cfg   Config

	limMu    sync.Mutex
	limiters map[string]*ratelimit.Limiter

	oauthMu sync.Mutex
	oauth   map[string]oauth2.TokenSource

	mu       sync.Mutex
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	inFlight atomic.Bool
}

// New builds the connector from its record. Configuration errors surface
// here, before the first cycle.
func New(rec *model.ConnectorRecord, creds *vault.Credentials, sink *connector.Sink, q *queue.Queue, metrics *monitoring.Metrics) (*APIPoll, error) {
	base := connector.NewBase(rec, sink)
	cfg, err := ParseConfig(rec.Configuration, false, base.Log)
	if err != nil {
		return nil, err
	}

	bcfg := circuitbreaker.DefaultConfig(rec.Name)
	if cfg.BreakerThreshold > 0 {
		bcfg.FailureThreshold = cfg.BreakerThreshold
	}
	if cfg.BreakerResetSec > 0 {
		bcfg.ResetTimeout = time.Duration(cfg.BreakerResetSec) * time.Second
	}
	bcfg.OnStateChange = func(name string, from, to circuitbreaker.State) {
		base.Log.Warn().
			Str("from", from.String()).
			Str("to", to.String()).
			Msg("circuit breaker state changed")
		metrics.SetBreakerState(name, float64(to))
	}

	return &APIPoll{
		Base:     base,
		vendor:   rec.Vendor,
		orgID:    rec.OrganizationID,
		creds:    creds,
		queue:    q,
		metrics:  metrics,
		client:   &http.Client{},
		breaker:  circuitbreaker.New(bcfg),
		cfg:      cfg,
		limiters: make(map[string]*ratelimit.Limiter),
		oauth:    make(map[string]oauth2.TokenSource),
	}, nil
}

// Interval is the cadence the scheduler drives RunOnce at.
func (a *APIPoll) Interval() time.Duration {
	cfg := a.config()
	if cfg.PollIntervalSec > 0 {
		return time.Duration(cfg.PollIntervalSec) * time.Second
	}
	return defaultInterval
}

// Start marks the connector active and kicks one immediate cycle so data
// shows up before the first scheduled tick. The recurring cadence belongs
// to the scheduler.
func (a *APIPoll) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.cancel != nil {
		a.mu.Unlock()
		return errors.New("apipoll: already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.mu.Unlock()

	a.MarkStarted()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.RunOnce(runCtx); err != nil && runCtx.Err() == nil {
			a.Log.Error().Err(err).Msg("initial poll cycle failed")
		}
	}()

	cfg := a.config()
	a.Log.Info().
		Str("baseUrl", cfg.BaseURL).
		Int("endpoints", len(cfg.Endpoints)).
		Dur("interval", a.Interval()).
		Msg("api poller started")
	return nil
}

// RunOnce executes one poll cycle over all endpoints. The breaker gates
// the whole cycle: while it is open the cycle is skipped without touching
// the network. A cycle counts as failed only when no endpoint succeeded.
func (a *APIPoll) RunOnce(ctx context.Context) error {
	switch a.Status() {
	case model.StatusPaused, model.StatusDisabled:
		return nil
	}
	if !a.inFlight.CompareAndSwap(false, true) {
		a.Log.Debug().Msg("previous cycle still running, tick skipped")
		return nil
	}
	defer a.inFlight.Store(false)

	if err := a.breaker.Allow(); err != nil {
		a.EmitError("fetch", fmt.Errorf("apipoll: cycle skipped: %w", err))
		return nil
	}

	cfg := a.config()
	start := time.Now()
	var succeeded int
	var firstErr error

	for i := range cfg.Endpoints {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		ep := &cfg.Endpoints[i]
		if err := a.pollEndpoint(ctx, cfg, ep); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("endpoint %s: %w", ep.Name, err)
			}
			a.Log.Error().Err(err).Str("endpoint", ep.Name).Msg("endpoint poll failed")
			continue
		}
		succeeded++
	}

	a.metrics.PollDuration.WithLabelValues(a.Name()).Observe(time.Since(start).Seconds())

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if succeeded > 0 || firstErr == nil {
		a.breaker.RecordSuccess()
		a.SetStatus(model.StatusActive, "")
		return nil
	}
	a.breaker.RecordFailure()
	a.SetStatus(model.StatusError, firstErr.Error())
	return firstErr
}

// Stop cancels any in-flight cycle and releases the transport.
func (a *APIPoll) Stop() error {
	a.mu.Lock()
	cancel := a.cancel
	a.cancel = nil
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	a.wg.Wait()
	a.client.CloseIdleConnections()

	a.SetStatus(model.StatusDisabled, "")
	a.Log.Info().Msg("api poller stopped")
	return nil
}

// HealthCheck probes the base URL without authentication.
func (a *APIPoll) HealthCheck(ctx context.Context) connector.Health {
	h := connector.Health{LastChecked: time.Now()}
	cfg := a.config()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, cfg.BaseURL, nil)
	if err != nil {
		h.Message = err.Error()
		return h
	}
	start := time.Now()
	resp, err := a.client.Do(req)
	h.Latency = time.Since(start)
	if err != nil {
		h.Message = err.Error()
		return h
	}
	resp.Body.Close()

	// Any response proves the host is reachable; auth problems belong to
	// the endpoint probes.
	h.Healthy = true
	h.Message = fmt.Sprintf("base url reachable (%s)", resp.Status)
	return h
}

// TestConnection performs one authenticated request against the first
// endpoint and reports the outcome.
func (a *APIPoll) TestConnection(ctx context.Context) connector.TestResult {
	cfg := a.config()
	ep := &cfg.Endpoints[0]

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	u, err := joinURL(cfg.BaseURL, ep.Path)
	if err != nil {
		return connector.TestResult{Success: false, Message: err.Error()}
	}
	req, err := http.NewRequestWithContext(ctx, ep.Method, u, nil)
	if err != nil {
		return connector.TestResult{Success: false, Message: err.Error()}
	}
	q := req.URL.Query()
	for k, v := range ep.QueryParams {
		q.Set(k, v)
	}
	req.URL.RawQuery = q.Encode()
	if err := a.applyAuth(ctx, req, ep); err != nil {
		return connector.TestResult{Success: false, Message: err.Error()}
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return connector.TestResult{Success: false, Message: err.Error()}
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return connector.TestResult{Success: false, Message: fmt.Sprintf("endpoint %s returned %s", ep.Name, resp.Status)}
	}
	return connector.TestResult{Success: true, Message: fmt.Sprintf("endpoint %s reachable", ep.Name)}
}

// UpdateConfig overlays a sparse patch onto the current configuration and
// re-validates the result. Limiters and cached token sources are rebuilt
// so new rates and token URLs take effect on the next cycle.
func (a *APIPoll) UpdateConfig(patch map[string]any) error {
	raw, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("apipoll: encode patch: %w", err)
	}
	next := a.config()
	if err := connector.DecodeConfig(raw, &next, false, a.Log); err != nil {
		return err
	}
	full, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("apipoll: encode config: %w", err)
	}
	validated, err := ParseConfig(full, false, a.Log)
	if err != nil {
		return err
	}

	a.cfgMu.Lock()
	a.cfg = validated
	a.cfgMu.Unlock()

	a.limMu.Lock()
	a.limiters = make(map[string]*ratelimit.Limiter)
	a.limMu.Unlock()

	a.oauthMu.Lock()
	a.oauth = make(map[string]oauth2.TokenSource)
	a.oauthMu.Unlock()
	return nil
}

func (a *APIPoll) config() Config {
	a.cfgMu.RLock()
	defer a.cfgMu.RUnlock()
	return a.cfg
}

// limiter returns the endpoint's fixed-window limiter, building it on
// first use. Endpoints without a rate limit get nil.
func (a *APIPoll) limiter(ep *Endpoint) *ratelimit.Limiter {
	if ep.RateLimit == nil || ep.RateLimit.Requests <= 0 {
		return nil
	}
	a.limMu.Lock()
	defer a.limMu.Unlock()
	l, ok := a.limiters[ep.Name]
	if !ok {
		window := time.Duration(ep.RateLimit.WindowMs) * time.Millisecond
		if window <= 0 {
			window = time.Second
		}
		l = ratelimit.New(ep.RateLimit.Requests, window)
		a.limiters[ep.Name] = l
	}
	return l
}

func (a *APIPoll) retryConfig(cfg Config) retry.Config {
	rcfg := retry.DefaultConfig()
	if cfg.MaxRetries > 0 {
		rcfg.MaxAttempts = cfg.MaxRetries
	}
	if len(cfg.RetryableStatuses) > 0 {
		rcfg.RetryableStatuses = cfg.RetryableStatuses
	}
	return rcfg
}

func (a *APIPoll) timeout(cfg Config) time.Duration {
	if cfg.TimeoutSec > 0 {
		return time.Duration(cfg.TimeoutSec) * time.Second
	}
	return defaultTimeout
}
