// Package agentsrv implements the agent connector: the server half of the
// host-agent fleet. Agents bootstrap once against the master registration
// token and receive a vault-signed bearer token bound to their agent id;
// every later heartbeat and event delivery must present that exact token.
// Deliveries buffer in memory and drain on a cadence, and a liveness sweep
// retires agents whose heartbeats stop.
package agentsrv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/vigiasec/ingest/internal/connector"
	"github.com/vigiasec/ingest/internal/enrich"
	"github.com/vigiasec/ingest/internal/events"
	"github.com/vigiasec/ingest/internal/model"
	"github.com/vigiasec/ingest/internal/monitoring"
	"github.com/vigiasec/ingest/internal/store"
	"github.com/vigiasec/ingest/internal/vault"
)

const (
	defaultHeartbeatSec = 60
	minAgentTimeout     = 120 * time.Second
	drainInterval       = 15 * time.Second
	drainThreshold      = 20 // buffered deliveries that force an eager drain
	maxRegisterFailures = 5
	maxBodyBytes        = 1 << 20
	recentEventsCap     = 500
)

// Config is the agent connector's typed configuration.
type Config struct {
	HeartbeatIntervalSec int `json:"heartbeatIntervalSec,omitempty"`
	AgentTimeoutSec      int `json:"agentTimeoutSec,omitempty"`
}

// ParseConfig decodes and validates the opaque configuration JSON.
func ParseConfig(raw []byte, strict bool, log zerolog.Logger) (Config, error) {
	cfg := Config{HeartbeatIntervalSec: defaultHeartbeatSec}
	if err := connector.DecodeConfig(raw, &cfg, strict, log); err != nil {
		return cfg, err
	}
	if cfg.HeartbeatIntervalSec <= 0 {
		return cfg, fmt.Errorf("agentsrv: heartbeatIntervalSec %d out of range", cfg.HeartbeatIntervalSec)
	}
	if cfg.AgentTimeoutSec < 0 {
		return cfg, fmt.Errorf("agentsrv: agentTimeoutSec %d out of range", cfg.AgentTimeoutSec)
	}
	if cfg.AgentTimeoutSec > 0 && cfg.AgentTimeoutSec < cfg.HeartbeatIntervalSec {
		return cfg, errors.New("agentsrv: agentTimeoutSec shorter than heartbeat interval")
	}
	return cfg, nil
}

// timeout is the heartbeat age past which an agent counts as gone. Unset
// configurations get twice the heartbeat interval, floored at two minutes
// so one dropped beat never retires an agent.
func (c Config) timeout() time.Duration {
	if c.AgentTimeoutSec > 0 {
		return time.Duration(c.AgentTimeoutSec) * time.Second
	}
	t := 2 * time.Duration(c.HeartbeatIntervalSec) * time.Second
	if t < minAgentTimeout {
		t = minAgentTimeout
	}
	return t
}

// AgentSrv is the agent connector.
type AgentSrv struct {
	connector.Base

	orgID    int64
	vendor   string
	master   string
	store    store.Store
	vault    *vault.Vault
	enricher *enrich.Enricher
	metrics  *monitoring.Metrics
	events   events.Emitter
	router   http.Handler

	cfgMu sync.RWMutex
	cfg   Config

	// mu serializes the fleet tables: registered agents, the pending
	// delivery buffer, the recent-events ring and registration failures.
	mu      sync.Mutex
	agents  map[string]*model.Agent
	pending []model.AgentEvent
	recent  []model.AgentEvent
	fails   map[string]int
	blocked map[string]struct{}

	runMu   sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	drainCh chan struct{}
}

// New builds the connector from its record. The master registration token
// comes from the vault credentials; without one no agent could ever join,
// so its absence is a configuration error. em may be nil.
func New(rec *model.ConnectorRecord, creds *vault.Credentials, sink *connector.Sink, st store.Store, vlt *vault.Vault, enricher *enrich.Enricher, metrics *monitoring.Metrics, em events.Emitter) (*AgentSrv, error) {
	base := connector.NewBase(rec, sink)
	cfg, err := ParseConfig(rec.Configuration, false, base.Log)
	if err != nil {
		return nil, err
	}

	master := masterToken(creds)
	if master == "" {
		return nil, errors.New("agentsrv: registration token credential required")
	}

	a := &AgentSrv{
		Base:     base,
		orgID:    rec.OrganizationID,
		vendor:   rec.Vendor,
		master:   master,
		store:    st,
		vault:    vlt,
		enricher: enricher,
		metrics:  metrics,
		events:   em,
		cfg:      cfg,
		agents:   make(map[string]*model.Agent),
		fails:    make(map[string]int),
		blocked:  make(map[string]struct{}),
		drainCh:  make(chan struct{}, 1),
	}
	a.router = a.routes()
	return a, nil
}

func masterToken(creds *vault.Credentials) string {
	if creds == nil {
		return ""
	}
	if creds.Token != "" {
		return creds.Token
	}
	return creds.CustomFields["registrationToken"]
}

// Handler exposes the connector-scoped routes. The API server mounts it
// under /api, so paths here start at /agents.
func (a *AgentSrv) Handler() http.Handler { return a.router }

func (a *AgentSrv) routes() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/agents/register", a.handleRegister).Methods(http.MethodPost)
	r.HandleFunc("/agents/heartbeat", a.handleHeartbeat).Methods(http.MethodPost)
	r.HandleFunc("/agents/data", a.handleData).Methods(http.MethodPost)
	r.HandleFunc("/agents/events", a.handleListEvents).Methods(http.MethodGet)
	r.HandleFunc("/agents", a.handleListAgents).Methods(http.MethodGet)
	return r
}

// Start loads the persisted fleet and launches the drain/liveness loop.
// The HTTP surface itself is served by the API layer through Handler.
func (a *AgentSrv) Start(ctx context.Context) error {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.cancel != nil {
		return errors.New("agentsrv: already running")
	}

	known, err := a.store.ListAgents(ctx, a.ID())
	if err != nil {
		a.SetStatus(model.StatusError, err.Error())
		return fmt.Errorf("agentsrv: load agents: %w", err)
	}
	a.mu.Lock()
	for i := range known {
		ag := known[i]
		a.agents[ag.AgentID] = &ag
	}
	a.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.wg.Add(1)
	go a.run(ctx)

	a.MarkStarted()
	a.publishFleetGauge()
	a.Log.Info().Int("agents", len(known)).Msg("agent connector started")
	return nil
}

// run drains the delivery buffer on its cadence and sweeps the fleet for
// expired heartbeats on the same beat. Eager drains arrive on drainCh.
func (a *AgentSrv) run(ctx context.Context) {
	defer a.wg.Done()
	ticker := time.NewTicker(drainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.drain(ctx)
			a.sweep(ctx)
		case <-a.drainCh:
			a.drain(ctx)
		}
	}
}

func (a *AgentSrv) Stop() error {
	a.runMu.Lock()
	cancel := a.cancel
	a.cancel = nil
	a.runMu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	a.wg.Wait()

	a.SetStatus(model.StatusDisabled, "")
	a.Log.Info().Msg("agent connector stopped")
	return nil
}

// HealthCheck reports the drain loop state and a fleet summary.
func (a *AgentSrv) HealthCheck(ctx context.Context) connector.Health {
	h := connector.Health{LastChecked: time.Now()}
	a.runMu.Lock()
	running := a.cancel != nil
	a.runMu.Unlock()

	a.mu.Lock()
	total := len(a.agents)
	active := 0
	for _, ag := range a.agents {
		if ag.Status == model.AgentActive {
			active++
		}
	}
	pending := len(a.pending)
	a.mu.Unlock()

	if running {
		h.Healthy = true
		h.Message = fmt.Sprintf("%d/%d agents active, %d deliveries pending", active, total, pending)
	} else {
		h.Message = "drain loop not running"
	}
	return h
}

// TestConnection verifies the two dependencies every request path needs:
// the store and the token signer.
func (a *AgentSrv) TestConnection(ctx context.Context) connector.TestResult {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := a.store.Ping(ctx); err != nil {
		return connector.TestResult{Success: false, Message: fmt.Sprintf("store unreachable: %v", err)}
	}
	tok, err := a.vault.IssueAgentToken("connection-test", a.orgID)
	if err == nil {
		_, err = a.vault.VerifyAgentToken(tok)
	}
	if err != nil {
		return connector.TestResult{Success: false, Message: fmt.Sprintf("token round-trip failed: %v", err)}
	}
	return connector.TestResult{Success: true, Message: "store reachable, token mint verified"}
}

// UpdateConfig overlays a sparse patch onto the current configuration.
// Interval changes apply to the next sweep; nothing needs a restart.
func (a *AgentSrv) UpdateConfig(patch map[string]any) error {
	raw, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("agentsrv: encode patch: %w", err)
	}
	next := a.config()
	if err := connector.DecodeConfig(raw, &next, false, a.Log); err != nil {
		return err
	}
	if next.HeartbeatIntervalSec <= 0 {
		return fmt.Errorf("agentsrv: heartbeatIntervalSec %d out of range", next.HeartbeatIntervalSec)
	}
	if next.AgentTimeoutSec < 0 {
		return fmt.Errorf("agentsrv: agentTimeoutSec %d out of range", next.AgentTimeoutSec)
	}
	if next.AgentTimeoutSec > 0 && next.AgentTimeoutSec < next.HeartbeatIntervalSec {
		return errors.New("agentsrv: agentTimeoutSec shorter than heartbeat interval")
	}

	a.cfgMu.Lock()
	a.cfg = next
	a.cfgMu.Unlock()
	return nil
}

func (a *AgentSrv) config() Config {
	a.cfgMu.RLock()
	defer a.cfgMu.RUnlock()
	return a.cfg
}

// emit publishes an agent lifecycle event when a fabric is wired.
func (a *AgentSrv) emit(eventType, subject string, data map[string]any) {
	if a.events == nil {
		return
	}
	data["orgId"] = strconv.FormatInt(a.orgID, 10)
	a.events.Emit(eventType, "connector/"+strconv.FormatInt(a.ID(), 10), subject, data)
}

// publishFleetGauge refreshes the active-agent gauge after any transition.
func (a *AgentSrv) publishFleetGauge() {
	a.mu.Lock()
	active := 0
	for _, ag := range a.agents {
		if ag.Status == model.AgentActive {
			active++
		}
	}
	a.mu.Unlock()
	a.metrics.AgentsActive.Set(float64(active))
}
