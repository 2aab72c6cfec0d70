package agentsrv

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vigiasec/ingest/internal/events"
	"github.com/vigiasec/ingest/internal/model"
)

type registerRequest struct {
	Hostname     string   `json:"hostname"`
	IP           string   `json:"ip,omitempty"`
	OS           string   `json:"os"`
	Version      string   `json:"version"`
	Capabilities []string `json:"capabilities,omitempty"`
}

type heartbeatRequest struct {
	AgentID   string              `json:"agentId"`
	Timestamp time.Time           `json:"timestamp"`
	Status    model.AgentStatus   `json:"status,omitempty"`
	Metrics   *model.AgentMetrics `json:"metrics,omitempty"`
}

type dataRequest struct {
	AgentID   string         `json:"agentId"`
	Timestamp time.Time      `json:"timestamp"`
	EventType string         `json:"eventType"`
	Severity  string         `json:"severity,omitempty"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
}

// handleRegister bootstraps one agent: master token in, per-agent bearer
// token out. Wrong master tokens burn the caller IP's failure budget and
// eventually land it on the block set.
func (a *AgentSrv) handleRegister(w http.ResponseWriter, r *http.Request) {
	if a.Status() == model.StatusDisabled {
		writeError(w, http.StatusServiceUnavailable, "connector stopped")
		return
	}

	ip := clientIP(r)
	a.mu.Lock()
	_, isBlocked := a.blocked[ip]
	a.mu.Unlock()
	if isBlocked {
		writeError(w, http.StatusForbidden, "registration blocked")
		return
	}

	presented := r.Header.Get("X-Registration-Token")
	if subtle.ConstantTimeCompare([]byte(presented), []byte(a.master)) != 1 {
		a.registerFailure(ip)
		writeError(w, http.StatusUnauthorized, "invalid registration token")
		return
	}

	var req registerRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed registration payload")
		return
	}
	if strings.TrimSpace(req.Hostname) == "" {
		writeError(w, http.StatusBadRequest, "hostname required")
		return
	}

	agentID := uuid.NewString()
	token, err := a.vault.IssueAgentToken(agentID, a.orgID)
	if err != nil {
		a.Log.Error().Err(err).Msg("agent token mint failed")
		writeError(w, http.StatusInternalServerError, "token mint failed")
		return
	}

	now := time.Now().UTC()
	agent := &model.Agent{
		AgentID:       agentID,
		ConnectorID:   a.ID(),
		Hostname:      req.Hostname,
		IP:            firstNonEmpty(req.IP, ip),
		OS:            req.OS,
		Version:       req.Version,
		Capabilities:  req.Capabilities,
		Status:        model.AgentActive,
		LastHeartbeat: now,
		Token:         token,
		RegisteredAt:  now,
	}
	if err := a.store.UpsertAgent(r.Context(), agent); err != nil {
		a.Log.Error().Err(err).Str("hostname", req.Hostname).Msg("agent persist failed")
		writeError(w, http.StatusInternalServerError, "agent persist failed")
		return
	}

	a.mu.Lock()
	a.agents[agentID] = agent
	delete(a.fails, ip)
	a.mu.Unlock()

	a.metrics.AgentsRegistered.Inc()
	a.publishFleetGauge()
	a.emit(events.TypeAgentRegistered, agent.Hostname, map[string]any{
		"agentId":  agentID,
		"hostname": agent.Hostname,
		"ip":       agent.IP,
		"os":       agent.OS,
		"version":  agent.Version,
	})
	a.Log.Info().
		Str("agent_id", agentID).
		Str("hostname", req.Hostname).
		Str("os", req.OS).
		Msg("agent registered")

	writeJSON(w, http.StatusCreated, map[string]string{
		"agentId":   agentID,
		"authToken": token,
	})
}

func (a *AgentSrv) registerFailure(ip string) {
	a.mu.Lock()
	a.fails[ip]++
	n := a.fails[ip]
	if n >= maxRegisterFailures {
		a.blocked[ip] = struct{}{}
	}
	a.mu.Unlock()

	if n >= maxRegisterFailures {
		a.Log.Warn().Str("ip", ip).Int("failures", n).Msg("registration source blocked")
	}
}

// handleHeartbeat refreshes liveness for one agent. lastHeartbeat only
// moves forward; a beat whose payload timestamp lags the stored one is
// accepted but counted stale.
func (a *AgentSrv) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if a.Status() == model.StatusDisabled {
		writeError(w, http.StatusServiceUnavailable, "connector stopped")
		return
	}

	var req heartbeatRequest
	if err := decodeBody(w, r, &req); err != nil || req.AgentID == "" {
		writeError(w, http.StatusBadRequest, "malformed heartbeat payload")
		return
	}

	ag, err := a.authenticate(r, req.AgentID)
	if err != nil {
		a.metrics.RecordHeartbeat("rejected")
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	stale := false
	a.mu.Lock()
	if !req.Timestamp.IsZero() && req.Timestamp.Before(ag.LastHeartbeat) {
		stale = true
	}
	ag.LastHeartbeat = time.Now().UTC()
	switch req.Status {
	case model.AgentActive, model.AgentWarning, model.AgentError:
		ag.Status = req.Status
	default:
		// Agents cannot declare themselves inactive; the sweep owns that
		// transition. A beating agent that was swept comes back active.
		if ag.Status == model.AgentInactive {
			ag.Status = model.AgentActive
		}
	}
	if req.Metrics != nil {
		ag.LastMetrics = req.Metrics
	}
	snapshot := *ag
	a.mu.Unlock()

	if err := a.store.UpsertAgent(r.Context(), &snapshot); err != nil {
		// The in-memory fleet stays authoritative; the next beat retries.
		a.Log.Warn().Err(err).Str("agent_id", snapshot.AgentID).Msg("heartbeat persist failed")
	}

	if stale {
		a.metrics.RecordHeartbeat("stale")
	} else {
		a.metrics.RecordHeartbeat("accepted")
	}
	a.publishFleetGauge()

	writeJSON(w, http.StatusOK, map[string]any{
		"status":           "ok",
		"nextHeartbeatSec": a.config().HeartbeatIntervalSec,
	})
}

// handleData accepts one event delivery into the pending buffer. The
// buffer drains on the fixed cadence, or eagerly once it grows past the
// threshold.
func (a *AgentSrv) handleData(w http.ResponseWriter, r *http.Request) {
	if a.Status() == model.StatusDisabled {
		writeError(w, http.StatusServiceUnavailable, "connector stopped")
		return
	}

	var req dataRequest
	if err := decodeBody(w, r, &req); err != nil || req.AgentID == "" {
		writeError(w, http.StatusBadRequest, "malformed event payload")
		return
	}

	ag, err := a.authenticate(r, req.AgentID)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	ts := req.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	ev := model.AgentEvent{
		AgentID:   ag.AgentID,
		Hostname:  ag.Hostname,
		Timestamp: ts,
		EventType: req.EventType,
		Severity:  agentSeverity(req.Severity),
		Message:   req.Message,
		Details:   req.Details,
	}

	a.mu.Lock()
	a.pending = append(a.pending, ev)
	n := len(a.pending)
	a.mu.Unlock()

	if n > drainThreshold {
		select {
		case a.drainCh <- struct{}{}:
		default:
		}
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (a *AgentSrv) handleListAgents(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	out := make([]model.Agent, 0, len(a.agents))
	for _, ag := range a.agents {
		out = append(out, *ag)
	}
	a.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].RegisteredAt.Equal(out[j].RegisteredAt) {
			return out[i].AgentID < out[j].AgentID
		}
		return out[i].RegisteredAt.Before(out[j].RegisteredAt)
	})
	writeJSON(w, http.StatusOK, out)
}

func (a *AgentSrv) handleListEvents(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	out := make([]model.AgentEvent, 0, len(a.recent))
	for i := len(a.recent) - 1; i >= 0; i-- {
		out = append(out, a.recent[i])
	}
	a.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

// authenticate resolves the bearer token to a registered agent. The token
// must carry a valid signature, claim the same agent id the payload names,
// and match the token stored for that agent, so re-registration retires
// the previous token immediately.
func (a *AgentSrv) authenticate(r *http.Request, agentID string) (*model.Agent, error) {
	const prefix = "Bearer "
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, prefix) {
		return nil, errors.New("agentsrv: missing bearer token")
	}
	token := strings.TrimSpace(header[len(prefix):])

	info, err := a.vault.VerifyAgentToken(token)
	if err != nil {
		return nil, err
	}
	if info.AgentID != agentID {
		return nil, errors.New("agentsrv: token bound to different agent")
	}

	a.mu.Lock()
	ag := a.agents[agentID]
	a.mu.Unlock()
	if ag == nil {
		// Another instance may have registered it; fall back to the store.
		stored, err := a.store.GetAgent(r.Context(), agentID)
		if err != nil || stored == nil {
			return nil, errors.New("agentsrv: unknown agent")
		}
		a.mu.Lock()
		if cached, ok := a.agents[agentID]; ok {
			stored = cached
		} else {
			a.agents[agentID] = stored
		}
		ag = stored
		a.mu.Unlock()
	}

	if subtle.ConstantTimeCompare([]byte(ag.Token), []byte(token)) != 1 {
		return nil, errors.New("agentsrv: token superseded")
	}
	return ag, nil
}

func agentSeverity(s string) model.AlertSeverity {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "critical":
		return model.SeverityCritical
	case "high":
		return model.SeverityHigh
	case "medium":
		return model.SeverityMedium
	default:
		return model.SeverityLow
	}
}

// clientIP prefers the forwarded chain's first hop so failure counting
// follows the real source through a proxy.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
