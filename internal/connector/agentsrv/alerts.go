package agentsrv

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/vigiasec/ingest/internal/events"
	"github.com/vigiasec/ingest/internal/model"
)

// hostileTypes are eventType substrings that raise an alert on their own.
var hostileTypes = []string{"security", "threat", "malware", "attack"}

// criticalTargets make a file_change event alert-worthy when the touched
// path falls under one of them.
var criticalTargets = []string{"/etc/", "/bin/", `C:\Windows\System32\`}

// drain flushes the pending buffer: every delivery becomes a raw event on
// the sink and the subset the policy flags becomes store alerts. A paused
// or disabled connector drops the whole batch.
func (a *AgentSrv) drain(ctx context.Context) {
	a.mu.Lock()
	batch := a.pending
	a.pending = nil
	a.mu.Unlock()
	if len(batch) == 0 {
		return
	}

	if st := a.Status(); st != model.StatusActive {
		a.Log.Debug().Int("dropped", len(batch)).Str("status", string(st)).Msg("drain while not active")
		return
	}

	a.mu.Lock()
	a.recent = append(a.recent, batch...)
	if over := len(a.recent) - recentEventsCap; over > 0 {
		a.recent = append([]model.AgentEvent(nil), a.recent[over:]...)
	}
	a.mu.Unlock()

	for i := range batch {
		ev := &batch[i]
		delivered := a.EmitEvent(model.RawEvent{
			Timestamp: ev.Timestamp,
			Source:    ev.Hostname,
			Message:   ev.Message,
			Severity:  eventSeverity(ev.Severity),
			RawData: map[string]any{
				"agentId":   ev.AgentID,
				"hostname":  ev.Hostname,
				"eventType": ev.EventType,
				"severity":  string(ev.Severity),
				"message":   ev.Message,
				"details":   ev.Details,
			},
		})
		if delivered {
			a.metrics.RecordEvent(a.Name(), string(model.ConnectorAgent))
		}
		if shouldAlert(ev) {
			a.raiseAlert(ctx, ev)
		}
	}
	a.PublishMetrics()
}

// sweep retires agents whose heartbeats aged past the timeout. Only the
// sweep moves an agent to inactive, and each expiry raises one medium
// alert so the fleet going dark is visible to analysts.
func (a *AgentSrv) sweep(ctx context.Context) {
	timeout := a.config().timeout()
	cutoff := time.Now().UTC().Add(-timeout)

	var expired []model.Agent
	a.mu.Lock()
	for _, ag := range a.agents {
		if ag.Status == model.AgentActive && ag.LastHeartbeat.Before(cutoff) {
			ag.Status = model.AgentInactive
			expired = append(expired, *ag)
		}
	}
	a.mu.Unlock()
	if len(expired) == 0 {
		return
	}

	for i := range expired {
		ag := &expired[i]
		if err := a.store.UpsertAgent(ctx, ag); err != nil {
			a.Log.Warn().Err(err).Str("agent_id", ag.AgentID).Msg("expiry persist failed")
		}

		alert := &model.Alert{
			Title:          fmt.Sprintf("Agente %s inactivo", ag.Hostname),
			Description:    fmt.Sprintf("Sin heartbeat desde %s (umbral %s)", ag.LastHeartbeat.Format(time.RFC3339), timeout),
			Severity:       model.SeverityMedium,
			Source:         a.Name(),
			Status:         model.AlertNew,
			OrganizationID: a.orgID,
			Metadata: map[string]any{
				"agentId":       ag.AgentID,
				"hostname":      ag.Hostname,
				"lastHeartbeat": ag.LastHeartbeat,
			},
		}
		if err := a.store.InsertAlert(ctx, alert); err != nil {
			a.EmitError("store", fmt.Errorf("agentsrv: liveness alert persist: %w", err))
			a.metrics.RecordConnectorError(a.Name(), "store")
			continue
		}
		a.metrics.RecordAlert(a.vendor, string(alert.Severity))
		a.emit(events.TypeAgentInactive, ag.Hostname, map[string]any{
			"agentId":       ag.AgentID,
			"hostname":      ag.Hostname,
			"lastHeartbeat": ag.LastHeartbeat.Format(time.RFC3339),
		})
		a.Log.Warn().
			Str("agent_id", ag.AgentID).
			Str("hostname", ag.Hostname).
			Time("last_heartbeat", ag.LastHeartbeat).
			Msg("agent inactive")
	}
	a.publishFleetGauge()
}

// shouldAlert is the drain policy: hostile event types always alert, high
// and critical severities always alert, and file changes alert when they
// touch a critical system path.
func shouldAlert(ev *model.AgentEvent) bool {
	t := strings.ToLower(ev.EventType)
	for _, sub := range hostileTypes {
		if strings.Contains(t, sub) {
			return true
		}
	}
	if ev.Severity == model.SeverityHigh || ev.Severity == model.SeverityCritical {
		return true
	}
	if strings.Contains(t, "file_change") {
		target := eventPath(ev)
		for _, prefix := range criticalTargets {
			if strings.Contains(target, prefix) {
				return true
			}
		}
	}
	return false
}

func eventPath(ev *model.AgentEvent) string {
	for _, key := range []string{"path", "file", "filePath", "target"} {
		if s, ok := ev.Details[key].(string); ok && s != "" {
			return s
		}
	}
	return ev.Message
}

func (a *AgentSrv) raiseAlert(ctx context.Context, ev *model.AgentEvent) {
	severity := ev.Severity
	if severity == "" {
		severity = model.SeverityMedium
	}
	alert := &model.Alert{
		Title:          alertTitle(ev),
		Description:    ev.Message,
		Severity:       severity,
		Source:         a.Name(),
		Status:         model.AlertNew,
		OrganizationID: a.orgID,
		Metadata: map[string]any{
			"agentId":   ev.AgentID,
			"hostname":  ev.Hostname,
			"eventType": ev.EventType,
			"details":   ev.Details,
		},
	}
	if alert.Description == "" {
		alert.Description = alert.Title
	}

	if err := a.store.InsertAlert(ctx, alert); err != nil {
		a.EmitError("store", fmt.Errorf("agentsrv: alert persist: %w", err))
		a.metrics.RecordConnectorError(a.Name(), "store")
		return
	}
	a.metrics.RecordAlert(a.vendor, string(alert.Severity))

	if a.enricher != nil {
		a.enricher.Process(ctx, alert, a.ID(), []map[string]any{{
			"agentId":   ev.AgentID,
			"hostname":  ev.Hostname,
			"eventType": ev.EventType,
			"severity":  string(ev.Severity),
			"message":   ev.Message,
			"details":   ev.Details,
			"timestamp": ev.Timestamp,
		}})
	}
}

// alertTitle renders the analyst-facing title. Known event types carry
// fixed phrasings; anything else gets the humanized type name.
func alertTitle(ev *model.AgentEvent) string {
	switch strings.ToLower(ev.EventType) {
	case "malware_detected":
		return fmt.Sprintf("Malware detectado en %s", ev.Hostname)
	case "intrusion_detected", "intrusion_attempt":
		return fmt.Sprintf("Intento de intrusión en %s", ev.Hostname)
	case "suspicious_process":
		return fmt.Sprintf("Proceso sospechoso en %s", ev.Hostname)
	case "brute_force", "brute_force_attempt":
		return fmt.Sprintf("Ataque de fuerza bruta en %s", ev.Hostname)
	case "file_change":
		return fmt.Sprintf("Cambio en archivo crítico en %s", ev.Hostname)
	default:
		return fmt.Sprintf("%s en %s", humanize(ev.EventType), ev.Hostname)
	}
}

// humanize turns snake_case event types into title-ish text.
func humanize(eventType string) string {
	s := strings.ReplaceAll(strings.TrimSpace(eventType), "_", " ")
	if s == "" {
		return "Evento de agente"
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func eventSeverity(s model.AlertSeverity) model.EventSeverity {
	switch s {
	case model.SeverityCritical:
		return model.EventCritical
	case model.SeverityHigh:
		return model.EventError
	case model.SeverityMedium:
		return model.EventWarn
	default:
		return model.EventInfo
	}
}
