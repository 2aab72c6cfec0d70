// Package enrich runs the post-persistence collaborators for high-severity
// alerts: an AI-generated insight row and incident grouping by title. Both
// are best-effort; failures are logged and never surface to the ingest path.
package enrich

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/vigiasec/ingest/internal/logging"
	"github.com/vigiasec/ingest/internal/model"
	"github.com/vigiasec/ingest/internal/store"
)

// incidentWindow bounds how far back the linker looks for an existing
// incident with the same title before opening a new one.
const incidentWindow = 24 * time.Hour

// InsightGenerator produces a natural-language summary for a batch of raw
// events. *ai.ParserClient satisfies it; nil disables insight generation.
type InsightGenerator interface {
	GenerateInsight(ctx context.Context, connectorID, orgID int64, events []map[string]any) (string, float64, error)
}

// Enricher wires the insight generator and the incident linker behind one
// call that fires after an alert is persisted.
type Enricher struct {
	store   store.Store
	insight InsightGenerator
	log     zerolog.Logger
}

func New(st store.Store, insight InsightGenerator) *Enricher {
	return &Enricher{
		store:   st,
		insight: insight,
		log:     logging.WithComponent("enrich"),
	}
}

// Process enriches one persisted alert. Only high and critical alerts
// qualify; events give the insight generator its context and may be nil.
func (e *Enricher) Process(ctx context.Context, alert *model.Alert, connectorID int64, events []map[string]any) {
	if alert == nil || alert.ID == 0 {
		return
	}
	if alert.Severity != model.SeverityHigh && alert.Severity != model.SeverityCritical {
		return
	}
	e.generateInsight(ctx, alert, connectorID, events)
	e.linkIncident(ctx, alert)
}

func (e *Enricher) generateInsight(ctx context.Context, alert *model.Alert, connectorID int64, events []map[string]any) {
	if e.insight == nil {
		return
	}
	if len(events) == 0 {
		events = []map[string]any{{
			"title":       alert.Title,
			"description": alert.Description,
			"severity":    string(alert.Severity),
			"source":      alert.Source,
		}}
	}
	summary, confidence, err := e.insight.GenerateInsight(ctx, connectorID, alert.OrganizationID, events)
	if err != nil {
		e.log.Warn().Int64("alert_id", alert.ID).Err(err).Msg("insight generation failed")
		return
	}
	if summary == "" {
		return
	}
	ins := &model.AIInsight{
		AlertID:  alert.ID,
		Summary:  summary,
		Metadata: map[string]any{"confidence": confidence},
	}
	if err := e.store.InsertAIInsight(ctx, ins); err != nil {
		e.log.Warn().Int64("alert_id", alert.ID).Err(err).Msg("insight persist failed")
	}
}

func (e *Enricher) linkIncident(ctx context.Context, alert *model.Alert) {
	since := time.Now().UTC().Add(-incidentWindow)
	inc, err := e.store.FindIncidentByTitle(ctx, alert.Title, since)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		e.log.Warn().Int64("alert_id", alert.ID).Err(err).Msg("incident lookup failed")
		return
	}
	if inc != nil {
		ids := append(append([]int64(nil), inc.AlertIDs...), alert.ID)
		if err := e.store.UpdateIncidentAlerts(ctx, inc.ID, ids); err != nil {
			e.log.Warn().Int64("incident_id", inc.ID).Err(err).Msg("incident update failed")
		}
		return
	}
	fresh := &model.Incident{
		Title:    alert.Title,
		Severity: alert.Severity,
		AlertIDs: []int64{alert.ID},
	}
	if err := e.store.InsertIncident(ctx, fresh); err != nil {
		e.log.Warn().Int64("alert_id", alert.ID).Err(err).Msg("incident create failed")
	}
}
