package manager

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/vigiasec/ingest/internal/connector"
	"github.com/vigiasec/ingest/internal/events"
	"github.com/vigiasec/ingest/internal/model"
	"github.com/vigiasec/ingest/internal/normalizer"
	"github.com/vigiasec/ingest/internal/queue"
)

// emit publishes onto the event fabric when one is wired. Sources follow
// the connector/<id> convention so downstream consumers can route on them.
func (m *Manager) emit(eventType string, connectorID int64, subject string, data map[string]any) {
	if m.events == nil {
		return
	}
	m.events.Emit(eventType, "connector/"+strconv.FormatInt(connectorID, 10), subject, data)
}

// pump drains one connector's sink until its context ends.
func (m *Manager) pump(ctx context.Context, r *running) {
	defer m.wg.Done()
	defer close(r.done)
	for {
		select {
		case <-ctx.Done():
			m.drainStatus(r)
			return
		case ev := <-r.sink.Events:
			m.handleEvent(ctx, r, ev)
		case ee := <-r.sink.Errors:
			m.handleError(ctx, r, ee)
		case sc := <-r.sink.Status:
			m.handleStatus(ctx, r, sc)
		case upd := <-r.sink.Metrics:
			m.handleMetrics(ctx, r, upd)
		}
	}
}

// drainStatus flushes transitions emitted between Stop and pump shutdown so
// terminal states still reach the record.
func (m *Manager) drainStatus(r *running) {
	ctx, cancel := context.WithTimeout(context.Background(), healthTimeout)
	defer cancel()
	for {
		select {
		case sc := <-r.sink.Status:
			m.handleStatus(ctx, r, sc)
		default:
			return
		}
	}
}

// handleEvent is the per-event fan-out: raw persistence, normalization,
// realtime push and the activity log. Agent deliveries skip normalization;
// the agent connector applies its own alert policy before emitting and the
// generic pipeline would alert each event a second time.
func (m *Manager) handleEvent(ctx context.Context, r *running, ev model.RawEvent) {
	if err := m.store.InsertRawEvent(ctx, &ev); err != nil {
		m.log.Error().Int64("connector_id", r.rec.ID).Err(err).Msg("raw event insert failed")
	}
	m.markEvent(r.rec.ID)

	if r.rec.Type != model.ConnectorAgent {
		m.normalizeEvent(ctx, r, &ev)
	}
	if m.realtime != nil {
		m.realtime.BroadcastEvent(ev)
	}
	m.emit(events.TypeConnectorEvent, r.rec.ID, r.rec.Name, map[string]any{
		"eventId":  ev.ID,
		"source":   ev.Source,
		"severity": string(ev.Severity),
		"message":  truncate(ev.Message, 160),
		"orgId":    strconv.FormatInt(r.rec.OrganizationID, 10),
	})
	m.appendLog(ctx, r.rec.ID, logLevel(ev.Severity),
		fmt.Sprintf("event from %s: %s", ev.Source, truncate(ev.Message, 160)))
}

func (m *Manager) normalizeEvent(ctx context.Context, r *running, ev *model.RawEvent) {
	meta := normalizer.Meta{
		ConnectorID:    r.rec.ID,
		ConnectorName:  r.rec.Name,
		Vendor:         r.rec.Vendor,
		OrganizationID: r.rec.OrganizationID,
	}
	res := m.norm.NormalizeRawEvent(ctx, ev, meta)
	if res.Skipped {
		m.log.Debug().Int64("connector_id", r.rec.ID).Str("reason", res.SkipReason).Msg("event skipped")
		return
	}
	if res.Alert != nil {
		if err := m.persistAlert(ctx, res.Alert, meta, ev.RawData); err != nil {
			m.log.Error().Int64("connector_id", r.rec.ID).Err(err).Msg("alert insert failed")
		}
	}
	if res.Intel != nil {
		if err := m.persistIntel(ctx, res.Intel, meta); err != nil {
			m.log.Error().Int64("connector_id", r.rec.ID).Err(err).Msg("intel insert failed")
		}
	}
}

// persistAlert stores one normalized alert and fans it out to enrichment,
// notification and realtime.
func (m *Manager) persistAlert(ctx context.Context, alert *model.Alert, meta normalizer.Meta, original map[string]any) error {
	if err := m.store.InsertAlert(ctx, alert); err != nil {
		return err
	}
	m.metrics.RecordAlert(meta.Vendor, string(alert.Severity))
	if m.enricher != nil {
		var events []map[string]any
		if original != nil {
			events = []map[string]any{original}
		}
		m.enricher.Process(ctx, alert, meta.ConnectorID, events)
	}
	if m.notifier != nil {
		m.notifier.NotifyAlert(ctx, alert)
	}
	if m.realtime != nil {
		m.realtime.BroadcastAlert(*alert)
	}
	m.emit(events.TypeAlertCreated, meta.ConnectorID, alert.Title, map[string]any{
		"alertId":  alert.ID,
		"title":    alert.Title,
		"severity": string(alert.Severity),
		"source":   alert.Source,
		"orgId":    strconv.FormatInt(alert.OrganizationID, 10),
	})
	return nil
}

// persistIntel stores one normalized intel item and announces it.
func (m *Manager) persistIntel(ctx context.Context, intel *model.ThreatIntel, meta normalizer.Meta) error {
	if err := m.store.InsertThreatIntel(ctx, intel); err != nil {
		return err
	}
	m.metrics.RecordIntel(meta.Vendor, string(intel.Type))
	m.emit(events.TypeIntelCreated, meta.ConnectorID, intel.Title, map[string]any{
		"intelId":    intel.ID,
		"type":       string(intel.Type),
		"severity":   string(intel.Severity),
		"confidence": intel.Confidence,
		"orgId":      strconv.FormatInt(meta.OrganizationID, 10),
	})
	return nil
}

// handleError records connector failures in the activity log. Prometheus
// error counters are incremented at the failure sites inside connectors.
func (m *Manager) handleError(ctx context.Context, r *running, ee connector.ErrorEvent) {
	m.log.Warn().
		Int64("connector_id", ee.ConnectorID).
		Str("stage", ee.Stage).
		Err(ee.Err).
		Msg("connector error")
	m.emit(events.TypeConnectorError, ee.ConnectorID, r.rec.Name, map[string]any{
		"stage": ee.Stage,
		"error": ee.Err.Error(),
		"orgId": strconv.FormatInt(r.rec.OrganizationID, 10),
	})
	m.appendLog(ctx, r.rec.ID, "error", fmt.Sprintf("%s: %v", ee.Stage, ee.Err))
}

func (m *Manager) handleStatus(ctx context.Context, r *running, sc connector.StatusChange) {
	if err := m.store.UpdateConnectorStatus(ctx, sc.ConnectorID, sc.To, sc.Message); err != nil {
		m.log.Warn().Int64("connector_id", sc.ConnectorID).Err(err).Msg("status write failed")
	}
	m.metrics.SetConnectorStatus(r.rec.Name, string(r.rec.Type), statusValue(sc.To))
	if m.realtime != nil {
		m.realtime.BroadcastStatus(sc)
	}

	m.emit(events.TypeConnectorStatus, sc.ConnectorID, r.rec.Name, map[string]any{
		"from":    string(sc.From),
		"to":      string(sc.To),
		"message": sc.Message,
		"orgId":   strconv.FormatInt(r.rec.OrganizationID, 10),
	})

	line := fmt.Sprintf("status %s -> %s", sc.From, sc.To)
	if sc.Message != "" {
		line += ": " + sc.Message
	}
	level := "info"
	if sc.To == model.StatusError || sc.AutoDisabled {
		level = "error"
	}
	if sc.AutoDisabled {
		m.log.Error().
			Int64("connector_id", sc.ConnectorID).
			Str("name", r.rec.Name).
			Msg("connector auto-disabled after repeated failures")
		m.emit(events.TypeConnectorAutoDisabled, sc.ConnectorID, r.rec.Name, map[string]any{
			"message": sc.Message,
			"orgId":   strconv.FormatInt(r.rec.OrganizationID, 10),
		})
	}
	m.appendLog(ctx, r.rec.ID, level, line)
}

func (m *Manager) handleMetrics(ctx context.Context, r *running, upd connector.MetricsUpdate) {
	if err := m.store.UpdateConnectorMetrics(ctx, upd.ConnectorID, upd.Snapshot.EventsPerMin, m.lastEventAt(upd.ConnectorID)); err != nil {
		m.log.Warn().Int64("connector_id", upd.ConnectorID).Err(err).Msg("metrics write failed")
	}
	m.metrics.EventsPerMinute.WithLabelValues(r.rec.Name).Set(upd.Snapshot.EventsPerMin)
	if m.realtime != nil {
		m.realtime.BroadcastMetrics(upd)
	}
	m.emit(events.TypeConnectorMetrics, upd.ConnectorID, r.rec.Name, map[string]any{
		"eventsPerMin": upd.Snapshot.EventsPerMin,
		"errorsPerMin": upd.Snapshot.ErrorsPerMin,
		"totalEvents":  upd.Snapshot.TotalEvents,
		"orgId":        strconv.FormatInt(r.rec.OrganizationID, 10),
	})
}

// processJob is the queue handler for bulk poll batches. Per-record storage
// failures are logged and the survivors complete; the job retries on the
// aggregate, so inserts may repeat for records that already landed.
func (m *Manager) processJob(ctx context.Context, job *queue.Job) error {
	meta := normalizer.Meta{
		ConnectorID:    job.ConnectorID,
		ConnectorName:  job.ConnectorName,
		Vendor:         job.Vendor,
		OrganizationID: job.OrganizationID,
	}
	results := m.norm.NormalizeBatch(ctx, job.Records, meta)

	var stored, failed int
	var firstErr error
	for i, res := range results {
		if res.Skipped {
			continue
		}
		if res.Alert != nil {
			if err := m.persistAlert(ctx, res.Alert, meta, job.Records[i]); err != nil {
				failed++
				if firstErr == nil {
					firstErr = err
				}
				m.log.Error().Str("job_id", job.ID).Int64("connector_id", job.ConnectorID).Err(err).Msg("alert insert failed")
				continue
			}
			stored++
		}
		if res.Intel != nil {
			if err := m.persistIntel(ctx, res.Intel, meta); err != nil {
				failed++
				if firstErr == nil {
					firstErr = err
				}
				m.log.Error().Str("job_id", job.ID).Int64("connector_id", job.ConnectorID).Err(err).Msg("intel insert failed")
				continue
			}
			stored++
		}
	}

	if failed > 0 {
		return fmt.Errorf("manager: job %s: %d of %d records failed: %w", job.ID, failed, len(results), firstErr)
	}

	if stored > 0 {
		m.markEvent(job.ConnectorID)
	}
	m.metrics.RecordQueueJob(string(job.Priority), true, time.Since(job.EnqueuedAt).Seconds())
	if err := m.store.TouchConnectorSuccess(ctx, job.ConnectorID, time.Now()); err != nil {
		m.log.Warn().Int64("connector_id", job.ConnectorID).Err(err).Msg("success touch failed")
	}
	return nil
}

// jobFailed runs when a job exhausts its retry budget.
func (m *Manager) jobFailed(job *queue.Job) {
	m.metrics.RecordQueueJob(string(job.Priority), false, time.Since(job.EnqueuedAt).Seconds())
	m.emit(events.TypeQueueJobFailed, job.ConnectorID, job.ConnectorName, map[string]any{
		"jobId":    job.ID,
		"attempts": job.Attempts,
		"records":  len(job.Records),
		"error":    job.LastError,
		"orgId":    strconv.FormatInt(job.OrganizationID, 10),
	})

	ctx, cancel := context.WithTimeout(context.Background(), healthTimeout)
	defer cancel()
	m.appendLog(ctx, job.ConnectorID, "error",
		fmt.Sprintf("job %s dropped after %d attempts: %s", job.ID, job.Attempts, job.LastError))
}

func (m *Manager) appendLog(ctx context.Context, connectorID int64, level, msg string) {
	entry := &model.ConnectorLog{
		ConnectorID: connectorID,
		Level:       level,
		Message:     msg,
		CreatedAt:   time.Now(),
	}
	if err := m.store.AppendConnectorLog(ctx, entry); err != nil {
		m.log.Warn().Int64("connector_id", connectorID).Err(err).Msg("connector log write failed")
	}
}

func logLevel(sev model.EventSeverity) string {
	switch sev {
	case model.EventCritical, model.EventError:
		return "error"
	case model.EventWarn:
		return "warning"
	default:
		return "info"
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
