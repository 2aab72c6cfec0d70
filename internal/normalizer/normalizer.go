// Package normalizer turns vendor-shaped security payloads into the canonical
// Alert / ThreatIntel records. Each input yields zero or one of each; the
// package is pure with respect to storage and callers own all side effects.
package normalizer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/vigiasec/ingest/internal/logging"
	"github.com/vigiasec/ingest/internal/model"
)

// AIParser is the external fallback parser consulted when no vendor rule
// produced a usable title. Implemented by the grpc client in internal/ai.
type AIParser interface {
	ParseEvent(ctx context.Context, vendor string, payload map[string]any) (*AIResult, error)
}

// AIResult is the fallback parser's reading of an unrecognized payload.
type AIResult struct {
	Title       string
	Description string
	Severity    string
}

// Meta carries the connector identity a batch is normalized under.
type Meta struct {
	ConnectorID    int64
	ConnectorName  string
	Vendor         string
	OrganizationID int64
}

// Result is the outcome for a single record. Skipped results carry no alert.
type Result struct {
	Alert      *model.Alert
	Intel      *model.ThreatIntel
	Skipped    bool
	SkipReason string
}

// Stats are the running pipeline counters.
type Stats struct {
	Processed uint64 `json:"processed"`
	Skipped   uint64 `json:"skipped"`
	Discarded uint64 `json:"discarded"`
	AIParsed  uint64 `json:"aiParsed"`
}

// Normalizer applies the vendor rule sets. Safe for concurrent use.
type Normalizer struct {
	ai  AIParser
	log zerolog.Logger

	processed atomic.Uint64
	skipped   atomic.Uint64
	discarded atomic.Uint64
	aiParsed  atomic.Uint64
}

// New builds a Normalizer. ai may be nil; without it, records that no rule
// could title keep their defaulted title instead of going through the
// fallback parser.
func New(ai AIParser) *Normalizer {
	return &Normalizer{
		ai:  ai,
		log: logging.WithComponent("normalizer"),
	}
}

// Normalize runs the pipeline for one record.
func (n *Normalizer) Normalize(ctx context.Context, record map[string]any, meta Meta) Result {
	n.processed.Add(1)

	rules := rulesFor(meta.Vendor)
	d, err := rules.apply(record)
	if err != nil {
		n.skipped.Add(1)
		n.log.Debug().Int64("connector_id", meta.ConnectorID).Err(err).Msg("record skipped")
		return Result{Skipped: true, SkipReason: err.Error()}
	}

	alert := &model.Alert{
		Title:          d.title,
		Description:    d.description,
		SourceIP:       d.sourceIP,
		DestinationIP:  d.destinationIP,
		Source:         meta.ConnectorName,
		Status:         model.AlertNew,
		OrganizationID: meta.OrganizationID,
	}
	if alert.Title == "" {
		alert.Title = fmt.Sprintf("Alert from %s", meta.Vendor)
	}
	if alert.Description == "" {
		alert.Description = serialize(record)
	}
	alert.Severity = MapSeverity(meta.Vendor, record, d.severityRaw)

	iocs := ExtractIOCs(record)
	parser := "rules"

	if !d.titleFromRule && n.ai != nil {
		res, err := n.ai.ParseEvent(ctx, meta.Vendor, record)
		if err != nil || res == nil || res.Title == "" {
			n.discarded.Add(1)
			n.log.Debug().Int64("connector_id", meta.ConnectorID).Err(err).Msg("ai fallback failed, record discarded")
			return Result{Skipped: true, SkipReason: "ai fallback failed"}
		}
		alert.Title = res.Title
		if res.Description != "" {
			alert.Description = res.Description
		}
		if res.Severity != "" {
			alert.Severity = genericSeverity(res.Severity)
		}
		parser = "ai"
		n.aiParsed.Add(1)
	}

	alert.Metadata = map[string]any{
		"originalData":  record,
		"parser":        parser,
		"vendor":        meta.Vendor,
		"connectorId":   meta.ConnectorID,
		"connectorName": meta.ConnectorName,
	}

	result := Result{Alert: alert}
	if isIntelVendor(meta.Vendor) {
		result.Intel = deriveIntel(meta.Vendor, record, alert, iocs)
	}
	return result
}

// NormalizeBatch preserves input order in its output.
func (n *Normalizer) NormalizeBatch(ctx context.Context, records []map[string]any, meta Meta) []Result {
	out := make([]Result, 0, len(records))
	for _, record := range records {
		out = append(out, n.Normalize(ctx, record, meta))
	}
	return out
}

// NormalizeRawEvent adapts a connector RawEvent into the record pipeline.
// Listener events without structured data are wrapped so the default rules
// can title them from the message line.
func (n *Normalizer) NormalizeRawEvent(ctx context.Context, ev *model.RawEvent, meta Meta) Result {
	record := ev.RawData
	if len(record) == 0 {
		record = map[string]any{
			"message":   ev.Message,
			"source":    ev.Source,
			"severity":  eventSeverityString(ev.Severity),
			"timestamp": ev.Timestamp,
		}
	} else if _, ok := record["severity"]; !ok && ev.Severity != "" {
		record = cloneRecord(record)
		record["severity"] = eventSeverityString(ev.Severity)
	}
	result := n.Normalize(ctx, record, meta)
	if result.Alert != nil {
		if result.Alert.SourceIP == "" {
			result.Alert.SourceIP = ev.Source
		}
		result.Alert.Metadata["rawEventId"] = ev.ID
	}
	return result
}

// Stats returns a snapshot of the pipeline counters.
func (n *Normalizer) Stats() Stats {
	return Stats{
		Processed: n.processed.Load(),
		Skipped:   n.skipped.Load(),
		Discarded: n.discarded.Load(),
		AIParsed:  n.aiParsed.Load(),
	}
}

// eventSeverityString renders the listener severity bucket in the vocabulary
// the string severity table understands.
func eventSeverityString(sev model.EventSeverity) string {
	switch sev {
	case model.EventCritical:
		return "critical"
	case model.EventError:
		return "error"
	case model.EventWarn:
		return "warning"
	default:
		return "info"
	}
}

func serialize(record map[string]any) string {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Sprintf("%v", record)
	}
	const max = 2000
	if len(data) > max {
		return string(data[:max])
	}
	return string(data)
}

func cloneRecord(record map[string]any) map[string]any {
	out := make(map[string]any, len(record)+1)
	for k, v := range record {
		out[k] = v
	}
	return out
}
