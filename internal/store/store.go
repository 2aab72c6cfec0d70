// Package store is the persistence boundary of the ingestion core. Three
// backends implement the same Store interface: Postgres (database/sql +
// lib/pq, the authoritative deployment), Supabase (managed-Postgres REST) and
// an in-memory store for tests and single-binary dev mode.
//
// Only the Postgres backend carries a change feed (LISTEN/NOTIFY on the
// connectors_changed channel, see ChangeListener); with the other backends
// the lifecycle manager depends on explicit reconcile calls from the admin
// API plus its periodic sweep.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/vigiasec/ingest/internal/model"
)

var (
	// ErrNotFound is returned when the referenced row does not exist or is
	// soft-deleted.
	ErrNotFound = errors.New("store: not found")

	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("store: closed")
)

// Store is the full persistence surface used by the manager, the connectors,
// the normalization pipeline and the admin API.
type Store interface {
	// Connector configuration rows. DeleteConnector is a soft delete
	// (is_active=false); List* never return soft-deleted rows.
	ListActiveConnectors(ctx context.Context) ([]model.ConnectorRecord, error)
	ListConnectors(ctx context.Context, orgID int64) ([]model.ConnectorRecord, error)
	GetConnector(ctx context.Context, id int64) (*model.ConnectorRecord, error)
	CreateConnector(ctx context.Context, rec *model.ConnectorRecord) error
	UpdateConnector(ctx context.Context, rec *model.ConnectorRecord) error
	DeleteConnector(ctx context.Context, id int64) error
	UpdateConnectorStatus(ctx context.Context, id int64, status model.ConnectorStatus, errorMessage string) error
	UpdateConnectorMetrics(ctx context.Context, id int64, eventsPerMin float64, lastData *time.Time) error
	TouchConnectorSuccess(ctx context.Context, id int64, at time.Time) error

	// Raw events are immutable once inserted. ListRawEvents returns newest
	// first; connectorID 0 lists across all connectors.
	InsertRawEvent(ctx context.Context, ev *model.RawEvent) error
	ListRawEvents(ctx context.Context, connectorID int64, limit int) ([]model.RawEvent, error)

	// Normalization output. orgID 0 lists across all organizations.
	InsertAlert(ctx context.Context, alert *model.Alert) error
	ListAlerts(ctx context.Context, orgID int64, limit int) ([]model.Alert, error)
	InsertThreatIntel(ctx context.Context, intel *model.ThreatIntel) error

	// Connector activity log, newest first.
	AppendConnectorLog(ctx context.Context, entry *model.ConnectorLog) error
	ListConnectorLogs(ctx context.Context, connectorID int64, limit int) ([]model.ConnectorLog, error)

	// Host agents. connectorID 0 lists the whole fleet.
	UpsertAgent(ctx context.Context, agent *model.Agent) error
	GetAgent(ctx context.Context, agentID string) (*model.Agent, error)
	ListAgents(ctx context.Context, connectorID int64) ([]model.Agent, error)

	// Enrichment hooks for high-severity alerts.
	InsertAIInsight(ctx context.Context, insight *model.AIInsight) error
	InsertIncident(ctx context.Context, inc *model.Incident) error
	FindIncidentByTitle(ctx context.Context, title string, since time.Time) (*model.Incident, error)
	UpdateIncidentAlerts(ctx context.Context, id int64, alertIDs []int64) error

	Ping(ctx context.Context) error
	Close() error
}
