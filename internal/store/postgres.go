package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq" // Postgres driver

	"github.com/vigiasec/ingest/internal/model"
)

// NotifyChannel is the LISTEN/NOTIFY channel carrying connector change
// notifications. The payload is the stringified connector id.
const NotifyChannel = "connectors_changed"

// Postgres implements Store on a plain database/sql connection pool.
type Postgres struct {
	db *sql.DB
}

// NewPostgres opens a connection pool against dbURL and verifies it with a
// ping.
func NewPostgres(dbURL string) (*Postgres, error) {
	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Postgres{db: db}, nil
}

var _ Store = (*Postgres)(nil)

// EnsureSchema creates the tables and the connectors_changed notify triggers
// when they do not exist yet. The update trigger is scoped to the columns
// that affect a running connector; status and metrics writes from the
// manager's own sweep must not feed back into reconciliation.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS connectors (
			id BIGSERIAL PRIMARY KEY,
			organization_id BIGINT NOT NULL DEFAULT 0,
			name TEXT NOT NULL,
			type TEXT NOT NULL,
			vendor TEXT NOT NULL DEFAULT '',
			configuration JSONB NOT NULL DEFAULT '{}',
			status TEXT NOT NULL DEFAULT 'disabled',
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			events_per_min DOUBLE PRECISION NOT NULL DEFAULT 0,
			error_message TEXT NOT NULL DEFAULT '',
			last_data TIMESTAMPTZ,
			last_successful_connection TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS raw_events (
			id TEXT PRIMARY KEY,
			connector_id BIGINT NOT NULL,
			event_time TIMESTAMPTZ NOT NULL,
			source TEXT NOT NULL DEFAULT '',
			message TEXT NOT NULL DEFAULT '',
			severity TEXT NOT NULL DEFAULT 'info',
			raw_data JSONB,
			iocs JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS raw_events_connector_time_idx
			ON raw_events (connector_id, event_time DESC)`,
		`CREATE TABLE IF NOT EXISTS alerts (
			id BIGSERIAL PRIMARY KEY,
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			severity TEXT NOT NULL,
			source TEXT NOT NULL DEFAULT '',
			source_ip TEXT NOT NULL DEFAULT '',
			destination_ip TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'new',
			organization_id BIGINT NOT NULL DEFAULT 0,
			metadata JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS threat_intel (
			id BIGSERIAL PRIMARY KEY,
			type TEXT NOT NULL,
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			source TEXT NOT NULL DEFAULT '',
			severity TEXT NOT NULL,
			confidence INT NOT NULL DEFAULT 0,
			iocs JSONB,
			relevance TEXT NOT NULL DEFAULT 'low',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS connector_logs (
			id BIGSERIAL PRIMARY KEY,
			connector_id BIGINT NOT NULL,
			level TEXT NOT NULL DEFAULT 'info',
			message TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS connector_logs_connector_idx
			ON connector_logs (connector_id, created_at DESC)`,
		`CREATE TABLE IF NOT EXISTS agents (
			agent_id TEXT PRIMARY KEY,
			connector_id BIGINT NOT NULL,
			hostname TEXT NOT NULL,
			ip TEXT NOT NULL DEFAULT '',
			os TEXT NOT NULL DEFAULT '',
			version TEXT NOT NULL DEFAULT '',
			capabilities JSONB,
			status TEXT NOT NULL DEFAULT 'active',
			last_heartbeat TIMESTAMPTZ NOT NULL,
			token TEXT NOT NULL DEFAULT '',
			last_metrics JSONB,
			registered_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS ai_insights (
			id BIGSERIAL PRIMARY KEY,
			alert_id BIGINT,
			summary TEXT NOT NULL,
			remediation TEXT NOT NULL DEFAULT '',
			metadata JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS incidents (
			id BIGSERIAL PRIMARY KEY,
			title TEXT NOT NULL,
			severity TEXT NOT NULL,
			alert_ids JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE OR REPLACE FUNCTION vigia_notify_connector_change() RETURNS trigger AS $$
		BEGIN
			IF TG_OP = 'DELETE' THEN
				PERFORM pg_notify('` + NotifyChannel + `', OLD.id::text);
				RETURN OLD;
			END IF;
			PERFORM pg_notify('` + NotifyChannel + `', NEW.id::text);
			RETURN NEW;
		END;
		$$ LANGUAGE plpgsql`,
		`DROP TRIGGER IF EXISTS connectors_changed_ins ON connectors`,
		`CREATE TRIGGER connectors_changed_ins
			AFTER INSERT ON connectors
			FOR EACH ROW EXECUTE FUNCTION vigia_notify_connector_change()`,
		`DROP TRIGGER IF EXISTS connectors_changed_upd ON connectors`,
		`CREATE TRIGGER connectors_changed_upd
			AFTER UPDATE OF name, type, vendor, configuration, is_active ON connectors
			FOR EACH ROW EXECUTE FUNCTION vigia_notify_connector_change()`,
		`DROP TRIGGER IF EXISTS connectors_changed_del ON connectors`,
		`CREATE TRIGGER connectors_changed_del
			AFTER DELETE ON connectors
			FOR EACH ROW EXECUTE FUNCTION vigia_notify_connector_change()`,
	}
	for _, stmt := range stmts {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

const connectorColumns = `id, organization_id, name, type, vendor, configuration,
	status, is_active, events_per_min, error_message,
	last_data, last_successful_connection, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConnector(row rowScanner) (*model.ConnectorRecord, error) {
	var (
		rec      model.ConnectorRecord
		config   []byte
		lastData sql.NullTime
		lastConn sql.NullTime
	)
	err := row.Scan(&rec.ID, &rec.OrganizationID, &rec.Name, &rec.Type, &rec.Vendor,
		&config, &rec.Status, &rec.IsActive, &rec.EventsPerMin, &rec.ErrorMessage,
		&lastData, &lastConn, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	rec.Configuration = json.RawMessage(config)
	if lastData.Valid {
		t := lastData.Time
		rec.LastData = &t
	}
	if lastConn.Valid {
		t := lastConn.Time
		rec.LastSuccessfulConnection = &t
	}
	return &rec, nil
}

func (p *Postgres) queryConnectors(ctx context.Context, query string, args ...any) ([]model.ConnectorRecord, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query connectors: %w", err)
	}
	defer rows.Close()

	var out []model.ConnectorRecord
	for rows.Next() {
		rec, err := scanConnector(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan connector: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func (p *Postgres) ListActiveConnectors(ctx context.Context) ([]model.ConnectorRecord, error) {
	return p.queryConnectors(ctx,
		`SELECT `+connectorColumns+` FROM connectors WHERE is_active ORDER BY id`)
}

func (p *Postgres) ListConnectors(ctx context.Context, orgID int64) ([]model.ConnectorRecord, error) {
	if orgID == 0 {
		return p.ListActiveConnectors(ctx)
	}
	return p.queryConnectors(ctx,
		`SELECT `+connectorColumns+` FROM connectors WHERE is_active AND organization_id = $1 ORDER BY id`,
		orgID)
}

func (p *Postgres) GetConnector(ctx context.Context, id int64) (*model.ConnectorRecord, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+connectorColumns+` FROM connectors WHERE id = $1`, id)
	rec, err := scanConnector(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get connector %d: %w", id, err)
	}
	return rec, nil
}

func (p *Postgres) CreateConnector(ctx context.Context, rec *model.ConnectorRecord) error {
	config := rec.Configuration
	if len(config) == 0 {
		config = json.RawMessage(`{}`)
	}
	err := p.db.QueryRowContext(ctx,
		`INSERT INTO connectors (organization_id, name, type, vendor, configuration, status, is_active, error_message)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING id, created_at, updated_at`,
		rec.OrganizationID, rec.Name, rec.Type, rec.Vendor, []byte(config),
		rec.Status, rec.IsActive, rec.ErrorMessage,
	).Scan(&rec.ID, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create connector: %w", err)
	}
	return nil
}

func (p *Postgres) UpdateConnector(ctx context.Context, rec *model.ConnectorRecord) error {
	config := rec.Configuration
	if len(config) == 0 {
		config = json.RawMessage(`{}`)
	}
	res, err := p.db.ExecContext(ctx,
		`UPDATE connectors
		 SET organization_id = $2, name = $3, type = $4, vendor = $5, configuration = $6,
		     status = $7, is_active = $8, error_message = $9, updated_at = now()
		 WHERE id = $1`,
		rec.ID, rec.OrganizationID, rec.Name, rec.Type, rec.Vendor, []byte(config),
		rec.Status, rec.IsActive, rec.ErrorMessage)
	if err != nil {
		return fmt.Errorf("failed to update connector %d: %w", rec.ID, err)
	}
	return requireRow(res)
}

func (p *Postgres) DeleteConnector(ctx context.Context, id int64) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE connectors SET is_active = FALSE, updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete connector %d: %w", id, err)
	}
	return requireRow(res)
}

func (p *Postgres) UpdateConnectorStatus(ctx context.Context, id int64, status model.ConnectorStatus, errorMessage string) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE connectors SET status = $2, error_message = $3, updated_at = now() WHERE id = $1`,
		id, status, errorMessage)
	if err != nil {
		return fmt.Errorf("failed to update connector %d status: %w", id, err)
	}
	return requireRow(res)
}

func (p *Postgres) UpdateConnectorMetrics(ctx context.Context, id int64, eventsPerMin float64, lastData *time.Time) error {
	var last sql.NullTime
	if lastData != nil {
		last = sql.NullTime{Time: lastData.UTC(), Valid: true}
	}
	res, err := p.db.ExecContext(ctx,
		`UPDATE connectors
		 SET events_per_min = $2, last_data = COALESCE($3, last_data), updated_at = now()
		 WHERE id = $1`,
		id, eventsPerMin, last)
	if err != nil {
		return fmt.Errorf("failed to update connector %d metrics: %w", id, err)
	}
	return requireRow(res)
}

func (p *Postgres) TouchConnectorSuccess(ctx context.Context, id int64, at time.Time) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE connectors SET last_successful_connection = $2, updated_at = now() WHERE id = $1`,
		id, at.UTC())
	if err != nil {
		return fmt.Errorf("failed to touch connector %d: %w", id, err)
	}
	return requireRow(res)
}

func (p *Postgres) InsertRawEvent(ctx context.Context, ev *model.RawEvent) error {
	rawData, err := marshalJSONB(ev.RawData)
	if err != nil {
		return fmt.Errorf("failed to encode raw event data: %w", err)
	}
	iocs, err := marshalJSONB(ev.IOCs)
	if err != nil {
		return fmt.Errorf("failed to encode raw event iocs: %w", err)
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO raw_events (id, connector_id, event_time, source, message, severity, raw_data, iocs)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		ev.ID, ev.ConnectorID, ev.Timestamp.UTC(), ev.Source, ev.Message, ev.Severity, rawData, iocs)
	if err != nil {
		return fmt.Errorf("failed to insert raw event: %w", err)
	}
	return nil
}

func (p *Postgres) ListRawEvents(ctx context.Context, connectorID int64, limit int) ([]model.RawEvent, error) {
	query := `SELECT id, connector_id, event_time, source, message, severity, raw_data, iocs
		FROM raw_events`
	args := []any{limit}
	if connectorID != 0 {
		query += ` WHERE connector_id = $2`
		args = append(args, connectorID)
	}
	query += ` ORDER BY event_time DESC LIMIT $1`

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query raw events: %w", err)
	}
	defer rows.Close()

	var out []model.RawEvent
	for rows.Next() {
		var (
			ev      model.RawEvent
			rawData []byte
			iocs    []byte
		)
		if err := rows.Scan(&ev.ID, &ev.ConnectorID, &ev.Timestamp, &ev.Source,
			&ev.Message, &ev.Severity, &rawData, &iocs); err != nil {
			return nil, fmt.Errorf("failed to scan raw event: %w", err)
		}
		if err := unmarshalJSONB(rawData, &ev.RawData); err != nil {
			return nil, fmt.Errorf("failed to decode raw event data: %w", err)
		}
		if err := unmarshalJSONB(iocs, &ev.IOCs); err != nil {
			return nil, fmt.Errorf("failed to decode raw event iocs: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (p *Postgres) InsertAlert(ctx context.Context, alert *model.Alert) error {
	metadata, err := marshalJSONB(alert.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode alert metadata: %w", err)
	}
	err = p.db.QueryRowContext(ctx,
		`INSERT INTO alerts (title, description, severity, source, source_ip, destination_ip, status, organization_id, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING id, created_at`,
		alert.Title, alert.Description, alert.Severity, alert.Source,
		alert.SourceIP, alert.DestinationIP, alert.Status, alert.OrganizationID, metadata,
	).Scan(&alert.ID, &alert.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert alert: %w", err)
	}
	return nil
}

func (p *Postgres) ListAlerts(ctx context.Context, orgID int64, limit int) ([]model.Alert, error) {
	query := `SELECT id, title, description, severity, source, source_ip, destination_ip, status, organization_id, metadata, created_at
		FROM alerts`
	args := []any{limit}
	if orgID != 0 {
		query += ` WHERE organization_id = $2`
		args = append(args, orgID)
	}
	query += ` ORDER BY created_at DESC LIMIT $1`

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer rows.Close()

	var out []model.Alert
	for rows.Next() {
		var (
			a        model.Alert
			metadata []byte
		)
		if err := rows.Scan(&a.ID, &a.Title, &a.Description, &a.Severity, &a.Source,
			&a.SourceIP, &a.DestinationIP, &a.Status, &a.OrganizationID, &metadata, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		if err := unmarshalJSONB(metadata, &a.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode alert metadata: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (p *Postgres) InsertThreatIntel(ctx context.Context, intel *model.ThreatIntel) error {
	iocs, err := marshalJSONB(intel.IOCs)
	if err != nil {
		return fmt.Errorf("failed to encode intel iocs: %w", err)
	}
	err = p.db.QueryRowContext(ctx,
		`INSERT INTO threat_intel (type, title, description, source, severity, confidence, iocs, relevance)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING id, created_at`,
		intel.Type, intel.Title, intel.Description, intel.Source,
		intel.Severity, intel.Confidence, iocs, intel.Relevance,
	).Scan(&intel.ID, &intel.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert threat intel: %w", err)
	}
	return nil
}

func (p *Postgres) AppendConnectorLog(ctx context.Context, entry *model.ConnectorLog) error {
	err := p.db.QueryRowContext(ctx,
		`INSERT INTO connector_logs (connector_id, level, message)
		 VALUES ($1, $2, $3)
		 RETURNING id, created_at`,
		entry.ConnectorID, entry.Level, entry.Message,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append connector log: %w", err)
	}
	return nil
}

func (p *Postgres) ListConnectorLogs(ctx context.Context, connectorID int64, limit int) ([]model.ConnectorLog, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, connector_id, level, message, created_at
		 FROM connector_logs WHERE connector_id = $1
		 ORDER BY created_at DESC LIMIT $2`,
		connectorID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query connector logs: %w", err)
	}
	defer rows.Close()

	var out []model.ConnectorLog
	for rows.Next() {
		var entry model.ConnectorLog
		if err := rows.Scan(&entry.ID, &entry.ConnectorID, &entry.Level, &entry.Message, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan connector log: %w", err)
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (p *Postgres) UpsertAgent(ctx context.Context, agent *model.Agent) error {
	capabilities, err := marshalJSONB(agent.Capabilities)
	if err != nil {
		return fmt.Errorf("failed to encode agent capabilities: %w", err)
	}
	metrics, err := marshalJSONB(agent.LastMetrics)
	if err != nil {
		return fmt.Errorf("failed to encode agent metrics: %w", err)
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO agents (agent_id, connector_id, hostname, ip, os, version, capabilities, status, last_heartbeat, token, last_metrics, registered_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (agent_id) DO UPDATE SET
			connector_id = EXCLUDED.connector_id,
			hostname = EXCLUDED.hostname,
			ip = EXCLUDED.ip,
			os = EXCLUDED.os,
			version = EXCLUDED.version,
			capabilities = EXCLUDED.capabilities,
			status = EXCLUDED.status,
			last_heartbeat = EXCLUDED.last_heartbeat,
			token = EXCLUDED.token,
			last_metrics = EXCLUDED.last_metrics`,
		agent.AgentID, agent.ConnectorID, agent.Hostname, agent.IP, agent.OS, agent.Version,
		capabilities, agent.Status, agent.LastHeartbeat.UTC(), agent.Token, metrics,
		agent.RegisteredAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert agent: %w", err)
	}
	return nil
}

func (p *Postgres) GetAgent(ctx context.Context, agentID string) (*model.Agent, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT agent_id, connector_id, hostname, ip, os, version, capabilities, status, last_heartbeat, token, last_metrics, registered_at
		 FROM agents WHERE agent_id = $1`, agentID)
	agent, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get agent %s: %w", agentID, err)
	}
	return agent, nil
}

func (p *Postgres) ListAgents(ctx context.Context, connectorID int64) ([]model.Agent, error) {
	query := `SELECT agent_id, connector_id, hostname, ip, os, version, capabilities, status, last_heartbeat, token, last_metrics, registered_at
		FROM agents`
	var args []any
	if connectorID != 0 {
		query += ` WHERE connector_id = $1`
		args = append(args, connectorID)
	}
	query += ` ORDER BY agent_id`

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query agents: %w", err)
	}
	defer rows.Close()

	var out []model.Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan agent: %w", err)
		}
		out = append(out, *agent)
	}
	return out, rows.Err()
}

func scanAgent(row rowScanner) (*model.Agent, error) {
	var (
		agent        model.Agent
		capabilities []byte
		metrics      []byte
	)
	err := row.Scan(&agent.AgentID, &agent.ConnectorID, &agent.Hostname, &agent.IP,
		&agent.OS, &agent.Version, &capabilities, &agent.Status, &agent.LastHeartbeat,
		&agent.Token, &metrics, &agent.RegisteredAt)
	if err != nil {
		return nil, err
	}
	if err := unmarshalJSONB(capabilities, &agent.Capabilities); err != nil {
		return nil, err
	}
	if err := unmarshalJSONB(metrics, &agent.LastMetrics); err != nil {
		return nil, err
	}
	return &agent, nil
}

func (p *Postgres) InsertAIInsight(ctx context.Context, insight *model.AIInsight) error {
	metadata, err := marshalJSONB(insight.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode insight metadata: %w", err)
	}
	var alertID sql.NullInt64
	if insight.AlertID != 0 {
		alertID = sql.NullInt64{Int64: insight.AlertID, Valid: true}
	}
	err = p.db.QueryRowContext(ctx,
		`INSERT INTO ai_insights (alert_id, summary, remediation, metadata)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id, created_at`,
		alertID, insight.Summary, insight.Remediation, metadata,
	).Scan(&insight.ID, &insight.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert ai insight: %w", err)
	}
	return nil
}

func (p *Postgres) InsertIncident(ctx context.Context, inc *model.Incident) error {
	alertIDs, err := marshalJSONB(inc.AlertIDs)
	if err != nil {
		return fmt.Errorf("failed to encode incident alerts: %w", err)
	}
	err = p.db.QueryRowContext(ctx,
		`INSERT INTO incidents (title, severity, alert_ids)
		 VALUES ($1, $2, $3)
		 RETURNING id, created_at`,
		inc.Title, inc.Severity, alertIDs,
	).Scan(&inc.ID, &inc.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert incident: %w", err)
	}
	return nil
}

func (p *Postgres) FindIncidentByTitle(ctx context.Context, title string, since time.Time) (*model.Incident, error) {
	var (
		inc      model.Incident
		alertIDs []byte
	)
	err := p.db.QueryRowContext(ctx,
		`SELECT id, title, severity, alert_ids, created_at
		 FROM incidents WHERE title = $1 AND created_at >= $2
		 ORDER BY created_at DESC LIMIT 1`,
		title, since.UTC(),
	).Scan(&inc.ID, &inc.Title, &inc.Severity, &alertIDs, &inc.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find incident: %w", err)
	}
	if err := unmarshalJSONB(alertIDs, &inc.AlertIDs); err != nil {
		return nil, fmt.Errorf("failed to decode incident alerts: %w", err)
	}
	return &inc, nil
}

func (p *Postgres) UpdateIncidentAlerts(ctx context.Context, id int64, alertIDs []int64) error {
	encoded, err := marshalJSONB(alertIDs)
	if err != nil {
		return fmt.Errorf("failed to encode incident alerts: %w", err)
	}
	res, err := p.db.ExecContext(ctx,
		`UPDATE incidents SET alert_ids = $2 WHERE id = $1`, id, encoded)
	if err != nil {
		return fmt.Errorf("failed to update incident %d: %w", id, err)
	}
	return requireRow(res)
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func (p *Postgres) Close() error {
	return p.db.Close()
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// marshalJSONB encodes v for a JSONB column; nil-ish values become SQL NULL.
func marshalJSONB(v any) ([]byte, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		if val == nil {
			return nil, nil
		}
	case []string:
		if val == nil {
			return nil, nil
		}
	case []int64:
		if val == nil {
			return nil, nil
		}
	case *model.AgentMetrics:
		if val == nil {
			return nil, nil
		}
	}
	return json.Marshal(v)
}

func unmarshalJSONB(data []byte, dest any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, dest)
}
