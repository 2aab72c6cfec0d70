package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	supabase "github.com/supabase-community/supabase-go"

	"github.com/vigiasec/ingest/internal/model"
)

// Supabase implements Store over the Supabase REST API. Functionally
// equivalent to the Postgres backend except that no LISTEN/NOTIFY channel is
// available; deployments on this backend rely on the admin API calling the
// manager directly.
type Supabase struct {
	client *supabase.Client
}

// NewSupabase creates a Supabase-backed store.
func NewSupabase(url, key string) (*Supabase, error) {
	if url == "" || key == "" {
		return nil, fmt.Errorf("supabase url and service key must be set")
	}
	client, err := supabase.NewClient(url, key, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to create Supabase client: %w", err)
	}
	return &Supabase{client: client}, nil
}

// NewSupabaseFromEnv reads SUPABASE_URL and SUPABASE_SERVICE_KEY.
func NewSupabaseFromEnv() (*Supabase, error) {
	return NewSupabase(os.Getenv("SUPABASE_URL"), os.Getenv("SUPABASE_SERVICE_KEY"))
}

var _ Store = (*Supabase)(nil)

// ============================================================================
// ROW TYPES: snake_case wire shapes; timestamps kept as strings to survive
// the Supabase timestamp format
// ============================================================================

type connectorRow struct {
	ID                       int64           `json:"id,omitempty"`
	OrganizationID           int64           `json:"organization_id"`
	Name                     string          `json:"name"`
	Type                     string          `json:"type"`
	Vendor                   string          `json:"vendor"`
	Configuration            json.RawMessage `json:"configuration,omitempty"`
	Status                   string          `json:"status"`
	IsActive                 bool            `json:"is_active"`
	EventsPerMin             float64         `json:"events_per_min"`
	ErrorMessage             string          `json:"error_message"`
	LastData                 *string         `json:"last_data,omitempty"`
	LastSuccessfulConnection *string         `json:"last_successful_connection,omitempty"`
	CreatedAt                string          `json:"created_at,omitempty"`
	UpdatedAt                string          `json:"updated_at,omitempty"`
}

type rawEventRow struct {
	ID          string         `json:"id"`
	ConnectorID int64          `json:"connector_id"`
	EventTime   string         `json:"event_time"`
	Source      string         `json:"source"`
	Message     string         `json:"message"`
	Severity    string         `json:"severity"`
	RawData     map[string]any `json:"raw_data,omitempty"`
	IOCs        []string       `json:"iocs,omitempty"`
}

type alertRow struct {
	ID             int64          `json:"id,omitempty"`
	Title          string         `json:"title"`
	Description    string         `json:"description"`
	Severity       string         `json:"severity"`
	Source         string         `json:"source"`
	SourceIP       string         `json:"source_ip"`
	DestinationIP  string         `json:"destination_ip"`
	Status         string         `json:"status"`
	OrganizationID int64          `json:"organization_id"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      string         `json:"created_at,omitempty"`
}

type intelRow struct {
	ID          int64        `json:"id,omitempty"`
	Type        string       `json:"type"`
	Title       string       `json:"title"`
	Description string       `json:"description"`
	Source      string       `json:"source"`
	Severity    string       `json:"severity"`
	Confidence  int          `json:"confidence"`
	IOCs        model.IOCSet `json:"iocs"`
	Relevance   string       `json:"relevance"`
	CreatedAt   string       `json:"created_at,omitempty"`
}

type connectorLogRow struct {
	ID          int64  `json:"id,omitempty"`
	ConnectorID int64  `json:"connector_id"`
	Level       string `json:"level"`
	Message     string `json:"message"`
	CreatedAt   string `json:"created_at,omitempty"`
}

type agentRow struct {
	AgentID       string              `json:"agent_id"`
	ConnectorID   int64               `json:"connector_id"`
	Hostname      string              `json:"hostname"`
	IP            string              `json:"ip"`
	OS            string              `json:"os"`
	Version       string              `json:"version"`
	Capabilities  []string            `json:"capabilities,omitempty"`
	Status        string              `json:"status"`
	LastHeartbeat string              `json:"last_heartbeat"`
	Token         string              `json:"token"`
	LastMetrics   *model.AgentMetrics `json:"last_metrics,omitempty"`
	RegisteredAt  string              `json:"registered_at"`
}

type insightRow struct {
	ID          int64          `json:"id,omitempty"`
	AlertID     *int64         `json:"alert_id,omitempty"`
	Summary     string         `json:"summary"`
	Remediation string         `json:"remediation"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   string         `json:"created_at,omitempty"`
}

type incidentRow struct {
	ID        int64   `json:"id,omitempty"`
	Title     string  `json:"title"`
	Severity  string  `json:"severity"`
	AlertIDs  []int64 `json:"alert_ids,omitempty"`
	CreatedAt string  `json:"created_at,omitempty"`
}

// supabaseTimeLayouts covers the timestamp variants the REST API emits.
var supabaseTimeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
}

func parseSupabaseTime(s string) time.Time {
	for _, layout := range supabaseTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

func parseSupabaseTimePtr(s *string) *time.Time {
	if s == nil || *s == "" {
		return nil
	}
	t := parseSupabaseTime(*s)
	if t.IsZero() {
		return nil
	}
	return &t
}

func formatSupabaseTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func (r connectorRow) toModel() model.ConnectorRecord {
	rec := model.ConnectorRecord{
		ID:             r.ID,
		OrganizationID: r.OrganizationID,
		Name:           r.Name,
		Type:           model.ConnectorType(r.Type),
		Vendor:         r.Vendor,
		Configuration:  r.Configuration,
		Status:         model.ConnectorStatus(r.Status),
		IsActive:       r.IsActive,
		EventsPerMin:   r.EventsPerMin,
		ErrorMessage:   r.ErrorMessage,
		CreatedAt:      parseSupabaseTime(r.CreatedAt),
		UpdatedAt:      parseSupabaseTime(r.UpdatedAt),
	}
	rec.LastData = parseSupabaseTimePtr(r.LastData)
	rec.LastSuccessfulConnection = parseSupabaseTimePtr(r.LastSuccessfulConnection)
	return rec
}

// ============================================================================
// CONNECTOR OPERATIONS
// ============================================================================

func (s *Supabase) ListActiveConnectors(ctx context.Context) ([]model.ConnectorRecord, error) {
	var rows []connectorRow
	_, err := s.client.From("connectors").
		Select("*", "", false).
		Eq("is_active", "true").
		Order("id", nil).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("failed to list connectors: %w", err)
	}
	out := make([]model.ConnectorRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toModel())
	}
	return out, nil
}

func (s *Supabase) ListConnectors(ctx context.Context, orgID int64) ([]model.ConnectorRecord, error) {
	query := s.client.From("connectors").
		Select("*", "", false).
		Eq("is_active", "true")
	if orgID != 0 {
		query = query.Eq("organization_id", strconv.FormatInt(orgID, 10))
	}
	var rows []connectorRow
	_, err := query.Order("id", nil).ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("failed to list connectors: %w", err)
	}
	out := make([]model.ConnectorRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toModel())
	}
	return out, nil
}

func (s *Supabase) GetConnector(ctx context.Context, id int64) (*model.ConnectorRecord, error) {
	var rows []connectorRow
	_, err := s.client.From("connectors").
		Select("*", "", false).
		Eq("id", strconv.FormatInt(id, 10)).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("failed to get connector: %w", err)
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	rec := rows[0].toModel()
	return &rec, nil
}

func (s *Supabase) CreateConnector(ctx context.Context, rec *model.ConnectorRecord) error {
	config := rec.Configuration
	if len(config) == 0 {
		config = json.RawMessage(`{}`)
	}
	row := connectorRow{
		OrganizationID: rec.OrganizationID,
		Name:           rec.Name,
		Type:           string(rec.Type),
		Vendor:         rec.Vendor,
		Configuration:  config,
		Status:         string(rec.Status),
		IsActive:       rec.IsActive,
		ErrorMessage:   rec.ErrorMessage,
	}
	var result []connectorRow
	_, err := s.client.From("connectors").
		Insert(row, false, "", "", "").
		ExecuteTo(&result)
	if err != nil {
		return fmt.Errorf("failed to create connector: %w", err)
	}
	if len(result) > 0 {
		rec.ID = result[0].ID
		rec.CreatedAt = parseSupabaseTime(result[0].CreatedAt)
		rec.UpdatedAt = parseSupabaseTime(result[0].UpdatedAt)
	}
	return nil
}

func (s *Supabase) UpdateConnector(ctx context.Context, rec *model.ConnectorRecord) error {
	config := rec.Configuration
	if len(config) == 0 {
		config = json.RawMessage(`{}`)
	}
	update := map[string]any{
		"organization_id": rec.OrganizationID,
		"name":            rec.Name,
		"type":            string(rec.Type),
		"vendor":          rec.Vendor,
		"configuration":   config,
		"status":          string(rec.Status),
		"is_active":       rec.IsActive,
		"error_message":   rec.ErrorMessage,
		"updated_at":      formatSupabaseTime(time.Now()),
	}
	var result []connectorRow
	_, err := s.client.From("connectors").
		Update(update, "", "").
		Eq("id", strconv.FormatInt(rec.ID, 10)).
		ExecuteTo(&result)
	if err != nil {
		return fmt.Errorf("failed to update connector: %w", err)
	}
	if len(result) == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Supabase) DeleteConnector(ctx context.Context, id int64) error {
	update := map[string]any{
		"is_active":  false,
		"updated_at": formatSupabaseTime(time.Now()),
	}
	var result []connectorRow
	_, err := s.client.From("connectors").
		Update(update, "", "").
		Eq("id", strconv.FormatInt(id, 10)).
		ExecuteTo(&result)
	if err != nil {
		return fmt.Errorf("failed to delete connector: %w", err)
	}
	if len(result) == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Supabase) UpdateConnectorStatus(ctx context.Context, id int64, status model.ConnectorStatus, errorMessage string) error {
	update := map[string]any{
		"status":        string(status),
		"error_message": errorMessage,
		"updated_at":    formatSupabaseTime(time.Now()),
	}
	var result []connectorRow
	_, err := s.client.From("connectors").
		Update(update, "", "").
		Eq("id", strconv.FormatInt(id, 10)).
		ExecuteTo(&result)
	if err != nil {
		return fmt.Errorf("failed to update connector status: %w", err)
	}
	if len(result) == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Supabase) UpdateConnectorMetrics(ctx context.Context, id int64, eventsPerMin float64, lastData *time.Time) error {
	update := map[string]any{
		"events_per_min": eventsPerMin,
		"updated_at":     formatSupabaseTime(time.Now()),
	}
	if lastData != nil {
		update["last_data"] = formatSupabaseTime(*lastData)
	}
	var result []connectorRow
	_, err := s.client.From("connectors").
		Update(update, "", "").
		Eq("id", strconv.FormatInt(id, 10)).
		ExecuteTo(&result)
	if err != nil {
		return fmt.Errorf("failed to update connector metrics: %w", err)
	}
	if len(result) == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Supabase) TouchConnectorSuccess(ctx context.Context, id int64, at time.Time) error {
	update := map[string]any{
		"last_successful_connection": formatSupabaseTime(at),
		"updated_at":                 formatSupabaseTime(time.Now()),
	}
	var result []connectorRow
	_, err := s.client.From("connectors").
		Update(update, "", "").
		Eq("id", strconv.FormatInt(id, 10)).
		ExecuteTo(&result)
	if err != nil {
		return fmt.Errorf("failed to touch connector: %w", err)
	}
	if len(result) == 0 {
		return ErrNotFound
	}
	return nil
}

// ============================================================================
// RAW EVENT OPERATIONS
// ============================================================================

func (s *Supabase) InsertRawEvent(ctx context.Context, ev *model.RawEvent) error {
	row := rawEventRow{
		ID:          ev.ID,
		ConnectorID: ev.ConnectorID,
		EventTime:   formatSupabaseTime(ev.Timestamp),
		Source:      ev.Source,
		Message:     ev.Message,
		Severity:    string(ev.Severity),
		RawData:     ev.RawData,
		IOCs:        ev.IOCs,
	}
	_, _, err := s.client.From("raw_events").
		Insert(row, false, "", "", "").
		Execute()
	if err != nil {
		return fmt.Errorf("failed to insert raw event: %w", err)
	}
	return nil
}

func (s *Supabase) ListRawEvents(ctx context.Context, connectorID int64, limit int) ([]model.RawEvent, error) {
	query := s.client.From("raw_events").Select("*", "", false)
	if connectorID != 0 {
		query = query.Eq("connector_id", strconv.FormatInt(connectorID, 10))
	}
	var rows []rawEventRow
	_, err := query.Order("event_time", nil).Limit(limit, "").ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("failed to list raw events: %w", err)
	}
	out := make([]model.RawEvent, 0, len(rows))
	for _, row := range rows {
		out = append(out, model.RawEvent{
			ID:          row.ID,
			ConnectorID: row.ConnectorID,
			Timestamp:   parseSupabaseTime(row.EventTime),
			Source:      row.Source,
			Message:     row.Message,
			Severity:    model.EventSeverity(row.Severity),
			RawData:     row.RawData,
			IOCs:        row.IOCs,
		})
	}
	return out, nil
}

// ============================================================================
// ALERT / INTEL OPERATIONS
// ============================================================================

func (s *Supabase) InsertAlert(ctx context.Context, alert *model.Alert) error {
	row := alertRow{
		Title:          alert.Title,
		Description:    alert.Description,
		Severity:       string(alert.Severity),
		Source:         alert.Source,
		SourceIP:       alert.SourceIP,
		DestinationIP:  alert.DestinationIP,
		Status:         string(alert.Status),
		OrganizationID: alert.OrganizationID,
		Metadata:       alert.Metadata,
	}
	var result []alertRow
	_, err := s.client.From("alerts").
		Insert(row, false, "", "", "").
		ExecuteTo(&result)
	if err != nil {
		return fmt.Errorf("failed to insert alert: %w", err)
	}
	if len(result) > 0 {
		alert.ID = result[0].ID
		alert.CreatedAt = parseSupabaseTime(result[0].CreatedAt)
	}
	return nil
}

func (s *Supabase) ListAlerts(ctx context.Context, orgID int64, limit int) ([]model.Alert, error) {
	query := s.client.From("alerts").Select("*", "", false)
	if orgID != 0 {
		query = query.Eq("organization_id", strconv.FormatInt(orgID, 10))
	}
	var rows []alertRow
	_, err := query.Order("created_at", nil).Limit(limit, "").ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	out := make([]model.Alert, 0, len(rows))
	for _, row := range rows {
		out = append(out, model.Alert{
			ID:             row.ID,
			Title:          row.Title,
			Description:    row.Description,
			Severity:       model.AlertSeverity(row.Severity),
			Source:         row.Source,
			SourceIP:       row.SourceIP,
			DestinationIP:  row.DestinationIP,
			Status:         model.AlertStatus(row.Status),
			OrganizationID: row.OrganizationID,
			Metadata:       row.Metadata,
			CreatedAt:      parseSupabaseTime(row.CreatedAt),
		})
	}
	return out, nil
}

func (s *Supabase) InsertThreatIntel(ctx context.Context, intel *model.ThreatIntel) error {
	row := intelRow{
		Type:        string(intel.Type),
		Title:       intel.Title,
		Description: intel.Description,
		Source:      intel.Source,
		Severity:    string(intel.Severity),
		Confidence:  intel.Confidence,
		IOCs:        intel.IOCs,
		Relevance:   string(intel.Relevance),
	}
	var result []intelRow
	_, err := s.client.From("threat_intel").
		Insert(row, false, "", "", "").
		ExecuteTo(&result)
	if err != nil {
		return fmt.Errorf("failed to insert threat intel: %w", err)
	}
	if len(result) > 0 {
		intel.ID = result[0].ID
		intel.CreatedAt = parseSupabaseTime(result[0].CreatedAt)
	}
	return nil
}

// ============================================================================
// CONNECTOR LOG OPERATIONS
// ============================================================================

func (s *Supabase) AppendConnectorLog(ctx context.Context, entry *model.ConnectorLog) error {
	row := connectorLogRow{
		ConnectorID: entry.ConnectorID,
		Level:       entry.Level,
		Message:     entry.Message,
	}
	var result []connectorLogRow
	_, err := s.client.From("connector_logs").
		Insert(row, false, "", "", "").
		ExecuteTo(&result)
	if err != nil {
		return fmt.Errorf("failed to append connector log: %w", err)
	}
	if len(result) > 0 {
		entry.ID = result[0].ID
		entry.CreatedAt = parseSupabaseTime(result[0].CreatedAt)
	}
	return nil
}

func (s *Supabase) ListConnectorLogs(ctx context.Context, connectorID int64, limit int) ([]model.ConnectorLog, error) {
	var rows []connectorLogRow
	_, err := s.client.From("connector_logs").
		Select("*", "", false).
		Eq("connector_id", strconv.FormatInt(connectorID, 10)).
		Order("created_at", nil).
		Limit(limit, "").
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("failed to list connector logs: %w", err)
	}
	out := make([]model.ConnectorLog, 0, len(rows))
	for _, row := range rows {
		out = append(out, model.ConnectorLog{
			ID:          row.ID,
			ConnectorID: row.ConnectorID,
			Level:       row.Level,
			Message:     row.Message,
			CreatedAt:   parseSupabaseTime(row.CreatedAt),
		})
	}
	return out, nil
}

// ============================================================================
// AGENT OPERATIONS
// ============================================================================

func (s *Supabase) UpsertAgent(ctx context.Context, agent *model.Agent) error {
	row := agentRow{
		AgentID:       agent.AgentID,
		ConnectorID:   agent.ConnectorID,
		Hostname:      agent.Hostname,
		IP:            agent.IP,
		OS:            agent.OS,
		Version:       agent.Version,
		Capabilities:  agent.Capabilities,
		Status:        string(agent.Status),
		LastHeartbeat: formatSupabaseTime(agent.LastHeartbeat),
		Token:         agent.Token,
		LastMetrics:   agent.LastMetrics,
		RegisteredAt:  formatSupabaseTime(agent.RegisteredAt),
	}
	_, _, err := s.client.From("agents").
		Upsert(row, "agent_id", "", "").
		Execute()
	if err != nil {
		return fmt.Errorf("failed to upsert agent: %w", err)
	}
	return nil
}

func (s *Supabase) GetAgent(ctx context.Context, agentID string) (*model.Agent, error) {
	var rows []agentRow
	_, err := s.client.From("agents").
		Select("*", "", false).
		Eq("agent_id", agentID).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	agent := rows[0].toModel()
	return &agent, nil
}

func (s *Supabase) ListAgents(ctx context.Context, connectorID int64) ([]model.Agent, error) {
	query := s.client.From("agents").Select("*", "", false)
	if connectorID != 0 {
		query = query.Eq("connector_id", strconv.FormatInt(connectorID, 10))
	}
	var rows []agentRow
	_, err := query.Order("agent_id", nil).ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	out := make([]model.Agent, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toModel())
	}
	return out, nil
}

func (r agentRow) toModel() model.Agent {
	return model.Agent{
		AgentID:       r.AgentID,
		ConnectorID:   r.ConnectorID,
		Hostname:      r.Hostname,
		IP:            r.IP,
		OS:            r.OS,
		Version:       r.Version,
		Capabilities:  r.Capabilities,
		Status:        model.AgentStatus(r.Status),
		LastHeartbeat: parseSupabaseTime(r.LastHeartbeat),
		Token:         r.Token,
		LastMetrics:   r.LastMetrics,
		RegisteredAt:  parseSupabaseTime(r.RegisteredAt),
	}
}

// ============================================================================
// ENRICHMENT OPERATIONS
// ============================================================================

func (s *Supabase) InsertAIInsight(ctx context.Context, insight *model.AIInsight) error {
	row := insightRow{
		Summary:     insight.Summary,
		Remediation: insight.Remediation,
		Metadata:    insight.Metadata,
	}
	if insight.AlertID != 0 {
		id := insight.AlertID
		row.AlertID = &id
	}
	var result []insightRow
	_, err := s.client.From("ai_insights").
		Insert(row, false, "", "", "").
		ExecuteTo(&result)
	if err != nil {
		return fmt.Errorf("failed to insert ai insight: %w", err)
	}
	if len(result) > 0 {
		insight.ID = result[0].ID
		insight.CreatedAt = parseSupabaseTime(result[0].CreatedAt)
	}
	return nil
}

func (s *Supabase) InsertIncident(ctx context.Context, inc *model.Incident) error {
	row := incidentRow{
		Title:    inc.Title,
		Severity: string(inc.Severity),
		AlertIDs: inc.AlertIDs,
	}
	var result []incidentRow
	_, err := s.client.From("incidents").
		Insert(row, false, "", "", "").
		ExecuteTo(&result)
	if err != nil {
		return fmt.Errorf("failed to insert incident: %w", err)
	}
	if len(result) > 0 {
		inc.ID = result[0].ID
		inc.CreatedAt = parseSupabaseTime(result[0].CreatedAt)
	}
	return nil
}

func (s *Supabase) FindIncidentByTitle(ctx context.Context, title string, since time.Time) (*model.Incident, error) {
	var rows []incidentRow
	_, err := s.client.From("incidents").
		Select("*", "", false).
		Eq("title", title).
		Gte("created_at", formatSupabaseTime(since)).
		Order("created_at", nil).
		Limit(1, "").
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("failed to find incident: %w", err)
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	row := rows[0]
	return &model.Incident{
		ID:        row.ID,
		Title:     row.Title,
		Severity:  model.AlertSeverity(row.Severity),
		AlertIDs:  row.AlertIDs,
		CreatedAt: parseSupabaseTime(row.CreatedAt),
	}, nil
}

func (s *Supabase) UpdateIncidentAlerts(ctx context.Context, id int64, alertIDs []int64) error {
	update := map[string]any{"alert_ids": alertIDs}
	var result []incidentRow
	_, err := s.client.From("incidents").
		Update(update, "", "").
		Eq("id", strconv.FormatInt(id, 10)).
		ExecuteTo(&result)
	if err != nil {
		return fmt.Errorf("failed to update incident: %w", err)
	}
	if len(result) == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Supabase) Ping(ctx context.Context) error {
	var rows []connectorRow
	_, err := s.client.From("connectors").
		Select("id", "", false).
		Limit(1, "").
		ExecuteTo(&rows)
	return err
}

func (s *Supabase) Close() error {
	return nil
}
