package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vigiasec/ingest/internal/model"
)

const memoryLogCap = 1000

// Memory is a mutex-guarded in-memory Store. Tests run against it, and
// ingestd falls back to it when neither DATABASE_URL nor SUPABASE_URL is
// configured.
type Memory struct {
	mu sync.RWMutex

	connectors map[int64]model.ConnectorRecord
	rawEvents  []model.RawEvent
	alerts     []model.Alert
	intel      []model.ThreatIntel
	logs       map[int64][]model.ConnectorLog
	agents     map[string]model.Agent
	insights   []model.AIInsight
	incidents  map[int64]model.Incident

	nextConnectorID int64
	nextAlertID     int64
	nextIntelID     int64
	nextLogID       int64
	nextInsightID   int64
	nextIncidentID  int64

	closed bool
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		connectors:      make(map[int64]model.ConnectorRecord),
		logs:            make(map[int64][]model.ConnectorLog),
		agents:          make(map[string]model.Agent),
		incidents:       make(map[int64]model.Incident),
		nextConnectorID: 1,
		nextAlertID:     1,
		nextIntelID:     1,
		nextLogID:       1,
		nextInsightID:   1,
		nextIncidentID:  1,
	}
}

var _ Store = (*Memory)(nil)

func (m *Memory) ListActiveConnectors(ctx context.Context) ([]model.ConnectorRecord, error) {
	return m.listConnectors(func(rec model.ConnectorRecord) bool { return rec.IsActive })
}

func (m *Memory) ListConnectors(ctx context.Context, orgID int64) ([]model.ConnectorRecord, error) {
	return m.listConnectors(func(rec model.ConnectorRecord) bool {
		return rec.IsActive && (orgID == 0 || rec.OrganizationID == orgID)
	})
}

func (m *Memory) listConnectors(keep func(model.ConnectorRecord) bool) ([]model.ConnectorRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make([]model.ConnectorRecord, 0, len(m.connectors))
	for _, rec := range m.connectors {
		if keep(rec) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) GetConnector(ctx context.Context, id int64) (*model.ConnectorRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	rec, ok := m.connectors[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := rec
	return &out, nil
}

func (m *Memory) CreateConnector(ctx context.Context, rec *model.ConnectorRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	rec.ID = m.nextConnectorID
	m.nextConnectorID++
	now := time.Now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	m.connectors[rec.ID] = *rec
	return nil
}

func (m *Memory) UpdateConnector(ctx context.Context, rec *model.ConnectorRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if _, ok := m.connectors[rec.ID]; !ok {
		return ErrNotFound
	}
	rec.UpdatedAt = time.Now().UTC()
	m.connectors[rec.ID] = *rec
	return nil
}

func (m *Memory) DeleteConnector(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	rec, ok := m.connectors[id]
	if !ok {
		return ErrNotFound
	}
	rec.IsActive = false
	rec.UpdatedAt = time.Now().UTC()
	m.connectors[id] = rec
	return nil
}

func (m *Memory) UpdateConnectorStatus(ctx context.Context, id int64, status model.ConnectorStatus, errorMessage string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	rec, ok := m.connectors[id]
	if !ok {
		return ErrNotFound
	}
	rec.Status = status
	rec.ErrorMessage = errorMessage
	rec.UpdatedAt = time.Now().UTC()
	m.connectors[id] = rec
	return nil
}

func (m *Memory) UpdateConnectorMetrics(ctx context.Context, id int64, eventsPerMin float64, lastData *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	rec, ok := m.connectors[id]
	if !ok {
		return ErrNotFound
	}
	rec.EventsPerMin = eventsPerMin
	if lastData != nil {
		t := lastData.UTC()
		rec.LastData = &t
	}
	rec.UpdatedAt = time.Now().UTC()
	m.connectors[id] = rec
	return nil
}

func (m *Memory) TouchConnectorSuccess(ctx context.Context, id int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	rec, ok := m.connectors[id]
	if !ok {
		return ErrNotFound
	}
	t := at.UTC()
	rec.LastSuccessfulConnection = &t
	rec.UpdatedAt = time.Now().UTC()
	m.connectors[id] = rec
	return nil
}

func (m *Memory) InsertRawEvent(ctx context.Context, ev *model.RawEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.rawEvents = append(m.rawEvents, *ev)
	return nil
}

func (m *Memory) ListRawEvents(ctx context.Context, connectorID int64, limit int) ([]model.RawEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make([]model.RawEvent, 0, limit)
	for i := len(m.rawEvents) - 1; i >= 0 && len(out) < limit; i-- {
		ev := m.rawEvents[i]
		if connectorID == 0 || ev.ConnectorID == connectorID {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (m *Memory) InsertAlert(ctx context.Context, alert *model.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	alert.ID = m.nextAlertID
	m.nextAlertID++
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = time.Now().UTC()
	}
	m.alerts = append(m.alerts, *alert)
	return nil
}

func (m *Memory) ListAlerts(ctx context.Context, orgID int64, limit int) ([]model.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make([]model.Alert, 0, limit)
	for i := len(m.alerts) - 1; i >= 0 && len(out) < limit; i-- {
		a := m.alerts[i]
		if orgID == 0 || a.OrganizationID == orgID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *Memory) InsertThreatIntel(ctx context.Context, intel *model.ThreatIntel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	intel.ID = m.nextIntelID
	m.nextIntelID++
	if intel.CreatedAt.IsZero() {
		intel.CreatedAt = time.Now().UTC()
	}
	m.intel = append(m.intel, *intel)
	return nil
}

func (m *Memory) AppendConnectorLog(ctx context.Context, entry *model.ConnectorLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	entry.ID = m.nextLogID
	m.nextLogID++
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	lines := append(m.logs[entry.ConnectorID], *entry)
	if len(lines) > memoryLogCap {
		lines = lines[len(lines)-memoryLogCap:]
	}
	m.logs[entry.ConnectorID] = lines
	return nil
}

func (m *Memory) ListConnectorLogs(ctx context.Context, connectorID int64, limit int) ([]model.ConnectorLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	lines := m.logs[connectorID]
	out := make([]model.ConnectorLog, 0, limit)
	for i := len(lines) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, lines[i])
	}
	return out, nil
}

func (m *Memory) UpsertAgent(ctx context.Context, agent *model.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.agents[agent.AgentID] = *agent
	return nil
}

func (m *Memory) GetAgent(ctx context.Context, agentID string) (*model.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	agent, ok := m.agents[agentID]
	if !ok {
		return nil, ErrNotFound
	}
	out := agent
	return &out, nil
}

func (m *Memory) ListAgents(ctx context.Context, connectorID int64) ([]model.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make([]model.Agent, 0, len(m.agents))
	for _, agent := range m.agents {
		if connectorID == 0 || agent.ConnectorID == connectorID {
			out = append(out, agent)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out, nil
}

func (m *Memory) InsertAIInsight(ctx context.Context, insight *model.AIInsight) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	insight.ID = m.nextInsightID
	m.nextInsightID++
	if insight.CreatedAt.IsZero() {
		insight.CreatedAt = time.Now().UTC()
	}
	m.insights = append(m.insights, *insight)
	return nil
}

func (m *Memory) InsertIncident(ctx context.Context, inc *model.Incident) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	inc.ID = m.nextIncidentID
	m.nextIncidentID++
	if inc.CreatedAt.IsZero() {
		inc.CreatedAt = time.Now().UTC()
	}
	m.incidents[inc.ID] = *inc
	return nil
}

func (m *Memory) FindIncidentByTitle(ctx context.Context, title string, since time.Time) (*model.Incident, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	var best *model.Incident
	for id := range m.incidents {
		inc := m.incidents[id]
		if inc.Title != title || inc.CreatedAt.Before(since) {
			continue
		}
		if best == nil || inc.CreatedAt.After(best.CreatedAt) {
			found := inc
			best = &found
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	return best, nil
}

func (m *Memory) UpdateIncidentAlerts(ctx context.Context, id int64, alertIDs []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	inc, ok := m.incidents[id]
	if !ok {
		return ErrNotFound
	}
	inc.AlertIDs = append([]int64(nil), alertIDs...)
	m.incidents[id] = inc
	return nil
}

func (m *Memory) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
