package store

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vigiasec/ingest/internal/model"
)

func newTestConnector(name string) *model.ConnectorRecord {
	return &model.ConnectorRecord{
		OrganizationID: 1,
		Name:           name,
		Type:           model.ConnectorAPI,
		Vendor:         "crowdstrike",
		Configuration:  json.RawMessage(`{"pollInterval":300}`),
		Status:         model.StatusActive,
		IsActive:       true,
	}
}

func TestMemoryConnectorCRUD(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	rec := newTestConnector("edr-poller")
	require.NoError(t, m.CreateConnector(ctx, rec))
	assert.Equal(t, int64(1), rec.ID)
	assert.False(t, rec.CreatedAt.IsZero())

	got, err := m.GetConnector(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "edr-poller", got.Name)
	assert.Equal(t, model.ConnectorAPI, got.Type)

	got.Name = "edr-poller-v2"
	require.NoError(t, m.UpdateConnector(ctx, got))
	got, err = m.GetConnector(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "edr-poller-v2", got.Name)

	_, err = m.GetConnector(ctx, 404)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemorySoftDeleteHidesConnector(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	keep := newTestConnector("keep")
	drop := newTestConnector("drop")
	require.NoError(t, m.CreateConnector(ctx, keep))
	require.NoError(t, m.CreateConnector(ctx, drop))

	require.NoError(t, m.DeleteConnector(ctx, drop.ID))

	active, err := m.ListActiveConnectors(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "keep", active[0].Name)

	// The row itself survives for reconciliation lookups.
	got, err := m.GetConnector(ctx, drop.ID)
	require.NoError(t, err)
	assert.False(t, got.IsActive)
}

func TestMemoryStatusAndMetrics(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	rec := newTestConnector("poller")
	require.NoError(t, m.CreateConnector(ctx, rec))

	require.NoError(t, m.UpdateConnectorStatus(ctx, rec.ID, model.StatusError, "connection refused"))
	got, err := m.GetConnector(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusError, got.Status)
	assert.Equal(t, "connection refused", got.ErrorMessage)

	at := time.Now().Add(-time.Minute)
	require.NoError(t, m.UpdateConnectorMetrics(ctx, rec.ID, 42.5, &at))
	require.NoError(t, m.TouchConnectorSuccess(ctx, rec.ID, time.Now()))

	got, err = m.GetConnector(ctx, rec.ID)
	require.NoError(t, err)
	assert.InDelta(t, 42.5, got.EventsPerMin, 0.001)
	require.NotNil(t, got.LastData)
	require.NotNil(t, got.LastSuccessfulConnection)

	// Metrics update without a data timestamp keeps the previous one.
	require.NoError(t, m.UpdateConnectorMetrics(ctx, rec.ID, 0, nil))
	got, err = m.GetConnector(ctx, rec.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.LastData)
}

func TestMemoryRawEventsNewestFirst(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	base := time.Now()
	for i := 0; i < 5; i++ {
		ev := &model.RawEvent{
			ID:          uuid.NewString(),
			ConnectorID: int64(1 + i%2),
			Timestamp:   base.Add(time.Duration(i) * time.Second),
			Message:     fmt.Sprintf("event-%d", i),
			Severity:    model.EventInfo,
		}
		require.NoError(t, m.InsertRawEvent(ctx, ev))
	}

	all, err := m.ListRawEvents(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, "event-4", all[0].Message)
	assert.Equal(t, "event-0", all[4].Message)

	byConnector, err := m.ListRawEvents(ctx, 2, 10)
	require.NoError(t, err)
	require.Len(t, byConnector, 2)
	for _, ev := range byConnector {
		assert.Equal(t, int64(2), ev.ConnectorID)
	}

	limited, err := m.ListRawEvents(ctx, 0, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestMemoryAlertsScopedByOrganization(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	for org := int64(1); org <= 2; org++ {
		alert := &model.Alert{
			Title:          fmt.Sprintf("alert org %d", org),
			Severity:       model.SeverityHigh,
			Status:         model.AlertNew,
			OrganizationID: org,
		}
		require.NoError(t, m.InsertAlert(ctx, alert))
		assert.NotZero(t, alert.ID)
	}

	org1, err := m.ListAlerts(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, org1, 1)
	assert.Equal(t, "alert org 1", org1[0].Title)

	all, err := m.ListAlerts(ctx, 0, 10)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestMemoryConnectorLogCap(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	for i := 0; i < memoryLogCap+50; i++ {
		entry := &model.ConnectorLog{
			ConnectorID: 7,
			Level:       "info",
			Message:     fmt.Sprintf("line %d", i),
		}
		require.NoError(t, m.AppendConnectorLog(ctx, entry))
	}

	lines, err := m.ListConnectorLogs(ctx, 7, memoryLogCap*2)
	require.NoError(t, err)
	require.Len(t, lines, memoryLogCap)
	// Newest first; the oldest 50 lines were trimmed.
	assert.Equal(t, fmt.Sprintf("line %d", memoryLogCap+49), lines[0].Message)
	assert.Equal(t, "line 50", lines[len(lines)-1].Message)
}

func TestMemoryAgents(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	agent := &model.Agent{
		AgentID:       uuid.NewString(),
		ConnectorID:   3,
		Hostname:      "web-01",
		OS:            "linux",
		Status:        model.AgentActive,
		LastHeartbeat: time.Now(),
		Token:         "tok",
		RegisteredAt:  time.Now(),
	}
	require.NoError(t, m.UpsertAgent(ctx, agent))

	got, err := m.GetAgent(ctx, agent.AgentID)
	require.NoError(t, err)
	assert.Equal(t, "web-01", got.Hostname)

	got.Status = model.AgentInactive
	require.NoError(t, m.UpsertAgent(ctx, got))
	got, err = m.GetAgent(ctx, agent.AgentID)
	require.NoError(t, err)
	assert.Equal(t, model.AgentInactive, got.Status)

	fleet, err := m.ListAgents(ctx, 3)
	require.NoError(t, err)
	assert.Len(t, fleet, 1)

	none, err := m.ListAgents(ctx, 99)
	require.NoError(t, err)
	assert.Empty(t, none)

	_, err = m.GetAgent(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryIncidentWindow(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	inc := &model.Incident{Title: "Actividad sospechosa en web-01", Severity: model.SeverityHigh}
	require.NoError(t, m.InsertIncident(ctx, inc))

	found, err := m.FindIncidentByTitle(ctx, inc.Title, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, inc.ID, found.ID)

	_, err = m.FindIncidentByTitle(ctx, inc.Title, time.Now().Add(time.Hour))
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, m.UpdateIncidentAlerts(ctx, inc.ID, []int64{10, 11}))
	found, err = m.FindIncidentByTitle(ctx, inc.Title, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []int64{10, 11}, found.AlertIDs)
}

func TestMemoryClosed(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	require.NoError(t, m.Close())

	_, err := m.ListActiveConnectors(ctx)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, m.InsertRawEvent(ctx, &model.RawEvent{}), ErrClosed)
	assert.ErrorIs(t, m.Ping(ctx), ErrClosed)
}
