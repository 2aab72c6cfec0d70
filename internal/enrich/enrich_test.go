package enrich

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vigiasec/ingest/internal/model"
	"github.com/vigiasec/ingest/internal/store"
)

type fakeInsight struct {
	mu      sync.Mutex
	calls   int
	gotEvts []map[string]any
	summary string
	conf    float64
	err     error
}

func (f *fakeInsight) GenerateInsight(ctx context.Context, connectorID, orgID int64, events []map[string]any) (string, float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.gotEvts = events
	return f.summary, f.conf, f.err
}

func (f *fakeInsight) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// recordingStore captures insight rows and can inject lookup failures.
type recordingStore struct {
	*store.Memory
	mu       sync.Mutex
	insights []model.AIInsight
	findErr  error
}

func (r *recordingStore) InsertAIInsight(ctx context.Context, ins *model.AIInsight) error {
	r.mu.Lock()
	r.insights = append(r.insights, *ins)
	r.mu.Unlock()
	return r.Memory.InsertAIInsight(ctx, ins)
}

func (r *recordingStore) FindIncidentByTitle(ctx context.Context, title string, since time.Time) (*model.Incident, error) {
	if r.findErr != nil {
		return nil, r.findErr
	}
	return r.Memory.FindIncidentByTitle(ctx, title, since)
}

func (r *recordingStore) insightRows() []model.AIInsight {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.AIInsight(nil), r.insights...)
}

func alertFixture(id int64, severity model.AlertSeverity) *model.Alert {
	return &model.Alert{
		ID:             id,
		Title:          "Acceso no autorizado",
		Description:    "Múltiples intentos de login fallidos",
		Severity:       severity,
		Source:         "fw-dc1",
		OrganizationID: 7,
	}
}

func TestProcess_SkipsLowSeverity(t *testing.T) {
	st := &recordingStore{Memory: store.NewMemory()}
	gen := &fakeInsight{summary: "resumen"}
	e := New(st, gen)

	e.Process(context.Background(), alertFixture(1, model.SeverityLow), 3, nil)
	e.Process(context.Background(), alertFixture(2, model.SeverityMedium), 3, nil)

	assert.Zero(t, gen.callCount())
	_, err := st.Memory.FindIncidentByTitle(context.Background(), "Acceso no autorizado", time.Now().Add(-time.Hour))
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestProcess_SkipsUnpersistedAlert(t *testing.T) {
	st := &recordingStore{Memory: store.NewMemory()}
	gen := &fakeInsight{summary: "resumen"}
	e := New(st, gen)

	e.Process(context.Background(), alertFixture(0, model.SeverityCritical), 3, nil)
	e.Process(context.Background(), nil, 3, nil)

	assert.Zero(t, gen.callCount())
}

func TestProcess_PersistsInsight(t *testing.T) {
	st := &recordingStore{Memory: store.NewMemory()}
	gen := &fakeInsight{summary: "Ataque de fuerza bruta contra cuentas de dominio", conf: 0.92}
	e := New(st, gen)

	events := []map[string]any{{"user": "jgarcia", "failures": 14}}
	e.Process(context.Background(), alertFixture(5, model.SeverityHigh), 3, events)

	require.Equal(t, 1, gen.callCount())
	assert.Equal(t, events, gen.gotEvts)

	rows := st.insightRows()
	require.Len(t, rows, 1)
	assert.EqualValues(t, 5, rows[0].AlertID)
	assert.Equal(t, gen.summary, rows[0].Summary)
	assert.Equal(t, 0.92, rows[0].Metadata["confidence"])
}

func TestProcess_SynthesizesEventContext(t *testing.T) {
	st := &recordingStore{Memory: store.NewMemory()}
	gen := &fakeInsight{summary: "resumen"}
	e := New(st, gen)

	e.Process(context.Background(), alertFixture(6, model.SeverityCritical), 3, nil)

	require.Equal(t, 1, gen.callCount())
	require.Len(t, gen.gotEvts, 1)
	assert.Equal(t, "Acceso no autorizado", gen.gotEvts[0]["title"])
	assert.Equal(t, "critical", gen.gotEvts[0]["severity"])
}

func TestProcess_EmptySummaryNotPersisted(t *testing.T) {
	st := &recordingStore{Memory: store.NewMemory()}
	gen := &fakeInsight{summary: ""}
	e := New(st, gen)

	e.Process(context.Background(), alertFixture(7, model.SeverityHigh), 3, nil)

	assert.Equal(t, 1, gen.callCount())
	assert.Empty(t, st.insightRows())
}

func TestProcess_InsightErrorStillLinksIncident(t *testing.T) {
	st := &recordingStore{Memory: store.NewMemory()}
	gen := &fakeInsight{err: errors.New("sidecar timeout")}
	e := New(st, gen)

	e.Process(context.Background(), alertFixture(8, model.SeverityHigh), 3, nil)

	assert.Empty(t, st.insightRows())
	inc, err := st.Memory.FindIncidentByTitle(context.Background(), "Acceso no autorizado", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []int64{8}, inc.AlertIDs)
}

func TestProcess_GroupsAlertsIntoOneIncident(t *testing.T) {
	st := &recordingStore{Memory: store.NewMemory()}
	e := New(st, nil)

	e.Process(context.Background(), alertFixture(10, model.SeverityHigh), 3, nil)
	e.Process(context.Background(), alertFixture(11, model.SeverityCritical), 3, nil)

	inc, err := st.Memory.FindIncidentByTitle(context.Background(), "Acceso no autorizado", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []int64{10, 11}, inc.AlertIDs)
	assert.Equal(t, model.SeverityHigh, inc.Severity, "incident keeps the severity it was opened with")

	// A different title opens its own incident.
	other := alertFixture(12, model.SeverityHigh)
	other.Title = "Malware detectado"
	e.Process(context.Background(), other, 3, nil)

	fresh, err := st.Memory.FindIncidentByTitle(context.Background(), "Malware detectado", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []int64{12}, fresh.AlertIDs)
}

func TestProcess_LookupFailureSkipsIncident(t *testing.T) {
	st := &recordingStore{Memory: store.NewMemory(), findErr: errors.New("db down")}
	e := New(st, nil)

	e.Process(context.Background(), alertFixture(20, model.SeverityHigh), 3, nil)

	_, err := st.Memory.FindIncidentByTitle(context.Background(), "Acceso no autorizado", time.Now().Add(-time.Hour))
	assert.ErrorIs(t, err, store.ErrNotFound, "no incident created while the store is unreachable")
}
