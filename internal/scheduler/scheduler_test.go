package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vigiasec/ingest/internal/connector"
	"github.com/vigiasec/ingest/internal/model"
)

type fakeConn struct {
	id   int64
	name string
	typ  model.ConnectorType

	mu      sync.Mutex
	started int
	stopped int
	status  model.ConnectorStatus
}

func (f *fakeConn) ID() int64                 { return f.id }
func (f *fakeConn) Name() string              { return f.name }
func (f *fakeConn) Type() model.ConnectorType { return f.typ }

func (f *fakeConn) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started++
	f.status = model.StatusActive
	return nil
}

func (f *fakeConn) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped++
	f.status = model.StatusDisabled
	return nil
}

func (f *fakeConn) Pause() error  { return nil }
func (f *fakeConn) Resume() error { return nil }

func (f *fakeConn) HealthCheck(ctx context.Context) connector.Health {
	return connector.Health{Healthy: true, LastChecked: time.Now()}
}

func (f *fakeConn) TestConnection(ctx context.Context) connector.TestResult {
	return connector.TestResult{Success: true}
}

func (f *fakeConn) UpdateConfig(patch map[string]any) error { return nil }

func (f *fakeConn) Status() model.ConnectorStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeConn) Metrics() connector.Snapshot { return connector.Snapshot{} }

func (f *fakeConn) counts() (started, stopped int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started, f.stopped
}

type fakePoller struct {
	fakeConn
	interval time.Duration

	runMu sync.Mutex
	runs  int
	runCh chan struct{}
}

func (f *fakePoller) RunOnce(ctx context.Context) error {
	f.runMu.Lock()
	f.runs++
	f.runMu.Unlock()
	if f.runCh != nil {
		select {
		case f.runCh <- struct{}{}:
		default:
		}
	}
	return nil
}

func (f *fakePoller) Interval() time.Duration { return f.interval }

func (f *fakePoller) runCount() int {
	f.runMu.Lock()
	defer f.runMu.Unlock()
	return f.runs
}

func newPoller(id int64, interval time.Duration) *fakePoller {
	return &fakePoller{
		fakeConn: fakeConn{id: id, name: "edr-poll", typ: model.ConnectorAPI},
		interval: interval,
		runCh:    make(chan struct{}, 8),
	}
}

func TestCronSpec(t *testing.T) {
	assert.Equal(t, "*/15 * * * * *", cronSpec(15*time.Second))
	assert.Equal(t, "*/1 * * * * *", cronSpec(500*time.Millisecond))
	assert.Equal(t, "0 */1 * * * *", cronSpec(time.Minute))
	assert.Equal(t, "0 */1 * * * *", cronSpec(90*time.Second))
	assert.Equal(t, "0 */5 * * * *", cronSpec(5*time.Minute))
}

func TestSchedule_PollerTicksOnCadence(t *testing.T) {
	s := New()
	s.Start(context.Background())
	defer s.Shutdown()

	p := newPoller(1, time.Second)
	require.NoError(t, s.Schedule(context.Background(), p))

	started, _ := p.counts()
	assert.Equal(t, 1, started)
	assert.True(t, s.Scheduled(1))

	deadline := time.After(5 * time.Second)
	for i := 0; i < 2; i++ {
		select {
		case <-p.runCh:
		case <-deadline:
			t.Fatalf("expected 2 ticks, saw %d", p.runCount())
		}
	}
}

func TestSchedule_ListenerStartsWithoutEntry(t *testing.T) {
	s := New()
	s.Start(context.Background())
	defer s.Shutdown()

	l := &fakeConn{id: 2, name: "syslog-dc1", typ: model.ConnectorSyslog}
	require.NoError(t, s.Schedule(context.Background(), l))

	started, _ := l.counts()
	assert.Equal(t, 1, started)
	assert.True(t, s.Scheduled(2))

	s.mu.Lock()
	_, hasEntry := s.entries[2]
	s.mu.Unlock()
	assert.False(t, hasEntry)
}

func TestSchedule_APITypeMustPoll(t *testing.T) {
	s := New()
	bad := &fakeConn{id: 3, name: "not-a-poller", typ: model.ConnectorAPI}
	err := s.Schedule(context.Background(), bad)
	require.Error(t, err)

	started, _ := bad.counts()
	assert.Zero(t, started)
}

func TestRunNow(t *testing.T) {
	s := New()
	defer s.Shutdown()

	p := newPoller(4, time.Hour)
	require.NoError(t, s.Schedule(context.Background(), p))
	require.Zero(t, p.runCount())

	require.NoError(t, s.RunNow(context.Background(), 4))
	assert.Equal(t, 1, p.runCount())

	assert.Error(t, s.RunNow(context.Background(), 99))

	l := &fakeConn{id: 5, name: "fleet", typ: model.ConnectorAgent}
	require.NoError(t, s.Schedule(context.Background(), l))
	assert.Error(t, s.RunNow(context.Background(), 5))
}

func TestUpdateSchedule_CancelThenReschedule(t *testing.T) {
	s := New()
	defer s.Shutdown()

	p := newPoller(6, time.Hour)
	require.NoError(t, s.Schedule(context.Background(), p))

	s.mu.Lock()
	first := s.entries[6]
	s.mu.Unlock()

	p.interval = 30 * time.Minute
	require.NoError(t, s.UpdateSchedule(6))

	s.mu.Lock()
	second, ok := s.entries[6]
	entryCount := len(s.entries)
	s.mu.Unlock()
	require.True(t, ok)
	assert.NotEqual(t, first, second)
	assert.Equal(t, 1, entryCount)

	// Idempotent: a second call with the same interval still leaves one entry.
	require.NoError(t, s.UpdateSchedule(6))
	s.mu.Lock()
	assert.Len(t, s.entries, 1)
	s.mu.Unlock()

	// Listeners have no entry and pass through.
	l := &fakeConn{id: 7, name: "fleet", typ: model.ConnectorAgent}
	require.NoError(t, s.Schedule(context.Background(), l))
	require.NoError(t, s.UpdateSchedule(7))

	assert.Error(t, s.UpdateSchedule(99))
}

func TestRemove_LeavesConnectorRunning(t *testing.T) {
	s := New()
	defer s.Shutdown()

	p := newPoller(8, time.Hour)
	require.NoError(t, s.Schedule(context.Background(), p))
	s.Remove(8)

	assert.False(t, s.Scheduled(8))
	_, stopped := p.counts()
	assert.Zero(t, stopped)

	// Shutdown no longer knows it; the caller stops it.
	s.Shutdown()
	_, stopped = p.counts()
	assert.Zero(t, stopped)
}

func TestShutdown_StopsTrackedConnectors(t *testing.T) {
	s := New()
	s.Start(context.Background())

	p := newPoller(9, time.Hour)
	l := &fakeConn{id: 10, name: "syslog-dc1", typ: model.ConnectorSyslog}
	require.NoError(t, s.Schedule(context.Background(), p))
	require.NoError(t, s.Schedule(context.Background(), l))

	s.Shutdown()

	_, pStopped := p.counts()
	_, lStopped := l.counts()
	assert.Equal(t, 1, pStopped)
	assert.Equal(t, 1, lStopped)
	assert.False(t, s.Scheduled(9))
	assert.False(t, s.Scheduled(10))
}
