package connector

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vigiasec/ingest/internal/model"
)

func newTestBase(t *testing.T) (*Base, *Sink) {
	t.Helper()
	sink := NewSink(16)
	rec := &model.ConnectorRecord{ID: 7, Name: "fw-syslog", Type: model.ConnectorSyslog}
	b := NewBase(rec, sink)
	return &b, sink
}

func drainStatus(s *Sink) []StatusChange {
	var out []StatusChange
	for {
		select {
		case sc := <-s.Status:
			out = append(out, sc)
		default:
			return out
		}
	}
}

func TestBase_AutoDisableAfterErrorBudget(t *testing.T) {
	b, sink := newTestBase(t)
	b.MarkStarted()
	drainStatus(sink)

	for i := 0; i < maxConsecutiveErrors-1; i++ {
		b.SetStatus(model.StatusError, "cycle failed")
		require.Equal(t, model.StatusError, b.Status())
	}

	b.SetStatus(model.StatusError, "cycle failed")
	assert.Equal(t, model.StatusDisabled, b.Status(), "fifth consecutive error disables")

	changes := drainStatus(sink)
	require.NotEmpty(t, changes)
	last := changes[len(changes)-1]
	assert.True(t, last.AutoDisabled)
	assert.Equal(t, model.StatusDisabled, last.To)
}

func TestBase_ActiveResetsErrorBudget(t *testing.T) {
	b, _ := newTestBase(t)
	b.MarkStarted()

	b.SetStatus(model.StatusError, "boom")
	b.SetStatus(model.StatusError, "boom")
	b.SetStatus(model.StatusActive, "")

	// The budget refilled: four more errors stay short of the limit.
	for i := 0; i < maxConsecutiveErrors-1; i++ {
		b.SetStatus(model.StatusError, "boom")
	}
	assert.Equal(t, model.StatusError, b.Status())

	b.SetStatus(model.StatusError, "boom")
	assert.Equal(t, model.StatusDisabled, b.Status())
}

func TestBase_DisabledEmitsNothing(t *testing.T) {
	b, sink := newTestBase(t)
	b.MarkStarted()

	for i := 0; i < maxConsecutiveErrors; i++ {
		b.SetStatus(model.StatusError, "boom")
	}
	require.Equal(t, model.StatusDisabled, b.Status())

	delivered := b.EmitEvent(model.RawEvent{Message: "after disable"})
	assert.False(t, delivered)
	assert.Empty(t, sink.Events)

	// An external start re-arms emission.
	b.MarkStarted()
	assert.True(t, b.EmitEvent(model.RawEvent{Message: "after restart"}))
	assert.Len(t, sink.Events, 1)
}

func TestBase_PauseSuppressesEmission(t *testing.T) {
	b, sink := newTestBase(t)
	b.MarkStarted()

	require.NoError(t, b.Pause())
	assert.False(t, b.EmitEvent(model.RawEvent{Message: "paused"}))

	require.NoError(t, b.Resume())
	assert.True(t, b.EmitEvent(model.RawEvent{Message: "resumed"}))
	assert.Len(t, sink.Events, 1)
}

func TestBase_EmitEventFillsDefaults(t *testing.T) {
	b, sink := newTestBase(t)
	b.MarkStarted()

	require.True(t, b.EmitEvent(model.RawEvent{Message: "hello"}))
	ev := <-sink.Events
	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, int64(7), ev.ConnectorID)
	assert.Equal(t, "fw-syslog", ev.Source)
	assert.Equal(t, model.EventInfo, ev.Severity)
	assert.WithinDuration(t, time.Now(), ev.Timestamp, time.Second)
}

func TestBase_FullSinkSheds(t *testing.T) {
	sink := NewSink(1)
	rec := &model.ConnectorRecord{ID: 9, Name: "busy", Type: model.ConnectorAPI}
	b := NewBase(rec, sink)
	b.MarkStarted()
	drainStatus(sink)

	require.True(t, b.EmitEvent(model.RawEvent{Message: "first"}))
	assert.False(t, b.EmitEvent(model.RawEvent{Message: "second"}), "full channel sheds instead of blocking")
	assert.Equal(t, uint64(1), sink.Shed())
}

func TestBase_MetricsWindow(t *testing.T) {
	b, _ := newTestBase(t)
	b.MarkStarted()

	for i := 0; i < 10; i++ {
		b.EmitEvent(model.RawEvent{Message: "e"})
	}
	b.EmitError("fetch", errors.New("timeout"))
	b.ObserveLatency(20 * time.Millisecond)
	b.ObserveLatency(40 * time.Millisecond)
	b.RecordBytes(2048)

	snap := b.Metrics()
	assert.Equal(t, uint64(10), snap.TotalEvents)
	assert.Equal(t, uint64(1), snap.TotalErrors)
	assert.Equal(t, uint64(2048), snap.BytesReceived)
	assert.Greater(t, snap.EventsPerMin, 0.0)
	assert.InDelta(t, 30.0, snap.AvgLatencyMs, 1.0)
	assert.GreaterOrEqual(t, snap.Uptime, time.Duration(0))
}

func TestBase_NoopTransitionNotReported(t *testing.T) {
	b, sink := newTestBase(t)
	b.MarkStarted()
	drainStatus(sink)

	b.SetStatus(model.StatusActive, "")
	assert.Empty(t, drainStatus(sink), "repeating the current status emits nothing")
}
