package connector

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vigiasec/ingest/internal/logging"
	"github.com/vigiasec/ingest/internal/model"
)

// maxConsecutiveErrors is the cycle-level failure budget. Reaching it
// auto-disables the connector; only an external start re-arms it.
const maxConsecutiveErrors = 5

// Base carries the lifecycle state shared by every connector type.
// Concrete connectors embed it and provide Start/Stop/HealthCheck/
// TestConnection/UpdateConfig themselves.
type Base struct {
	id   int64
	name string
	typ  model.ConnectorType
	sink *Sink
	Log  zerolog.Logger

	mu        sync.Mutex
	status    model.ConnectorStatus
	consec    int
	statusMsg string
	startedAt time.Time

	win window
}

// NewBase builds the shared state for one connector record.
func NewBase(rec *model.ConnectorRecord, sink *Sink) Base {
	return Base{
		id:     rec.ID,
		name:   rec.Name,
		typ:    rec.Type,
		sink:   sink,
		Log:    logging.WithConnector(rec.ID, rec.Name),
		status: model.StatusDisabled,
	}
}

func (b *Base) ID() int64                 { return b.id }
func (b *Base) Name() string              { return b.name }
func (b *Base) Type() model.ConnectorType { return b.typ }

// Status returns the current lifecycle state.
func (b *Base) Status() model.ConnectorStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

// StatusMessage returns the message recorded with the last transition.
func (b *Base) StatusMessage() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.statusMsg
}

// MarkStarted resets the error budget and window and moves to active.
// Concrete connectors call it once their listeners are up.
func (b *Base) MarkStarted() {
	b.mu.Lock()
	b.startedAt = time.Now()
	b.consec = 0
	b.mu.Unlock()
	b.win.reset()
	b.SetStatus(model.StatusActive, "")
}

// Pause suspends emission without releasing resources.
func (b *Base) Pause() error {
	b.SetStatus(model.StatusPaused, "")
	return nil
}

// Resume re-enables emission after a pause.
func (b *Base) Resume() error {
	b.SetStatus(model.StatusActive, "")
	return nil
}

// SetStatus applies a lifecycle transition and reports it through the
// sink. Moving to error spends one unit of the consecutive-error budget;
// exhausting the budget converts the transition into an auto-disable.
// Moving to active refunds the whole budget.
func (b *Base) SetStatus(to model.ConnectorStatus, msg string) {
	b.mu.Lock()
	from := b.status
	autoDisabled := false

	switch to {
	case model.StatusActive:
		b.consec = 0
	case model.StatusError:
		b.consec++
		if b.consec >= maxConsecutiveErrors {
			to = model.StatusDisabled
			autoDisabled = true
		}
	}

	if from == to && msg == b.statusMsg && !autoDisabled {
		b.mu.Unlock()
		return
	}
	b.status = to
	b.statusMsg = msg
	b.mu.Unlock()

	if autoDisabled {
		b.Log.Warn().
			Int("consecutiveErrors", maxConsecutiveErrors).
			Msg("error budget exhausted, connector auto-disabled")
	}

	b.sink.sendStatus(StatusChange{
		ConnectorID:  b.id,
		From:         from,
		To:           to,
		Message:      msg,
		AutoDisabled: autoDisabled,
		At:           time.Now(),
	})
}

// EmitEvent fills defaults and hands the event to the sink. Disabled and
// paused connectors emit nothing; a full sink sheds. Returns whether the
// event was delivered.
func (b *Base) EmitEvent(ev model.RawEvent) bool {
	b.mu.Lock()
	st := b.status
	b.mu.Unlock()
	if st == model.StatusDisabled || st == model.StatusPaused {
		return false
	}

	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	if ev.ConnectorID == 0 {
		ev.ConnectorID = b.id
	}
	if ev.Source == "" {
		ev.Source = b.name
	}
	if ev.Severity == "" {
		ev.Severity = model.EventInfo
	}

	if !b.sink.sendEvent(ev) {
		return false
	}
	b.win.recordEvent()
	return true
}

// EmitError counts the failure and reports it through the sink. It does
// not touch the status; cycle-level failures do that via SetStatus.
func (b *Base) EmitError(stage string, err error) {
	b.win.recordError()
	b.sink.sendError(ErrorEvent{
		ConnectorID: b.id,
		Stage:       stage,
		Err:         err,
		At:          time.Now(),
	})
}

// PublishMetrics pushes the current snapshot through the sink.
func (b *Base) PublishMetrics() {
	b.sink.sendMetrics(MetricsUpdate{
		ConnectorID: b.id,
		Snapshot:    b.Metrics(),
		At:          time.Now(),
	})
}

// ObserveLatency records one request/parse latency sample.
func (b *Base) ObserveLatency(d time.Duration) { b.win.recordLatency(d) }

// RecordBytes adds to the received-byte counter.
func (b *Base) RecordBytes(n int) { b.win.recordBytes(uint64(n)) }

// Metrics returns the rolling one-minute snapshot.
func (b *Base) Metrics() Snapshot {
	b.mu.Lock()
	startedAt := b.startedAt
	status := b.status
	consec := b.consec
	b.mu.Unlock()

	snap := b.win.snapshot()
	snap.Status = status
	snap.ConsecutiveErrors = consec
	if !startedAt.IsZero() {
		snap.Uptime = time.Since(startedAt)
	}
	return snap
}

// window accumulates throughput counters over a rolling interval.
// Recording is pure atomics; only the snapshot rolls under a lock.
type window struct {
	mu      sync.Mutex
	startNs atomic.Int64

	events   atomic.Uint64
	errors   atomic.Uint64
	bytes    atomic.Uint64
	latNanos atomic.Int64
	latCount atomic.Uint64

	totalEvents atomic.Uint64
	totalErrors atomic.Uint64
	totalBytes  atomic.Uint64
}

const windowSpan = 60 * time.Second

func (w *window) reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.startNs.Store(time.Now().UnixNano())
	w.events.Store(0)
	w.errors.Store(0)
	w.bytes.Store(0)
	w.latNanos.Store(0)
	w.latCount.Store(0)
}

func (w *window) recordEvent() {
	w.events.Add(1)
	w.totalEvents.Add(1)
}

func (w *window) recordError() {
	w.errors.Add(1)
	w.totalErrors.Add(1)
}

func (w *window) recordBytes(n uint64) {
	w.bytes.Add(n)
	w.totalBytes.Add(n)
}

func (w *window) recordLatency(d time.Duration) {
	w.latNanos.Add(int64(d))
	w.latCount.Add(1)
}

// snapshot normalizes the in-progress window to per-minute rates and
// rolls it once it has spanned a full minute.
func (w *window) snapshot() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	start := w.startNs.Load()
	if start == 0 {
		start = time.Now().UnixNano()
		w.startNs.Store(start)
	}
	elapsed := time.Duration(time.Now().UnixNano() - start)
	if elapsed < time.Second {
		elapsed = time.Second
	}

	events := w.events.Load()
	errors := w.errors.Load()
	latNs := w.latNanos.Load()
	latN := w.latCount.Load()

	scale := float64(time.Minute) / float64(elapsed)
	snap := Snapshot{
		EventsPerMin:  float64(events) * scale,
		ErrorsPerMin:  float64(errors) * scale,
		BytesReceived: w.totalBytes.Load(),
		TotalEvents:   w.totalEvents.Load(),
		TotalErrors:   w.totalErrors.Load(),
	}
	if latN > 0 {
		snap.AvgLatencyMs = float64(latNs) / float64(latN) / float64(time.Millisecond)
	}

	if elapsed >= windowSpan {
		w.startNs.Store(time.Now().UnixNano())
		w.events.Store(0)
		w.errors.Store(0)
		w.bytes.Store(0)
		w.latNanos.Store(0)
		w.latCount.Store(0)
	}
	return snap
}
