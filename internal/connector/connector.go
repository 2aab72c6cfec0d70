// Package connector defines the capability every ingestion connector
// implements and the shared lifecycle base the concrete connectors embed.
//
// A connector is a long-lived component bound to one data source. It owns
// its sockets, timers and in-memory tables, and reports everything it
// produces through a typed Sink handed in at construction. Connectors
// never reach back into the lifecycle manager.
package connector

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/vigiasec/ingest/internal/model"
)

// Connector is the single capability set all five connector types expose.
type Connector interface {
	ID() int64
	Name() string
	Type() model.ConnectorType

	Start(ctx context.Context) error
	Stop() error
	Pause() error
	Resume() error

	HealthCheck(ctx context.Context) Health
	TestConnection(ctx context.Context) TestResult
	UpdateConfig(patch map[string]any) error

	Status() model.ConnectorStatus
	Metrics() Snapshot
}

// Poller is implemented by connectors driven on a cadence rather than by
// their own sockets. The scheduler derives the cadence from Interval and
// calls RunOnce per tick; the error is the outcome of the whole cycle.
type Poller interface {
	Connector
	RunOnce(ctx context.Context) error
	Interval() time.Duration
}

// Health is the result of a periodic health probe.
type Health struct {
	Healthy     bool          `json:"healthy"`
	Message     string        `json:"message,omitempty"`
	Latency     time.Duration `json:"latency,omitempty"`
	LastChecked time.Time     `json:"lastChecked"`
}

// TestResult is the outcome of an on-demand connectivity test.
type TestResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Snapshot is the rolling one-minute view of a connector's throughput.
type Snapshot struct {
	EventsPerMin      float64               `json:"eventsPerMin"`
	ErrorsPerMin      float64               `json:"errorsPerMin"`
	AvgLatencyMs      float64               `json:"avgLatencyMs"`
	BytesReceived     uint64                `json:"bytesReceived"`
	TotalEvents       uint64                `json:"totalEvents"`
	TotalErrors       uint64                `json:"totalErrors"`
	ConsecutiveErrors int                   `json:"consecutiveErrors"`
	Uptime            time.Duration         `json:"uptime"`
	Status            model.ConnectorStatus `json:"status"`
}

// ErrorEvent reports a connector failure at a given stage (connect,
// fetch, parse, store).
type ErrorEvent struct {
	ConnectorID int64
	Stage       string
	Err         error
	At          time.Time
}

// StatusChange reports a lifecycle transition. AutoDisabled marks the
// transition produced by the consecutive-error budget.
type StatusChange struct {
	ConnectorID  int64
	From         model.ConnectorStatus
	To           model.ConnectorStatus
	Message      string
	AutoDisabled bool
	At           time.Time
}

// MetricsUpdate carries a periodic metrics snapshot.
type MetricsUpdate struct {
	ConnectorID int64
	Snapshot    Snapshot
	At          time.Time
}

// Sink carries connector emissions to the lifecycle manager. All sends
// are non-blocking: when a channel is full the message is shed and
// counted, never allowed to stall connector I/O.
type Sink struct {
	Events  chan model.RawEvent
	Errors  chan ErrorEvent
	Status  chan StatusChange
	Metrics chan MetricsUpdate

	shed atomic.Uint64
}

// NewSink allocates a sink with the given per-channel buffer.
func NewSink(buffer int) *Sink {
	if buffer <= 0 {
		buffer = 256
	}
	return &Sink{
		Events:  make(chan model.RawEvent, buffer),
		Errors:  make(chan ErrorEvent, buffer),
		Status:  make(chan StatusChange, buffer),
		Metrics: make(chan MetricsUpdate, buffer),
	}
}

// Shed returns how many messages were dropped on full channels.
func (s *Sink) Shed() uint64 { return s.shed.Load() }

func (s *Sink) sendEvent(ev model.RawEvent) bool {
	select {
	case s.Events <- ev:
		return true
	default:
		s.shed.Add(1)
		return false
	}
}

func (s *Sink) sendError(e ErrorEvent) {
	select {
	case s.Errors <- e:
	default:
		s.shed.Add(1)
	}
}

func (s *Sink) sendStatus(sc StatusChange) {
	select {
	case s.Status <- sc:
	default:
		s.shed.Add(1)
	}
}

func (s *Sink) sendMetrics(mu MetricsUpdate) {
	select {
	case s.Metrics <- mu:
	default:
		s.shed.Add(1)
	}
}
