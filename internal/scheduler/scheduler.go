// Package scheduler drives connector execution. Pollers run on a cron
// cadence derived from their interval; listener and passive types start
// once and run until shutdown. The scheduler owns when connectors run,
// never what they do with a cycle.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/vigiasec/ingest/internal/connector"
	"github.com/vigiasec/ingest/internal/logging"
	"github.com/vigiasec/ingest/internal/model"
)

// Scheduler maps connector ids to cron entries and tracks every connector
// it started so shutdown can unwind them.
type Scheduler struct {
	cron *cron.Cron
	log  zerolog.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	conns   map[int64]connector.Connector
	entries map[int64]cron.EntryID
}

// New builds a stopped scheduler. The parser takes a leading seconds field
// so sub-minute poll intervals schedule without rounding.
func New() *Scheduler {
	log := logging.WithComponent("scheduler")
	parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	return &Scheduler{
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithChain(cron.Recover(cronLogger{log})),
		),
		log:     log,
		conns:   make(map[int64]connector.Connector),
		entries: make(map[int64]cron.EntryID),
	}
}

// Start launches the cron runner. Connectors may be scheduled before or
// after; entries added while running take effect immediately.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.ctx = ctx
	s.cancel = cancel
	s.mu.Unlock()
	s.cron.Start()
}

// Schedule starts the connector and, for pollers, adds its cron entry.
// Listener types (syslog, agent) run continuously from Start; webhook and
// file connectors only attach to their shared registry or watcher.
func (s *Scheduler) Schedule(ctx context.Context, conn connector.Connector) error {
	switch conn.Type() {
	case model.ConnectorAPI:
		p, ok := conn.(connector.Poller)
		if !ok {
			return fmt.Errorf("scheduler: connector %d (%s) is type api but cannot poll", conn.ID(), conn.Name())
		}
		return s.schedulePoller(ctx, p)
	default:
		if err := conn.Start(ctx); err != nil {
			return err
		}
		s.mu.Lock()
		s.conns[conn.ID()] = conn
		s.mu.Unlock()
		return nil
	}
}

func (s *Scheduler) schedulePoller(ctx context.Context, p connector.Poller) error {
	if err := p.Start(ctx); err != nil {
		return err
	}

	spec := cronSpec(p.Interval())
	id, err := s.cron.AddFunc(spec, func() { s.tick(p) })
	if err != nil {
		p.Stop()
		return fmt.Errorf("scheduler: schedule %s (%s): %w", p.Name(), spec, err)
	}

	s.mu.Lock()
	s.conns[p.ID()] = p
	s.entries[p.ID()] = id
	s.mu.Unlock()

	s.log.Info().
		Int64("connector_id", p.ID()).
		Str("name", p.Name()).
		Str("spec", spec).
		Msg("poller scheduled")
	return nil
}

func (s *Scheduler) tick(p connector.Poller) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	if err := p.RunOnce(ctx); err != nil && ctx.Err() == nil {
		s.log.Warn().Int64("connector_id", p.ID()).Err(err).Msg("poll cycle failed")
	}
}

// RunNow triggers one immediate cycle outside the schedule. Only pollers
// have a cycle to run.
func (s *Scheduler) RunNow(ctx context.Context, id int64) error {
	s.mu.Lock()
	conn := s.conns[id]
	s.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("scheduler: connector %d not scheduled", id)
	}
	p, ok := conn.(connector.Poller)
	if !ok {
		return fmt.Errorf("scheduler: connector %d (%s) does not poll", id, conn.Name())
	}
	return p.RunOnce(ctx)
}

// UpdateSchedule rebuilds the cron entry from the connector's current
// interval: cancel then reschedule, so calling it with an unchanged
// interval is harmless. Non-pollers have no entry and pass through.
func (s *Scheduler) UpdateSchedule(id int64) error {
	s.mu.Lock()
	conn := s.conns[id]
	entry, had := s.entries[id]
	s.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("scheduler: connector %d not scheduled", id)
	}
	p, ok := conn.(connector.Poller)
	if !ok {
		return nil
	}

	if had {
		s.cron.Remove(entry)
	}
	spec := cronSpec(p.Interval())
	eid, err := s.cron.AddFunc(spec, func() { s.tick(p) })
	if err != nil {
		return fmt.Errorf("scheduler: reschedule %s (%s): %w", p.Name(), spec, err)
	}

	s.mu.Lock()
	s.entries[id] = eid
	s.mu.Unlock()

	s.log.Info().Int64("connector_id", id).Str("spec", spec).Msg("schedule updated")
	return nil
}

// Remove drops the connector from the schedule without stopping it. The
// caller owns the connector's lifecycle during reconfiguration.
func (s *Scheduler) Remove(id int64) {
	s.mu.Lock()
	if entry, ok := s.entries[id]; ok {
		s.cron.Remove(entry)
		delete(s.entries, id)
	}
	delete(s.conns, id)
	s.mu.Unlock()
}

// Scheduled reports whether the connector is under scheduler control.
func (s *Scheduler) Scheduled(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.conns[id]
	return ok
}

// Shutdown cancels every cron entry, waits for in-flight ticks, and stops
// every connector the scheduler started. Connector Stop is idempotent, so
// a manager-side stop racing this is harmless.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	conns := make([]connector.Connector, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.conns = make(map[int64]connector.Connector)
	s.entries = make(map[int64]cron.EntryID)
	s.mu.Unlock()

	<-s.cron.Stop().Done()

	for _, c := range conns {
		if err := c.Stop(); err != nil {
			s.log.Warn().Int64("connector_id", c.ID()).Err(err).Msg("stop failed during shutdown")
		}
	}
	s.log.Info().Int("connectors", len(conns)).Msg("scheduler shut down")
}

// cronSpec renders a poll interval as a six-field cron expression: second
// granularity below one minute, minute granularity at or above it.
func cronSpec(interval time.Duration) string {
	if interval < time.Minute {
		secs := int(interval.Seconds())
		if secs < 1 {
			secs = 1
		}
		return fmt.Sprintf("*/%d * * * * *", secs)
	}
	mins := int(interval.Minutes())
	return fmt.Sprintf("0 */%d * * * *", mins)
}

// cronLogger adapts zerolog to the cron logger contract; it only ever
// fires from the panic-recovery chain.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug().Fields(kvFields(kv)).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error().Err(err).Fields(kvFields(kv)).Msg(msg)
}

func kvFields(kv []any) map[string]any {
	if len(kv) == 0 {
		return nil
	}
	fields := make(map[string]any, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			key = fmt.Sprint(kv[i])
		}
		fields[key] = kv[i+1]
	}
	return fields
}
