// Package manager owns the live connector set. It builds connectors from
// their stored records, runs them through the scheduler, pumps their sinks
// into the store and the realtime surfaces, reconciles the set against the
// connectors_changed feed, and sweeps health and throughput onto the records
// once a minute.
//
// The manager is the only component that writes connector lifecycle state
// back to the store; connectors report through their sink and never reach
// into persistence themselves.
package manager

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vigiasec/ingest/internal/connector"
	"github.com/vigiasec/ingest/internal/connector/agentsrv"
	"github.com/vigiasec/ingest/internal/connector/webhook"
	"github.com/vigiasec/ingest/internal/enrich"
	"github.com/vigiasec/ingest/internal/events"
	"github.com/vigiasec/ingest/internal/logging"
	"github.com/vigiasec/ingest/internal/model"
	"github.com/vigiasec/ingest/internal/monitoring"
	"github.com/vigiasec/ingest/internal/normalizer"
	"github.com/vigiasec/ingest/internal/queue"
	"github.com/vigiasec/ingest/internal/scheduler"
	"github.com/vigiasec/ingest/internal/store"
	"github.com/vigiasec/ingest/internal/vault"
)

const (
	defaultSweepEvery = time.Minute
	healthTimeout     = 5 * time.Second
)

// Realtime pushes live updates to connected dashboards. Calls happen inline
// on the fan-out path and must not block.
type Realtime interface {
	BroadcastEvent(ev model.RawEvent)
	BroadcastStatus(sc connector.StatusChange)
	BroadcastAlert(alert model.Alert)
	BroadcastMetrics(upd connector.MetricsUpdate)
}

// Notifier delivers persisted alerts to external channels.
type Notifier interface {
	NotifyAlert(ctx context.Context, alert *model.Alert)
}

// Options wires the manager's collaborators. Store, Vault, Normalizer and
// Metrics are required; Realtime, Notifier, Enricher, Events and Changes may
// be nil and the matching surface goes quiet.
type Options struct {
	Store      store.Store
	Vault      *vault.Vault
	Normalizer *normalizer.Normalizer
	Enricher   *enrich.Enricher
	Registry   *webhook.Registry
	Realtime   Realtime
	Notifier   Notifier
	Events     events.Emitter
	Metrics    *monitoring.Metrics
	Changes    *store.ChangeListener

	Queue      queue.Config
	SweepEvery time.Duration
	SinkBuffer int
}

// running pairs a live connector with the record snapshot it was built from
// and the pump draining its sink.
type running struct {
	rec    model.ConnectorRecord
	conn   connector.Connector
	sink   *connector.Sink
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager keeps the stored connector set and the live one converged.
type Manager struct {
	store    store.Store
	vault    *vault.Vault
	norm     *normalizer.Normalizer
	enricher *enrich.Enricher
	registry *webhook.Registry
	realtime Realtime
	notifier Notifier
	events   events.Emitter
	metrics  *monitoring.Metrics
	changes  *store.ChangeListener

	queue   *queue.Queue
	sched   *scheduler.Scheduler
	factory map[model.ConnectorType]buildFunc

	sweepEvery time.Duration
	sinkBuffer int
	log        zerolog.Logger

	// reconcileMu serializes set changes so a notification burst cannot
	// interleave stop-and-recreate sequences for the same record.
	reconcileMu sync.Mutex

	mu        sync.Mutex
	ctx       context.Context
	cancel    context.CancelFunc
	connected map[int64]*running
	lastEvent map[int64]time.Time

	wg sync.WaitGroup
}

// New builds a stopped manager. Run starts the queue, the scheduler and the
// background loops.
func New(opts Options) (*Manager, error) {
	if opts.Store == nil || opts.Vault == nil || opts.Normalizer == nil || opts.Metrics == nil {
		return nil, errors.New("manager: store, vault, normalizer and metrics are required")
	}
	if opts.Registry == nil {
		opts.Registry = webhook.NewRegistry()
	}
	if opts.SweepEvery <= 0 {
		opts.SweepEvery = defaultSweepEvery
	}

	m := &Manager{
		store:      opts.Store,
		vault:      opts.Vault,
		norm:       opts.Normalizer,
		enricher:   opts.Enricher,
		registry:   opts.Registry,
		realtime:   opts.Realtime,
		notifier:   opts.Notifier,
		events:     opts.Events,
		metrics:    opts.Metrics,
		changes:    opts.Changes,
		sched:      scheduler.New(),
		sweepEvery: opts.SweepEvery,
		sinkBuffer: opts.SinkBuffer,
		log:        logging.WithComponent("manager"),
		connected:  make(map[int64]*running),
		lastEvent:  make(map[int64]time.Time),
	}
	m.factory = m.builders()

	qcfg := opts.Queue
	userHook := qcfg.OnJobFailed
	qcfg.OnJobFailed = func(job *queue.Job) {
		m.jobFailed(job)
		if userHook != nil {
			userHook(job)
		}
	}
	m.queue = queue.New(qcfg, m.processJob)
	return m, nil
}

// Run bootstraps the connector set and starts the background loops. It
// returns once every stored connector has been attempted; the loops keep
// running until Shutdown.
func (m *Manager) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	if m.ctx != nil {
		m.mu.Unlock()
		cancel()
		return errors.New("manager: already running")
	}
	m.ctx = ctx
	m.cancel = cancel
	m.mu.Unlock()

	m.queue.Start(ctx)
	m.sched.Start(ctx)

	if err := m.ReconcileAll(ctx); err != nil {
		return err
	}

	m.wg.Add(1)
	go m.sweepLoop(ctx)
	if m.changes != nil {
		m.wg.Add(1)
		go m.watchChanges(ctx)
	}
	m.log.Info().Int("connectors", m.liveCount()).Msg("manager running")
	return nil
}

// Shutdown stops every connector, the scheduler, the queue and the loops.
// The manager cannot be restarted afterwards.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	ids := make([]int64, 0, len(m.connected))
	for id := range m.connected {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	if cancel == nil {
		return
	}

	for _, id := range ids {
		m.remove(id)
	}
	m.sched.Shutdown()
	cancel()
	m.queue.Stop()
	m.wg.Wait()
	m.log.Info().Msg("manager stopped")
}

// Queue exposes the work queue for the admin API (stats, retry).
func (m *Manager) Queue() *queue.Queue { return m.queue }

// Connector returns the live instance for a record id.
func (m *Manager) Connector(id int64) (connector.Connector, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.connected[id]
	if !ok {
		return nil, false
	}
	return r.conn, true
}

// AgentHandler returns the HTTP handler of the first live agent connector.
// The API resolves it per request so reconfiguration swaps take effect
// without remounting.
func (m *Manager) AgentHandler() (http.Handler, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.connected {
		if srv, ok := r.conn.(*agentsrv.AgentSrv); ok {
			return srv.Handler(), true
		}
	}
	return nil, false
}

// RunNow triggers one immediate poll cycle outside the schedule.
func (m *Manager) RunNow(ctx context.Context, id int64) error {
	return m.sched.RunNow(ctx, id)
}

// TestConnector runs an on-demand connectivity test. A live instance is
// tested in place; otherwise a transient one is built from the stored record
// and discarded without ever starting, so stopped connectors can be tested
// before being brought up.
func (m *Manager) TestConnector(ctx context.Context, id int64) (connector.TestResult, error) {
	if conn, ok := m.Connector(id); ok {
		return conn.TestConnection(ctx), nil
	}
	rec, err := m.store.GetConnector(ctx, id)
	if err != nil {
		return connector.TestResult{}, fmt.Errorf("manager: test %d: %w", id, err)
	}
	sink := connector.NewSink(m.sinkBuffer)
	conn, err := m.build(rec, sink)
	if err != nil {
		return connector.TestResult{}, fmt.Errorf("manager: test %d: %w", id, err)
	}
	return conn.TestConnection(ctx), nil
}

// ReconcileAll converges the live set against every stored active record.
// Connectors whose watched fields are unchanged keep running untouched.
func (m *Manager) ReconcileAll(ctx context.Context) error {
	m.reconcileMu.Lock()
	defer m.reconcileMu.Unlock()

	records, err := m.store.ListActiveConnectors(ctx)
	if err != nil {
		return fmt.Errorf("manager: list connectors: %w", err)
	}

	want := make(map[int64]bool, len(records))
	for i := range records {
		want[records[i].ID] = true
	}
	m.mu.Lock()
	var stale []int64
	for id := range m.connected {
		if !want[id] {
			stale = append(stale, id)
		}
	}
	m.mu.Unlock()
	for _, id := range stale {
		m.remove(id)
		m.log.Info().Int64("connector_id", id).Msg("connector retired, record gone")
	}

	for i := range records {
		m.converge(ctx, &records[i])
	}
	return nil
}

// Reconcile converges one connector against its stored record. Absent or
// soft-deleted records stop and remove the live instance.
func (m *Manager) Reconcile(ctx context.Context, id int64) error {
	m.reconcileMu.Lock()
	defer m.reconcileMu.Unlock()

	rec, err := m.store.GetConnector(ctx, id)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("manager: reconcile %d: %w", id, err)
	}
	if rec == nil {
		if m.remove(id) {
			m.log.Info().Int64("connector_id", id).Msg("connector retired, record gone")
		}
		return nil
	}
	return m.converge(ctx, rec)
}

// converge is the single stop-and-recreate decision point. The change test
// mirrors the column set the store trigger watches; status and metrics
// writes never cause a rebuild.
func (m *Manager) converge(ctx context.Context, rec *model.ConnectorRecord) error {
	if !rec.IsActive || rec.Status == model.StatusDisabled {
		if m.remove(rec.ID) {
			m.log.Info().Int64("connector_id", rec.ID).Str("name", rec.Name).Msg("connector retired by reconcile")
		}
		return nil
	}

	m.mu.Lock()
	r, live := m.connected[rec.ID]
	m.mu.Unlock()
	if live && !changed(&r.rec, rec) {
		return nil
	}
	if live {
		m.remove(rec.ID)
	}

	if err := m.launch(rec); err != nil {
		m.log.Error().Int64("connector_id", rec.ID).Str("name", rec.Name).Err(err).Msg("connector build failed")
		if uerr := m.store.UpdateConnectorStatus(ctx, rec.ID, model.StatusError, err.Error()); uerr != nil {
			m.log.Warn().Int64("connector_id", rec.ID).Err(uerr).Msg("status write failed")
		}
		m.metrics.SetConnectorStatus(rec.Name, string(rec.Type), statusValue(model.StatusError))
		return err
	}

	// A record paused before a restart comes back paused.
	if rec.Status == model.StatusPaused {
		if conn, ok := m.Connector(rec.ID); ok {
			if err := conn.Pause(); err != nil {
				m.log.Warn().Int64("connector_id", rec.ID).Err(err).Msg("pause restore failed")
			}
		}
	}
	return nil
}

func changed(a, b *model.ConnectorRecord) bool {
	return a.Name != b.Name ||
		a.Type != b.Type ||
		a.Vendor != b.Vendor ||
		a.IsActive != b.IsActive ||
		!bytes.Equal(a.Configuration, b.Configuration)
}

// launch builds, pumps and schedules one connector. The pump starts before
// Schedule so start-time emissions are consumed.
func (m *Manager) launch(rec *model.ConnectorRecord) error {
	m.mu.Lock()
	baseCtx := m.ctx
	m.mu.Unlock()
	if baseCtx == nil {
		return errors.New("manager: not running")
	}

	sink := connector.NewSink(m.sinkBuffer)
	conn, err := m.build(rec, sink)
	if err != nil {
		return err
	}

	pumpCtx, cancel := context.WithCancel(baseCtx)
	r := &running{rec: *rec, conn: conn, sink: sink, cancel: cancel, done: make(chan struct{})}
	m.wg.Add(1)
	go m.pump(pumpCtx, r)

	if err := m.sched.Schedule(baseCtx, conn); err != nil {
		cancel()
		<-r.done
		return err
	}

	m.mu.Lock()
	m.connected[rec.ID] = r
	m.mu.Unlock()

	m.metrics.SetConnectorStatus(rec.Name, string(rec.Type), statusValue(conn.Status()))
	m.log.Info().
		Int64("connector_id", rec.ID).
		Str("name", rec.Name).
		Str("type", string(rec.Type)).
		Msg("connector started")
	return nil
}

// remove stops a live connector and unwinds its pump. Reports whether an
// instance was running under the id.
func (m *Manager) remove(id int64) bool {
	m.mu.Lock()
	r, ok := m.connected[id]
	if ok {
		delete(m.connected, id)
		delete(m.lastEvent, id)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}

	m.sched.Remove(id)
	if err := r.conn.Stop(); err != nil {
		m.log.Warn().Int64("connector_id", id).Err(err).Msg("connector stop failed")
	}
	r.cancel()
	<-r.done
	m.metrics.SetConnectorStatus(r.rec.Name, string(r.rec.Type), statusValue(model.StatusDisabled))
	return true
}

// StartConnector builds and starts a stored connector on demand. Already
// running is a no-op.
func (m *Manager) StartConnector(ctx context.Context, id int64) error {
	m.reconcileMu.Lock()
	defer m.reconcileMu.Unlock()

	if _, ok := m.Connector(id); ok {
		return nil
	}
	rec, err := m.store.GetConnector(ctx, id)
	if err != nil {
		return fmt.Errorf("manager: start %d: %w", id, err)
	}
	if !rec.IsActive {
		return fmt.Errorf("manager: start %d: connector is deleted", id)
	}
	if err := m.launch(rec); err != nil {
		if uerr := m.store.UpdateConnectorStatus(ctx, id, model.StatusError, err.Error()); uerr != nil {
			m.log.Warn().Int64("connector_id", id).Err(uerr).Msg("status write failed")
		}
		return err
	}
	return nil
}

// StopConnector stops and removes a live connector and marks its record
// disabled so it stays down across restarts.
func (m *Manager) StopConnector(ctx context.Context, id int64) error {
	m.reconcileMu.Lock()
	defer m.reconcileMu.Unlock()

	m.remove(id)
	if err := m.store.UpdateConnectorStatus(ctx, id, model.StatusDisabled, ""); err != nil {
		return fmt.Errorf("manager: stop %d: %w", id, err)
	}
	return nil
}

// PauseConnector suspends event emission without releasing resources.
func (m *Manager) PauseConnector(id int64) error {
	conn, ok := m.Connector(id)
	if !ok {
		return fmt.Errorf("manager: connector %d is not running", id)
	}
	return conn.Pause()
}

// ResumeConnector lifts a pause.
func (m *Manager) ResumeConnector(id int64) error {
	conn, ok := m.Connector(id)
	if !ok {
		return fmt.Errorf("manager: connector %d is not running", id)
	}
	return conn.Resume()
}

// UpdateConnectorConfig applies a partial configuration patch to the live
// instance and reschedules its cadence when the patch touches it. The
// caller owns persisting the merged configuration.
func (m *Manager) UpdateConnectorConfig(id int64, patch map[string]any) error {
	conn, ok := m.Connector(id)
	if !ok {
		return fmt.Errorf("manager: connector %d is not running", id)
	}
	if err := conn.UpdateConfig(patch); err != nil {
		return err
	}
	if _, touchesCadence := patch["pollIntervalSec"]; touchesCadence {
		return m.sched.UpdateSchedule(id)
	}
	return nil
}

func (m *Manager) liveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.connected)
}

func (m *Manager) markEvent(id int64) {
	m.mu.Lock()
	m.lastEvent[id] = time.Now()
	m.mu.Unlock()
}

func (m *Manager) lastEventAt(id int64) *time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.lastEvent[id]
	if !ok {
		return nil
	}
	return &t
}

// watchChanges consumes the connectors_changed feed. ResyncAll arrives when
// the listener reconnects and the backlog may have been lost.
func (m *Manager) watchChanges(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case id, ok := <-m.changes.Changes():
			if !ok {
				return
			}
			if id == store.ResyncAll {
				m.log.Info().Msg("change feed resynced, reloading connector set")
				if err := m.ReconcileAll(ctx); err != nil && ctx.Err() == nil {
					m.log.Warn().Err(err).Msg("resync reconcile failed")
				}
				continue
			}
			if err := m.Reconcile(ctx, id); err != nil && ctx.Err() == nil {
				m.log.Warn().Int64("connector_id", id).Err(err).Msg("reconcile failed")
			}
		}
	}
}

func (m *Manager) sweepLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

// sweep writes each live connector's throughput onto its record and flags
// unhealthy ones. The live instance keeps running; a recovered health check
// simply stops flagging it.
func (m *Manager) sweep(ctx context.Context) {
	m.mu.Lock()
	live := make([]*running, 0, len(m.connected))
	for _, r := range m.connected {
		live = append(live, r)
	}
	m.mu.Unlock()

	now := time.Now()
	for _, r := range live {
		snap := r.conn.Metrics()
		last := m.lastEventAt(r.rec.ID)
		if err := m.store.UpdateConnectorMetrics(ctx, r.rec.ID, snap.EventsPerMin, last); err != nil {
			m.log.Warn().Int64("connector_id", r.rec.ID).Err(err).Msg("metrics write failed")
		}
		m.metrics.EventsPerMinute.WithLabelValues(r.rec.Name).Set(snap.EventsPerMin)
		m.metrics.SetConnectorStatus(r.rec.Name, string(r.rec.Type), statusValue(r.conn.Status()))

		hctx, cancel := context.WithTimeout(ctx, healthTimeout)
		h := r.conn.HealthCheck(hctx)
		cancel()
		if h.Healthy {
			if err := m.store.TouchConnectorSuccess(ctx, r.rec.ID, now); err != nil {
				m.log.Warn().Int64("connector_id", r.rec.ID).Err(err).Msg("success touch failed")
			}
			continue
		}
		if r.conn.Status() == model.StatusActive {
			m.log.Warn().Int64("connector_id", r.rec.ID).Str("detail", h.Message).Msg("connector unhealthy")
			if err := m.store.UpdateConnectorStatus(ctx, r.rec.ID, model.StatusError, h.Message); err != nil {
				m.log.Warn().Int64("connector_id", r.rec.ID).Err(err).Msg("status write failed")
			}
		}
	}

	for band, depth := range m.queue.Stats().PendingByBand {
		m.metrics.SetQueueDepth(string(band), depth)
	}
}

func statusValue(s model.ConnectorStatus) float64 {
	switch s {
	case model.StatusActive:
		return 1
	case model.StatusPaused:
		return 2
	case model.StatusError:
		return 3
	case model.StatusWarning:
		return 4
	default:
		return 0
	}
}
