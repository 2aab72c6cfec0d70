// Package queue is the process-wide priority queue for normalization work.
// Four bands (critical > high > medium > low), bounded pending set, a fixed
// worker pool and linear retry backoff. Delivery is at-least-once; handlers
// are responsible for idempotence against the store.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vigiasec/ingest/internal/logging"
)

// ErrQueueFull is returned when the pending set is at capacity. For pollers
// this counts as a cycle failure.
var ErrQueueFull = errors.New("queue: pending limit reached")

// Priority selects the band a job is served from.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

var bandOrder = [4]Priority{PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow}

func bandIndex(p Priority) int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 3
	}
	return 2
}

// ForResponseType maps a poll endpoint's declared response type onto a band.
func ForResponseType(responseType string) Priority {
	switch responseType {
	case "alerts":
		return PriorityHigh
	case "threatIntel":
		return PriorityMedium
	case "logs":
		return PriorityLow
	default:
		return PriorityMedium
	}
}

// Job is one batch of records awaiting normalization.
type Job struct {
	ID             string           `json:"id"`
	ConnectorID    int64            `json:"connectorId"`
	ConnectorName  string           `json:"connectorName"`
	Vendor         string           `json:"vendor"`
	OrganizationID int64            `json:"organizationId"`
	Source         string           `json:"source"`
	Priority       Priority         `json:"priority"`
	Records        []map[string]any `json:"-"`
	Attempts       int              `json:"attempts"`
	MaxAttempts    int              `json:"maxAttempts"`
	LastError      string           `json:"lastError,omitempty"`
	EnqueuedAt     time.Time        `json:"enqueuedAt"`
	FinishedAt     time.Time        `json:"finishedAt,omitempty"`
}

// Handler processes one job. A non-nil error triggers the retry path.
type Handler func(ctx context.Context, job *Job) error

// Config tunes the queue. Zero values take the documented defaults.
type Config struct {
	Workers      int           // default 5
	MaxPending   int           // default 10000
	BaseDelay    time.Duration // default 1s; retry delay is BaseDelay × attempts
	HistoryCap   int           // default 1000 per ring
	CleanupEvery time.Duration // default 1h
	Retention    time.Duration // default 24h
	OnJobFailed  func(job *Job)
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 5
	}
	if c.MaxPending <= 0 {
		c.MaxPending = 10000
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.HistoryCap <= 0 {
		c.HistoryCap = 1000
	}
	if c.CleanupEvery <= 0 {
		c.CleanupEvery = time.Hour
	}
	if c.Retention <= 0 {
		c.Retention = 24 * time.Hour
	}
	return c
}

// Stats is a point-in-time snapshot of queue state.
type Stats struct {
	Pending         int              `json:"pending"`
	PendingByBand   map[Priority]int `json:"pendingByBand"`
	InFlight        int              `json:"inFlight"`
	Completed       uint64           `json:"completed"`
	Failed          uint64           `json:"failed"`
	AvgProcessingMS float64          `json:"avgProcessingMs"`
}

// Queue owns jobs from enqueue until their completed/failed ring entry ages
// out.
type Queue struct {
	cfg     Config
	handler Handler
	log     zerolog.Logger

	mu        sync.Mutex
	cond      *sync.Cond
	bands     [4][]*Job
	pending   int
	inFlight  int
	completed []*Job
	failed    []*Job
	closed    bool

	totalCompleted uint64
	totalFailed    uint64
	sumProcessing  time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a stopped queue; Start launches the workers.
func New(cfg Config, handler Handler) *Queue {
	q := &Queue{
		cfg:     cfg.withDefaults(),
		handler: handler,
		log:     logging.WithComponent("queue"),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Start launches the worker pool and the hourly cleanup sweep.
func (q *Queue) Start(ctx context.Context) {
	ctx, q.cancel = context.WithCancel(ctx)
	for i := 0; i < q.cfg.Workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, i)
	}
	q.wg.Add(1)
	go q.cleanupLoop(ctx)
	q.log.Info().Int("workers", q.cfg.Workers).Int("max_pending", q.cfg.MaxPending).Msg("queue started")
}

// Stop cancels in-flight work and releases the workers. Pending jobs are not
// drained.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()

	if q.cancel != nil {
		q.cancel()
	}
	q.wg.Wait()
}

// Enqueue adds a job at the tail of its band. Missing identity and budget
// fields are filled in: critical jobs get 5 attempts, everything else 3.
func (q *Queue) Enqueue(job *Job) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if bandIndex(job.Priority) == 2 && job.Priority != PriorityMedium {
		job.Priority = PriorityMedium
	}
	if job.MaxAttempts <= 0 {
		if job.Priority == PriorityCritical {
			job.MaxAttempts = 5
		} else {
			job.MaxAttempts = 3
		}
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now()
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueFull
	}
	if q.pending >= q.cfg.MaxPending {
		return ErrQueueFull
	}
	band := bandIndex(job.Priority)
	q.bands[band] = append(q.bands[band], job)
	q.pending++
	q.cond.Signal()
	return nil
}

// next blocks until a job is available or the queue closes.
func (q *Queue) next() *Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if q.closed {
			return nil
		}
		for band := range q.bands {
			if len(q.bands[band]) > 0 {
				job := q.bands[band][0]
				q.bands[band] = q.bands[band][1:]
				q.pending--
				q.inFlight++
				return job
			}
		}
		q.cond.Wait()
	}
}

func (q *Queue) worker(ctx context.Context, id int) {
	defer q.wg.Done()
	for {
		job := q.next()
		if job == nil {
			return
		}
		start := time.Now()
		err := q.handler(ctx, job)
		q.settle(job, start, err)
	}
}

// settle routes a processed job to the completed ring, a delayed retry, or
// the failed ring.
func (q *Queue) settle(job *Job, start time.Time, err error) {
	elapsed := time.Since(start)

	q.mu.Lock()
	q.inFlight--
	if err == nil {
		job.FinishedAt = time.Now()
		job.LastError = ""
		q.completed = appendRing(q.completed, job, q.cfg.HistoryCap)
		q.totalCompleted++
		q.sumProcessing += elapsed
		q.mu.Unlock()
		return
	}

	job.Attempts++
	job.LastError = err.Error()
	if job.Attempts < job.MaxAttempts {
		delay := q.cfg.BaseDelay * time.Duration(job.Attempts)
		q.mu.Unlock()
		q.log.Warn().Str("job_id", job.ID).Int("attempt", job.Attempts).
			Dur("retry_in", delay).Err(err).Msg("job failed, scheduling retry")
		time.AfterFunc(delay, func() { q.requeue(job) })
		return
	}

	job.FinishedAt = time.Now()
	q.failed = appendRing(q.failed, job, q.cfg.HistoryCap)
	q.totalFailed++
	q.mu.Unlock()
	q.log.Error().Str("job_id", job.ID).Int64("connector_id", job.ConnectorID).
		Int("attempts", job.Attempts).Err(err).Msg("job exhausted retry budget")
	if q.cfg.OnJobFailed != nil {
		q.cfg.OnJobFailed(job)
	}
}

// requeue puts a retried job back at the tail of its band.
func (q *Queue) requeue(job *Job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || q.pending >= q.cfg.MaxPending {
		job.FinishedAt = time.Now()
		q.failed = appendRing(q.failed, job, q.cfg.HistoryCap)
		q.totalFailed++
		return
	}
	band := bandIndex(job.Priority)
	q.bands[band] = append(q.bands[band], job)
	q.pending++
	q.cond.Signal()
}

// RetryFailed moves failed jobs back to pending with a fresh attempt budget.
// connectorID 0 retries everything. Returns the number of jobs requeued.
func (q *Queue) RetryFailed(connectorID int64) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0
	}

	kept := q.failed[:0]
	moved := 0
	for _, job := range q.failed {
		if connectorID != 0 && job.ConnectorID != connectorID {
			kept = append(kept, job)
			continue
		}
		if q.pending >= q.cfg.MaxPending {
			kept = append(kept, job)
			continue
		}
		job.Attempts = 0
		job.LastError = ""
		job.FinishedAt = time.Time{}
		band := bandIndex(job.Priority)
		q.bands[band] = append(q.bands[band], job)
		q.pending++
		moved++
	}
	q.failed = kept
	if moved > 0 {
		q.cond.Broadcast()
	}
	return moved
}

// FailedJobs returns a copy of the failed ring, newest last.
func (q *Queue) FailedJobs() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Job, 0, len(q.failed))
	for _, job := range q.failed {
		out = append(out, *job)
	}
	return out
}

// Stats snapshots the queue counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	byBand := make(map[Priority]int, 4)
	for i, p := range bandOrder {
		byBand[p] = len(q.bands[i])
	}
	s := Stats{
		Pending:       q.pending,
		PendingByBand: byBand,
		InFlight:      q.inFlight,
		Completed:     q.totalCompleted,
		Failed:        q.totalFailed,
	}
	if q.totalCompleted > 0 {
		s.AvgProcessingMS = float64(q.sumProcessing.Milliseconds()) / float64(q.totalCompleted)
	}
	return s
}

func (q *Queue) cleanupLoop(ctx context.Context) {
	defer q.wg.Done()
	ticker := time.NewTicker(q.cfg.CleanupEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.cleanup(time.Now().Add(-q.cfg.Retention))
		}
	}
}

// cleanup drops ring entries finished before the cutoff.
func (q *Queue) cleanup(cutoff time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.completed = pruneRing(q.completed, cutoff)
	q.failed = pruneRing(q.failed, cutoff)
}

func appendRing(ring []*Job, job *Job, cap int) []*Job {
	ring = append(ring, job)
	if len(ring) > cap {
		ring = ring[len(ring)-cap:]
	}
	return ring
}

func pruneRing(ring []*Job, cutoff time.Time) []*Job {
	kept := ring[:0]
	for _, job := range ring {
		if job.FinishedAt.After(cutoff) {
			kept = append(kept, job)
		}
	}
	return kept
}
