package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForResponseType(t *testing.T) {
	assert.Equal(t, PriorityHigh, ForResponseType("alerts"))
	assert.Equal(t, PriorityMedium, ForResponseType("threatIntel"))
	assert.Equal(t, PriorityLow, ForResponseType("logs"))
	assert.Equal(t, PriorityMedium, ForResponseType(""))
	assert.Equal(t, PriorityMedium, ForResponseType("telemetry"))
}

func TestEnqueue_FillsDefaults(t *testing.T) {
	q := New(Config{}, func(context.Context, *Job) error { return nil })

	job := &Job{ConnectorID: 1, Priority: "urgent"} // not a band name
	require.NoError(t, q.Enqueue(job))
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, PriorityMedium, job.Priority)
	assert.Equal(t, 3, job.MaxAttempts)
	assert.False(t, job.EnqueuedAt.IsZero())

	crit := &Job{ConnectorID: 1, Priority: PriorityCritical}
	require.NoError(t, q.Enqueue(crit))
	assert.Equal(t, 5, crit.MaxAttempts)
}

func TestEnqueue_QueueFull(t *testing.T) {
	q := New(Config{MaxPending: 2}, func(context.Context, *Job) error { return nil })

	require.NoError(t, q.Enqueue(&Job{Priority: PriorityLow}))
	require.NoError(t, q.Enqueue(&Job{Priority: PriorityLow}))
	assert.ErrorIs(t, q.Enqueue(&Job{Priority: PriorityLow}), ErrQueueFull)

	q.Stop()
	assert.ErrorIs(t, q.Enqueue(&Job{Priority: PriorityLow}), ErrQueueFull)
}

func TestNext_BandPrecedenceAndFIFO(t *testing.T) {
	q := New(Config{}, func(context.Context, *Job) error { return nil })

	require.NoError(t, q.Enqueue(&Job{ID: "low", Priority: PriorityLow}))
	require.NoError(t, q.Enqueue(&Job{ID: "med", Priority: PriorityMedium}))
	require.NoError(t, q.Enqueue(&Job{ID: "crit-1", Priority: PriorityCritical}))
	require.NoError(t, q.Enqueue(&Job{ID: "high", Priority: PriorityHigh}))
	require.NoError(t, q.Enqueue(&Job{ID: "crit-2", Priority: PriorityCritical}))

	var order []string
	for i := 0; i < 5; i++ {
		order = append(order, q.next().ID)
	}
	assert.Equal(t, []string{"crit-1", "crit-2", "high", "med", "low"}, order)

	s := q.Stats()
	assert.Zero(t, s.Pending)
	assert.Equal(t, 5, s.InFlight)
}

func TestWorker_DrainsInPriorityOrder(t *testing.T) {
	var (
		mu    sync.Mutex
		order []string
		done  = make(chan struct{})
	)
	q := New(Config{Workers: 1}, func(_ context.Context, job *Job) error {
		mu.Lock()
		order = append(order, job.ID)
		n := len(order)
		mu.Unlock()
		if n == 4 {
			close(done)
		}
		return nil
	})

	require.NoError(t, q.Enqueue(&Job{ID: "low", Priority: PriorityLow}))
	require.NoError(t, q.Enqueue(&Job{ID: "med", Priority: PriorityMedium}))
	require.NoError(t, q.Enqueue(&Job{ID: "high", Priority: PriorityHigh}))
	require.NoError(t, q.Enqueue(&Job{ID: "crit", Priority: PriorityCritical}))

	q.Start(context.Background())
	defer q.Stop()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("jobs not drained")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"crit", "high", "med", "low"}, order)
}

func TestRetry_BackoffThenFailedRing(t *testing.T) {
	var (
		attempts atomic.Int32
		failed   = make(chan *Job, 1)
	)
	q := New(Config{
		Workers:   1,
		BaseDelay: 10 * time.Millisecond,
		OnJobFailed: func(job *Job) {
			failed <- job
		},
	}, func(_ context.Context, job *Job) error {
		attempts.Add(1)
		return errors.New("parse error")
	})
	q.Start(context.Background())
	defer q.Stop()

	require.NoError(t, q.Enqueue(&Job{
		ConnectorID: 7,
		Priority:    PriorityHigh,
		MaxAttempts: 2,
	}))

	select {
	case job := <-failed:
		assert.Equal(t, 2, job.Attempts)
		assert.Equal(t, "parse error", job.LastError)
		assert.False(t, job.FinishedAt.IsZero())
	case <-time.After(5 * time.Second):
		t.Fatal("retry budget never exhausted")
	}
	assert.EqualValues(t, 2, attempts.Load())

	ring := q.FailedJobs()
	require.Len(t, ring, 1)
	assert.EqualValues(t, 7, ring[0].ConnectorID)

	s := q.Stats()
	assert.EqualValues(t, 1, s.Failed)
	assert.Zero(t, s.Completed)

	// the hook fired exactly once
	select {
	case <-failed:
		t.Fatal("OnJobFailed fired twice")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRetryFailed_ResetsBudgetAndFilters(t *testing.T) {
	q := New(Config{}, func(context.Context, *Job) error { return nil })

	old := time.Now().Add(-time.Hour)
	q.mu.Lock()
	q.failed = []*Job{
		{ID: "a", ConnectorID: 1, Priority: PriorityHigh, Attempts: 3, LastError: "x", FinishedAt: old},
		{ID: "b", ConnectorID: 2, Priority: PriorityLow, Attempts: 3, LastError: "x", FinishedAt: old},
	}
	q.mu.Unlock()

	moved := q.RetryFailed(1)
	assert.Equal(t, 1, moved)

	ring := q.FailedJobs()
	require.Len(t, ring, 1)
	assert.Equal(t, "b", ring[0].ID)

	q.mu.Lock()
	requeued := q.bands[bandIndex(PriorityHigh)]
	q.mu.Unlock()
	require.Len(t, requeued, 1)
	assert.Equal(t, "a", requeued[0].ID)
	assert.Zero(t, requeued[0].Attempts)
	assert.Empty(t, requeued[0].LastError)
	assert.True(t, requeued[0].FinishedAt.IsZero())

	// 0 retries the remainder
	assert.Equal(t, 1, q.RetryFailed(0))
	assert.Empty(t, q.FailedJobs())
}

func TestRetryFailed_AfterSuccessCompletes(t *testing.T) {
	var (
		fail atomic.Bool
		done = make(chan struct{}, 4)
		hook = make(chan *Job, 1)
	)
	fail.Store(true)
	q := New(Config{
		Workers:     1,
		BaseDelay:   5 * time.Millisecond,
		OnJobFailed: func(job *Job) { hook <- job },
	}, func(_ context.Context, job *Job) error {
		if fail.Load() {
			return errors.New("downstream closed")
		}
		done <- struct{}{}
		return nil
	})
	q.Start(context.Background())
	defer q.Stop()

	require.NoError(t, q.Enqueue(&Job{ConnectorID: 3, Priority: PriorityMedium, MaxAttempts: 1}))
	select {
	case <-hook:
	case <-time.After(5 * time.Second):
		t.Fatal("job never failed")
	}

	fail.Store(false)
	require.Equal(t, 1, q.RetryFailed(3))
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("requeued job never completed")
	}

	assert.Empty(t, q.FailedJobs())
	assert.EqualValues(t, 1, q.Stats().Completed)
}

func TestStats_Averages(t *testing.T) {
	var done = make(chan struct{}, 2)
	q := New(Config{Workers: 1}, func(context.Context, *Job) error {
		time.Sleep(5 * time.Millisecond)
		done <- struct{}{}
		return nil
	})

	require.NoError(t, q.Enqueue(&Job{Priority: PriorityMedium}))
	require.NoError(t, q.Enqueue(&Job{Priority: PriorityMedium}))

	s := q.Stats()
	assert.Equal(t, 2, s.Pending)
	assert.Equal(t, 2, s.PendingByBand[PriorityMedium])
	assert.Zero(t, s.PendingByBand[PriorityCritical])

	q.Start(context.Background())
	defer q.Stop()
	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("jobs not processed")
		}
	}

	// settle runs after the handler's signal; poll briefly for the counter.
	deadline := time.Now().Add(2 * time.Second)
	for q.Stats().Completed < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	s = q.Stats()
	assert.EqualValues(t, 2, s.Completed)
	assert.GreaterOrEqual(t, s.AvgProcessingMS, 4.0)
}

func TestRequeue_ClosedQueueLandsInFailedRing(t *testing.T) {
	q := New(Config{}, func(context.Context, *Job) error { return nil })
	q.Stop()

	q.requeue(&Job{ID: "late-retry", ConnectorID: 9, Priority: PriorityHigh, Attempts: 1})
	ring := q.FailedJobs()
	require.Len(t, ring, 1)
	assert.Equal(t, "late-retry", ring[0].ID)
	assert.EqualValues(t, 1, q.Stats().Failed)
}

func TestCleanup_PrunesByFinishedAt(t *testing.T) {
	q := New(Config{}, func(context.Context, *Job) error { return nil })

	now := time.Now()
	q.mu.Lock()
	q.completed = []*Job{
		{ID: "stale", FinishedAt: now.Add(-48 * time.Hour)},
		{ID: "fresh", FinishedAt: now},
	}
	q.failed = []*Job{
		{ID: "stale-f", FinishedAt: now.Add(-48 * time.Hour)},
	}
	q.mu.Unlock()

	q.cleanup(now.Add(-24 * time.Hour))

	q.mu.Lock()
	defer q.mu.Unlock()
	require.Len(t, q.completed, 1)
	assert.Equal(t, "fresh", q.completed[0].ID)
	assert.Empty(t, q.failed)
}

func TestHistoryRingCap(t *testing.T) {
	q := New(Config{HistoryCap: 2}, func(context.Context, *Job) error { return nil })

	for _, id := range []string{"a", "b", "c"} {
		q.mu.Lock()
		q.failed = appendRing(q.failed, &Job{ID: id, FinishedAt: time.Now()}, q.cfg.HistoryCap)
		q.mu.Unlock()
	}
	ring := q.FailedJobs()
	require.Len(t, ring, 2)
	assert.Equal(t, "b", ring[0].ID)
	assert.Equal(t, "c", ring[1].ID)
}

func TestStop_Idempotent(t *testing.T) {
	q := New(Config{Workers: 2}, func(context.Context, *Job) error { return nil })
	q.Start(context.Background())
	q.Stop()
	q.Stop()
}
