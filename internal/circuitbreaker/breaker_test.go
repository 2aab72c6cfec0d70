package circuitbreaker

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b := New(Config{Name: "conn-1", FailureThreshold: 2, ResetTimeout: time.Hour})

	require.NoError(t, b.Allow())
	b.RecordFailure()
	assert.Equal(t, StateClosed, b.State(), "one failure below threshold keeps it closed")

	require.NoError(t, b.Allow())
	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())

	// While open and inside the reset timeout, cycles are skipped.
	assert.ErrorIs(t, b.Allow(), ErrOpen)
}

func TestBreaker_SuccessResetsRun(t *testing.T) {
	b := New(Config{Name: "conn-2", FailureThreshold: 3, ResetTimeout: time.Hour})

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	assert.Equal(t, 0, b.ConsecutiveFailures(), "any successful cycle resets the run")

	b.RecordFailure()
	b.RecordFailure()
	assert.Equal(t, StateClosed, b.State(), "run restarted from zero")
}

func TestBreaker_HalfOpenTrial(t *testing.T) {
	b := New(Config{Name: "conn-3", FailureThreshold: 1, ResetTimeout: 20 * time.Millisecond})

	b.RecordFailure()
	require.Equal(t, StateOpen, b.State())
	assert.ErrorIs(t, b.Allow(), ErrOpen)

	time.Sleep(30 * time.Millisecond)

	// Cool-off elapsed: exactly one trial cycle is admitted.
	require.NoError(t, b.Allow())
	assert.Equal(t, StateHalfOpen, b.State())
	assert.ErrorIs(t, b.Allow(), ErrOpen, "second cycle during the trial is rejected")

	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 0, b.ConsecutiveFailures())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b := New(Config{Name: "conn-4", FailureThreshold: 1, ResetTimeout: 20 * time.Millisecond})

	b.RecordFailure()
	time.Sleep(30 * time.Millisecond)
	require.NoError(t, b.Allow())
	require.Equal(t, StateHalfOpen, b.State())

	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
	assert.ErrorIs(t, b.Allow(), ErrOpen, "fresh cool-off after a failed trial")
}

func TestBreaker_StateChangeCallback(t *testing.T) {
	var mu sync.Mutex
	var transitions []string
	done := make(chan struct{}, 4)

	b := New(Config{
		Name:             "conn-5",
		FailureThreshold: 1,
		ResetTimeout:     time.Hour,
		OnStateChange: func(name string, from, to State) {
			mu.Lock()
			transitions = append(transitions, from.String()+"->"+to.String())
			mu.Unlock()
			done <- struct{}{}
		},
	})

	b.RecordFailure()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("state change callback not fired")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"closed->open"}, transitions)
}

func TestManager_PerConnectorBreakers(t *testing.T) {
	m := NewManager(Config{FailureThreshold: 2, ResetTimeout: time.Hour})

	a := m.Get("7")
	b := m.Get("8")
	assert.NotSame(t, a, b)
	assert.Same(t, a, m.Get("7"), "same breaker returned for the same connector")

	a.RecordFailure()
	a.RecordFailure()
	stats := m.Stats()
	assert.Equal(t, "open", stats["7"].State)
	assert.Equal(t, "closed", stats["8"].State)

	m.Remove("7")
	assert.Equal(t, StateClosed, m.Get("7").State(), "recreated breaker starts closed")
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
}
