// Package circuitbreaker suspends failing polled connectors for a cool-off
// period. A breaker trips after a run of fully-failed poll cycles, stays open
// for the reset timeout, then lets exactly one trial cycle through before
// deciding to close again.
package circuitbreaker

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // normal operation, cycles run
	StateOpen                  // failure threshold exceeded, cycles skipped
	StateHalfOpen              // cool-off elapsed, one trial cycle allowed
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned by Allow while the breaker is blocking cycles.
var ErrOpen = errors.New("circuit breaker is open")

// Config holds circuit breaker configuration.
type Config struct {
	// Name identifies this breaker in logs and stats.
	Name string

	// FailureThreshold is the number of consecutive fully-failed cycles
	// that trips the breaker.
	FailureThreshold int

	// ResetTimeout is how long the breaker stays open before allowing a
	// trial cycle.
	ResetTimeout time.Duration

	// OnStateChange is called whenever the state changes.
	OnStateChange func(name string, from, to State)
}

// DefaultConfig returns the poller defaults: five consecutive failures trip,
// sixty second cool-off.
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		FailureThreshold: 5,
		ResetTimeout:     60 * time.Second,
	}
}

// Breaker is the per-connector circuit breaker. A cycle counts as a failure
// only when no endpoint succeeded; any endpoint success resets the run.
type Breaker struct {
	cfg Config

	mu            sync.Mutex
	state         State
	failures      int
	lastFailure   time.Time
	trialInFlight bool
}

// New creates a breaker in the closed state.
func New(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 60 * time.Second
	}
	return &Breaker{cfg: cfg, state: StateClosed}
}

// Name returns the breaker name.
func (b *Breaker) Name() string { return b.cfg.Name }

// Allow reports whether a poll cycle may run now. While open it returns
// ErrOpen until the reset timeout has elapsed, then moves to half-open and
// admits a single trial cycle; further cycles are rejected until the trial
// reports its outcome.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if time.Since(b.lastFailure) < b.cfg.ResetTimeout {
			return ErrOpen
		}
		b.setState(StateHalfOpen)
		b.trialInFlight = true
		return nil
	case StateHalfOpen:
		if b.trialInFlight {
			return ErrOpen
		}
		b.trialInFlight = true
		return nil
	}
	return nil
}

// RecordSuccess reports a cycle in which at least one endpoint succeeded.
// A successful half-open trial closes the breaker; in any state the failure
// run is zeroed.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.trialInFlight = false
	if b.state != StateClosed {
		b.setState(StateClosed)
	}
}

// RecordFailure reports a fully-failed cycle. In the closed state it trips
// the breaker once the threshold is reached; any failure while not closed
// re-opens immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailure = time.Now()
	b.trialInFlight = false

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.setState(StateOpen)
		}
	default:
		b.setState(StateOpen)
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// ConsecutiveFailures returns the current failure run length.
func (b *Breaker) ConsecutiveFailures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Stats is a point-in-time view of one breaker.
type Stats struct {
	Name                string    `json:"name"`
	State               string    `json:"state"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	LastFailure         time.Time `json:"lastFailure,omitempty"`
}

// Snapshot returns the breaker stats.
func (b *Breaker) Snapshot() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Name:                b.cfg.Name,
		State:               b.state.String(),
		ConsecutiveFailures: b.failures,
		LastFailure:         b.lastFailure,
	}
}

// setState transitions and fires the callback. Caller holds the lock.
func (b *Breaker) setState(next State) {
	if b.state == next {
		return
	}
	prev := b.state
	b.state = next
	if b.cfg.OnStateChange != nil {
		// Callback runs outside the lock to keep subscribers free to call
		// back into the breaker.
		go b.cfg.OnStateChange(b.cfg.Name, prev, next)
	}
}

func (b *Breaker) String() string {
	s := b.Snapshot()
	return fmt.Sprintf("Breaker[%s: state=%s failures=%d]", s.Name, s.State, s.ConsecutiveFailures)
}

// Manager keeps one breaker per connector.
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	cfg      Config
}

// NewManager creates a manager whose breakers inherit cfg defaults.
func NewManager(cfg Config) *Manager {
	if cfg.FailureThreshold <= 0 {
		cfg = DefaultConfig(cfg.Name)
	}
	return &Manager{
		breakers: make(map[string]*Breaker),
		cfg:      cfg,
	}
}

// Get returns the breaker for name, creating it on first use.
func (m *Manager) Get(name string) *Breaker {
	m.mu.RLock()
	cb, exists := m.breakers[name]
	m.mu.RUnlock()
	if exists {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if cb, exists = m.breakers[name]; exists {
		return cb
	}
	cfg := m.cfg
	cfg.Name = name
	cb = New(cfg)
	m.breakers[name] = cb
	return cb
}

// GetOrCreate returns an existing breaker or creates one with a custom config.
func (m *Manager) GetOrCreate(name string, cfg Config) *Breaker {
	m.mu.RLock()
	cb, exists := m.breakers[name]
	m.mu.RUnlock()
	if exists {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if cb, exists = m.breakers[name]; exists {
		return cb
	}
	cfg.Name = name
	cb = New(cfg)
	m.breakers[name] = cb
	return cb
}

// Remove drops the breaker for name.
func (m *Manager) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.breakers, name)
}

// Stats returns a snapshot of every breaker.
func (m *Manager) Stats() map[string]Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := make(map[string]Stats, len(m.breakers))
	for name, cb := range m.breakers {
		stats[name] = cb.Snapshot()
	}
	return stats
}
