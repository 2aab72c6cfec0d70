// Package ratelimit implements fixed-window rate limiting. A Limiter guards
// one polled endpoint and can block until the window rolls; a Keyed limiter
// tracks many callers (per client IP on the HTTP surface) with periodic
// garbage collection of idle windows.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter is a fixed-window limiter for a single resource: at most
// `requests` acquisitions per `window`.
type Limiter struct {
	mu          sync.Mutex
	requests    int
	window      time.Duration
	count       int
	windowStart time.Time
}

// New builds a Limiter allowing requests per window. Non-positive arguments
// fall back to 60 requests per minute.
func New(requests int, window time.Duration) *Limiter {
	if requests <= 0 {
		requests = 60
	}
	if window <= 0 {
		window = time.Minute
	}
	return &Limiter{requests: requests, window: window}
}

// Allow claims one slot without blocking.
func (l *Limiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	l.roll(now)
	if l.count < l.requests {
		l.count++
		return true
	}
	return false
}

// Wait blocks until a slot is available or ctx is cancelled. When the
// current window is exhausted it sleeps until the window rolls over.
func (l *Limiter) Wait(ctx context.Context) error {
	for {
		l.mu.Lock()
		now := time.Now()
		l.roll(now)
		if l.count < l.requests {
			l.count++
			l.mu.Unlock()
			return nil
		}
		wakeAt := l.windowStart.Add(l.window)
		l.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Until(wakeAt)):
		}
	}
}

// Remaining reports the slots left in the current window.
func (l *Limiter) Remaining() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.roll(time.Now())
	return l.requests - l.count
}

// roll resets the window once it has fully elapsed. Caller holds the lock.
func (l *Limiter) roll(now time.Time) {
	if l.windowStart.IsZero() || now.Sub(l.windowStart) >= l.window {
		l.windowStart = now
		l.count = 0
	}
}

// Keyed enforces an independent fixed window per key.
type Keyed struct {
	mu       sync.RWMutex
	windows  map[string]*keyWindow
	requests int
	window   time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

type keyWindow struct {
	count       int
	windowStart time.Time
}

// NewKeyed builds a per-key limiter and starts its cleanup loop.
func NewKeyed(requests int, window time.Duration) *Keyed {
	if requests <= 0 {
		requests = 60
	}
	if window <= 0 {
		window = time.Minute
	}
	k := &Keyed{
		windows:  make(map[string]*keyWindow),
		requests: requests,
		window:   window,
		stopCh:   make(chan struct{}),
	}
	go k.cleanup()
	return k
}

// Allow claims one slot for key within the current window.
//
// Fast path checks the existing window under a read lock; the count bump can
// race slightly, which is acceptable for a soft limit.
func (k *Keyed) Allow(key string) bool {
	now := time.Now()

	k.mu.RLock()
	w, exists := k.windows[key]
	if exists && now.Sub(w.windowStart) < k.window {
		w.count++
		count := w.count
		k.mu.RUnlock()
		return count <= k.requests
	}
	k.mu.RUnlock()

	k.mu.Lock()
	defer k.mu.Unlock()

	w, exists = k.windows[key]
	if exists && now.Sub(w.windowStart) < k.window {
		w.count++
		return w.count <= k.requests
	}
	k.windows[key] = &keyWindow{count: 1, windowStart: now}
	return true
}

// RetryAfter reports how long until key's window rolls over.
func (k *Keyed) RetryAfter(key string) time.Duration {
	k.mu.RLock()
	defer k.mu.RUnlock()
	w, exists := k.windows[key]
	if !exists {
		return 0
	}
	remain := k.window - time.Since(w.windowStart)
	if remain < 0 {
		return 0
	}
	return remain
}

// Stats returns limiter statistics for the admin surface.
func (k *Keyed) Stats() map[string]any {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return map[string]any{
		"active_windows":      len(k.windows),
		"requests_per_window": k.requests,
		"window_ms":           k.window.Milliseconds(),
	}
}

// Stop terminates the cleanup loop.
func (k *Keyed) Stop() {
	k.stopOnce.Do(func() { close(k.stopCh) })
}

// cleanup removes windows idle for two full periods.
func (k *Keyed) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-k.stopCh:
			return
		case <-ticker.C:
			k.mu.Lock()
			now := time.Now()
			for key, w := range k.windows {
				if now.Sub(w.windowStart) > 2*k.window {
					delete(k.windows, key)
				}
			}
			k.mu.Unlock()
		}
	}
}
