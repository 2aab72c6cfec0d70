// Package retry implements the backoff policy used by polled connectors:
// exponential delay with an optional jitter multiplier, bounded attempts and
// a transport-aware retryability check.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net"
	"net/url"
	"time"
)

// Config tunes a retry loop.
type Config struct {
	// MaxAttempts bounds the total number of attempts, first try included.
	MaxAttempts int
	// Base is the first backoff delay.
	Base time.Duration
	// Max caps any single backoff delay.
	Max time.Duration
	// Factor is the exponential growth factor between attempts.
	Factor float64
	// Jitter multiplies each delay by a random factor in [0.5, 1.0).
	Jitter bool
	// RetryableStatuses lists the HTTP status codes worth retrying.
	RetryableStatuses []int
}

// DefaultConfig mirrors the poller defaults: three attempts, one second base,
// thirty second cap, doubling, jitter on.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:       3,
		Base:              time.Second,
		Max:               30 * time.Second,
		Factor:            2,
		Jitter:            true,
		RetryableStatuses: []int{429, 500, 502, 503, 504},
	}
}

// HTTPStatusError reports a non-2xx response from a polled endpoint.
type HTTPStatusError struct {
	StatusCode int
	URL        string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("unexpected status %d from %s", e.StatusCode, e.URL)
}

// ExhaustedError wraps the final error after all attempts failed.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// Do runs op until it succeeds, returns a non-retryable error, the attempt
// budget runs out, or ctx is cancelled. Backoff sleeps are cancellable.
func Do(ctx context.Context, cfg Config, op func(context.Context) error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	var last error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := Backoff(cfg, attempt-1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		last = op(ctx)
		if last == nil {
			return nil
		}
		if !Retryable(last, cfg.RetryableStatuses) {
			return last
		}
	}
	return &ExhaustedError{Attempts: cfg.MaxAttempts, Last: last}
}

// Backoff returns the delay before retry number attempt (zero-based):
// min(base × factor^attempt, max), times the jitter multiplier when enabled.
func Backoff(cfg Config, attempt int) time.Duration {
	base := cfg.Base
	if base <= 0 {
		base = time.Second
	}
	factor := cfg.Factor
	if factor <= 0 {
		factor = 2
	}
	max := cfg.Max
	if max <= 0 {
		max = 30 * time.Second
	}

	d := time.Duration(float64(base) * math.Pow(factor, float64(attempt)))
	if d > max || d <= 0 {
		d = max
	}
	if cfg.Jitter {
		d = time.Duration(float64(d) * (0.5 + rand.Float64()*0.5))
	}
	return d
}

// Retryable classifies an error against the poller failure taxonomy:
// transient transport problems and listed HTTP statuses retry, cancellation
// and fatal remote answers do not.
func Retryable(err error, statuses []int) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		for _, s := range statuses {
			if statusErr.StatusCode == s {
				return true
			}
		}
		return false
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		// NXDOMAIN is a configuration problem, not a transient.
		return !dnsErr.IsNotFound
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return Retryable(urlErr.Err, statuses)
	}

	// Connection resets and refusals surface as OpErrors; treat them as
	// transient before the generic timeout check.
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}

	return false
}
