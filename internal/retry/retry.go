// Package retry re-runs transient store and settlement-network operations
// with capped exponential backoff.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var retriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "escrowd",
	Subsystem: "retry",
	Name:      "attempts_total",
	Help:      "Retried attempts by operation and outcome.",
}, []string{"op", "outcome"})

func init() {
	prometheus.MustRegister(retriesTotal)
}

// PermanentError wraps an error that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that Do will not retry it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Policy bounds a retry loop.
type Policy struct {
	Attempts int
	Base     time.Duration
	Max      time.Duration
}

// Store is used for database writes; Network for settlement-network calls
// and cross-component hand-offs.
var (
	Store   = Policy{Attempts: 3, Base: 50 * time.Millisecond, Max: time.Second}
	Network = Policy{Attempts: 3, Base: 100 * time.Millisecond, Max: 2 * time.Second}
)

// Do runs fn until it succeeds, returns a permanent error, ctx ends, or the
// attempts run out. op labels the retry metric. The last error is returned
// unwrapped from any PermanentError.
func (p Policy) Do(ctx context.Context, op string, fn func() error) error {
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 1
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			retriesTotal.WithLabelValues(op, "retried").Inc()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.delay(attempt)):
			}
		}

		if err = fn(); err == nil {
			return nil
		}
		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}
	}
	if attempts > 1 {
		retriesTotal.WithLabelValues(op, "exhausted").Inc()
	}
	return err
}

// delay is Base*2^(attempt-1) with +-25% jitter, capped at Max.
func (p Policy) delay(attempt int) time.Duration {
	d := p.Base << (attempt - 1)
	if p.Max > 0 && (d > p.Max || d <= 0) {
		d = p.Max
	}
	if jitter := int64(d / 4); jitter > 0 {
		d += time.Duration(rand.Int64N(2*jitter+1) - jitter)
	}
	return d
}

// Do runs fn with the given attempts and base delay, uncapped.
func Do(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() error) error {
	return Policy{Attempts: maxAttempts, Base: baseDelay}.Do(ctx, "unnamed", fn)
}
