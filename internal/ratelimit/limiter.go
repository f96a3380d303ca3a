package ratelimit

import (
	"context"
	"fmt"
	"time"

	"admission-gateway/internal/store"
)

// DefaultStoreTimeout bounds every store round trip on the admission path.
const DefaultStoreTimeout = 250 * time.Millisecond

// Decision is the outcome of one TryAcquire call.
type Decision struct {
	Admitted  bool      `json:"admitted"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
	// FailOpen is set when the store could not be consulted and the request
	// was admitted without counting.
	FailOpen bool `json:"fail_open,omitempty"`
}

// SlidingWindowLimiter admits at most rule.Limit requests per identity inside
// any trailing rule.Window, counting against a shared store.
type SlidingWindowLimiter struct {
	store    store.CounterStore
	timeout  time.Duration
	failures *store.FailureReporter
}

// NewSlidingWindowLimiter creates a limiter. A zero timeout selects
// DefaultStoreTimeout and a nil reporter logs through the global logger.
func NewSlidingWindowLimiter(counterStore store.CounterStore, timeout time.Duration, failures *store.FailureReporter) *SlidingWindowLimiter {
	if timeout <= 0 {
		timeout = DefaultStoreTimeout
	}
	if failures == nil {
		failures = store.NewFailureReporter(nil)
	}
	return &SlidingWindowLimiter{
		store:    counterStore,
		timeout:  timeout,
		failures: failures,
	}
}

// WindowKey is the store key of the window log for identity under a rule window.
func WindowKey(identity string, window time.Duration) string {
	return fmt.Sprintf("window:%s:%d", identity, window.Milliseconds())
}

// TryAcquire evicts, counts and conditionally records one request. When the
// store is unreachable the request is admitted and the failure is reported.
func (l *SlidingWindowLimiter) TryAcquire(ctx context.Context, identity string, rule RateLimitRule, now time.Time) Decision {
	resetAt := now.Add(rule.Window)

	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	result, err := l.store.AcquireWindow(ctx, WindowKey(identity, rule.Window), rule.Limit, rule.Window, now)
	if err != nil {
		l.failures.Report("acquire_window", identity, err)
		return Decision{
			Admitted:  true,
			Remaining: max(rule.Limit-1, 0),
			ResetAt:   resetAt,
			FailOpen:  true,
		}
	}

	if !result.Admitted {
		return Decision{Admitted: false, Remaining: 0, ResetAt: resetAt}
	}

	return Decision{
		Admitted:  true,
		Remaining: max(rule.Limit-result.Count, 0),
		ResetAt:   resetAt,
	}
}

// StoreFailures returns the number of store failures seen by this limiter's reporter.
func (l *SlidingWindowLimiter) StoreFailures() int64 {
	return l.failures.Count()
}
