// Package circuitbreaker guards calls to downstream dependencies so that a
// failing dependency is not hammered while it recovers.
//
// Breaker state is process-local. Instances of a fleet each observe their
// dependencies independently and converge only as each sees the same failures.
package circuitbreaker

import (
	"context"
	stderrors "errors"
	"time"

	"admission-gateway/internal/common/errors"
)

// State represents the current state of a circuit breaker
type State int

const (
	// StateClosed lets every call through
	StateClosed State = iota
	// StateOpen rejects calls until the recovery timeout has elapsed
	StateOpen
	// StateHalfOpen lets a single probe through
	StateHalfOpen
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

// Func is the guarded call. It receives the caller's context.
type Func func(ctx context.Context) (interface{}, error)

// Config holds the configuration for a circuit breaker
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens the circuit
	FailureThreshold int `json:"failure_threshold" validate:"min=1"`
	// RecoveryTimeout is how long the circuit stays open after the last failure
	RecoveryTimeout time.Duration `json:"recovery_timeout" validate:"gt=0"`
	// IsFailure decides which errors count against the dependency. Nil selects DefaultIsFailure.
	IsFailure func(error) bool `json:"-"`
}

// DefaultConfig opens after five failures and probes again after a minute.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
	}
}

func (c Config) isFailure(err error) bool {
	if err == nil {
		return false
	}
	if c.IsFailure != nil {
		return c.IsFailure(err)
	}
	return DefaultIsFailure(err)
}

// DefaultIsFailure counts every error except caller cancellation and
// validation errors, which say nothing about the dependency's health.
func DefaultIsFailure(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, context.Canceled) {
		return false
	}
	if errors.IsType(err, errors.ErrTypeValidation) {
		return false
	}
	return true
}

// Stats is a point-in-time view of one breaker.
type Stats struct {
	Name          string     `json:"name"`
	State         string     `json:"state"`
	FailureCount  int        `json:"failure_count"`
	LastFailureAt *time.Time `json:"last_failure_at,omitempty"`
}

// Breaker is implemented by the native state machine and the gobreaker backend.
type Breaker interface {
	Call(ctx context.Context, fn Func) (interface{}, error)
	State() State
	Stats() Stats
	Reset()
}

// StateChangeFunc is notified after a breaker changes state.
type StateChangeFunc func(name string, from, to State)
