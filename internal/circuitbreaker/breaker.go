package circuitbreaker

import (
	"context"
	"sync"
	"time"

	"admission-gateway/internal/common/errors"
)

// CircuitBreaker is the native state machine. All transitions and the
// failure counter share one mutex.
type CircuitBreaker struct {
	name          string
	config        Config
	now           func() time.Time
	onStateChange StateChangeFunc

	mu            sync.Mutex
	state         State
	generation    uint64
	failureCount  int
	lastFailureAt time.Time
	probeInFlight bool
}

// New creates a closed breaker. onStateChange may be nil.
func New(name string, config Config, onStateChange StateChangeFunc) *CircuitBreaker {
	return &CircuitBreaker{
		name:          name,
		config:        config,
		now:           time.Now,
		onStateChange: onStateChange,
		state:         StateClosed,
	}
}

type transition struct {
	from, to State
}

// ticket identifies an admitted call. Outcomes of calls admitted under an
// earlier generation are discarded.
type ticket struct {
	probe      bool
	generation uint64
}

// Call runs fn unless the circuit is open. While half-open exactly one
// caller probes; concurrent callers fail fast until the probe completes.
func (cb *CircuitBreaker) Call(ctx context.Context, fn Func) (interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t, allowed, change := cb.admit()
	cb.notify(change)
	if !allowed {
		return nil, errors.CircuitOpenError(cb.name)
	}

	result, err := fn(ctx)
	cb.notify(cb.record(t, err))
	return result, err
}

func (cb *CircuitBreaker) admit() (t ticket, allowed bool, change *transition) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return ticket{generation: cb.generation}, true, nil
	case StateOpen:
		if cb.now().Sub(cb.lastFailureAt) < cb.config.RecoveryTimeout {
			return ticket{}, false, nil
		}
		change = cb.setState(StateHalfOpen)
		cb.probeInFlight = true
		return ticket{probe: true, generation: cb.generation}, true, change
	default:
		if cb.probeInFlight {
			return ticket{}, false, nil
		}
		cb.probeInFlight = true
		return ticket{probe: true, generation: cb.generation}, true, nil
	}
}

// record applies the outcome of a call. Errors the predicate ignores leave the
// state untouched, and a half-open breaker waits for the next probe.
func (cb *CircuitBreaker) record(t ticket, err error) *transition {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if t.generation != cb.generation {
		return nil
	}
	if t.probe {
		cb.probeInFlight = false
	}

	switch {
	case err == nil:
		cb.failureCount = 0
		return cb.setState(StateClosed)
	case cb.config.isFailure(err):
		cb.failureCount++
		cb.lastFailureAt = cb.now()
		if cb.state == StateHalfOpen || cb.failureCount >= cb.config.FailureThreshold {
			return cb.setState(StateOpen)
		}
		return nil
	default:
		return nil
	}
}

func (cb *CircuitBreaker) setState(state State) *transition {
	if cb.state == state {
		return nil
	}
	change := &transition{from: cb.state, to: state}
	cb.state = state
	cb.generation++
	return change
}

func (cb *CircuitBreaker) notify(change *transition) {
	if change != nil && cb.onStateChange != nil {
		cb.onStateChange(cb.name, change.from, change.to)
	}
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	stats := Stats{
		Name:         cb.name,
		State:        cb.state.String(),
		FailureCount: cb.failureCount,
	}
	if !cb.lastFailureAt.IsZero() {
		lastFailure := cb.lastFailureAt
		stats.LastFailureAt = &lastFailure
	}
	return stats
}

// Reset forces the breaker closed and clears its failure count.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	change := cb.setState(StateClosed)
	cb.failureCount = 0
	cb.probeInFlight = false
	cb.mu.Unlock()

	cb.notify(change)
}
