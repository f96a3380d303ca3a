package circuitbreaker

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"admission-gateway/internal/common/errors"

	"github.com/sony/gobreaker"
)

// GoBreakerAdapter runs the same contract on top of Sony's gobreaker. Errors
// ignored by the predicate count as successes here, unlike the native breaker.
//
// gobreaker clears its counts on every state change, so the consecutive
// failure count reported by Stats is kept here.
type GoBreakerAdapter struct {
	name     string
	settings gobreaker.Settings
	config   Config

	mu            sync.RWMutex
	breaker       *gobreaker.CircuitBreaker
	failures      int
	lastFailureAt time.Time
}

// NewGoBreaker creates a gobreaker-backed breaker. onStateChange may be nil.
func NewGoBreaker(name string, config Config, onStateChange StateChangeFunc) *GoBreakerAdapter {
	threshold := uint32(config.FailureThreshold)

	settings := gobreaker.Settings{
		Name: name,
		// one probe in half-open; one success closes the circuit
		MaxRequests: 1,
		Timeout:     config.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return !config.isFailure(err)
		},
	}
	if onStateChange != nil {
		settings.OnStateChange = func(name string, from, to gobreaker.State) {
			onStateChange(name, fromGoBreakerState(from), fromGoBreakerState(to))
		}
	}

	return &GoBreakerAdapter{
		name:     name,
		settings: settings,
		config:   config,
		breaker:  gobreaker.NewCircuitBreaker(settings),
	}
}

func (g *GoBreakerAdapter) current() *gobreaker.CircuitBreaker {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.breaker
}

func (g *GoBreakerAdapter) Call(ctx context.Context, fn Func) (interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	breaker := g.current()
	result, err := breaker.Execute(func() (interface{}, error) {
		return fn(ctx)
	})

	if stderrors.Is(err, gobreaker.ErrOpenState) || stderrors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, errors.CircuitOpenError(g.name)
	}

	g.mu.Lock()
	// outcomes of calls started before a Reset belong to the discarded breaker
	if breaker == g.breaker {
		if g.config.isFailure(err) {
			g.failures++
			g.lastFailureAt = time.Now()
		} else {
			g.failures = 0
		}
	}
	g.mu.Unlock()
	return result, err
}

func (g *GoBreakerAdapter) State() State {
	return fromGoBreakerState(g.current().State())
}

func (g *GoBreakerAdapter) Stats() Stats {
	breaker := g.current()

	stats := Stats{
		Name:  g.name,
		State: fromGoBreakerState(breaker.State()).String(),
	}

	g.mu.RLock()
	stats.FailureCount = g.failures
	if !g.lastFailureAt.IsZero() {
		lastFailure := g.lastFailureAt
		stats.LastFailureAt = &lastFailure
	}
	g.mu.RUnlock()

	return stats
}

// Reset replaces the underlying breaker since gobreaker has no reset of its own.
func (g *GoBreakerAdapter) Reset() {
	g.mu.Lock()
	from := fromGoBreakerState(g.breaker.State())
	g.breaker = gobreaker.NewCircuitBreaker(g.settings)
	g.failures = 0
	g.mu.Unlock()

	if from != StateClosed && g.settings.OnStateChange != nil {
		g.settings.OnStateChange(g.name, toGoBreakerState(from), gobreaker.StateClosed)
	}
}

func fromGoBreakerState(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

func toGoBreakerState(s State) gobreaker.State {
	switch s {
	case StateOpen:
		return gobreaker.StateOpen
	case StateHalfOpen:
		return gobreaker.StateHalfOpen
	default:
		return gobreaker.StateClosed
	}
}
