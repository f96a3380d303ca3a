package circuitbreaker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"admission-gateway/internal/common/errors"
	"admission-gateway/internal/common/logging"
	"admission-gateway/internal/common/validation"
)

// Backend selects the breaker implementation a Manager creates.
type Backend string

const (
	BackendNative    Backend = "native"
	BackendGoBreaker Backend = "gobreaker"
)

// LatencyObserver receives the duration of every call that reached a dependency.
type LatencyObserver interface {
	ObserveLatency(d time.Duration)
}

// Manager owns one breaker per dependency name, created on first use.
type Manager struct {
	backend   Backend
	defaults  Config
	overrides map[string]Config
	observer  LatencyObserver
	logger    logging.Logger

	breakers map[string]Breaker
	mu       sync.RWMutex
}

// NewManager validates the default and per-dependency configs. observer may be nil.
func NewManager(backend Backend, defaults Config, overrides map[string]Config, observer LatencyObserver, logger logging.Logger) (*Manager, error) {
	switch backend {
	case BackendNative, BackendGoBreaker:
	case "":
		backend = BackendNative
	default:
		return nil, errors.ConfigError(fmt.Sprintf("unsupported circuit breaker backend: %s", backend))
	}

	if err := validation.ValidateStruct(defaults); err != nil {
		return nil, errors.ConfigError(fmt.Sprintf("default circuit breaker config: %v", err))
	}
	for name, config := range overrides {
		if err := validation.ValidateVar(name, "dependency_name"); err != nil {
			return nil, errors.ConfigError(fmt.Sprintf("circuit breaker name %q: %v", name, err))
		}
		if err := validation.ValidateStruct(config); err != nil {
			return nil, errors.ConfigError(fmt.Sprintf("circuit breaker config for %s: %v", name, err))
		}
	}

	return &Manager{
		backend:   backend,
		defaults:  defaults,
		overrides: overrides,
		observer:  observer,
		logger:    logging.OrGlobal(logger),
		breakers:  make(map[string]Breaker),
	}, nil
}

// GetOrCreate gets the breaker for name, creating it from its config on first use
func (m *Manager) GetOrCreate(name string) Breaker {
	m.mu.RLock()
	breaker, exists := m.breakers[name]
	m.mu.RUnlock()
	if exists {
		return breaker
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if breaker, exists := m.breakers[name]; exists {
		return breaker
	}

	config, ok := m.overrides[name]
	if !ok {
		config = m.defaults
	}

	if m.backend == BackendGoBreaker {
		breaker = NewGoBreaker(name, config, m.logStateChange)
	} else {
		breaker = New(name, config, m.logStateChange)
	}
	m.breakers[name] = breaker

	m.logger.Debug("Circuit breaker created",
		logging.String("dependency", name),
		logging.String("backend", string(m.backend)),
		logging.Int("failure_threshold", config.FailureThreshold),
		logging.Duration("recovery_timeout", config.RecoveryTimeout),
	)
	return breaker
}

func (m *Manager) logStateChange(name string, from, to State) {
	m.logger.Warn("Circuit breaker state change",
		logging.String("dependency", name),
		logging.String("from", from.String()),
		logging.String("to", to.String()),
	)
}

// Call runs fn through the breaker for dependency name. The caller's context
// is handed to fn unchanged.
func (m *Manager) Call(ctx context.Context, name string, fn Func) (interface{}, error) {
	breaker := m.GetOrCreate(name)

	start := time.Now()
	result, err := breaker.Call(ctx, fn)
	if m.observer != nil && !errors.IsType(err, errors.ErrTypeCircuitOpen) && ctx.Err() == nil {
		m.observer.ObserveLatency(time.Since(start))
	}
	return result, err
}

// Do is a typed form of Manager.Call.
func Do[T any](ctx context.Context, m *Manager, name string, fn func(ctx context.Context) (T, error)) (T, error) {
	result, err := m.Call(ctx, name, func(ctx context.Context) (interface{}, error) {
		return fn(ctx)
	})

	var zero T
	if result == nil {
		return zero, err
	}
	typed, ok := result.(T)
	if !ok {
		return zero, errors.InternalError(fmt.Sprintf("unexpected result type %T from %s", result, name), err)
	}
	return typed, err
}

// State reports the state of the breaker for name, if one exists.
func (m *Manager) State(name string) (State, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	breaker, exists := m.breakers[name]
	if !exists {
		return StateClosed, false
	}
	return breaker.State(), true
}

// AllStats returns statistics for all circuit breakers, ordered by name
func (m *Manager) AllStats() []Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := make([]Stats, 0, len(m.breakers))
	for _, breaker := range m.breakers {
		stats = append(stats, breaker.Stats())
	}
	sort.Slice(stats, func(i, j int) bool {
		return stats[i].Name < stats[j].Name
	})
	return stats
}

// Reset closes the breaker for name. It reports false when no such breaker exists.
func (m *Manager) Reset(name string) bool {
	m.mu.RLock()
	breaker, exists := m.breakers[name]
	m.mu.RUnlock()
	if !exists {
		return false
	}

	breaker.Reset()
	m.logger.Info("Circuit breaker reset", logging.String("dependency", name))
	return true
}
