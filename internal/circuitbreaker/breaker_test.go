package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	apperrors "admission-gateway/internal/common/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errDownstream = errors.New("downstream unavailable")

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestBreaker(threshold int, timeout time.Duration) (*CircuitBreaker, *fakeClock) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	cb := New("payments", Config{FailureThreshold: threshold, RecoveryTimeout: timeout}, nil)
	cb.now = clock.Now
	return cb, clock
}

func failing(ctx context.Context) (interface{}, error)    { return nil, errDownstream }
func succeeding(ctx context.Context) (interface{}, error) { return "ok", nil }

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb, _ := newTestBreaker(5, time.Minute)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := cb.Call(ctx, failing)
		assert.ErrorIs(t, err, errDownstream)
		assert.Equal(t, StateClosed, cb.State())
	}

	_, err := cb.Call(ctx, failing)
	assert.ErrorIs(t, err, errDownstream)
	assert.Equal(t, StateOpen, cb.State())
	assert.Equal(t, 5, cb.Stats().FailureCount)
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb, _ := newTestBreaker(3, time.Minute)
	ctx := context.Background()

	cb.Call(ctx, failing)
	cb.Call(ctx, failing)
	result, err := cb.Call(ctx, succeeding)
	require.NoError(t, err)
	assert.Equal(t, "ok", result)

	cb.Call(ctx, failing)
	cb.Call(ctx, failing)
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, 2, cb.Stats().FailureCount)
}

func TestCircuitBreaker_FailsFastWhileOpen(t *testing.T) {
	cb, clock := newTestBreaker(2, time.Minute)
	ctx := context.Background()
	cb.Call(ctx, failing)
	cb.Call(ctx, failing)

	clock.Advance(59 * time.Second)

	var invoked atomic.Int32
	_, err := cb.Call(ctx, func(ctx context.Context) (interface{}, error) {
		invoked.Add(1)
		return nil, nil
	})

	assert.True(t, apperrors.IsType(err, apperrors.ErrTypeCircuitOpen))
	assert.Contains(t, err.Error(), "payments")
	assert.Equal(t, int32(0), invoked.Load())
	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreaker_HalfOpenProbeSucceeds(t *testing.T) {
	cb, clock := newTestBreaker(2, time.Minute)
	ctx := context.Background()
	cb.Call(ctx, failing)
	cb.Call(ctx, failing)
	clock.Advance(time.Minute)

	var invoked atomic.Int32
	_, err := cb.Call(ctx, func(ctx context.Context) (interface{}, error) {
		invoked.Add(1)
		return nil, nil
	})

	require.NoError(t, err)
	assert.Equal(t, int32(1), invoked.Load())
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, 0, cb.Stats().FailureCount)
}

func TestCircuitBreaker_HalfOpenProbeFails(t *testing.T) {
	cb, clock := newTestBreaker(2, time.Minute)
	ctx := context.Background()
	cb.Call(ctx, failing)
	cb.Call(ctx, failing)
	clock.Advance(2 * time.Minute)

	var invoked atomic.Int32
	_, err := cb.Call(ctx, func(ctx context.Context) (interface{}, error) {
		invoked.Add(1)
		return nil, errDownstream
	})
	assert.ErrorIs(t, err, errDownstream)
	assert.Equal(t, int32(1), invoked.Load())
	assert.Equal(t, StateOpen, cb.State())

	// the recovery timeout restarts from the failed probe
	clock.Advance(30 * time.Second)
	_, err = cb.Call(ctx, succeeding)
	assert.True(t, apperrors.IsType(err, apperrors.ErrTypeCircuitOpen))
}

func TestCircuitBreaker_SingleProbeUnderConcurrency(t *testing.T) {
	cb, clock := newTestBreaker(1, time.Minute)
	ctx := context.Background()
	cb.Call(ctx, failing)
	clock.Advance(time.Minute)

	release := make(chan struct{})
	probeStarted := make(chan struct{})
	var invoked atomic.Int32

	done := make(chan error, 1)
	go func() {
		_, err := cb.Call(ctx, func(ctx context.Context) (interface{}, error) {
			invoked.Add(1)
			close(probeStarted)
			<-release
			return nil, nil
		})
		done <- err
	}()
	<-probeStarted

	assert.Equal(t, StateHalfOpen, cb.State())
	for i := 0; i < 10; i++ {
		_, err := cb.Call(ctx, succeeding)
		assert.True(t, apperrors.IsType(err, apperrors.ErrTypeCircuitOpen))
	}

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, int32(1), invoked.Load())
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_IgnoredErrorsDoNotCount(t *testing.T) {
	cb, _ := newTestBreaker(2, time.Minute)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := cb.Call(ctx, func(ctx context.Context) (interface{}, error) {
			return nil, apperrors.ValidationError("bad request")
		})
		assert.Error(t, err)
	}
	_, err := cb.Call(ctx, func(ctx context.Context) (interface{}, error) {
		return nil, context.Canceled
	})
	assert.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, 0, cb.Stats().FailureCount)
}

func TestCircuitBreaker_CustomPredicate(t *testing.T) {
	onlyTimeouts := func(err error) bool {
		return apperrors.IsType(err, apperrors.ErrTypeTimeout)
	}
	cb := New("email", Config{FailureThreshold: 1, RecoveryTimeout: time.Minute, IsFailure: onlyTimeouts}, nil)
	ctx := context.Background()

	cb.Call(ctx, failing)
	assert.Equal(t, StateClosed, cb.State())

	cb.Call(ctx, func(ctx context.Context) (interface{}, error) {
		return nil, apperrors.TimeoutError("send", context.DeadlineExceeded)
	})
	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreaker_ContextPropagation(t *testing.T) {
	cb, _ := newTestBreaker(3, time.Minute)

	type key struct{}
	ctx := context.WithValue(context.Background(), key{}, "trace-1")

	var seen interface{}
	_, err := cb.Call(ctx, func(ctx context.Context) (interface{}, error) {
		seen = ctx.Value(key{})
		return nil, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "trace-1", seen)

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = cb.Call(cancelled, func(ctx context.Context) (interface{}, error) {
		t.Fatal("must not be invoked with a cancelled context")
		return nil, nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCircuitBreaker_StateChangeNotifications(t *testing.T) {
	var (
		mu          sync.Mutex
		transitions []string
	)
	cb := New("search", Config{FailureThreshold: 1, RecoveryTimeout: time.Minute}, func(name string, from, to State) {
		mu.Lock()
		defer mu.Unlock()
		transitions = append(transitions, name+":"+from.String()+"->"+to.String())
	})
	clock := &fakeClock{now: time.Now()}
	cb.now = clock.Now
	ctx := context.Background()

	cb.Call(ctx, failing)
	clock.Advance(time.Minute)
	cb.Call(ctx, succeeding)
	cb.Call(ctx, failing)
	cb.Reset()

	assert.Equal(t, []string{
		"search:closed->open",
		"search:open->half-open",
		"search:half-open->closed",
		"search:closed->open",
		"search:open->closed",
	}, transitions)
}

func TestCircuitBreaker_StaleOutcomeIgnoredAfterReset(t *testing.T) {
	cb, _ := newTestBreaker(1, time.Minute)
	ctx := context.Background()

	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		cb.Call(ctx, func(ctx context.Context) (interface{}, error) {
			close(started)
			<-release
			return nil, errDownstream
		})
	}()
	<-started

	cb.Call(ctx, failing)
	assert.Equal(t, StateOpen, cb.State())
	cb.Reset()

	close(release)
	<-done
	assert.Equal(t, StateClosed, cb.State())
}

// Breaker state lives in each process. Two instances guarding the same
// dependency do not share failures; this is an accepted gap, not a defect.
func TestCircuitBreaker_StateIsProcessLocal(t *testing.T) {
	instanceA, _ := newTestBreaker(2, time.Minute)
	instanceB, _ := newTestBreaker(2, time.Minute)
	ctx := context.Background()

	instanceA.Call(ctx, failing)
	instanceA.Call(ctx, failing)

	assert.Equal(t, StateOpen, instanceA.State())
	assert.Equal(t, StateClosed, instanceB.State())

	_, err := instanceB.Call(ctx, succeeding)
	assert.NoError(t, err)
}
