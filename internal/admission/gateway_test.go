package admission

import (
	"context"
	"sync"
	"testing"
	"time"

	"admission-gateway/internal/adaptive"
	"admission-gateway/internal/behavior"
	"admission-gateway/internal/common/errors"
	"admission-gateway/internal/common/logging"
	"admission-gateway/internal/ratelimit"
	"admission-gateway/internal/redis"
	"admission-gateway/internal/store"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRules() map[ratelimit.CallerClass]ratelimit.RateLimitRule {
	rules := ratelimit.DefaultRules()
	rules[ratelimit.Anonymous] = ratelimit.RateLimitRule{Limit: 5, Window: 60 * time.Second, BurstLimit: 2, PenaltyMultiplier: 2}
	return rules
}

func newGateway(t *testing.T, counterStore store.CounterStore, load adaptive.LoadSource) *Gateway {
	g, err := New(Options{
		Rules:   testRules(),
		Store:   counterStore,
		Load:    load,
		Tracker: behavior.DefaultTrackerConfig(),
		Abuse:   behavior.DefaultAbuseConfig(),
		Logger:  logging.NewNopLogger(),
	})
	require.NoError(t, err)
	return g
}

func TestGateway_AdmitsThenRateLimits(t *testing.T) {
	g := newGateway(t, store.NewMemoryStore(time.Minute), nil)
	start := time.Now()
	g.now = func() time.Time { return start }
	ctx := context.Background()

	for _, want := range []int{4, 3, 2, 1, 0} {
		result, err := g.Check(ctx, "A", ratelimit.Anonymous)
		require.NoError(t, err)
		assert.True(t, result.Allowed)
		assert.Equal(t, want, result.Remaining)
		assert.Equal(t, 5, result.EffectiveLimit)
		assert.Equal(t, 5, result.Limit)
		assert.Equal(t, 2, result.Burst)
		assert.Equal(t, ratelimit.Anonymous, result.CallerClass)
	}

	result, err := g.Check(ctx, "A", ratelimit.Anonymous)
	require.NoError(t, err)
	assert.False(t, result.Allowed)
	assert.Equal(t, 0, result.Remaining)
	assert.Equal(t, ReasonRateLimited, result.Reason)
	assert.Equal(t, 60, result.RetryAfter(start))

	// another identity has its own window
	result, err = g.Check(ctx, "other", ratelimit.Anonymous)
	require.NoError(t, err)
	assert.True(t, result.Allowed)
}

func TestGateway_AbuseVeto(t *testing.T) {
	counterStore := store.NewMemoryStore(time.Minute)
	g, err := New(Options{
		Rules:   testRules(),
		Store:   counterStore,
		Tracker: behavior.DefaultTrackerConfig(),
		Abuse:   behavior.AbuseConfig{Window: 10 * time.Second, Threshold: 3},
		Logger:  logging.NewNopLogger(),
	})
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		result, err := g.Check(ctx, "B", ratelimit.Admin)
		require.NoError(t, err)
		require.True(t, result.Allowed)
	}

	result, err := g.Check(ctx, "B", ratelimit.Admin)
	require.NoError(t, err)
	assert.False(t, result.Allowed)
	assert.Equal(t, 0, result.Remaining)
	assert.Equal(t, ReasonAbuseDetected, result.Reason)

	stats, score, err := g.Stats(ctx, "B")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.AbuseCount)
	// no completed requests yet, so the flag lowers the neutral score
	assert.InDelta(t, 0.4, score, 1e-9)
}

func TestGateway_LoadShrinksLimits(t *testing.T) {
	g := newGateway(t, store.NewMemoryStore(time.Minute), adaptive.FixedLoad(0.5))

	result, err := g.Check(context.Background(), "C", ratelimit.Authenticated)
	require.NoError(t, err)
	assert.Equal(t, 300, result.Limit)
	assert.Equal(t, 150, result.EffectiveLimit)
	assert.Equal(t, 25, result.Burst)
	assert.Equal(t, 149, result.Remaining)
}

func TestGateway_BehaviorBiasesLimits(t *testing.T) {
	g := newGateway(t, store.NewMemoryStore(time.Minute), nil)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		g.RecordOutcome(ctx, "good", false, 15*time.Millisecond)
	}
	for i := 0; i < 10; i++ {
		g.RecordOutcome(ctx, "bad", true, 15*time.Millisecond)
	}
	for i := 0; i < 3; i++ {
		g.tracker.RecordAbuse(ctx, "bad")
	}

	good, err := g.Check(ctx, "good", ratelimit.Authenticated)
	require.NoError(t, err)
	assert.Equal(t, 360, good.EffectiveLimit)

	// 0.5 * 0.4 = 0.2, below the penalty threshold
	bad, err := g.Check(ctx, "bad", ratelimit.Authenticated)
	require.NoError(t, err)
	assert.Equal(t, 150, bad.EffectiveLimit)

	neutral, err := g.Check(ctx, "new", ratelimit.Authenticated)
	require.NoError(t, err)
	assert.Equal(t, 300, neutral.EffectiveLimit)
}

func TestGateway_UnknownClass(t *testing.T) {
	g := newGateway(t, store.NewMemoryStore(time.Minute), nil)

	_, err := g.Check(context.Background(), "D", ratelimit.CallerClass(77))
	assert.True(t, errors.IsType(err, errors.ErrTypeValidation))
}

func TestNew_InvalidRules(t *testing.T) {
	rules := testRules()
	rules[ratelimit.Premium] = ratelimit.RateLimitRule{Limit: 0, Window: time.Minute, PenaltyMultiplier: 1}

	_, err := New(Options{
		Rules:   rules,
		Store:   store.NewMemoryStore(time.Minute),
		Tracker: behavior.DefaultTrackerConfig(),
		Abuse:   behavior.DefaultAbuseConfig(),
	})
	assert.True(t, errors.IsType(err, errors.ErrTypeInvalidRule))
}

func newRedisBackedGateway(t *testing.T) (*Gateway, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client, err := redis.NewClient(&redis.Config{Address: mr.Addr()})
	require.NoError(t, err)

	g := newGateway(t, store.NewRedisStore(client, "admission:"), nil)
	t.Cleanup(func() { g.Close() })
	return g, mr
}

func TestGateway_RedisConcurrentChecks(t *testing.T) {
	g, _ := newRedisBackedGateway(t)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := g.Check(context.Background(), "shared", ratelimit.Anonymous)
			if err == nil && result.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, allowed)
}

func TestGateway_FailsOpenWhenStoreIsDown(t *testing.T) {
	g, mr := newRedisBackedGateway(t)
	ctx := context.Background()
	require.NoError(t, g.Health(ctx))

	mr.Close()

	for i := 0; i < 10; i++ {
		result, err := g.Check(ctx, "E", ratelimit.Anonymous)
		require.NoError(t, err)
		assert.True(t, result.Allowed)
		assert.True(t, result.FailOpen)
		assert.Equal(t, 4, result.Remaining)
	}

	assert.Error(t, g.Health(ctx))
	assert.Positive(t, g.StoreFailures())
}

type stopRecorder struct {
	stopped bool
}

func (s *stopRecorder) Stop() { s.stopped = true }

func TestGateway_Close(t *testing.T) {
	background := &stopRecorder{}
	g, err := New(Options{
		Rules:      testRules(),
		Store:      store.NewMemoryStore(time.Minute),
		Tracker:    behavior.DefaultTrackerConfig(),
		Abuse:      behavior.DefaultAbuseConfig(),
		Background: []Closer{background},
		Logger:     logging.NewNopLogger(),
	})
	require.NoError(t, err)

	require.NoError(t, g.Close())
	assert.True(t, background.stopped)
}

type failingCloseStore struct {
	store.CounterStore
}

func (failingCloseStore) Close() error { return assert.AnError }

func TestGateway_CloseReturnsStoreError(t *testing.T) {
	background := &stopRecorder{}
	g, err := New(Options{
		Rules:      testRules(),
		Store:      failingCloseStore{CounterStore: store.NewMemoryStore(time.Minute)},
		Tracker:    behavior.DefaultTrackerConfig(),
		Abuse:      behavior.DefaultAbuseConfig(),
		Background: []Closer{background},
		Logger:     logging.NewNopLogger(),
	})
	require.NoError(t, err)

	assert.ErrorIs(t, g.Close(), assert.AnError)
	assert.True(t, background.stopped)
}

func TestResult_RetryAfter(t *testing.T) {
	now := time.Now()

	assert.Equal(t, 60, Result{ResetAt: now.Add(60 * time.Second)}.RetryAfter(now))
	assert.Equal(t, 2, Result{ResetAt: now.Add(1100 * time.Millisecond)}.RetryAfter(now))
	assert.Equal(t, 1, Result{ResetAt: now.Add(-time.Second)}.RetryAfter(now))
}

// stalledStore holds every call until the caller's deadline expires.
type stalledStore struct{}

func (stalledStore) AcquireWindow(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (store.WindowResult, error) {
	<-ctx.Done()
	return store.WindowResult{}, ctx.Err()
}

func (stalledStore) UpdateStats(ctx context.Context, key string, delta store.StatsDelta, ttl time.Duration) error {
	<-ctx.Done()
	return ctx.Err()
}

func (stalledStore) GetStats(ctx context.Context, key string) (store.BehaviorStats, bool, error) {
	<-ctx.Done()
	return store.BehaviorStats{}, false, ctx.Err()
}

func (stalledStore) Health(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func (stalledStore) Close() error { return nil }

func TestGateway_FailsOpenOnStoreTimeout(t *testing.T) {
	timeout := 50 * time.Millisecond
	g, err := New(Options{
		Rules:        testRules(),
		Store:        stalledStore{},
		StoreTimeout: timeout,
		Tracker:      behavior.DefaultTrackerConfig(),
		Abuse:        behavior.DefaultAbuseConfig(),
		Logger:       logging.NewNopLogger(),
	})
	require.NoError(t, err)

	start := time.Now()
	result, err := g.Check(context.Background(), "H", ratelimit.Anonymous)
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.True(t, result.Allowed)
	assert.True(t, result.FailOpen)
	assert.Equal(t, 4, result.Remaining)
	// the score read, the window and the abuse guard each wait out one deadline
	assert.Less(t, elapsed, 3*timeout+time.Second)
	assert.Equal(t, int64(3), g.StoreFailures())
}
