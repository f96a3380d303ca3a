// Package admission is the single entry point the transport layer uses to
// decide whether a request may proceed.
package admission

import (
	"context"
	"math"
	"time"

	"admission-gateway/internal/adaptive"
	"admission-gateway/internal/behavior"
	"admission-gateway/internal/common/logging"
	"admission-gateway/internal/ratelimit"
	"admission-gateway/internal/store"
)

// Reasons a request was rejected.
const (
	ReasonRateLimited   = "rate_limited"
	ReasonAbuseDetected = "abuse_detected"
)

// Result is the admission decision for one request.
type Result struct {
	Allowed        bool                  `json:"allowed"`
	Remaining      int                   `json:"remaining"`
	ResetAt        time.Time             `json:"reset_at"`
	EffectiveLimit int                   `json:"effective_limit"`
	Limit          int                   `json:"limit"`
	Burst          int                   `json:"burst"`
	CallerClass    ratelimit.CallerClass `json:"caller_class"`
	Reason         string                `json:"reason,omitempty"`
	// FailOpen is set when the counter store was unreachable and the request
	// was admitted without being counted.
	FailOpen bool `json:"fail_open,omitempty"`
}

// RetryAfter returns the whole seconds until ResetAt, never less than one.
func (r Result) RetryAfter(now time.Time) int {
	seconds := int(math.Ceil(r.ResetAt.Sub(now).Seconds()))
	return max(seconds, 1)
}

// Closer is a background component stopped with the gateway.
type Closer interface {
	Stop()
}

// Gateway orchestrates the adaptive rule, the sliding window and the abuse guard.
type Gateway struct {
	controller *adaptive.Controller
	limiter    *ratelimit.SlidingWindowLimiter
	abuse      *behavior.AbuseDetector
	tracker    *behavior.Tracker
	store      store.CounterStore
	background []Closer
	failures   *store.FailureReporter
	logger     logging.Logger
	now        func() time.Time
}

// Options configures New.
type Options struct {
	Rules        map[ratelimit.CallerClass]ratelimit.RateLimitRule
	Store        store.CounterStore
	Load         adaptive.LoadSource
	StoreTimeout time.Duration
	Tracker      behavior.TrackerConfig
	Abuse        behavior.AbuseConfig
	// Background components are stopped by Close before the store is closed.
	Background []Closer
	Logger     logging.Logger
}

// New validates the rule table and assembles the admission pipeline around
// one counter store. Invalid rules abort construction.
func New(opts Options) (*Gateway, error) {
	logger := logging.OrGlobal(opts.Logger)
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = ratelimit.DefaultStoreTimeout
	}
	if opts.Load == nil {
		opts.Load = adaptive.FixedLoad(1.0)
	}

	catalog, err := ratelimit.NewRuleCatalog(opts.Rules)
	if err != nil {
		return nil, err
	}

	failures := store.NewFailureReporter(logger)

	trackerConfig := opts.Tracker
	trackerConfig.StoreTimeout = opts.StoreTimeout
	tracker, err := behavior.NewTracker(opts.Store, trackerConfig, failures, logger)
	if err != nil {
		return nil, err
	}

	abuseConfig := opts.Abuse
	abuseConfig.StoreTimeout = opts.StoreTimeout
	abuse, err := behavior.NewAbuseDetector(opts.Store, tracker, abuseConfig, failures, logger)
	if err != nil {
		return nil, err
	}

	return &Gateway{
		controller: adaptive.NewController(catalog, opts.Load, tracker, logger),
		limiter:    ratelimit.NewSlidingWindowLimiter(opts.Store, opts.StoreTimeout, failures),
		abuse:      abuse,
		tracker:    tracker,
		store:      opts.Store,
		background: opts.Background,
		failures:   failures,
		logger:     logger,
		now:        time.Now,
	}, nil
}

// StoreFailures returns how many store operations have failed open so far.
func (g *Gateway) StoreFailures() int64 {
	return g.failures.Count()
}

// Check decides whether identity may proceed under class. The only error is
// an unknown caller class; store trouble fails open.
func (g *Gateway) Check(ctx context.Context, identity string, class ratelimit.CallerClass) (Result, error) {
	now := g.now()

	rule, err := g.controller.EffectiveRule(ctx, identity, class, now)
	if err != nil {
		return Result{}, err
	}
	base, _ := g.controller.BaseRule(class)

	decision := g.limiter.TryAcquire(ctx, identity, rule, now)
	result := Result{
		Allowed:        decision.Admitted,
		Remaining:      decision.Remaining,
		ResetAt:        decision.ResetAt,
		EffectiveLimit: rule.Limit,
		Limit:          base.Limit,
		Burst:          rule.BurstLimit,
		CallerClass:    class,
		FailOpen:       decision.FailOpen,
	}

	if !decision.Admitted {
		result.Reason = ReasonRateLimited
		g.logger.WithContext(ctx).Info("Request rate limited",
			logging.String("identity", identity),
			logging.String("caller_class", class.String()),
			logging.Int("effective_limit", rule.Limit),
		)
		return result, nil
	}

	if !g.abuse.Check(ctx, identity, now) {
		result.Allowed = false
		result.Remaining = 0
		result.Reason = ReasonAbuseDetected
	}
	return result, nil
}

// RecordOutcome reports a completed request to the behavior tracker.
func (g *Gateway) RecordOutcome(ctx context.Context, identity string, isError bool, responseTime time.Duration) {
	g.tracker.RecordOutcome(ctx, identity, isError, responseTime.Milliseconds())
}

// Stats returns the behavior record and score of identity.
func (g *Gateway) Stats(ctx context.Context, identity string) (store.BehaviorStats, float64, error) {
	stats, found, err := g.tracker.Stats(ctx, identity)
	if err != nil {
		return store.BehaviorStats{}, behavior.NeutralScore, err
	}
	return stats, behavior.ComputeScore(stats, found, g.tracker.ErrorRatioThreshold()), nil
}

// Health reports whether the counter store is reachable.
func (g *Gateway) Health(ctx context.Context) error {
	return g.store.Health(ctx)
}

// Close stops background components and then closes the store.
func (g *Gateway) Close() error {
	for _, c := range g.background {
		c.Stop()
	}
	if g.store == nil {
		return nil
	}
	return g.store.Close()
}
