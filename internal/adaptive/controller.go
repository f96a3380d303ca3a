// Package adaptive turns a caller class into the rule actually enforced for
// one request, scaled by system load and the caller's behavior score.
package adaptive

import (
	"context"
	"math"
	"time"

	"admission-gateway/internal/common/logging"
	"admission-gateway/internal/ratelimit"
)

const (
	rewardThreshold  = 0.8
	penaltyThreshold = 0.3
	rewardFactor     = 1.2
	penaltyFactor    = 0.5

	// epsilon absorbs float error so that e.g. 10*0.7 floors to 7, not 6
	epsilon = 1e-9
)

// LoadSource publishes the process-wide load factor.
type LoadSource interface {
	CurrentLoadFactor() float64
}

// FixedLoad is a LoadSource that never changes.
type FixedLoad float64

func (f FixedLoad) CurrentLoadFactor() float64 {
	return float64(f)
}

// ScoreSource scores a caller identity in [0,1].
type ScoreSource interface {
	Score(ctx context.Context, identity string) float64
}

// Controller computes effective rules. It holds no mutable state of its own.
type Controller struct {
	catalog *ratelimit.RuleCatalog
	load    LoadSource
	scores  ScoreSource
	logger  logging.Logger
}

func NewController(catalog *ratelimit.RuleCatalog, load LoadSource, scores ScoreSource, logger logging.Logger) *Controller {
	return &Controller{
		catalog: catalog,
		load:    load,
		scores:  scores,
		logger:  logging.OrGlobal(logger),
	}
}

// EffectiveRule returns the base rule of class scaled for identity at now.
// Window and penalty multiplier are carried over unchanged.
func (c *Controller) EffectiveRule(ctx context.Context, identity string, class ratelimit.CallerClass, now time.Time) (ratelimit.RateLimitRule, error) {
	base, err := c.catalog.Rule(class)
	if err != nil {
		return ratelimit.RateLimitRule{}, err
	}

	loadFactor := c.load.CurrentLoadFactor()
	score := c.scores.Score(ctx, identity)
	rule := Adjust(base, loadFactor, score)

	if rule.Limit != base.Limit {
		c.logger.Debug("Adjusted rate limit",
			logging.String("identity", identity),
			logging.String("caller_class", class.String()),
			logging.Int("base_limit", base.Limit),
			logging.Int("effective_limit", rule.Limit),
			logging.Float64("load_factor", loadFactor),
			logging.Float64("behavior_score", score),
			logging.Time("at", now),
		)
	}
	return rule, nil
}

// BaseRule returns the unadjusted catalog rule of class.
func (c *Controller) BaseRule(class ratelimit.CallerClass) (ratelimit.RateLimitRule, error) {
	return c.catalog.Rule(class)
}

// Adjust is the pure scaling step behind EffectiveRule.
func Adjust(base ratelimit.RateLimitRule, loadFactor, score float64) ratelimit.RateLimitRule {
	limit := scale(base.Limit, loadFactor)
	burst := scale(base.BurstLimit, loadFactor)

	switch {
	case score > rewardThreshold:
		limit = scale(limit, rewardFactor)
		burst = scale(burst, rewardFactor)
	case score < penaltyThreshold:
		limit = scale(limit, penaltyFactor)
		burst = scale(burst, penaltyFactor)
	}

	return ratelimit.RateLimitRule{
		Limit:             max(limit, 1),
		Window:            base.Window,
		BurstLimit:        max(burst, 1),
		PenaltyMultiplier: base.PenaltyMultiplier,
	}
}

func scale(value int, factor float64) int {
	return int(math.Floor(float64(value)*factor + epsilon))
}
