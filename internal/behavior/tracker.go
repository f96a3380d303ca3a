// Package behavior keeps per-identity reputation: rolling request stats, the
// score derived from them, and the short-window abuse guard that feeds them.
package behavior

import (
	"context"
	"time"

	"admission-gateway/internal/common/logging"
	"admission-gateway/internal/common/validation"
	"admission-gateway/internal/store"
)

// TrackerConfig configures a Tracker.
type TrackerConfig struct {
	StatsTTL            time.Duration `json:"stats_ttl" validate:"gt=0"`
	ErrorRatioThreshold float64       `json:"error_ratio_threshold" validate:"gte=0,lte=1"`
	StoreTimeout        time.Duration `json:"store_timeout" validate:"gt=0"`
}

// DefaultTrackerConfig keeps stats for a day and halves callers above 10% errors.
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		StatsTTL:            24 * time.Hour,
		ErrorRatioThreshold: DefaultErrorRatioThreshold,
		StoreTimeout:        250 * time.Millisecond,
	}
}

// Tracker records request outcomes per identity and scores callers from them.
type Tracker struct {
	store    store.CounterStore
	config   TrackerConfig
	failures *store.FailureReporter
	logger   logging.Logger
}

func NewTracker(counterStore store.CounterStore, config TrackerConfig, failures *store.FailureReporter, logger logging.Logger) (*Tracker, error) {
	if err := validation.ValidateStruct(config); err != nil {
		return nil, err
	}
	if failures == nil {
		failures = store.NewFailureReporter(logger)
	}
	return &Tracker{
		store:    counterStore,
		config:   config,
		failures: failures,
		logger:   logging.OrGlobal(logger),
	}, nil
}

// StatsKey is the store key of the stats record for identity.
func StatsKey(identity string) string {
	return "behavior:" + identity
}

// RecordOutcome counts one completed request and refreshes the record's expiry.
func (t *Tracker) RecordOutcome(ctx context.Context, identity string, isError bool, responseTimeMs int64) {
	delta := store.StatsDelta{
		Requests:           1,
		LastResponseTimeMs: &responseTimeMs,
	}
	if isError {
		delta.Errors = 1
	}
	t.update(ctx, "record_outcome", identity, delta)
}

// RecordAbuse increments the abuse counter of identity.
func (t *Tracker) RecordAbuse(ctx context.Context, identity string) {
	t.update(ctx, "record_abuse", identity, store.StatsDelta{Abuse: 1})
}

func (t *Tracker) update(ctx context.Context, operation, identity string, delta store.StatsDelta) {
	ctx, cancel := context.WithTimeout(ctx, t.config.StoreTimeout)
	defer cancel()

	if err := t.store.UpdateStats(ctx, StatsKey(identity), delta, t.config.StatsTTL); err != nil {
		t.failures.Report(operation, identity, err)
	}
}

// Stats returns the raw record for identity.
func (t *Tracker) Stats(ctx context.Context, identity string) (store.BehaviorStats, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, t.config.StoreTimeout)
	defer cancel()

	return t.store.GetStats(ctx, StatsKey(identity))
}

func (t *Tracker) ErrorRatioThreshold() float64 {
	return t.config.ErrorRatioThreshold
}

// Score returns the behavior score of identity. An unreachable store yields
// the neutral score.
func (t *Tracker) Score(ctx context.Context, identity string) float64 {
	stats, found, err := t.Stats(ctx, identity)
	if err != nil {
		t.failures.Report("get_stats", identity, err)
		return NeutralScore
	}

	score := ComputeScore(stats, found, t.config.ErrorRatioThreshold)
	t.logger.Debug("Computed behavior score",
		logging.String("identity", identity),
		logging.Float64("score", score),
	)
	return score
}
