package behavior

import (
	"context"
	"time"

	"admission-gateway/internal/common/logging"
	"admission-gateway/internal/common/validation"
	"admission-gateway/internal/store"
)

// AbuseConfig configures an AbuseDetector.
type AbuseConfig struct {
	Window       time.Duration `json:"window" validate:"gt=0"`
	Threshold    int           `json:"threshold" validate:"min=1"`
	StoreTimeout time.Duration `json:"store_timeout" validate:"gt=0"`
}

// DefaultAbuseConfig vetoes the 51st request inside ten seconds.
func DefaultAbuseConfig() AbuseConfig {
	return AbuseConfig{
		Window:       10 * time.Second,
		Threshold:    50,
		StoreTimeout: 250 * time.Millisecond,
	}
}

// AbuseDetector is a short-window guard run after the main limiter admits.
// Its log is separate from the main window log of the identity.
type AbuseDetector struct {
	store    store.CounterStore
	tracker  *Tracker
	config   AbuseConfig
	failures *store.FailureReporter
	logger   logging.Logger
}

func NewAbuseDetector(counterStore store.CounterStore, tracker *Tracker, config AbuseConfig, failures *store.FailureReporter, logger logging.Logger) (*AbuseDetector, error) {
	if err := validation.ValidateStruct(config); err != nil {
		return nil, err
	}
	if failures == nil {
		failures = store.NewFailureReporter(logger)
	}
	return &AbuseDetector{
		store:    counterStore,
		tracker:  tracker,
		config:   config,
		failures: failures,
		logger:   logging.OrGlobal(logger),
	}, nil
}

// AbuseKey is the store key of the abuse log for identity.
func AbuseKey(identity string) string {
	return "abuse:" + identity
}

// Check records now for identity and reports whether it is allowed. Once the
// window already holds Threshold entries the call is vetoed and the identity's
// abuse counter is incremented.
func (d *AbuseDetector) Check(ctx context.Context, identity string, now time.Time) bool {
	storeCtx, cancel := context.WithTimeout(ctx, d.config.StoreTimeout)
	defer cancel()

	result, err := d.store.AcquireWindow(storeCtx, AbuseKey(identity), d.config.Threshold, d.config.Window, now)
	if err != nil {
		d.failures.Report("abuse_check", identity, err)
		return true
	}
	if result.Admitted {
		return true
	}

	d.tracker.RecordAbuse(ctx, identity)
	d.logger.Warn("Abuse detected, vetoing admission",
		logging.String("identity", identity),
		logging.Int("count", result.Count),
		logging.Duration("window", d.config.Window),
	)
	return false
}
