package store

import (
	"time"

	"admission-gateway/internal/common/logging"

	"go.uber.org/atomic"
	"golang.org/x/time/rate"
)

// FailureReporter records store outages seen on the admission path. Every
// occurrence is counted; the warning log is limited to one per second.
type FailureReporter struct {
	logger    logging.Logger
	sometimes rate.Sometimes
	count     atomic.Int64
}

func NewFailureReporter(logger logging.Logger) *FailureReporter {
	return &FailureReporter{
		logger:    logging.OrGlobal(logger),
		sometimes: rate.Sometimes{Interval: time.Second},
	}
}

// Report counts a failed store operation and, unless throttled, logs it.
func (f *FailureReporter) Report(operation, identity string, err error) {
	total := f.count.Inc()
	f.sometimes.Do(func() {
		f.logger.Warn("Counter store unavailable, failing open",
			logging.String("event", "store_unavailable"),
			logging.String("operation", operation),
			logging.String("identity", identity),
			logging.Err(err),
			logging.Field{Key: "total_failures", Value: total},
		)
	})
}

// Count returns the number of failures reported so far.
func (f *FailureReporter) Count() int64 {
	return f.count.Load()
}
