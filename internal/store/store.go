// Package store holds the counter state shared by every admission decision.
//
// Window logs and behavior stats live behind CounterStore so the same engine
// runs against redis in a fleet or against process memory on a single node.
package store

import (
	"context"
	"time"
)

// CounterStore is the shared state backing window logs and behavior stats.
// Every method is safe for concurrent use.
type CounterStore interface {
	// AcquireWindow evicts entries of key at or before now-window, counts the
	// rest and records now only when the count is below limit. The three steps
	// are one atomic unit per key.
	AcquireWindow(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (WindowResult, error)
	// UpdateStats applies delta to the stats record at key and refreshes its ttl.
	UpdateStats(ctx context.Context, key string, delta StatsDelta, ttl time.Duration) error
	// GetStats reads the stats record at key. found is false when no record exists.
	GetStats(ctx context.Context, key string) (stats BehaviorStats, found bool, err error)
	Health(ctx context.Context) error
	Close() error
}

// WindowResult is the outcome of one acquire step.
type WindowResult struct {
	Admitted bool
	// Count is the number of live entries after the step.
	Count int
}

// BehaviorStats is the rolling per-identity record.
type BehaviorStats struct {
	TotalRequests      int64 `json:"total_requests"`
	ErrorCount         int64 `json:"error_count"`
	AbuseCount         int64 `json:"abuse_count"`
	LastResponseTimeMs int64 `json:"last_response_time_ms"`
}

// StatsDelta describes one mutation of a BehaviorStats record.
type StatsDelta struct {
	Requests int64
	Errors   int64
	Abuse    int64
	// LastResponseTimeMs overwrites the stored value when set.
	LastResponseTimeMs *int64
}

func (s *BehaviorStats) apply(delta StatsDelta) {
	s.TotalRequests += delta.Requests
	s.ErrorCount += delta.Errors
	s.AbuseCount += delta.Abuse
	if delta.LastResponseTimeMs != nil {
		s.LastResponseTimeMs = *delta.LastResponseTimeMs
	}
}
