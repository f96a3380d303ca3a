package behavior

import (
	"admission-gateway/internal/store"

	"github.com/samber/lo"
)

const (
	// NeutralScore is given to identities without any recorded stats.
	NeutralScore = 0.5

	// DefaultErrorRatioThreshold is the error ratio above which a caller is halved.
	DefaultErrorRatioThreshold = 0.10

	errorPenalty     = 0.5
	abusePenaltyStep = 0.2
	abuseFloor       = 0.1
)

// ComputeScore derives a behavior score in [0,1] from stats. It has no side effects.
// A record without completed requests starts from NeutralScore, so abuse
// flags alone can only lower a caller below a new identity.
func ComputeScore(stats store.BehaviorStats, found bool, errorRatioThreshold float64) float64 {
	if !found {
		return NeutralScore
	}

	score := NeutralScore
	if stats.TotalRequests > 0 {
		score = 1.0
		ratio := float64(stats.ErrorCount) / float64(stats.TotalRequests)
		if ratio > errorRatioThreshold {
			score *= errorPenalty
		}
	}

	score *= max(abuseFloor, 1.0-float64(stats.AbuseCount)*abusePenaltyStep)

	return lo.Clamp(score, 0.0, 1.0)
}
