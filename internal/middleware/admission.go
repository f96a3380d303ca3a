package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"admission-gateway/internal/admission"
	"admission-gateway/internal/common/logging"
	"admission-gateway/internal/ratelimit"
)

// Checker is the part of admission.Gateway the middleware needs.
type Checker interface {
	Check(ctx context.Context, identity string, class ratelimit.CallerClass) (admission.Result, error)
	RecordOutcome(ctx context.Context, identity string, isError bool, responseTime time.Duration)
}

// ConnectionGauge tracks in-flight requests.
type ConnectionGauge interface {
	IncConnections()
	DecConnections()
}

type rejection struct {
	Error      string `json:"error"`
	Reason     string `json:"reason"`
	RetryAfter int    `json:"retry_after"`
}

// Admission rejects requests the gateway refuses with 429 and reports the
// outcome of admitted ones back to it. gauge may be nil.
func Admission(gateway Checker, resolver *IdentityResolver, gauge ConnectionGauge, logger logging.Logger) func(http.Handler) http.Handler {
	logger = logging.OrGlobal(logger)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if gauge != nil {
				gauge.IncConnections()
				defer gauge.DecConnections()
			}

			start := time.Now()
			identity := resolver.Resolve(r)

			result, err := gateway.Check(r.Context(), identity.Key, identity.Class)
			if err != nil {
				logger.Error("Admission check failed", err, logging.String("identity", identity.Key))
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "admission_failed"})
				return
			}

			setRateLimitHeaders(w, result)

			if !result.Allowed {
				retryAfter := result.RetryAfter(time.Now())
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				writeJSON(w, http.StatusTooManyRequests, rejection{
					Error:      "rate_limited",
					Reason:     result.Reason,
					RetryAfter: retryAfter,
				})
				return
			}

			ctx := context.WithValue(r.Context(), logging.IdentityKey, identity.Key)
			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapped, r.WithContext(ctx))

			gateway.RecordOutcome(context.WithoutCancel(ctx), identity.Key, wrapped.statusCode >= http.StatusBadRequest, time.Since(start))
		})
	}
}

func setRateLimitHeaders(w http.ResponseWriter, result admission.Result) {
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(result.EffectiveLimit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
	h.Set("X-RateLimit-Class", result.CallerClass.String())
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
