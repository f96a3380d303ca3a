package middleware

import (
	"net/http"

	"admission-gateway/internal/common/logging"
	"admission-gateway/internal/ratelimit"

	"github.com/samber/lo"
)

// RequireClass lets a request through only when the resolver places it in one
// of classes. Anonymous callers get 401, other classes 403.
func RequireClass(resolver *IdentityResolver, logger logging.Logger, classes ...ratelimit.CallerClass) func(http.Handler) http.Handler {
	logger = logging.OrGlobal(logger)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity := resolver.Resolve(r)
			if lo.Contains(classes, identity.Class) {
				next.ServeHTTP(w, r)
				return
			}

			logger.Warn("Operator route refused",
				logging.String("identity", identity.Key),
				logging.String("caller_class", identity.Class.String()),
				logging.String("path", r.URL.Path),
			)
			if identity.Class == ratelimit.Anonymous {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
				return
			}
			writeJSON(w, http.StatusForbidden, map[string]string{"error": "forbidden"})
		})
	}
}
