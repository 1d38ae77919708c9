package guard

import (
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"request-guard/internal/ratelimit"
)

// KeyFunc derives the limiter key suffix for a request.
type KeyFunc func(r *http.Request) string

// RateLimit consumes one permit per request under endpoint's own config.
// The key is endpoint + ":" + key(r); a nil key uses the client IP.
func (g *Guard) RateLimit(limiter *ratelimit.Limiter, endpoint string, cfg ratelimit.Config, key KeyFunc) func(http.Handler) http.Handler {
	if key == nil {
		key = g.ClientIP
	}
	limit := strconv.FormatInt(max(cfg.Limit, 1), 10)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			res := limiter.Take(r.Context(), endpoint+":"+key(r), cfg)
			if g.recorder != nil {
				g.recorder.RecordRateLimit(endpoint, res.Allowed)
			}

			w.Header().Set("X-RateLimit-Limit", limit)
			w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(res.Remaining, 10))
			if !res.Allowed {
				g.logger.Debug("Rate limited",
					zap.String("endpoint", endpoint),
					zap.String("path", r.URL.Path),
					zap.Int64("retry_after", res.RetryAfter))
				WriteError(w, errTooManyRequests(res.RetryAfter))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
