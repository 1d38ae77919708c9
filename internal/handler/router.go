package handler

import (
	"context"
	"net/http"
	"time"

	"request-guard/internal/csrf"
	"request-guard/internal/guard"
	"request-guard/internal/ratelimit"
	"request-guard/internal/util"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

// HealthFunc reports per-component status and whether every backend in use
// answered.
type HealthFunc func(ctx context.Context) (report map[string]string, healthy bool)

// Deps are the collaborators the router wires together. Issuer is nil when
// no CSRF secret is available.
type Deps struct {
	Guard          *guard.Guard
	Limiter        *ratelimit.Limiter
	Issuer         *csrf.Issuer
	Metrics        http.Handler
	AllowedOrigins []string
	Health         HealthFunc
	Logger         *zap.Logger
}

// NewRouter creates and configures the Chi router with all middleware and routes
func NewRouter(d Deps) chi.Router {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := chi.NewRouter()

	// Middleware stack
	router.Use(middleware.RequestID)
	router.Use(LoggerMiddleware(logger))
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(30 * time.Second))

	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   d.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", csrf.HeaderName},
		ExposedHeaders:   []string{"Retry-After", "X-RateLimit-Limit", "X-RateLimit-Remaining"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		body := map[string]string{"status": "healthy", "service": "request-guard"}
		status := http.StatusOK
		if d.Health != nil {
			report, healthy := d.Health(r.Context())
			for k, v := range report {
				body[k] = v
			}
			if !healthy {
				body["status"] = "degraded"
				status = http.StatusServiceUnavailable
			}
		}
		guard.WriteJSON(w, status, body)
	})

	if d.Metrics != nil {
		router.Method(http.MethodGet, "/metrics", d.Metrics)
	}

	router.Route("/api", func(r chi.Router) {
		// Browser routes: every response carries a session and a usable token.
		r.Group(func(r chi.Router) {
			if d.Issuer != nil {
				r.Use(d.Issuer.Middleware)
			}
			r.Get("/csrf", csrfToken)
			for _, ep := range Endpoints {
				r.With(
					d.Guard.Protect(ep.Options),
					d.Guard.RateLimit(d.Limiter, ep.Name, ep.Limit, nil),
				).Post(ep.Path, accepted(ep.Name))
			}
		})

		// Automated callers authenticate with a signature instead of CSRF.
		r.With(
			d.Guard.Cron,
			d.Guard.RateLimit(d.Limiter, "cron", CronLimit, cronJobKey),
		).Post("/cron/{job}", cronAccepted)
	})

	router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		guard.WriteJSON(w, http.StatusNotFound, map[string]string{"error": "endpoint not found"})
	})

	router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		guard.WriteJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
	})

	return router
}

// LoggerMiddleware creates a middleware that logs HTTP requests
func LoggerMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			defer func() {
				logger.Info("HTTP request",
					util.String("method", r.Method),
					util.String("path", r.URL.Path),
					util.String("request_id", middleware.GetReqID(r.Context())),
					util.Int("status", ww.Status()),
					util.Duration("duration", time.Since(start)),
					util.String("user_agent", r.UserAgent()),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
