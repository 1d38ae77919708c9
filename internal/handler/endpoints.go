package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"request-guard/internal/csrf"
	"request-guard/internal/guard"
	"request-guard/internal/ratelimit"
)

const maxBodyBytes = 64 << 10

// Endpoint is one browser-facing mutation with its own checks and budget.
type Endpoint struct {
	Name    string
	Path    string
	Options guard.Options
	Limit   ratelimit.Config
}

var browserChecks = guard.Options{RequireCSRF: true, RequireJSON: true}

// Endpoints lists the protected mutations. Writes that create content or
// reach people fail closed; telemetry fails open.
var Endpoints = []Endpoint{
	{
		Name:    "submissions",
		Path:    "/submissions",
		Options: browserChecks,
		Limit:   ratelimit.Config{Limit: 5, Window: 10 * time.Minute, OnStoreError: ratelimit.FailClosed},
	},
	{
		Name:    "votes",
		Path:    "/votes",
		Options: browserChecks,
		Limit:   ratelimit.Config{Limit: 30, Window: time.Minute, OnStoreError: ratelimit.FailClosed},
	},
	{
		Name:    "newsletter",
		Path:    "/newsletter",
		Options: browserChecks,
		Limit:   ratelimit.Config{Limit: 3, Window: time.Hour, OnStoreError: ratelimit.FailClosed},
	},
	{
		Name:    "admin_reviews",
		Path:    "/admin/reviews",
		Options: browserChecks,
		Limit:   ratelimit.Config{Limit: 60, Window: time.Minute, OnStoreError: ratelimit.FailClosed},
	},
	{
		Name:    "telemetry",
		Path:    "/telemetry",
		Options: guard.Options{RequireJSON: true},
		Limit:   ratelimit.Config{Limit: 120, Window: time.Minute, OnStoreError: ratelimit.FailOpen},
	},
}

// CronLimit applies per job, not per caller.
var CronLimit = ratelimit.Config{Limit: 10, Window: time.Minute, OnStoreError: ratelimit.FailClosed}

func cronJobKey(r *http.Request) string {
	return chi.URLParam(r, "job")
}

// csrfToken returns the token the issuer middleware placed on this response.
func csrfToken(w http.ResponseWriter, r *http.Request) {
	token := csrf.TokenFromContext(r.Context())
	if token == "" {
		guard.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "service unavailable"})
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	guard.WriteJSON(w, http.StatusOK, map[string]string{"token": token})
}

// accepted stands in for the business handler behind a guarded route. A
// non-empty body must be a single JSON value.
func accepted(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.ContentLength != 0 {
			var body json.RawMessage
			err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body)
			var tooLarge *http.MaxBytesError
			switch {
			case errors.As(err, &tooLarge):
				guard.WriteJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "request body too large"})
				return
			case err != nil:
				guard.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json body"})
				return
			}
		}
		zap.L().Debug("Accepted mutation", zap.String("endpoint", name))
		guard.WriteJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
	}
}

// cronAccepted acknowledges a signed job trigger. The signature covers only
// method and path, so any body is ignored.
func cronAccepted(w http.ResponseWriter, r *http.Request) {
	job := chi.URLParam(r, "job")
	zap.L().Info("Cron job triggered", zap.String("job", job))
	guard.WriteJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "job": job})
}
