// Package guard is the composition point for state-changing requests: it
// checks the origin, the content type and the CSRF token before a handler
// runs, and authenticates signed cron requests.
package guard

import (
	"errors"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"request-guard/internal/cronauth"
	"request-guard/internal/csrf"
	"request-guard/internal/events"
	"request-guard/internal/models"
)

// Options selects the optional checks for one route.
type Options struct {
	RequireCSRF bool
	RequireJSON bool
}

// Config lists the trusted origins. DevOrigins are only honoured when
// AllowDevOrigins is set.
type Config struct {
	SiteOrigin        string
	DevOrigins        []string
	AllowDevOrigins   bool
	TrustForwardedFor bool
}

// Recorder receives every rejection and rate limit decision.
type Recorder interface {
	RecordIntegrityFailure(check, reason string)
	RecordRateLimit(endpoint string, allowed bool)
}

type Option func(*Guard)

func WithRecorder(r Recorder) Option {
	return func(g *Guard) { g.recorder = r }
}

func WithEventSink(s events.Sink) Option {
	return func(g *Guard) { g.sink = s }
}

func WithClock(now func() time.Time) Option {
	return func(g *Guard) { g.now = now }
}

type Guard struct {
	origins           map[string]struct{}
	trustForwardedFor bool
	csrf              *csrf.Service
	cron              *cronauth.Verifier
	logger            *zap.Logger
	recorder          Recorder
	sink              events.Sink
	now               func() time.Time
}

// New builds a Guard. A nil csrf service or cron verifier makes every route
// that needs it answer 503.
func New(cfg Config, csrfSvc *csrf.Service, cron *cronauth.Verifier, logger *zap.Logger, opts ...Option) *Guard {
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &Guard{
		origins:           make(map[string]struct{}),
		trustForwardedFor: cfg.TrustForwardedFor,
		csrf:              csrfSvc,
		cron:              cron,
		logger:            logger,
		sink:              events.Nop{},
		now:               time.Now,
	}
	if o := normalizeOrigin(cfg.SiteOrigin); o != "" {
		g.origins[o] = struct{}{}
	}
	if cfg.AllowDevOrigins {
		for _, d := range cfg.DevOrigins {
			if o := normalizeOrigin(d); o != "" {
				g.origins[o] = struct{}{}
			}
		}
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Check runs the origin, content type and CSRF checks in that order and
// returns the first failure as an *Error.
func (g *Guard) Check(r *http.Request, opts Options) error {
	if err := g.checkOrigin(r); err != nil {
		return err
	}
	if opts.RequireJSON {
		if err := checkJSON(r); err != nil {
			return err
		}
	}
	if opts.RequireCSRF {
		if g.csrf == nil {
			return errUnavailable(CheckCSRF)
		}
		if err := g.csrf.CheckRequest(r); err != nil {
			return errForbidden(CheckCSRF, csrfReason(err), err)
		}
	}
	return nil
}

// Protect wraps a handler with Check.
func (g *Guard) Protect(opts Options) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := g.Check(r, opts); err != nil {
				g.reject(w, r, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Cron authenticates a signed service request. Origin and CSRF checks do
// not apply to these callers.
func (g *Guard) Cron(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.cron == nil {
			g.reject(w, r, errUnavailable(CheckCron))
			return
		}
		if err := g.cron.Check(r.Method, r.URL.Path, r.Header); err != nil {
			g.reject(w, r, errUnauthorized(cronReason(err), err))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ClientIP resolves the client identity with the configured trust settings.
func (g *Guard) ClientIP(r *http.Request) string {
	return ClientIP(r, g.trustForwardedFor)
}

func (g *Guard) checkOrigin(r *http.Request) error {
	raw := r.Header.Get("Origin")
	if raw == "" {
		return nil
	}
	origin := normalizeOrigin(raw)
	if origin == "" {
		return errForbidden(CheckOrigin, "malformed", nil)
	}
	if _, ok := g.origins[origin]; ok {
		return nil
	}
	if origin == requestOrigin(r) {
		return nil
	}
	return errForbidden(CheckOrigin, "mismatch", nil)
}

func checkJSON(r *http.Request) error {
	ct := r.Header.Get("Content-Type")
	if ct == "" {
		return errUnsupportedMedia("missing")
	}
	mediaType, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return errUnsupportedMedia("malformed")
	}
	if mediaType != "application/json" {
		return errUnsupportedMedia("not_json")
	}
	return nil
}

// reject answers the request. Only integrity failures are counted and
// published; content type and configuration rejections are logged only.
func (g *Guard) reject(w http.ResponseWriter, r *http.Request, err error) {
	var ge *Error
	if errors.As(err, &ge) {
		client := g.ClientIP(r)
		requestID := middleware.GetReqID(r.Context())
		fields := []zap.Field{
			zap.String("check", ge.Check),
			zap.String("reason", ge.Reason),
			zap.Int("status", ge.Status),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("client", client),
			zap.String("request_id", requestID),
			zap.Error(ge.Err),
		}
		switch {
		case ge.Status == http.StatusServiceUnavailable:
			g.logger.Error("Capability not configured", fields...)
		case !ge.integrity():
			g.logger.Info("Request rejected", fields...)
		default:
			g.logger.Warn("Integrity check failed", fields...)
			if g.recorder != nil {
				g.recorder.RecordIntegrityFailure(ge.Check, ge.Reason)
			}
			g.sink.Publish(models.SecurityEvent{
				Type:      models.EventIntegrityFailure,
				Check:     ge.Check,
				Reason:    ge.Reason,
				Path:      r.URL.Path,
				Method:    r.Method,
				Client:    client,
				RequestID: requestID,
				At:        g.now().UTC(),
			})
		}
	}
	WriteError(w, err)
}

// requestOrigin is scheme://host of the request as the browser saw it.
func requestOrigin(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	} else if proto, _, _ := strings.Cut(r.Header.Get("X-Forwarded-Proto"), ","); strings.EqualFold(strings.TrimSpace(proto), "https") {
		scheme = "https"
	}
	if r.Host == "" {
		return ""
	}
	return scheme + "://" + strings.ToLower(r.Host)
}

// normalizeOrigin returns lower-case scheme://host[:port], or "" when v is
// not an http(s) origin. "null" is never valid.
func normalizeOrigin(v string) string {
	v = strings.TrimSpace(v)
	if v == "" || v == "null" {
		return ""
	}
	u, err := url.Parse(strings.TrimRight(v, "/"))
	if err != nil || u.Host == "" {
		return ""
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return ""
	}
	return scheme + "://" + strings.ToLower(u.Host)
}

func csrfReason(err error) string {
	switch {
	case errors.Is(err, csrf.ErrMissingSession):
		return "missing_session"
	case errors.Is(err, csrf.ErrMissingToken):
		return "missing_token"
	case errors.Is(err, csrf.ErrDoubleSubmit):
		return "double_submit"
	case errors.Is(err, csrf.ErrBadSignature):
		return "bad_signature"
	case errors.Is(err, csrf.ErrSessionMismatch):
		return "session_mismatch"
	case errors.Is(err, csrf.ErrExpired):
		return "expired"
	case errors.Is(err, csrf.ErrIssuedInFuture):
		return "issued_in_future"
	default:
		return "malformed"
	}
}

func cronReason(err error) string {
	switch {
	case errors.Is(err, cronauth.ErrUnauthorized):
		return "bad_credential"
	case errors.Is(err, cronauth.ErrBadTimestamp):
		return "bad_timestamp"
	case errors.Is(err, cronauth.ErrStale):
		return "stale"
	case errors.Is(err, cronauth.ErrReplay):
		return "replay"
	default:
		return "bad_signature"
	}
}
