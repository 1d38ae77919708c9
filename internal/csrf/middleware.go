package csrf

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	SessionCookie = "csrf_sid"
	TokenCookie   = "csrf_token"
	HeaderName    = "X-CSRF-Token"

	DefaultSessionMaxAge = 30 * 24 * time.Hour
	DefaultRefreshBefore = time.Hour
	maxSessionIDLength   = 64
)

var (
	ErrMissingSession = errors.New("csrf session cookie missing")
	ErrMissingToken   = errors.New("csrf token missing from cookie or header")
	ErrDoubleSubmit   = errors.New("csrf cookie and header differ")
)

type ctxKey int

const (
	sessionKey ctxKey = iota
	tokenKey
)

// CookieOptions controls the two cookies set by the Issuer.
type CookieOptions struct {
	Secure        bool
	Domain        string
	SessionMaxAge time.Duration
	RefreshBefore time.Duration
}

// Issuer makes sure every response carries a session cookie and a token
// that is valid for it and not close to expiry.
type Issuer struct {
	svc    *Service
	opts   CookieOptions
	logger *zap.Logger
}

func NewIssuer(svc *Service, opts CookieOptions, logger *zap.Logger) *Issuer {
	if opts.SessionMaxAge <= 0 {
		opts.SessionMaxAge = DefaultSessionMaxAge
	}
	if opts.RefreshBefore <= 0 {
		opts.RefreshBefore = DefaultRefreshBefore
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Issuer{svc: svc, opts: opts, logger: logger}
}

func (i *Issuer) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sid := cookieValue(r, SessionCookie)
		if sid == "" || len(sid) > maxSessionIDLength {
			sid = uuid.NewString()
			http.SetCookie(w, &http.Cookie{
				Name:     SessionCookie,
				Value:    sid,
				Path:     "/",
				Domain:   i.opts.Domain,
				MaxAge:   int(i.opts.SessionMaxAge / time.Second),
				HttpOnly: true,
				Secure:   i.opts.Secure,
				SameSite: http.SameSiteLaxMode,
			})
		}

		token := cookieValue(r, TokenCookie)
		if i.needsRefresh(token, sid) {
			minted, err := i.svc.Issue(sid)
			if err != nil {
				i.logger.Error("Failed to mint csrf token", zap.Error(err))
			} else {
				token = minted
				http.SetCookie(w, &http.Cookie{
					Name:     TokenCookie,
					Value:    token,
					Path:     "/",
					Domain:   i.opts.Domain,
					MaxAge:   int(i.svc.TTL() / time.Second),
					HttpOnly: false,
					Secure:   i.opts.Secure,
					SameSite: http.SameSiteLaxMode,
				})
			}
		}

		ctx := context.WithValue(r.Context(), sessionKey, sid)
		ctx = context.WithValue(ctx, tokenKey, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (i *Issuer) needsRefresh(token, sid string) bool {
	if token == "" {
		return true
	}
	claims, err := i.svc.Parse(token, sid)
	if err != nil {
		return true
	}
	return claims.Expiry().Sub(i.svc.now()) < i.opts.RefreshBefore
}

// CheckRequest enforces the double submission: the token cookie must equal
// the header byte for byte and verify against the session cookie.
func (s *Service) CheckRequest(r *http.Request) error {
	sid := cookieValue(r, SessionCookie)
	if sid == "" {
		return ErrMissingSession
	}
	cookieToken := cookieValue(r, TokenCookie)
	headerToken := r.Header.Get(HeaderName)
	if cookieToken == "" || headerToken == "" {
		return ErrMissingToken
	}
	if subtle.ConstantTimeCompare([]byte(cookieToken), []byte(headerToken)) != 1 {
		return ErrDoubleSubmit
	}
	_, err := s.Parse(headerToken, sid)
	return err
}

// SessionIDFromContext returns the session id set by Issuer.Middleware.
func SessionIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(sessionKey).(string)
	return v
}

// TokenFromContext returns the token that is valid for the current response.
func TokenFromContext(ctx context.Context) string {
	v, _ := ctx.Value(tokenKey).(string)
	return v
}

func cookieValue(r *http.Request, name string) string {
	c, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return c.Value
}
