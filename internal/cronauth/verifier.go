// Package cronauth authenticates automated callers (scheduled jobs) that
// cannot carry a browser CSRF token. A request must present the shared secret
// as a bearer credential, a fresh timestamp, and an HMAC over
// "timestamp.METHOD.path"; each signature is accepted once per process.
package cronauth

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	AuthorizationHeader = "Authorization"
	TimestampHeader     = "X-Cron-Timestamp"
	SignatureHeader     = "X-Cron-Signature"

	DefaultWindow = 5 * time.Minute
	bearerPrefix  = "Bearer "
)

var (
	ErrMissingSecret = errors.New("cron secret is not configured")
	ErrUnauthorized  = errors.New("cron bearer credential rejected")
	ErrBadTimestamp  = errors.New("cron timestamp missing or malformed")
	ErrStale         = errors.New("cron timestamp outside acceptance window")
	ErrBadSignature  = errors.New("cron signature mismatch")
	ErrReplay        = errors.New("cron signature already used")
)

type Option func(*Verifier)

func WithClock(now func() time.Time) Option {
	return func(v *Verifier) { v.now = now }
}

func WithWindow(window time.Duration) Option {
	return func(v *Verifier) {
		if window > 0 {
			v.window = window
		}
	}
}

// Verifier checks signed service requests.
type Verifier struct {
	secret []byte
	window time.Duration
	now    func() time.Time
	replay *ReplayCache
}

func NewVerifier(secret string, opts ...Option) (*Verifier, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, ErrMissingSecret
	}
	v := &Verifier{
		secret: []byte(secret),
		window: DefaultWindow,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	v.replay = NewReplayCache(v.window, v.now)
	return v, nil
}

// Check runs the bearer, timestamp, signature and replay checks in that order.
func (v *Verifier) Check(method, path string, h http.Header) error {
	auth := h.Get(AuthorizationHeader)
	if !strings.HasPrefix(auth, bearerPrefix) ||
		subtle.ConstantTimeCompare([]byte(strings.TrimPrefix(auth, bearerPrefix)), v.secret) != 1 {
		return ErrUnauthorized
	}

	rawTS := strings.TrimSpace(h.Get(TimestampHeader))
	ts, err := strconv.ParseInt(rawTS, 10, 64)
	if err != nil {
		return ErrBadTimestamp
	}
	skew := v.now().Sub(time.Unix(ts, 0))
	if skew > v.window || skew < -v.window {
		return ErrStale
	}

	provided, err := decodeSignature(h.Get(SignatureHeader))
	if err != nil {
		return ErrBadSignature
	}
	if !hmac.Equal(provided, mac(v.secret, rawTS, method, path)) {
		return ErrBadSignature
	}

	// Key on the decoded bytes so padding variants of one signature collide.
	replayKey := path + ":" + rawTS + ":" + base64.RawURLEncoding.EncodeToString(provided)
	if !v.replay.Mark(replayKey, v.replayExpiry(ts)) {
		return ErrReplay
	}
	return nil
}

// replayExpiry keeps an entry until its timestamp can no longer pass the
// window check. A future timestamp stays acceptable past now+window.
func (v *Verifier) replayExpiry(ts int64) time.Time {
	stale := time.Unix(ts, 0).Add(v.window + time.Second)
	if byNow := v.now().Add(v.window); byNow.After(stale) {
		return byNow
	}
	return stale
}

// Verify reports whether the request passes Check.
func (v *Verifier) Verify(method, path string, h http.Header) bool {
	return v.Check(method, path, h) == nil
}

// Sign returns the URL-safe base64 signature for a request.
func Sign(secret string, timestamp int64, method, path string) string {
	return base64.RawURLEncoding.EncodeToString(mac([]byte(secret), strconv.FormatInt(timestamp, 10), method, path))
}

// SignRequest sets the three headers on req for the given time.
func SignRequest(req *http.Request, secret string, now time.Time) {
	ts := now.Unix()
	req.Header.Set(AuthorizationHeader, bearerPrefix+secret)
	req.Header.Set(TimestampHeader, strconv.FormatInt(ts, 10))
	req.Header.Set(SignatureHeader, Sign(secret, ts, req.Method, req.URL.Path))
}

func mac(secret []byte, timestamp, method, path string) []byte {
	m := hmac.New(sha256.New, secret)
	m.Write([]byte(timestamp + "." + strings.ToUpper(method) + "." + path))
	return m.Sum(nil)
}

// decodeSignature accepts URL-safe base64 with or without padding.
func decodeSignature(sig string) ([]byte, error) {
	sig = strings.TrimRight(strings.TrimSpace(sig), "=")
	if sig == "" {
		return nil, ErrBadSignature
	}
	return base64.RawURLEncoding.DecodeString(sig)
}
