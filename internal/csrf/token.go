// Package csrf issues and verifies stateless anti-forgery tokens bound to a
// browser session id. A token is base64url(JSON claims) + "." + base64url(MAC);
// nothing is stored server side.
package csrf

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"golang.org/x/crypto/hkdf"
)

const (
	DefaultTTL       = 8 * time.Hour
	ClockSkew        = 30 * time.Second
	nonceBytes       = 16
	tokenSeparator   = "."
	keyDerivationTag = "request-guard/csrf-token/v1"
)

var (
	ErrMissingSecret   = errors.New("csrf secret is not configured")
	ErrMalformed       = errors.New("malformed csrf token")
	ErrBadSignature    = errors.New("csrf token signature mismatch")
	ErrSessionMismatch = errors.New("csrf token bound to another session")
	ErrExpired         = errors.New("csrf token expired")
	ErrIssuedInFuture  = errors.New("csrf token issued in the future")
)

var b64 = base64.RawURLEncoding

// Claims is the signed payload of a token. Times are unix seconds.
type Claims struct {
	SessionID string `json:"sid"`
	IssuedAt  int64  `json:"iat"`
	ExpiresAt int64  `json:"exp"`
	Nonce     string `json:"nonce"`
}

func (c *Claims) Expiry() time.Time {
	return time.Unix(c.ExpiresAt, 0)
}

type Option func(*Service)

func WithTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// Service signs and verifies tokens. It holds no mutable state.
type Service struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

// NewService derives the MAC key from secret. An empty secret is refused.
func NewService(secret string, opts ...Option) (*Service, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, ErrMissingSecret
	}

	key := make([]byte, sha256.Size)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(keyDerivationTag)), key); err != nil {
		return nil, fmt.Errorf("derive csrf key: %w", err)
	}

	s := &Service{key: key, ttl: DefaultTTL, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// NewEphemeralSecret returns a random secret for local development only.
func NewEphemeralSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return b64.EncodeToString(buf), nil
}

func (s *Service) TTL() time.Duration { return s.ttl }

// Issue mints a token for sessionID.
func (s *Service) Issue(sessionID string) (string, error) {
	if sessionID == "" {
		return "", fmt.Errorf("%w: empty session id", ErrMalformed)
	}

	nonce := make([]byte, nonceBytes)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	now := s.now()
	payload, err := json.Marshal(Claims{
		SessionID: sessionID,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(s.ttl).Unix(),
		Nonce:     b64.EncodeToString(nonce),
	})
	if err != nil {
		return "", fmt.Errorf("encode csrf claims: %w", err)
	}

	encoded := b64.EncodeToString(payload)
	return encoded + tokenSeparator + b64.EncodeToString(s.sign(encoded)), nil
}

// Parse checks the MAC before looking at the payload, then the session
// binding and the time bounds.
func (s *Service) Parse(token, sessionID string) (*Claims, error) {
	encoded, sig, ok := strings.Cut(token, tokenSeparator)
	if !ok || encoded == "" || sig == "" {
		return nil, ErrMalformed
	}

	provided, err := b64.DecodeString(sig)
	if err != nil {
		return nil, ErrMalformed
	}
	if !hmac.Equal(provided, s.sign(encoded)) {
		return nil, ErrBadSignature
	}

	raw, err := b64.DecodeString(encoded)
	if err != nil {
		return nil, ErrMalformed
	}
	var claims Claims
	if err := json.Unmarshal(raw, &claims); err != nil {
		return nil, ErrMalformed
	}

	if sessionID == "" || !hmac.Equal([]byte(claims.SessionID), []byte(sessionID)) {
		return nil, ErrSessionMismatch
	}
	now := s.now()
	if now.Unix() > claims.ExpiresAt {
		return nil, ErrExpired
	}
	if claims.IssuedAt > now.Add(ClockSkew).Unix() {
		return nil, ErrIssuedInFuture
	}
	return &claims, nil
}

// Verify reports whether token is valid for sessionID.
func (s *Service) Verify(token, sessionID string) bool {
	_, err := s.Parse(token, sessionID)
	return err == nil
}

func (s *Service) sign(encoded string) []byte {
	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(encoded))
	return mac.Sum(nil)
}
