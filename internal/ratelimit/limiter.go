// Package ratelimit implements a keyed token-bucket limiter behind a
// pluggable store, with an explicit per-call-site policy for store failures.
package ratelimit

import (
	"context"
	"errors"
	"math"
	"time"

	"go.uber.org/zap"
)

// ErrStoreUnavailable wraps every failure reported by a Store.
var ErrStoreUnavailable = errors.New("rate limit store unavailable")

// Policy decides what Take returns when the store fails.
type Policy int

const (
	policyUnset Policy = iota
	FailOpen
	FailClosed
)

func (p Policy) String() string {
	switch p {
	case FailOpen:
		return "fail-open"
	case FailClosed:
		return "fail-closed"
	default:
		return "unset"
	}
}

// Config is supplied by each call site. Limit and Window are clamped to
// one permit and one second respectively.
type Config struct {
	Limit        int64
	Window       time.Duration
	OnStoreError Policy
}

func (c Config) limit() int64 {
	if c.Limit < 1 {
		return 1
	}
	return c.Limit
}

// window rounds up to whole seconds since both stores and Retry-After work in seconds.
func (c Config) window() time.Duration {
	secs := int64(math.Ceil(c.Window.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return time.Duration(secs) * time.Second
}

func (c Config) windowSeconds() int64 {
	return int64(c.window() / time.Second)
}

// Result is either Allowed with Remaining permits or Denied with RetryAfter seconds.
type Result struct {
	Allowed    bool
	Remaining  int64
	RetryAfter int64
}

func Allowed(remaining int64) Result {
	if remaining < 0 {
		remaining = 0
	}
	return Result{Allowed: true, Remaining: remaining}
}

func Denied(retryAfterSeconds int64) Result {
	if retryAfterSeconds < 1 {
		retryAfterSeconds = 1
	}
	return Result{RetryAfter: retryAfterSeconds}
}

// RetryAfterDuration is zero for allowed results.
func (r Result) RetryAfterDuration() time.Duration {
	return time.Duration(r.RetryAfter) * time.Second
}

// Store holds bucket state. Take must be atomic per key.
type Store interface {
	Take(ctx context.Context, key string, cfg Config) (Result, error)
	Name() string
}

// FailureRecorder is notified of every store failure with the policy applied.
type FailureRecorder interface {
	RecordStoreFailure(backend, policy string)
}

type Option func(*Limiter)

func WithFailureRecorder(r FailureRecorder) Option {
	return func(l *Limiter) { l.recorder = r }
}

// Limiter never fails: store errors are resolved by Config.OnStoreError.
type Limiter struct {
	store    Store
	logger   *zap.Logger
	recorder FailureRecorder
}

func NewLimiter(store Store, logger *zap.Logger, opts ...Option) *Limiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Limiter{store: store, logger: logger}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Backend names the store in use.
func (l *Limiter) Backend() string {
	return l.store.Name()
}

// Take consumes one permit for key.
func (l *Limiter) Take(ctx context.Context, key string, cfg Config) Result {
	res, err := l.store.Take(ctx, key, cfg)
	if err == nil {
		return res
	}

	policy := cfg.OnStoreError
	if policy != FailOpen && policy != FailClosed {
		l.logger.Error("Rate limit call site declared no store error policy, failing closed",
			zap.String("key", key))
		policy = FailClosed
	}

	l.logger.Warn("Rate limit store failed",
		zap.String("backend", l.store.Name()),
		zap.String("key", key),
		zap.String("policy", policy.String()),
		zap.Error(err))
	if l.recorder != nil {
		l.recorder.RecordStoreFailure(l.store.Name(), policy.String())
	}

	if policy == FailOpen {
		return Allowed(cfg.limit() - 1)
	}
	return Denied(cfg.windowSeconds())
}
