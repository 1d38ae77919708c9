package ratelimit

import (
	"context"
	"fmt"
	"time"
)

const (
	redisKeyPrefix      = "rate_limit:"
	DefaultStoreTimeout = 250 * time.Millisecond
)

// Counter is an external atomic increment-with-TTL service. On the first
// increment of a key the TTL is set to window; later calls leave it alone.
type Counter interface {
	IncrWindow(ctx context.Context, key string, window time.Duration) (count int64, ttl time.Duration, err error)
}

// RedisStore is a fixed-window counter, not a token bucket: a client can get
// up to 2×limit requests through around a window boundary. That is fine for
// abuse control but it is not a quota.
type RedisStore struct {
	counter Counter
	timeout time.Duration
}

func NewRedisStore(counter Counter, timeout time.Duration) *RedisStore {
	if timeout <= 0 {
		timeout = DefaultStoreTimeout
	}
	return &RedisStore{counter: counter, timeout: timeout}
}

func (s *RedisStore) Name() string { return "redis" }

func (s *RedisStore) Take(ctx context.Context, key string, cfg Config) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	window := cfg.window()
	count, ttl, err := s.counter.IncrWindow(ctx, redisKeyPrefix+key, window)
	if err != nil {
		return Result{}, fmt.Errorf("%w: incr %s: %w", ErrStoreUnavailable, key, err)
	}

	limit := cfg.limit()
	if count <= limit {
		return Allowed(limit - count), nil
	}

	if ttl <= 0 {
		ttl = window
	}
	retry := int64((ttl + time.Second - 1) / time.Second)
	return Denied(retry), nil
}
