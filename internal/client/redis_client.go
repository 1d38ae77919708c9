package client

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"request-guard/internal/config"
	"request-guard/internal/util"
)

// RedisClient backs the distributed rate limit store
type RedisClient struct {
	Client *redis.Client
}

// NewRedisClient connects to the counter service named by RATE_LIMIT_REDIS_URL.
// The auth token is used as password unless the URL already carries one.
func NewRedisClient(cfg config.RateLimitConfig) (*RedisClient, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	if opts.Password == "" && cfg.RedisToken != "" {
		opts.Password = cfg.RedisToken
	}

	// Limiter calls must never be the slowest part of a request.
	opts.DialTimeout = 2 * time.Second
	opts.ReadTimeout = cfg.StoreTimeout
	opts.WriteTimeout = cfg.StoreTimeout
	opts.PoolTimeout = cfg.StoreTimeout
	opts.MaxRetries = 0
	opts.ConnMaxIdleTime = 5 * time.Minute

	if strings.HasPrefix(cfg.RedisURL, "rediss://") && opts.TLSConfig != nil {
		opts.TLSConfig.MinVersion = tls.VersionTLS12
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	util.Info("Redis client initialized",
		util.String("addr", opts.Addr),
		util.Int("db", opts.DB),
		util.Duration("timeout", cfg.StoreTimeout))

	return &RedisClient{Client: client}, nil
}

// Close releases the connection pool
func (r *RedisClient) Close() error {
	if r.Client != nil {
		if err := r.Client.Close(); err != nil {
			util.Error("failed to close Redis client", util.ErrorField(err))
			return err
		}
		util.Info("Redis client closed")
	}
	return nil
}

// HealthCheck verifies Redis connectivity
func (r *RedisClient) HealthCheck(ctx context.Context) error {
	if err := r.Client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

// incrWindowScript increments the counter and starts its window on first use.
// A key left without an expiry gets one on the next call.
var incrWindowScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
	ttl = tonumber(ARGV[1])
end
return {count, ttl}
`)

// IncrWindow increments key and returns the new count with its remaining TTL.
// The expiry is only set when the key has none, so the window is fixed from
// the first increment. The script needs nothing newer than Redis 2.6.
func (r *RedisClient) IncrWindow(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	res, err := incrWindowScript.Run(ctx, r.Client, []string{key}, window.Milliseconds()).Int64Slice()
	if err != nil {
		return 0, 0, err
	}
	if len(res) != 2 {
		return 0, 0, fmt.Errorf("unexpected incr window reply %v", res)
	}
	return res[0], time.Duration(res[1]) * time.Millisecond, nil
}
