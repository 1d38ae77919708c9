package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spaolacci/murmur3"
)

const (
	shardCount           = 32
	DefaultSweepInterval = 5 * time.Minute
)

type bucket struct {
	tokens       int64
	lastRefillAt time.Time
	window       time.Duration
}

type shard struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

// LocalStore keeps token buckets in process memory. Keys are spread over
// shards so unrelated keys do not contend on one mutex.
type LocalStore struct {
	shards        [shardCount]shard
	now           func() time.Time
	sweepInterval time.Duration
	lastSweep     atomic.Int64
}

type LocalOption func(*LocalStore)

// WithClock replaces time.Now, used by tests to simulate elapsed time.
func WithClock(now func() time.Time) LocalOption {
	return func(s *LocalStore) { s.now = now }
}

func WithSweepInterval(d time.Duration) LocalOption {
	return func(s *LocalStore) { s.sweepInterval = d }
}

func NewLocalStore(opts ...LocalOption) *LocalStore {
	s := &LocalStore{
		now:           time.Now,
		sweepInterval: DefaultSweepInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	for i := range s.shards {
		s.shards[i].buckets = make(map[string]*bucket)
	}
	s.lastSweep.Store(s.now().UnixNano())
	return s
}

func (s *LocalStore) Name() string { return "local" }

func (s *LocalStore) Take(_ context.Context, key string, cfg Config) (Result, error) {
	now := s.now()
	s.maybeSweep(now)

	limit := cfg.limit()
	window := cfg.window()

	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	b, ok := sh.buckets[key]
	if !ok {
		b = &bucket{tokens: limit, lastRefillAt: now}
		sh.buckets[key] = b
	}
	b.window = window
	if b.tokens > limit {
		b.tokens = limit
	}

	elapsed := now.Sub(b.lastRefillAt)
	if elapsed < 0 {
		elapsed = 0
	}
	refill := int64(float64(elapsed) / float64(window) * float64(limit))
	if refill > 0 {
		b.tokens = min(limit, b.tokens+refill)
		b.lastRefillAt = now
	}

	if b.tokens > 0 {
		b.tokens--
		return Allowed(b.tokens), nil
	}

	retry := (window.Milliseconds() - elapsed.Milliseconds() + 999) / 1000
	return Denied(min(retry, int64(window/time.Second))), nil
}

// Sweep drops buckets idle for more than twice their window.
func (s *LocalStore) Sweep(now time.Time) int {
	removed := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for key, b := range sh.buckets {
			if now.Sub(b.lastRefillAt) > 2*b.window {
				delete(sh.buckets, key)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

// Len returns the number of live buckets.
func (s *LocalStore) Len() int {
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		n += len(sh.buckets)
		sh.mu.Unlock()
	}
	return n
}

// maybeSweep runs at most once per sweepInterval; the CAS elects a single caller.
func (s *LocalStore) maybeSweep(now time.Time) {
	last := s.lastSweep.Load()
	if now.UnixNano()-last < int64(s.sweepInterval) {
		return
	}
	if !s.lastSweep.CompareAndSwap(last, now.UnixNano()) {
		return
	}
	s.Sweep(now)
}

func (s *LocalStore) shardFor(key string) *shard {
	return &s.shards[murmur3.Sum32([]byte(key))%shardCount]
}
