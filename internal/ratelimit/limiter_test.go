package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type failingStore struct {
	calls atomic.Int64
}

func (s *failingStore) Take(context.Context, string, Config) (Result, error) {
	s.calls.Add(1)
	return Result{}, errors.New("connection refused")
}

func (s *failingStore) Name() string { return "failing" }

type recorder struct {
	mu       sync.Mutex
	failures []string
}

func (r *recorder) RecordStoreFailure(backend, policy string) {
	r.mu.Lock()
	r.failures = append(r.failures, backend+":"+policy)
	r.mu.Unlock()
}

func TestLimiter_ThreeThenDenied(t *testing.T) {
	clock := newFakeClock()
	limiter := NewLimiter(NewLocalStore(WithClock(clock.Now)), nil)
	cfg := Config{Limit: 3, Window: 60 * time.Second, OnStoreError: FailClosed}
	ctx := context.Background()

	for i, want := range []int64{2, 1, 0} {
		res := limiter.Take(ctx, "1.2.3.4:submit", cfg)
		if !res.Allowed {
			t.Fatalf("call %d unexpectedly denied", i+1)
		}
		if res.Remaining != want {
			t.Errorf("call %d: expected remaining %d, got %d", i+1, want, res.Remaining)
		}
	}

	res := limiter.Take(ctx, "1.2.3.4:submit", cfg)
	if res.Allowed {
		t.Fatal("fourth call should be denied")
	}
	if res.RetryAfter < 1 || res.RetryAfter > 60 {
		t.Errorf("retry after %d outside [1, 60]", res.RetryAfter)
	}
}

func TestLimiter_ConservationWithoutElapsedTime(t *testing.T) {
	for _, limit := range []int64{1, 2, 7, 50} {
		clock := newFakeClock()
		limiter := NewLimiter(NewLocalStore(WithClock(clock.Now)), nil)
		cfg := Config{Limit: limit, Window: 10 * time.Second, OnStoreError: FailClosed}

		allowed := int64(0)
		for i := int64(0); i < limit*3; i++ {
			if limiter.Take(context.Background(), "k", cfg).Allowed {
				allowed++
			}
		}
		if allowed != limit {
			t.Errorf("limit %d: %d calls allowed", limit, allowed)
		}
	}
}

func TestLimiter_RefillAfterFullWindow(t *testing.T) {
	clock := newFakeClock()
	limiter := NewLimiter(NewLocalStore(WithClock(clock.Now)), nil)
	cfg := Config{Limit: 2, Window: 30 * time.Second, OnStoreError: FailClosed}
	ctx := context.Background()

	limiter.Take(ctx, "k", cfg)
	limiter.Take(ctx, "k", cfg)
	if limiter.Take(ctx, "k", cfg).Allowed {
		t.Fatal("bucket should be exhausted")
	}

	clock.Advance(30 * time.Second)
	res := limiter.Take(ctx, "k", cfg)
	if !res.Allowed {
		t.Fatal("expected a permit after one full window")
	}
	if res.Remaining != 1 {
		t.Errorf("expected full refill minus one, got remaining %d", res.Remaining)
	}
}

func TestLimiter_PartialRefillIsProportional(t *testing.T) {
	clock := newFakeClock()
	limiter := NewLimiter(NewLocalStore(WithClock(clock.Now)), nil)
	cfg := Config{Limit: 4, Window: 40 * time.Second, OnStoreError: FailClosed}
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		limiter.Take(ctx, "k", cfg)
	}

	clock.Advance(9 * time.Second)
	if limiter.Take(ctx, "k", cfg).Allowed {
		t.Fatal("9s of a 40s/4 window refills nothing")
	}

	clock.Advance(1 * time.Second)
	res := limiter.Take(ctx, "k", cfg)
	if !res.Allowed || res.Remaining != 0 {
		t.Fatalf("expected exactly one refilled token, got %+v", res)
	}
}

func TestLimiter_RetryAfterBounds(t *testing.T) {
	clock := newFakeClock()
	limiter := NewLimiter(NewLocalStore(WithClock(clock.Now)), nil)
	cfg := Config{Limit: 1, Window: 20 * time.Second, OnStoreError: FailClosed}
	ctx := context.Background()

	limiter.Take(ctx, "k", cfg)
	for _, step := range []time.Duration{0, 5 * time.Second, 14*time.Second + 500*time.Millisecond} {
		clock.Advance(step)
		res := limiter.Take(ctx, "k", cfg)
		if res.Allowed {
			t.Fatalf("unexpected permit after %v", step)
		}
		if res.RetryAfter < 1 || res.RetryAfter > 20 {
			t.Errorf("retry after %d outside [1, 20]", res.RetryAfter)
		}
	}

	res := limiter.Take(ctx, "k", cfg)
	if res.RetryAfter != 1 {
		t.Errorf("expected 1s remaining near window end, got %d", res.RetryAfter)
	}
}

func TestLimiter_StoreFailurePolicies(t *testing.T) {
	tests := []struct {
		name      string
		policy    Policy
		allowed   bool
		remaining int64
		retry     int64
		recorded  string
	}{
		{name: "fail open", policy: FailOpen, allowed: true, remaining: 4, recorded: "failing:fail-open"},
		{name: "fail closed", policy: FailClosed, allowed: false, retry: 90, recorded: "failing:fail-closed"},
		{name: "undeclared fails closed", policy: policyUnset, allowed: false, retry: 90, recorded: "failing:fail-closed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recorder{}
			limiter := NewLimiter(&failingStore{}, nil, WithFailureRecorder(rec))

			res := limiter.Take(context.Background(), "k", Config{Limit: 5, Window: 90 * time.Second, OnStoreError: tt.policy})
			if res.Allowed != tt.allowed {
				t.Fatalf("expected allowed=%v, got %+v", tt.allowed, res)
			}
			if res.Remaining != tt.remaining || res.RetryAfter != tt.retry {
				t.Errorf("unexpected result %+v", res)
			}
			if len(rec.failures) != 1 || rec.failures[0] != tt.recorded {
				t.Errorf("expected failure %q recorded, got %v", tt.recorded, rec.failures)
			}
		})
	}
}

func TestLimiter_InvalidConfigIsClamped(t *testing.T) {
	limiter := NewLimiter(NewLocalStore(), nil)
	cfg := Config{Limit: 0, Window: 0, OnStoreError: FailClosed}

	if !limiter.Take(context.Background(), "k", cfg).Allowed {
		t.Fatal("clamped limit of 1 should allow the first call")
	}
	res := limiter.Take(context.Background(), "k", cfg)
	if res.Allowed || res.RetryAfter != 1 {
		t.Errorf("expected denial with 1s retry, got %+v", res)
	}
}

func TestLimiter_ConcurrentTakesNeverExceedLimit(t *testing.T) {
	clock := newFakeClock()
	limiter := NewLimiter(NewLocalStore(WithClock(clock.Now)), nil)
	cfg := Config{Limit: 100, Window: time.Minute, OnStoreError: FailClosed}

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 500; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if limiter.Take(context.Background(), "hot-key", cfg).Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := allowed.Load(); got != 100 {
		t.Errorf("expected exactly 100 permits, got %d", got)
	}
}

func TestResultConstructors(t *testing.T) {
	if r := Denied(0); r.RetryAfter != 1 || r.Allowed {
		t.Errorf("Denied should floor retry at 1s, got %+v", r)
	}
	if r := Allowed(-3); r.Remaining != 0 || !r.Allowed {
		t.Errorf("Allowed should floor remaining at 0, got %+v", r)
	}
	if d := Denied(7).RetryAfterDuration(); d != 7*time.Second {
		t.Errorf("unexpected duration %v", d)
	}
}

func TestConfig_WindowRoundsUpToSeconds(t *testing.T) {
	cfg := Config{Window: 1500 * time.Millisecond}
	if cfg.window() != 2*time.Second {
		t.Errorf("expected 2s, got %v", cfg.window())
	}
}
