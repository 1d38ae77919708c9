package cronauth

import (
	"sync"
	"time"
)

// ReplayCache remembers accepted signatures until they expire. It is local to
// the process, so behind a load balancer a replay to another instance is only
// stopped by the timestamp window.
type ReplayCache struct {
	mu        sync.Mutex
	seen      map[string]time.Time
	now       func() time.Time
	pruneEach time.Duration
	lastPrune time.Time
}

func NewReplayCache(pruneEach time.Duration, now func() time.Time) *ReplayCache {
	if now == nil {
		now = time.Now
	}
	return &ReplayCache{
		seen:      make(map[string]time.Time),
		now:       now,
		pruneEach: pruneEach,
		lastPrune: now(),
	}
}

// Mark records key until expiresAt. It returns false if key is already live.
func (c *ReplayCache) Mark(key string, expiresAt time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if now.Sub(c.lastPrune) >= c.pruneEach {
		c.pruneLocked(now)
	}

	if exp, ok := c.seen[key]; ok && now.Before(exp) {
		return false
	}
	c.seen[key] = expiresAt
	return true
}

func (c *ReplayCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

func (c *ReplayCache) pruneLocked(now time.Time) {
	for key, exp := range c.seen {
		if !now.Before(exp) {
			delete(c.seen, key)
		}
	}
	c.lastPrune = now
}
