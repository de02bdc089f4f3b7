package reconcile

import (
	"sync"
	"time"
)

// cooldown is a bounded, time-indexed set of recently handled keys. It keeps
// the reminder sweep from re-notifying a deal between the flag write and its
// observation, without ambient shared state: eviction is explicit, both by
// TTL and by a hard entry cap.
type cooldown struct {
	mu      sync.Mutex
	ttl     time.Duration
	maxSize int
	entries map[string]time.Time
}

func newCooldown(ttl time.Duration, maxSize int) *cooldown {
	return &cooldown{
		ttl:     ttl,
		maxSize: maxSize,
		entries: make(map[string]time.Time),
	}
}

// Hit marks the key and reports whether it was already marked within the TTL.
func (c *cooldown) Hit(key string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.evict(now)

	if at, ok := c.entries[key]; ok && now.Sub(at) < c.ttl {
		return true
	}
	c.entries[key] = now
	return false
}

// evict drops expired entries, then the oldest ones if still over the cap.
// Caller holds the lock.
func (c *cooldown) evict(now time.Time) {
	for k, at := range c.entries {
		if now.Sub(at) >= c.ttl {
			delete(c.entries, k)
		}
	}
	for len(c.entries) >= c.maxSize {
		var (
			oldestKey string
			oldestAt  time.Time
		)
		for k, at := range c.entries {
			if oldestKey == "" || at.Before(oldestAt) {
				oldestKey, oldestAt = k, at
			}
		}
		delete(c.entries, oldestKey)
	}
}

func (c *cooldown) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
