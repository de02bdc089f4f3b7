package reconcile

import (
	"fmt"
	"testing"
	"time"
)

func TestCooldown_HitWithinTTL(t *testing.T) {
	c := newCooldown(time.Hour, 10)
	now := time.Now()

	if c.Hit("AB-1111", now) {
		t.Fatal("first hit must not report a cooldown")
	}
	if !c.Hit("AB-1111", now.Add(time.Minute)) {
		t.Fatal("second hit within TTL must report a cooldown")
	}
	if c.Hit("AB-1111", now.Add(2*time.Hour)) {
		t.Fatal("hit after TTL expiry must not report a cooldown")
	}
}

func TestCooldown_BoundedSize(t *testing.T) {
	c := newCooldown(time.Hour, 8)
	now := time.Now()

	for i := 0; i < 100; i++ {
		c.Hit(fmt.Sprintf("deal-%d", i), now.Add(time.Duration(i)*time.Second))
	}
	if got := c.len(); got > 8 {
		t.Fatalf("cache exceeded cap: %d entries", got)
	}

	// The newest key survives eviction.
	if !c.Hit("deal-99", now.Add(100*time.Second)) {
		t.Fatal("most recent entry should still be cached")
	}
}

func TestCooldown_ExpiredEntriesEvicted(t *testing.T) {
	c := newCooldown(time.Minute, 10)
	now := time.Now()

	c.Hit("a", now)
	c.Hit("b", now)
	c.Hit("c", now.Add(2*time.Minute)) // triggers eviction of a and b

	if got := c.len(); got != 1 {
		t.Fatalf("expected only the fresh entry, got %d", got)
	}
}
