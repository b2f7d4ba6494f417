package confluence

import (
	"fmt"
	"testing"
	"time"
)

func TestCooldownCache_SuppressesUntilTTL(t *testing.T) {
	now := time.Now()
	c := NewCooldownCache(5*time.Minute, 10)
	c.now = func() time.Time { return now }

	key := ThresholdKey("dev-1", "ph")
	if c.Suppressed(key) {
		t.Fatal("fresh cache should not suppress")
	}

	c.Mark(key)
	if !c.Suppressed(key) {
		t.Fatal("marked key should be suppressed")
	}

	now = now.Add(4 * time.Minute)
	if !c.Suppressed(key) {
		t.Fatal("key should still be suppressed before TTL")
	}

	now = now.Add(2 * time.Minute)
	if c.Suppressed(key) {
		t.Fatal("key should expire after TTL")
	}
}

func TestCooldownCache_MarkDoesNotRefresh(t *testing.T) {
	now := time.Now()
	c := NewCooldownCache(5*time.Minute, 10)
	c.now = func() time.Time { return now }

	key := ThresholdKey("dev-1", "tds")
	c.Mark(key)

	// A duplicate mark midway through the window must not extend it.
	now = now.Add(3 * time.Minute)
	c.Mark(key)

	now = now.Add(2*time.Minute + time.Second)
	if c.Suppressed(key) {
		t.Fatal("window was extended by a duplicate mark")
	}
}

func TestCooldownCache_EvictsOldestAtCapacity(t *testing.T) {
	c := NewCooldownCache(time.Hour, 3)

	for i := 0; i < 4; i++ {
		c.Mark(fmt.Sprintf("dev-%d:ph", i))
	}

	if c.Len() != 3 {
		t.Fatalf("expected 3 entries, got %d", c.Len())
	}
	if c.Suppressed("dev-0:ph") {
		t.Fatal("oldest entry should have been evicted")
	}
	if !c.Suppressed("dev-3:ph") {
		t.Fatal("newest entry should be present")
	}
}

func TestCooldownKeys_TrendAndThresholdAreDistinct(t *testing.T) {
	c := NewCooldownCache(time.Hour, 10)

	c.Mark(ThresholdKey("dev-1", "ph"))
	if c.Suppressed(TrendKey("dev-1", "ph")) {
		t.Fatal("threshold cooldown must not suppress trend alerts")
	}
}
