package confluence

import (
	"sync"
	"time"
)

// CooldownCache suppresses repeat alerts per (device, parameter) key for a
// fixed TTL. A duplicate probe never refreshes the window, so the cooldown
// measures time since the alert was created, not since it was last seen.
type CooldownCache struct {
	mu    sync.Mutex
	items map[string]time.Time // key -> expiry
	order []string             // insertion order for capacity eviction
	ttl   time.Duration
	max   int

	now func() time.Time
}

// NewCooldownCache creates a cache with the given TTL and entry cap.
func NewCooldownCache(ttl time.Duration, max int) *CooldownCache {
	return &CooldownCache{
		items: make(map[string]time.Time),
		ttl:   ttl,
		max:   max,
		now:   time.Now,
	}
}

// TrendKey derives the cooldown key for trend alerts, kept separate from
// the threshold key of the same parameter.
func TrendKey(deviceID, parameter string) string {
	return deviceID + ":" + parameter + ":trend"
}

// ThresholdKey derives the cooldown key for threshold alerts.
func ThresholdKey(deviceID, parameter string) string {
	return deviceID + ":" + parameter
}

// Suppressed reports whether the key is inside its cooldown window.
// Expired entries are removed on probe.
func (c *CooldownCache) Suppressed(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	expiry, ok := c.items[key]
	if !ok {
		return false
	}
	if c.now().After(expiry) {
		delete(c.items, key)
		c.removeFromOrder(key)
		return false
	}
	return true
}

// Mark starts the cooldown window for key. Marking an already-suppressed
// key does not extend its window.
func (c *CooldownCache) Mark(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if expiry, ok := c.items[key]; ok && c.now().Before(expiry) {
		return
	}
	if _, ok := c.items[key]; !ok {
		c.order = append(c.order, key)
	}
	c.items[key] = c.now().Add(c.ttl)
	c.evictIfNeeded()
}

// Len returns the number of tracked keys, expired entries included.
func (c *CooldownCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *CooldownCache) removeFromOrder(key string) {
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			return
		}
	}
}

func (c *CooldownCache) evictIfNeeded() {
	for c.max > 0 && len(c.items) > c.max && len(c.order) > 0 {
		victim := c.order[0]
		c.order = c.order[1:]
		delete(c.items, victim)
	}
}
