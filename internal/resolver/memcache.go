package resolver

import (
	"sync"
	"time"
)

type memEntry struct {
	owner    *Owner // nil means cached negative result
	storedAt time.Time
}

// memCache is the bounded in-process tier: fixed capacity, short TTL,
// oldest-entry eviction. Negative results are cached too, to bound the
// cost of repeated lookups for unknown topics.
type memCache struct {
	mu       sync.Mutex
	entries  map[string]memEntry
	capacity int
	ttl      time.Duration
}

func newMemCache(capacity int, ttl time.Duration) *memCache {
	if capacity <= 0 {
		capacity = 1024
	}
	return &memCache{
		entries:  make(map[string]memEntry, capacity),
		capacity: capacity,
		ttl:      ttl,
	}
}

// get returns (owner, hit). A stale entry is removed and reported as a
// miss. owner is nil on a cached negative.
func (c *memCache) get(topic string, now time.Time) (*Owner, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[topic]
	if !ok {
		return nil, false
	}
	if now.Sub(e.storedAt) > c.ttl {
		delete(c.entries, topic)
		return nil, false
	}
	return e.owner, true
}

func (c *memCache) put(topic string, owner *Owner, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[topic]; !ok && len(c.entries) >= c.capacity {
		c.evictOldestLocked()
	}
	c.entries[topic] = memEntry{owner: owner, storedAt: now}
}

func (c *memCache) evictOldestLocked() {
	var oldestKey string
	var oldestAt time.Time
	first := true
	for k, e := range c.entries {
		if first || e.storedAt.Before(oldestAt) {
			oldestKey, oldestAt = k, e.storedAt
			first = false
		}
	}
	if !first {
		delete(c.entries, oldestKey)
	}
}

func (c *memCache) delete(topics ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range topics {
		delete(c.entries, t)
	}
}

func (c *memCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
