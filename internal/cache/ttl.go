// Package cache provides an explicit TTL cache owned by its caller.
package cache

import (
	"sync"
	"time"
)

type entry[V any] struct {
	value    V
	storedAt time.Time
}

// TTL is a size-bounded cache whose entries expire a fixed duration after
// they are stored. When full, the oldest entry is evicted. Safe for
// concurrent use.
type TTL[K comparable, V any] struct {
	mu      sync.Mutex
	ttl     time.Duration
	max     int
	now     func() time.Time
	items   map[K]entry[V]
	hits    int64
	misses  int64
	evicted int64
}

// Stats are cumulative cache counters.
type Stats struct {
	Entries int   `json:"entries"`
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
	Evicted int64 `json:"evicted"`
}

// NewTTL creates a cache. A non-positive ttl disables caching; a
// non-positive maxEntries means unbounded. now may be nil.
func NewTTL[K comparable, V any](ttl time.Duration, maxEntries int, now func() time.Time) *TTL[K, V] {
	if now == nil {
		now = time.Now
	}
	return &TTL[K, V]{
		ttl:   ttl,
		max:   maxEntries,
		now:   now,
		items: make(map[K]entry[V]),
	}
}

// Get returns a live entry.
func (c *TTL[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.items[key]
	if ok && c.now().Sub(e.storedAt) >= c.ttl {
		delete(c.items, key)
		ok = false
	}
	if !ok {
		c.misses++
		var zero V
		return zero, false
	}
	c.hits++
	return e.value, true
}

// Set stores a value.
func (c *TTL[K, V]) Set(key K, value V) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.items[key]; !exists && c.max > 0 && len(c.items) >= c.max {
		c.evictLocked()
	}
	c.items[key] = entry[V]{value: value, storedAt: c.now()}
}

// Delete removes a key.
func (c *TTL[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
}

// Purge drops expired entries and returns how many were removed.
func (c *TTL[K, V]) Purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	n := 0
	for k, e := range c.items {
		if now.Sub(e.storedAt) >= c.ttl {
			delete(c.items, k)
			n++
		}
	}
	return n
}

// Stats returns a snapshot of the counters.
func (c *TTL[K, V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Entries: len(c.items), Hits: c.hits, Misses: c.misses, Evicted: c.evicted}
}

func (c *TTL[K, V]) evictLocked() {
	var (
		oldestKey K
		oldestAt  time.Time
		found     bool
	)
	for k, e := range c.items {
		if !found || e.storedAt.Before(oldestAt) {
			oldestKey, oldestAt, found = k, e.storedAt, true
		}
	}
	if found {
		delete(c.items, oldestKey)
		c.evicted++
	}
}
