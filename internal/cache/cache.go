// Package cache provides a small TTL cache used by constraint evaluators
// to bound read amplification against the ledger.
//
// The cache is an injected dependency, not a package-level singleton, so
// evaluators stay unit-testable with a fake or a zero-TTL instance.
package cache

import (
	"sync"
	"time"
)

// TTL is a concurrency-safe map with per-entry expiry and a background
// eviction loop. Safe for concurrent use by parallel evaluator fan-outs.
type TTL[V any] struct {
	mu      sync.RWMutex
	entries map[string]entry[V]
	ttl     time.Duration
	done    chan struct{}
	once    sync.Once
}

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// NewTTL creates a cache whose entries live for ttl. Call Close to stop
// the background eviction goroutine.
func NewTTL[V any](ttl time.Duration) *TTL[V] {
	c := &TTL[V]{
		entries: make(map[string]entry[V]),
		ttl:     ttl,
		done:    make(chan struct{}),
	}
	go c.evictLoop()
	return c
}

// Get returns the cached value and true if a live entry exists.
func (c *TTL[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[key]
	if !ok || time.Now().After(e.expiresAt) {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Set stores a value with the configured TTL.
func (c *TTL[V]) Set(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = entry[V]{
		value:     value,
		expiresAt: time.Now().Add(c.ttl),
	}
}

// Delete removes a key. Used to invalidate after writes that change the
// underlying aggregate (e.g. a new ledger row for a rate-limited pair).
func (c *TTL[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Len returns the number of entries, including not-yet-evicted expired ones.
func (c *TTL[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Close stops the background eviction goroutine. Safe to call twice.
func (c *TTL[V]) Close() {
	c.once.Do(func() { close(c.done) })
}

// evictLoop removes expired entries every minute.
func (c *TTL[V]) evictLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.evictExpired()
		}
	}
}

func (c *TTL[V]) evictExpired() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	for k, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, k)
		}
	}
}
