// Package cache provides a small TTL cache, used by the console for profile
// picture URLs so the gateway isn't asked for the same avatar on every
// refresh.
package cache

import (
	"sync"
	"time"
)

// TTL is a thread-safe key/value cache whose entries expire maxAge after
// insertion. Expired entries are dropped lazily on access.
type TTL[K comparable, V any] struct {
	maxAge time.Duration
	now    func() time.Time

	mu      sync.Mutex
	entries map[K]entry[V]
}

type entry[V any] struct {
	value    V
	inserted time.Time
}

// Option configures a TTL cache.
type Option[K comparable, V any] func(*TTL[K, V])

// WithClock replaces the time source, for tests.
func WithClock[K comparable, V any](now func() time.Time) Option[K, V] {
	return func(c *TTL[K, V]) { c.now = now }
}

// New creates a cache whose entries live for maxAge.
func New[K comparable, V any](maxAge time.Duration, opts ...Option[K, V]) *TTL[K, V] {
	c := &TTL[K, V]{
		maxAge:  maxAge,
		now:     time.Now,
		entries: make(map[K]entry[V]),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Set stores value under key, restarting its TTL.
func (c *TTL[K, V]) Set(key K, value V) {
	c.mu.Lock()
	c.entries[key] = entry[V]{value: value, inserted: c.now()}
	c.mu.Unlock()
}

// Get returns the live value for key, or false if absent or expired.
func (c *TTL[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	if c.now().Sub(e.inserted) > c.maxAge {
		delete(c.entries, key)
		var zero V
		return zero, false
	}
	return e.value, true
}

// GetOrFill returns the live value for key, calling fill on a miss and
// caching its result. fill errors are returned without caching.
func (c *TTL[K, V]) GetOrFill(key K, fill func(K) (V, error)) (V, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}
	v, err := fill(key)
	if err != nil {
		var zero V
		return zero, err
	}
	c.Set(key, v)
	return v, nil
}

// Delete removes key.
func (c *TTL[K, V]) Delete(key K) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Len returns the number of stored entries, including not-yet-collected
// expired ones.
func (c *TTL[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Prune removes every expired entry and reports how many were dropped.
func (c *TTL[K, V]) Prune() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	dropped := 0
	for k, e := range c.entries {
		if now.Sub(e.inserted) > c.maxAge {
			delete(c.entries, k)
			dropped++
		}
	}
	return dropped
}
