package cache

import (
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// EvictCallback is called after an entry is dropped to make room for a new one.
type EvictCallback[K comparable, V any] func(key K, value V)

// Bounded is a thread-safe cache holding at most Cap() entries.
type Bounded[K comparable, V any] struct {
	mu       sync.Mutex
	lru      *simplelru.LRU[K, V]
	capacity int
	onEvict  EvictCallback[K, V]

	evictions int64
}

// Stats contains cache statistics.
type Stats struct {
	Size      int
	Capacity  int
	Evictions int64
}

// NewBounded creates a cache with the given capacity. Capacities below 1 are
// clamped to 1.
func NewBounded[K comparable, V any](capacity int, onEvict EvictCallback[K, V]) *Bounded[K, V] {
	if capacity < 1 {
		capacity = 1
	}
	// simplelru only fails for non-positive sizes.
	lru, _ := simplelru.NewLRU[K, V](capacity, nil)
	return &Bounded[K, V]{
		lru:      lru,
		capacity: capacity,
		onEvict:  onEvict,
	}
}

// Set stores value under key. It reports whether an older entry was evicted.
func (c *Bounded[K, V]) Set(key K, value V) bool {
	c.mu.Lock()

	var (
		evictedKey   K
		evictedValue V
		evicted      bool
	)
	if c.lru.Contains(key) {
		// Re-insert so the key moves to the newest position.
		c.lru.Remove(key)
	} else if c.lru.Len() >= c.capacity {
		evictedKey, evictedValue, evicted = c.lru.RemoveOldest()
		if evicted {
			c.evictions++
		}
	}
	c.lru.Add(key, value)
	c.mu.Unlock()

	// Callback outside the lock so it may call back into the cache.
	if evicted && c.onEvict != nil {
		c.onEvict(evictedKey, evictedValue)
	}
	return evicted
}

// Get returns the value for key without changing its eviction position.
func (c *Bounded[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Peek(key)
}

// Contains reports whether key is present.
func (c *Bounded[K, V]) Contains(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Contains(key)
}

// Pop removes and returns the value for key.
func (c *Bounded[K, V]) Pop(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	v, ok := c.lru.Peek(key)
	if ok {
		c.lru.Remove(key)
	}
	return v, ok
}

// Delete removes key and reports whether it was present.
func (c *Bounded[K, V]) Delete(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Remove(key)
}

// Oldest returns the entry that would be evicted next.
func (c *Bounded[K, V]) Oldest() (K, V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.GetOldest()
}

// PopFirst removes and returns the oldest entry matching fn.
func (c *Bounded[K, V]) PopFirst(fn func(K, V) bool) (K, V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, k := range c.lru.Keys() {
		v, _ := c.lru.Peek(k)
		if fn(k, v) {
			c.lru.Remove(k)
			return k, v, true
		}
	}
	var (
		zeroK K
		zeroV V
	)
	return zeroK, zeroV, false
}

// Keys returns the keys from oldest to newest.
func (c *Bounded[K, V]) Keys() []K {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Keys()
}

// Len returns the number of entries.
func (c *Bounded[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Cap returns the capacity.
func (c *Bounded[K, V]) Cap() int {
	return c.capacity
}

// Clear removes every entry. The eviction callback is not invoked.
func (c *Bounded[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
}

// Stats returns cache statistics.
func (c *Bounded[K, V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Size:      c.lru.Len(),
		Capacity:  c.capacity,
		Evictions: c.evictions,
	}
}
