package core

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// cacheEntry wraps a stored value with its expiry and charged size.
type cacheEntry[V any] struct {
	value     V
	size      int64
	expiresAt time.Time
}

// LRUCache is a concurrency-safe LRU with per-entry TTL and a total byte
// budget. Eviction order under pressure: expired entries first, then least
// recently used, until both the entry cap and the byte cap hold. A Get on an
// expired key is a miss and deletes the entry.
type LRUCache[K comparable, V any] struct {
	mu         sync.Mutex
	lru        *simplelru.LRU[K, *cacheEntry[V]]
	maxEntries int
	maxBytes   int64
	defaultTTL time.Duration
	bytes      int64
	evictions  uint64

	// onEvict, when set, observes every removal: TTL, LRU pressure, byte
	// pressure, replacement, Delete and Clear.
	onEvict func(key K, value V)

	now func() time.Time
}

// NewLRUCache builds a cache holding at most maxEntries entries and maxBytes
// charged bytes (0 = no byte cap). defaultTTL applies to Set; SetWithTTL
// overrides per entry (0 = no expiry).
func NewLRUCache[K comparable, V any](maxEntries int, maxBytes int64, defaultTTL time.Duration) *LRUCache[K, V] {
	if maxEntries <= 0 {
		maxEntries = 1
	}
	c := &LRUCache[K, V]{
		maxEntries: maxEntries,
		maxBytes:   maxBytes,
		defaultTTL: defaultTTL,
		now:        time.Now,
	}
	// simplelru calls the eviction callback for every internal removal;
	// byte accounting lives there so RemoveOldest stays consistent.
	lru, err := simplelru.NewLRU(maxEntries, func(key K, e *cacheEntry[V]) {
		c.bytes -= e.size
		c.evictions++
		if c.onEvict != nil {
			c.onEvict(key, e.value)
		}
	})
	if err != nil {
		// Only reachable with a non-positive size, which is guarded above.
		panic(err)
	}
	c.lru = lru
	return c
}

// OnEvict registers an eviction observer. Call before the cache is shared.
func (c *LRUCache[K, V]) OnEvict(fn func(key K, value V)) {
	c.onEvict = fn
}

// Set stores a value charged at size bytes under the default TTL.
// Returns false when the entry can never fit the byte budget.
func (c *LRUCache[K, V]) Set(key K, value V, size int64) bool {
	return c.SetWithTTL(key, value, size, c.defaultTTL)
}

// SetWithTTL stores a value with an explicit TTL (0 = no expiry).
func (c *LRUCache[K, V]) SetWithTTL(key K, value V, size int64, ttl time.Duration) bool {
	if size < 0 {
		size = 0
	}
	if c.maxBytes > 0 && size > c.maxBytes {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Replacing an existing key releases its charge via the evict callback.
	if _, ok := c.lru.Peek(key); ok {
		c.lru.Remove(key)
	}

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = c.now().Add(ttl)
	}
	c.lru.Add(key, &cacheEntry[V]{value: value, size: size, expiresAt: expiresAt})
	c.bytes += size

	if c.maxBytes > 0 && c.bytes > c.maxBytes {
		c.evictLocked(key)
	}
	return true
}

// evictLocked restores the byte budget: expired entries first, then LRU
// order. keep is never evicted (it is the entry just inserted).
func (c *LRUCache[K, V]) evictLocked(keep K) {
	if c.bytes <= c.maxBytes {
		return
	}
	now := c.now()
	for _, k := range c.lru.Keys() {
		if c.bytes <= c.maxBytes {
			return
		}
		if k == keep {
			continue
		}
		if e, ok := c.lru.Peek(k); ok && !e.expiresAt.IsZero() && now.After(e.expiresAt) {
			c.lru.Remove(k)
		}
	}
	for c.bytes > c.maxBytes {
		k, _, ok := c.lru.GetOldest()
		if !ok || k == keep {
			return
		}
		c.lru.Remove(k)
	}
}

// Get returns the live value for key. Expired entries are deleted and
// reported as misses.
func (c *LRUCache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lru.Get(key)
	if !ok {
		var zero V
		return zero, false
	}
	if !e.expiresAt.IsZero() && c.now().After(e.expiresAt) {
		c.lru.Remove(key)
		var zero V
		return zero, false
	}
	return e.value, true
}

// Has reports key presence without refreshing recency.
func (c *LRUCache[K, V]) Has(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lru.Peek(key)
	if !ok {
		return false
	}
	if !e.expiresAt.IsZero() && c.now().After(e.expiresAt) {
		c.lru.Remove(key)
		return false
	}
	return true
}

// Delete removes key. Returns whether it was present.
func (c *LRUCache[K, V]) Delete(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Remove(key)
}

// Clear drops every entry.
func (c *LRUCache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
	c.bytes = 0
}

// Sweep removes all expired entries and returns how many were dropped.
func (c *LRUCache[K, V]) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	dropped := 0
	for _, k := range c.lru.Keys() {
		if e, ok := c.lru.Peek(k); ok && !e.expiresAt.IsZero() && now.After(e.expiresAt) {
			c.lru.Remove(k)
			dropped++
		}
	}
	return dropped
}

// Len returns the live entry count (expired entries may still be counted
// until swept or touched).
func (c *LRUCache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Bytes returns the currently charged byte total.
func (c *LRUCache[K, V]) Bytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytes
}

// Evictions returns the lifetime eviction count.
func (c *LRUCache[K, V]) Evictions() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evictions
}
