// Package cache provides a bounded key/value cache with per-entry
// time-to-live and least-recently-used eviction. Every source adapter
// owns one to avoid re-fetching identical queries.
//
// Recency is tracked by access order: a successful Get moves the entry
// to the most-recently-used position, and inserting into a full cache
// evicts the single least-recently-used entry. Expiry is evaluated
// lazily at read time; there is no background sweep.
package cache

import (
	"container/list"
	"sync"
	"time"
)

// Cache is a bounded expiring LRU cache. Safe for concurrent use.
type Cache[K comparable, V any] struct {
	maxSize    int
	defaultTTL time.Duration

	mu      sync.Mutex
	entries map[K]*list.Element
	order   *list.List // front = most recently used

	hits   int64
	misses int64
}

type entry[K comparable, V any] struct {
	key       K
	value     V
	expiresAt time.Time // zero means no expiry
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Size    int     `json:"size"`
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

// New creates a cache holding at most maxSize entries, each expiring
// defaultTTL after insertion. A non-positive defaultTTL disables
// expiry for entries set without an explicit TTL.
func New[K comparable, V any](maxSize int, defaultTTL time.Duration) *Cache[K, V] {
	if maxSize <= 0 {
		maxSize = 1
	}
	return &Cache[K, V]{
		maxSize:    maxSize,
		defaultTTL: defaultTTL,
		entries:    make(map[K]*list.Element),
		order:      list.New(),
	}
}

// Get returns the value for key. An absent or expired key counts one
// miss; a live key counts one hit and becomes the most recently used
// entry.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	el, ok := c.entries[key]
	if !ok {
		c.misses++
		return zero, false
	}

	ent := el.Value.(*entry[K, V])
	if c.expired(ent) {
		c.removeElement(el)
		c.misses++
		return zero, false
	}

	c.hits++
	c.order.MoveToFront(el)
	return ent.value, true
}

// Set stores value under key with the default TTL.
func (c *Cache[K, V]) Set(key K, value V) {
	c.SetTTL(key, value, c.defaultTTL)
}

// SetTTL stores value under key with an explicit TTL. A non-positive
// ttl stores the entry without expiry. If the cache is full the least
// recently used entry is evicted first.
func (c *Cache[K, V]) SetTTL(key K, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}

	if el, ok := c.entries[key]; ok {
		ent := el.Value.(*entry[K, V])
		ent.value = value
		ent.expiresAt = expiresAt
		c.order.MoveToFront(el)
		return
	}

	if len(c.entries) >= c.maxSize {
		if back := c.order.Back(); back != nil {
			c.removeElement(back)
		}
	}

	el := c.order.PushFront(&entry[K, V]{key: key, value: value, expiresAt: expiresAt})
	c.entries[key] = el
}

// Has reports whether key is present and unexpired, without touching
// the hit/miss counters or the recency order.
func (c *Cache[K, V]) Has(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		return false
	}
	if c.expired(el.Value.(*entry[K, V])) {
		c.removeElement(el)
		return false
	}
	return true
}

// Delete removes key if present.
func (c *Cache[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		c.removeElement(el)
	}
}

// Clear removes every entry. Counters are preserved.
func (c *Cache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[K]*list.Element)
	c.order.Init()
}

// Len returns the current entry count, including entries that have
// expired but not yet been read.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// GetStats returns a snapshot of size and hit/miss counters.
func (c *Cache[K, V]) GetStats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := c.hits + c.misses
	rate := float64(0)
	if total > 0 {
		rate = float64(c.hits) / float64(total)
	}
	return Stats{
		Size:    len(c.entries),
		Hits:    c.hits,
		Misses:  c.misses,
		HitRate: rate,
	}
}

func (c *Cache[K, V]) expired(ent *entry[K, V]) bool {
	return !ent.expiresAt.IsZero() && time.Now().After(ent.expiresAt)
}

func (c *Cache[K, V]) removeElement(el *list.Element) {
	ent := el.Value.(*entry[K, V])
	c.order.Remove(el)
	delete(c.entries, ent.key)
}
