// Package cache provides the process-wide read-through cache used by
// the metadata engine: a bounded key-value store with per-entry TTLs,
// LRU capacity eviction and prefix invalidation.
//
// The cache is a performance optimization, never a correctness source;
// the row store remains authoritative. It is created once at startup
// and injected, so tests can substitute or clear their own instance.
package cache

import (
	"container/list"
	"strings"
	"sync"
	"time"

	"github.com/cirrusdrive/cirrusdrive/internal/metrics"
)

// Entry is a cached value with its insertion time and TTL.
type Entry struct {
	Key        string
	Value      any
	InsertedAt time.Time
	TTL        time.Duration
}

func (e *Entry) expired(now time.Time) bool {
	return now.Sub(e.InsertedAt) > e.TTL
}

// Cache is a bounded LRU cache with per-entry TTLs.
type Cache struct {
	capacity   int
	defaultTTL time.Duration
	now        func() time.Time

	mu    sync.Mutex
	order *list.List // front = most recently used
	items map[string]*list.Element
}

// New creates a cache holding at most capacity entries. Entries set
// without an explicit TTL expire after defaultTTL.
func New(capacity int, defaultTTL time.Duration) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if defaultTTL <= 0 {
		defaultTTL = DefaultTTL
	}
	return &Cache{
		capacity:   capacity,
		defaultTTL: defaultTTL,
		now:        time.Now,
		order:      list.New(),
		items:      make(map[string]*list.Element),
	}
}

// Get returns the value for key if present and not expired.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		metrics.RecordCacheMiss(keyClass(key))
		return nil, false
	}

	entry := elem.Value.(*Entry)
	if entry.expired(c.now()) {
		c.remove(elem)
		metrics.RecordCacheMiss(keyClass(key))
		return nil, false
	}

	c.order.MoveToFront(elem)
	metrics.RecordCacheHit(keyClass(key))
	return entry.Value, true
}

// Set stores value under key with the default TTL.
func (c *Cache) Set(key string, value any) {
	c.SetTTL(key, value, c.defaultTTL)
}

// SetTTL stores value under key with an explicit TTL.
func (c *Cache) SetTTL(key string, value any, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		entry := elem.Value.(*Entry)
		entry.Value = value
		entry.InsertedAt = c.now()
		entry.TTL = ttl
		c.order.MoveToFront(elem)
		return
	}

	for len(c.items) >= c.capacity {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.remove(oldest)
		metrics.RecordCacheEviction()
	}

	entry := &Entry{Key: key, Value: value, InsertedAt: c.now(), TTL: ttl}
	c.items[key] = c.order.PushFront(entry)
}

// Delete removes key from the cache.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		c.remove(elem)
	}
}

// InvalidateByPrefix removes every key with the given string prefix and
// returns the number of entries removed. An empty prefix matches all
// keys, equivalent to Clear.
func (c *Cache) InvalidateByPrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	count := 0
	for key, elem := range c.items {
		if strings.HasPrefix(key, prefix) {
			c.remove(elem)
			count++
		}
	}
	return count
}

// Clear removes all entries.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.order.Init()
	c.items = make(map[string]*list.Element)
}

// Len returns the number of entries, including not-yet-collected
// expired ones.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// remove must be called with the lock held.
func (c *Cache) remove(elem *list.Element) {
	entry := c.order.Remove(elem).(*Entry)
	delete(c.items, entry.Key)
}

// keyClass reports the key namespace up to the first separator, used
// as the metrics label.
func keyClass(key string) string {
	if i := strings.IndexByte(key, ':'); i > 0 {
		return key[:i]
	}
	return "other"
}
