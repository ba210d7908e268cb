package cache

/*
				Streamgate Cache - LRU with per-entry TTL
	Two instances back the gateway: a metadata cache (expensive to recompute,
	long TTL) and a response cache for watch pages and initial-range header
	snapshots (cheap to refuse, short TTL). Entries fall out by recency when
	the cache is full and by expiry otherwise; a background sweeper collects
	expired entries so cold keys don't pin memory.

	Thread-safe. A missed read race may report absent where a hit was
	possible; callers treat that as a normal miss.
*/

import (
	"container/list"
	"sync"
	"time"

	"github.com/streamgate/streamgate/internal/logger"
)

const DefaultSweepInterval = 60 * time.Second

type entry[V any] struct {
	key      string
	value    V
	expiresAt time.Time
}

// Cache is a bounded string-keyed LRU with per-entry TTL.
type Cache[V any] struct {
	mu       sync.Mutex
	items    map[string]*list.Element
	order    *list.List // front = most recently used
	capacity int
	ttl      time.Duration

	logger   *logger.StyledLogger
	stopOnce sync.Once
	stopCh   chan struct{}
}

// New creates a cache with the given capacity and default TTL and starts
// the background sweeper.
func New[V any](capacity int, ttl time.Duration, lgr *logger.StyledLogger) *Cache[V] {
	c := &Cache[V]{
		items:    make(map[string]*list.Element, capacity),
		order:    list.New(),
		capacity: capacity,
		ttl:      ttl,
		logger:   lgr,
		stopCh:   make(chan struct{}),
	}
	go c.sweepLoop(DefaultSweepInterval)
	return c
}

// Get returns the value for key, updating its recency. Expired entries are
// removed and reported as absent.
func (c *Cache[V]) Get(key string) (V, bool) {
	var zero V

	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return zero, false
	}

	ent := el.Value.(*entry[V])
	if time.Now().After(ent.expiresAt) {
		c.removeElement(el)
		return zero, false
	}

	c.order.MoveToFront(el)
	return ent.value, true
}

// Set stores value under key with the default TTL.
func (c *Cache[V]) Set(key string, value V) {
	c.SetWithTTL(key, value, c.ttl)
}

// SetWithTTL stores value under key with a per-entry TTL, evicting the
// least recently used entry if the cache is full.
func (c *Cache[V]) SetWithTTL(key string, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		ent := el.Value.(*entry[V])
		ent.value = value
		ent.expiresAt = time.Now().Add(ttl)
		c.order.MoveToFront(el)
		return
	}

	el := c.order.PushFront(&entry[V]{
		key:      key,
		value:    value,
		expiresAt: time.Now().Add(ttl),
	})
	c.items[key] = el

	if c.order.Len() > c.capacity {
		c.evictOldest()
	}
}

// Contains reports whether key is present and unexpired without updating
// recency.
func (c *Cache[V]) Contains(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return false
	}
	if time.Now().After(el.Value.(*entry[V]).expiresAt) {
		c.removeElement(el)
		return false
	}
	return true
}

// Len returns the number of entries currently held, expired or not.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Clear drops every entry.
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*list.Element, c.capacity)
	c.order.Init()
}

// Stop terminates the background sweeper.
func (c *Cache[V]) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
}

func (c *Cache[V]) evictOldest() {
	// Prefer dropping an already expired entry over a live one.
	now := time.Now()
	for el := c.order.Back(); el != nil; el = el.Prev() {
		if now.After(el.Value.(*entry[V]).expiresAt) {
			c.removeElement(el)
			return
		}
	}
	if el := c.order.Back(); el != nil {
		c.removeElement(el)
	}
}

func (c *Cache[V]) removeElement(el *list.Element) {
	ent := el.Value.(*entry[V])
	c.order.Remove(el)
	delete(c.items, ent.key)
}

func (c *Cache[V]) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			removed := c.sweep()
			if removed > 0 && c.logger != nil {
				c.logger.Debug("cache sweep removed expired entries", "count", removed)
			}
		}
	}
}

// sweep removes every expired entry and returns how many went.
func (c *Cache[V]) sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	removed := 0

	var next *list.Element
	for el := c.order.Front(); el != nil; el = next {
		next = el.Next()
		if now.After(el.Value.(*entry[V]).expiresAt) {
			c.removeElement(el)
			removed++
		}
	}
	return removed
}
