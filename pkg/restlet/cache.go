package restlet

import (
	"strings"
	"sync"
	"time"
)

// ttlCache is an in-memory cache with per-entry expiration. It backs
// planned and estimated counts, which may be slightly stale.
type ttlCache[V any] struct {
	items map[string]cacheItem[V]
	now   func() time.Time
	mu    sync.RWMutex
}

type cacheItem[V any] struct {
	value      V
	expiration time.Time
}

func newTTLCache[V any]() *ttlCache[V] {
	return &ttlCache[V]{
		items: make(map[string]cacheItem[V]),
		now:   time.Now,
	}
}

func (c *ttlCache[V]) Set(key string, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = cacheItem[V]{value: value, expiration: c.now().Add(ttl)}
}

func (c *ttlCache[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	item, found := c.items[key]
	c.mu.RUnlock()

	if !found || c.now().After(item.expiration) {
		var zero V
		return zero, false
	}
	return item.value, true
}

// Invalidate drops every entry whose key starts with prefix.
func (c *ttlCache[V]) Invalidate(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.items {
		if strings.HasPrefix(key, prefix) {
			delete(c.items, key)
		}
	}
}

// CleanupExpired removes expired entries.
func (c *ttlCache[V]) CleanupExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for key, item := range c.items {
		if now.After(item.expiration) {
			delete(c.items, key)
		}
	}
}
