// Package cache stores FHIR search results so repeated queries skip the
// upstream server. MemoryCache serves a single instance; RedisCache is shared
// between replicas.
package cache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/ai-on-fhir/fhirquery/fhir"
)

// Cache is implemented by every backend in this package
type Cache interface {
	fhir.BundleCache
	Close() error
}

var _ Cache = (*MemoryCache)(nil)

type memoryItem struct {
	key     string
	bundle  *fhir.Bundle
	expires time.Time
}

// MemoryCache is a TTL cache bounded to maxEntries; the oldest insert is evicted first
type MemoryCache struct {
	mu         sync.Mutex
	ttl        time.Duration
	maxEntries int
	order      *list.List // front is oldest
	items      map[string]*list.Element
	now        func() time.Time
	stop       chan struct{}
	stopOnce   sync.Once
}

// NewMemoryCache creates a cache and starts a janitor sweeping expired entries every ttl
func NewMemoryCache(ttl time.Duration, maxEntries int) *MemoryCache {
	if maxEntries < 1 {
		maxEntries = 1
	}
	c := &MemoryCache{
		ttl:        ttl,
		maxEntries: maxEntries,
		order:      list.New(),
		items:      make(map[string]*list.Element),
		now:        time.Now,
		stop:       make(chan struct{}),
	}
	if ttl > 0 {
		go c.janitor(ttl)
	}
	return c
}

func (c *MemoryCache) Get(_ context.Context, key string) (*fhir.Bundle, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return nil, false, nil
	}
	item := el.Value.(*memoryItem)
	if !c.now().Before(item.expires) {
		c.removeElement(el)
		return nil, false, nil
	}
	return item.bundle, true, nil
}

func (c *MemoryCache) Set(_ context.Context, key string, bundle *fhir.Bundle) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	expires := c.now().Add(c.ttl)
	if el, ok := c.items[key]; ok {
		item := el.Value.(*memoryItem)
		item.bundle = bundle
		item.expires = expires
		c.order.MoveToBack(el)
		return nil
	}

	for c.order.Len() >= c.maxEntries {
		c.removeElement(c.order.Front())
	}
	c.items[key] = c.order.PushBack(&memoryItem{key: key, bundle: bundle, expires: expires})
	return nil
}

// Len returns the number of stored entries, expired or not
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Close stops the janitor
func (c *MemoryCache) Close() error {
	c.stopOnce.Do(func() { close(c.stop) })
	return nil
}

func (c *MemoryCache) removeElement(el *list.Element) {
	item := c.order.Remove(el).(*memoryItem)
	delete(c.items, item.key)
}

// sweep drops every expired entry and returns how many were removed
func (c *MemoryCache) sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for el := c.order.Front(); el != nil; {
		next := el.Next()
		if !now.Before(el.Value.(*memoryItem).expires) {
			c.removeElement(el)
			removed++
		}
		el = next
	}
	return removed
}

func (c *MemoryCache) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}
