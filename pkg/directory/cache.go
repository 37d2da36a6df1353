package directory

import (
	"context"
	"sync"
	"time"
)

// Cached decorates a Client with a bounded, time-expiring membership cache.
// It is opt-in: stale membership changes who receives a broadcast, so the
// relay defaults to fetching fresh on every group operation.
type Cached struct {
	inner      Client
	ttl        time.Duration
	maxEntries int

	mu      sync.Mutex
	entries map[string]cacheEntry

	now func() time.Time
}

type cacheEntry struct {
	members   []string
	expiresAt time.Time
}

func NewCached(inner Client, ttl time.Duration, maxEntries int) *Cached {
	if maxEntries <= 0 {
		maxEntries = 1024
	}
	return &Cached{
		inner:      inner,
		ttl:        ttl,
		maxEntries: maxEntries,
		entries:    make(map[string]cacheEntry),
		now:        time.Now,
	}
}

var _ Client = (*Cached)(nil)

func (c *Cached) GroupMembers(ctx context.Context, groupID string) ([]string, error) {
	c.mu.Lock()
	if entry, ok := c.entries[groupID]; ok && c.now().Before(entry.expiresAt) {
		members := append([]string(nil), entry.members...)
		c.mu.Unlock()
		return members, nil
	}
	c.mu.Unlock()

	// The store round trip happens outside the cache lock.
	members, err := c.inner.GroupMembers(ctx, groupID)
	if err != nil {
		// Failures are never cached; the next operation retries the store.
		return nil, err
	}

	c.mu.Lock()
	if len(c.entries) >= c.maxEntries {
		c.evictExpired()
		if len(c.entries) >= c.maxEntries {
			// Still full of live entries; skip caching rather than grow.
			c.mu.Unlock()
			return members, nil
		}
	}
	c.entries[groupID] = cacheEntry{
		members:   append([]string(nil), members...),
		expiresAt: c.now().Add(c.ttl),
	}
	c.mu.Unlock()
	return members, nil
}

func (c *Cached) evictExpired() {
	now := c.now()
	for id, entry := range c.entries {
		if !now.Before(entry.expiresAt) {
			delete(c.entries, id)
		}
	}
}
