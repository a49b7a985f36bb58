package registry

import (
	"sync"
	"time"

	"github.com/taskforge-ai/taskforge/core"
)

// templateCache is a TTL read-through cache for template documents. The
// bound is the registry's CacheTTL, so a retry after a repair must call
// invalidate to observe the new script before the TTL elapses.
type templateCache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	ttl     time.Duration
}

type cacheEntry struct {
	tmpl     *core.Template
	cachedAt time.Time
}

func newTemplateCache(ttl time.Duration) *templateCache {
	return &templateCache{
		entries: make(map[string]cacheEntry),
		ttl:     ttl,
	}
}

func (c *templateCache) get(id string) (*core.Template, bool) {
	c.mu.RLock()
	entry, ok := c.entries[id]
	c.mu.RUnlock()
	if !ok || time.Since(entry.cachedAt) > c.ttl {
		return nil, false
	}
	// Copy so callers can mutate without poisoning the cache.
	cp := *entry.tmpl
	return &cp, true
}

func (c *templateCache) put(tmpl *core.Template) {
	cp := *tmpl
	c.mu.Lock()
	c.entries[tmpl.ID] = cacheEntry{tmpl: &cp, cachedAt: time.Now()}
	c.mu.Unlock()
}

func (c *templateCache) invalidate(id string) {
	c.mu.Lock()
	delete(c.entries, id)
	c.mu.Unlock()
}
