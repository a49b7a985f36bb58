package orchestration

import (
	"sync"
	"time"

	"github.com/taskforge-ai/taskforge/core"
)

// Conversation cache sizing. Entries younger than the protection window
// are only evicted when the cache is over capacity.
const (
	ContextCacheMaxEntries = 500
	ContextCacheTTL        = 15 * time.Minute
	contextCacheProtection = 5 * time.Minute
)

// ConversationContext is the per-conversation state kept between turns:
// recent messages and the task ids the conversation produced.
type ConversationContext struct {
	ConversationID string        `json:"conversation_id"`
	UserID         string        `json:"user_id"`
	Messages       []ContextTurn `json:"messages"`
	TaskIDs        []string      `json:"task_ids,omitempty"`

	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	Turns          int       `json:"turns"`
}

// ContextTurn is one utterance/response pair.
type ContextTurn struct {
	Role    string    `json:"role"` // user | engine
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

// ContextCacheStats reports cache behavior.
type ContextCacheStats struct {
	Size      int   `json:"size"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
}

// ContextCache is the in-process conversation cache: bounded size, sliding
// TTL, and eviction by an LRU score weighted with turn activity so busy
// conversations outlive idle ones of the same age.
type ContextCache struct {
	mu      sync.Mutex
	entries map[string]*contextEntry
	max     int
	ttl     time.Duration
	logger  core.Logger
	stats   ContextCacheStats

	now func() time.Time
}

type contextEntry struct {
	ctx       *ConversationContext
	expiresAt time.Time
}

// NewContextCache creates a conversation cache with the default bounds.
func NewContextCache(logger core.Logger) *ContextCache {
	return &ContextCache{
		entries: make(map[string]*contextEntry),
		max:     ContextCacheMaxEntries,
		ttl:     ContextCacheTTL,
		logger:  logger,
		now:     time.Now,
	}
}

// Get returns the conversation context and refreshes its TTL and activity
// timestamp.
func (c *ContextCache) Get(conversationID string) (*ConversationContext, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, found := c.entries[conversationID]
	if !found || c.now().After(entry.expiresAt) {
		if found {
			delete(c.entries, conversationID)
		}
		c.stats.Misses++
		return nil, false
	}

	entry.ctx.LastActivityAt = c.now()
	entry.expiresAt = c.now().Add(c.ttl)
	c.stats.Hits++
	return entry.ctx, true
}

// Put stores or refreshes a conversation context, evicting as needed.
func (c *ContextCache) Put(cc *ConversationContext) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if cc.CreatedAt.IsZero() {
		cc.CreatedAt = now
	}
	cc.LastActivityAt = now

	if _, exists := c.entries[cc.ConversationID]; !exists && len(c.entries) >= c.max {
		c.evictLocked()
	}
	c.entries[cc.ConversationID] = &contextEntry{
		ctx:       cc,
		expiresAt: now.Add(c.ttl),
	}
	c.stats.Size = len(c.entries)
}

// AppendTurn records one turn onto a conversation, creating it on first
// use.
func (c *ContextCache) AppendTurn(conversationID, userID, role, content string) *ConversationContext {
	cc, found := c.Get(conversationID)
	if !found {
		cc = &ConversationContext{
			ConversationID: conversationID,
			UserID:         userID,
		}
	}
	cc.Messages = append(cc.Messages, ContextTurn{Role: role, Content: content, At: c.now()})
	cc.Turns++
	c.Put(cc)
	return cc
}

// AttachTask links a created task to its conversation.
func (c *ContextCache) AttachTask(conversationID, taskID string) {
	cc, found := c.Get(conversationID)
	if !found {
		return
	}
	cc.TaskIDs = append(cc.TaskIDs, taskID)
	c.Put(cc)
}

// Invalidate drops a conversation.
func (c *ContextCache) Invalidate(conversationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, conversationID)
	c.stats.Size = len(c.entries)
}

// Stats returns a snapshot of cache counters.
func (c *ContextCache) Stats() ContextCacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	stats := c.stats
	stats.Size = len(c.entries)
	return stats
}

// evictLocked removes expired entries first, then the entry with the worst
// retention score. Conversations active within the protection window are
// skipped on the scored pass; when everything is protected the cache is
// over capacity and the worst score goes anyway.
func (c *ContextCache) evictLocked() {
	now := c.now()
	for id, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, id)
			c.stats.Evictions++
		}
	}
	if len(c.entries) < c.max {
		return
	}

	victim := c.selectVictim(now, true)
	if victim == "" {
		victim = c.selectVictim(now, false)
	}
	if victim != "" {
		delete(c.entries, victim)
		c.stats.Evictions++
		if c.logger != nil {
			c.logger.Debug("Conversation context evicted", map[string]interface{}{
				"conversation_id": victim,
				"cache_size":      len(c.entries),
			})
		}
	}
}

func (c *ContextCache) selectVictim(now time.Time, respectProtection bool) string {
	victim := ""
	worst := 0.0
	for id, entry := range c.entries {
		if respectProtection && now.Sub(entry.ctx.LastActivityAt) < contextCacheProtection {
			continue
		}
		score := retentionScore(entry.ctx, now)
		if victim == "" || score < worst {
			victim = id
			worst = score
		}
	}
	return victim
}

// retentionScore combines recency with activity: a conversation idle for
// the full TTL scores near zero, and each recorded turn adds weight so
// high-traffic conversations survive longer.
func retentionScore(cc *ConversationContext, now time.Time) float64 {
	idle := now.Sub(cc.LastActivityAt).Seconds()
	recency := 1.0 - idle/ContextCacheTTL.Seconds()
	if recency < 0 {
		recency = 0
	}
	activity := float64(cc.Turns) / 50.0
	if activity > 1 {
		activity = 1
	}
	return 0.7*recency + 0.3*activity
}
