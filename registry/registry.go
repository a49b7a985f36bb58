// Package registry stores executable task templates and resolves incoming
// utterances to the best matching template via dual-embedding search: a
// high-precision pass over name embeddings, then a recall pass over
// full-document embeddings filtered to enabled templates.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/taskforge-ai/taskforge/core"
	"github.com/taskforge-ai/taskforge/vector"
)

// Config configures the template registry.
type Config struct {
	// KeyPrefix namespaces all registry keys. Default: "taskforge:templates".
	KeyPrefix string `json:"key_prefix"`

	// CacheTTL bounds staleness of the in-process template cache.
	// Default: 5 minutes.
	CacheTTL time.Duration `json:"cache_ttl"`

	// NameMatchThreshold is the Phase-A cosine floor. Default: 0.85.
	NameMatchThreshold float64 `json:"name_match_threshold"`

	// MatchFloor is the Phase-B cosine floor. Default: 0.5.
	MatchFloor float64 `json:"match_floor"`

	// Dimensions is the embedding dimensionality. Default: the embedder's.
	Dimensions int `json:"dimensions"`

	// Logger is an optional logger for registry operations.
	Logger core.Logger `json:"-"`
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		KeyPrefix:          "taskforge:templates",
		CacheTTL:           5 * time.Minute,
		NameMatchThreshold: 0.85,
		MatchFloor:         0.5,
	}
}

// Registry is the template store plus its two vector indexes and cache.
// Writes and reads are strongly consistent within a template document;
// the cache is purely advisory and invalidated on repair.
type Registry struct {
	client    *redis.Client
	embedder  core.Embedder
	nameIndex *vector.Index
	fullIndex *vector.Index
	cache     *templateCache
	config    Config
	logger    core.Logger
}

// New creates a template registry. The embedder supplies both embeddings on
// writes and the query embedding on lookups.
func New(client *redis.Client, embedder core.Embedder, config *Config) *Registry {
	if config == nil {
		defaultConfig := DefaultConfig()
		config = &defaultConfig
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "taskforge:templates"
	}
	if config.CacheTTL <= 0 {
		config.CacheTTL = 5 * time.Minute
	}
	if config.NameMatchThreshold <= 0 {
		config.NameMatchThreshold = 0.85
	}
	if config.MatchFloor <= 0 {
		config.MatchFloor = 0.5
	}
	if config.Dimensions <= 0 && embedder != nil {
		config.Dimensions = embedder.Dimensions()
	}

	r := &Registry{
		client:   client,
		embedder: embedder,
		cache:    newTemplateCache(config.CacheTTL),
		config:   *config,
		logger:   config.Logger,
	}

	if r.logger != nil {
		if cal, ok := r.logger.(core.ComponentAwareLogger); ok {
			r.logger = cal.WithComponent("engine/registry")
		}
	}

	r.nameIndex = vector.NewIndex(client, &vector.IndexConfig{
		KeyPrefix:  config.KeyPrefix + ":namevec",
		Dimensions: config.Dimensions,
		Logger:     config.Logger,
	})
	r.fullIndex = vector.NewIndex(client, &vector.IndexConfig{
		KeyPrefix:  config.KeyPrefix + ":fullvec",
		Dimensions: config.Dimensions,
		Logger:     config.Logger,
	})

	return r
}

func (r *Registry) templateKey(id string) string {
	return fmt.Sprintf("%s:tmpl:%s", r.config.KeyPrefix, id)
}

func (r *Registry) idSetKey() string {
	return r.config.KeyPrefix + ":ids"
}

// Put stores a template, computing both embeddings when an embedder is
// configured. Version starts at 1 for new templates.
func (r *Registry) Put(ctx context.Context, tmpl *core.Template) error {
	if tmpl == nil {
		return fmt.Errorf("template cannot be nil")
	}
	if err := tmpl.Validate(); err != nil {
		return err
	}

	now := time.Now().UTC()
	if tmpl.CreatedAt.IsZero() {
		tmpl.CreatedAt = now
	}
	tmpl.UpdatedAt = now
	if tmpl.Version <= 0 {
		tmpl.Version = 1
	}

	if r.embedder != nil {
		nameVec, err := r.embedder.Embed(ctx, tmpl.Name, core.EmbedRetrievalDocument)
		if err != nil {
			return fmt.Errorf("failed to embed template name: %w", err)
		}
		fullVec, err := r.embedder.Embed(ctx, tmpl.EmbeddingText(), core.EmbedRetrievalDocument)
		if err != nil {
			return fmt.Errorf("failed to embed template document: %w", err)
		}
		tmpl.NameEmbedding = nameVec
		tmpl.Embedding = fullVec
	}

	if err := r.write(ctx, tmpl); err != nil {
		return err
	}

	if r.logger != nil {
		r.logger.InfoWithContext(ctx, "Template stored", map[string]interface{}{
			"template_id": tmpl.ID,
			"version":     tmpl.Version,
			"enabled":     tmpl.Enabled,
		})
	}
	return nil
}

// write persists the document and synchronizes both vector indexes.
func (r *Registry) write(ctx context.Context, tmpl *core.Template) error {
	data, err := json.Marshal(tmpl)
	if err != nil {
		return fmt.Errorf("failed to serialize template: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.templateKey(tmpl.ID), data, 0)
	pipe.SAdd(ctx, r.idSetKey(), tmpl.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store template: %w", err)
	}

	if tmpl.Indexable() {
		attrs := map[string]string{
			"enabled": strconv.FormatBool(tmpl.Enabled),
			"testing": strconv.FormatBool(tmpl.Testing),
		}
		if err := r.nameIndex.Upsert(ctx, tmpl.ID, tmpl.NameEmbedding, attrs); err != nil {
			return err
		}
		if err := r.fullIndex.Upsert(ctx, tmpl.ID, tmpl.Embedding, attrs); err != nil {
			return err
		}
	}

	r.cache.put(tmpl)
	return nil
}

// Get retrieves a template by id, serving from the cache inside its TTL.
// Disabled templates are returned: enabled=false only excludes a template
// from matching, not from direct lookup.
func (r *Registry) Get(ctx context.Context, id string) (*core.Template, error) {
	if id == "" {
		return nil, fmt.Errorf("template id cannot be empty")
	}
	if tmpl, ok := r.cache.get(id); ok {
		return tmpl, nil
	}
	return r.load(ctx, id)
}

// GetFresh retrieves a template bypassing and refreshing the cache. The
// orchestrator uses this after a repair write so the retry observes the new
// script bytes.
func (r *Registry) GetFresh(ctx context.Context, id string) (*core.Template, error) {
	if id == "" {
		return nil, fmt.Errorf("template id cannot be empty")
	}
	r.cache.invalidate(id)
	return r.load(ctx, id)
}

func (r *Registry) load(ctx context.Context, id string) (*core.Template, error) {
	data, err := r.client.Get(ctx, r.templateKey(id)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, core.ErrTemplateNotFound
		}
		return nil, fmt.Errorf("failed to load template: %w", err)
	}

	var tmpl core.Template
	if err := json.Unmarshal([]byte(data), &tmpl); err != nil {
		return nil, fmt.Errorf("failed to deserialize template: %w", err)
	}
	r.cache.put(&tmpl)
	return &tmpl, nil
}

// Update applies mutate under optimistic concurrency: the template document
// is re-read and the write retried when the stored version moved underneath
// us. mutate must not assume it runs exactly once.
func (r *Registry) Update(ctx context.Context, id string, mutate func(*core.Template) error) (*core.Template, error) {
	const maxAttempts = 5

	for attempt := 0; attempt < maxAttempts; attempt++ {
		current, err := r.GetFresh(ctx, id)
		if err != nil {
			return nil, err
		}
		expectedVersion := current.Version

		if err := mutate(current); err != nil {
			return nil, err
		}
		current.UpdatedAt = time.Now().UTC()

		ok, err := r.compareAndSwap(ctx, current, expectedVersion)
		if err != nil {
			return nil, err
		}
		if ok {
			return current, nil
		}
	}
	return nil, fmt.Errorf("template %s: concurrent modification, gave up after %d attempts", id, 5)
}

// compareAndSwap writes the template only if the stored version still equals
// expectedVersion, using WATCH/MULTI on the document key.
func (r *Registry) compareAndSwap(ctx context.Context, tmpl *core.Template, expectedVersion int) (bool, error) {
	key := r.templateKey(tmpl.ID)
	swapped := false

	txn := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Result()
		if err != nil {
			if err == redis.Nil {
				return core.ErrTemplateNotFound
			}
			return err
		}
		var stored core.Template
		if err := json.Unmarshal([]byte(data), &stored); err != nil {
			return fmt.Errorf("failed to deserialize template: %w", err)
		}
		if stored.Version != expectedVersion {
			return nil // lost the race; caller re-reads and retries
		}

		payload, err := json.Marshal(tmpl)
		if err != nil {
			return fmt.Errorf("failed to serialize template: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			return nil
		})
		if err == nil {
			swapped = true
		}
		return err
	}

	if err := r.client.Watch(ctx, txn, key); err != nil {
		if err == redis.TxFailedErr {
			return false, nil
		}
		return false, err
	}
	if !swapped {
		return false, nil
	}

	// Keep the indexes and cache coherent with the new document.
	if tmpl.Indexable() {
		attrs := map[string]string{
			"enabled": strconv.FormatBool(tmpl.Enabled),
			"testing": strconv.FormatBool(tmpl.Testing),
		}
		if err := r.nameIndex.Upsert(ctx, tmpl.ID, tmpl.NameEmbedding, attrs); err != nil {
			return true, err
		}
		if err := r.fullIndex.Upsert(ctx, tmpl.ID, tmpl.Embedding, attrs); err != nil {
			return true, err
		}
	}
	r.cache.invalidate(tmpl.ID)
	return true, nil
}

// UpdateScript installs a repaired execution script: new monotonic version,
// repair bookkeeping, cache invalidation. The caller has already validated
// the script against the sandbox dialect.
func (r *Registry) UpdateScript(ctx context.Context, id, script, modifiedBy string) (*core.Template, error) {
	if script == "" {
		return nil, fmt.Errorf("execution script cannot be empty")
	}
	now := time.Now().UTC()
	tmpl, err := r.Update(ctx, id, func(t *core.Template) error {
		t.ExecutionScript = script
		t.Version++
		t.LastRepairedAt = &now
		t.RepairAttempts++
		t.ScriptValidated = true
		t.LastModifiedBy = modifiedBy
		return nil
	})
	if err != nil {
		return nil, err
	}

	if r.logger != nil {
		r.logger.InfoWithContext(ctx, "Template script repaired", map[string]interface{}{
			"template_id":     id,
			"version":         tmpl.Version,
			"repair_attempts": tmpl.RepairAttempts,
		})
	}
	return tmpl, nil
}

// Delete removes a template and its index entries.
func (r *Registry) Delete(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("template id cannot be empty")
	}

	pipe := r.client.TxPipeline()
	pipe.Del(ctx, r.templateKey(id))
	pipe.SRem(ctx, r.idSetKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete template: %w", err)
	}
	if err := r.nameIndex.Delete(ctx, id); err != nil {
		return err
	}
	if err := r.fullIndex.Delete(ctx, id); err != nil {
		return err
	}
	r.cache.invalidate(id)
	return nil
}

// SetEnabled toggles matching participation.
func (r *Registry) SetEnabled(ctx context.Context, id string, enabled bool) error {
	_, err := r.Update(ctx, id, func(t *core.Template) error {
		t.Enabled = enabled
		return nil
	})
	return err
}

// SetTesting toggles testing mode.
func (r *Registry) SetTesting(ctx context.Context, id string, testing bool) error {
	_, err := r.Update(ctx, id, func(t *core.Template) error {
		t.Testing = testing
		return nil
	})
	return err
}

// Invalidate drops a template from the in-process cache. The orchestrator
// calls this before a retry execute so the repaired script is picked up.
func (r *Registry) Invalidate(id string) {
	r.cache.invalidate(id)
}

// List returns all stored templates. Management surface only.
func (r *Registry) List(ctx context.Context) ([]*core.Template, error) {
	ids, err := r.client.SMembers(ctx, r.idSetKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list templates: %w", err)
	}
	templates := make([]*core.Template, 0, len(ids))
	for _, id := range ids {
		tmpl, err := r.load(ctx, id)
		if err != nil {
			if core.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		templates = append(templates, tmpl)
	}
	return templates, nil
}
