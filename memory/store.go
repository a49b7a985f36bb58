// Package memory implements reasoning memory: validated, embedded, and
// retrievable lessons distilled from execution trajectories. Memories are
// append-only documents; only attribution counters mutate, via atomic
// increments.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/taskforge-ai/taskforge/core"
	"github.com/taskforge-ai/taskforge/vector"
)

// Config configures the memory store.
type Config struct {
	// KeyPrefix namespaces all memory keys. Default: "taskforge:memory".
	KeyPrefix string `json:"key_prefix"`

	// QuotaPerTemplate caps memories per template id; oldest-first eviction
	// applies on write. Default: core.MemoryQuotaPerTemplate.
	QuotaPerTemplate int `json:"quota_per_template"`

	// Dimensions is the embedding dimensionality. Default: the embedder's.
	Dimensions int `json:"dimensions"`

	// Logger is an optional logger for memory operations.
	Logger core.Logger `json:"-"`
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		KeyPrefix:        "taskforge:memory",
		QuotaPerTemplate: core.MemoryQuotaPerTemplate,
	}
}

// Store persists reasoning memories in Redis with a vector index over their
// composed embedding text.
type Store struct {
	client   *redis.Client
	embedder core.Embedder
	index    *vector.Index
	config   Config
	logger   core.Logger
}

// hash fields of a memory key
const (
	fieldDoc              = "doc"
	fieldTimesRetrieved   = "times_retrieved"
	fieldUsedInSuccess    = "times_used_in_success"
	fieldUsedInFailure    = "times_used_in_failure"
)

// NewStore creates a memory store.
func NewStore(client *redis.Client, embedder core.Embedder, config *Config) *Store {
	if config == nil {
		defaultConfig := DefaultConfig()
		config = &defaultConfig
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "taskforge:memory"
	}
	if config.QuotaPerTemplate <= 0 {
		config.QuotaPerTemplate = core.MemoryQuotaPerTemplate
	}
	if config.Dimensions <= 0 && embedder != nil {
		config.Dimensions = embedder.Dimensions()
	}

	s := &Store{
		client:   client,
		embedder: embedder,
		config:   *config,
		logger:   config.Logger,
	}
	if s.logger != nil {
		if cal, ok := s.logger.(core.ComponentAwareLogger); ok {
			s.logger = cal.WithComponent("engine/memory")
		}
	}

	s.index = vector.NewIndex(client, &vector.IndexConfig{
		KeyPrefix:  config.KeyPrefix + ":vec",
		Dimensions: config.Dimensions,
		Logger:     config.Logger,
	})
	return s
}

func (s *Store) memoryKey(id string) string {
	return fmt.Sprintf("%s:mem:%s", s.config.KeyPrefix, id)
}

func (s *Store) idSetKey() string {
	return s.config.KeyPrefix + ":ids"
}

// templateSetKey is a sorted set of memory ids per template, scored by
// creation time, which makes oldest-first eviction a ZRANGE.
func (s *Store) templateSetKey(templateID string) string {
	return fmt.Sprintf("%s:bytemplate:%s", s.config.KeyPrefix, templateID)
}

// Save validates, embeds, and persists a memory. A memory exceeding the
// per-template quota evicts the oldest memories of that template first.
func (s *Store) Save(ctx context.Context, mem *core.ReasoningMemory) error {
	if err := Validate(mem); err != nil {
		return err
	}

	if mem.ID == "" {
		mem.ID = "mem_" + uuid.NewString()
	}
	if mem.CreatedAt.IsZero() {
		mem.CreatedAt = time.Now().UTC()
	}

	if s.embedder != nil && len(mem.Embedding) == 0 {
		vec, err := s.embedder.Embed(ctx, mem.EmbeddingText(), core.EmbedRetrievalDocument)
		if err != nil {
			return fmt.Errorf("failed to embed memory: %w", err)
		}
		mem.Embedding = vec
	}
	if len(mem.Embedding) > 0 {
		if err := vector.ValidateVector(mem.Embedding, s.index.Dimensions()); err != nil {
			return err
		}
	}

	doc, err := json.Marshal(mem)
	if err != nil {
		return fmt.Errorf("failed to serialize memory: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.memoryKey(mem.ID),
		fieldDoc, doc,
		fieldTimesRetrieved, mem.TimesRetrieved,
		fieldUsedInSuccess, mem.TimesUsedInSuccess,
		fieldUsedInFailure, mem.TimesUsedInFailure,
	)
	pipe.SAdd(ctx, s.idSetKey(), mem.ID)
	if mem.TemplateID != "" {
		pipe.ZAdd(ctx, s.templateSetKey(mem.TemplateID), &redis.Z{
			Score:  float64(mem.CreatedAt.UnixMilli()),
			Member: mem.ID,
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store memory: %w", err)
	}

	if len(mem.Embedding) > 0 {
		attrs := map[string]string{"category": string(mem.Category)}
		if mem.TemplateID != "" {
			attrs["template_id"] = mem.TemplateID
		}
		if err := s.index.Upsert(ctx, mem.ID, mem.Embedding, attrs); err != nil {
			return err
		}
	}

	if mem.TemplateID != "" {
		if err := s.enforceQuota(ctx, mem.TemplateID); err != nil {
			return err
		}
	}

	if s.logger != nil {
		s.logger.InfoWithContext(ctx, "Memory stored", map[string]interface{}{
			"memory_id":   mem.ID,
			"category":    string(mem.Category),
			"source":      string(mem.Source),
			"template_id": mem.TemplateID,
		})
	}
	return nil
}

// enforceQuota evicts the oldest memories of a template until the count is
// at or under the quota.
func (s *Store) enforceQuota(ctx context.Context, templateID string) error {
	key := s.templateSetKey(templateID)
	count, err := s.client.ZCard(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("failed to count template memories: %w", err)
	}
	excess := count - int64(s.config.QuotaPerTemplate)
	if excess <= 0 {
		return nil
	}

	oldest, err := s.client.ZRange(ctx, key, 0, excess-1).Result()
	if err != nil {
		return fmt.Errorf("failed to list oldest memories: %w", err)
	}
	for _, id := range oldest {
		if err := s.Delete(ctx, id); err != nil {
			return err
		}
	}

	if s.logger != nil {
		s.logger.InfoWithContext(ctx, "Memory quota enforced", map[string]interface{}{
			"template_id": templateID,
			"evicted":     len(oldest),
		})
	}
	return nil
}

// Get retrieves a memory by id with its live attribution counters.
func (s *Store) Get(ctx context.Context, id string) (*core.ReasoningMemory, error) {
	fields, err := s.client.HGetAll(ctx, s.memoryKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load memory: %w", err)
	}
	if len(fields) == 0 {
		return nil, core.ErrMemoryNotFound
	}
	return decodeMemory(fields)
}

func decodeMemory(fields map[string]string) (*core.ReasoningMemory, error) {
	var mem core.ReasoningMemory
	if err := json.Unmarshal([]byte(fields[fieldDoc]), &mem); err != nil {
		return nil, fmt.Errorf("failed to deserialize memory: %w", err)
	}
	mem.TimesRetrieved, _ = strconv.ParseInt(fields[fieldTimesRetrieved], 10, 64)
	mem.TimesUsedInSuccess, _ = strconv.ParseInt(fields[fieldUsedInSuccess], 10, 64)
	mem.TimesUsedInFailure, _ = strconv.ParseInt(fields[fieldUsedInFailure], 10, 64)
	mem.SuccessRate = successRate(mem.TimesUsedInSuccess, mem.TimesUsedInFailure)
	return &mem, nil
}

func successRate(success, failure int64) float64 {
	total := success + failure
	if total == 0 {
		return 0
	}
	return float64(success) / float64(total)
}

// Delete removes a memory and its index entry.
func (s *Store) Delete(ctx context.Context, id string) error {
	mem, err := s.Get(ctx, id)
	if err != nil {
		if core.IsNotFound(err) {
			return nil
		}
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.memoryKey(id))
	pipe.SRem(ctx, s.idSetKey(), id)
	if mem.TemplateID != "" {
		pipe.ZRem(ctx, s.templateSetKey(mem.TemplateID), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete memory: %w", err)
	}
	return s.index.Delete(ctx, id)
}

// RetrieveFilters narrows retrieval before similarity scoring.
type RetrieveFilters struct {
	Category   core.MemoryCategory
	TemplateID string
}

// Retrieve returns the k memories nearest to query, most similar first, and
// records the retrieval on each hit's counters.
func (s *Store) Retrieve(ctx context.Context, query []float32, k int, filters *RetrieveFilters) ([]*core.ReasoningMemory, error) {
	attrs := map[string]string{}
	if filters != nil {
		if filters.Category != "" {
			attrs["category"] = string(filters.Category)
		}
		if filters.TemplateID != "" {
			attrs["template_id"] = filters.TemplateID
		}
	}

	hits, err := s.index.Search(ctx, query, k, attrs)
	if err != nil {
		return nil, err
	}

	memories := make([]*core.ReasoningMemory, 0, len(hits))
	for _, hit := range hits {
		mem, err := s.Get(ctx, hit.ID)
		if err != nil {
			if core.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		if err := s.client.HIncrBy(ctx, s.memoryKey(hit.ID), fieldTimesRetrieved, 1).Err(); err != nil {
			return nil, fmt.Errorf("failed to record retrieval: %w", err)
		}
		mem.TimesRetrieved++
		memories = append(memories, mem)
	}
	return memories, nil
}

// RetrieveByText embeds the query and delegates to Retrieve.
func (s *Store) RetrieveByText(ctx context.Context, query string, k int, filters *RetrieveFilters) ([]*core.ReasoningMemory, error) {
	if s.embedder == nil {
		return nil, fmt.Errorf("memory store has no embedder: %w", core.ErrMissingConfiguration)
	}
	vec, err := s.embedder.Embed(ctx, query, core.EmbedRetrievalQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	return s.Retrieve(ctx, vec, k, filters)
}

// RecordOutcome attributes a finished execution to the memories that were
// retrieved into it. Counters are atomic increments; success_rate is derived
// on read.
func (s *Store) RecordOutcome(ctx context.Context, memoryIDs []string, success bool) error {
	field := fieldUsedInFailure
	if success {
		field = fieldUsedInSuccess
	}
	for _, id := range memoryIDs {
		exists, err := s.client.Exists(ctx, s.memoryKey(id)).Result()
		if err != nil {
			return fmt.Errorf("failed to check memory: %w", err)
		}
		if exists == 0 {
			continue // evicted since retrieval
		}
		if err := s.client.HIncrBy(ctx, s.memoryKey(id), field, 1).Err(); err != nil {
			return fmt.Errorf("failed to record outcome: %w", err)
		}
	}
	return nil
}

// Stats summarizes the memory corpus.
type Stats struct {
	Total          int64                       `json:"total"`
	BySource       map[core.MemorySource]int64 `json:"by_source"`
	ByCategory     map[core.MemoryCategory]int64 `json:"by_category"`
	AvgSuccessRate float64                     `json:"avg_success_rate"`
	TopPerformers  []*core.ReasoningMemory     `json:"top_performers"`
}

// GetStats scans the corpus. Acceptable because the corpus is quota-bounded.
func (s *Store) GetStats(ctx context.Context) (*Stats, error) {
	ids, err := s.client.SMembers(ctx, s.idSetKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list memories: %w", err)
	}

	stats := &Stats{
		BySource:   make(map[core.MemorySource]int64),
		ByCategory: make(map[core.MemoryCategory]int64),
	}

	var rateSum float64
	var rated int64
	var all []*core.ReasoningMemory
	for _, id := range ids {
		mem, err := s.Get(ctx, id)
		if err != nil {
			if core.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		stats.Total++
		stats.BySource[mem.Source]++
		stats.ByCategory[mem.Category]++
		if mem.TimesUsedInSuccess+mem.TimesUsedInFailure > 0 {
			rateSum += mem.SuccessRate
			rated++
		}
		all = append(all, mem)
	}
	if rated > 0 {
		stats.AvgSuccessRate = rateSum / float64(rated)
	}

	sort.Slice(all, func(i, j int) bool {
		if all[i].SuccessRate != all[j].SuccessRate {
			return all[i].SuccessRate > all[j].SuccessRate
		}
		return all[i].TimesUsedInSuccess > all[j].TimesUsedInSuccess
	})
	if len(all) > 5 {
		all = all[:5]
	}
	stats.TopPerformers = all
	return stats, nil
}
