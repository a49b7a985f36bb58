// Package vector provides a Redis-backed dense-vector index with cosine
// k-nearest-neighbour search and attribute pre-filters.
//
// Entries are stored one hash per id: the vector as a little-endian float32
// blob plus a JSON attribute map used for pre-filtering. Search scans the
// id set, computes cosine similarity in-process and returns the top k hits.
// At the scale of this engine (hundreds of templates, a capped number of
// memories per template) a full scan outperforms maintaining an
// approximate-NN structure.
package vector

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"github.com/go-redis/redis/v8"

	"github.com/taskforge-ai/taskforge/core"
)

// Hit is one search result.
type Hit struct {
	ID    string
	Score float64
	Attrs map[string]string
}

// IndexConfig configures a vector index.
type IndexConfig struct {
	// KeyPrefix namespaces all index keys. Default: "taskforge:vector".
	KeyPrefix string `json:"key_prefix"`

	// Dimensions is the fixed vector dimensionality. Default: 768.
	Dimensions int `json:"dimensions"`

	// Logger is an optional logger for index operations.
	Logger core.Logger `json:"-"`
}

// DefaultIndexConfig returns default configuration.
func DefaultIndexConfig() IndexConfig {
	return IndexConfig{
		KeyPrefix:  "taskforge:vector",
		Dimensions: 768,
	}
}

// Index stores dense embeddings in Redis and answers cosine k-NN queries.
type Index struct {
	client *redis.Client
	config IndexConfig
	logger core.Logger
}

// NewIndex creates a vector index. The client should already be connected.
func NewIndex(client *redis.Client, config *IndexConfig) *Index {
	if config == nil {
		defaultConfig := DefaultIndexConfig()
		config = &defaultConfig
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "taskforge:vector"
	}
	if config.Dimensions <= 0 {
		config.Dimensions = 768
	}

	idx := &Index{
		client: client,
		config: *config,
		logger: config.Logger,
	}

	if idx.logger != nil {
		if cal, ok := idx.logger.(core.ComponentAwareLogger); ok {
			idx.logger = cal.WithComponent("engine/vector")
		}
	}

	return idx
}

func (idx *Index) entryKey(id string) string {
	return fmt.Sprintf("%s:entry:%s", idx.config.KeyPrefix, id)
}

func (idx *Index) idSetKey() string {
	return idx.config.KeyPrefix + ":ids"
}

// Upsert stores or replaces an entry. The vector must match the index
// dimensionality and contain only finite values.
func (idx *Index) Upsert(ctx context.Context, id string, vec []float32, attrs map[string]string) error {
	if id == "" {
		return fmt.Errorf("entry id cannot be empty")
	}
	if err := ValidateVector(vec, idx.config.Dimensions); err != nil {
		return err
	}

	attrsJSON, err := json.Marshal(attrs)
	if err != nil {
		return fmt.Errorf("failed to serialize attrs: %w", err)
	}

	pipe := idx.client.TxPipeline()
	pipe.HSet(ctx, idx.entryKey(id),
		"vector", Float32SliceToBytes(vec),
		"attrs", attrsJSON,
	)
	pipe.SAdd(ctx, idx.idSetKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to upsert vector entry: %w", err)
	}

	if idx.logger != nil {
		idx.logger.DebugWithContext(ctx, "Vector entry upserted", map[string]interface{}{
			"entry_id": id,
		})
	}
	return nil
}

// Delete removes an entry. Deleting an unknown id is not an error.
func (idx *Index) Delete(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("entry id cannot be empty")
	}
	pipe := idx.client.TxPipeline()
	pipe.Del(ctx, idx.entryKey(id))
	pipe.SRem(ctx, idx.idSetKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete vector entry: %w", err)
	}
	return nil
}

// Search returns the k entries nearest to query by cosine similarity,
// highest first. Filters are attribute equality pre-filters applied before
// scoring. An empty index returns an empty result without error.
func (idx *Index) Search(ctx context.Context, query []float32, k int, filters map[string]string) ([]Hit, error) {
	if err := ValidateVector(query, idx.config.Dimensions); err != nil {
		return nil, err
	}
	if k <= 0 {
		k = 10
	}

	ids, err := idx.client.SMembers(ctx, idx.idSetKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list vector entries: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	var hits []Hit
	for _, id := range ids {
		fields, err := idx.client.HGetAll(ctx, idx.entryKey(id)).Result()
		if err != nil || len(fields) == 0 {
			continue // entry disappeared between SMembers and HGetAll
		}

		var attrs map[string]string
		if raw, ok := fields["attrs"]; ok && raw != "" {
			if err := json.Unmarshal([]byte(raw), &attrs); err != nil {
				continue
			}
		}
		if !matchesFilters(attrs, filters) {
			continue
		}

		vec := BytesToFloat32Slice([]byte(fields["vector"]))
		if len(vec) != idx.config.Dimensions {
			continue
		}

		hits = append(hits, Hit{
			ID:    id,
			Score: CosineSimilarity(query, vec),
			Attrs: attrs,
		})
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// Dimensions returns the index's fixed dimensionality.
func (idx *Index) Dimensions() int {
	return idx.config.Dimensions
}

// Count returns the number of indexed entries.
func (idx *Index) Count(ctx context.Context) (int64, error) {
	return idx.client.SCard(ctx, idx.idSetKey()).Result()
}

func matchesFilters(attrs, filters map[string]string) bool {
	for key, want := range filters {
		if attrs[key] != want {
			return false
		}
	}
	return true
}

// ValidateVector checks dimensionality and numeric range.
func ValidateVector(vec []float32, dims int) error {
	if len(vec) != dims {
		return fmt.Errorf("vector has %d dimensions, index requires %d: %w",
			len(vec), dims, core.ErrDimensionMismatch)
	}
	for i, v := range vec {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("vector component %d is not finite: %w", i, core.ErrInvalidVector)
		}
	}
	return nil
}

// CosineSimilarity computes the cosine of the angle between two vectors.
// Returns 0 when either vector has zero magnitude.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// Float32SliceToBytes encodes a vector as a little-endian float32 blob.
func Float32SliceToBytes(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// BytesToFloat32Slice decodes a little-endian float32 blob. Returns nil for
// malformed input.
func BytesToFloat32Slice(data []byte) []float32 {
	if len(data) == 0 || len(data)%4 != 0 {
		return nil
	}
	vec := make([]float32, len(data)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return vec
}
