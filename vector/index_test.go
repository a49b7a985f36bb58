package vector

import (
	"context"
	"math"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskforge-ai/taskforge/core"
)

func newTestIndex(t *testing.T, dims int) *Index {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewIndex(client, &IndexConfig{Dimensions: dims})
}

func TestUpsertAndSearch(t *testing.T) {
	idx := newTestIndex(t, 3)
	ctx := context.Background()

	require.NoError(t, idx.Upsert(ctx, "a", []float32{1, 0, 0}, map[string]string{"enabled": "true"}))
	require.NoError(t, idx.Upsert(ctx, "b", []float32{0, 1, 0}, map[string]string{"enabled": "true"}))
	require.NoError(t, idx.Upsert(ctx, "c", []float32{0.9, 0.1, 0}, map[string]string{"enabled": "false"}))

	hits, err := idx.Search(ctx, []float32{1, 0, 0}, 2, nil)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "a", hits[0].ID)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-6)
	assert.Equal(t, "c", hits[1].ID)
}

func TestSearchWithFilters(t *testing.T) {
	idx := newTestIndex(t, 3)
	ctx := context.Background()

	require.NoError(t, idx.Upsert(ctx, "a", []float32{1, 0, 0}, map[string]string{"enabled": "true"}))
	require.NoError(t, idx.Upsert(ctx, "c", []float32{0.9, 0.1, 0}, map[string]string{"enabled": "false"}))

	hits, err := idx.Search(ctx, []float32{1, 0, 0}, 5, map[string]string{"enabled": "true"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "a", hits[0].ID)
}

func TestSearchEmptyIndex(t *testing.T) {
	idx := newTestIndex(t, 3)

	hits, err := idx.Search(context.Background(), []float32{1, 0, 0}, 5, nil)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestSearchFilterNoMatches(t *testing.T) {
	idx := newTestIndex(t, 3)
	ctx := context.Background()

	require.NoError(t, idx.Upsert(ctx, "a", []float32{1, 0, 0}, map[string]string{"enabled": "false"}))

	hits, err := idx.Search(ctx, []float32{1, 0, 0}, 5, map[string]string{"enabled": "true"})
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestUpsertRejectsDimensionMismatch(t *testing.T) {
	idx := newTestIndex(t, 3)

	err := idx.Upsert(context.Background(), "a", []float32{1, 0}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrDimensionMismatch)
}

func TestUpsertRejectsNonFinite(t *testing.T) {
	idx := newTestIndex(t, 3)

	err := idx.Upsert(context.Background(), "a", []float32{1, 0, float32(math.NaN())}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrInvalidVector)
}

func TestDelete(t *testing.T) {
	idx := newTestIndex(t, 3)
	ctx := context.Background()

	require.NoError(t, idx.Upsert(ctx, "a", []float32{1, 0, 0}, nil))
	require.NoError(t, idx.Delete(ctx, "a"))

	hits, err := idx.Search(ctx, []float32{1, 0, 0}, 5, nil)
	require.NoError(t, err)
	assert.Empty(t, hits)

	count, err := idx.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestVectorRoundTrip(t *testing.T) {
	vec := []float32{0.25, -1.5, 3.0, 0}
	decoded := BytesToFloat32Slice(Float32SliceToBytes(vec))
	assert.Equal(t, vec, decoded)
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, CosineSimilarity([]float32{1, 2, 3}, []float32{2, 4, 6}), 1e-9)
	assert.InDelta(t, 0.0, CosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.InDelta(t, -1.0, CosineSimilarity([]float32{1, 0}, []float32{-1, 0}), 1e-9)
	assert.Zero(t, CosineSimilarity([]float32{0, 0}, []float32{1, 1}))
	assert.Zero(t, CosineSimilarity([]float32{1}, []float32{1, 2}))
}
