package memory

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskforge-ai/taskforge/core"
)

type stubEmbedder struct {
	dims int
	vecs map[string][]float32
	def  []float32
}

func (e *stubEmbedder) Embed(_ context.Context, text string, _ core.EmbedTaskType) ([]float32, error) {
	if v, ok := e.vecs[text]; ok {
		return v, nil
	}
	return e.def, nil
}

func (e *stubEmbedder) Dimensions() int { return e.dims }

func newTestStore(t *testing.T, embedder core.Embedder) *Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	cfg := DefaultConfig()
	cfg.Dimensions = 3
	return NewStore(client, embedder, &cfg)
}

func validMemory(id string) *core.ReasoningMemory {
	return &core.ReasoningMemory{
		ID:          id,
		Title:       "Filter invoices by status",
		Description: "Invoice list calls need an explicit status filter",
		Content:     "Always pass filter: {STATUS: \"P\"} when listing paid invoices.",
		Category:    core.MemoryFixStrategy,
		Source:      core.SourceRepairSuccess,
		TemplateID:  "revenue_report",
	}
}

func TestSaveAndGet(t *testing.T) {
	store := newTestStore(t, &stubEmbedder{dims: 3, def: []float32{1, 0, 0}})
	ctx := context.Background()

	mem := validMemory("m1")
	require.NoError(t, store.Save(ctx, mem))

	got, err := store.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, mem.Title, got.Title)
	assert.Equal(t, core.MemoryFixStrategy, got.Category)
	assert.Zero(t, got.TimesRetrieved)
	assert.Zero(t, got.SuccessRate)
}

func TestGetUnknownMemory(t *testing.T) {
	store := newTestStore(t, &stubEmbedder{dims: 3, def: []float32{1, 0, 0}})

	_, err := store.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, core.ErrMemoryNotFound)
}

func TestSaveRejectsBannedPattern(t *testing.T) {
	store := newTestStore(t, &stubEmbedder{dims: 3, def: []float32{1, 0, 0}})

	mem := validMemory("m1")
	mem.Content = "read the key from process.env.GEMINI_API_KEY before the call"
	err := store.Save(context.Background(), mem)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "banned pattern")
}

func TestSaveRejectsOversizedFields(t *testing.T) {
	store := newTestStore(t, &stubEmbedder{dims: 3, def: []float32{1, 0, 0}})
	ctx := context.Background()

	mem := validMemory("m1")
	mem.Title = strings.Repeat("x", core.MemoryTitleMaxLen+1)
	assert.Error(t, store.Save(ctx, mem))

	mem = validMemory("m2")
	mem.Content = strings.Repeat("x", core.MemoryContentMaxLen+1)
	assert.Error(t, store.Save(ctx, mem))

	mem = validMemory("m3")
	mem.Content = ""
	assert.Error(t, store.Save(ctx, mem))
}

func TestSaveRejectsInvalidCategoryAndSource(t *testing.T) {
	store := newTestStore(t, &stubEmbedder{dims: 3, def: []float32{1, 0, 0}})
	ctx := context.Background()

	mem := validMemory("m1")
	mem.Category = "folk_wisdom"
	assert.Error(t, store.Save(ctx, mem))

	mem = validMemory("m2")
	mem.Source = "hearsay"
	assert.Error(t, store.Save(ctx, mem))
}

func TestSaveRejectsFailureSourceWithSuccessRate(t *testing.T) {
	store := newTestStore(t, &stubEmbedder{dims: 3, def: []float32{1, 0, 0}})

	mem := validMemory("m1")
	mem.Source = core.SourceTaskFailure
	mem.SuccessRate = 0.5
	err := store.Save(context.Background(), mem)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failure source")
}

func TestQuotaEvictsOldestFirst(t *testing.T) {
	store := newTestStore(t, &stubEmbedder{dims: 3, def: []float32{1, 0, 0}})
	store.config.QuotaPerTemplate = 3
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 4; i++ {
		mem := validMemory(fmt.Sprintf("m%d", i))
		mem.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, store.Save(ctx, mem))
	}

	_, err := store.Get(ctx, "m0")
	assert.ErrorIs(t, err, core.ErrMemoryNotFound, "oldest memory evicted")

	for _, id := range []string{"m1", "m2", "m3"} {
		_, err := store.Get(ctx, id)
		assert.NoError(t, err, id)
	}
}

func TestRetrieveRecordsRetrieval(t *testing.T) {
	store := newTestStore(t, &stubEmbedder{dims: 3, def: []float32{1, 0, 0}})
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, validMemory("m1")))

	memories, err := store.Retrieve(ctx, []float32{1, 0, 0}, 5, nil)
	require.NoError(t, err)
	require.Len(t, memories, 1)
	assert.EqualValues(t, 1, memories[0].TimesRetrieved)

	got, err := store.Get(ctx, "m1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, got.TimesRetrieved)
}

func TestRetrieveFilters(t *testing.T) {
	store := newTestStore(t, &stubEmbedder{dims: 3, def: []float32{1, 0, 0}})
	ctx := context.Background()

	fix := validMemory("fix")
	require.NoError(t, store.Save(ctx, fix))

	pattern := validMemory("pattern")
	pattern.Category = core.MemoryErrorPattern
	pattern.TemplateID = "other_template"
	require.NoError(t, store.Save(ctx, pattern))

	memories, err := store.Retrieve(ctx, []float32{1, 0, 0}, 5, &RetrieveFilters{
		Category: core.MemoryErrorPattern,
	})
	require.NoError(t, err)
	require.Len(t, memories, 1)
	assert.Equal(t, "pattern", memories[0].ID)

	memories, err = store.Retrieve(ctx, []float32{1, 0, 0}, 5, &RetrieveFilters{
		TemplateID: "revenue_report",
	})
	require.NoError(t, err)
	require.Len(t, memories, 1)
	assert.Equal(t, "fix", memories[0].ID)
}

func TestRecordOutcomeDerivesSuccessRate(t *testing.T) {
	store := newTestStore(t, &stubEmbedder{dims: 3, def: []float32{1, 0, 0}})
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, validMemory("m1")))

	require.NoError(t, store.RecordOutcome(ctx, []string{"m1"}, true))
	require.NoError(t, store.RecordOutcome(ctx, []string{"m1"}, true))
	require.NoError(t, store.RecordOutcome(ctx, []string{"m1"}, false))

	got, err := store.Get(ctx, "m1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, got.TimesUsedInSuccess)
	assert.EqualValues(t, 1, got.TimesUsedInFailure)
	assert.InDelta(t, 2.0/3.0, got.SuccessRate, 1e-9)
}

func TestRecordOutcomeSkipsEvicted(t *testing.T) {
	store := newTestStore(t, &stubEmbedder{dims: 3, def: []float32{1, 0, 0}})

	assert.NoError(t, store.RecordOutcome(context.Background(), []string{"gone"}, true))
}

func TestDeleteMemory(t *testing.T) {
	store := newTestStore(t, &stubEmbedder{dims: 3, def: []float32{1, 0, 0}})
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, validMemory("m1")))
	require.NoError(t, store.Delete(ctx, "m1"))

	_, err := store.Get(ctx, "m1")
	assert.ErrorIs(t, err, core.ErrMemoryNotFound)

	memories, err := store.Retrieve(ctx, []float32{1, 0, 0}, 5, nil)
	require.NoError(t, err)
	assert.Empty(t, memories)

	// Deleting again is not an error.
	assert.NoError(t, store.Delete(ctx, "m1"))
}

func TestGetStats(t *testing.T) {
	store := newTestStore(t, &stubEmbedder{dims: 3, def: []float32{1, 0, 0}})
	ctx := context.Background()

	m1 := validMemory("m1")
	require.NoError(t, store.Save(ctx, m1))

	m2 := validMemory("m2")
	m2.Category = core.MemoryErrorPattern
	m2.Source = core.SourceTaskFailure
	require.NoError(t, store.Save(ctx, m2))

	require.NoError(t, store.RecordOutcome(ctx, []string{"m1"}, true))

	stats, err := store.GetStats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, stats.Total)
	assert.EqualValues(t, 1, stats.BySource[core.SourceRepairSuccess])
	assert.EqualValues(t, 1, stats.BySource[core.SourceTaskFailure])
	assert.EqualValues(t, 1, stats.ByCategory[core.MemoryFixStrategy])
	assert.EqualValues(t, 1, stats.ByCategory[core.MemoryErrorPattern])
	assert.InDelta(t, 1.0, stats.AvgSuccessRate, 1e-9)
	require.NotEmpty(t, stats.TopPerformers)
	assert.Equal(t, "m1", stats.TopPerformers[0].ID)
}
