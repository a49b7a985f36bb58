package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskforge-ai/taskforge/core"
)

// scriptedAI returns a fixed response for every prompt.
type scriptedAI struct {
	content string
	err     error
	prompts []string
}

func (s *scriptedAI) GenerateResponse(_ context.Context, prompt string, _ *core.AIOptions) (*core.AIResponse, error) {
	s.prompts = append(s.prompts, prompt)
	if s.err != nil {
		return nil, s.err
	}
	return &core.AIResponse{Content: s.content}, nil
}

func (s *scriptedAI) GenerateWithTools(_ context.Context, prompt string, _ []core.ToolDef, _ core.ToolMode, _ *core.AIOptions) (*core.AIResponse, error) {
	return &core.AIResponse{Content: s.content}, nil
}

func successTrajectory() *core.Trajectory {
	return &core.Trajectory{
		TaskID:         "task_1700000000000_demo",
		TemplateID:     "revenue_report",
		Parameters:     map[string]interface{}{"format": "HTML"},
		CompletionTime: 3 * time.Second,
		Steps: []core.TrajectoryStep{
			{Name: "crm.invoice.list", Duration: time.Second},
		},
	}
}

func TestExtractFromSuccessSavesValidCandidates(t *testing.T) {
	store := newTestStore(t, &stubEmbedder{dims: 3, def: []float32{1, 0, 0}})
	ai := &scriptedAI{content: "```json\n" + `[
		{"title": "Use HTML format default", "description": "Reports default to HTML", "content": "Default the format parameter to HTML when unspecified.", "category": "generation_pattern"},
		{"title": "Filter invoice lists", "description": "Invoice lists need a filter", "content": "Pass an explicit status filter on crm.invoice.list.", "category": "api_usage", "confidence": 0.9}
	]` + "\n```"}
	ex := NewExtractor(store, ai, nil)

	saved := ex.ExtractFromSuccess(context.Background(), successTrajectory())
	require.Len(t, saved, 2, "unknown keys dropped, candidate still accepted")

	for _, mem := range saved {
		assert.Equal(t, core.SourceTaskSuccess, mem.Source)
		assert.Equal(t, "revenue_report", mem.TemplateID)
		assert.Equal(t, "task_1700000000000_demo", mem.TaskID)
	}
}

func TestExtractCapsCandidateCount(t *testing.T) {
	store := newTestStore(t, &stubEmbedder{dims: 3, def: []float32{1, 0, 0}})
	ai := &scriptedAI{content: `[
		{"title": "a", "description": "", "content": "lesson one", "category": "api_usage"},
		{"title": "b", "description": "", "content": "lesson two", "category": "api_usage"},
		{"title": "c", "description": "", "content": "lesson three", "category": "api_usage"},
		{"title": "d", "description": "", "content": "lesson four", "category": "api_usage"}
	]`}
	ex := NewExtractor(store, ai, nil)

	saved := ex.ExtractFromSuccess(context.Background(), successTrajectory())
	assert.Len(t, saved, 3, "task sources cap at three candidates")
}

func TestExtractFromRepairCapsAtTwo(t *testing.T) {
	store := newTestStore(t, &stubEmbedder{dims: 3, def: []float32{1, 0, 0}})
	ai := &scriptedAI{content: `[
		{"title": "a", "description": "", "content": "lesson one", "category": "fix_strategy"},
		{"title": "b", "description": "", "content": "lesson two", "category": "error_pattern"},
		{"title": "c", "description": "", "content": "lesson three", "category": "fix_strategy"}
	]`}
	ex := NewExtractor(store, ai, nil)

	saved := ex.ExtractFromRepair(context.Background(), &RepairContext{
		TaskID:     "task_1700000000000_demo",
		TemplateID: "revenue_report",
		Succeeded:  true,
	})
	require.Len(t, saved, 2)
	assert.Equal(t, core.SourceRepairSuccess, saved[0].Source)
}

func TestExtractRejectsBannedCandidateWithoutFailing(t *testing.T) {
	store := newTestStore(t, &stubEmbedder{dims: 3, def: []float32{1, 0, 0}})
	ai := &scriptedAI{content: `[
		{"title": "bad", "description": "", "content": "store the token in process.env.GEMINI_API_KEY", "category": "api_usage"},
		{"title": "good", "description": "", "content": "Paginate list calls in batches of 50.", "category": "api_usage"}
	]`}
	ex := NewExtractor(store, ai, nil)

	saved := ex.ExtractFromSuccess(context.Background(), successTrajectory())
	require.Len(t, saved, 1, "banned candidate dropped, extraction continues")
	assert.Equal(t, "good", saved[0].Title)
}

func TestExtractParseFailureReturnsNil(t *testing.T) {
	store := newTestStore(t, &stubEmbedder{dims: 3, def: []float32{1, 0, 0}})
	ai := &scriptedAI{content: "I could not find any lessons worth keeping."}
	ex := NewExtractor(store, ai, nil)

	saved := ex.ExtractFromSuccess(context.Background(), successTrajectory())
	assert.Nil(t, saved)
}

func TestExtractFromFailureUsesFailureSource(t *testing.T) {
	store := newTestStore(t, &stubEmbedder{dims: 3, def: []float32{1, 0, 0}})
	ai := &scriptedAI{content: `[
		{"title": "missing filter", "description": "", "content": "invoice.list without a filter times out upstream", "category": "error_pattern"}
	]`}
	ex := NewExtractor(store, ai, nil)

	traj := successTrajectory()
	traj.Error = core.NewTaskError(core.ErrUpstreamError, "list call rejected", "crm.invoice.list")

	saved := ex.ExtractFromFailure(context.Background(), traj)
	require.Len(t, saved, 1)
	assert.Equal(t, core.SourceTaskFailure, saved[0].Source)
	assert.Zero(t, saved[0].SuccessRate)
}

func TestNormalizeCandidateDropsUnknownKeys(t *testing.T) {
	mem, dropped, err := NormalizeCandidate(map[string]interface{}{
		"title":      "t",
		"content":    "something useful",
		"category":   "api_usage",
		"confidence": 0.8,
		"notes":      "extra",
	}, core.SourceTaskSuccess)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"confidence", "notes"}, dropped)
	assert.Equal(t, "t", mem.Title)
}
