package orchestration

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskforge-ai/taskforge/core"
	"github.com/taskforge-ai/taskforge/memory"
	"github.com/taskforge-ai/taskforge/objectstore"
	"github.com/taskforge-ai/taskforge/registry"
	"github.com/taskforge-ai/taskforge/resilience"
	"github.com/taskforge-ai/taskforge/schema"
)

// stubEmbedder returns canned vectors per text, falling back to a default.
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

// routedAI returns the response whose key substring matches the prompt.
type routedAI struct {
	mu        sync.Mutex
	responses map[string]string
	prompts   []string
}

func (a *routedAI) GenerateResponse(_ context.Context, prompt string, _ *core.AIOptions) (*core.AIResponse, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.prompts = append(a.prompts, prompt)
	for key, content := range a.responses {
		if strings.Contains(prompt, key) {
			return &core.AIResponse{Content: content}, nil
		}
	}
	return &core.AIResponse{Content: ""}, nil
}

func (a *routedAI) GenerateWithTools(ctx context.Context, prompt string, _ []core.ToolDef, _ core.ToolMode, options *core.AIOptions) (*core.AIResponse, error) {
	return a.GenerateResponse(ctx, prompt, options)
}

func (a *routedAI) promptCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.prompts)
}

// fakeDataSource records calls and replays a canned result or error.
type fakeDataSource struct {
	mu     sync.Mutex
	calls  []string
	result interface{}
	err    error
}

func (f *fakeDataSource) Call(_ context.Context, method string, _ map[string]interface{}) (interface{}, error) {
	f.mu.Lock()
	f.calls = append(f.calls, method)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

const okScript = `
function run(params, ctx) {
  ctx.progress(50, "working");
  return { summary: "report for " + params.period };
}`

const badScript = `
function run(params, ctx) {
  throw new Error("undefined field deal_stage");
}`

const quotaScript = `
function run(params, ctx) {
  return ctx.data_source.call("crm.invoice.list", { filter: { status: "overdue" }, limit: 10 });
}`

const repairedResponse = "```javascript\n" + `function run(params, ctx) {
  return { summary: "repaired run" };
}` + "\n```"

type engineFixture struct {
	client     *redis.Client
	store      *TaskStore
	dispatcher *RedisDispatcher
	registry   *registry.Registry
	memories   *memory.Store
	ai         *routedAI
	ds         *fakeDataSource
	orch       *Orchestrator
}

func newEngine(t *testing.T, ai *routedAI, ds *fakeDataSource) *engineFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	embedder := &stubEmbedder{
		dims: 3,
		def:  []float32{0, 1, 0},
		vecs: map[string][]float32{
			"Overdue invoice report": {1, 0, 0},
			"show overdue invoices":  {1, 0, 0},
			"launch a rocket":        {0, 0, 1},
		},
	}

	regCfg := registry.DefaultConfig()
	regCfg.Dimensions = 3
	reg := registry.New(client, embedder, &regCfg)

	memStore := memory.NewStore(client, embedder, &memory.Config{Dimensions: 3})

	store := NewTaskStore(client, nil)
	dispatcher := NewRedisDispatcher(client, nil)

	orch, err := NewOrchestrator(Deps{
		Store:      store,
		Dispatcher: dispatcher,
		Registry:   reg,
		Memories:   memStore,
		AI:         ai,
		DataSource: ds,
		Objects:    objectstore.NewMemoryStore(),
	}, nil)
	require.NoError(t, err)

	return &engineFixture{
		client:     client,
		store:      store,
		dispatcher: dispatcher,
		registry:   reg,
		memories:   memStore,
		ai:         ai,
		ds:         ds,
		orch:       orch,
	}
}

func (f *engineFixture) putTemplate(t *testing.T, script string) *core.Template {
	t.Helper()
	tmpl := &core.Template{
		ID:          "overdue_invoices",
		Name:        "Overdue invoice report",
		Description: "Summarize invoices that are past due",
		Category:    []string{"reports"},
		ParameterSchema: &core.ParameterSchema{
			Type: "object",
			Properties: map[string]*core.ParameterSchema{
				"period": {Type: "string", Default: "last_month"},
			},
		},
		ExecutionScript: script,
		Enabled:         true,
	}
	require.NoError(t, f.registry.Put(context.Background(), tmpl))
	return tmpl
}

// runNext delivers the next due dispatch through the orchestrator.
func (f *engineFixture) runNext(t *testing.T) *core.DispatchPayload {
	t.Helper()
	ctx := context.Background()
	_, err := f.dispatcher.PromoteDue(ctx)
	require.NoError(t, err)
	payload, err := f.dispatcher.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, payload, "expected a due dispatch")
	require.NoError(t, f.orch.Execute(ctx, payload))
	return payload
}

func TestCreateFromTemplateDispatchesTask(t *testing.T) {
	f := newEngine(t, &routedAI{}, &fakeDataSource{})
	f.putTemplate(t, okScript)
	ctx := context.Background()

	task, err := f.orch.CreateFromTemplate(ctx, &CreateRequest{
		TemplateID: "overdue_invoices",
		Parameters: map[string]interface{}{"period": "last_week"},
		UserID:     "u_42",
	})
	require.NoError(t, err)

	assert.True(t, core.ValidTaskID(task.ID))
	assert.Equal(t, core.TaskStatusQueued, task.Status)
	assert.Equal(t, "last_week", task.Parameters["period"])
	assert.Equal(t, core.DefaultPriority, task.Priority)
	assert.NotEmpty(t, task.Execution.DispatchHandle)
	require.NotNil(t, task.Estimate)
	assert.Equal(t, core.DefaultMemoryTierMB, task.Estimate.MemoryTier)

	pending, err := f.dispatcher.PendingCount(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, pending)
}

func TestCreateFromTemplateAppliesSchemaDefaults(t *testing.T) {
	f := newEngine(t, &routedAI{}, &fakeDataSource{})
	f.putTemplate(t, okScript)

	task, err := f.orch.CreateFromTemplate(context.Background(), &CreateRequest{
		TemplateID: "overdue_invoices",
		Parameters: map[string]interface{}{},
		UserID:     "u_42",
	})
	require.NoError(t, err)
	assert.Equal(t, "last_month", task.Parameters["period"])
}

func TestCreateFromTemplateRejectsInvalidParameters(t *testing.T) {
	f := newEngine(t, &routedAI{}, &fakeDataSource{})
	f.putTemplate(t, okScript)
	ctx := context.Background()

	_, err := f.orch.CreateFromTemplate(ctx, &CreateRequest{
		TemplateID: "overdue_invoices",
		Parameters: map[string]interface{}{"period": "last_week", "bogus": true},
		UserID:     "u_42",
	})
	var verr *schema.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields(), "bogus")

	// Validation failures never create task records.
	tasks, err := f.store.List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestCreateFromTemplateRejectsDisabledTemplate(t *testing.T) {
	f := newEngine(t, &routedAI{}, &fakeDataSource{})
	f.putTemplate(t, okScript)
	ctx := context.Background()
	require.NoError(t, f.registry.SetEnabled(ctx, "overdue_invoices", false))

	_, err := f.orch.CreateFromTemplate(ctx, &CreateRequest{
		TemplateID: "overdue_invoices",
		UserID:     "u_42",
	})
	assert.ErrorIs(t, err, core.ErrTemplateDisabled)
}

func TestAutoCreateFromUtterance(t *testing.T) {
	ai := &routedAI{responses: map[string]string{
		"Extract parameters": `{"period": "last_week"}`,
	}}
	f := newEngine(t, ai, &fakeDataSource{})
	f.putTemplate(t, okScript)

	task, err := f.orch.AutoCreateFromUtterance(context.Background(), "show overdue invoices", "u_42")
	require.NoError(t, err)

	assert.Equal(t, "overdue_invoices", task.TemplateID)
	assert.Equal(t, "last_week", task.Parameters["period"])
	assert.InDelta(t, 1.0, task.Confidence, 1e-5)
	assert.Equal(t, core.TaskStatusQueued, task.Status)
}

func TestAutoCreateFallsBackToDefaultsOnUnparseableExtraction(t *testing.T) {
	ai := &routedAI{responses: map[string]string{
		"Extract parameters": "sorry, I cannot help with that",
	}}
	f := newEngine(t, ai, &fakeDataSource{})
	f.putTemplate(t, okScript)

	task, err := f.orch.AutoCreateFromUtterance(context.Background(), "show overdue invoices", "u_42")
	require.NoError(t, err)
	assert.Equal(t, "last_month", task.Parameters["period"], "schema default fills the gap")
}

func TestAutoCreateNoMatch(t *testing.T) {
	f := newEngine(t, &routedAI{}, &fakeDataSource{})
	f.putTemplate(t, okScript)

	_, err := f.orch.AutoCreateFromUtterance(context.Background(), "launch a rocket", "u_42")
	assert.ErrorIs(t, err, core.ErrTemplateNotFound)
}

func TestExecuteCompletesTask(t *testing.T) {
	f := newEngine(t, &routedAI{}, &fakeDataSource{})
	f.putTemplate(t, okScript)
	ctx := context.Background()

	task, err := f.orch.CreateFromTemplate(ctx, &CreateRequest{
		TemplateID: "overdue_invoices",
		Parameters: map[string]interface{}{"period": "last_week"},
		UserID:     "u_42",
	})
	require.NoError(t, err)

	payload := f.runNext(t)
	assert.Equal(t, task.ID, payload.TaskID)

	loaded, err := f.store.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, core.TaskStatusCompleted, loaded.Status)
	require.NotNil(t, loaded.Result)
	assert.Equal(t, "report for last_week", loaded.Result.Summary)
	require.NotNil(t, loaded.Progress)
	assert.Equal(t, 100.0, loaded.Progress.Percentage)
}

func TestExecuteDeduplicatesRedelivery(t *testing.T) {
	f := newEngine(t, &routedAI{}, &fakeDataSource{})
	f.putTemplate(t, okScript)
	ctx := context.Background()

	task, err := f.orch.CreateFromTemplate(ctx, &CreateRequest{
		TemplateID: "overdue_invoices",
		UserID:     "u_42",
	})
	require.NoError(t, err)

	payload := f.runNext(t)

	// Transport retries deliver the same payload again; the terminal task
	// is left untouched.
	require.NoError(t, f.orch.Execute(ctx, payload))
	loaded, err := f.store.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, core.TaskStatusCompleted, loaded.Status)
	assert.Len(t, loaded.Errors, 0)
}

func seedRepairMemory(t *testing.T, f *engineFixture, title string) string {
	t.Helper()
	mem := &core.ReasoningMemory{
		Title:       title,
		Description: "Lesson from a prior failed run",
		Content:     "Deal records only expose deal_stage after the pipeline migration; read stage_id instead.",
		Category:    core.MemoryErrorPattern,
		Source:      core.SourceTaskFailure,
		TemplateID:  "overdue_invoices",
	}
	require.NoError(t, f.memories.Save(context.Background(), mem))
	return mem.ID
}

func TestRepairLoopEndToEnd(t *testing.T) {
	ai := &routedAI{responses: map[string]string{
		"Produce a corrected version": repairedResponse,
	}}
	f := newEngine(t, ai, &fakeDataSource{})
	f.putTemplate(t, badScript)
	ctx := context.Background()

	memA := seedRepairMemory(t, f, "deal_stage was removed upstream")
	memB := seedRepairMemory(t, f, "stage reads fail on migrated deals")

	origin, err := f.orch.CreateFromTemplate(ctx, &CreateRequest{
		TemplateID: "overdue_invoices",
		UserID:     "u_42",
	})
	require.NoError(t, err)

	f.runNext(t)

	loaded, err := f.store.Get(ctx, origin.ID)
	require.NoError(t, err)
	assert.Equal(t, core.TaskStatusAutoRepaired, loaded.Status)
	require.NotEmpty(t, loaded.Errors)

	// The repair bumped the template version and replaced the script.
	tmpl, err := f.registry.GetFresh(ctx, "overdue_invoices")
	require.NoError(t, err)
	assert.Equal(t, 2, tmpl.Version)
	assert.Contains(t, tmpl.ExecutionScript, "repaired run")
	assert.Equal(t, repairModifiedBy, tmpl.LastModifiedBy)
	require.NotNil(t, tmpl.LastRepairedAt)

	// A retry task was minted and dispatched.
	tasks, err := f.store.List(ctx, core.TaskStatusQueued)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	retry := tasks[0]
	assert.Equal(t, origin.ID, retry.ParentTaskID)
	assert.Equal(t, 1, retry.RetryAttempt)
	assert.True(t, retry.Testing, "repair retries run in testing mode")
	assert.Equal(t, 1, core.RetryDepth(retry.ID))
	require.NotNil(t, retry.AutoRepairInfo)
	assert.Equal(t, 2, retry.AutoRepairInfo.RepairedTemplateVersion)
	assert.ElementsMatch(t, []string{memA, memB}, retry.AutoRepairInfo.MemoryIDs)

	// The retry runs the repaired script and succeeds.
	f.runNext(t)
	done, err := f.store.Get(ctx, retry.ID)
	require.NoError(t, err)
	assert.Equal(t, core.TaskStatusCompleted, done.Status)
	assert.Equal(t, "repaired run", done.Result.Summary)

	// Success is attributed to the memories that informed the repair.
	for _, id := range []string{memA, memB} {
		mem, err := f.memories.Get(ctx, id)
		require.NoError(t, err)
		assert.EqualValues(t, 1, mem.TimesRetrieved)
		assert.EqualValues(t, 1, mem.TimesUsedInSuccess)
	}
}

func TestRepairDeclinedForQuotaErrors(t *testing.T) {
	ai := &routedAI{responses: map[string]string{
		"Produce a corrected version": repairedResponse,
	}}
	ds := &fakeDataSource{err: core.NewTaskError(core.ErrUpstreamQuota, "daily request budget exhausted", "")}
	f := newEngine(t, ai, ds)
	f.putTemplate(t, quotaScript)
	ctx := context.Background()

	task, err := f.orch.CreateFromTemplate(ctx, &CreateRequest{
		TemplateID: "overdue_invoices",
		UserID:     "u_42",
	})
	require.NoError(t, err)

	f.runNext(t)

	loaded, err := f.store.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, core.TaskStatusFailed, loaded.Status)
	require.NotEmpty(t, loaded.Errors)
	assert.Equal(t, core.ErrUpstreamQuota, loaded.Errors[0].Type)

	// No repair generation, no retry task, template untouched.
	assert.Zero(t, ai.promptCount())
	tasks, err := f.store.List(ctx, core.TaskStatusQueued)
	require.NoError(t, err)
	assert.Empty(t, tasks)
	tmpl, err := f.registry.Get(ctx, "overdue_invoices")
	require.NoError(t, err)
	assert.Equal(t, 1, tmpl.Version)
}

func TestRetryDepthCapFinalizes(t *testing.T) {
	ai := &routedAI{responses: map[string]string{
		"Produce a corrected version": repairedResponse,
	}}
	f := newEngine(t, ai, &fakeDataSource{})
	f.putTemplate(t, badScript)
	ctx := context.Background()

	exhaustedID := "task_1700000000000_demo_retry_1_1700000001000_retry_2_1700000002000_retry_3_1700000003000"
	require.Equal(t, 3, core.RetryDepth(exhaustedID))

	task := newTaskFixture(exhaustedID)
	task.Testing = true
	task.RetryAttempt = 3
	require.NoError(t, f.store.Create(ctx, task))
	_, err := f.store.SetStatus(ctx, task.ID, core.TaskStatusQueued)
	require.NoError(t, err)

	require.NoError(t, f.orch.Execute(ctx, &core.DispatchPayload{
		TaskID:     task.ID,
		TemplateID: task.TemplateID,
		Parameters: task.Parameters,
		UserID:     task.UserID,
		Priority:   task.Priority,
	}))

	loaded, err := f.store.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, core.TaskStatusFailedMaxRetries, loaded.Status)
	assert.Equal(t, 3, loaded.FinalRetryCount)
	assert.NotEmpty(t, loaded.FailureReason)

	// The cap stops repair before any generation happens.
	assert.Zero(t, ai.promptCount())
}

func TestCancelPendingTaskRevokesDispatch(t *testing.T) {
	f := newEngine(t, &routedAI{}, &fakeDataSource{})
	f.putTemplate(t, okScript)
	ctx := context.Background()

	task, err := f.orch.CreateFromTemplate(ctx, &CreateRequest{
		TemplateID: "overdue_invoices",
		UserID:     "u_42",
		Delay:      time.Hour,
	})
	require.NoError(t, err)

	cancelled, err := f.orch.Cancel(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, core.TaskStatusCancelled, cancelled.Status)
	require.NotNil(t, cancelled.Execution.CancelledAt)

	pending, err := f.dispatcher.PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending, "scheduled dispatch revoked")

	// Cancelled is terminal; a second cancel is refused and the task is
	// never retried or repaired.
	_, err = f.orch.Cancel(ctx, task.ID)
	assert.ErrorIs(t, err, core.ErrTaskNotCancellable)
	tasks, err := f.store.List(ctx, core.TaskStatusQueued)
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestAutoCreateSkipsTestingTemplates(t *testing.T) {
	ai := &routedAI{responses: map[string]string{
		"Extract parameters": `{"period": "last_week"}`,
	}}
	f := newEngine(t, ai, &fakeDataSource{})
	f.putTemplate(t, okScript)
	ctx := context.Background()
	require.NoError(t, f.registry.SetTesting(ctx, "overdue_invoices", true))

	_, err := f.orch.AutoCreateFromUtterance(ctx, "show overdue invoices", "u_42")
	assert.ErrorIs(t, err, core.ErrTemplateNotFound)

	// Callers validating a template opt in explicitly.
	task, err := f.orch.AutoCreateFromUtterance(ctx, "show overdue invoices", "u_42", registry.IncludeTesting())
	require.NoError(t, err)
	assert.Equal(t, "overdue_invoices", task.TemplateID)
	assert.True(t, task.Testing, "tasks from testing templates run in testing mode")
}

func TestRepairDuplicateDeliveryMintsSingleRetry(t *testing.T) {
	ai := &routedAI{responses: map[string]string{
		"Produce a corrected version": repairedResponse,
	}}
	f := newEngine(t, ai, &fakeDataSource{})
	f.putTemplate(t, badScript)
	ctx := context.Background()

	origin, err := f.orch.CreateFromTemplate(ctx, &CreateRequest{
		TemplateID: "overdue_invoices",
		UserID:     "u_42",
	})
	require.NoError(t, err)

	_, err = f.dispatcher.PromoteDue(ctx)
	require.NoError(t, err)
	payload, err := f.dispatcher.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, payload)

	// At-least-once transports can deliver the same failure concurrently;
	// the repair claim lets exactly one delivery mint the retry child.
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, f.orch.Execute(ctx, payload))
		}()
	}
	wg.Wait()

	queued, err := f.store.List(ctx, core.TaskStatusQueued)
	require.NoError(t, err)
	require.Len(t, queued, 1, "duplicate deliveries share one retry child")
	assert.Equal(t, origin.ID, queued[0].ParentTaskID)

	loaded, err := f.store.Get(ctx, origin.ID)
	require.NoError(t, err)
	assert.Equal(t, core.TaskStatusAutoRepaired, loaded.Status)

	// A late redelivery after repair reuses the same child too.
	require.NoError(t, f.orch.Execute(ctx, payload))
	queued, err = f.store.List(ctx, core.TaskStatusQueued)
	require.NoError(t, err)
	assert.Len(t, queued, 1)
}

// flakyAI fails a fixed number of calls before recovering.
type flakyAI struct {
	mu       sync.Mutex
	failures int
	calls    int
}

func (a *flakyAI) GenerateResponse(_ context.Context, _ string, _ *core.AIOptions) (*core.AIResponse, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if a.calls <= a.failures {
		return nil, fmt.Errorf("provider unavailable")
	}
	return &core.AIResponse{Content: "ok"}, nil
}

func (a *flakyAI) GenerateWithTools(ctx context.Context, prompt string, _ []core.ToolDef, _ core.ToolMode, options *core.AIOptions) (*core.AIResponse, error) {
	return a.GenerateResponse(ctx, prompt, options)
}

func TestGuardedAIRetriesTransientFailures(t *testing.T) {
	inner := &flakyAI{failures: 2}
	g := &guardedAI{
		inner: inner,
		retry: &resilience.RetryConfig{
			MaxAttempts:   3,
			InitialDelay:  time.Millisecond,
			MaxDelay:      5 * time.Millisecond,
			BackoffFactor: 2,
		},
		breaker: resilience.NewCircuitBreaker(nil),
	}

	resp, err := g.GenerateResponse(context.Background(), "hello", nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	inner.mu.Lock()
	assert.Equal(t, 3, inner.calls)
	inner.mu.Unlock()
}

func TestGuardedSourceOpensCircuitAfterRepeatedFailures(t *testing.T) {
	ds := &fakeDataSource{err: core.NewTaskError(core.ErrUpstreamError, "boom", "")}
	breaker := resilience.NewCircuitBreaker(&resilience.CircuitBreakerConfig{
		Name:              "data_source",
		FailureThreshold:  3,
		SleepWindow:       time.Minute,
		HalfOpenSuccesses: 1,
	})
	src := &guardedSource{inner: ds, breaker: breaker}
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := src.Call(ctx, "crm.invoice.list", nil)
		require.Error(t, err)
	}

	// Circuit is open; the upstream is not called again.
	_, err := src.Call(ctx, "crm.invoice.list", nil)
	require.Error(t, err)
	te := core.AsTaskError(err)
	assert.Equal(t, core.ErrUpstreamUnavailable, te.Type)

	ds.mu.Lock()
	calls := len(ds.calls)
	ds.mu.Unlock()
	assert.Equal(t, 3, calls)
}
