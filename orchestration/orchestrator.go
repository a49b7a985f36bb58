package orchestration

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/taskforge-ai/taskforge/core"
	"github.com/taskforge-ai/taskforge/memory"
	"github.com/taskforge-ai/taskforge/objectstore"
	"github.com/taskforge-ai/taskforge/registry"
	"github.com/taskforge-ai/taskforge/resilience"
	"github.com/taskforge-ai/taskforge/sandbox"
	"github.com/taskforge-ai/taskforge/schema"
	"github.com/taskforge-ai/taskforge/telemetry"
)

// OrchestratorConfig configures the task orchestrator.
type OrchestratorConfig struct {
	// MemoryRetrievalK is how many memories the repair prompt receives.
	// Default: 5.
	MemoryRetrievalK int `json:"memory_retrieval_k"`

	// RepairEnabled toggles the retry-with-repair loop. Default: true.
	RepairEnabled bool `json:"repair_enabled"`

	// MinAutoConfidence is the floor below which an utterance match is not
	// executed automatically. Default: 0.5.
	MinAutoConfidence float64 `json:"min_auto_confidence"`

	// Logger is an optional logger for orchestration operations.
	Logger core.Logger `json:"-"`
}

// DefaultOrchestratorConfig returns default configuration.
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		MemoryRetrievalK:  5,
		RepairEnabled:     true,
		MinAutoConfidence: 0.5,
	}
}

// Orchestrator owns the task lifecycle from creation through terminal
// status: parameter coercion, cost estimation, deferred dispatch, sandbox
// execution, the repair loop, and memory distillation.
type Orchestrator struct {
	store      *TaskStore
	dispatcher core.Dispatcher
	registry   *registry.Registry
	memories   *memory.Store
	extractor  *memory.Extractor
	executor   *sandbox.Executor
	ai         core.AIClient
	dataSource core.DataSource
	objects    core.ObjectStore
	limiter    *resilience.RateLimiter
	config     OrchestratorConfig
	logger     core.Logger

	// sourceBreaker is shared across tasks so upstream health survives
	// individual executions.
	sourceBreaker *resilience.CircuitBreaker

	// extractWG tracks in-flight background distillations so Close can
	// drain them.
	extractWG sync.WaitGroup
}

// Deps bundles the orchestrator's collaborators.
type Deps struct {
	Store      *TaskStore
	Dispatcher core.Dispatcher
	Registry   *registry.Registry
	Memories   *memory.Store
	Extractor  *memory.Extractor
	Executor   *sandbox.Executor
	AI         core.AIClient
	DataSource core.DataSource
	Objects    core.ObjectStore
	Limiter    *resilience.RateLimiter
}

// NewOrchestrator wires the orchestrator. Store, Dispatcher and Registry
// are required; everything else degrades (no memories, no repair, no
// artefacts) when absent.
func NewOrchestrator(deps Deps, config *OrchestratorConfig) (*Orchestrator, error) {
	if deps.Store == nil || deps.Dispatcher == nil || deps.Registry == nil {
		return nil, fmt.Errorf("orchestrator requires store, dispatcher and registry: %w", core.ErrMissingConfiguration)
	}
	if config == nil {
		defaultConfig := DefaultOrchestratorConfig()
		config = &defaultConfig
	}
	if config.MemoryRetrievalK <= 0 {
		config.MemoryRetrievalK = 5
	}
	if config.MinAutoConfidence <= 0 {
		config.MinAutoConfidence = 0.5
	}

	o := &Orchestrator{
		store:      deps.Store,
		dispatcher: deps.Dispatcher,
		registry:   deps.Registry,
		memories:   deps.Memories,
		extractor:  deps.Extractor,
		executor:   deps.Executor,
		ai:         deps.AI,
		dataSource: deps.DataSource,
		objects:    deps.Objects,
		limiter:    deps.Limiter,
		config:     *config,
		logger:     config.Logger,
	}
	if o.executor == nil {
		o.executor = sandbox.NewExecutor(nil)
	}
	if o.logger == nil {
		o.logger = &core.NoOpLogger{}
	}
	if cal, ok := o.logger.(core.ComponentAwareLogger); ok {
		o.logger = cal.WithComponent("engine/orchestration")
	}

	if o.ai != nil {
		o.ai = &guardedAI{
			inner:   o.ai,
			retry:   resilience.DefaultRetryConfig(),
			breaker: resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig("llm")),
		}
	}
	if o.dataSource != nil {
		o.sourceBreaker = resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig("data_source"))
	}
	return o, nil
}

// guardedAI wraps the LLM client with retry and a circuit breaker: provider
// errors back off and retry, and a flapping provider is refused until it
// recovers instead of being hammered by every execution.
type guardedAI struct {
	inner   core.AIClient
	retry   *resilience.RetryConfig
	breaker *resilience.CircuitBreaker
}

func (g *guardedAI) GenerateResponse(ctx context.Context, prompt string, options *core.AIOptions) (*core.AIResponse, error) {
	var resp *core.AIResponse
	err := resilience.RetryWithCircuitBreaker(ctx, g.retry, g.breaker, func() error {
		r, err := g.inner.GenerateResponse(ctx, prompt, options)
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	return resp, err
}

func (g *guardedAI) GenerateWithTools(ctx context.Context, prompt string, tools []core.ToolDef, mode core.ToolMode, options *core.AIOptions) (*core.AIResponse, error) {
	var resp *core.AIResponse
	err := resilience.RetryWithCircuitBreaker(ctx, g.retry, g.breaker, func() error {
		r, err := g.inner.GenerateWithTools(ctx, prompt, tools, mode, options)
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	return resp, err
}

// Close drains background memory distillation.
func (o *Orchestrator) Close() {
	o.extractWG.Wait()
}

// CreateRequest is an explicit task creation request.
type CreateRequest struct {
	TemplateID string                 `json:"template_id"`
	Parameters map[string]interface{} `json:"parameters"`
	UserID     string                 `json:"user_id"`
	Priority   int                    `json:"priority,omitempty"`
	Delay      time.Duration          `json:"-"`
}

// CreateFromTemplate validates parameters against the template schema,
// estimates cost, persists the task and schedules its dispatch. Parameter
// violations are returned to the caller; no task record is created.
func (o *Orchestrator) CreateFromTemplate(ctx context.Context, req *CreateRequest) (*core.Task, error) {
	tmpl, err := o.registry.Get(ctx, req.TemplateID)
	if err != nil {
		return nil, err
	}
	if !tmpl.Enabled {
		return nil, fmt.Errorf("template %s: %w", tmpl.ID, core.ErrTemplateDisabled)
	}

	coerced, err := schema.Validate(req.Parameters, tmpl.ParameterSchema)
	if err != nil {
		return nil, err
	}

	priority := req.Priority
	if priority <= 0 {
		priority = core.DefaultPriority
	}

	task := &core.Task{
		ID:              core.NewTaskID(tmpl.Name, tmpl.PrimaryCategory()),
		TemplateID:      tmpl.ID,
		TemplateVersion: tmpl.Version,
		Status:          core.TaskStatusPending,
		Priority:        priority,
		Testing:         tmpl.Testing,
		Parameters:      coerced,
		UserID:          req.UserID,
		Estimate:        EstimateCost(tmpl, coerced),
	}
	return o.createAndDispatch(ctx, task, req.Delay)
}

// createAndDispatch persists the task and hands it to the dispatcher.
func (o *Orchestrator) createAndDispatch(ctx context.Context, task *core.Task, delay time.Duration) (*core.Task, error) {
	tc := telemetry.GetTraceContext(ctx)
	task.Execution.TraceID = tc.TraceID
	task.Execution.ParentSpanID = tc.SpanID

	if err := o.store.Create(ctx, task); err != nil {
		return nil, err
	}

	handle, err := o.dispatcher.Enqueue(ctx, &core.DispatchPayload{
		TaskID:     task.ID,
		TemplateID: task.TemplateID,
		Parameters: task.Parameters,
		UserID:     task.UserID,
		Priority:   task.Priority,
	}, delay, task.Priority)
	if err != nil {
		te := core.NewTaskError(core.ErrInternalInvariant,
			fmt.Sprintf("dispatch enqueue failed: %v", err), "")
		if _, aerr := o.store.AppendError(ctx, task.ID, te); aerr == nil {
			_, _ = o.store.SetStatus(ctx, task.ID, core.TaskStatusFailed)
		}
		return nil, fmt.Errorf("failed to dispatch task %s: %w", task.ID, err)
	}

	now := time.Now().UTC()
	updated, err := o.store.Update(ctx, task.ID, func(t *core.Task) error {
		t.Execution.DispatchHandle = handle
		t.Execution.EnqueuedAt = &now
		t.Status = core.TaskStatusQueued
		return nil
	})
	if err != nil {
		return nil, err
	}

	telemetry.EmitTaskCreated(ctx, creationPath(task))
	o.logger.InfoWithContext(ctx, "Task dispatched", map[string]interface{}{
		"task_id":     updated.ID,
		"template_id": updated.TemplateID,
		"handle":      handle,
		"delay_ms":    delay.Milliseconds(),
	})
	return updated, nil
}

func creationPath(task *core.Task) string {
	switch {
	case task.ParentTaskID != "":
		return "repair_retry"
	case task.Confidence > 0:
		return "auto"
	}
	return "template"
}

// AutoCreateFromUtterance resolves a natural-language request to a
// template, extracts parameters with the LLM, and creates the task.
// Templates in testing mode are only matched when the caller passes
// registry.IncludeTesting.
func (o *Orchestrator) AutoCreateFromUtterance(ctx context.Context, utterance, userID string, opts ...registry.MatchOption) (*core.Task, error) {
	matches, err := o.registry.FindByUtterance(ctx, utterance, opts...)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("no template matches %q: %w", clipText(utterance, 80), core.ErrTemplateNotFound)
	}
	best := matches[0]
	telemetry.EmitTemplateMatch(ctx, string(best.Phase))
	if best.Score < o.config.MinAutoConfidence {
		return nil, fmt.Errorf("best match %s scored %.2f, below auto floor: %w",
			best.Template.ID, best.Score, core.ErrTemplateNotFound)
	}

	params := o.extractParameters(ctx, utterance, best.Template)

	task, err := o.CreateFromTemplate(ctx, &CreateRequest{
		TemplateID: best.Template.ID,
		Parameters: params,
		UserID:     userID,
	})
	if err != nil {
		return nil, err
	}
	task, err = o.store.Update(ctx, task.ID, func(t *core.Task) error {
		t.Confidence = best.Score
		return nil
	})
	return task, err
}

// extractParameters asks the LLM to fill the template's schema from the
// utterance. Any failure falls back to an empty parameter set, which
// coercion at creation fills with schema defaults or rejects when required
// parameters are missing.
func (o *Orchestrator) extractParameters(ctx context.Context, utterance string, tmpl *core.Template) map[string]interface{} {
	if o.ai == nil || tmpl.ParameterSchema == nil {
		return map[string]interface{}{}
	}

	schemaJSON, err := json.Marshal(tmpl.ParameterSchema)
	if err != nil {
		return map[string]interface{}{}
	}

	prompt := fmt.Sprintf(`Extract parameters for the task template %q from the user request.

User request: %s
Current date: %s
Parameter schema: %s

Respond with a single JSON object containing only the schema's parameters.
Resolve relative dates against the current date. Omit parameters the
request does not specify so their defaults apply.`,
		tmpl.Name, utterance, time.Now().UTC().Format("2006-01-02"), schemaJSON)

	resp, err := o.ai.GenerateResponse(ctx, prompt, &core.AIOptions{
		Temperature: 0.1,
		MaxTokens:   1024,
	})
	if err != nil {
		o.logger.WarnWithContext(ctx, "Parameter extraction failed, using defaults", map[string]interface{}{
			"template_id": tmpl.ID,
			"error":       err.Error(),
		})
		return map[string]interface{}{}
	}

	params, err := parseJSONObject(resp.Content)
	if err != nil {
		o.logger.WarnWithContext(ctx, "Parameter extraction unparseable, using defaults", map[string]interface{}{
			"template_id": tmpl.ID,
			"error":       err.Error(),
		})
		return map[string]interface{}{}
	}
	return params
}

// parseJSONObject extracts the first JSON object from LLM output,
// tolerating markdown fences and surrounding prose.
func parseJSONObject(content string) (map[string]interface{}, error) {
	content = strings.TrimSpace(content)
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in response")
	}
	var out map[string]interface{}
	if err := json.Unmarshal([]byte(content[start:end+1]), &out); err != nil {
		return nil, fmt.Errorf("failed to parse JSON object: %w", err)
	}
	return out, nil
}

// Execute is the dispatch callback: it runs one delivered task through the
// sandbox and drives the resulting status transition. Re-deliveries are
// deduplicated by status; only pending or queued tasks run.
func (o *Orchestrator) Execute(ctx context.Context, payload *core.DispatchPayload) error {
	task, err := o.store.Get(ctx, payload.TaskID)
	if err != nil {
		if core.IsNotFound(err) {
			o.logger.WarnWithContext(ctx, "Dispatch for unknown task dropped", map[string]interface{}{
				"task_id": payload.TaskID,
			})
			return nil
		}
		return err
	}
	if task.Status != core.TaskStatusPending && task.Status != core.TaskStatusQueued {
		o.logger.InfoWithContext(ctx, "Dispatch dropped, task not runnable", map[string]interface{}{
			"task_id": task.ID,
			"status":  string(task.Status),
		})
		return nil
	}

	ctx, endSpan := telemetry.StartLinkedSpan(ctx, "task.execute",
		task.Execution.TraceID, task.Execution.ParentSpanID, map[string]string{
			"task.id":       task.ID,
			"task.template": task.TemplateID,
		})
	defer endSpan()

	// Repair retries must see the repaired script, never a cached copy.
	if task.ParentTaskID != "" {
		o.registry.Invalidate(task.TemplateID)
	}
	tmpl, err := o.registry.GetFresh(ctx, task.TemplateID)
	if err != nil {
		return o.fail(ctx, task, core.AsTaskError(err))
	}
	if !tmpl.Enabled && !task.Testing {
		return o.fail(ctx, task, core.NewTaskError(core.ErrTypeTemplateNotFound,
			fmt.Sprintf("template %s is disabled", tmpl.ID), ""))
	}

	if _, err := o.store.SetStatus(ctx, task.ID, core.TaskStatusRunning); err != nil {
		return err
	}

	result, err := o.executor.Execute(ctx, &sandbox.Request{
		TaskID:       task.ID,
		Script:       tmpl.ExecutionScript,
		Parameters:   task.Parameters,
		MemoryTierMB: tmpl.MemoryTierMB,
		Capabilities: o.capabilitiesFor(task),
	})
	if err != nil {
		return o.fail(ctx, task, core.AsTaskError(err))
	}

	switch result.State {
	case sandbox.StateCompleted:
		return o.complete(ctx, task, tmpl, result)
	case sandbox.StateCancelled:
		telemetry.EmitTaskFinished(ctx, string(core.TaskStatusCancelled), result.Duration.Milliseconds())
		now := time.Now().UTC()
		_, err := o.store.Update(ctx, task.ID, func(t *core.Task) error {
			if t.Status != core.TaskStatusCancelled {
				if !core.CanTransition(t.Status, core.TaskStatusCancelled) {
					return fmt.Errorf("cannot cancel from %s: %w", t.Status, core.ErrInvalidTransition)
				}
				t.Status = core.TaskStatusCancelled
			}
			t.Execution.CancelledAt = &now
			return nil
		})
		return err
	default:
		return o.failWithRepair(ctx, task, tmpl, result)
	}
}

// capabilitiesFor builds the sandbox capability set for one task.
func (o *Orchestrator) capabilitiesFor(task *core.Task) *sandbox.Capabilities {
	caps := &sandbox.Capabilities{
		DataSource: o.dataSource,
		LLM:        o.ai,
		Logger:     o.logger,
		Progress: func(ctx context.Context, percentage int, message string) error {
			return o.store.UpdateProgress(ctx, task.ID, float64(percentage), message)
		},
		CancelRequested: func(ctx context.Context) (bool, error) {
			return o.store.IsCancelRequested(ctx, task.ID)
		},
	}
	if o.dataSource != nil {
		caps.DataSource = &guardedSource{inner: o.dataSource, limiter: o.limiter, breaker: o.sourceBreaker}
	}
	if o.objects != nil {
		caps.Artifacts = objectstore.NewArtifacts(o.objects, task.ID, task.TemplateID, task.UserID)
	}
	return caps
}

// guardedSource throttles data-source calls, feeds quota responses back
// into the limiter's cool-down, and trips the shared circuit breaker on
// upstream failures so a dead upstream refuses fast.
type guardedSource struct {
	inner   core.DataSource
	limiter *resilience.RateLimiter
	breaker *resilience.CircuitBreaker
}

func (s *guardedSource) Call(ctx context.Context, method string, params map[string]interface{}) (interface{}, error) {
	if s.breaker != nil && !s.breaker.CanExecute() {
		return nil, core.NewTaskError(core.ErrUpstreamUnavailable,
			"data source circuit open", method)
	}
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	out, err := s.inner.Call(ctx, method, params)
	if err != nil {
		if s.breaker != nil {
			s.breaker.RecordFailure()
		}
		if s.limiter != nil {
			if te := core.AsTaskError(err); te.Type == core.ErrUpstreamQuota {
				s.limiter.NoteThrottled()
			}
		}
		return nil, err
	}
	if s.breaker != nil {
		s.breaker.RecordSuccess()
	}
	return out, nil
}

// complete persists the result and distills memories in the background.
func (o *Orchestrator) complete(ctx context.Context, task *core.Task, tmpl *core.Template, result *sandbox.Result) error {
	summary := ""
	if s, ok := result.Output["summary"].(string); ok {
		summary = s
	}

	updated, err := o.store.Update(ctx, task.ID, func(t *core.Task) error {
		if !core.CanTransition(t.Status, core.TaskStatusCompleted) {
			return fmt.Errorf("cannot complete from %s: %w", t.Status, core.ErrInvalidTransition)
		}
		t.Status = core.TaskStatusCompleted
		t.Result = &core.TaskResult{
			Summary:         summary,
			Attachments:     result.ArtifactURLs,
			ExecutionTimeMS: result.Duration.Milliseconds(),
		}
		t.Progress = &core.TaskProgress{Percentage: 100, Message: "completed", LastHeartbeat: time.Now().UTC()}
		return nil
	})
	if err != nil {
		return err
	}
	telemetry.EmitTaskFinished(ctx, string(core.TaskStatusCompleted), result.Duration.Milliseconds())

	o.logger.InfoWithContext(ctx, "Task completed", map[string]interface{}{
		"task_id":     task.ID,
		"duration_ms": result.Duration.Milliseconds(),
		"artifacts":   len(result.ArtifactURLs),
		"steps":       len(result.Steps),
	})

	o.recordRetryOutcome(ctx, updated, true)
	o.distill(ctx, func(ctx context.Context) {
		if updated.AutoRepairInfo != nil {
			o.extractor.ExtractFromRepair(ctx, &memory.RepairContext{
				TaskID:         updated.ID,
				TemplateID:     updated.TemplateID,
				OriginalError:  core.NewTaskError(core.ErrUpstreamError, updated.AutoRepairInfo.OriginalError, ""),
				OriginalScript: updated.AutoRepairInfo.OriginalScript,
				RepairedScript: updated.AutoRepairInfo.RepairedScript,
				Succeeded:      true,
			})
			return
		}
		o.extractor.ExtractFromSuccess(ctx, trajectoryFor(updated, tmpl, result, nil))
	})
	return nil
}

// fail finalizes a task as failed without entering the repair loop.
func (o *Orchestrator) fail(ctx context.Context, task *core.Task, te *core.TaskError) error {
	if _, err := o.store.AppendError(ctx, task.ID, te); err != nil {
		return err
	}
	updated, err := o.store.SetStatus(ctx, task.ID, core.TaskStatusFailed)
	if err != nil {
		return err
	}
	telemetry.EmitTaskFinished(ctx, string(core.TaskStatusFailed), 0)
	o.logger.WarnWithContext(ctx, "Task failed", map[string]interface{}{
		"task_id":    task.ID,
		"error_type": string(te.Type),
		"error":      te.Message,
	})
	o.recordRetryOutcome(ctx, updated, false)
	return nil
}

// recordRetryOutcome attributes a finished repair retry back to the
// memories that informed the repair.
func (o *Orchestrator) recordRetryOutcome(ctx context.Context, task *core.Task, success bool) {
	if task.AutoRepairInfo == nil || len(task.AutoRepairInfo.MemoryIDs) == 0 || o.memories == nil {
		return
	}
	if err := o.memories.RecordOutcome(ctx, task.AutoRepairInfo.MemoryIDs, success); err != nil {
		o.logger.WarnWithContext(ctx, "Memory attribution failed", map[string]interface{}{
			"task_id": task.ID,
			"error":   err.Error(),
		})
	}
}

// distill runs fn in the background when an extractor is wired. Memory
// distillation is best effort and never blocks the task outcome.
func (o *Orchestrator) distill(ctx context.Context, fn func(context.Context)) {
	if o.extractor == nil {
		return
	}
	o.extractWG.Add(1)
	go func() {
		defer o.extractWG.Done()
		bg, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		fn(bg)
	}()
}

// Cancel requests cancellation. Pending and queued tasks are cancelled
// immediately and their dispatch revoked; running tasks get the status flag
// the sandbox checkpoint observes. Terminal tasks are not cancellable.
func (o *Orchestrator) Cancel(ctx context.Context, taskID string) (*core.Task, error) {
	task, err := o.store.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status.IsTerminal() {
		return nil, fmt.Errorf("task %s is %s: %w", taskID, task.Status, core.ErrTaskNotCancellable)
	}

	if task.Status != core.TaskStatusRunning && task.Execution.DispatchHandle != "" {
		if _, err := o.dispatcher.Cancel(ctx, task.Execution.DispatchHandle); err != nil {
			o.logger.WarnWithContext(ctx, "Dispatch cancel failed", map[string]interface{}{
				"task_id": taskID,
				"error":   err.Error(),
			})
		}
	}

	now := time.Now().UTC()
	return o.store.Update(ctx, taskID, func(t *core.Task) error {
		if !core.CanTransition(t.Status, core.TaskStatusCancelled) {
			return fmt.Errorf("cannot cancel from %s: %w", t.Status, core.ErrInvalidTransition)
		}
		t.Status = core.TaskStatusCancelled
		t.Execution.CancelledAt = &now
		return nil
	})
}

// trajectoryFor assembles the distillation input from an execution.
func trajectoryFor(task *core.Task, tmpl *core.Template, result *sandbox.Result, te *core.TaskError) *core.Trajectory {
	traj := &core.Trajectory{
		TaskID:     task.ID,
		TemplateID: task.TemplateID,
		Template:   tmpl,
		Parameters: task.Parameters,
		Error:      te,
	}
	if result != nil {
		traj.Steps = result.Steps
		traj.CompletionTime = result.Duration
	}
	return traj
}

func clipText(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
