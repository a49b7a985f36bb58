package orchestration

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/taskforge-ai/taskforge/core"
	"github.com/taskforge-ai/taskforge/memory"
	"github.com/taskforge-ai/taskforge/sandbox"
	"github.com/taskforge-ai/taskforge/telemetry"
)

// repairModifiedBy is recorded as the template's last modifier when the
// repair loop rewrites its script.
const repairModifiedBy = "auto_repair"

// Memory budget for the repair prompt: error patterns dominate, fix
// strategies fill the rest.
const (
	repairErrorPatternK = 3
	repairFixStrategyK  = 2
)

// repairWindow bounds how long one repair generation may take before the
// finalization path proceeds without it.
const repairWindow = 90 * time.Second

// failWithRepair handles a failed or timed-out execution: it records the
// error, distills failure memories, and either enters the repair loop or
// finalizes the task.
func (o *Orchestrator) failWithRepair(ctx context.Context, task *core.Task, tmpl *core.Template, result *sandbox.Result) error {
	te := result.Err
	if te == nil {
		te = core.NewTaskError(core.ErrInternalInvariant, "executor reported failure without error", "")
	}
	if _, err := o.store.AppendError(ctx, task.ID, te); err != nil {
		return err
	}

	// Distillation and attribution run regardless of the repair decision.
	if task.AutoRepairInfo != nil {
		info := task.AutoRepairInfo
		o.distill(ctx, func(ctx context.Context) {
			o.extractor.ExtractFromRepair(ctx, &memory.RepairContext{
				TaskID:         task.ID,
				TemplateID:     task.TemplateID,
				OriginalError:  core.NewTaskError(core.ErrUpstreamError, info.OriginalError, ""),
				OriginalScript: info.OriginalScript,
				RepairedScript: info.RepairedScript,
				Succeeded:      false,
			})
		})
	} else {
		o.distill(ctx, func(ctx context.Context) {
			o.extractor.ExtractFromFailure(ctx, trajectoryFor(task, tmpl, result, te))
		})
	}

	if !o.config.RepairEnabled || o.ai == nil {
		return o.finalizeFailed(ctx, task, result)
	}
	if !te.RepairEligible() {
		telemetry.EmitRepairAttempt(ctx, "declined")
		o.logger.InfoWithContext(ctx, "Repair declined by error type", map[string]interface{}{
			"task_id":    task.ID,
			"error_type": string(te.Type),
		})
		return o.finalizeFailed(ctx, task, result)
	}

	depth := core.RetryDepth(task.ID)
	if depth >= core.MaxRetryDepth {
		return o.finalizeExhausted(ctx, task, te, depth, result)
	}

	rctx, cancel := context.WithTimeout(ctx, repairWindow)
	defer cancel()
	retry, err := o.attemptRepair(rctx, task, tmpl, te, depth)
	if err != nil {
		telemetry.EmitRepairAttempt(ctx, "failed")
		o.logger.WarnWithContext(ctx, "Repair attempt failed", map[string]interface{}{
			"task_id": task.ID,
			"error":   err.Error(),
		})
		return o.finalizeFailed(ctx, task, result)
	}

	if _, err := o.store.SetStatus(ctx, task.ID, core.TaskStatusAutoRepaired); err != nil {
		return err
	}
	telemetry.EmitRepairAttempt(ctx, "accepted")
	telemetry.EmitTaskFinished(ctx, string(core.TaskStatusAutoRepaired), result.Duration.Milliseconds())
	o.logger.InfoWithContext(ctx, "Task auto-repaired", map[string]interface{}{
		"task_id":       task.ID,
		"retry_task_id": retry.ID,
		"attempt":       retry.RetryAttempt,
	})
	return nil
}

// finalizeFailed marks the task failed. The error entry is already on the
// log.
func (o *Orchestrator) finalizeFailed(ctx context.Context, task *core.Task, result *sandbox.Result) error {
	updated, err := o.store.SetStatus(ctx, task.ID, core.TaskStatusFailed)
	if err != nil {
		return err
	}
	telemetry.EmitTaskFinished(ctx, string(core.TaskStatusFailed), result.Duration.Milliseconds())
	o.recordRetryOutcome(ctx, updated, false)
	return nil
}

// finalizeExhausted marks a retry at the depth cap as failed_max_retries.
func (o *Orchestrator) finalizeExhausted(ctx context.Context, task *core.Task, te *core.TaskError, depth int, result *sandbox.Result) error {
	telemetry.EmitRepairAttempt(ctx, "exhausted")
	updated, err := o.store.Update(ctx, task.ID, func(t *core.Task) error {
		if !core.CanTransition(t.Status, core.TaskStatusFailedMaxRetries) {
			return fmt.Errorf("cannot exhaust from %s: %w", t.Status, core.ErrInvalidTransition)
		}
		t.Status = core.TaskStatusFailedMaxRetries
		t.FinalRetryCount = depth
		t.FailureReason = te.Error()
		return nil
	})
	if err != nil {
		return err
	}
	telemetry.EmitTaskFinished(ctx, string(core.TaskStatusFailedMaxRetries), result.Duration.Milliseconds())
	o.logger.WarnWithContext(ctx, "Retry depth exhausted", map[string]interface{}{
		"task_id":     task.ID,
		"retry_count": depth,
		"reason":      te.Error(),
	})
	o.recordRetryOutcome(ctx, updated, false)
	return nil
}

// attemptRepair asks the LLM for a minimally modified script, validates it,
// writes it as a new template version, and mints the retry task. At-least-
// once delivery means the same failure can arrive twice; a live retry child
// is reused and the repair claim keeps concurrent deliveries from minting
// a second one.
func (o *Orchestrator) attemptRepair(ctx context.Context, task *core.Task, tmpl *core.Template, te *core.TaskError, depth int) (*core.Task, error) {
	if existing, err := o.store.FindLiveRetry(ctx, task.ID); err != nil {
		return nil, err
	} else if existing != nil {
		o.logger.InfoWithContext(ctx, "Repair skipped, live retry exists", map[string]interface{}{
			"task_id":       task.ID,
			"retry_task_id": existing.ID,
		})
		return existing, nil
	}

	claimed, err := o.store.ClaimRepair(ctx, task.ID, repairWindow)
	if err != nil {
		return nil, err
	}
	if !claimed {
		return o.awaitRetry(ctx, task.ID)
	}

	mems, memIDs := o.repairMemories(ctx, task, te)

	prompt := repairPrompt(tmpl, te, task.Parameters, mems)
	resp, err := o.ai.GenerateResponse(ctx, prompt, &core.AIOptions{
		Temperature: 0.2,
		MaxTokens:   8192,
	})
	if err != nil {
		return nil, fmt.Errorf("repair generation failed: %w", err)
	}

	script := extractScript(resp.Content)
	if script == "" {
		return nil, fmt.Errorf("repair response contained no script")
	}
	if strings.TrimSpace(script) == strings.TrimSpace(tmpl.ExecutionScript) {
		return nil, fmt.Errorf("repair produced an identical script")
	}
	if verr := sandbox.ValidateScript(script); verr != nil {
		return nil, fmt.Errorf("repaired script rejected: %w", verr)
	}

	updatedTmpl, err := o.registry.UpdateScript(ctx, tmpl.ID, script, repairModifiedBy)
	if err != nil {
		return nil, fmt.Errorf("failed to store repaired script: %w", err)
	}

	attempt := depth + 1
	retry := &core.Task{
		ID:              core.NewRetryTaskID(task.ID, attempt),
		TemplateID:      task.TemplateID,
		TemplateVersion: updatedTmpl.Version,
		Status:          core.TaskStatusPending,
		Priority:        task.Priority,
		Testing:         true,
		Parameters:      task.Parameters,
		UserID:          task.UserID,
		ParentTaskID:    task.ID,
		RetryAttempt:    attempt,
		AutoRepairInfo: &core.AutoRepairInfo{
			OriginalError:           te.Error(),
			Attempt:                 attempt,
			RepairedTemplateVersion: updatedTmpl.Version,
			OriginalScript:          tmpl.ExecutionScript,
			RepairedScript:          script,
			MemoryIDs:               memIDs,
		},
		Estimate: EstimateCost(updatedTmpl, task.Parameters),
	}
	return o.createAndDispatch(ctx, retry, 0)
}

// awaitRetry polls for the retry child another delivery is minting. The
// claim holder may still be generating; a short wait covers the common
// race, and a miss surfaces as a failed repair attempt.
func (o *Orchestrator) awaitRetry(ctx context.Context, originID string) (*core.Task, error) {
	for i := 0; i < 20; i++ {
		existing, err := o.store.FindLiveRetry(ctx, originID)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return existing, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
	return nil, fmt.Errorf("repair already claimed for %s and no retry appeared", originID)
}

// repairMemories retrieves the reasoning memories most relevant to the
// failure, error patterns first. Retrieval failures degrade to an empty
// prompt section.
func (o *Orchestrator) repairMemories(ctx context.Context, task *core.Task, te *core.TaskError) ([]*core.ReasoningMemory, []string) {
	if o.memories == nil {
		return nil, nil
	}
	query := te.Error()

	var out []*core.ReasoningMemory
	for _, bucket := range []struct {
		category core.MemoryCategory
		k        int
	}{
		{core.MemoryErrorPattern, repairErrorPatternK},
		{core.MemoryFixStrategy, repairFixStrategyK},
	} {
		mems, err := o.memories.RetrieveByText(ctx, query, bucket.k, &memory.RetrieveFilters{
			Category: bucket.category,
		})
		if err != nil {
			o.logger.WarnWithContext(ctx, "Memory retrieval failed", map[string]interface{}{
				"task_id":  task.ID,
				"category": string(bucket.category),
				"error":    err.Error(),
			})
			continue
		}
		out = append(out, mems...)
	}

	ids := make([]string, 0, len(out))
	for _, m := range out {
		ids = append(ids, m.ID)
	}
	return out, ids
}

// repairPrompt builds the minimal-modification instruction for the LLM.
func repairPrompt(tmpl *core.Template, te *core.TaskError, params map[string]interface{}, mems []*core.ReasoningMemory) string {
	var b strings.Builder
	fmt.Fprintf(&b, "A sandboxed task script failed. Produce a corrected version.\n\n")
	fmt.Fprintf(&b, "Template: %s (%s)\n", tmpl.Name, tmpl.ID)
	fmt.Fprintf(&b, "Error: [%s] %s\n", te.Type, te.Message)
	if te.Step != "" {
		fmt.Fprintf(&b, "Failing step: %s\n", te.Step)
	}
	fmt.Fprintf(&b, "\nParameters of the failed run:\n")
	for k, v := range params {
		fmt.Fprintf(&b, "  %s = %v\n", k, v)
	}

	if len(mems) > 0 {
		b.WriteString("\nLessons from previous executions:\n")
		for _, m := range mems {
			fmt.Fprintf(&b, "- [%s] %s: %s\n", m.Category, m.Title, m.Content)
		}
	}

	b.WriteString("\nCurrent script:\n```javascript\n")
	b.WriteString(tmpl.ExecutionScript)
	b.WriteString("\n```\n\n")
	b.WriteString(`Rules:
- Make the smallest change that fixes the error. Do not restructure working code.
- Keep the run(params, ctx) entry point and the existing capability usage.
- Every list call must keep a non-empty filter and a limit of at most 500.
- Respond with only the corrected script inside one javascript code fence.`)
	return b.String()
}

// extractScript pulls the script out of a fenced or bare LLM response.
func extractScript(content string) string {
	content = strings.TrimSpace(content)
	if idx := strings.Index(content, "```"); idx >= 0 {
		rest := content[idx+3:]
		if nl := strings.Index(rest, "\n"); nl >= 0 {
			rest = rest[nl+1:]
		}
		if end := strings.Index(rest, "```"); end >= 0 {
			return strings.TrimSpace(rest[:end])
		}
		return strings.TrimSpace(rest)
	}
	if strings.Contains(content, "function run") || strings.Contains(content, "run =") {
		return content
	}
	return ""
}
