package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/taskforge-ai/taskforge/core"
)

// Extraction candidate limits per source family.
const (
	maxCandidatesTask   = 3
	maxCandidatesRepair = 2
)

// Extractor distills memories from trajectories with an LLM and writes the
// valid ones to the store. Extraction is best-effort: a parse or validation
// failure is a warning, never a task failure.
type Extractor struct {
	store  *Store
	ai     core.AIClient
	logger core.Logger
}

// NewExtractor creates an extractor.
func NewExtractor(store *Store, ai core.AIClient, logger core.Logger) *Extractor {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("engine/memory")
	}
	return &Extractor{store: store, ai: ai, logger: logger}
}

// RepairContext is what the repair loop hands to extraction.
type RepairContext struct {
	TaskID         string
	TemplateID     string
	OriginalError  *core.TaskError
	OriginalScript string
	RepairedScript string
	Succeeded      bool
}

// ModificationContext captures a human edit to a template script.
type ModificationContext struct {
	TemplateID string
	Before     string
	After      string
	EditedBy   string
	Reason     string
}

// ExtractFromSuccess distills up to three memories from a completed
// execution.
func (e *Extractor) ExtractFromSuccess(ctx context.Context, traj *core.Trajectory) []*core.ReasoningMemory {
	prompt := successPrompt(traj)
	return e.extract(ctx, prompt, core.SourceTaskSuccess, traj.TemplateID, traj.TaskID, maxCandidatesTask)
}

// ExtractFromFailure distills up to three memories from a failed execution.
func (e *Extractor) ExtractFromFailure(ctx context.Context, traj *core.Trajectory) []*core.ReasoningMemory {
	prompt := failurePrompt(traj)
	return e.extract(ctx, prompt, core.SourceTaskFailure, traj.TemplateID, traj.TaskID, maxCandidatesTask)
}

// ExtractFromRepair distills up to two memories from a repair outcome,
// successful or not.
func (e *Extractor) ExtractFromRepair(ctx context.Context, rc *RepairContext) []*core.ReasoningMemory {
	source := core.SourceRepairFailure
	if rc.Succeeded {
		source = core.SourceRepairSuccess
	}
	prompt := repairPrompt(rc)
	return e.extract(ctx, prompt, source, rc.TemplateID, rc.TaskID, maxCandidatesRepair)
}

// ExtractFromUserModification distills up to two memories from a human
// script edit.
func (e *Extractor) ExtractFromUserModification(ctx context.Context, mc *ModificationContext) []*core.ReasoningMemory {
	prompt := modificationPrompt(mc)
	return e.extract(ctx, prompt, core.SourceUserModification, mc.TemplateID, "", maxCandidatesRepair)
}

func (e *Extractor) extract(ctx context.Context, prompt string, source core.MemorySource, templateID, taskID string, maxCandidates int) []*core.ReasoningMemory {
	resp, err := e.ai.GenerateResponse(ctx, prompt, &core.AIOptions{
		Temperature: 0.3,
		MaxTokens:   2048,
	})
	if err != nil {
		e.logger.WarnWithContext(ctx, "Memory extraction LLM call failed", map[string]interface{}{
			"source": string(source),
			"error":  err.Error(),
		})
		return nil
	}

	candidates, err := parseCandidates(resp.Content)
	if err != nil {
		e.logger.WarnWithContext(ctx, "Memory extraction parse failed", map[string]interface{}{
			"source": string(source),
			"error":  err.Error(),
		})
		return nil
	}
	if len(candidates) > maxCandidates {
		candidates = candidates[:maxCandidates]
	}

	var saved []*core.ReasoningMemory
	for _, raw := range candidates {
		mem, dropped, err := NormalizeCandidate(raw, source)
		if len(dropped) > 0 {
			e.logger.WarnWithContext(ctx, "Memory candidate carried unknown keys", map[string]interface{}{
				"dropped": dropped,
			})
		}
		if err != nil {
			e.logger.WarnWithContext(ctx, "Memory candidate rejected", map[string]interface{}{
				"source": string(source),
				"error":  err.Error(),
			})
			continue
		}
		mem.TemplateID = templateID
		mem.TaskID = taskID
		if err := e.store.Save(ctx, mem); err != nil {
			e.logger.WarnWithContext(ctx, "Memory write failed", map[string]interface{}{
				"error": err.Error(),
			})
			continue
		}
		saved = append(saved, mem)
	}
	return saved
}

// parseCandidates extracts a JSON array of objects from LLM output,
// tolerating markdown code fences.
func parseCandidates(content string) ([]map[string]interface{}, error) {
	content = stripFences(content)
	start := strings.Index(content, "[")
	end := strings.LastIndex(content, "]")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON array in extraction output")
	}

	var candidates []map[string]interface{}
	if err := json.Unmarshal([]byte(content[start:end+1]), &candidates); err != nil {
		return nil, fmt.Errorf("failed to parse extraction output: %w", err)
	}
	return candidates, nil
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		if idx := strings.Index(s, "\n"); idx >= 0 {
			s = s[idx+1:]
		}
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	return strings.TrimSpace(s)
}

const candidateShape = `Respond with a JSON array of at most %d objects, each exactly:
{"title": "<= 200 chars", "description": "<= 500 chars", "content": "<= 5000 chars", "category": "error_pattern|fix_strategy|api_usage|general_strategy|generation_pattern"}
No other keys. No prose outside the array.`

func successPrompt(traj *core.Trajectory) string {
	var b strings.Builder
	b.WriteString("A task template executed successfully. Distill reusable lessons about what made this execution work: parameter shapes, API usage, generation patterns.\n\n")
	writeTrajectory(&b, traj)
	fmt.Fprintf(&b, "\n"+candidateShape, maxCandidatesTask)
	return b.String()
}

func failurePrompt(traj *core.Trajectory) string {
	var b strings.Builder
	b.WriteString("A task template execution failed. Distill lessons about the error pattern and what to avoid.\n\n")
	writeTrajectory(&b, traj)
	if traj.Error != nil {
		fmt.Fprintf(&b, "\nError: [%s] %s (step: %s)\n", traj.Error.Type, traj.Error.Message, traj.Error.Step)
	}
	fmt.Fprintf(&b, "\n"+candidateShape, maxCandidatesTask)
	return b.String()
}

func repairPrompt(rc *RepairContext) string {
	var b strings.Builder
	outcome := "failed"
	if rc.Succeeded {
		outcome = "succeeded"
	}
	fmt.Fprintf(&b, "An automatic script repair %s. Distill lessons as error_pattern or fix_strategy memories.\n\n", outcome)
	if rc.OriginalError != nil {
		fmt.Fprintf(&b, "Original error: [%s] %s (step: %s)\n", rc.OriginalError.Type, rc.OriginalError.Message, rc.OriginalError.Step)
	}
	fmt.Fprintf(&b, "\nOriginal script:\n%s\n\nRepaired script:\n%s\n", clip(rc.OriginalScript, 4000), clip(rc.RepairedScript, 4000))
	fmt.Fprintf(&b, "\n"+candidateShape, maxCandidatesRepair)
	return b.String()
}

func modificationPrompt(mc *ModificationContext) string {
	var b strings.Builder
	b.WriteString("A human edited a template script. Distill lessons about what the edit corrected or improved.\n\n")
	if mc.Reason != "" {
		fmt.Fprintf(&b, "Stated reason: %s\n", mc.Reason)
	}
	fmt.Fprintf(&b, "\nBefore:\n%s\n\nAfter:\n%s\n", clip(mc.Before, 4000), clip(mc.After, 4000))
	fmt.Fprintf(&b, "\n"+candidateShape, maxCandidatesRepair)
	return b.String()
}

func writeTrajectory(b *strings.Builder, traj *core.Trajectory) {
	fmt.Fprintf(b, "Template: %s\n", traj.TemplateID)
	if traj.UserRequest != "" {
		fmt.Fprintf(b, "User request: %s\n", traj.UserRequest)
	}
	if params, err := json.Marshal(traj.Parameters); err == nil {
		fmt.Fprintf(b, "Parameters: %s\n", clip(string(params), 1000))
	}
	fmt.Fprintf(b, "Completion time: %s\n", traj.CompletionTime)
	for i, step := range traj.Steps {
		fmt.Fprintf(b, "Step %d: %s (%s)", i+1, step.Name, step.Duration)
		if step.Err != "" {
			fmt.Fprintf(b, " error: %s", step.Err)
		}
		b.WriteString("\n")
	}
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "\n... [truncated]"
}
