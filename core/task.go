// Package core provides the shared contracts and data model of the task
// execution engine: tasks, templates, reasoning memories, the structured
// error taxonomy, logging and capability interfaces.
//
// A Task is one execution attempt of a template instance. It is owned by the
// orchestrator from creation until terminal status. Retry-tasks are distinct
// tasks whose ids encode the parent and attempt number.
package core

import (
	"time"
)

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

const (
	// TaskStatusPending indicates the task is persisted but not yet handed
	// to the dispatcher.
	TaskStatusPending TaskStatus = "pending"

	// TaskStatusQueued indicates the dispatcher accepted the task.
	TaskStatusQueued TaskStatus = "queued"

	// TaskStatusRunning indicates the executor is processing the task.
	TaskStatusRunning TaskStatus = "running"

	// TaskStatusCompleted indicates the task finished successfully.
	TaskStatusCompleted TaskStatus = "completed"

	// TaskStatusFailed indicates the task failed and repair declined or was
	// not attempted.
	TaskStatusFailed TaskStatus = "failed"

	// TaskStatusCancelled indicates the task was cancelled by request.
	TaskStatusCancelled TaskStatus = "cancelled"

	// TaskStatusAutoRepaired is terminal for the original record: the
	// repaired retry gets its own id.
	TaskStatusAutoRepaired TaskStatus = "auto_repaired"

	// TaskStatusFailedMaxRetries indicates the retry depth cap was reached.
	TaskStatusFailedMaxRetries TaskStatus = "failed_max_retries"
)

// IsTerminal returns true if the status admits no further transitions.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled,
		TaskStatusAutoRepaired, TaskStatusFailedMaxRetries:
		return true
	}
	return false
}

// validTransitions encodes the monotonic lifecycle. A terminal status has no
// successors; auto_repaired is terminal for the original record.
var validTransitions = map[TaskStatus][]TaskStatus{
	TaskStatusPending: {TaskStatusQueued, TaskStatusRunning, TaskStatusCancelled, TaskStatusFailed},
	TaskStatusQueued:  {TaskStatusRunning, TaskStatusCancelled, TaskStatusFailed},
	TaskStatusRunning: {TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled,
		TaskStatusAutoRepaired, TaskStatusFailedMaxRetries},
}

// CanTransition reports whether moving from one status to another respects
// the lifecycle. Identity transitions are allowed (idempotent updates).
func CanTransition(from, to TaskStatus) bool {
	if from == to {
		return true
	}
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TaskProgress tracks execution progress reported from inside the sandbox.
type TaskProgress struct {
	// Percentage is the overall completion percentage (0-100)
	Percentage float64 `json:"percentage"`

	// Message is an optional status message
	Message string `json:"message,omitempty"`

	// LastHeartbeat is when progress was last reported
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// TaskExecution records dispatch and worker bookkeeping.
type TaskExecution struct {
	// DispatchHandle is the opaque handle returned by the dispatcher
	DispatchHandle string `json:"dispatch_handle,omitempty"`

	// WorkerID is the worker that picked up the task
	WorkerID string `json:"worker_id,omitempty"`

	// TraceID and ParentSpanID restore trace continuity across the
	// dispatch boundary, where live context is lost.
	TraceID      string `json:"trace_id,omitempty"`
	ParentSpanID string `json:"parent_span_id,omitempty"`

	EnqueuedAt  *time.Time `json:"enqueued_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
}

// TaskResult is the success payload of one execution.
type TaskResult struct {
	// Summary is the human-readable outcome
	Summary string `json:"summary"`

	// Attachments are object-store URLs of produced artefacts
	Attachments []string `json:"attachments,omitempty"`

	// ExecutionTimeMS is the script wall-clock in milliseconds
	ExecutionTimeMS int64 `json:"execution_time_ms"`

	// ResourceUsage is provider-specific usage accounting
	ResourceUsage map[string]interface{} `json:"resource_usage,omitempty"`
}

// TaskErrorEntry is one element of a task's append-only error log.
// The At timestamp is always concrete: the durable store forbids
// server-clock sentinels inside array items.
type TaskErrorEntry struct {
	At       time.Time `json:"at"`
	Type     ErrorType `json:"type"`
	Message  string    `json:"message"`
	Step     string    `json:"step,omitempty"`
	Resolved bool      `json:"resolved"`
}

// AutoRepairInfo is attached to the origin task when a repair retry is
// minted.
type AutoRepairInfo struct {
	OriginalError           string `json:"original_error"`
	Attempt                 int    `json:"attempt"`
	RepairedTemplateVersion int    `json:"repaired_template_version"`

	// OriginalScript and RepairedScript travel with the retry so the
	// memory extractor can distill the repair once the outcome is known.
	OriginalScript string `json:"original_script,omitempty"`
	RepairedScript string `json:"repaired_script,omitempty"`

	// MemoryIDs are the reasoning memories retrieved into the repair
	// prompt; the retry outcome is attributed back to them.
	MemoryIDs []string `json:"memory_ids,omitempty"`
}

// Task represents one execution attempt of a template instance.
type Task struct {
	// ID follows the grammar task_<ms>_<tag>(_retry_<n>_<ms>)*.
	ID string `json:"task_id"`

	// TemplateID and TemplateVersion are frozen at creation for audit; the
	// executor reads the latest template version at dispatch time.
	TemplateID      string `json:"template_id"`
	TemplateVersion int    `json:"template_version"`

	Status TaskStatus `json:"status"`

	// Priority is 0-100, default 50. Equal-priority tasks dispatch FIFO.
	Priority int `json:"priority"`

	// Testing marks non-production execution. Inherited from the template
	// unless explicitly overridden; always true for repair retries.
	Testing bool `json:"testing"`

	// Parameters match the template's schema (post-coercion).
	Parameters map[string]interface{} `json:"parameters"`

	Progress  *TaskProgress  `json:"progress,omitempty"`
	Execution TaskExecution  `json:"execution"`
	Result    *TaskResult    `json:"result,omitempty"`

	// Errors is append-only.
	Errors []TaskErrorEntry `json:"errors,omitempty"`

	// Retry lineage. Present on retry-tasks only.
	ParentTaskID   string          `json:"parent_task_id,omitempty"`
	RetryAttempt   int             `json:"retry_attempt,omitempty"`
	AutoRepairInfo *AutoRepairInfo `json:"auto_repair_info,omitempty"`

	// FinalRetryCount and FailureReason are set when the depth cap finalises
	// the origin as failed_max_retries.
	FinalRetryCount int    `json:"final_retry_count,omitempty"`
	FailureReason   string `json:"failure_reason,omitempty"`

	// UserID is the requesting user.
	UserID string `json:"user_id"`

	// Confidence is the match confidence for auto-created tasks.
	Confidence float64 `json:"confidence,omitempty"`

	// Estimate is the pre-execution cost estimate.
	Estimate *CostEstimate `json:"estimate,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// ExpiresAt is a soft TTL (default 7 days); expired rows are deletable.
	ExpiresAt time.Time `json:"expires_at"`
}

// CostEstimate predicts execution cost from template metadata adjusted by
// parameter magnitudes.
type CostEstimate struct {
	Steps      int    `json:"steps"`
	DurationMS int64  `json:"duration_ms"`
	Complexity string `json:"complexity"` // low | medium | high
	MemoryTier int    `json:"memory_tier_mb"`
}

// AppendError appends a structured error to the task's error log with a
// concrete timestamp.
func (t *Task) AppendError(te *TaskError) {
	t.Errors = append(t.Errors, TaskErrorEntry{
		At:      time.Now().UTC(),
		Type:    te.Type,
		Message: te.Message,
		Step:    te.Step,
	})
}

// LastError returns the most recent error entry, or nil.
func (t *Task) LastError() *TaskErrorEntry {
	if len(t.Errors) == 0 {
		return nil
	}
	return &t.Errors[len(t.Errors)-1]
}

// DefaultTaskTTL is the soft retention for task records.
const DefaultTaskTTL = 7 * 24 * time.Hour

// DefaultPriority is the task priority when the caller does not set one.
const DefaultPriority = 50

// WorkerStatus is the lifecycle state of an execution worker.
type WorkerStatus string

const (
	WorkerStarting WorkerStatus = "starting"
	WorkerRunning  WorkerStatus = "running"
	WorkerIdle     WorkerStatus = "idle"
	WorkerStopping WorkerStatus = "stopping"
	WorkerStopped  WorkerStatus = "stopped"
	WorkerCrashed  WorkerStatus = "crashed"
)

// Worker is the interface-relevant view of an execution worker. Workers are
// externally managed; the engine only reads heartbeats and capacity.
type Worker struct {
	ID                 string       `json:"worker_id"`
	Status             WorkerStatus `json:"status"`
	CurrentTasks       []string     `json:"current_tasks,omitempty"`
	LastHeartbeat      time.Time    `json:"last_heartbeat"`
	MaxConcurrentTasks int          `json:"max_concurrent_tasks"`
	Specializations    []string     `json:"specializations,omitempty"`
}

// DefaultWorkerLiveness is the heartbeat window after which a worker is
// marked crashed.
const DefaultWorkerLiveness = 10 * time.Minute
