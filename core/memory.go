package core

import (
	"time"
)

// MemoryCategory classifies a reasoning memory.
type MemoryCategory string

const (
	MemoryErrorPattern      MemoryCategory = "error_pattern"
	MemoryFixStrategy       MemoryCategory = "fix_strategy"
	MemoryAPIUsage          MemoryCategory = "api_usage"
	MemoryGeneralStrategy   MemoryCategory = "general_strategy"
	MemoryGenerationPattern MemoryCategory = "generation_pattern"
)

// ValidMemoryCategories is the closed category set.
var ValidMemoryCategories = map[MemoryCategory]bool{
	MemoryErrorPattern:      true,
	MemoryFixStrategy:       true,
	MemoryAPIUsage:          true,
	MemoryGeneralStrategy:   true,
	MemoryGenerationPattern: true,
}

// MemorySource records which kind of trajectory a memory was distilled from.
type MemorySource string

const (
	SourceTaskSuccess      MemorySource = "task_success"
	SourceTaskFailure      MemorySource = "task_failure"
	SourceRepairSuccess    MemorySource = "repair_success"
	SourceRepairFailure    MemorySource = "repair_failure"
	SourceUserModification MemorySource = "user_modification"
)

// ValidMemorySources is the closed source set.
var ValidMemorySources = map[MemorySource]bool{
	SourceTaskSuccess:      true,
	SourceTaskFailure:      true,
	SourceRepairSuccess:    true,
	SourceRepairFailure:    true,
	SourceUserModification: true,
}

// IsFailureSource reports whether the source is a failure variant. Memories
// from failure sources must not carry success_rate > 0 at creation.
func (s MemorySource) IsFailureSource() bool {
	return s == SourceTaskFailure || s == SourceRepairFailure
}

// Field length caps for reasoning memories.
const (
	MemoryTitleMaxLen       = 200
	MemoryDescriptionMaxLen = 500
	MemoryContentMaxLen     = 5000

	// MemoryQuotaPerTemplate caps memories per template; oldest-first
	// eviction applies when a write exceeds it.
	MemoryQuotaPerTemplate = 100
)

// UserIntent captures the free-form request a memory was distilled from
// along with fixed-shape intent flags.
type UserIntent struct {
	Request string          `json:"request"`
	Flags   UserIntentFlags `json:"flags"`
}

// UserIntentFlags is the fixed-shape intent flag object.
type UserIntentFlags struct {
	WantsReport     bool `json:"wants_report"`
	WantsDiagram    bool `json:"wants_diagram"`
	WantsAutomation bool `json:"wants_automation"`
	IsRecurring     bool `json:"is_recurring"`
}

// ReasoningMemory is a distilled, embedded, retrievable lesson extracted
// from a trajectory or a human edit.
type ReasoningMemory struct {
	ID          string         `json:"memory_id"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Content     string         `json:"content"`
	Category    MemoryCategory `json:"category"`
	Source      MemorySource   `json:"source"`

	TemplateID string `json:"template_id,omitempty"`
	TaskID     string `json:"task_id,omitempty"`

	// Embedding is the dense vector over "title. description. content".
	Embedding []float32 `json:"embedding,omitempty"`

	// Attribution counters. SuccessRate is derived:
	// success / (success + failure).
	TimesRetrieved     int64   `json:"times_retrieved"`
	TimesUsedInSuccess int64   `json:"times_used_in_success"`
	TimesUsedInFailure int64   `json:"times_used_in_failure"`
	SuccessRate        float64 `json:"success_rate"`

	UserIntent *UserIntent `json:"user_intent,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// EmbeddingText composes the text embedded for retrieval.
func (m *ReasoningMemory) EmbeddingText() string {
	return m.Title + ". " + m.Description + ". " + m.Content
}

// Trajectory is the recorded sequence of steps, inputs, outputs and timings
// of one execution, handed to the memory component after terminal status.
type Trajectory struct {
	TaskID     string                 `json:"task_id"`
	TemplateID string                 `json:"template_id"`
	Template   *Template              `json:"-"`
	Parameters map[string]interface{} `json:"parameters"`
	Steps      []TrajectoryStep       `json:"steps"`
	Error      *TaskError             `json:"error,omitempty"`

	CompletionTime time.Duration          `json:"completion_time"`
	ResourceUsage  map[string]interface{} `json:"resource_usage,omitempty"`
	UserRequest    string                 `json:"user_request,omitempty"`
}

// TrajectoryStep is one recorded capability call or script phase.
type TrajectoryStep struct {
	Name       string        `json:"name"`
	Input      interface{}   `json:"input,omitempty"`
	Output     interface{}   `json:"output,omitempty"`
	Err        string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration"`
	StartedAt  time.Time     `json:"started_at"`
}
