package core

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ParameterSchema is the JSON-Schema subset accepted by templates:
// object/string/number/boolean/array nesting with required, enum and
// default support.
type ParameterSchema struct {
	Type       string                      `json:"type"`
	Properties map[string]*ParameterSchema `json:"properties,omitempty"`
	Items      *ParameterSchema            `json:"items,omitempty"`
	Required   []string                    `json:"required,omitempty"`
	Enum       []interface{}               `json:"enum,omitempty"`
	Default    interface{}                 `json:"default,omitempty"`
	Description string                     `json:"description,omitempty"`
}

// Template is the executable definition: a parameter schema plus a sandboxed
// script and the metadata needed for matching and cost estimation.
type Template struct {
	ID          string   `json:"template_id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Category    []string `json:"category,omitempty"`

	// Version increases monotonically; repairs bump it.
	Version int `json:"version"`

	// Priority breaks ties between equally similar matches.
	Priority int `json:"priority,omitempty"`

	ParameterSchema *ParameterSchema `json:"parameter_schema"`

	// ExecutionScript is source text for the sandbox dialect.
	ExecutionScript string `json:"execution_script"`

	Enabled         bool `json:"enabled"`
	Testing         bool `json:"testing"`
	ScriptValidated bool `json:"script_validated"`

	// NameEmbedding is the dense vector over Name; Embedding is the vector
	// over name + description + category + serialized schema. Both are
	// required for the template to participate in semantic lookup.
	NameEmbedding []float32 `json:"name_embedding,omitempty"`
	Embedding     []float32 `json:"embedding,omitempty"`

	// Triggers are optional legacy hints, kept as a pure filter on the
	// already-selected tool list during migration.
	Triggers []string `json:"triggers,omitempty"`

	EstimatedDurationMS  int64    `json:"estimated_duration_ms,omitempty"`
	EstimatedSteps       int      `json:"estimated_steps,omitempty"`
	RequiredCapabilities []string `json:"required_capabilities,omitempty"`

	// MemoryTierMB is the sandbox memory tier (default 512).
	MemoryTierMB int `json:"memory_tier_mb,omitempty"`

	LastRepairedAt *time.Time `json:"last_repaired_at,omitempty"`
	RepairAttempts int        `json:"repair_attempts"`
	LastModifiedBy string     `json:"last_modified_by,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Indexable reports whether both embeddings are present, which is required
// for semantic lookup.
func (t *Template) Indexable() bool {
	return len(t.NameEmbedding) > 0 && len(t.Embedding) > 0
}

// EmbeddingText composes the document text for the full-template embedding:
// name + description + category + serialized parameter schema.
func (t *Template) EmbeddingText() string {
	var b strings.Builder
	b.WriteString(t.Name)
	if t.Description != "" {
		b.WriteString(". ")
		b.WriteString(t.Description)
	}
	if len(t.Category) > 0 {
		b.WriteString(". ")
		b.WriteString(strings.Join(t.Category, ", "))
	}
	if t.ParameterSchema != nil {
		if raw, err := json.Marshal(t.ParameterSchema); err == nil {
			b.WriteString(". ")
			b.Write(raw)
		}
	}
	return b.String()
}

// PrimaryCategory returns the first category or "general".
func (t *Template) PrimaryCategory() string {
	if len(t.Category) > 0 {
		return t.Category[0]
	}
	return "general"
}

// Validate checks the structural invariants before a registry write.
func (t *Template) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("template id is required: %w", ErrInvalidConfiguration)
	}
	if t.Name == "" {
		return fmt.Errorf("template name is required: %w", ErrInvalidConfiguration)
	}
	if t.ExecutionScript == "" {
		return fmt.Errorf("template execution script is required: %w", ErrInvalidConfiguration)
	}
	if t.ParameterSchema != nil && t.ParameterSchema.Type != "object" {
		return fmt.Errorf("parameter schema root must be an object: %w", ErrInvalidConfiguration)
	}
	return nil
}

// DefaultMemoryTierMB is the sandbox memory tier when a template declares
// none.
const DefaultMemoryTierMB = 512
