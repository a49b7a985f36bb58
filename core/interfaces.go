package core

import (
	"context"
	"encoding/json"
	"time"
)

// Logger interface - minimal structured logging interface
type Logger interface {
	Debug(msg string, fields map[string]interface{})
	Info(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})

	// Context-aware variants attach trace correlation fields when the
	// context carries an active span.
	DebugWithContext(ctx context.Context, msg string, fields map[string]interface{})
	InfoWithContext(ctx context.Context, msg string, fields map[string]interface{})
	WarnWithContext(ctx context.Context, msg string, fields map[string]interface{})
	ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{})
}

// ComponentAwareLogger allows deriving a child logger scoped to a component.
// ProductionLogger implements this; components upgrade their logger when the
// interface is available.
type ComponentAwareLogger interface {
	Logger
	WithComponent(component string) Logger
}

// Telemetry interface - optional telemetry support
type Telemetry interface {
	StartSpan(ctx context.Context, name string) (context.Context, Span)
	RecordMetric(name string, value float64, labels map[string]string)
}

// Span represents a telemetry span
type Span interface {
	End()
	SetAttribute(key string, value interface{})
	RecordError(err error)
}

// ToolMode controls how the model may use the supplied tools.
type ToolMode string

const (
	// ToolModeForced requires the model to call one of the supplied tools.
	ToolModeForced ToolMode = "forced"
	// ToolModeNone disables tool calling for second-turn text synthesis.
	ToolModeNone ToolMode = "none"
	// ToolModeAuto lets the model decide.
	ToolModeAuto ToolMode = "auto"
)

// ToolDef describes a callable tool exposed to the LLM via function calling.
type ToolDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"` // JSON schema
}

// ToolCall is a tool invocation selected by the model.
type ToolCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// AIClient interface - LLM text generation and structured function calling
type AIClient interface {
	GenerateResponse(ctx context.Context, prompt string, options *AIOptions) (*AIResponse, error)
	GenerateWithTools(ctx context.Context, prompt string, tools []ToolDef, mode ToolMode, options *AIOptions) (*AIResponse, error)
}

// EmbedTaskType selects the embedding task type for asymmetric retrieval.
type EmbedTaskType string

const (
	EmbedRetrievalQuery    EmbedTaskType = "RETRIEVAL_QUERY"
	EmbedRetrievalDocument EmbedTaskType = "RETRIEVAL_DOCUMENT"
)

// Embedder produces dense vectors of a fixed dimensionality.
type Embedder interface {
	Embed(ctx context.Context, text string, taskType EmbedTaskType) ([]float32, error)
	// Dimensions returns the fixed output dimensionality (e.g. 768).
	Dimensions() int
}

// AIOptions for AI generation
type AIOptions struct {
	Model        string
	Temperature  float32
	MaxTokens    int
	SystemPrompt string
}

// AIResponse from AI client
type AIResponse struct {
	Content   string
	ToolCalls []ToolCall
	Model     string
	Usage     TokenUsage
}

// TokenUsage for AI responses
type TokenUsage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// DataSource is the primary external data provider, addressed by RPC method
// name (e.g. "crm.invoice.list"). The safe/dangerous partition and per-call
// caps are enforced by the sandbox before Call is reached.
type DataSource interface {
	Call(ctx context.Context, method string, params map[string]interface{}) (interface{}, error)
}

// Dispatcher is the deferred dispatch capability: it delivers a future
// callback carrying the payload to the execute entry point. Retries and
// backoff are the transport's responsibility; re-deliveries are deduplicated
// by task id on the receiving side.
type Dispatcher interface {
	// Enqueue schedules delivery of payload after delay. Returns an opaque
	// handle usable with Cancel.
	Enqueue(ctx context.Context, payload *DispatchPayload, delay time.Duration, priority int) (string, error)

	// Cancel removes a pending dispatch. Returns false when the handle is
	// unknown or the dispatch already fired.
	Cancel(ctx context.Context, handle string) (bool, error)
}

// DispatchPayload is the envelope delivered by the Dispatcher.
type DispatchPayload struct {
	TaskID     string                 `json:"task_id"`
	TemplateID string                 `json:"template_id"`
	Parameters map[string]interface{} `json:"parameters"`
	UserID     string                 `json:"user_id"`
	Priority   int                    `json:"priority"`
}

// ObjectStore persists script artefacts (HTML reports, diagrams, images)
// and returns stable URLs.
type ObjectStore interface {
	Put(ctx context.Context, data []byte, contentType, disposition string, metadata map[string]string) (string, error)
}

// Default no-op implementations

// NoOpLogger provides a no-op logger implementation
type NoOpLogger struct{}

func (n *NoOpLogger) Debug(msg string, fields map[string]interface{}) {}
func (n *NoOpLogger) Info(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Warn(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Error(msg string, fields map[string]interface{}) {}

func (n *NoOpLogger) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
}
func (n *NoOpLogger) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
}
func (n *NoOpLogger) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
}
func (n *NoOpLogger) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
}

// NoOpTelemetry provides a no-op telemetry implementation
type NoOpTelemetry struct{}

func (n *NoOpTelemetry) StartSpan(ctx context.Context, name string) (context.Context, Span) {
	return ctx, &NoOpSpan{}
}

func (n *NoOpTelemetry) RecordMetric(name string, value float64, labels map[string]string) {}

// NoOpSpan provides a no-op span implementation
type NoOpSpan struct{}

func (n *NoOpSpan) End()                                       {}
func (n *NoOpSpan) SetAttribute(key string, value interface{}) {}
func (n *NoOpSpan) RecordError(err error)                      {}
