package core

import (
	"errors"
	"fmt"
)

// Standard sentinel errors for comparison using errors.Is()
var (
	// Store lookups
	ErrTaskNotFound     = errors.New("task not found")
	ErrTemplateNotFound = errors.New("template not found")
	ErrMemoryNotFound   = errors.New("memory not found")

	// Lifecycle errors
	ErrTaskNotCancellable  = errors.New("task not cancellable")
	ErrInvalidTransition   = errors.New("invalid task status transition")
	ErrRetryDepthExceeded  = errors.New("retry depth exceeded")
	ErrTaskAlreadyExists   = errors.New("task already exists")
	ErrTemplateDisabled    = errors.New("template disabled")

	// Configuration errors
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrMissingConfiguration = errors.New("missing required configuration")

	// Embedding errors
	ErrDimensionMismatch = errors.New("embedding dimensionality mismatch")
	ErrInvalidVector     = errors.New("embedding contains non-finite values")

	// Operation errors
	ErrAlreadyStarted = errors.New("already started")
	ErrNotInitialized = errors.New("not initialized")
	ErrTimeout        = errors.New("operation timeout")

	// Resilience errors
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")
	ErrCircuitBreakerOpen = errors.New("circuit breaker is open")
	ErrRateLimited        = errors.New("rate limit exceeded")
)

// ErrorType classifies a structured execution error.
type ErrorType string

const (
	ErrParameterValidation ErrorType = "PARAMETER_VALIDATION"
	ErrTypeTemplateNotFound ErrorType = "TEMPLATE_NOT_FOUND"
	ErrScriptInvalid       ErrorType = "SCRIPT_INVALID"
	ErrCapabilityRefused   ErrorType = "CAPABILITY_REFUSED"
	ErrTypeTimeout         ErrorType = "TIMEOUT"
	ErrCancelled           ErrorType = "CANCELLED"
	ErrResourceExceeded    ErrorType = "RESOURCE_EXCEEDED"
	ErrUpstreamQuota       ErrorType = "UPSTREAM_QUOTA"
	ErrUpstreamUnavailable ErrorType = "UPSTREAM_UNAVAILABLE"
	ErrUpstreamError       ErrorType = "UPSTREAM_ERROR"
	ErrRepairExhausted     ErrorType = "REPAIR_EXHAUSTED"
	ErrInternalInvariant   ErrorType = "INTERNAL_INVARIANT"
)

// TaskError is the structured error value produced by the executor and
// persisted onto a task's error log. It carries the taxonomy type, a
// human-readable message and optionally the script step that failed.
type TaskError struct {
	Type    ErrorType `json:"type"`
	Message string    `json:"message"`
	Step    string    `json:"step,omitempty"`
}

// Error implements the error interface
func (e *TaskError) Error() string {
	if e.Step != "" {
		return fmt.Sprintf("%s at %s: %s", e.Type, e.Step, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// NewTaskError creates a structured task error.
func NewTaskError(errType ErrorType, message, step string) *TaskError {
	return &TaskError{Type: errType, Message: message, Step: step}
}

// AsTaskError maps an arbitrary error to the taxonomy. Already-typed errors
// pass through; everything else defaults to UPSTREAM_ERROR per the
// propagation policy.
func AsTaskError(err error) *TaskError {
	if err == nil {
		return nil
	}
	var te *TaskError
	if errors.As(err, &te) {
		return te
	}
	switch {
	case errors.Is(err, ErrTimeout):
		return NewTaskError(ErrTypeTimeout, err.Error(), "")
	case errors.Is(err, ErrTemplateNotFound):
		return NewTaskError(ErrTypeTemplateNotFound, err.Error(), "")
	}
	return NewTaskError(ErrUpstreamError, err.Error(), "")
}

// RepairEligible reports whether an error of this type may enter the repair
// loop. Quota and unavailability errors disable repair; cancellations are
// never repaired.
func (e *TaskError) RepairEligible() bool {
	switch e.Type {
	case ErrUpstreamQuota, ErrUpstreamUnavailable, ErrCancelled, ErrInternalInvariant:
		return false
	}
	return true
}

// EngineError provides structured error information with context.
// It implements the error interface and supports error wrapping.
type EngineError struct {
	Op      string // Operation that failed (e.g. "registry.Put")
	Kind    string // Error kind (e.g. "template", "memory", "dispatch")
	ID      string // Optional ID of the entity involved
	Message string // Human-readable message
	Err     error  // Underlying error for wrapping
}

// Error returns the string representation of the error
func (e *EngineError) Error() string {
	if e.Op != "" && e.Err != nil {
		if e.ID != "" {
			return fmt.Sprintf("%s [%s]: %v", e.Op, e.ID, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s error", e.Kind)
}

// Unwrap returns the underlying error for use with errors.Is/As
func (e *EngineError) Unwrap() error {
	return e.Err
}

// NewEngineError creates a new EngineError
func NewEngineError(op, kind string, err error) *EngineError {
	return &EngineError{Op: op, Kind: kind, Err: err}
}

// IsNotFound checks if an error represents a "not found" condition
func IsNotFound(err error) bool {
	return errors.Is(err, ErrTaskNotFound) ||
		errors.Is(err, ErrTemplateNotFound) ||
		errors.Is(err, ErrMemoryNotFound)
}
