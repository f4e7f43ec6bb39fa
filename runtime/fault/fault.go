// Package fault provides the structured error type and closed error-code
// taxonomy used across the orchestration runtime. Fault preserves error chains
// and supports errors.Is/As while remaining JSON-serializable, so the same
// value that propagates through Go code can be persisted inside execution
// state and surfaced to operators.
package fault

import (
	"errors"
	"fmt"
)

// Code identifies a failure class. The set of codes is closed: stable strings,
// user-visible for debugging, and safe to persist.
type Code string

const (
	// IntentParseFailed indicates the raw intent text could not be parsed.
	IntentParseFailed Code = "INTENT_PARSE_FAILED"
	// IntentValidationFailed indicates a structurally invalid intent.
	IntentValidationFailed Code = "INTENT_VALIDATION_FAILED"
	// PlanGenerationFailed indicates the planner could not produce a plan.
	PlanGenerationFailed Code = "PLAN_GENERATION_FAILED"
	// PlanValidationFailed indicates a plan that violates DAG or budget rules.
	PlanValidationFailed Code = "PLAN_VALIDATION_FAILED"
	// PlanCircularDependency is the cycle specialization of plan validation.
	PlanCircularDependency Code = "PLAN_CIRCULAR_DEPENDENCY"
	// StepExecutionFailed indicates a step failed outside of tool-level causes,
	// including scheduler deadlock.
	StepExecutionFailed Code = "STEP_EXECUTION_FAILED"
	// StepTimeout indicates a step was aborted by its time budget.
	StepTimeout Code = "STEP_TIMEOUT"
	// ToolNotFound indicates the named tool is not registered.
	ToolNotFound Code = "TOOL_NOT_FOUND"
	// ToolExecutionFailed indicates the tool ran and reported failure.
	ToolExecutionFailed Code = "TOOL_EXECUTION_FAILED"
	// ToolValidationFailed indicates the tool rejected its parameters.
	ToolValidationFailed Code = "TOOL_VALIDATION_FAILED"
	// StateTransitionInvalid indicates an execution status transition outside
	// the allowed graph.
	StateTransitionInvalid Code = "STATE_TRANSITION_INVALID"
	// MemoryOperationFailed indicates a persistence read/write/validate failure.
	MemoryOperationFailed Code = "MEMORY_OPERATION_FAILED"
	// LLMRequestFailed indicates a model invocation failure.
	LLMRequestFailed Code = "LLM_REQUEST_FAILED"
	// LLMSchemaValidationFailed indicates model output that violates its schema.
	LLMSchemaValidationFailed Code = "LLM_SCHEMA_VALIDATION_FAILED"
	// LLMTimeout indicates a model invocation exceeded its deadline.
	LLMTimeout Code = "LLM_TIMEOUT"
	// TokenBudgetExceeded indicates the execution consumed its token budget.
	TokenBudgetExceeded Code = "TOKEN_BUDGET_EXCEEDED"
	// MaxStepsExceeded indicates the plan exceeds the step cap.
	MaxStepsExceeded Code = "MAX_STEPS_EXCEEDED"
	// CompensationPartial indicates at least one compensation failed.
	CompensationPartial Code = "COMPENSATION_PARTIAL"
	// SagaCompensated indicates the saga failed and all compensations succeeded.
	SagaCompensated Code = "SAGA_COMPENSATED"
	// SagaFailed indicates the saga terminated unsuccessfully.
	SagaFailed Code = "SAGA_FAILED"
	// InfrastructureError indicates a backing-service failure (store, stream).
	InfrastructureError Code = "INFRASTRUCTURE_ERROR"
	// UnknownError is the fallback classification.
	UnknownError Code = "UNKNOWN_ERROR"
	// Cancelled indicates the execution was cancelled externally. Recorded on
	// in-flight steps that do not return in time after a cancellation signal.
	Cancelled Code = "CANCELLED"
)

// Fault is a structured runtime failure. It carries a taxonomy code, a
// human-readable message, and optional structured details. Cause links the
// underlying error for errors.Is/As but is excluded from serialization.
type Fault struct {
	// Code is the closed-taxonomy classification.
	Code Code `json:"code"`
	// Message is the human-readable summary of the failure.
	Message string `json:"message"`
	// Details holds structured diagnostic data (HTTP status, step id, counts).
	Details map[string]any `json:"details,omitempty"`
	// Cause links the underlying error. Not serialized.
	Cause error `json:"-"`
}

// New constructs a Fault with the provided code and message.
func New(code Code, message string) *Fault {
	if code == "" {
		code = UnknownError
	}
	return &Fault{Code: code, Message: message}
}

// Newf constructs a Fault with a formatted message.
func Newf(code Code, format string, args ...any) *Fault {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap constructs a Fault that wraps an underlying error. An empty message
// adopts the cause's message so the summary is never blank.
func Wrap(code Code, message string, cause error) *Fault {
	if message == "" && cause != nil {
		message = cause.Error()
	}
	f := New(code, message)
	f.Cause = cause
	return f
}

// FromError converts an arbitrary error into a Fault. Existing Faults pass
// through unchanged; everything else is classified UnknownError.
func FromError(err error) *Fault {
	if err == nil {
		return nil
	}
	var f *Fault
	if errors.As(err, &f) {
		return f
	}
	return &Fault{Code: UnknownError, Message: err.Error(), Cause: err}
}

// WithDetail attaches a structured detail and returns the same Fault for
// chaining.
func (f *Fault) WithDetail(key string, value any) *Fault {
	if f.Details == nil {
		f.Details = make(map[string]any)
	}
	f.Details[key] = value
	return f
}

// Error implements the error interface.
func (f *Fault) Error() string {
	if f == nil {
		return ""
	}
	if f.Message == "" {
		return string(f.Code)
	}
	return fmt.Sprintf("%s: %s", f.Code, f.Message)
}

// Unwrap returns the underlying error to support errors.Is/As.
func (f *Fault) Unwrap() error {
	if f == nil {
		return nil
	}
	return f.Cause
}

// CodeOf extracts the taxonomy code from an error chain. Errors that carry no
// Fault classify as UnknownError; nil returns the empty code.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var f *Fault
	if errors.As(err, &f) {
		return f.Code
	}
	return UnknownError
}

// Is reports whether the error chain contains a Fault with the given code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}
