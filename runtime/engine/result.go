package engine

import (
	"github.com/intentflow/intentflow/runtime/fault"
	"github.com/intentflow/intentflow/runtime/state"
)

type (
	// Result is the outcome of one engine invocation: a finished saga, a
	// failed saga with its compensation report, or a partial segment that
	// checkpointed and scheduled its own continuation.
	Result struct {
		// ExecutionID identifies the saga.
		ExecutionID string `json:"execution_id"`

		// Success is true only when the whole saga completed.
		Success bool `json:"success"`

		// Status is the execution status when the invocation returned.
		Status state.ExecutionStatus `json:"status"`

		// CompletedSteps counts steps in completed status so far.
		CompletedSteps int `json:"completed_steps"`

		// IsPartial marks a segment that suspended before the saga finished.
		IsPartial bool `json:"is_partial,omitempty"`

		// CheckpointCreated reports that the suspended segment persisted a
		// resumable snapshot.
		CheckpointCreated bool `json:"checkpoint_created,omitempty"`

		// NextStepIndex is the step number the next segment starts from.
		NextStepIndex int `json:"next_step_index,omitempty"`

		// SegmentNumber is the segment this invocation executed.
		SegmentNumber int `json:"segment_number,omitempty"`

		// ContinuationEventPublished reports whether the CONTINUE_EXECUTION
		// event reached the publisher.
		ContinuationEventPublished bool `json:"continuation_event_published,omitempty"`

		// Error is the saga-level failure, when any.
		Error *fault.Fault `json:"error,omitempty"`

		// Compensation reports the undo pass of a failed saga.
		Compensation *CompensationReport `json:"compensation,omitempty"`
	}

	// CompensationReport accounts for one compensation pass.
	CompensationReport struct {
		// Attempted counts registrations the coordinator invoked.
		Attempted int `json:"attempted"`
		// Compensated counts successful undo calls.
		Compensated int `json:"compensated"`
		// Failed counts undo calls that reported failure.
		Failed int `json:"failed"`
		// Outcomes lists per-registration results in invocation order
		// (reverse commit order).
		Outcomes []CompensationOutcome `json:"outcomes,omitempty"`
	}

	// CompensationOutcome is the result of one compensation call.
	CompensationOutcome struct {
		StepID    string `json:"step_id"`
		ToolName  string `json:"tool_name"`
		Success   bool   `json:"success"`
		Error     string `json:"error,omitempty"`
		LatencyMS int64  `json:"latency_ms"`
	}
)
