package state

import (
	"time"

	"github.com/intentflow/intentflow/runtime/fault"
)

type (
	// ExecutionStatus is the global lifecycle state of an execution.
	ExecutionStatus string

	// StepStatus is the lifecycle state of a single step.
	StepStatus string

	// TaskStatus is the coarse TaskState lifecycle.
	TaskStatus string
)

const (
	// StatusReceived indicates the intent has been accepted but not parsed.
	StatusReceived ExecutionStatus = "RECEIVED"
	// StatusParsing indicates intent parsing is in flight.
	StatusParsing ExecutionStatus = "PARSING"
	// StatusParsed indicates the intent parsed successfully.
	StatusParsed ExecutionStatus = "PARSED"
	// StatusPlanning indicates plan generation is in flight.
	StatusPlanning ExecutionStatus = "PLANNING"
	// StatusPlanned indicates a validated plan is attached.
	StatusPlanned ExecutionStatus = "PLANNED"
	// StatusExecuting indicates the scheduler is running plan steps.
	StatusExecuting ExecutionStatus = "EXECUTING"
	// StatusAwaitingConfirmation indicates execution is paused on a step
	// that requires human confirmation.
	StatusAwaitingConfirmation ExecutionStatus = "AWAITING_CONFIRMATION"
	// StatusReflecting indicates a step failed and the engine is deciding
	// between compensation, repair, and surfacing the failure.
	StatusReflecting ExecutionStatus = "REFLECTING"
	// StatusCompleted indicates the saga finished successfully. Terminal.
	StatusCompleted ExecutionStatus = "COMPLETED"
	// StatusFailed indicates the saga failed permanently. Terminal.
	StatusFailed ExecutionStatus = "FAILED"
	// StatusRejected indicates the intent or plan was rejected. Terminal.
	StatusRejected ExecutionStatus = "REJECTED"
	// StatusTimeout indicates the saga exhausted its time budget. Terminal.
	StatusTimeout ExecutionStatus = "TIMEOUT"
	// StatusCancelled indicates the saga was cancelled externally. Terminal.
	StatusCancelled ExecutionStatus = "CANCELLED"
)

const (
	StepPending              StepStatus = "pending"
	StepInProgress           StepStatus = "in_progress"
	StepCompleted            StepStatus = "completed"
	StepFailed               StepStatus = "failed"
	StepSkipped              StepStatus = "skipped"
	StepTimeout              StepStatus = "timeout"
	StepAwaitingConfirmation StepStatus = "awaiting_confirmation"
)

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskCancelled  TaskStatus = "cancelled"
)

// ValidTransitions is the closed ExecutionStatus transition graph. Terminal
// statuses map to nil: nothing leaves them.
var ValidTransitions = map[ExecutionStatus][]ExecutionStatus{
	StatusReceived: {StatusParsing, StatusCancelled},
	StatusParsing:  {StatusParsed, StatusRejected, StatusTimeout, StatusFailed},
	StatusParsed:   {StatusPlanning, StatusCancelled},
	StatusPlanning: {StatusPlanned, StatusRejected, StatusTimeout, StatusFailed},
	StatusPlanned:  {StatusExecuting, StatusCancelled},
	StatusExecuting: {
		StatusCompleted, StatusFailed, StatusTimeout, StatusCancelled,
		StatusReflecting, StatusAwaitingConfirmation,
	},
	StatusAwaitingConfirmation: {StatusExecuting, StatusCancelled, StatusFailed},
	StatusReflecting:           {StatusExecuting, StatusFailed, StatusCancelled},
	StatusCompleted:            nil,
	StatusFailed:               nil,
	StatusRejected:             nil,
	StatusTimeout:              nil,
	StatusCancelled:            nil,
}

// Terminal reports whether the status admits no further transitions.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusRejected, StatusTimeout, StatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a member of the closed set.
func (s ExecutionStatus) Valid() bool {
	_, ok := ValidTransitions[s]
	return ok
}

// CanTransition reports whether from → to is a legal move.
func CanTransition(from, to ExecutionStatus) bool {
	for _, next := range ValidTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition advances the execution status or fails with
// STATE_TRANSITION_INVALID. It does not persist.
func (s *ExecutionState) Transition(to ExecutionStatus) error {
	if !CanTransition(s.Status, to) {
		return fault.Newf(fault.StateTransitionInvalid,
			"illegal execution status transition %s -> %s", s.Status, to).
			WithDetail("execution_id", s.ExecutionID)
	}
	s.Status = to
	return nil
}

// Terminal reports whether the step status admits no further advancement.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepCompleted, StepFailed, StepSkipped, StepTimeout:
		return true
	}
	return false
}

// Advance moves the step to next, enforcing that terminal step statuses
// never regress to pending or in_progress.
func (st *StepExecutionState) Advance(next StepStatus) error {
	if st.Status.Terminal() && (next == StepPending || next == StepInProgress) {
		return fault.Newf(fault.StateTransitionInvalid,
			"step %s cannot regress from %s to %s", st.StepID, st.Status, next)
	}
	st.Status = next
	return nil
}

// Terminal reports whether the task status is final.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a member of the closed set.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskPending, TaskInProgress, TaskCompleted, TaskFailed, TaskCancelled:
		return true
	}
	return false
}

// Transition advances the task status, appends to the transition log, and
// stamps completed_at when entering completed. Terminal statuses reject
// further moves with STATE_TRANSITION_INVALID.
func (t *TaskState) Transition(to TaskStatus, reason string, at time.Time) error {
	if !to.Valid() {
		return fault.Newf(fault.StateTransitionInvalid, "unknown task status %q", to)
	}
	if t.Status.Terminal() {
		return fault.Newf(fault.StateTransitionInvalid,
			"task %s is terminal (%s); cannot transition to %s", t.ExecutionID, t.Status, to).
			WithDetail("execution_id", t.ExecutionID)
	}
	t.Transitions = append(t.Transitions, TaskTransition{
		From:   t.Status,
		To:     to,
		Reason: reason,
		At:     at,
	})
	t.Status = to
	t.UpdatedAt = at
	if to == TaskCompleted {
		c := at
		t.CompletedAt = &c
	}
	return nil
}
