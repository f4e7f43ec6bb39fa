// Package state defines the persisted execution model shared by every
// worker segment: ExecutionState (the saga's authoritative record),
// TaskState (the coarse task envelope consumed by operators and the
// recovery sweeper), and Checkpoint (the resume snapshot).
//
// # Ownership
//
// ExecutionState is owned by exactly one executor per segment. TaskState
// and Checkpoint are shared across executors for the same execution_id.
// All shared writes go through the checkpoint store's OCC primitive; the
// `_version` field carried by ExecutionState and TaskState is the CAS
// token. Blind writes are prohibited.
//
// # Lifecycle
//
// Status enums are closed sets. ExecutionStatus moves through the
// transition graph in transitions.go; StepStatus and TaskStatus advance
// monotonically and never regress out of a terminal state. Any attempt
// to leave a terminal state fails with STATE_TRANSITION_INVALID.
package state

import (
	"time"

	"github.com/intentflow/intentflow/runtime/events"
	"github.com/intentflow/intentflow/runtime/fault"
	"github.com/intentflow/intentflow/runtime/intent"
	"github.com/intentflow/intentflow/runtime/plan"
	"github.com/intentflow/intentflow/runtime/tools"
)

type (
	// ExecutionState is the authoritative persisted record of one saga
	// execution. It embeds the intent and validated plan, tracks one
	// StepExecutionState per plan step, and carries the OCC version used
	// by the compare-and-swap write path.
	ExecutionState struct {
		// ExecutionID is the primary key shared by every segment of the saga.
		ExecutionID string `json:"execution_id"`

		// UserID scopes the execution to its requester; it feeds idempotency
		// fingerprints and the per-user intent history.
		UserID string `json:"user_id,omitempty"`

		// Status is the global lifecycle state; see transitions.go for the
		// legal moves.
		Status ExecutionStatus `json:"status"`

		// Lamport is the causal stamp assigned when the execution was
		// accepted. It is fixed for the execution's lifetime so idempotency
		// fingerprints stay stable across segments and resumes.
		Lamport events.Stamp `json:"lamport"`

		// Intent is the accepted intent this execution serves.
		Intent *intent.Intent `json:"intent,omitempty"`

		// Plan is the validated plan being executed. Nil until planning
		// completes.
		Plan *plan.Plan `json:"plan,omitempty"`

		// Steps holds one entry per plan step, aligned by step id. Entries
		// are created lazily on first touch and only advance.
		Steps []StepExecutionState `json:"step_states"`

		// CurrentStepIndex is the resume cursor: the lowest step_number the
		// next segment should consider. It only moves forward.
		CurrentStepIndex int `json:"current_step_index"`

		// Compensations records undo actions registered as steps commit, in
		// commit order. The coordinator walks this slice backwards.
		Compensations []CompensationRegistration `json:"compensations,omitempty"`

		// Context carries opaque caller data. Structured runtime state does
		// not belong here.
		Context map[string]any `json:"context,omitempty"`

		// ToolSnapshots freezes the schema identity of every tool the plan
		// references, captured when the plan is attached. The compatibility
		// guard diffs them against the live registry before a resume.
		ToolSnapshots []tools.Snapshot `json:"tool_snapshots,omitempty"`

		// Error is the terminal top-level failure, when any.
		Error *fault.Fault `json:"error,omitempty"`

		// TokenUsage accumulates LLM token consumption across segments.
		TokenUsage TokenUsage `json:"token_usage"`

		// LatencyMS accumulates wall-clock execution time across segments.
		LatencyMS int64 `json:"latency_ms"`

		CreatedAt time.Time `json:"created_at"`
		UpdatedAt time.Time `json:"updated_at"`

		// Version is the OCC token. Zero means never persisted; the store
		// bumps it on every successful CAS.
		Version int64 `json:"_version"`
	}

	// StepExecutionState tracks one plan step across its attempts.
	StepExecutionState struct {
		StepID string     `json:"step_id"`
		Status StepStatus `json:"status"`

		// Input snapshots the resolved parameters of the most recent attempt.
		Input map[string]any `json:"input,omitempty"`

		// Output is the tool result recorded on completion.
		Output any `json:"output,omitempty"`

		// Error is the structured failure of the most recent attempt.
		Error *fault.Fault `json:"error,omitempty"`

		StartedAt   *time.Time `json:"started_at,omitempty"`
		CompletedAt *time.Time `json:"completed_at,omitempty"`

		// Attempts counts invocations; it only increases.
		Attempts int `json:"attempts"`

		LatencyMS int64 `json:"latency_ms"`

		// Confirmed is set when a step that requires confirmation was
		// approved, so the scheduler stops pausing on it.
		Confirmed bool `json:"confirmed,omitempty"`
	}

	// CompensationRegistration is the undo action captured when a step
	// commits. Executed flips to true before the compensation call returns
	// so a crashed coordinator never compensates twice.
	CompensationRegistration struct {
		StepID     string              `json:"step_id"`
		ToolName   string              `json:"tool_name"`
		Parameters map[string]any      `json:"parameters,omitempty"`
		Executed   bool                `json:"executed"`
		Result     *CompensationResult `json:"result,omitempty"`
	}

	// CompensationResult records the outcome of one compensation call.
	CompensationResult struct {
		Success   bool   `json:"success"`
		Error     string `json:"error,omitempty"`
		LatencyMS int64  `json:"latency_ms"`
	}

	// TaskState is the coarse task envelope: what operators, the resume
	// scheduler, and the recovery sweeper see. It embeds the current
	// ExecutionState and keeps an append-only transition log.
	TaskState struct {
		ExecutionID      string           `json:"execution_id"`
		Status           TaskStatus       `json:"status"`
		CurrentStepIndex int              `json:"current_step_index"`
		TotalSteps       int              `json:"total_steps"`
		SegmentNumber    int              `json:"segment_number"`
		Transitions      []TaskTransition `json:"transitions"`
		Context          TaskContext      `json:"context"`

		// RecoveryAttempts counts sweeper-initiated resumes; the sweeper
		// escalates instead of resuming once the cap is reached.
		RecoveryAttempts int `json:"recovery_attempts"`

		CreatedAt   time.Time  `json:"created_at"`
		UpdatedAt   time.Time  `json:"updated_at"`
		CompletedAt *time.Time `json:"completed_at,omitempty"`

		Version int64 `json:"_version"`
	}

	// TaskTransition is one entry in the append-only TaskState log.
	TaskTransition struct {
		From   TaskStatus `json:"from"`
		To     TaskStatus `json:"to"`
		Reason string     `json:"reason,omitempty"`
		At     time.Time  `json:"at"`
	}

	// TaskContext carries the embedded execution state plus free-form data.
	TaskContext struct {
		ExecutionState *ExecutionState `json:"execution_state,omitempty"`
		Data           map[string]any  `json:"data,omitempty"`
	}

	// Checkpoint is the compact resume snapshot written at segment
	// boundaries. Frozen once Status is completed or failed.
	Checkpoint struct {
		IntentID string `json:"intent_id"`

		// Cursor is the step index the next segment starts from.
		Cursor int `json:"cursor"`

		// History is the ordered conversational record accumulated so far.
		History []HistoryEntry `json:"history,omitempty"`

		Status    CheckpointStatus `json:"status"`
		Metadata  map[string]any   `json:"metadata,omitempty"`
		UpdatedAt time.Time        `json:"updated_at"`
	}

	// HistoryEntry is one turn in a checkpoint history.
	HistoryEntry struct {
		Role       string         `json:"role"`
		ToolCall   map[string]any `json:"tool_call,omitempty"`
		ToolResult map[string]any `json:"tool_result,omitempty"`
		Thought    string         `json:"thought,omitempty"`
		Timestamp  time.Time      `json:"timestamp"`
	}

	// TraceEntry is one row of a per-execution tool timeline, stored in a
	// capped ordered set scored by timestamp.
	TraceEntry struct {
		StepID    string    `json:"step_id"`
		ToolName  string    `json:"tool_name"`
		Status    string    `json:"status"`
		LatencyMS int64     `json:"latency_ms"`
		Error     string    `json:"error,omitempty"`
		Timestamp time.Time `json:"timestamp"`
	}

	// TokenUsage accumulates LLM token counts.
	TokenUsage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	}

	// CheckpointStatus is the checkpoint lifecycle state.
	CheckpointStatus string
)

const (
	// CheckpointActive marks a checkpoint that may still be updated.
	CheckpointActive CheckpointStatus = "active"
	// CheckpointCompleted marks a frozen checkpoint of a finished saga.
	CheckpointCompleted CheckpointStatus = "completed"
	// CheckpointFailed marks a frozen checkpoint of a failed saga.
	CheckpointFailed CheckpointStatus = "failed"
)

// NewExecutionState returns a fresh state in StatusReceived for the given
// intent. Version is zero until the first persisted write.
func NewExecutionState(executionID string, in *intent.Intent, now time.Time) *ExecutionState {
	return &ExecutionState{
		ExecutionID: executionID,
		Status:      StatusReceived,
		Intent:      in,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// NewTaskState returns a pending TaskState wrapping st.
func NewTaskState(st *ExecutionState, totalSteps int, now time.Time) *TaskState {
	return &TaskState{
		ExecutionID: st.ExecutionID,
		Status:      TaskPending,
		TotalSteps:  totalSteps,
		Context:     TaskContext{ExecutionState: st},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// EnsureStepStates creates a pending StepExecutionState for every plan step
// not yet tracked. Existing entries are left untouched.
func (s *ExecutionState) EnsureStepStates(p *plan.Plan) {
	if p == nil {
		return
	}
	known := make(map[string]bool, len(s.Steps))
	for i := range s.Steps {
		known[s.Steps[i].StepID] = true
	}
	for i := range p.Steps {
		if known[p.Steps[i].ID] {
			continue
		}
		s.Steps = append(s.Steps, StepExecutionState{
			StepID: p.Steps[i].ID,
			Status: StepPending,
		})
	}
}

// StepState returns the tracked state for stepID, or nil when untracked.
func (s *ExecutionState) StepState(stepID string) *StepExecutionState {
	for i := range s.Steps {
		if s.Steps[i].StepID == stepID {
			return &s.Steps[i]
		}
	}
	return nil
}

// CompletedSteps counts steps whose status is completed.
func (s *ExecutionState) CompletedSteps() int {
	n := 0
	for i := range s.Steps {
		if s.Steps[i].Status == StepCompleted {
			n++
		}
	}
	return n
}

// AllStepsTerminal reports whether every tracked step reached a terminal
// status.
func (s *ExecutionState) AllStepsTerminal() bool {
	for i := range s.Steps {
		if !s.Steps[i].Status.Terminal() {
			return false
		}
	}
	return len(s.Steps) > 0
}

// RegisterCompensation appends a registration in commit order. Registering
// the same step twice is a no-op; the first registration wins.
func (s *ExecutionState) RegisterCompensation(reg CompensationRegistration) {
	for i := range s.Compensations {
		if s.Compensations[i].StepID == reg.StepID {
			return
		}
	}
	s.Compensations = append(s.Compensations, reg)
}

// Compensation returns the registration for stepID, or nil.
func (s *ExecutionState) Compensation(stepID string) *CompensationRegistration {
	for i := range s.Compensations {
		if s.Compensations[i].StepID == stepID {
			return &s.Compensations[i]
		}
	}
	return nil
}
