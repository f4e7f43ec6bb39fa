// Package plan defines the validated action plan executed by the scheduler.
// A plan is a DAG of tool invocations produced by an external planner; it is
// validated once on ingress and treated as immutable afterwards.
package plan

type (
	// Plan is an ordered set of steps plus the budget constraints the
	// execution must honour.
	Plan struct {
		// ID uniquely identifies the plan.
		ID string `json:"id"`
		// IntentID links the plan to the intent it serves.
		IntentID string `json:"intent_id"`
		// Steps is the ordered step list; step_number values form the
		// contiguous range 0..N-1 after validation.
		Steps []Step `json:"steps"`
		// Budgets bounds the execution.
		Budgets Budgets `json:"budgets"`
		// Metadata carries planner-provided annotations.
		Metadata map[string]any `json:"metadata,omitempty"`
	}

	// Budgets constrains an execution numerically and by tool surface.
	Budgets struct {
		// MaxSteps caps the number of steps; zero means the global cap only.
		MaxSteps int `json:"max_steps,omitempty"`
		// MaxDurationMS caps total execution wall time; zero means unbounded.
		MaxDurationMS int64 `json:"max_duration_ms,omitempty"`
		// MaxTokens caps token usage across model calls; zero means unbounded.
		MaxTokens int `json:"max_tokens,omitempty"`
		// AllowedTools restricts the tool surface; empty means unrestricted.
		AllowedTools []string `json:"allowed_tools,omitempty"`
	}

	// Step is one tool invocation in the plan.
	Step struct {
		// ID uniquely identifies the step within the plan.
		ID string `json:"id"`
		// StepNumber is the step's position; dependencies always point at
		// strictly lower numbers.
		StepNumber int `json:"step_number"`
		// ToolName names the registered tool to invoke.
		ToolName string `json:"tool_name"`
		// ToolVersion pins the tool schema version in effect when the plan
		// was generated. Optional.
		ToolVersion string `json:"tool_version,omitempty"`
		// Parameters are the tool arguments. Values matching
		// $<stepId>.<field>... are resolved against the named step's output
		// at execution time.
		Parameters map[string]any `json:"parameters,omitempty"`
		// DependsOn lists ids of steps that must complete first.
		DependsOn []string `json:"depends_on,omitempty"`
		// Description is the planner's human-readable summary.
		Description string `json:"description,omitempty"`
		// RequiresConfirmation pauses the execution for user approval before
		// this step runs.
		RequiresConfirmation bool `json:"requires_confirmation,omitempty"`
		// TimeoutMS bounds the tool call. Zero is normalized to the default
		// at validation; negative values are invalid.
		TimeoutMS int64 `json:"timeout_ms,omitempty"`
		// Retry configures local retry. Nil is normalized to a single attempt.
		Retry *RetryPolicy `json:"retry,omitempty"`
	}

	// RetryPolicy configures per-step local retry.
	RetryPolicy struct {
		// MaxAttempts is the total number of attempts, including the first.
		MaxAttempts int `json:"max_attempts"`
		// BackoffMS is the delay between attempts.
		BackoffMS int64 `json:"backoff_ms,omitempty"`
	}
)

const (
	// MaxPlanSteps is the hard cap on steps per plan.
	MaxPlanSteps = 100
	// DefaultStepTimeoutMS is applied when a step declares no timeout.
	DefaultStepTimeoutMS = 30_000
)

// StepByID returns the step with the given id, or false when absent.
func (p *Plan) StepByID(id string) (*Step, bool) {
	for i := range p.Steps {
		if p.Steps[i].ID == id {
			return &p.Steps[i], true
		}
	}
	return nil, false
}

// MaxAttempts returns the normalized attempt budget for the step.
func (s *Step) MaxAttempts() int {
	if s.Retry == nil || s.Retry.MaxAttempts < 1 {
		return 1
	}
	return s.Retry.MaxAttempts
}
