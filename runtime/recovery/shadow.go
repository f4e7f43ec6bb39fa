package recovery

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/intentflow/intentflow/runtime/fault"
	"github.com/intentflow/intentflow/runtime/state"
	"github.com/intentflow/intentflow/runtime/tools"
)

type (
	// ShadowReport is the outcome of dry-running a zombie's remaining plan
	// against the live tool registry.
	ShadowReport struct {
		// CheckedSteps counts remaining (non-terminal) plan steps examined.
		CheckedSteps int

		// DivergentSteps counts steps that no longer fit their tool's
		// current schema.
		DivergentSteps int

		// Problems holds one line per divergent step.
		Problems []string
	}

	// ShadowValidator dry-runs the remaining plan before an auto-repair.
	ShadowValidator interface {
		Validate(ctx context.Context, ts *state.TaskState) (ShadowReport, error)
	}

	// registryShadow checks remaining steps against the live registry's
	// parameter shapes. Reference-valued parameters are exempt from type
	// checks since their runtime value comes from upstream step outputs.
	registryShadow struct {
		registry *tools.Registry
	}
)

// NewShadowValidator returns a ShadowValidator backed by the live tool
// registry.
func NewShadowValidator(registry *tools.Registry) ShadowValidator {
	return &registryShadow{registry: registry}
}

// Divergence is the fraction of checked steps that diverged.
func (r ShadowReport) Divergence() float64 {
	if r.CheckedSteps == 0 {
		return 0
	}
	return float64(r.DivergentSteps) / float64(r.CheckedSteps)
}

// Reason summarizes the report for escalation payloads.
func (r ShadowReport) Reason() string {
	if r.DivergentSteps == 0 {
		return "shadow run clean"
	}
	return fmt.Sprintf("shadow divergence %d/%d: %s",
		r.DivergentSteps, r.CheckedSteps, strings.Join(r.Problems, "; "))
}

// Validate simulates the remaining plan steps of the embedded execution
// state against the registry's current schemas.
func (v *registryShadow) Validate(_ context.Context, ts *state.TaskState) (ShadowReport, error) {
	es := ts.Context.ExecutionState
	if es == nil || es.Plan == nil {
		return ShadowReport{}, fault.Newf(fault.PlanValidationFailed,
			"execution %s carries no plan to shadow", ts.ExecutionID)
	}
	var report ShadowReport
	for i := range es.Plan.Steps {
		step := &es.Plan.Steps[i]
		if ss := es.StepState(step.ID); ss != nil && ss.Status.Terminal() {
			continue
		}
		report.CheckedSteps++
		if problem := v.checkStep(step.ToolName, step.Parameters); problem != "" {
			report.DivergentSteps++
			report.Problems = append(report.Problems,
				fmt.Sprintf("step %s: %s", step.ID, problem))
		}
	}
	return report, nil
}

// checkStep reports the first schema problem for one step, or "".
func (v *registryShadow) checkStep(toolName string, params map[string]any) string {
	desc, ok := v.registry.Lookup(toolName)
	if !ok {
		return fmt.Sprintf("tool %s is no longer registered", toolName)
	}
	for name, field := range desc.Params {
		val, present := params[name]
		if !present {
			if field.Required {
				return fmt.Sprintf("required parameter %q missing for %s", name, toolName)
			}
			continue
		}
		if isReference(val) {
			continue
		}
		if !typeMatches(field.Type, val) {
			return fmt.Sprintf("parameter %q of %s is no longer a %s", name, toolName, field.Type)
		}
	}
	return ""
}

// isReference reports whether a value is a step-output reference of the
// form `$<stepId>.<field>...`.
func isReference(v any) bool {
	s, ok := v.(string)
	return ok && len(s) >= 2 && s[0] == '$'
}

// typeMatches checks a literal value against a JSON Schema primitive type
// name. Numbers may arrive as float64 after a store round-trip.
func typeMatches(typ string, v any) bool {
	switch typ {
	case "string":
		_, ok := v.(string)
		return ok
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "number":
		switch v.(type) {
		case float64, float32, int, int32, int64:
			return true
		}
		return false
	case "integer":
		switch t := v.(type) {
		case int, int32, int64:
			return true
		case float64:
			return t == math.Trunc(t)
		case float32:
			return float64(t) == math.Trunc(float64(t))
		}
		return false
	case "object":
		_, ok := v.(map[string]any)
		return ok
	case "array":
		_, ok := v.([]any)
		return ok
	case "null":
		return v == nil
	default:
		return true
	}
}
