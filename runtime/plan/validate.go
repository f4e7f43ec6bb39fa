package plan

import (
	"fmt"
	"strings"

	"github.com/intentflow/intentflow/runtime/fault"
)

// Validate enforces the plan invariants in a single pass:
//
//   - every dependency id references a step in the same plan
//   - the dependency graph is acyclic
//   - every dependency has a strictly lower step_number than its dependent
//   - step_number values form the contiguous range 0..N-1 with no duplicates
//   - the step count respects MaxPlanSteps and Budgets.MaxSteps
//   - every tool is allowed by Budgets.AllowedTools when that list is set
//
// Validate also normalizes defaults in place: a zero step timeout becomes
// DefaultStepTimeoutMS and a missing retry policy becomes a single attempt.
// Plans are immutable after a successful Validate.
func Validate(p *Plan) error {
	if p == nil {
		return fault.New(fault.PlanValidationFailed, "plan is nil")
	}
	if p.ID == "" {
		return fault.New(fault.PlanValidationFailed, "plan id is required")
	}
	n := len(p.Steps)
	if n == 0 {
		return fault.New(fault.PlanValidationFailed, "plan has no steps")
	}
	if n > MaxPlanSteps {
		return fault.Newf(fault.MaxStepsExceeded, "plan has %d steps, cap is %d", n, MaxPlanSteps)
	}
	if p.Budgets.MaxSteps > 0 && n > p.Budgets.MaxSteps {
		return fault.Newf(fault.MaxStepsExceeded, "plan has %d steps, budget allows %d", n, p.Budgets.MaxSteps)
	}

	byID := make(map[string]int, n)
	for i := range p.Steps {
		s := &p.Steps[i]
		if s.ID == "" {
			return fault.Newf(fault.PlanValidationFailed, "step %d has no id", i)
		}
		if _, dup := byID[s.ID]; dup {
			return fault.Newf(fault.PlanValidationFailed, "duplicate step id %q", s.ID)
		}
		byID[s.ID] = i
		if s.ToolName == "" {
			return fault.Newf(fault.PlanValidationFailed, "step %q has no tool", s.ID)
		}
	}

	// step_number contiguity: exactly 0..N-1, no duplicates.
	seen := make([]bool, n)
	for i := range p.Steps {
		s := &p.Steps[i]
		if s.StepNumber < 0 || s.StepNumber >= n {
			return fault.Newf(fault.PlanValidationFailed,
				"step %q has step_number %d outside 0..%d", s.ID, s.StepNumber, n-1)
		}
		if seen[s.StepNumber] {
			return fault.Newf(fault.PlanValidationFailed, "duplicate step_number %d", s.StepNumber)
		}
		seen[s.StepNumber] = true
	}

	// Dependency ids resolve within the plan; adjacency built by index.
	adj := make([][]int, n)
	for i := range p.Steps {
		s := &p.Steps[i]
		for _, dep := range s.DependsOn {
			j, ok := byID[dep]
			if !ok {
				return fault.Newf(fault.PlanValidationFailed,
					"step %q depends on unknown step %q", s.ID, dep)
			}
			if j == i {
				return fault.Newf(fault.PlanCircularDependency,
					"step %q depends on itself", s.ID)
			}
			adj[i] = append(adj[i], j)
		}
	}

	// Cycle detection before the ordering check so a mutual dependency
	// reports as a cycle rather than a back-reference.
	if cycle := findCycle(p, adj); cycle != "" {
		return fault.Newf(fault.PlanCircularDependency, "dependency cycle: %s", cycle)
	}

	for i := range p.Steps {
		s := &p.Steps[i]
		for _, j := range adj[i] {
			if p.Steps[j].StepNumber >= s.StepNumber {
				return fault.Newf(fault.PlanValidationFailed,
					"step %q (step_number %d) depends on %q (step_number %d); dependencies must have strictly lower step_number",
					s.ID, s.StepNumber, p.Steps[j].ID, p.Steps[j].StepNumber)
			}
		}
	}

	if len(p.Budgets.AllowedTools) > 0 {
		allowed := make(map[string]struct{}, len(p.Budgets.AllowedTools))
		for _, t := range p.Budgets.AllowedTools {
			allowed[t] = struct{}{}
		}
		for i := range p.Steps {
			if _, ok := allowed[p.Steps[i].ToolName]; !ok {
				return fault.Newf(fault.PlanValidationFailed,
					"step %q uses tool %q outside the allowed set", p.Steps[i].ID, p.Steps[i].ToolName)
			}
		}
	}

	for i := range p.Steps {
		s := &p.Steps[i]
		if s.TimeoutMS < 0 {
			return fault.Newf(fault.PlanValidationFailed, "step %q has negative timeout", s.ID)
		}
		if s.TimeoutMS == 0 {
			s.TimeoutMS = DefaultStepTimeoutMS
		}
		if s.Retry == nil {
			s.Retry = &RetryPolicy{MaxAttempts: 1}
		} else {
			if s.Retry.MaxAttempts < 0 || s.Retry.BackoffMS < 0 {
				return fault.Newf(fault.PlanValidationFailed, "step %q has negative retry policy", s.ID)
			}
			if s.Retry.MaxAttempts == 0 {
				s.Retry.MaxAttempts = 1
			}
		}
	}
	return nil
}

// findCycle runs DFS over the dependency arena with visited and on-stack
// bitsets. Returns a printable id path for the first cycle found, or "".
func findCycle(p *Plan, adj [][]int) string {
	n := len(p.Steps)
	visited := make([]bool, n)
	onStack := make([]bool, n)
	var path []int

	var dfs func(i int) string
	dfs = func(i int) string {
		visited[i] = true
		onStack[i] = true
		path = append(path, i)
		for _, j := range adj[i] {
			if onStack[j] {
				return renderCycle(p, append(path, j))
			}
			if !visited[j] {
				if c := dfs(j); c != "" {
					return c
				}
			}
		}
		onStack[i] = false
		path = path[:len(path)-1]
		return ""
	}

	for i := 0; i < n; i++ {
		if !visited[i] {
			if c := dfs(i); c != "" {
				return c
			}
		}
	}
	return ""
}

func renderCycle(p *Plan, path []int) string {
	// Trim the prefix before the repeated node so the message shows only the loop.
	last := path[len(path)-1]
	start := 0
	for i, v := range path[:len(path)-1] {
		if v == last {
			start = i
			break
		}
	}
	ids := make([]string, 0, len(path)-start)
	for _, v := range path[start:] {
		ids = append(ids, fmt.Sprintf("%q", p.Steps[v].ID))
	}
	return strings.Join(ids, " -> ")
}
