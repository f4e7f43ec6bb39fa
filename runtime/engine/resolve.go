package engine

import (
	"strconv"
	"strings"

	"github.com/intentflow/intentflow/runtime/state"
)

// completedOutputs snapshots the outputs of every completed step, keyed by
// step id, for reference resolution within the next batch.
func completedOutputs(es *state.ExecutionState) map[string]any {
	outputs := make(map[string]any, len(es.Steps))
	for i := range es.Steps {
		if es.Steps[i].Status == state.StepCompleted {
			outputs[es.Steps[i].StepID] = es.Steps[i].Output
		}
	}
	return outputs
}

// resolveParams substitutes reference expressions in a parameter map against
// completed step outputs. A reference is a string value of the form
// `$<stepId>.<field>.<field>...`; the named step must be completed and every
// field must resolve, otherwise the original string passes through verbatim.
// Nested maps and arrays are walked; the input map is never mutated.
func resolveParams(params map[string]any, outputs map[string]any) map[string]any {
	if len(params) == 0 {
		return map[string]any{}
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = resolveValue(v, outputs)
	}
	return out
}

func resolveValue(v any, outputs map[string]any) any {
	switch t := v.(type) {
	case string:
		return resolveRef(t, outputs)
	case map[string]any:
		return resolveParams(t, outputs)
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = resolveValue(t[i], outputs)
		}
		return out
	default:
		return v
	}
}

// resolveRef dereferences one `$<stepId>.<field>...` expression. Path fields
// traverse object keys; a numeric field indexes into an array.
func resolveRef(s string, outputs map[string]any) any {
	if len(s) < 2 || s[0] != '$' {
		return s
	}
	parts := strings.Split(s[1:], ".")
	if len(parts) < 2 || parts[0] == "" {
		return s
	}
	cur, ok := outputs[parts[0]]
	if !ok {
		return s
	}
	for _, field := range parts[1:] {
		if field == "" {
			return s
		}
		switch node := cur.(type) {
		case map[string]any:
			next, ok := node[field]
			if !ok {
				return s
			}
			cur = next
		case []any:
			idx, err := strconv.Atoi(field)
			if err != nil || idx < 0 || idx >= len(node) {
				return s
			}
			cur = node[idx]
		default:
			return s
		}
	}
	return cur
}
