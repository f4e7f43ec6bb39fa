// Package tools defines the tool metadata and invocation seam used by the
// execution engine. Tools are described by descriptors (a parameter shape
// map, alias mappings, a timeout budget and an optional compensation rule)
// and invoked through the Invoker interface. The transport that actually
// reaches the tool (MCP, HTTP, in-process) lives behind Invoker; this package
// owns descriptor-driven parameter validation, alias application and the
// schema snapshots the resume compatibility guard compares against.
package tools

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"time"
)

// DefaultTimeoutMS bounds a tool invocation when the descriptor does not
// declare its own budget.
const DefaultTimeoutMS = 30_000

type (
	// Field describes one parameter in a tool's shape map.
	Field struct {
		// Type is a JSON Schema primitive type name: string, number, integer,
		// boolean, object, array or null.
		Type string `json:"type"`
		// Required marks the parameter as mandatory.
		Required bool `json:"required"`
	}

	// CompensationSpec declares the static undo rule for a tool. When a step
	// using the tool completes and its result carries no explicit compensation
	// sidecar, the coordinator registers Tool with the parameters produced by
	// MapParams.
	CompensationSpec struct {
		// Tool names the compensating tool.
		Tool string
		// MapParams derives the compensation parameters from the completed
		// step's input and output. Nil maps are passed as empty.
		MapParams func(input, output map[string]any) map[string]any
	}

	// Descriptor is the registry record for a tool.
	Descriptor struct {
		// Name uniquely identifies the tool.
		Name string
		// Version tags the descriptor revision. Schema evolution between
		// versions is adjudicated by the compatibility guard.
		Version string
		// Description provides human-readable context for planners.
		Description string
		// Category groups tools for policy and reporting.
		Category string
		// Origin identifies the upstream system that registered the tool.
		Origin string
		// Params is the parameter shape map validated before invocation.
		Params map[string]Field
		// Aliases maps accepted alias field names to their primary parameter.
		// An alias value is copied to the primary when the primary is absent.
		Aliases map[string]string
		// TimeoutMS bounds a single invocation. Zero uses DefaultTimeoutMS.
		TimeoutMS int
		// Compensation is the static undo rule, nil when the tool needs none.
		Compensation *CompensationSpec
	}

	// Result is the outcome of one tool invocation.
	Result struct {
		// Success reports whether the tool committed its effect.
		Success bool `json:"success"`
		// Output carries the tool's result document. Step references
		// ($<stepId>.<field>) resolve against it.
		Output map[string]any `json:"output,omitempty"`
		// Error holds the tool-reported failure message when Success is false.
		Error string `json:"error,omitempty"`
		// LatencyMS is the invocation latency observed by the transport.
		LatencyMS int64 `json:"latency_ms"`
		// Compensation optionally carries an explicit undo request that
		// overrides the descriptor's static rule.
		Compensation *CompensationRequest `json:"compensation,omitempty"`
	}

	// CompensationRequest is an explicit undo instruction returned by a tool.
	CompensationRequest struct {
		// Tool names the compensating tool.
		Tool string `json:"tool"`
		// Params are the compensation parameters.
		Params map[string]any `json:"params,omitempty"`
	}

	// AliasUsageRecord documents one alias→primary copy performed during
	// parameter preparation.
	AliasUsageRecord struct {
		// Tool is the descriptor the alias belongs to.
		Tool string `json:"tool"`
		// Alias is the field name the caller supplied.
		Alias string `json:"alias"`
		// Primary is the canonical field the value was copied to.
		Primary string `json:"primary"`
		// At is when the copy fired.
		At time.Time `json:"at"`
	}

	// Snapshot freezes the schema identity of a tool at checkpoint time. The
	// compatibility guard diffs snapshots against the live registry before a
	// resumed execution re-enters the scheduler.
	Snapshot struct {
		// Name is the tool name.
		Name string `json:"name"`
		// Version is the descriptor version at snapshot time.
		Version string `json:"version"`
		// SchemaHash fingerprints the shape map.
		SchemaHash string `json:"schema_hash"`
		// Params is the shape map at snapshot time.
		Params map[string]Field `json:"params,omitempty"`
	}
)

// Timeout returns the descriptor's invocation budget as a duration.
func (d Descriptor) Timeout() time.Duration {
	ms := d.TimeoutMS
	if ms <= 0 {
		ms = DefaultTimeoutMS
	}
	return time.Duration(ms) * time.Millisecond
}

// Snapshot freezes the descriptor's schema identity.
func (d Descriptor) Snapshot() Snapshot {
	params := make(map[string]Field, len(d.Params))
	for k, v := range d.Params {
		params[k] = v
	}
	return Snapshot{
		Name:       d.Name,
		Version:    d.Version,
		SchemaHash: SchemaHash(d.Params),
		Params:     params,
	}
}

// ApplyAliases copies alias values to their primary parameter when the
// primary is absent. The input map is not mutated; the returned records
// document every copy that fired, in alias order.
func ApplyAliases(d Descriptor, params map[string]any, now time.Time) (map[string]any, []AliasUsageRecord) {
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = v
	}
	if len(d.Aliases) == 0 {
		return out, nil
	}
	aliases := make([]string, 0, len(d.Aliases))
	for a := range d.Aliases {
		aliases = append(aliases, a)
	}
	sort.Strings(aliases)
	var records []AliasUsageRecord
	for _, alias := range aliases {
		primary := d.Aliases[alias]
		v, ok := out[alias]
		if !ok {
			continue
		}
		if _, ok := out[primary]; ok {
			continue
		}
		out[primary] = v
		records = append(records, AliasUsageRecord{
			Tool:    d.Name,
			Alias:   alias,
			Primary: primary,
			At:      now,
		})
	}
	return out, records
}

// SchemaHash fingerprints a shape map. Equal maps hash equal regardless of
// insertion order; any field rename, type change or required flip changes the
// hash.
func SchemaHash(params map[string]Field) string {
	names := make([]string, 0, len(params))
	for n := range params {
		names = append(names, n)
	}
	sort.Strings(names)
	h := sha256.New()
	for _, n := range names {
		f := params[n]
		fmt.Fprintf(h, "%s:%s:%t;", n, f.Type, f.Required)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// SchemaDocument renders a shape map as a decoded JSON Schema document
// suitable for compilation. Additional properties remain allowed so aliases
// and passthrough fields survive validation.
func SchemaDocument(params map[string]Field) map[string]any {
	props := make(map[string]any, len(params))
	var required []any
	names := make([]string, 0, len(params))
	for n := range params {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		f := params[n]
		props[n] = map[string]any{"type": f.Type}
		if f.Required {
			required = append(required, n)
		}
	}
	doc := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		doc["required"] = required
	}
	return doc
}
