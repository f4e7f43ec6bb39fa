// Package compat adjudicates tool schema evolution across checkpoint
// boundaries. A saga that suspends mid-flight may resume against a registry
// whose tools have changed shape; this package diffs the checkpointed shape
// maps against the live ones, classifies the change severity, and bridges
// breaking changes through registered parameter adapters. Resumes that cannot
// be bridged are blocked for human intervention rather than run against a
// schema the plan was never authored for.
package compat

import (
	"sort"

	"github.com/intentflow/intentflow/runtime/tools"
)

// Severity ranks a schema diff.
type Severity string

const (
	// SeverityBreaking marks at least one required-field addition,
	// required-field removal, or type change.
	SeverityBreaking Severity = "BREAKING"
	// SeverityMajor marks more than two non-breaking additions or removals.
	SeverityMajor Severity = "MAJOR"
	// SeverityMinor marks any remaining non-breaking change.
	SeverityMinor Severity = "MINOR"
	// SeverityPatch marks an empty diff.
	SeverityPatch Severity = "PATCH"
)

type (
	// TypeChange records a field whose type name changed.
	TypeChange struct {
		Field string `json:"field"`
		From  string `json:"from"`
		To    string `json:"to"`
	}

	// Diff is the classified difference between two shape maps. Field
	// slices are sorted for deterministic reporting.
	Diff struct {
		AddedRequired   []string     `json:"added_required,omitempty"`
		AddedOptional   []string     `json:"added_optional,omitempty"`
		RemovedRequired []string     `json:"removed_required,omitempty"`
		RemovedOptional []string     `json:"removed_optional,omitempty"`
		TypeChanged     []TypeChange `json:"type_changed,omitempty"`
	}
)

// Analyze diffs the from shape map against to: additions are classified by
// their required flag in to, removals by their flag in from, and any
// type-name change is flagged regardless of requiredness.
func Analyze(from, to map[string]tools.Field) Diff {
	var d Diff
	for _, name := range sortedFields(to) {
		f := to[name]
		prev, existed := from[name]
		if !existed {
			if f.Required {
				d.AddedRequired = append(d.AddedRequired, name)
			} else {
				d.AddedOptional = append(d.AddedOptional, name)
			}
			continue
		}
		if prev.Type != f.Type {
			d.TypeChanged = append(d.TypeChanged, TypeChange{Field: name, From: prev.Type, To: f.Type})
		}
	}
	for _, name := range sortedFields(from) {
		if _, exists := to[name]; exists {
			continue
		}
		if from[name].Required {
			d.RemovedRequired = append(d.RemovedRequired, name)
		} else {
			d.RemovedOptional = append(d.RemovedOptional, name)
		}
	}
	return d
}

// Breaking reports whether the diff contains a change that invalidates
// parameters authored against the old shape.
func (d Diff) Breaking() bool {
	return len(d.AddedRequired) > 0 || len(d.RemovedRequired) > 0 || len(d.TypeChanged) > 0
}

// Empty reports whether the shapes are identical.
func (d Diff) Empty() bool {
	return !d.Breaking() && len(d.AddedOptional) == 0 && len(d.RemovedOptional) == 0
}

// Severity classifies the diff: BREAKING for any breaking change, MAJOR for
// more than two non-breaking additions or removals, MINOR for any remaining
// change, PATCH for none.
func (d Diff) Severity() Severity {
	switch {
	case d.Breaking():
		return SeverityBreaking
	case len(d.AddedOptional)+len(d.RemovedOptional) > 2:
		return SeverityMajor
	case !d.Empty():
		return SeverityMinor
	default:
		return SeverityPatch
	}
}

func sortedFields(m map[string]tools.Field) []string {
	names := make([]string, 0, len(m))
	for n := range m {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
