package compat

import (
	"context"
	"fmt"

	"github.com/intentflow/intentflow/runtime/telemetry"
	"github.com/intentflow/intentflow/runtime/tools"
)

// Outcome is the per-tool verdict of a resume check.
type Outcome string

const (
	// OutcomeCompatible means the schema hash is unchanged.
	OutcomeCompatible Outcome = "compatible"
	// OutcomeWarned means a non-breaking change was detected and the resume
	// proceeds as-is.
	OutcomeWarned Outcome = "warned"
	// OutcomeAdapted means a breaking change is bridged by an adapter chain
	// that must be applied to the tool's parameters before invocation.
	OutcomeAdapted Outcome = "adapted"
	// OutcomeBlocked means a breaking change has no adapter path and the
	// resume must not proceed.
	OutcomeBlocked Outcome = "blocked"
)

type (
	// ToolCheck is the verdict for one checkpointed tool.
	ToolCheck struct {
		// Tool is the tool name.
		Tool string `json:"tool"`
		// From is the checkpointed version; To the currently registered one.
		From string `json:"from"`
		To   string `json:"to"`

		Outcome  Outcome  `json:"outcome"`
		Severity Severity `json:"severity,omitempty"`
		Diff     Diff     `json:"diff,omitempty"`

		// Adapter bridges old-shape parameters when Outcome is adapted.
		Adapter Adapter `json:"-"`
		// AdapterPath lists the composed version chain, from → … → to.
		AdapterPath []string `json:"adapter_path,omitempty"`

		// Reason explains blocked outcomes.
		Reason string `json:"reason,omitempty"`
	}

	// Decision is the aggregate verdict for a resume.
	Decision struct {
		Checks []ToolCheck `json:"checks"`
	}

	// GuardOptions configures a Guard.
	GuardOptions struct {
		// Registry is the live tool registry. Required.
		Registry *tools.Registry
		// Adapters bridges breaking schema changes. Optional; without it
		// every breaking change blocks.
		Adapters *AdapterRegistry
		// Logger receives warn-and-proceed diagnostics. Optional.
		Logger telemetry.Logger
	}

	// Guard compares checkpointed tool schemas to the live registry before a
	// resumed execution re-enters the scheduler.
	Guard struct {
		registry *tools.Registry
		adapters *AdapterRegistry
		log      telemetry.Logger
	}
)

// Blocked reports whether any tool failed the check.
func (d Decision) Blocked() bool {
	for i := range d.Checks {
		if d.Checks[i].Outcome == OutcomeBlocked {
			return true
		}
	}
	return false
}

// BlockedTools lists the tools that failed the check, in check order.
func (d Decision) BlockedTools() []string {
	var out []string
	for i := range d.Checks {
		if d.Checks[i].Outcome == OutcomeBlocked {
			out = append(out, d.Checks[i].Tool)
		}
	}
	return out
}

// AdapterFor returns the parameter adapter for a tool when the decision
// requires one.
func (d Decision) AdapterFor(tool string) (Adapter, bool) {
	for i := range d.Checks {
		if d.Checks[i].Tool == tool && d.Checks[i].Outcome == OutcomeAdapted {
			return d.Checks[i].Adapter, true
		}
	}
	return nil, false
}

// NewGuard constructs a Guard.
func NewGuard(opts GuardOptions) (*Guard, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("compat: tool registry is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	return &Guard{
		registry: opts.Registry,
		adapters: opts.Adapters,
		log:      logger,
	}, nil
}

// CheckResume adjudicates every checkpointed tool snapshot against the live
// registry. The caller owns acting on the decision: applying adapters to
// pending parameters, or refusing the resume and escalating when blocked.
func (g *Guard) CheckResume(ctx context.Context, snapshots []tools.Snapshot) Decision {
	var d Decision
	for _, snap := range snapshots {
		d.Checks = append(d.Checks, g.checkTool(ctx, snap))
	}
	return d
}

func (g *Guard) checkTool(ctx context.Context, snap tools.Snapshot) ToolCheck {
	check := ToolCheck{Tool: snap.Name, From: snap.Version}

	current, ok := g.registry.Lookup(snap.Name)
	if !ok {
		check.Outcome = OutcomeBlocked
		check.Severity = SeverityBreaking
		check.Reason = "tool is no longer registered"
		return check
	}
	check.To = current.Version

	if tools.SchemaHash(current.Params) == snap.SchemaHash {
		check.Outcome = OutcomeCompatible
		check.Severity = SeverityPatch
		return check
	}

	diff := Analyze(snap.Params, current.Params)
	check.Diff = diff
	check.Severity = diff.Severity()

	if !diff.Breaking() {
		check.Outcome = OutcomeWarned
		g.log.Warn(ctx, "tool schema changed non-breaking since checkpoint",
			"tool", snap.Name,
			"from", snap.Version,
			"to", current.Version,
			"severity", string(check.Severity))
		return check
	}

	if g.adapters != nil {
		if fn, path, ok := g.adapters.Resolve(snap.Name, snap.Version, current.Version); ok {
			check.Outcome = OutcomeAdapted
			check.Adapter = fn
			check.AdapterPath = path
			g.log.Info(ctx, "tool schema bridged by adapter chain",
				"tool", snap.Name,
				"chain_length", len(path)-1)
			return check
		}
	}

	check.Outcome = OutcomeBlocked
	check.Reason = fmt.Sprintf("breaking schema change from %s to %s with no adapter path",
		snap.Version, current.Version)
	return check
}
