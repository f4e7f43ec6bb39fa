// Package planner defines the contract between the execution engine and the
// external plan generator. The generator is typically an LLM behind a
// provider SDK; this package normalizes its surface to a single method so the
// engine can invoke planning without coupling to any provider, and layers the
// validation and caching protocol every generator must be driven through.
package planner

import (
	"context"

	"github.com/google/uuid"

	"github.com/intentflow/intentflow/runtime/fault"
	"github.com/intentflow/intentflow/runtime/intent"
	"github.com/intentflow/intentflow/runtime/plan"
	"github.com/intentflow/intentflow/runtime/telemetry"
	"github.com/intentflow/intentflow/runtime/tools"
)

type (
	// Planner generates an action plan for an accepted intent. Implementations
	// wrap model providers and are expected to be safe for concurrent use.
	// Returned plans are not trusted: callers validate them and re-prompt once
	// with the validation error text via GenerateValidated.
	Planner interface {
		// GeneratePlan produces a plan for the intent. The context carries the
		// tool surface and, on a re-prompt, the validation failure of the
		// previous attempt. Errors are classified with fault codes; plan-shape
		// failures (PLAN_VALIDATION_FAILED, PLAN_CIRCULAR_DEPENDENCY,
		// LLM_SCHEMA_VALIDATION_FAILED, MAX_STEPS_EXCEEDED) are eligible for
		// one re-prompt.
		GeneratePlan(ctx context.Context, in *intent.Intent, pctx Context) (*plan.Plan, error)
	}

	// PlannerFunc adapts a function to the Planner interface.
	PlannerFunc func(ctx context.Context, in *intent.Intent, pctx Context) (*plan.Plan, error)

	// Context carries everything a generator may condition on. All fields are
	// optional; a zero Context asks for an unconstrained plan.
	Context struct {
		// Tools is the tool surface available to the plan, with the schema
		// identity in effect at generation time.
		Tools []tools.Snapshot
		// UserContext carries caller-scoped state (preferences, defaults).
		UserContext map[string]any
		// History lists recent intents for the same user, newest last, so the
		// generator can resolve references to earlier requests.
		History []*intent.Intent
		// MaxSteps is a budget hint; zero means the global cap only.
		MaxSteps int
		// ValidationFailure is the error text of the previous attempt. Empty
		// on the first attempt; set exactly once by GenerateValidated.
		ValidationFailure string
	}

	// Cache stores validated plans keyed by intent content hash. Satisfied by
	// the checkpoint store's plan-cache documents.
	Cache interface {
		CachePlan(ctx context.Context, cacheKey string, p *plan.Plan) error
		CachedPlan(ctx context.Context, cacheKey string) (*plan.Plan, bool, error)
	}

	// Options configures a Generator.
	Options struct {
		// Planner produces candidate plans. Required.
		Planner Planner
		// Cache short-circuits generation for intents with identical content.
		// Optional; lookups and stores are best-effort.
		Cache Cache
		// Logger receives cache diagnostics. Optional.
		Logger telemetry.Logger
	}

	// Generator is the engine-facing front: cache lookup, generation with one
	// validation re-prompt, cache store.
	Generator struct {
		planner Planner
		cache   Cache
		log     telemetry.Logger
	}
)

// GeneratePlan calls f.
func (f PlannerFunc) GeneratePlan(ctx context.Context, in *intent.Intent, pctx Context) (*plan.Plan, error) {
	return f(ctx, in, pctx)
}

// NewGenerator constructs a Generator.
func NewGenerator(opts Options) (*Generator, error) {
	if opts.Planner == nil {
		return nil, fault.New(fault.PlanGenerationFailed, "planner is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	return &Generator{planner: opts.Planner, cache: opts.Cache, log: logger}, nil
}

// Generate returns a validated plan for the intent, consulting the cache
// first. Cache failures never fail generation; they are logged and the
// generator proceeds as if the cache were empty. Cached plans are rebound to
// the requesting intent's id before they are returned.
func (g *Generator) Generate(ctx context.Context, in *intent.Intent, pctx Context) (*plan.Plan, error) {
	key := ""
	if g.cache != nil {
		h, err := in.Hash()
		if err != nil {
			g.log.Warn(ctx, "intent hash failed, skipping plan cache", "error", err)
		} else {
			key = h
			cached, ok, err := g.cache.CachedPlan(ctx, key)
			if err != nil {
				g.log.Warn(ctx, "plan cache lookup failed", "cache_key", key, "error", err)
			} else if ok {
				rebound := *cached
				rebound.IntentID = in.ID
				return &rebound, nil
			}
		}
	}

	p, err := GenerateValidated(ctx, g.planner, in, pctx)
	if err != nil {
		return nil, err
	}

	if g.cache != nil && key != "" {
		if err := g.cache.CachePlan(ctx, key, p); err != nil {
			g.log.Warn(ctx, "plan cache store failed", "cache_key", key, "error", err)
		}
	}
	return p, nil
}

// GenerateValidated drives one planning round: generate, validate, and on a
// plan-shape failure re-prompt exactly once with the validation error text.
// The second attempt's error surfaces as-is. Infrastructure failures
// (LLM_REQUEST_FAILED, LLM_TIMEOUT, ...) are never re-prompted.
func GenerateValidated(ctx context.Context, p Planner, in *intent.Intent, pctx Context) (*plan.Plan, error) {
	if p == nil {
		return nil, fault.New(fault.PlanGenerationFailed, "planner is required")
	}
	if err := in.Validate(); err != nil {
		return nil, err
	}

	out, err := generateOnce(ctx, p, in, pctx)
	if err == nil {
		return out, nil
	}
	if !repromptable(err) {
		return nil, err
	}

	pctx.ValidationFailure = err.Error()
	return generateOnce(ctx, p, in, pctx)
}

func generateOnce(ctx context.Context, p Planner, in *intent.Intent, pctx Context) (*plan.Plan, error) {
	out, err := p.GeneratePlan(ctx, in, pctx)
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, fault.New(fault.PlanGenerationFailed, "planner returned no plan")
	}
	if out.ID == "" {
		out.ID = uuid.NewString()
	}
	switch out.IntentID {
	case "":
		out.IntentID = in.ID
	case in.ID:
	default:
		return nil, fault.Newf(fault.PlanValidationFailed,
			"plan is bound to intent %q, expected %q", out.IntentID, in.ID)
	}
	if pctx.MaxSteps > 0 && (out.Budgets.MaxSteps == 0 || out.Budgets.MaxSteps > pctx.MaxSteps) {
		out.Budgets.MaxSteps = pctx.MaxSteps
	}
	if err := plan.Validate(out); err != nil {
		return nil, err
	}
	return out, nil
}

// repromptable reports whether the failure describes a malformed plan the
// generator can plausibly correct when shown the error text.
func repromptable(err error) bool {
	switch fault.CodeOf(err) {
	case fault.PlanValidationFailed, fault.PlanCircularDependency,
		fault.LLMSchemaValidationFailed, fault.MaxStepsExceeded:
		return true
	}
	return false
}
