// Package engine executes validated plans as durable sagas. A dependency-
// aware scheduler fans ready steps out in bounded parallel batches, a
// time-budgeted runner checkpoints and suspends the segment before the
// invocation wall clock runs out, and a saga coordinator compensates
// committed work in reverse commit order when a step fails. All shared state
// flows through the checkpoint store's OCC primitives; the engine never
// holds a lock across a suspension point.
package engine

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/intentflow/intentflow/runtime/checkpoint"
	"github.com/intentflow/intentflow/runtime/compat"
	"github.com/intentflow/intentflow/runtime/events"
	"github.com/intentflow/intentflow/runtime/fault"
	"github.com/intentflow/intentflow/runtime/idempotency"
	"github.com/intentflow/intentflow/runtime/intent"
	"github.com/intentflow/intentflow/runtime/plan"
	"github.com/intentflow/intentflow/runtime/planner"
	"github.com/intentflow/intentflow/runtime/state"
	"github.com/intentflow/intentflow/runtime/telemetry"
	"github.com/intentflow/intentflow/runtime/tools"
)

type (
	// Options configures an Engine.
	Options struct {
		// Store is the checkpoint store carrying all durable state. Required.
		Store *checkpoint.Store
		// Registry resolves tool descriptors for validation, aliasing,
		// snapshots, and static compensation specs. Required.
		Registry *tools.Registry
		// Invoker executes tool calls. Required.
		Invoker tools.Invoker
		// Publisher receives lifecycle events. Optional; nil drops them.
		Publisher events.Publisher
		// Planner generates plans for Execute requests that do not carry
		// one. Optional.
		Planner *planner.Generator
		// Adapters bridges breaking tool schema changes on resume. Optional;
		// without it every breaking change blocks.
		Adapters *compat.AdapterRegistry
		// Oracle is consulted once per step after a 4xx/5xx failure.
		// Optional.
		Oracle CorrectionOracle
		// Lamport is the service's logical clock. Optional; a fresh clock
		// for ServiceID is created when nil.
		Lamport *events.Clock
		// ServiceID names this engine instance in Lamport stamps. Defaults
		// to "intentflow-engine".
		ServiceID string
		// Budgets bounds segment execution. Zero values select defaults.
		Budgets Budgets
		// IdempotencyTTL overrides the invocation claim window.
		IdempotencyTTL time.Duration
		// Clock supplies timestamps. Optional, defaults to time.Now.
		Clock func() time.Time
		// Logger, Metrics and Tracer receive diagnostics. Optional.
		Logger  telemetry.Logger
		Metrics telemetry.Metrics
		Tracer  telemetry.Tracer
	}

	// Engine drives saga executions end to end.
	Engine struct {
		store    *checkpoint.Store
		registry *tools.Registry
		invoker  tools.Invoker
		pub      events.Publisher
		planner  *planner.Generator
		guard    *compat.Guard
		oracle   CorrectionOracle
		lamport  *events.Clock
		budgets  Budgets
		idemTTL  time.Duration
		now      func() time.Time
		log      telemetry.Logger
		metrics  telemetry.Metrics
		tracer   telemetry.Tracer
	}

	// Request seeds a new execution.
	Request struct {
		// ExecutionID is the saga's identity. Optional; generated when
		// empty.
		ExecutionID string
		// Intent is the accepted intent to execute. Required.
		Intent *intent.Intent
		// Plan is the validated plan. Optional; generated through the
		// configured planner when nil.
		Plan *plan.Plan
		// PlannerContext conditions plan generation when Plan is nil.
		PlannerContext planner.Context
		// UserID scopes idempotency and history. Falls back to the intent's
		// "user_id" metadata entry.
		UserID string
		// TraceID correlates published events. Optional; generated when
		// empty.
		TraceID string
	}
)

// nopPublisher drops events; it stands in when no publisher is configured.
type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, events.Event) error { return nil }

// New validates opts and constructs an Engine.
func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, fault.New(fault.InfrastructureError, "engine: checkpoint store is required")
	}
	if opts.Registry == nil {
		return nil, fault.New(fault.InfrastructureError, "engine: tool registry is required")
	}
	if opts.Invoker == nil {
		return nil, fault.New(fault.InfrastructureError, "engine: tool invoker is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NoopMetrics{}
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = telemetry.NoopTracer{}
	}
	pub := opts.Publisher
	if pub == nil {
		pub = nopPublisher{}
	}
	clock := opts.Lamport
	if clock == nil {
		serviceID := opts.ServiceID
		if serviceID == "" {
			serviceID = "intentflow-engine"
		}
		clock = events.NewClock(serviceID, 0)
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	ttl := opts.IdempotencyTTL
	if ttl <= 0 {
		ttl = idempotency.DefaultTTL
	}
	guard, err := compat.NewGuard(compat.GuardOptions{
		Registry: opts.Registry,
		Adapters: opts.Adapters,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}
	return &Engine{
		store:    opts.Store,
		registry: opts.Registry,
		invoker:  opts.Invoker,
		pub:      pub,
		planner:  opts.Planner,
		guard:    guard,
		oracle:   opts.Oracle,
		lamport:  clock,
		budgets:  opts.Budgets.normalized(),
		idemTTL:  ttl,
		now:      now,
		log:      logger,
		metrics:  metrics,
		tracer:   tracer,
	}, nil
}

// Execute accepts an intent, attaches a validated plan, persists the initial
// records, and runs the first segment. The returned Result reports either
// the finished saga or a partial segment that scheduled its continuation;
// the error channel is reserved for engine and store failures.
func (e *Engine) Execute(ctx context.Context, req Request) (Result, error) {
	ctx, span := e.tracer.Start(ctx, "engine.execute")
	defer span.End()

	if req.Intent == nil {
		return Result{}, fault.New(fault.IntentValidationFailed, "intent is required")
	}
	if err := req.Intent.Validate(); err != nil {
		return Result{}, err
	}
	executionID := req.ExecutionID
	if executionID == "" {
		executionID = uuid.NewString()
	}
	traceID := req.TraceID
	if traceID == "" {
		traceID = uuid.NewString()
	}
	userID := req.UserID
	if userID == "" {
		if v, ok := req.Intent.Metadata["user_id"].(string); ok {
			userID = v
		}
	}

	es := state.NewExecutionState(executionID, req.Intent, e.now())
	es.UserID = userID
	es.Lamport = e.lamport.Tick()

	// The intent arrives parsed and accepted; walk the lifecycle to
	// PLANNING so the record reflects every stage it passed through.
	for _, s := range []state.ExecutionStatus{state.StatusParsing, state.StatusParsed, state.StatusPlanning} {
		if err := es.Transition(s); err != nil {
			return Result{}, err
		}
	}

	p, planErr := e.resolvePlan(ctx, req)
	if planErr != nil {
		return e.rejectExecution(ctx, es, planErr, traceID)
	}
	if err := es.Transition(state.StatusPlanned); err != nil {
		return Result{}, err
	}
	es.Plan = p
	es.EnsureStepStates(p)
	es.ToolSnapshots = e.registry.SnapshotAll(planToolNames(p))

	if err := e.store.CreateExecutionState(ctx, es); err != nil {
		return Result{}, err
	}
	ts := state.NewTaskState(es, len(p.Steps), e.now())
	if err := e.store.CreateTaskState(ctx, ts); err != nil {
		return Result{}, err
	}
	if _, err := e.store.TransitionTaskState(ctx, executionID, state.TaskInProgress, "execution accepted"); err != nil {
		return Result{}, err
	}
	if es.UserID != "" {
		if err := e.store.AppendIntentHistory(ctx, es.UserID, req.Intent); err != nil {
			e.log.Warn(ctx, "intent history append failed",
				"execution_id", executionID, "error", err)
		}
	}

	gate, err := e.gateFor(es)
	if err != nil {
		return Result{}, err
	}
	return e.runSegment(ctx, es, gate, 0, 1, traceID)
}

// Resume re-enters the scheduler for a checkpointed execution. It tolerates
// duplicate deliveries: a terminal execution returns its final result
// without side effects, and re-invocations of already-claimed steps are
// suppressed by the idempotency gate.
func (e *Engine) Resume(ctx context.Context, executionID string, payload checkpoint.ResumePayload) (Result, error) {
	ctx, span := e.tracer.Start(ctx, "engine.resume")
	defer span.End()

	es, err := e.store.LoadExecutionState(ctx, executionID)
	if err != nil {
		return Result{}, err
	}
	if es.Status.Terminal() {
		return Result{
			ExecutionID:    executionID,
			Success:        es.Status == state.StatusCompleted,
			Status:         es.Status,
			CompletedSteps: es.CompletedSteps(),
			Error:          es.Error,
		}, nil
	}
	if es.Plan == nil {
		return Result{}, fault.New(fault.StepExecutionFailed, "no plan set").
			WithDetail("execution_id", executionID)
	}
	if es.Status == state.StatusAwaitingConfirmation {
		// A stray resume timer must not bypass the confirmation pause.
		return Result{
			ExecutionID:    executionID,
			Success:        false,
			Status:         es.Status,
			CompletedSteps: es.CompletedSteps(),
			IsPartial:      true,
			NextStepIndex:  lowestPendingIndex(es),
		}, nil
	}
	ts, err := e.store.GetTaskState(ctx, executionID)
	if err != nil {
		return Result{}, err
	}
	if ts.Status == state.TaskCancelled {
		return e.cancelSaga(ctx, es, "cancelled before resume", payload.TraceID)
	}

	// Cross-version protection: diff the frozen tool schemas against the
	// live registry before any checkpointed step re-enters the scheduler.
	decision := e.guard.CheckResume(ctx, es.ToolSnapshots)
	if decision.Blocked() {
		blocked := decision.BlockedTools()
		e.publish(ctx, events.ManualInterventionRequired, executionID, map[string]any{
			"reason":        "tool schema changed incompatibly since checkpoint",
			"blocked_tools": blocked,
			"segment":       payload.SegmentNumber,
		}, payload.TraceID)
		return Result{}, fault.Newf(fault.StepExecutionFailed,
			"resume blocked: %d tool(s) changed incompatibly since checkpoint", len(blocked)).
			WithDetail("blocked_tools", blocked)
	}
	if es, err = e.applyAdapters(ctx, es, decision); err != nil {
		return Result{}, err
	}

	segment := payload.SegmentNumber
	if segment <= 0 {
		segment = ts.SegmentNumber + 1
	}
	if err := e.bumpSegment(ctx, executionID, segment); err != nil {
		return Result{}, err
	}
	gate, err := e.gateFor(es)
	if err != nil {
		return Result{}, err
	}
	return e.runSegment(ctx, es, gate, payload.StartStepIndex, segment, payload.TraceID)
}

// ExecuteSingleStep runs exactly the step at stepIndex with full scheduler
// semantics: reference resolution, aliasing, idempotent invocation, OCC
// merge, and saga finalization when the step was the last one outstanding.
func (e *Engine) ExecuteSingleStep(ctx context.Context, executionID string, stepIndex int) (Result, error) {
	ctx, span := e.tracer.Start(ctx, "engine.execute_single_step")
	defer span.End()

	es, err := e.store.LoadExecutionState(ctx, executionID)
	if err != nil {
		return Result{}, err
	}
	if es.Plan == nil {
		return Result{}, fault.New(fault.StepExecutionFailed, "no plan set").
			WithDetail("execution_id", executionID)
	}
	var step *plan.Step
	for i := range es.Plan.Steps {
		if es.Plan.Steps[i].StepNumber == stepIndex {
			step = &es.Plan.Steps[i]
			break
		}
	}
	if step == nil {
		return Result{}, fault.Newf(fault.StepExecutionFailed, "no step at index %d", stepIndex)
	}
	es.EnsureStepStates(es.Plan)
	if st := es.StepState(step.ID); st.Status.Terminal() {
		// Another executor already finished this position.
		return Result{
			ExecutionID:    executionID,
			Success:        st.Status == state.StepCompleted,
			Status:         es.Status,
			CompletedSteps: es.CompletedSteps(),
		}, nil
	}
	for _, dep := range step.DependsOn {
		dst := es.StepState(dep)
		if dst == nil || (dst.Status != state.StepCompleted && dst.Status != state.StepSkipped) {
			return Result{}, fault.Newf(fault.StepExecutionFailed,
				"step %s dependency %s is not satisfied", step.ID, dep)
		}
	}

	if es, err = e.transitionExecuting(ctx, es, ""); err != nil {
		return Result{}, err
	}
	gate, err := e.gateFor(es)
	if err != nil {
		return Result{}, err
	}

	segmentStart := e.now()
	segCtx, cancel := context.WithDeadline(ctx, segmentStart.Add(e.budgets.SegmentTimeout))
	defer cancel()

	outcome := e.runStep(segCtx, gate, step, completedOutputs(es), segmentStart)
	es, err = e.mergeOutcomes(ctx, executionID, []stepOutcome{outcome}, step.StepNumber+1, 0)
	if err != nil {
		return Result{}, err
	}
	e.publishStepEvents(ctx, executionID, []stepOutcome{outcome}, "")
	e.appendTraces(ctx, executionID, []stepOutcome{outcome})

	if outcome.flt != nil && outcome.status != state.StepSkipped {
		return e.failSaga(ctx, es, outcome.flt, "")
	}
	if es.AllStepsTerminal() {
		return e.completeSaga(ctx, es, 0, "")
	}
	return Result{
		ExecutionID:    executionID,
		Success:        outcome.status == state.StepCompleted,
		Status:         es.Status,
		CompletedSteps: es.CompletedSteps(),
		NextStepIndex:  lowestPendingIndex(es),
	}, nil
}

// Cancel requests cooperative cancellation. The TaskState flips to
// cancelled immediately; a running scheduler observes it at the top of its
// next iteration, aborts in-flight steps, and finalizes the execution.
func (e *Engine) Cancel(ctx context.Context, executionID, reason string) error {
	if _, err := e.store.TransitionTaskState(ctx, executionID, state.TaskCancelled, reason); err != nil {
		return err
	}
	e.publish(ctx, events.WorkflowStateChanged, executionID, map[string]any{
		"status": string(state.TaskCancelled),
		"reason": reason,
	}, "")
	return nil
}

// Confirm resolves a step paused on required confirmation. Approval returns
// the step to the frontier and runs the next segment synchronously; decline
// fails the step and triggers compensation of committed work.
func (e *Engine) Confirm(ctx context.Context, executionID, stepID string, approved bool, reason string) (Result, error) {
	es, err := e.store.LoadExecutionState(ctx, executionID)
	if err != nil {
		return Result{}, err
	}
	st := es.StepState(stepID)
	if st == nil || st.Status != state.StepAwaitingConfirmation {
		return Result{}, fault.Newf(fault.StateTransitionInvalid,
			"step %s is not awaiting confirmation", stepID)
	}
	if !approved {
		declined := fault.Newf(fault.Cancelled, "confirmation declined for step %s", stepID)
		if reason != "" {
			declined = declined.WithDetail("reason", reason)
		}
		es, err = e.store.SaveExecutionStateOCC(ctx, executionID, func(cur *state.ExecutionState) error {
			cst := cur.StepState(stepID)
			if cst == nil || cst.Status != state.StepAwaitingConfirmation {
				return nil
			}
			cst.Status = state.StepFailed
			cst.Error = declined
			completed := e.now()
			cst.CompletedAt = &completed
			if cur.Status == state.StatusAwaitingConfirmation {
				return cur.Transition(state.StatusExecuting)
			}
			return nil
		})
		if err != nil {
			return Result{}, err
		}
		return e.failSaga(ctx, es, declined, "")
	}

	es, err = e.store.SaveExecutionStateOCC(ctx, executionID, func(cur *state.ExecutionState) error {
		cst := cur.StepState(stepID)
		if cst == nil || cst.Status != state.StepAwaitingConfirmation {
			return nil
		}
		cst.Confirmed = true
		cst.Status = state.StepPending
		if cur.Status == state.StatusAwaitingConfirmation {
			return cur.Transition(state.StatusExecuting)
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	ts, err := e.store.GetTaskState(ctx, executionID)
	if err != nil {
		return Result{}, err
	}
	segment := ts.SegmentNumber + 1
	if err := e.bumpSegment(ctx, executionID, segment); err != nil {
		return Result{}, err
	}
	gate, err := e.gateFor(es)
	if err != nil {
		return Result{}, err
	}
	return e.runSegment(ctx, es, gate, lowestPendingIndex(es), segment, "")
}

// resolvePlan returns the validated plan for the request, generating one
// when absent.
func (e *Engine) resolvePlan(ctx context.Context, req Request) (*plan.Plan, error) {
	if req.Plan == nil {
		if e.planner == nil {
			return nil, fault.New(fault.PlanGenerationFailed, "no plan supplied and no planner configured")
		}
		return e.planner.Generate(ctx, req.Intent, req.PlannerContext)
	}
	if req.Plan.IntentID == "" {
		req.Plan.IntentID = req.Intent.ID
	}
	if err := plan.Validate(req.Plan); err != nil {
		return nil, err
	}
	return req.Plan, nil
}

// rejectExecution persists a REJECTED execution for audit and reports the
// rejection as a business result.
func (e *Engine) rejectExecution(ctx context.Context, es *state.ExecutionState, cause error, traceID string) (Result, error) {
	flt := fault.FromError(cause)
	if err := es.Transition(state.StatusRejected); err != nil {
		return Result{}, err
	}
	es.Error = flt
	if err := e.store.CreateExecutionState(ctx, es); err != nil {
		e.log.Warn(ctx, "persisting rejected execution failed",
			"execution_id", es.ExecutionID, "error", err)
	}
	e.publish(ctx, events.WorkflowStateChanged, es.ExecutionID, map[string]any{
		"status": string(state.StatusRejected),
		"error":  flt.Message,
	}, traceID)
	return Result{
		ExecutionID: es.ExecutionID,
		Success:     false,
		Status:      state.StatusRejected,
		Error:       flt,
	}, nil
}

// gateFor builds the idempotency gate bound to the execution's fixed causal
// pair, so fingerprints stay stable across segments and resumes.
func (e *Engine) gateFor(es *state.ExecutionState) (*idempotency.Gate, error) {
	parent := ""
	if es.Intent != nil {
		parent = es.Intent.ID
	}
	return idempotency.New(idempotency.Options{
		Store:          e.store.KV(),
		Keys:           e.store.Keys(),
		UserID:         es.UserID,
		ParentIntentID: parent,
		Lamport:        es.Lamport.String(),
		TTL:            e.idemTTL,
	})
}

// bumpSegment advances the TaskState's segment counter and marks a pending
// task in progress.
func (e *Engine) bumpSegment(ctx context.Context, executionID string, segment int) error {
	_, err := e.store.UpdateTaskStateOCC(ctx, executionID, func(cur *state.TaskState) error {
		if cur.Status == state.TaskPending {
			if err := cur.Transition(state.TaskInProgress, "segment resumed", e.now()); err != nil {
				return err
			}
		}
		if segment > cur.SegmentNumber {
			cur.SegmentNumber = segment
		}
		return nil
	})
	return err
}

// applyAdapters rewrites pending step parameters through the adapter chains
// the guard selected and refreshes the frozen tool snapshots to the live
// registry, so later resumes diff against the adapted reality.
func (e *Engine) applyAdapters(ctx context.Context, es *state.ExecutionState, decision compat.Decision) (*state.ExecutionState, error) {
	adapted := false
	for i := range decision.Checks {
		if decision.Checks[i].Outcome == compat.OutcomeAdapted {
			adapted = true
			break
		}
	}
	if !adapted {
		return es, nil
	}
	return e.store.SaveExecutionStateOCC(ctx, es.ExecutionID, func(cur *state.ExecutionState) error {
		if cur.Plan == nil {
			return nil
		}
		for i := range cur.Plan.Steps {
			step := &cur.Plan.Steps[i]
			fn, ok := decision.AdapterFor(step.ToolName)
			if !ok {
				continue
			}
			if st := cur.StepState(step.ID); st != nil && st.Status.Terminal() {
				continue
			}
			step.Parameters = fn(step.Parameters)
		}
		cur.ToolSnapshots = e.registry.SnapshotAll(planToolNames(cur.Plan))
		return nil
	})
}

// publish stamps and delivers one lifecycle event, reporting delivery.
func (e *Engine) publish(ctx context.Context, typ events.Type, executionID string, payload map[string]any, traceID string) bool {
	ev, err := events.New(typ, executionID, payload)
	if err != nil {
		e.log.Error(ctx, "event construction failed", "type", string(typ), "error", err)
		return false
	}
	ev.TraceID = traceID
	ev.Lamport = e.lamport.Tick()
	ev.EmittedAt = e.now()
	if err := e.pub.Publish(ctx, ev); err != nil {
		e.log.Warn(ctx, "event publish failed",
			"type", string(typ), "execution_id", executionID, "error", err)
		return false
	}
	return true
}

// planToolNames lists the unique tool names a plan references, in step
// order.
func planToolNames(p *plan.Plan) []string {
	seen := make(map[string]bool, len(p.Steps))
	names := make([]string, 0, len(p.Steps))
	for i := range p.Steps {
		name := p.Steps[i].ToolName
		if seen[name] {
			continue
		}
		seen[name] = true
		names = append(names, name)
	}
	return names
}

// lowestPendingIndex is the smallest step number still outstanding; it
// seeds resume payloads. Returns the plan length when nothing is pending.
func lowestPendingIndex(es *state.ExecutionState) int {
	next := len(es.Plan.Steps)
	for i := range es.Plan.Steps {
		step := &es.Plan.Steps[i]
		st := es.StepState(step.ID)
		if st == nil || !st.Status.Terminal() {
			if step.StepNumber < next {
				next = step.StepNumber
			}
		}
	}
	return next
}
