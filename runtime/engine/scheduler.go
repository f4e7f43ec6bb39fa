package engine

import (
	"context"
	"errors"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/intentflow/intentflow/runtime/checkpoint"
	"github.com/intentflow/intentflow/runtime/events"
	"github.com/intentflow/intentflow/runtime/fault"
	"github.com/intentflow/intentflow/runtime/idempotency"
	"github.com/intentflow/intentflow/runtime/plan"
	"github.com/intentflow/intentflow/runtime/state"
)

// runSegment drives the scheduler loop for one time-bounded segment. Every
// iteration makes observable progress: a batch of steps reaches a terminal
// state, the execution pauses on a confirmation, a checkpoint suspends the
// segment, or the saga finishes.
func (e *Engine) runSegment(ctx context.Context, es *state.ExecutionState, gate *idempotency.Gate, startStepIndex, segment int, traceID string) (Result, error) {
	ctx, span := e.tracer.Start(ctx, "engine.segment")
	defer span.End()

	es, err := e.transitionExecuting(ctx, es, traceID)
	if err != nil {
		return Result{}, err
	}

	segmentStart := e.now()
	segCtx, cancelSeg := context.WithDeadline(ctx, segmentStart.Add(e.budgets.SegmentTimeout))
	defer cancelSeg()

	for {
		// Cooperative cancellation is observed between batches.
		ts, err := e.store.GetTaskState(ctx, es.ExecutionID)
		if err != nil {
			return Result{}, err
		}
		if ts.Status == state.TaskCancelled {
			return e.cancelSaga(ctx, es, "cancelled by request", traceID)
		}
		if ctx.Err() != nil {
			// Ambient shutdown: suspend rather than lose the segment.
			return e.checkpointAndSuspend(ctx, es, segment, traceID)
		}
		if e.now().Sub(segmentStart) >= e.budgets.CheckpointThreshold {
			return e.checkpointAndSuspend(ctx, es, segment, traceID)
		}

		runnable, awaiting := e.frontier(es, startStepIndex)
		if len(runnable) == 0 && len(awaiting) > 0 {
			return e.pauseForConfirmation(ctx, es, awaiting, traceID)
		}
		if len(runnable) == 0 {
			if es.AllStepsTerminal() {
				return e.completeSaga(ctx, es, segment, traceID)
			}
			pending := pendingStepCount(es)
			flt := fault.Newf(fault.StepExecutionFailed,
				"dependency deadlock: %d step(s) pending but none ready", pending).
				WithDetail("pending_steps", pending)
			return e.failSaga(ctx, es, flt, traceID)
		}

		batchStart := e.now()
		outcomes := e.runBatch(segCtx, es, gate, runnable, segmentStart)
		batchElapsed := e.now().Sub(batchStart)

		var landed, interrupted []stepOutcome
		for _, o := range outcomes {
			if o.interrupted {
				interrupted = append(interrupted, o)
			} else {
				landed = append(landed, o)
			}
		}

		persistCtx := ctx
		if len(interrupted) > 0 {
			persistCtx = context.WithoutCancel(ctx)
		}
		if len(landed) > 0 {
			es, err = e.mergeOutcomes(persistCtx, es.ExecutionID, landed, maxStepNumber(runnable)+1, batchElapsed)
			if err != nil {
				return Result{}, err
			}
			e.publishStepEvents(persistCtx, es.ExecutionID, landed, traceID)
			e.appendTraces(persistCtx, es.ExecutionID, landed)
		}
		if len(interrupted) > 0 {
			ts, terr := e.store.GetTaskState(persistCtx, es.ExecutionID)
			if terr == nil && ts.Status == state.TaskCancelled {
				for i := range interrupted {
					interrupted[i].status = state.StepFailed
				}
				es, err = e.mergeOutcomes(persistCtx, es.ExecutionID, interrupted, 0, 0)
				if err != nil {
					return Result{}, err
				}
				e.publishStepEvents(persistCtx, es.ExecutionID, interrupted, traceID)
				e.appendTraces(persistCtx, es.ExecutionID, interrupted)
				return e.cancelSaga(ctx, es, "cancelled during step execution", traceID)
			}
			// The process is shutting down: aborted steps stay pending and
			// the scheduled resume carries the work forward.
			return e.checkpointAndSuspend(ctx, es, segment, traceID)
		}

		if failed := firstFailure(landed); failed != nil {
			return e.failSaga(ctx, es, failed.flt, traceID)
		}
		if es.AllStepsTerminal() {
			return e.completeSaga(ctx, es, segment, traceID)
		}
	}
}

// frontier returns the ready steps in ascending step number, split into a
// runnable batch (capped at the parallel limit) and steps blocked on human
// confirmation. Ready means pending, dependencies satisfied, and positioned
// at or past the segment's start index. A skipped dependency satisfies its
// dependents: skip is an explicit instruction to proceed, and references
// into a skipped step simply resolve verbatim.
func (e *Engine) frontier(es *state.ExecutionState, startStepIndex int) (runnable, awaiting []*plan.Step) {
	var ready []*plan.Step
	for i := range es.Plan.Steps {
		step := &es.Plan.Steps[i]
		if step.StepNumber < startStepIndex {
			continue
		}
		st := es.StepState(step.ID)
		if st == nil || (st.Status != state.StepPending && st.Status != state.StepAwaitingConfirmation) {
			continue
		}
		depsDone := true
		for _, dep := range step.DependsOn {
			dst := es.StepState(dep)
			if dst == nil || (dst.Status != state.StepCompleted && dst.Status != state.StepSkipped) {
				depsDone = false
				break
			}
		}
		if !depsDone {
			continue
		}
		ready = append(ready, step)
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].StepNumber < ready[j].StepNumber })
	for _, step := range ready {
		if step.RequiresConfirmation && !es.StepState(step.ID).Confirmed {
			awaiting = append(awaiting, step)
			continue
		}
		if len(runnable) < e.budgets.MaxParallelSteps {
			runnable = append(runnable, step)
		}
	}
	return runnable, awaiting
}

// runBatch fans the batch out through an errgroup whose limit is the
// semaphore. Goroutines never return errors: per-step failures land in the
// outcome slice so one failure cannot cancel its siblings.
func (e *Engine) runBatch(ctx context.Context, es *state.ExecutionState, gate *idempotency.Gate, batch []*plan.Step, segmentStart time.Time) []stepOutcome {
	outputs := completedOutputs(es)
	outcomes := make([]stepOutcome, len(batch))
	var g errgroup.Group
	g.SetLimit(e.budgets.MaxParallelSteps)
	for i, step := range batch {
		g.Go(func() error {
			outcomes[i] = e.runStep(ctx, gate, step, outputs, segmentStart)
			return nil
		})
	}
	g.Wait() //nolint:errcheck // goroutines only ever return nil
	return outcomes
}

// mergeOutcomes lands a batch on the persisted state through one OCC write:
// step verdicts, compensation registrations, the cursor, and accumulated
// latency. Steps another executor already finished are left untouched.
func (e *Engine) mergeOutcomes(ctx context.Context, executionID string, outcomes []stepOutcome, cursorNext int, batchElapsed time.Duration) (*state.ExecutionState, error) {
	return e.store.SaveExecutionStateOCC(ctx, executionID, func(cur *state.ExecutionState) error {
		cur.EnsureStepStates(cur.Plan)
		for i := range outcomes {
			o := &outcomes[i]
			st := cur.StepState(o.step.ID)
			if st == nil || st.Status.Terminal() {
				continue
			}
			st.Input = o.input
			st.Attempts += o.attempts
			st.LatencyMS += o.latencyMS
			if st.StartedAt == nil && !o.startedAt.IsZero() {
				t := o.startedAt
				st.StartedAt = &t
			}
			done := e.now()
			switch o.status {
			case state.StepCompleted:
				st.Status = state.StepCompleted
				st.Output = o.output
				st.Error = nil
				st.CompletedAt = &done
				if reg, ok := e.compensationFor(o); ok {
					cur.RegisterCompensation(reg)
				}
			case state.StepSkipped:
				st.Status = state.StepSkipped
				st.Output = o.output
				st.CompletedAt = &done
			default:
				st.Status = o.status
				st.Error = o.flt
				st.CompletedAt = &done
			}
		}
		if cursorNext > cur.CurrentStepIndex {
			cur.CurrentStepIndex = cursorNext
		}
		cur.LatencyMS += batchElapsed.Milliseconds()
		return nil
	})
}

// compensationFor derives the undo registration for a completed step: the
// explicit sidecar from the tool result wins, then the descriptor's static
// rule.
func (e *Engine) compensationFor(o *stepOutcome) (state.CompensationRegistration, bool) {
	if o.comp != nil {
		return state.CompensationRegistration{
			StepID:     o.step.ID,
			ToolName:   o.comp.Tool,
			Parameters: o.comp.Params,
		}, true
	}
	spec, ok := e.registry.CompensationFor(o.step.ToolName)
	if !ok {
		return state.CompensationRegistration{}, false
	}
	params := map[string]any{}
	if spec.MapParams != nil {
		params = spec.MapParams(o.input, o.output)
	}
	return state.CompensationRegistration{
		StepID:     o.step.ID,
		ToolName:   spec.Tool,
		Parameters: params,
	}, true
}

// transitionExecuting moves the execution into EXECUTING when it is not
// already there, publishing the state change once.
func (e *Engine) transitionExecuting(ctx context.Context, es *state.ExecutionState, traceID string) (*state.ExecutionState, error) {
	if es.Status == state.StatusExecuting {
		return es, nil
	}
	es, err := e.store.SaveExecutionStateOCC(ctx, es.ExecutionID, func(cur *state.ExecutionState) error {
		if cur.Status == state.StatusExecuting {
			return nil
		}
		return cur.Transition(state.StatusExecuting)
	})
	if err != nil {
		return nil, err
	}
	e.publish(ctx, events.WorkflowStateChanged, es.ExecutionID, map[string]any{
		"status": string(state.StatusExecuting),
	}, traceID)
	return es, nil
}

// checkpointAndSuspend persists the resume snapshot, schedules the next
// segment, and reports the partial result. Scheduling failures are logged
// and tolerated: the recovery sweeper is the safety net for lost timers.
func (e *Engine) checkpointAndSuspend(ctx context.Context, es *state.ExecutionState, segment int, traceID string) (Result, error) {
	ctx = context.WithoutCancel(ctx)
	next := lowestPendingIndex(es)
	intentID := ""
	if es.Intent != nil {
		intentID = es.Intent.ID
	}

	cp := &state.Checkpoint{
		IntentID: intentID,
		Cursor:   next,
		Status:   state.CheckpointActive,
		Metadata: map[string]any{
			"execution_id": es.ExecutionID,
			"segment":      segment,
		},
		UpdatedAt: e.now(),
	}
	if err := e.store.SaveCheckpoint(ctx, intentID, cp); err != nil {
		e.log.Warn(ctx, "checkpoint snapshot save failed",
			"execution_id", es.ExecutionID, "error", err)
	}
	e.syncTask(ctx, es, "", "")

	payload := checkpoint.ResumePayload{
		IntentID:       intentID,
		PlanID:         es.Plan.ID,
		StartStepIndex: next,
		SegmentNumber:  segment + 1,
		TraceID:        traceID,
	}
	if err := e.store.ScheduleResume(ctx, es.ExecutionID, e.budgets.ResumeDelay, payload); err != nil {
		e.log.Error(ctx, "resume scheduling failed, relying on recovery sweep",
			"execution_id", es.ExecutionID, "error", err)
	}
	published := e.publish(ctx, events.ContinueExecution, es.ExecutionID, map[string]any{
		"next_step_index": next,
		"segment":         segment + 1,
	}, traceID)
	e.metrics.IncCounter("engine.segments_suspended", 1)
	e.log.Info(ctx, "segment suspended",
		"execution_id", es.ExecutionID,
		"segment", segment,
		"next_step_index", next,
		"completed_steps", es.CompletedSteps())

	return Result{
		ExecutionID:                es.ExecutionID,
		Success:                    false,
		Status:                     es.Status,
		CompletedSteps:             es.CompletedSteps(),
		IsPartial:                  true,
		CheckpointCreated:          true,
		NextStepIndex:              next,
		SegmentNumber:              segment,
		ContinuationEventPublished: published,
	}, nil
}

// pauseForConfirmation parks the execution until a human resolves the first
// blocking step. Confirm re-enters the scheduler.
func (e *Engine) pauseForConfirmation(ctx context.Context, es *state.ExecutionState, awaiting []*plan.Step, traceID string) (Result, error) {
	first := awaiting[0]
	es, err := e.store.SaveExecutionStateOCC(ctx, es.ExecutionID, func(cur *state.ExecutionState) error {
		for _, step := range awaiting {
			st := cur.StepState(step.ID)
			if st == nil || st.Status != state.StepPending {
				continue
			}
			st.Status = state.StepAwaitingConfirmation
		}
		if cur.Status == state.StatusExecuting {
			return cur.Transition(state.StatusAwaitingConfirmation)
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	e.syncTask(ctx, es, "", "")
	e.publish(ctx, events.WorkflowStateChanged, es.ExecutionID, map[string]any{
		"status":  string(state.StatusAwaitingConfirmation),
		"step_id": first.ID,
		"tool":    first.ToolName,
	}, traceID)
	e.log.Info(ctx, "execution paused for confirmation",
		"execution_id", es.ExecutionID, "step_id", first.ID, "tool", first.ToolName)

	return Result{
		ExecutionID:    es.ExecutionID,
		Success:        false,
		Status:         state.StatusAwaitingConfirmation,
		CompletedSteps: es.CompletedSteps(),
		IsPartial:      true,
		NextStepIndex:  first.StepNumber,
	}, nil
}

// completeSaga finalizes a fully terminal execution as COMPLETED.
func (e *Engine) completeSaga(ctx context.Context, es *state.ExecutionState, segment int, traceID string) (Result, error) {
	es, err := e.store.SaveExecutionStateOCC(ctx, es.ExecutionID, func(cur *state.ExecutionState) error {
		if cur.Status == state.StatusCompleted {
			return nil
		}
		return cur.Transition(state.StatusCompleted)
	})
	if err != nil {
		return Result{}, err
	}
	e.syncTask(ctx, es, state.TaskCompleted, "saga completed")
	e.freezeCheckpoint(ctx, es, state.CheckpointCompleted)
	e.publish(ctx, events.SagaCompleted, es.ExecutionID, map[string]any{
		"completed_steps": es.CompletedSteps(),
	}, traceID)
	e.metrics.IncCounter("engine.sagas_completed", 1)
	e.log.Info(ctx, "saga completed",
		"execution_id", es.ExecutionID, "completed_steps", es.CompletedSteps())

	return Result{
		ExecutionID:    es.ExecutionID,
		Success:        true,
		Status:         state.StatusCompleted,
		CompletedSteps: es.CompletedSteps(),
		SegmentNumber:  segment,
	}, nil
}

// cancelSaga finalizes the execution as CANCELLED. Committed steps are left
// alone: cancellation stops scheduling, it does not undo work.
func (e *Engine) cancelSaga(ctx context.Context, es *state.ExecutionState, reason, traceID string) (Result, error) {
	ctx = context.WithoutCancel(ctx)
	es, err := e.store.SaveExecutionStateOCC(ctx, es.ExecutionID, func(cur *state.ExecutionState) error {
		if cur.Status.Terminal() {
			return nil
		}
		cur.Error = fault.New(fault.Cancelled, reason)
		return cur.Transition(state.StatusCancelled)
	})
	if err != nil {
		return Result{}, err
	}
	e.syncTask(ctx, es, state.TaskCancelled, reason)
	e.publish(ctx, events.WorkflowStateChanged, es.ExecutionID, map[string]any{
		"status": string(state.StatusCancelled),
		"reason": reason,
	}, traceID)
	e.metrics.IncCounter("engine.sagas_cancelled", 1)
	e.log.Info(ctx, "saga cancelled", "execution_id", es.ExecutionID, "reason", reason)

	return Result{
		ExecutionID:    es.ExecutionID,
		Success:        false,
		Status:         es.Status,
		CompletedSteps: es.CompletedSteps(),
		Error:          es.Error,
	}, nil
}

// syncTask mirrors the latest execution state into the TaskState envelope
// and optionally advances its status. Sync failures are logged, not fatal:
// the execution record remains the source of truth.
func (e *Engine) syncTask(ctx context.Context, es *state.ExecutionState, to state.TaskStatus, reason string) {
	if _, err := e.store.UpdateTaskStateOCC(ctx, es.ExecutionID, func(cur *state.TaskState) error {
		cur.CurrentStepIndex = es.CurrentStepIndex
		cur.Context.ExecutionState = es
		if to != "" && cur.Status != to {
			if err := cur.Transition(to, reason, e.now()); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		e.log.Warn(ctx, "task state sync failed",
			"execution_id", es.ExecutionID, "error", err)
	}
}

// freezeCheckpoint marks the intent's checkpoint terminal. Best effort.
func (e *Engine) freezeCheckpoint(ctx context.Context, es *state.ExecutionState, status state.CheckpointStatus) {
	if es.Intent == nil {
		return
	}
	cp, err := e.store.LoadCheckpoint(ctx, es.Intent.ID)
	if err != nil {
		if !errors.Is(err, checkpoint.ErrNotFound) {
			e.log.Warn(ctx, "checkpoint load failed",
				"intent_id", es.Intent.ID, "error", err)
			return
		}
		cp = &state.Checkpoint{IntentID: es.Intent.ID}
	}
	cp.Status = status
	cp.Cursor = es.CurrentStepIndex
	cp.UpdatedAt = e.now()
	if err := e.store.SaveCheckpoint(ctx, es.Intent.ID, cp); err != nil {
		e.log.Warn(ctx, "checkpoint freeze failed",
			"intent_id", es.Intent.ID, "error", err)
	}
}

// publishStepEvents reports batch outcomes on the event stream and records
// alias usage.
func (e *Engine) publishStepEvents(ctx context.Context, executionID string, outcomes []stepOutcome, traceID string) {
	for i := range outcomes {
		o := &outcomes[i]
		for _, rec := range o.aliases {
			e.log.Info(ctx, "alias parameter mapped",
				"tool", rec.Tool, "alias", rec.Alias, "primary", rec.Primary)
			e.metrics.IncCounter("engine.alias_usage", 1, "tool", rec.Tool, "alias", rec.Alias)
		}
		switch o.status {
		case state.StepCompleted, state.StepSkipped:
			payload := map[string]any{
				"step_id":    o.step.ID,
				"tool_name":  o.step.ToolName,
				"status":     string(o.status),
				"latency_ms": o.latencyMS,
			}
			if o.duplicate {
				payload["deduplicated"] = true
			}
			e.publish(ctx, events.SagaStepCompleted, executionID, payload, traceID)
			e.metrics.IncCounter("engine.steps_completed", 1, "tool", o.step.ToolName)
		default:
			e.publish(ctx, events.SagaStepFailed, executionID, map[string]any{
				"step_id":   o.step.ID,
				"tool_name": o.step.ToolName,
				"error":     o.flt.Message,
				"code":      string(o.flt.Code),
			}, traceID)
			e.metrics.IncCounter("engine.steps_failed", 1, "tool", o.step.ToolName)
		}
	}
}

// appendTraces records batch outcomes on the per-execution tool timeline.
func (e *Engine) appendTraces(ctx context.Context, executionID string, outcomes []stepOutcome) {
	for i := range outcomes {
		o := &outcomes[i]
		entry := state.TraceEntry{
			StepID:    o.step.ID,
			ToolName:  o.step.ToolName,
			Status:    string(o.status),
			LatencyMS: o.latencyMS,
			Timestamp: e.now(),
		}
		if o.flt != nil {
			entry.Error = o.flt.Message
		}
		if err := e.store.AppendTrace(ctx, executionID, entry); err != nil {
			e.log.Warn(ctx, "trace append failed",
				"execution_id", executionID, "error", err)
		}
	}
}

// firstFailure picks the failed outcome with the lowest step number, the
// one the coordinator reports as the saga's cause.
func firstFailure(outcomes []stepOutcome) *stepOutcome {
	var failed *stepOutcome
	for i := range outcomes {
		o := &outcomes[i]
		if o.status != state.StepFailed && o.status != state.StepTimeout {
			continue
		}
		if failed == nil || o.step.StepNumber < failed.step.StepNumber {
			failed = o
		}
	}
	return failed
}

// pendingStepCount counts steps that have not reached a terminal status.
func pendingStepCount(es *state.ExecutionState) int {
	n := 0
	for i := range es.Steps {
		if !es.Steps[i].Status.Terminal() {
			n++
		}
	}
	return n
}

// maxStepNumber is the highest step number in the batch; the cursor lands
// one past it.
func maxStepNumber(batch []*plan.Step) int {
	max := 0
	for _, s := range batch {
		if s.StepNumber > max {
			max = s.StepNumber
		}
	}
	return max
}
