package engine

import (
	"context"
	"fmt"

	"github.com/intentflow/intentflow/runtime/events"
	"github.com/intentflow/intentflow/runtime/fault"
	"github.com/intentflow/intentflow/runtime/state"
)

// failSaga runs the saga failure protocol: REFLECTING, compensation of
// committed work in reverse commit order, then FAILED with the appropriate
// top-level fault and terminal event. Persisted writes run detached from
// the caller's cancellation so a dying process cannot halt the unwind.
func (e *Engine) failSaga(ctx context.Context, es *state.ExecutionState, stepFault *fault.Fault, traceID string) (Result, error) {
	ctx = context.WithoutCancel(ctx)

	es, err := e.store.SaveExecutionStateOCC(ctx, es.ExecutionID, func(cur *state.ExecutionState) error {
		if cur.Status == state.StatusReflecting || cur.Status.Terminal() {
			return nil
		}
		return cur.Transition(state.StatusReflecting)
	})
	if err != nil {
		return Result{}, err
	}
	if es.Status.Terminal() {
		// Lost the race against another finalizer; report what it decided.
		return Result{
			ExecutionID:    es.ExecutionID,
			Success:        es.Status == state.StatusCompleted,
			Status:         es.Status,
			CompletedSteps: es.CompletedSteps(),
			Error:          es.Error,
		}, nil
	}

	report := e.compensate(ctx, es, traceID)

	topFault := stepFault
	finalEvent := events.SagaFailed
	if report.Attempted > 0 {
		if report.Failed == 0 {
			finalEvent = events.SagaCompensatedLegacy
		} else {
			topFault = fault.Wrap(fault.CompensationPartial,
				fmt.Sprintf("compensation incomplete: %d of %d undo action(s) failed",
					report.Failed, report.Attempted),
				stepFault)
		}
	}

	es, err = e.store.SaveExecutionStateOCC(ctx, es.ExecutionID, func(cur *state.ExecutionState) error {
		cur.Error = topFault
		if cur.Status == state.StatusFailed {
			return nil
		}
		return cur.Transition(state.StatusFailed)
	})
	if err != nil {
		return Result{}, err
	}
	e.syncTask(ctx, es, state.TaskFailed, topFault.Message)
	e.freezeCheckpoint(ctx, es, state.CheckpointFailed)
	e.publish(ctx, finalEvent, es.ExecutionID, map[string]any{
		"compensated": report.Compensated,
		"failed":      report.Failed,
		"error":       stepFault.Message,
		"code":        string(stepFault.Code),
	}, traceID)
	e.metrics.IncCounter("engine.sagas_failed", 1)
	e.log.Error(ctx, "saga failed",
		"execution_id", es.ExecutionID,
		"code", string(stepFault.Code),
		"error", stepFault.Message,
		"compensated", report.Compensated,
		"compensation_failures", report.Failed)

	var compReport *CompensationReport
	if report.Attempted > 0 || len(report.Outcomes) > 0 {
		r := report
		compReport = &r
	}
	return Result{
		ExecutionID:    es.ExecutionID,
		Success:        false,
		Status:         state.StatusFailed,
		CompletedSteps: es.CompletedSteps(),
		Error:          topFault,
		Compensation:   compReport,
	}, nil
}

// compensate walks registered undo actions in reverse commit order. Every
// call is claimed durably before it runs so a crashed coordinator never
// compensates the same step twice; failures are recorded and surfaced, the
// loop continues.
func (e *Engine) compensate(ctx context.Context, es *state.ExecutionState, traceID string) CompensationReport {
	var report CompensationReport

	outstanding := 0
	for i := range es.Compensations {
		reg := &es.Compensations[i]
		if !reg.Executed && stepIsCompleted(es, reg.StepID) {
			outstanding++
		}
	}
	if outstanding == 0 {
		return report
	}

	e.publish(ctx, events.SagaCompensationTriggered, es.ExecutionID, map[string]any{
		"registered": outstanding,
	}, traceID)
	e.log.Info(ctx, "compensation triggered",
		"execution_id", es.ExecutionID, "registered", outstanding)

	for i := len(es.Compensations) - 1; i >= 0; i-- {
		reg := es.Compensations[i]
		if reg.Executed || !stepIsCompleted(es, reg.StepID) {
			continue
		}

		// Claim before invoking: at-most-once even across coordinator
		// crashes. The second pass sees Executed and skips.
		already := false
		claimed, err := e.store.SaveExecutionStateOCC(ctx, es.ExecutionID, func(cur *state.ExecutionState) error {
			c := cur.Compensation(reg.StepID)
			if c == nil {
				already = true
				return nil
			}
			already = c.Executed
			c.Executed = true
			return nil
		})
		if err != nil {
			report.Attempted++
			report.Failed++
			report.Outcomes = append(report.Outcomes, CompensationOutcome{
				StepID:   reg.StepID,
				ToolName: reg.ToolName,
				Success:  false,
				Error:    err.Error(),
			})
			e.log.Error(ctx, "compensation claim failed",
				"execution_id", es.ExecutionID, "step_id", reg.StepID, "error", err)
			continue
		}
		es = claimed
		if already {
			continue
		}

		report.Attempted++
		started := e.now()
		callCtx, cancel := context.WithTimeout(ctx, e.budgets.CompensationTimeout)
		res, invErr := e.invoker.Execute(callCtx, reg.ToolName, reg.Parameters, e.budgets.CompensationTimeout)
		cancel()
		latency := e.now().Sub(started).Milliseconds()
		if res.LatencyMS > latency {
			latency = res.LatencyMS
		}

		success := invErr == nil && res.Success
		outcome := CompensationOutcome{
			StepID:    reg.StepID,
			ToolName:  reg.ToolName,
			Success:   success,
			LatencyMS: latency,
		}
		if success {
			report.Compensated++
		} else {
			report.Failed++
			if invErr != nil {
				outcome.Error = invErr.Error()
			} else {
				outcome.Error = res.Error
			}
			e.log.Error(ctx, "compensation failed",
				"execution_id", es.ExecutionID,
				"step_id", reg.StepID,
				"tool", reg.ToolName,
				"error", outcome.Error)
		}
		report.Outcomes = append(report.Outcomes, outcome)

		if updated, perr := e.store.SaveExecutionStateOCC(ctx, es.ExecutionID, func(cur *state.ExecutionState) error {
			if c := cur.Compensation(reg.StepID); c != nil {
				c.Result = &state.CompensationResult{
					Success:   success,
					Error:     outcome.Error,
					LatencyMS: latency,
				}
			}
			return nil
		}); perr == nil {
			es = updated
		} else {
			e.log.Warn(ctx, "compensation result persist failed",
				"execution_id", es.ExecutionID, "step_id", reg.StepID, "error", perr)
		}

		e.publish(ctx, events.SagaCompensationCompleted, es.ExecutionID, map[string]any{
			"step_id": reg.StepID,
			"tool":    reg.ToolName,
			"success": success,
		}, traceID)
		tag := "success"
		if !success {
			tag = "failure"
		}
		e.metrics.IncCounter("engine.compensations", 1, "outcome", tag)
	}
	return report
}

// stepIsCompleted reports whether the step committed, which is the only
// state worth undoing.
func stepIsCompleted(es *state.ExecutionState, stepID string) bool {
	st := es.StepState(stepID)
	return st != nil && st.Status == state.StepCompleted
}
