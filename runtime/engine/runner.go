package engine

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/intentflow/intentflow/runtime/fault"
	"github.com/intentflow/intentflow/runtime/idempotency"
	"github.com/intentflow/intentflow/runtime/plan"
	"github.com/intentflow/intentflow/runtime/state"
	"github.com/intentflow/intentflow/runtime/tools"
)

// Retry backoff bounds used when a step's retry policy declares none.
const (
	retryBaseBackoff = 100 * time.Millisecond
	retryMaxBackoff  = 2 * time.Second
)

type (
	// CorrectionAction is the oracle's verdict for a failed step.
	CorrectionAction string

	// Correction carries the oracle's instruction.
	Correction struct {
		Action CorrectionAction
		// Parameters replaces the step parameters for CorrectionRetry. Nil
		// retries with the original parameters.
		Parameters map[string]any
		// Reason documents the verdict for operators and skip markers.
		Reason string
	}

	// CorrectionRequest describes the failure presented to the oracle.
	CorrectionRequest struct {
		StepID     string
		ToolName   string
		Parameters map[string]any
		HTTPStatus int
		Failure    *fault.Fault
		Attempts   int
	}

	// CorrectionOracle is an optional repair seam consulted once per step
	// after an HTTP-classified (4xx/5xx) failure. A retry verdict earns one
	// synchronous re-invocation within the same segment budget; skip records
	// the step skipped; anything else accepts the failure.
	CorrectionOracle interface {
		Correct(ctx context.Context, req CorrectionRequest) (Correction, error)
	}
)

const (
	// CorrectionRetry retries once, optionally with corrected parameters.
	CorrectionRetry CorrectionAction = "retry"
	// CorrectionSkip records the step skipped and lets the saga proceed.
	CorrectionSkip CorrectionAction = "skip"
	// CorrectionFail accepts the failure as-is.
	CorrectionFail CorrectionAction = "fail"
)

// stepOutcome is the runner's verdict for one step position, merged into
// the persisted state by the scheduler.
type stepOutcome struct {
	step      *plan.Step
	status    state.StepStatus
	input     map[string]any
	output    map[string]any
	flt       *fault.Fault
	comp      *tools.CompensationRequest
	attempts  int
	latencyMS int64
	aliases   []tools.AliasUsageRecord
	duplicate bool
	// interrupted marks a step aborted by ambient cancellation; its fate
	// belongs to the next segment, not this verdict.
	interrupted bool
	startedAt   time.Time
}

// runStep executes one step position: reference resolution happened in the
// scheduler, so the runner owns aliasing, validation, the idempotency
// claim, the bounded retry loop, and the oracle fallback.
func (e *Engine) runStep(ctx context.Context, gate *idempotency.Gate, step *plan.Step, outputs map[string]any, segmentStart time.Time) stepOutcome {
	out := stepOutcome{step: step, startedAt: e.now()}

	resolved := resolveParams(step.Parameters, outputs)
	out.input = resolved

	desc, ok := e.registry.Lookup(step.ToolName)
	if !ok {
		out.status = state.StepFailed
		out.flt = fault.Newf(fault.ToolNotFound, "tool %q is not registered", step.ToolName).
			WithDetail("step_id", step.ID)
		return out
	}
	prepared, aliases := tools.ApplyAliases(desc, resolved, e.now())
	out.input = prepared
	out.aliases = aliases

	if err := e.registry.ValidateParams(step.ToolName, prepared); err != nil {
		out.status = state.StepFailed
		out.flt = fault.FromError(err).WithDetail("step_id", step.ID)
		return out
	}

	fingerprint, first, err := gate.ClaimInvocation(ctx, step.ToolName, prepared)
	if err != nil {
		out.status = state.StepFailed
		out.flt = fault.Wrap(fault.MemoryOperationFailed, "idempotency claim failed", err).
			WithDetail("step_id", step.ID)
		return out
	}
	if !first {
		// Someone already owns this invocation: reuse its cached result or
		// record an explicit skip marker, never re-invoke.
		out.duplicate = true
		if cached, found, lerr := e.store.LoadToolResult(ctx, fingerprint); lerr == nil && found {
			out.status = state.StepCompleted
			out.output = cached.Output
			out.comp = cached.Compensation
			return out
		}
		out.status = state.StepSkipped
		out.output = idempotency.SkippedOutput(fingerprint)
		return out
	}

	maxAttempts := step.MaxAttempts()
	var lastFault *fault.Fault
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 && ctx.Err() != nil {
			break
		}
		remaining := e.budgets.SegmentTimeout - e.now().Sub(segmentStart)
		if remaining <= 0 {
			lastFault = fault.New(fault.StepTimeout,
				"segment time budget exhausted before invocation").
				WithDetail("step_id", step.ID)
			break
		}
		timeout := stepTimeout(step)
		if remaining < timeout {
			timeout = remaining
		}

		attemptStart := e.now()
		res, invErr := e.invokeOnce(ctx, step.ToolName, prepared, timeout)
		out.attempts++
		out.latencyMS += e.now().Sub(attemptStart).Milliseconds()

		if invErr == nil && res.Success {
			out.status = state.StepCompleted
			out.output = res.Output
			out.comp = res.Compensation
			e.cacheToolResult(ctx, fingerprint, res)
			return out
		}

		flt, interrupted := e.classifyAttempt(invErr, res, e.now().Sub(segmentStart))
		if interrupted {
			out.interrupted = true
			out.flt = flt
			return out
		}
		lastFault = flt.WithDetail("step_id", step.ID).WithDetail("attempt", attempt)
		if !fault.IsRetryable(lastFault) || attempt == maxAttempts {
			break
		}
		if err := e.backoff(ctx, step, attempt); err != nil {
			break
		}
	}

	if corr, ok := e.consultOracle(ctx, step, prepared, lastFault, out.attempts); ok {
		if e.applyCorrection(ctx, &out, step, corr, segmentStart, fingerprint) {
			return out
		}
	}

	out.status = statusForFault(lastFault)
	out.flt = lastFault
	return out
}

// invokeOnce performs one transport call bounded by both the effective
// timeout and the surrounding segment deadline.
func (e *Engine) invokeOnce(ctx context.Context, name string, params map[string]any, timeout time.Duration) (tools.Result, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return e.invoker.Execute(callCtx, name, params, timeout)
}

// cacheToolResult stores the successful result under the invocation
// fingerprint so duplicate claims can replay it. Best effort.
func (e *Engine) cacheToolResult(ctx context.Context, fingerprint string, res tools.Result) {
	if err := e.store.SaveToolResult(ctx, fingerprint, res); err != nil {
		e.log.Warn(ctx, "tool result cache failed", "fingerprint", fingerprint, "error", err)
	}
}

// classifyAttempt maps one failed invocation onto the fault taxonomy. The
// second return marks ambient cancellation: the step received no verdict
// and the segment must suspend.
func (e *Engine) classifyAttempt(invErr error, res tools.Result, elapsed time.Duration) (*fault.Fault, bool) {
	if invErr != nil {
		switch {
		case errors.Is(invErr, context.Canceled):
			return fault.Wrap(fault.Cancelled, "step aborted: execution interrupted", invErr), true
		case errors.Is(invErr, context.DeadlineExceeded) || strings.Contains(invErr.Error(), "AbortError"):
			return fault.Wrap(fault.StepTimeout, "step aborted: time budget exhausted", invErr), false
		default:
			return fault.Wrap(fault.ToolExecutionFailed, "", invErr), false
		}
	}
	if strings.Contains(res.Error, "AbortError") {
		return fault.New(fault.StepTimeout, res.Error), false
	}
	if elapsed >= e.budgets.CheckpointThreshold {
		return fault.Newf(fault.StepTimeout, "step failed after segment budget elapsed: %s", res.Error), false
	}
	return fault.ClassifyToolError(res.Error), false
}

// backoff waits before the next retry attempt, honoring cancellation. The
// step's declared backoff wins; otherwise exponential from the base.
func (e *Engine) backoff(ctx context.Context, step *plan.Step, attempt int) error {
	var d time.Duration
	if step.Retry != nil && step.Retry.BackoffMS > 0 {
		d = time.Duration(step.Retry.BackoffMS) * time.Millisecond
	} else {
		d = retryBaseBackoff << (attempt - 1)
		if d > retryMaxBackoff {
			d = retryMaxBackoff
		}
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// consultOracle asks the correction oracle about an HTTP-classified
// failure. It reports whether a usable instruction came back.
func (e *Engine) consultOracle(ctx context.Context, step *plan.Step, params map[string]any, flt *fault.Fault, attempts int) (Correction, bool) {
	if e.oracle == nil || flt == nil {
		return Correction{}, false
	}
	status, ok := flt.Details["http_status"].(int)
	if !ok || status < 400 {
		return Correction{}, false
	}
	corr, err := e.oracle.Correct(ctx, CorrectionRequest{
		StepID:     step.ID,
		ToolName:   step.ToolName,
		Parameters: params,
		HTTPStatus: status,
		Failure:    flt,
		Attempts:   attempts,
	})
	if err != nil {
		e.log.Warn(ctx, "correction oracle failed", "step_id", step.ID, "error", err)
		return Correction{}, false
	}
	return corr, corr.Action == CorrectionRetry || corr.Action == CorrectionSkip
}

// applyCorrection executes the oracle's instruction and reports whether the
// outcome was finalized; false falls back to the original failure.
func (e *Engine) applyCorrection(ctx context.Context, out *stepOutcome, step *plan.Step, corr Correction, segmentStart time.Time, fingerprint string) bool {
	switch corr.Action {
	case CorrectionSkip:
		out.status = state.StepSkipped
		out.output = map[string]any{"skipped": true, "reason": corr.Reason}
		out.flt = nil
		e.log.Info(ctx, "step skipped by correction oracle",
			"step_id", step.ID, "reason", corr.Reason)
		return true
	case CorrectionRetry:
		params := corr.Parameters
		if params == nil {
			params = out.input
		}
		if err := e.registry.ValidateParams(step.ToolName, params); err != nil {
			e.log.Warn(ctx, "corrected parameters rejected", "step_id", step.ID, "error", err)
			return false
		}
		out.input = params
		attemptStart := e.now()
		res, invErr := e.invokeOnce(ctx, step.ToolName, params, stepTimeout(step))
		out.attempts++
		out.latencyMS += e.now().Sub(attemptStart).Milliseconds()
		if invErr == nil && res.Success {
			out.status = state.StepCompleted
			out.output = res.Output
			out.comp = res.Compensation
			e.cacheToolResult(ctx, fingerprint, res)
			e.log.Info(ctx, "step recovered by correction oracle", "step_id", step.ID)
			return true
		}
		flt, interrupted := e.classifyAttempt(invErr, res, e.now().Sub(segmentStart))
		if interrupted {
			out.interrupted = true
			out.flt = flt
			return true
		}
		out.status = statusForFault(flt)
		out.flt = flt.WithDetail("step_id", step.ID).WithDetail("corrected", true)
		return true
	default:
		return false
	}
}

// statusForFault maps a terminal fault onto the step status taxonomy.
func statusForFault(flt *fault.Fault) state.StepStatus {
	if flt != nil && flt.Code == fault.StepTimeout {
		return state.StepTimeout
	}
	return state.StepFailed
}

// stepTimeout is the step's declared invocation budget.
func stepTimeout(step *plan.Step) time.Duration {
	ms := step.TimeoutMS
	if ms <= 0 {
		ms = plan.DefaultStepTimeoutMS
	}
	return time.Duration(ms) * time.Millisecond
}
