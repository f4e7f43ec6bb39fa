// Package recovery hunts zombie sagas: executions whose task envelope has
// not moved past a stuckness threshold while still non-terminal. Each zombie
// goes through an external repair analyzer; confident, auto-repairable
// diagnoses within the recovery-attempt budget produce a WORKFLOW_RESUME
// event, everything else escalates to SAGA_MANUAL_INTERVENTION_REQUIRED.
// An optional shadow dry-run simulates the remaining plan against the live
// tool registry and blocks auto-repair when it diverges.
package recovery

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"

	"github.com/intentflow/intentflow/runtime/checkpoint"
	"github.com/intentflow/intentflow/runtime/events"
	"github.com/intentflow/intentflow/runtime/fault"
	"github.com/intentflow/intentflow/runtime/state"
	"github.com/intentflow/intentflow/runtime/telemetry"
)

const (
	// DefaultPollInterval is the sweep cadence.
	DefaultPollInterval = time.Minute
	// DefaultStuckAfter is how long a non-terminal task may sit untouched
	// before it counts as a zombie.
	DefaultStuckAfter = 5 * time.Minute
	// DefaultMaxPerTick caps zombies handled in one sweep.
	DefaultMaxPerTick = 100
	// DefaultConfidenceFloor is the minimum analyzer confidence that
	// permits auto-repair.
	DefaultConfidenceFloor = 0.7
	// DefaultMaxRecoveryAttempts caps sweeper-initiated resumes per
	// execution; past it every diagnosis escalates.
	DefaultMaxRecoveryAttempts = 2
	// scanPageHint is the SCAN count hint used while enumerating tasks.
	scanPageHint = 100
)

type (
	// Diagnosis is the analyzer's verdict on one zombie.
	Diagnosis struct {
		// FailureType names the failure class the analyzer recognized.
		FailureType string `json:"failure_type"`

		// Confidence is the analyzer's certainty in [0,1].
		Confidence float64 `json:"confidence"`

		// SuggestedFix carries repair parameters for the resume payload.
		SuggestedFix map[string]any `json:"suggested_fix,omitempty"`

		// CanAutoRepair reports whether resuming with the fix is safe
		// without a human in the loop.
		CanAutoRepair bool `json:"can_auto_repair"`
	}

	// RepairAnalyzer diagnoses why an execution stopped making progress.
	// It is a black box; implementations typically wrap an LLM or a rule
	// table.
	RepairAnalyzer interface {
		Analyze(ctx context.Context, ts *state.TaskState) (Diagnosis, error)
	}

	// AnalyzerFunc adapts a function to the RepairAnalyzer interface.
	AnalyzerFunc func(ctx context.Context, ts *state.TaskState) (Diagnosis, error)

	// Options configures a Sweeper.
	Options struct {
		// Store reads task envelopes and claims recovery attempts.
		// Required.
		Store *checkpoint.Store

		// Publisher receives WORKFLOW_RESUME and
		// SAGA_MANUAL_INTERVENTION_REQUIRED events. Required.
		Publisher events.Publisher

		// Analyzer diagnoses zombies. Optional; without one every zombie
		// escalates to manual intervention.
		Analyzer RepairAnalyzer

		// Shadow dry-runs the remaining plan before an auto-repair.
		// Optional; nil skips the check.
		Shadow ShadowValidator

		// MaxShadowDivergence is the highest tolerated shadow divergence
		// fraction. The default of zero blocks auto-repair on any
		// divergence.
		MaxShadowDivergence float64

		// PollInterval is the sweep cadence. Zero uses
		// DefaultPollInterval.
		PollInterval time.Duration

		// StuckAfter is the zombie threshold. Zero uses DefaultStuckAfter.
		StuckAfter time.Duration

		// MaxPerTick caps zombies handled per sweep. Zero uses
		// DefaultMaxPerTick.
		MaxPerTick int

		// ConfidenceFloor gates auto-repair. Zero uses
		// DefaultConfidenceFloor.
		ConfidenceFloor float64

		// MaxRecoveryAttempts caps sweeper resumes per execution. Zero
		// uses DefaultMaxRecoveryAttempts.
		MaxRecoveryAttempts int

		// Lamport stamps published events. Optional; a fresh clock is
		// created when nil.
		Lamport *events.Clock

		// ServiceID names this sweeper in Lamport stamps. Defaults to
		// "intentflow-recovery".
		ServiceID string

		// Clock supplies timestamps. Optional, defaults to time.Now.
		Clock func() time.Time

		// Logger and Metrics receive diagnostics. Optional.
		Logger  telemetry.Logger
		Metrics telemetry.Metrics
	}

	// Sweeper is the recovery worker.
	Sweeper struct {
		store       *checkpoint.Store
		pub         events.Publisher
		analyzer    RepairAnalyzer
		shadow      ShadowValidator
		maxDiverge  float64
		poll        time.Duration
		stuckAfter  time.Duration
		maxPerTick  int
		confidence  float64
		maxAttempts int
		lamport     *events.Clock
		limiter     *rate.Limiter
		now         func() time.Time
		log         telemetry.Logger
		metrics     telemetry.Metrics
	}

	// TickReport summarizes one sweep.
	TickReport struct {
		// Scanned counts task envelopes examined.
		Scanned int
		// Zombies counts executions past the stuckness threshold.
		Zombies int
		// Resumed counts WORKFLOW_RESUME events published.
		Resumed int
		// Escalated counts manual-intervention events published.
		Escalated int
	}
)

// Analyze implements RepairAnalyzer.
func (f AnalyzerFunc) Analyze(ctx context.Context, ts *state.TaskState) (Diagnosis, error) {
	return f(ctx, ts)
}

// NewSweeper validates opts and constructs a Sweeper.
func NewSweeper(opts Options) (*Sweeper, error) {
	if opts.Store == nil {
		return nil, fault.New(fault.InfrastructureError, "recovery: checkpoint store is required")
	}
	if opts.Publisher == nil {
		return nil, fault.New(fault.InfrastructureError, "recovery: publisher is required")
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	stuck := opts.StuckAfter
	if stuck <= 0 {
		stuck = DefaultStuckAfter
	}
	perTick := opts.MaxPerTick
	if perTick <= 0 {
		perTick = DefaultMaxPerTick
	}
	confidence := opts.ConfidenceFloor
	if confidence <= 0 {
		confidence = DefaultConfidenceFloor
	}
	attempts := opts.MaxRecoveryAttempts
	if attempts <= 0 {
		attempts = DefaultMaxRecoveryAttempts
	}
	serviceID := opts.ServiceID
	if serviceID == "" {
		serviceID = "intentflow-recovery"
	}
	lamport := opts.Lamport
	if lamport == nil {
		lamport = events.NewClock(serviceID, 0)
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NoopMetrics{}
	}
	return &Sweeper{
		store:       opts.Store,
		pub:         opts.Publisher,
		analyzer:    opts.Analyzer,
		shadow:      opts.Shadow,
		maxDiverge:  opts.MaxShadowDivergence,
		poll:        poll,
		stuckAfter:  stuck,
		maxPerTick:  perTick,
		confidence:  confidence,
		maxAttempts: attempts,
		lamport:     lamport,
		limiter:     rate.NewLimiter(rate.Every(poll), 1),
		now:         now,
		log:         logger,
		metrics:     metrics,
	}, nil
}

// Run sweeps until ctx is cancelled. It returns nil on a clean shutdown.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()
	for {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil
		}
		if _, err := s.Tick(ctx); err != nil {
			s.log.Warn(ctx, "recovery sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Tick runs one sweep: enumerate task envelopes, pick out zombies, and
// dispatch each through the analyzer gate up to the per-tick cap.
func (s *Sweeper) Tick(ctx context.Context) (TickReport, error) {
	var report TickReport
	pattern := s.store.Keys().TaskPattern()
	var cursor uint64
	for {
		keys, next, err := s.store.KV().Scan(ctx, cursor, pattern, scanPageHint)
		if err != nil {
			return report, fault.Wrap(fault.MemoryOperationFailed, "recovery scan", err)
		}
		for _, key := range keys {
			if report.Zombies >= s.maxPerTick {
				return report, nil
			}
			executionID, ok := s.store.Keys().ExecutionIDFromTaskKey(key)
			if !ok {
				continue
			}
			ts, err := s.store.GetTaskState(ctx, executionID)
			if err != nil {
				if errors.Is(err, checkpoint.ErrNotFound) {
					continue
				}
				s.log.Warn(ctx, "recovery task load failed",
					"execution_id", executionID, "error", err)
				continue
			}
			report.Scanned++
			if !s.isZombie(ts) {
				continue
			}
			report.Zombies++
			if s.handleZombie(ctx, ts) {
				report.Resumed++
			} else {
				report.Escalated++
			}
		}
		if next == 0 {
			break
		}
		cursor = next
	}
	s.metrics.RecordGauge("recovery_zombies", float64(report.Zombies))
	return report, nil
}

// isZombie reports whether the task is non-terminal and has not moved
// within the stuckness threshold.
func (s *Sweeper) isZombie(ts *state.TaskState) bool {
	if ts.Status.Terminal() {
		return false
	}
	return s.now().Sub(ts.UpdatedAt) >= s.stuckAfter
}

// handleZombie runs one zombie through the analyzer gate and reports
// whether a resume was published.
func (s *Sweeper) handleZombie(ctx context.Context, ts *state.TaskState) bool {
	diag, err := s.diagnose(ctx, ts)
	if err != nil {
		s.escalate(ctx, ts, diag, "analysis failed: "+err.Error())
		return false
	}
	if !diag.CanAutoRepair {
		s.escalate(ctx, ts, diag, "not auto-repairable")
		return false
	}
	if diag.Confidence < s.confidence {
		s.escalate(ctx, ts, diag, "confidence below floor")
		return false
	}
	if ts.RecoveryAttempts >= s.maxAttempts {
		s.escalate(ctx, ts, diag, "recovery attempts exhausted")
		return false
	}
	if s.shadow != nil {
		rep, err := s.shadow.Validate(ctx, ts)
		if err != nil {
			s.escalate(ctx, ts, diag, "shadow validation failed: "+err.Error())
			return false
		}
		if rep.Divergence() > s.maxDiverge {
			s.escalate(ctx, ts, diag, rep.Reason())
			return false
		}
	}
	return s.resume(ctx, ts, diag)
}

// diagnose runs the analyzer; without one every zombie is undiagnosed.
func (s *Sweeper) diagnose(ctx context.Context, ts *state.TaskState) (Diagnosis, error) {
	if s.analyzer == nil {
		return Diagnosis{FailureType: "unknown"}, nil
	}
	return s.analyzer.Analyze(ctx, ts)
}

// resume claims a recovery attempt, then publishes WORKFLOW_RESUME. The
// attempt is claimed first so a crash between the two cannot fan out
// unbounded duplicate resumes; a resume lost that way escalates after the
// attempt budget drains.
func (s *Sweeper) resume(ctx context.Context, ts *state.TaskState, diag Diagnosis) bool {
	updated, err := s.store.UpdateTaskStateOCC(ctx, ts.ExecutionID, func(cur *state.TaskState) error {
		if cur.RecoveryAttempts >= s.maxAttempts {
			return fault.Newf(fault.StateTransitionInvalid,
				"recovery attempts exhausted for %s", cur.ExecutionID)
		}
		cur.RecoveryAttempts++
		return nil
	})
	if err != nil {
		s.escalate(ctx, ts, diag, "resume claim failed: "+err.Error())
		return false
	}
	s.publish(ctx, events.WorkflowResume, ts.ExecutionID, map[string]any{
		"failure_type":     diag.FailureType,
		"confidence":       diag.Confidence,
		"suggested_fix":    diag.SuggestedFix,
		"recovery_attempt": updated.RecoveryAttempts,
		"segment_number":   updated.SegmentNumber,
		"stuck_for":        s.now().Sub(ts.UpdatedAt).String(),
	})
	s.metrics.IncCounter("recovery_resumed_total", 1)
	s.log.Info(ctx, "zombie resume published",
		"execution_id", ts.ExecutionID,
		"failure_type", diag.FailureType,
		"attempt", updated.RecoveryAttempts)
	return true
}

// escalate publishes the manual-intervention event. A zombie that stays
// stuck re-escalates every sweep; consumers collapse by execution id.
func (s *Sweeper) escalate(ctx context.Context, ts *state.TaskState, diag Diagnosis, reason string) {
	s.publish(ctx, events.ManualInterventionRequired, ts.ExecutionID, map[string]any{
		"reason":            reason,
		"failure_type":      diag.FailureType,
		"confidence":        diag.Confidence,
		"recovery_attempts": ts.RecoveryAttempts,
		"status":            string(ts.Status),
		"stuck_for":         s.now().Sub(ts.UpdatedAt).String(),
	})
	s.metrics.IncCounter("recovery_escalated_total", 1)
	s.log.Warn(ctx, "zombie escalated",
		"execution_id", ts.ExecutionID, "reason", reason)
}

func (s *Sweeper) publish(ctx context.Context, typ events.Type, executionID string, payload map[string]any) {
	ev, err := events.New(typ, executionID, payload)
	if err != nil {
		s.log.Error(ctx, "recovery event construction failed", "type", string(typ), "error", err)
		return
	}
	ev.Lamport = s.lamport.Tick()
	ev.EmittedAt = s.now()
	if err := s.pub.Publish(ctx, ev); err != nil {
		s.log.Warn(ctx, "recovery event publish failed",
			"type", string(typ), "execution_id", executionID, "error", err)
	}
}
