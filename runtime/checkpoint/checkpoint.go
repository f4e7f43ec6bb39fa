// Package checkpoint is the typed persistence layer for execution state,
// task envelopes, traces and resume snapshots, built on the kv store.
//
// Writes of shared documents go through optimistic concurrency control: the
// stored JSON embeds a `_version` token, swaps are compare-and-swap on that
// token, and losers rebase by reloading, reapplying their update and retrying
// with exponential backoff. Blind overwrites are not offered by this API.
//
// Every serialized read and write of ExecutionState, TaskState and trace
// entries is validated against embedded JSON Schemas; violations surface as
// MEMORY_OPERATION_FAILED before corrupt bytes propagate.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/intentflow/intentflow/runtime/kv"
	"github.com/intentflow/intentflow/runtime/telemetry"
)

// OCC rebase defaults.
const (
	// DefaultMaxRebases bounds how many times a losing writer reloads and
	// reapplies its update before giving up.
	DefaultMaxRebases = 3
	// DefaultRebaseBackoffBase is the first-retry backoff.
	DefaultRebaseBackoffBase = 100 * time.Millisecond
	// DefaultRebaseBackoffMax caps the exponential backoff.
	DefaultRebaseBackoffMax = time.Second
	// DefaultJitterFraction spreads retries by ±30%.
	DefaultJitterFraction = 0.3
)

// MaxTTL caps every document lifetime. Policies above the cap are clamped.
const MaxTTL = 7 * 24 * time.Hour

// Sentinel errors. They are wrapped in MEMORY_OPERATION_FAILED faults;
// callers test with errors.Is.
var (
	// ErrNotFound reports a missing document.
	ErrNotFound = errors.New("document not found")
	// ErrVersionConflict reports a CAS loss that exhausted its rebases.
	ErrVersionConflict = errors.New("version conflict")
	// ErrCheckpointFrozen reports a write to a terminal checkpoint.
	ErrCheckpointFrozen = errors.New("checkpoint is frozen")
)

type (
	// TTLPolicy assigns lifetimes per document class. Zero fields take the
	// defaults; all values are clamped to MaxTTL. SystemConfig documents
	// never expire and have no policy entry.
	TTLPolicy struct {
		ExecutionState time.Duration
		Task           time.Duration
		Trace          time.Duration
		Checkpoint     time.Duration
		IntentHistory  time.Duration
		PlanCache      time.Duration
		ToolResult     time.Duration
		UserContext    time.Duration
	}

	// ResumePayload is the continuation record carried by a scheduled
	// resume: everything the next segment needs to re-enter the scheduler.
	ResumePayload struct {
		IntentID       string `json:"intent_id"`
		PlanID         string `json:"plan_id"`
		StartStepIndex int    `json:"start_step_index"`
		SegmentNumber  int    `json:"segment_number"`
		TraceID        string `json:"trace_id,omitempty"`
	}

	// ResumeScheduler delivers a resume after a delay. Delivery is
	// at-least-once; duplicates are suppressed downstream by the
	// idempotency gate.
	ResumeScheduler interface {
		ScheduleResume(ctx context.Context, executionID string, delay time.Duration, payload ResumePayload) error
	}

	// Options configures the Store.
	Options struct {
		// Store is the backing kv store. Required.
		Store kv.Store
		// Keys builds the document keyspace.
		Keys kv.Keys
		// Scheduler delivers segment resumes. Optional; ScheduleResume
		// fails when unset.
		Scheduler ResumeScheduler
		// Logger receives rebase and degrade diagnostics. Optional.
		Logger telemetry.Logger
		// Clock supplies timestamps. Optional, defaults to time.Now.
		Clock func() time.Time
		// MaxRebases bounds OCC retry. Zero uses DefaultMaxRebases.
		MaxRebases int
		// RebaseBackoffBase is the initial conflict backoff. Zero uses
		// DefaultRebaseBackoffBase.
		RebaseBackoffBase time.Duration
		// RebaseBackoffMax caps the conflict backoff. Zero uses
		// DefaultRebaseBackoffMax.
		RebaseBackoffMax time.Duration
		// JitterFraction spreads backoff by ±fraction. Zero uses
		// DefaultJitterFraction; negative disables jitter.
		JitterFraction float64
		// TTL overrides document lifetimes.
		TTL TTLPolicy
		// Rand supplies jitter randomness in [0,1). Tests inject a
		// deterministic source; nil uses math/rand.
		Rand func() float64
	}

	// Store is the typed checkpoint store.
	Store struct {
		kv        kv.Store
		keys      kv.Keys
		scheduler ResumeScheduler
		log       telemetry.Logger
		now       func() time.Time
		val       *validator

		maxRebases  int
		backoffBase time.Duration
		backoffMax  time.Duration
		jitter      float64
		randFloat   func() float64

		ttl TTLPolicy
	}
)

// New constructs a Store and compiles the document schemas.
func New(opts Options) (*Store, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("checkpoint: kv store is required")
	}
	val, err := newValidator()
	if err != nil {
		return nil, fmt.Errorf("checkpoint: %w", err)
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	maxRebases := opts.MaxRebases
	if maxRebases <= 0 {
		maxRebases = DefaultMaxRebases
	}
	base := opts.RebaseBackoffBase
	if base <= 0 {
		base = DefaultRebaseBackoffBase
	}
	maxBackoff := opts.RebaseBackoffMax
	if maxBackoff <= 0 {
		maxBackoff = DefaultRebaseBackoffMax
	}
	jitter := opts.JitterFraction
	if jitter == 0 {
		jitter = DefaultJitterFraction
	}
	if jitter < 0 {
		jitter = 0
	}
	randFloat := opts.Rand
	if randFloat == nil {
		randFloat = rand.Float64
	}
	return &Store{
		kv:          opts.Store,
		keys:        opts.Keys,
		scheduler:   opts.Scheduler,
		log:         logger,
		now:         now,
		val:         val,
		maxRebases:  maxRebases,
		backoffBase: base,
		backoffMax:  maxBackoff,
		jitter:      jitter,
		randFloat:   randFloat,
		ttl:         opts.TTL.Normalized(),
	}, nil
}

// Keys exposes the store's key builder so collaborating components address
// the same keyspace.
func (s *Store) Keys() kv.Keys { return s.keys }

// KV exposes the backing key-value store for collaborators that share the
// keyspace, such as the idempotency gate and the recovery sweeper.
func (s *Store) KV() kv.Store { return s.kv }

// Normalized fills defaults and clamps every lifetime to MaxTTL.
func (p TTLPolicy) Normalized() TTLPolicy {
	def := func(v, d time.Duration) time.Duration {
		if v <= 0 {
			v = d
		}
		if v > MaxTTL {
			v = MaxTTL
		}
		return v
	}
	return TTLPolicy{
		ExecutionState: def(p.ExecutionState, 24*time.Hour),
		Task:           def(p.Task, 24*time.Hour),
		Trace:          def(p.Trace, 24*time.Hour),
		Checkpoint:     def(p.Checkpoint, 24*time.Hour),
		IntentHistory:  def(p.IntentHistory, 72*time.Hour),
		PlanCache:      def(p.PlanCache, time.Hour),
		ToolResult:     def(p.ToolResult, 30*time.Minute),
		UserContext:    def(p.UserContext, 7*24*time.Hour),
	}
}

// For returns the lifetime for a document class. Zero means no expiry.
func (p TTLPolicy) For(t kv.KeyType) time.Duration {
	switch t {
	case kv.KeyExecutionState:
		return p.ExecutionState
	case kv.KeyTask:
		return p.Task
	case kv.KeyExecutionTrace:
		return p.Trace
	case kv.KeyCheckpoint:
		return p.Checkpoint
	case kv.KeyIntentHistory:
		return p.IntentHistory
	case kv.KeyPlanCache:
		return p.PlanCache
	case kv.KeyToolResult:
		return p.ToolResult
	case kv.KeyUserContext:
		return p.UserContext
	default:
		return 0
	}
}

// backoff computes the jittered exponential delay for a rebase attempt
// (0-based).
func (s *Store) backoff(attempt int) time.Duration {
	d := s.backoffBase << attempt
	if d > s.backoffMax || d <= 0 {
		d = s.backoffMax
	}
	if s.jitter > 0 {
		spread := 1 - s.jitter + 2*s.jitter*s.randFloat()
		d = time.Duration(float64(d) * spread)
	}
	return d
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
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

// ScheduleResume hands a continuation to the resume scheduler.
func (s *Store) ScheduleResume(ctx context.Context, executionID string, delay time.Duration, payload ResumePayload) error {
	if s.scheduler == nil {
		return fmt.Errorf("checkpoint: no resume scheduler configured")
	}
	if err := s.scheduler.ScheduleResume(ctx, executionID, delay, payload); err != nil {
		return fmt.Errorf("schedule resume for %s: %w", executionID, err)
	}
	s.log.Debug(ctx, "resume scheduled",
		"execution_id", executionID,
		"delay_ms", delay.Milliseconds(),
		"start_step_index", payload.StartStepIndex,
		"segment", payload.SegmentNumber)
	return nil
}
