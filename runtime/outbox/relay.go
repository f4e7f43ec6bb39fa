package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"golang.org/x/time/rate"

	"github.com/intentflow/intentflow/runtime/checkpoint"
	"github.com/intentflow/intentflow/runtime/events"
	"github.com/intentflow/intentflow/runtime/fault"
	"github.com/intentflow/intentflow/runtime/telemetry"
)

const (
	// DefaultPollInterval is the relay's baseline drain cadence. Notify
	// hooks can tick ahead of it; polling remains the correctness floor.
	DefaultPollInterval = time.Second
	// DefaultBatchSize caps records claimed per tick.
	DefaultBatchSize = 10
	// DefaultMaxAttempts caps deliveries of one record before it is
	// marked failed.
	DefaultMaxAttempts = 3
	// DefaultCacheTTL bounds the projected execution cache entry.
	DefaultCacheTTL = time.Hour
)

type (
	// RelayOptions configures a Relay.
	RelayOptions struct {
		// Log is the outbox to drain. Required.
		Log Log

		// Publisher is the downstream realtime seam. Required.
		Publisher events.Publisher

		// Store projects the latest execution state into the read cache on
		// every delivery. Optional; nil skips projection.
		Store *checkpoint.Store

		// PollInterval is the baseline drain cadence. Zero uses
		// DefaultPollInterval.
		PollInterval time.Duration

		// BatchSize caps records claimed per tick. Zero uses
		// DefaultBatchSize.
		BatchSize int

		// MaxAttempts caps deliveries per record. Zero uses
		// DefaultMaxAttempts.
		MaxAttempts int

		// CacheTTL bounds projected cache entries. Zero uses
		// DefaultCacheTTL.
		CacheTTL time.Duration

		// Clock supplies timestamps. Optional, defaults to time.Now.
		Clock func() time.Time

		// Logger and Metrics receive diagnostics. Optional.
		Logger  telemetry.Logger
		Metrics telemetry.Metrics
	}

	// Relay drains the outbox log: claim a pending record, project the
	// owning execution's latest state into the cache key, publish the
	// event, retire the record. Transient failures requeue the record and
	// park the rest of that execution's records until the next tick so
	// per-execution FIFO holds.
	Relay struct {
		log      Log
		pub      events.Publisher
		store    *checkpoint.Store
		poll     time.Duration
		batch    int
		maxTries int
		cacheTTL time.Duration
		limiter  *rate.Limiter
		notifyCh chan struct{}
		now      func() time.Time
		diag     telemetry.Logger
		metrics  telemetry.Metrics
	}

	// cacheEntry is the read-model document projected for API consumers.
	// It is a summary, not the authoritative state.
	cacheEntry struct {
		ExecutionID      string         `json:"execution_id"`
		Status           string         `json:"status"`
		CurrentStepIndex int            `json:"current_step_index"`
		TotalSteps       int            `json:"total_steps"`
		CompletedSteps   int            `json:"completed_steps"`
		LastEventID      string         `json:"last_event_id"`
		LastEventType    string         `json:"last_event_type"`
		Lamport          events.Stamp   `json:"lamport"`
		Error            map[string]any `json:"error,omitempty"`
		UpdatedAt        time.Time      `json:"updated_at"`
	}
)

// NewRelay validates opts and constructs a Relay.
func NewRelay(opts RelayOptions) (*Relay, error) {
	if opts.Log == nil {
		return nil, fault.New(fault.InfrastructureError, "outbox: log is required")
	}
	if opts.Publisher == nil {
		return nil, fault.New(fault.InfrastructureError, "outbox: publisher is required")
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	batch := opts.BatchSize
	if batch <= 0 {
		batch = DefaultBatchSize
	}
	tries := opts.MaxAttempts
	if tries <= 0 {
		tries = DefaultMaxAttempts
	}
	cacheTTL := opts.CacheTTL
	if cacheTTL <= 0 {
		cacheTTL = DefaultCacheTTL
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	diag := opts.Logger
	if diag == nil {
		diag = telemetry.NoopLogger{}
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NoopMetrics{}
	}
	return &Relay{
		log:      opts.Log,
		pub:      opts.Publisher,
		store:    opts.Store,
		poll:     poll,
		batch:    batch,
		maxTries: tries,
		cacheTTL: cacheTTL,
		// Notifications may tick ahead of the poll interval but never more
		// than ten times as fast.
		limiter:  rate.NewLimiter(rate.Every(poll/10), 1),
		notifyCh: make(chan struct{}, 1),
		now:      now,
		diag:     diag,
		metrics:  metrics,
	}, nil
}

// Notify requests an immediate tick. It never blocks; hand it to
// EmitterOptions.Notify so appends drain without waiting out the poll
// interval.
func (r *Relay) Notify() {
	select {
	case r.notifyCh <- struct{}{}:
	default:
	}
}

// Run drains the outbox until ctx is cancelled. It returns nil on a clean
// shutdown so errgroup-managed workers stop quietly.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()
	for {
		if err := r.limiter.Wait(ctx); err != nil {
			return nil
		}
		if _, err := r.Tick(ctx); err != nil {
			r.diag.Warn(ctx, "outbox tick failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-r.notifyCh:
		}
	}
}

// Tick drains one batch and returns the number of records delivered. A
// record that fails transiently is requeued and blocks the remaining
// records of its execution until the next tick.
func (r *Relay) Tick(ctx context.Context) (int, error) {
	pending, err := r.log.PullPending(ctx, r.batch)
	if err != nil {
		return 0, fault.Wrap(fault.MemoryOperationFailed, "outbox pull", err)
	}
	delivered := 0
	blocked := make(map[string]bool)
	for _, rec := range pending {
		if blocked[rec.ExecutionID] {
			continue
		}
		if r.deliver(ctx, rec) {
			delivered++
			continue
		}
		blocked[rec.ExecutionID] = true
	}
	return delivered, nil
}

// deliver runs the claim → project → publish → retire pipeline for one
// record and reports whether the event went out.
func (r *Relay) deliver(ctx context.Context, rec Record) bool {
	claimed, err := r.log.MarkProcessing(ctx, rec.ID)
	if err != nil {
		// Another relay owns it; leave its execution alone this tick.
		r.diag.Debug(ctx, "outbox claim lost", "event_id", rec.ID, "error", err)
		return false
	}
	if err := r.project(ctx, claimed.Event); err != nil {
		r.retreat(ctx, claimed, err)
		return false
	}
	if err := r.pub.Publish(ctx, claimed.Event); err != nil {
		r.retreat(ctx, claimed, err)
		return false
	}
	if err := r.log.MarkProcessed(ctx, claimed.ID); err != nil {
		// The event already went out; the next claim redelivers it, which
		// at-least-once consumers absorb.
		r.diag.Warn(ctx, "outbox retire failed", "event_id", claimed.ID, "error", err)
	}
	r.metrics.IncCounter("outbox_delivered_total", 1, "type", string(claimed.Event.Type))
	return true
}

// retreat requeues a record after a transient failure, or retires it as
// failed once its attempts are spent.
func (r *Relay) retreat(ctx context.Context, rec Record, cause error) {
	if rec.Attempts >= r.maxTries {
		if err := r.log.MarkFailed(ctx, rec.ID, cause.Error()); err != nil {
			r.diag.Error(ctx, "outbox dead-letter failed", "event_id", rec.ID, "error", err)
			return
		}
		r.metrics.IncCounter("outbox_failed_total", 1, "type", string(rec.Event.Type))
		r.diag.Error(ctx, "outbox record failed permanently",
			"event_id", rec.ID, "execution_id", rec.ExecutionID,
			"attempts", rec.Attempts, "error", cause)
		return
	}
	if err := r.log.Requeue(ctx, rec.ID, cause.Error()); err != nil {
		r.diag.Error(ctx, "outbox requeue failed", "event_id", rec.ID, "error", err)
		return
	}
	r.metrics.IncCounter("outbox_requeued_total", 1, "type", string(rec.Event.Type))
	r.diag.Warn(ctx, "outbox delivery requeued",
		"event_id", rec.ID, "execution_id", rec.ExecutionID,
		"attempt", rec.Attempts, "error", cause)
}

// project refreshes the execution's read-cache entry from the latest
// persisted state. A state document that no longer exists is not a delivery
// failure; anything else is.
func (r *Relay) project(ctx context.Context, ev events.Event) error {
	if r.store == nil {
		return nil
	}
	st, err := r.store.LoadExecutionState(ctx, ev.ExecutionID)
	if err != nil {
		if errors.Is(err, checkpoint.ErrNotFound) {
			return nil
		}
		return err
	}
	entry := cacheEntry{
		ExecutionID:      st.ExecutionID,
		Status:           string(st.Status),
		CurrentStepIndex: st.CurrentStepIndex,
		CompletedSteps:   st.CompletedSteps(),
		LastEventID:      ev.ID,
		LastEventType:    string(ev.Type),
		Lamport:          ev.Lamport,
		UpdatedAt:        r.now(),
	}
	if st.Plan != nil {
		entry.TotalSteps = len(st.Plan.Steps)
	}
	if st.Error != nil {
		entry.Error = map[string]any{
			"code":    string(st.Error.Code),
			"message": st.Error.Message,
		}
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	key := r.store.Keys().ExecutionCache(ev.ExecutionID)
	return r.store.KV().SetExpiring(ctx, key, string(raw), r.cacheTTL)
}
