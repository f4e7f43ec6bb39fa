package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/intentflow/intentflow/runtime/checkpoint"
	"github.com/intentflow/intentflow/runtime/fault"
	"github.com/intentflow/intentflow/runtime/kv"
	"github.com/intentflow/intentflow/runtime/telemetry"
)

const (
	// DefaultPollInterval is the poller's baseline cadence. Notify hooks
	// can tick ahead of it; polling remains the correctness floor.
	DefaultPollInterval = time.Second
	// DefaultBatchSize caps continuations claimed per tick.
	DefaultBatchSize = 10
	// DefaultRetryDelay is how far a failed continuation is pushed back.
	DefaultRetryDelay = 5 * time.Second
)

type (
	// Handler receives one due continuation. A non-nil error re-queues the
	// continuation after the retry delay, so handlers must be idempotent.
	Handler func(ctx context.Context, executionID string, payload checkpoint.ResumePayload) error

	// PollerOptions configures a Poller.
	PollerOptions struct {
		// Client is the Redis connection. Required; the caller owns its
		// lifecycle.
		Client *goredis.Client

		// Keys builds the queue key. The zero value uses the default
		// namespace.
		Keys kv.Keys

		// Handler receives due continuations. Required.
		Handler Handler

		// PollInterval is the baseline cadence. Zero uses
		// DefaultPollInterval.
		PollInterval time.Duration

		// BatchSize caps continuations claimed per tick. Zero uses
		// DefaultBatchSize.
		BatchSize int

		// RetryDelay is how far a failed continuation is pushed back. Zero
		// uses DefaultRetryDelay.
		RetryDelay time.Duration

		// Clock supplies the current time. Optional, defaults to time.Now.
		Clock func() time.Time

		// Timeout bounds individual Redis operations. Zero uses a 5s
		// default; negative disables the bound.
		Timeout time.Duration

		// Logger and Metrics receive diagnostics. Optional.
		Logger  telemetry.Logger
		Metrics telemetry.Metrics
	}

	// Poller drains the resume queue: read due members, claim each with a
	// ZREM, decode, and hand to the handler. The removed-count of the ZREM
	// elects exactly one winner per member under concurrent pollers.
	Poller struct {
		rdb      *goredis.Client
		keys     kv.Keys
		handler  Handler
		poll     time.Duration
		batch    int
		retry    time.Duration
		limiter  *rate.Limiter
		notifyCh chan struct{}
		now      func() time.Time
		timeout  time.Duration
		diag     telemetry.Logger
		metrics  telemetry.Metrics
	}
)

// NewPoller validates opts and constructs a Poller.
func NewPoller(opts PollerOptions) (*Poller, error) {
	if opts.Client == nil {
		return nil, fault.New(fault.InfrastructureError, "resume: redis client is required")
	}
	if opts.Handler == nil {
		return nil, fault.New(fault.InfrastructureError, "resume: handler is required")
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	batch := opts.BatchSize
	if batch <= 0 {
		batch = DefaultBatchSize
	}
	retry := opts.RetryDelay
	if retry <= 0 {
		retry = DefaultRetryDelay
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = defaultOpTimeout
	}
	diag := opts.Logger
	if diag == nil {
		diag = telemetry.NoopLogger{}
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NoopMetrics{}
	}
	return &Poller{
		rdb:     opts.Client,
		keys:    kv.NewKeys(opts.Keys.Namespace()),
		handler: opts.Handler,
		poll:    poll,
		batch:   batch,
		retry:   retry,
		// Notifications may tick ahead of the poll interval but never more
		// than ten times as fast.
		limiter:  rate.NewLimiter(rate.Every(poll/10), 1),
		notifyCh: make(chan struct{}, 1),
		now:      now,
		timeout:  timeout,
		diag:     diag,
		metrics:  metrics,
	}, nil
}

// Notify requests an immediate tick. It never blocks; hand it to
// SchedulerOptions.Notify so zero-delay continuations fire without waiting
// out the poll interval.
func (p *Poller) Notify() {
	select {
	case p.notifyCh <- struct{}{}:
	default:
	}
}

// Run drains the queue until ctx is cancelled. It returns nil on a clean
// shutdown so errgroup-managed workers stop quietly.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.poll)
	defer ticker.Stop()
	for {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil
		}
		if _, err := p.Tick(ctx); err != nil {
			p.diag.Warn(ctx, "resume tick failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-p.notifyCh:
		}
	}
}

// Tick claims and fires one batch of due continuations and returns how many
// handlers succeeded.
func (p *Poller) Tick(ctx context.Context) (int, error) {
	now := p.now()
	members, err := p.due(ctx, now)
	if err != nil {
		return 0, err
	}
	fired := 0
	for _, member := range members {
		claimed, err := p.claim(ctx, member)
		if err != nil {
			p.diag.Warn(ctx, "resume claim failed", "error", err)
			continue
		}
		if !claimed {
			// Another poller won the member.
			continue
		}
		entry, err := decodeEntry(member)
		if err != nil {
			// The member can never decode; re-queueing would loop forever.
			p.diag.Error(ctx, "resume entry dropped", "member", member, "error", err)
			p.metrics.IncCounter("resume_dropped_total", 1)
			continue
		}
		if err := p.handler(ctx, entry.ExecutionID, entry.Payload); err != nil {
			p.requeue(ctx, member, entry.ExecutionID, err)
			continue
		}
		fired++
		p.metrics.IncCounter("resume_fired_total", 1)
	}
	return fired, nil
}

// due reads up to the batch cap of members whose due time has passed. It
// does not claim them.
func (p *Poller) due(ctx context.Context, now time.Time) ([]string, error) {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	key := p.keys.ResumeQueue()
	members, err := p.rdb.ZRangeByScore(ctx, key, &goredis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(p.batch),
	}).Result()
	if err != nil {
		return nil, fault.Wrap(fault.InfrastructureError, fmt.Sprintf("resume zrangebyscore %s", key), err)
	}
	return members, nil
}

// claim removes the member and reports whether this poller won it.
func (p *Poller) claim(ctx context.Context, member string) (bool, error) {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	key := p.keys.ResumeQueue()
	removed, err := p.rdb.ZRem(ctx, key, member).Result()
	if err != nil {
		return false, fault.Wrap(fault.InfrastructureError, fmt.Sprintf("resume zrem %s", key), err)
	}
	return removed == 1, nil
}

// requeue pushes a failed continuation back by the retry delay.
func (p *Poller) requeue(ctx context.Context, member, executionID string, cause error) {
	due := p.now().Add(p.retry)
	opCtx, cancel := p.withTimeout(ctx)
	defer cancel()
	key := p.keys.ResumeQueue()
	err := p.rdb.ZAdd(opCtx, key, goredis.Z{
		Score:  float64(due.UnixMilli()),
		Member: member,
	}).Err()
	if err != nil {
		// The continuation is lost from the queue; the recovery sweeper
		// picks the execution up once its task entry goes stale.
		p.diag.Error(ctx, "resume requeue failed",
			"execution_id", executionID, "error", err, "cause", cause)
		return
	}
	p.metrics.IncCounter("resume_requeued_total", 1)
	p.diag.Warn(ctx, "resume handler failed, requeued",
		"execution_id", executionID, "retry_at", due, "error", cause)
}

func (p *Poller) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if p.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, p.timeout)
}
