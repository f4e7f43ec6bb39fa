// Package redis implements the segment resume seam over a Redis sorted set.
// The scheduler appends continuation records scored by their due time; a
// poller claims due records and hands them to the engine. A claim is a ZREM
// whose removed-count elects exactly one winner, so concurrent pollers never
// double-fire a resume, and a handler failure re-queues the record for a
// later tick. Delivery is at-least-once; the idempotency gate downstream
// absorbs duplicates.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"goa.design/clue/health"

	"github.com/intentflow/intentflow/runtime/checkpoint"
	"github.com/intentflow/intentflow/runtime/fault"
	"github.com/intentflow/intentflow/runtime/kv"
)

const (
	// defaultOpTimeout bounds individual Redis operations.
	defaultOpTimeout = 5 * time.Second
	// pingerName identifies the resume backend in health reports.
	pingerName = "resume-redis"
)

type (
	// SchedulerOptions configures the Scheduler.
	SchedulerOptions struct {
		// Client is the Redis connection. Required; the caller owns its
		// lifecycle.
		Client *goredis.Client

		// Keys builds the queue key. The zero value uses the default
		// namespace.
		Keys kv.Keys

		// Notify is invoked after every successful schedule so a
		// co-located poller can tick immediately instead of waiting out
		// its poll interval. Optional; must not block.
		Notify func()

		// Clock supplies the current time. Optional, defaults to time.Now.
		Clock func() time.Time

		// Timeout bounds individual operations. Zero uses a 5s default;
		// negative disables the bound.
		Timeout time.Duration
	}

	// Scheduler implements checkpoint.ResumeScheduler over a Redis sorted
	// set. The member is the canonical JSON continuation record, so
	// re-scheduling the same continuation coalesces into one entry with
	// the latest due time.
	Scheduler struct {
		rdb     *goredis.Client
		keys    kv.Keys
		notify  func()
		now     func() time.Time
		timeout time.Duration
	}

	// queueEntry is the sorted-set member format. Field order is fixed so
	// identical continuations marshal to identical members.
	queueEntry struct {
		ExecutionID string                   `json:"execution_id"`
		Payload     checkpoint.ResumePayload `json:"payload"`
	}
)

var (
	_ checkpoint.ResumeScheduler = (*Scheduler)(nil)
	_ health.Pinger              = (*Scheduler)(nil)
)

// NewScheduler validates opts and constructs a Scheduler.
func NewScheduler(opts SchedulerOptions) (*Scheduler, error) {
	if opts.Client == nil {
		return nil, fault.New(fault.InfrastructureError, "resume: redis client is required")
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = defaultOpTimeout
	}
	return &Scheduler{
		rdb:     opts.Client,
		keys:    kv.NewKeys(opts.Keys.Namespace()),
		notify:  opts.Notify,
		now:     now,
		timeout: timeout,
	}, nil
}

// Name implements health.Pinger.
func (s *Scheduler) Name() string { return pingerName }

// Ping implements health.Pinger.
func (s *Scheduler) Ping(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.rdb.Ping(ctx).Err()
}

// ScheduleResume implements checkpoint.ResumeScheduler. The continuation
// becomes due at now+delay; a non-positive delay makes it due immediately.
func (s *Scheduler) ScheduleResume(ctx context.Context, executionID string, delay time.Duration, payload checkpoint.ResumePayload) error {
	if executionID == "" {
		return fault.New(fault.InfrastructureError, "resume: execution id is required")
	}
	member, err := encodeEntry(queueEntry{ExecutionID: executionID, Payload: payload})
	if err != nil {
		return fault.Wrap(fault.InfrastructureError, "resume encode entry", err)
	}
	due := s.now().Add(delay)
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	key := s.keys.ResumeQueue()
	err = s.rdb.ZAdd(ctx, key, goredis.Z{
		Score:  float64(due.UnixMilli()),
		Member: member,
	}).Err()
	if err != nil {
		return fault.Wrap(fault.InfrastructureError, fmt.Sprintf("resume zadd %s", key), err)
	}
	if s.notify != nil {
		s.notify()
	}
	return nil
}

func (s *Scheduler) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

func encodeEntry(entry queueEntry) (string, error) {
	raw, err := json.Marshal(entry)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func decodeEntry(member string) (queueEntry, error) {
	var entry queueEntry
	if err := json.Unmarshal([]byte(member), &entry); err != nil {
		return queueEntry{}, err
	}
	if entry.ExecutionID == "" {
		return queueEntry{}, fmt.Errorf("resume entry missing execution id")
	}
	return entry, nil
}
