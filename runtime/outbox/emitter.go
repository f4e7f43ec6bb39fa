package outbox

import (
	"context"
	"time"

	"github.com/intentflow/intentflow/runtime/events"
	"github.com/intentflow/intentflow/runtime/fault"
	"github.com/intentflow/intentflow/runtime/telemetry"
)

type (
	// EmitterOptions configures an Emitter.
	EmitterOptions struct {
		// Log receives the durable append. Required.
		Log Log

		// Lamport stamps events that arrive unstamped. Optional; events
		// already carrying a stamp pass through untouched.
		Lamport *events.Clock

		// Expiry bounds the delivery window of appended records. Zero uses
		// DefaultExpiry.
		Expiry time.Duration

		// Notify is invoked after every successful append so a co-located
		// relay can tick immediately instead of waiting out its poll
		// interval. Optional; must not block.
		Notify func()

		// Clock supplies timestamps. Optional, defaults to time.Now.
		Clock func() time.Time

		// Logger receives append diagnostics. Optional.
		Logger telemetry.Logger
	}

	// Emitter is the events.Publisher producers write through. Publish is
	// durable: it returns once the event is appended to the log, and the
	// relay owns onward delivery. A notify hook lets the relay react
	// immediately; polling remains the correctness floor.
	Emitter struct {
		log     Log
		lamport *events.Clock
		expiry  time.Duration
		notify  func()
		now     func() time.Time
		diag    telemetry.Logger
	}
)

// NewEmitter validates opts and constructs an Emitter.
func NewEmitter(opts EmitterOptions) (*Emitter, error) {
	if opts.Log == nil {
		return nil, fault.New(fault.InfrastructureError, "outbox: log is required")
	}
	expiry := opts.Expiry
	if expiry <= 0 {
		expiry = DefaultExpiry
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	diag := opts.Logger
	if diag == nil {
		diag = telemetry.NoopLogger{}
	}
	return &Emitter{
		log:     opts.Log,
		lamport: opts.Lamport,
		expiry:  expiry,
		notify:  opts.Notify,
		now:     now,
		diag:    diag,
	}, nil
}

// Publish appends ev to the outbox log. Events without a Lamport stamp are
// stamped from the emitter's clock; events without an emission time get the
// current one. The append is the durability point: a nil return means the
// event will be delivered at least once.
func (e *Emitter) Publish(ctx context.Context, ev events.Event) error {
	if ev.ExecutionID == "" {
		return fault.New(fault.InfrastructureError, "outbox: event requires an execution id")
	}
	if !ev.Type.Valid() {
		return fault.New(fault.InfrastructureError, "outbox: unknown event type "+string(ev.Type))
	}
	if ev.Lamport.Counter == 0 && e.lamport != nil {
		ev.Lamport = e.lamport.Tick()
	}
	if ev.EmittedAt.IsZero() {
		ev.EmittedAt = e.now()
	}
	now := e.now()
	rec := Record{
		ID:          ev.ID,
		ExecutionID: ev.ExecutionID,
		Event:       ev,
		Status:      StatusPending,
		CreatedAt:   now,
		ExpiresAt:   now.Add(e.expiry),
	}
	if err := e.log.Append(ctx, rec); err != nil {
		return fault.Wrap(fault.MemoryOperationFailed, "outbox append", err)
	}
	e.diag.Debug(ctx, "outbox event appended",
		"event_id", ev.ID, "type", string(ev.Type), "execution_id", ev.ExecutionID)
	if e.notify != nil {
		e.notify()
	}
	return nil
}
