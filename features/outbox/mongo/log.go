// Package mongo provides the MongoDB-backed outbox log. Build the low-level
// client via features/outbox/mongo/clients/mongo and pass it to NewLog, or
// use NewLogFromMongo to do both in one step. Append idempotency rides on
// the unique _id index, and the claim transition is a single conditional
// update, so the log needs no multi-document transactions.
package mongo

import (
	"context"
	"errors"
	"time"

	clientsmongo "github.com/intentflow/intentflow/features/outbox/mongo/clients/mongo"
	"github.com/intentflow/intentflow/runtime/outbox"
)

type (
	// Options configures the Mongo-backed log.
	Options struct {
		// Client is the low-level outbox client. Required.
		Client clientsmongo.Client
		// Clock supplies the current time for expiry checks and processed
		// timestamps. Defaults to time.Now.
		Clock func() time.Time
	}

	// Log implements outbox.Log by delegating to the Mongo client.
	Log struct {
		client clientsmongo.Client
		now    func() time.Time
	}
)

var _ outbox.Log = (*Log)(nil)

// NewLog builds a Log using the provided client.
func NewLog(opts Options) (*Log, error) {
	if opts.Client == nil {
		return nil, errors.New("client is required")
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	return &Log{client: opts.Client, now: now}, nil
}

// NewLogFromMongo builds the low-level client from opts and wraps it in a
// Log.
func NewLogFromMongo(opts clientsmongo.Options) (*Log, error) {
	client, err := clientsmongo.New(opts)
	if err != nil {
		return nil, err
	}
	return NewLog(Options{Client: client})
}

// Append durably stores the record. A duplicate ID is a no-op.
func (l *Log) Append(ctx context.Context, rec outbox.Record) error {
	return l.client.AppendEvent(ctx, rec)
}

// PullPending returns up to limit pending, unexpired records in FIFO order.
func (l *Log) PullPending(ctx context.Context, limit int) ([]outbox.Record, error) {
	return l.client.PendingEvents(ctx, l.now().UTC(), limit)
}

// MarkProcessing claims a pending record and increments its attempt count.
func (l *Log) MarkProcessing(ctx context.Context, id string) (outbox.Record, error) {
	return l.client.ClaimEvent(ctx, id)
}

// MarkProcessed retires a delivered record.
func (l *Log) MarkProcessed(ctx context.Context, id string) error {
	return l.client.FinishEvent(ctx, id, l.now().UTC())
}

// MarkFailed retires a record that exhausted its attempts.
func (l *Log) MarkFailed(ctx context.Context, id, errMsg string) error {
	return l.client.FailEvent(ctx, id, errMsg)
}

// Requeue returns a claimed record to pending after a transient failure.
func (l *Log) Requeue(ctx context.Context, id, errMsg string) error {
	return l.client.RequeueEvent(ctx, id, errMsg)
}
