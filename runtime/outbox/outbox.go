// Package outbox implements the transactional outbox that decouples state
// writes from event delivery. Producers append events to a durable log in
// the same logical write as the state change that caused them; a relay
// worker drains the log, projects the latest execution state into the read
// cache, and hands each event to the realtime publisher. Delivery is
// at-least-once and FIFO per execution; consumers deduplicate by event ID.
package outbox

import (
	"context"
	"time"

	"github.com/intentflow/intentflow/runtime/events"
)

type (
	// Status is the delivery lifecycle of one outbox record.
	Status string

	// Record is one durably logged event awaiting delivery.
	Record struct {
		// ID is the event ID; it doubles as the record key.
		ID string `json:"id"`

		// ExecutionID scopes FIFO ordering. Records of the same execution
		// are delivered in append order.
		ExecutionID string `json:"execution_id"`

		// Event is the full envelope to deliver.
		Event events.Event `json:"event"`

		Status Status `json:"status"`

		// Attempts counts delivery attempts begun. The relay gives up and
		// marks the record failed once the cap is reached.
		Attempts int `json:"attempts"`

		// LastError is the most recent delivery failure, for operators.
		LastError string `json:"last_error,omitempty"`

		CreatedAt   time.Time  `json:"created_at"`
		ProcessedAt *time.Time `json:"processed_at,omitempty"`

		// ExpiresAt bounds how long an undelivered record stays eligible.
		// Expired records are skipped by PullPending and may be purged.
		ExpiresAt time.Time `json:"expires_at"`
	}

	// Log is the durable append-only store behind the outbox. Append must
	// share a consistency boundary with the state write that produced the
	// event wherever the backing store supports one; the Mongo
	// implementation relies on single-document atomicity.
	Log interface {
		// Append adds a pending record. Appending an ID that already
		// exists is a no-op so retried writes stay idempotent.
		Append(ctx context.Context, rec Record) error

		// PullPending returns up to limit pending, unexpired records in
		// FIFO order by CreatedAt. It does not claim them.
		PullPending(ctx context.Context, limit int) ([]Record, error)

		// MarkProcessing claims a pending record for delivery, increments
		// its attempt count, and returns the updated record. Claiming a
		// record that is not pending fails, which is how concurrent relays
		// avoid double delivery.
		MarkProcessing(ctx context.Context, id string) (Record, error)

		// MarkProcessed retires a record after successful delivery.
		MarkProcessed(ctx context.Context, id string) error

		// MarkFailed retires a record that exhausted its attempts.
		MarkFailed(ctx context.Context, id, errMsg string) error

		// Requeue returns a processing record to pending after a transient
		// delivery failure, recording the error.
		Requeue(ctx context.Context, id, errMsg string) error
	}
)

const (
	// StatusPending marks a record awaiting delivery.
	StatusPending Status = "pending"
	// StatusProcessing marks a record claimed by a relay.
	StatusProcessing Status = "processing"
	// StatusProcessed marks a delivered record.
	StatusProcessed Status = "processed"
	// StatusFailed marks a record that exhausted its delivery attempts.
	StatusFailed Status = "failed"
)

// DefaultExpiry bounds how long an undelivered record stays deliverable.
const DefaultExpiry = 7 * 24 * time.Hour

// Expired reports whether the record's delivery window has closed.
func (r Record) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}
