// Package inmem provides an in-memory outbox.Log for testing and local
// development. It honours the same claim discipline the Mongo-backed log
// enforces (only pending records can be claimed, only claimed records can
// be requeued) without durability. Production deployments use
// features/outbox/mongo.
package inmem

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/intentflow/intentflow/runtime/outbox"
)

type (
	// Options configures the in-memory log.
	Options struct {
		// Clock supplies the current time for expiry checks and processed
		// timestamps. Defaults to time.Now.
		Clock func() time.Time
	}

	// Log implements outbox.Log in memory. All operations are thread-safe.
	Log struct {
		mu    sync.Mutex
		now   func() time.Time
		recs  map[string]outbox.Record
		order []string
	}
)

var _ outbox.Log = (*Log)(nil)

// New constructs an empty in-memory log.
func New(opts Options) *Log {
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	return &Log{
		now:  now,
		recs: make(map[string]outbox.Record),
	}
}

// Append adds a pending record. A duplicate ID is a no-op.
func (l *Log) Append(_ context.Context, rec outbox.Record) error {
	if rec.ID == "" {
		return fmt.Errorf("outbox record requires an id")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.recs[rec.ID]; ok {
		return nil
	}
	l.recs[rec.ID] = rec
	l.order = append(l.order, rec.ID)
	return nil
}

// PullPending returns up to limit pending, unexpired records ordered by
// CreatedAt, with append order breaking ties.
func (l *Log) PullPending(_ context.Context, limit int) ([]outbox.Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	var pending []outbox.Record
	for _, id := range l.order {
		rec := l.recs[id]
		if rec.Status != outbox.StatusPending || rec.Expired(now) {
			continue
		}
		pending = append(pending, rec)
	}
	sort.SliceStable(pending, func(i, j int) bool {
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}
	return pending, nil
}

// MarkProcessing claims a pending record and increments its attempt count.
func (l *Log) MarkProcessing(_ context.Context, id string) (outbox.Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.recs[id]
	if !ok {
		return outbox.Record{}, fmt.Errorf("outbox record %s not found", id)
	}
	if rec.Status != outbox.StatusPending {
		return outbox.Record{}, fmt.Errorf("outbox record %s is %s, not pending", id, rec.Status)
	}
	rec.Status = outbox.StatusProcessing
	rec.Attempts++
	l.recs[id] = rec
	return rec, nil
}

// MarkProcessed retires a delivered record.
func (l *Log) MarkProcessed(_ context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.recs[id]
	if !ok {
		return fmt.Errorf("outbox record %s not found", id)
	}
	if rec.Status != outbox.StatusPending && rec.Status != outbox.StatusProcessing {
		return fmt.Errorf("outbox record %s is %s, cannot retire", id, rec.Status)
	}
	now := l.now()
	rec.Status = outbox.StatusProcessed
	rec.ProcessedAt = &now
	l.recs[id] = rec
	return nil
}

// MarkFailed retires a record that exhausted its attempts.
func (l *Log) MarkFailed(_ context.Context, id, errMsg string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.recs[id]
	if !ok {
		return fmt.Errorf("outbox record %s not found", id)
	}
	if rec.Status == outbox.StatusProcessed {
		return fmt.Errorf("outbox record %s already processed", id)
	}
	rec.Status = outbox.StatusFailed
	rec.LastError = errMsg
	l.recs[id] = rec
	return nil
}

// Requeue returns a claimed record to pending after a transient failure.
func (l *Log) Requeue(_ context.Context, id, errMsg string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.recs[id]
	if !ok {
		return fmt.Errorf("outbox record %s not found", id)
	}
	if rec.Status != outbox.StatusProcessing {
		return fmt.Errorf("outbox record %s is %s, not processing", id, rec.Status)
	}
	rec.Status = outbox.StatusPending
	rec.LastError = errMsg
	l.recs[id] = rec
	return nil
}

// Record returns the stored record by ID for inspection.
func (l *Log) Record(id string) (outbox.Record, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.recs[id]
	return rec, ok
}

// Len reports how many records the log holds, in any status.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.recs)
}
