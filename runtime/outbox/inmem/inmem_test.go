package inmem_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intentflow/intentflow/runtime/events"
	"github.com/intentflow/intentflow/runtime/outbox"
	"github.com/intentflow/intentflow/runtime/outbox/inmem"
)

func record(id, executionID string, createdAt time.Time) outbox.Record {
	return outbox.Record{
		ID:          id,
		ExecutionID: executionID,
		Event: events.Event{
			ID:          id,
			Type:        events.SagaStepCompleted,
			ExecutionID: executionID,
		},
		Status:    outbox.StatusPending,
		CreatedAt: createdAt,
		ExpiresAt: createdAt.Add(outbox.DefaultExpiry),
	}
}

func TestAppendIsIdempotent(t *testing.T) {
	log := inmem.New(inmem.Options{})
	now := time.Now()
	require.NoError(t, log.Append(context.Background(), record("ev-1", "exec-1", now)))
	require.NoError(t, log.Append(context.Background(), record("ev-1", "exec-1", now)))
	assert.Equal(t, 1, log.Len())

	require.Error(t, log.Append(context.Background(), outbox.Record{}), "missing id must be rejected")
}

func TestPullPendingOrdersByCreatedAt(t *testing.T) {
	log := inmem.New(inmem.Options{})
	base := time.Now()
	// Appended out of creation order on purpose.
	require.NoError(t, log.Append(context.Background(), record("ev-late", "exec-1", base.Add(2*time.Second))))
	require.NoError(t, log.Append(context.Background(), record("ev-early", "exec-1", base)))
	require.NoError(t, log.Append(context.Background(), record("ev-mid", "exec-2", base.Add(time.Second))))

	pending, err := log.PullPending(context.Background(), 0)
	require.NoError(t, err)
	var ids []string
	for _, rec := range pending {
		ids = append(ids, rec.ID)
	}
	assert.Equal(t, []string{"ev-early", "ev-mid", "ev-late"}, ids)

	pending, err = log.PullPending(context.Background(), 2)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestClaimDiscipline(t *testing.T) {
	log := inmem.New(inmem.Options{})
	require.NoError(t, log.Append(context.Background(), record("ev-1", "exec-1", time.Now())))

	claimed, err := log.MarkProcessing(context.Background(), "ev-1")
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusProcessing, claimed.Status)
	assert.Equal(t, 1, claimed.Attempts)

	// A second claim loses.
	_, err = log.MarkProcessing(context.Background(), "ev-1")
	require.Error(t, err)

	// Claimed records do not show up as pending.
	pending, err := log.PullPending(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, pending)

	require.NoError(t, log.Requeue(context.Background(), "ev-1", "stream unavailable"))
	rec, ok := log.Record("ev-1")
	require.True(t, ok)
	assert.Equal(t, outbox.StatusPending, rec.Status)
	assert.Equal(t, "stream unavailable", rec.LastError)
	assert.Equal(t, 1, rec.Attempts, "requeue keeps the attempt count")

	// Requeue requires a claim.
	require.Error(t, log.Requeue(context.Background(), "ev-1", "nope"))

	require.NoError(t, log.MarkProcessed(context.Background(), "ev-1"))
	rec, ok = log.Record("ev-1")
	require.True(t, ok)
	assert.Equal(t, outbox.StatusProcessed, rec.Status)
	require.NotNil(t, rec.ProcessedAt)

	// Terminal states reject further transitions.
	require.Error(t, log.MarkFailed(context.Background(), "ev-1", "late"))
	_, err = log.MarkProcessing(context.Background(), "ev-1")
	require.Error(t, err)
}

func TestUnknownRecordErrors(t *testing.T) {
	log := inmem.New(inmem.Options{})
	_, err := log.MarkProcessing(context.Background(), "ghost")
	require.Error(t, err)
	require.Error(t, log.MarkProcessed(context.Background(), "ghost"))
	require.Error(t, log.MarkFailed(context.Background(), "ghost", "x"))
	require.Error(t, log.Requeue(context.Background(), "ghost", "x"))
}

func TestConcurrentClaimsAreExclusive(t *testing.T) {
	log := inmem.New(inmem.Options{})
	require.NoError(t, log.Append(context.Background(), record("ev-1", "exec-1", time.Now())))

	const claimers = 8
	var wins int32
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := log.MarkProcessing(context.Background(), "ev-1"); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, wins)
}
