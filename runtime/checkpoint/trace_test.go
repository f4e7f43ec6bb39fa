package checkpoint_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intentflow/intentflow/runtime/checkpoint"
	"github.com/intentflow/intentflow/runtime/fault"
	"github.com/intentflow/intentflow/runtime/kv"
	"github.com/intentflow/intentflow/runtime/kv/inmem"
	"github.com/intentflow/intentflow/runtime/state"
)

func TestAppendAndLoadTrace(t *testing.T) {
	store := newTestStore(t, inmem.New(inmem.Options{}))
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	// Append out of order; load returns chronological order.
	entries := []state.TraceEntry{
		{StepID: "s2", ToolName: "book_hotel", Status: "completed", LatencyMS: 40, Timestamp: base.Add(2 * time.Second)},
		{StepID: "s1", ToolName: "book_ride", Status: "completed", LatencyMS: 25, Timestamp: base.Add(time.Second)},
		{StepID: "s3", ToolName: "book_restaurant", Status: "failed", Error: "no tables", Timestamp: base.Add(3 * time.Second)},
	}
	for _, e := range entries {
		require.NoError(t, store.AppendTrace(ctx, "exec-1", e))
	}

	got, err := store.LoadTrace(ctx, "exec-1", 0)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "s1", got[0].StepID)
	assert.Equal(t, "s2", got[1].StepID)
	assert.Equal(t, "s3", got[2].StepID)
	assert.Equal(t, "no tables", got[2].Error)

	limited, err := store.LoadTrace(ctx, "exec-1", 2)
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.Equal(t, "s1", limited[0].StepID)
}

func TestAppendTraceStampsMissingTimestamp(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	backing := inmem.New(inmem.Options{Clock: clock.Now})
	store, err := checkpoint.New(checkpoint.Options{
		Store: backing,
		Keys:  kv.NewKeys(""),
		Clock: clock.Now,
	})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.AppendTrace(ctx, "exec-1", state.TraceEntry{
		StepID: "s1", ToolName: "book_ride", Status: "completed",
	}))
	got, err := store.LoadTrace(ctx, "exec-1", 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, clock.Now(), got[0].Timestamp.UTC())
}

func TestAppendTraceRejectsInvalidEntry(t *testing.T) {
	store := newTestStore(t, inmem.New(inmem.Options{}))
	err := store.AppendTrace(context.Background(), "exec-1", state.TraceEntry{Status: "completed"})
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.MemoryOperationFailed))
}

func TestTraceCapTrimsOldest(t *testing.T) {
	store := newTestStore(t, inmem.New(inmem.Options{}))
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	total := checkpoint.DefaultTraceCap + 10
	for i := 0; i < total; i++ {
		require.NoError(t, store.AppendTrace(ctx, "exec-1", state.TraceEntry{
			StepID:    fmt.Sprintf("s%04d", i),
			ToolName:  "mock",
			Status:    "completed",
			Timestamp: base.Add(time.Duration(i) * time.Millisecond),
		}))
	}

	got, err := store.LoadTrace(ctx, "exec-1", 0)
	require.NoError(t, err)
	require.Len(t, got, checkpoint.DefaultTraceCap)
	assert.Equal(t, "s0010", got[0].StepID, "oldest rows are trimmed")
}
