package checkpoint_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intentflow/intentflow/runtime/checkpoint"
	"github.com/intentflow/intentflow/runtime/kv/inmem"
	"github.com/intentflow/intentflow/runtime/state"
)

func TestCheckpointRoundTrip(t *testing.T) {
	store := newTestStore(t, inmem.New(inmem.Options{}))
	ctx := context.Background()

	cp := &state.Checkpoint{
		IntentID: "intent-1",
		Cursor:   4,
		Status:   state.CheckpointActive,
		History: []state.HistoryEntry{
			{Role: "tool", ToolCall: map[string]any{"name": "book_ride"}, Timestamp: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)},
		},
	}
	require.NoError(t, store.SaveCheckpoint(ctx, "intent-1", cp))

	loaded, err := store.LoadCheckpoint(ctx, "intent-1")
	require.NoError(t, err)
	assert.Equal(t, 4, loaded.Cursor)
	assert.Equal(t, state.CheckpointActive, loaded.Status)
	require.Len(t, loaded.History, 1)
	assert.Equal(t, "tool", loaded.History[0].Role)
	assert.False(t, loaded.UpdatedAt.IsZero())
}

func TestLoadCheckpointNotFound(t *testing.T) {
	store := newTestStore(t, inmem.New(inmem.Options{}))
	_, err := store.LoadCheckpoint(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, checkpoint.ErrNotFound))
}

func TestCheckpointFrozenWhenTerminal(t *testing.T) {
	store := newTestStore(t, inmem.New(inmem.Options{}))
	ctx := context.Background()

	cp := &state.Checkpoint{IntentID: "intent-1", Cursor: 9, Status: state.CheckpointCompleted}
	require.NoError(t, store.SaveCheckpoint(ctx, "intent-1", cp))

	err := store.SaveCheckpoint(ctx, "intent-1", &state.Checkpoint{
		IntentID: "intent-1",
		Cursor:   10,
		Status:   state.CheckpointActive,
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, checkpoint.ErrCheckpointFrozen))

	loaded, err := store.LoadCheckpoint(ctx, "intent-1")
	require.NoError(t, err)
	assert.Equal(t, 9, loaded.Cursor, "frozen checkpoint is untouched")
}

// recordingScheduler captures scheduled resumes for assertions.
type recordingScheduler struct {
	executionID string
	delay       time.Duration
	payload     checkpoint.ResumePayload
	calls       int
}

func (r *recordingScheduler) ScheduleResume(_ context.Context, executionID string, delay time.Duration, payload checkpoint.ResumePayload) error {
	r.executionID = executionID
	r.delay = delay
	r.payload = payload
	r.calls++
	return nil
}

func TestScheduleResumeDelegates(t *testing.T) {
	sched := &recordingScheduler{}
	store, err := checkpoint.New(checkpoint.Options{
		Store:     inmem.New(inmem.Options{}),
		Scheduler: sched,
	})
	require.NoError(t, err)

	payload := checkpoint.ResumePayload{
		IntentID:       "intent-1",
		PlanID:         "plan-1",
		StartStepIndex: 7,
		SegmentNumber:  2,
		TraceID:        "trace-1",
	}
	require.NoError(t, store.ScheduleResume(context.Background(), "exec-1", 2*time.Second, payload))
	assert.Equal(t, 1, sched.calls)
	assert.Equal(t, "exec-1", sched.executionID)
	assert.Equal(t, 2*time.Second, sched.delay)
	assert.Equal(t, payload, sched.payload)
}

func TestScheduleResumeWithoutScheduler(t *testing.T) {
	store := newTestStore(t, inmem.New(inmem.Options{}))
	err := store.ScheduleResume(context.Background(), "exec-1", time.Second, checkpoint.ResumePayload{})
	assert.Error(t, err)
}
