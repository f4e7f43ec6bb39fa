package checkpoint_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intentflow/intentflow/runtime/checkpoint"
	"github.com/intentflow/intentflow/runtime/intent"
	"github.com/intentflow/intentflow/runtime/kv"
	"github.com/intentflow/intentflow/runtime/kv/inmem"
	"github.com/intentflow/intentflow/runtime/plan"
	"github.com/intentflow/intentflow/runtime/tools"
)

func TestPlanCacheRoundTripAndExpiry(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	backing := inmem.New(inmem.Options{Clock: clock.Now})
	store, err := checkpoint.New(checkpoint.Options{Store: backing, Keys: kv.NewKeys(""), Clock: clock.Now})
	require.NoError(t, err)
	ctx := context.Background()

	p := &plan.Plan{
		ID:       "plan-1",
		IntentID: "intent-1",
		Steps: []plan.Step{
			{ID: "s1", StepNumber: 0, ToolName: "book_ride"},
		},
	}
	require.NoError(t, store.CachePlan(ctx, "hash-1", p))

	got, ok, err := store.CachedPlan(ctx, "hash-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "plan-1", got.ID)
	require.Len(t, got.Steps, 1)

	_, ok, err = store.CachedPlan(ctx, "other")
	require.NoError(t, err)
	assert.False(t, ok)

	clock.Advance(2 * time.Hour)
	_, ok, err = store.CachedPlan(ctx, "hash-1")
	require.NoError(t, err)
	assert.False(t, ok, "plan cache expires after an hour")
}

func TestToolResultRoundTrip(t *testing.T) {
	store := newTestStore(t, inmem.New(inmem.Options{}))
	ctx := context.Background()

	res := tools.Result{
		Success:   true,
		Output:    map[string]any{"ride_id": "r-1"},
		LatencyMS: 42,
	}
	require.NoError(t, store.SaveToolResult(ctx, "feedfacecafebeef", res))

	got, ok, err := store.LoadToolResult(ctx, "feedfacecafebeef")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.Success)
	assert.Equal(t, "r-1", got.Output["ride_id"])

	_, ok, err = store.LoadToolResult(ctx, "0000000000000000")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestIntentHistory(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	backing := inmem.New(inmem.Options{Clock: clock.Now})
	store, err := checkpoint.New(checkpoint.Options{Store: backing, Keys: kv.NewKeys(""), Clock: clock.Now})
	require.NoError(t, err)
	ctx := context.Background()

	first := &intent.Intent{ID: "i1", Type: intent.TypeAction, RawText: "book a ride", Confidence: 0.9}
	require.NoError(t, store.AppendIntentHistory(ctx, "u1", first))
	clock.Advance(time.Minute)
	second := &intent.Intent{ID: "i2", Type: intent.TypeQuery, RawText: "where is my ride", Confidence: 0.8}
	require.NoError(t, store.AppendIntentHistory(ctx, "u1", second))

	history, err := store.LoadIntentHistory(ctx, "u1", 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "i1", history[0].ID)
	assert.Equal(t, "i2", history[1].ID)

	limited, err := store.LoadIntentHistory(ctx, "u1", 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "i1", limited[0].ID)

	other, err := store.LoadIntentHistory(ctx, "u2", 0)
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestUserContextRoundTrip(t *testing.T) {
	store := newTestStore(t, inmem.New(inmem.Options{}))
	ctx := context.Background()

	require.NoError(t, store.SaveUserContext(ctx, "u1", map[string]any{"home_city": "Lisbon"}))
	got, ok, err := store.LoadUserContext(ctx, "u1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Lisbon", got["home_city"])

	_, ok, err = store.LoadUserContext(ctx, "u2")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSystemConfigNeverExpires(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	backing := inmem.New(inmem.Options{Clock: clock.Now})
	store, err := checkpoint.New(checkpoint.Options{Store: backing, Keys: kv.NewKeys(""), Clock: clock.Now})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.SetSystemConfig(ctx, "adapters", `[{"tool":"book_ride","from":"1.0.0","to":"2.0.0"}]`))
	clock.Advance(30 * 24 * time.Hour)

	got, ok, err := store.GetSystemConfig(ctx, "adapters")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Contains(t, got, "book_ride")
}
