package inmem_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intentflow/intentflow/runtime/kv"
	"github.com/intentflow/intentflow/runtime/kv/inmem"
)

// fakeClock advances only when told to, making TTL expiry deterministic.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newStore(t *testing.T) (*inmem.Store, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	return inmem.New(inmem.Options{Clock: clock.Now}), clock
}

func TestGetSet(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()

	_, ok, err := store.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Set(ctx, "k", "v"))
	got, ok, err := store.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v", got)
}

func TestSetExpiring(t *testing.T) {
	store, clock := newStore(t)
	ctx := context.Background()

	require.NoError(t, store.SetExpiring(ctx, "k", "v", time.Minute))
	_, ok, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)

	clock.Advance(time.Minute)
	_, ok, err = store.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok, "entry should expire at its deadline")
}

func TestSetNX(t *testing.T) {
	store, clock := newStore(t)
	ctx := context.Background()

	won, err := store.SetNX(ctx, "claim", "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, won)

	won, err = store.SetNX(ctx, "claim", "b", time.Minute)
	require.NoError(t, err)
	assert.False(t, won, "second claim must lose")

	got, ok, err := store.Get(ctx, "claim")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a", got, "losing claim must not overwrite")

	// After expiry the key is claimable again.
	clock.Advance(2 * time.Minute)
	won, err = store.SetNX(ctx, "claim", "c", time.Minute)
	require.NoError(t, err)
	assert.True(t, won)
}

func TestExpireAndExists(t *testing.T) {
	store, clock := newStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "k", "v"))
	ok, err := store.Exists(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, store.Expire(ctx, "k", time.Second))
	clock.Advance(2 * time.Second)
	ok, err = store.Exists(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDelete(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "k", "v"))
	require.NoError(t, store.ZAdd(ctx, "z", 1, "m"))
	require.NoError(t, store.Delete(ctx, "k"))
	require.NoError(t, store.Delete(ctx, "z"))

	ok, err := store.Exists(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
	n, err := store.ZCard(ctx, "z")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestIncrementArmsTTLOnFirstOnly(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	store := inmem.New(inmem.Options{Clock: clock.Now, CounterTTL: time.Hour})
	ctx := context.Background()

	n, err := store.Increment(ctx, "ctr")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	clock.Advance(30 * time.Minute)
	n, err = store.Increment(ctx, "ctr")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n, "subsequent increments must not rearm the TTL")

	clock.Advance(31 * time.Minute)
	_, ok, err := store.Get(ctx, "ctr")
	require.NoError(t, err)
	assert.False(t, ok, "counter expires at the original deadline")

	n, err = store.Increment(ctx, "ctr")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "expired counter restarts from zero")
}

func TestIncrementRejectsNonInteger(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, "k", "not a number"))
	_, err := store.Increment(ctx, "k")
	assert.Error(t, err)
}

func TestZSetOrdering(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()

	require.NoError(t, store.ZAdd(ctx, "z", 3, "c"))
	require.NoError(t, store.ZAdd(ctx, "z", 1, "a"))
	require.NoError(t, store.ZAdd(ctx, "z", 2, "b"))
	require.NoError(t, store.ZAdd(ctx, "z", 2, "aa")) // ties break by member

	got, err := store.ZRange(ctx, "z", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "aa", "b", "c"}, got)

	got, err = store.ZRange(ctx, "z", 1, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"aa", "b"}, got)

	got, err = store.ZRange(ctx, "z", -2, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, got)
}

func TestZAddUpdatesScore(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()

	require.NoError(t, store.ZAdd(ctx, "z", 1, "m"))
	require.NoError(t, store.ZAdd(ctx, "z", 9, "m"))

	n, err := store.ZCard(ctx, "z")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := store.ZRangeByScore(ctx, "z", 5, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"m"}, got)
}

func TestZRangeByScoreCount(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()
	for i, m := range []string{"a", "b", "c", "d"} {
		require.NoError(t, store.ZAdd(ctx, "z", float64(i), m))
	}

	got, err := store.ZRangeByScore(ctx, "z", 0, 10, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, got)

	got, err = store.ZRangeByScore(ctx, "z", 1, 2, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, got)
}

func TestZRankAndRem(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()
	require.NoError(t, store.ZAdd(ctx, "z", 1, "a"))
	require.NoError(t, store.ZAdd(ctx, "z", 2, "b"))

	rank, ok, err := store.ZRank(ctx, "z", "b")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(1), rank)

	_, ok, err = store.ZRank(ctx, "z", "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.ZRem(ctx, "z", "a"))
	rank, ok, err = store.ZRank(ctx, "z", "b")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Zero(t, rank)
}

func TestZRemRangeByRank(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()
	for i, m := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, store.ZAdd(ctx, "z", float64(i), m))
	}

	removed, err := store.ZRemRangeByRank(ctx, "z", 0, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)

	got, err := store.ZRange(ctx, "z", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "d", "e"}, got)
}

func TestSets(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()

	require.NoError(t, store.SAdd(ctx, "s", "b", "a", "a"))
	got, err := store.SMembers(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, got)

	require.NoError(t, store.SRem(ctx, "s", "a"))
	got, err = store.SMembers(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, got)
}

func TestScanPagination(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()
	for _, k := range []string{"ns:task:1", "ns:task:2", "ns:task:3", "ns:other:1"} {
		require.NoError(t, store.Set(ctx, k, "v"))
	}

	var keys []string
	var cursor uint64
	for {
		page, next, err := store.Scan(ctx, cursor, "ns:task:*", 2)
		require.NoError(t, err)
		keys = append(keys, page...)
		if next == 0 {
			break
		}
		cursor = next
	}
	assert.ElementsMatch(t, []string{"ns:task:1", "ns:task:2", "ns:task:3"}, keys)
}

func TestScanSkipsExpired(t *testing.T) {
	store, clock := newStore(t)
	ctx := context.Background()
	require.NoError(t, store.SetExpiring(ctx, "ns:task:old", "v", time.Second))
	require.NoError(t, store.Set(ctx, "ns:task:live", "v"))
	clock.Advance(time.Minute)

	keys, next, err := store.Scan(ctx, 0, "ns:task:*", 100)
	require.NoError(t, err)
	assert.Zero(t, next)
	assert.Equal(t, []string{"ns:task:live"}, keys)
}

func TestCompareAndSwapCreate(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()

	res, err := store.CompareAndSwap(ctx, "doc", 0, `{"_version":1,"x":"a"}`, 1)
	require.NoError(t, err)
	assert.True(t, res.Swapped)
	assert.Equal(t, int64(1), res.CurrentVersion)

	// Creating over an existing document fails.
	res, err = store.CompareAndSwap(ctx, "doc", 0, `{"_version":1,"x":"b"}`, 1)
	require.NoError(t, err)
	assert.False(t, res.Swapped)
	assert.Equal(t, int64(1), res.CurrentVersion)
}

func TestCompareAndSwapConflict(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, "doc", `{"_version":3,"x":"a"}`))

	res, err := store.CompareAndSwap(ctx, "doc", 2, `{"_version":4,"x":"b"}`, 4)
	require.NoError(t, err)
	require.False(t, res.Swapped)
	assert.Equal(t, int64(3), res.CurrentVersion)
	assert.JSONEq(t, `{"_version":3,"x":"a"}`, res.CurrentValue)

	res, err = store.CompareAndSwap(ctx, "doc", 3, `{"_version":4,"x":"b"}`, 4)
	require.NoError(t, err)
	assert.True(t, res.Swapped)
	assert.Equal(t, int64(4), res.CurrentVersion)
}

func TestCompareAndSwapMissingWithNonZeroExpectation(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()

	res, err := store.CompareAndSwap(ctx, "missing", 5, `{"_version":6}`, 6)
	require.NoError(t, err)
	assert.False(t, res.Swapped)
	assert.Zero(t, res.CurrentVersion)
}

func TestCompareAndSwapPreservesTTL(t *testing.T) {
	store, clock := newStore(t)
	ctx := context.Background()
	require.NoError(t, store.SetExpiring(ctx, "doc", `{"_version":1}`, time.Hour))

	res, err := store.CompareAndSwap(ctx, "doc", 1, `{"_version":2}`, 2)
	require.NoError(t, err)
	require.True(t, res.Swapped)

	clock.Advance(2 * time.Hour)
	_, ok, err := store.Get(ctx, "doc")
	require.NoError(t, err)
	assert.False(t, ok, "swap must not clear the expiry")
}

func TestCompareAndSwapSingleWinnerUnderContention(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, "doc", `{"_version":1,"writer":"seed"}`))

	const writers = 32
	results := make([]kv.CASResult, writers)
	var wg sync.WaitGroup
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			value := fmt.Sprintf(`{"_version":2,"writer":"w%d"}`, i)
			res, err := store.CompareAndSwap(ctx, "doc", 1, value, 2)
			assert.NoError(t, err)
			results[i] = res
		}()
	}
	wg.Wait()

	winner := -1
	for i, res := range results {
		if !res.Swapped {
			assert.Equal(t, int64(2), res.CurrentVersion, "loser observes the winning version")
			continue
		}
		require.Equal(t, -1, winner, "a second writer swapped")
		winner = i
	}
	require.NotEqual(t, -1, winner, "exactly one writer wins")

	value, ok, err := store.Get(ctx, "doc")
	require.NoError(t, err)
	require.True(t, ok)
	var doc struct {
		Version int64  `json:"_version"`
		Writer  string `json:"writer"`
	}
	require.NoError(t, json.Unmarshal([]byte(value), &doc))
	assert.Equal(t, int64(2), doc.Version)
	assert.Equal(t, fmt.Sprintf("w%d", winner), doc.Writer)
}

func TestMergeDelta(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()

	// Merging into an absent key creates the document at version 1.
	v, err := store.MergeDelta(ctx, "doc", map[string]any{"a": "x"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	v, err = store.MergeDelta(ctx, "doc", map[string]any{"b": float64(2)})
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)

	raw, ok, err := store.Get(ctx, "doc")
	require.NoError(t, err)
	require.True(t, ok)
	var doc map[string]any
	require.NoError(t, json.Unmarshal([]byte(raw), &doc))
	assert.Equal(t, "x", doc["a"])
	assert.Equal(t, float64(2), doc["b"])
	assert.Equal(t, float64(2), doc["_version"])
}

func TestMergeDeltaRejectsNonObject(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, "doc", `[1,2,3]`))
	_, err := store.MergeDelta(ctx, "doc", map[string]any{"a": 1})
	assert.Error(t, err)
}

func TestReset(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, "k", "v"))
	store.Reset()
	ok, err := store.Exists(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}
