package events

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewRequiresKnownTypeAndExecutionID(t *testing.T) {
	ev, err := New(SagaStepCompleted, "exec-1", map[string]any{"step_id": "a"})
	require.NoError(t, err)
	require.NotEmpty(t, ev.ID)
	require.Equal(t, "exec-1", ev.ExecutionID)

	_, err = New(Type("SAGA_EXPLODED"), "exec-1", nil)
	require.Error(t, err)

	_, err = New(SagaCompleted, "", nil)
	require.Error(t, err)
}

func TestLegacyCompensatedValueIsPreserved(t *testing.T) {
	require.Equal(t, "SagaCompensated", string(SagaCompensatedLegacy))
	require.True(t, SagaCompensatedLegacy.Valid())
}

func TestClockTickIsMonotonic(t *testing.T) {
	c := NewClock("svc-a", 0)
	prev := uint64(0)
	for i := 0; i < 100; i++ {
		s := c.Tick()
		require.Greater(t, s.Counter, prev)
		prev = s.Counter
	}
}

func TestClockObserveJumpsAheadOfRemote(t *testing.T) {
	c := NewClock("svc-a", 5)
	s := c.Observe(Stamp{Counter: 40, ServiceID: "svc-b"})
	require.Equal(t, uint64(41), s.Counter)
	require.Equal(t, "svc-a", s.ServiceID)

	// A stale remote stamp still advances the local counter by one.
	s = c.Observe(Stamp{Counter: 3, ServiceID: "svc-b"})
	require.Equal(t, uint64(42), s.Counter)
}

func TestClockSeedSurvives(t *testing.T) {
	c := NewClock("svc-a", 99)
	require.Equal(t, uint64(100), c.Tick().Counter)
}

func TestClockIsSafeForConcurrentUse(t *testing.T) {
	c := NewClock("svc-a", 0)
	const goroutines, ticks = 8, 250

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < ticks; j++ {
				c.Tick()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, uint64(goroutines*ticks), c.Now())
}

func TestStampCompare(t *testing.T) {
	cases := []struct {
		name string
		a, b Stamp
		want Ordering
	}{
		{"lower counter before", Stamp{1, "a"}, Stamp{2, "a"}, OrderedBefore},
		{"higher counter after", Stamp{3, "a"}, Stamp{2, "b"}, OrderedAfter},
		{"identical equal", Stamp{2, "a"}, Stamp{2, "a"}, OrderedEqual},
		{"equal counter different service concurrent", Stamp{2, "a"}, Stamp{2, "b"}, OrderedConcurrent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, tc.a.Compare(tc.b))
		})
	}
}
