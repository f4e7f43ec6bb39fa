package events

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestClockPropertyInterleavingsAreMonotonic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	// Even entries tick, odd entries observe a remote stamp carrying the
	// entry's value. Either way every issued stamp must strictly increase.
	properties.Property("any tick/observe interleaving is strictly monotonic", prop.ForAll(
		func(ops []int) bool {
			c := NewClock("svc-prop", 0)
			prev := uint64(0)
			for _, op := range ops {
				var s Stamp
				if op%2 == 0 {
					s = c.Tick()
				} else {
					s = c.Observe(Stamp{Counter: uint64(op), ServiceID: "svc-remote"})
				}
				if s.Counter <= prev {
					return false
				}
				prev = s.Counter
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 1000)),
	))

	properties.Property("observe lands past both the remote stamp and the local counter", prop.ForAll(
		func(seed, remote int) bool {
			c := NewClock("svc-prop", uint64(seed))
			s := c.Observe(Stamp{Counter: uint64(remote), ServiceID: "svc-remote"})
			return s.Counter > uint64(remote) && s.Counter > uint64(seed)
		},
		gen.IntRange(0, 1<<20), gen.IntRange(0, 1<<20),
	))

	properties.TestingRun(t)
}

func TestStampPropertyCompareIsAntisymmetric(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	// Counters stay tiny so equal-counter pairs come up often enough to
	// exercise the equal and concurrent branches.
	services := gen.OneConstOf("svc-a", "svc-b", "svc-c")

	properties.Property("compare inverts cleanly", prop.ForAll(
		func(ca, cb int, sa, sb string) bool {
			a := Stamp{Counter: uint64(ca), ServiceID: sa}
			b := Stamp{Counter: uint64(cb), ServiceID: sb}
			switch a.Compare(b) {
			case OrderedBefore:
				return b.Compare(a) == OrderedAfter
			case OrderedAfter:
				return b.Compare(a) == OrderedBefore
			case OrderedEqual:
				return b.Compare(a) == OrderedEqual && a == b
			case OrderedConcurrent:
				return b.Compare(a) == OrderedConcurrent && ca == cb && sa != sb
			}
			return false
		},
		gen.IntRange(0, 5), gen.IntRange(0, 5), services, services,
	))

	properties.TestingRun(t)
}
