package events

import (
	"fmt"
	"sync"
)

type (
	// Stamp is a Lamport timestamp: a logical counter qualified by the
	// service that produced it. Stamps establish a partial order of events
	// across services without synchronized clocks.
	Stamp struct {
		Counter   uint64 `json:"counter"`
		ServiceID string `json:"service_id"`
	}

	// Ordering is the result of comparing two stamps.
	Ordering int

	// Clock is a thread-safe Lamport clock. One clock per service process;
	// seed it from durable storage so counters survive restarts.
	Clock struct {
		mu        sync.Mutex
		counter   uint64
		serviceID string
	}
)

const (
	// OrderedBefore means the receiver causally precedes the argument.
	OrderedBefore Ordering = iota - 1
	// OrderedConcurrent means neither stamp precedes the other: equal
	// counters from different services. Order is undefined.
	OrderedConcurrent
	// OrderedAfter means the receiver causally follows the argument.
	OrderedAfter
	// OrderedEqual means the stamps are identical.
	OrderedEqual
)

// NewClock returns a clock for serviceID starting at seed. Pass the last
// durably recorded counter as the seed; zero is valid for a fresh service.
func NewClock(serviceID string, seed uint64) *Clock {
	return &Clock{counter: seed, serviceID: serviceID}
}

// Tick advances the clock for a local emission and returns the new stamp.
func (c *Clock) Tick() Stamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counter++
	return Stamp{Counter: c.counter, ServiceID: c.serviceID}
}

// Observe merges a received stamp: the local counter becomes
// max(local, received)+1. Returns the stamp for the receive event.
func (c *Clock) Observe(remote Stamp) Stamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	if remote.Counter > c.counter {
		c.counter = remote.Counter
	}
	c.counter++
	return Stamp{Counter: c.counter, ServiceID: c.serviceID}
}

// Now returns the current counter without advancing it.
func (c *Clock) Now() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counter
}

// String renders the stamp as <counter>@<service>. The form is stable and
// feeds causal fingerprints, so changing it invalidates idempotency claims.
func (s Stamp) String() string {
	return fmt.Sprintf("%d@%s", s.Counter, s.ServiceID)
}

// Compare orders s relative to other. Counters order first; equal counters
// from the same service are equal, from different services concurrent.
func (s Stamp) Compare(other Stamp) Ordering {
	switch {
	case s.Counter < other.Counter:
		return OrderedBefore
	case s.Counter > other.Counter:
		return OrderedAfter
	case s.ServiceID == other.ServiceID:
		return OrderedEqual
	default:
		return OrderedConcurrent
	}
}
