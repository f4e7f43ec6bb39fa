package engine

import "time"

const (
	// DefaultInvocationWallClock is the hard wall-clock allowance of one
	// engine invocation, checkpoint handling included.
	DefaultInvocationWallClock = 10 * time.Second
	// DefaultCheckpointThreshold is the elapsed-in-segment point after which
	// no further batch starts; the segment checkpoints and suspends instead.
	DefaultCheckpointThreshold = 7 * time.Second
	// DefaultSegmentTimeout is the abort deadline armed for in-flight tool
	// calls, leaving headroom between the checkpoint threshold and the hard
	// wall clock.
	DefaultSegmentTimeout = 8500 * time.Millisecond
	// DefaultResumeDelay is how long a checkpointed execution waits before
	// the next segment is delivered.
	DefaultResumeDelay = 2 * time.Second
	// DefaultMaxParallelSteps caps concurrent tool calls within one batch.
	DefaultMaxParallelSteps = 10
	// DefaultCompensationTimeout bounds each compensation call.
	DefaultCompensationTimeout = 30 * time.Second
)

// Budgets bounds one engine invocation. The zero value selects the defaults
// above; the three segment durations must satisfy
// CheckpointThreshold < SegmentTimeout < InvocationWallClock for the
// cooperative handoff to leave persistence headroom.
type Budgets struct {
	// InvocationWallClock is the total allowance of one invocation.
	InvocationWallClock time.Duration
	// CheckpointThreshold stops new batches once elapsed-in-segment
	// reaches it.
	CheckpointThreshold time.Duration
	// SegmentTimeout aborts in-flight tool calls.
	SegmentTimeout time.Duration
	// ResumeDelay spaces checkpoint and continuation.
	ResumeDelay time.Duration
	// MaxParallelSteps caps batch fan-out.
	MaxParallelSteps int
	// CompensationTimeout bounds each compensation call.
	CompensationTimeout time.Duration
}

func (b Budgets) normalized() Budgets {
	if b.InvocationWallClock <= 0 {
		b.InvocationWallClock = DefaultInvocationWallClock
	}
	if b.CheckpointThreshold <= 0 {
		b.CheckpointThreshold = DefaultCheckpointThreshold
	}
	if b.SegmentTimeout <= 0 {
		b.SegmentTimeout = DefaultSegmentTimeout
	}
	if b.ResumeDelay <= 0 {
		b.ResumeDelay = DefaultResumeDelay
	}
	if b.MaxParallelSteps <= 0 {
		b.MaxParallelSteps = DefaultMaxParallelSteps
	}
	if b.CompensationTimeout <= 0 {
		b.CompensationTimeout = DefaultCompensationTimeout
	}
	return b
}
