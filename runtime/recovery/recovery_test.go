package recovery_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intentflow/intentflow/runtime/checkpoint"
	"github.com/intentflow/intentflow/runtime/events"
	"github.com/intentflow/intentflow/runtime/kv"
	kvmem "github.com/intentflow/intentflow/runtime/kv/inmem"
	"github.com/intentflow/intentflow/runtime/plan"
	"github.com/intentflow/intentflow/runtime/recovery"
	"github.com/intentflow/intentflow/runtime/state"
	"github.com/intentflow/intentflow/runtime/tools"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Now().Truncate(time.Second)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type capturingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *capturingPublisher) Publish(_ context.Context, ev events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *capturingPublisher) ofType(typ events.Type) []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []events.Event
	for _, ev := range p.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

type sweepFixture struct {
	clock    *fakeClock
	store    *checkpoint.Store
	pub      *capturingPublisher
	registry *tools.Registry
}

func newSweepFixture(t *testing.T) *sweepFixture {
	t.Helper()
	clock := newFakeClock()
	kvs := kvmem.New(kvmem.Options{Clock: clock.Now})
	store, err := checkpoint.New(checkpoint.Options{Store: kvs, Keys: kv.NewKeys(""), Clock: clock.Now})
	require.NoError(t, err)
	return &sweepFixture{
		clock:    clock,
		store:    store,
		pub:      &capturingPublisher{},
		registry: tools.NewRegistry(),
	}
}

func (f *sweepFixture) newSweeper(t *testing.T, mutate ...func(*recovery.Options)) *recovery.Sweeper {
	t.Helper()
	opts := recovery.Options{
		Store:     f.store,
		Publisher: f.pub,
		Clock:     f.clock.Now,
	}
	for _, m := range mutate {
		m(&opts)
	}
	sw, err := recovery.NewSweeper(opts)
	require.NoError(t, err)
	return sw
}

// zombiePlan is a two-step chain; s0 already landed, s1 is still owed.
func zombiePlan(executionID string) (*plan.Plan, []state.StepExecutionState) {
	p := &plan.Plan{
		ID: "plan-" + executionID,
		Steps: []plan.Step{
			{ID: "s0", StepNumber: 0, ToolName: "geo.lookup", Parameters: map[string]any{"city": "lisbon"}},
			{ID: "s1", StepNumber: 1, ToolName: "geo.lookup", Parameters: map[string]any{"city": "$s0.city"}, DependsOn: []string{"s0"}},
		},
	}
	steps := []state.StepExecutionState{
		{StepID: "s0", Status: state.StepCompleted, Attempts: 1},
		{StepID: "s1", Status: state.StepPending},
	}
	return p, steps
}

// seedTask persists a task envelope stamped at the fixture clock's current
// time.
func (f *sweepFixture) seedTask(t *testing.T, executionID string, status state.TaskStatus, mutate ...func(*state.TaskState)) {
	t.Helper()
	p, steps := zombiePlan(executionID)
	es := &state.ExecutionState{
		ExecutionID:      executionID,
		Status:           state.StatusExecuting,
		Plan:             p,
		Steps:            steps,
		CurrentStepIndex: 1,
	}
	ts := state.NewTaskState(es, len(p.Steps), f.clock.Now())
	ts.Status = status
	ts.SegmentNumber = 2
	for _, m := range mutate {
		m(ts)
	}
	require.NoError(t, f.store.CreateTaskState(context.Background(), ts))
}

// confidentAnalyzer diagnoses every zombie as auto-repairable.
func confidentAnalyzer(confidence float64) recovery.RepairAnalyzer {
	return recovery.AnalyzerFunc(func(_ context.Context, ts *state.TaskState) (recovery.Diagnosis, error) {
		return recovery.Diagnosis{
			FailureType:   "transient_timeout",
			Confidence:    confidence,
			SuggestedFix:  map[string]any{"action": "retry_segment"},
			CanAutoRepair: true,
		}, nil
	})
}

func TestSweepResumesConfidentRepairableZombie(t *testing.T) {
	f := newSweepFixture(t)
	f.seedTask(t, "exec-1", state.TaskInProgress)
	f.clock.Advance(10 * time.Minute)

	sw := f.newSweeper(t, func(o *recovery.Options) {
		o.Analyzer = confidentAnalyzer(0.9)
	})
	report, err := sw.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Scanned)
	assert.Equal(t, 1, report.Zombies)
	assert.Equal(t, 1, report.Resumed)
	assert.Zero(t, report.Escalated)

	resumes := f.pub.ofType(events.WorkflowResume)
	require.Len(t, resumes, 1)
	ev := resumes[0]
	assert.Equal(t, "exec-1", ev.ExecutionID)
	assert.Equal(t, "transient_timeout", ev.Payload["failure_type"])
	assert.Equal(t, map[string]any{"action": "retry_segment"}, ev.Payload["suggested_fix"])
	assert.Equal(t, 1, ev.Payload["recovery_attempt"])
	assert.Equal(t, 2, ev.Payload["segment_number"])
	assert.NotZero(t, ev.Lamport.Counter)
	assert.Empty(t, f.pub.ofType(events.ManualInterventionRequired))

	ts, err := f.store.GetTaskState(context.Background(), "exec-1")
	require.NoError(t, err)
	assert.Equal(t, 1, ts.RecoveryAttempts, "the attempt claim must be durable")
}

func TestSweepIgnoresFreshAndTerminalTasks(t *testing.T) {
	f := newSweepFixture(t)
	f.seedTask(t, "exec-done", state.TaskCompleted)
	f.seedTask(t, "exec-dead", state.TaskCancelled)
	f.clock.Advance(10 * time.Minute)
	f.seedTask(t, "exec-fresh", state.TaskInProgress)

	sw := f.newSweeper(t, func(o *recovery.Options) {
		o.Analyzer = confidentAnalyzer(0.9)
	})
	report, err := sw.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, report.Scanned)
	assert.Zero(t, report.Zombies)
	assert.Empty(t, f.pub.ofType(events.WorkflowResume))
	assert.Empty(t, f.pub.ofType(events.ManualInterventionRequired))
}

func TestSweepEscalatesLowConfidence(t *testing.T) {
	f := newSweepFixture(t)
	f.seedTask(t, "exec-1", state.TaskInProgress)
	f.clock.Advance(10 * time.Minute)

	sw := f.newSweeper(t, func(o *recovery.Options) {
		o.Analyzer = confidentAnalyzer(0.5)
	})
	report, err := sw.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Escalated)
	assert.Zero(t, report.Resumed)

	manual := f.pub.ofType(events.ManualInterventionRequired)
	require.Len(t, manual, 1)
	assert.Equal(t, "confidence below floor", manual[0].Payload["reason"])
	assert.Equal(t, 0.5, manual[0].Payload["confidence"])

	ts, err := f.store.GetTaskState(context.Background(), "exec-1")
	require.NoError(t, err)
	assert.Zero(t, ts.RecoveryAttempts)
}

func TestSweepEscalatesUnrepairableDiagnosis(t *testing.T) {
	f := newSweepFixture(t)
	f.seedTask(t, "exec-1", state.TaskInProgress)
	f.clock.Advance(10 * time.Minute)

	sw := f.newSweeper(t, func(o *recovery.Options) {
		o.Analyzer = recovery.AnalyzerFunc(func(context.Context, *state.TaskState) (recovery.Diagnosis, error) {
			return recovery.Diagnosis{FailureType: "data_corruption", Confidence: 0.95}, nil
		})
	})
	_, err := sw.Tick(context.Background())
	require.NoError(t, err)

	manual := f.pub.ofType(events.ManualInterventionRequired)
	require.Len(t, manual, 1)
	assert.Equal(t, "not auto-repairable", manual[0].Payload["reason"])
	assert.Equal(t, "data_corruption", manual[0].Payload["failure_type"])
}

func TestSweepEscalatesAfterAttemptBudget(t *testing.T) {
	f := newSweepFixture(t)
	f.seedTask(t, "exec-1", state.TaskInProgress, func(ts *state.TaskState) {
		ts.RecoveryAttempts = recovery.DefaultMaxRecoveryAttempts
	})
	f.clock.Advance(10 * time.Minute)

	sw := f.newSweeper(t, func(o *recovery.Options) {
		o.Analyzer = confidentAnalyzer(0.95)
	})
	report, err := sw.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Escalated)

	manual := f.pub.ofType(events.ManualInterventionRequired)
	require.Len(t, manual, 1)
	assert.Equal(t, "recovery attempts exhausted", manual[0].Payload["reason"])
	assert.Equal(t, recovery.DefaultMaxRecoveryAttempts, manual[0].Payload["recovery_attempts"])
}

func TestSweepWithoutAnalyzerEscalates(t *testing.T) {
	f := newSweepFixture(t)
	f.seedTask(t, "exec-1", state.TaskInProgress)
	f.clock.Advance(10 * time.Minute)

	sw := f.newSweeper(t)
	report, err := sw.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Escalated)

	manual := f.pub.ofType(events.ManualInterventionRequired)
	require.Len(t, manual, 1)
	assert.Equal(t, "unknown", manual[0].Payload["failure_type"])
}

func TestSweepAnalyzerErrorEscalates(t *testing.T) {
	f := newSweepFixture(t)
	f.seedTask(t, "exec-1", state.TaskInProgress)
	f.clock.Advance(10 * time.Minute)

	sw := f.newSweeper(t, func(o *recovery.Options) {
		o.Analyzer = recovery.AnalyzerFunc(func(context.Context, *state.TaskState) (recovery.Diagnosis, error) {
			return recovery.Diagnosis{}, fmt.Errorf("analyzer offline")
		})
	})
	_, err := sw.Tick(context.Background())
	require.NoError(t, err)

	manual := f.pub.ofType(events.ManualInterventionRequired)
	require.Len(t, manual, 1)
	assert.Contains(t, manual[0].Payload["reason"], "analysis failed")
	assert.Contains(t, manual[0].Payload["reason"], "analyzer offline")
}

func TestSweepCapsZombiesPerTick(t *testing.T) {
	f := newSweepFixture(t)
	for i := 0; i < 5; i++ {
		f.seedTask(t, fmt.Sprintf("exec-%d", i), state.TaskInProgress)
	}
	f.clock.Advance(10 * time.Minute)

	sw := f.newSweeper(t, func(o *recovery.Options) {
		o.Analyzer = confidentAnalyzer(0.9)
		o.MaxPerTick = 2
	})
	report, err := sw.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Zombies)
	assert.Equal(t, 2, report.Resumed+report.Escalated)
	assert.Len(t, f.pub.ofType(events.WorkflowResume), 2)

	// The remaining zombies surface on the next tick.
	report, err = sw.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Zombies)
}

func TestShadowDivergenceBlocksAutoRepair(t *testing.T) {
	f := newSweepFixture(t)
	require.NoError(t, f.registry.Register(tools.Descriptor{
		Name:    "geo.lookup",
		Version: "2.0.0",
		Params: map[string]tools.Field{
			"city":   {Type: "string", Required: true},
			"format": {Type: "string", Required: true},
		},
	}))
	// The pending step predates the format parameter, so the shadow run
	// must flag it.
	f.seedTask(t, "exec-1", state.TaskInProgress)
	f.clock.Advance(10 * time.Minute)

	sw := f.newSweeper(t, func(o *recovery.Options) {
		o.Analyzer = confidentAnalyzer(0.9)
		o.Shadow = recovery.NewShadowValidator(f.registry)
	})
	report, err := sw.Tick(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Resumed)
	assert.Equal(t, 1, report.Escalated)

	manual := f.pub.ofType(events.ManualInterventionRequired)
	require.Len(t, manual, 1)
	reason, _ := manual[0].Payload["reason"].(string)
	assert.Contains(t, reason, "shadow divergence 1/1")
	assert.Contains(t, reason, "required parameter \"format\" missing")

	ts, err := f.store.GetTaskState(context.Background(), "exec-1")
	require.NoError(t, err)
	assert.Zero(t, ts.RecoveryAttempts, "a blocked repair must not burn an attempt")
}

func TestShadowCleanRunPermitsAutoRepair(t *testing.T) {
	f := newSweepFixture(t)
	require.NoError(t, f.registry.Register(tools.Descriptor{
		Name:    "geo.lookup",
		Version: "1.0.0",
		Params:  map[string]tools.Field{"city": {Type: "string", Required: true}},
	}))
	f.seedTask(t, "exec-1", state.TaskInProgress)
	f.clock.Advance(10 * time.Minute)

	sw := f.newSweeper(t, func(o *recovery.Options) {
		o.Analyzer = confidentAnalyzer(0.9)
		o.Shadow = recovery.NewShadowValidator(f.registry)
	})
	report, err := sw.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Resumed)
	assert.Zero(t, report.Escalated)
}

func TestShadowChecksOnlyRemainingSteps(t *testing.T) {
	registry := tools.NewRegistry()
	require.NoError(t, registry.Register(tools.Descriptor{
		Name:    "geo.lookup",
		Version: "1.0.0",
		Params:  map[string]tools.Field{"city": {Type: "string", Required: true}},
	}))
	shadow := recovery.NewShadowValidator(registry)

	p := &plan.Plan{
		ID: "plan-1",
		Steps: []plan.Step{
			// Completed with parameters that would no longer validate.
			{ID: "s0", StepNumber: 0, ToolName: "geo.lookup", Parameters: map[string]any{"city": 42}},
			// Pending, city fed by reference: exempt from type checks.
			{ID: "s1", StepNumber: 1, ToolName: "geo.lookup", Parameters: map[string]any{"city": "$s0.city"}, DependsOn: []string{"s0"}},
		},
	}
	es := &state.ExecutionState{
		ExecutionID: "exec-1",
		Status:      state.StatusExecuting,
		Plan:        p,
		Steps: []state.StepExecutionState{
			{StepID: "s0", Status: state.StepCompleted, Attempts: 1},
			{StepID: "s1", Status: state.StepPending},
		},
	}
	ts := state.NewTaskState(es, 2, time.Now())

	report, err := shadow.Validate(context.Background(), ts)
	require.NoError(t, err)
	assert.Equal(t, 1, report.CheckedSteps)
	assert.Zero(t, report.DivergentSteps)
	assert.Zero(t, report.Divergence())
	assert.Equal(t, "shadow run clean", report.Reason())
}

func TestShadowFlagsTypeDriftAndMissingTools(t *testing.T) {
	registry := tools.NewRegistry()
	require.NoError(t, registry.Register(tools.Descriptor{
		Name:    "payment.charge",
		Version: "1.0.0",
		Params:  map[string]tools.Field{"amount": {Type: "number", Required: true}},
	}))
	shadow := recovery.NewShadowValidator(registry)

	p := &plan.Plan{
		ID: "plan-1",
		Steps: []plan.Step{
			{ID: "s0", StepNumber: 0, ToolName: "payment.charge", Parameters: map[string]any{"amount": "nineteen"}},
			{ID: "s1", StepNumber: 1, ToolName: "retired.tool", Parameters: map[string]any{}},
		},
	}
	es := &state.ExecutionState{ExecutionID: "exec-1", Status: state.StatusExecuting, Plan: p}
	es.EnsureStepStates(p)
	ts := state.NewTaskState(es, 2, time.Now())

	report, err := shadow.Validate(context.Background(), ts)
	require.NoError(t, err)
	assert.Equal(t, 2, report.CheckedSteps)
	assert.Equal(t, 2, report.DivergentSteps)
	assert.Equal(t, 1.0, report.Divergence())
	require.Len(t, report.Problems, 2)
	assert.Contains(t, report.Problems[0], "no longer a number")
	assert.Contains(t, report.Problems[1], "no longer registered")
}

func TestShadowRequiresEmbeddedPlan(t *testing.T) {
	shadow := recovery.NewShadowValidator(tools.NewRegistry())
	ts := state.NewTaskState(&state.ExecutionState{ExecutionID: "exec-1", Status: state.StatusExecuting}, 0, time.Now())
	_, err := shadow.Validate(context.Background(), ts)
	require.Error(t, err)
}

func TestSweepRunStopsOnCancel(t *testing.T) {
	f := newSweepFixture(t)
	sw := f.newSweeper(t, func(o *recovery.Options) {
		o.PollInterval = 10 * time.Millisecond
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sw.Run(ctx) }()
	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop on cancel")
	}
}
