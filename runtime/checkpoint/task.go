package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/intentflow/intentflow/runtime/fault"
	"github.com/intentflow/intentflow/runtime/kv"
	"github.com/intentflow/intentflow/runtime/state"
)

// TaskUpdateFunc mutates a freshly loaded TaskState inside the OCC loop.
// Same contract as UpdateFunc: it may run more than once.
type TaskUpdateFunc func(ts *state.TaskState) error

// GetTaskState reads and validates the task envelope.
func (s *Store) GetTaskState(ctx context.Context, executionID string) (*state.TaskState, error) {
	key := s.keys.Task(executionID)
	raw, ok, err := s.kv.Get(ctx, key)
	if err != nil {
		return nil, fault.Wrap(fault.MemoryOperationFailed,
			fmt.Sprintf("load task state %s", executionID), err)
	}
	if !ok {
		return nil, fault.Wrap(fault.MemoryOperationFailed,
			fmt.Sprintf("task state %s not found", executionID), ErrNotFound)
	}
	if err := s.val.check(s.val.taskState, "task state", []byte(raw)); err != nil {
		return nil, err
	}
	var ts state.TaskState
	if err := json.Unmarshal([]byte(raw), &ts); err != nil {
		return nil, fault.Wrap(fault.MemoryOperationFailed,
			fmt.Sprintf("decode task state %s", executionID), err)
	}
	return &ts, nil
}

// CreateTaskState persists a never-written task envelope at version one.
func (s *Store) CreateTaskState(ctx context.Context, ts *state.TaskState) error {
	if ts.Version != 0 {
		return fault.Newf(fault.MemoryOperationFailed,
			"create task state %s: version %d is not zero", ts.ExecutionID, ts.Version)
	}
	ts.Version = 1
	ts.UpdatedAt = s.now()
	data, err := s.marshalTaskState(ts)
	if err != nil {
		ts.Version = 0
		return err
	}
	res, err := s.kv.CompareAndSwap(ctx, s.keys.Task(ts.ExecutionID), 0, string(data), ts.Version)
	if err != nil {
		ts.Version = 0
		return fault.Wrap(fault.MemoryOperationFailed,
			fmt.Sprintf("create task state %s", ts.ExecutionID), err)
	}
	if !res.Swapped {
		ts.Version = 0
		return fault.Wrap(fault.MemoryOperationFailed,
			fmt.Sprintf("task state %s already exists at version %d", ts.ExecutionID, res.CurrentVersion),
			ErrVersionConflict)
	}
	s.armTTL(ctx, s.keys.Task(ts.ExecutionID), kv.KeyTask)
	return nil
}

// SaveTaskState performs a single compare-and-swap at the envelope's current
// version.
func (s *Store) SaveTaskState(ctx context.Context, ts *state.TaskState) error {
	if ts.Version == 0 {
		return s.CreateTaskState(ctx, ts)
	}
	base := ts.Version
	ts.Version = base + 1
	ts.UpdatedAt = s.now()
	data, err := s.marshalTaskState(ts)
	if err != nil {
		ts.Version = base
		return err
	}
	res, err := s.kv.CompareAndSwap(ctx, s.keys.Task(ts.ExecutionID), base, string(data), ts.Version)
	if err != nil {
		ts.Version = base
		return fault.Wrap(fault.MemoryOperationFailed,
			fmt.Sprintf("save task state %s", ts.ExecutionID), err)
	}
	if !res.Swapped {
		ts.Version = base
		return fault.Wrap(fault.MemoryOperationFailed,
			fmt.Sprintf("task state %s version conflict: expected %d, store has %d",
				ts.ExecutionID, base, res.CurrentVersion),
			ErrVersionConflict).
			WithDetail("expected_version", base).
			WithDetail("current_version", res.CurrentVersion)
	}
	s.armTTL(ctx, s.keys.Task(ts.ExecutionID), kv.KeyTask)
	return nil
}

// UpdateTaskStateOCC runs update against the latest envelope and persists the
// result, rebasing on conflicts like SaveExecutionStateOCC.
func (s *Store) UpdateTaskStateOCC(ctx context.Context, executionID string, update TaskUpdateFunc) (*state.TaskState, error) {
	for attempt := 0; ; attempt++ {
		ts, err := s.GetTaskState(ctx, executionID)
		if err != nil {
			return nil, err
		}
		if err := update(ts); err != nil {
			return nil, err
		}
		err = s.SaveTaskState(ctx, ts)
		if err == nil {
			return ts, nil
		}
		if !isConflict(err) {
			return nil, err
		}
		if attempt >= s.maxRebases {
			return nil, fault.Wrap(fault.MemoryOperationFailed,
				fmt.Sprintf("task state %s: rebase budget exhausted after %d attempts",
					executionID, attempt+1),
				ErrVersionConflict).
				WithDetail("attempts", attempt+1)
		}
		s.log.Warn(ctx, "task state version conflict, rebasing",
			"execution_id", executionID,
			"attempt", attempt+1)
		if err := sleep(ctx, s.backoff(attempt)); err != nil {
			return nil, err
		}
	}
}

// TransitionTaskState advances the task status through the closed graph,
// appending to the transition log. Illegal moves fail with
// STATE_TRANSITION_INVALID before anything is written.
func (s *Store) TransitionTaskState(ctx context.Context, executionID string, to state.TaskStatus, reason string) (*state.TaskState, error) {
	return s.UpdateTaskStateOCC(ctx, executionID, func(ts *state.TaskState) error {
		return ts.Transition(to, reason, s.now())
	})
}

func (s *Store) marshalTaskState(ts *state.TaskState) ([]byte, error) {
	data, err := json.Marshal(ts)
	if err != nil {
		return nil, fault.Wrap(fault.MemoryOperationFailed,
			fmt.Sprintf("encode task state %s", ts.ExecutionID), err)
	}
	if err := s.val.check(s.val.taskState, "task state", data); err != nil {
		return nil, err
	}
	return data, nil
}
