package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/intentflow/intentflow/runtime/fault"
	"github.com/intentflow/intentflow/runtime/kv"
	"github.com/intentflow/intentflow/runtime/state"
)

// UpdateFunc mutates a freshly loaded ExecutionState inside the OCC loop.
// It may run several times when the write rebases, so it must be
// deterministic over its captured inputs and free of external side effects.
type UpdateFunc func(st *state.ExecutionState) error

// LoadExecutionState reads and validates the authoritative state document.
// Missing documents fail with MEMORY_OPERATION_FAILED wrapping ErrNotFound.
func (s *Store) LoadExecutionState(ctx context.Context, executionID string) (*state.ExecutionState, error) {
	key := s.keys.ExecutionState(executionID)
	raw, ok, err := s.kv.Get(ctx, key)
	if err != nil {
		return nil, fault.Wrap(fault.MemoryOperationFailed,
			fmt.Sprintf("load execution state %s", executionID), err)
	}
	if !ok {
		return nil, fault.Wrap(fault.MemoryOperationFailed,
			fmt.Sprintf("execution state %s not found", executionID), ErrNotFound)
	}
	if err := s.val.check(s.val.executionState, "execution state", []byte(raw)); err != nil {
		return nil, err
	}
	var st state.ExecutionState
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return nil, fault.Wrap(fault.MemoryOperationFailed,
			fmt.Sprintf("decode execution state %s", executionID), err)
	}
	return &st, nil
}

// CreateExecutionState persists a state document that has never been written.
// The state must carry Version zero; on success it carries Version one.
func (s *Store) CreateExecutionState(ctx context.Context, st *state.ExecutionState) error {
	if st.Version != 0 {
		return fault.Newf(fault.MemoryOperationFailed,
			"create execution state %s: version %d is not zero", st.ExecutionID, st.Version)
	}
	st.Version = 1
	st.UpdatedAt = s.now()
	data, err := s.marshalExecutionState(st)
	if err != nil {
		st.Version = 0
		return err
	}
	res, err := s.kv.CompareAndSwap(ctx, s.keys.ExecutionState(st.ExecutionID), 0, string(data), st.Version)
	if err != nil {
		st.Version = 0
		return fault.Wrap(fault.MemoryOperationFailed,
			fmt.Sprintf("create execution state %s", st.ExecutionID), err)
	}
	if !res.Swapped {
		st.Version = 0
		return fault.Wrap(fault.MemoryOperationFailed,
			fmt.Sprintf("execution state %s already exists at version %d", st.ExecutionID, res.CurrentVersion),
			ErrVersionConflict)
	}
	s.armTTL(ctx, s.keys.ExecutionState(st.ExecutionID), kv.KeyExecutionState)
	return nil
}

// SaveExecutionState performs a single compare-and-swap at the state's
// current version. Conflicts fail immediately wrapping ErrVersionConflict;
// use SaveExecutionStateOCC when the caller can rebase.
func (s *Store) SaveExecutionState(ctx context.Context, st *state.ExecutionState) error {
	if st.Version == 0 {
		return s.CreateExecutionState(ctx, st)
	}
	base := st.Version
	st.Version = base + 1
	st.UpdatedAt = s.now()
	data, err := s.marshalExecutionState(st)
	if err != nil {
		st.Version = base
		return err
	}
	res, err := s.kv.CompareAndSwap(ctx, s.keys.ExecutionState(st.ExecutionID), base, string(data), st.Version)
	if err != nil {
		st.Version = base
		return fault.Wrap(fault.MemoryOperationFailed,
			fmt.Sprintf("save execution state %s", st.ExecutionID), err)
	}
	if !res.Swapped {
		st.Version = base
		return fault.Wrap(fault.MemoryOperationFailed,
			fmt.Sprintf("execution state %s version conflict: expected %d, store has %d",
				st.ExecutionID, base, res.CurrentVersion),
			ErrVersionConflict).
			WithDetail("expected_version", base).
			WithDetail("current_version", res.CurrentVersion)
	}
	s.armTTL(ctx, s.keys.ExecutionState(st.ExecutionID), kv.KeyExecutionState)
	return nil
}

// SaveExecutionStateOCC runs update against the latest state and persists the
// result, rebasing on version conflicts: reload, reapply, retry with jittered
// exponential backoff. Exhausting the rebase budget fails with
// MEMORY_OPERATION_FAILED wrapping ErrVersionConflict. Returns the state as
// persisted.
func (s *Store) SaveExecutionStateOCC(ctx context.Context, executionID string, update UpdateFunc) (*state.ExecutionState, error) {
	for attempt := 0; ; attempt++ {
		st, err := s.LoadExecutionState(ctx, executionID)
		if err != nil {
			return nil, err
		}
		if err := update(st); err != nil {
			return nil, err
		}
		err = s.SaveExecutionState(ctx, st)
		if err == nil {
			return st, nil
		}
		if !isConflict(err) {
			return nil, err
		}
		if attempt >= s.maxRebases {
			return nil, fault.Wrap(fault.MemoryOperationFailed,
				fmt.Sprintf("execution state %s: rebase budget exhausted after %d attempts",
					executionID, attempt+1),
				ErrVersionConflict).
				WithDetail("attempts", attempt+1)
		}
		s.log.Warn(ctx, "execution state version conflict, rebasing",
			"execution_id", executionID,
			"attempt", attempt+1)
		if err := sleep(ctx, s.backoff(attempt)); err != nil {
			return nil, err
		}
	}
}

// marshalExecutionState serializes and schema-checks a state document.
func (s *Store) marshalExecutionState(st *state.ExecutionState) ([]byte, error) {
	data, err := json.Marshal(st)
	if err != nil {
		return nil, fault.Wrap(fault.MemoryOperationFailed,
			fmt.Sprintf("encode execution state %s", st.ExecutionID), err)
	}
	if err := s.val.check(s.val.executionState, "execution state", data); err != nil {
		return nil, err
	}
	return data, nil
}

// armTTL re-arms the document lifetime after a successful write. Best
// effort: a failed re-arm is logged, not surfaced, since the write itself
// committed.
func (s *Store) armTTL(ctx context.Context, key string, t kv.KeyType) {
	ttl := s.ttl.For(t)
	if ttl <= 0 {
		return
	}
	if err := s.kv.Expire(ctx, key, ttl); err != nil {
		s.log.Warn(ctx, "ttl re-arm failed", "key", key, "err", err)
	}
}

func isConflict(err error) bool {
	return errors.Is(err, ErrVersionConflict)
}
