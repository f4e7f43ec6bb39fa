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

// SaveCheckpoint writes the compact resume snapshot for an intent. Snapshots
// of finished sagas are frozen: once a stored checkpoint reaches a terminal
// status every further write fails wrapping ErrCheckpointFrozen.
func (s *Store) SaveCheckpoint(ctx context.Context, intentID string, cp *state.Checkpoint) error {
	existing, err := s.LoadCheckpoint(ctx, intentID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if existing != nil && existing.Status != state.CheckpointActive {
		return fault.Wrap(fault.MemoryOperationFailed,
			fmt.Sprintf("checkpoint %s is terminal (%s)", intentID, existing.Status),
			ErrCheckpointFrozen)
	}
	cp.UpdatedAt = s.now()
	data, err := json.Marshal(cp)
	if err != nil {
		return fault.Wrap(fault.MemoryOperationFailed,
			fmt.Sprintf("encode checkpoint %s", intentID), err)
	}
	key := s.keys.Checkpoint(intentID)
	if err := s.kv.SetExpiring(ctx, key, string(data), s.ttl.For(kv.KeyCheckpoint)); err != nil {
		return fault.Wrap(fault.MemoryOperationFailed,
			fmt.Sprintf("save checkpoint %s", intentID), err)
	}
	return nil
}

// LoadCheckpoint reads the resume snapshot for an intent.
func (s *Store) LoadCheckpoint(ctx context.Context, intentID string) (*state.Checkpoint, error) {
	raw, ok, err := s.kv.Get(ctx, s.keys.Checkpoint(intentID))
	if err != nil {
		return nil, fault.Wrap(fault.MemoryOperationFailed,
			fmt.Sprintf("load checkpoint %s", intentID), err)
	}
	if !ok {
		return nil, fault.Wrap(fault.MemoryOperationFailed,
			fmt.Sprintf("checkpoint %s not found", intentID), ErrNotFound)
	}
	var cp state.Checkpoint
	if err := json.Unmarshal([]byte(raw), &cp); err != nil {
		return nil, fault.Wrap(fault.MemoryOperationFailed,
			fmt.Sprintf("decode checkpoint %s", intentID), err)
	}
	return &cp, nil
}
