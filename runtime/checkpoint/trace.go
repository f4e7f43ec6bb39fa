package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/intentflow/intentflow/runtime/fault"
	"github.com/intentflow/intentflow/runtime/kv"
	"github.com/intentflow/intentflow/runtime/state"
)

// DefaultTraceCap bounds the per-execution trace timeline. Oldest rows are
// trimmed once the cap is exceeded.
const DefaultTraceCap = 1000

// AppendTrace adds a row to the execution's tool timeline, ordered by
// timestamp, trimming beyond the cap and re-arming the trace TTL.
func (s *Store) AppendTrace(ctx context.Context, executionID string, entry state.TraceEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.now()
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fault.Wrap(fault.MemoryOperationFailed,
			fmt.Sprintf("encode trace entry for %s", executionID), err)
	}
	if err := s.val.check(s.val.traceEntry, "trace entry", data); err != nil {
		return err
	}
	key := s.keys.ExecutionTrace(executionID)
	score := float64(entry.Timestamp.UnixMilli())
	if err := s.kv.ZAdd(ctx, key, score, string(data)); err != nil {
		return fault.Wrap(fault.MemoryOperationFailed,
			fmt.Sprintf("append trace for %s", executionID), err)
	}
	if _, err := s.kv.ZRemRangeByRank(ctx, key, 0, int64(-DefaultTraceCap-1)); err != nil {
		s.log.Warn(ctx, "trace trim failed", "execution_id", executionID, "err", err)
	}
	s.armTTL(ctx, key, kv.KeyExecutionTrace)
	return nil
}

// LoadTrace returns up to limit timeline rows in chronological order. A
// non-positive limit loads the full retained window.
func (s *Store) LoadTrace(ctx context.Context, executionID string, limit int64) ([]state.TraceEntry, error) {
	key := s.keys.ExecutionTrace(executionID)
	stop := limit - 1
	if limit <= 0 {
		stop = -1
	}
	rows, err := s.kv.ZRange(ctx, key, 0, stop)
	if err != nil {
		return nil, fault.Wrap(fault.MemoryOperationFailed,
			fmt.Sprintf("load trace for %s", executionID), err)
	}
	out := make([]state.TraceEntry, 0, len(rows))
	for _, row := range rows {
		if err := s.val.check(s.val.traceEntry, "trace entry", []byte(row)); err != nil {
			return nil, err
		}
		var entry state.TraceEntry
		if err := json.Unmarshal([]byte(row), &entry); err != nil {
			return nil, fault.Wrap(fault.MemoryOperationFailed,
				fmt.Sprintf("decode trace entry for %s", executionID), err)
		}
		out = append(out, entry)
	}
	return out, nil
}
