package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/intentflow/intentflow/runtime/fault"
	"github.com/intentflow/intentflow/runtime/intent"
	"github.com/intentflow/intentflow/runtime/kv"
	"github.com/intentflow/intentflow/runtime/plan"
	"github.com/intentflow/intentflow/runtime/tools"
)

// CachePlan stores a validated plan under the plan-cache key. Callers key by
// intent content hash so identical requests reuse the generated plan within
// the cache window.
func (s *Store) CachePlan(ctx context.Context, cacheKey string, p *plan.Plan) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fault.Wrap(fault.MemoryOperationFailed,
			fmt.Sprintf("encode cached plan %s", cacheKey), err)
	}
	key := s.keys.Build(kv.KeyPlanCache, cacheKey)
	if err := s.kv.SetExpiring(ctx, key, string(data), s.ttl.For(kv.KeyPlanCache)); err != nil {
		return fault.Wrap(fault.MemoryOperationFailed,
			fmt.Sprintf("cache plan %s", cacheKey), err)
	}
	return nil
}

// CachedPlan returns the cached plan for cacheKey, if present and unexpired.
func (s *Store) CachedPlan(ctx context.Context, cacheKey string) (*plan.Plan, bool, error) {
	raw, ok, err := s.kv.Get(ctx, s.keys.Build(kv.KeyPlanCache, cacheKey))
	if err != nil {
		return nil, false, fault.Wrap(fault.MemoryOperationFailed,
			fmt.Sprintf("load cached plan %s", cacheKey), err)
	}
	if !ok {
		return nil, false, nil
	}
	var p plan.Plan
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, false, fault.Wrap(fault.MemoryOperationFailed,
			fmt.Sprintf("decode cached plan %s", cacheKey), err)
	}
	return &p, true, nil
}

// SaveToolResult caches a successful tool result under its idempotency
// fingerprint so duplicate invocations inside the claim window can return the
// original output instead of a bare skip marker.
func (s *Store) SaveToolResult(ctx context.Context, fingerprint string, result tools.Result) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fault.Wrap(fault.MemoryOperationFailed,
			fmt.Sprintf("encode tool result %s", fingerprint), err)
	}
	key := s.keys.Build(kv.KeyToolResult, fingerprint)
	if err := s.kv.SetExpiring(ctx, key, string(data), s.ttl.For(kv.KeyToolResult)); err != nil {
		return fault.Wrap(fault.MemoryOperationFailed,
			fmt.Sprintf("save tool result %s", fingerprint), err)
	}
	return nil
}

// LoadToolResult returns the cached tool result for a fingerprint.
func (s *Store) LoadToolResult(ctx context.Context, fingerprint string) (tools.Result, bool, error) {
	raw, ok, err := s.kv.Get(ctx, s.keys.Build(kv.KeyToolResult, fingerprint))
	if err != nil {
		return tools.Result{}, false, fault.Wrap(fault.MemoryOperationFailed,
			fmt.Sprintf("load tool result %s", fingerprint), err)
	}
	if !ok {
		return tools.Result{}, false, nil
	}
	var res tools.Result
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		return tools.Result{}, false, fault.Wrap(fault.MemoryOperationFailed,
			fmt.Sprintf("decode tool result %s", fingerprint), err)
	}
	return res, true, nil
}

// AppendIntentHistory records an accepted intent on the user's timeline.
func (s *Store) AppendIntentHistory(ctx context.Context, userID string, in *intent.Intent) error {
	data, err := json.Marshal(in)
	if err != nil {
		return fault.Wrap(fault.MemoryOperationFailed,
			fmt.Sprintf("encode intent %s", in.ID), err)
	}
	key := s.keys.Build(kv.KeyIntentHistory, userID)
	score := float64(s.now().UnixMilli())
	if err := s.kv.ZAdd(ctx, key, score, string(data)); err != nil {
		return fault.Wrap(fault.MemoryOperationFailed,
			fmt.Sprintf("append intent history for %s", userID), err)
	}
	s.armTTL(ctx, key, kv.KeyIntentHistory)
	return nil
}

// LoadIntentHistory returns up to limit intents for a user in chronological
// order. A non-positive limit loads the full retained window.
func (s *Store) LoadIntentHistory(ctx context.Context, userID string, limit int64) ([]intent.Intent, error) {
	stop := limit - 1
	if limit <= 0 {
		stop = -1
	}
	rows, err := s.kv.ZRange(ctx, s.keys.Build(kv.KeyIntentHistory, userID), 0, stop)
	if err != nil {
		return nil, fault.Wrap(fault.MemoryOperationFailed,
			fmt.Sprintf("load intent history for %s", userID), err)
	}
	out := make([]intent.Intent, 0, len(rows))
	for _, row := range rows {
		var in intent.Intent
		if err := json.Unmarshal([]byte(row), &in); err != nil {
			return nil, fault.Wrap(fault.MemoryOperationFailed,
				fmt.Sprintf("decode intent history for %s", userID), err)
		}
		out = append(out, in)
	}
	return out, nil
}

// SaveUserContext stores per-user planner context.
func (s *Store) SaveUserContext(ctx context.Context, userID string, data map[string]any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fault.Wrap(fault.MemoryOperationFailed,
			fmt.Sprintf("encode user context %s", userID), err)
	}
	key := s.keys.Build(kv.KeyUserContext, userID)
	if err := s.kv.SetExpiring(ctx, key, string(raw), s.ttl.For(kv.KeyUserContext)); err != nil {
		return fault.Wrap(fault.MemoryOperationFailed,
			fmt.Sprintf("save user context %s", userID), err)
	}
	return nil
}

// LoadUserContext returns the stored per-user planner context.
func (s *Store) LoadUserContext(ctx context.Context, userID string) (map[string]any, bool, error) {
	raw, ok, err := s.kv.Get(ctx, s.keys.Build(kv.KeyUserContext, userID))
	if err != nil {
		return nil, false, fault.Wrap(fault.MemoryOperationFailed,
			fmt.Sprintf("load user context %s", userID), err)
	}
	if !ok {
		return nil, false, nil
	}
	var data map[string]any
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return nil, false, fault.Wrap(fault.MemoryOperationFailed,
			fmt.Sprintf("decode user context %s", userID), err)
	}
	return data, true, nil
}

// SetSystemConfig stores a configuration document. System configuration never
// expires.
func (s *Store) SetSystemConfig(ctx context.Context, name, value string) error {
	if err := s.kv.Set(ctx, s.keys.Build(kv.KeySystemConfig, name), value); err != nil {
		return fault.Wrap(fault.MemoryOperationFailed,
			fmt.Sprintf("set system config %s", name), err)
	}
	return nil
}

// GetSystemConfig returns a configuration document.
func (s *Store) GetSystemConfig(ctx context.Context, name string) (string, bool, error) {
	raw, ok, err := s.kv.Get(ctx, s.keys.Build(kv.KeySystemConfig, name))
	if err != nil {
		return "", false, fault.Wrap(fault.MemoryOperationFailed,
			fmt.Sprintf("get system config %s", name), err)
	}
	return raw, ok, nil
}
