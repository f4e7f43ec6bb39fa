// Package redis implements kv.Store over a Redis connection. Documents live
// in plain strings keyed by the shared namespace layout; optimistic
// concurrency runs through two Lua scripts so the `_version` check and the
// write land atomically server-side. Backing-service failures surface as
// INFRASTRUCTURE_ERROR faults; an absent key is never an error.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"goa.design/clue/health"

	"github.com/intentflow/intentflow/runtime/fault"
	"github.com/intentflow/intentflow/runtime/kv"
)

const (
	// DefaultCounterTTL is armed when Increment creates a counter.
	DefaultCounterTTL = 24 * time.Hour
	// defaultOpTimeout bounds individual Redis operations.
	defaultOpTimeout = 5 * time.Second
	// pingerName identifies this store in health reports.
	pingerName = "kv-redis"
)

type (
	// Options configures the Redis store.
	Options struct {
		// Client is the Redis connection. Required; the caller owns its
		// lifecycle.
		Client *goredis.Client

		// CounterTTL is armed when Increment transitions a counter 0→1.
		// Zero uses DefaultCounterTTL.
		CounterTTL time.Duration

		// Timeout bounds individual operations. Zero uses a 5s default;
		// negative disables the bound.
		Timeout time.Duration
	}

	// Store implements kv.Store over Redis.
	Store struct {
		rdb        *goredis.Client
		counterTTL time.Duration
		timeout    time.Duration
	}
)

var (
	_ kv.Store      = (*Store)(nil)
	_ health.Pinger = (*Store)(nil)
)

// casScript writes only when the stored document's `_version` matches the
// expected one. An absent key has version zero and is created then. The
// write keeps any TTL already armed on the key.
//
// KEYS[1] key, ARGV[1] expected version, ARGV[2] value, ARGV[3] new version.
// Returns {1, newVersion, ''} on success, {0, currentVersion, currentValue}
// on a miss.
var casScript = goredis.NewScript(`
local current = redis.call('GET', KEYS[1])
if not current then
  if tonumber(ARGV[1]) == 0 then
    redis.call('SET', KEYS[1], ARGV[2])
    return {1, tonumber(ARGV[3]), ''}
  end
  return {0, 0, ''}
end
local doc = cjson.decode(current)
if type(doc) ~= 'table' then
  return redis.error_reply('value at ' .. KEYS[1] .. ' is not a JSON object')
end
local ver = tonumber(doc['_version']) or 0
if ver ~= tonumber(ARGV[1]) then
  return {0, ver, current}
end
redis.call('SET', KEYS[1], ARGV[2], 'KEEPTTL')
return {1, tonumber(ARGV[3]), ''}
`)

// mergeScript shallow-merges a JSON patch into the stored document and bumps
// its `_version`, creating the document when absent. The write keeps any TTL
// already armed on the key.
//
// KEYS[1] key, ARGV[1] patch JSON. Returns the new version.
var mergeScript = goredis.NewScript(`
local current = redis.call('GET', KEYS[1])
local doc
if current then
  doc = cjson.decode(current)
  if type(doc) ~= 'table' then
    return redis.error_reply('value at ' .. KEYS[1] .. ' is not a JSON object')
  end
else
  doc = {}
end
local patch = cjson.decode(ARGV[1])
for k, v in pairs(patch) do
  doc[k] = v
end
local ver = (tonumber(doc['_version']) or 0) + 1
doc['_version'] = ver
redis.call('SET', KEYS[1], cjson.encode(doc), 'KEEPTTL')
return ver
`)

// New validates opts and constructs a Store.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, fault.New(fault.InfrastructureError, "redis: client is required")
	}
	counterTTL := opts.CounterTTL
	if counterTTL <= 0 {
		counterTTL = DefaultCounterTTL
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = defaultOpTimeout
	}
	return &Store{
		rdb:        opts.Client,
		counterTTL: counterTTL,
		timeout:    timeout,
	}, nil
}

// Name implements health.Pinger.
func (s *Store) Name() string { return pingerName }

// Ping implements health.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.rdb.Ping(ctx).Err()
}

// Get implements kv.Store.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	val, err := s.rdb.Get(ctx, key).Result()
	if errors.Is(err, goredis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, infra("get", key, err)
	}
	return val, true, nil
}

// Set implements kv.Store.
func (s *Store) Set(ctx context.Context, key, value string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := s.rdb.Set(ctx, key, value, 0).Err(); err != nil {
		return infra("set", key, err)
	}
	return nil
}

// SetExpiring implements kv.Store.
func (s *Store) SetExpiring(ctx context.Context, key, value string, ttl time.Duration) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := s.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return infra("setex", key, err)
	}
	return nil
}

// SetNX implements kv.Store.
func (s *Store) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	ok, err := s.rdb.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, infra("setnx", key, err)
	}
	return ok, nil
}

// Delete implements kv.Store.
func (s *Store) Delete(ctx context.Context, key string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := s.rdb.Del(ctx, key).Err(); err != nil {
		return infra("del", key, err)
	}
	return nil
}

// Exists implements kv.Store.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	n, err := s.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, infra("exists", key, err)
	}
	return n > 0, nil
}

// Expire implements kv.Store.
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := s.rdb.Expire(ctx, key, ttl).Err(); err != nil {
		return infra("expire", key, err)
	}
	return nil
}

// Increment implements kv.Store. The counter TTL is armed on the 0→1
// transition so abandoned counters drain out of the keyspace.
func (s *Store) Increment(ctx context.Context, key string) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	n, err := s.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, infra("incr", key, err)
	}
	if n == 1 {
		if err := s.rdb.Expire(ctx, key, s.counterTTL).Err(); err != nil {
			return n, infra("expire", key, err)
		}
	}
	return n, nil
}

// ZAdd implements kv.Store.
func (s *Store) ZAdd(ctx context.Context, key string, score float64, member string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := s.rdb.ZAdd(ctx, key, goredis.Z{Score: score, Member: member}).Err(); err != nil {
		return infra("zadd", key, err)
	}
	return nil
}

// ZRange implements kv.Store.
func (s *Store) ZRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	members, err := s.rdb.ZRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, infra("zrange", key, err)
	}
	return members, nil
}

// ZRangeByScore implements kv.Store.
func (s *Store) ZRangeByScore(ctx context.Context, key string, min, max float64, count int64) ([]string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if count < 0 {
		count = 0
	}
	members, err := s.rdb.ZRangeByScore(ctx, key, &goredis.ZRangeBy{
		Min:   formatScore(min),
		Max:   formatScore(max),
		Count: count,
	}).Result()
	if err != nil {
		return nil, infra("zrangebyscore", key, err)
	}
	return members, nil
}

// ZRank implements kv.Store.
func (s *Store) ZRank(ctx context.Context, key, member string) (int64, bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	rank, err := s.rdb.ZRank(ctx, key, member).Result()
	if errors.Is(err, goredis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, infra("zrank", key, err)
	}
	return rank, true, nil
}

// ZCard implements kv.Store.
func (s *Store) ZCard(ctx context.Context, key string) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	n, err := s.rdb.ZCard(ctx, key).Result()
	if err != nil {
		return 0, infra("zcard", key, err)
	}
	return n, nil
}

// ZRemRangeByRank implements kv.Store.
func (s *Store) ZRemRangeByRank(ctx context.Context, key string, start, stop int64) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	n, err := s.rdb.ZRemRangeByRank(ctx, key, start, stop).Result()
	if err != nil {
		return 0, infra("zremrangebyrank", key, err)
	}
	return n, nil
}

// ZRem implements kv.Store.
func (s *Store) ZRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := s.rdb.ZRem(ctx, key, toAny(members)...).Err(); err != nil {
		return infra("zrem", key, err)
	}
	return nil
}

// SAdd implements kv.Store.
func (s *Store) SAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := s.rdb.SAdd(ctx, key, toAny(members)...).Err(); err != nil {
		return infra("sadd", key, err)
	}
	return nil
}

// SRem implements kv.Store.
func (s *Store) SRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := s.rdb.SRem(ctx, key, toAny(members)...).Err(); err != nil {
		return infra("srem", key, err)
	}
	return nil
}

// SMembers implements kv.Store.
func (s *Store) SMembers(ctx context.Context, key string) ([]string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	members, err := s.rdb.SMembers(ctx, key).Result()
	if err != nil {
		return nil, infra("smembers", key, err)
	}
	return members, nil
}

// Scan implements kv.Store.
func (s *Store) Scan(ctx context.Context, cursor uint64, pattern string, count int64) ([]string, uint64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	keys, next, err := s.rdb.Scan(ctx, cursor, pattern, count).Result()
	if err != nil {
		return nil, 0, infra("scan", pattern, err)
	}
	return keys, next, nil
}

// CompareAndSwap implements kv.Store via the CAS script.
func (s *Store) CompareAndSwap(ctx context.Context, key string, expectedVersion int64, value string, newVersion int64) (kv.CASResult, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	raw, err := casScript.Run(ctx, s.rdb, []string{key}, expectedVersion, value, newVersion).Result()
	if err != nil {
		return kv.CASResult{}, infra("cas", key, err)
	}
	reply, ok := raw.([]any)
	if !ok || len(reply) != 3 {
		return kv.CASResult{}, infra("cas", key, fmt.Errorf("unexpected script reply %T", raw))
	}
	res := kv.CASResult{
		Swapped:        asInt64(reply[0]) == 1,
		CurrentVersion: asInt64(reply[1]),
	}
	if sv, ok := reply[2].(string); ok {
		res.CurrentValue = sv
	}
	return res, nil
}

// MergeDelta implements kv.Store via the merge script.
func (s *Store) MergeDelta(ctx context.Context, key string, patch map[string]any) (int64, error) {
	data, err := json.Marshal(patch)
	if err != nil {
		return 0, fault.Wrap(fault.MemoryOperationFailed,
			fmt.Sprintf("merge %s: patch does not marshal", key), err)
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	ver, err := mergeScript.Run(ctx, s.rdb, []string{key}, string(data)).Int64()
	if err != nil {
		return 0, infra("merge", key, err)
	}
	return ver, nil
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

func infra(op, key string, err error) error {
	return fault.Wrap(fault.InfrastructureError, fmt.Sprintf("redis %s %s", op, key), err)
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func formatScore(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func asInt64(v any) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case string:
		n, _ := strconv.ParseInt(t, 10, 64)
		return n
	default:
		return 0
	}
}
