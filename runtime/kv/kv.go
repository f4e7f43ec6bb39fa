// Package kv defines the durable key/value store contract the orchestration
// runtime persists through. The interface mirrors the subset of Redis the
// system relies on: strings with TTL, atomic counters, sorted sets, sets,
// cursor-based enumeration, and two scripted primitives: compare-and-swap
// keyed on the `_version` field embedded in stored JSON documents, and a
// shallow delta merge that bumps that version server-side.
//
// Contracts every implementation must honour:
//
//   - Enumeration never blocks the store. Scan is the only sanctioned
//     enumerator; a KEYS-style full scan is prohibited in any hot path.
//   - Counters created by Increment get a TTL armed on the 0→1 transition,
//     using the implementation's configured counter TTL.
//   - CompareAndSwap writes only when the stored document's `_version`
//     equals the caller's expected version; a miss reports the current
//     version and value so the caller can rebase.
//   - Transient unavailability surfaces as an error; callers that can
//     operate statelessly degrade rather than crash.
package kv

import (
	"context"
	"time"
)

type (
	// Store is the durable key/value contract. All keys passed in are fully
	// namespaced; use Keys to build them.
	Store interface {
		// Get returns the value at key. ok is false when the key is absent.
		Get(ctx context.Context, key string) (value string, ok bool, err error)
		// Set writes value at key with no expiry.
		Set(ctx context.Context, key, value string) error
		// SetExpiring writes value at key with the given TTL.
		SetExpiring(ctx context.Context, key, value string, ttl time.Duration) error
		// SetNX writes value only when key is absent, arming ttl on success.
		// Returns true when the write happened. This is the claim primitive
		// used by the idempotency gate.
		SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
		// Delete removes key. Deleting an absent key is not an error.
		Delete(ctx context.Context, key string) error
		// Exists reports whether key is present.
		Exists(ctx context.Context, key string) (bool, error)
		// Expire sets the TTL on an existing key. Returns without error when
		// the key is absent.
		Expire(ctx context.Context, key string, ttl time.Duration) error
		// Increment atomically increments the integer at key and returns the
		// new value. The counter TTL is armed when the result is 1.
		Increment(ctx context.Context, key string) (int64, error)

		// ZAdd adds member with score to the sorted set at key.
		ZAdd(ctx context.Context, key string, score float64, member string) error
		// ZRange returns members by rank, inclusive; negative indexes count
		// from the end as in Redis.
		ZRange(ctx context.Context, key string, start, stop int64) ([]string, error)
		// ZRangeByScore returns up to count members with min ≤ score ≤ max in
		// ascending score order. count ≤ 0 means unlimited.
		ZRangeByScore(ctx context.Context, key string, min, max float64, count int64) ([]string, error)
		// ZRank returns the ascending rank of member. ok is false when the
		// member or key is absent.
		ZRank(ctx context.Context, key, member string) (rank int64, ok bool, err error)
		// ZCard returns the cardinality of the sorted set at key.
		ZCard(ctx context.Context, key string) (int64, error)
		// ZRemRangeByRank removes members by rank range and returns the
		// number removed.
		ZRemRangeByRank(ctx context.Context, key string, start, stop int64) (int64, error)
		// ZRem removes members from the sorted set at key.
		ZRem(ctx context.Context, key string, members ...string) error

		// SAdd adds members to the set at key.
		SAdd(ctx context.Context, key string, members ...string) error
		// SRem removes members from the set at key.
		SRem(ctx context.Context, key string, members ...string) error
		// SMembers returns all members of the set at key.
		SMembers(ctx context.Context, key string) ([]string, error)

		// Scan enumerates keys matching pattern incrementally. Pass cursor 0
		// to start; iteration is complete when the returned cursor is 0.
		// count is a paging hint, not a strict page size.
		Scan(ctx context.Context, cursor uint64, pattern string, count int64) (keys []string, next uint64, err error)

		// CompareAndSwap writes value at key iff the stored document's
		// `_version` equals expectedVersion. An absent key has version 0.
		// The result reports the outcome and, on a miss, the current version
		// and value for rebasing.
		CompareAndSwap(ctx context.Context, key string, expectedVersion int64, value string, newVersion int64) (CASResult, error)
		// MergeDelta shallow-merges patch into the JSON object stored at key
		// and bumps its `_version`, creating the document when absent.
		// Returns the new version.
		MergeDelta(ctx context.Context, key string, patch map[string]any) (int64, error)
	}

	// CASResult reports the outcome of a CompareAndSwap.
	CASResult struct {
		// Swapped is true when the write happened.
		Swapped bool
		// CurrentVersion is the version in the store after the call: the new
		// version on success, the conflicting version on a miss.
		CurrentVersion int64
		// CurrentValue is the stored value on a miss so callers can rebase
		// without a second read. Empty on success.
		CurrentValue string
	}
)
