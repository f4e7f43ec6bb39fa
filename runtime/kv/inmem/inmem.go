// Package inmem provides an in-memory implementation of kv.Store for testing
// and local development. It mirrors the semantics the Redis-backed store
// provides (TTL expiry, counter TTL arming, sorted sets, SCAN paging, and
// the scripted CAS and delta-merge primitives) without durability. Use it
// for unit tests and prototyping; production deployments use features/kv/redis.
package inmem

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/intentflow/intentflow/runtime/kv"
)

// DefaultCounterTTL is armed on counters created by Increment when Options
// does not override it.
const DefaultCounterTTL = 24 * time.Hour

type (
	// Options configures the in-memory store.
	Options struct {
		// CounterTTL is armed when Increment transitions a counter 0→1.
		// Zero uses DefaultCounterTTL.
		CounterTTL time.Duration
		// Clock supplies the current time for TTL bookkeeping. Defaults to
		// time.Now. Tests inject a fake to exercise expiry deterministically.
		Clock func() time.Time
	}

	// Store implements kv.Store in memory. All operations are thread-safe.
	// Expired entries are dropped lazily on access.
	Store struct {
		mu         sync.Mutex
		now        func() time.Time
		counterTTL time.Duration
		strings    map[string]entry
		zsets      map[string]map[string]float64
		sets       map[string]map[string]struct{}
	}

	entry struct {
		value     string
		expiresAt time.Time // zero means no expiry
	}
)

var _ kv.Store = (*Store)(nil)

// New constructs an empty in-memory store.
func New(opts Options) *Store {
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	ttl := opts.CounterTTL
	if ttl <= 0 {
		ttl = DefaultCounterTTL
	}
	return &Store{
		now:        now,
		counterTTL: ttl,
		strings:    make(map[string]entry),
		zsets:      make(map[string]map[string]float64),
		sets:       make(map[string]map[string]struct{}),
	}
}

// live returns the entry at key, dropping it first when expired.
// Callers must hold mu.
func (s *Store) live(key string) (entry, bool) {
	e, ok := s.strings[key]
	if !ok {
		return entry{}, false
	}
	if !e.expiresAt.IsZero() && !s.now().Before(e.expiresAt) {
		delete(s.strings, key)
		return entry{}, false
	}
	return e, true
}

// Get implements kv.Store.
func (s *Store) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.live(key)
	if !ok {
		return "", false, nil
	}
	return e.value, true, nil
}

// Set implements kv.Store.
func (s *Store) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.strings[key] = entry{value: value}
	return nil
}

// SetExpiring implements kv.Store.
func (s *Store) SetExpiring(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.strings[key] = entry{value: value, expiresAt: s.expiry(ttl)}
	return nil
}

// SetNX implements kv.Store.
func (s *Store) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.live(key); ok {
		return false, nil
	}
	s.strings[key] = entry{value: value, expiresAt: s.expiry(ttl)}
	return true, nil
}

// Delete implements kv.Store.
func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.strings, key)
	delete(s.zsets, key)
	delete(s.sets, key)
	return nil
}

// Exists implements kv.Store.
func (s *Store) Exists(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.live(key); ok {
		return true, nil
	}
	_, zok := s.zsets[key]
	_, sok := s.sets[key]
	return zok || sok, nil
}

// Expire implements kv.Store.
func (s *Store) Expire(_ context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.live(key)
	if !ok {
		return nil
	}
	e.expiresAt = s.expiry(ttl)
	s.strings[key] = e
	return nil
}

// Increment implements kv.Store. The counter TTL is armed on the 0→1
// transition.
func (s *Store) Increment(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	if e, ok := s.live(key); ok {
		v, err := strconv.ParseInt(e.value, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("increment %s: value is not an integer", key)
		}
		n = v
	}
	n++
	e := entry{value: strconv.FormatInt(n, 10)}
	if n == 1 {
		e.expiresAt = s.expiry(s.counterTTL)
	} else if prev, ok := s.strings[key]; ok {
		e.expiresAt = prev.expiresAt
	}
	s.strings[key] = e
	return n, nil
}

// ZAdd implements kv.Store.
func (s *Store) ZAdd(_ context.Context, key string, score float64, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	z, ok := s.zsets[key]
	if !ok {
		z = make(map[string]float64)
		s.zsets[key] = z
	}
	z[member] = score
	return nil
}

// sortedMembers returns zset members ordered by (score, member) ascending.
// Callers must hold mu.
func (s *Store) sortedMembers(key string) []string {
	z := s.zsets[key]
	members := make([]string, 0, len(z))
	for m := range z {
		members = append(members, m)
	}
	sort.Slice(members, func(i, j int) bool {
		si, sj := z[members[i]], z[members[j]]
		if si != sj {
			return si < sj
		}
		return members[i] < members[j]
	})
	return members
}

// rangeBounds normalizes Redis-style negative rank indexes against n.
func rangeBounds(start, stop, n int64) (int64, int64, bool) {
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if n == 0 || start > stop || start >= n {
		return 0, 0, false
	}
	return start, stop, true
}

// ZRange implements kv.Store.
func (s *Store) ZRange(_ context.Context, key string, start, stop int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	members := s.sortedMembers(key)
	lo, hi, ok := rangeBounds(start, stop, int64(len(members)))
	if !ok {
		return nil, nil
	}
	out := make([]string, hi-lo+1)
	copy(out, members[lo:hi+1])
	return out, nil
}

// ZRangeByScore implements kv.Store.
func (s *Store) ZRangeByScore(_ context.Context, key string, min, max float64, count int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, m := range s.sortedMembers(key) {
		score := s.zsets[key][m]
		if score < min || score > max {
			continue
		}
		out = append(out, m)
		if count > 0 && int64(len(out)) >= count {
			break
		}
	}
	return out, nil
}

// ZRank implements kv.Store.
func (s *Store) ZRank(_ context.Context, key, member string) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.zsets[key][member]; !ok {
		return 0, false, nil
	}
	for i, m := range s.sortedMembers(key) {
		if m == member {
			return int64(i), true, nil
		}
	}
	return 0, false, nil
}

// ZCard implements kv.Store.
func (s *Store) ZCard(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.zsets[key])), nil
}

// ZRemRangeByRank implements kv.Store.
func (s *Store) ZRemRangeByRank(_ context.Context, key string, start, stop int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	members := s.sortedMembers(key)
	lo, hi, ok := rangeBounds(start, stop, int64(len(members)))
	if !ok {
		return 0, nil
	}
	for _, m := range members[lo : hi+1] {
		delete(s.zsets[key], m)
	}
	return hi - lo + 1, nil
}

// ZRem implements kv.Store.
func (s *Store) ZRem(_ context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range members {
		delete(s.zsets[key], m)
	}
	return nil
}

// SAdd implements kv.Store.
func (s *Store) SAdd(_ context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.sets[key]
	if !ok {
		set = make(map[string]struct{})
		s.sets[key] = set
	}
	for _, m := range members {
		set[m] = struct{}{}
	}
	return nil
}

// SRem implements kv.Store.
func (s *Store) SRem(_ context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range members {
		delete(s.sets[key], m)
	}
	return nil
}

// SMembers implements kv.Store.
func (s *Store) SMembers(_ context.Context, key string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.sets[key]))
	for m := range s.sets[key] {
		out = append(out, m)
	}
	sort.Strings(out)
	return out, nil
}

// Scan implements kv.Store. The cursor is an index into the sorted key list;
// keys added or removed between calls may be missed or repeated, matching
// Redis SCAN guarantees.
func (s *Store) Scan(_ context.Context, cursor uint64, pattern string, count int64) ([]string, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if count <= 0 {
		count = 10
	}
	all := make([]string, 0, len(s.strings)+len(s.zsets)+len(s.sets))
	for k := range s.strings {
		if _, ok := s.live(k); ok {
			all = append(all, k)
		}
	}
	for k := range s.zsets {
		all = append(all, k)
	}
	for k := range s.sets {
		all = append(all, k)
	}
	sort.Strings(all)

	var out []string
	i := cursor
	for ; i < uint64(len(all)) && int64(len(out)) < count; i++ {
		matched, err := path.Match(pattern, all[i])
		if err != nil {
			return nil, 0, fmt.Errorf("scan pattern %q: %w", pattern, err)
		}
		if matched {
			out = append(out, all[i])
		}
	}
	if i >= uint64(len(all)) {
		return out, 0, nil
	}
	return out, i, nil
}

// CompareAndSwap implements kv.Store. Version extraction reads the
// `_version` field of the stored JSON document; an absent key has version 0.
func (s *Store) CompareAndSwap(_ context.Context, key string, expectedVersion int64, value string, newVersion int64) (kv.CASResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.live(key)
	if !ok {
		if expectedVersion != 0 {
			return kv.CASResult{Swapped: false, CurrentVersion: 0}, nil
		}
		s.strings[key] = entry{value: value}
		return kv.CASResult{Swapped: true, CurrentVersion: newVersion}, nil
	}
	current, err := embeddedVersion(e.value)
	if err != nil {
		return kv.CASResult{}, fmt.Errorf("cas %s: %w", key, err)
	}
	if current != expectedVersion {
		return kv.CASResult{Swapped: false, CurrentVersion: current, CurrentValue: e.value}, nil
	}
	s.strings[key] = entry{value: value, expiresAt: e.expiresAt}
	return kv.CASResult{Swapped: true, CurrentVersion: newVersion}, nil
}

// MergeDelta implements kv.Store.
func (s *Store) MergeDelta(_ context.Context, key string, patch map[string]any) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc := make(map[string]any)
	var expiresAt time.Time
	if e, ok := s.live(key); ok {
		if err := json.Unmarshal([]byte(e.value), &doc); err != nil {
			return 0, fmt.Errorf("merge %s: stored value is not a JSON object: %w", key, err)
		}
		expiresAt = e.expiresAt
	}
	for k, v := range patch {
		doc[k] = v
	}
	version := int64(0)
	if raw, ok := doc["_version"]; ok {
		if f, ok := raw.(float64); ok {
			version = int64(f)
		}
	}
	version++
	doc["_version"] = version
	data, err := json.Marshal(doc)
	if err != nil {
		return 0, fmt.Errorf("merge %s: %w", key, err)
	}
	s.strings[key] = entry{value: string(data), expiresAt: expiresAt}
	return version, nil
}

// Reset clears the store. Tests use it for isolation.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.strings = make(map[string]entry)
	s.zsets = make(map[string]map[string]float64)
	s.sets = make(map[string]map[string]struct{})
}

func (s *Store) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.now().Add(ttl)
}

// embeddedVersion extracts the `_version` field from a JSON document.
// Documents without the field have version 0.
func embeddedVersion(value string) (int64, error) {
	var doc struct {
		Version json.Number `json:"_version"`
	}
	if err := json.Unmarshal([]byte(value), &doc); err != nil {
		return 0, fmt.Errorf("value is not JSON: %w", err)
	}
	if doc.Version == "" {
		return 0, nil
	}
	v, err := doc.Version.Int64()
	if err != nil {
		return 0, fmt.Errorf("_version is not an integer: %w", err)
	}
	return v, nil
}
