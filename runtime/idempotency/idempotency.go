// Package idempotency suppresses duplicate step invocations. Every invocation
// derives a causal fingerprint from (user, parent intent, lamport stamp, tool,
// canonical parameters); the first claim on a fingerprint wins a store-level
// set-if-absent race and executes, duplicates skip with a canonical output.
// Claims expire so legitimately repeated work outside the window re-executes.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/intentflow/intentflow/runtime/kv"
)

// DefaultTTL is the claim window: duplicates of a claimed fingerprint are
// suppressed for this long.
const DefaultTTL = 24 * time.Hour

// claimValue is the marker stored under a claimed fingerprint.
const claimValue = "processed"

type (
	// Options configures a Gate.
	Options struct {
		// Store is the claim store. Required.
		Store kv.Store
		// Keys builds the idempotency key namespace.
		Keys kv.Keys
		// UserID scopes fingerprints to a user so identical requests from
		// different users never collide.
		UserID string
		// ParentIntentID is the causal parent of invocations through this gate.
		ParentIntentID string
		// Lamport is the serialized lamport stamp of the causal context.
		Lamport string
		// TTL is the claim window. Zero uses DefaultTTL.
		TTL time.Duration
	}

	// Gate claims first executions for one causal context. Derive per-child
	// gates with Child when an execution spawns follow-up intents.
	Gate struct {
		store          kv.Store
		keys           kv.Keys
		userID         string
		parentIntentID string
		lamport        string
		ttl            time.Duration
	}
)

// New constructs a Gate.
func New(opts Options) (*Gate, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("idempotency: store is required")
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Gate{
		store:          opts.Store,
		keys:           opts.Keys,
		userID:         opts.UserID,
		parentIntentID: opts.ParentIntentID,
		lamport:        opts.Lamport,
		ttl:            ttl,
	}, nil
}

// Child derives a gate for a new causal pair. The child inherits the user
// scope and claim window; only the causal coordinates change. This keeps
// same-user double-taps deduplicated while isolating users from one another.
func (g *Gate) Child(parentIntentID, lamport string) *Gate {
	return &Gate{
		store:          g.store,
		keys:           g.keys,
		userID:         g.userID,
		parentIntentID: parentIntentID,
		lamport:        lamport,
		ttl:            g.ttl,
	}
}

// TTL reports the gate's claim window.
func (g *Gate) TTL() time.Duration { return g.ttl }

// Fingerprint derives the causal fingerprint for one tool invocation through
// this gate.
func (g *Gate) Fingerprint(toolName string, params map[string]any) (string, error) {
	return Fingerprint(g.userID, g.parentIntentID, g.lamport, toolName, params)
}

// Claim records first execution of a fingerprint. True means this caller won
// the claim and must execute; false means a previous claim exists within the
// TTL window and the caller must skip.
func (g *Gate) Claim(ctx context.Context, fingerprint string) (bool, error) {
	won, err := g.store.SetNX(ctx, g.keys.Idempotency(fingerprint), claimValue, g.ttl)
	if err != nil {
		return false, fmt.Errorf("claim fingerprint %s: %w", fingerprint, err)
	}
	return won, nil
}

// ClaimInvocation fingerprints the invocation and claims it in one call.
func (g *Gate) ClaimInvocation(ctx context.Context, toolName string, params map[string]any) (fingerprint string, first bool, err error) {
	fingerprint, err = g.Fingerprint(toolName, params)
	if err != nil {
		return "", false, err
	}
	first, err = g.Claim(ctx, fingerprint)
	return fingerprint, first, err
}

// Fingerprint computes SHA256(userID ∥ parentIntentID ∥ lamport ∥ toolName ∥
// canonicalJSON(params)) truncated to its first 16 hex characters.
func Fingerprint(userID, parentIntentID, lamport, toolName string, params map[string]any) (string, error) {
	canonical, err := CanonicalJSON(params)
	if err != nil {
		return "", fmt.Errorf("fingerprint tool %s: %w", toolName, err)
	}
	h := sha256.New()
	io.WriteString(h, userID)
	io.WriteString(h, parentIntentID)
	io.WriteString(h, lamport)
	io.WriteString(h, toolName)
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil))[:16], nil
}

// CanonicalJSON renders a value as canonical JSON: strings trimmed, numbers
// and booleans passed through, nils collapsed to null, arrays normalized
// element-wise and object keys emitted in sorted order.
func CanonicalJSON(v any) ([]byte, error) {
	// Round-trip through JSON first so typed slices, structs and integer
	// widths collapse to their decoded JSON form before normalization.
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	var decoded any
	if err := json.Unmarshal(data, &decoded); err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	out, err := json.Marshal(normalize(decoded))
	if err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	return out, nil
}

// normalize walks a decoded JSON value applying the canonicalization rules.
// Map key ordering is left to encoding/json, which sorts lexicographically.
func normalize(v any) any {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalize(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalize(val)
		}
		return out
	default:
		return v
	}
}

// SkippedOutput is the canonical step output recorded when a duplicate
// invocation is suppressed.
func SkippedOutput(fingerprint string) map[string]any {
	return map[string]any{
		"skipped":     true,
		"reason":      "idempotent",
		"fingerprint": fingerprint,
	}
}
