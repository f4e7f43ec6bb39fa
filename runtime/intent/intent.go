// Package intent defines the immutable intent document that seeds an
// execution. An intent is the parsed form of a user utterance; once accepted
// it never changes, and follow-up utterances supersede it through the parent
// link rather than mutating it in place.
package intent

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/intentflow/intentflow/runtime/fault"
)

type (
	// Type classifies what the user is asking for. The set is closed.
	Type string

	// Intent is the accepted, immutable interpretation of a user utterance.
	Intent struct {
		// ID uniquely identifies the intent.
		ID string `json:"id"`
		// ParentIntentID links a superseding intent to the one it replaces.
		ParentIntentID string `json:"parent_intent_id,omitempty"`
		// Type is the closed-set classification.
		Type Type `json:"type"`
		// Parameters carries the extracted arguments, free-form.
		Parameters map[string]any `json:"parameters,omitempty"`
		// RawText is the original utterance.
		RawText string `json:"raw_text"`
		// Confidence is the parser's confidence in [0,1].
		Confidence float64 `json:"confidence"`
		// Metadata carries caller-provided annotations.
		Metadata map[string]any `json:"metadata,omitempty"`
		// ContentHash is the optional sha-256 hex digest of the canonical
		// intent content, used for plan-cache keys and duplicate detection.
		ContentHash string `json:"content_hash,omitempty"`
	}
)

const (
	// TypeAction requests that something be done on the user's behalf.
	TypeAction Type = "action"
	// TypeQuery requests information without side effects.
	TypeQuery Type = "query"
	// TypeSchedule requests a deferred or recurring action.
	TypeSchedule Type = "schedule"
	// TypeCancellation requests that a prior intent be undone or stopped.
	TypeCancellation Type = "cancellation"
	// TypeComposite combines several intents in one utterance.
	TypeComposite Type = "composite"
	// TypeUnknown marks an utterance the parser could not classify.
	TypeUnknown Type = "unknown"
)

// Valid reports whether t belongs to the closed type set.
func (t Type) Valid() bool {
	switch t {
	case TypeAction, TypeQuery, TypeSchedule, TypeCancellation, TypeComposite, TypeUnknown:
		return true
	}
	return false
}

// Validate checks structural invariants on an accepted intent. It does not
// verify the parent link resolves; supersede chains are validated by the
// caller that owns intent history.
func (in *Intent) Validate() error {
	if in == nil {
		return fault.New(fault.IntentValidationFailed, "intent is nil")
	}
	if in.ID == "" {
		return fault.New(fault.IntentValidationFailed, "intent id is required")
	}
	if !in.Type.Valid() {
		return fault.Newf(fault.IntentValidationFailed, "unknown intent type %q", in.Type)
	}
	if in.Confidence < 0 || in.Confidence > 1 {
		return fault.Newf(fault.IntentValidationFailed, "confidence %v outside [0,1]", in.Confidence)
	}
	return nil
}

// Hash computes the sha-256 hex digest of the intent's canonical content
// (type, raw text, parameters). Two intents with equal hashes describe the
// same request and may share a cached plan.
func (in *Intent) Hash() (string, error) {
	payload := struct {
		Type       Type           `json:"type"`
		RawText    string         `json:"raw_text"`
		Parameters map[string]any `json:"parameters,omitempty"`
	}{in.Type, in.RawText, in.Parameters}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fault.Wrap(fault.IntentValidationFailed, "hash intent content", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Supersedes reports whether this intent replaces another via its parent link.
func (in *Intent) Supersedes() bool {
	return in.ParentIntentID != ""
}
