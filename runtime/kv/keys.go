package kv

import (
	"fmt"
	"strings"
)

// KeyType classifies a persisted document. The checkpoint store keys its TTL
// policy on these values.
type KeyType string

const (
	KeyExecutionState KeyType = "execution_state"
	KeyTask           KeyType = "task"
	KeyExecutionTrace KeyType = "execution_trace"
	KeyCheckpoint     KeyType = "checkpoint"
	KeyIdempotency    KeyType = "idempotency"
	KeyCompensation   KeyType = "compensation"
	KeyOutbox         KeyType = "outbox"
	KeyIntentHistory  KeyType = "intent_history"
	KeyPlanCache      KeyType = "plan_cache"
	KeyToolResult     KeyType = "tool_result"
	KeyUserContext    KeyType = "user_context"
	KeySystemConfig   KeyType = "system_config"
	KeyExecutionCache KeyType = "cache"
	KeyResume         KeyType = "resume"
)

// DefaultNamespace prefixes keys when no namespace is configured.
const DefaultNamespace = "intentflow"

// Keys builds namespaced store keys of the form <namespace>:<type>:<id>.
// One Keys value is shared by every component of a deployment so documents
// land in a single coherent keyspace.
type Keys struct {
	namespace string
}

// NewKeys returns a Keys builder for the given namespace. An empty namespace
// falls back to DefaultNamespace.
func NewKeys(namespace string) Keys {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return Keys{namespace: namespace}
}

// Namespace returns the configured namespace.
func (k Keys) Namespace() string { return k.namespace }

// Build assembles <namespace>:<type>:<id>.
func (k Keys) Build(t KeyType, id string) string {
	return fmt.Sprintf("%s:%s:%s", k.namespace, t, id)
}

// ExecutionState keys the authoritative ExecutionState document.
func (k Keys) ExecutionState(executionID string) string {
	return k.Build(KeyExecutionState, executionID)
}

// Task keys the TaskState envelope.
func (k Keys) Task(executionID string) string {
	return k.Build(KeyTask, executionID)
}

// ExecutionTrace keys the per-execution tool trace sorted set.
func (k Keys) ExecutionTrace(executionID string) string {
	return k.Build(KeyExecutionTrace, executionID)
}

// Checkpoint keys the compact resume snapshot, by intent.
func (k Keys) Checkpoint(intentID string) string {
	return k.Build(KeyCheckpoint, intentID)
}

// Idempotency keys a first-execution claim by fingerprint.
func (k Keys) Idempotency(fingerprint string) string {
	return k.Build(KeyIdempotency, fingerprint)
}

// Compensation keys a compensation registration by execution and step.
func (k Keys) Compensation(executionID, stepID string) string {
	return k.Build(KeyCompensation, executionID+":"+stepID)
}

// Outbox keys an outbox event row.
func (k Keys) Outbox(eventID string) string {
	return k.Build(KeyOutbox, eventID)
}

// ExecutionCache keys the relay-projected latest-state cache entry.
func (k Keys) ExecutionCache(executionID string) string {
	return fmt.Sprintf("%s:%s:execution:%s", k.namespace, KeyExecutionCache, executionID)
}

// ResumeQueue keys the sorted-set timer queue that delivers resumes.
func (k Keys) ResumeQueue() string {
	return fmt.Sprintf("%s:%s:queue", k.namespace, KeyResume)
}

// TaskPattern matches every TaskState key in the namespace. Use with Scan
// only.
func (k Keys) TaskPattern() string {
	return fmt.Sprintf("%s:%s:*", k.namespace, KeyTask)
}

// ExecutionIDFromTaskKey extracts the execution id from a TaskState key.
// Returns false when the key is not a task key in this namespace.
func (k Keys) ExecutionIDFromTaskKey(key string) (string, bool) {
	prefix := fmt.Sprintf("%s:%s:", k.namespace, KeyTask)
	if !strings.HasPrefix(key, prefix) {
		return "", false
	}
	id := strings.TrimPrefix(key, prefix)
	if id == "" {
		return "", false
	}
	return id, true
}
