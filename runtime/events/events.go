// Package events defines the closed set of saga lifecycle events, the
// envelope they travel in, and the Lamport clock that orders them across
// services. Events are written to the outbox in the same logical write as
// the state change that caused them; a relay delivers them onward with
// at-least-once semantics, so consumers must deduplicate by event ID.
package events

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type (
	// Type names a saga lifecycle event. The set is closed; values are
	// stable wire strings shared with external consumers.
	Type string

	// Event is the envelope published for every state change. Payload must
	// carry enough context for a consumer with no prior state; ExecutionID
	// is mandatory.
	Event struct {
		// ID uniquely identifies the event for consumer-side deduplication.
		ID string `json:"id"`

		// Type is one of the closed set below.
		Type Type `json:"type"`

		// ExecutionID is the saga this event belongs to. Required.
		ExecutionID string `json:"execution_id"`

		// Payload carries event-specific data.
		Payload map[string]any `json:"payload,omitempty"`

		// TraceID correlates the event with the distributed trace that
		// produced it. Optional.
		TraceID string `json:"trace_id,omitempty"`

		// Lamport orders this event relative to events from other services.
		Lamport Stamp `json:"lamport"`

		// EmittedAt is the local wall-clock emission time. Informational
		// only; ordering authority is the Lamport stamp.
		EmittedAt time.Time `json:"emitted_at"`
	}

	// Publisher delivers events to external consumers with at-least-once
	// semantics. Implementations must tolerate duplicate publishes of the
	// same event ID.
	Publisher interface {
		Publish(ctx context.Context, ev Event) error
	}
)

const (
	SagaStepCompleted          Type = "SAGA_STEP_COMPLETED"
	SagaStepFailed             Type = "SAGA_STEP_FAILED"
	SagaCompensationTriggered  Type = "SAGA_COMPENSATION_TRIGGERED"
	SagaCompensationCompleted  Type = "SAGA_COMPENSATION_COMPLETED"
	SagaCompleted              Type = "SAGA_COMPLETED"
	SagaFailed                 Type = "SAGA_FAILED"
	WorkflowStateChanged       Type = "WORKFLOW_STATE_CHANGED"
	ContinueExecution          Type = "CONTINUE_EXECUTION"
	ManualInterventionRequired Type = "SAGA_MANUAL_INTERVENTION_REQUIRED"
	WorkflowResume             Type = "WORKFLOW_RESUME"

	// SagaCompensatedLegacy keeps the historical mixed-case wire value
	// emitted by the coordinator's terminal report. Consumers match on the
	// literal string.
	SagaCompensatedLegacy Type = "SagaCompensated"
)

var validTypes = map[Type]bool{
	SagaStepCompleted:          true,
	SagaStepFailed:             true,
	SagaCompensationTriggered:  true,
	SagaCompensationCompleted:  true,
	SagaCompleted:              true,
	SagaFailed:                 true,
	WorkflowStateChanged:       true,
	ContinueExecution:          true,
	ManualInterventionRequired: true,
	WorkflowResume:             true,
	SagaCompensatedLegacy:      true,
}

// Valid reports whether t is a member of the closed set.
func (t Type) Valid() bool { return validTypes[t] }

// New builds an event envelope with a fresh ID. It fails when the type is
// outside the closed set or the execution ID is missing.
func New(typ Type, executionID string, payload map[string]any) (Event, error) {
	if !typ.Valid() {
		return Event{}, fmt.Errorf("unknown event type %q", typ)
	}
	if executionID == "" {
		return Event{}, fmt.Errorf("event of type %s requires an execution id", typ)
	}
	return Event{
		ID:          uuid.NewString(),
		Type:        typ,
		ExecutionID: executionID,
		Payload:     payload,
	}, nil
}
