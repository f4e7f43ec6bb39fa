// Package pulse implements the realtime publish seam over goa.design/pulse
// streams. The outbox relay hands it saga lifecycle events after the durable
// append; external consumers such as dashboards, notification fan-outs and
// the ops console subscribe per execution. Delivery inherits Pulse's
// at-least-once semantics, so consumers deduplicate by event ID.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/intentflow/intentflow/features/stream/pulse/clients/pulse"
	"github.com/intentflow/intentflow/runtime/events"
)

type (
	// PublisherOptions configures the Pulse publisher.
	PublisherOptions struct {
		// Client is the Pulse client used to publish events. Required.
		Client pulse.Client
		// StreamName derives the target stream from an event. Defaults to
		// `execution/<executionID>`.
		StreamName func(events.Event) (string, error)
		// Marshal overrides the event serialization, primarily for tests.
		Marshal func(events.Event) ([]byte, error)
	}

	// Publisher writes saga events to Pulse streams. Safe for concurrent
	// Publish calls.
	Publisher struct {
		client     pulse.Client
		streamName func(events.Event) (string, error)
		marshal    func(events.Event) ([]byte, error)
	}
)

var _ events.Publisher = (*Publisher)(nil)

// NewPublisher constructs a Pulse-backed event publisher. The Client field in
// opts is required; StreamName and Marshal default to the built-ins.
func NewPublisher(opts PublisherOptions) (*Publisher, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	streamName := opts.StreamName
	if streamName == nil {
		streamName = defaultStreamName
	}
	marshal := opts.Marshal
	if marshal == nil {
		marshal = defaultMarshal
	}
	return &Publisher{
		client:     opts.Client,
		streamName: streamName,
		marshal:    marshal,
	}, nil
}

// Publish writes the event to its derived Pulse stream. The entry name is the
// event type so stream consumers can filter without decoding payloads.
func (p *Publisher) Publish(ctx context.Context, ev events.Event) error {
	if ev.ExecutionID == "" {
		return errors.New("event missing execution id")
	}
	if !ev.Type.Valid() {
		return fmt.Errorf("unknown event type %q", ev.Type)
	}
	name, err := p.streamName(ev)
	if err != nil {
		return err
	}
	handle, err := p.client.Stream(name)
	if err != nil {
		return err
	}
	payload, err := p.marshal(ev)
	if err != nil {
		return err
	}
	if _, err := handle.Add(ctx, string(ev.Type), payload); err != nil {
		return err
	}
	return nil
}

// Close releases resources owned by the publisher.
func (p *Publisher) Close(ctx context.Context) error {
	return p.client.Close(ctx)
}

// defaultStreamName scopes streams per execution so consumers follow exactly
// the saga they care about.
func defaultStreamName(ev events.Event) (string, error) {
	if ev.ExecutionID == "" {
		return "", errors.New("event missing execution id")
	}
	return fmt.Sprintf("execution/%s", ev.ExecutionID), nil
}

// defaultMarshal serializes the full event envelope to JSON.
func defaultMarshal(ev events.Event) ([]byte, error) {
	return json.Marshal(ev)
}
