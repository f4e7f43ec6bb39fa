package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	streamopts "goa.design/pulse/streaming/options"

	clientspulse "github.com/intentflow/intentflow/features/stream/pulse/clients/pulse"
	"github.com/intentflow/intentflow/runtime/events"
)

type (
	// EventDecoder converts raw payloads read from Pulse into saga events.
	// Custom decoders handle non-standard envelope formats.
	EventDecoder func([]byte) (events.Event, error)

	// SubscriberOptions configures a Pulse-backed subscriber.
	SubscriberOptions struct {
		// Client is the Pulse client used to consume events. Required.
		Client clientspulse.Client
		// SinkName identifies the Pulse consumer group. Defaults to
		// "intentflow_subscriber".
		SinkName string
		// Buffer is the event channel capacity. Defaults to 64.
		Buffer int
		// Decoder deserializes event payloads. Defaults to the built-in
		// JSON decoder.
		Decoder EventDecoder
	}

	// Subscriber consumes saga event streams. It wraps a Pulse sink
	// (consumer group), decodes incoming payloads into events.Event values
	// and acknowledges each entry after the consumer received it.
	Subscriber struct {
		client clientspulse.Client
		buffer int
		name   string
		decode EventDecoder
	}
)

// NewSubscriber constructs a Pulse-backed subscriber. The Client field in
// opts is required; SinkName, Buffer and Decoder default as documented on
// SubscriberOptions.
func NewSubscriber(opts SubscriberOptions) (*Subscriber, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	name := opts.SinkName
	if name == "" {
		name = "intentflow_subscriber"
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 64
	}
	decoder := opts.Decoder
	if decoder == nil {
		decoder = decodeEvent
	}
	return &Subscriber{
		client: opts.Client,
		buffer: buffer,
		name:   name,
		decode: decoder,
	}, nil
}

// Subscribe opens a Pulse sink on the given stream and returns channels for
// events and errors. A goroutine consumes from the sink, decodes payloads and
// emits events; the returned cancel function stops consumption, closes the
// sink, and closes both channels.
//
// Usage:
//
//	evs, errs, cancel, err := sub.Subscribe(ctx, "execution/abc123")
//	defer cancel()
//	for ev := range evs {
//	    // process event
//	}
func (s *Subscriber) Subscribe(
	ctx context.Context,
	streamID string,
	opts ...streamopts.Sink,
) (<-chan events.Event, <-chan error, context.CancelFunc, error) {
	str, err := s.client.Stream(streamID)
	if err != nil {
		return nil, nil, nil, err
	}
	sink, err := str.NewSink(ctx, s.name, opts...)
	if err != nil {
		return nil, nil, nil, err
	}
	evs := make(chan events.Event, s.buffer)
	errs := make(chan error, 1)
	runCtx, cancel := context.WithCancel(ctx)
	go s.consume(runCtx, sink, evs, errs)
	cancelFunc := func() {
		cancel()
		sink.Close(context.Background())
	}
	return evs, errs, cancelFunc, nil
}

// consume reads entries from the Pulse sink, decodes them, and emits them on
// the out channel, acking each after successful emission. It closes both
// channels when ctx is cancelled or the sink channel closes, and reports
// decode or ack failures on errs before returning.
func (s *Subscriber) consume(ctx context.Context, sink clientspulse.Sink, out chan<- events.Event, errs chan<- error) {
	defer close(out)
	defer close(errs)
	ch := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-ch:
			if !ok {
				return
			}
			decoded, err := s.decode(entry.Payload)
			if err != nil {
				errs <- fmt.Errorf("pulse decode payload: %w", err)
				return
			}
			select {
			case out <- decoded:
			case <-ctx.Done():
				return
			}
			if ackErr := sink.Ack(ctx, entry); ackErr != nil {
				errs <- fmt.Errorf("pulse ack: %w", ackErr)
				return
			}
		}
	}
}

// decodeEvent deserializes the default JSON envelope produced by the
// publisher.
func decodeEvent(payload []byte) (events.Event, error) {
	var ev events.Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return events.Event{}, err
	}
	return ev, nil
}
