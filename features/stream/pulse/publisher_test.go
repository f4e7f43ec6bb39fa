package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	clientspulse "github.com/intentflow/intentflow/features/stream/pulse/clients/pulse"
	"github.com/intentflow/intentflow/runtime/events"
)

// fakeClient scripts the Stream lookup and records the names requested.
type fakeClient struct {
	mu        sync.Mutex
	streamFn  func(name string, opts ...streamopts.Stream) (clientspulse.Stream, error)
	requested []string
	closed    bool
	pingErr   error
}

func (c *fakeClient) Stream(name string, opts ...streamopts.Stream) (clientspulse.Stream, error) {
	c.mu.Lock()
	c.requested = append(c.requested, name)
	c.mu.Unlock()
	if c.streamFn == nil {
		return nil, errors.New("no stream scripted")
	}
	return c.streamFn(name, opts...)
}

func (c *fakeClient) Name() string { return "stream-pulse" }

func (c *fakeClient) Ping(context.Context) error { return c.pingErr }

func (c *fakeClient) Close(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

type addedEntry struct {
	event   string
	payload []byte
}

// fakeStream records Add calls and hands out a scripted sink.
type fakeStream struct {
	mu     sync.Mutex
	added  []addedEntry
	addErr error
	sinkFn func(ctx context.Context, name string, opts ...streamopts.Sink) (clientspulse.Sink, error)
}

func (s *fakeStream) Add(_ context.Context, event string, payload []byte) (string, error) {
	if s.addErr != nil {
		return "", s.addErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.added = append(s.added, addedEntry{event: event, payload: payload})
	return fmt.Sprintf("%d-0", len(s.added)), nil
}

func (s *fakeStream) NewSink(ctx context.Context, name string, opts ...streamopts.Sink) (clientspulse.Sink, error) {
	if s.sinkFn == nil {
		return nil, errors.New("no sink scripted")
	}
	return s.sinkFn(ctx, name, opts...)
}

func (s *fakeStream) Destroy(context.Context) error { return nil }

// fakeSink feeds scripted entries to the subscriber and records acks.
type fakeSink struct {
	mu     sync.Mutex
	ch     chan *streaming.Event
	acked  []string
	ackErr error
	closed bool
}

func newFakeSink(buffer int) *fakeSink {
	return &fakeSink{ch: make(chan *streaming.Event, buffer)}
}

func (s *fakeSink) Subscribe() <-chan *streaming.Event { return s.ch }

func (s *fakeSink) Ack(_ context.Context, evt *streaming.Event) error {
	if s.ackErr != nil {
		return s.ackErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acked = append(s.acked, evt.ID)
	return nil
}

func (s *fakeSink) Close(context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *fakeSink) ackedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.acked...)
}

func (s *fakeSink) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func TestPublishWritesEventToExecutionStream(t *testing.T) {
	str := &fakeStream{}
	client := &fakeClient{streamFn: func(string, ...streamopts.Stream) (clientspulse.Stream, error) {
		return str, nil
	}}
	pub, err := NewPublisher(PublisherOptions{Client: client})
	require.NoError(t, err)

	ev, err := events.New(events.SagaStepCompleted, "exec-123", map[string]any{"step_number": float64(2)})
	require.NoError(t, err)
	ev.Lamport = events.Stamp{Counter: 7, ServiceID: "orchestrator"}
	ev.EmittedAt = time.Now().UTC().Truncate(time.Millisecond)

	require.NoError(t, pub.Publish(context.Background(), ev))

	require.Equal(t, []string{"execution/exec-123"}, client.requested)
	require.Len(t, str.added, 1)
	assert.Equal(t, string(events.SagaStepCompleted), str.added[0].event)

	var decoded events.Event
	require.NoError(t, json.Unmarshal(str.added[0].payload, &decoded))
	assert.Equal(t, ev.ID, decoded.ID)
	assert.Equal(t, ev.ExecutionID, decoded.ExecutionID)
	assert.Equal(t, ev.Payload, decoded.Payload)
	assert.Equal(t, ev.Lamport, decoded.Lamport)
}

func TestPublishRequiresExecutionID(t *testing.T) {
	pub, err := NewPublisher(PublisherOptions{Client: &fakeClient{}})
	require.NoError(t, err)

	err = pub.Publish(context.Background(), events.Event{ID: "ev-1", Type: events.SagaCompleted})
	require.EqualError(t, err, "event missing execution id")
}

func TestPublishRejectsUnknownType(t *testing.T) {
	pub, err := NewPublisher(PublisherOptions{Client: &fakeClient{}})
	require.NoError(t, err)

	err = pub.Publish(context.Background(), events.Event{ID: "ev-1", Type: "Bogus", ExecutionID: "exec-1"})
	require.ErrorContains(t, err, `unknown event type "Bogus"`)
}

func TestPublishCustomStreamName(t *testing.T) {
	str := &fakeStream{}
	client := &fakeClient{streamFn: func(string, ...streamopts.Stream) (clientspulse.Stream, error) {
		return str, nil
	}}
	pub, err := NewPublisher(PublisherOptions{
		Client:     client,
		StreamName: func(events.Event) (string, error) { return "audit", nil },
	})
	require.NoError(t, err)

	ev, err := events.New(events.SagaFailed, "exec-5", nil)
	require.NoError(t, err)
	require.NoError(t, pub.Publish(context.Background(), ev))
	require.Equal(t, []string{"audit"}, client.requested)
}

func TestPublishPropagatesAddError(t *testing.T) {
	boom := errors.New("redis unavailable")
	str := &fakeStream{addErr: boom}
	client := &fakeClient{streamFn: func(string, ...streamopts.Stream) (clientspulse.Stream, error) {
		return str, nil
	}}
	pub, err := NewPublisher(PublisherOptions{Client: client})
	require.NoError(t, err)

	ev, err := events.New(events.SagaStepFailed, "exec-7", nil)
	require.NoError(t, err)
	require.ErrorIs(t, pub.Publish(context.Background(), ev), boom)
}

func TestNewPublisherRequiresClient(t *testing.T) {
	_, err := NewPublisher(PublisherOptions{})
	require.EqualError(t, err, "pulse client is required")
}

func TestPublisherCloseDelegates(t *testing.T) {
	client := &fakeClient{}
	pub, err := NewPublisher(PublisherOptions{Client: client})
	require.NoError(t, err)
	require.NoError(t, pub.Close(context.Background()))
	assert.True(t, client.closed)
}
