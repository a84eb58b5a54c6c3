// Package pulse exposes a blackboard subscriber that publishes runtime
// events to goa.design/pulse streams, and a subscriber that reads them back.
// It mirrors the layering used by existing Pulse deployments: services build
// a Redis client, pass it to the Pulse client, and register the resulting
// sink on the board.
package pulse

import (
	"context"
	"errors"
	"fmt"

	"goa.design/loom/features/stream/pulse/clients/pulse"
	"goa.design/loom/runtime/blackboard"
)

type (
	// Options configures the Pulse sink.
	Options struct {
		// Client is the Pulse client used to publish events. Required.
		Client pulse.Client
		// StreamID derives the target Pulse stream from an event. Defaults to `run/<RunID>`.
		StreamID func(blackboard.Event) (string, error)
		// Marshal serializes an event for transmission. Defaults to the
		// blackboard wire codec, so subscribers can decode with it.
		Marshal func(blackboard.Event) ([]byte, error)
		// OnPublished is invoked after each successful publish with the
		// stream and entry the event landed in. Errors propagate to the
		// publisher, halting the run for critical sinks.
		OnPublished func(ctx context.Context, ev PublishedEvent) error
	}

	// PublishedEvent describes one event successfully added to a stream.
	PublishedEvent struct {
		// Event is the published blackboard event.
		Event blackboard.Event
		// StreamID is the Pulse stream the event was added to.
		StreamID string
		// EntryID is the Redis entry id assigned to the event.
		EntryID string
	}

	// Sink publishes blackboard events into Pulse streams. It implements
	// blackboard.Subscriber so it can be registered on a board, optionally
	// scoped with blackboard.WithEventTypes or blackboard.WithRunScope.
	// Thread-safe for concurrent HandleEvent calls.
	Sink struct {
		client pulse.Client
		opts   sinkOptions
	}

	// sinkOptions holds internal configuration derived from Options.
	sinkOptions struct {
		streamID    func(blackboard.Event) (string, error)
		marshal     func(blackboard.Event) ([]byte, error)
		onPublished func(ctx context.Context, ev PublishedEvent) error
	}
)

// NewSink constructs a Pulse-backed board sink. The Client field in opts is
// required; StreamID and Marshal default to the built-in implementations if
// not provided.
func NewSink(opts Options) (*Sink, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	cfg := sinkOptions{
		streamID:    defaultStreamID,
		marshal:     blackboard.Encode,
		onPublished: opts.OnPublished,
	}
	if opts.StreamID != nil {
		cfg.streamID = opts.StreamID
	}
	if opts.Marshal != nil {
		cfg.marshal = opts.Marshal
	}
	return &Sink{
		client: opts.Client,
		opts:   cfg,
	}, nil
}

// HandleEvent publishes the event to the derived Pulse stream. It derives the
// stream ID, marshals the event, and adds it under its type name so stream
// consumers can filter without decoding. Thread-safe for concurrent calls.
func (s *Sink) HandleEvent(ctx context.Context, event blackboard.Event) error {
	streamID, err := s.opts.streamID(event)
	if err != nil {
		return err
	}
	handle, err := s.client.Stream(streamID)
	if err != nil {
		return err
	}
	payload, err := s.opts.marshal(event)
	if err != nil {
		return err
	}
	entryID, err := handle.Add(ctx, string(event.Type()), payload)
	if err != nil {
		return err
	}
	if s.opts.onPublished != nil {
		return s.opts.onPublished(ctx, PublishedEvent{
			Event:    event,
			StreamID: streamID,
			EntryID:  entryID,
		})
	}
	return nil
}

// Close releases resources owned by the sink. This delegates to the underlying
// Pulse client, which may or may not close the Redis connection depending on
// the client implementation.
func (s *Sink) Close(ctx context.Context) error {
	return s.client.Close(ctx)
}

// defaultStreamID derives the Pulse stream name from the event's RunID.
// Returns an error if the RunID is empty.
func defaultStreamID(event blackboard.Event) (string, error) {
	if event.RunID() == "" {
		return "", errors.New("stream event missing run id")
	}
	return fmt.Sprintf("run/%s", event.RunID()), nil
}
