package pulse

import (
	"context"
	"errors"

	clientspulse "goa.design/loom/features/stream/pulse/clients/pulse"
	"goa.design/loom/runtime/blackboard"
)

// RuntimeStreams wires a caller-provided Pulse client into the runtime. It
// owns a publishing sink (registered on the blackboard) and can spawn
// subscribers that reuse the same client so services do not need to manage
// multiple Pulse connections.
type RuntimeStreams struct {
	sink   *Sink
	client clientspulse.Client
}

// RuntimeStreamsOptions configures the helper returned by NewRuntimeStreams.
type RuntimeStreamsOptions struct {
	// Client is the Pulse client used for both publishing and subscribing. It is
	// required and typically built via features/stream/pulse/clients/pulse.
	Client clientspulse.Client
	// Sink holds optional overrides for the publishing sink (stream ID derivation,
	// marshaling). Leave zero-valued for defaults.
	Sink Options
}

// NewRuntimeStreams constructs helpers for publishing blackboard events to
// Pulse and subscribing to the resulting streams. Callers register the sink
// on the board and keep the helper around to create subscribers (e.g., SSE
// fan-out) later on.
func NewRuntimeStreams(opts RuntimeStreamsOptions) (*RuntimeStreams, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	sinkOpts := opts.Sink
	sinkOpts.Client = opts.Client
	sink, err := NewSink(sinkOpts)
	if err != nil {
		return nil, err
	}
	return &RuntimeStreams{sink: sink, client: opts.Client}, nil
}

// Sink exposes the publishing sink so callers can register it on a board
// themselves when they need custom subscription scopes.
func (r *RuntimeStreams) Sink() blackboard.Subscriber {
	return r.sink
}

// Register adds the publishing sink to the board with the given scope and
// returns the subscription. Closing the subscription stops publishing without
// tearing down the Pulse client.
func (r *RuntimeStreams) Register(board blackboard.Board, opts ...blackboard.SubscribeOption) (blackboard.Subscription, error) {
	return board.Register(r.sink, opts...)
}

// NewSubscriber constructs a Pulse-backed subscriber that reuses the helper's
// client. This keeps stream publishing and consumption on the same Redis
// connection pool for efficiency.
func (r *RuntimeStreams) NewSubscriber(opts SubscriberOptions) (*Subscriber, error) {
	opts.Client = r.client
	return NewSubscriber(opts)
}

// Close shuts down the publishing sink (and therefore the underlying Pulse
// client). Call this during service shutdown after all subscribers have been
// canceled.
func (r *RuntimeStreams) Close(ctx context.Context) error {
	return r.sink.Close(ctx)
}
