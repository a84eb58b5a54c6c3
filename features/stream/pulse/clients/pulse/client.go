// Package pulse wraps goa.design/pulse streams behind the two narrow
// interfaces the event sink and subscriber consume: open a named stream,
// append entries to it, and attach a consumer group. Callers own the Redis
// connection and hand it to New; everything else about the Pulse wiring
// stays inside this package so the stream feature tests against fakes.
package pulse

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"
)

type (
	// Options configures the Pulse client.
	Options struct {
		// Redis is the connection backing the streams. Required.
		Redis *redis.Client

		// StreamMaxLen caps the entries Redis retains per stream. Zero
		// keeps the Pulse default.
		StreamMaxLen int
	}

	// Client opens Pulse streams. The zero method set is deliberate: the
	// sink appends, the subscriber attaches a consumer group, and nothing
	// else in the runtime touches Pulse directly.
	Client interface {
		// Stream returns a handle to the named stream, creating it on
		// first use.
		Stream(name string) (Stream, error)

		// Close releases client-owned resources. The Redis connection
		// belongs to the caller and is not closed.
		Close(ctx context.Context) error
	}

	// Stream is one named Pulse stream.
	Stream interface {
		// Add appends an entry and returns the Redis-assigned id.
		Add(ctx context.Context, event string, payload []byte) (string, error)

		// NewSink attaches a named consumer group to the stream.
		NewSink(ctx context.Context, name string, opts ...streamopts.Sink) (Sink, error)
	}

	// Sink is a consumer group reading one stream.
	Sink interface {
		// Subscribe returns the channel entries arrive on.
		Subscribe() <-chan *streaming.Event

		// Ack marks an entry processed.
		Ack(context.Context, *streaming.Event) error

		// Close detaches the consumer group.
		Close(context.Context)
	}
)

type client struct {
	redis  *redis.Client
	maxLen int
}

// New constructs a Client over the given Redis connection.
func New(opts Options) (Client, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	return &client{redis: opts.Redis, maxLen: opts.StreamMaxLen}, nil
}

// Stream implements Client.
func (c *client) Stream(name string) (Stream, error) {
	if name == "" {
		return nil, errors.New("stream name is required")
	}
	var sopts []streamopts.Stream
	if c.maxLen > 0 {
		sopts = append(sopts, streamopts.WithStreamMaxLen(c.maxLen))
	}
	str, err := streaming.NewStream(name, c.redis, sopts...)
	if err != nil {
		return nil, fmt.Errorf("create pulse stream: %w", err)
	}
	return &handle{stream: str}, nil
}

// Close implements Client. It is a no-op: the Redis connection lifecycle
// belongs to the caller.
func (c *client) Close(context.Context) error { return nil }

type handle struct {
	stream *streaming.Stream
}

// Add implements Stream.
func (h *handle) Add(ctx context.Context, event string, payload []byte) (string, error) {
	if event == "" {
		return "", errors.New("event name is required")
	}
	id, err := h.stream.Add(ctx, event, payload)
	if err != nil {
		return "", fmt.Errorf("pulse add: %w", err)
	}
	return id, nil
}

// NewSink implements Stream.
func (h *handle) NewSink(ctx context.Context, name string, opts ...streamopts.Sink) (Sink, error) {
	sink, err := h.stream.NewSink(ctx, name, opts...)
	if err != nil {
		return nil, err
	}
	return sinkAdapter{Sink: sink}, nil
}

// sinkAdapter narrows *streaming.Sink to the Sink interface; the embedded
// Close returns nothing, which is already the shape Sink wants, but the
// adapter keeps the conversion explicit in one place.
type sinkAdapter struct {
	*streaming.Sink
}

// Close implements Sink.
func (s sinkAdapter) Close(ctx context.Context) {
	s.Sink.Close(ctx)
}
