package gateway

import (
	"context"
	"errors"
	"io"

	"goa.design/loom/runtime/model"
)

type (
	// Server turns a provider model.Client into a pair of handlers with
	// middleware support. Construct one with NewServer, hand it the provider
	// via WithProvider, and register cross-cutting layers with WithUnary and
	// WithStream; transport code then calls Complete and Stream.
	//
	// Middleware composes as an onion in registration order: the first layer
	// registered is outermost, the provider call is the core.
	Server struct {
		provider model.Client
		unary    UnaryHandler
		stream   StreamHandler
	}

	// UnaryHandler handles one completion request end to end.
	UnaryHandler func(ctx context.Context, req *model.Request) (*model.Response, error)

	// StreamHandler handles one streaming completion, calling send once per
	// event in stream order. An error returned from send aborts the stream;
	// the handler owns cleanup of the underlying stream.
	StreamHandler func(ctx context.Context, req *model.Request, send func(model.Event) error) error

	// UnaryMiddleware wraps a UnaryHandler.
	UnaryMiddleware func(next UnaryHandler) UnaryHandler

	// StreamMiddleware wraps a StreamHandler. Layers may observe or rewrite
	// events through the send callback but must keep send sequential.
	StreamMiddleware func(next StreamHandler) StreamHandler

	// Option configures a Server during construction.
	Option func(*serverConfig)

	serverConfig struct {
		provider model.Client
		unaryMW  []UnaryMiddleware
		streamMW []StreamMiddleware
	}
)

// WithProvider sets the provider client at the core of both middleware
// chains. Required; NewServer fails with ErrProviderRequired without it.
func WithProvider(p model.Client) Option {
	return func(c *serverConfig) { c.provider = p }
}

// WithUnary appends middleware to the unary chain. Layers apply in
// registration order across all WithUnary calls, first registered outermost.
func WithUnary(mw ...UnaryMiddleware) Option {
	return func(c *serverConfig) { c.unaryMW = append(c.unaryMW, mw...) }
}

// WithStream appends middleware to the streaming chain. Same ordering rule
// as WithUnary.
func WithStream(mw ...StreamMiddleware) Option {
	return func(c *serverConfig) { c.streamMW = append(c.streamMW, mw...) }
}

// NewServer builds the middleware chains and returns the assembled Server.
// The Server itself carries no policy; everything beyond the provider call
// comes from registered middleware.
func NewServer(opts ...Option) (*Server, error) {
	var cfg serverConfig
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.provider == nil {
		return nil, ErrProviderRequired
	}
	baseUnary := func(ctx context.Context, req *model.Request) (*model.Response, error) {
		return cfg.provider.Complete(ctx, req)
	}
	baseStream := func(ctx context.Context, req *model.Request, send func(model.Event) error) error {
		st, err := cfg.provider.Stream(ctx, req)
		if err != nil {
			return err
		}
		defer func() { _ = st.Close() }()
		for {
			ev, err := st.Recv()
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return err
			}
			if err := send(ev); err != nil {
				return err
			}
		}
	}
	unary := baseUnary
	for i := len(cfg.unaryMW) - 1; i >= 0; i-- {
		unary = cfg.unaryMW[i](unary)
	}
	stream := baseStream
	for i := len(cfg.streamMW) - 1; i >= 0; i-- {
		stream = cfg.streamMW[i](stream)
	}
	return &Server{provider: cfg.provider, unary: unary, stream: stream}, nil
}

// Complete runs the request through the unary chain.
func (s *Server) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	return s.unary(ctx, req)
}

// Stream runs the request through the streaming chain, invoking send once
// per event. Context cancellation propagates through every layer down to
// the provider stream.
func (s *Server) Stream(ctx context.Context, req *model.Request, send func(model.Event) error) error {
	return s.stream(ctx, req, send)
}
