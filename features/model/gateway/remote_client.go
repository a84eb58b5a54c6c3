package gateway

import (
	"context"

	"goa.design/loom/runtime/model"
)

// RemoteClient is the client half of the gateway: a model.Client built
// from two caller-supplied RPC functions, one unary and one streaming.
// Whatever transport carries the calls, the executor sees the same
// contract it gets from an in-process provider client.
type RemoteClient struct {
	doComplete func(ctx context.Context, req *model.Request) (*model.Response, error)
	doStream   func(ctx context.Context, req *model.Request) (model.Streamer, error)
}

// NewRemoteClient constructs a model.Client from normalized RPC functions.
func NewRemoteClient(
	complete func(ctx context.Context, req *model.Request) (*model.Response, error),
	stream func(ctx context.Context, req *model.Request) (model.Streamer, error),
) *RemoteClient {
	return &RemoteClient{doComplete: complete, doStream: stream}
}

// Complete invokes the configured unary function.
func (c *RemoteClient) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	return c.doComplete(ctx, req)
}

// Stream invokes the configured streaming function.
func (c *RemoteClient) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	return c.doStream(ctx, req)
}
