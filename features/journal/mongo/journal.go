package mongo

import (
	"context"
	"errors"

	clientsmongo "goa.design/loom/features/journal/mongo/clients/mongo"
	"goa.design/loom/runtime/blackboard"
)

// Options configures the Journal wrapper.
type Options struct {
	Client clientsmongo.Client
}

// Journal implements blackboard.Subscriber by delegating to the Mongo client.
// Board delivery is synchronous, so a publish does not return until the entry
// is stored.
type Journal struct {
	client clientsmongo.Client
}

// NewJournal builds a Mongo-backed journal using the provided client.
func NewJournal(opts Options) (*Journal, error) {
	if opts.Client == nil {
		return nil, errors.New("client is required")
	}
	return &Journal{client: opts.Client}, nil
}

// NewJournalFromMongo is a helper that instantiates the underlying client
// using the given options.
func NewJournalFromMongo(opts clientsmongo.Options) (*Journal, error) {
	client, err := clientsmongo.New(opts)
	if err != nil {
		return nil, err
	}
	return NewJournal(Options{Client: client})
}

// HandleEvent implements blackboard.Subscriber.
func (j *Journal) HandleEvent(ctx context.Context, e blackboard.Event) error {
	return j.client.Append(ctx, e)
}

// Register subscribes the journal to the board. Without options every
// published event is journaled.
func (j *Journal) Register(board blackboard.Board, opts ...blackboard.SubscribeOption) (blackboard.Subscription, error) {
	return board.Register(j, opts...)
}

// Replay returns one page of the run's journal in publish order.
func (j *Journal) Replay(ctx context.Context, runID string, cursor string, limit int) (clientsmongo.Page, error) {
	return j.client.List(ctx, runID, cursor, limit)
}
