// Package blackboard is the in-process event bus of the orchestration
// runtime. The executor and pipeline publish the closed lifecycle event
// family (task started/progress/completed/blocked, wave started/completed,
// plan replanned); feeds, journals, and stream sinks subscribe. Delivery is
// synchronous in the publisher's goroutine and stops at the first
// subscriber error, so critical subscribers such as a durable journal can
// halt execution. Per-task publish order is started, then any progress,
// then exactly one completed or blocked.
package blackboard

import (
	"context"
	"errors"
	"sync"
)

type (
	// Board publishes runtime events to registered subscribers in a
	// fan-out pattern. The board is safe for concurrent Publish, Register,
	// and subscription Close operations.
	Board interface {
		// Publish stamps the event with the next sequence number and
		// delivers it to every matching subscriber in registration order.
		// Iteration stops at the first subscriber error.
		Publish(ctx context.Context, event Event) error

		// Register adds a subscriber and returns a Subscription that can
		// be closed to unregister. Register returns an error if sub is
		// nil.
		Register(sub Subscriber, opts ...SubscribeOption) (Subscription, error)
	}

	// Subscriber reacts to published events. Implementations must be
	// thread-safe if registered on multiple boards. HandleEvent should
	// return an error only when processing fails in a way that must halt
	// the run; the board stops iterating at the first error.
	Subscriber interface {
		// HandleEvent processes one event. The context originates from
		// the Publish call and carries its cancellation.
		HandleEvent(ctx context.Context, event Event) error
	}

	// SubscriberFunc adapts a function to the Subscriber interface.
	SubscriberFunc func(ctx context.Context, event Event) error

	// Subscription is an active registration. Close removes the
	// subscriber; it is idempotent and always returns nil.
	Subscription interface {
		Close() error
	}

	// SubscribeOption scopes a registration.
	SubscribeOption func(*registration)

	// board is the concrete Board.
	board struct {
		mu sync.RWMutex
		// regs holds active registrations in registration order so
		// delivery order is deterministic.
		regs []*registration
		// seq is the last assigned sequence number.
		seq uint64
	}

	// registration pairs a subscriber with its scope.
	registration struct {
		board *board
		sub   Subscriber
		// types restricts delivery to the listed event types. Empty means
		// all types.
		types map[EventType]struct{}
		// runID restricts delivery to one plan execution. Empty means all
		// runs.
		runID string
		once  sync.Once
	}
)

// HandleEvent calls f.
func (f SubscriberFunc) HandleEvent(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// WithEventTypes restricts a registration to the given event types.
func WithEventTypes(types ...EventType) SubscribeOption {
	return func(r *registration) {
		if r.types == nil {
			r.types = make(map[EventType]struct{}, len(types))
		}
		for _, t := range types {
			r.types[t] = struct{}{}
		}
	}
}

// WithRunScope restricts a registration to events of one plan execution.
func WithRunScope(runID string) SubscribeOption {
	return func(r *registration) { r.runID = runID }
}

// New constructs an empty in-memory board.
func New() Board {
	return &board{}
}

// Publish stamps and delivers the event. The subscriber snapshot is taken
// before iteration, so registrations changed during delivery do not affect
// the current fan-out.
func (b *board) Publish(ctx context.Context, event Event) error {
	if event == nil {
		return errors.New("event is required")
	}
	b.mu.Lock()
	b.seq++
	if s, ok := event.(interface{ stamp(uint64) }); ok {
		s.stamp(b.seq)
	}
	regs := make([]*registration, len(b.regs))
	copy(regs, b.regs)
	b.mu.Unlock()

	for _, r := range regs {
		if !r.matches(event) {
			continue
		}
		if err := r.sub.HandleEvent(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

// Register adds a subscriber with the given scope.
func (b *board) Register(sub Subscriber, opts ...SubscribeOption) (Subscription, error) {
	if sub == nil {
		return nil, errors.New("subscriber is required")
	}
	r := &registration{board: b, sub: sub}
	for _, opt := range opts {
		opt(r)
	}
	b.mu.Lock()
	b.regs = append(b.regs, r)
	b.mu.Unlock()
	return r, nil
}

func (r *registration) matches(event Event) bool {
	if r.runID != "" && event.RunID() != r.runID {
		return false
	}
	if len(r.types) == 0 {
		return true
	}
	_, ok := r.types[event.Type()]
	return ok
}

// Close removes the registration from the board. Events already in flight
// may still be delivered.
func (r *registration) Close() error {
	r.once.Do(func() {
		b := r.board
		b.mu.Lock()
		for i, reg := range b.regs {
			if reg == r {
				b.regs = append(b.regs[:i], b.regs[i+1:]...)
				break
			}
		}
		b.mu.Unlock()
	})
	return nil
}
