package httpsse

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"goa.design/loom/runtime/model"
	"goa.design/loom/runtime/model/sse"
)

// streamer drains the SSE reader, hands each wire event to the adapter, and
// feeds the shared accumulator so the trailing done event carries the same
// aggregate a Complete call would return.
type streamer struct {
	ctx     context.Context
	cancel  context.CancelFunc
	adapter Adapter
	reader  *sse.Reader

	events chan model.Event

	errMu    sync.Mutex
	errSet   bool
	finalErr error

	metaMu   sync.RWMutex
	metadata map[string]any
}

func newStreamer(ctx context.Context, adapter Adapter, reader *sse.Reader, modelID string) *streamer {
	sctx, cancel := context.WithCancel(ctx)
	s := &streamer{
		ctx:     sctx,
		cancel:  cancel,
		adapter: adapter,
		reader:  reader,
		events:  make(chan model.Event, 32),
		metadata: map[string]any{
			"provider": adapter.Name(),
			"model":    modelID,
		},
	}
	go s.run()
	return s
}

// Recv returns the next event. It reports io.EOF after the done event.
func (s *streamer) Recv() (model.Event, error) {
	select {
	case ev, ok := <-s.events:
		if !ok {
			if err := s.err(); err != nil {
				return model.Event{}, err
			}
			return model.Event{}, io.EOF
		}
		return ev, nil
	case <-s.ctx.Done():
		s.setErr(s.ctx.Err())
		return model.Event{}, s.ctx.Err()
	}
}

// Close stops the consumer goroutine and releases the response body.
func (s *streamer) Close() error {
	s.cancel()
	return s.reader.Close()
}

// Metadata returns a copy of the stream metadata gathered so far.
func (s *streamer) Metadata() map[string]any {
	s.metaMu.RLock()
	defer s.metaMu.RUnlock()
	out := make(map[string]any, len(s.metadata))
	for k, v := range s.metadata {
		out[k] = v
	}
	return out
}

func (s *streamer) run() {
	defer close(s.events)

	var (
		state     = NewStreamState()
		acc       = model.NewAccumulator()
		usage     model.Usage
		haveUsage bool
	)
	for {
		if err := s.ctx.Err(); err != nil {
			s.setErr(err)
			return
		}
		ev, err := s.reader.Next()
		switch {
		case errors.Is(err, io.EOF):
			s.finish(state, acc, usage, haveUsage)
			return
		case errors.Is(err, sse.ErrIdleTimeout):
			s.setErr(model.NewProviderError(s.adapter.Name(), "stream_recv", 0, model.ProviderErrorKindUnavailable, "", "stream idle timeout", "", true, err))
			return
		case err != nil:
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				s.setErr(err)
				return
			}
			s.setErr(model.NewProviderError(s.adapter.Name(), "stream_recv", 0, model.ProviderErrorKindUnavailable, "", err.Error(), "", true, err))
			return
		}

		upd, err := s.adapter.ParseEvent(state, ev)
		if err != nil {
			s.setErr(err)
			return
		}
		for _, out := range upd.Events {
			if err := s.forward(acc, out); err != nil {
				s.setErr(err)
				return
			}
		}
		if upd.Usage != nil {
			usage = mergeUsage(usage, *upd.Usage)
			haveUsage = true
			s.recordUsage(usage)
		}
		if upd.Finish != "" {
			acc.SetFinishReason(upd.Finish)
		}
	}
}

// finish closes calls the wire left open, then emits the done aggregate.
func (s *streamer) finish(state *StreamState, acc *model.Accumulator, usage model.Usage, haveUsage bool) {
	for _, id := range state.Open() {
		if err := s.forward(acc, model.Event{Type: model.EventToolCallEnd, ToolCallID: id}); err != nil {
			s.setErr(err)
			return
		}
	}
	if haveUsage {
		acc.AddUsage(usage)
	}
	resp, err := acc.Response()
	if err != nil {
		s.setErr(fmt.Errorf("%s stream: %w", s.adapter.Name(), err))
		return
	}
	s.emit(model.Event{Type: model.EventDone, Response: resp})
}

// forward feeds the accumulator before emitting so the done event and a
// Complete call agree on the aggregate.
func (s *streamer) forward(acc *model.Accumulator, ev model.Event) error {
	if err := acc.Feed(ev); err != nil {
		return fmt.Errorf("%s stream: %w", s.adapter.Name(), err)
	}
	s.emit(ev)
	return nil
}

func (s *streamer) emit(ev model.Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.ctx.Done():
		s.setErr(s.ctx.Err())
		return false
	}
}

func (s *streamer) recordUsage(u model.Usage) {
	s.metaMu.Lock()
	s.metadata["usage"] = u
	s.metaMu.Unlock()
}

func (s *streamer) setErr(err error) {
	if err == nil {
		return
	}
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if !s.errSet {
		s.errSet = true
		s.finalErr = err
	}
}

func (s *streamer) err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.finalErr
}

// mergeUsage overlays the non-zero fields of an update onto prior totals.
// Dialects report usage piecemeal: input tokens at message start, output
// tokens at message end, or everything on one trailing chunk. The aggregate
// derives a missing grand total at response time.
func mergeUsage(base, upd model.Usage) model.Usage {
	if upd.In > 0 {
		base.In = upd.In
	}
	if upd.Out > 0 {
		base.Out = upd.Out
	}
	if upd.Total > 0 {
		base.Total = upd.Total
	}
	return base
}
