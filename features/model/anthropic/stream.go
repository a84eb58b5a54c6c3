package anthropic

import (
	"context"
	"fmt"
	"io"
	"sync"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"goa.design/loom/runtime/model"
)

// streamer adapts an Anthropic Messages event stream to model.Streamer. A
// background goroutine drains the SDK stream, translates events, and feeds
// the accumulator that produces the final done event.
type streamer struct {
	ctx    context.Context
	cancel context.CancelFunc
	stream *ssestream.Stream[sdk.MessageStreamEventUnion]
	events chan model.Event

	errMu    sync.Mutex
	errSet   bool
	finalErr error

	metaMu   sync.RWMutex
	metadata map[string]any
}

func newStreamer(ctx context.Context, stream *ssestream.Stream[sdk.MessageStreamEventUnion], modelID string) model.Streamer {
	cctx, cancel := context.WithCancel(ctx)
	s := &streamer{
		ctx:    cctx,
		cancel: cancel,
		stream: stream,
		events: make(chan model.Event, 32),
		metadata: map[string]any{
			"provider": providerName,
			"model":    modelID,
		},
	}
	go s.run()
	return s
}

func (s *streamer) Recv() (model.Event, error) {
	select {
	case ev, ok := <-s.events:
		if ok {
			return ev, nil
		}
		if err := s.err(); err != nil {
			return model.Event{}, err
		}
		return model.Event{}, io.EOF
	case <-s.ctx.Done():
		err := s.ctx.Err()
		s.setErr(err)
		return model.Event{}, err
	}
}

func (s *streamer) Close() error {
	s.cancel()
	if s.stream == nil {
		return nil
	}
	return s.stream.Close()
}

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
	defer func() { _ = s.stream.Close() }()

	p := &eventTranslator{
		emit:  s.emit,
		acc:   model.NewAccumulator(),
		calls: make(map[int64]string),
	}
	for {
		select {
		case <-s.ctx.Done():
			s.setErr(s.ctx.Err())
			return
		default:
		}
		if !s.stream.Next() {
			if err := s.stream.Err(); err != nil {
				s.setErr(wrapError("messages_stream", err))
				return
			}
			if err := s.ctx.Err(); err != nil {
				s.setErr(err)
				return
			}
			// Clean close without message_stop still yields a done event so
			// consumers always see the aggregate.
			if !p.done {
				s.setErr(p.finish())
			}
			return
		}
		if err := p.handle(s.stream.Current()); err != nil {
			s.setErr(err)
			return
		}
		if u := p.usage; u != (model.Usage{}) {
			s.recordUsage(u)
		}
	}
}

func (s *streamer) emit(ev model.Event) error {
	select {
	case <-s.ctx.Done():
		return s.ctx.Err()
	case s.events <- ev:
		return nil
	}
}

func (s *streamer) recordUsage(u model.Usage) {
	s.metaMu.Lock()
	s.metadata["usage"] = u
	s.metaMu.Unlock()
}

func (s *streamer) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.errSet {
		return
	}
	s.errSet = true
	s.finalErr = err
}

func (s *streamer) err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.finalErr
}

// eventTranslator converts Anthropic stream events into the normalized
// event family. calls maps content block indexes to open tool call ids.
type eventTranslator struct {
	emit  func(model.Event) error
	acc   *model.Accumulator
	calls map[int64]string
	usage model.Usage
	done  bool
}

func (p *eventTranslator) handle(event sdk.MessageStreamEventUnion) error {
	switch ev := event.AsAny().(type) {
	case sdk.ContentBlockStartEvent:
		toolUse, ok := ev.ContentBlock.AsAny().(sdk.ToolUseBlock)
		if !ok {
			return nil
		}
		if toolUse.ID == "" {
			return fmt.Errorf("anthropic stream: tool use block missing id")
		}
		if toolUse.Name == "" {
			return fmt.Errorf("anthropic stream: tool use block %q missing name", toolUse.ID)
		}
		p.calls[ev.Index] = toolUse.ID
		return p.forward(model.Event{
			Type:       model.EventToolCallStart,
			ToolCallID: toolUse.ID,
			ToolName:   toolUse.Name,
		})

	case sdk.ContentBlockDeltaEvent:
		switch delta := ev.Delta.AsAny().(type) {
		case sdk.TextDelta:
			if delta.Text == "" {
				return nil
			}
			return p.forward(model.Event{Type: model.EventTextDelta, Text: delta.Text})
		case sdk.InputJSONDelta:
			if delta.PartialJSON == "" {
				return nil
			}
			id, ok := p.calls[ev.Index]
			if !ok {
				return fmt.Errorf("anthropic stream: tool JSON delta for unknown block %d", ev.Index)
			}
			return p.forward(model.Event{
				Type:           model.EventToolCallDelta,
				ToolCallID:     id,
				ArgumentsDelta: delta.PartialJSON,
			})
		default:
			return nil
		}

	case sdk.ContentBlockStopEvent:
		id, ok := p.calls[ev.Index]
		if !ok {
			return nil
		}
		delete(p.calls, ev.Index)
		return p.forward(model.Event{Type: model.EventToolCallEnd, ToolCallID: id})

	case sdk.MessageDeltaEvent:
		p.acc.SetFinishReason(finishReason(string(ev.Delta.StopReason)))
		p.usage = model.Usage{
			In:  int(ev.Usage.InputTokens),
			Out: int(ev.Usage.OutputTokens),
		}
		return nil

	case sdk.MessageStopEvent:
		return p.finish()
	}
	return nil
}

// forward feeds the accumulator then emits the event downstream.
func (p *eventTranslator) forward(ev model.Event) error {
	if err := p.acc.Feed(ev); err != nil {
		return err
	}
	return p.emit(ev)
}

// finish emits the done event carrying the aggregated response.
func (p *eventTranslator) finish() error {
	if p.done {
		return nil
	}
	p.done = true
	p.acc.AddUsage(p.usage)
	resp, err := p.acc.Response()
	if err != nil {
		return err
	}
	return p.emit(model.Event{Type: model.EventDone, Response: resp})
}
