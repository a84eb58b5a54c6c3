package openai

import (
	"context"
	"fmt"
	"io"
	"sync"

	sdk "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/packages/ssestream"

	"goa.design/loom/runtime/model"
)

// streamer adapts an OpenAI chunk stream to model.Streamer. A background
// goroutine drains the SDK stream, translates chunks, and feeds the
// accumulator that produces the final done event.
type streamer struct {
	ctx    context.Context
	cancel context.CancelFunc
	stream *ssestream.Stream[sdk.ChatCompletionChunk]
	events chan model.Event

	errMu    sync.Mutex
	errSet   bool
	finalErr error

	metaMu   sync.RWMutex
	metadata map[string]any
}

func newStreamer(ctx context.Context, stream *ssestream.Stream[sdk.ChatCompletionChunk], modelID string) model.Streamer {
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

	p := &chunkTranslator{
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
				s.setErr(wrapError("chat_completions_stream", err))
				return
			}
			if err := s.ctx.Err(); err != nil {
				s.setErr(err)
				return
			}
			// The wire never closes tool calls individually; the stream end
			// is the close signal for every open call.
			s.setErr(p.finish())
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

// chunkTranslator converts Chat Completions chunks into the normalized
// event family. Tool call fragments arrive keyed by slot index; the id and
// name ride only the first fragment of each call.
type chunkTranslator struct {
	emit  func(model.Event) error
	acc   *model.Accumulator
	calls map[int64]string
	order []int64
	usage model.Usage
	done  bool
}

func (p *chunkTranslator) handle(chunk sdk.ChatCompletionChunk) error {
	// Usage rides a trailing chunk with no choices when stream options
	// request it.
	if chunk.Usage.TotalTokens > 0 || chunk.Usage.PromptTokens > 0 || chunk.Usage.CompletionTokens > 0 {
		p.usage = model.Usage{
			In:    int(chunk.Usage.PromptTokens),
			Out:   int(chunk.Usage.CompletionTokens),
			Total: int(chunk.Usage.TotalTokens),
		}
	}
	if len(chunk.Choices) == 0 {
		return nil
	}
	choice := chunk.Choices[0]

	if choice.Delta.Content != "" {
		if err := p.forward(model.Event{Type: model.EventTextDelta, Text: choice.Delta.Content}); err != nil {
			return err
		}
	}
	for _, tc := range choice.Delta.ToolCalls {
		if err := p.handleToolCall(tc); err != nil {
			return err
		}
	}
	if choice.FinishReason != "" {
		p.acc.SetFinishReason(finishReason(choice.FinishReason))
	}
	return nil
}

func (p *chunkTranslator) handleToolCall(tc sdk.ChatCompletionChunkChoiceDeltaToolCall) error {
	if _, open := p.calls[tc.Index]; !open {
		if tc.ID == "" || tc.Function.Name == "" {
			if tc.Function.Arguments == "" {
				return nil
			}
			return fmt.Errorf("openai stream: tool arguments for unknown call slot %d", tc.Index)
		}
		p.calls[tc.Index] = tc.ID
		p.order = append(p.order, tc.Index)
		if err := p.forward(model.Event{
			Type:       model.EventToolCallStart,
			ToolCallID: tc.ID,
			ToolName:   tc.Function.Name,
		}); err != nil {
			return err
		}
	}
	if tc.Function.Arguments == "" {
		return nil
	}
	return p.forward(model.Event{
		Type:           model.EventToolCallDelta,
		ToolCallID:     p.calls[tc.Index],
		ArgumentsDelta: tc.Function.Arguments,
	})
}

// forward feeds the accumulator then emits the event downstream.
func (p *chunkTranslator) forward(ev model.Event) error {
	if err := p.acc.Feed(ev); err != nil {
		return err
	}
	return p.emit(ev)
}

// finish closes open tool calls in arrival order then emits the done event
// carrying the aggregated response.
func (p *chunkTranslator) finish() error {
	if p.done {
		return nil
	}
	p.done = true
	for _, idx := range p.order {
		id, ok := p.calls[idx]
		if !ok {
			continue
		}
		delete(p.calls, idx)
		if err := p.forward(model.Event{Type: model.EventToolCallEnd, ToolCallID: id}); err != nil {
			return err
		}
	}
	p.acc.AddUsage(p.usage)
	resp, err := p.acc.Response()
	if err != nil {
		return err
	}
	return p.emit(model.Event{Type: model.EventDone, Response: resp})
}
