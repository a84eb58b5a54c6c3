package bedrock

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"goa.design/loom/runtime/model"
)

// streamer adapts a ConverseStream event stream to model.Streamer. The AWS
// SDK delivers decoded events over a channel; run drains it, translates each
// union member, and feeds the shared accumulator so the trailing done event
// carries the same aggregate a Complete call would return.
type streamer struct {
	ctx    context.Context
	cancel context.CancelFunc
	stream *bedrockruntime.ConverseStreamEventStream

	events chan model.Event

	errMu    sync.Mutex
	errSet   bool
	finalErr error

	metaMu   sync.RWMutex
	metadata map[string]any
}

func newStreamer(ctx context.Context, stream *bedrockruntime.ConverseStreamEventStream, modelID string) *streamer {
	sctx, cancel := context.WithCancel(ctx)
	s := &streamer{
		ctx:    sctx,
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

// Close stops the consumer goroutine and releases the underlying stream.
func (s *streamer) Close() error {
	s.cancel()
	return s.stream.Close()
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

	p := &eventTranslator{emit: s.emit, acc: model.NewAccumulator(), calls: make(map[int32]string)}
	for {
		select {
		case <-s.ctx.Done():
			s.setErr(s.ctx.Err())
			return
		case ev, ok := <-s.stream.Events():
			if !ok {
				if err := s.stream.Err(); err != nil {
					s.setErr(wrapError("converse_stream_recv", err))
					return
				}
				// Usage metadata may trail the message stop event, so the
				// aggregate is only final once the channel closes.
				if p.usage != nil {
					s.recordUsage(*p.usage)
				}
				if err := p.finish(); err != nil {
					s.setErr(err)
				}
				return
			}
			if err := p.handle(ev); err != nil {
				s.setErr(err)
				return
			}
		}
	}
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

// eventTranslator maps ConverseStream union members to normalized events
// while feeding the accumulator. Tool calls are keyed by content block index
// because input fragments only carry the index.
type eventTranslator struct {
	emit  func(model.Event) bool
	acc   *model.Accumulator
	calls map[int32]string
	usage *model.Usage
	done  bool
}

func (p *eventTranslator) handle(ev brtypes.ConverseStreamOutput) error {
	switch v := ev.(type) {
	case *brtypes.ConverseStreamOutputMemberMessageStart:
		return nil

	case *brtypes.ConverseStreamOutputMemberContentBlockStart:
		start, ok := v.Value.Start.(*brtypes.ContentBlockStartMemberToolUse)
		if !ok {
			return nil
		}
		index := ptrValue(v.Value.ContentBlockIndex)
		id := aws.ToString(start.Value.ToolUseId)
		name := aws.ToString(start.Value.Name)
		if id == "" || name == "" {
			return fmt.Errorf("bedrock stream: tool_use start at block %d missing id or name", index)
		}
		p.calls[index] = id
		return p.forward(model.Event{Type: model.EventToolCallStart, ToolCallID: id, ToolName: name})

	case *brtypes.ConverseStreamOutputMemberContentBlockDelta:
		index := ptrValue(v.Value.ContentBlockIndex)
		switch d := v.Value.Delta.(type) {
		case *brtypes.ContentBlockDeltaMemberText:
			return p.forward(model.Event{Type: model.EventTextDelta, Text: d.Value})
		case *brtypes.ContentBlockDeltaMemberToolUse:
			id, ok := p.calls[index]
			if !ok {
				return fmt.Errorf("bedrock stream: tool input delta for unknown block %d", index)
			}
			return p.forward(model.Event{Type: model.EventToolCallDelta, ToolCallID: id, ArgumentsDelta: aws.ToString(d.Value.Input)})
		default:
			return nil
		}

	case *brtypes.ConverseStreamOutputMemberContentBlockStop:
		index := ptrValue(v.Value.ContentBlockIndex)
		id, ok := p.calls[index]
		if !ok {
			// Text blocks stop too and carry no call to close.
			return nil
		}
		delete(p.calls, index)
		return p.forward(model.Event{Type: model.EventToolCallEnd, ToolCallID: id})

	case *brtypes.ConverseStreamOutputMemberMessageStop:
		p.acc.SetFinishReason(finishReason(string(v.Value.StopReason)))
		return nil

	case *brtypes.ConverseStreamOutputMemberMetadata:
		if v.Value.Usage != nil {
			u := decodeUsage(v.Value.Usage)
			p.usage = &u
		}
		return nil

	default:
		return nil
	}
}

// forward feeds the accumulator before emitting so the done event and a
// Complete call agree on the aggregate.
func (p *eventTranslator) forward(ev model.Event) error {
	if err := p.acc.Feed(ev); err != nil {
		return fmt.Errorf("bedrock stream: %w", err)
	}
	p.emit(ev)
	return nil
}

func (p *eventTranslator) finish() error {
	if p.done {
		return nil
	}
	p.done = true
	if p.usage != nil {
		p.acc.AddUsage(*p.usage)
	}
	resp, err := p.acc.Response()
	if err != nil {
		return fmt.Errorf("bedrock stream: %w", err)
	}
	p.emit(model.Event{Type: model.EventDone, Response: resp})
	return nil
}
