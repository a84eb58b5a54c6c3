package bedrock

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"goa.design/loom/runtime/model"
)

// fakeStreamReader feeds canned events through the SDK event stream shell so
// the streamer exercises the same channel plumbing production uses.
type fakeStreamReader struct {
	events chan brtypes.ConverseStreamOutput
	err    error
}

func (r *fakeStreamReader) Events() <-chan brtypes.ConverseStreamOutput { return r.events }
func (r *fakeStreamReader) Close() error                                { return nil }
func (r *fakeStreamReader) Err() error                                  { return r.err }

type fakeStreamOutput struct {
	stream *bedrockruntime.ConverseStreamEventStream
}

func (o fakeStreamOutput) GetStream() *bedrockruntime.ConverseStreamEventStream { return o.stream }

func newFakeStream(events []brtypes.ConverseStreamOutput, err error) StreamOutput {
	ch := make(chan brtypes.ConverseStreamOutput, len(events))
	for _, ev := range events {
		ch <- ev
	}
	close(ch)
	reader := &fakeStreamReader{events: ch, err: err}
	es := bedrockruntime.NewConverseStreamEventStream(func(s *bedrockruntime.ConverseStreamEventStream) {
		s.Reader = reader
	})
	return fakeStreamOutput{stream: es}
}

func streamRequest() *model.Request {
	return &model.Request{
		Messages: []*model.Message{model.Text(model.RoleUser, "Write the login page.")},
		Tools: []*model.ToolDefinition{{
			Name:        "write_file",
			Description: "Write a file into the workspace.",
			InputSchema: map[string]any{"type": "object"},
		}},
	}
}

func drainStream(t *testing.T, s model.Streamer) ([]model.Event, error) {
	t.Helper()
	var events []model.Event
	for {
		ev, err := s.Recv()
		if err != nil {
			return events, err
		}
		events = append(events, ev)
	}
}

func textDelta(index int32, text string) brtypes.ConverseStreamOutput {
	return &brtypes.ConverseStreamOutputMemberContentBlockDelta{Value: brtypes.ContentBlockDeltaEvent{
		ContentBlockIndex: aws.Int32(index),
		Delta:             &brtypes.ContentBlockDeltaMemberText{Value: text},
	}}
}

func toolDelta(index int32, fragment string) brtypes.ConverseStreamOutput {
	return &brtypes.ConverseStreamOutputMemberContentBlockDelta{Value: brtypes.ContentBlockDeltaEvent{
		ContentBlockIndex: aws.Int32(index),
		Delta:             &brtypes.ContentBlockDeltaMemberToolUse{Value: brtypes.ToolUseBlockDelta{Input: aws.String(fragment)}},
	}}
}

func blockStop(index int32) brtypes.ConverseStreamOutput {
	return &brtypes.ConverseStreamOutputMemberContentBlockStop{Value: brtypes.ContentBlockStopEvent{
		ContentBlockIndex: aws.Int32(index),
	}}
}

func TestStreamerTextAndToolCall(t *testing.T) {
	rt := &mockRuntime{stream: newFakeStream([]brtypes.ConverseStreamOutput{
		&brtypes.ConverseStreamOutputMemberMessageStart{Value: brtypes.MessageStartEvent{Role: brtypes.ConversationRoleAssistant}},
		textDelta(0, "building "),
		textDelta(0, "login"),
		blockStop(0),
		&brtypes.ConverseStreamOutputMemberContentBlockStart{Value: brtypes.ContentBlockStartEvent{
			ContentBlockIndex: aws.Int32(1),
			Start: &brtypes.ContentBlockStartMemberToolUse{Value: brtypes.ToolUseBlockStart{
				ToolUseId: aws.String("call-1"),
				Name:      aws.String("write_file"),
			}},
		}},
		toolDelta(1, `{"path":`),
		toolDelta(1, `"src/Login.tsx"}`),
		blockStop(1),
		&brtypes.ConverseStreamOutputMemberMessageStop{Value: brtypes.MessageStopEvent{StopReason: brtypes.StopReasonToolUse}},
		&brtypes.ConverseStreamOutputMemberMetadata{Value: brtypes.ConverseStreamMetadataEvent{Usage: &brtypes.TokenUsage{
			InputTokens:  aws.Int32(12),
			OutputTokens: aws.Int32(34),
			TotalTokens:  aws.Int32(46),
		}}},
	}, nil)}
	client := newTestClient(t, rt)

	s, err := client.Stream(context.Background(), streamRequest())
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	defer s.Close()

	events, rerr := drainStream(t, s)
	if rerr != io.EOF {
		t.Fatalf("recv err = %v", rerr)
	}
	want := []model.EventType{
		model.EventTextDelta,
		model.EventTextDelta,
		model.EventToolCallStart,
		model.EventToolCallDelta,
		model.EventToolCallDelta,
		model.EventToolCallEnd,
		model.EventDone,
	}
	if len(events) != len(want) {
		t.Fatalf("events = %d, want %d: %+v", len(events), len(want), events)
	}
	for i, typ := range want {
		if events[i].Type != typ {
			t.Errorf("event %d = %q, want %q", i, events[i].Type, typ)
		}
	}

	done := events[len(events)-1]
	if done.Response == nil {
		t.Fatal("done event missing response")
	}
	if done.Response.Text != "building login" {
		t.Errorf("text = %q", done.Response.Text)
	}
	if done.Response.FinishReason != model.FinishToolUse {
		t.Errorf("finish reason = %q", done.Response.FinishReason)
	}
	if len(done.Response.ToolCalls) != 1 {
		t.Fatalf("tool calls = %+v", done.Response.ToolCalls)
	}
	call := done.Response.ToolCalls[0]
	if call.ID != "call-1" || call.Name != "write_file" || call.Input["path"] != "src/Login.tsx" {
		t.Errorf("call = %+v", call)
	}
	if done.Response.Usage.In != 12 || done.Response.Usage.Out != 34 || done.Response.Usage.Total != 46 {
		t.Errorf("usage = %+v", done.Response.Usage)
	}

	meta := s.Metadata()
	if meta["provider"] != "bedrock" {
		t.Errorf("metadata provider = %v", meta["provider"])
	}
	if meta["model"] != "anthropic.claude-3-5-sonnet-20241022-v2:0" {
		t.Errorf("metadata model = %v", meta["model"])
	}
	if _, ok := meta["usage"].(model.Usage); !ok {
		t.Errorf("metadata usage = %#v", meta["usage"])
	}
}

func TestStreamerFinishesAtChannelClose(t *testing.T) {
	rt := &mockRuntime{stream: newFakeStream([]brtypes.ConverseStreamOutput{
		textDelta(0, "done"),
	}, nil)}
	client := newTestClient(t, rt)

	s, err := client.Stream(context.Background(), streamRequest())
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	defer s.Close()

	events, rerr := drainStream(t, s)
	if rerr != io.EOF {
		t.Fatalf("recv err = %v", rerr)
	}
	if len(events) != 2 || events[1].Type != model.EventDone {
		t.Fatalf("events = %+v", events)
	}
	if events[1].Response.FinishReason != model.FinishStop {
		t.Errorf("finish reason = %q", events[1].Response.FinishReason)
	}
}

func TestStreamerSurfacesStreamError(t *testing.T) {
	rt := &mockRuntime{stream: newFakeStream(nil, errors.New("connection reset"))}
	client := newTestClient(t, rt)

	s, err := client.Stream(context.Background(), streamRequest())
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	defer s.Close()

	_, rerr := drainStream(t, s)
	perr, ok := model.AsProviderError(rerr)
	if !ok {
		t.Fatalf("recv err = %v", rerr)
	}
	if !perr.Retryable() {
		t.Error("transport failure should be retryable")
	}
}

func TestStreamerRejectsOrphanToolDelta(t *testing.T) {
	rt := &mockRuntime{stream: newFakeStream([]brtypes.ConverseStreamOutput{
		toolDelta(5, `{"path":"x"}`),
	}, nil)}
	client := newTestClient(t, rt)

	s, err := client.Stream(context.Background(), streamRequest())
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	defer s.Close()

	_, rerr := drainStream(t, s)
	if rerr == nil || rerr == io.EOF {
		t.Fatalf("recv err = %v", rerr)
	}
}

func TestStreamerCancelUnblocksRecv(t *testing.T) {
	// The reader channel stays open so the consumer blocks until cancel.
	reader := &fakeStreamReader{events: make(chan brtypes.ConverseStreamOutput)}
	es := bedrockruntime.NewConverseStreamEventStream(func(s *bedrockruntime.ConverseStreamEventStream) {
		s.Reader = reader
	})
	rt := &mockRuntime{stream: fakeStreamOutput{stream: es}}
	client := newTestClient(t, rt)

	ctx, cancel := context.WithCancel(context.Background())
	s, err := client.Stream(ctx, streamRequest())
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	defer s.Close()

	cancel()
	for {
		_, rerr := s.Recv()
		if rerr == nil {
			continue
		}
		if errors.Is(rerr, context.Canceled) {
			return
		}
		t.Fatalf("recv err = %v", rerr)
	}
}
