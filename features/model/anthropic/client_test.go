package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"goa.design/loom/runtime/model"
)

// apiError builds an SDK error the way the transport layer would, with the
// request populated so Error() can render it.
func apiError(status int) *sdk.Error {
	return &sdk.Error{
		StatusCode: status,
		Request: &http.Request{
			Method: http.MethodPost,
			URL:    &url.URL{Scheme: "https", Host: "api.anthropic.com", Path: "/v1/messages"},
		},
	}
}

type stubMessagesClient struct {
	lastParams sdk.MessageNewParams
	resp       *sdk.Message
	err        error

	stream *ssestream.Stream[sdk.MessageStreamEventUnion]
}

func (s *stubMessagesClient) New(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) (*sdk.Message, error) {
	s.lastParams = body
	return s.resp, s.err
}

func (s *stubMessagesClient) NewStreaming(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion] {
	s.lastParams = body
	if s.stream == nil {
		s.stream = ssestream.NewStream[sdk.MessageStreamEventUnion](&testDecoder{}, nil)
	}
	return s.stream
}

func TestCompleteTextOnly(t *testing.T) {
	stub := &stubMessagesClient{}
	cl, err := New(stub, Options{DefaultModel: "claude-sonnet-4-5", MaxOutputTokens: 128})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	stub.resp = &sdk.Message{
		Content: []sdk.ContentBlockUnion{
			{Type: "text", Text: "world"},
		},
		StopReason: sdk.StopReasonEndTurn,
		Usage: sdk.Usage{
			InputTokens:  10,
			OutputTokens: 5,
		},
	}

	req := &model.Request{
		SystemPrompt: "Be brief.",
		Messages:     []*model.Message{model.Text(model.RoleUser, "hello")},
		Temperature:  0.4,
	}
	resp, err := cl.Complete(context.Background(), req)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Text != "world" {
		t.Fatalf("unexpected text %q", resp.Text)
	}
	if resp.FinishReason != model.FinishStop {
		t.Fatalf("unexpected finish reason %q", resp.FinishReason)
	}
	if resp.Usage.In != 10 || resp.Usage.Out != 5 || resp.Usage.Total != 15 {
		t.Fatalf("unexpected usage: %+v", resp.Usage)
	}

	if got := string(stub.lastParams.Model); got != "claude-sonnet-4-5" {
		t.Fatalf("unexpected model %q", got)
	}
	if stub.lastParams.MaxTokens != 128 {
		t.Fatalf("unexpected max tokens %d", stub.lastParams.MaxTokens)
	}
	if len(stub.lastParams.System) != 1 || stub.lastParams.System[0].Text != "Be brief." {
		t.Fatalf("system prompt not encoded: %+v", stub.lastParams.System)
	}
	if len(stub.lastParams.Messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(stub.lastParams.Messages))
	}
}

func TestCompleteToolUse(t *testing.T) {
	stub := &stubMessagesClient{}
	cl, err := New(stub, Options{DefaultModel: "claude-sonnet-4-5"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	stub.resp = &sdk.Message{
		Content: []sdk.ContentBlockUnion{
			{Type: "text", Text: "writing the page"},
			{Type: "tool_use", ID: "call-1", Name: "write_file", Input: json.RawMessage(`{"path":"src/App.tsx","content":"x"}`)},
		},
		StopReason: sdk.StopReasonToolUse,
	}

	req := &model.Request{
		Messages: []*model.Message{model.Text(model.RoleUser, "generate")},
		Tools: []*model.ToolDefinition{{
			Name:        "write_file",
			Description: "Write one file.",
			InputSchema: map[string]any{"type": "object"},
		}},
	}
	resp, err := cl.Complete(context.Background(), req)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.FinishReason != model.FinishToolUse {
		t.Fatalf("unexpected finish reason %q", resp.FinishReason)
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(resp.ToolCalls))
	}
	call := resp.ToolCalls[0]
	if call.ID != "call-1" || call.Name != "write_file" {
		t.Fatalf("unexpected call %+v", call)
	}
	if call.Input["path"] != "src/App.tsx" {
		t.Fatalf("unexpected input %+v", call.Input)
	}
	if len(stub.lastParams.Tools) != 1 {
		t.Fatalf("expected 1 encoded tool, got %d", len(stub.lastParams.Tools))
	}
}

func TestEncodeMessagesRolesAndBlocks(t *testing.T) {
	msgs := []*model.Message{
		model.Text(model.RoleUser, "make a login page"),
		{
			Role: model.RoleAssistant,
			Blocks: []model.ContentBlock{
				{Type: model.BlockText, Text: "on it"},
				{Type: model.BlockToolUse, ToolUseID: "call-1", ToolName: "write_file", Input: map[string]any{"path": "a.ts"}},
			},
		},
		model.ToolResult("call-1", "ok", false),
	}
	encoded, err := encodeMessages(msgs)
	if err != nil {
		t.Fatalf("encodeMessages: %v", err)
	}
	if len(encoded) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(encoded))
	}
	// Tool results travel as user turns.
	if encoded[2].Role != "user" {
		t.Fatalf("tool result encoded with role %q", encoded[2].Role)
	}
}

func TestEncodeMessagesRejectsUnknownRole(t *testing.T) {
	_, err := encodeMessages([]*model.Message{{Role: "system", Content: "x"}})
	if err == nil {
		t.Fatal("expected error for unknown role")
	}
}

func TestEncodeToolsRequiresDescription(t *testing.T) {
	_, err := encodeTools([]*model.ToolDefinition{{Name: "write_file"}})
	if err == nil {
		t.Fatal("expected error for missing description")
	}
}

func TestCompleteRequiresMessages(t *testing.T) {
	cl, err := New(&stubMessagesClient{}, Options{DefaultModel: "claude-sonnet-4-5"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := cl.Complete(context.Background(), &model.Request{}); err == nil {
		t.Fatal("expected error for empty messages")
	}
}

func TestCompleteWrapsAPIError(t *testing.T) {
	stub := &stubMessagesClient{err: apiError(503)}
	cl, err := New(stub, Options{DefaultModel: "claude-sonnet-4-5"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = cl.Complete(context.Background(), &model.Request{
		Messages: []*model.Message{model.Text(model.RoleUser, "hi")},
	})
	if err == nil {
		t.Fatal("expected error")
	}
	pe, ok := model.AsProviderError(err)
	if !ok {
		t.Fatalf("expected provider error, got %v", err)
	}
	if pe.Provider() != "anthropic" || pe.HTTPStatus() != 503 {
		t.Fatalf("unexpected provider error: %v", pe)
	}
	if !pe.Retryable() {
		t.Fatal("503 should be retryable")
	}
}

func TestCompletePassesThroughCancellation(t *testing.T) {
	stub := &stubMessagesClient{err: context.Canceled}
	cl, err := New(stub, Options{DefaultModel: "claude-sonnet-4-5"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = cl.Complete(context.Background(), &model.Request{
		Messages: []*model.Message{model.Text(model.RoleUser, "hi")},
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if _, ok := model.AsProviderError(err); ok {
		t.Fatal("cancellation must not be wrapped as a provider error")
	}
}
