package httpsse

import (
	"encoding/json"
	"strings"
	"testing"

	"goa.design/loom/runtime/model"
	"goa.design/loom/runtime/model/sse"
)

func anthropicCall(t *testing.T, req *model.Request, stream bool) *Call {
	t.Helper()
	tools, err := AnthropicMessages{}.ConvertTools(req.Tools)
	if err != nil {
		t.Fatalf("ConvertTools: %v", err)
	}
	return &Call{Model: "claude-3-5-sonnet", Request: req, Tools: tools, Stream: stream}
}

func TestAnthropicBuildRequestDefaultsMaxTokens(t *testing.T) {
	call := anthropicCall(t, &model.Request{
		SystemPrompt: "You plan code generation.",
		Messages:     []*model.Message{model.Text(model.RoleUser, "hello")},
	}, false)

	raw, err := AnthropicMessages{}.BuildRequest(call)
	if err != nil {
		t.Fatalf("BuildRequest: %v", err)
	}
	var body anthropicRequest
	if err := json.Unmarshal(raw, &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Model != "claude-3-5-sonnet" {
		t.Errorf("model = %q", body.Model)
	}
	if body.MaxTokens != anthropicDefaultMaxTokens {
		t.Errorf("max_tokens = %d, want %d", body.MaxTokens, anthropicDefaultMaxTokens)
	}
	if body.System != "You plan code generation." {
		t.Errorf("system = %q", body.System)
	}
	if body.Stream {
		t.Error("stream flag set on non-streaming call")
	}
	if len(body.Messages) != 1 || body.Messages[0].Role != "user" {
		t.Errorf("messages = %+v", body.Messages)
	}
}

func TestAnthropicBuildRequestEncodesBlocks(t *testing.T) {
	req := &model.Request{
		Messages: []*model.Message{
			model.Text(model.RoleUser, "Generate a login page."),
			{
				Role: model.RoleAssistant,
				Blocks: []model.ContentBlock{
					{Type: model.BlockText, Text: "Writing it now."},
					{Type: model.BlockToolUse, ToolUseID: "call-1", ToolName: "write_file", Input: map[string]any{"path": "src/Login.tsx"}},
				},
			},
			model.ToolResult("call-1", "wrote 120 lines", false),
		},
	}
	raw, err := AnthropicMessages{}.BuildRequest(anthropicCall(t, req, false))
	if err != nil {
		t.Fatalf("BuildRequest: %v", err)
	}

	var body struct {
		Messages []struct {
			Role    string          `json:"role"`
			Content json.RawMessage `json:"content"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(body.Messages) != 3 {
		t.Fatalf("messages = %d, want 3", len(body.Messages))
	}
	if body.Messages[1].Role != "assistant" {
		t.Errorf("role = %q", body.Messages[1].Role)
	}

	var assistant []anthropicBlock
	if err := json.Unmarshal(body.Messages[1].Content, &assistant); err != nil {
		t.Fatalf("decode assistant blocks: %v", err)
	}
	if len(assistant) != 2 || assistant[0].Type != "text" || assistant[1].Type != "tool_use" {
		t.Fatalf("assistant blocks = %+v", assistant)
	}
	if assistant[1].ID != "call-1" || assistant[1].Name != "write_file" {
		t.Errorf("tool_use block = %+v", assistant[1])
	}

	// Tool results become user turns keyed by tool_use_id.
	if body.Messages[2].Role != "user" {
		t.Errorf("tool result role = %q", body.Messages[2].Role)
	}
	var result []anthropicBlock
	if err := json.Unmarshal(body.Messages[2].Content, &result); err != nil {
		t.Fatalf("decode result blocks: %v", err)
	}
	if len(result) != 1 || result[0].Type != "tool_result" || result[0].ToolUseID != "call-1" {
		t.Errorf("tool_result block = %+v", result)
	}
	if result[0].Content != "wrote 120 lines" || result[0].IsError {
		t.Errorf("tool_result payload = %+v", result[0])
	}
}

func TestAnthropicBuildRequestRejectsUnknownRole(t *testing.T) {
	req := &model.Request{Messages: []*model.Message{{Role: "system", Content: "x"}}}
	if _, err := (AnthropicMessages{}).BuildRequest(anthropicCall(t, req, false)); err == nil {
		t.Error("expected role error")
	}
}

func TestAnthropicConvertTools(t *testing.T) {
	raw, err := AnthropicMessages{}.ConvertTools([]*model.ToolDefinition{
		{Name: "read_file", Description: "Read a workspace file."},
	})
	if err != nil {
		t.Fatalf("ConvertTools: %v", err)
	}
	var tools []anthropicTool
	if err := json.Unmarshal(raw, &tools); err != nil {
		t.Fatalf("decode tools: %v", err)
	}
	if len(tools) != 1 || tools[0].Name != "read_file" {
		t.Fatalf("tools = %+v", tools)
	}
	if tools[0].InputSchema["type"] != "object" {
		t.Errorf("nil schema should default to an object schema, got %v", tools[0].InputSchema)
	}

	if _, err := (AnthropicMessages{}).ConvertTools([]*model.ToolDefinition{{Name: "bare"}}); err == nil {
		t.Error("expected missing description error")
	}
}

func TestAnthropicParseResponse(t *testing.T) {
	body := `{
		"content":[
			{"type":"text","text":"Plan ready. "},
			{"type":"text","text":"Dispatching."},
			{"type":"tool_use","id":"call-9","name":"apply_patch","input":{"target":"api.go"}}
		],
		"stop_reason":"tool_use",
		"usage":{"input_tokens":40,"output_tokens":9}
	}`
	resp, err := AnthropicMessages{}.ParseResponse([]byte(body))
	if err != nil {
		t.Fatalf("ParseResponse: %v", err)
	}
	if resp.Text != "Plan ready. Dispatching." {
		t.Errorf("text = %q", resp.Text)
	}
	if resp.FinishReason != model.FinishToolUse {
		t.Errorf("finish reason = %q", resp.FinishReason)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Input["target"] != "api.go" {
		t.Errorf("tool calls = %+v", resp.ToolCalls)
	}
	if resp.Usage.Total != 49 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestAnthropicParseEventSequence(t *testing.T) {
	a := AnthropicMessages{}
	state := NewStreamState()

	upd, err := a.ParseEvent(state, sse.Event{Name: "message_start", Data: `{"message":{"usage":{"input_tokens":12}}}`})
	if err != nil {
		t.Fatalf("message_start: %v", err)
	}
	if upd.Usage == nil || upd.Usage.In != 12 {
		t.Errorf("message_start usage = %+v", upd.Usage)
	}

	upd, err = a.ParseEvent(state, sse.Event{Name: "content_block_start", Data: `{"index":0,"content_block":{"type":"tool_use","id":"call-1","name":"write_file"}}`})
	if err != nil {
		t.Fatalf("content_block_start: %v", err)
	}
	if len(upd.Events) != 1 || upd.Events[0].Type != model.EventToolCallStart || upd.Events[0].ToolName != "write_file" {
		t.Fatalf("start events = %+v", upd.Events)
	}

	upd, err = a.ParseEvent(state, sse.Event{Name: "content_block_delta", Data: `{"index":0,"delta":{"type":"input_json_delta","partial_json":"{\"path\":\"a\"}"}}`})
	if err != nil {
		t.Fatalf("content_block_delta: %v", err)
	}
	if len(upd.Events) != 1 || upd.Events[0].ArgumentsDelta != `{"path":"a"}` || upd.Events[0].ToolCallID != "call-1" {
		t.Fatalf("delta events = %+v", upd.Events)
	}

	upd, err = a.ParseEvent(state, sse.Event{Name: "content_block_stop", Data: `{"index":0}`})
	if err != nil {
		t.Fatalf("content_block_stop: %v", err)
	}
	if len(upd.Events) != 1 || upd.Events[0].Type != model.EventToolCallEnd {
		t.Fatalf("stop events = %+v", upd.Events)
	}
	if open := state.Open(); len(open) != 0 {
		t.Errorf("open calls after stop = %v", open)
	}

	upd, err = a.ParseEvent(state, sse.Event{Name: "message_delta", Data: `{"delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":34}}`})
	if err != nil {
		t.Fatalf("message_delta: %v", err)
	}
	if upd.Finish != model.FinishToolUse {
		t.Errorf("finish = %q", upd.Finish)
	}
	if upd.Usage == nil || upd.Usage.Out != 34 {
		t.Errorf("message_delta usage = %+v", upd.Usage)
	}
}

func TestAnthropicParseEventIgnoresTextBlockLifecycle(t *testing.T) {
	a := AnthropicMessages{}
	state := NewStreamState()

	upd, err := a.ParseEvent(state, sse.Event{Name: "content_block_start", Data: `{"index":0,"content_block":{"type":"text"}}`})
	if err != nil || len(upd.Events) != 0 {
		t.Errorf("text block start: upd=%+v err=%v", upd, err)
	}
	upd, err = a.ParseEvent(state, sse.Event{Name: "content_block_stop", Data: `{"index":0}`})
	if err != nil || len(upd.Events) != 0 {
		t.Errorf("text block stop: upd=%+v err=%v", upd, err)
	}
	upd, err = a.ParseEvent(state, sse.Event{Name: "ping", Data: `{}`})
	if err != nil || len(upd.Events) != 0 {
		t.Errorf("ping: upd=%+v err=%v", upd, err)
	}
}

func TestAnthropicParseEventRejectsOrphanToolDelta(t *testing.T) {
	_, err := AnthropicMessages{}.ParseEvent(NewStreamState(), sse.Event{
		Name: "content_block_delta",
		Data: `{"index":7,"delta":{"type":"input_json_delta","partial_json":"{"}}`,
	})
	if err == nil {
		t.Fatal("expected unknown block error")
	}
	if !strings.Contains(err.Error(), "unknown block") {
		t.Errorf("err = %v", err)
	}
}

func TestAnthropicParseEventClassifiesStreamErrors(t *testing.T) {
	a := AnthropicMessages{}
	cases := []struct {
		errType   string
		kind      model.ProviderErrorKind
		retryable bool
	}{
		{"rate_limit_error", model.ProviderErrorKindRateLimited, true},
		{"overloaded_error", model.ProviderErrorKindUnavailable, true},
		{"invalid_request_error", model.ProviderErrorKindInvalidRequest, false},
		{"authentication_error", model.ProviderErrorKindAuth, false},
	}
	for _, tc := range cases {
		_, err := a.ParseEvent(NewStreamState(), sse.Event{
			Name: "error",
			Data: `{"type":"error","error":{"type":"` + tc.errType + `","message":"nope"}}`,
		})
		perr, ok := model.AsProviderError(err)
		if !ok {
			t.Fatalf("%s: err = %v", tc.errType, err)
		}
		if perr.Kind() != tc.kind {
			t.Errorf("%s: kind = %q, want %q", tc.errType, perr.Kind(), tc.kind)
		}
		if perr.Retryable() != tc.retryable {
			t.Errorf("%s: retryable = %v, want %v", tc.errType, perr.Retryable(), tc.retryable)
		}
	}
}

func TestAnthropicConvertError(t *testing.T) {
	err := AnthropicMessages{}.ConvertError("complete", 429, []byte(`{"type":"error","error":{"type":"rate_limit_error","message":"slow down"}}`))
	perr, ok := model.AsProviderError(err)
	if !ok {
		t.Fatalf("err = %v", err)
	}
	if perr.Kind() != model.ProviderErrorKindRateLimited || !perr.Retryable() {
		t.Errorf("classification = %q retryable=%v", perr.Kind(), perr.Retryable())
	}
	if perr.Code() != "rate_limit_error" || perr.Message() != "slow down" {
		t.Errorf("code=%q message=%q", perr.Code(), perr.Message())
	}

	// Non-JSON bodies fall back to a trimmed snippet.
	err = AnthropicMessages{}.ConvertError("complete", 502, []byte("  upstream timed out  "))
	perr, ok = model.AsProviderError(err)
	if !ok {
		t.Fatalf("err = %v", err)
	}
	if perr.Message() != "upstream timed out" {
		t.Errorf("message = %q", perr.Message())
	}
	if perr.Kind() != model.ProviderErrorKindUnavailable || !perr.Retryable() {
		t.Errorf("classification = %q retryable=%v", perr.Kind(), perr.Retryable())
	}
}
