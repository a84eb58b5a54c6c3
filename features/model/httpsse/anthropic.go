package httpsse

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"goa.design/loom/runtime/model"
	"goa.design/loom/runtime/model/sse"
)

// anthropicVersion is the Messages API revision the dialect speaks.
const anthropicVersion = "2023-06-01"

// anthropicDefaultMaxTokens caps completions when nothing else does; the
// Messages API requires max_tokens on every call.
const anthropicDefaultMaxTokens = 4096

// AnthropicMessages is the Anthropic Messages wire dialect, for proxies and
// gateways that speak the Messages API.
type AnthropicMessages struct{}

type (
	anthropicRequest struct {
		Model       string             `json:"model"`
		MaxTokens   int                `json:"max_tokens"`
		System      string             `json:"system,omitempty"`
		Messages    []anthropicMessage `json:"messages"`
		Tools       json.RawMessage    `json:"tools,omitempty"`
		Temperature float64            `json:"temperature,omitempty"`
		TopP        float64            `json:"top_p,omitempty"`
		Stream      bool               `json:"stream,omitempty"`
	}

	anthropicMessage struct {
		Role string `json:"role"`
		// Content is a plain string for simple turns or a block list.
		Content any `json:"content"`
	}

	anthropicBlock struct {
		Type      string          `json:"type"`
		Text      string          `json:"text,omitempty"`
		ID        string          `json:"id,omitempty"`
		Name      string          `json:"name,omitempty"`
		Input     json.RawMessage `json:"input,omitempty"`
		ToolUseID string          `json:"tool_use_id,omitempty"`
		Content   string          `json:"content,omitempty"`
		IsError   bool            `json:"is_error,omitempty"`
	}

	anthropicTool struct {
		Name        string         `json:"name"`
		Description string         `json:"description"`
		InputSchema map[string]any `json:"input_schema"`
	}

	anthropicUsage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	}

	anthropicResponse struct {
		Content []struct {
			Type  string         `json:"type"`
			Text  string         `json:"text"`
			ID    string         `json:"id"`
			Name  string         `json:"name"`
			Input map[string]any `json:"input"`
		} `json:"content"`
		StopReason string         `json:"stop_reason"`
		Usage      anthropicUsage `json:"usage"`
	}

	anthropicErrorBody struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
)

// Name implements Adapter.
func (AnthropicMessages) Name() string { return "anthropic" }

// Endpoint implements Adapter.
func (AnthropicMessages) Endpoint() string { return "/v1/messages" }

// SetHeaders implements Adapter.
func (AnthropicMessages) SetHeaders(h http.Header, apiKey string) {
	h.Set("anthropic-version", anthropicVersion)
	if apiKey != "" {
		h.Set("x-api-key", apiKey)
	}
}

// ConvertTools implements Adapter.
func (AnthropicMessages) ConvertTools(defs []*model.ToolDefinition) (json.RawMessage, error) {
	if len(defs) == 0 {
		return nil, nil
	}
	tools := make([]anthropicTool, 0, len(defs))
	for _, def := range defs {
		if def == nil || def.Name == "" {
			continue
		}
		if def.Description == "" {
			return nil, fmt.Errorf("anthropic: tool %q is missing description", def.Name)
		}
		schema := def.InputSchema
		if schema == nil {
			schema = map[string]any{"type": "object"}
		}
		tools = append(tools, anthropicTool{Name: def.Name, Description: def.Description, InputSchema: schema})
	}
	if len(tools) == 0 {
		return nil, nil
	}
	return json.Marshal(tools)
}

// BuildRequest implements Adapter.
func (a AnthropicMessages) BuildRequest(call *Call) ([]byte, error) {
	messages, err := a.encodeMessages(call.Request.Messages)
	if err != nil {
		return nil, err
	}
	maxTokens := call.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}
	return json.Marshal(anthropicRequest{
		Model:       call.Model,
		MaxTokens:   maxTokens,
		System:      call.Request.SystemPrompt,
		Messages:    messages,
		Tools:       call.Tools,
		Temperature: call.Temperature,
		TopP:        call.TopP,
		Stream:      call.Stream,
	})
}

// encodeMessages converts the conversation. Tool results travel as user
// turns because the Messages API has no tool role.
func (a AnthropicMessages) encodeMessages(msgs []*model.Message) ([]anthropicMessage, error) {
	out := make([]anthropicMessage, 0, len(msgs))
	for _, m := range msgs {
		if m == nil {
			continue
		}
		var role string
		switch m.Role {
		case model.RoleUser, model.RoleToolResult:
			role = "user"
		case model.RoleAssistant:
			role = "assistant"
		default:
			return nil, fmt.Errorf("anthropic: unsupported message role %q", m.Role)
		}
		if len(m.Blocks) == 0 {
			if m.Content == "" {
				continue
			}
			out = append(out, anthropicMessage{Role: role, Content: m.Content})
			continue
		}
		blocks, err := a.encodeBlocks(m.Blocks)
		if err != nil {
			return nil, err
		}
		if len(blocks) == 0 {
			continue
		}
		out = append(out, anthropicMessage{Role: role, Content: blocks})
	}
	if len(out) == 0 {
		return nil, errors.New("anthropic: at least one non-empty message is required")
	}
	return out, nil
}

func (AnthropicMessages) encodeBlocks(blocks []model.ContentBlock) ([]anthropicBlock, error) {
	out := make([]anthropicBlock, 0, len(blocks))
	for _, b := range blocks {
		switch b.Type {
		case model.BlockText:
			if b.Text != "" {
				out = append(out, anthropicBlock{Type: "text", Text: b.Text})
			}
		case model.BlockToolUse:
			if b.ToolUseID == "" || b.ToolName == "" {
				return nil, errors.New("anthropic: tool_use block missing id or name")
			}
			input := b.Input
			if input == nil {
				input = map[string]any{}
			}
			raw, err := json.Marshal(input)
			if err != nil {
				return nil, fmt.Errorf("anthropic: encode tool input: %w", err)
			}
			out = append(out, anthropicBlock{Type: "tool_use", ID: b.ToolUseID, Name: b.ToolName, Input: raw})
		case model.BlockToolResult:
			if b.ToolUseID == "" {
				return nil, errors.New("anthropic: tool_result block missing tool use id")
			}
			out = append(out, anthropicBlock{Type: "tool_result", ToolUseID: b.ToolUseID, Content: b.Result, IsError: b.IsError})
		default:
			return nil, fmt.Errorf("anthropic: unsupported content block type %q", b.Type)
		}
	}
	return out, nil
}

// ParseResponse implements Adapter.
func (AnthropicMessages) ParseResponse(body []byte) (*model.Response, error) {
	var wire anthropicResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("anthropic: decode response: %w", err)
	}
	var text strings.Builder
	var calls []model.ToolCall
	for _, block := range wire.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			input := block.Input
			if input == nil {
				input = map[string]any{}
			}
			calls = append(calls, model.ToolCall{ID: block.ID, Name: block.Name, Input: input})
		}
	}
	resp := &model.Response{
		Text:         text.String(),
		FinishReason: anthropicFinishReason(wire.StopReason),
		Usage: model.Usage{
			In:    wire.Usage.InputTokens,
			Out:   wire.Usage.OutputTokens,
			Total: wire.Usage.InputTokens + wire.Usage.OutputTokens,
		},
	}
	if len(calls) > 0 {
		resp.ToolCalls = calls
	}
	return resp, nil
}

// ParseEvent implements Adapter. The Messages stream correlates tool input
// fragments by content block index, so the index binds to the call id in the
// stream state.
func (a AnthropicMessages) ParseEvent(state *StreamState, ev sse.Event) (StreamUpdate, error) {
	switch ev.Name {
	case "message_start":
		var payload struct {
			Message struct {
				Usage anthropicUsage `json:"usage"`
			} `json:"message"`
		}
		if err := json.Unmarshal([]byte(ev.Data), &payload); err != nil {
			return StreamUpdate{}, fmt.Errorf("anthropic stream: decode message_start: %w", err)
		}
		if payload.Message.Usage == (anthropicUsage{}) {
			return StreamUpdate{}, nil
		}
		return StreamUpdate{Usage: &model.Usage{In: payload.Message.Usage.InputTokens, Out: payload.Message.Usage.OutputTokens}}, nil

	case "content_block_start":
		var payload struct {
			Index        int `json:"index"`
			ContentBlock struct {
				Type string `json:"type"`
				ID   string `json:"id"`
				Name string `json:"name"`
			} `json:"content_block"`
		}
		if err := json.Unmarshal([]byte(ev.Data), &payload); err != nil {
			return StreamUpdate{}, fmt.Errorf("anthropic stream: decode content_block_start: %w", err)
		}
		if payload.ContentBlock.Type != "tool_use" {
			return StreamUpdate{}, nil
		}
		if payload.ContentBlock.ID == "" || payload.ContentBlock.Name == "" {
			return StreamUpdate{}, fmt.Errorf("anthropic stream: tool_use block %d missing id or name", payload.Index)
		}
		state.Bind(strconv.Itoa(payload.Index), payload.ContentBlock.ID)
		return StreamUpdate{Events: []model.Event{{
			Type:       model.EventToolCallStart,
			ToolCallID: payload.ContentBlock.ID,
			ToolName:   payload.ContentBlock.Name,
		}}}, nil

	case "content_block_delta":
		var payload struct {
			Index int `json:"index"`
			Delta struct {
				Type        string `json:"type"`
				Text        string `json:"text"`
				PartialJSON string `json:"partial_json"`
			} `json:"delta"`
		}
		if err := json.Unmarshal([]byte(ev.Data), &payload); err != nil {
			return StreamUpdate{}, fmt.Errorf("anthropic stream: decode content_block_delta: %w", err)
		}
		switch payload.Delta.Type {
		case "text_delta":
			if payload.Delta.Text == "" {
				return StreamUpdate{}, nil
			}
			return StreamUpdate{Events: []model.Event{{Type: model.EventTextDelta, Text: payload.Delta.Text}}}, nil
		case "input_json_delta":
			id, ok := state.Lookup(strconv.Itoa(payload.Index))
			if !ok {
				return StreamUpdate{}, fmt.Errorf("anthropic stream: tool input delta for unknown block %d", payload.Index)
			}
			return StreamUpdate{Events: []model.Event{{
				Type:           model.EventToolCallDelta,
				ToolCallID:     id,
				ArgumentsDelta: payload.Delta.PartialJSON,
			}}}, nil
		default:
			return StreamUpdate{}, nil
		}

	case "content_block_stop":
		var payload struct {
			Index int `json:"index"`
		}
		if err := json.Unmarshal([]byte(ev.Data), &payload); err != nil {
			return StreamUpdate{}, fmt.Errorf("anthropic stream: decode content_block_stop: %w", err)
		}
		id, ok := state.Release(strconv.Itoa(payload.Index))
		if !ok {
			// Text blocks stop too and carry no call to close.
			return StreamUpdate{}, nil
		}
		return StreamUpdate{Events: []model.Event{{Type: model.EventToolCallEnd, ToolCallID: id}}}, nil

	case "message_delta":
		var payload struct {
			Delta struct {
				StopReason string `json:"stop_reason"`
			} `json:"delta"`
			Usage anthropicUsage `json:"usage"`
		}
		if err := json.Unmarshal([]byte(ev.Data), &payload); err != nil {
			return StreamUpdate{}, fmt.Errorf("anthropic stream: decode message_delta: %w", err)
		}
		upd := StreamUpdate{}
		if payload.Delta.StopReason != "" {
			upd.Finish = anthropicFinishReason(payload.Delta.StopReason)
		}
		if payload.Usage != (anthropicUsage{}) {
			upd.Usage = &model.Usage{In: payload.Usage.InputTokens, Out: payload.Usage.OutputTokens}
		}
		return upd, nil

	case "error":
		return StreamUpdate{}, a.streamError(ev.Data)

	default:
		// ping, message_stop, and unknown event names carry nothing.
		return StreamUpdate{}, nil
	}
}

// streamError classifies a mid-stream error event.
func (a AnthropicMessages) streamError(data string) error {
	var payload anthropicErrorBody
	if err := json.Unmarshal([]byte(data), &payload); err != nil || payload.Error.Type == "" {
		return model.NewProviderError(a.Name(), "stream_recv", 0, model.ProviderErrorKindUnknown, "", bodySnippet([]byte(data)), "", false, nil)
	}
	kind := model.ProviderErrorKindUnknown
	retryable := false
	status := 0
	switch payload.Error.Type {
	case "rate_limit_error":
		kind = model.ProviderErrorKindRateLimited
		retryable = true
		status = http.StatusTooManyRequests
	case "overloaded_error", "api_error":
		kind = model.ProviderErrorKindUnavailable
		retryable = true
	case "invalid_request_error":
		kind = model.ProviderErrorKindInvalidRequest
	case "authentication_error", "permission_error":
		kind = model.ProviderErrorKindAuth
	}
	return model.NewProviderError(a.Name(), "stream_recv", status, kind, payload.Error.Type, payload.Error.Message, "", retryable, nil)
}

// ConvertError implements Adapter.
func (a AnthropicMessages) ConvertError(operation string, status int, body []byte) error {
	code := ""
	message := bodySnippet(body)
	var payload anthropicErrorBody
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error.Message != "" {
		code = payload.Error.Type
		message = payload.Error.Message
	}
	return model.NewProviderError(a.Name(), operation, status, model.KindForStatus(status), code, message, "", model.RetryableStatus(status), nil)
}

func anthropicFinishReason(stop string) model.FinishReason {
	switch stop {
	case "tool_use":
		return model.FinishToolUse
	case "max_tokens":
		return model.FinishMaxTokens
	default:
		return model.FinishStop
	}
}

// bodySnippet trims an error body for diagnostics.
func bodySnippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
