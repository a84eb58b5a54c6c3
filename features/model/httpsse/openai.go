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

// OpenAIChatCompletions is the OpenAI Chat Completions wire dialect, the
// lingua franca of self-hosted inference servers and gateways.
type OpenAIChatCompletions struct{}

type (
	openaiRequest struct {
		Model         string               `json:"model"`
		Messages      []openaiMessage      `json:"messages"`
		Tools         json.RawMessage      `json:"tools,omitempty"`
		MaxTokens     int                  `json:"max_tokens,omitempty"`
		Temperature   float64              `json:"temperature,omitempty"`
		TopP          float64              `json:"top_p,omitempty"`
		Stream        bool                 `json:"stream,omitempty"`
		StreamOptions *openaiStreamOptions `json:"stream_options,omitempty"`
	}

	openaiStreamOptions struct {
		IncludeUsage bool `json:"include_usage"`
	}

	openaiMessage struct {
		Role       string           `json:"role"`
		Content    string           `json:"content"`
		ToolCalls  []openaiToolCall `json:"tool_calls,omitempty"`
		ToolCallID string           `json:"tool_call_id,omitempty"`
	}

	openaiToolCall struct {
		ID       string         `json:"id"`
		Type     string         `json:"type"`
		Function openaiFunction `json:"function"`
	}

	openaiFunction struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	}

	openaiUsage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	}

	openaiResponse struct {
		Choices []struct {
			Message struct {
				Content   string           `json:"content"`
				ToolCalls []openaiToolCall `json:"tool_calls"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage *openaiUsage `json:"usage"`
	}

	openaiChunk struct {
		Choices []struct {
			Delta struct {
				Content   string `json:"content"`
				ToolCalls []struct {
					Index    int            `json:"index"`
					ID       string         `json:"id"`
					Function openaiFunction `json:"function"`
				} `json:"tool_calls"`
			} `json:"delta"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage *openaiUsage `json:"usage"`
	}

	openaiErrorBody struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
			Code    any    `json:"code"`
		} `json:"error"`
	}
)

// Name implements Adapter.
func (OpenAIChatCompletions) Name() string { return "openai" }

// Endpoint implements Adapter.
func (OpenAIChatCompletions) Endpoint() string { return "/v1/chat/completions" }

// SetHeaders implements Adapter.
func (OpenAIChatCompletions) SetHeaders(h http.Header, apiKey string) {
	if apiKey != "" {
		h.Set("Authorization", "Bearer "+apiKey)
	}
}

// ConvertTools implements Adapter.
func (OpenAIChatCompletions) ConvertTools(defs []*model.ToolDefinition) (json.RawMessage, error) {
	if len(defs) == 0 {
		return nil, nil
	}
	type fn struct {
		Name        string         `json:"name"`
		Description string         `json:"description"`
		Parameters  map[string]any `json:"parameters"`
	}
	type tool struct {
		Type     string `json:"type"`
		Function fn     `json:"function"`
	}
	tools := make([]tool, 0, len(defs))
	for _, def := range defs {
		if def == nil || def.Name == "" {
			continue
		}
		if def.Description == "" {
			return nil, fmt.Errorf("openai: tool %q is missing description", def.Name)
		}
		params := def.InputSchema
		if params == nil {
			params = map[string]any{"type": "object"}
		}
		tools = append(tools, tool{Type: "function", Function: fn{Name: def.Name, Description: def.Description, Parameters: params}})
	}
	if len(tools) == 0 {
		return nil, nil
	}
	return json.Marshal(tools)
}

// BuildRequest implements Adapter.
func (o OpenAIChatCompletions) BuildRequest(call *Call) ([]byte, error) {
	messages, err := o.encodeMessages(call.Request.SystemPrompt, call.Request.Messages)
	if err != nil {
		return nil, err
	}
	wire := openaiRequest{
		Model:       call.Model,
		Messages:    messages,
		Tools:       call.Tools,
		MaxTokens:   call.MaxTokens,
		Temperature: call.Temperature,
		TopP:        call.TopP,
		Stream:      call.Stream,
	}
	if call.Stream {
		// The trailing usage chunk only arrives when asked for.
		wire.StreamOptions = &openaiStreamOptions{IncludeUsage: true}
	}
	return json.Marshal(wire)
}

// encodeMessages converts the conversation. The system prompt becomes a
// leading system message; tool results with a call id become tool role
// messages, uncorrelated ones travel as user turns.
func (o OpenAIChatCompletions) encodeMessages(systemPrompt string, msgs []*model.Message) ([]openaiMessage, error) {
	out := make([]openaiMessage, 0, len(msgs)+1)
	if systemPrompt != "" {
		out = append(out, openaiMessage{Role: "system", Content: systemPrompt})
	}
	for _, m := range msgs {
		if m == nil {
			continue
		}
		encoded, err := o.encodeMessage(m)
		if err != nil {
			return nil, err
		}
		out = append(out, encoded...)
	}
	if len(out) == 0 {
		return nil, errors.New("openai: at least one non-empty message is required")
	}
	return out, nil
}

func (o OpenAIChatCompletions) encodeMessage(m *model.Message) ([]openaiMessage, error) {
	if len(m.Blocks) == 0 {
		if m.Content == "" {
			return nil, nil
		}
		switch m.Role {
		case model.RoleUser, model.RoleToolResult:
			return []openaiMessage{{Role: "user", Content: m.Content}}, nil
		case model.RoleAssistant:
			return []openaiMessage{{Role: "assistant", Content: m.Content}}, nil
		default:
			return nil, fmt.Errorf("openai: unsupported message role %q", m.Role)
		}
	}
	switch m.Role {
	case model.RoleAssistant:
		return o.encodeAssistantBlocks(m.Blocks)
	case model.RoleUser, model.RoleToolResult:
		return o.encodeUserBlocks(m.Blocks)
	default:
		return nil, fmt.Errorf("openai: unsupported message role %q", m.Role)
	}
}

func (OpenAIChatCompletions) encodeAssistantBlocks(blocks []model.ContentBlock) ([]openaiMessage, error) {
	var text strings.Builder
	var calls []openaiToolCall
	for _, b := range blocks {
		switch b.Type {
		case model.BlockText:
			text.WriteString(b.Text)
		case model.BlockToolUse:
			if b.ToolUseID == "" || b.ToolName == "" {
				return nil, errors.New("openai: tool_use block missing id or name")
			}
			input := b.Input
			if input == nil {
				input = map[string]any{}
			}
			args, err := json.Marshal(input)
			if err != nil {
				return nil, fmt.Errorf("openai: encode tool arguments: %w", err)
			}
			calls = append(calls, openaiToolCall{
				ID:       b.ToolUseID,
				Type:     "function",
				Function: openaiFunction{Name: b.ToolName, Arguments: string(args)},
			})
		default:
			return nil, fmt.Errorf("openai: unsupported assistant block type %q", b.Type)
		}
	}
	return []openaiMessage{{Role: "assistant", Content: text.String(), ToolCalls: calls}}, nil
}

func (OpenAIChatCompletions) encodeUserBlocks(blocks []model.ContentBlock) ([]openaiMessage, error) {
	var out []openaiMessage
	var text strings.Builder
	for _, b := range blocks {
		switch b.Type {
		case model.BlockText:
			text.WriteString(b.Text)
		case model.BlockToolResult:
			if b.ToolUseID == "" {
				return nil, errors.New("openai: tool_result block missing tool use id")
			}
			// The wire has no error flag on tool messages so failed results
			// travel as plain content.
			out = append(out, openaiMessage{Role: "tool", ToolCallID: b.ToolUseID, Content: b.Result})
		default:
			return nil, fmt.Errorf("openai: unsupported user block type %q", b.Type)
		}
	}
	if text.Len() > 0 {
		out = append(out, openaiMessage{Role: "user", Content: text.String()})
	}
	return out, nil
}

// ParseResponse implements Adapter.
func (o OpenAIChatCompletions) ParseResponse(body []byte) (*model.Response, error) {
	var wire openaiResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("openai: decode response: %w", err)
	}
	if len(wire.Choices) == 0 {
		return nil, errors.New("openai: response has no choices")
	}
	choice := wire.Choices[0]
	resp := &model.Response{
		Text:         choice.Message.Content,
		FinishReason: openaiFinishReason(choice.FinishReason),
	}
	for _, tc := range choice.Message.ToolCalls {
		input, err := decodeOpenAIArguments(tc.Function.Arguments)
		if err != nil {
			return nil, fmt.Errorf("openai: tool call %q: %w", tc.ID, err)
		}
		resp.ToolCalls = append(resp.ToolCalls, model.ToolCall{ID: tc.ID, Name: tc.Function.Name, Input: input})
	}
	if wire.Usage != nil {
		resp.Usage = wire.Usage.normalize()
	}
	return resp, nil
}

// ParseEvent implements Adapter. Chat Completions events are unnamed; tool
// calls are keyed by choice slot index, with the id and name riding only the
// first fragment of each call. The wire never closes calls individually, so
// the driver synthesizes end events from the stream state at close.
func (o OpenAIChatCompletions) ParseEvent(state *StreamState, ev sse.Event) (StreamUpdate, error) {
	var chunk openaiChunk
	if err := json.Unmarshal([]byte(ev.Data), &chunk); err != nil {
		return StreamUpdate{}, fmt.Errorf("openai stream: decode chunk: %w", err)
	}
	upd := StreamUpdate{}
	if chunk.Usage != nil && (chunk.Usage.TotalTokens > 0 || chunk.Usage.PromptTokens > 0 || chunk.Usage.CompletionTokens > 0) {
		// Usage rides a trailing chunk with no choices when stream options
		// request it.
		u := chunk.Usage.normalize()
		upd.Usage = &u
	}
	if len(chunk.Choices) == 0 {
		return upd, nil
	}
	choice := chunk.Choices[0]
	if choice.Delta.Content != "" {
		upd.Events = append(upd.Events, model.Event{Type: model.EventTextDelta, Text: choice.Delta.Content})
	}
	for _, tc := range choice.Delta.ToolCalls {
		slot := strconv.Itoa(tc.Index)
		id, open := state.Lookup(slot)
		if !open {
			if tc.ID == "" || tc.Function.Name == "" {
				if tc.Function.Arguments == "" {
					// Role-only fragments carry nothing to forward.
					continue
				}
				return StreamUpdate{}, fmt.Errorf("openai stream: tool arguments for unknown call slot %d", tc.Index)
			}
			state.Bind(slot, tc.ID)
			id = tc.ID
			upd.Events = append(upd.Events, model.Event{Type: model.EventToolCallStart, ToolCallID: tc.ID, ToolName: tc.Function.Name})
		}
		if tc.Function.Arguments != "" {
			upd.Events = append(upd.Events, model.Event{Type: model.EventToolCallDelta, ToolCallID: id, ArgumentsDelta: tc.Function.Arguments})
		}
	}
	if choice.FinishReason != "" {
		upd.Finish = openaiFinishReason(choice.FinishReason)
	}
	return upd, nil
}

// ConvertError implements Adapter.
func (o OpenAIChatCompletions) ConvertError(operation string, status int, body []byte) error {
	code := ""
	message := bodySnippet(body)
	var payload openaiErrorBody
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error.Message != "" {
		message = payload.Error.Message
		switch c := payload.Error.Code.(type) {
		case string:
			code = c
		case float64:
			code = strconv.Itoa(int(c))
		}
		if code == "" {
			code = payload.Error.Type
		}
	}
	return model.NewProviderError(o.Name(), operation, status, model.KindForStatus(status), code, message, "", model.RetryableStatus(status), nil)
}

func (u *openaiUsage) normalize() model.Usage {
	out := model.Usage{In: u.PromptTokens, Out: u.CompletionTokens, Total: u.TotalTokens}
	if out.Total == 0 {
		out.Total = out.In + out.Out
	}
	return out
}

func decodeOpenAIArguments(raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return map[string]any{}, nil
	}
	input := map[string]any{}
	if err := json.Unmarshal([]byte(raw), &input); err != nil {
		return nil, fmt.Errorf("tool arguments are not a JSON object: %w", err)
	}
	return input, nil
}

func openaiFinishReason(reason string) model.FinishReason {
	switch reason {
	case "tool_calls":
		return model.FinishToolUse
	case "length":
		return model.FinishMaxTokens
	default:
		return model.FinishStop
	}
}
