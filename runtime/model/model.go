// Package model defines the provider-neutral LLM contract the executor
// drives tasks against. It abstracts chat completion APIs (Anthropic,
// OpenAI, Bedrock, self-hosted gateways) behind one request/response/stream
// shape so agents never couple to a provider SDK. Implementations live under
// features/model and translate these normalized types into wire formats.
package model

import (
	"context"
	"errors"
)

type (
	// Client is the contract tasks use to invoke models. Implementations
	// wrap provider SDKs or raw HTTP, own retry and back-off for retryable
	// provider failures, and must be safe for concurrent use. Cancellation
	// rides the context and is never retried.
	Client interface {
		// Complete sends a completion request and returns the full response.
		Complete(ctx context.Context, req *Request) (*Response, error)

		// Stream sends a completion request and returns a Streamer yielding
		// incremental events. The returned Streamer must be closed by the
		// caller. Providers without streaming support return
		// ErrStreamingUnsupported.
		Stream(ctx context.Context, req *Request) (Streamer, error)
	}

	// Streamer delivers incremental model output. Successive Recv calls
	// return events until the done event, after which Recv returns io.EOF.
	// Implementations are safe to call from a single goroutine and release
	// underlying resources on Close.
	Streamer interface {
		// Recv returns the next stream event.
		Recv() (Event, error)

		// Close releases the stream.
		Close() error

		// Metadata returns provider-specific stream metadata. Typical keys
		// include "provider", "model", and request identifiers. Contents
		// are optional and provider-defined.
		Metadata() map[string]any
	}

	// Request carries the normalized parameters of one model invocation.
	Request struct {
		// Provider names the adapter the request routes to, for logs and
		// error reporting (e.g. "anthropic", "openai", "bedrock").
		Provider string

		// Model is the provider-specific model identifier.
		Model string

		// SystemPrompt is the instruction prefix. Adapters place it where
		// their wire format expects (a top-level field or a leading system
		// message).
		SystemPrompt string

		// Messages is the ordered conversation. Order matters.
		Messages []*Message

		// Tools describes the tool schemas exposed for function calling.
		// Empty when the model should not invoke tools.
		Tools []*ToolDefinition

		// Temperature controls sampling. Zero means the provider default.
		Temperature float64

		// TopP controls nucleus sampling. Zero means the provider default.
		TopP float64

		// MaxOutputTokens caps completion length. Zero means the provider
		// default.
		MaxOutputTokens int
	}

	// Message is one turn of the conversation. Either Content or Blocks is
	// set; adapters use Blocks when present.
	Message struct {
		// Role is the turn's role from the closed set.
		Role Role

		// Content is the plain-text body for simple turns.
		Content string

		// Blocks carries structured content when the turn mixes text with
		// tool calls or tool results.
		Blocks []ContentBlock
	}

	// ContentBlock is one structured piece of a message.
	ContentBlock struct {
		// Type discriminates the block.
		Type BlockType

		// Text is the body of text blocks.
		Text string

		// ToolUseID correlates tool_use and tool_result blocks.
		ToolUseID string

		// ToolName names the invoked tool on tool_use blocks.
		ToolName string

		// Input carries the tool arguments on tool_use blocks.
		Input map[string]any

		// Result carries the tool output on tool_result blocks.
		Result string

		// IsError marks failed tool results.
		IsError bool
	}

	// ToolDefinition describes a tool schema passed to the provider.
	ToolDefinition struct {
		// Name is the identifier presented to the model.
		Name string

		// Description documents when and how to invoke the tool.
		Description string

		// InputSchema is the JSON Schema of the tool arguments, typically a
		// map[string]any with "type", "properties", and "required".
		InputSchema map[string]any
	}

	// ToolCall is a tool invocation requested by the model.
	ToolCall struct {
		// ID is the provider-assigned call identifier, used to correlate
		// the eventual tool_result.
		ID string `json:"id"`

		// Name names the requested tool.
		Name string `json:"name"`

		// Input carries the decoded JSON arguments.
		Input map[string]any `json:"input"`
	}

	// Usage reports token consumption for one invocation.
	Usage struct {
		// In counts prompt tokens.
		In int `json:"in"`

		// Out counts completion tokens.
		Out int `json:"out"`

		// Total is the aggregate. Prefer it when the provider reports one;
		// otherwise it is In+Out.
		Total int `json:"total"`
	}

	// Response is the aggregated outcome of one invocation.
	Response struct {
		// Text is the concatenated assistant text.
		Text string `json:"text"`

		// ToolCalls lists requested tool invocations in provider order.
		ToolCalls []ToolCall `json:"toolCalls,omitempty"`

		// FinishReason explains why generation stopped.
		FinishReason FinishReason `json:"finishReason"`

		// Usage reports token counts when the provider exposes them.
		Usage Usage `json:"usage"`
	}

	// Event is one streaming increment. Type selects which fields are
	// populated.
	Event struct {
		// Type discriminates the event.
		Type EventType

		// Text is the fragment on text_delta events.
		Text string

		// ToolCallID correlates the tool_call_* family.
		ToolCallID string

		// ToolName is set on tool_call_start.
		ToolName string

		// ArgumentsDelta is a fragment of the call's JSON arguments on
		// tool_call_delta. Fragments accumulate until tool_call_end.
		ArgumentsDelta string

		// Response carries the aggregated final response on done.
		Response *Response
	}
)

// Role is a conversation turn role.
type Role string

const (
	// RoleUser marks end-user input.
	RoleUser Role = "user"
	// RoleAssistant marks model output.
	RoleAssistant Role = "assistant"
	// RoleToolResult marks tool output returned to the model.
	RoleToolResult Role = "tool_result"
)

// BlockType discriminates content blocks.
type BlockType string

const (
	// BlockText is plain text.
	BlockText BlockType = "text"
	// BlockToolUse is a tool invocation by the assistant.
	BlockToolUse BlockType = "tool_use"
	// BlockToolResult is a tool outcome returned to the model.
	BlockToolResult BlockType = "tool_result"
)

// FinishReason explains stream termination.
type FinishReason string

const (
	// FinishStop is a natural end of generation.
	FinishStop FinishReason = "stop"
	// FinishToolUse means the model requested tool calls.
	FinishToolUse FinishReason = "tool_use"
	// FinishMaxTokens means the completion hit the token cap.
	FinishMaxTokens FinishReason = "max_tokens"
	// FinishError means the provider terminated the stream abnormally.
	FinishError FinishReason = "error"
)

// EventType discriminates stream events.
type EventType string

const (
	// EventTextDelta carries a text fragment.
	EventTextDelta EventType = "text_delta"
	// EventToolCallStart opens a tool call.
	EventToolCallStart EventType = "tool_call_start"
	// EventToolCallDelta extends a tool call's arguments.
	EventToolCallDelta EventType = "tool_call_delta"
	// EventToolCallEnd closes a tool call.
	EventToolCallEnd EventType = "tool_call_end"
	// EventDone terminates the stream with the aggregated response.
	EventDone EventType = "done"
)

// ErrStreamingUnsupported indicates the provider does not implement
// streaming for the requested model or parameters.
var ErrStreamingUnsupported = errors.New("model: streaming not supported")

// Text builds a plain user message.
func Text(role Role, content string) *Message {
	return &Message{Role: role, Content: content}
}

// ToolResult builds a tool_result message correlated to a prior tool call.
func ToolResult(toolUseID, result string, isError bool) *Message {
	return &Message{
		Role: RoleToolResult,
		Blocks: []ContentBlock{{
			Type:      BlockToolResult,
			ToolUseID: toolUseID,
			Result:    result,
			IsError:   isError,
		}},
	}
}
