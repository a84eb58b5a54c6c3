// Package anthropic implements model.Client on the Anthropic Messages API
// using github.com/anthropics/anthropic-sdk-go. It translates the normalized
// request shape into Messages params, maps responses and streaming events
// back, and classifies API failures into model.ProviderError.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"goa.design/loom/runtime/model"
)

type (
	// MessagesClient is the subset of the Anthropic SDK the adapter calls.
	// *sdk.MessageService satisfies it; tests pass a fake.
	MessagesClient interface {
		New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
		NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
	}

	// Options configures the adapter.
	Options struct {
		// DefaultModel is used when Request.Model is empty. Required.
		DefaultModel string

		// MaxOutputTokens is the completion cap used when the request does
		// not set one. The Messages API requires a cap on every call; zero
		// selects DefaultMaxOutputTokens.
		MaxOutputTokens int

		// Temperature is used when the request does not set one.
		Temperature float64
	}

	// Client implements model.Client on Anthropic Messages.
	Client struct {
		msg          MessagesClient
		defaultModel string
		maxTokens    int
		temperature  float64
	}
)

const providerName = "anthropic"

// DefaultMaxOutputTokens caps completions when neither the request nor the
// options set one.
const DefaultMaxOutputTokens = 4096

// New builds the adapter from an Anthropic Messages client.
func New(msg MessagesClient, opts Options) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropic: messages client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("anthropic: default model identifier is required")
	}
	maxTokens := opts.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxOutputTokens
	}
	return &Client{
		msg:          msg,
		defaultModel: opts.DefaultModel,
		maxTokens:    maxTokens,
		temperature:  opts.Temperature,
	}, nil
}

// NewFromAPIKey constructs a client with the default Anthropic HTTP stack.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic: api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, Options{DefaultModel: defaultModel})
}

// Complete issues a non-streaming Messages call.
func (c *Client) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	params, err := c.encodeRequest(req)
	if err != nil {
		return nil, err
	}
	msg, err := c.msg.New(ctx, *params)
	if err != nil {
		return nil, wrapError("messages_new", err)
	}
	return decodeResponse(msg)
}

// Stream issues a streaming Messages call and adapts the SDK event stream.
func (c *Client) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	params, err := c.encodeRequest(req)
	if err != nil {
		return nil, err
	}
	stream := c.msg.NewStreaming(ctx, *params)
	if err := stream.Err(); err != nil {
		return nil, wrapError("messages_stream", err)
	}
	return newStreamer(ctx, stream, string(params.Model)), nil
}

func (c *Client) encodeRequest(req *model.Request) (*sdk.MessageNewParams, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("anthropic: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	maxTokens := req.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}

	msgs, err := encodeMessages(req.Messages)
	if err != nil {
		return nil, err
	}
	params := sdk.MessageNewParams{
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
		Model:     sdk.Model(modelID),
	}
	if req.SystemPrompt != "" {
		params.System = []sdk.TextBlockParam{{Text: req.SystemPrompt}}
	}
	tools, err := encodeTools(req.Tools)
	if err != nil {
		return nil, err
	}
	if len(tools) > 0 {
		params.Tools = tools
	}
	if t := c.effectiveTemperature(req.Temperature); t > 0 {
		params.Temperature = sdk.Float(t)
	}
	if req.TopP > 0 {
		params.TopP = sdk.Float(req.TopP)
	}
	return &params, nil
}

func (c *Client) effectiveTemperature(requested float64) float64 {
	if requested > 0 {
		return requested
	}
	return c.temperature
}

// encodeMessages converts the conversation. Tool results travel as user
// turns because the Messages API has no tool role.
func encodeMessages(msgs []*model.Message) ([]sdk.MessageParam, error) {
	conversation := make([]sdk.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		if m == nil {
			continue
		}
		blocks, err := encodeBlocks(m)
		if err != nil {
			return nil, err
		}
		if len(blocks) == 0 {
			continue
		}
		switch m.Role {
		case model.RoleUser, model.RoleToolResult:
			conversation = append(conversation, sdk.NewUserMessage(blocks...))
		case model.RoleAssistant:
			conversation = append(conversation, sdk.NewAssistantMessage(blocks...))
		default:
			return nil, fmt.Errorf("anthropic: unsupported message role %q", m.Role)
		}
	}
	if len(conversation) == 0 {
		return nil, errors.New("anthropic: at least one non-empty message is required")
	}
	return conversation, nil
}

func encodeBlocks(m *model.Message) ([]sdk.ContentBlockParamUnion, error) {
	if len(m.Blocks) == 0 {
		if m.Content == "" {
			return nil, nil
		}
		return []sdk.ContentBlockParamUnion{sdk.NewTextBlock(m.Content)}, nil
	}
	blocks := make([]sdk.ContentBlockParamUnion, 0, len(m.Blocks))
	for _, b := range m.Blocks {
		switch b.Type {
		case model.BlockText:
			if b.Text != "" {
				blocks = append(blocks, sdk.NewTextBlock(b.Text))
			}
		case model.BlockToolUse:
			if b.ToolName == "" {
				return nil, errors.New("anthropic: tool_use block missing tool name")
			}
			blocks = append(blocks, sdk.NewToolUseBlock(b.ToolUseID, b.Input, b.ToolName))
		case model.BlockToolResult:
			if b.ToolUseID == "" {
				return nil, errors.New("anthropic: tool_result block missing tool use id")
			}
			blocks = append(blocks, sdk.NewToolResultBlock(b.ToolUseID, b.Result, b.IsError))
		default:
			return nil, fmt.Errorf("anthropic: unsupported content block type %q", b.Type)
		}
	}
	return blocks, nil
}

func encodeTools(defs []*model.ToolDefinition) ([]sdk.ToolUnionParam, error) {
	if len(defs) == 0 {
		return nil, nil
	}
	toolList := make([]sdk.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		if def == nil || def.Name == "" {
			continue
		}
		if def.Description == "" {
			return nil, fmt.Errorf("anthropic: tool %q is missing description", def.Name)
		}
		u := sdk.ToolUnionParamOfTool(sdk.ToolInputSchemaParam{ExtraFields: def.InputSchema}, def.Name)
		if u.OfTool != nil {
			u.OfTool.Description = sdk.String(def.Description)
		}
		toolList = append(toolList, u)
	}
	return toolList, nil
}

func decodeResponse(msg *sdk.Message) (*model.Response, error) {
	if msg == nil {
		return nil, errors.New("anthropic: response message is nil")
	}
	var text strings.Builder
	var calls []model.ToolCall
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			input, err := decodeToolInput(block.Input)
			if err != nil {
				return nil, fmt.Errorf("anthropic: tool call %q: %w", block.ID, err)
			}
			calls = append(calls, model.ToolCall{ID: block.ID, Name: block.Name, Input: input})
		}
	}
	in, out := int(msg.Usage.InputTokens), int(msg.Usage.OutputTokens)
	resp := &model.Response{
		Text:         text.String(),
		FinishReason: finishReason(string(msg.StopReason)),
		Usage:        model.Usage{In: in, Out: out, Total: in + out},
	}
	if len(calls) > 0 {
		resp.ToolCalls = calls
	}
	return resp, nil
}

func decodeToolInput(raw json.RawMessage) (map[string]any, error) {
	input := map[string]any{}
	if len(raw) == 0 {
		return input, nil
	}
	if err := json.Unmarshal(raw, &input); err != nil {
		return nil, fmt.Errorf("arguments are not valid JSON: %w", err)
	}
	return input, nil
}

func finishReason(stop string) model.FinishReason {
	switch stop {
	case "tool_use":
		return model.FinishToolUse
	case "max_tokens":
		return model.FinishMaxTokens
	default:
		return model.FinishStop
	}
}

// wrapError classifies an SDK failure. Context cancellation passes through
// untouched so callers never retry it.
func wrapError(operation string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		return model.StatusError(providerName, operation, apiErr.StatusCode, apiErr.Error(), err)
	}
	return model.NewProviderError(providerName, operation, 0, model.ProviderErrorKindUnavailable, "", err.Error(), "", true, err)
}
