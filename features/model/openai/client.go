// Package openai implements model.Client on the OpenAI Chat Completions API
// using github.com/openai/openai-go. It translates the normalized request
// shape into chat completion params, maps responses and streaming chunks
// back, and classifies API failures into model.ProviderError.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sdk "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/openai/openai-go/v2/packages/ssestream"

	"goa.design/loom/runtime/model"
)

type (
	// ChatClient is the subset of the OpenAI SDK the adapter calls.
	// *sdk.ChatCompletionService satisfies it; tests pass a fake.
	ChatClient interface {
		New(ctx context.Context, body sdk.ChatCompletionNewParams, opts ...option.RequestOption) (*sdk.ChatCompletion, error)
		NewStreaming(ctx context.Context, body sdk.ChatCompletionNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.ChatCompletionChunk]
	}

	// Options configures the adapter.
	Options struct {
		// DefaultModel is used when Request.Model is empty. Required.
		DefaultModel string

		// MaxOutputTokens is the completion cap used when the request does
		// not set one. Zero leaves the cap to the provider default.
		MaxOutputTokens int

		// Temperature is used when the request does not set one.
		Temperature float64
	}

	// Client implements model.Client on OpenAI Chat Completions.
	Client struct {
		chat         ChatClient
		defaultModel string
		maxTokens    int
		temperature  float64
	}
)

const providerName = "openai"

// New builds the adapter from an OpenAI chat completion client.
func New(chat ChatClient, opts Options) (*Client, error) {
	if chat == nil {
		return nil, errors.New("openai: chat client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("openai: default model identifier is required")
	}
	return &Client{
		chat:         chat,
		defaultModel: opts.DefaultModel,
		maxTokens:    opts.MaxOutputTokens,
		temperature:  opts.Temperature,
	}, nil
}

// NewFromAPIKey constructs a client with the default OpenAI HTTP stack.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("openai: api key is required")
	}
	oc := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&oc.Chat.Completions, Options{DefaultModel: defaultModel})
}

// Complete issues a non-streaming chat completion call.
func (c *Client) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	params, err := c.encodeRequest(req)
	if err != nil {
		return nil, err
	}
	completion, err := c.chat.New(ctx, *params)
	if err != nil {
		return nil, wrapError("chat_completions_new", err)
	}
	return decodeResponse(completion)
}

// Stream issues a streaming chat completion call and adapts the chunk
// stream. Usage reporting on the final chunk is requested so the done event
// carries token counts.
func (c *Client) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	params, err := c.encodeRequest(req)
	if err != nil {
		return nil, err
	}
	params.StreamOptions = sdk.ChatCompletionStreamOptionsParam{IncludeUsage: sdk.Bool(true)}
	stream := c.chat.NewStreaming(ctx, *params)
	if err := stream.Err(); err != nil {
		return nil, wrapError("chat_completions_stream", err)
	}
	return newStreamer(ctx, stream, string(params.Model)), nil
}

func (c *Client) encodeRequest(req *model.Request) (*sdk.ChatCompletionNewParams, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("openai: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}

	msgs, err := encodeMessages(req.SystemPrompt, req.Messages)
	if err != nil {
		return nil, err
	}
	params := sdk.ChatCompletionNewParams{
		Messages: msgs,
		Model:    sdk.ChatModel(modelID),
	}
	if maxTokens := c.effectiveMaxTokens(req.MaxOutputTokens); maxTokens > 0 {
		params.MaxCompletionTokens = sdk.Int(int64(maxTokens))
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

func (c *Client) effectiveMaxTokens(requested int) int {
	if requested > 0 {
		return requested
	}
	return c.maxTokens
}

func (c *Client) effectiveTemperature(requested float64) float64 {
	if requested > 0 {
		return requested
	}
	return c.temperature
}

// encodeMessages converts the conversation. The system prompt becomes a
// leading system message because Chat Completions has no top-level field
// for it. Tool results without a call id travel as user turns; correlated
// results become tool role messages.
func encodeMessages(systemPrompt string, msgs []*model.Message) ([]sdk.ChatCompletionMessageParamUnion, error) {
	conversation := make([]sdk.ChatCompletionMessageParamUnion, 0, len(msgs)+1)
	if systemPrompt != "" {
		conversation = append(conversation, sdk.SystemMessage(systemPrompt))
	}
	for _, m := range msgs {
		if m == nil {
			continue
		}
		encoded, err := encodeMessage(m)
		if err != nil {
			return nil, err
		}
		conversation = append(conversation, encoded...)
	}
	if len(conversation) == 0 {
		return nil, errors.New("openai: at least one non-empty message is required")
	}
	return conversation, nil
}

func encodeMessage(m *model.Message) ([]sdk.ChatCompletionMessageParamUnion, error) {
	if len(m.Blocks) == 0 {
		if m.Content == "" {
			return nil, nil
		}
		switch m.Role {
		case model.RoleUser, model.RoleToolResult:
			return []sdk.ChatCompletionMessageParamUnion{sdk.UserMessage(m.Content)}, nil
		case model.RoleAssistant:
			return []sdk.ChatCompletionMessageParamUnion{sdk.AssistantMessage(m.Content)}, nil
		default:
			return nil, fmt.Errorf("openai: unsupported message role %q", m.Role)
		}
	}
	switch m.Role {
	case model.RoleAssistant:
		encoded, err := encodeAssistantBlocks(m.Blocks)
		if err != nil {
			return nil, err
		}
		return []sdk.ChatCompletionMessageParamUnion{encoded}, nil
	case model.RoleUser, model.RoleToolResult:
		return encodeUserBlocks(m.Blocks)
	default:
		return nil, fmt.Errorf("openai: unsupported message role %q", m.Role)
	}
}

// encodeAssistantBlocks folds an assistant turn's text and tool_use blocks
// into one assistant message so replayed tool calls stay correlated with
// the tool messages that follow.
func encodeAssistantBlocks(blocks []model.ContentBlock) (sdk.ChatCompletionMessageParamUnion, error) {
	var assistant sdk.ChatCompletionAssistantMessageParam
	var text string
	for _, b := range blocks {
		switch b.Type {
		case model.BlockText:
			text += b.Text
		case model.BlockToolUse:
			if b.ToolUseID == "" {
				return sdk.ChatCompletionMessageParamUnion{}, errors.New("openai: tool_use block missing tool use id")
			}
			if b.ToolName == "" {
				return sdk.ChatCompletionMessageParamUnion{}, errors.New("openai: tool_use block missing tool name")
			}
			args, err := json.Marshal(b.Input)
			if err != nil {
				return sdk.ChatCompletionMessageParamUnion{}, fmt.Errorf("openai: marshal tool call %q arguments: %w", b.ToolUseID, err)
			}
			assistant.ToolCalls = append(assistant.ToolCalls, sdk.ChatCompletionMessageToolCallUnionParam{
				OfFunction: &sdk.ChatCompletionMessageFunctionToolCallParam{
					ID: b.ToolUseID,
					Function: sdk.ChatCompletionMessageFunctionToolCallFunctionParam{
						Name:      b.ToolName,
						Arguments: string(args),
					},
				},
			})
		default:
			return sdk.ChatCompletionMessageParamUnion{}, fmt.Errorf("openai: unsupported assistant block type %q", b.Type)
		}
	}
	if text != "" {
		assistant.Content.OfString = sdk.String(text)
	}
	return sdk.ChatCompletionMessageParamUnion{OfAssistant: &assistant}, nil
}

// encodeUserBlocks expands a user turn into user and tool messages. The
// Chat Completions wire has no error flag on tool messages so failed
// results travel as plain content.
func encodeUserBlocks(blocks []model.ContentBlock) ([]sdk.ChatCompletionMessageParamUnion, error) {
	var (
		out  []sdk.ChatCompletionMessageParamUnion
		text string
	)
	for _, b := range blocks {
		switch b.Type {
		case model.BlockText:
			text += b.Text
		case model.BlockToolResult:
			if b.ToolUseID == "" {
				return nil, errors.New("openai: tool_result block missing tool use id")
			}
			out = append(out, sdk.ToolMessage(b.Result, b.ToolUseID))
		default:
			return nil, fmt.Errorf("openai: unsupported user block type %q", b.Type)
		}
	}
	if text != "" {
		out = append(out, sdk.UserMessage(text))
	}
	return out, nil
}

func encodeTools(defs []*model.ToolDefinition) ([]sdk.ChatCompletionToolUnionParam, error) {
	if len(defs) == 0 {
		return nil, nil
	}
	toolList := make([]sdk.ChatCompletionToolUnionParam, 0, len(defs))
	for _, def := range defs {
		if def == nil || def.Name == "" {
			continue
		}
		if def.Description == "" {
			return nil, fmt.Errorf("openai: tool %q is missing description", def.Name)
		}
		toolList = append(toolList, sdk.ChatCompletionFunctionTool(sdk.FunctionDefinitionParam{
			Name:        def.Name,
			Description: sdk.String(def.Description),
			Parameters:  sdk.FunctionParameters(def.InputSchema),
		}))
	}
	return toolList, nil
}

func decodeResponse(completion *sdk.ChatCompletion) (*model.Response, error) {
	if completion == nil || len(completion.Choices) == 0 {
		return nil, errors.New("openai: response has no choices")
	}
	choice := completion.Choices[0]

	var calls []model.ToolCall
	for _, tc := range choice.Message.ToolCalls {
		input, err := decodeArguments(tc.Function.Arguments)
		if err != nil {
			return nil, fmt.Errorf("openai: tool call %q: %w", tc.ID, err)
		}
		calls = append(calls, model.ToolCall{ID: tc.ID, Name: tc.Function.Name, Input: input})
	}

	usage := model.Usage{
		In:    int(completion.Usage.PromptTokens),
		Out:   int(completion.Usage.CompletionTokens),
		Total: int(completion.Usage.TotalTokens),
	}
	if usage.Total == 0 {
		usage.Total = usage.In + usage.Out
	}
	resp := &model.Response{
		Text:         choice.Message.Content,
		FinishReason: finishReason(choice.FinishReason),
		Usage:        usage,
	}
	if len(calls) > 0 {
		resp.ToolCalls = calls
	}
	return resp, nil
}

func decodeArguments(raw string) (map[string]any, error) {
	input := map[string]any{}
	if raw == "" {
		return input, nil
	}
	if err := json.Unmarshal([]byte(raw), &input); err != nil {
		return nil, fmt.Errorf("arguments are not valid JSON: %w", err)
	}
	return input, nil
}

func finishReason(reason string) model.FinishReason {
	switch reason {
	case "tool_calls":
		return model.FinishToolUse
	case "length":
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
