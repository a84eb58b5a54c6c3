// Package bedrock implements model.Client on the AWS Bedrock Converse API.
// It splits the system prompt from conversational messages, encodes tool
// schemas into Bedrock's ToolConfiguration, translates Converse responses
// and streaming events back into the normalized shapes, and classifies
// smithy failures into model.ProviderError.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"goa.design/loom/runtime/model"
)

const providerName = "bedrock"

type (
	// RuntimeClient is the subset of the Bedrock runtime the adapter calls.
	// The AWS client is adapted through awsRuntime; tests pass a fake.
	RuntimeClient interface {
		Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
		ConverseStream(ctx context.Context, params *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (StreamOutput, error)
	}

	// StreamOutput is the subset of the ConverseStream output the adapter
	// reads. *bedrockruntime.ConverseStreamOutput satisfies it.
	StreamOutput interface {
		GetStream() *bedrockruntime.ConverseStreamEventStream
	}

	// Options configures the adapter.
	Options struct {
		// DefaultModel is used when Request.Model is empty. Required.
		DefaultModel string

		// MaxOutputTokens is the completion cap used when the request does
		// not set one. Zero omits the cap so Bedrock applies its default.
		MaxOutputTokens int

		// Temperature is used when the request does not set one.
		Temperature float64
	}

	// Client implements model.Client on Bedrock Converse.
	Client struct {
		runtime      RuntimeClient
		defaultModel string
		maxTokens    int
		temperature  float64
	}

	requestParts struct {
		modelID    string
		messages   []brtypes.Message
		system     []brtypes.SystemContentBlock
		toolConfig *brtypes.ToolConfiguration
	}
)

// awsRuntime adapts *bedrockruntime.Client to RuntimeClient. The wrapper
// exists because the concrete ConverseStream return type does not satisfy
// the interface signature tests fake.
type awsRuntime struct {
	client *bedrockruntime.Client
}

func (r awsRuntime) Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error) {
	return r.client.Converse(ctx, params, optFns...)
}

func (r awsRuntime) ConverseStream(ctx context.Context, params *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (StreamOutput, error) {
	out, err := r.client.ConverseStream(ctx, params, optFns...)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// New builds the adapter from a Bedrock runtime client.
func New(runtime RuntimeClient, opts Options) (*Client, error) {
	if runtime == nil {
		return nil, errors.New("bedrock: runtime client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("bedrock: default model identifier is required")
	}
	return &Client{
		runtime:      runtime,
		defaultModel: opts.DefaultModel,
		maxTokens:    opts.MaxOutputTokens,
		temperature:  opts.Temperature,
	}, nil
}

// NewFromConfig constructs a client with the default AWS HTTP stack.
func NewFromConfig(cfg aws.Config, opts Options) (*Client, error) {
	return New(awsRuntime{client: bedrockruntime.NewFromConfig(cfg)}, opts)
}

// Complete issues a non-streaming Converse call.
func (c *Client) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	parts, err := c.encodeRequest(req)
	if err != nil {
		return nil, err
	}
	output, err := c.runtime.Converse(ctx, c.buildConverseInput(parts, req))
	if err != nil {
		return nil, wrapError("converse", err)
	}
	return decodeResponse(output)
}

// Stream issues a ConverseStream call and adapts the event stream.
func (c *Client) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	parts, err := c.encodeRequest(req)
	if err != nil {
		return nil, err
	}
	out, err := c.runtime.ConverseStream(ctx, c.buildConverseStreamInput(parts, req))
	if err != nil {
		return nil, wrapError("converse_stream", err)
	}
	stream := out.GetStream()
	if stream == nil {
		return nil, errors.New("bedrock: stream output missing event stream")
	}
	return newStreamer(ctx, stream, parts.modelID), nil
}

func (c *Client) encodeRequest(req *model.Request) (*requestParts, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("bedrock: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	toolConfig, err := encodeTools(req.Tools)
	if err != nil {
		return nil, err
	}
	// Converse rejects transcripts holding tool blocks when no tool
	// configuration is present; fail fast with a clearer error.
	if toolConfig == nil && messagesHaveToolBlocks(req.Messages) {
		return nil, errors.New("bedrock: messages contain tool blocks but the request defines no tools")
	}
	messages, err := encodeMessages(req.Messages)
	if err != nil {
		return nil, err
	}
	var system []brtypes.SystemContentBlock
	if req.SystemPrompt != "" {
		system = []brtypes.SystemContentBlock{
			&brtypes.SystemContentBlockMemberText{Value: req.SystemPrompt},
		}
	}
	return &requestParts{
		modelID:    modelID,
		messages:   messages,
		system:     system,
		toolConfig: toolConfig,
	}, nil
}

func (c *Client) buildConverseInput(parts *requestParts, req *model.Request) *bedrockruntime.ConverseInput {
	input := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(parts.modelID),
		Messages: parts.messages,
	}
	if len(parts.system) > 0 {
		input.System = parts.system
	}
	if parts.toolConfig != nil {
		input.ToolConfig = parts.toolConfig
	}
	if cfg := c.inferenceConfig(req); cfg != nil {
		input.InferenceConfig = cfg
	}
	return input
}

func (c *Client) buildConverseStreamInput(parts *requestParts, req *model.Request) *bedrockruntime.ConverseStreamInput {
	input := &bedrockruntime.ConverseStreamInput{
		ModelId:  aws.String(parts.modelID),
		Messages: parts.messages,
	}
	if len(parts.system) > 0 {
		input.System = parts.system
	}
	if parts.toolConfig != nil {
		input.ToolConfig = parts.toolConfig
	}
	if cfg := c.inferenceConfig(req); cfg != nil {
		input.InferenceConfig = cfg
	}
	return input
}

func (c *Client) inferenceConfig(req *model.Request) *brtypes.InferenceConfiguration {
	var cfg brtypes.InferenceConfiguration
	if tokens := c.effectiveMaxTokens(req.MaxOutputTokens); tokens > 0 {
		cfg.MaxTokens = aws.Int32(int32(tokens))
	}
	if t := c.effectiveTemperature(req.Temperature); t > 0 {
		cfg.Temperature = aws.Float32(float32(t))
	}
	if req.TopP > 0 {
		cfg.TopP = aws.Float32(float32(req.TopP))
	}
	if cfg.MaxTokens == nil && cfg.Temperature == nil && cfg.TopP == nil {
		return nil
	}
	return &cfg
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

// encodeMessages converts the conversation. Tool results travel inside user
// turns because Converse correlates them by toolUseId, not by role.
func encodeMessages(msgs []*model.Message) ([]brtypes.Message, error) {
	conversation := make([]brtypes.Message, 0, len(msgs))
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
		var role brtypes.ConversationRole
		switch m.Role {
		case model.RoleUser, model.RoleToolResult:
			role = brtypes.ConversationRoleUser
		case model.RoleAssistant:
			role = brtypes.ConversationRoleAssistant
		default:
			return nil, fmt.Errorf("bedrock: unsupported message role %q", m.Role)
		}
		conversation = append(conversation, brtypes.Message{Role: role, Content: blocks})
	}
	if len(conversation) == 0 {
		return nil, errors.New("bedrock: at least one non-empty message is required")
	}
	return conversation, nil
}

func encodeBlocks(m *model.Message) ([]brtypes.ContentBlock, error) {
	if len(m.Blocks) == 0 {
		if m.Content == "" {
			return nil, nil
		}
		return []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: m.Content}}, nil
	}
	blocks := make([]brtypes.ContentBlock, 0, len(m.Blocks))
	for _, b := range m.Blocks {
		switch b.Type {
		case model.BlockText:
			if b.Text != "" {
				blocks = append(blocks, &brtypes.ContentBlockMemberText{Value: b.Text})
			}
		case model.BlockToolUse:
			if b.ToolUseID == "" {
				return nil, errors.New("bedrock: tool_use block missing tool use id")
			}
			if b.ToolName == "" {
				return nil, errors.New("bedrock: tool_use block missing tool name")
			}
			blocks = append(blocks, &brtypes.ContentBlockMemberToolUse{Value: brtypes.ToolUseBlock{
				ToolUseId: aws.String(b.ToolUseID),
				Name:      aws.String(b.ToolName),
				Input:     toDocument(b.Input),
			}})
		case model.BlockToolResult:
			if b.ToolUseID == "" {
				return nil, errors.New("bedrock: tool_result block missing tool use id")
			}
			tr := brtypes.ToolResultBlock{
				ToolUseId: aws.String(b.ToolUseID),
				Content: []brtypes.ToolResultContentBlock{
					&brtypes.ToolResultContentBlockMemberText{Value: b.Result},
				},
			}
			if b.IsError {
				tr.Status = brtypes.ToolResultStatusError
			}
			blocks = append(blocks, &brtypes.ContentBlockMemberToolResult{Value: tr})
		default:
			return nil, fmt.Errorf("bedrock: unsupported content block type %q", b.Type)
		}
	}
	return blocks, nil
}

func encodeTools(defs []*model.ToolDefinition) (*brtypes.ToolConfiguration, error) {
	if len(defs) == 0 {
		return nil, nil
	}
	toolList := make([]brtypes.Tool, 0, len(defs))
	for _, def := range defs {
		if def == nil || def.Name == "" {
			continue
		}
		if def.Description == "" {
			return nil, fmt.Errorf("bedrock: tool %q is missing description", def.Name)
		}
		toolList = append(toolList, &brtypes.ToolMemberToolSpec{Value: brtypes.ToolSpecification{
			Name:        aws.String(def.Name),
			Description: aws.String(def.Description),
			InputSchema: &brtypes.ToolInputSchemaMemberJson{Value: toDocument(def.InputSchema)},
		}})
	}
	if len(toolList) == 0 {
		return nil, nil
	}
	return &brtypes.ToolConfiguration{Tools: toolList}, nil
}

// toDocument encodes a JSON object as a smithy document. Nil maps encode as
// an empty object because Converse rejects null tool inputs.
func toDocument(v map[string]any) document.Interface {
	if v == nil {
		v = map[string]any{}
	}
	return document.NewLazyDocument(v)
}

func messagesHaveToolBlocks(msgs []*model.Message) bool {
	for _, m := range msgs {
		if m == nil {
			continue
		}
		for _, b := range m.Blocks {
			if b.Type == model.BlockToolUse || b.Type == model.BlockToolResult {
				return true
			}
		}
	}
	return false
}

func decodeResponse(output *bedrockruntime.ConverseOutput) (*model.Response, error) {
	if output == nil {
		return nil, errors.New("bedrock: response is nil")
	}
	var text strings.Builder
	var calls []model.ToolCall
	if msg, ok := output.Output.(*brtypes.ConverseOutputMemberMessage); ok {
		for _, block := range msg.Value.Content {
			switch v := block.(type) {
			case *brtypes.ContentBlockMemberText:
				text.WriteString(v.Value)
			case *brtypes.ContentBlockMemberToolUse:
				call, err := decodeToolUse(v.Value)
				if err != nil {
					return nil, err
				}
				calls = append(calls, call)
			}
		}
	}
	resp := &model.Response{
		Text:         text.String(),
		FinishReason: finishReason(string(output.StopReason)),
		Usage:        decodeUsage(output.Usage),
	}
	if len(calls) > 0 {
		resp.ToolCalls = calls
	}
	return resp, nil
}

func decodeToolUse(block brtypes.ToolUseBlock) (model.ToolCall, error) {
	call := model.ToolCall{}
	if block.ToolUseId != nil {
		call.ID = *block.ToolUseId
	}
	if block.Name != nil {
		call.Name = *block.Name
	}
	input, err := decodeDocument(block.Input)
	if err != nil {
		return model.ToolCall{}, fmt.Errorf("bedrock: tool call %q: %w", call.ID, err)
	}
	call.Input = input
	return call, nil
}

func decodeDocument(doc document.Interface) (map[string]any, error) {
	input := map[string]any{}
	if doc == nil {
		return input, nil
	}
	data, err := doc.MarshalSmithyDocument()
	if err != nil {
		return nil, fmt.Errorf("decode tool input: %w", err)
	}
	if len(data) == 0 {
		return input, nil
	}
	if err := json.Unmarshal(data, &input); err != nil {
		return nil, fmt.Errorf("tool input is not a JSON object: %w", err)
	}
	return input, nil
}

func decodeUsage(usage *brtypes.TokenUsage) model.Usage {
	if usage == nil {
		return model.Usage{}
	}
	out := model.Usage{
		In:    int(ptrValue(usage.InputTokens)),
		Out:   int(ptrValue(usage.OutputTokens)),
		Total: int(ptrValue(usage.TotalTokens)),
	}
	if out.Total == 0 {
		out.Total = out.In + out.Out
	}
	return out
}

func ptrValue[T ~int32 | ~int64](ptr *T) T {
	if ptr == nil {
		return 0
	}
	return *ptr
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

// wrapError classifies a smithy failure. Context cancellation passes
// through untouched so callers never retry it.
func wrapError(operation string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var (
		status int
		code   string
		msg    string
	)
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code = apiErr.ErrorCode()
		msg = apiErr.ErrorMessage()
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		status = respErr.HTTPStatusCode()
	}

	// Throttling surfaces as an error code even when no HTTP status is in
	// the chain.
	if isThrottleCode(code) || status == http.StatusTooManyRequests {
		if status == 0 {
			status = http.StatusTooManyRequests
		}
		return model.NewProviderError(providerName, operation, status, model.ProviderErrorKindRateLimited, code, msg, "", true, err)
	}

	if status != 0 {
		kind := model.KindForStatus(status)
		return model.NewProviderError(providerName, operation, status, kind, code, msg, "", model.RetryableStatus(status), err)
	}
	if code != "" {
		return model.NewProviderError(providerName, operation, 0, model.ProviderErrorKindUnknown, code, msg, "", false, err)
	}
	return model.NewProviderError(providerName, operation, 0, model.ProviderErrorKindUnavailable, "", err.Error(), "", true, err)
}

func isThrottleCode(code string) bool {
	switch code {
	case "ThrottlingException", "TooManyRequestsException":
		return true
	}
	return false
}
