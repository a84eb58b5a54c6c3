package executor

import (
	"context"
	"fmt"

	"goa.design/loom/runtime/fault"
	"goa.design/loom/runtime/merge"
	"goa.design/loom/runtime/model"
	"goa.design/loom/runtime/plan"
)

type (
	// Agent executes one attempt of a task and returns the file edits it
	// proposes. Implementations call the model client and translate tool
	// calls into intents; the executor owns retries, timeouts, and
	// cancellation around Run.
	Agent interface {
		// Run performs a single attempt. Errors wrapping a retryable
		// provider failure are retried by the executor up to the task's
		// retry limit.
		Run(ctx context.Context, inv Invocation) ([]merge.Intent, error)
	}

	// AgentSet is the closed dispatch table mapping each agent identity to
	// its implementation. A nil entry means the deployment does not carry
	// that agent; tasks addressed to it fail validation at dispatch.
	AgentSet struct {
		Scaffold    Agent
		Page        Agent
		Interaction Agent
		State       Agent
		Style       Agent
		Quality     Agent
		Repair      Agent
		Planner     Agent
		Architect   Agent
		Research    Agent
	}

	// Invocation carries everything one attempt needs.
	Invocation struct {
		// RunID identifies the plan execution.
		RunID string

		// GroupID is the scheduled group the task runs in.
		GroupID string

		// Wave is the group's 1-based index.
		Wave int

		// Task is the task under execution.
		Task plan.Task

		// SystemPrefix is the system context assembled from the session
		// store: compaction summaries and selected prompt sections.
		SystemPrefix string

		// Messages is the assembled conversation.
		Messages []*model.Message

		// Attempt is the 0-based attempt number.
		Attempt int
	}
)

// Resolve returns the agent registered for id. The boolean reports whether
// the set carries one.
func (s AgentSet) Resolve(id plan.AgentID) (Agent, bool) {
	var a Agent
	switch id {
	case plan.AgentScaffold:
		a = s.Scaffold
	case plan.AgentPage:
		a = s.Page
	case plan.AgentInteraction:
		a = s.Interaction
	case plan.AgentState:
		a = s.State
	case plan.AgentStyle:
		a = s.Style
	case plan.AgentQuality:
		a = s.Quality
	case plan.AgentRepair:
		a = s.Repair
	case plan.AgentPlanner:
		a = s.Planner
	case plan.AgentArchitect:
		a = s.Architect
	case plan.AgentResearch:
		a = s.Research
	}
	return a, a != nil
}

// WriteFileTool is the tool name agents expose for emitting file edits.
// Tool calls with this name become patch intents.
const WriteFileTool = "write_file"

// WriteFileDefinition returns the schema of the file-edit tool presented to
// the model.
func WriteFileDefinition() *model.ToolDefinition {
	return &model.ToolDefinition{
		Name:        WriteFileTool,
		Description: "Write the complete content of one generated file.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path":    map[string]any{"type": "string", "description": "Repository-relative file path."},
				"content": map[string]any{"type": "string", "description": "Full file content."},
			},
			"required": []any{"path", "content"},
		},
	}
}

// IntentsFromToolCalls converts the model's write_file tool calls into
// patch intents for the invocation's task. Calls to other tools are
// ignored; write_file calls missing a path or content fail the attempt.
func IntentsFromToolCalls(inv Invocation, calls []model.ToolCall) ([]merge.Intent, error) {
	var intents []merge.Intent
	for _, call := range calls {
		if call.Name != WriteFileTool {
			continue
		}
		path, _ := call.Input["path"].(string)
		content, _ := call.Input["content"].(string)
		if path == "" {
			return nil, fault.Newf(fault.KindValidation, "tool call %s: missing file path", call.ID)
		}
		intents = append(intents, merge.NewIntent(inv.GroupID, inv.Task.ID, inv.Task.AgentID, path, content))
	}
	return intents, nil
}

type (
	// ModelAgent is the standard Agent implementation: it sends the
	// assembled conversation to a model client with the agent's system
	// prompt and file-edit tool, then converts the returned tool calls
	// into intents.
	ModelAgent struct {
		id           plan.AgentID
		client       model.Client
		systemPrompt string
		modelID      string
		temperature  float64
		maxTokens    int
		tools        []*model.ToolDefinition
	}

	// ModelAgentOption configures a ModelAgent.
	ModelAgentOption func(*ModelAgent)
)

// WithModel sets the provider model identifier.
func WithModel(modelID string) ModelAgentOption {
	return func(a *ModelAgent) { a.modelID = modelID }
}

// WithSystemPrompt sets the agent's instruction prefix.
func WithSystemPrompt(prompt string) ModelAgentOption {
	return func(a *ModelAgent) { a.systemPrompt = prompt }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(temp float64) ModelAgentOption {
	return func(a *ModelAgent) { a.temperature = temp }
}

// WithMaxOutputTokens caps the completion length.
func WithMaxOutputTokens(n int) ModelAgentOption {
	return func(a *ModelAgent) { a.maxTokens = n }
}

// WithTools replaces the agent's tool schemas. The default set contains
// only the file-edit tool.
func WithTools(tools ...*model.ToolDefinition) ModelAgentOption {
	return func(a *ModelAgent) { a.tools = tools }
}

// NewModelAgent constructs a model-backed agent with the given identity.
func NewModelAgent(id plan.AgentID, client model.Client, opts ...ModelAgentOption) *ModelAgent {
	a := &ModelAgent{
		id:     id,
		client: client,
		tools:  []*model.ToolDefinition{WriteFileDefinition()},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// ID returns the agent identity.
func (a *ModelAgent) ID() plan.AgentID { return a.id }

// Run implements Agent.
func (a *ModelAgent) Run(ctx context.Context, inv Invocation) ([]merge.Intent, error) {
	req := &model.Request{
		Model:           a.modelID,
		SystemPrompt:    joinSystem(inv.SystemPrefix, a.systemPrompt),
		Messages:        inv.Messages,
		Tools:           a.tools,
		Temperature:     a.temperature,
		MaxOutputTokens: a.maxTokens,
	}
	resp, err := a.client.Complete(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("agent %s: %w", a.id, err)
	}
	return IntentsFromToolCalls(inv, resp.ToolCalls)
}

func joinSystem(prefix, prompt string) string {
	switch {
	case prefix == "":
		return prompt
	case prompt == "":
		return prefix
	default:
		return prefix + "\n\n" + prompt
	}
}
