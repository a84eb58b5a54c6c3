package executor

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/loom/runtime/fault"
	"goa.design/loom/runtime/merge"
	"goa.design/loom/runtime/model"
	"goa.design/loom/runtime/plan"
)

// fakeClient returns a canned response and remembers the request.
type fakeClient struct {
	resp *model.Response
	err  error
	got  *model.Request
}

func (c *fakeClient) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	c.got = req
	return c.resp, c.err
}

func (c *fakeClient) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	return nil, model.ErrStreamingUnsupported
}

func TestAgentSetResolve(t *testing.T) {
	page := agentFunc(func(ctx context.Context, inv Invocation) ([]merge.Intent, error) { return nil, nil })
	style := agentFunc(func(ctx context.Context, inv Invocation) ([]merge.Intent, error) { return nil, nil })
	set := AgentSet{Page: page, Style: style}

	got, ok := set.Resolve(plan.AgentPage)
	require.True(t, ok)
	assert.NotNil(t, got)

	_, ok = set.Resolve(plan.AgentRepair)
	assert.False(t, ok, "empty slot resolves to nothing")

	_, ok = set.Resolve(plan.AgentID("unknown"))
	assert.False(t, ok)
}

func TestIntentsFromToolCalls(t *testing.T) {
	inv := Invocation{
		GroupID: "group-1",
		Task:    plan.Task{ID: "t1", AgentID: plan.AgentPage},
	}
	calls := []model.ToolCall{
		{ID: "c1", Name: WriteFileTool, Input: map[string]any{"path": "src/a.tsx", "content": "A"}},
		{ID: "c2", Name: "search_docs", Input: map[string]any{"query": "hooks"}},
		{ID: "c3", Name: WriteFileTool, Input: map[string]any{"path": "src/b.tsx", "content": "B"}},
	}

	intents, err := IntentsFromToolCalls(inv, calls)
	require.NoError(t, err)
	require.Len(t, intents, 2, "non write_file calls are skipped")
	assert.Equal(t, "src/a.tsx", intents[0].FilePath)
	assert.Equal(t, "src/b.tsx", intents[1].FilePath)
	assert.Equal(t, "t1", intents[0].TaskID)
	assert.Equal(t, plan.AgentPage, intents[0].AgentID)
}

func TestIntentsFromToolCallsMissingPath(t *testing.T) {
	inv := Invocation{GroupID: "group-1", Task: plan.Task{ID: "t1", AgentID: plan.AgentPage}}
	calls := []model.ToolCall{
		{ID: "c1", Name: WriteFileTool, Input: map[string]any{"content": "A"}},
	}

	_, err := IntentsFromToolCalls(inv, calls)
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.KindValidation))
	assert.Contains(t, err.Error(), "c1")
}

func TestModelAgentRun(t *testing.T) {
	client := &fakeClient{
		resp: &model.Response{
			FinishReason: model.FinishToolUse,
			ToolCalls: []model.ToolCall{
				{ID: "c1", Name: WriteFileTool, Input: map[string]any{"path": "src/pages/login.tsx", "content": "export default ..."}},
			},
		},
	}
	agent := NewModelAgent(plan.AgentPage, client,
		WithModel("claude-sonnet-4-5"),
		WithSystemPrompt("Generate one page."),
		WithTemperature(0.2),
		WithMaxOutputTokens(4096),
	)
	assert.Equal(t, plan.AgentPage, agent.ID())

	inv := Invocation{
		RunID:        "r1",
		GroupID:      "group-1",
		Task:         plan.Task{ID: "t1", AgentID: plan.AgentPage},
		SystemPrefix: "Project uses React.",
		Messages:     []*model.Message{model.Text(model.RoleUser, "Add a login page.")},
	}
	intents, err := agent.Run(context.Background(), inv)
	require.NoError(t, err)
	require.Len(t, intents, 1)
	assert.Equal(t, "src/pages/login.tsx", intents[0].FilePath)

	require.NotNil(t, client.got)
	assert.Equal(t, "claude-sonnet-4-5", client.got.Model)
	assert.Equal(t, "Project uses React.\n\nGenerate one page.", client.got.SystemPrompt)
	assert.Equal(t, 0.2, client.got.Temperature)
	assert.Equal(t, 4096, client.got.MaxOutputTokens)
	require.Len(t, client.got.Tools, 1)
	assert.Equal(t, WriteFileTool, client.got.Tools[0].Name)
}

func TestModelAgentRunWrapsClientError(t *testing.T) {
	cause := errors.New("connection reset")
	client := &fakeClient{err: cause}
	agent := NewModelAgent(plan.AgentState, client)

	_, err := agent.Run(context.Background(), Invocation{Task: plan.Task{ID: "t1"}})
	require.Error(t, err)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "agent state")
}
