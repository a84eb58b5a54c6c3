package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccumulatorTextOnly(t *testing.T) {
	acc := NewAccumulator()
	for _, s := range []string{"Hello", ", ", "world"} {
		require.NoError(t, acc.Feed(Event{Type: EventTextDelta, Text: s}))
	}
	acc.SetFinishReason(FinishStop)
	acc.AddUsage(Usage{In: 10, Out: 3})

	resp, err := acc.Response()
	require.NoError(t, err)
	assert.Equal(t, "Hello, world", resp.Text)
	assert.Empty(t, resp.ToolCalls)
	assert.Equal(t, FinishStop, resp.FinishReason)
	assert.Equal(t, Usage{In: 10, Out: 3, Total: 13}, resp.Usage)
}

// Tool call arguments accumulate across deltas until the matching end.
func TestAccumulatorToolCallAssembly(t *testing.T) {
	acc := NewAccumulator()
	require.NoError(t, acc.Feed(Event{Type: EventToolCallStart, ToolCallID: "c1", ToolName: "write_file"}))
	require.NoError(t, acc.Feed(Event{Type: EventToolCallDelta, ToolCallID: "c1", ArgumentsDelta: `{"path":"src/`}))
	require.NoError(t, acc.Feed(Event{Type: EventToolCallDelta, ToolCallID: "c1", ArgumentsDelta: `App.tsx","content":"x"}`}))
	require.NoError(t, acc.Feed(Event{Type: EventToolCallEnd, ToolCallID: "c1"}))

	resp, err := acc.Response()
	require.NoError(t, err)
	require.Len(t, resp.ToolCalls, 1)
	call := resp.ToolCalls[0]
	assert.Equal(t, "c1", call.ID)
	assert.Equal(t, "write_file", call.Name)
	assert.Equal(t, "src/App.tsx", call.Input["path"])
	assert.Equal(t, "x", call.Input["content"])
	assert.Equal(t, FinishToolUse, resp.FinishReason)
}

func TestAccumulatorInterleavedCallsKeepOrder(t *testing.T) {
	acc := NewAccumulator()
	require.NoError(t, acc.Feed(Event{Type: EventToolCallStart, ToolCallID: "a", ToolName: "first"}))
	require.NoError(t, acc.Feed(Event{Type: EventToolCallStart, ToolCallID: "b", ToolName: "second"}))
	require.NoError(t, acc.Feed(Event{Type: EventToolCallDelta, ToolCallID: "b", ArgumentsDelta: `{"n":2}`}))
	require.NoError(t, acc.Feed(Event{Type: EventToolCallDelta, ToolCallID: "a", ArgumentsDelta: `{"n":1}`}))
	require.NoError(t, acc.Feed(Event{Type: EventToolCallEnd, ToolCallID: "b"}))
	require.NoError(t, acc.Feed(Event{Type: EventToolCallEnd, ToolCallID: "a"}))

	resp, err := acc.Response()
	require.NoError(t, err)
	require.Len(t, resp.ToolCalls, 2)
	assert.Equal(t, "first", resp.ToolCalls[0].Name)
	assert.Equal(t, "second", resp.ToolCalls[1].Name)
	assert.Equal(t, 1.0, resp.ToolCalls[0].Input["n"])
	assert.Equal(t, 2.0, resp.ToolCalls[1].Input["n"])
}

func TestAccumulatorEmptyArgumentsDecodeToEmptyMap(t *testing.T) {
	acc := NewAccumulator()
	require.NoError(t, acc.Feed(Event{Type: EventToolCallStart, ToolCallID: "c", ToolName: "noop"}))
	require.NoError(t, acc.Feed(Event{Type: EventToolCallEnd, ToolCallID: "c"}))

	resp, err := acc.Response()
	require.NoError(t, err)
	require.Len(t, resp.ToolCalls, 1)
	assert.NotNil(t, resp.ToolCalls[0].Input)
	assert.Empty(t, resp.ToolCalls[0].Input)
}

func TestAccumulatorRejectsProtocolViolations(t *testing.T) {
	acc := NewAccumulator()
	require.NoError(t, acc.Feed(Event{Type: EventToolCallStart, ToolCallID: "c", ToolName: "t"}))

	assert.Error(t, acc.Feed(Event{Type: EventToolCallStart, ToolCallID: "c", ToolName: "t"}))
	assert.Error(t, acc.Feed(Event{Type: EventToolCallDelta, ToolCallID: "other"}))
	assert.Error(t, acc.Feed(Event{Type: EventToolCallEnd, ToolCallID: "other"}))
}

func TestAccumulatorMalformedArgumentsError(t *testing.T) {
	acc := NewAccumulator()
	require.NoError(t, acc.Feed(Event{Type: EventToolCallStart, ToolCallID: "c", ToolName: "t"}))
	require.NoError(t, acc.Feed(Event{Type: EventToolCallDelta, ToolCallID: "c", ArgumentsDelta: `{"broken`}))

	assert.Error(t, acc.Feed(Event{Type: EventToolCallEnd, ToolCallID: "c"}))
}

func TestProviderErrorClassification(t *testing.T) {
	for _, status := range []int{429, 500, 502, 503, 504} {
		assert.True(t, RetryableStatus(status), "status %d", status)
	}
	for _, status := range []int{200, 400, 401, 403, 404, 501} {
		assert.False(t, RetryableStatus(status), "status %d", status)
	}

	assert.Equal(t, ProviderErrorKindAuth, KindForStatus(401))
	assert.Equal(t, ProviderErrorKindAuth, KindForStatus(403))
	assert.Equal(t, ProviderErrorKindRateLimited, KindForStatus(429))
	assert.Equal(t, ProviderErrorKindUnavailable, KindForStatus(503))
	assert.Equal(t, ProviderErrorKindInvalidRequest, KindForStatus(400))
	assert.Equal(t, ProviderErrorKindUnknown, KindForStatus(0))
}

func TestStatusErrorDerivesKindAndRetryability(t *testing.T) {
	err := StatusError("anthropic", "messages", 429, "slow down", nil)

	assert.Equal(t, "anthropic", err.Provider())
	assert.Equal(t, "messages", err.Operation())
	assert.Equal(t, 429, err.HTTPStatus())
	assert.Equal(t, ProviderErrorKindRateLimited, err.Kind())
	assert.True(t, err.Retryable())

	fatal := StatusError("anthropic", "messages", 400, "bad request", nil)
	assert.False(t, fatal.Retryable())
	assert.Equal(t, ProviderErrorKindInvalidRequest, fatal.Kind())
}

func TestAsProviderError(t *testing.T) {
	pe := StatusError("openai", "chat", 500, "boom", nil)

	got, ok := AsProviderError(pe)
	require.True(t, ok)
	assert.Same(t, pe, got)

	_, ok = AsProviderError(assert.AnError)
	assert.False(t, ok)
}
