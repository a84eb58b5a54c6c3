package pulse

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"goa.design/pulse/streaming"

	"goa.design/loom/runtime/blackboard"
)

func TestRuntimeStreamsSinkLifecycle(t *testing.T) {
	client := &fakeClient{stream: &fakeStream{sink: &fakeSink{events: make(chan *streaming.Event)}}}
	streams, err := NewRuntimeStreams(RuntimeStreamsOptions{Client: client})
	require.NoError(t, err)
	require.NotNil(t, streams.Sink())
	require.NoError(t, streams.Close(context.Background()))
	require.Equal(t, 1, client.closeCount)
}

func TestRuntimeStreamsSubscriberUsesClient(t *testing.T) {
	eventsCh := make(chan *streaming.Event)
	sinkMock := &fakeSink{events: eventsCh}
	client := &fakeClient{stream: &fakeStream{sink: sinkMock}}
	streams, err := NewRuntimeStreams(RuntimeStreamsOptions{Client: client})
	require.NoError(t, err)

	sub, err := streams.NewSubscriber(SubscriberOptions{SinkName: "front", Buffer: 1})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	events, errs, stop, err := sub.Subscribe(ctx, "run/test")
	if err != nil {
		cancel()
		require.FailNowf(t, "subscribe", "subscribe error: %v", err)
	}
	require.Equal(t, "run/test", client.lastStream)
	close(eventsCh)
	stop()
	cancel()

	select {
	case _, ok := <-events:
		require.False(t, ok, "expected closed events channel")
	case <-time.After(time.Second):
		require.FailNow(t, "timeout waiting for events close")
	}
	select {
	case _, ok := <-errs:
		require.False(t, ok, "expected closed errs channel")
	case <-time.After(time.Second):
		require.FailNow(t, "timeout waiting for errs close")
	}
	require.True(t, sinkMock.closed)
}

func TestRegisterPublishesBoardEvents(t *testing.T) {
	streamMock := &fakeStream{}
	client := &fakeClient{stream: streamMock}
	streams, err := NewRuntimeStreams(RuntimeStreamsOptions{Client: client})
	require.NoError(t, err)

	board := blackboard.New()
	_, err = streams.Register(board, blackboard.WithEventTypes(blackboard.TaskCompleted))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, board.Publish(ctx, blackboard.NewTaskCompletedEvent("run-1", "task-1", "frontend", true, "completed")))
	require.Len(t, streamMock.added, 1)
	require.Equal(t, string(blackboard.TaskCompleted), streamMock.added[0].event)
	require.Equal(t, "run/run-1", client.lastStream)

	// Other event types do not pass the registration filter.
	require.NoError(t, board.Publish(ctx, blackboard.NewTaskStartedEvent("run-1", "task-2", "frontend", 1)))
	require.Len(t, streamMock.added, 1)
}
