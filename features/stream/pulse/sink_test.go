package pulse

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	clientspulse "goa.design/loom/features/stream/pulse/clients/pulse"
	"goa.design/loom/runtime/blackboard"
)

// --- Fakes shared across the package tests ---

type fakeClient struct {
	stream     clientspulse.Stream
	streamErr  error
	lastStream string
	closeCount int
}

func (f *fakeClient) Stream(name string) (clientspulse.Stream, error) {
	f.lastStream = name
	if f.streamErr != nil {
		return nil, f.streamErr
	}
	return f.stream, nil
}

func (f *fakeClient) Close(ctx context.Context) error {
	f.closeCount++
	return nil
}

type addedEntry struct {
	event   string
	payload []byte
}

type fakeStream struct {
	added    []addedEntry
	addID    string
	addErr   error
	sink     clientspulse.Sink
	sinkErr  error
	lastSink string
}

func (f *fakeStream) Add(ctx context.Context, event string, payload []byte) (string, error) {
	if f.addErr != nil {
		return "", f.addErr
	}
	f.added = append(f.added, addedEntry{event: event, payload: payload})
	if f.addID == "" {
		return "1-0", nil
	}
	return f.addID, nil
}

func (f *fakeStream) NewSink(ctx context.Context, name string, opts ...streamopts.Sink) (clientspulse.Sink, error) {
	f.lastSink = name
	if f.sinkErr != nil {
		return nil, f.sinkErr
	}
	return f.sink, nil
}

type fakeSink struct {
	events chan *streaming.Event
	acked  []*streaming.Event
	ackErr error
	closed bool
}

func (f *fakeSink) Subscribe() <-chan *streaming.Event { return f.events }

func (f *fakeSink) Ack(_ context.Context, evt *streaming.Event) error {
	if f.ackErr != nil {
		return f.ackErr
	}
	f.acked = append(f.acked, evt)
	return nil
}

func (f *fakeSink) Close(context.Context) { f.closed = true }

// --- Tests ---

func TestHandleEventPublishesEncodedEvent(t *testing.T) {
	str := &fakeStream{}
	cli := &fakeClient{stream: str}

	sink, err := NewSink(Options{Client: cli})
	require.NoError(t, err)

	evt := blackboard.NewTaskCompletedEvent("run-123", "task-1", "frontend", true, "completed")
	require.NoError(t, sink.HandleEvent(context.Background(), evt))

	require.Equal(t, "run/run-123", cli.lastStream)
	require.Len(t, str.added, 1)
	require.Equal(t, string(blackboard.TaskCompleted), str.added[0].event)

	decoded, err := blackboard.Decode(str.added[0].payload)
	require.NoError(t, err)
	completed, ok := decoded.(*blackboard.TaskCompletedEvent)
	require.True(t, ok)
	require.Equal(t, "run-123", completed.RunID())
	require.Equal(t, "task-1", completed.TaskID())
	require.True(t, completed.Success)
	require.Equal(t, "completed", completed.Status)
}

func TestOnPublishedCalled(t *testing.T) {
	str := &fakeStream{addID: "42-0"}
	cli := &fakeClient{stream: str}

	var (
		called    bool
		gotEvent  blackboard.Event
		gotID     string
		gotStream string
	)

	sink, err := NewSink(Options{
		Client: cli,
		OnPublished: func(ctx context.Context, ev PublishedEvent) error {
			require.NotNil(t, ctx)
			called = true
			gotEvent = ev.Event
			gotID = ev.EntryID
			gotStream = ev.StreamID
			return nil
		},
	})
	require.NoError(t, err)

	evt := blackboard.NewWaveStartedEvent("run-123", "group-1", 1, []string{"task-1"})
	require.NoError(t, sink.HandleEvent(context.Background(), evt))
	require.True(t, called)
	require.Equal(t, "42-0", gotID)
	require.Equal(t, "run/run-123", gotStream)
	require.Equal(t, blackboard.WaveStarted, gotEvent.Type())
}

func TestOnPublishedErrorPropagates(t *testing.T) {
	cli := &fakeClient{stream: &fakeStream{}}

	sink, err := NewSink(Options{
		Client: cli,
		OnPublished: func(ctx context.Context, ev PublishedEvent) error {
			return errors.New("after-publish")
		},
	})
	require.NoError(t, err)

	evt := blackboard.NewTaskStartedEvent("r", "t", "backend", 1)
	require.EqualError(t, sink.HandleEvent(context.Background(), evt), "after-publish")
}

func TestCustomStreamID(t *testing.T) {
	str := &fakeStream{}
	cli := &fakeClient{stream: str}
	sink, err := NewSink(Options{
		Client: cli,
		StreamID: func(e blackboard.Event) (string, error) {
			return "custom/" + e.RunID(), nil
		},
	})
	require.NoError(t, err)
	evt := blackboard.NewTaskProgressEvent("run-1", "t", "backend", "invoke", "calling model")
	require.NoError(t, sink.HandleEvent(context.Background(), evt))
	require.Equal(t, "custom/run-1", cli.lastStream)
}

func TestHandleEventRequiresRunID(t *testing.T) {
	sink, err := NewSink(Options{Client: &fakeClient{stream: &fakeStream{}}})
	require.NoError(t, err)
	evt := blackboard.NewTaskStartedEvent("", "t", "backend", 1)
	require.EqualError(t, sink.HandleEvent(context.Background(), evt), "stream event missing run id")
}

func TestStreamCreationError(t *testing.T) {
	cli := &fakeClient{streamErr: errors.New("boom")}
	sink, err := NewSink(Options{Client: cli})
	require.NoError(t, err)
	evt := blackboard.NewTaskStartedEvent("r", "t", "backend", 1)
	require.EqualError(t, sink.HandleEvent(context.Background(), evt), "boom")
}

func TestAddError(t *testing.T) {
	cli := &fakeClient{stream: &fakeStream{addErr: errors.New("add-failed")}}
	sink, err := NewSink(Options{Client: cli})
	require.NoError(t, err)
	evt := blackboard.NewTaskStartedEvent("r", "t", "backend", 1)
	require.EqualError(t, sink.HandleEvent(context.Background(), evt), "add-failed")
}

func TestCloseDelegates(t *testing.T) {
	cli := &fakeClient{}
	sink, err := NewSink(Options{Client: cli})
	require.NoError(t, err)
	require.NoError(t, sink.Close(context.Background()))
	require.Equal(t, 1, cli.closeCount)
}
