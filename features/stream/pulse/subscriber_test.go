package pulse

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"goa.design/pulse/streaming"

	"goa.design/loom/runtime/blackboard"
)

func TestSubscribeEmitsEvents(t *testing.T) {
	eventCh := make(chan *streaming.Event, 1)
	sinkMock := &fakeSink{events: eventCh}
	streamMock := &fakeStream{sink: sinkMock}
	client := &fakeClient{stream: streamMock}

	sub, err := NewSubscriber(SubscriberOptions{Client: client, Buffer: 2})
	require.NoError(t, err)

	events, errs, cancel, err := sub.Subscribe(context.Background(), "run/run-123")
	require.NoError(t, err)
	defer cancel()

	require.Equal(t, "run/run-123", client.lastStream)
	require.Equal(t, "loom_subscriber", streamMock.lastSink)

	payload, err := blackboard.Encode(blackboard.NewTaskProgressEvent("run-123", "task-1", "frontend", "invoke", "calling model"))
	require.NoError(t, err)
	eventCh <- &streaming.Event{ID: "1-0", Payload: payload}
	close(eventCh)

	e := <-events
	progress, ok := e.(*blackboard.TaskProgressEvent)
	require.True(t, ok)
	require.Equal(t, "run-123", progress.RunID())
	require.Equal(t, "task-1", progress.TaskID())
	require.Equal(t, "invoke", progress.Stage)
	require.Equal(t, "calling model", progress.Message)

	// Draining to the close proves the event was acked before shutdown.
	for range events {
	}
	require.Len(t, sinkMock.acked, 1)
	require.Equal(t, "1-0", sinkMock.acked[0].ID)
	require.Empty(t, errs)
}

func TestSubscribeDecoderError(t *testing.T) {
	eventCh := make(chan *streaming.Event, 1)
	sinkMock := &fakeSink{events: eventCh}
	client := &fakeClient{stream: &fakeStream{sink: sinkMock}}

	sub, err := NewSubscriber(SubscriberOptions{
		Client: client,
		Decoder: func([]byte) (blackboard.Event, error) {
			return nil, errors.New("decode error")
		},
	})
	require.NoError(t, err)

	events, errs, cancel, err := sub.Subscribe(context.Background(), "run/run-1")
	require.NoError(t, err)
	defer cancel()
	eventCh <- &streaming.Event{Payload: []byte("{}")}
	close(eventCh)

	require.Empty(t, events)
	require.EqualError(t, <-errs, "pulse decode payload: decode error")
}

func TestSubscribeSinkCreationError(t *testing.T) {
	client := &fakeClient{stream: &fakeStream{sinkErr: errors.New("no sink")}}

	sub, err := NewSubscriber(SubscriberOptions{Client: client})
	require.NoError(t, err)

	_, _, _, err = sub.Subscribe(context.Background(), "run/run-1")
	require.EqualError(t, err, "no sink")
}
