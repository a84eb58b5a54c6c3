package mongo

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	clientsmongo "goa.design/loom/features/journal/mongo/clients/mongo"
	"goa.design/loom/runtime/blackboard"
)

func TestNewJournalRequiresClient(t *testing.T) {
	_, err := NewJournal(Options{})
	require.EqualError(t, err, "client is required")
}

func TestNewJournalFromMongoValidatesOptions(t *testing.T) {
	_, err := NewJournalFromMongo(clientsmongo.Options{})
	require.EqualError(t, err, "mongo client is required")
}

func TestHandleEventDelegates(t *testing.T) {
	fake := &fakeJournalClient{}
	journal, err := NewJournal(Options{Client: fake})
	require.NoError(t, err)

	evt := blackboard.NewTaskStartedEvent("run-1", "task-1", "page", 1)
	require.NoError(t, journal.HandleEvent(context.Background(), evt))
	require.Len(t, fake.appended, 1)
	require.Same(t, evt, fake.appended[0])
}

func TestRegisterPersistsBoardEvents(t *testing.T) {
	fake := &fakeJournalClient{}
	journal, err := NewJournal(Options{Client: fake})
	require.NoError(t, err)

	board := blackboard.New()
	_, err = journal.Register(board)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, board.Publish(ctx, blackboard.NewTaskStartedEvent("run-1", "task-1", "page", 1)))
	require.NoError(t, board.Publish(ctx, blackboard.NewTaskCompletedEvent("run-1", "task-1", "page", true, "completed")))

	require.Len(t, fake.appended, 2)
	require.Equal(t, uint64(1), fake.appended[0].Seq())
	require.Equal(t, uint64(2), fake.appended[1].Seq())
	require.Equal(t, blackboard.TaskCompleted, fake.appended[1].Type())
}

func TestRegisterSurfacesAppendError(t *testing.T) {
	fake := &fakeJournalClient{appendErr: errors.New("disk full")}
	journal, err := NewJournal(Options{Client: fake})
	require.NoError(t, err)

	board := blackboard.New()
	_, err = journal.Register(board)
	require.NoError(t, err)

	err = board.Publish(context.Background(), blackboard.NewTaskBlockedEvent("run-1", "task-1", "page", "upstream failed"))
	require.ErrorContains(t, err, "disk full")
}

func TestReplayDelegates(t *testing.T) {
	want := clientsmongo.Page{
		Events:     []blackboard.Event{blackboard.NewWaveStartedEvent("run-1", "group-1", 1, []string{"task-1"})},
		NextCursor: "000000000000000000000007",
	}
	fake := &fakeJournalClient{page: want}
	journal, err := NewJournal(Options{Client: fake})
	require.NoError(t, err)

	page, err := journal.Replay(context.Background(), "run-1", "cursor-1", 25)
	require.NoError(t, err)
	require.Equal(t, want, page)
	require.Equal(t, "run-1", fake.lastRunID)
	require.Equal(t, "cursor-1", fake.lastCursor)
	require.Equal(t, 25, fake.lastLimit)
}

type fakeJournalClient struct {
	appended  []blackboard.Event
	appendErr error

	page       clientsmongo.Page
	listErr    error
	lastRunID  string
	lastCursor string
	lastLimit  int
}

func (f *fakeJournalClient) Name() string { return "fake-journal" }

func (f *fakeJournalClient) Ping(context.Context) error { return nil }

func (f *fakeJournalClient) Append(_ context.Context, e blackboard.Event) error {
	if f.appendErr != nil {
		return f.appendErr
	}
	f.appended = append(f.appended, e)
	return nil
}

func (f *fakeJournalClient) List(_ context.Context, runID string, cursor string, limit int) (clientsmongo.Page, error) {
	f.lastRunID = runID
	f.lastCursor = cursor
	f.lastLimit = limit
	if f.listErr != nil {
		return clientsmongo.Page{}, f.listErr
	}
	return f.page, nil
}
