package merge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/loom/runtime/plan"
)

func intentAt(id, taskID string, agentID plan.AgentID, filePath, content string, ms int64) Intent {
	return Intent{
		ID:          id,
		WaveID:      "group-1",
		TaskID:      taskID,
		AgentID:     agentID,
		FilePath:    filePath,
		Content:     content,
		ContentHash: HashContent(content),
		CreatedAt:   time.UnixMilli(ms).UTC(),
	}
}

// Three agents edit the same file in one wave. The latest edit wins, the
// sources keep time order, and the overlap is recorded as a single conflict.
func TestMergeConcurrentEditsSameFile(t *testing.T) {
	intents := []Intent{
		intentAt("i1", "t-page", plan.AgentPage, "src/App.tsx", "page version", 1),
		intentAt("i2", "t-interaction", plan.AgentInteraction, "src/App.tsx", "interaction version", 2),
		intentAt("i3", "t-state", plan.AgentState, "src/App.tsx", "state version", 3),
	}

	res := Merge(intents)

	require.Len(t, res.Merged, 1)
	got := res.Merged[0]
	assert.Equal(t, "src/App.tsx", got.FilePath)
	assert.Equal(t, "state version", got.Content)
	assert.True(t, got.Conflict)

	require.Len(t, got.Sources, 3)
	assert.Equal(t, "i1", got.Sources[0].IntentID)
	assert.Equal(t, "i2", got.Sources[1].IntentID)
	assert.Equal(t, "i3", got.Sources[2].IntentID)

	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, "src/App.tsx", res.Conflicts[0].FilePath)
	assert.Equal(t, []string{"src/App.tsx"}, res.TouchedFiles)
}

// A single task may rewrite the same file repeatedly. That is a local
// sequence, not a conflict: the later edit wins silently.
func TestMergeSameTaskSequenceIsNotConflict(t *testing.T) {
	intents := []Intent{
		intentAt("i1", "t-page", plan.AgentPage, "src/App.tsx", "draft", 1),
		intentAt("i2", "t-page", plan.AgentPage, "src/App.tsx", "final", 2),
	}

	res := Merge(intents)

	require.Len(t, res.Merged, 1)
	assert.Equal(t, "final", res.Merged[0].Content)
	assert.False(t, res.Merged[0].Conflict)
	assert.Len(t, res.Merged[0].Sources, 2)
	assert.Empty(t, res.Conflicts)
}

// Equal timestamps fall back to the id tie-break so the merge stays
// deterministic no matter how goroutines interleave.
func TestMergeTimestampTieBreaksOnID(t *testing.T) {
	intents := []Intent{
		intentAt("b", "t2", plan.AgentState, "src/store.ts", "from b", 5),
		intentAt("a", "t1", plan.AgentPage, "src/store.ts", "from a", 5),
	}

	res := Merge(intents)

	require.Len(t, res.Merged, 1)
	assert.Equal(t, "from b", res.Merged[0].Content)
	assert.Equal(t, "a", res.Merged[0].Sources[0].IntentID)
	assert.Equal(t, "b", res.Merged[0].Sources[1].IntentID)
}

func TestMergeGroupsByFileAndSortsTouchedFiles(t *testing.T) {
	intents := []Intent{
		intentAt("i1", "t1", plan.AgentPage, "src/pages/Home.tsx", "home", 1),
		intentAt("i2", "t2", plan.AgentState, "src/App.tsx", "app", 2),
		intentAt("i3", "t3", plan.AgentStyle, "src/index.css", "css", 3),
	}

	res := Merge(intents)

	require.Len(t, res.Merged, 3)
	assert.Equal(t, []string{"src/App.tsx", "src/index.css", "src/pages/Home.tsx"}, res.TouchedFiles)
	for i, p := range res.Merged {
		assert.Equal(t, res.TouchedFiles[i], p.FilePath)
		assert.False(t, p.Conflict)
		assert.Len(t, p.Sources, 1)
	}
	assert.Empty(t, res.Conflicts)
}

func TestMergeEmptyInput(t *testing.T) {
	res := Merge(nil)

	assert.Empty(t, res.Merged)
	assert.Empty(t, res.Conflicts)
	assert.Empty(t, res.TouchedFiles)
}

func TestNewIntentStampsIdentityAndHash(t *testing.T) {
	in := NewIntent("group-2", "t-page", plan.AgentPage, "src/App.tsx", "content")

	assert.NotEmpty(t, in.ID)
	assert.Equal(t, "group-2", in.WaveID)
	assert.Equal(t, "t-page", in.TaskID)
	assert.Equal(t, plan.AgentPage, in.AgentID)
	assert.Equal(t, HashContent("content"), in.ContentHash)
	assert.False(t, in.CreatedAt.IsZero())

	other := NewIntent("group-2", "t-page", plan.AgentPage, "src/App.tsx", "content")
	assert.NotEqual(t, in.ID, other.ID)
}
