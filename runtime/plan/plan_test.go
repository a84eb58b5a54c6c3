package plan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/loom/runtime/fault"
)

func TestNormalize(t *testing.T) {
	p := Plan{Tasks: []Task{
		{
			ID:         "  page-1 ",
			AgentID:    AgentPage,
			DependsOn:  []string{" scaffold-1", "scaffold-1", ""},
			LegacyDeps: []string{"scaffold-1", "state-1 "},
		},
	}}

	got := Normalize(p)

	require.Len(t, got.Tasks, 1)
	assert.Equal(t, "page-1", got.Tasks[0].ID)
	assert.Equal(t, []string{"scaffold-1", "state-1"}, got.Tasks[0].DependsOn)
	assert.Nil(t, got.Tasks[0].LegacyDeps)
	// Input untouched.
	assert.Equal(t, "  page-1 ", p.Tasks[0].ID)
}

func TestValidateEmptyID(t *testing.T) {
	err := Validate(Plan{Tasks: []Task{
		{ID: "a", AgentID: AgentScaffold},
		{ID: "", AgentID: AgentPage},
	}})

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, CodeEmptyID, verr.Code)
	assert.Equal(t, fault.KindValidation, fault.KindOf(err))
}

func TestValidateDuplicateIDs(t *testing.T) {
	err := Validate(Plan{Tasks: []Task{
		{ID: "a", AgentID: AgentScaffold},
		{ID: "b", AgentID: AgentPage},
		{ID: "a", AgentID: AgentState},
		{ID: "b", AgentID: AgentStyle},
	}})

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, CodeDupID, verr.Code)
	assert.Equal(t, []string{"a", "b"}, verr.Duplicates)
}

func TestValidateMissingDependency(t *testing.T) {
	err := Validate(Plan{Tasks: []Task{
		{ID: "a", AgentID: AgentScaffold},
		{ID: "b", AgentID: AgentPage, DependsOn: []string{"a", "ghost"}},
	}})

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, CodeMissingDep, verr.Code)
	require.Len(t, verr.MissingRefs, 1)
	assert.Equal(t, MissingRef{TaskID: "b", DependsOn: "ghost"}, verr.MissingRefs[0])
}

func TestValidateCycle(t *testing.T) {
	// Two tasks depending on each other are rejected with both ids reported.
	err := Validate(Plan{Tasks: []Task{
		{ID: "a", AgentID: AgentScaffold, DependsOn: []string{"b"}},
		{ID: "b", AgentID: AgentPage, DependsOn: []string{"a"}},
	}})

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, CodeCycle, verr.Code)
	assert.Subset(t, verr.CycleTaskIDs, []string{"a", "b"})
	assert.Equal(t, fault.KindDependencyCycle, fault.KindOf(err))
}

func TestValidateSelfLoop(t *testing.T) {
	err := Validate(Plan{Tasks: []Task{
		{ID: "a", AgentID: AgentScaffold, DependsOn: []string{"a"}},
	}})

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, CodeCycle, verr.Code)
	assert.Equal(t, []string{"a"}, verr.CycleTaskIDs)
}

func TestValidateFailFastOrder(t *testing.T) {
	// Duplicate ids and a dangling dependency in the same plan: duplicates
	// are checked first and win.
	err := Validate(Plan{Tasks: []Task{
		{ID: "a", AgentID: AgentScaffold, DependsOn: []string{"ghost"}},
		{ID: "a", AgentID: AgentPage},
	}})

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, CodeDupID, verr.Code)
}

func TestValidateAcceptsDAG(t *testing.T) {
	err := Validate(Plan{Tasks: []Task{
		{ID: "a", AgentID: AgentScaffold},
		{ID: "b", AgentID: AgentPage, DependsOn: []string{"a"}},
		{ID: "c", AgentID: AgentState, DependsOn: []string{"a"}},
		{ID: "d", AgentID: AgentStyle, DependsOn: []string{"b", "c"}},
	}})
	assert.NoError(t, err)
}

func TestValidationErrorIsNotRetryable(t *testing.T) {
	err := Validate(Plan{Tasks: []Task{{ID: ""}}})
	require.Error(t, err)
	assert.False(t, fault.Retryable(err))
}

func TestDecode(t *testing.T) {
	doc := []byte(`{
		"id": "plan-1",
		"createdAt": "2025-04-01T10:00:00Z",
		"userMessage": "build a todo app",
		"routeDecision": "full",
		"maxIterations": 3,
		"replanPolicy": {"maxReplanDepth": 2},
		"tasks": [
			{"id": "scaffold-1", "agentId": "scaffold", "mode": "serial", "priority": 10},
			{"id": "page-1", "agentId": "page", "deps": ["scaffold-1"]},
			{"id": "state-1", "agentId": "state", "dependencies": ["scaffold-1"]}
		]
	}`)

	p, err := Decode(doc)
	require.NoError(t, err)

	assert.Equal(t, "plan-1", p.ID)
	assert.Equal(t, "build a todo app", p.UserMessage)
	assert.Equal(t, 2, p.ReplanPolicy.MaxReplanDepth)
	require.Len(t, p.Tasks, 3)
	// Legacy deps folded into the canonical field.
	assert.Equal(t, []string{"scaffold-1"}, p.Tasks[1].DependsOn)
	assert.Nil(t, p.Tasks[1].LegacyDeps)
	assert.Equal(t, ModeSerial, p.Tasks[0].Mode)
	assert.Equal(t, ModeParallel, p.Tasks[1].EffectiveMode())
}

func TestDecodeRejectsUnknownAgent(t *testing.T) {
	doc := []byte(`{
		"id": "plan-1",
		"userMessage": "x",
		"tasks": [{"id": "t1", "agentId": "wizard"}]
	}`)

	_, err := Decode(doc)
	require.Error(t, err)
	assert.Equal(t, fault.KindValidation, fault.KindOf(err))
}

func TestDecodeRejectsMalformedJSON(t *testing.T) {
	_, err := Decode([]byte(`{"id": "plan-1",`))
	require.Error(t, err)
	assert.Equal(t, fault.KindValidation, fault.KindOf(err))
}

func TestDecodeRejectsCycle(t *testing.T) {
	doc := []byte(`{
		"id": "plan-1",
		"userMessage": "x",
		"tasks": [
			{"id": "a", "agentId": "page", "dependencies": ["b"]},
			{"id": "b", "agentId": "state", "dependencies": ["a"]}
		]
	}`)

	_, err := Decode(doc)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, CodeCycle, verr.Code)
}

func TestAgentIDValid(t *testing.T) {
	for _, id := range AgentIDs() {
		assert.True(t, id.Valid(), string(id))
	}
	assert.False(t, AgentID("wizard").Valid())
	assert.False(t, AgentID("").Valid())
}

func TestModeValid(t *testing.T) {
	assert.True(t, ModeSerial.Valid())
	assert.True(t, ModePipeline.Valid())
	assert.True(t, ModeParallel.Valid())
	assert.False(t, Mode("burst").Valid())
}
