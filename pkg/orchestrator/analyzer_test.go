package orchestrator

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workstreamhq/maestro/pkg/llm/llmtest"
	"github.com/workstreamhq/maestro/pkg/tools"
)

func TestLooksLikeError(t *testing.T) {
	cases := []struct {
		category tools.Category
		result   string
		want     bool
	}{
		{tools.CategoryRead, "Error: not found", true},
		{tools.CategoryRead, "Exception in handler", true},
		{tools.CategoryRead, "HttpError 503", true},
		{tools.CategoryRead, "Traceback (most recent call last)", true},
		{tools.CategoryRead, "ERROR timeout", true},
		{tools.CategoryRead, "", true},
		{tools.CategoryRead, "   ", true},
		{tools.CategoryWrite, "", false},
		{tools.CategoryRead, "42 results found", false},
		{tools.CategoryWrite, "created ok", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, looksLikeError(tc.category, tc.result), tc.result)
	}
}

func TestAnalyzeExecError(t *testing.T) {
	a := NewAnalyzer(nil, "")
	obs := a.Analyze("drive.get_file", tools.CategoryRead, "", errors.New("permission denied"), nil)
	assert.True(t, obs.IsError)
	assert.Equal(t, "Error: permission denied", obs.Result)
}

func TestAnalyzeExtractsData(t *testing.T) {
	a := NewAnalyzer(nil, "")
	obs := a.Analyze("drive.get_file", tools.CategoryRead, `found it: {"file_id":"f-1","name":"report"}`, nil, nil)
	assert.False(t, obs.IsError)
	require.NotNil(t, obs.Data)
	assert.Equal(t, "f-1", obs.Data["file_id"])
}

func TestAnalyzeProgress(t *testing.T) {
	a := NewAnalyzer(nil, "")

	first := a.Analyze("system.get_datetime", tools.CategoryRead, "2026-08-24T10:00:00Z", nil, nil)
	assert.Equal(t, 1.0, first.Progress)

	failed := a.Analyze("search.find_records", tools.CategoryRead, "Error: index unavailable", nil, []Observation{first})
	assert.True(t, failed.IsError)
	assert.Equal(t, 0.5, failed.Progress)

	third := a.Analyze("system.get_datetime", tools.CategoryRead, "ok", nil, []Observation{first, failed})
	assert.InDelta(t, 2.0/3.0, third.Progress, 1e-9)
}

func TestGoalAchieved(t *testing.T) {
	mock := llmtest.NewScriptedClient()
	mock.AddText("YES")
	a := NewAnalyzer(mock, "cheap")

	obs := []Observation{{Tool: "system.get_datetime", Result: "2026-08-24T10:00:00Z"}}
	assert.True(t, a.GoalAchieved(context.Background(), "tell the time", obs))
}

func TestGoalAchievedDefaultsFalse(t *testing.T) {
	a := NewAnalyzer(nil, "")
	assert.False(t, a.GoalAchieved(context.Background(), "goal", []Observation{{Tool: "t"}}))

	mock := llmtest.NewScriptedClient()
	mock.AddSequential(llmtest.ScriptEntry{Error: errors.New("down")})
	a = NewAnalyzer(mock, "cheap")
	assert.False(t, a.GoalAchieved(context.Background(), "goal", []Observation{{Tool: "t"}}))

	mock = llmtest.NewScriptedClient()
	mock.AddText("probably yes, I think")
	a = NewAnalyzer(mock, "cheap")
	assert.False(t, a.GoalAchieved(context.Background(), "goal", []Observation{{Tool: "t"}}))

	// No observations: nothing has happened yet.
	assert.False(t, a.GoalAchieved(context.Background(), "goal", nil))
}
