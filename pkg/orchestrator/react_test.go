package orchestrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workstreamhq/maestro/pkg/events"
	"github.com/workstreamhq/maestro/pkg/events/eventstest"
	"github.com/workstreamhq/maestro/pkg/llm/llmtest"
	"github.com/workstreamhq/maestro/pkg/session"
	"github.com/workstreamhq/maestro/pkg/tools"
)

type reactHarness struct {
	mock *llmtest.ScriptedClient
	rec  *eventstest.Recorder
	orch *ReActOrchestrator
}

// goalJudgeMarker routes goal-judgment calls so the loop scripts stay in
// sequential order regardless of how often the judge runs.
const goalJudgeMarker = "You judge task completion"

func newReactHarness(t *testing.T, cfg Config) *reactHarness {
	t.Helper()
	mock := llmtest.NewScriptedClient()
	bus := events.NewBus()
	reg := tools.NewRegistry()
	require.NoError(t, tools.RegisterDatetime(reg))
	require.NoError(t, reg.Register(&tools.Tool{
		Name:        "search.find_records",
		Description: "Search records",
		InputSchema: `{"type":"object","properties":{"query":{"type":"string"}}}`,
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			return "Error: index unavailable", nil
		},
	}))

	conv := session.NewManager().Create()
	rec := eventstest.NewRecorder()
	bus.Connect(conv.ID, rec)

	if cfg.Model == "" {
		cfg.Model = "claude-sonnet-4-5"
	}
	deps := Deps{Bus: bus, LLM: mock, Tools: reg, Conv: conv, Config: cfg}
	return &reactHarness{
		mock: mock,
		rec:  rec,
		orch: NewReActOrchestrator(deps, NewAnalyzer(mock, cfg.Model)),
	}
}

func TestReactReachesGoal(t *testing.T) {
	h := newReactHarness(t, Config{})
	h.mock.AddRouted(goalJudgeMarker, llmtest.ScriptEntry{Text: "YES"})
	// Each iteration makes two calls: the situation analysis, then the
	// action choice as strict JSON.
	h.mock.AddText("I need the current time first.")
	h.mock.AddText(`{"tool_name":"system.get_datetime","arguments":{},"description":"read the clock","reasoning":"the goal needs the time"}`)
	h.mock.AddText("Сейчас указанное время.")

	result, err := h.orch.Execute(context.Background(), "скажи который час")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)
	assert.Equal(t, "Сейчас указанное время.", result.FinalResult)

	assert.Equal(t, []string{
		events.EventReactThinking,
		events.EventReactAction,
		events.EventReactObservation,
		events.EventReactComplete,
	}, h.rec.TypesCondensed())

	thinking, ok := h.rec.Data(events.EventReactThinking)
	require.True(t, ok)
	assert.Equal(t, "I need the current time first.", thinking["content"])

	inputs := h.mock.CapturedInputs()
	require.GreaterOrEqual(t, len(inputs), 2)
	assert.Contains(t, inputs[0].Messages[0].Content, "Assess the current situation")
	assert.Contains(t, inputs[1].Messages[0].Content, "ONE JSON object")

	data, ok := h.rec.Data(events.EventReactComplete)
	require.True(t, ok)
	assert.Equal(t, float64(1), data["iterations"])
}

func TestReactFinishSentinel(t *testing.T) {
	h := newReactHarness(t, Config{})
	h.mock.AddText("The answer is already known.")
	h.mock.AddText(`{"tool_name":"FINISH"}`)
	h.mock.AddText("No action was needed.")

	result, err := h.orch.Execute(context.Background(), "trivial goal")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)

	data, ok := h.rec.Data(events.EventReactComplete)
	require.True(t, ok)
	assert.Equal(t, float64(0), data["iterations"])
}

func TestReactAlternativeAfterFailure(t *testing.T) {
	h := newReactHarness(t, Config{})
	h.mock.AddRouted(goalJudgeMarker, llmtest.ScriptEntry{Text: "YES"})
	h.mock.AddText("Searching.")
	// First action fails (search tool returns an error-shaped result).
	h.mock.AddText(`{"tool_name":"search.find_records","arguments":{"query":"report"},"description":"search","reasoning":"find it"}`)
	// Alternative proposal succeeds.
	h.mock.AddText(`{"tool_name":"system.get_datetime","arguments":{},"description":"fallback","reasoning":"different route"}`)
	h.mock.AddText("Done via the fallback.")

	result, err := h.orch.Execute(context.Background(), "find the report")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)

	// Two actions and two observations: the failure and the alternative.
	count := 0
	for _, typ := range h.rec.Types() {
		if typ == events.EventReactAction {
			count++
		}
	}
	assert.Equal(t, 2, count)

	obs, ok := h.rec.Data(events.EventReactObservation)
	require.True(t, ok)
	assert.True(t, obs["is_error"].(bool))
	assert.Equal(t, float64(0), obs["progress"])

	env, ok := h.rec.Last(events.EventReactObservation)
	require.True(t, ok)
	last := env.Data.(map[string]any)
	assert.False(t, last["is_error"].(bool))
	assert.Equal(t, 0.5, last["progress"])
}

func TestReactNoAlternativeFails(t *testing.T) {
	h := newReactHarness(t, Config{})
	h.mock.AddText("Searching.")
	h.mock.AddText(`{"tool_name":"search.find_records","arguments":{"query":"x"},"description":"search","reasoning":"only option"}`)
	h.mock.AddText(`{"alternative": false}`)

	result, err := h.orch.Execute(context.Background(), "find the record")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, result.Status)

	data, ok := h.rec.Data(events.EventReactFailed)
	require.True(t, ok)
	assert.Contains(t, data["reason"].(string), "no viable alternative")
	// No alternative action ever ran, so none is listed as tried.
	assert.Empty(t, data["tried"])
}

func TestReactIterationBudget(t *testing.T) {
	h := newReactHarness(t, Config{MaxIterations: 2})
	h.mock.AddRouted(goalJudgeMarker, llmtest.ScriptEntry{Text: "NO"})
	h.mock.AddRouted(goalJudgeMarker, llmtest.ScriptEntry{Text: "NO"})
	action := `{"tool_name":"system.get_datetime","arguments":{},"description":"poll","reasoning":"still checking"}`
	h.mock.AddText("Still not there.")
	h.mock.AddText(action)
	h.mock.AddText("Trying once more.")
	h.mock.AddText(action)

	result, err := h.orch.Execute(context.Background(), "unreachable goal")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, result.Status)

	data, ok := h.rec.Data(events.EventReactFailed)
	require.True(t, ok)
	assert.Equal(t, "iteration budget exhausted", data["reason"])
	assert.Equal(t, float64(2), data["iterations"])
	assert.Empty(t, data["tried"])
}

func TestReactStop(t *testing.T) {
	h := newReactHarness(t, Config{})
	onBlock := make(chan struct{}, 1)
	h.mock.AddSequential(llmtest.ScriptEntry{BlockUntilCancelled: true, OnBlock: onBlock})

	done := make(chan *Result, 1)
	go func() {
		result, _ := h.orch.Execute(context.Background(), "long goal")
		done <- result
	}()

	<-onBlock
	h.orch.Stop()
	h.orch.Stop()

	result := <-done
	assert.Equal(t, StatusStopped, result.Status)
	assert.Contains(t, h.rec.Types(), events.EventWorkflowStopped)
}
