package assistant

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workstreamhq/maestro/pkg/classify"
	"github.com/workstreamhq/maestro/pkg/events"
	"github.com/workstreamhq/maestro/pkg/events/eventstest"
	"github.com/workstreamhq/maestro/pkg/llm"
	"github.com/workstreamhq/maestro/pkg/llm/llmtest"
	"github.com/workstreamhq/maestro/pkg/orchestrator"
	"github.com/workstreamhq/maestro/pkg/planner"
	"github.com/workstreamhq/maestro/pkg/session"
	"github.com/workstreamhq/maestro/pkg/tools"
)

type agentHarness struct {
	mock      *llmtest.ScriptedClient
	bus       *events.Bus
	rec       *eventstest.Recorder
	agent     *Agent
	sessionID string
}

func newAgentHarness(t *testing.T) *agentHarness {
	t.Helper()
	mock := llmtest.NewScriptedClient()
	bus := events.NewBus()
	reg := tools.NewRegistry()
	require.NoError(t, tools.RegisterDatetime(reg))

	sessions := session.NewManager()
	conv := sessions.Create()
	rec := eventstest.NewRecorder()
	bus.Connect(conv.ID, rec)

	cfg := Config{
		Orchestrator:   orchestrator.Config{Model: "claude-sonnet-4-5"},
		SubscriberWait: 100 * time.Millisecond,
		SubscriberPoll: 5 * time.Millisecond,
	}
	agent := New(bus, sessions, classify.New(mock, "claude-haiku-4-5"), mock, reg,
		planner.New(mock, reg, bus, "claude-sonnet-4-5", 0), cfg)

	return &agentHarness{mock: mock, bus: bus, rec: rec, agent: agent, sessionID: conv.ID}
}

func TestSimpleDirectAnswer(t *testing.T) {
	h := newAgentHarness(t)
	h.mock.AddText("Привет! Чем могу помочь?")

	require.NoError(t, h.agent.ProcessMessage(h.sessionID, "привет", "", ""))

	env, ok := h.rec.WaitFor(events.EventFinalResultComplete, 2*time.Second)
	require.True(t, ok)
	assert.Equal(t, "Привет! Чем могу помочь?", env.Data.(map[string]any)["content"])

	types := h.rec.Types()
	assert.Contains(t, types, events.EventMessage)
	assert.Contains(t, types, events.EventMessageStart)
	assert.Contains(t, types, events.EventMessageChunk)
	assert.Contains(t, types, events.EventMessageComplete)
	assert.NotContains(t, types, events.EventPlanGenerated)
}

func TestSimpleAnswerWithToolCall(t *testing.T) {
	h := newAgentHarness(t)
	h.mock.AddSequential(llmtest.ScriptEntry{Chunks: []llm.Chunk{
		&llm.ToolCallChunk{CallID: "c1", Name: "system.get_datetime", Arguments: "{}"},
	}})
	h.mock.AddText("Сейчас указанное время.")

	require.NoError(t, h.agent.ProcessMessage(h.sessionID, "который час", "", ""))

	_, ok := h.rec.WaitFor(events.EventMessageComplete, 2*time.Second)
	require.True(t, ok)

	types := h.rec.Types()
	assert.Contains(t, types, events.EventToolCall)
	assert.Contains(t, types, events.EventToolResult)

	data, ok := h.rec.Data(events.EventToolResult)
	require.True(t, ok)
	assert.Equal(t, "system.get_datetime", data["tool"])
	assert.False(t, data["is_error"].(bool))
}

func TestEmptyMessageRejected(t *testing.T) {
	h := newAgentHarness(t)

	require.NoError(t, h.agent.ProcessMessage(h.sessionID, "   ", "", ""))

	env, ok := h.rec.WaitFor(events.EventError, 2*time.Second)
	require.True(t, ok)
	assert.Equal(t, "empty message", env.Data.(map[string]any)["message"])
}

func TestUnknownSessionRejected(t *testing.T) {
	h := newAgentHarness(t)
	err := h.agent.ProcessMessage("no-such-session", "привет", "", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session not found")
}

func TestComplexMessageRunsWorkflow(t *testing.T) {
	h := newAgentHarness(t)
	h.mock.AddText(`{"plan":"search","steps":["find the letters"]}`)
	h.mock.AddText("Searching the mailbox.")
	h.mock.AddText("Found 3 letters from Ivan.")

	require.NoError(t, h.agent.ProcessMessage(h.sessionID, "найди письма от Ивана", "", ""))

	env, ok := h.rec.WaitFor(events.EventFinalResultComplete, 2*time.Second)
	require.True(t, ok)
	assert.Contains(t, env.Data.(map[string]any)["content"], "Found 3 letters")

	// A one-step plan executes immediately, without being announced.
	types := h.rec.Types()
	assert.NotContains(t, types, events.EventPlanGenerated)
	assert.Contains(t, types, events.EventStepStart)
	assert.NotContains(t, types, events.EventMessageStart)
}

func TestApprovalModeViaAgent(t *testing.T) {
	h := newAgentHarness(t)
	h.mock.AddText(`{"plan":"two steps","steps":["collect the data","send the summary"]}`)
	h.mock.AddText("Collecting.")
	h.mock.AddText("Data collected.")
	h.mock.AddText("Sending.")
	h.mock.AddText("Summary sent.")
	h.mock.AddText("Готово: данные собраны и отправлены.")

	require.NoError(t, h.agent.ProcessMessage(h.sessionID, "сделай это", "approval", ""))

	env, ok := h.rec.WaitFor(events.EventAwaitingConfirmation, 2*time.Second)
	require.True(t, ok)
	confirmationID := env.Data.(map[string]any)["confirmation_id"].(string)

	require.NoError(t, h.agent.ApprovePlan(h.sessionID, confirmationID))
	// The same id does not resolve twice.
	assert.Error(t, h.agent.ApprovePlan(h.sessionID, confirmationID))

	_, ok = h.rec.WaitFor(events.EventFinalResultComplete, 2*time.Second)
	assert.True(t, ok)
}

func TestRejectViaAgent(t *testing.T) {
	h := newAgentHarness(t)
	h.mock.AddText(`{"plan":"two steps","steps":["do the thing","report back"]}`)

	require.NoError(t, h.agent.ProcessMessage(h.sessionID, "сделай это", "approval", ""))

	env, ok := h.rec.WaitFor(events.EventAwaitingConfirmation, 2*time.Second)
	require.True(t, ok)
	confirmationID := env.Data.(map[string]any)["confirmation_id"].(string)

	require.NoError(t, h.agent.RejectPlan(h.sessionID, confirmationID))

	_, ok = h.rec.WaitFor(events.EventWorkflowStopped, 2*time.Second)
	assert.True(t, ok)
}

func TestUpdatePlanViaAgent(t *testing.T) {
	h := newAgentHarness(t)
	h.mock.AddText(`{"plan":"original","steps":["original first","original second"]}`)
	h.mock.AddText("Working.")
	h.mock.AddText("Finished the updated step.")

	require.NoError(t, h.agent.ProcessMessage(h.sessionID, "сделай это", "approval", ""))

	env, ok := h.rec.WaitFor(events.EventAwaitingConfirmation, 2*time.Second)
	require.True(t, ok)
	confirmationID := env.Data.(map[string]any)["confirmation_id"].(string)

	require.NoError(t, h.agent.UpdatePlan(h.sessionID, &planner.Plan{
		Plan:  "updated",
		Steps: []string{"updated step"},
	}))
	_, ok = h.rec.WaitFor(events.EventPlanUpdated, 2*time.Second)
	require.True(t, ok)

	require.NoError(t, h.agent.ApprovePlan(h.sessionID, confirmationID))
	_, ok = h.rec.WaitFor(events.EventFinalResultComplete, 2*time.Second)
	assert.True(t, ok)
}

func TestControlCallsWithoutWorkflow(t *testing.T) {
	h := newAgentHarness(t)

	assert.Error(t, h.agent.ApprovePlan(h.sessionID, "conf-1"))
	assert.Error(t, h.agent.RejectPlan(h.sessionID, "conf-1"))
	assert.Error(t, h.agent.UpdatePlan(h.sessionID, &planner.Plan{Plan: "p", Steps: []string{"s"}}))
	assert.Error(t, h.agent.ResolveAssistance(h.sessionID, "a-1", "1"))
}

func TestStopWithoutWorkflowAcknowledges(t *testing.T) {
	h := newAgentHarness(t)

	h.agent.StopGeneration(h.sessionID)

	env, ok := h.rec.WaitFor(events.EventWorkflowStopped, 2*time.Second)
	require.True(t, ok)
	data := env.Data.(map[string]any)
	assert.Equal(t, float64(0), data["step"])
	assert.Equal(t, float64(0), data["remaining"])
}

func TestStopDuringWorkflow(t *testing.T) {
	h := newAgentHarness(t)
	h.mock.AddText(`{"plan":"slow","steps":["slow step"]}`)
	onBlock := make(chan struct{}, 1)
	h.mock.AddSequential(llmtest.ScriptEntry{BlockUntilCancelled: true, OnBlock: onBlock})

	require.NoError(t, h.agent.ProcessMessage(h.sessionID, "сделай долгую задачу", "", ""))

	<-onBlock
	h.agent.StopGeneration(h.sessionID)

	_, ok := h.rec.WaitFor(events.EventWorkflowStopped, 2*time.Second)
	assert.True(t, ok)
}

func TestReactStrategy(t *testing.T) {
	h := newAgentHarness(t)
	h.mock.AddRouted("You judge task completion", llmtest.ScriptEntry{Text: "YES"})
	h.mock.AddText("Checking the clock.")
	h.mock.AddText(`{"tool_name":"system.get_datetime","arguments":{},"description":"read time","reasoning":"needed"}`)
	h.mock.AddText("Время получено.")

	require.NoError(t, h.agent.ProcessMessage(h.sessionID, "найди точное время сервера", "", "react"))

	env, ok := h.rec.WaitFor(events.EventReactComplete, 2*time.Second)
	require.True(t, ok)
	assert.Equal(t, "Время получено.", env.Data.(map[string]any)["answer"])
	assert.NotContains(t, h.rec.Types(), events.EventPlanGenerated)
}

func TestShutdownWaitsForTurns(t *testing.T) {
	h := newAgentHarness(t)
	h.mock.AddText("Привет!")

	require.NoError(t, h.agent.ProcessMessage(h.sessionID, "привет", "", ""))
	_, ok := h.rec.WaitFor(events.EventMessageComplete, 2*time.Second)
	require.True(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.agent.Shutdown(ctx))
}
