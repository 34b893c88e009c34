package planner

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workstreamhq/maestro/pkg/events"
	"github.com/workstreamhq/maestro/pkg/events/eventstest"
	"github.com/workstreamhq/maestro/pkg/llm"
	"github.com/workstreamhq/maestro/pkg/llm/llmtest"
	"github.com/workstreamhq/maestro/pkg/session"
	"github.com/workstreamhq/maestro/pkg/tools"
)

func TestParsePlan(t *testing.T) {
	cases := []struct {
		name  string
		text  string
		plan  string
		steps []string
	}{
		{
			name:  "bare json",
			text:  `{"plan":"do it","steps":["first","second"]}`,
			plan:  "do it",
			steps: []string{"first", "second"},
		},
		{
			name:  "fenced with prose",
			text:  "Here is my plan:\n```json\n{\"plan\": \"summary\", \"steps\": [\"only step\"]}\n```\nLet me know.",
			plan:  "summary",
			steps: []string{"only step"},
		},
		{
			name:  "braces inside strings",
			text:  `{"plan":"use {tpl}","steps":["render {a} and {b}"]}`,
			plan:  "use {tpl}",
			steps: []string{"render {a} and {b}"},
		},
		{
			name:  "blank steps dropped",
			text:  `{"plan":"p","steps":["keep","  ",""]}`,
			plan:  "p",
			steps: []string{"keep"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			plan, err := ParsePlan(tc.text)
			require.NoError(t, err)
			assert.Equal(t, tc.plan, plan.Plan)
			assert.Equal(t, tc.steps, plan.Steps)
		})
	}
}

func TestParsePlanErrors(t *testing.T) {
	for _, text := range []string{"no json here", `{"plan": unbalanced`, ""} {
		_, err := ParsePlan(text)
		assert.Error(t, err, text)
	}
}

func newTestPlanner(t *testing.T, mock *llmtest.ScriptedClient) (*Planner, *events.Bus) {
	t.Helper()
	reg := tools.NewRegistry()
	require.NoError(t, tools.RegisterDatetime(reg))
	bus := events.NewBus()
	return New(mock, reg, bus, "claude-sonnet-4-5", 3000), bus
}

func TestGeneratePlanStreamsThinking(t *testing.T) {
	mock := llmtest.NewScriptedClient()
	mock.AddSequential(llmtest.ScriptEntry{Chunks: []llm.Chunk{
		&llm.ThinkingChunk{Content: "considering the request"},
		&llm.TextChunk{Content: `{"plan":"check time","steps":["get current time"]}`},
		&llm.UsageChunk{TotalTokens: 20},
	}})
	p, bus := newTestPlanner(t, mock)

	conv := session.NewManager().Create()
	sub := eventstest.NewRecorder()
	bus.Connect(conv.ID, sub)

	plan, err := p.GeneratePlan(context.Background(), conv, "what time is it in three timezones, compared")
	require.NoError(t, err)
	assert.Equal(t, []string{"get current time"}, plan.Steps)

	types := sub.Types()
	assert.Contains(t, types, events.EventPlanThinkingChunk)
	assert.Contains(t, types, events.EventPlanThinkingComplete)
}

func TestGeneratePlanFallbackOnEmptySteps(t *testing.T) {
	mock := llmtest.NewScriptedClient()
	mock.AddText(`{"plan":"nothing","steps":[]}`)
	p, _ := newTestPlanner(t, mock)

	conv := session.NewManager().Create()
	plan, err := p.GeneratePlan(context.Background(), conv, "сделай отчет")
	require.NoError(t, err)
	require.Len(t, plan.Steps, 1)
	assert.Equal(t, "сделай отчет", plan.Steps[0])
}

func TestGeneratePlanFallbackOnGarbage(t *testing.T) {
	mock := llmtest.NewScriptedClient()
	mock.AddText("I cannot produce a plan right now, sorry.")
	p, _ := newTestPlanner(t, mock)

	conv := session.NewManager().Create()
	plan, err := p.GeneratePlan(context.Background(), conv, "organize my inbox")
	require.NoError(t, err)
	assert.Equal(t, []string{"organize my inbox"}, plan.Steps)
}

func TestPlanPromptCarriesUploadsAndWorkspace(t *testing.T) {
	mock := llmtest.NewScriptedClient()
	mock.AddText(`{"plan":"summarize","steps":["summarize the upload"]}`)
	p, _ := newTestPlanner(t, mock)
	p.SetWorkspace(&Workspace{FolderID: "ws-1", FolderName: "Team Drive"})

	conv := session.NewManager().Create()
	conv.AttachFile(session.AttachedFile{
		ID:   "f-1",
		Name: "notes.txt",
		MIME: "text/plain",
		Text: "quarterly numbers: 42",
	})
	conv.AttachFile(session.AttachedFile{
		ID:   "f-2",
		Name: "pixel.png",
		MIME: "image/png",
		Data: []byte{1, 2, 3},
	})

	_, err := p.GeneratePlan(context.Background(), conv, "сделай сводку по загруженному файлу")
	require.NoError(t, err)

	inputs := mock.CapturedInputs()
	require.Len(t, inputs, 1)
	user := inputs[0].Messages[len(inputs[0].Messages)-1].Content
	assert.Contains(t, user, "quarterly numbers: 42")
	assert.Contains(t, user, "notes.txt")
	assert.Contains(t, user, "pixel.png")
	assert.Contains(t, user, "(binary, 3 bytes)")
	assert.Contains(t, user, `"Team Drive" (id=ws-1)`)
}

func TestContextSectionsEmptyWithoutContext(t *testing.T) {
	conv := session.NewManager().Create()
	assert.Empty(t, ContextSections(conv, "", ""))
}

func TestGenerativeRequestsSkipThinking(t *testing.T) {
	assert.False(t, useThinking("напиши стихотворение про осень"))
	assert.False(t, useThinking("write a poem about autumn"))
	assert.True(t, useThinking("собери данные о продажах и построй сводку"))
}
