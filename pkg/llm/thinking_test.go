package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeForThinkingRelabelsAssistantTurns(t *testing.T) {
	msgs := []Message{
		{Role: RoleSystem, Content: "You are an assistant."},
		{Role: RoleUser, Content: "first question"},
		{Role: RoleAssistant, Content: "first answer"},
		{Role: RoleUser, Content: "second question"},
	}
	out := NormalizeForThinking(msgs)

	assert.Len(t, out, 4)
	assert.Equal(t, RoleSystem, out[0].Role)
	assert.Equal(t, RoleUser, out[2].Role)
	assert.Equal(t, "Assistant (previous turn): first answer", out[2].Content)
}

func TestNormalizeForThinkingDropsEmptyAssistantTurns(t *testing.T) {
	msgs := []Message{
		{Role: RoleUser, Content: "q"},
		{Role: RoleAssistant, Content: "  ", ToolCalls: []ToolCall{{ID: "1", Name: "t"}}},
	}
	out := NormalizeForThinking(msgs)
	assert.Len(t, out, 1)
}
