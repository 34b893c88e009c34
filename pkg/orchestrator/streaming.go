package orchestrator

import (
	"errors"
	"strings"

	"github.com/workstreamhq/maestro/pkg/llm"
)

// drainStream consumes an LLM chunk channel, invoking the callbacks per
// delta, and returns the accumulated text plus any materialized tool calls.
// Callbacks may be nil. Once stopped reports true no further callbacks fire:
// chunks still buffered in the channel after a stop must not surface as
// content events. An ErrorChunk terminates the drain with its error; text
// accumulated before the failure is still returned.
func drainStream(ch <-chan llm.Chunk, stopped func() bool, onThinking, onText func(string)) (string, []llm.ToolCall, error) {
	var text strings.Builder
	var toolCalls []llm.ToolCall
	for chunk := range ch {
		halted := stopped != nil && stopped()
		switch v := chunk.(type) {
		case *llm.TextChunk:
			text.WriteString(v.Content)
			if onText != nil && !halted {
				onText(v.Content)
			}
		case *llm.ThinkingChunk:
			if onThinking != nil && !halted {
				onThinking(v.Content)
			}
		case *llm.ToolCallChunk:
			toolCalls = append(toolCalls, llm.ToolCall{
				ID:        v.CallID,
				Name:      v.Name,
				Arguments: v.Arguments,
			})
		case *llm.ErrorChunk:
			return text.String(), toolCalls, errors.New(v.Message)
		}
	}
	return text.String(), toolCalls, nil
}
