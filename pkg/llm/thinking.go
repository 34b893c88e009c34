package llm

import "strings"

// NormalizeForThinking reshapes conversation history for extended-reasoning
// calls. Reasoning mode rejects prior assistant turns that lack thinking
// blocks, so earlier assistant messages are relabeled as user turns with an
// attribution prefix. The first system message is kept in place; tool-call
// metadata on relabeled turns is dropped since the text is now plain context.
func NormalizeForThinking(msgs []Message) []Message {
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Role != RoleAssistant {
			out = append(out, m)
			continue
		}
		content := strings.TrimSpace(m.Content)
		if content == "" {
			continue
		}
		out = append(out, Message{
			Role:    RoleUser,
			Content: "Assistant (previous turn): " + content,
		})
	}
	return out
}
