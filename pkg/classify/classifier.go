// Package classify decides whether a user message is a simple conversational
// turn or a complex task needing orchestration. Cheap heuristics answer the
// obvious cases; an inexpensive LLM call breaks ties.
package classify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode"

	"github.com/workstreamhq/maestro/pkg/llm"
)

// Complexity is the classifier verdict.
type Complexity string

const (
	Simple  Complexity = "SIMPLE"
	Complex Complexity = "COMPLEX"
)

// greetings match short conversational turns in English and Russian.
var greetings = map[string]struct{}{
	"hello": {}, "hi": {}, "hey": {}, "thanks": {}, "thank": {}, "bye": {},
	"goodbye": {}, "ok": {}, "okay": {}, "yes": {}, "no": {}, "cool": {},
	"привет": {}, "здравствуй": {}, "здравствуйте": {}, "спасибо": {},
	"пока": {}, "ок": {}, "да": {}, "нет": {}, "хорошо": {}, "ладно": {},
}

// actionVerbs signal a task regardless of message length.
var actionVerbs = []string{
	// English
	"create", "make", "build", "send", "find", "search", "write", "draft",
	"delete", "remove", "update", "edit", "schedule", "calculate", "compute",
	"generate", "download", "upload", "organize", "summarize", "translate",
	"compare", "analyze", "list", "move", "rename", "copy",
	// Russian
	"создай", "сделай", "найди", "отправь", "напиши", "составь", "удали",
	"обнови", "запланируй", "посчитай", "рассчитай", "сгенерируй", "скачай",
	"загрузи", "организуй", "переведи", "сравни", "проанализируй",
	"перечисли", "перемести", "переименуй", "скопируй", "собери",
}

// Classifier combines heuristics with a cheap-model fallback.
type Classifier struct {
	client llm.Client
	model  string
}

// New builds a classifier. client may be nil, in which case uncertain
// messages default to Complex.
func New(client llm.Client, cheapModel string) *Classifier {
	return &Classifier{client: client, model: cheapModel}
}

// Classify returns the complexity of message. It never returns an error:
// any failure downgrades to the safe default, Complex, so real tasks are
// never mistaken for chat.
func (c *Classifier) Classify(ctx context.Context, message string) Complexity {
	if verdict, decided := heuristic(message); decided {
		return verdict
	}
	return c.llmFallback(ctx, message)
}

// heuristic applies the cheap rules. Action verbs are checked first so a
// short imperative like "создай файл README.md" is never mistaken for chat.
func heuristic(message string) (Complexity, bool) {
	msg := strings.TrimSpace(message)
	tokens := strings.Fields(msg)
	if len(tokens) == 0 {
		return Simple, true
	}

	for _, tok := range tokens {
		if _, ok := matchWord(tok, actionVerbs); ok {
			return Complex, true
		}
	}

	if len(tokens) <= 3 {
		return Simple, true
	}
	if first := normalizeWord(tokens[0]); first != "" {
		if _, ok := greetings[first]; ok && len(tokens) <= 5 {
			return Simple, true
		}
	}

	if countSentenceTerminators(msg) > 2 {
		return Complex, true
	}
	if strings.ContainsAny(msg, "0123456789") || strings.Contains(msg, ":") {
		return Complex, true
	}

	return "", false
}

func (c *Classifier) llmFallback(ctx context.Context, message string) Complexity {
	if c.client == nil {
		return Complex
	}
	input := &llm.GenerateInput{
		Model:     c.model,
		MaxTokens: 10,
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: "You classify user requests for an assistant. Reply with exactly one word: SIMPLE for conversational messages answerable directly, COMPLEX for tasks that need tools or multiple steps."},
			{Role: llm.RoleUser, Content: message},
		},
	}
	ch, err := c.client.Generate(ctx, input)
	if err != nil {
		slog.Warn("classifier LLM call failed, defaulting to complex", "error", err)
		return Complex
	}
	var sb strings.Builder
	for chunk := range ch {
		switch v := chunk.(type) {
		case *llm.TextChunk:
			sb.WriteString(v.Content)
		case *llm.ErrorChunk:
			slog.Warn("classifier LLM stream failed, defaulting to complex", "error", fmt.Errorf("%s", v.Message))
			return Complex
		}
	}
	verdict := strings.ToUpper(strings.TrimSpace(sb.String()))
	if strings.HasPrefix(verdict, "SIMPLE") {
		return Simple
	}
	return Complex
}

func normalizeWord(w string) string {
	return strings.ToLower(strings.TrimFunc(w, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}))
}

func matchWord(token string, words []string) (string, bool) {
	norm := normalizeWord(token)
	if norm == "" {
		return "", false
	}
	for _, w := range words {
		if norm == w {
			return w, true
		}
	}
	return "", false
}

func countSentenceTerminators(s string) int {
	count := 0
	for _, r := range s {
		if r == '.' || r == '!' || r == '?' {
			count++
		}
	}
	return count
}
