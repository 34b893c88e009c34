package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/workstreamhq/maestro/pkg/events"
	"github.com/workstreamhq/maestro/pkg/llm"
	"github.com/workstreamhq/maestro/pkg/tools"
)

// finalize produces the turn's final answer. When the last step's output
// already is the answer it is reused verbatim; otherwise a summarization
// call streams a fresh final answer over final_result events.
func (o *StepOrchestrator) finalize(ctx context.Context, request string, steps []StepResult) (string, error) {
	if len(steps) == 0 {
		return "", fmt.Errorf("no steps executed")
	}
	last := steps[len(steps)-1].Output

	// final_result_start opens finalization on both paths; the reuse path
	// just skips the summarization call and its chunks.
	o.publish(events.EventFinalResultStart, struct{}{})

	if reuseAsFinal(request, steps) {
		return last, nil
	}

	var sb strings.Builder
	sb.WriteString("Request: " + request + "\n\nStep results:\n")
	for _, s := range steps {
		fmt.Fprintf(&sb, "%d. %s\n%s\n\n", s.Number, s.Title, tools.Truncate(s.Output, 1500))
	}

	input := &llm.GenerateInput{
		SessionID: o.deps.Conv.ID,
		Model:     o.model(),
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: "Write the final answer for the user based on the completed work. Address the user's request directly, in the user's language. Do not describe the steps; present the outcome."},
			{Role: llm.RoleUser, Content: sb.String()},
		},
	}
	ch, err := o.deps.LLM.Generate(ctx, input)
	if err != nil {
		return "", fmt.Errorf("final summarization: %w", err)
	}
	final, _, err := drainStream(ch, o.Stopped, nil, func(delta string) {
		o.publish(events.EventFinalResultChunk, events.ChunkPayload{Content: delta})
	})
	if err != nil {
		if o.Stopped() {
			return final, nil
		}
		return "", fmt.Errorf("final summarization: %w", err)
	}
	if strings.TrimSpace(final) == "" {
		return last, nil
	}
	return final, nil
}

// generativeMarkers match requests whose product is the text itself; the
// step that wrote it already holds the deliverable.
var generativeMarkers = []string{
	"write", "draft", "compose", "напиши", "сочини", "составь",
}

// reuseAsFinal decides whether the last step output can serve as the final
// answer without another model call.
func reuseAsFinal(request string, steps []StepResult) bool {
	last := steps[len(steps)-1].Output

	// A single-step workflow's output already answers the request.
	if len(steps) == 1 {
		return true
	}

	lower := strings.ToLower(request)
	for _, m := range generativeMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}

	// Structured data the user asked for verbatim: tables or bullet lists
	// of substance would only be degraded by re-summarization.
	if len(last) > 200 && (strings.Contains(last, "|") || strings.Contains(last, "\n- ") || strings.Contains(last, "\n* ")) {
		return true
	}
	return false
}
