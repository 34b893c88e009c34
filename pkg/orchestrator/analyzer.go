package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/workstreamhq/maestro/pkg/llm"
	"github.com/workstreamhq/maestro/pkg/planner"
	"github.com/workstreamhq/maestro/pkg/tools"
)

// errorPrefixes identify tool results that are failures rendered as text.
var errorPrefixes = []string{
	"Error:", "Exception", "HttpError", "Traceback", "ERROR",
}

// Analyzer judges tool observations for the ReAct loop: whether a result is
// an error, whether the goal has been reached, and what usable data the
// result carries.
type Analyzer struct {
	client llm.Client
	model  string
}

func NewAnalyzer(client llm.Client, model string) *Analyzer {
	return &Analyzer{client: client, model: model}
}

// Observation is the analyzed outcome of one executed action.
type Observation struct {
	Tool     string
	Result   string
	IsError  bool
	Data     map[string]any // parsed JSON payload, when the result carries one
	Progress float64        // estimate of distance toward the goal, 0 to 1
}

// Analyze classifies a tool result without calling the model. prior carries
// the observations from earlier actions so the progress estimate reflects
// the run as a whole.
func (a *Analyzer) Analyze(toolName string, category tools.Category, result string, execErr error, prior []Observation) Observation {
	obs := Observation{Tool: toolName, Result: result}
	if execErr != nil {
		obs.IsError = true
		obs.Result = "Error: " + execErr.Error()
	} else {
		obs.IsError = looksLikeError(category, result)
		if candidate := planner.ExtractJSONObject(result); candidate != "" {
			var data map[string]any
			if err := json.Unmarshal([]byte(candidate), &data); err == nil {
				obs.Data = data
			}
		}
	}
	obs.Progress = progressEstimate(prior, obs)
	return obs
}

// progressEstimate is the share of successful actions so far, a crude but
// monotone stand-in for distance to the goal.
func progressEstimate(prior []Observation, current Observation) float64 {
	total := len(prior) + 1
	ok := 0
	if !current.IsError {
		ok = 1
	}
	for _, obs := range prior {
		if !obs.IsError {
			ok++
		}
	}
	return float64(ok) / float64(total)
}

// looksLikeError applies the textual error heuristics. An empty result from
// a read tool is treated as an error: the lookup found nothing usable.
func looksLikeError(category tools.Category, result string) bool {
	trimmed := strings.TrimSpace(result)
	if trimmed == "" {
		return category == tools.CategoryRead
	}
	for _, prefix := range errorPrefixes {
		if strings.HasPrefix(trimmed, prefix) {
			return true
		}
	}
	return false
}

// GoalAchieved asks the model whether the observations so far satisfy the
// goal. Any failure, or any answer that is not clearly affirmative, counts
// as not achieved: stopping early is worse than one extra iteration.
func (a *Analyzer) GoalAchieved(ctx context.Context, goal string, observations []Observation) bool {
	if a.client == nil || len(observations) == 0 {
		return false
	}
	var sb strings.Builder
	for i, obs := range observations {
		status := "ok"
		if obs.IsError {
			status = "error"
		}
		fmt.Fprintf(&sb, "%d. %s (%s): %s\n", i+1, obs.Tool, status, tools.Truncate(obs.Result, 500))
	}
	input := &llm.GenerateInput{
		Model:     a.model,
		MaxTokens: 10,
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: "You judge task completion. Given a goal and the results of actions taken, answer with exactly YES if the goal is fully satisfied, or NO otherwise."},
			{Role: llm.RoleUser, Content: "Goal: " + goal + "\n\nResults:\n" + sb.String()},
		},
	}
	ch, err := a.client.Generate(ctx, input)
	if err != nil {
		slog.Warn("goal judgment failed, assuming not achieved", "error", err)
		return false
	}
	text, _, err := drainStream(ch, nil, nil, nil)
	if err != nil {
		slog.Warn("goal judgment stream failed, assuming not achieved", "error", err)
		return false
	}
	return strings.HasPrefix(strings.ToUpper(strings.TrimSpace(text)), "YES")
}
