package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/workstreamhq/maestro/pkg/events"
	"github.com/workstreamhq/maestro/pkg/llm"
	"github.com/workstreamhq/maestro/pkg/planner"
	"github.com/workstreamhq/maestro/pkg/tools"
)

// FinishSentinel in an action response ends the ReAct loop with a final
// answer instead of another tool call.
const FinishSentinel = "FINISH"

// reactAction is the strict-JSON action format the loop demands from the
// model.
type reactAction struct {
	ToolName    string         `json:"tool_name"`
	Arguments   map[string]any `json:"arguments"`
	Description string         `json:"description"`
	Reasoning   string         `json:"reasoning"`
}

// ActionRecord is one completed iteration, kept for prompting and the
// failure report.
type ActionRecord struct {
	Iteration   int
	Tool        string
	Description string
	Observation Observation
}

// ReActOrchestrator runs the iterative think, act, observe, adapt loop for
// requests where a fixed upfront plan fits poorly.
type ReActOrchestrator struct {
	deps     Deps
	cfg      Config
	analyzer *Analyzer

	stopOnce sync.Once
	stopped  atomic.Bool

	mu           sync.Mutex
	cancelStream context.CancelFunc
}

func NewReActOrchestrator(deps Deps, analyzer *Analyzer) *ReActOrchestrator {
	return &ReActOrchestrator{
		deps:     deps,
		cfg:      deps.Config.withDefaults(),
		analyzer: analyzer,
	}
}

// Stop terminates the loop at the next boundary. Idempotent.
func (o *ReActOrchestrator) Stop() {
	o.stopOnce.Do(func() {
		o.stopped.Store(true)
		o.mu.Lock()
		if o.cancelStream != nil {
			o.cancelStream()
		}
		o.mu.Unlock()
		slog.Info("react stop requested", "session_id", o.deps.Conv.ID)
	})
}

// Stopped reports whether Stop has been called.
func (o *ReActOrchestrator) Stopped() bool { return o.stopped.Load() }

// Execute runs the loop until the goal is reached, the loop declares
// failure, the iteration budget runs out, or the workflow is stopped. Each
// iteration starts with a dedicated situational-analysis call before the
// action is planned.
func (o *ReActOrchestrator) Execute(ctx context.Context, goal string) (*Result, error) {
	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	o.mu.Lock()
	o.cancelStream = cancel
	o.mu.Unlock()

	var records []ActionRecord
	var observations []Observation
	var alternativesTried []string

	for iteration := 1; iteration <= o.cfg.MaxIterations; iteration++ {
		if o.Stopped() || loopCtx.Err() != nil {
			o.publish(events.EventWorkflowStopped, events.WorkflowStoppedPayload{Step: iteration})
			return &Result{Status: StatusStopped}, nil
		}

		analysis, err := o.think(loopCtx, goal, records)
		if err != nil {
			if o.Stopped() {
				o.publish(events.EventWorkflowStopped, events.WorkflowStoppedPayload{Step: iteration})
				return &Result{Status: StatusStopped}, nil
			}
			o.failLoop(iteration-1, "situation analysis failed: "+err.Error(), alternativesTried)
			return &Result{Status: StatusFailed}, err
		}
		if analysis != "" {
			o.publish(events.EventReactThinking, events.ReactThinkingPayload{Iteration: iteration, Content: analysis})
		}

		action, finished, err := o.planAction(loopCtx, goal, analysis, records)
		if err != nil {
			if o.Stopped() {
				o.publish(events.EventWorkflowStopped, events.WorkflowStoppedPayload{Step: iteration})
				return &Result{Status: StatusStopped}, nil
			}
			o.failLoop(iteration-1, "action planning failed: "+err.Error(), alternativesTried)
			return &Result{Status: StatusFailed}, err
		}
		if finished {
			return o.complete(loopCtx, goal, iteration-1, records, alternativesTried)
		}

		o.publish(events.EventReactAction, events.ReactActionPayload{
			Iteration:   iteration,
			Tool:        action.ToolName,
			Args:        action.Arguments,
			Description: action.Description,
		})

		obs := o.act(loopCtx, action, observations)
		records = append(records, ActionRecord{
			Iteration:   iteration,
			Tool:        action.ToolName,
			Description: action.Description,
			Observation: obs,
		})
		observations = append(observations, obs)
		o.publish(events.EventReactObservation, events.ReactObservationPayload{
			Iteration: iteration,
			Tool:      obs.Tool,
			Result:    obs.Result,
			IsError:   obs.IsError,
			Progress:  obs.Progress,
		})

		if obs.IsError {
			alt, found := o.findAlternative(loopCtx, goal, records)
			if !found {
				o.failLoop(iteration, "no viable alternative after failure of "+action.ToolName, alternativesTried)
				return &Result{Status: StatusFailed}, nil
			}
			if alt != nil {
				alternativesTried = append(alternativesTried, alt.ToolName)
				o.publish(events.EventReactAction, events.ReactActionPayload{
					Iteration:   iteration,
					Tool:        alt.ToolName,
					Args:        alt.Arguments,
					Description: alt.Description,
				})
				altObs := o.act(loopCtx, alt, observations)
				records = append(records, ActionRecord{
					Iteration:   iteration,
					Tool:        alt.ToolName,
					Description: alt.Description,
					Observation: altObs,
				})
				observations = append(observations, altObs)
				o.publish(events.EventReactObservation, events.ReactObservationPayload{
					Iteration: iteration,
					Tool:      altObs.Tool,
					Result:    altObs.Result,
					IsError:   altObs.IsError,
					Progress:  altObs.Progress,
				})
				if !altObs.IsError && o.analyzer.GoalAchieved(loopCtx, goal, observations) {
					return o.complete(loopCtx, goal, iteration, records, alternativesTried)
				}
			}
			continue
		}

		if o.analyzer.GoalAchieved(loopCtx, goal, observations) {
			return o.complete(loopCtx, goal, iteration, records, alternativesTried)
		}
	}

	o.failLoop(o.cfg.MaxIterations, "iteration budget exhausted", alternativesTried)
	return &Result{Status: StatusFailed}, nil
}

// think runs the situational-analysis call: assess what the previous
// actions produced and what remains, in plain text.
func (o *ReActOrchestrator) think(ctx context.Context, goal string, records []ActionRecord) (string, error) {
	input := &llm.GenerateInput{
		SessionID: o.deps.Conv.ID,
		Model:     o.model(),
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: o.thinkSystemPrompt()},
			{Role: llm.RoleUser, Content: o.stateSummary(goal, records) + "\nAssess the situation before the next action."},
		},
	}
	ch, err := o.deps.LLM.Generate(ctx, input)
	if err != nil {
		return "", err
	}
	text, _, err := drainStream(ch, o.Stopped, nil, nil)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}

// planAction asks the model for exactly one next action as strict JSON. A
// response naming the finish sentinel ends the loop.
func (o *ReActOrchestrator) planAction(ctx context.Context, goal, analysis string, records []ActionRecord) (*reactAction, bool, error) {
	var user strings.Builder
	user.WriteString(o.stateSummary(goal, records))
	if analysis != "" {
		user.WriteString("\nSituation analysis:\n" + analysis + "\n")
	}
	user.WriteString("\nChoose the next action.")

	input := &llm.GenerateInput{
		SessionID: o.deps.Conv.ID,
		Model:     o.model(),
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: o.actionSystemPrompt()},
			{Role: llm.RoleUser, Content: user.String()},
		},
	}
	ch, err := o.deps.LLM.Generate(ctx, input)
	if err != nil {
		return nil, false, err
	}
	text, _, err := drainStream(ch, o.Stopped, nil, nil)
	if err != nil {
		return nil, false, err
	}

	candidate := planner.ExtractJSONObject(text)
	if candidate == "" {
		if strings.Contains(text, FinishSentinel) {
			return nil, true, nil
		}
		return nil, false, fmt.Errorf("action response contains no JSON object")
	}

	var action reactAction
	if err := json.Unmarshal([]byte(candidate), &action); err != nil {
		return nil, false, fmt.Errorf("decoding action JSON: %w", err)
	}
	if strings.EqualFold(action.ToolName, FinishSentinel) {
		return nil, true, nil
	}
	if action.ToolName == "" {
		return nil, false, fmt.Errorf("action JSON has no tool_name")
	}
	return &action, false, nil
}

// act executes the action and classifies its outcome against the run so far.
func (o *ReActOrchestrator) act(ctx context.Context, action *reactAction, prior []Observation) Observation {
	category := tools.CategoryFor(action.ToolName)
	if t, ok := o.deps.Tools.Get(action.ToolName); ok {
		category = t.Category
	}
	result, err := o.deps.Tools.Execute(ctx, action.ToolName, action.Arguments)
	result = tools.Truncate(result, o.cfg.ToolResultLimit)
	return o.analyzer.Analyze(action.ToolName, category, result, err, prior)
}

// findAlternative asks the model for a different action after a failure.
// Returns (nil, false) when the model declares there is no alternative, and
// (nil, true) on parse trouble so the main loop just continues.
func (o *ReActOrchestrator) findAlternative(ctx context.Context, goal string, records []ActionRecord) (*reactAction, bool) {
	last := records[len(records)-1]
	prompt := fmt.Sprintf(
		"The action %s failed with: %s\n\nGoal: %s\n\nPropose ONE alternative action as JSON {\"tool_name\", \"arguments\", \"description\", \"reasoning\"}. If no alternative can work, respond with exactly {\"alternative\": false}.",
		last.Tool, tools.Truncate(last.Observation.Result, 500), goal)

	input := &llm.GenerateInput{
		SessionID: o.deps.Conv.ID,
		Model:     o.model(),
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: o.actionSystemPrompt()},
			{Role: llm.RoleUser, Content: prompt},
		},
	}
	ch, err := o.deps.LLM.Generate(ctx, input)
	if err != nil {
		slog.Warn("alternative search failed", "session_id", o.deps.Conv.ID, "error", err)
		return nil, true
	}
	text, _, err := drainStream(ch, o.Stopped, nil, nil)
	if err != nil {
		slog.Warn("alternative search stream failed", "session_id", o.deps.Conv.ID, "error", err)
		return nil, true
	}
	candidate := planner.ExtractJSONObject(text)
	if candidate == "" {
		return nil, true
	}

	var decline struct {
		Alternative *bool `json:"alternative"`
	}
	if err := json.Unmarshal([]byte(candidate), &decline); err == nil &&
		decline.Alternative != nil && !*decline.Alternative {
		return nil, false
	}

	var action reactAction
	if err := json.Unmarshal([]byte(candidate), &action); err != nil || action.ToolName == "" {
		return nil, true
	}
	return &action, true
}

// complete produces the final answer and closes the loop.
func (o *ReActOrchestrator) complete(ctx context.Context, goal string, iterations int, records []ActionRecord, alternativesTried []string) (*Result, error) {
	var sb strings.Builder
	sb.WriteString("Goal: " + goal + "\n\nActions taken:\n")
	for _, r := range records {
		status := "ok"
		if r.Observation.IsError {
			status = "error"
		}
		fmt.Fprintf(&sb, "%d. %s (%s): %s\n", r.Iteration, r.Tool, status, tools.Truncate(r.Observation.Result, 800))
	}

	input := &llm.GenerateInput{
		SessionID: o.deps.Conv.ID,
		Model:     o.model(),
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: "Write the final answer for the user based on the actions taken and their results. Answer in the user's language, directly and concisely."},
			{Role: llm.RoleUser, Content: sb.String()},
		},
	}
	ch, err := o.deps.LLM.Generate(ctx, input)
	if err != nil {
		o.failLoop(iterations, "final answer generation failed: "+err.Error(), alternativesTried)
		return &Result{Status: StatusFailed}, err
	}
	answer, _, err := drainStream(ch, o.Stopped, nil, nil)
	if err != nil {
		if o.Stopped() {
			o.publish(events.EventWorkflowStopped, events.WorkflowStoppedPayload{})
			return &Result{Status: StatusStopped}, nil
		}
		o.failLoop(iterations, "final answer generation failed: "+err.Error(), alternativesTried)
		return &Result{Status: StatusFailed}, err
	}

	o.deps.Conv.AppendMessage(llm.Message{Role: llm.RoleAssistant, Content: answer})
	o.publish(events.EventReactComplete, events.ReactCompletePayload{Iterations: iterations, Answer: answer})
	return &Result{Status: StatusCompleted, FinalResult: answer}, nil
}

// failLoop reports the terminal failure. tried lists the alternative actions
// attempted after failures, not every tool the loop invoked.
func (o *ReActOrchestrator) failLoop(iterations int, reason string, alternativesTried []string) {
	o.publish(events.EventReactFailed, events.ReactFailedPayload{
		Iterations: iterations,
		Reason:     reason,
		Tried:      alternativesTried,
	})
}

// model resolves the model for LLM calls, preferring the session override.
func (o *ReActOrchestrator) model() string {
	if m := o.deps.Conv.Model(); m != "" {
		return m
	}
	return o.cfg.Model
}

func (o *ReActOrchestrator) thinkSystemPrompt() string {
	return "You are working toward a goal one action at a time. " +
		"Assess the current situation: what is already known, what the previous actions produced, and what remains before the goal is reached. " +
		"Respond with a short plain-text analysis. Do not propose JSON or call tools here."
}

func (o *ReActOrchestrator) actionSystemPrompt() string {
	var sb strings.Builder
	sb.WriteString("You choose the single next action toward a goal.\n\nAvailable tools:\n")
	for _, t := range o.deps.Tools.List() {
		fmt.Fprintf(&sb, "- %s: %s\n", t.Name, t.Description)
	}
	sb.WriteString("\nRespond with ONE JSON object and nothing else:\n")
	sb.WriteString(`{"tool_name": "<tool>", "arguments": {...}, "description": "<what this does>", "reasoning": "<why>"}` + "\n")
	fmt.Fprintf(&sb, "When the goal is fully achieved, respond with {\"tool_name\": %q} instead.", FinishSentinel)
	return sb.String()
}

// stateSummary renders the goal and the actions so far, shared by the think
// and action-planning prompts.
func (o *ReActOrchestrator) stateSummary(goal string, records []ActionRecord) string {
	var sb strings.Builder
	sb.WriteString("Goal: " + goal + "\n")
	if len(records) > 0 {
		sb.WriteString("\nActions so far:\n")
		for _, r := range records {
			status := "ok"
			if r.Observation.IsError {
				status = "error"
			}
			fmt.Fprintf(&sb, "%d. %s (%s): %s\n", r.Iteration, r.Tool, status, tools.Truncate(r.Observation.Result, 600))
		}
	}
	return sb.String()
}

func (o *ReActOrchestrator) publish(eventType string, data any) {
	o.deps.Bus.Publish(o.deps.Conv.ID, eventType, data)
}
