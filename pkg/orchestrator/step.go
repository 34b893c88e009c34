package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/workstreamhq/maestro/pkg/events"
	"github.com/workstreamhq/maestro/pkg/llm"
	"github.com/workstreamhq/maestro/pkg/planner"
	"github.com/workstreamhq/maestro/pkg/session"
	"github.com/workstreamhq/maestro/pkg/tools"
)

// CriticalFailureMarker in a step output pauses the workflow instead of
// running the remaining steps on broken ground.
const CriticalFailureMarker = "❌ CRITICAL STEP FAILURE"

// StepOrchestrator plans a complex request and executes the plan step by
// step, streaming progress over the session bus. One instance runs one
// workflow; a new user message builds a new instance.
type StepOrchestrator struct {
	deps Deps
	cfg  Config

	stopOnce sync.Once
	stopCh   chan struct{}
	stopped  atomic.Bool

	mu                  sync.Mutex
	cancelStream        context.CancelFunc
	pendingPlan         *planner.Plan
	awaitingConfirm     bool
	pendingAssistanceID string

	confirmCh chan bool
	assistCh  chan string
}

func NewStepOrchestrator(deps Deps) *StepOrchestrator {
	return &StepOrchestrator{
		deps:      deps,
		cfg:       deps.Config.withDefaults(),
		stopCh:    make(chan struct{}),
		confirmCh: make(chan bool, 1),
		assistCh:  make(chan string, 1),
	}
}

// Stop terminates the workflow at the next boundary: an in-flight LLM
// stream is cancelled, waits are released, and no further steps run.
// Idempotent.
func (o *StepOrchestrator) Stop() {
	o.stopOnce.Do(func() {
		o.stopped.Store(true)
		close(o.stopCh)
		o.mu.Lock()
		if o.cancelStream != nil {
			o.cancelStream()
		}
		o.mu.Unlock()
		slog.Info("workflow stop requested", "session_id", o.deps.Conv.ID)
	})
}

// Stopped reports whether Stop has been called.
func (o *StepOrchestrator) Stopped() bool { return o.stopped.Load() }

// Confirm resolves a pending plan confirmation positively. Returns false
// when the id is unknown, already resolved, or no confirmation is pending.
func (o *StepOrchestrator) Confirm(confirmationID string) bool {
	return o.resolveConfirmation(confirmationID, true)
}

// Reject resolves a pending plan confirmation negatively.
func (o *StepOrchestrator) Reject(confirmationID string) bool {
	return o.resolveConfirmation(confirmationID, false)
}

func (o *StepOrchestrator) resolveConfirmation(id string, approved bool) bool {
	if !o.deps.Conv.ResolveConfirmation(id) {
		return false
	}
	select {
	case o.confirmCh <- approved:
		return true
	default:
		return false
	}
}

// UpdatePlan replaces the pending plan while the workflow awaits
// confirmation. The update is announced as plan_updated; a subsequent
// Confirm executes the updated plan.
func (o *StepOrchestrator) UpdatePlan(plan *planner.Plan) bool {
	if plan == nil || len(plan.Steps) == 0 {
		return false
	}
	o.mu.Lock()
	if !o.awaitingConfirm {
		o.mu.Unlock()
		return false
	}
	o.pendingPlan = plan
	o.mu.Unlock()
	o.publish(events.EventPlanUpdated, planPayload(plan))
	return true
}

// ResolveAssistance answers a pending assistance request with the user's
// free-form response.
func (o *StepOrchestrator) ResolveAssistance(assistanceID, response string) bool {
	o.mu.Lock()
	pending := o.pendingAssistanceID
	o.mu.Unlock()
	if pending == "" || pending != assistanceID {
		return false
	}
	select {
	case o.assistCh <- response:
		return true
	default:
		return false
	}
}

// Execute runs the full workflow for one user request and returns its
// terminal result. Events stream on the session bus throughout.
func (o *StepOrchestrator) Execute(ctx context.Context, request string, mode Mode) (*Result, error) {
	conv := o.deps.Conv

	plan, err := o.deps.Planner.GeneratePlan(ctx, conv, request)
	if err != nil {
		o.publish(events.EventError, events.ErrorPayload{Message: "planning failed: " + err.Error()})
		return &Result{Status: StatusFailed}, err
	}
	if o.Stopped() {
		o.publish(events.EventWorkflowStopped, events.WorkflowStoppedPayload{Step: 0, Remaining: len(plan.Steps)})
		return &Result{Status: StatusStopped, Plan: plan}, nil
	}

	// Single-step fast path: the plan is trivial, so it is neither announced
	// nor gated on approval. The step runs immediately in every mode.
	if len(plan.Steps) > 1 {
		o.publish(events.EventPlanGenerated, planPayload(plan))

		if mode == ModePlanAndConfirm {
			plan, err = o.awaitApproval(plan)
			if err != nil || plan == nil {
				result := &Result{Plan: plan}
				switch {
				case err == errRejected:
					result.Status = StatusRejected
				case err == errStopped:
					result.Status = StatusStopped
				default:
					result.Status = StatusTimeout
				}
				return result, nil
			}
		}
	}

	return o.executePlan(ctx, request, plan)
}

var (
	errRejected = fmt.Errorf("plan rejected")
	errStopped  = fmt.Errorf("workflow stopped")
	errTimedOut = fmt.Errorf("confirmation timed out")
)

// awaitApproval publishes awaiting_confirmation and blocks until the user
// decides, the workflow is stopped, or the approval timeout elapses. The
// returned plan reflects any update made while waiting.
func (o *StepOrchestrator) awaitApproval(plan *planner.Plan) (*planner.Plan, error) {
	confirmationID := uuid.New().String()
	o.deps.Conv.AddPendingConfirmation(confirmationID, session.PendingConfirmation{
		Plan:  plan.Plan,
		Steps: append([]string(nil), plan.Steps...),
		Mode:  o.deps.Conv.Mode(),
	})

	o.mu.Lock()
	o.pendingPlan = plan
	o.awaitingConfirm = true
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.awaitingConfirm = false
		o.mu.Unlock()
	}()

	o.publish(events.EventAwaitingConfirmation, events.AwaitingConfirmationPayload{
		ConfirmationID: confirmationID,
		Plan:           plan.Plan,
		Steps:          planSteps(plan),
	})

	deadline := time.Now().Add(o.cfg.ApprovalTimeout)
	ticker := time.NewTicker(o.cfg.StopPoll)
	defer ticker.Stop()
	for {
		select {
		case approved := <-o.confirmCh:
			o.mu.Lock()
			current := o.pendingPlan
			o.mu.Unlock()
			if !approved {
				o.publish(events.EventWorkflowStopped, events.WorkflowStoppedPayload{Step: 0, Remaining: len(current.Steps)})
				return nil, errRejected
			}
			return current, nil
		case <-o.stopCh:
			o.deps.Conv.ResolveConfirmation(confirmationID)
			o.publish(events.EventWorkflowStopped, events.WorkflowStoppedPayload{Step: 0, Remaining: len(plan.Steps)})
			return nil, errStopped
		case <-ticker.C:
			if time.Now().After(deadline) {
				// The plan is discarded; the id must not resolve later.
				o.deps.Conv.ResolveConfirmation(confirmationID)
				o.publish(events.EventError, events.ErrorPayload{Message: "plan confirmation timed out"})
				o.publish(events.EventWorkflowStopped, events.WorkflowStoppedPayload{Step: 0, Remaining: len(plan.Steps)})
				return nil, errTimedOut
			}
		}
	}
}

// executePlan runs the confirmed plan's steps in order and finalizes.
func (o *StepOrchestrator) executePlan(ctx context.Context, request string, plan *planner.Plan) (*Result, error) {
	total := len(plan.Steps)
	result := &Result{Plan: plan}

	for i, title := range plan.Steps {
		stepNum := i + 1
		if o.Stopped() {
			o.publish(events.EventWorkflowStopped, events.WorkflowStoppedPayload{Step: stepNum, Remaining: total - i})
			result.Status = StatusStopped
			return result, nil
		}
		o.publish(events.EventStepStart, events.StepStartPayload{Step: stepNum, Total: total, Title: title})

		output, err := o.runStep(ctx, stepNum, total, title, request, result.Steps)
		if o.Stopped() {
			o.publish(events.EventWorkflowStopped, events.WorkflowStoppedPayload{Step: stepNum, Remaining: total - stepNum})
			result.Status = StatusStopped
			return result, nil
		}
		if err != nil {
			o.publish(events.EventError, events.ErrorPayload{Message: fmt.Sprintf("step %d failed: %v", stepNum, err)})
			result.Status = StatusFailed
			return result, err
		}

		if strings.Contains(output, CriticalFailureMarker) {
			reason := failureReason(output)
			o.publish(events.EventWorkflowPaused, events.WorkflowPausedPayload{Step: stepNum, Reason: reason})
			result.Steps = append(result.Steps, StepResult{Number: stepNum, Title: title, Output: output})
			result.Status = StatusPaused
			return result, nil
		}

		if req, ok := detectAssistance(output); ok {
			addition, status := o.requestAssistance(req)
			if status != "" {
				result.Status = status
				return result, nil
			}
			output += "\n\n" + addition
		}

		o.publish(events.EventStepComplete, events.StepCompletePayload{Step: stepNum, Total: total, Output: output})
		result.Steps = append(result.Steps, StepResult{Number: stepNum, Title: title, Output: output})
	}

	final, err := o.finalize(ctx, request, result.Steps)
	if err != nil {
		o.publish(events.EventError, events.ErrorPayload{Message: "finalization failed: " + err.Error()})
		result.Status = StatusFailed
		return result, err
	}
	result.FinalResult = final
	result.Status = StatusCompleted

	o.deps.Conv.AppendMessage(llm.Message{Role: llm.RoleAssistant, Content: final})
	o.publish(events.EventFinalResultComplete, events.FinalResultCompletePayload{Content: final})
	if total > 1 {
		o.publish(events.EventWorkflowComplete, events.WorkflowCompletePayload{Steps: total})
	}
	return result, nil
}

// requestAssistance publishes the assistance request and blocks for the
// user's answer. Returns the text to append to the step output, or a
// non-empty terminal status when the wait ended the workflow.
func (o *StepOrchestrator) requestAssistance(req *assistanceRequest) (string, Status) {
	assistanceID := uuid.New().String()
	o.mu.Lock()
	o.pendingAssistanceID = assistanceID
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.pendingAssistanceID = ""
		o.mu.Unlock()
	}()

	o.publish(events.EventUserAssistanceRequest, events.UserAssistanceRequestPayload{
		AssistanceID: assistanceID,
		Question:     req.Question,
		Options:      req.Options,
	})

	deadline := time.Now().Add(o.cfg.AssistanceTimeout)
	ticker := time.NewTicker(o.cfg.StopPoll)
	defer ticker.Stop()
	for {
		select {
		case response := <-o.assistCh:
			if opt := matchOption(response, req.Options); opt != nil {
				return fmt.Sprintf("User selected: %s (id=%s)", opt.Label, opt.ID), ""
			}
			return "User responded: " + response, ""
		case <-o.stopCh:
			o.publish(events.EventWorkflowStopped, events.WorkflowStoppedPayload{})
			return "", StatusStopped
		case <-ticker.C:
			if time.Now().After(deadline) {
				o.publish(events.EventError, events.ErrorPayload{Message: "assistance request timed out"})
				o.publish(events.EventWorkflowStopped, events.WorkflowStoppedPayload{})
				return "", StatusTimeout
			}
		}
	}
}

// runStep executes one step in two passes. The first streams the model's
// reasoning and narration without tools. The second binds the tool registry
// and materializes tool calls, feeding results back until the model stops
// calling tools.
func (o *StepOrchestrator) runStep(ctx context.Context, stepNum, total int, title, request string, prior []StepResult) (string, error) {
	conv := o.deps.Conv
	messages := o.stepMessages(stepNum, total, title, request, prior)

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	o.setCancel(cancel)
	defer o.setCancel(nil)

	// Pass 1: narration with extended reasoning.
	narrateInput := &llm.GenerateInput{
		SessionID:            conv.ID,
		Model:                o.model(),
		Messages:             llm.NormalizeForThinking(messages),
		EnableThinking:       true,
		ThinkingBudgetTokens: o.cfg.ThinkingBudget,
	}
	ch, err := o.deps.LLM.Generate(streamCtx, narrateInput)
	if err != nil {
		return "", fmt.Errorf("step narration: %w", err)
	}
	narration, _, err := drainStream(ch, o.Stopped,
		func(delta string) {
			o.publish(events.EventThinkingChunk, events.ChunkPayload{Content: delta})
		},
		func(delta string) {
			o.publish(events.EventResponseChunk, events.ChunkPayload{Content: delta})
		},
	)
	if err != nil {
		if o.Stopped() {
			return narration, nil
		}
		return "", fmt.Errorf("step narration: %w", err)
	}

	if o.Stopped() {
		return narration, nil
	}

	// Pass 2: materialization with native tool calling.
	output, err := o.materialize(streamCtx, messages, narration)
	if err != nil {
		if o.Stopped() {
			return narration, nil
		}
		return "", err
	}
	if strings.TrimSpace(output) == "" {
		return narration, nil
	}
	if strings.TrimSpace(narration) == "" {
		return output, nil
	}
	return narration + "\n\n" + output, nil
}

// materialize runs the native tool-calling loop: generate, execute any tool
// calls, feed results back, repeat until the model answers without tools.
func (o *StepOrchestrator) materialize(ctx context.Context, messages []llm.Message, narration string) (string, error) {
	defs := o.deps.Tools.Definitions()
	if len(defs) == 0 {
		return "", nil
	}
	msgs := append([]llm.Message(nil), messages...)
	if strings.TrimSpace(narration) != "" {
		msgs = append(msgs, llm.Message{Role: llm.RoleAssistant, Content: narration})
		msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: "Now perform the tool calls this step requires. If no tool is needed, reply with the step result directly."})
	}

	var lastText string
	for iter := 0; iter < o.cfg.MaxIterations; iter++ {
		input := &llm.GenerateInput{
			SessionID: o.deps.Conv.ID,
			Model:     o.model(),
			Messages:  msgs,
			Tools:     defs,
		}
		ch, err := o.deps.LLM.Generate(ctx, input)
		if err != nil {
			return "", fmt.Errorf("tool materialization: %w", err)
		}
		text, toolCalls, err := drainStream(ch, o.Stopped, nil, nil)
		if err != nil {
			return "", fmt.Errorf("tool materialization: %w", err)
		}
		lastText = text

		if len(toolCalls) == 0 {
			return text, nil
		}

		msgs = append(msgs, llm.Message{Role: llm.RoleAssistant, Content: text, ToolCalls: toolCalls})
		for _, call := range toolCalls {
			observation := o.executeToolCall(ctx, call)
			msgs = append(msgs, llm.Message{
				Role:       llm.RoleTool,
				Content:    observation,
				ToolCallID: call.ID,
				ToolName:   call.Name,
			})
		}
	}
	slog.Warn("tool loop hit iteration budget", "session_id", o.deps.Conv.ID, "budget", o.cfg.MaxIterations)
	return lastText, nil
}

// executeToolCall runs one tool call end to end: announce, execute,
// truncate, publish the result, remember extracted entities. Failures are
// rendered as error text observations rather than aborting the step.
func (o *StepOrchestrator) executeToolCall(ctx context.Context, call llm.ToolCall) string {
	callID := call.ID
	if callID == "" {
		callID = uuid.New().String()
	}
	category := tools.CategoryFor(call.Name)
	if t, ok := o.deps.Tools.Get(call.Name); ok {
		category = t.Category
	}

	o.publish(events.EventToolCall, events.ToolCallPayload{
		CallID:   callID,
		Tool:     call.Name,
		Category: string(category),
		Args:     decodeArgs(call.Arguments),
	})

	result, err := o.deps.Tools.ExecuteRaw(ctx, call.Name, call.Arguments)
	isError := err != nil
	if isError {
		result = "Error: " + err.Error()
	}
	truncated := tools.Truncate(result, o.cfg.ToolResultLimit)

	o.publish(events.EventToolResult, events.ToolResultPayload{
		CallID:  callID,
		Tool:    call.Name,
		Result:  truncated,
		IsError: isError,
	})

	if !isError {
		for _, e := range session.ExtractEntities(call.Name, truncated) {
			o.deps.Conv.AddEntity(e)
		}
	}
	return truncated
}

// stepMessages builds the conversation sent for one step: system prompt,
// recent history, uploaded files and workspace hint, completed step outputs,
// then the step instruction.
func (o *StepOrchestrator) stepMessages(stepNum, total int, title, request string, prior []StepResult) []llm.Message {
	conv := o.deps.Conv

	var sys strings.Builder
	sys.WriteString("You are an execution agent working through a plan one step at a time. ")
	sys.WriteString("Carry out only the current step. Be concise; narrate what you are doing, not what you might do later.\n")
	fmt.Fprintf(&sys, "If the step cannot proceed without a user decision, emit the line %q followed by a JSON object {\"question\": ..., \"options\": [{\"id\", \"label\", \"data\"}]}.\n", AssistanceSentinel)
	fmt.Fprintf(&sys, "If the step failed in a way that makes the remaining steps pointless, emit the line %q followed by one sentence naming the cause.", CriticalFailureMarker)

	messages := []llm.Message{{Role: llm.RoleSystem, Content: sys.String()}}
	messages = append(messages, conv.RecentMessages(o.cfg.HistoryDepth)...)

	var user strings.Builder
	user.WriteString(planner.ContextSections(conv, o.cfg.WorkspaceID, o.cfg.WorkspaceName))
	fmt.Fprintf(&user, "Overall request: %s\n\n", request)
	if len(prior) > 0 {
		user.WriteString("Completed steps:\n")
		for _, p := range prior {
			fmt.Fprintf(&user, "%d. %s\n%s\n\n", p.Number, p.Title, tools.Truncate(p.Output, 1000))
		}
	}
	fmt.Fprintf(&user, "Current step (%d of %d): %s", stepNum, total, title)
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: user.String()})
	return messages
}

// model resolves the model for LLM calls, preferring the session override.
func (o *StepOrchestrator) model() string {
	if m := o.deps.Conv.Model(); m != "" {
		return m
	}
	return o.cfg.Model
}

func (o *StepOrchestrator) setCancel(cancel context.CancelFunc) {
	o.mu.Lock()
	o.cancelStream = cancel
	o.mu.Unlock()
}

func (o *StepOrchestrator) publish(eventType string, data any) {
	o.deps.Bus.Publish(o.deps.Conv.ID, eventType, data)
}

func planPayload(plan *planner.Plan) events.PlanPayload {
	return events.PlanPayload{Plan: plan.Plan, Steps: planSteps(plan)}
}

func planSteps(plan *planner.Plan) []events.PlanStep {
	steps := make([]events.PlanStep, len(plan.Steps))
	for i, title := range plan.Steps {
		steps[i] = events.PlanStep{Number: i + 1, Title: title}
	}
	return steps
}

// failureReason extracts the sentence after the critical failure marker.
func failureReason(output string) string {
	idx := strings.Index(output, CriticalFailureMarker)
	tail := strings.TrimSpace(output[idx+len(CriticalFailureMarker):])
	if tail == "" {
		return "critical step failure"
	}
	if nl := strings.IndexByte(tail, '\n'); nl >= 0 {
		tail = tail[:nl]
	}
	return strings.TrimSpace(tail)
}

func decodeArgs(raw string) map[string]any {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil
	}
	return args
}
