// Package assistant ties the pipeline together: it receives user messages,
// classifies them, answers simple ones directly, and hands complex ones to
// an orchestrator, while routing control messages (approve, reject, stop,
// assistance) to the workflow that owns them.
package assistant

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/workstreamhq/maestro/pkg/classify"
	"github.com/workstreamhq/maestro/pkg/events"
	"github.com/workstreamhq/maestro/pkg/llm"
	"github.com/workstreamhq/maestro/pkg/orchestrator"
	"github.com/workstreamhq/maestro/pkg/planner"
	"github.com/workstreamhq/maestro/pkg/session"
	"github.com/workstreamhq/maestro/pkg/tools"
)

// Config carries the assistant's tunables on top of the orchestrator's.
type Config struct {
	Orchestrator   orchestrator.Config
	SubscriberWait time.Duration
	SubscriberPoll time.Duration
}

func (c Config) withDefaults() Config {
	if c.SubscriberWait <= 0 {
		c.SubscriberWait = 5 * time.Second
	}
	if c.SubscriberPoll <= 0 {
		c.SubscriberPoll = 100 * time.Millisecond
	}
	return c
}

// stopper is the control surface shared by both orchestrator kinds.
type stopper interface {
	Stop()
}

// Agent is the per-server assistant facade. One instance serves all
// sessions; per-session state lives in the session manager and the active
// workflow map.
type Agent struct {
	bus        *events.Bus
	sessions   *session.Manager
	classifier *classify.Classifier
	llmClient  llm.Client
	tools      *tools.Registry
	planner    *planner.Planner
	cfg        Config

	mu     sync.Mutex
	active map[string]stopper
	steps  map[string]*orchestrator.StepOrchestrator
	wg     sync.WaitGroup
}

func New(bus *events.Bus, sessions *session.Manager, classifier *classify.Classifier,
	llmClient llm.Client, reg *tools.Registry, pl *planner.Planner, cfg Config) *Agent {
	a := &Agent{
		bus:        bus,
		sessions:   sessions,
		classifier: classifier,
		llmClient:  llmClient,
		tools:      reg,
		planner:    pl,
		cfg:        cfg.withDefaults(),
		active:     make(map[string]stopper),
		steps:      make(map[string]*orchestrator.StepOrchestrator),
	}
	sessions.SetExpiryHook(a.onSessionExpired)
	return a
}

// ProcessMessage handles one user message asynchronously. Events stream on
// the session bus; the call returns once the turn has been accepted.
func (a *Agent) ProcessMessage(sessionID, content, mode, strategy string) error {
	conv, err := a.sessions.Get(sessionID)
	if err != nil {
		return err
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.runTurn(conv, content, mode, strategy)
	}()
	return nil
}

func (a *Agent) runTurn(conv *session.ConversationContext, content, mode, strategy string) {
	sessionID := conv.ID
	a.waitForSubscriber(sessionID)

	content = strings.TrimSpace(content)
	if content == "" {
		a.bus.Publish(sessionID, events.EventError, events.ErrorPayload{Message: "empty message"})
		return
	}

	a.bus.Publish(sessionID, events.EventMessage, events.MessagePayload{Content: content, Role: "user"})
	conv.AppendMessage(llm.Message{Role: llm.RoleUser, Content: content})
	conv.Touch()

	switch session.ExecutionMode(mode) {
	case session.ModeInstant, session.ModeApproval:
		conv.SetMode(session.ExecutionMode(mode))
	}

	ctx := context.Background()
	verdict := a.classifier.Classify(ctx, content)
	slog.Info("message classified", "session_id", sessionID, "verdict", verdict)

	if verdict == classify.Simple {
		a.runSimple(ctx, conv, content)
		return
	}
	a.runComplex(ctx, conv, content, strategy)
}

// waitForSubscriber gives a reconnecting client a short window to attach
// before events start flowing. Without a subscriber the turn still runs;
// its events are dropped by the bus.
func (a *Agent) waitForSubscriber(sessionID string) {
	deadline := time.Now().Add(a.cfg.SubscriberWait)
	for !a.bus.HasSubscriber(sessionID) {
		if time.Now().After(deadline) {
			slog.Warn("no subscriber attached, events will be dropped", "session_id", sessionID)
			return
		}
		time.Sleep(a.cfg.SubscriberPoll)
	}
}

// runSimple answers a conversational message directly, streaming the answer
// and executing any tool calls the model makes along the way.
func (a *Agent) runSimple(ctx context.Context, conv *session.ConversationContext, content string) {
	sessionID := conv.ID
	a.bus.Publish(sessionID, events.EventMessageStart, struct{}{})

	messages := []llm.Message{{
		Role:    llm.RoleSystem,
		Content: "You are a helpful assistant. Answer directly and concisely, in the user's language. Use tools only when the answer genuinely needs them.",
	}}
	depth := a.cfg.Orchestrator.HistoryDepth
	if depth <= 0 {
		depth = 20
	}
	messages = append(messages, conv.RecentMessages(depth)...)

	defs := a.tools.Definitions()
	var answer strings.Builder
	maxIters := a.cfg.Orchestrator.MaxIterations
	if maxIters <= 0 {
		maxIters = 10
	}

	model := a.cfg.Orchestrator.Model
	if m := conv.Model(); m != "" {
		model = m
	}

	for iter := 0; iter < maxIters; iter++ {
		input := &llm.GenerateInput{
			SessionID: sessionID,
			Model:     model,
			Messages:  messages,
			Tools:     defs,
		}
		ch, err := a.llmClient.Generate(ctx, input)
		if err != nil {
			a.bus.Publish(sessionID, events.EventError, events.ErrorPayload{Message: err.Error()})
			return
		}

		var text strings.Builder
		var toolCalls []llm.ToolCall
		for chunk := range ch {
			switch v := chunk.(type) {
			case *llm.TextChunk:
				text.WriteString(v.Content)
				a.bus.Publish(sessionID, events.EventMessageChunk, events.ChunkPayload{Content: v.Content})
			case *llm.ToolCallChunk:
				toolCalls = append(toolCalls, llm.ToolCall{ID: v.CallID, Name: v.Name, Arguments: v.Arguments})
			case *llm.ErrorChunk:
				a.bus.Publish(sessionID, events.EventError, events.ErrorPayload{Message: v.Message})
				return
			}
		}
		if text.Len() > 0 {
			if answer.Len() > 0 {
				answer.WriteString("\n")
			}
			answer.WriteString(text.String())
		}

		if len(toolCalls) == 0 {
			break
		}
		messages = append(messages, llm.Message{Role: llm.RoleAssistant, Content: text.String(), ToolCalls: toolCalls})
		for _, call := range toolCalls {
			messages = append(messages, llm.Message{
				Role:       llm.RoleTool,
				Content:    a.executeSimpleToolCall(ctx, sessionID, conv, call),
				ToolCallID: call.ID,
				ToolName:   call.Name,
			})
		}
	}

	final := answer.String()
	conv.AppendMessage(llm.Message{Role: llm.RoleAssistant, Content: final})
	a.bus.Publish(sessionID, events.EventMessageComplete, events.MessageCompletePayload{Content: final})
	a.bus.Publish(sessionID, events.EventFinalResultComplete, events.FinalResultCompletePayload{Content: final})
}

func (a *Agent) executeSimpleToolCall(ctx context.Context, sessionID string, conv *session.ConversationContext, call llm.ToolCall) string {
	callID := call.ID
	if callID == "" {
		callID = uuid.New().String()
	}
	category := tools.CategoryFor(call.Name)
	if t, ok := a.tools.Get(call.Name); ok {
		category = t.Category
	}
	a.bus.Publish(sessionID, events.EventToolCall, events.ToolCallPayload{
		CallID:   callID,
		Tool:     call.Name,
		Category: string(category),
	})
	result, err := a.tools.ExecuteRaw(ctx, call.Name, call.Arguments)
	isError := err != nil
	if isError {
		result = "Error: " + err.Error()
	}
	result = tools.Truncate(result, a.cfg.Orchestrator.ToolResultLimit)
	a.bus.Publish(sessionID, events.EventToolResult, events.ToolResultPayload{
		CallID:  callID,
		Tool:    call.Name,
		Result:  result,
		IsError: isError,
	})
	if !isError {
		for _, e := range session.ExtractEntities(call.Name, result) {
			conv.AddEntity(e)
		}
	}
	return result
}

// runComplex hands the request to a fresh orchestrator, tearing down any
// workflow still running for the session.
func (a *Agent) runComplex(ctx context.Context, conv *session.ConversationContext, content, strategy string) {
	sessionID := conv.ID
	a.stopActive(sessionID)

	deps := orchestrator.Deps{
		Bus:     a.bus,
		LLM:     a.llmClient,
		Tools:   a.tools,
		Conv:    conv,
		Planner: a.planner,
		Config:  a.cfg.Orchestrator,
	}

	if strategy == "react" {
		analyzer := orchestrator.NewAnalyzer(a.llmClient, a.cfg.Orchestrator.Model)
		orch := orchestrator.NewReActOrchestrator(deps, analyzer)
		a.setActive(sessionID, orch, nil)
		defer a.clearActive(sessionID, orch)
		if _, err := orch.Execute(ctx, content); err != nil {
			slog.Error("react workflow failed", "session_id", sessionID, "error", err)
		}
		return
	}

	mode := orchestrator.ModeInstant
	if conv.Mode() == session.ModeApproval {
		mode = orchestrator.ModePlanAndConfirm
	}
	orch := orchestrator.NewStepOrchestrator(deps)
	a.setActive(sessionID, orch, orch)
	defer a.clearActive(sessionID, orch)
	result, err := orch.Execute(ctx, content, mode)
	if err != nil {
		slog.Error("workflow failed", "session_id", sessionID, "error", err)
		return
	}
	slog.Info("workflow finished", "session_id", sessionID, "status", result.Status, "steps", len(result.Steps))
}

func (a *Agent) setActive(sessionID string, s stopper, step *orchestrator.StepOrchestrator) {
	a.mu.Lock()
	a.active[sessionID] = s
	if step != nil {
		a.steps[sessionID] = step
	} else {
		delete(a.steps, sessionID)
	}
	a.mu.Unlock()
}

func (a *Agent) clearActive(sessionID string, s stopper) {
	a.mu.Lock()
	if a.active[sessionID] == s {
		delete(a.active, sessionID)
		delete(a.steps, sessionID)
	}
	a.mu.Unlock()
}

func (a *Agent) stopActive(sessionID string) {
	a.mu.Lock()
	s := a.active[sessionID]
	a.mu.Unlock()
	if s != nil {
		s.Stop()
	}
}

func (a *Agent) stepOrchestrator(sessionID string) (*orchestrator.StepOrchestrator, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	orch, ok := a.steps[sessionID]
	if !ok {
		return nil, fmt.Errorf("no active workflow for session %s", sessionID)
	}
	return orch, nil
}

// ApprovePlan confirms a pending plan.
func (a *Agent) ApprovePlan(sessionID, confirmationID string) error {
	orch, err := a.stepOrchestrator(sessionID)
	if err != nil {
		return err
	}
	if !orch.Confirm(confirmationID) {
		return fmt.Errorf("confirmation %s is not pending", confirmationID)
	}
	return nil
}

// RejectPlan rejects a pending plan.
func (a *Agent) RejectPlan(sessionID, confirmationID string) error {
	orch, err := a.stepOrchestrator(sessionID)
	if err != nil {
		return err
	}
	if !orch.Reject(confirmationID) {
		return fmt.Errorf("confirmation %s is not pending", confirmationID)
	}
	return nil
}

// UpdatePlan replaces a plan awaiting confirmation.
func (a *Agent) UpdatePlan(sessionID string, plan *planner.Plan) error {
	orch, err := a.stepOrchestrator(sessionID)
	if err != nil {
		return err
	}
	if !orch.UpdatePlan(plan) {
		return fmt.Errorf("no plan awaiting confirmation")
	}
	return nil
}

// ResolveAssistance answers a pending assistance request.
func (a *Agent) ResolveAssistance(sessionID, assistanceID, response string) error {
	orch, err := a.stepOrchestrator(sessionID)
	if err != nil {
		return err
	}
	if !orch.ResolveAssistance(assistanceID, response) {
		return fmt.Errorf("assistance request %s is not pending", assistanceID)
	}
	return nil
}

// SetModel overrides the model used for the session's subsequent turns. An
// empty model restores the configured default.
func (a *Agent) SetModel(sessionID, model string) error {
	conv, err := a.sessions.Get(sessionID)
	if err != nil {
		return err
	}
	conv.SetModel(model)
	slog.Info("session model set", "session_id", sessionID, "model", model)
	return nil
}

// StopGeneration stops the session's active workflow. With no workflow
// running it still acknowledges the stop so clients can settle their UI.
func (a *Agent) StopGeneration(sessionID string) {
	a.mu.Lock()
	s := a.active[sessionID]
	a.mu.Unlock()
	if s != nil {
		s.Stop()
		return
	}
	a.bus.Publish(sessionID, events.EventWorkflowStopped, events.WorkflowStoppedPayload{Step: 0, Remaining: 0})
}

// onSessionExpired tears down the expired session's workflow and socket.
func (a *Agent) onSessionExpired(sessionID string) {
	a.stopActive(sessionID)
	a.bus.CloseSession(sessionID, "session expired")
}

// Shutdown stops all active workflows and waits for in-flight turns, up to
// the context deadline.
func (a *Agent) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	for _, s := range a.active {
		s.Stop()
	}
	a.mu.Unlock()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
