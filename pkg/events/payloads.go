package events

// Event types published on the per-session bus. Each has a matching typed
// payload struct below; the envelope wraps the payload under "data".
const (
	// Conversation surface.
	EventMessage         = "message"          // echo of the accepted user message
	EventMessageStart    = "message_start"    // simple-path answer begins
	EventMessageChunk    = "message_chunk"    // simple-path answer delta
	EventMessageComplete = "message_complete" // simple-path answer finished
	EventError           = "error"

	// Planning.
	EventPlanThinkingChunk    = "plan_thinking_chunk"
	EventPlanThinkingComplete = "plan_thinking_complete"
	EventPlanGenerated        = "plan_generated"
	EventPlanUpdated          = "plan_updated"
	EventAwaitingConfirmation = "awaiting_confirmation"

	// Step execution.
	EventStepStart     = "step_start"
	EventThinkingChunk = "thinking_chunk" // per-step reasoning delta
	EventResponseChunk = "response_chunk" // per-step narration delta
	EventToolCall      = "tool_call"
	EventToolResult    = "tool_result"
	EventStepComplete  = "step_complete"

	// User assistance.
	EventUserAssistanceRequest = "user_assistance_request"

	// Finalization.
	EventFinalResultStart    = "final_result_start"
	EventFinalResultChunk    = "final_result_chunk"
	EventFinalResultComplete = "final_result_complete"
	EventWorkflowComplete    = "workflow_complete"
	EventWorkflowStopped     = "workflow_stopped"
	EventWorkflowPaused      = "workflow_paused"

	// ReAct loop.
	EventReactThinking    = "react_thinking"
	EventReactAction      = "react_action"
	EventReactObservation = "react_observation"
	EventReactComplete    = "react_complete"
	EventReactFailed      = "react_failed"
)

// MessagePayload echoes the accepted user message back on the stream.
type MessagePayload struct {
	Content string `json:"content"`
	Role    string `json:"role"`
}

// ChunkPayload carries one streaming text delta. Used by message_chunk,
// thinking_chunk, response_chunk, plan_thinking_chunk, final_result_chunk.
type ChunkPayload struct {
	Content string `json:"content"`
}

// MessageCompletePayload closes a simple-path answer.
type MessageCompletePayload struct {
	Content string `json:"content"` // full accumulated answer
}

// ErrorPayload reports a user-visible failure.
type ErrorPayload struct {
	Message string `json:"message"`
}

// PlanStep is one step of a generated plan as shown to the client.
type PlanStep struct {
	Number int    `json:"number"` // 1-based
	Title  string `json:"title"`
}

// PlanPayload is the payload for plan_generated and plan_updated.
type PlanPayload struct {
	Plan  string     `json:"plan"` // one-line summary
	Steps []PlanStep `json:"steps"`
}

// AwaitingConfirmationPayload asks the client to approve or reject a plan.
type AwaitingConfirmationPayload struct {
	ConfirmationID string     `json:"confirmation_id"`
	Plan           string     `json:"plan"`
	Steps          []PlanStep `json:"steps"`
}

// StepStartPayload marks the beginning of a plan step.
type StepStartPayload struct {
	Step  int    `json:"step"`  // 1-based
	Total int    `json:"total"` // total steps in the plan
	Title string `json:"title"`
}

// StepCompletePayload closes a plan step with its accumulated output.
type StepCompletePayload struct {
	Step   int    `json:"step"`
	Total  int    `json:"total"`
	Output string `json:"output"`
}

// ToolCallPayload announces a tool invocation before it runs.
type ToolCallPayload struct {
	CallID   string         `json:"call_id"`
	Tool     string         `json:"tool"`
	Category string         `json:"category"` // read or write
	Args     map[string]any `json:"args,omitempty"`
}

// ToolResultPayload reports a finished tool invocation. Result is truncated
// to the transport cap; IsError marks failures rendered as text.
type ToolResultPayload struct {
	CallID  string `json:"call_id"`
	Tool    string `json:"tool"`
	Result  string `json:"result"`
	IsError bool   `json:"is_error"`
}

// AssistanceOption is one selectable choice in an assistance request.
type AssistanceOption struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Data  string `json:"data,omitempty"`
}

// UserAssistanceRequestPayload pauses a step until the user picks an option.
type UserAssistanceRequestPayload struct {
	AssistanceID string             `json:"assistance_id"`
	Question     string             `json:"question"`
	Options      []AssistanceOption `json:"options,omitempty"`
}

// FinalResultCompletePayload closes a turn with the final answer.
type FinalResultCompletePayload struct {
	Content string `json:"content"`
}

// WorkflowCompletePayload is post-terminal bookkeeping after a multi-step
// workflow finishes.
type WorkflowCompletePayload struct {
	Steps int `json:"steps"` // steps executed
}

// WorkflowStoppedPayload reports a user-initiated stop.
type WorkflowStoppedPayload struct {
	Step      int `json:"step"`      // step that was interrupted, 0 if none
	Remaining int `json:"remaining"` // steps that will not run
}

// WorkflowPausedPayload reports a pause after a critical step failure.
type WorkflowPausedPayload struct {
	Step   int    `json:"step"`
	Reason string `json:"reason"`
}

// ReactThinkingPayload carries one reasoning passage of the ReAct loop.
type ReactThinkingPayload struct {
	Iteration int    `json:"iteration"` // 1-based
	Content   string `json:"content"`
}

// ReactActionPayload announces the single action chosen for an iteration.
type ReactActionPayload struct {
	Iteration   int            `json:"iteration"`
	Tool        string         `json:"tool"`
	Args        map[string]any `json:"args,omitempty"`
	Description string         `json:"description,omitempty"`
}

// ReactObservationPayload reports the outcome of an executed action.
type ReactObservationPayload struct {
	Iteration int     `json:"iteration"`
	Tool      string  `json:"tool"`
	Result    string  `json:"result"`
	IsError   bool    `json:"is_error"`
	Progress  float64 `json:"progress"` // estimated distance toward the goal, 0 to 1
}

// ReactCompletePayload closes a successful ReAct run.
type ReactCompletePayload struct {
	Iterations int    `json:"iterations"`
	Answer     string `json:"answer"`
}

// ReactFailedPayload closes a ReAct run that could not reach the goal.
type ReactFailedPayload struct {
	Iterations int      `json:"iterations"`
	Reason     string   `json:"reason"`
	Tried      []string `json:"tried,omitempty"` // alternative actions attempted after failures
}
