// Package orchestrator executes complex user requests: the step orchestrator
// runs a confirmed plan step by step, the ReAct orchestrator runs an
// iterative think-act-observe loop, and the result analyzer judges tool
// outcomes for both.
package orchestrator

import (
	"time"

	"github.com/workstreamhq/maestro/pkg/events"
	"github.com/workstreamhq/maestro/pkg/llm"
	"github.com/workstreamhq/maestro/pkg/planner"
	"github.com/workstreamhq/maestro/pkg/session"
	"github.com/workstreamhq/maestro/pkg/tools"
)

// Mode controls whether a workflow starts immediately or waits for the user
// to approve the plan.
type Mode string

const (
	ModeInstant        Mode = "instant"
	ModePlanAndConfirm Mode = "plan_and_confirm"
)

// Status is the terminal state of a workflow.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusRejected  Status = "rejected"
	StatusStopped   Status = "stopped"
	StatusTimeout   Status = "timeout"
	StatusPaused    Status = "paused"
	StatusFailed    Status = "failed"
)

// StepResult is the outcome of a single executed step.
type StepResult struct {
	Number int
	Title  string
	Output string
}

// Result is the terminal outcome of one workflow execution.
type Result struct {
	Status         Status
	Plan           *planner.Plan
	Steps          []StepResult
	ConfirmationID string // set when the plan was rejected or timed out unconfirmed
	FinalResult    string
}

// Config carries the tunables the orchestrators need. Zero values fall back
// to the defaults below.
type Config struct {
	Model             string
	MaxIterations     int
	ApprovalTimeout   time.Duration
	AssistanceTimeout time.Duration
	StopPoll          time.Duration
	ToolResultLimit   int
	ThinkingBudget    int
	HistoryDepth      int

	// Default destination folder offered in step prompts when the request
	// does not name one. Empty when unconfigured.
	WorkspaceID   string
	WorkspaceName string
}

func (c Config) withDefaults() Config {
	if c.MaxIterations <= 0 {
		c.MaxIterations = 10
	}
	if c.ApprovalTimeout <= 0 {
		c.ApprovalTimeout = 300 * time.Second
	}
	if c.AssistanceTimeout <= 0 {
		c.AssistanceTimeout = 300 * time.Second
	}
	if c.StopPoll <= 0 {
		c.StopPoll = 500 * time.Millisecond
	}
	if c.ToolResultLimit <= 0 {
		c.ToolResultLimit = tools.ResultLimit
	}
	if c.ThinkingBudget <= 0 {
		c.ThinkingBudget = 3000
	}
	if c.HistoryDepth <= 0 {
		c.HistoryDepth = 10
	}
	return c
}

// Deps bundles the collaborators shared by both orchestrators.
type Deps struct {
	Bus     *events.Bus
	LLM     llm.Client
	Tools   *tools.Registry
	Conv    *session.ConversationContext
	Planner *planner.Planner
	Config  Config
}
