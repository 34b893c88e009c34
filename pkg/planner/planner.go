// Package planner turns a complex user request into an ordered step plan,
// optionally streaming the model's reasoning to the client while it plans.
package planner

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/workstreamhq/maestro/pkg/events"
	"github.com/workstreamhq/maestro/pkg/llm"
	"github.com/workstreamhq/maestro/pkg/session"
	"github.com/workstreamhq/maestro/pkg/tools"
)

// Plan is the planner output.
type Plan struct {
	Plan  string   `json:"plan"`  // one-line summary
	Steps []string `json:"steps"` // ordered step titles
}

// generativeVerbs mark requests whose answer is itself the creative product.
// Planning such requests with extended reasoning wastes the budget on
// content the steps will regenerate anyway.
var generativeVerbs = []string{
	"write", "draft", "compose", "напиши", "сочини", "составь текст",
}

// Workspace is the configured default destination folder, offered to the
// model when the request does not name one.
type Workspace struct {
	FolderID   string
	FolderName string
}

// Planner generates plans against the current tool inventory.
type Planner struct {
	client llm.Client
	tools  *tools.Registry
	bus    *events.Bus

	model          string
	thinkingBudget int
	workspace      *Workspace
}

func New(client llm.Client, reg *tools.Registry, bus *events.Bus, model string, thinkingBudget int) *Planner {
	if thinkingBudget <= 0 {
		thinkingBudget = 3000
	}
	return &Planner{client: client, tools: reg, bus: bus, model: model, thinkingBudget: thinkingBudget}
}

// SetWorkspace installs the default destination folder hint. Call before the
// planner serves requests.
func (p *Planner) SetWorkspace(ws *Workspace) {
	p.workspace = ws
}

// GeneratePlan produces a plan for the request, streaming reasoning deltas
// as plan_thinking_chunk events. A model response without steps falls back
// to a trivial single-step plan rather than failing the turn.
func (p *Planner) GeneratePlan(ctx context.Context, conv *session.ConversationContext, request string) (*Plan, error) {
	model := p.model
	if m := conv.Model(); m != "" {
		model = m
	}
	input := &llm.GenerateInput{
		SessionID: conv.ID,
		Model:     model,
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: p.systemPrompt()},
			{Role: llm.RoleUser, Content: p.userPrompt(conv, request)},
		},
	}
	if useThinking(request) {
		input.EnableThinking = true
		input.ThinkingBudgetTokens = p.thinkingBudget
		input.Messages = llm.NormalizeForThinking(input.Messages)
	}

	ch, err := p.client.Generate(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("plan generation: %w", err)
	}

	var text strings.Builder
	var sawThinking bool
	for chunk := range ch {
		switch v := chunk.(type) {
		case *llm.ThinkingChunk:
			sawThinking = true
			p.bus.Publish(conv.ID, events.EventPlanThinkingChunk, events.ChunkPayload{Content: v.Content})
		case *llm.TextChunk:
			text.WriteString(v.Content)
		case *llm.ErrorChunk:
			return nil, fmt.Errorf("plan generation: %s", v.Message)
		}
	}
	if sawThinking {
		p.bus.Publish(conv.ID, events.EventPlanThinkingComplete, struct{}{})
	}

	plan, err := ParsePlan(text.String())
	if err != nil {
		slog.Warn("plan response unparseable, using single-step fallback",
			"session_id", conv.ID, "error", err)
		plan = nil
	}
	if plan == nil || len(plan.Steps) == 0 {
		return &Plan{Plan: request, Steps: []string{request}}, nil
	}
	return plan, nil
}

func (p *Planner) systemPrompt() string {
	var sb strings.Builder
	sb.WriteString("You are a planning assistant. Break the user's request into the smallest ordered list of concrete steps that available tools can execute.\n\n")
	sb.WriteString("Available tools:\n")
	for _, t := range p.tools.List() {
		fmt.Fprintf(&sb, "- %s (%s): %s\n", t.Name, t.Category, t.Description)
	}
	sb.WriteString("\nRespond with a single JSON object, nothing else:\n")
	sb.WriteString(`{"plan": "<one line summary>", "steps": ["<step 1>", "<step 2>"]}` + "\n")
	sb.WriteString("Each step must be self-contained and executable with the tools above. Prefer fewer steps.")
	return sb.String()
}

// maxInlineFileChars caps how much of one uploaded file a prompt carries.
const maxInlineFileChars = 4000

// ContextSections renders the uploaded-files block and workspace hint shared
// by the planning prompt and the per-step prompts. Text payloads are inlined
// fenced; binary uploads are listed by name. Empty when there is nothing to
// say.
func ContextSections(conv *session.ConversationContext, folderID, folderName string) string {
	var sb strings.Builder
	if files := conv.AttachedFiles(); len(files) > 0 {
		sb.WriteString("Uploaded files (work with these first):\n")
		for _, f := range files {
			fmt.Fprintf(&sb, "--- %s (%s, id=%s) ---\n", f.Name, f.MIME, f.ID)
			switch {
			case f.Text != "":
				sb.WriteString("```\n")
				sb.WriteString(tools.Truncate(f.Text, maxInlineFileChars))
				sb.WriteString("\n```\n")
			case len(f.Data) > 0:
				fmt.Fprintf(&sb, "(binary, %d bytes)\n", len(f.Data))
			}
		}
		sb.WriteString("\n")
	}
	if folderName != "" {
		fmt.Fprintf(&sb, "Default workspace folder: %q (id=%s). Use it as the destination unless the request names another.\n\n", folderName, folderID)
	}
	return sb.String()
}

// userPrompt assembles the request with its context. Uploaded files come
// first so the model treats them as the primary material, the workspace
// hint second, then the request itself.
func (p *Planner) userPrompt(conv *session.ConversationContext, request string) string {
	var sb strings.Builder
	var folderID, folderName string
	if p.workspace != nil {
		folderID, folderName = p.workspace.FolderID, p.workspace.FolderName
	}
	sb.WriteString(ContextSections(conv, folderID, folderName))
	if open := conv.OpenFiles(); len(open) > 0 {
		sb.WriteString("Files currently open in the workspace: " + strings.Join(open, ", ") + "\n\n")
	}
	if ents := conv.Entities(); len(ents) > 0 {
		sb.WriteString("Known objects from earlier in this conversation:\n")
		for _, e := range ents {
			fmt.Fprintf(&sb, "- %s %q (id=%s)\n", e.Kind, e.Label, e.ID)
		}
		sb.WriteString("\n")
	}
	sb.WriteString("Request: " + request)
	return sb.String()
}

// useThinking enables extended reasoning for complex planning but skips it
// for generative writing requests.
func useThinking(request string) bool {
	lower := strings.ToLower(request)
	for _, v := range generativeVerbs {
		if strings.Contains(lower, v) {
			return false
		}
	}
	return true
}
