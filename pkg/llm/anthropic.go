package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const (
	anthropicMaxRetries = 3
	anthropicRetryDelay = 2 * time.Second

	// Guard against a stream that emits events without ever making progress.
	maxEmptyStreamEvents = 300

	minThinkingBudget = 1024
)

// AnthropicClient adapts the Anthropic Messages API to the Client interface.
type AnthropicClient struct {
	client anthropic.Client
}

// NewAnthropicClient builds a client against the public Anthropic API.
func NewAnthropicClient(apiKey string) *AnthropicClient {
	return &AnthropicClient{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
	}
}

// AnthropicModels is the catalog served by this provider.
func AnthropicModels() []Model {
	return []Model{
		{ID: "claude-sonnet-4-5", Name: "Claude Sonnet 4.5", Provider: "anthropic", ContextSize: 200000, SupportsThinking: true},
		{ID: "claude-haiku-4-5", Name: "Claude Haiku 4.5", Provider: "anthropic", ContextSize: 200000, SupportsThinking: false},
	}
}

func (c *AnthropicClient) Close() error { return nil }

// Generate streams a completion, retrying transient failures before the
// first chunk is produced. Once streaming starts, failures surface as
// ErrorChunk values on the channel.
func (c *AnthropicClient) Generate(ctx context.Context, input *GenerateInput) (<-chan Chunk, error) {
	params, err := c.buildParams(input)
	if err != nil {
		return nil, err
	}

	out := make(chan Chunk, 64)
	go func() {
		defer close(out)
		var lastErr error
		for attempt := 0; attempt < anthropicMaxRetries; attempt++ {
			if attempt > 0 {
				delay := anthropicRetryDelay * time.Duration(1<<(attempt-1))
				slog.Warn("retrying anthropic stream",
					"session_id", input.SessionID, "attempt", attempt, "delay", delay, "error", lastErr)
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					out <- &ErrorChunk{Message: ctx.Err().Error()}
					return
				}
			}
			done, err := c.stream(ctx, params, out)
			if done {
				return
			}
			lastErr = err
			if ctx.Err() != nil {
				out <- &ErrorChunk{Message: ctx.Err().Error()}
				return
			}
		}
		out <- &ErrorChunk{Message: fmt.Sprintf("anthropic stream failed after %d attempts: %v", anthropicMaxRetries, lastErr), Retryable: false}
	}()
	return out, nil
}

// stream runs one streaming attempt. It returns done=true when chunks were
// delivered (success or mid-stream failure already reported), and false with
// the error when the attempt failed before producing anything.
func (c *AnthropicClient) stream(ctx context.Context, params anthropic.MessageNewParams, out chan<- Chunk) (bool, error) {
	stream := c.client.Messages.NewStreaming(ctx, params)

	var (
		usage       UsageChunk
		produced    bool
		emptyEvents int

		toolID   string
		toolName string
		toolArgs string
		inTool   bool
	)

	for stream.Next() {
		event := stream.Current()
		progressed := false

		switch event.Type {
		case "message_start":
			start := event.AsMessageStart()
			usage.InputTokens = int(start.Message.Usage.InputTokens)
			progressed = true

		case "content_block_start":
			blockStart := event.AsContentBlockStart()
			if blockStart.ContentBlock.Type == "tool_use" {
				tu := blockStart.ContentBlock.AsToolUse()
				toolID = tu.ID
				toolName = tu.Name
				toolArgs = ""
				inTool = true
			}
			progressed = true

		case "content_block_delta":
			delta := event.AsContentBlockDelta()
			switch delta.Delta.Type {
			case "text_delta":
				if delta.Delta.Text != "" {
					out <- &TextChunk{Content: delta.Delta.Text}
					produced = true
					progressed = true
				}
			case "thinking_delta":
				if delta.Delta.Thinking != "" {
					out <- &ThinkingChunk{Content: delta.Delta.Thinking}
					produced = true
					progressed = true
				}
			case "input_json_delta":
				toolArgs += delta.Delta.PartialJSON
				progressed = true
			}

		case "content_block_stop":
			if inTool {
				args := toolArgs
				if args == "" {
					args = "{}"
				}
				out <- &ToolCallChunk{CallID: toolID, Name: toolName, Arguments: args}
				produced = true
				inTool = false
			}
			progressed = true

		case "message_delta":
			md := event.AsMessageDelta()
			usage.OutputTokens = int(md.Usage.OutputTokens)
			progressed = true

		case "message_stop":
			progressed = true
		}

		if progressed {
			emptyEvents = 0
		} else {
			emptyEvents++
			if emptyEvents > maxEmptyStreamEvents {
				err := errors.New("stream stalled without progress")
				if produced {
					out <- &ErrorChunk{Message: err.Error()}
					return true, nil
				}
				return false, err
			}
		}

		select {
		case <-ctx.Done():
			out <- &ErrorChunk{Message: ctx.Err().Error()}
			return true, nil
		default:
		}
	}

	if err := stream.Err(); err != nil {
		if produced {
			out <- &ErrorChunk{Message: err.Error()}
			return true, nil
		}
		return false, err
	}

	usage.TotalTokens = usage.InputTokens + usage.OutputTokens
	out <- &usage
	return true, nil
}

func (c *AnthropicClient) buildParams(input *GenerateInput) (anthropic.MessageNewParams, error) {
	maxTokens := input.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(input.Model),
		MaxTokens: int64(maxTokens),
	}

	system, messages, err := convertAnthropicMessages(input.Messages)
	if err != nil {
		return params, err
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: system}}
	}
	params.Messages = messages

	if len(input.Tools) > 0 {
		tools, err := convertAnthropicTools(input.Tools)
		if err != nil {
			return params, err
		}
		params.Tools = tools
	}

	if input.EnableThinking {
		budget := int64(input.ThinkingBudgetTokens)
		if budget < minThinkingBudget {
			budget = minThinkingBudget
		}
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(budget)
		// Thinking requires max_tokens to exceed the budget.
		if int64(maxTokens) <= budget {
			params.MaxTokens = budget + 4096
		}
	}
	return params, nil
}

// convertAnthropicMessages splits off system prompts (Anthropic takes them as
// a top-level parameter) and maps the rest to SDK message params.
func convertAnthropicMessages(msgs []Message) (string, []anthropic.MessageParam, error) {
	var system string
	out := make([]anthropic.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case RoleSystem:
			if system != "" {
				system += "\n\n"
			}
			system += m.Content
		case RoleUser:
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		case RoleAssistant:
			blocks := make([]anthropic.ContentBlockParamUnion, 0, 1+len(m.ToolCalls))
			if m.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				var args map[string]any
				if err := json.Unmarshal([]byte(tc.Arguments), &args); err != nil {
					args = map[string]any{}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, args, tc.Name))
			}
			if len(blocks) == 0 {
				continue
			}
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		case RoleTool:
			out = append(out, anthropic.NewUserMessage(anthropic.NewToolResultBlock(m.ToolCallID, m.Content, false)))
		default:
			return "", nil, fmt.Errorf("unsupported message role %q", m.Role)
		}
	}
	return system, out, nil
}

func convertAnthropicTools(defs []ToolDefinition) ([]anthropic.ToolUnionParam, error) {
	out := make([]anthropic.ToolUnionParam, 0, len(defs))
	for _, d := range defs {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal([]byte(d.InputSchema), &schema); err != nil {
			return nil, fmt.Errorf("tool %s: invalid input schema: %w", d.Name, err)
		}
		param := anthropic.ToolUnionParamOfTool(schema, d.Name)
		if param.OfTool != nil && d.Description != "" {
			param.OfTool.Description = anthropic.String(d.Description)
		}
		out = append(out, param)
	}
	return out, nil
}
