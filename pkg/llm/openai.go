package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

const (
	openaiMaxRetries = 3
	openaiRetryDelay = 2 * time.Second
)

// OpenAIClient adapts the OpenAI chat completions API to the Client interface.
type OpenAIClient struct {
	client *openai.Client
}

// NewOpenAIClient builds a client against the public OpenAI API.
func NewOpenAIClient(apiKey string) *OpenAIClient {
	return &OpenAIClient{client: openai.NewClient(apiKey)}
}

// OpenAIModels is the catalog served by this provider.
func OpenAIModels() []Model {
	return []Model{
		{ID: "gpt-4o", Name: "GPT-4o", Provider: "openai", ContextSize: 128000},
		{ID: "gpt-4o-mini", Name: "GPT-4o mini", Provider: "openai", ContextSize: 128000},
	}
}

func (c *OpenAIClient) Close() error { return nil }

// Generate streams a chat completion. OpenAI has no thinking stream; the
// EnableThinking flag is ignored here and only affects message shaping done
// upstream by NormalizeForThinking.
func (c *OpenAIClient) Generate(ctx context.Context, input *GenerateInput) (<-chan Chunk, error) {
	req := openai.ChatCompletionRequest{
		Model:    input.Model,
		Messages: convertOpenAIMessages(input.Messages),
		Stream:   true,
	}
	if input.MaxTokens > 0 {
		req.MaxTokens = input.MaxTokens
	}
	if len(input.Tools) > 0 {
		req.Tools = convertOpenAITools(input.Tools)
	}

	out := make(chan Chunk, 64)
	go func() {
		defer close(out)
		var lastErr error
		for attempt := 0; attempt < openaiMaxRetries; attempt++ {
			if attempt > 0 {
				delay := openaiRetryDelay * time.Duration(1<<(attempt-1))
				slog.Warn("retrying openai stream",
					"session_id", input.SessionID, "attempt", attempt, "delay", delay, "error", lastErr)
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					out <- &ErrorChunk{Message: ctx.Err().Error()}
					return
				}
			}
			stream, err := c.client.CreateChatCompletionStream(ctx, req)
			if err != nil {
				lastErr = err
				if ctx.Err() != nil {
					out <- &ErrorChunk{Message: ctx.Err().Error()}
					return
				}
				continue
			}
			done := c.processStream(ctx, stream, out)
			stream.Close()
			if done {
				return
			}
			lastErr = errors.New("stream ended without completion")
			if ctx.Err() != nil {
				out <- &ErrorChunk{Message: ctx.Err().Error()}
				return
			}
		}
		out <- &ErrorChunk{Message: fmt.Sprintf("openai stream failed after %d attempts: %v", openaiMaxRetries, lastErr)}
	}()
	return out, nil
}

// processStream drains one stream, assembling tool calls from indexed
// fragments. Returns true when the stream reached a terminal state and
// chunks (or an error chunk) were delivered.
func (c *OpenAIClient) processStream(ctx context.Context, stream *openai.ChatCompletionStream, out chan<- Chunk) bool {
	toolCalls := make(map[int]*ToolCall)
	var produced bool

	flushTools := func() {
		if len(toolCalls) == 0 {
			return
		}
		indexes := make([]int, 0, len(toolCalls))
		for i := range toolCalls {
			indexes = append(indexes, i)
		}
		sort.Ints(indexes)
		for _, i := range indexes {
			tc := toolCalls[i]
			if tc.Arguments == "" {
				tc.Arguments = "{}"
			}
			out <- &ToolCallChunk{CallID: tc.ID, Name: tc.Name, Arguments: tc.Arguments}
		}
		toolCalls = make(map[int]*ToolCall)
	}

	for {
		select {
		case <-ctx.Done():
			out <- &ErrorChunk{Message: ctx.Err().Error()}
			return true
		default:
		}

		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			flushTools()
			return true
		}
		if err != nil {
			if produced {
				out <- &ErrorChunk{Message: err.Error()}
				return true
			}
			return false
		}
		if len(resp.Choices) == 0 {
			continue
		}
		choice := resp.Choices[0]

		if choice.Delta.Content != "" {
			out <- &TextChunk{Content: choice.Delta.Content}
			produced = true
		}
		for _, tc := range choice.Delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			acc, ok := toolCalls[idx]
			if !ok {
				acc = &ToolCall{}
				toolCalls[idx] = acc
			}
			if tc.ID != "" {
				acc.ID = tc.ID
			}
			if tc.Function.Name != "" {
				acc.Name = tc.Function.Name
			}
			acc.Arguments += tc.Function.Arguments
		}
		if choice.FinishReason == openai.FinishReasonToolCalls {
			flushTools()
			produced = true
		}
	}
}

func convertOpenAIMessages(msgs []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case RoleSystem:
			out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: m.Content})
		case RoleUser:
			out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: m.Content})
		case RoleAssistant:
			msg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: m.Content}
			for _, tc := range m.ToolCalls {
				msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: tc.Arguments,
					},
				})
			}
			out = append(out, msg)
		case RoleTool:
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    m.Content,
				ToolCallID: m.ToolCallID,
			})
		}
	}
	return out
}

func convertOpenAITools(defs []ToolDefinition) []openai.Tool {
	out := make([]openai.Tool, 0, len(defs))
	for _, d := range defs {
		var params map[string]any
		if err := json.Unmarshal([]byte(d.InputSchema), &params); err != nil {
			params = map[string]any{"type": "object"}
		}
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  params,
			},
		})
	}
	return out
}
