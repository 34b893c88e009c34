// Package llm provides a uniform streaming interface over LLM providers.
//
// A Client turns a conversation into a channel of typed chunks: text deltas,
// extended-thinking deltas, materialized tool calls, usage counters, and
// errors. Providers (Anthropic, OpenAI) adapt their vendor SDKs to this
// surface; the Registry routes requests to a provider by model name.
package llm

import "context"

// Role identifies the author of a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is a single conversation turn sent to a provider.
type Message struct {
	Role    Role
	Content string

	// ToolCalls is set on assistant messages that requested tool execution.
	ToolCalls []ToolCall

	// ToolCallID and ToolName are set on tool-result messages.
	ToolCallID string
	ToolName   string
}

// ToolDefinition describes a tool made available to the model.
type ToolDefinition struct {
	Name        string
	Description string
	InputSchema string // JSON Schema
}

// ToolCall is the model's request to invoke a tool.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string // raw JSON
}

// GenerateInput carries everything a provider needs for one call.
type GenerateInput struct {
	SessionID string
	Messages  []Message
	Model     string
	MaxTokens int

	// Tools, when non-empty, are bound for native tool calling.
	Tools []ToolDefinition

	// EnableThinking requests an extended-reasoning stream alongside the
	// answer stream, with ThinkingBudgetTokens as the reasoning budget.
	EnableThinking       bool
	ThinkingBudgetTokens int
}

// TokenUsage aggregates token counts for one or more LLM calls.
type TokenUsage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

// Chunk is the interface for all streaming chunk types.
type Chunk interface {
	chunkType() ChunkType
}

// ChunkType identifies the kind of streaming chunk.
type ChunkType string

const (
	ChunkTypeText     ChunkType = "text"
	ChunkTypeThinking ChunkType = "thinking"
	ChunkTypeToolCall ChunkType = "tool_call"
	ChunkTypeUsage    ChunkType = "usage"
	ChunkTypeError    ChunkType = "error"
)

// TextChunk is a delta of the model's text response.
type TextChunk struct{ Content string }

// ThinkingChunk is a delta of the model's extended reasoning.
type ThinkingChunk struct{ Content string }

// ToolCallChunk signals a fully-assembled tool call.
type ToolCallChunk struct{ CallID, Name, Arguments string }

// UsageChunk reports token usage at end of stream.
type UsageChunk struct{ InputTokens, OutputTokens, TotalTokens int }

// ErrorChunk delivers a stream-level failure.
type ErrorChunk struct {
	Message   string
	Retryable bool
}

func (*TextChunk) chunkType() ChunkType     { return ChunkTypeText }
func (*ThinkingChunk) chunkType() ChunkType { return ChunkTypeThinking }
func (*ToolCallChunk) chunkType() ChunkType { return ChunkTypeToolCall }
func (*UsageChunk) chunkType() ChunkType    { return ChunkTypeUsage }
func (*ErrorChunk) chunkType() ChunkType    { return ChunkTypeError }

// Client is the uniform interface over LLM providers.
//
// Generate sends a conversation and returns a stream of chunks. The channel
// is closed when the stream completes; errors are delivered as ErrorChunk
// values (or as an immediate error when the request itself cannot start).
type Client interface {
	Generate(ctx context.Context, input *GenerateInput) (<-chan Chunk, error)
	Close() error
}

// Model describes an entry in a provider's catalog.
type Model struct {
	ID               string
	Name             string
	Provider         string
	ContextSize      int
	SupportsThinking bool
}
