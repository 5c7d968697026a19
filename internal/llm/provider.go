// Package llm wraps the chat-completion provider behind a small interface
// and implements the tool-driven agentic loop both agent runtimes share.
package llm

import "context"

// Role values for chat messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Stop reasons surfaced by Chat and by the loop.
const (
	StopEndTurn   = "end_turn"
	StopToolUse   = "tool_use"
	StopMaxTokens = "max_tokens"
	StopMaxTurns  = "max_turns"
)

// ToolCall is one tool_use block requested by the model.
type ToolCall struct {
	ID    string
	Name  string
	Input map[string]any
}

// ToolResult answers one ToolCall. Content is the stringified JSON result,
// or the error message when IsError is set.
type ToolResult struct {
	ToolCallID string
	Content    string
	IsError    bool
}

// ChatMessage is one turn of the conversation. Assistant turns may carry
// tool calls; user turns may instead carry tool results.
type ChatMessage struct {
	Role        string
	Content     string
	ToolCalls   []ToolCall
	ToolResults []ToolResult
}

// Usage reports token consumption for a single provider call.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// Response is the provider's reply to one Chat call.
type Response struct {
	Content    string
	ToolCalls  []ToolCall
	StopReason string
	Usage      Usage
}

// ToolSpec describes a tool exposed to the model: a JSON-schema object with
// "properties" and optionally "required".
type ToolSpec struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// Provider is the opaque chat API. Implementations must be safe for
// concurrent use.
type Provider interface {
	Chat(ctx context.Context, system string, messages []ChatMessage, tools []ToolSpec) (*Response, error)
	Model() string
}
