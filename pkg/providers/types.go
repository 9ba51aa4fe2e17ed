// Package providers contains the model clients the host drives: a shared
// message/tool vocabulary, one implementation per vendor SDK, and a
// manager that picks between them.
package providers

import "context"

// Message is one turn of a conversation in the shared, vendor-neutral
// shape. Tool results are stored with Role "tool" and the originating
// ToolCallID.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is a model-requested tool invocation.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// ToolDefinition advertises one callable tool to the model.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type Response struct {
	Content      string     `json:"content"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	FinishReason string     `json:"finish_reason"`
	Usage        *UsageInfo `json:"usage,omitempty"`
}

type UsageInfo struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Provider is a single vendor client. ChatStream calls onDelta for each
// text fragment as it arrives and returns the accumulated response,
// identical to what Chat would return.
type Provider interface {
	Chat(ctx context.Context, messages []Message, tools []ToolDefinition, model string, options map[string]any) (*Response, error)
	ChatStream(ctx context.Context, messages []Message, tools []ToolDefinition, model string, options map[string]any, onDelta func(delta string)) (*Response, error)
	GetDefaultModel() string
}
