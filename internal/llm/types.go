// Package llm defines the chat driver contract the agent executor talks
// to: request/response shapes, channel-based streaming, and a registry of
// driver implementations keyed by name.
package llm

import (
	"context"
	"strings"
)

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ParseRole normalizes common aliases to a canonical role.
func ParseRole(s string) Role {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "system", "sys":
		return RoleSystem
	case "user", "human":
		return RoleUser
	case "assistant", "ai", "bot":
		return RoleAssistant
	case "tool", "function":
		return RoleTool
	default:
		return Role(s)
	}
}

// Message is one turn of a conversation.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
	// Name is the tool name on tool-role messages; some drivers key the
	// reply by name rather than by call id.
	Name string `json:"name,omitempty"`
	// ToolCalls echoes the calls an assistant turn requested. Drivers
	// replay them so the tool messages that follow stay linked to their
	// requests.
	ToolCalls []ToolCall `json:"toolCalls,omitempty"`
	// ToolCallID links a tool-role message to the call it answers.
	ToolCallID string `json:"toolCallId,omitempty"`
}

// Tool describes a callable function advertised to the model.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// ToolCall is the model's request to invoke a tool.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ChatRequest is the driver-agnostic chat input.
type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Tools       []Tool    `json:"tools,omitempty"`
	MaxTokens   *int      `json:"maxTokens,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
	TopP        *float64  `json:"topP,omitempty"`
	Stop        []string  `json:"stop,omitempty"`
}

// ChatResponse is the complete (non-streamed) chat output.
type ChatResponse struct {
	Content      string     `json:"content"`
	ToolCalls    []ToolCall `json:"toolCalls,omitempty"`
	FinishReason string     `json:"finishReason,omitempty"`
	Usage        Usage      `json:"usage"`
}

// Usage reports token consumption for one request.
type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

// StreamEvent is one chunk of a streamed chat. Exactly one of Thinking,
// Delta, or ToolCall is set on content events; Done closes the stream with
// optional final Usage; Error reports a mid-stream failure. No events
// follow an event with Error set.
type StreamEvent struct {
	Thinking string
	Delta    string
	ToolCall *ToolCall
	Done     bool
	Error    error
	Usage    *Usage
}

// sendEvent delivers one stream event unless the context ends first. It
// reports whether the consumer may still be listening; producers stop once
// it returns false so an abandoned stream never strands the goroutine.
func sendEvent(ctx context.Context, events chan<- StreamEvent, ev StreamEvent) bool {
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
