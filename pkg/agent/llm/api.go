// Package llm defines the chat-completion contract every model backend implements.
package llm

import (
	"context"
)

// CompletionRole is the role of a message in a conversation.
type CompletionRole string

const (
	RoleSystem    CompletionRole = "system"
	RoleUser      CompletionRole = "user"
	RoleAssistant CompletionRole = "assistant"
)

const (
	// DefaultMaxTokens bounds a single reply.
	DefaultMaxTokens = 1024

	// TemperatureDefault leaves room for alternative commands after a failure
	// while keeping the ReAct format stable.
	TemperatureDefault = 0.5
)

// CompletionMessage is a role-tagged history entry.
type CompletionMessage struct {
	Role    CompletionRole `json:"role"`
	Content string         `json:"content"`
}

// CompletionRequest is one call to the backend.
type CompletionRequest struct {
	Messages    []CompletionMessage
	MaxTokens   int
	Temperature float32
}

// CompletionResponse is the backend reply.
type CompletionResponse struct {
	Content    string
	StopReason string
}

// LLMClient is implemented by each provider and by every middleware wrapping one.
type LLMClient interface { //nolint:revive // name shared with provider packages
	// Complete generates a reply for the message list.
	Complete(ctx context.Context, in CompletionRequest) (CompletionResponse, error)

	// GetModelName returns the model this client targets.
	GetModelName() string
}

// NewCompletionRequest creates a request with the default limits.
func NewCompletionRequest(messages []CompletionMessage) CompletionRequest {
	return CompletionRequest{
		Messages:    messages,
		MaxTokens:   DefaultMaxTokens,
		Temperature: TemperatureDefault,
	}
}

func NewSystemMessage(content string) CompletionMessage {
	return CompletionMessage{Role: RoleSystem, Content: content}
}

func NewUserMessage(content string) CompletionMessage {
	return CompletionMessage{Role: RoleUser, Content: content}
}

func NewAssistantMessage(content string) CompletionMessage {
	return CompletionMessage{Role: RoleAssistant, Content: content}
}
