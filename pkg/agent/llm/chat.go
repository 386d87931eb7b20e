package llm

import (
	"context"
	"fmt"
	"strings"

	"devopsagent/pkg/agent/llmerrors"
)

type agentRoleKey struct{}

// WithAgentRole tags ctx with the agent role ("prompt", "reasoning",
// "reflector") issuing the call. Metrics and logging middleware read it.
func WithAgentRole(ctx context.Context, role string) context.Context {
	return context.WithValue(ctx, agentRoleKey{}, role)
}

// AgentRoleFrom returns the role set by WithAgentRole, or "unknown".
func AgentRoleFrom(ctx context.Context) string {
	if role, ok := ctx.Value(agentRoleKey{}).(string); ok && role != "" {
		return role
	}
	return "unknown"
}

// ChatOptions override request limits. Zero values keep the defaults.
type ChatOptions struct {
	MaxTokens   int
	Temperature float32
}

// Chat sends one message list and returns the trimmed reply. Every failure,
// including a blank reply, satisfies errors.Is(err, llmerrors.ErrLLMUnavailable).
func Chat(ctx context.Context, client LLMClient, messages []CompletionMessage, opts ChatOptions) (string, error) {
	req := NewCompletionRequest(messages)
	if opts.MaxTokens > 0 {
		req.MaxTokens = opts.MaxTokens
	}
	if opts.Temperature > 0 {
		req.Temperature = opts.Temperature
	}

	resp, err := client.Complete(ctx, req)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", llmerrors.ErrLLMUnavailable, client.GetModelName(), err)
	}
	text := strings.TrimSpace(resp.Content)
	if text == "" {
		return "", fmt.Errorf("%w: %s: %w", llmerrors.ErrLLMUnavailable, client.GetModelName(),
			llmerrors.NewError(llmerrors.ErrorTypeEmptyResponse, "empty reply"))
	}
	return text, nil
}
