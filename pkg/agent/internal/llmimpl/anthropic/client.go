// Package anthropic adapts the Anthropic Messages API to llm.LLMClient.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"devopsagent/pkg/agent/llm"
	"devopsagent/pkg/agent/llmerrors"
)

// ClaudeClient wraps the Anthropic SDK client.
type ClaudeClient struct {
	client anthropic.Client
	model  string
}

// NewClaudeClientWithModel creates a client for model.
func NewClaudeClientWithModel(apiKey, model string) llm.LLMClient {
	return &ClaudeClient{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

func (c *ClaudeClient) Complete(ctx context.Context, in llm.CompletionRequest) (llm.CompletionResponse, error) {
	system, messages, err := ensureAlternation(in.Messages)
	if err != nil {
		return llm.CompletionResponse{}, llmerrors.NewErrorWithCause(llmerrors.ErrorTypeBadPrompt, err, "invalid message list")
	}

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(c.model),
		Messages:    toMessageParams(messages),
		MaxTokens:   int64(in.MaxTokens),
		Temperature: anthropic.Float(float64(in.Temperature)),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system, Type: "text"}}
	}

	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return llm.CompletionResponse{}, classifyError(err)
	}

	var sb strings.Builder
	for i := range resp.Content {
		block := &resp.Content[i]
		if block.Type == "text" {
			sb.WriteString(block.AsText().Text)
		}
	}
	return llm.CompletionResponse{
		Content:    sb.String(),
		StopReason: string(resp.StopReason),
	}, nil
}

func (c *ClaudeClient) GetModelName() string {
	return c.model
}

// ensureAlternation pulls system messages out and merges consecutive messages
// of the same role. The API rejects histories that do not alternate or that do
// not start and end with a user turn.
func ensureAlternation(messages []llm.CompletionMessage) (string, []llm.CompletionMessage, error) {
	if len(messages) == 0 {
		return "", nil, fmt.Errorf("message list cannot be empty")
	}

	var system []string
	out := make([]llm.CompletionMessage, 0, len(messages))
	for i := range messages {
		msg := messages[i]
		if msg.Role == llm.RoleSystem {
			system = append(system, msg.Content)
			continue
		}
		if n := len(out); n > 0 && out[n-1].Role == msg.Role {
			out[n-1].Content += "\n\n" + msg.Content
			continue
		}
		out = append(out, msg)
	}

	if len(out) == 0 {
		return "", nil, fmt.Errorf("no user message after system prompt")
	}
	if out[0].Role != llm.RoleUser {
		return "", nil, fmt.Errorf("first message must be from user, got %s", out[0].Role)
	}
	if out[len(out)-1].Role != llm.RoleUser {
		return "", nil, fmt.Errorf("last message must be from user, got %s", out[len(out)-1].Role)
	}
	return strings.Join(system, "\n\n"), out, nil
}

func toMessageParams(messages []llm.CompletionMessage) []anthropic.MessageParam {
	params := make([]anthropic.MessageParam, 0, len(messages))
	for i := range messages {
		params = append(params, anthropic.MessageParam{
			Role:    anthropic.MessageParamRole(messages[i].Role),
			Content: []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(messages[i].Content)},
		})
	}
	return params
}

func classifyError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return &llmerrors.Error{
			Type:       llmerrors.ClassifyStatus(apiErr.StatusCode),
			StatusCode: apiErr.StatusCode,
			Err:        err,
			Message:    "anthropic request failed",
		}
	}
	return llmerrors.Classify(err, "anthropic request failed")
}
