// Package openaiofficial adapts the official OpenAI Go SDK to llm.LLMClient
// using the Chat Completions API.
package openaiofficial

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"devopsagent/pkg/agent/llm"
	"devopsagent/pkg/agent/llmerrors"
)

// OfficialClient wraps the OpenAI SDK client.
type OfficialClient struct {
	client openai.Client
	model  string
}

// NewOfficialClientWithModel creates a client for model.
func NewOfficialClientWithModel(apiKey, model string, opts ...option.RequestOption) llm.LLMClient {
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &OfficialClient{
		client: openai.NewClient(opts...),
		model:  model,
	}
}

func (o *OfficialClient) Complete(ctx context.Context, in llm.CompletionRequest) (llm.CompletionResponse, error) {
	messages, err := convertMessages(in.Messages)
	if err != nil {
		return llm.CompletionResponse{}, llmerrors.NewErrorWithCause(llmerrors.ErrorTypeBadPrompt, err, "message conversion error")
	}

	params := openai.ChatCompletionNewParams{
		Model:               openai.ChatModel(o.model),
		Messages:            messages,
		MaxCompletionTokens: openai.Int(int64(in.MaxTokens)),
	}
	// Reasoning models reject a temperature.
	if !isReasoningModel(o.model) {
		params.Temperature = openai.Float(float64(in.Temperature))
	}

	resp, err := o.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return llm.CompletionResponse{}, classifyError(err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return llm.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeEmptyResponse, "no choices in OpenAI response")
	}

	return llm.CompletionResponse{
		Content:    resp.Choices[0].Message.Content,
		StopReason: resp.Choices[0].FinishReason,
	}, nil
}

func (o *OfficialClient) GetModelName() string {
	return o.model
}

func convertMessages(messages []llm.CompletionMessage) ([]openai.ChatCompletionMessageParamUnion, error) {
	if len(messages) == 0 {
		return nil, fmt.Errorf("message list cannot be empty")
	}
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for i := range messages {
		switch messages[i].Role {
		case llm.RoleSystem:
			out = append(out, openai.SystemMessage(messages[i].Content))
		case llm.RoleUser:
			out = append(out, openai.UserMessage(messages[i].Content))
		case llm.RoleAssistant:
			out = append(out, openai.AssistantMessage(messages[i].Content))
		default:
			return nil, fmt.Errorf("unsupported message role: %s", messages[i].Role)
		}
	}
	return out, nil
}

func isReasoningModel(model string) bool {
	for _, prefix := range []string{"o1", "o3", "o4", "gpt-5"} {
		if strings.HasPrefix(model, prefix) {
			return true
		}
	}
	return false
}

func classifyError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return &llmerrors.Error{
			Type:       llmerrors.ClassifyStatus(apiErr.StatusCode),
			StatusCode: apiErr.StatusCode,
			Err:        err,
			Message:    "OpenAI request failed",
		}
	}
	return llmerrors.Classify(err, "OpenAI request failed")
}
