// Package google adapts the Gemini API to llm.LLMClient.
package google

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"google.golang.org/genai"

	"devopsagent/pkg/agent/llm"
	"devopsagent/pkg/agent/llmerrors"
)

// GeminiClient creates the SDK client lazily on the first call.
type GeminiClient struct {
	mu     sync.Mutex
	client *genai.Client
	apiKey string
	model  string
}

func NewGeminiClientWithModel(apiKey, model string) llm.LLMClient {
	return &GeminiClient{apiKey: apiKey, model: model}
}

func (g *GeminiClient) sdk(ctx context.Context) (*genai.Client, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.client != nil {
		return g.client, nil
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  g.apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, llmerrors.NewErrorWithCause(llmerrors.ErrorTypeAuth, err, "failed to create Gemini client")
	}
	g.client = client
	return client, nil
}

func (g *GeminiClient) Complete(ctx context.Context, in llm.CompletionRequest) (llm.CompletionResponse, error) {
	contents, systemInstruction, err := convertMessagesToGemini(in.Messages)
	if err != nil {
		return llm.CompletionResponse{}, llmerrors.NewErrorWithCause(llmerrors.ErrorTypeBadPrompt, err, "message conversion error")
	}

	client, err := g.sdk(ctx)
	if err != nil {
		return llm.CompletionResponse{}, err
	}

	temperature := in.Temperature
	config := &genai.GenerateContentConfig{
		Temperature:     &temperature,
		MaxOutputTokens: int32(in.MaxTokens), //nolint:gosec // bounded by config validation
	}
	if systemInstruction != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: systemInstruction}},
		}
	}

	result, err := client.Models.GenerateContent(ctx, g.model, contents, config)
	if err != nil {
		return llm.CompletionResponse{}, llmerrors.Classify(err, "Gemini API call failed")
	}
	if result == nil {
		return llm.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeEmptyResponse, "empty response from Gemini API")
	}

	return llm.CompletionResponse{
		Content:    result.Text(),
		StopReason: getStopReason(result),
	}, nil
}

func (g *GeminiClient) GetModelName() string {
	return g.model
}

// convertMessagesToGemini folds system messages into one instruction and maps
// the assistant role to Gemini's "model".
func convertMessagesToGemini(messages []llm.CompletionMessage) ([]*genai.Content, string, error) {
	if len(messages) == 0 {
		return nil, "", fmt.Errorf("message list cannot be empty")
	}

	var system []string
	contents := make([]*genai.Content, 0, len(messages))
	for i := range messages {
		msg := &messages[i]
		var role string
		switch msg.Role {
		case llm.RoleSystem:
			system = append(system, msg.Content)
			continue
		case llm.RoleUser:
			role = genai.RoleUser
		case llm.RoleAssistant:
			role = genai.RoleModel
		default:
			return nil, "", fmt.Errorf("unsupported message role: %s", msg.Role)
		}
		if msg.Content == "" {
			continue
		}
		contents = append(contents, &genai.Content{
			Role:  role,
			Parts: []*genai.Part{{Text: msg.Content}},
		})
	}
	return contents, strings.Join(system, "\n\n"), nil
}

func getStopReason(result *genai.GenerateContentResponse) string {
	if len(result.Candidates) == 0 || result.Candidates[0] == nil {
		return ""
	}
	return strings.ToLower(string(result.Candidates[0].FinishReason))
}
