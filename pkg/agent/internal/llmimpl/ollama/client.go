// Package ollama adapts a local Ollama server to llm.LLMClient. This is the
// default backend (deepseek-coder-v2).
package ollama

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"

	"devopsagent/pkg/agent/llm"
	"devopsagent/pkg/agent/llmerrors"
)

const defaultHost = "http://localhost:11434"

// Client wraps the Ollama API client.
type Client struct {
	client  *api.Client
	model   string
	hostURL string
}

// NewOllamaClientWithModel creates a client for model on hostURL. An explicit
// "ollama:" prefix on the model name is stripped.
func NewOllamaClientWithModel(hostURL, model string) llm.LLMClient {
	return newClient(hostURL, model, http.DefaultClient)
}

func newClient(hostURL, model string, httpClient *http.Client) *Client {
	parsedURL, err := url.Parse(hostURL)
	if err != nil || parsedURL.Scheme == "" || parsedURL.Host == "" {
		parsedURL, _ = url.Parse(defaultHost)
	}
	return &Client{
		client:  api.NewClient(parsedURL, httpClient),
		model:   strings.TrimPrefix(model, "ollama:"),
		hostURL: parsedURL.String(),
	}
}

func (o *Client) Complete(ctx context.Context, in llm.CompletionRequest) (llm.CompletionResponse, error) {
	messages, err := convertMessagesToOllama(in.Messages)
	if err != nil {
		return llm.CompletionResponse{}, llmerrors.NewErrorWithCause(llmerrors.ErrorTypeBadPrompt, err, "message conversion error")
	}

	stream := false
	req := &api.ChatRequest{
		Model:    o.model,
		Messages: messages,
		Stream:   &stream,
		Options: map[string]any{
			"temperature": in.Temperature,
			"num_predict": in.MaxTokens,
		},
	}

	var response api.ChatResponse
	err = o.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		response = resp
		return nil
	})
	if err != nil {
		return llm.CompletionResponse{}, o.classifyError(err)
	}

	return llm.CompletionResponse{
		Content:    response.Message.Content,
		StopReason: getStopReason(&response),
	}, nil
}

func (o *Client) GetModelName() string {
	return o.model
}

func convertMessagesToOllama(messages []llm.CompletionMessage) ([]api.Message, error) {
	if len(messages) == 0 {
		return nil, fmt.Errorf("message list cannot be empty")
	}
	result := make([]api.Message, 0, len(messages))
	for i := range messages {
		switch messages[i].Role {
		case llm.RoleSystem, llm.RoleUser, llm.RoleAssistant:
		default:
			return nil, fmt.Errorf("unsupported message role: %s", messages[i].Role)
		}
		result = append(result, api.Message{
			Role:    string(messages[i].Role),
			Content: messages[i].Content,
		})
	}
	return result, nil
}

func getStopReason(resp *api.ChatResponse) string {
	if !resp.Done {
		return "incomplete"
	}
	if resp.DoneReason == "" {
		return "stop"
	}
	return resp.DoneReason
}

func (o *Client) classifyError(err error) error {
	var statusErr api.StatusError
	if errors.As(err, &statusErr) {
		errType := llmerrors.ClassifyStatus(statusErr.StatusCode)
		if statusErr.StatusCode == http.StatusNotFound {
			errType = llmerrors.ErrorTypeBadPrompt
		}
		return &llmerrors.Error{
			Type:       errType,
			StatusCode: statusErr.StatusCode,
			Err:        err,
			Message:    fmt.Sprintf("ollama %s: %s", o.model, statusErr.ErrorMessage),
		}
	}

	errStr := err.Error()
	switch {
	case strings.Contains(errStr, "connection refused"):
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeTransient, err, fmt.Sprintf("Ollama server not reachable at %s", o.hostURL))
	case strings.Contains(errStr, "model") && strings.Contains(errStr, "not found"):
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeBadPrompt, err, fmt.Sprintf("Ollama model not found: %s", o.model))
	}
	return llmerrors.Classify(err, "ollama request failed")
}
