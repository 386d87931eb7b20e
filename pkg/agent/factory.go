package agent

import (
	"fmt"
	"sync"

	"devopsagent/pkg/agent/internal/llmimpl/anthropic"
	"devopsagent/pkg/agent/internal/llmimpl/google"
	"devopsagent/pkg/agent/internal/llmimpl/ollama"
	"devopsagent/pkg/agent/internal/llmimpl/openaiofficial"
	"devopsagent/pkg/agent/llm"
	"devopsagent/pkg/agent/middleware/metrics"
	"devopsagent/pkg/agent/middleware/resilience/circuit"
	"devopsagent/pkg/agent/middleware/resilience/retry"
	"devopsagent/pkg/agent/middleware/resilience/timeout"
	"devopsagent/pkg/config"
	"devopsagent/pkg/logx"
)

// LLMClientFactory creates LLM clients with properly configured middleware chains.
// Clients for the same provider share one circuit breaker.
type LLMClientFactory struct {
	config   config.Config
	recorder metrics.Recorder
	logger   *logx.Logger

	mu       sync.Mutex
	breakers map[string]circuit.Breaker
}

// NewLLMClientFactory creates a factory. A nil recorder disables request metrics.
func NewLLMClientFactory(cfg config.Config, recorder metrics.Recorder) *LLMClientFactory {
	if recorder == nil {
		recorder = metrics.Nop()
	}
	return &LLMClientFactory{
		config:   cfg,
		recorder: recorder,
		logger:   logx.NewLogger("llm"),
		breakers: make(map[string]circuit.Breaker),
	}
}

// ModelFor returns the configured model of an agent.
func (f *LLMClientFactory) ModelFor(agentType Type) (string, error) {
	switch agentType {
	case TypePrompt:
		return f.config.Agents.PromptModel, nil
	case TypeReasoning:
		return f.config.Agents.ReasoningModel, nil
	case TypeReflector:
		return f.config.Agents.ReflectorModel, nil
	default:
		return "", fmt.Errorf("unsupported agent type: %s", agentType)
	}
}

// CreateClient creates the client for an agent with the full middleware chain.
// The credential is resolved from the secrets file or the environment.
func (f *LLMClientFactory) CreateClient(agentType Type) (llm.LLMClient, error) {
	modelName, err := f.ModelFor(agentType)
	if err != nil {
		return nil, err
	}

	provider, err := config.GetModelProvider(modelName)
	if err != nil {
		return nil, fmt.Errorf("failed to determine provider for model %s: %w", modelName, err)
	}
	apiKey, err := config.GetAPIKey(provider)
	if err != nil {
		return nil, fmt.Errorf("failed to get API key for provider %s: %w", provider, err)
	}

	var rawClient llm.LLMClient
	switch provider {
	case config.ProviderAnthropic:
		rawClient = anthropic.NewClaudeClientWithModel(apiKey, modelName)
	case config.ProviderOpenAI:
		rawClient = openaiofficial.NewOfficialClientWithModel(apiKey, modelName)
	case config.ProviderGoogle:
		rawClient = google.NewGeminiClientWithModel(apiKey, modelName)
	case config.ProviderOllama:
		rawClient = ollama.NewOllamaClientWithModel(apiKey, modelName)
	default:
		return nil, fmt.Errorf("unsupported provider: %s", provider)
	}

	return f.Wrap(provider, rawClient), nil
}

// Wrap applies the middleware chain to rawClient:
//
//	Metrics -> CircuitBreaker -> Retry -> Timeout -> rawClient
func (f *LLMClientFactory) Wrap(provider string, rawClient llm.LLMClient) llm.LLMClient {
	res := f.config.Resilience
	retryPolicy := retry.NewPolicy(retry.Config{
		MaxAttempts:   res.Retry.MaxAttempts,
		InitialDelay:  res.Retry.InitialDelay.Std(),
		MaxDelay:      res.Retry.MaxDelay.Std(),
		BackoffFactor: res.Retry.BackoffFactor,
		Jitter:        res.Retry.Jitter,
	}, nil)

	return llm.Chain(rawClient,
		metrics.Middleware(f.recorder, nil, config.CalculateCost, f.logger),
		circuit.Middleware(f.breaker(provider)),
		retry.Middleware(retryPolicy),
		timeout.Middleware(res.RequestTimeout.Std()),
	)
}

// breaker returns the shared circuit breaker of a provider.
func (f *LLMClientFactory) breaker(provider string) circuit.Breaker {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.breakers[provider]; ok {
		return b
	}
	cb := f.config.Resilience.CircuitBreaker
	b := circuit.New(circuit.Config{
		FailureThreshold: cb.FailureThreshold,
		SuccessThreshold: cb.SuccessThreshold,
		Timeout:          cb.Timeout.Std(),
	}, circuit.WithStateChangeHook(func(from, to circuit.State) {
		f.logger.Warn("circuit breaker for %s: %s -> %s", provider, from, to)
	}))
	f.breakers[provider] = b
	return b
}

// BreakerStates reports each provider's circuit state, for the health endpoint.
func (f *LLMClientFactory) BreakerStates() map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]string, len(f.breakers))
	for provider, b := range f.breakers {
		out[provider] = b.GetState().String()
	}
	return out
}
