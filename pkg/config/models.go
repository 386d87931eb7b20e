package config

import (
	"fmt"
	"os"
	"strings"
)

const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderGoogle    = "google"
	ProviderOllama    = "ollama"

	EnvAnthropicAPIKey = "ANTHROPIC_API_KEY"
	EnvClaudeAPIKey    = "CLAUDE_API_KEY" // accepted as an alias for EnvAnthropicAPIKey
	EnvOpenAIAPIKey    = "OPENAI_API_KEY"
	EnvGoogleAPIKey    = "GOOGLE_GENAI_API_KEY"
	EnvOllamaHost      = "OLLAMA_HOST"

	DefaultOllamaHost = "http://localhost:11434"
)

// ModelInfo is static provider and pricing data for a model.
type ModelInfo struct {
	Provider  string
	InputCPM  float64 // USD per million input tokens
	OutputCPM float64 // USD per million output tokens
}

// KnownModels lists models with pricing. Other models still work when a
// ProviderPatterns prefix matches; they are priced at zero.
//
//nolint:gochecknoglobals // static registry
var KnownModels = map[string]ModelInfo{
	"claude-3-5-sonnet-20241022": {ProviderAnthropic, 3.0, 15.0},
	"claude-sonnet-4-5":          {ProviderAnthropic, 3.0, 15.0},
	"claude-opus-4-1":            {ProviderAnthropic, 15.0, 75.0},
	"gpt-4o":                     {ProviderOpenAI, 2.5, 10.0},
	"gpt-4o-mini":                {ProviderOpenAI, 0.15, 0.6},
	"o4-mini":                    {ProviderOpenAI, 1.1, 4.4},
	"gemini-2.0-flash":           {ProviderGoogle, 0.10, 0.40},
	"gemini-2.5-flash":           {ProviderGoogle, 0.30, 2.50},
	"deepseek-coder-v2":          {ProviderOllama, 0, 0},
}

type ProviderPattern struct {
	Prefix   string
	Provider string
}

//nolint:gochecknoglobals // static inference rules
var ProviderPatterns = []ProviderPattern{
	{"claude", ProviderAnthropic},
	{"gpt", ProviderOpenAI},
	{"o1", ProviderOpenAI},
	{"o3", ProviderOpenAI},
	{"o4", ProviderOpenAI},
	{"gemini", ProviderGoogle},
	{"deepseek", ProviderOllama},
	{"llama", ProviderOllama},
	{"codellama", ProviderOllama},
	{"qwen", ProviderOllama},
	{"mistral", ProviderOllama},
	{"phi", ProviderOllama},
	{"ollama:", ProviderOllama}, // explicit, e.g. "ollama:granite-code"
}

// GetModelProvider maps a model name to its provider, first by KnownModels,
// then by prefix.
func GetModelProvider(modelName string) (string, error) {
	if info, ok := KnownModels[modelName]; ok {
		return info.Provider, nil
	}
	for _, p := range ProviderPatterns {
		if strings.HasPrefix(modelName, p.Prefix) {
			return p.Provider, nil
		}
	}
	return "", fmt.Errorf("unknown model %q: no provider mapping", modelName)
}

// CalculateCost prices a call; unknown models cost nothing.
func CalculateCost(modelName string, promptTokens, completionTokens int) float64 {
	info, ok := KnownModels[modelName]
	if !ok {
		return 0
	}
	return float64(promptTokens)/1_000_000*info.InputCPM + float64(completionTokens)/1_000_000*info.OutputCPM
}

// GetAPIKey returns the credential for provider: the decrypted secrets file
// wins over the environment. For Ollama it returns the host URL instead.
func GetAPIKey(provider string) (string, error) {
	var names []string
	switch provider {
	case ProviderAnthropic:
		names = []string{EnvAnthropicAPIKey, EnvClaudeAPIKey}
	case ProviderOpenAI:
		names = []string{EnvOpenAIAPIKey}
	case ProviderGoogle:
		names = []string{EnvGoogleAPIKey}
	case ProviderOllama:
		if host, err := GetSecret(EnvOllamaHost); err == nil {
			return host, nil
		}
		return DefaultOllamaHost, nil
	default:
		return "", fmt.Errorf("unknown provider: %s", provider)
	}

	for _, name := range names {
		if key, err := GetSecret(name); err == nil {
			return key, nil
		}
	}
	return "", fmt.Errorf("API key not found: set %s in the secrets file or environment", names[0])
}

// OllamaHostFromEnv reports the configured Ollama host, for diagnostics.
func OllamaHostFromEnv() string {
	if h := os.Getenv(EnvOllamaHost); h != "" {
		return h
	}
	return DefaultOllamaHost
}
