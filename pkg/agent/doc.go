// Package agent builds the model clients used by the prompt, reasoning and
// reflector agents.
//
// Layout:
//   - llm: the completion contract and middleware chaining
//   - llmerrors: failure classification shared by providers and middleware
//   - middleware: metrics, circuit breaking, retry and timeouts
//   - internal/llmimpl: one adapter per provider (Anthropic, OpenAI, Gemini, Ollama)
//
// Callers ask LLMClientFactory for a client per agent Type and get back the
// provider wrapped in the full middleware chain.
package agent
