package circuit

import (
	"context"

	"devopsagent/pkg/agent/llm"
)

// Middleware rejects calls while the breaker is open so a dead backend is not
// hammered by every running task.
func Middleware(breaker Breaker) llm.Middleware {
	return func(next llm.LLMClient) llm.LLMClient {
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				if !breaker.Allow() {
					return llm.CompletionResponse{}, &Error{State: breaker.GetState()}
				}
				resp, err := next.Complete(ctx, req)
				// Caller cancellation says nothing about backend health.
				if ctx.Err() == nil {
					breaker.Record(err == nil)
				}
				return resp, err //nolint:wrapcheck // pass-through
			},
			next.GetModelName,
		)
	}
}
