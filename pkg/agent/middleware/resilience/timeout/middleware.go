// Package timeout bounds each model call with its own deadline.
package timeout

import (
	"context"
	"time"

	"devopsagent/pkg/agent/llm"
)

// Middleware applies duration to every Complete call. A non-positive duration
// disables the middleware.
func Middleware(duration time.Duration) llm.Middleware {
	return func(next llm.LLMClient) llm.LLMClient {
		if duration <= 0 {
			return next
		}
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				timeoutCtx, cancel := context.WithTimeout(ctx, duration)
				defer cancel()
				return next.Complete(timeoutCtx, req)
			},
			next.GetModelName,
		)
	}
}
