package retry

import (
	"context"
	"fmt"
	"time"

	"devopsagent/pkg/agent/llm"
	"devopsagent/pkg/agent/llmerrors"
	"devopsagent/pkg/logx"
)

// Middleware retries Complete according to policy. Once a retryable error has
// used up every attempt it is reported as ServiceUnavailable.
func Middleware(policy *Policy) llm.Middleware {
	logger := logx.NewLogger("llm-retry")
	return func(next llm.LLMClient) llm.LLMClient {
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				var lastErr error
				attempts := 0

				for attempt := 1; attempt <= policy.Config.MaxAttempts; attempt++ {
					if delay := policy.CalculateDelay(attempt); delay > 0 {
						select {
						case <-ctx.Done():
							return llm.CompletionResponse{}, fmt.Errorf("retry cancelled: %w", ctx.Err())
						case <-time.After(delay):
						}
					}

					attempts = attempt
					resp, err := next.Complete(ctx, req)
					if err == nil {
						return resp, nil
					}
					lastErr = err

					if ctx.Err() != nil || !policy.ShouldRetry(err) {
						break
					}
					if attempt < policy.Config.MaxAttempts {
						logger.Warn("%s attempt %d/%d failed: %v", next.GetModelName(), attempt, policy.Config.MaxAttempts, err)
					}
				}

				if ctx.Err() == nil && policy.ShouldRetry(lastErr) {
					return llm.CompletionResponse{}, llmerrors.NewServiceUnavailableError(lastErr, attempts)
				}
				return llm.CompletionResponse{}, lastErr
			},
			next.GetModelName,
		)
	}
}
