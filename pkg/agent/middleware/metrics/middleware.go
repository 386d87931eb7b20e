package metrics

import (
	"context"
	"errors"
	"strings"
	"time"

	"devopsagent/pkg/agent/llm"
	"devopsagent/pkg/agent/llmerrors"
	"devopsagent/pkg/agent/middleware/resilience/circuit"
	"devopsagent/pkg/logx"
	"devopsagent/pkg/utils"
)

// UsageExtractor estimates token usage of a call.
type UsageExtractor func(req llm.CompletionRequest, resp llm.CompletionResponse) (promptTokens, completionTokens int)

// CostFunc prices a call in USD.
type CostFunc func(model string, promptTokens, completionTokens int) float64

// DefaultUsageExtractor counts tokens with the tiktoken GPT-4 encoding.
func DefaultUsageExtractor(req llm.CompletionRequest, resp llm.CompletionResponse) (promptTokens, completionTokens int) {
	var sb strings.Builder
	for i := range req.Messages {
		sb.WriteString(req.Messages[i].Content)
		sb.WriteByte('\n')
	}
	return utils.CountTokens(sb.String()), utils.CountTokens(resp.Content)
}

// Middleware observes every Complete call. The task and agent role come from
// the request context (logx.WithTaskID, llm.WithAgentRole).
func Middleware(recorder Recorder, usage UsageExtractor, cost CostFunc, logger *logx.Logger) llm.Middleware {
	if usage == nil {
		usage = DefaultUsageExtractor
	}
	return func(next llm.LLMClient) llm.LLMClient {
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				start := time.Now()
				resp, err := next.Complete(ctx, req)
				duration := time.Since(start)

				model := next.GetModelName()
				taskID := logx.TaskIDFrom(ctx)
				role := llm.AgentRoleFrom(ctx)

				var promptTokens, completionTokens int
				var price float64
				if err == nil {
					promptTokens, completionTokens = usage(req, resp)
					if cost != nil {
						price = cost(model, promptTokens, completionTokens)
					}
				}
				recorder.ObserveRequest(model, taskID, role, promptTokens, completionTokens, price, err == nil, errorType(err), duration)

				if logger != nil {
					status := "success"
					if err != nil {
						status = "error"
					}
					logger.Info("LLM request: model=%s task=%s role=%s tokens=%d+%d status=%s duration=%dms",
						model, taskID, role, promptTokens, completionTokens, status, duration.Milliseconds())
				}
				return resp, err //nolint:wrapcheck // pass-through
			},
			next.GetModelName,
		)
	}
}

func errorType(err error) string {
	if err == nil {
		return ""
	}
	var circuitErr *circuit.Error
	switch {
	case errors.As(err, &circuitErr):
		return "circuit_breaker"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return llmerrors.TypeOf(err).String()
	}
}
