// Package metrics answers per-task usage questions, from Prometheus when a
// server is configured and from the in-process recorder otherwise.
package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"

	llmmetrics "devopsagent/pkg/agent/middleware/metrics"
)

// TaskUsage is the aggregated model usage of one task.
type TaskUsage = llmmetrics.TaskUsage

// Source reports usage for a task. A nil result with a nil error means the
// task made no model calls.
type Source interface {
	TaskUsage(ctx context.Context, taskID string) (*TaskUsage, error)
}

// QueryService queries Prometheus for the counters written by the LLM metrics
// middleware.
type QueryService struct {
	queryAPI v1.API
}

// NewQueryService creates a new metrics query service.
func NewQueryService(prometheusURL string) (*QueryService, error) {
	client, err := api.NewClient(api.Config{Address: prometheusURL})
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus client: %w", err)
	}
	return &QueryService{queryAPI: v1.NewAPI(client)}, nil
}

func (q *QueryService) scalar(ctx context.Context, query string) (float64, error) {
	result, _, err := q.queryAPI.Query(ctx, query, time.Now())
	if err != nil {
		return 0, fmt.Errorf("prometheus query %q: %w", query, err)
	}
	if vector, ok := result.(model.Vector); ok && len(vector) > 0 {
		return float64(vector[0].Value), nil
	}
	return 0, nil
}

// TaskUsage sums tokens, cost and request counts for taskID across every model
// and agent role.
func (q *QueryService) TaskUsage(ctx context.Context, taskID string) (*TaskUsage, error) {
	queries := []struct {
		query string
		set   func(u *TaskUsage, v float64)
	}{
		{fmt.Sprintf(`sum(llm_tokens_total{task_id=%q, type="prompt"})`, taskID),
			func(u *TaskUsage, v float64) { u.PromptTokens = int64(v) }},
		{fmt.Sprintf(`sum(llm_tokens_total{task_id=%q, type="completion"})`, taskID),
			func(u *TaskUsage, v float64) { u.CompletionTokens = int64(v) }},
		{fmt.Sprintf(`sum(llm_costs_total{task_id=%q})`, taskID),
			func(u *TaskUsage, v float64) { u.TotalCost = v }},
		{fmt.Sprintf(`sum(llm_requests_total{task_id=%q})`, taskID),
			func(u *TaskUsage, v float64) { u.RequestCount = int64(v) }},
		{fmt.Sprintf(`sum(llm_requests_total{task_id=%q, status="error"})`, taskID),
			func(u *TaskUsage, v float64) { u.FailedCount = int64(v) }},
	}

	usage := &TaskUsage{TaskID: taskID}
	for _, item := range queries {
		v, err := q.scalar(ctx, item.query)
		if err != nil {
			return nil, err
		}
		item.set(usage, v)
	}
	if usage.RequestCount == 0 {
		return nil, nil //nolint:nilnil // no calls recorded
	}
	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	usage.LastUpdated = time.Now()
	return usage, nil
}

// TaskUsageByModel breaks a task's token usage down by model.
func (q *QueryService) TaskUsageByModel(ctx context.Context, taskID string) (map[string]*TaskUsage, error) {
	query := fmt.Sprintf(`sum by (model, type) (llm_tokens_total{task_id=%q})`, taskID)
	result, _, err := q.queryAPI.Query(ctx, query, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query models: %w", err)
	}

	out := make(map[string]*TaskUsage)
	vector, ok := result.(model.Vector)
	if !ok {
		return out, nil
	}
	for _, sample := range vector {
		name := string(sample.Metric["model"])
		u, ok := out[name]
		if !ok {
			u = &TaskUsage{TaskID: taskID}
			out[name] = u
		}
		switch sample.Metric["type"] {
		case "prompt":
			u.PromptTokens = int64(sample.Value)
		case "completion":
			u.CompletionTokens = int64(sample.Value)
		}
		u.TotalTokens = u.PromptTokens + u.CompletionTokens
	}
	return out, nil
}

// Local serves usage from the in-process recorder.
type Local struct {
	Recorder *llmmetrics.UsageRecorder
}

func (l Local) TaskUsage(_ context.Context, taskID string) (*TaskUsage, error) {
	return l.Recorder.TaskUsage(taskID), nil
}

// Fallback asks Primary first and Secondary when Primary fails or knows nothing.
type Fallback struct {
	Primary   Source
	Secondary Source
}

func (f Fallback) TaskUsage(ctx context.Context, taskID string) (*TaskUsage, error) {
	u, err := f.Primary.TaskUsage(ctx, taskID)
	if err == nil && u != nil {
		return u, nil
	}
	u2, err2 := f.Secondary.TaskUsage(ctx, taskID)
	if err2 != nil {
		return nil, err2
	}
	if u2 == nil && err != nil {
		return nil, err
	}
	return u2, nil
}
