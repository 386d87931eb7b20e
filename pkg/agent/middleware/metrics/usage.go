package metrics

import (
	"sync"
	"time"
)

// TaskUsage is the aggregated model usage of one task.
type TaskUsage struct {
	TaskID           string    `json:"task_id"`
	PromptTokens     int64     `json:"prompt_tokens"`
	CompletionTokens int64     `json:"completion_tokens"`
	TotalTokens      int64     `json:"total_tokens"`
	RequestCount     int64     `json:"request_count"`
	FailedCount      int64     `json:"failed_count"`
	TotalCost        float64   `json:"total_cost_usd"`
	LastUpdated      time.Time `json:"last_updated"`
}

// UsageRecorder aggregates usage per task in memory. It backs the usage
// endpoint when no Prometheus server is configured.
type UsageRecorder struct {
	mu    sync.RWMutex
	tasks map[string]*TaskUsage
}

func NewUsageRecorder() *UsageRecorder {
	return &UsageRecorder{tasks: make(map[string]*TaskUsage)}
}

func (r *UsageRecorder) ObserveRequest(
	_, taskID, _ string,
	promptTokens, completionTokens int,
	cost float64,
	success bool,
	_ string,
	_ time.Duration,
) {
	if taskID == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.tasks[taskID]
	if !ok {
		u = &TaskUsage{TaskID: taskID}
		r.tasks[taskID] = u
	}
	u.RequestCount++
	u.LastUpdated = time.Now()
	if !success {
		u.FailedCount++
		return
	}
	u.PromptTokens += int64(promptTokens)
	u.CompletionTokens += int64(completionTokens)
	u.TotalTokens = u.PromptTokens + u.CompletionTokens
	u.TotalCost += cost
}

// TaskUsage returns a copy of the task's usage, or nil if the task made no calls.
func (r *UsageRecorder) TaskUsage(taskID string) *TaskUsage {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.tasks[taskID]
	if !ok {
		return nil
	}
	cp := *u
	return &cp
}
