package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusRecorder exports model call metrics. Series are labelled by task so
// pkg/metrics can answer per-task usage queries.
type PrometheusRecorder struct {
	requestsTotal   *prometheus.CounterVec
	tokensTotal     *prometheus.CounterVec
	costsTotal      *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

// NewPrometheusRecorder registers the collectors with reg. Tests pass a fresh
// prometheus.NewRegistry(); the server passes prometheus.DefaultRegisterer.
func NewPrometheusRecorder(reg prometheus.Registerer) *PrometheusRecorder {
	factory := promauto.With(reg)
	return &PrometheusRecorder{
		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llm_requests_total",
				Help: "Model calls by model, task, agent role and outcome.",
			},
			[]string{"model", "task_id", "role", "status", "error_type"},
		),
		tokensTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llm_tokens_total",
				Help: "Estimated tokens used by model calls.",
			},
			[]string{"model", "task_id", "role", "type"},
		),
		costsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llm_costs_total",
				Help: "Estimated cost in USD of model calls.",
			},
			[]string{"model", "task_id", "role"},
		),
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "llm_request_duration_seconds",
				Help:    "Latency of model calls.",
				Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40, 80},
			},
			[]string{"model", "role"},
		),
	}
}

func (p *PrometheusRecorder) ObserveRequest(
	model, taskID, role string,
	promptTokens, completionTokens int,
	cost float64,
	success bool,
	errorType string,
	duration time.Duration,
) {
	status := "success"
	if !success {
		status = "error"
	}
	p.requestsTotal.WithLabelValues(model, taskID, role, status, errorType).Inc()
	if success {
		p.tokensTotal.WithLabelValues(model, taskID, role, "prompt").Add(float64(promptTokens))
		p.tokensTotal.WithLabelValues(model, taskID, role, "completion").Add(float64(completionTokens))
		p.costsTotal.WithLabelValues(model, taskID, role).Add(cost)
	}
	p.requestDuration.WithLabelValues(model, role).Observe(duration.Seconds())
}
