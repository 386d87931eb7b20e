package orchestrator

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"devopsagent/pkg/proto"
)

// Metrics are the task-level Prometheus series. A nil *Metrics records nothing.
type Metrics struct {
	tasksStarted    prometheus.Counter
	tasksFinished   *prometheus.CounterVec
	activeTasks     prometheus.Gauge
	events          *prometheus.CounterVec
	approvalWait    *prometheus.HistogramVec
	commandDuration *prometheus.HistogramVec
}

// NewMetrics registers the orchestrator series with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		tasksStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "devops_tasks_started_total",
			Help: "Tasks accepted by the orchestrator.",
		}),
		tasksFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "devops_tasks_finished_total",
			Help: "Tasks that reached a terminal status.",
		}, []string{"status"}),
		activeTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "devops_tasks_active",
			Help: "Tasks whose loop is running.",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "devops_step_events_total",
			Help: "Step events emitted, by kind.",
		}, []string{"kind"}),
		approvalWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "devops_approval_wait_seconds",
			Help:    "Time between an approval request and the human decision.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 900, 1800},
		}, []string{"decision"}),
		commandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "devops_command_duration_seconds",
			Help:    "Duration of approved commands.",
			Buckets: prometheus.DefBuckets,
		}, []string{"outcome"}),
	}
	reg.MustRegister(m.tasksStarted, m.tasksFinished, m.activeTasks, m.events, m.approvalWait, m.commandDuration)
	return m
}

func (m *Metrics) taskStarted() {
	if m == nil {
		return
	}
	m.tasksStarted.Inc()
	m.activeTasks.Inc()
}

func (m *Metrics) taskFinished(status proto.TaskStatus) {
	if m == nil {
		return
	}
	m.tasksFinished.WithLabelValues(status.String()).Inc()
	m.activeTasks.Dec()
}

func (m *Metrics) event(kind proto.EventKind) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(kind.String()).Inc()
}

func (m *Metrics) decided(decision string, waited time.Duration) {
	if m == nil {
		return
	}
	m.approvalWait.WithLabelValues(decision).Observe(waited.Seconds())
}

func (m *Metrics) command(ok bool, d time.Duration) {
	if m == nil {
		return
	}
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	m.commandDuration.WithLabelValues(outcome).Observe(d.Seconds())
}
