// Package metrics records latency, token usage and cost of model calls.
package metrics

import (
	"time"
)

// Recorder receives one observation per model call.
type Recorder interface {
	ObserveRequest(
		model, taskID, role string,
		promptTokens, completionTokens int,
		cost float64,
		success bool,
		errorType string,
		duration time.Duration,
	)
}

type noopRecorder struct{}

// Nop discards observations.
func Nop() Recorder {
	return noopRecorder{}
}

func (noopRecorder) ObserveRequest(_, _, _ string, _, _ int, _ float64, _ bool, _ string, _ time.Duration) {
}

type multiRecorder []Recorder

// Multi fans each observation out to every recorder.
func Multi(recorders ...Recorder) Recorder {
	return multiRecorder(recorders)
}

func (m multiRecorder) ObserveRequest(
	model, taskID, role string,
	promptTokens, completionTokens int,
	cost float64,
	success bool,
	errorType string,
	duration time.Duration,
) {
	for _, r := range m {
		r.ObserveRequest(model, taskID, role, promptTokens, completionTokens, cost, success, errorType, duration)
	}
}
