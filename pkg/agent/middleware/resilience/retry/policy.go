// Package retry retries failed model calls with exponential backoff.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"strings"
	"time"

	"devopsagent/pkg/agent/llmerrors"
	"devopsagent/pkg/agent/middleware/resilience/circuit"
)

// Config controls attempts and backoff.
type Config struct {
	MaxAttempts   int           `json:"max_attempts"` // including the first call
	InitialDelay  time.Duration `json:"initial_delay"`
	MaxDelay      time.Duration `json:"max_delay"`
	BackoffFactor float64       `json:"backoff_factor"`
	Jitter        bool          `json:"jitter"`
}

//nolint:gochecknoglobals // default config pattern
var DefaultConfig = Config{
	MaxAttempts:   3,
	InitialDelay:  500 * time.Millisecond,
	MaxDelay:      10 * time.Second,
	BackoffFactor: 2.0,
	Jitter:        true,
}

// Classifier decides whether an error is worth another attempt.
type Classifier func(error) bool

// ShouldRetry is the default classifier. Classified backend errors follow
// their type; per-request deadlines are retried, caller cancellation and an
// open circuit are not; unclassified errors are matched on transport fragments.
func ShouldRetry(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}

	var circuitErr *circuit.Error
	if errors.As(err, &circuitErr) {
		return false
	}

	var llmErr *llmerrors.Error
	if errors.As(err, &llmErr) {
		return llmErr.IsRetryable()
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, fragment := range []string{"timeout", "connection", "temporary", "rate", "429", "500", "502", "503", "504"} {
		if strings.Contains(msg, fragment) {
			return true
		}
	}
	return false
}

type Policy struct {
	Config     Config
	Classifier Classifier
}

// NewPolicy builds a policy; a nil classifier means ShouldRetry.
func NewPolicy(config Config, classifier Classifier) *Policy {
	if classifier == nil {
		classifier = ShouldRetry
	}
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 1
	}
	return &Policy{Config: config, Classifier: classifier}
}

// CalculateDelay returns the wait before the given attempt (1-based). The
// first attempt never waits; later ones grow by BackoffFactor up to MaxDelay,
// with up to 10% jitter either way.
func (p *Policy) CalculateDelay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}

	delay := time.Duration(float64(p.Config.InitialDelay) * math.Pow(p.Config.BackoffFactor, float64(attempt-2)))
	if delay > p.Config.MaxDelay {
		delay = p.Config.MaxDelay
	}

	if p.Config.Jitter && delay > 0 {
		spread := float64(delay) * 0.1
		delay += time.Duration((rand.Float64()*2 - 1) * spread) //nolint:gosec // jitter only
		if delay < 0 {
			delay = p.Config.InitialDelay
		}
	}
	return delay
}

func (p *Policy) ShouldRetry(err error) bool {
	return p.Classifier(err)
}
