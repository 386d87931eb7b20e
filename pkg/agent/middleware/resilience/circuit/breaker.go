// Package circuit stops calling a model backend after repeated failures and
// probes it again after a cool-down.
package circuit

import (
	"fmt"
	"sync"
	"time"
)

type State int

const (
	Closed   State = iota // calls flow
	Open                  // calls rejected
	HalfOpen              // probing
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

type Config struct {
	FailureThreshold int           `json:"failure_threshold"` // consecutive failures that open the circuit
	SuccessThreshold int           `json:"success_threshold"` // half-open successes that close it again
	Timeout          time.Duration `json:"timeout"`           // open duration before probing
}

//nolint:gochecknoglobals // default config pattern
var DefaultConfig = Config{
	FailureThreshold: 5,
	SuccessThreshold: 2,
	Timeout:          30 * time.Second,
}

// Error is returned while the circuit rejects calls.
type Error struct {
	State State
}

func (e *Error) Error() string {
	return fmt.Sprintf("circuit breaker is %s", e.State)
}

type Breaker interface {
	Allow() bool
	Record(success bool)
	GetState() State
	Reset()
}

type breaker struct {
	mu          sync.Mutex
	config      Config
	state       State
	failures    int
	successes   int
	openedAt    time.Time
	now         func() time.Time
	onStateChng func(from, to State)
}

// Option customises a breaker.
type Option func(*breaker)

// WithStateChangeHook is called, under the breaker lock, on every transition.
func WithStateChangeHook(fn func(from, to State)) Option {
	return func(b *breaker) { b.onStateChng = fn }
}

func withClock(now func() time.Time) Option {
	return func(b *breaker) { b.now = now }
}

func New(config Config, opts ...Option) Breaker {
	b := &breaker{config: config, state: Closed, now: time.Now}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == Open && b.now().Sub(b.openedAt) >= b.config.Timeout {
		b.transition(HalfOpen)
	}
	return b.state != Open
}

func (b *breaker) Record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if success {
		b.failures = 0
		if b.state == HalfOpen {
			b.successes++
			if b.successes >= b.config.SuccessThreshold {
				b.transition(Closed)
			}
		}
		return
	}

	b.failures++
	if b.state == HalfOpen || (b.state == Closed && b.failures >= b.config.FailureThreshold) {
		b.openedAt = b.now()
		b.transition(Open)
	}
}

func (b *breaker) GetState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.transition(Closed)
}

func (b *breaker) transition(to State) {
	from := b.state
	b.state = to
	b.successes = 0
	if from != to && b.onStateChng != nil {
		b.onStateChng(from, to)
	}
}
