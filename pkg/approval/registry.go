// Package approval hands human decisions from the HTTP layer to the task loop
// waiting on them. Each proposed command gets a fresh step ID and a one-slot
// channel; a step can be decided once.
package approval

import (
	"context"
	"errors"
	"sort"
	"sync"

	"devopsagent/pkg/proto"
	"devopsagent/pkg/utils"
)

var (
	// ErrUnknownStep is returned for step IDs that were never registered.
	ErrUnknownStep = errors.New("unknown step")

	// ErrAlreadyProcessed is returned when a step was decided, released or
	// closed before.
	ErrAlreadyProcessed = errors.New("already processed")

	// ErrCancelled is returned by Await when the task stops waiting.
	ErrCancelled = errors.New("approval cancelled")
)

// maxTombstones bounds the memory of finished step IDs.
const maxTombstones = 10000

// Handoff is the single-slot channel of one step.
type Handoff struct {
	StepID string
	TaskID string

	ch        chan proto.Decision
	done      chan struct{}
	closeOnce sync.Once
	delivered bool // guarded by Registry.mu
}

func (h *Handoff) close() {
	h.closeOnce.Do(func() { close(h.done) })
}

// Registry maps step IDs to open handoffs. It is safe for concurrent use.
type Registry struct {
	mu         sync.Mutex
	pending    map[string]*Handoff
	byTask     map[string]map[string]struct{}
	tombstones map[string]struct{}
	order      []string
}

func NewRegistry() *Registry {
	return &Registry{
		pending:    make(map[string]*Handoff),
		byTask:     make(map[string]map[string]struct{}),
		tombstones: make(map[string]struct{}),
	}
}

// Register allocates a new step for taskID.
func (r *Registry) Register(taskID string) *Handoff {
	h := &Handoff{
		StepID: utils.NewID(),
		TaskID: taskID,
		ch:     make(chan proto.Decision, 1),
		done:   make(chan struct{}),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending[h.StepID] = h
	steps, ok := r.byTask[taskID]
	if !ok {
		steps = make(map[string]struct{})
		r.byTask[taskID] = steps
	}
	steps[h.StepID] = struct{}{}
	return h
}

// Deliver sends d to the step and returns the owning task ID. Only the first
// delivery for a step succeeds.
func (r *Registry) Deliver(stepID string, d proto.Decision) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.pending[stepID]
	if !ok {
		if _, done := r.tombstones[stepID]; done {
			return "", ErrAlreadyProcessed
		}
		return "", ErrUnknownStep
	}
	if h.delivered {
		return h.TaskID, ErrAlreadyProcessed
	}
	select {
	case h.ch <- d:
		h.delivered = true
		return h.TaskID, nil
	default:
		return h.TaskID, ErrAlreadyProcessed
	}
}

// Await blocks until a decision arrives, ctx is done or the handoff is closed.
func (r *Registry) Await(ctx context.Context, h *Handoff) (proto.Decision, error) {
	select {
	case d := <-h.ch:
		return d, nil
	case <-ctx.Done():
		return proto.Decision{}, ErrCancelled
	case <-h.done:
		return proto.Decision{}, ErrCancelled
	}
}

// Release forgets a step after its decision was consumed. Later deliveries
// report ErrAlreadyProcessed.
func (r *Registry) Release(stepID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.pending[stepID]; ok {
		r.remove(h)
	}
}

// CloseTask closes every open handoff of taskID, waking its waiter, and
// returns how many were closed.
func (r *Registry) CloseTask(taskID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for stepID := range r.byTask[taskID] {
		if h, ok := r.pending[stepID]; ok {
			h.close()
			r.remove(h)
			n++
		}
	}
	delete(r.byTask, taskID)
	return n
}

// Pending lists the open step IDs of taskID in sorted order.
func (r *Registry) Pending(taskID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.byTask[taskID]))
	for stepID := range r.byTask[taskID] {
		out = append(out, stepID)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of open handoffs across all tasks.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// remove must be called with r.mu held.
func (r *Registry) remove(h *Handoff) {
	delete(r.pending, h.StepID)
	if steps, ok := r.byTask[h.TaskID]; ok {
		delete(steps, h.StepID)
		if len(steps) == 0 {
			delete(r.byTask, h.TaskID)
		}
	}

	r.tombstones[h.StepID] = struct{}{}
	r.order = append(r.order, h.StepID)
	if len(r.order) > maxTombstones {
		drop := len(r.order) - maxTombstones
		for _, id := range r.order[:drop] {
			delete(r.tombstones, id)
		}
		r.order = append([]string(nil), r.order[drop:]...)
	}
}
