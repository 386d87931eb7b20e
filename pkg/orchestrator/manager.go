// Package orchestrator drives tasks: it refines the request, syncs the working
// copy and runs the reasoning loop, pausing for a human decision before every
// command. Each task runs in its own goroutine and reports through an ordered
// stream of step events.
package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"text/template"
	"time"

	"devopsagent/pkg/agent/llm"
	"devopsagent/pkg/agents"
	"devopsagent/pkg/approval"
	"devopsagent/pkg/exec"
	"devopsagent/pkg/logx"
	"devopsagent/pkg/persistence"
	"devopsagent/pkg/prompts"
	"devopsagent/pkg/proto"
)

var (
	// ErrTaskActive is returned by Start when the id belongs to a running task.
	ErrTaskActive = errors.New("task already active")
	// ErrTaskExists is returned by Start when the id belongs to a finished task,
	// including one persisted by an earlier process.
	ErrTaskExists = errors.New("task id already used")
	// ErrTaskNotFound is returned for ids with no running task.
	ErrTaskNotFound = errors.New("task not found")
)

const defaultEventBuffer = 64

// TaskStore persists tasks and their history. *persistence.Store satisfies it.
type TaskStore interface {
	CreateTask(ctx context.Context, id, repo, input string) error
	SetRefinedInput(ctx context.Context, id, refined string) error
	UpdateTaskStatus(ctx context.Context, id string, status proto.TaskStatus, detail string) error
	AppendMessage(ctx context.Context, taskID string, seq int, msg llm.CompletionMessage) error
}

// EventLog records emitted events. *eventlog.Writer satisfies it.
type EventLog interface {
	WriteEvent(ev *proto.StepEvent) error
}

// Deps are the collaborators of a Manager. Store, Events and Metrics are optional.
type Deps struct {
	Prompt    *agents.PromptAgent
	Reasoning *agents.ReasoningAgent
	Reflector *agents.ReflectorAgent
	Workspace *exec.Workspace
	Approvals *approval.Registry
	Pack      *prompts.Pack

	Store   TaskStore
	Events  EventLog
	Metrics *Metrics
}

// Options tune the reasoning loop.
type Options struct {
	// Branch is the remote branch the working copy is synced against.
	Branch string
	// CloneURLTemplate renders the clone URL from {{.Owner}} and {{.Repo}}.
	CloneURLTemplate string
	Owner            string
	// MaxSteps bounds reasoning calls per task; 0 means unbounded.
	MaxSteps int
	// FinalAnswerRetries is how many consecutive premature "Final Answer"
	// replies are pushed back before one is accepted.
	FinalAnswerRetries int
	EventBuffer        int
}

// Task is a snapshot of one task.
type Task struct {
	ID           string                  `json:"task_id"`
	RepoName     string                  `json:"repo_name"`
	Input        string                  `json:"input"`
	RefinedInput string                  `json:"refined_input,omitempty"`
	Status       proto.TaskStatus        `json:"status"`
	History      []llm.CompletionMessage `json:"history"`
	Events       []proto.StepEvent       `json:"-"`
	PendingStep  string                  `json:"pending_step,omitempty"`
	CreatedAt    time.Time               `json:"created_at"`
	UpdatedAt    time.Time               `json:"updated_at"`
}

// task is the live record. Only its loop goroutine writes it.
type task struct {
	mu     sync.RWMutex
	info   Task
	cancel context.CancelFunc
}

func (t *task) snapshot() Task {
	t.mu.RLock()
	defer t.mu.RUnlock()
	cp := t.info
	cp.History = append([]llm.CompletionMessage(nil), t.info.History...)
	cp.Events = append([]proto.StepEvent(nil), t.info.Events...)
	return cp
}

func (t *task) update(fn func(info *Task)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(&t.info)
	t.info.UpdatedAt = time.Now()
}

// Manager owns every task of the process.
type Manager struct {
	deps      Deps
	opts      Options
	cloneTmpl *template.Template
	logger    *logx.Logger

	mu     sync.RWMutex
	tasks  map[string]*task
	active map[string]*task

	wg sync.WaitGroup
}

// NewManager validates deps and opts and returns an idle manager.
func NewManager(deps Deps, opts Options) (*Manager, error) {
	switch {
	case deps.Prompt == nil, deps.Reasoning == nil, deps.Reflector == nil:
		return nil, errors.New("orchestrator: prompt, reasoning and reflector agents are required")
	case deps.Workspace == nil:
		return nil, errors.New("orchestrator: workspace is required")
	case deps.Approvals == nil:
		return nil, errors.New("orchestrator: approval registry is required")
	case deps.Pack == nil:
		return nil, errors.New("orchestrator: prompt pack is required")
	}
	if opts.Branch == "" {
		opts.Branch = "main"
	}
	if opts.CloneURLTemplate == "" {
		opts.CloneURLTemplate = "https://github.com/{{.Owner}}/{{.Repo}}.git"
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = defaultEventBuffer
	}
	if opts.MaxSteps < 0 {
		opts.MaxSteps = 0
	}
	if opts.FinalAnswerRetries < 0 {
		opts.FinalAnswerRetries = 0
	}

	tmpl, err := template.New("clone_url").Option("missingkey=error").Parse(opts.CloneURLTemplate)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: invalid clone url template: %w", err)
	}

	return &Manager{
		deps:      deps,
		opts:      opts,
		cloneTmpl: tmpl,
		logger:    logx.NewLogger("orchestrator"),
		tasks:     make(map[string]*task),
		active:    make(map[string]*task),
	}, nil
}

// CloneURL renders the clone URL of repo.
func (m *Manager) CloneURL(repo string) string {
	var buf bytes.Buffer
	if err := m.cloneTmpl.Execute(&buf, struct{ Owner, Repo string }{m.opts.Owner, repo}); err != nil {
		m.logger.Warn("clone url template: %v", err)
		return repo
	}
	return buf.String()
}

// Start launches the loop of a new task and returns its event stream. The
// stream is closed after the terminal event; callers must drain it. The task
// is cancelled when ctx ends.
func (m *Manager) Start(ctx context.Context, taskID, repo, input string) (<-chan proto.StepEvent, error) {
	if taskID == "" {
		return nil, errors.New("task id is required")
	}

	m.mu.Lock()
	if _, ok := m.active[taskID]; ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrTaskActive, taskID)
	}
	if _, ok := m.tasks[taskID]; ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrTaskExists, taskID)
	}
	if m.deps.Store != nil {
		// Ids persisted by an earlier process are not in the maps.
		err := m.deps.Store.CreateTask(logx.WithTaskID(ctx, taskID), taskID, repo, input)
		if errors.Is(err, persistence.ErrTaskExists) {
			m.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrTaskExists, taskID)
		}
		if err != nil {
			m.logger.Warn("persist task %s: %v", taskID, err)
		}
	}

	taskCtx, cancel := context.WithCancel(logx.WithTaskID(ctx, taskID))
	now := time.Now()
	t := &task{
		info: Task{
			ID:        taskID,
			RepoName:  repo,
			Input:     input,
			Status:    proto.TaskRunning,
			CreatedAt: now,
			UpdatedAt: now,
		},
		cancel: cancel,
	}
	m.tasks[taskID] = t
	m.active[taskID] = t
	m.wg.Add(1)
	m.mu.Unlock()

	m.deps.Metrics.taskStarted()
	m.logger.Info("🚀 task %s started for repository %s", taskID, repo)

	events := make(chan proto.StepEvent, m.opts.EventBuffer)
	l := newLoop(m, t, events)
	go func() {
		defer m.wg.Done()
		defer cancel()
		l.run(taskCtx)
	}()
	return events, nil
}

// Cancel stops a running task. Its stream ends with a Cancelled event.
func (m *Manager) Cancel(taskID string) error {
	m.mu.RLock()
	t, ok := m.active[taskID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	m.cancelTask(t)
	return nil
}

// CancelAll stops every running task and returns their ids.
func (m *Manager) CancelAll() []string {
	m.mu.RLock()
	running := make([]*task, 0, len(m.active))
	for _, t := range m.active {
		running = append(running, t)
	}
	m.mu.RUnlock()

	ids := make([]string, 0, len(running))
	for _, t := range running {
		m.cancelTask(t)
		ids = append(ids, t.info.ID)
	}
	sort.Strings(ids)
	return ids
}

func (m *Manager) cancelTask(t *task) {
	t.cancel()
	if n := m.deps.Approvals.CloseTask(t.info.ID); n > 0 {
		m.logger.Info("closed %d pending approval(s) of task %s", n, t.info.ID)
	}
}

// Task returns a snapshot of a task, running or finished.
func (m *Manager) Task(taskID string) (Task, bool) {
	m.mu.RLock()
	t, ok := m.tasks[taskID]
	m.mu.RUnlock()
	if !ok {
		return Task{}, false
	}
	return t.snapshot(), true
}

// Tasks returns snapshots of every known task, newest first.
func (m *Manager) Tasks() []Task {
	m.mu.RLock()
	all := make([]*task, 0, len(m.tasks))
	for _, t := range m.tasks {
		all = append(all, t)
	}
	m.mu.RUnlock()

	out := make([]Task, 0, len(all))
	for _, t := range all {
		out = append(out, t.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Active returns the ids of running tasks.
func (m *Manager) Active() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (m *Manager) deactivate(taskID string) {
	m.mu.Lock()
	delete(m.active, taskID)
	m.mu.Unlock()
}

// Shutdown cancels every task and waits for the loops to exit or ctx to end.
func (m *Manager) Shutdown(ctx context.Context) error {
	if ids := m.CancelAll(); len(ids) > 0 {
		m.logger.Info("cancelling %d running task(s)", len(ids))
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		m.logger.Warn("task loops did not stop before shutdown deadline")
		return ctx.Err() //nolint:wrapcheck // deadline reported as is
	}
}
