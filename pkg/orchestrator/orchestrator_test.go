package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"devopsagent/pkg/agent"
	"devopsagent/pkg/agent/llm"
	"devopsagent/pkg/agents"
	"devopsagent/pkg/approval"
	"devopsagent/pkg/exec"
	"devopsagent/pkg/persistence"
	"devopsagent/pkg/prompts"
	"devopsagent/pkg/proto"
	"devopsagent/pkg/react"
)

func TestMain(m *testing.M) {
	// go.opencensus.io, pulled in by the Gemini client, starts a worker in init.
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

// fakeExecutor answers by command prefix. Commands listed in block wait for
// cancellation.
type fakeExecutor struct {
	mu      sync.Mutex
	calls   []fakeCall
	answers map[string]exec.Result
	block   map[string]bool
}

type fakeCall struct {
	command string
	workDir string
}

func (f *fakeExecutor) Run(ctx context.Context, cmd []string, opts *exec.Opts) (exec.Result, error) {
	command := cmd[len(cmd)-1]
	f.mu.Lock()
	f.calls = append(f.calls, fakeCall{command: command, workDir: opts.WorkDir})
	f.mu.Unlock()

	for prefix := range f.block {
		if strings.HasPrefix(command, prefix) {
			<-ctx.Done()
			return exec.Result{ExitCode: -1}, ctx.Err()
		}
	}
	for prefix, res := range f.answers {
		if strings.HasPrefix(command, prefix) {
			return res, nil
		}
	}
	return exec.Result{}, nil
}

func (f *fakeExecutor) Name() string { return "fake" }

func (f *fakeExecutor) ran() []fakeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fakeCall(nil), f.calls...)
}

func (f *fakeExecutor) commands() []string {
	var out []string
	for _, c := range f.ran() {
		out = append(out, c.command)
	}
	return out
}

type harness struct {
	m         *Manager
	prompt    *agent.MockLLMClient
	reasoning *agent.MockLLMClient
	reflector *agent.MockLLMClient
	exec      *fakeExecutor
	approvals *approval.Registry
	baseDir   string
}

type setup struct {
	prompt    []agent.MockReply
	reasoning []agent.MockReply
	reflector []string
	opts      Options
	withRepo  bool
	store     TaskStore
	metrics   *Metrics
}

func replies(contents ...string) []agent.MockReply {
	out := make([]agent.MockReply, len(contents))
	for i, c := range contents {
		out[i] = agent.MockReply{Content: c}
	}
	return out
}

func newHarness(t *testing.T, s setup) *harness {
	t.Helper()
	pack, err := prompts.Default()
	require.NoError(t, err)

	if s.prompt == nil {
		s.prompt = replies("Clone the demo repository.")
	}
	h := &harness{
		prompt:    agent.NewMockLLMClient(s.prompt...),
		reasoning: agent.NewMockLLMClient(s.reasoning...),
		reflector: agent.NewScriptedClient(s.reflector...),
		exec: &fakeExecutor{answers: map[string]exec.Result{
			"git rev-list": {Stdout: "0\t0"},
		}},
		approvals: approval.NewRegistry(),
		baseDir:   t.TempDir(),
	}
	if s.withRepo {
		require.NoError(t, os.MkdirAll(filepath.Join(h.baseDir, "demo"), 0o755))
	}
	if s.opts.Owner == "" {
		s.opts.Owner = "ex"
	}

	h.m, err = NewManager(Deps{
		Prompt:    agents.NewPromptAgent(h.prompt, pack, llm.ChatOptions{}),
		Reasoning: agents.NewReasoningAgent(h.reasoning, pack, h.baseDir, llm.ChatOptions{}),
		Reflector: agents.NewReflectorAgent(h.reflector, pack, h.baseDir, llm.ChatOptions{}),
		Workspace: exec.NewWorkspace(h.baseDir, h.exec, 0),
		Approvals: h.approvals,
		Pack:      pack,
		Store:     s.store,
		Metrics:   s.metrics,
	}, s.opts)
	require.NoError(t, err)
	return h
}

func next(t *testing.T, events <-chan proto.StepEvent) proto.StepEvent {
	t.Helper()
	select {
	case ev, ok := <-events:
		require.True(t, ok, "stream closed early")
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return proto.StepEvent{}
	}
}

// until reads events up to and including the first one of kind.
func until(t *testing.T, events <-chan proto.StepEvent, kind proto.EventKind) []proto.StepEvent {
	t.Helper()
	var seen []proto.StepEvent
	for {
		ev := next(t, events)
		seen = append(seen, ev)
		if ev.Kind == kind {
			return seen
		}
	}
}

// drain reads the rest of the stream and checks that it closes.
func drain(t *testing.T, events <-chan proto.StepEvent) []proto.StepEvent {
	t.Helper()
	var seen []proto.StepEvent
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return seen
			}
			seen = append(seen, ev)
		case <-deadline:
			t.Fatal("stream did not close")
			return seen
		}
	}
}

func (h *harness) decide(t *testing.T, events <-chan proto.StepEvent, d proto.Decision) proto.StepEvent {
	t.Helper()
	req := until(t, events, proto.EventApprovalRequired)
	approvalEv := req[len(req)-1]
	require.Equal(t, proto.EventAwaitingApproval, next(t, events).Kind)
	_, err := h.approvals.Deliver(approvalEv.StepID, d)
	require.NoError(t, err)
	return approvalEv
}

func kinds(events []proto.StepEvent) []proto.EventKind {
	out := make([]proto.EventKind, len(events))
	for i, ev := range events {
		out[i] = ev.Kind
	}
	return out
}

func assertAlternates(t *testing.T, history []llm.CompletionMessage) {
	t.Helper()
	require.NotEmpty(t, history)
	assert.Equal(t, llm.RoleSystem, history[0].Role)
	for i := 2; i < len(history); i++ {
		assert.NotEqual(t, history[i-1].Role, history[i].Role, "messages %d and %d share a role", i-1, i)
	}
}

func TestApproveClonePath(t *testing.T) {
	h := newHarness(t, setup{
		reasoning: replies(
			"Thought: the repository is missing\nAction: git clone https://github.com/ex/demo.git\nResult: Will be filled in after execution.",
			"Thought: cloned\nFinal Answer: cloned.",
		),
	})

	events, err := h.m.Start(context.Background(), "task-1", "demo", "clone the repo")
	require.NoError(t, err)

	first := next(t, events)
	assert.Equal(t, proto.EventRefinedTask, first.Kind)
	assert.Equal(t, "Clone the demo repository.", first.Text)

	req := h.decide(t, events, proto.Approve(""))
	assert.Equal(t, "git clone https://github.com/ex/demo.git", req.Command)

	rest := drain(t, events)
	require.Equal(t, []proto.EventKind{proto.EventResult, proto.EventThought, proto.EventCompleted}, kinds(rest))
	assert.Equal(t, "✅ Successfully executed: git clone https://github.com/ex/demo.git", rest[0].Text)
	assert.Equal(t, req.StepID, rest[0].StepID)
	assert.Equal(t, "cloned.", rest[2].Text)

	calls := h.exec.ran()
	require.Len(t, calls, 1, "missing repository must not be synced")
	assert.Equal(t, h.baseDir, calls[0].workDir)

	// The clone hint rides on the pinned task message.
	firstCall := h.reasoning.Requests()[0].Messages
	require.Len(t, firstCall, 2)
	assert.Contains(t, firstCall[1].Content, "The task is: Clone the demo repository. for repository demo.")
	assert.Contains(t, firstCall[1].Content, "git clone https://github.com/ex/demo.git")

	task, ok := h.m.Task("task-1")
	require.True(t, ok)
	assert.Equal(t, proto.TaskCompleted, task.Status)
	assertAlternates(t, task.History)
	assert.Empty(t, h.m.Active())
}

func TestEditedCommandIsExecuted(t *testing.T) {
	h := newHarness(t, setup{
		withRepo: true,
		reasoning: replies(
			"Thought: clean the build output\nAction: rm -rf build\nResult: Will be filled in after execution.",
			"Final Answer: build directory removed.",
		),
	})

	events, err := h.m.Start(context.Background(), "task-edit", "demo", "remove the build dir")
	require.NoError(t, err)

	h.decide(t, events, proto.Approve("rm -rf build/"))
	rest := drain(t, events)
	require.Equal(t, proto.EventResult, rest[0].Kind)
	assert.Equal(t, "rm -rf build/", rest[0].Command)

	cmds := h.exec.commands()
	assert.Contains(t, cmds, "rm -rf build/")
	assert.NotContains(t, cmds, "rm -rf build")
	assert.Contains(t, cmds, "git remote update", "existing working copy is synced first")
}

func TestRejectPath(t *testing.T) {
	h := newHarness(t, setup{
		withRepo: true,
		reasoning: replies(
			"Thought: wipe everything\nAction: rm -rf /\nResult: Will be filled in after execution.",
			"Thought: list instead\nAction: ls -la\nResult: Will be filled in after execution.",
			"Final Answer: listed.",
		),
		reflector: []string{"Action: ls -la"},
	})

	events, err := h.m.Start(context.Background(), "task-reject", "demo", "clean up")
	require.NoError(t, err)

	h.decide(t, events, proto.Reject())
	rejected := next(t, events)
	assert.Equal(t, proto.EventResult, rejected.Kind)
	assert.Equal(t, "⛔ Action rejected by user: rm -rf /", rejected.Text)
	suggestion := next(t, events)
	assert.Equal(t, proto.EventReflectorSuggestion, suggestion.Kind)
	assert.Equal(t, "Action: ls -la", suggestion.Text)

	h.decide(t, events, proto.Approve(""))
	rest := drain(t, events)
	assert.Equal(t, proto.EventCompleted, rest[len(rest)-1].Kind)

	assert.NotContains(t, h.exec.commands(), "rm -rf /")

	reflectorCall, ok := h.reflector.LastRequest()
	require.True(t, ok)
	assert.Contains(t, reflectorCall.Messages[len(reflectorCall.Messages)-1].Content, "User rejected this action.")

	second := h.reasoning.Requests()[1].Messages
	last := second[len(second)-1]
	assert.Equal(t, llm.RoleUser, last.Role)
	assert.Equal(t, "The action was rejected by the user. Consider this alternative:\nAction: ls -la", last.Content)
}

func TestExecutionFailureInvokesReflector(t *testing.T) {
	h := newHarness(t, setup{
		withRepo: true,
		reasoning: replies(
			"Thought: remove the workflow\nAction: test -f .github/workflows/ci.yml && rm .github/workflows/ci.yml\nResult: Will be filled in after execution.",
			"Thought: nothing to remove\nFinal Answer: no workflow present.",
		),
		reflector: []string{"Action: ls .github/workflows/"},
	})
	h.exec.answers["test -f"] = exec.Result{ExitCode: 1, Stderr: "no such file"}

	events, err := h.m.Start(context.Background(), "task-fail", "demo", "delete ci workflow")
	require.NoError(t, err)

	h.decide(t, events, proto.Approve(""))
	rest := drain(t, events)
	require.Equal(t, []proto.EventKind{
		proto.EventResult, proto.EventReflectorSuggestion, proto.EventThought, proto.EventCompleted,
	}, kinds(rest))
	assert.True(t, strings.HasPrefix(rest[0].Text, "❌ Command failed"))
	assert.Equal(t, "Action: ls .github/workflows/", rest[1].Text)

	second := h.reasoning.Requests()[1].Messages
	last := second[len(second)-1]
	assert.Equal(t, "Result: ❌ Command failed with error:\nno such file\n\nError occurred. Try this instead:\nAction: ls .github/workflows/", last.Content)
}

func TestPrematureFinalAnswerIsPushedBack(t *testing.T) {
	h := newHarness(t, setup{
		withRepo: true,
		reasoning: replies(
			"Final Answer: done.",
			"Thought: check first\nAction: git status\nResult: Will be filled in after execution.",
			"Final Answer: clean.",
		),
		opts: Options{FinalAnswerRetries: 2},
	})

	events, err := h.m.Start(context.Background(), "task-premature", "demo", "check status")
	require.NoError(t, err)

	seen := until(t, events, proto.EventApprovalRequired)
	assert.Equal(t, []proto.EventKind{
		proto.EventRefinedTask, proto.EventThought, proto.EventThought, proto.EventApprovalRequired,
	}, kinds(seen))
	require.Equal(t, proto.EventAwaitingApproval, next(t, events).Kind)
	_, err = h.approvals.Deliver(seen[len(seen)-1].StepID, proto.Approve(""))
	require.NoError(t, err)

	rest := drain(t, events)
	assert.Equal(t, proto.EventCompleted, rest[len(rest)-1].Kind)
	assert.Equal(t, "clean.", rest[len(rest)-1].Text)

	pack, _ := prompts.Default()
	correction := pack.MustRender(prompts.PrematureFinalAnswer, prompts.Data{Repo: "demo"})
	second := h.reasoning.Requests()[1].Messages
	assert.Equal(t, correction, second[len(second)-1].Content)
}

func TestPrematureFinalAnswerAcceptedAfterRetries(t *testing.T) {
	h := newHarness(t, setup{
		withRepo:  true,
		reasoning: replies("Final Answer: a", "Final Answer: b"),
		opts:      Options{FinalAnswerRetries: 1},
	})

	events, err := h.m.Start(context.Background(), "task-accept", "demo", "nothing")
	require.NoError(t, err)

	all := drain(t, events)
	require.Equal(t, []proto.EventKind{
		proto.EventRefinedTask, proto.EventThought, proto.EventThought, proto.EventCompleted,
	}, kinds(all))
	assert.Equal(t, "b", all[3].Text)
}

func TestCancelWhileAwaitingApproval(t *testing.T) {
	h := newHarness(t, setup{
		withRepo:  true,
		reasoning: replies("Action: terraform apply\nResult: Will be filled in after execution."),
	})

	events, err := h.m.Start(context.Background(), "task-cancel", "demo", "apply")
	require.NoError(t, err)

	req := until(t, events, proto.EventApprovalRequired)
	require.Equal(t, proto.EventAwaitingApproval, next(t, events).Kind)
	require.Equal(t, []string{"task-cancel"}, h.m.CancelAll())

	rest := drain(t, events)
	require.Equal(t, []proto.EventKind{proto.EventCancelled}, kinds(rest))

	_, err = h.approvals.Deliver(req[len(req)-1].StepID, proto.Approve(""))
	assert.Error(t, err)
	assert.Zero(t, h.approvals.Len())
	assert.NotContains(t, h.exec.commands(), "terraform apply")

	task, _ := h.m.Task("task-cancel")
	assert.Equal(t, proto.TaskCancelled, task.Status)
	assert.ErrorIs(t, h.m.Cancel("task-cancel"), ErrTaskNotFound)
}

func TestCancelDuringCommand(t *testing.T) {
	h := newHarness(t, setup{
		withRepo:  true,
		reasoning: replies("Action: sleep 600\nResult: Will be filled in after execution."),
	})
	h.exec.block = map[string]bool{"sleep": true}

	events, err := h.m.Start(context.Background(), "task-sleep", "demo", "wait")
	require.NoError(t, err)
	h.decide(t, events, proto.Approve(""))

	require.Eventually(t, func() bool {
		return len(h.exec.commands()) > 0 && h.exec.commands()[len(h.exec.commands())-1] == "sleep 600"
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, h.m.Cancel("task-sleep"))

	rest := drain(t, events)
	assert.Equal(t, []proto.EventKind{proto.EventCancelled}, kinds(rest), "a killed command yields no Result")
}

func TestParentContextCancelsTask(t *testing.T) {
	h := newHarness(t, setup{
		prompt: []agent.MockReply{{Block: true}},
	})
	ctx, cancel := context.WithCancel(context.Background())

	events, err := h.m.Start(ctx, "task-disconnect", "demo", "x")
	require.NoError(t, err)
	cancel()

	all := drain(t, events)
	assert.Equal(t, []proto.EventKind{proto.EventCancelled}, kinds(all))
}

func TestHallucinatedResultIsCorrected(t *testing.T) {
	h := newHarness(t, setup{
		withRepo: true,
		reasoning: replies(
			"Thought: list\nAction: ls\nResult: README.md main.go",
			"Final Answer: ok",
		),
		opts: Options{FinalAnswerRetries: 0},
	})

	events, err := h.m.Start(context.Background(), "task-halluc", "demo", "list files")
	require.NoError(t, err)
	all := drain(t, events)

	require.Equal(t, []proto.EventKind{proto.EventRefinedTask, proto.EventThought, proto.EventCompleted}, kinds(all))
	assert.Equal(t, "Final Answer: ok", all[1].Text)
	assert.NotContains(t, h.exec.commands(), "ls")

	second := h.reasoning.Requests()[1].Messages
	require.GreaterOrEqual(t, len(second), 4)
	assert.Equal(t, llm.RoleAssistant, second[len(second)-2].Role)
	assert.Contains(t, second[len(second)-1].Content, react.Placeholder)
	assertAlternates(t, second)
}

func TestFinalAnswerMayRecapResults(t *testing.T) {
	h := newHarness(t, setup{
		withRepo: true,
		reasoning: replies(
			"Thought: push\nAction: git push origin main\nResult: Will be filled in after execution.",
			"Thought: pushed\nResult: pushed OK\nFinal Answer: done",
		),
		opts: Options{FinalAnswerRetries: 0},
	})

	events, err := h.m.Start(context.Background(), "task-recap", "demo", "push it")
	require.NoError(t, err)
	h.decide(t, events, proto.Approve(""))
	rest := drain(t, events)

	require.Equal(t, []proto.EventKind{proto.EventResult, proto.EventThought, proto.EventCompleted}, kinds(rest))
	assert.Equal(t, "done", rest[2].Text)
	assert.Len(t, h.reasoning.Requests(), 2)
	assert.Contains(t, h.exec.commands(), "git push origin main")
}

func TestNoActionFound(t *testing.T) {
	h := newHarness(t, setup{
		withRepo:  true,
		reasoning: replies("Thought: I am not sure what to do."),
	})

	events, err := h.m.Start(context.Background(), "task-noaction", "demo", "?")
	require.NoError(t, err)
	all := drain(t, events)

	last := all[len(all)-1]
	assert.Equal(t, proto.EventError, last.Kind)
	assert.Equal(t, "no action found", last.Text)
	task, _ := h.m.Task("task-noaction")
	assert.Equal(t, proto.TaskFailed, task.Status)
}

func TestLLMUnavailable(t *testing.T) {
	h := newHarness(t, setup{
		prompt: []agent.MockReply{{Err: errors.New("connection refused")}},
	})

	events, err := h.m.Start(context.Background(), "task-llm", "demo", "x")
	require.NoError(t, err)
	all := drain(t, events)

	require.Len(t, all, 1)
	assert.Equal(t, proto.EventError, all[0].Kind)
	assert.True(t, strings.HasPrefix(all[0].Text, "LLM unavailable"), all[0].Text)
}

func TestMaxSteps(t *testing.T) {
	h := newHarness(t, setup{
		withRepo:  true,
		reasoning: replies("Action: ls\nResult: Will be filled in after execution."),
		opts:      Options{MaxSteps: 1},
	})

	events, err := h.m.Start(context.Background(), "task-depth", "demo", "x")
	require.NoError(t, err)
	h.decide(t, events, proto.Approve(""))
	rest := drain(t, events)

	require.Equal(t, []proto.EventKind{proto.EventResult, proto.EventError}, kinds(rest))
	assert.Equal(t, "maximum reasoning depth reached", rest[1].Text)
}

func TestDuplicateTaskID(t *testing.T) {
	h := newHarness(t, setup{prompt: []agent.MockReply{{Block: true}}})

	events, err := h.m.Start(context.Background(), "dup", "demo", "x")
	require.NoError(t, err)

	_, err = h.m.Start(context.Background(), "dup", "demo", "y")
	assert.ErrorIs(t, err, ErrTaskActive)
	assert.Equal(t, []string{"dup"}, h.m.Active())

	require.NoError(t, h.m.Cancel("dup"))
	drain(t, events)

	_, err = h.m.Start(context.Background(), "dup", "demo", "z")
	assert.ErrorIs(t, err, ErrTaskExists)
}

func TestSyncPullNoteAndEventOrdering(t *testing.T) {
	h := newHarness(t, setup{
		withRepo:  true,
		reasoning: replies("Final Answer: up to date"),
		opts:      Options{FinalAnswerRetries: 0, Branch: "develop"},
	})
	h.exec.answers["git rev-list"] = exec.Result{Stdout: "0\t2"}
	h.exec.answers["git pull"] = exec.Result{Stdout: "Fast-forward"}

	events, err := h.m.Start(context.Background(), "task-sync", "demo", "x")
	require.NoError(t, err)
	all := drain(t, events)

	for i, ev := range all {
		assert.Equal(t, i+1, ev.Seq)
		assert.Equal(t, "task-sync", ev.TaskID)
		assert.False(t, ev.Timestamp.IsZero())
	}
	assert.Contains(t, h.exec.commands(), "git pull origin develop")

	first := h.reasoning.Requests()[0].Messages
	require.Len(t, first, 2, "sync note merges into the pinned task message")
	assert.Contains(t, first[1].Content, "2 commit(s) behind origin/develop")
	assert.Contains(t, first[1].Content, "Fast-forward")
}

func TestPersistenceAndMetrics(t *testing.T) {
	store, err := persistence.Open(filepath.Join(t.TempDir(), "tasks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)

	h := newHarness(t, setup{
		withRepo: true,
		reasoning: replies(
			"Action: git status\nResult: Will be filled in after execution.",
			"Final Answer: clean",
		),
		store:   store,
		metrics: metrics,
	})

	events, err := h.m.Start(context.Background(), "task-db", "demo", "status please")
	require.NoError(t, err)
	h.decide(t, events, proto.Approve(""))
	drain(t, events)

	ctx := context.Background()
	stored, err := store.GetTask(ctx, "task-db")
	require.NoError(t, err)
	assert.Equal(t, proto.TaskCompleted, stored.Status)
	assert.Equal(t, "clean", stored.FinalAnswer)
	assert.Equal(t, "Clone the demo repository.", stored.RefinedInput)

	msgs, err := store.ListMessages(ctx, "task-db")
	require.NoError(t, err)
	task, _ := h.m.Task("task-db")
	assert.Equal(t, task.History, msgs)

	assert.InDelta(t, 1, testutil.ToFloat64(metrics.tasksFinished.WithLabelValues("completed")), 0)
	assert.InDelta(t, 0, testutil.ToFloat64(metrics.activeTasks), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(metrics.events.WithLabelValues("approval_required")), 0)
}

func TestTaskIDPersistedByEarlierManager(t *testing.T) {
	store, err := persistence.Open(filepath.Join(t.TempDir(), "tasks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()

	first := newHarness(t, setup{
		withRepo:  true,
		reasoning: replies("Final Answer: first run done"),
		opts:      Options{FinalAnswerRetries: 0},
		store:     store,
	})
	events, err := first.m.Start(ctx, "same-id", "demo", "first")
	require.NoError(t, err)
	drain(t, events)

	before, err := store.ListMessages(ctx, "same-id")
	require.NoError(t, err)
	require.NotEmpty(t, before)

	second := newHarness(t, setup{
		withRepo:  true,
		reasoning: replies("Final Answer: second run done"),
		opts:      Options{FinalAnswerRetries: 0},
		store:     store,
	})
	_, err = second.m.Start(ctx, "same-id", "demo", "second")
	require.ErrorIs(t, err, ErrTaskExists)
	assert.Empty(t, second.m.Active())
	_, ok := second.m.Task("same-id")
	assert.False(t, ok)
	assert.Empty(t, second.prompt.Requests())

	stored, err := store.GetTask(ctx, "same-id")
	require.NoError(t, err)
	assert.Equal(t, "first", stored.Input)
	assert.Equal(t, proto.TaskCompleted, stored.Status)
	assert.Equal(t, "first run done", stored.FinalAnswer)

	after, err := store.ListMessages(ctx, "same-id")
	require.NoError(t, err)
	assert.Equal(t, before, after)

	events, err = second.m.Start(ctx, "fresh-id", "demo", "second")
	require.NoError(t, err)
	drain(t, events)
	task, ok := second.m.Task("fresh-id")
	require.True(t, ok)
	assert.Equal(t, proto.TaskCompleted, task.Status)
}

func TestShutdownCancelsRunningTasks(t *testing.T) {
	h := newHarness(t, setup{prompt: []agent.MockReply{{Block: true}}})

	events, err := h.m.Start(context.Background(), "task-shutdown", "demo", "x")
	require.NoError(t, err)

	done := make(chan []proto.StepEvent)
	go func() {
		var seen []proto.StepEvent
		for ev := range events {
			seen = append(seen, ev)
		}
		done <- seen
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.m.Shutdown(ctx))
	assert.Equal(t, []proto.EventKind{proto.EventCancelled}, kinds(<-done))
}

func TestCloneURLTemplate(t *testing.T) {
	h := newHarness(t, setup{opts: Options{
		Owner:            "acme",
		CloneURLTemplate: "git@github.com:{{.Owner}}/{{.Repo}}.git",
	}})
	assert.Equal(t, "git@github.com:acme/infra.git", h.m.CloneURL("infra"))

	_, err := NewManager(Deps{}, Options{})
	assert.Error(t, err)
}
