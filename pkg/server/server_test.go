package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"devopsagent/pkg/agent"
	"devopsagent/pkg/agent/llm"
	"devopsagent/pkg/agents"
	"devopsagent/pkg/approval"
	"devopsagent/pkg/eventlog"
	"devopsagent/pkg/exec"
	"devopsagent/pkg/metrics"
	"devopsagent/pkg/orchestrator"
	"devopsagent/pkg/persistence"
	"devopsagent/pkg/prompts"
	"devopsagent/pkg/proto"
)

// stubExecutor succeeds for every command except those starting with a
// prefix in block, which wait for cancellation.
type stubExecutor struct {
	mu    sync.Mutex
	ran   []string
	block []string
}

func (e *stubExecutor) Run(ctx context.Context, cmd []string, _ *exec.Opts) (exec.Result, error) {
	command := cmd[len(cmd)-1]
	e.mu.Lock()
	e.ran = append(e.ran, command)
	e.mu.Unlock()
	for _, prefix := range e.block {
		if strings.HasPrefix(command, prefix) {
			<-ctx.Done()
			return exec.Result{ExitCode: -1}, ctx.Err()
		}
	}
	if strings.HasPrefix(command, "git rev-list") {
		return exec.Result{Stdout: "0\t0"}, nil
	}
	return exec.Result{Stdout: "ok"}, nil
}

func (e *stubExecutor) Name() string { return "stub" }

func (e *stubExecutor) commands() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.ran...)
}

type usageStub map[string]*metrics.TaskUsage

func (u usageStub) TaskUsage(_ context.Context, id string) (*metrics.TaskUsage, error) {
	return u[id], nil
}

type fixture struct {
	ts        *httptest.Server
	server    *Server
	manager   *orchestrator.Manager
	approvals *approval.Registry
	store     *persistence.Store
	exec      *stubExecutor
	logDir    string
}

type fixtureConfig struct {
	reasoning []string
	reflector []string
	block     []string
	origins   []string
	usage     metrics.Source
}

func newFixture(t *testing.T, cfg fixtureConfig) *fixture {
	t.Helper()
	pack, err := prompts.Default()
	require.NoError(t, err)

	dir := t.TempDir()
	store, err := persistence.Open(filepath.Join(dir, "tasks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	logDir := filepath.Join(dir, "events")
	events, err := eventlog.NewWriter(logDir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = events.Close() })

	reg := prometheus.NewRegistry()
	approvals := approval.NewRegistry()
	executor := &stubExecutor{block: cfg.block}
	baseDir := filepath.Join(dir, "repos")

	reasoning := make([]agent.MockReply, len(cfg.reasoning))
	for i, r := range cfg.reasoning {
		reasoning[i] = agent.MockReply{Content: r}
	}
	manager, err := orchestrator.NewManager(orchestrator.Deps{
		Prompt:    agents.NewPromptAgent(agent.NewScriptedClient("Clone the demo repository."), pack, llm.ChatOptions{}),
		Reasoning: agents.NewReasoningAgent(agent.NewMockLLMClient(reasoning...), pack, baseDir, llm.ChatOptions{}),
		Reflector: agents.NewReflectorAgent(agent.NewScriptedClient(cfg.reflector...), pack, baseDir, llm.ChatOptions{}),
		Workspace: exec.NewWorkspace(baseDir, executor, 0),
		Approvals: approvals,
		Pack:      pack,
		Store:     store,
		Events:    events,
		Metrics:   orchestrator.NewMetrics(reg),
	}, orchestrator.Options{Owner: "ex"})
	require.NoError(t, err)

	srv, err := NewServer(Options{
		Manager:        manager,
		Approvals:      approvals,
		Store:          store,
		EventLogDir:    logDir,
		Usage:          cfg.usage,
		Gatherer:       reg,
		Breakers:       func() map[string]string { return map[string]string{"openai": "closed"} },
		AllowedOrigins: cfg.origins,
	})
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		manager.CancelAll()
		ts.Close()
	})
	return &fixture{ts: ts, server: srv, manager: manager, approvals: approvals, store: store, exec: executor, logDir: logDir}
}

func (f *fixture) post(t *testing.T, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	resp, err := http.Post(f.ts.URL+path, "application/json", reader)
	require.NoError(t, err)
	defer resp.Body.Close()
	return resp, decodeBody(t, resp)
}

func (f *fixture) get(t *testing.T, path string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Get(f.ts.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	return resp, decodeBody(t, resp)
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) == 0 || !strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		return nil
	}
	var out map[string]any
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

// sseStream reads frames of a ?format=sse response.
type sseStream struct {
	resp   *http.Response
	frames chan proto.StepEvent
}

func (f *fixture) stream(t *testing.T, body runRequest) *sseStream {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(f.ts.URL+"/run-automation?format=sse", "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	t.Cleanup(func() { resp.Body.Close() })

	s := &sseStream{resp: resp, frames: make(chan proto.StepEvent, 64)}
	go func() {
		defer close(s.frames)
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var ev proto.StepEvent
			if json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev) == nil {
				s.frames <- ev
			}
		}
	}()
	return s
}

func (s *sseStream) until(t *testing.T, kind proto.EventKind) proto.StepEvent {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-s.frames:
			require.True(t, ok, "stream ended before %s", kind)
			if ev.Kind == kind {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", kind)
		}
	}
}

func (s *sseStream) rest(t *testing.T) []proto.EventKind {
	t.Helper()
	var kinds []proto.EventKind
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-s.frames:
			if !ok {
				return kinds
			}
			kinds = append(kinds, ev.Kind)
		case <-timeout:
			t.Fatal("stream did not end")
		}
	}
}

const cloneReply = "Thought: the repository is missing\nAction: git clone https://github.com/ex/demo.git\nResult: Will be filled in after execution."

func TestRunAutomationValidation(t *testing.T) {
	f := newFixture(t, fixtureConfig{})

	resp, err := http.Post(f.ts.URL+"/run-automation", "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	tests := []struct {
		name string
		body runRequest
	}{
		{"empty input", runRequest{RepoName: "demo"}},
		{"empty repo", runRequest{UserInput: "clone it"}},
		{"blank input", runRequest{UserInput: "   ", RepoName: "demo"}},
		{"path traversal", runRequest{UserInput: "clone it", RepoName: "../etc"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := f.post(t, "/run-automation", tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.NotEmpty(t, body["error"])
		})
	}

	resp, _ = f.get(t, "/run-automation")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	assert.Empty(t, f.manager.Tasks())
}

func TestRunAutomationApproveFlow(t *testing.T) {
	f := newFixture(t, fixtureConfig{
		reasoning: []string{cloneReply, "Thought: cloned\nFinal Answer: cloned."},
	})

	s := f.stream(t, runRequest{UserInput: "clone the repo", RepoName: "demo", TaskID: "task-http"})
	assert.Equal(t, "text/event-stream", s.resp.Header.Get("Content-Type"))
	assert.Equal(t, "task-http", s.resp.Header.Get("X-Task-ID"))

	refined := s.until(t, proto.EventRefinedTask)
	assert.Equal(t, "Clone the demo repository.", refined.Text)
	req := s.until(t, proto.EventApprovalRequired)
	assert.Equal(t, "git clone https://github.com/ex/demo.git", req.Command)
	s.until(t, proto.EventAwaitingApproval)

	// The legacy field name carries the step id.
	resp, body := f.post(t, "/approve-action", map[string]any{"task_id": req.StepID, "approved": true})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "acknowledged", body["status"])
	assert.Equal(t, "task-http", body["task_id"])
	assert.Equal(t, true, body["approved"])
	assert.Nil(t, body["used_command"])

	assert.Equal(t, []proto.EventKind{proto.EventResult, proto.EventThought, proto.EventCompleted}, s.rest(t))
	assert.Contains(t, f.exec.commands(), "git clone https://github.com/ex/demo.git")

	resp, body = f.post(t, "/approve-action", map[string]any{"step_id": req.StepID, "approved": true})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "a step is decided once")

	resp, body = f.get(t, "/get-llm-output/task-http")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "completed", body["status"])
	assert.Equal(t, "Clone the demo repository.", body["refined_input"])
	outputs, ok := body["llm_output"].([]any)
	require.True(t, ok)
	require.Len(t, outputs, 2)
	assert.Equal(t, cloneReply, outputs[0])

	resp, body = f.get(t, "/api/tasks/task-http")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "completed", body["status"])
	assert.Equal(t, "cloned.", body["final_answer"])

	resp, body = f.get(t, "/api/tasks/task-http/events")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	logged, ok := body["events"].([]any)
	require.True(t, ok)
	assert.Len(t, logged, 7)

	resp, body = f.get(t, "/api/tasks")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	tasks, ok := body["tasks"].([]any)
	require.True(t, ok)
	assert.Len(t, tasks, 1)
}

func TestRunAutomationPlainRender(t *testing.T) {
	f := newFixture(t, fixtureConfig{
		reasoning: []string{"Thought: nothing to do\nFinal Answer: already done."},
	})

	raw, err := json.Marshal(runRequest{UserInput: "check", RepoName: "demo"})
	require.NoError(t, err)
	resp, err := http.Post(f.ts.URL+"/run-automation", "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.NotEmpty(t, resp.Header.Get("X-Task-ID"), "a task id is generated when absent")
	assert.Equal(t, "\n🧠 Refined Task: Clone the demo repository.\n🧠 Thought: nothing to do\nFinal Answer: already done.\n✅ Task complete.", string(out))
}

func TestDuplicateTaskIDConflicts(t *testing.T) {
	f := newFixture(t, fixtureConfig{reasoning: []string{cloneReply}})

	s := f.stream(t, runRequest{UserInput: "clone", RepoName: "demo", TaskID: "dup"})
	s.until(t, proto.EventAwaitingApproval)

	resp, body := f.post(t, "/run-automation", runRequest{UserInput: "clone", RepoName: "demo", TaskID: "dup"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Contains(t, body["error"], "dup")

	resp, _ = f.post(t, "/cancel-automation?task_id=dup", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []proto.EventKind{proto.EventCancelled}, s.rest(t))
}

func TestStoredTaskIDConflicts(t *testing.T) {
	f := newFixture(t, fixtureConfig{})
	ctx := context.Background()
	require.NoError(t, f.store.CreateTask(ctx, "earlier", "demo", "from a previous run"))
	require.NoError(t, f.store.UpdateTaskStatus(ctx, "earlier", proto.TaskCompleted, "done before"))

	resp, body := f.post(t, "/run-automation", runRequest{UserInput: "clone", RepoName: "demo", TaskID: "earlier"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Contains(t, body["error"], "earlier")

	stored, err := f.store.GetTask(ctx, "earlier")
	require.NoError(t, err)
	assert.Equal(t, "from a previous run", stored.Input)
	assert.Equal(t, "done before", stored.FinalAnswer)
}

func TestApproveEditedCommandAndTaskLookup(t *testing.T) {
	f := newFixture(t, fixtureConfig{
		reasoning: []string{cloneReply, "Final Answer: cloned."},
	})

	s := f.stream(t, runRequest{UserInput: "clone", RepoName: "demo", TaskID: "task-edit"})
	s.until(t, proto.EventAwaitingApproval)

	resp, body := f.get(t, "/api/tasks/task-edit")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "running", body["status"])
	assert.Equal(t, true, body["live"])
	require.Len(t, body["pending_steps"], 1)

	// A task id with exactly one pending step resolves to that step.
	resp, body = f.post(t, "/approve-action", approveRequest{
		TaskID:        "task-edit",
		Approved:      true,
		EditedCommand: "git clone --depth 1 https://github.com/ex/demo.git",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "task-edit", body["task_id"])
	assert.Equal(t, "git clone --depth 1 https://github.com/ex/demo.git", body["used_command"])

	s.rest(t)
	assert.Contains(t, f.exec.commands(), "git clone --depth 1 https://github.com/ex/demo.git")
}

func TestApproveErrors(t *testing.T) {
	f := newFixture(t, fixtureConfig{})

	resp, _ := f.post(t, "/approve-action", map[string]any{"approved": true})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := f.post(t, "/approve-action", map[string]any{"task_id": "nope", "approved": false})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, body["error"], "unknown step")

	resp, err := http.Post(f.ts.URL+"/approve-action", "application/json", strings.NewReader("not json"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRejectStreamsSuggestion(t *testing.T) {
	f := newFixture(t, fixtureConfig{
		reasoning: []string{cloneReply, "Final Answer: gave up."},
		reflector: []string{"Action: git clone --depth 1 https://github.com/ex/demo.git"},
	})

	s := f.stream(t, runRequest{UserInput: "clone", RepoName: "demo"})
	req := s.until(t, proto.EventApprovalRequired)

	resp, body := f.post(t, "/approve-action", approveRequest{StepID: req.StepID})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["approved"])

	result := s.until(t, proto.EventResult)
	assert.Equal(t, "⛔ Action rejected by user: git clone https://github.com/ex/demo.git", result.Text)
	suggestion := s.until(t, proto.EventReflectorSuggestion)
	assert.Contains(t, suggestion.Text, "--depth 1")
	s.rest(t)
	assert.NotContains(t, f.exec.commands(), "git clone https://github.com/ex/demo.git")
}

func TestCancelAutomation(t *testing.T) {
	f := newFixture(t, fixtureConfig{reasoning: []string{cloneReply}})

	resp, body := f.post(t, "/cancel-automation", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "cancelled", body["status"])
	assert.Empty(t, body["cancelled"])

	resp, _ = f.post(t, "/cancel-automation?task_id=ghost", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	s := f.stream(t, runRequest{UserInput: "clone", RepoName: "demo", TaskID: "task-cancel"})
	req := s.until(t, proto.EventApprovalRequired)
	s.until(t, proto.EventAwaitingApproval)

	resp, body = f.post(t, "/cancel-automation", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []any{"task-cancel"}, body["cancelled"])
	assert.Equal(t, []proto.EventKind{proto.EventCancelled}, s.rest(t))

	resp, _ = f.post(t, "/approve-action", approveRequest{StepID: req.StepID, Approved: true})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "closed steps cannot be approved")

	task, err := f.store.GetTask(context.Background(), "task-cancel")
	require.NoError(t, err)
	assert.Equal(t, proto.TaskCancelled, task.Status)
}

func TestClientDisconnectCancelsTask(t *testing.T) {
	f := newFixture(t, fixtureConfig{reasoning: []string{cloneReply}})

	s := f.stream(t, runRequest{UserInput: "clone", RepoName: "demo", TaskID: "task-gone"})
	s.until(t, proto.EventAwaitingApproval)
	require.NoError(t, s.resp.Body.Close())

	assert.Eventually(t, func() bool {
		task, ok := f.manager.Task("task-gone")
		return ok && task.Status == proto.TaskCancelled
	}, 5*time.Second, 10*time.Millisecond)
}

func TestGetLLMOutputFromStore(t *testing.T) {
	f := newFixture(t, fixtureConfig{})
	ctx := context.Background()
	require.NoError(t, f.store.CreateTask(ctx, "old", "demo", "clone"))
	require.NoError(t, f.store.SetRefinedInput(ctx, "old", "Clone demo."))
	require.NoError(t, f.store.AppendMessage(ctx, "old", 0, llm.NewSystemMessage("sys")))
	require.NoError(t, f.store.AppendMessage(ctx, "old", 1, llm.NewUserMessage("The task is: Clone demo.")))
	require.NoError(t, f.store.AppendMessage(ctx, "old", 2, llm.NewAssistantMessage("Final Answer: done")))
	require.NoError(t, f.store.UpdateTaskStatus(ctx, "old", proto.TaskCompleted, "done"))

	resp, body := f.get(t, "/get-llm-output/old")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []any{"Final Answer: done"}, body["llm_output"])
	assert.Len(t, body["history"], 3)

	resp, body = f.get(t, "/api/tasks/old")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["live"])
	assert.Equal(t, "done", body["final_answer"])

	resp, _ = f.get(t, "/get-llm-output/missing")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = f.get(t, "/api/tasks/missing")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = f.get(t, "/api/tasks/missing/events")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestTaskUsage(t *testing.T) {
	f := newFixture(t, fixtureConfig{usage: usageStub{
		"known": {TaskID: "known", PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15, RequestCount: 2},
	}})

	resp, body := f.get(t, "/api/tasks/known/usage")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.InDelta(t, 15, body["total_tokens"], 0)

	resp, _ = f.get(t, "/api/tasks/unknown/usage")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	plain := newFixture(t, fixtureConfig{})
	resp, _ = plain.get(t, "/api/tasks/known/usage")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestHealthMetricsAndLogs(t *testing.T) {
	f := newFixture(t, fixtureConfig{})

	resp, body := f.get(t, "/healthz")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, map[string]any{"openai": "closed"}, body["circuit_breakers"])

	resp, err := http.Get(f.ts.URL + "/metrics")
	require.NoError(t, err)
	raw, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(raw), "devops_tasks_active")

	f.server.logger.Info("log endpoint probe")
	resp, err = http.Get(f.ts.URL + "/api/logs?component=server")
	require.NoError(t, err)
	var entries []map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&entries))
	resp.Body.Close()
	require.NotEmpty(t, entries)
	assert.Equal(t, "log endpoint probe", entries[len(entries)-1]["message"])

	resp, _ = f.get(t, "/api/logs?since=yesterday")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCORS(t *testing.T) {
	f := newFixture(t, fixtureConfig{origins: []string{"http://localhost:3000"}})

	req, err := http.NewRequest(http.MethodOptions, f.ts.URL+"/run-automation", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:3000")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "http://localhost:3000", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Methods"), "POST")

	req, err = http.NewRequest(http.MethodGet, f.ts.URL+"/healthz", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://evil.example")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))

	open := newFixture(t, fixtureConfig{})
	req, err = http.NewRequest(http.MethodGet, open.ts.URL+"/healthz", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://anywhere.example")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestServeShutsDownWithContext(t *testing.T) {
	f := newFixture(t, fixtureConfig{})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.server.serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestNewServerRequiresManager(t *testing.T) {
	_, err := NewServer(Options{})
	assert.Error(t, err)
}
