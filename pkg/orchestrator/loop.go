package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"devopsagent/pkg/agent/llm"
	"devopsagent/pkg/logx"
	"devopsagent/pkg/prompts"
	"devopsagent/pkg/proto"
	"devopsagent/pkg/react"
	"devopsagent/pkg/telemetry"
)

// Messages appended to the history by the loop itself.
const (
	rejectedNote   = "The action was rejected by the user. Consider this alternative:\n"
	failedNote     = "Error occurred. Try this instead:\n"
	userRejected   = "User rejected this action."
	rejectedPrefix = "⛔ Action rejected by user: "
)

// loop is the state of one task's reasoning run. It is owned by a single
// goroutine.
type loop struct {
	m      *Manager
	t      *task
	events chan<- proto.StepEvent
	logger *logx.Logger
	span   trace.Span

	seq      int
	history  []llm.CompletionMessage
	executed int // approved commands that ran to completion
}

func newLoop(m *Manager, t *task, events chan<- proto.StepEvent) *loop {
	return &loop{
		m:      m,
		t:      t,
		events: events,
		logger: logx.NewLogger("orchestrator/" + t.info.ID),
	}
}

func (l *loop) run(ctx context.Context) {
	defer close(l.events)

	ctx, l.span = telemetry.Tracer().Start(ctx, "task.run", trace.WithAttributes(
		telemetry.AttrTaskID.String(l.t.info.ID),
		telemetry.AttrRepo.String(l.t.info.RepoName),
	))
	defer l.span.End()

	terminal := l.drive(ctx)
	l.finish(ctx, terminal)
}

// finish records the terminal status, then emits the terminal event so that
// readers observing it also observe the final status.
func (l *loop) finish(ctx context.Context, terminal proto.StepEvent) {
	status, _ := proto.StatusFor(terminal.Kind)
	l.t.update(func(info *Task) {
		info.Status = status
		info.PendingStep = ""
	})
	l.m.deactivate(l.t.info.ID)

	if store := l.m.deps.Store; store != nil {
		// The task context may already be cancelled; the final write must still land.
		if err := store.UpdateTaskStatus(context.WithoutCancel(ctx), l.t.info.ID, status, terminal.Text); err != nil {
			l.logger.Warn("persist status: %v", err)
		}
	}
	l.m.deps.Metrics.taskFinished(status)
	l.span.SetAttributes(telemetry.AttrStatus.String(status.String()))
	if status == proto.TaskFailed {
		l.span.SetStatus(codes.Error, terminal.Text)
	}

	l.emit(terminal)
	l.logger.Info("task finished: %s", status)
}

// stopped converts a failure into the terminal event: Cancelled when the task
// context ended, Error otherwise.
func (l *loop) stopped(ctx context.Context, err error) proto.StepEvent {
	if ctx.Err() != nil {
		return proto.Cancelled()
	}
	l.logger.Error("%v", err)
	return proto.Error(err.Error())
}

func (l *loop) drive(ctx context.Context) proto.StepEvent {
	d := l.m.deps
	repo := l.t.info.RepoName

	refined, err := d.Prompt.Refine(ctx, l.t.info.Input)
	if err != nil {
		return l.stopped(ctx, err)
	}
	l.t.update(func(info *Task) { info.RefinedInput = refined })
	if d.Store != nil {
		if err := d.Store.SetRefinedInput(ctx, l.t.info.ID, refined); err != nil {
			l.logger.Warn("persist refined input: %v", err)
		}
	}
	l.emit(proto.RefinedTask(refined))

	cloneURL := l.m.CloneURL(repo)
	seed, err := d.Reasoning.Seed(refined, repo, cloneURL)
	if err != nil {
		return l.stopped(ctx, err)
	}
	for _, msg := range seed {
		l.appendMessage(ctx, msg)
	}

	l.sync(ctx, repo, cloneURL)
	if ctx.Err() != nil {
		return proto.Cancelled()
	}

	premature := 0
	for step := 0; l.m.opts.MaxSteps == 0 || step < l.m.opts.MaxSteps; step++ {
		if ctx.Err() != nil {
			return proto.Cancelled()
		}

		reply, err := l.think(ctx)
		if err != nil {
			return l.stopped(ctx, err)
		}

		// A closing reply may recap earlier results; only a pending command
		// must carry the placeholder.
		if react.HasHallucinatedResult(reply) && (react.ExtractAction(reply) != "" || !react.HasFinalAnswer(reply)) {
			logx.Debug(ctx, "react", "reply carried a result before execution, asking again")
			l.appendMessage(ctx, llm.NewAssistantMessage(reply))
			l.appendUser(ctx, l.note(prompts.HallucinatedResult, prompts.Data{Repo: repo}))
			continue
		}

		l.emit(proto.Thought(reply))
		l.appendMessage(ctx, llm.NewAssistantMessage(reply))

		if react.HasFinalAnswer(reply) {
			if l.executed == 0 && premature < l.m.opts.FinalAnswerRetries {
				premature++
				l.logger.Warn("final answer before any command ran (%d/%d)", premature, l.m.opts.FinalAnswerRetries)
				l.appendUser(ctx, l.note(prompts.PrematureFinalAnswer, prompts.Data{Repo: repo}))
				continue
			}
			return proto.Completed(react.FinalAnswer(reply))
		}
		premature = 0

		action := react.ExtractAction(reply)
		if action == "" {
			return proto.Error("no action found")
		}
		if terminal, done := l.step(ctx, action); done {
			return terminal
		}
	}
	return proto.Error("maximum reasoning depth reached")
}

func (l *loop) think(ctx context.Context) (string, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "agent.think")
	defer span.End()
	reply, err := l.m.deps.Reasoning.Think(ctx, l.history)
	if err != nil {
		span.RecordError(err)
	}
	return reply, err //nolint:wrapcheck // already carries ErrLLMUnavailable context
}

// sync prepares the working copy and tells the model what it found.
func (l *loop) sync(ctx context.Context, repo, cloneURL string) {
	ws := l.m.deps.Workspace
	if !ws.RepoExists(repo) {
		l.appendUser(ctx, l.note(prompts.CloneHint, prompts.Data{Repo: repo, CloneURL: cloneURL}))
		return
	}

	ctx, span := telemetry.Tracer().Start(ctx, "workspace.sync")
	defer span.End()

	branch := l.m.opts.Branch
	res := ws.Sync(ctx, repo, branch)
	switch {
	case res.Err != nil:
		if ctx.Err() != nil {
			return
		}
		span.RecordError(res.Err)
		l.logger.Warn("sync %s: %v", repo, res.Err)
		l.appendUser(ctx, fmt.Sprintf("Note: the working copy could not be synced with origin/%s: %v", branch, res.Err))
	case res.Pulled:
		l.appendUser(ctx, fmt.Sprintf("Note: the working copy was %d commit(s) behind origin/%s and has been updated:\n%s",
			res.Behind, branch, res.Output))
	}
}

// step runs one approval round for action. It returns a terminal event and
// true when the task must stop.
func (l *loop) step(ctx context.Context, action string) (proto.StepEvent, bool) {
	d := l.m.deps
	repo := l.t.info.RepoName

	h := d.Approvals.Register(l.t.info.ID)
	defer d.Approvals.Release(h.StepID)
	l.t.update(func(info *Task) { info.PendingStep = h.StepID })

	l.emit(proto.ApprovalRequired(h.StepID, action))
	l.emit(proto.AwaitingApproval(h.StepID))

	waitCtx, span := telemetry.Tracer().Start(ctx, "approval.wait", trace.WithAttributes(
		telemetry.AttrStepID.String(h.StepID),
		telemetry.AttrCommand.String(action),
	))
	asked := time.Now()
	decision, err := d.Approvals.Await(waitCtx, h)
	span.End()
	l.t.update(func(info *Task) { info.PendingStep = "" })
	if err != nil {
		logx.Debug(ctx, "approval", "step %s abandoned: %v", h.StepID, err)
		return proto.Cancelled(), true
	}

	if !decision.Approved {
		l.m.deps.Metrics.decided("rejected", time.Since(asked))
		l.emit(proto.Result(h.StepID, action, rejectedPrefix+action))
		suggestion, err := l.reflect(ctx, action, userRejected)
		if err != nil {
			return l.stopped(ctx, err), true
		}
		l.emit(proto.ReflectorSuggestion(suggestion))
		l.appendUser(ctx, rejectedNote+suggestion)
		return proto.StepEvent{}, false
	}
	l.m.deps.Metrics.decided("approved", time.Since(asked))

	command := decision.CommandFor(action)
	if command != action {
		l.logger.Info("step %s: running edited command %q", h.StepID, command)
	}

	execCtx, execSpan := telemetry.Tracer().Start(ctx, "command.execute", trace.WithAttributes(
		telemetry.AttrStepID.String(h.StepID),
		telemetry.AttrCommand.String(command),
	))
	outcome := d.Workspace.Execute(execCtx, command, repo)
	execSpan.SetAttributes(attribute.Int("exit_code", outcome.ExitCode), attribute.Bool("ok", outcome.OK))
	execSpan.End()

	if outcome.Cancelled {
		return proto.Cancelled(), true
	}
	l.executed++
	l.m.deps.Metrics.command(outcome.OK, outcome.Duration)

	l.emit(proto.Result(h.StepID, command, outcome.Output))
	l.appendUser(ctx, "Result: "+outcome.Output)

	if outcome.OK {
		return proto.StepEvent{}, false
	}

	suggestion, err := l.reflect(ctx, command, outcome.Output)
	if err != nil {
		return l.stopped(ctx, err), true
	}
	l.emit(proto.ReflectorSuggestion(suggestion))
	l.appendUser(ctx, failedNote+suggestion)
	return proto.StepEvent{}, false
}

func (l *loop) reflect(ctx context.Context, command, errorText string) (string, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "agent.reflect")
	defer span.End()
	suggestion, err := l.m.deps.Reflector.SuggestFix(ctx, command, errorText, l.t.info.RepoName)
	if err != nil {
		span.RecordError(err)
	}
	return suggestion, err //nolint:wrapcheck // already carries ErrLLMUnavailable context
}

func (l *loop) note(name prompts.Name, data prompts.Data) string {
	text, err := l.m.deps.Pack.Render(name, data)
	if err != nil {
		l.logger.Warn("render %s: %v", name, err)
	}
	return text
}

// appendUser adds a user message, merging it into the previous entry when that
// is also a user message so roles keep alternating.
func (l *loop) appendUser(ctx context.Context, content string) {
	if content == "" {
		return
	}
	if n := len(l.history); n > 0 && l.history[n-1].Role == llm.RoleUser {
		merged := l.history[n-1]
		merged.Content += "\n\n" + content
		l.history[n-1] = merged
		l.record(ctx, n-1, merged)
		return
	}
	l.appendMessage(ctx, llm.NewUserMessage(content))
}

func (l *loop) appendMessage(ctx context.Context, msg llm.CompletionMessage) {
	l.history = append(l.history, msg)
	l.record(ctx, len(l.history)-1, msg)
}

// record mirrors history slot i into the task snapshot and the store.
func (l *loop) record(ctx context.Context, i int, msg llm.CompletionMessage) {
	l.t.update(func(info *Task) {
		if i < len(info.History) {
			info.History[i] = msg
		} else {
			info.History = append(info.History, msg)
		}
	})
	if store := l.m.deps.Store; store != nil {
		if err := store.AppendMessage(context.WithoutCancel(ctx), l.t.info.ID, i, msg); err != nil {
			l.logger.Warn("persist message %d: %v", i, err)
		}
	}
}

// emit stamps ev with the task id, sequence number and time, records it and
// sends it on the stream.
func (l *loop) emit(ev proto.StepEvent) {
	l.seq++
	ev.TaskID = l.t.info.ID
	ev.Seq = l.seq
	ev.Timestamp = time.Now().UTC()

	l.t.update(func(info *Task) { info.Events = append(info.Events, ev) })
	if sink := l.m.deps.Events; sink != nil {
		if err := sink.WriteEvent(&ev); err != nil {
			l.logger.Warn("event log: %v", err)
		}
	}
	l.m.deps.Metrics.event(ev.Kind)
	if l.span != nil {
		l.span.AddEvent(ev.Kind.String(), trace.WithAttributes(telemetry.AttrStepID.String(ev.StepID)))
	}

	l.events <- ev
}
