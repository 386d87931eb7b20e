package exec

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"devopsagent/pkg/logx"
	"devopsagent/pkg/utils"
)

// Failure output prefixes. Every unsuccessful Outcome.Output starts with
// FailurePrefix so callers can detect failure with a prefix test.
const (
	FailurePrefix = "❌"
	SuccessPrefix = "✅ Successfully executed: "
)

// Outcome is the observable result of one approved command.
type Outcome struct {
	OK        bool
	Cancelled bool // the task context was cancelled while the command ran
	Output    string
	ExitCode  int
	Duration  time.Duration
	WorkDir   string
}

// Workspace runs commands for repositories cloned under BaseDir. Commands
// against the same repository are serialized.
type Workspace struct {
	BaseDir  string
	Executor Executor
	Timeout  time.Duration // 0 = none
	Shell    string        // defaults to "sh"

	logger *logx.Logger

	mu    sync.Mutex
	locks map[string]chan struct{}
}

// NewWorkspace creates a workspace running commands through executor.
func NewWorkspace(baseDir string, executor Executor, timeout time.Duration) *Workspace {
	if executor == nil {
		executor = NewLocalExec()
	}
	return &Workspace{
		BaseDir:  baseDir,
		Executor: executor,
		Timeout:  timeout,
		Shell:    "sh",
		logger:   logx.NewLogger("executor"),
		locks:    make(map[string]chan struct{}),
	}
}

// RepoDir returns the confined working copy path of repo.
func (w *Workspace) RepoDir(repo string) (string, error) {
	if err := utils.ValidateRepoName(repo); err != nil {
		return "", err
	}
	return utils.SafeJoin(w.BaseDir, repo)
}

// RepoExists reports whether repo has a working copy.
func (w *Workspace) RepoExists(repo string) bool {
	dir, err := w.RepoDir(repo)
	if err != nil {
		return false
	}
	info, err := os.Stat(dir)
	return err == nil && info.IsDir()
}

// Lock acquires the working copy of repo. It returns an unlock function, or
// ctx's error if ctx ends while waiting.
func (w *Workspace) Lock(ctx context.Context, repo string) (func(), error) {
	w.mu.Lock()
	if w.locks == nil {
		w.locks = make(map[string]chan struct{})
	}
	sem, ok := w.locks[repo]
	if !ok {
		sem = make(chan struct{}, 1)
		w.locks[repo] = sem
	}
	w.mu.Unlock()

	select {
	case sem <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-sem }) }, nil
	case <-ctx.Done():
		return nil, ctx.Err() //nolint:wrapcheck // caller checks context errors directly
	}
}

// IsClone reports whether command clones a repository, which runs in the base
// directory instead of the working copy.
func IsClone(command string) bool {
	return strings.HasPrefix(strings.TrimSpace(command), "git clone")
}

// Execute runs command for repo while holding the repository lock.
func (w *Workspace) Execute(ctx context.Context, command, repo string) Outcome {
	unlock, err := w.Lock(ctx, repo)
	if err != nil {
		return Outcome{Cancelled: true, Output: fmt.Sprintf("%s Command cancelled: %s", FailurePrefix, command)}
	}
	defer unlock()
	return w.execute(ctx, command, repo)
}

func (w *Workspace) execute(ctx context.Context, command, repo string) Outcome {
	start := time.Now()

	if err := os.MkdirAll(w.BaseDir, 0o755); err != nil { //nolint:gosec // shared working area
		return failure(start, -1, "", fmt.Sprintf("%s Command execution error:\n%v", FailurePrefix, err))
	}

	cwd := w.BaseDir
	if !IsClone(command) {
		dir, err := w.RepoDir(repo)
		if err != nil {
			return failure(start, -1, "", fmt.Sprintf("%s Error: %v", FailurePrefix, err))
		}
		cwd = dir
		if info, statErr := os.Stat(cwd); statErr != nil || !info.IsDir() {
			return failure(start, -1, cwd, fmt.Sprintf("%s Error: Repository directory does not exist: %s", FailurePrefix, cwd))
		}
	}

	logx.Debug(ctx, "executor", "running %q in %s", command, cwd)
	res, err := w.Executor.Run(ctx, []string{w.shell(), "-c", command}, &Opts{WorkDir: cwd, Timeout: w.Timeout})

	switch {
	case ctx.Err() != nil:
		w.logger.Warn("command cancelled after %s: %s", time.Since(start).Round(time.Millisecond), command)
		out := failure(start, res.ExitCode, cwd, fmt.Sprintf("%s Command cancelled: %s", FailurePrefix, command))
		out.Cancelled = true
		return out
	case errors.Is(err, ErrTimeout):
		return failure(start, res.ExitCode, cwd, fmt.Sprintf("%s Command failed with error:\n%v", FailurePrefix, err))
	case err != nil:
		return failure(start, -1, cwd, fmt.Sprintf("%s Command execution error:\n%v", FailurePrefix, err))
	case res.ExitCode != 0:
		msg := strings.TrimSpace(res.Stderr)
		if msg == "" {
			msg = strings.TrimSpace(res.Stdout)
		}
		return failure(start, res.ExitCode, cwd, fmt.Sprintf("%s Command failed with error:\n%s", FailurePrefix, msg))
	}

	output := strings.TrimSpace(res.Stdout)
	if output == "" {
		output = SuccessPrefix + command
	}
	return Outcome{OK: true, Output: output, Duration: time.Since(start), WorkDir: cwd}
}

func (w *Workspace) shell() string {
	if w.Shell == "" {
		return "sh"
	}
	return w.Shell
}

func failure(start time.Time, exitCode int, cwd, output string) Outcome {
	return Outcome{Output: output, ExitCode: exitCode, Duration: time.Since(start), WorkDir: cwd}
}
