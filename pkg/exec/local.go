package exec

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// waitDelay bounds how long Run waits for inherited pipes after the process
// was killed, e.g. when a backgrounded child keeps stdout open.
const waitDelay = 2 * time.Second

// LocalExec executes commands directly on the local system without sandboxing
type LocalExec struct{}

func NewLocalExec() *LocalExec {
	return &LocalExec{}
}

func (e *LocalExec) Name() string {
	return "local"
}

// Run executes cmd locally. Cancelling ctx kills the process.
func (e *LocalExec) Run(ctx context.Context, cmd []string, opts *Opts) (Result, error) {
	if len(cmd) == 0 {
		return Result{}, fmt.Errorf("command cannot be empty")
	}
	if opts == nil {
		opts = &Opts{}
	}

	startTime := time.Now()

	runCtx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	execCmd := exec.CommandContext(runCtx, cmd[0], cmd[1:]...)
	execCmd.WaitDelay = waitDelay

	if opts.WorkDir != "" {
		if _, err := os.Stat(opts.WorkDir); os.IsNotExist(err) {
			return Result{}, fmt.Errorf("working directory does not exist: %s", opts.WorkDir)
		}
		execCmd.Dir = opts.WorkDir
	}

	if len(opts.Env) > 0 {
		execCmd.Env = append(os.Environ(), opts.Env...)
	}

	stdout, stderr, exitCode, err := e.executeCommand(execCmd)

	result := Result{
		ExitCode:     exitCode,
		Stdout:       stdout,
		Stderr:       stderr,
		Duration:     time.Since(startTime),
		ExecutorUsed: e.Name(),
	}

	if ctx.Err() != nil {
		return result, ctx.Err() //nolint:wrapcheck // caller checks context errors directly
	}
	if opts.Timeout > 0 && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return result, fmt.Errorf("%w after %s", ErrTimeout, opts.Timeout)
	}
	return result, err
}

// executeCommand runs the command and captures output. Only start failures
// are returned as errors.
func (e *LocalExec) executeCommand(cmd *exec.Cmd) (stdout, stderr string, exitCode int, err error) {
	var stdoutBuf, stderrBuf strings.Builder
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	err = cmd.Run()

	stdout = stdoutBuf.String()
	stderr = stderrBuf.String()

	if err != nil {
		var exitError *exec.ExitError
		if errors.As(err, &exitError) {
			return stdout, stderr, exitError.ExitCode(), nil
		}
		return stdout, stderr, -1, err
	}
	return stdout, stderr, 0, nil
}
