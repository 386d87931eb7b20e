// Package exec runs approved shell commands inside repository working copies
// under a base directory.
package exec

import (
	"context"
	"errors"
	"time"
)

// ErrTimeout is returned by an Executor when Opts.Timeout elapsed before the
// command finished.
var ErrTimeout = errors.New("command timed out")

// Executor runs one command. A non-zero exit status is reported through
// Result.ExitCode, not as an error; errors mean the command could not be run
// to completion.
type Executor interface {
	Run(ctx context.Context, cmd []string, opts *Opts) (Result, error)

	// Name returns the executor type name for logging/debugging.
	Name() string
}

// Opts contains options for command execution.
type Opts struct {
	// Env is appended to the current environment (KEY=VALUE).
	Env []string

	// Timeout bounds the run; zero means no limit.
	Timeout time.Duration

	WorkDir string
}

// Result contains the result of command execution.
type Result struct {
	Stdout       string
	Stderr       string
	ExecutorUsed string
	Duration     time.Duration
	ExitCode     int
}
