package pyruntime

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
	"time"
)

// CommandResult captures one finished python/pip invocation.
type CommandResult struct {
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ExitCode   int    `json:"exitCode"`
	DurationMs int64  `json:"durationMs"`
}

// RunOptions bound a single invocation.
type RunOptions struct {
	// Timeout caps the wall-clock duration. Zero means no extra deadline
	// beyond the caller's context.
	Timeout time.Duration
	Dir     string
	Env     []string
}

// CommandRunner is the injected subprocess capability. Tests substitute a
// fake; production uses ExecRunner.
type CommandRunner interface {
	Run(ctx context.Context, path string, args []string, opts RunOptions) (CommandResult, error)
}

// ExecRunner runs commands via os/exec.
type ExecRunner struct{}

func NewExecRunner() *ExecRunner {
	return &ExecRunner{}
}

func (r *ExecRunner) Run(ctx context.Context, path string, args []string, opts RunOptions) (CommandResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	path = strings.TrimSpace(path)
	if path == "" {
		return CommandResult{ExitCode: -1}, errors.New("missing command path")
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, path, args...)
	if opts.Dir != "" {
		cmd.Dir = opts.Dir
	}
	if len(opts.Env) > 0 {
		cmd.Env = opts.Env
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	res := CommandResult{
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		DurationMs: time.Since(start).Milliseconds(),
	}

	if err == nil {
		return res, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		// Non-zero exit is a result, not a transport failure.
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}

	res.ExitCode = -1
	if ctxErr := ctx.Err(); ctxErr != nil {
		return res, ctxErr
	}
	return res, err
}
