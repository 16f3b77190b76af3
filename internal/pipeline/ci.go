package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/kballard/go-shellquote"
)

// CIResult is the outcome of a CI command.
type CIResult struct {
	ExitCode int    `json:"exit_code"`
	Output   string `json:"output"`
}

// CIRunner runs a project's test command inside a directory.
type CIRunner interface {
	Run(ctx context.Context, command, dir string) (CIResult, error)
}

// ExecCIRunner runs CI commands as local processes. The command string is
// split with shell quoting rules; no shell is involved.
type ExecCIRunner struct {
	Timeout time.Duration
}

// Run executes command in dir. A non-zero exit is reported in the result,
// not as an error; errors mean the command could not run to completion.
func (r *ExecCIRunner) Run(ctx context.Context, command, dir string) (CIResult, error) {
	words, err := shellquote.Split(command)
	if err != nil {
		return CIResult{ExitCode: -1}, fmt.Errorf("parse ci command: %w", err)
	}
	if len(words) == 0 {
		return CIResult{ExitCode: -1}, fmt.Errorf("empty ci command")
	}
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, words[0], words[1:]...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	res := CIResult{Output: tail(string(out), maxOutputBytes)}
	if ctx.Err() != nil {
		res.ExitCode = -1
		return res, fmt.Errorf("ci command: %w", ctx.Err())
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}
	if err != nil {
		res.ExitCode = -1
		return res, fmt.Errorf("ci command: %w", err)
	}
	return res, nil
}

const maxOutputBytes = 4096

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
