package execution

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/kballard/go-shellquote"

	"github.com/Rogers-F/tierforge/internal/domain"
)

const maxLineBytes = 8 << 20

// ProcessRunner launches an agent command per run. The request is written to
// stdin as JSON; stdout is read as JSON lines and the last line that decodes
// is the IntentSummary.
type ProcessRunner struct {
	Command string
	Args    []string
	Env     map[string]string
}

// NewProcessRunner builds a runner. When args is empty the command string is
// split with shell quoting rules so "agent --json" works as a single setting.
func NewProcessRunner(command string, args []string, env map[string]string) (*ProcessRunner, error) {
	if strings.TrimSpace(command) == "" {
		return nil, domain.ErrRunnerNotReady
	}
	if len(args) == 0 {
		words, err := shellquote.Split(command)
		if err != nil {
			return nil, domain.WrapEngineError(domain.ErrConfigInvalid.Code, "parse execution.command", err)
		}
		command, args = words[0], words[1:]
	}
	return &ProcessRunner{Command: command, Args: args, Env: env}, nil
}

// Execute runs the agent process until it exits or ctx is done.
func (p *ProcessRunner) Execute(ctx context.Context, req Request) (*domain.IntentSummary, error) {
	if p == nil || p.Command == "" {
		return nil, domain.ErrRunnerNotReady
	}
	input, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	cmd := exec.CommandContext(ctx, p.Command, p.Args...)
	cmd.Dir = req.TargetProject
	cmd.Env = os.Environ()
	for k, v := range p.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Stdin = bytes.NewReader(input)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, domain.WrapEngineError(domain.ErrExecutionFailed.Code, "start agent", err)
	}

	summary, scanErr := lastSummary(stdout)
	waitErr := cmd.Wait()

	if ctx.Err() != nil {
		return nil, domain.WrapEngineError(domain.ErrExecutionCancelled.Code, domain.ErrExecutionCancelled.Message, ctx.Err())
	}
	if waitErr != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = waitErr.Error()
		}
		return nil, domain.NewEngineError(domain.ErrExecutionFailed.Code, fmt.Sprintf("agent exited: %s", msg))
	}
	if scanErr != nil {
		return nil, domain.WrapEngineError(domain.ErrExecutionInvalid.Code, "read agent output", scanErr)
	}
	if summary == nil {
		return nil, domain.NewEngineError(domain.ErrExecutionInvalid.Code, "agent produced no JSON summary")
	}
	return summary, nil
}

func lastSummary(r io.Reader) (*domain.IntentSummary, error) {
	var last *domain.IntentSummary
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		var s domain.IntentSummary
		if err := json.Unmarshal(line, &s); err != nil {
			continue
		}
		last = &s
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		return last, err
	}
	return last, nil
}
