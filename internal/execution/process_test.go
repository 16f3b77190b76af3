package execution

import (
	"context"
	"errors"
	"testing"

	"github.com/Rogers-F/tierforge/internal/domain"
)

func TestProcessRunner_LastJSONLineWins(t *testing.T) {
	script := `cat >/dev/null
echo 'starting'
echo '{"type":"progress"}'
echo '{"proposals":[{"agent_uid":"s1","file_path":"x.go","diff_content":"package x","intent_description":"x","confidence":0.5}],"compliance_score":70,"tokens_spent":42}'`
	r := &ProcessRunner{Command: "sh", Args: []string{"-c", script}}

	summary, err := r.Execute(context.Background(), Request{TaskID: "t1", TargetProject: t.TempDir()})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if summary.TokensSpent != 42 || len(summary.Proposals) != 1 {
		t.Errorf("summary = %+v", summary)
	}
}

func TestProcessRunner_ReceivesRequest(t *testing.T) {
	script := `read line; case "$line" in *'"task_id":"abc"'*) echo '{"tokens_spent":1}';; *) echo '{"tokens_spent":0}';; esac`
	r := &ProcessRunner{Command: "sh", Args: []string{"-c", script}}

	summary, err := r.Execute(context.Background(), Request{TaskID: "abc", TargetProject: t.TempDir()})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if summary.TokensSpent != 1 {
		t.Errorf("agent did not see the request on stdin")
	}
}

func TestProcessRunner_Errors(t *testing.T) {
	tests := []struct {
		name   string
		script string
		want   *domain.EngineError
	}{
		{"nonzero_exit", "echo boom >&2; exit 3", domain.ErrExecutionFailed},
		{"no_json", "echo hello", domain.ErrExecutionInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &ProcessRunner{Command: "sh", Args: []string{"-c", tt.script}}
			_, err := r.Execute(context.Background(), Request{TargetProject: t.TempDir()})
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestNewProcessRunner(t *testing.T) {
	r, err := NewProcessRunner(`agent --mode "full run"`, nil, nil)
	if err != nil {
		t.Fatalf("NewProcessRunner: %v", err)
	}
	if r.Command != "agent" || len(r.Args) != 2 || r.Args[1] != "full run" {
		t.Errorf("runner = %+v", r)
	}

	if _, err := NewProcessRunner("  ", nil, nil); !errors.Is(err, domain.ErrRunnerNotReady) {
		t.Errorf("err = %v, want ErrRunnerNotReady", err)
	}
}
