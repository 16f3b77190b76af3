// Package pipeline validates proposed mutations in a shadow copy of the
// target project and applies them once approved.
package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bluekeyes/go-gitdiff/gitdiff"
	"github.com/google/renameio/v2"
	"github.com/otiai10/copy"
	"github.com/rs/zerolog"

	"github.com/Rogers-F/tierforge/internal/audit"
	"github.com/Rogers-F/tierforge/internal/domain"
	"github.com/Rogers-F/tierforge/internal/execution"
	"github.com/Rogers-F/tierforge/internal/sandbox"
	"github.com/Rogers-F/tierforge/internal/store"
	"github.com/Rogers-F/tierforge/internal/taskstore"
	"github.com/Rogers-F/tierforge/internal/workflow"
)

// Step names, in execution order.
const (
	StepSyntaxCheck = "syntax_check"
	StepIntentCheck = "intent_check"
	StepShadowCopy  = "shadow_copy"
	StepApplyDiff   = "apply_diff"
	StepRunTests    = "run_tests"
	StepApply       = "apply"
)

// Options configures a Pipeline.
type Options struct {
	CICommand     string
	ShadowRoot    string
	KeepShadow    bool
	MinConfidence float64
}

// Pipeline is the Mutation Pipeline.
type Pipeline struct {
	DB        *sql.DB
	Tasks     *taskstore.Service
	Mutations *store.MutationRepo
	Audit     *audit.Recorder
	Paths     *sandbox.Reader
	CI        CIRunner
	// Executor is optional; revisions run through it when its runner is ready.
	Executor *execution.Executor
	Logger   zerolog.Logger

	mu    sync.RWMutex
	opts  Options
	locks lockSet
}

// New creates a Pipeline. Path resolution is strict: sensitive files such as
// .env or .git/* can never be written.
func New(db *sql.DB, tasks *taskstore.Service, rec *audit.Recorder, ci CIRunner, exec *execution.Executor, opts Options, logger zerolog.Logger) *Pipeline {
	return &Pipeline{
		DB:        db,
		Tasks:     tasks,
		Mutations: &store.MutationRepo{},
		Audit:     rec,
		Paths: &sandbox.Reader{
			Denied: sandbox.DefaultDeniedPatterns,
			Strict: true,
			Audit:  rec,
			Logger: logger,
		},
		CI:       ci,
		Executor: exec,
		Logger:   logger,
		opts:     opts,
		locks:    lockSet{held: make(map[string]bool)},
	}
}

// Options returns the active options.
func (p *Pipeline) Options() Options {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.opts
}

// SetOptions swaps the active options for subsequent runs.
func (p *Pipeline) SetOptions(o Options) {
	p.mu.Lock()
	p.opts = o
	p.mu.Unlock()
}

// RunInput is the input to Run.
type RunInput struct {
	MutationID string `json:"mutation_id"`
	// TargetProject defaults to the owning task's target project.
	TargetProject string `json:"target_project,omitempty"`
	Tier1Approved bool   `json:"tier1_approved"`
	// CICommand overrides the configured command when non-nil; an empty
	// string disables tests for this run.
	CICommand *string `json:"ci_command,omitempty"`
	Actor     string  `json:"actor,omitempty"`
}

// Result is one pipeline run.
type Result struct {
	Mutation  *domain.Mutation            `json:"mutation"`
	Task      *domain.Task                `json:"task"`
	Steps     []domain.PipelineStepResult `json:"steps"`
	ShadowDir string                      `json:"shadow_dir,omitempty"`
}

// runState carries data between steps.
type runState struct {
	in        RunInput
	opts      Options
	m         *domain.Mutation
	task      *domain.Task
	root      string
	realPath  string
	diff      *gitdiff.File
	shadowDir string
	content   []byte
	deleted   bool
	noTests   bool
}

type step struct {
	name string
	run  func(ctx context.Context, st *runState) (domain.StepStatus, string)
}

// Run drives a mutation through every step. The first failing step rejects
// the mutation and ends the run, so a failure at step k yields exactly k
// results. Terminal mutations return ErrMutationTerminal without side effects
// and a concurrent run on the same mutation returns ErrMutationBusy.
func (p *Pipeline) Run(ctx context.Context, in RunInput) (*Result, error) {
	if !p.locks.tryLock(in.MutationID) {
		return nil, domain.ErrMutationBusy
	}
	defer p.locks.unlock(in.MutationID)

	m, err := p.Mutations.GetByID(ctx, p.DB, in.MutationID)
	if err != nil {
		return nil, err
	}
	if m.Status.Terminal() {
		return nil, domain.NewEngineError(domain.ErrMutationTerminal.Code,
			fmt.Sprintf("mutation %s is already %s", m.ID, m.Status))
	}
	task, err := p.Tasks.Get(ctx, m.TaskID)
	if err != nil {
		return nil, err
	}
	root := in.TargetProject
	if root == "" {
		root = task.TargetProject
	}
	if root == "" {
		return nil, domain.NewEngineError(domain.ErrInvalidInput.Code, "target project is required")
	}

	st := &runState{in: in, opts: p.Options(), m: m, task: task, root: root}
	if _, err := p.Audit.Record(ctx, audit.Entry{
		Actor:    in.Actor,
		Action:   audit.ActionPipelineStarted,
		TaskID:   m.TaskID,
		TargetID: m.ID,
		Details:  map[string]any{"file_path": m.FilePath, "tier1_approved": in.Tier1Approved},
	}); err != nil {
		return nil, err
	}

	var steps []domain.PipelineStepResult
	failed := false
	for _, s := range p.steps() {
		status, details := s.run(ctx, st)
		steps = append(steps, domain.PipelineStepResult{Step: s.name, Status: status, Details: details})
		if status == domain.StepFailed {
			reason, at := details, s.name
			m.Status = domain.MutationRejected
			m.RejectionReason = &reason
			m.RejectedAtStep = &at
			failed = true
			break
		}
	}
	if !failed {
		m.Status = domain.MutationValidated
		if st.noTests {
			m.Status = domain.MutationValidatedNoTests
		}
		if in.Tier1Approved {
			now := time.Now().Unix()
			m.Status = domain.MutationApplied
			m.AppliedAt = &now
		}
	}

	res := &Result{Steps: steps}
	if st.shadowDir != "" {
		if st.opts.KeepShadow {
			res.ShadowDir = st.shadowDir
		} else if err := os.RemoveAll(st.shadowDir); err != nil {
			p.Logger.Warn().Err(err).Str("dir", st.shadowDir).Msg("remove shadow dir")
		}
	}

	if err := p.persist(context.WithoutCancel(ctx), m, steps, in.Actor); err != nil {
		return nil, err
	}
	res.Mutation = m
	res.Task = task
	p.Logger.Info().
		Str("mutation_id", m.ID).
		Str("status", string(m.Status)).
		Int("steps", len(steps)).
		Msg("pipeline finished")
	return res, nil
}

func (p *Pipeline) persist(ctx context.Context, m *domain.Mutation, steps []domain.PipelineStepResult, actor string) error {
	action := audit.ActionMutationValidated
	switch m.Status {
	case domain.MutationApplied:
		action = audit.ActionMutationApplied
	case domain.MutationRejected:
		action = audit.ActionMutationRejected
	}
	return store.WithTx(ctx, p.DB, func(tx *sql.Tx) error {
		current, err := p.Mutations.GetByID(ctx, tx, m.ID)
		if err != nil {
			return err
		}
		if !workflow.IsValidMutationTransition(current.Status, m.Status) {
			return domain.NewEngineError(domain.ErrInvalidTransition.Code,
				fmt.Sprintf("illegal mutation transition %s -> %s", current.Status, m.Status))
		}
		if err := p.Mutations.UpdateState(ctx, tx, *m); err != nil {
			return err
		}
		details := map[string]any{"status": m.Status, "steps": steps}
		if m.RejectedAtStep != nil {
			details["rejected_at_step"] = *m.RejectedAtStep
			details["rejection_reason"] = *m.RejectionReason
		}
		_, err = p.Audit.RecordTx(ctx, tx, audit.Entry{
			Actor:    actor,
			Action:   action,
			TaskID:   m.TaskID,
			TargetID: m.ID,
			Details:  details,
		})
		return err
	})
}

func (p *Pipeline) steps() []step {
	return []step{
		{StepSyntaxCheck, p.syntaxCheck},
		{StepIntentCheck, p.intentCheck},
		{StepShadowCopy, p.shadowCopy},
		{StepApplyDiff, p.applyDiff},
		{StepRunTests, p.runTests},
		{StepApply, p.apply},
	}
}

func (p *Pipeline) syntaxCheck(ctx context.Context, st *runState) (domain.StepStatus, string) {
	if strings.TrimSpace(st.m.FilePath) == "" {
		return domain.StepFailed, "file path is empty"
	}
	real, _, err := p.Paths.Resolve(ctx, st.root, st.m.FilePath)
	if err != nil {
		if domain.IsSecurityViolation(err) {
			return domain.StepFailed, "security violation: " + err.Error()
		}
		return domain.StepFailed, err.Error()
	}
	st.realPath = real

	if st.m.DiffContent == "" {
		return domain.StepFailed, "diff content is empty"
	}
	if isUnifiedDiff(st.m.DiffContent) {
		f, err := parseSingleFileDiff(st.m.DiffContent)
		if err != nil {
			return domain.StepFailed, err.Error()
		}
		st.diff = f
		return domain.StepPassed, fmt.Sprintf("unified diff with %d hunk(s)", len(f.TextFragments))
	}
	if err := checkFormat(st.m.FilePath, []byte(st.m.DiffContent)); err != nil {
		return domain.StepFailed, err.Error()
	}
	return domain.StepPassed, "full replacement body"
}

func (p *Pipeline) intentCheck(_ context.Context, st *runState) (domain.StepStatus, string) {
	intent := strings.TrimSpace(st.m.IntentDescription)
	if intent == "" {
		return domain.StepFailed, "intent description is empty"
	}
	if st.m.IntentHash != "" && st.m.IntentHash != execution.IntentHash(intent) {
		return domain.StepFailed, "intent hash does not match intent description"
	}
	if st.m.Confidence < st.opts.MinConfidence {
		return domain.StepFailed, fmt.Sprintf("confidence %.2f below minimum %.2f", st.m.Confidence, st.opts.MinConfidence)
	}
	return domain.StepPassed, fmt.Sprintf("confidence %.2f", st.m.Confidence)
}

func (p *Pipeline) shadowCopy(_ context.Context, st *runState) (domain.StepStatus, string) {
	base := st.opts.ShadowRoot
	if base != "" {
		if err := os.MkdirAll(base, 0o755); err != nil {
			return domain.StepFailed, fmt.Sprintf("create shadow root: %v", err)
		}
	}
	dir, err := os.MkdirTemp(base, "tierforge-shadow-")
	if err != nil {
		return domain.StepFailed, fmt.Sprintf("create shadow dir: %v", err)
	}
	st.shadowDir = dir

	err = copy.Copy(st.root, dir, copy.Options{
		OnSymlink: func(string) copy.SymlinkAction { return copy.Skip },
		Skip: func(info os.FileInfo, src, _ string) (bool, error) {
			return info.IsDir() && info.Name() == ".git", nil
		},
	})
	if err != nil {
		return domain.StepFailed, fmt.Sprintf("copy project: %v", err)
	}
	return domain.StepPassed, "shadow copy at " + dir
}

func (p *Pipeline) shadowPath(st *runState) string {
	return filepath.Join(st.shadowDir, filepath.Clean(filepath.FromSlash(st.m.FilePath)))
}

func (p *Pipeline) applyDiff(_ context.Context, st *runState) (domain.StepStatus, string) {
	target := p.shadowPath(st)

	if st.diff == nil {
		st.content = []byte(st.m.DiffContent)
	} else {
		original, err := os.ReadFile(target)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return domain.StepFailed, fmt.Sprintf("read shadow file: %v", err)
		}
		if st.diff.IsDelete {
			st.deleted = true
			if err := os.Remove(target); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return domain.StepFailed, fmt.Sprintf("delete shadow file: %v", err)
			}
			return domain.StepPassed, "file deleted in shadow"
		}
		patched, err := applyDiff(st.diff, original)
		if err != nil {
			return domain.StepFailed, err.Error()
		}
		if err := checkFormat(st.m.FilePath, patched); err != nil {
			return domain.StepFailed, "patched content invalid: " + err.Error()
		}
		st.content = patched
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return domain.StepFailed, fmt.Sprintf("create shadow parent: %v", err)
	}
	if err := os.WriteFile(target, st.content, fileMode(target)); err != nil {
		return domain.StepFailed, fmt.Sprintf("write shadow file: %v", err)
	}
	return domain.StepPassed, fmt.Sprintf("wrote %d bytes", len(st.content))
}

func (p *Pipeline) runTests(ctx context.Context, st *runState) (domain.StepStatus, string) {
	command := st.opts.CICommand
	if st.in.CICommand != nil {
		command = *st.in.CICommand
	}
	if strings.TrimSpace(command) == "" || p.CI == nil {
		st.noTests = true
		return domain.StepSkipped, "no CI command configured"
	}

	res, err := p.CI.Run(ctx, command, st.shadowDir)
	output := res.Output
	exit := res.ExitCode
	st.m.TestResult = &output
	st.m.TestExitCode = &exit
	if err != nil {
		return domain.StepFailed, err.Error()
	}
	if res.ExitCode != 0 {
		return domain.StepFailed, fmt.Sprintf("tests failed with exit code %d: %s", res.ExitCode, tail(res.Output, 512))
	}
	return domain.StepPassed, "tests passed"
}

func (p *Pipeline) apply(_ context.Context, st *runState) (domain.StepStatus, string) {
	if !st.in.Tier1Approved {
		return domain.StepSkipped, "awaiting tier-1 approval"
	}
	if st.deleted {
		if err := os.Remove(st.realPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return domain.StepFailed, fmt.Sprintf("delete file: %v", err)
		}
		return domain.StepPassed, "deleted " + st.m.FilePath
	}
	if err := os.MkdirAll(filepath.Dir(st.realPath), 0o755); err != nil {
		return domain.StepFailed, fmt.Sprintf("create parent: %v", err)
	}
	if err := renameio.WriteFile(st.realPath, st.content, fileMode(st.realPath)); err != nil {
		return domain.StepFailed, fmt.Sprintf("atomic write: %v", err)
	}
	return domain.StepPassed, "applied " + st.m.FilePath
}

func fileMode(path string) os.FileMode {
	if info, err := os.Stat(path); err == nil {
		return info.Mode().Perm()
	}
	return 0o644
}

// lockSet is a set of per-mutation try-locks.
type lockSet struct {
	mu   sync.Mutex
	held map[string]bool
}

func (l *lockSet) tryLock(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held == nil {
		l.held = make(map[string]bool)
	}
	if l.held[id] {
		return false
	}
	l.held[id] = true
	return true
}

func (l *lockSet) unlock(id string) {
	l.mu.Lock()
	delete(l.held, id)
	l.mu.Unlock()
}
