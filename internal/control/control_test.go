package control

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Rogers-F/tierforge/internal/audit"
	"github.com/Rogers-F/tierforge/internal/budget"
	"github.com/Rogers-F/tierforge/internal/conflict"
	"github.com/Rogers-F/tierforge/internal/domain"
	"github.com/Rogers-F/tierforge/internal/execution"
	"github.com/Rogers-F/tierforge/internal/pipeline"
	"github.com/Rogers-F/tierforge/internal/store"
	"github.com/Rogers-F/tierforge/internal/taskstore"
	"github.com/Rogers-F/tierforge/internal/workflow"
)

type fixture struct {
	engine  *Engine
	tasks   *taskstore.Service
	project string
}

func newFixture(t *testing.T, runner execution.Runner) *fixture {
	t.Helper()
	db, err := store.NewDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	project := t.TempDir()
	if err := os.WriteFile(filepath.Join(project, "main.go"), []byte("package main\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	log := zerolog.Nop()
	rec := audit.NewRecorder(db, log)
	tasks := taskstore.NewService(db, rec, log)
	arb := budget.NewArbiter(db, rec, budget.DefaultPolicy(), log)
	d := execution.NewDispatcher(runner, 2, 0, log)
	exec := execution.NewExecutor(db, tasks, arb, d, rec, 3, log)
	p := pipeline.New(db, tasks, rec, nil, exec, pipeline.Options{ShadowRoot: t.TempDir()}, log)
	res := conflict.NewResolver(db, p, nil, rec, conflict.DefaultThreshold, log)
	return &fixture{
		engine:  NewEngine(db, tasks, d, exec, res, p, rec, log),
		tasks:   tasks,
		project: project,
	}
}

// seed builds root -> {leader-a, leader-b}, leader-b -> spec-b.
func (f *fixture) seed(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	inputs := []taskstore.CreateInput{
		{ID: "root", Tier: 1, Objective: "ship", TargetProject: f.project, TokenBudget: 1000},
		{ID: "leader-a", ParentID: "root", Tier: 2, Domain: "api", Objective: "api", TokenBudget: 400},
		{ID: "leader-b", ParentID: "root", Tier: 2, Domain: "ui", Objective: "ui", TokenBudget: 400},
		{ID: "spec-b", ParentID: "leader-b", Tier: 3, Domain: "ui", Objective: "button", TokenBudget: 100},
	}
	for _, in := range inputs {
		if _, err := f.tasks.Create(ctx, in); err != nil {
			t.Fatalf("create %s: %v", in.ID, err)
		}
	}
}

func (f *fixture) move(t *testing.T, id string, path ...domain.TaskStatus) {
	t.Helper()
	for _, to := range path {
		if _, err := f.tasks.UpdateStatus(context.Background(), id, to, "", "test"); err != nil {
			t.Fatalf("move %s to %s: %v", id, to, err)
		}
	}
}

func (f *fixture) status(t *testing.T, id string) domain.TaskStatus {
	t.Helper()
	task, err := f.tasks.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get %s: %v", id, err)
	}
	return task.Status
}

func noopRunner() execution.Runner {
	return execution.RunnerFunc(func(ctx context.Context, req execution.Request) (*domain.IntentSummary, error) {
		return &domain.IntentSummary{}, nil
	})
}

// lastAuditID is the newest audit id, so a test can count only what follows.
func (f *fixture) lastAuditID(t *testing.T) int64 {
	t.Helper()
	entries, err := f.engine.Audit.Since(context.Background(), 0, 0)
	if err != nil {
		t.Fatalf("Since: %v", err)
	}
	if len(entries) == 0 {
		return 0
	}
	return entries[len(entries)-1].ID
}

func TestControlScope_TreePauseLeavesTerminalTasks(t *testing.T) {
	f := newFixture(t, noopRunner())
	f.seed(t)
	f.move(t, "leader-a", domain.TaskExecuting, domain.TaskCompleted)
	f.move(t, "leader-b", domain.TaskExecuting)
	baseline := f.lastAuditID(t)

	res, err := f.engine.ControlScope(context.Background(), ScopeInput{
		RootID: "root", Action: workflow.ActionPause, Scope: TreeScope{}, Reason: "maintenance",
	})
	if err != nil {
		t.Fatalf("ControlScope: %v", err)
	}
	if len(res.Affected) != 3 {
		t.Errorf("affected = %d, want 3", len(res.Affected))
	}
	if len(res.Skipped) != 1 || res.Skipped[0] != "leader-a" {
		t.Errorf("skipped = %v, want [leader-a]", res.Skipped)
	}
	for _, id := range []string{"root", "leader-b", "spec-b"} {
		if got := f.status(t, id); got != domain.TaskPaused {
			t.Errorf("%s status = %q, want paused", id, got)
		}
	}
	if got := f.status(t, "leader-a"); got != domain.TaskCompleted {
		t.Errorf("leader-a status = %q, want completed", got)
	}

	entries, err := f.engine.Audit.Since(context.Background(), baseline, 0)
	if err != nil {
		t.Fatalf("Since: %v", err)
	}
	changed, summaries := 0, 0
	for _, e := range entries {
		switch e.Action {
		case audit.ActionTaskStatusChanged:
			changed++
		case audit.ActionControlScopeApplied:
			summaries++
		}
	}
	if changed != 3 || summaries != 1 {
		t.Errorf("audit: %d status changes, %d summaries; want 3 and 1", changed, summaries)
	}
}

func TestControlScope_TierScope(t *testing.T) {
	f := newFixture(t, noopRunner())
	f.seed(t)

	res, err := f.engine.ControlScope(context.Background(), ScopeInput{
		RootID: "root", Action: workflow.ActionPause, Scope: TierScope{Tier: domain.TierDomainLeader},
	})
	if err != nil {
		t.Fatalf("ControlScope: %v", err)
	}
	if len(res.Affected) != 2 {
		t.Fatalf("affected = %d, want 2", len(res.Affected))
	}
	if f.status(t, "root") != domain.TaskPending || f.status(t, "spec-b") != domain.TaskPending {
		t.Error("tasks outside tier 2 must not change")
	}
	if res.Scope != "tier:2" {
		t.Errorf("Scope = %q", res.Scope)
	}
}

func TestControlScope_AgentScopeIncludesDescendants(t *testing.T) {
	f := newFixture(t, noopRunner())
	f.seed(t)

	res, err := f.engine.ControlScope(context.Background(), ScopeInput{
		RootID: "root", Action: workflow.ActionStop, Scope: AgentScope{TaskID: "leader-b"}, Reason: "off track",
	})
	if err != nil {
		t.Fatalf("ControlScope: %v", err)
	}
	if len(res.Affected) != 2 {
		t.Fatalf("affected = %d, want 2", len(res.Affected))
	}
	task, err := f.tasks.Get(context.Background(), "spec-b")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if task.Status != domain.TaskFailed || task.ErrorMessage != "off track" {
		t.Errorf("spec-b = %s %q", task.Status, task.ErrorMessage)
	}
	if f.status(t, "leader-a") != domain.TaskPending {
		t.Error("sibling must not change")
	}
}

func TestControlScope_AgentOutsideTree(t *testing.T) {
	f := newFixture(t, noopRunner())
	f.seed(t)
	if _, err := f.tasks.Create(context.Background(), taskstore.CreateInput{ID: "other", Tier: 1, Objective: "x"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	_, err := f.engine.ControlScope(context.Background(), ScopeInput{
		RootID: "root", Action: workflow.ActionPause, Scope: AgentScope{TaskID: "other"},
	})
	if !errors.Is(err, domain.ErrScopeOutsideTree) {
		t.Errorf("err = %v, want ErrScopeOutsideTree", err)
	}
	if f.status(t, "other") != domain.TaskPending {
		t.Error("task outside the tree must not change")
	}
}

func TestControlScope_InvalidInput(t *testing.T) {
	f := newFixture(t, noopRunner())
	f.seed(t)

	_, err := f.engine.ControlScope(context.Background(), ScopeInput{RootID: "root", Action: "explode", Scope: TreeScope{}})
	if !errors.Is(err, domain.ErrInvalidAction) {
		t.Errorf("err = %v, want ErrInvalidAction", err)
	}
	_, err = f.engine.ControlScope(context.Background(), ScopeInput{RootID: "root", Action: workflow.ActionPause})
	if !errors.Is(err, domain.ErrInvalidScope) {
		t.Errorf("err = %v, want ErrInvalidScope", err)
	}
	_, err = f.engine.ControlScope(context.Background(), ScopeInput{RootID: "missing", Action: workflow.ActionPause, Scope: TreeScope{}})
	if !errors.Is(err, domain.ErrTaskNotFound) {
		t.Errorf("err = %v, want ErrTaskNotFound", err)
	}
}

func TestControlScope_ResumeAfterPause(t *testing.T) {
	f := newFixture(t, noopRunner())
	f.seed(t)
	ctx := context.Background()

	if _, err := f.engine.ControlScope(ctx, ScopeInput{RootID: "root", Action: workflow.ActionPause, Scope: TreeScope{}}); err != nil {
		t.Fatalf("pause: %v", err)
	}
	res, err := f.engine.ControlScope(ctx, ScopeInput{RootID: "root", Action: workflow.ActionResume, Scope: TreeScope{}})
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if len(res.Affected) != 4 {
		t.Errorf("affected = %d, want 4", len(res.Affected))
	}
	if f.status(t, "spec-b") != domain.TaskExecuting {
		t.Errorf("spec-b status = %q, want executing", f.status(t, "spec-b"))
	}
}

func TestControlScope_StopCancelsExecution(t *testing.T) {
	started := make(chan struct{})
	runner := execution.RunnerFunc(func(ctx context.Context, req execution.Request) (*domain.IntentSummary, error) {
		close(started)
		<-ctx.Done()
		return nil, domain.ErrExecutionCancelled
	})
	f := newFixture(t, runner)
	f.seed(t)

	done := make(chan *execution.Outcome, 1)
	go func() {
		out, err := f.engine.Executor.Execute(context.Background(), "leader-a", "test")
		if err != nil {
			t.Errorf("Execute: %v", err)
		}
		done <- out
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("runner never started")
	}

	if _, err := f.engine.ControlScope(context.Background(), ScopeInput{
		RootID: "root", Action: workflow.ActionStop, Scope: AgentScope{TaskID: "leader-a"}, Reason: "halt",
	}); err != nil {
		t.Fatalf("ControlScope: %v", err)
	}

	select {
	case out := <-done:
		if out == nil || !out.Failed {
			t.Fatalf("outcome = %+v, want failed", out)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("execution was not cancelled")
	}
	task, err := f.tasks.Get(context.Background(), "leader-a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if task.Status != domain.TaskFailed || task.ErrorMessage != "halt" {
		t.Errorf("leader-a = %s %q, want failed with stop reason", task.Status, task.ErrorMessage)
	}
}

func TestControlScope_StopAfterPauseAbandonsRun(t *testing.T) {
	started := make(chan struct{})
	runner := execution.RunnerFunc(func(ctx context.Context, req execution.Request) (*domain.IntentSummary, error) {
		close(started)
		<-ctx.Done()
		return &domain.IntentSummary{
			Proposals:   []domain.DiffProposal{{AgentUID: "spec-a", FilePath: "main.go", DiffContent: "package main\n\nfunc main() {}\n", Confidence: 0.9}},
			TokensSpent: 5,
		}, nil
	})
	f := newFixture(t, runner)
	f.seed(t)
	ctx := context.Background()

	done := make(chan *execution.Outcome, 1)
	go func() {
		out, err := f.engine.Executor.Execute(ctx, "leader-a", "test")
		if err != nil {
			t.Errorf("Execute: %v", err)
		}
		done <- out
	}()
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("runner never started")
	}

	for _, action := range []workflow.Action{workflow.ActionPause, workflow.ActionStop} {
		if _, err := f.engine.ControlScope(ctx, ScopeInput{
			RootID: "root", Action: action, Scope: AgentScope{TaskID: "leader-a"}, Reason: "halt",
		}); err != nil {
			t.Fatalf("%s: %v", action, err)
		}
	}

	select {
	case out := <-done:
		if out == nil || !out.Failed {
			t.Fatalf("outcome = %+v, want failed", out)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("stop did not cancel the run of a paused task")
	}
	if f.engine.Dispatcher.InFlight("leader-a") {
		t.Error("run still in flight after stop")
	}
	ms, err := f.engine.Executor.Mutations.ListByTask(ctx, f.engine.DB, "leader-a")
	if err != nil {
		t.Fatalf("ListByTask: %v", err)
	}
	if len(ms) != 0 {
		t.Errorf("got %d mutations after stop, want 0", len(ms))
	}
	if got := f.status(t, "leader-a"); got != domain.TaskFailed {
		t.Errorf("leader-a = %s, want failed", got)
	}
}

func TestControlScope_RestartReexecutesLeaders(t *testing.T) {
	runner := execution.RunnerFunc(func(ctx context.Context, req execution.Request) (*domain.IntentSummary, error) {
		if req.TaskID != "leader-b" {
			return &domain.IntentSummary{TokensSpent: 10}, nil
		}
		return &domain.IntentSummary{
			Proposals: []domain.DiffProposal{{
				AgentUID:          "spec-b",
				FilePath:          "main.go",
				DiffContent:       "package main\n\nfunc main() {}\n",
				IntentDescription: "add entry point",
				Confidence:        0.9,
			}},
			TokensSpent: 20,
		}, nil
	})
	f := newFixture(t, runner)
	f.seed(t)
	f.move(t, "root", domain.TaskFailed)
	f.move(t, "leader-a", domain.TaskExecuting, domain.TaskCompleted)
	f.move(t, "leader-b", domain.TaskExecuting, domain.TaskCompleted)
	f.move(t, "spec-b", domain.TaskExecuting, domain.TaskFailed)

	res, err := f.engine.ControlScope(context.Background(), ScopeInput{
		RootID: "root", Action: workflow.ActionRestart, Scope: TreeScope{}, Reason: "retry",
	})
	if err != nil {
		t.Fatalf("ControlScope: %v", err)
	}
	if len(res.Affected) != 4 {
		t.Fatalf("affected = %d, want 4", len(res.Affected))
	}
	s := res.Restart
	if s == nil {
		t.Fatal("expected restart summary")
	}
	if s.Tier2Tasks != 2 || s.SuccessfulTier2Tasks != 2 || s.TasksWithoutCandidates != 1 || s.AppliedMutations != 1 {
		t.Errorf("summary = %+v", s)
	}
	if s.FailedExecutions != 0 || s.FirstError != "" {
		t.Errorf("unexpected failure in summary: %+v", s)
	}

	root, err := f.tasks.Get(context.Background(), "root")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if root.Status != domain.TaskPending || root.RetryCount != 1 {
		t.Errorf("root = %s retry %d", root.Status, root.RetryCount)
	}
	if f.status(t, "leader-b") != domain.TaskCompleted {
		t.Errorf("leader-b status = %q, want completed", f.status(t, "leader-b"))
	}
	got, err := os.ReadFile(filepath.Join(f.project, "main.go"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != "package main\n\nfunc main() {}\n" {
		t.Errorf("main.go = %q", got)
	}
}

func TestControlScope_RestartRunsPendingLeadersOfFailedRoot(t *testing.T) {
	runner := execution.RunnerFunc(func(ctx context.Context, req execution.Request) (*domain.IntentSummary, error) {
		if req.TaskID != "leader-b" {
			return &domain.IntentSummary{TokensSpent: 10}, nil
		}
		return &domain.IntentSummary{
			Proposals: []domain.DiffProposal{{
				AgentUID:    "spec-b",
				FilePath:    "main.go",
				DiffContent: "package main\n\nfunc main() {}\n",
				Confidence:  0.9,
			}},
			TokensSpent: 20,
		}, nil
	})
	f := newFixture(t, runner)
	f.seed(t)
	f.move(t, "root", domain.TaskFailed)

	res, err := f.engine.ControlScope(context.Background(), ScopeInput{
		RootID: "root", Action: workflow.ActionRestart, Scope: TreeScope{},
	})
	if err != nil {
		t.Fatalf("ControlScope: %v", err)
	}
	if len(res.Affected) != 1 || res.Affected[0].ID != "root" {
		t.Fatalf("affected = %+v, want only root", res.Affected)
	}
	s := res.Restart
	if s == nil {
		t.Fatal("expected restart summary")
	}
	if s.Tier2Tasks != 2 || s.SuccessfulTier2Tasks != 2 || s.TasksWithoutCandidates != 1 || s.AppliedMutations != 1 {
		t.Errorf("summary = %+v", s)
	}
	if got := f.status(t, "spec-b"); got != domain.TaskPending {
		t.Errorf("spec-b = %s, want pending (tier 3 is not re-executed)", got)
	}
}

func TestControlScope_RestartGatesSingleCandidateAgainstOlderProposal(t *testing.T) {
	runner := execution.RunnerFunc(func(ctx context.Context, req execution.Request) (*domain.IntentSummary, error) {
		return &domain.IntentSummary{
			Proposals: []domain.DiffProposal{{
				AgentUID:    "spec-new",
				FilePath:    "main.go",
				DiffContent: "package main\n\nfunc main() {}\n",
				Confidence:  0.9,
			}},
		}, nil
	})
	f := newFixture(t, runner)
	f.seed(t)
	ctx := context.Background()
	err := f.engine.Executor.Mutations.Create(ctx, f.engine.DB, domain.Mutation{
		ID:          "mut-old",
		TaskID:      "leader-a",
		AgentUID:    "spec-old",
		FilePath:    "main.go",
		DiffContent: "package main\n\nvar legacy = true\n",
		Status:      domain.MutationProposed,
		ProposedAt:  1,
	})
	if err != nil {
		t.Fatalf("seed mutation: %v", err)
	}
	f.move(t, "leader-a", domain.TaskFailed)

	res, err := f.engine.ControlScope(ctx, ScopeInput{
		RootID: "root", Action: workflow.ActionRestart, Scope: AgentScope{TaskID: "leader-a"},
	})
	if err != nil {
		t.Fatalf("ControlScope: %v", err)
	}
	s := res.Restart
	if s == nil {
		t.Fatal("expected restart summary")
	}
	if s.CandidateMutations != 1 || s.ConflictsRequiringReview != 1 || s.AppliedMutations != 0 {
		t.Errorf("summary = %+v, want the single candidate held for review", s)
	}
	got, err := os.ReadFile(filepath.Join(f.project, "main.go"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != "package main\n" {
		t.Errorf("main.go = %q, want unchanged", got)
	}
}

func TestControlScope_RestartToleratesPartialFailure(t *testing.T) {
	runner := execution.RunnerFunc(func(ctx context.Context, req execution.Request) (*domain.IntentSummary, error) {
		if req.TaskID == "leader-a" {
			return nil, domain.NewEngineError(domain.ErrExecutionFailed.Code, "model unavailable")
		}
		return &domain.IntentSummary{}, nil
	})
	f := newFixture(t, runner)
	f.seed(t)
	f.move(t, "leader-a", domain.TaskFailed)
	f.move(t, "leader-b", domain.TaskFailed)

	res, err := f.engine.ControlScope(context.Background(), ScopeInput{
		RootID: "root", Action: workflow.ActionRestart, Scope: TierScope{Tier: domain.TierDomainLeader},
	})
	if err != nil {
		t.Fatalf("ControlScope: %v", err)
	}
	s := res.Restart
	if s.Tier2Tasks != 2 || s.FailedExecutions != 1 || s.SuccessfulTier2Tasks != 1 || s.TasksWithoutCandidates != 1 {
		t.Errorf("summary = %+v", s)
	}
	if s.FirstError == "" {
		t.Error("expected FirstError to be set")
	}
	if f.status(t, "leader-a") != domain.TaskFailed {
		t.Errorf("leader-a status = %q, want failed", f.status(t, "leader-a"))
	}
}

func TestControlScope_RestartWithoutRunnerLeavesPending(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t)
	f.move(t, "leader-a", domain.TaskExecuting, domain.TaskFailed)

	res, err := f.engine.ControlScope(context.Background(), ScopeInput{
		RootID: "root", Action: workflow.ActionRestart, Scope: AgentScope{TaskID: "leader-a"},
	})
	if err != nil {
		t.Fatalf("ControlScope: %v", err)
	}
	if res.Restart != nil {
		t.Errorf("restart summary = %+v, want none without a runner", res.Restart)
	}
	if got := f.status(t, "leader-a"); got != domain.TaskPending {
		t.Errorf("leader-a = %s, want pending", got)
	}
}

func TestControlTask(t *testing.T) {
	f := newFixture(t, noopRunner())
	f.seed(t)
	ctx := context.Background()

	res, err := f.engine.ControlTask(ctx, TaskInput{TaskID: "leader-b", Action: workflow.ActionPause})
	if err != nil {
		t.Fatalf("ControlTask: %v", err)
	}
	if len(res.Affected) != 1 || f.status(t, "spec-b") != domain.TaskPending {
		t.Errorf("single-task control touched descendants: %+v", res.Affected)
	}

	res, err = f.engine.ControlTask(ctx, TaskInput{TaskID: "leader-b", Action: workflow.ActionStop, IncludeDescendants: true})
	if err != nil {
		t.Fatalf("ControlTask: %v", err)
	}
	if len(res.Affected) != 2 || f.status(t, "spec-b") != domain.TaskFailed {
		t.Errorf("affected = %+v", res.Affected)
	}
}

func TestParseScope(t *testing.T) {
	tests := []struct {
		kind    string
		tier    int
		agent   string
		want    string
		wantErr bool
	}{
		{"", 0, "", "tree", false},
		{"tree", 0, "", "tree", false},
		{"tier", 3, "", "tier:3", false},
		{"tier", 4, "", "", true},
		{"agent", 0, "t1", "agent:t1", false},
		{"agent", 0, " ", "", true},
		{"galaxy", 0, "", "", true},
	}
	for _, tt := range tests {
		s, err := ParseScope(tt.kind, tt.tier, tt.agent)
		if tt.wantErr {
			if !errors.Is(err, domain.ErrInvalidScope) {
				t.Errorf("ParseScope(%q, %d, %q) err = %v, want ErrInvalidScope", tt.kind, tt.tier, tt.agent, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseScope(%q): %v", tt.kind, err)
			continue
		}
		if s.String() != tt.want {
			t.Errorf("ParseScope(%q) = %q, want %q", tt.kind, s.String(), tt.want)
		}
	}
}
