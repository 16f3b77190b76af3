package main

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/Rogers-F/tierforge/internal/audit"
	"github.com/Rogers-F/tierforge/internal/budget"
	"github.com/Rogers-F/tierforge/internal/config"
	"github.com/Rogers-F/tierforge/internal/conflict"
	"github.com/Rogers-F/tierforge/internal/control"
	"github.com/Rogers-F/tierforge/internal/domain"
	"github.com/Rogers-F/tierforge/internal/execution"
	"github.com/Rogers-F/tierforge/internal/ipc"
	"github.com/Rogers-F/tierforge/internal/orchestrator"
	"github.com/Rogers-F/tierforge/internal/pipeline"
	"github.com/Rogers-F/tierforge/internal/sandbox"
	"github.com/Rogers-F/tierforge/internal/store"
	"github.com/Rogers-F/tierforge/internal/taskstore"
)

// app is the fully wired control plane.
type app struct {
	db           *sql.DB
	logger       zerolog.Logger
	audit        *audit.Recorder
	tasks        *taskstore.Service
	arbiter      *budget.Arbiter
	dispatcher   *execution.Dispatcher
	executor     *execution.Executor
	pipeline     *pipeline.Pipeline
	resolver     *conflict.Resolver
	control      *control.Engine
	orchestrator *orchestrator.Orchestrator
	content      *sandbox.Reader
	workspace    string
}

func newApp(cfg *config.Config, logger zerolog.Logger) (*app, error) {
	db, err := store.NewDB(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	var runner execution.Runner
	pr, err := execution.NewProcessRunner(cfg.Execution.Command, cfg.Execution.Args, cfg.Execution.Env)
	switch {
	case err == nil:
		runner = pr
	case errors.Is(err, domain.ErrRunnerNotReady):
		logger.Warn().Msg("no execution command configured; execute and restart re-execution are disabled")
	default:
		db.Close()
		return nil, err
	}

	rec := audit.NewRecorder(db, logger.With().Str("component", "audit").Logger())
	tasks := taskstore.NewService(db, rec, logger.With().Str("component", "taskstore").Logger())
	arb := budget.NewArbiter(db, rec, policyFrom(cfg), logger.With().Str("component", "budget").Logger())
	d := execution.NewDispatcher(runner, cfg.Execution.MaxParallel, cfg.Execution.Timeout, logger.With().Str("component", "dispatcher").Logger())
	exec := execution.NewExecutor(db, tasks, arb, d, rec, cfg.Execution.TopK, logger.With().Str("component", "executor").Logger())
	ci := &pipeline.ExecCIRunner{Timeout: cfg.Pipeline.CITimeout}
	p := pipeline.New(db, tasks, rec, ci, exec, optionsFrom(cfg), logger.With().Str("component", "pipeline").Logger())
	res := conflict.NewResolver(db, p, nil, rec, cfg.Conflict.Threshold, logger.With().Str("component", "conflict").Logger())
	ctl := control.NewEngine(db, tasks, d, exec, res, p, rec, logger.With().Str("component", "control").Logger())
	ctl.MaxParallel = cfg.Execution.MaxParallel
	orch := orchestrator.New(db, tasks, rec, cfg.Budget.OverheadPercent, cfg.Budget.ReservePercent,
		logger.With().Str("component", "orchestrator").Logger())

	return &app{
		db:           db,
		logger:       logger,
		audit:        rec,
		tasks:        tasks,
		arbiter:      arb,
		dispatcher:   d,
		executor:     exec,
		pipeline:     p,
		resolver:     res,
		control:      ctl,
		orchestrator: orch,
		content:      sandbox.NewReader(rec, logger.With().Str("component", "content").Logger()),
		workspace:    cfg.Workspace,
	}, nil
}

// reload applies the hot-reloadable parts of a new configuration.
func (a *app) reload(cfg *config.Config) {
	a.arbiter.SetPolicy(policyFrom(cfg))
	a.resolver.SetThreshold(cfg.Conflict.Threshold)
	a.pipeline.SetOptions(optionsFrom(cfg))
}

func (a *app) handler() *ipc.Handler {
	return &ipc.Handler{
		Tasks:        a.tasks,
		Orchestrator: a.orchestrator,
		Control:      a.control,
		Executor:     a.executor,
		Budget:       a.arbiter,
		Pipeline:     a.pipeline,
		Conflicts:    a.resolver,
		Audit:        a.audit,
		Content:      a.content,
		Workspace:    a.workspace,
		Logger:       a.logger,
	}
}

func (a *app) close() error {
	a.dispatcher.CancelAll()
	return a.db.Close()
}

func policyFrom(cfg *config.Config) budget.Policy {
	return budget.Policy{
		HeadroomPercent:    cfg.Budget.HeadroomPercent,
		AutoMaxPercent:     cfg.Budget.AutoMaxPercent,
		MinIncrement:       cfg.Budget.MinIncrement,
		EstimatedStageCost: cfg.Budget.EstimatedStageCost,
	}
}

func optionsFrom(cfg *config.Config) pipeline.Options {
	return pipeline.Options{
		CICommand:     cfg.Pipeline.CICommand,
		ShadowRoot:    cfg.Pipeline.ShadowRoot,
		KeepShadow:    cfg.Pipeline.KeepShadow,
		MinConfidence: cfg.Pipeline.MinConfidence,
	}
}
