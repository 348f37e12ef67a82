package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/target/research-fanout/config"
	"github.com/target/research-fanout/internal/adapters/reconciler"
	"github.com/target/research-fanout/internal/adapters/workrunner"
	"github.com/target/research-fanout/internal/core"
	"github.com/target/research-fanout/internal/domain/model"
	"github.com/target/research-fanout/internal/observability/statsd"
	"github.com/target/research-fanout/internal/service"
)

// ResearchWorkerConfig contains configuration for the research worker.
type ResearchWorkerConfig struct {
	Repo     core.WorkRepository
	Research workrunner.Handlers
	Logger   *slog.Logger
	Metrics  statsd.Sink
	Worker   config.WorkerConfig
}

// RunResearchWorker runs one runner per work type until ctx is cancelled. Provider calls
// and synthesis calls get separate pools so a burst of submits cannot starve synthesis.
func RunResearchWorker(ctx context.Context, cfg ResearchWorkerConfig) error {
	pools := []workrunner.RunnerOptions{
		{WorkType: model.WorkTypeProviderResearch, Concurrency: cfg.Worker.Concurrency},
		{WorkType: model.WorkTypeSynthesis, Concurrency: cfg.Worker.SynthesisConcurrency},
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, opts := range pools {
		opts.Repo = cfg.Repo
		opts.Handlers = cfg.Research
		opts.Logger = cfg.Logger
		opts.Metrics = cfg.Metrics
		opts.Lease = cfg.Worker.Lease
		g.Go(func() error { return runWorkRunner(gctx, opts) })
	}
	return g.Wait()
}

// runWorkRunner centralizes runner setup so each pool only passes its own options.
func runWorkRunner(ctx context.Context, opts workrunner.RunnerOptions) error {
	label := workRunnerLabel(opts.WorkType)

	runner, err := workrunner.NewRunner(opts)
	if err != nil {
		return fmt.Errorf("create %s runner: %w", label, err)
	}

	if runErr := runner.Run(ctx); runErr != nil && ctx.Err() == nil {
		return fmt.Errorf("run %s runner: %w", label, runErr)
	}
	return nil
}

func workRunnerLabel(workType model.WorkType) string {
	switch workType {
	case model.WorkTypeProviderResearch:
		return "provider research"
	case model.WorkTypeSynthesis:
		return "synthesis"
	}
	return "work"
}

// ReconcilerConfig contains configuration for the reconciler.
type ReconcilerConfig struct {
	DB       *sql.DB
	Research *service.ResearchService
	Repos    *serviceRepositories
	Logger   *slog.Logger
	Config   config.ReconcilerConfig
	Metrics  statsd.Sink
}

// RunReconciler starts the periodic stuck-job sweep.
func RunReconciler(ctx context.Context, cfg ReconcilerConfig) error {
	opts := reconciler.RunnerOptions{
		DB:       cfg.DB,
		Research: cfg.Research,
		Config:   cfg.Config,
		Logger:   cfg.Logger,
		Metrics:  cfg.Metrics,
	}
	if cfg.Repos != nil {
		opts.Repo = cfg.Repos.Research
		opts.Work = cfg.Repos.Work
	}

	runner, err := reconciler.NewRunner(opts)
	if err != nil {
		return fmt.Errorf("create reconciler runner: %w", err)
	}

	return runner.Run(ctx)
}
