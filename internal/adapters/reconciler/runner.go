// Package reconciler provides the adapter that runs the periodic reconcile sweep.
package reconciler

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/target/research-fanout/config"
	"github.com/target/research-fanout/internal/core"
	"github.com/target/research-fanout/internal/data"
	"github.com/target/research-fanout/internal/observability/statsd"
	"github.com/target/research-fanout/internal/service"
)

// Runner constructs the reconciler service and runs its loop.
type Runner struct {
	reconciler *service.ReconcilerService
	logger     *slog.Logger
}

// RunnerOptions holds the dependencies for creating a Runner.
type RunnerOptions struct {
	DB       *sql.DB
	Research *service.ResearchService
	Config   config.ReconcilerConfig
	Logger   *slog.Logger
	Metrics  statsd.Sink

	// Optional dependency injection for testing/decoupling
	Repo core.ReconcileRepository
	Work core.WorkReaperRepository
}

// NewRunner creates a new reconciler runner with the given options.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if err := validateRunnerOptions(&opts); err != nil {
		return nil, err
	}

	svc, err := wireReconcilerService(opts)
	if err != nil {
		return nil, fmt.Errorf("wire reconciler service: %w", err)
	}
	return &Runner{reconciler: svc, logger: opts.Logger}, nil
}

func validateRunnerOptions(opts *RunnerOptions) error {
	if opts.Research == nil {
		return errors.New("research service is required")
	}
	if opts.DB == nil && (opts.Repo == nil || opts.Work == nil) {
		return errors.New("database connection is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return nil
}

func wireReconcilerService(opts RunnerOptions) (*service.ReconcilerService, error) {
	repo := opts.Repo
	if repo == nil {
		repo = data.NewResearchRepo(opts.DB, data.ResearchRepoConfig{})
	}
	work := opts.Work
	if work == nil {
		work = data.NewWorkRepo(opts.DB, data.WorkRepoConfig{Logger: opts.Logger})
	}
	return service.NewReconcilerService(service.ReconcilerServiceOptions{
		Research: opts.Research,
		Repo:     repo,
		Work:     work,
		Config:   opts.Config,
		Logger:   opts.Logger,
		Metrics:  opts.Metrics,
	})
}

// Run starts the reconcile loop and runs until the context is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting reconciler runner")
	return r.reconciler.Run(ctx)
}
