package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/target/research-fanout/internal/bootstrap"
	"github.com/target/research-fanout/internal/data"
	"github.com/target/research-fanout/internal/domain/model"
	"github.com/target/research-fanout/internal/service"
)

const (
	defaultMigrationTimeout = 5 * time.Minute
	defaultCommandTimeout   = time.Minute
)

type migrateOptions struct {
	Timeout time.Duration
}

type showJobOptions struct {
	JobID   string
	Timeout time.Duration
}

type releaseKeyOptions struct {
	OwnerID string
	Key     string
}

func runMigrations(cmdCtx *commandContext, args []string) error {
	opts, err := parseMigrateFlags(args)
	if err != nil {
		return err
	}

	return withDatabase(cmdCtx, opts.Timeout, func(ctx context.Context, db *sql.DB) error {
		cmdCtx.Logger.Info("running database migrations")
		if migrateErr := bootstrap.RunMigrations(ctx, db, cmdCtx.Logger); migrateErr != nil {
			return fmt.Errorf("run migrations: %w", migrateErr)
		}
		cmdCtx.Logger.Info("migrations completed successfully")
		return nil
	})
}

func runQueueStats(cmdCtx *commandContext, _ []string) error {
	return withDatabase(cmdCtx, defaultCommandTimeout, func(ctx context.Context, db *sql.DB) error {
		repo := data.NewWorkRepo(db, data.WorkRepoConfig{Logger: cmdCtx.Logger})
		rows := make(map[model.WorkType]*model.WorkStats, 2)
		for _, wt := range []model.WorkType{model.WorkTypeProviderResearch, model.WorkTypeSynthesis} {
			stats, err := repo.Stats(ctx, wt)
			if err != nil {
				return fmt.Errorf("stats for %s: %w", wt, err)
			}
			rows[wt] = stats
		}
		return printQueueStats(cmdCtx.Out, rows)
	})
}

func printQueueStats(w io.Writer, rows map[model.WorkType]*model.WorkStats) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	if err := writeln(tw, "WORK TYPE\tPENDING\tRUNNING\tCOMPLETED\tFAILED"); err != nil {
		return err
	}
	for _, wt := range []model.WorkType{model.WorkTypeProviderResearch, model.WorkTypeSynthesis} {
		s := rows[wt]
		if s == nil {
			s = &model.WorkStats{}
		}
		if err := writef(tw, "%s\t%d\t%d\t%d\t%d\n", wt, s.Pending, s.Running, s.Completed, s.Failed); err != nil {
			return err
		}
	}
	return tw.Flush()
}

func runShowJob(cmdCtx *commandContext, args []string) error {
	opts, err := parseShowJobFlags(args)
	if err != nil {
		return err
	}

	return withDatabase(cmdCtx, opts.Timeout, func(ctx context.Context, db *sql.DB) error {
		job, getErr := data.NewResearchRepo(db, data.ResearchRepoConfig{Logger: cmdCtx.Logger}).GetByID(ctx, opts.JobID)
		if getErr != nil {
			return fmt.Errorf("load job %s: %w", opts.JobID, getErr)
		}
		recs, auditErr := data.NewAuditRepo(db, nil).ListByJob(ctx, opts.JobID)
		if auditErr != nil {
			return fmt.Errorf("load audit for %s: %w", opts.JobID, auditErr)
		}
		return printJob(cmdCtx.Out, job, recs)
	})
}

func printJob(w io.Writer, job *model.ResearchJob, recs []*model.AuditRecord) error {
	if err := writef(w, "Job:     %s\nOwner:   %s\nStatus:  %s\nCost:    $%.6f\n",
		job.ID, job.OwnerID, job.Status, job.TotalCostUSD); err != nil {
		return err
	}
	if job.CancelReason != nil {
		if err := writef(w, "Reason:  %s\n", *job.CancelReason); err != nil {
			return err
		}
	}
	if job.SynthesisError != nil {
		if err := writef(w, "Synthesis error: %s\n", *job.SynthesisError); err != nil {
			return err
		}
	}
	if err := writef(w, "Prompt:  %s\n\n", truncate(job.Prompt, 120)); err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	if err := writeln(tw, "PROVIDER\tSTATUS\tATTEMPT\tRETRIES\tMODEL\tCOST\tERROR"); err != nil {
		return err
	}
	for _, p := range job.SelectedProviders {
		r, ok := job.Results[p]
		if !ok {
			continue
		}
		errText := ""
		if r.ErrorKind != nil {
			errText = string(*r.ErrorKind)
		}
		if err := writef(tw, "%s\t%s\t%d\t%d\t%s\t$%.6f\t%s\n",
			p, r.Status, r.Attempt, r.RetryCount, r.Model, r.CostUSD, errText); err != nil {
			return err
		}
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if len(recs) == 0 {
		return writef(w, "\nNo audit records.\n")
	}
	if err := writef(w, "\nAudit (%d calls):\n", len(recs)); err != nil {
		return err
	}
	tw = tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	if err := writeln(tw, "TIME\tPROVIDER\tCALL\tATTEMPT\tIN\tOUT\tCOST\tSOURCE\tSTATUS"); err != nil {
		return err
	}
	for _, rec := range recs {
		if err := writef(tw, "%s\t%s\t%s\t%d\t%d\t%d\t$%.6f\t%s\t%s\n",
			rec.CreatedAt.UTC().Format(time.RFC3339), rec.Provider, rec.CallType, rec.Attempt,
			rec.Usage.InputTokens, rec.Usage.OutputTokens, rec.CostUSD, rec.CostSource, rec.Status); err != nil {
			return err
		}
	}
	return tw.Flush()
}

func runReconcile(cmdCtx *commandContext, _ []string) error {
	return withDatabase(cmdCtx, 10*time.Minute, func(ctx context.Context, db *sql.DB) error {
		services, err := bootstrap.NewServices(ctx, &bootstrap.ServiceDeps{
			Config: &cmdCtx.Config,
			DB:     db,
			Logger: cmdCtx.Logger,
		})
		if err != nil {
			return err
		}
		reconciler, err := service.NewReconcilerService(service.ReconcilerServiceOptions{
			Research: services.Research,
			Repo:     data.NewResearchRepo(db, data.ResearchRepoConfig{Logger: cmdCtx.Logger}),
			Work:     data.NewWorkRepo(db, data.WorkRepoConfig{Logger: cmdCtx.Logger}),
			Config:   cmdCtx.Config.Reconciler,
			Logger:   cmdCtx.Logger,
		})
		if err != nil {
			return err
		}
		if sweepErr := reconciler.Sweep(ctx); sweepErr != nil {
			return sweepErr
		}
		cmdCtx.Logger.Info("reconcile sweep completed")
		return nil
	})
}

func runReleaseIdempotencyKey(cmdCtx *commandContext, args []string) error {
	opts, err := parseReleaseKeyFlags(args)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmdCtx.Ctx, defaultCommandTimeout)
	defer cancel()

	client, err := bootstrap.ConnectRedis(bootstrap.DatabaseConfig{RedisConfig: cmdCtx.Config.Redis, Logger: cmdCtx.Logger})
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer func() {
		if cerr := client.Close(); cerr != nil {
			cmdCtx.Logger.Warn("redis close failed", "error", cerr)
		}
	}()

	// Keys are stored scoped to the owner, matching the HTTP layer.
	key := opts.OwnerID + ":" + opts.Key
	if relErr := data.NewRedisIdempotencyStore(client).Release(ctx, key); relErr != nil {
		return relErr
	}
	return writef(cmdCtx.Out, "released %s\n", key)
}

func parseMigrateFlags(args []string) (migrateOptions, error) {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	opts := migrateOptions{}
	fs.DurationVar(&opts.Timeout, "timeout", defaultMigrationTimeout, "Maximum duration to wait for migrations to complete")

	if err := fs.Parse(args); err != nil {
		return migrateOptions{}, err
	}
	if opts.Timeout <= 0 {
		return migrateOptions{}, errors.New("--timeout must be greater than zero")
	}
	return opts, nil
}

func parseShowJobFlags(args []string) (showJobOptions, error) {
	fs := flag.NewFlagSet("show-job", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	opts := showJobOptions{}
	fs.StringVar(&opts.JobID, "id", "", "Research job id (required)")
	fs.DurationVar(&opts.Timeout, "timeout", defaultCommandTimeout, "Maximum duration for the lookup")

	if err := fs.Parse(args); err != nil {
		return showJobOptions{}, err
	}
	opts.JobID = strings.TrimSpace(opts.JobID)
	if opts.JobID == "" {
		return showJobOptions{}, errors.New("--id is required")
	}
	if opts.Timeout <= 0 {
		return showJobOptions{}, errors.New("--timeout must be greater than zero")
	}
	return opts, nil
}

func parseReleaseKeyFlags(args []string) (releaseKeyOptions, error) {
	fs := flag.NewFlagSet("release-idempotency-key", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	opts := releaseKeyOptions{}
	fs.StringVar(&opts.OwnerID, "owner", "", "Owner id the key belongs to (required)")
	fs.StringVar(&opts.Key, "key", "", "Idempotency-Key value (required)")

	if err := fs.Parse(args); err != nil {
		return releaseKeyOptions{}, err
	}
	opts.OwnerID = strings.TrimSpace(opts.OwnerID)
	opts.Key = strings.TrimSpace(opts.Key)
	if opts.OwnerID == "" || opts.Key == "" {
		return releaseKeyOptions{}, errors.New("--owner and --key are required")
	}
	return opts, nil
}

func withDatabase(
	cmdCtx *commandContext,
	timeout time.Duration,
	f func(context.Context, *sql.DB) error,
) error {
	ctx, stop := signal.NotifyContext(cmdCtx.Ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	db, err := bootstrap.ConnectDB(bootstrap.DatabaseConfig{
		DBConfig: cmdCtx.Config.Postgres,
		Logger:   cmdCtx.Logger,
	})
	if err != nil {
		return fmt.Errorf("connect db: %w", err)
	}
	defer func() {
		if cerr := db.Close(); cerr != nil {
			cmdCtx.Logger.Warn("db close failed", "error", cerr)
		}
	}()

	return f(ctx, db)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
