package service

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/target/research-fanout/config"
	"github.com/target/research-fanout/internal/core"
	"github.com/target/research-fanout/internal/domain/model"
	obserrors "github.com/target/research-fanout/internal/observability/errors"
	"github.com/target/research-fanout/internal/observability/metrics"
	"github.com/target/research-fanout/internal/observability/statsd"
)

// ReconcilerServiceOptions groups dependencies for ReconcilerService.
type ReconcilerServiceOptions struct {
	Research *ResearchService          // Required: performs the repairs
	Repo     core.ReconcileRepository  // Required: stale-state queries
	Work     core.WorkReaperRepository // Required: work item retention
	Config   config.ReconcilerConfig   // Required: thresholds and interval
	Logger   *slog.Logger              // Optional: structured logger
	Metrics  statsd.Sink               // Optional: metrics sink (StatsD-compatible)
	Now      func() time.Time          // Optional: clock override for tests
}

// ReconcilerService repairs jobs whose in-line trigger was lost to a crash or a failed
// enqueue.
//
// Each tick it:
// - re-enqueues jobs stuck in pending;
// - times out provider results stuck in processing;
// - re-runs completion detection for dispatched jobs that stopped moving;
// - re-runs syntheses whose claim expired, failing them once recoveries are spent;
// - enqueues synthesis for completed jobs nobody claimed;
// - deletes finished work items past retention.
type ReconcilerService struct {
	research *ResearchService
	repo     core.ReconcileRepository
	work     core.WorkReaperRepository
	config   config.ReconcilerConfig
	logger   *slog.Logger
	metrics  statsd.Sink
	now      func() time.Time
}

// NewReconcilerService constructs a new ReconcilerService.
func NewReconcilerService(opts ReconcilerServiceOptions) (*ReconcilerService, error) {
	if opts.Research == nil {
		return nil, errors.New("ResearchService is required")
	}
	if opts.Repo == nil {
		return nil, errors.New("ReconcileRepository is required")
	}
	if opts.Work == nil {
		return nil, errors.New("WorkReaperRepository is required")
	}
	if opts.Config.Interval <= 0 {
		return nil, errors.New("reconciler interval must be positive")
	}
	if opts.Config.BatchSize <= 0 {
		opts.Config.BatchSize = 100
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "reconciler_service")
		logger.Debug("ReconcilerService initialized",
			"interval", opts.Config.Interval,
			"dispatch_grace", opts.Config.DispatchGrace,
			"processing_timeout", opts.Config.ProcessingTimeout,
			"stuck_after", opts.Config.StuckAfter,
			"synthesis_claim_ttl", opts.Config.SynthesisClaimTTL,
		)
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &ReconcilerService{
		research: opts.Research,
		repo:     opts.Repo,
		work:     opts.Work,
		config:   opts.Config,
		logger:   logger,
		metrics:  opts.Metrics,
		now:      now,
	}, nil
}

// Run starts the sweep loop and runs until the context is cancelled.
// Returns nil on graceful shutdown (context.Canceled), error otherwise.
func (s *ReconcilerService) Run(ctx context.Context) error {
	if s.logger != nil {
		s.logger.InfoContext(ctx, "starting reconciler service", "interval", s.config.Interval)
	}

	// Jitter keeps replicas that start together from sweeping in lockstep.
	s.waitWithJitter(ctx)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	if err := s.Sweep(ctx); err != nil {
		s.logSweepError(err, "initial sweep")
	}

	for {
		select {
		case <-ctx.Done():
			if s.logger != nil {
				s.logger.InfoContext(ctx, "reconciler service stopping", "reason", ctx.Err())
			}
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()

		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				s.logSweepError(err, "sweep")
			}
		}
	}
}

// waitWithJitter sleeps up to 10% of the interval.
func (s *ReconcilerService) waitWithJitter(ctx context.Context) {
	maxJitter := int64(s.config.Interval / 10)
	if maxJitter <= 0 {
		return
	}

	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return
	}
	jitterNanos := binary.BigEndian.Uint64(buf[:]) % uint64(maxJitter)
	jitter := time.Duration(int64(jitterNanos)) // #nosec G115 - bounded by maxJitter which is int64

	select {
	case <-time.After(jitter):
	case <-ctx.Done():
	}
}

type sweepStep struct {
	name string
	fn   func(context.Context) (int64, error)
}

// Sweep runs every reconciliation step once. A failing step does not stop the others.
func (s *ReconcilerService) Sweep(ctx context.Context) error {
	start := s.now()
	steps := []sweepStep{
		{"redispatch_pending", s.redispatchPending},
		{"timeout_processing", s.timeoutProcessing},
		{"redetect_dispatched", s.redetectDispatched},
		{"expire_synthesis", s.expireSyntheses},
		{"resume_synthesis", s.resumeSyntheses},
		{"delete_finished_work", s.deleteFinishedWork},
	}

	var (
		errs        []error
		allCanceled = true
		total       int64
	)
	for _, step := range steps {
		count, err := step.fn(ctx)
		total += count
		s.emitStepMetric(step.name, count, suppressContextCancellation(err))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", step.name, err))
			allCanceled = allCanceled && isContextCancellation(err)
		}
	}

	var joined error
	if len(errs) > 0 {
		joined = errors.Join(errs...)
	}
	s.emitSweepMetric(total, suppressContextCancellation(joined), s.now().Sub(start))

	if joined == nil {
		return nil
	}
	if allCanceled {
		return context.Canceled
	}
	return fmt.Errorf("reconcile sweep failed: %w", joined)
}

// forEach applies fn to every id and collects failures, stopping early on cancellation.
func (s *ReconcilerService) forEach(ctx context.Context, ids []string, fn func(string) error) (int64, error) {
	var (
		done int64
		errs []error
	)
	for _, id := range ids {
		if ctx.Err() != nil {
			return done, ctx.Err()
		}
		if err := fn(id); err != nil {
			errs = append(errs, fmt.Errorf("job %s: %w", id, err))
			continue
		}
		done++
	}
	return done, errors.Join(errs...)
}

// redispatchPending repairs jobs whose Submit died between persisting and dispatching.
func (s *ReconcilerService) redispatchPending(ctx context.Context) (int64, error) {
	ids, err := s.repo.ListStaleJobs(ctx, core.StaleJobQuery{
		Status: model.ResearchStatusPending,
		Before: s.now().Add(-s.config.DispatchGrace),
		Limit:  s.config.BatchSize,
	})
	if err != nil {
		return 0, err
	}
	n, err := s.forEach(ctx, ids, func(id string) error {
		defer s.markReconciled(ctx, id)
		_, err := s.research.RequeuePending(ctx, id)
		return err
	})
	s.logStep(ctx, "redispatched pending jobs", n)
	return n, err
}

// timeoutProcessing fails results whose worker vanished mid-call, then lets the detector
// settle their jobs.
func (s *ReconcilerService) timeoutProcessing(ctx context.Context) (int64, error) {
	ids, err := s.repo.FailStaleProcessing(ctx, s.now().Add(-s.config.ProcessingTimeout), s.config.BatchSize)
	if err != nil {
		return 0, err
	}
	n, err := s.forEach(ctx, ids, func(id string) error {
		return s.research.DetectCompletion(ctx, id, TriggerReconcile)
	})
	s.logStep(ctx, "timed out stuck provider calls", n)
	return n, err
}

// redetectDispatched re-enqueues lost provider work and re-runs detection for dispatched
// jobs that have not changed for a while.
func (s *ReconcilerService) redetectDispatched(ctx context.Context) (int64, error) {
	ids, err := s.repo.ListStaleJobs(ctx, core.StaleJobQuery{
		Status: model.ResearchStatusDispatched,
		Before: s.now().Add(-s.config.StuckAfter),
		Limit:  s.config.BatchSize,
	})
	if err != nil {
		return 0, err
	}
	n, err := s.forEach(ctx, ids, func(id string) error {
		defer s.markReconciled(ctx, id)
		if _, err := s.research.RequeuePending(ctx, id); err != nil {
			return err
		}
		return s.research.DetectCompletion(ctx, id, TriggerReconcile)
	})
	s.logStep(ctx, "re-ran completion detection", n)
	return n, err
}

// expireSyntheses gives an expired synthesis claim one more run before failing the job.
func (s *ReconcilerService) expireSyntheses(ctx context.Context) (int64, error) {
	claimedBefore := s.now().Add(-s.config.SynthesisClaimTTL)
	ids, err := s.repo.ListAbandonedSyntheses(ctx, claimedBefore, s.config.BatchSize)
	if err != nil {
		return 0, err
	}
	var requeued, abandoned int64
	_, err = s.forEach(ctx, ids, func(id string) error {
		outcome, err := s.repo.ExpireSynthesisClaim(ctx, core.ExpireSynthesisParams{
			JobID:         id,
			ClaimedBefore: claimedBefore,
			MaxRecoveries: model.MaxSynthesisRecoveries,
			Message:       SynthesisAbandoned,
		})
		if err != nil {
			return err
		}
		switch outcome {
		case model.SynthesisExpiryReleased:
			requeued++
			return s.research.EnqueueSynthesis(ctx, id)
		case model.SynthesisExpiryAbandoned:
			abandoned++
			if s.logger != nil {
				s.logger.WarnContext(ctx, "synthesis abandoned", "job_id", id)
			}
		case model.SynthesisExpiryNone:
		}
		return nil
	})
	s.logStep(ctx, "requeued expired synthesis claims", requeued)
	s.logStep(ctx, "abandoned expired synthesis claims", abandoned)
	return requeued + abandoned, err
}

func (s *ReconcilerService) resumeSyntheses(ctx context.Context) (int64, error) {
	ids, err := s.repo.ListUnclaimedSyntheses(ctx, s.now().Add(-s.config.SynthesisGrace), s.config.BatchSize)
	if err != nil {
		return 0, err
	}
	n, err := s.forEach(ctx, ids, func(id string) error {
		defer s.markReconciled(ctx, id)
		return s.research.EnqueueSynthesis(ctx, id)
	})
	s.logStep(ctx, "enqueued unclaimed syntheses", n)
	return n, err
}

// deleteFinishedWork loops in batches until nothing is left to delete.
func (s *ReconcilerService) deleteFinishedWork(ctx context.Context) (int64, error) {
	var total int64
	for _, p := range []core.DeleteWorkParams{
		{Status: model.WorkStatusCompleted, OlderThan: s.config.CompletedWorkMaxAge, BatchSize: s.config.BatchSize},
		{Status: model.WorkStatusFailed, OlderThan: s.config.FailedWorkMaxAge, BatchSize: s.config.BatchSize},
	} {
		for {
			count, err := s.work.DeleteFinishedWork(ctx, p)
			if err != nil {
				return total, err
			}
			total += count
			if count < int64(p.BatchSize) {
				break
			}
			if ctx.Err() != nil {
				return total, ctx.Err()
			}
		}
	}
	s.logStep(ctx, "deleted finished work items", total)
	return total, nil
}

func (s *ReconcilerService) markReconciled(ctx context.Context, id string) {
	if err := s.repo.MarkReconciled(context.WithoutCancel(ctx), id); err != nil && s.logger != nil {
		s.logger.WarnContext(ctx, "failed to mark job reconciled", "job_id", id, "error", err)
	}
}

func (s *ReconcilerService) logStep(ctx context.Context, msg string, count int64) {
	if count > 0 && s.logger != nil {
		s.logger.InfoContext(ctx, msg, "count", count)
	}
}

func (s *ReconcilerService) emitSweepMetric(total int64, err error, elapsed time.Duration) {
	if s.metrics == nil {
		return
	}
	tags := map[string]string{"result": outcomeResult(total, err)}
	if err != nil {
		if class := obserrors.Classify(err); class != "" {
			tags["error_class"] = class
		}
	}
	s.metrics.Count("reconciler.sweep", 1, tags)
	if elapsed > 0 {
		s.metrics.Timing("reconciler.sweep_duration", elapsed, metrics.CloneTags(tags))
	}
	if err == nil {
		s.metrics.Gauge("reconciler.last_success_epoch", float64(s.now().Unix()), nil)
	}
}

func (s *ReconcilerService) emitStepMetric(step string, count int64, err error) {
	if s.metrics == nil {
		return
	}
	tags := map[string]string{"step": step, "result": outcomeResult(count, err)}
	if err != nil {
		if class := obserrors.Classify(err); class != "" {
			tags["error_class"] = class
		}
	}
	s.metrics.Count("reconciler.step", 1, tags)
	if err == nil && count > 0 {
		s.metrics.Count("reconciler.repaired", count, metrics.CloneTags(tags))
	}
}

func outcomeResult(count int64, err error) string {
	switch {
	case err != nil:
		return metrics.ResultError
	case count == 0:
		return metrics.ResultNoop
	}
	return metrics.ResultSuccess
}

func (s *ReconcilerService) logSweepError(err error, label string) {
	if err == nil || s.logger == nil {
		return
	}
	if isContextCancellation(err) {
		s.logger.Debug(label+" cancelled by context", "error", err)
		return
	}
	s.logger.Error(label+" failed", "error", err)
}

func isContextCancellation(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func suppressContextCancellation(err error) error {
	if isContextCancellation(err) {
		return nil
	}
	return err
}
