// Package workrunner leases queued work items and routes them to the research service.
package workrunner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/target/research-fanout/internal/core"
	"github.com/target/research-fanout/internal/domain/model"
	"github.com/target/research-fanout/internal/observability/metrics"
	"github.com/target/research-fanout/internal/observability/statsd"
)

// Handlers is the subset of the research service the runner dispatches to.
type Handlers interface {
	HandleProviderWork(ctx context.Context, p model.ProviderWorkPayload) error
	HandleSynthesisWork(ctx context.Context, p model.SynthesisWorkPayload) error
}

// HandlerFunc processes one leased item. A returned error fails the item, which the queue
// retries per its budget.
type HandlerFunc func(ctx context.Context, item *model.WorkItem) error

const (
	defaultLease        = 60 * time.Second
	defaultPollInterval = 5 * time.Second
)

// RunnerOptions configures the work runner.
type RunnerOptions struct {
	Repo     core.WorkRepository // Required: lease queue
	Handlers Handlers            // Required: research service
	Logger   *slog.Logger
	Metrics  statsd.Sink

	WorkType    model.WorkType // which work type to process; defaults to provider_research
	Lease       time.Duration  // per-item lease; defaults to 60s
	Concurrency int            // number of worker goroutines; defaults to 1
	// PollInterval bounds how long an idle worker waits for a notification before
	// polling again. Notifications sent before the worker listened are otherwise lost.
	PollInterval time.Duration
}

// Runner pulls work items of one type and executes them.
type Runner struct {
	repo         core.WorkRepository
	logger       *slog.Logger
	metrics      statsd.Sink
	workType     model.WorkType
	lease        time.Duration
	workers      int
	pollInterval time.Duration
	handlers     map[model.WorkType]HandlerFunc
}

// NewRunner constructs a runner for a single work type.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.Repo == nil {
		return nil, errors.New("work repository is required")
	}
	if opts.Handlers == nil {
		return nil, errors.New("handlers are required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	wt := opts.WorkType
	if !wt.Valid() {
		wt = model.WorkTypeProviderResearch
	}
	lease := opts.Lease
	if lease < time.Second {
		lease = defaultLease
	}
	workers := opts.Concurrency
	if workers <= 0 {
		workers = 1
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}

	r := &Runner{
		repo:         opts.Repo,
		logger:       logger.With("component", componentLabel(wt)),
		metrics:      opts.Metrics,
		workType:     wt,
		lease:        lease,
		workers:      workers,
		pollInterval: poll,
		handlers:     make(map[model.WorkType]HandlerFunc, 2),
	}
	r.handlers[model.WorkTypeProviderResearch] = providerHandler(opts.Handlers)
	r.handlers[model.WorkTypeSynthesis] = synthesisHandler(opts.Handlers)
	return r, nil
}

func providerHandler(h Handlers) HandlerFunc {
	return func(ctx context.Context, item *model.WorkItem) error {
		var p model.ProviderWorkPayload
		if err := json.Unmarshal(item.Payload, &p); err != nil {
			return fmt.Errorf("decode provider work payload: %w", err)
		}
		return h.HandleProviderWork(ctx, p)
	}
}

func synthesisHandler(h Handlers) HandlerFunc {
	return func(ctx context.Context, item *model.WorkItem) error {
		var p model.SynthesisWorkPayload
		if err := json.Unmarshal(item.Payload, &p); err != nil {
			return fmt.Errorf("decode synthesis work payload: %w", err)
		}
		return h.HandleSynthesisWork(ctx, p)
	}
}

// Run starts the workers and processes items until the context is cancelled. The first
// queue error stops every worker.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting work runner", "type", r.workType, "workers", r.workers, "lease", r.lease)

	g, gctx := errgroup.WithContext(ctx)
	for range r.workers {
		g.Go(func() error { return r.workerLoop(gctx) })
	}
	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return ctx.Err()
}

func (r *Runner) workerLoop(ctx context.Context) error {
	for ctx.Err() == nil {
		item, err := r.repo.ReserveNext(ctx, r.workType, r.leaseSeconds())
		switch {
		case err == nil:
			r.process(ctx, item)
		case errors.Is(err, model.ErrNoWorkAvailable):
			r.waitForWork(ctx)
		case ctx.Err() != nil:
			return nil
		default:
			return fmt.Errorf("reserve next: %w", err)
		}
	}
	return nil
}

// waitForWork blocks until an item is announced or the poll interval elapses.
func (r *Runner) waitForWork(ctx context.Context) {
	wctx, cancel := context.WithTimeout(ctx, r.pollInterval)
	defer cancel()
	err := r.repo.WaitForNotification(wctx, r.workType)
	if err == nil || wctx.Err() != nil {
		return
	}
	// Listener errors fall back to plain polling.
	r.logger.WarnContext(ctx, "work notification listener failed", "error", err)
	select {
	case <-wctx.Done():
	case <-ctx.Done():
	}
}

func (r *Runner) leaseSeconds() int {
	return int(r.lease / time.Second)
}

// process runs the handler under a heartbeat and settles the item.
func (r *Runner) process(ctx context.Context, item *model.WorkItem) {
	start := time.Now()
	emit := func(transition, result string, err error) {
		metrics.EmitWorkLifecycle(r.metrics, metrics.WorkMetric{
			WorkType:   string(item.Type),
			Transition: transition,
			Result:     result,
			Duration:   time.Since(start),
			Err:        err,
		})
	}
	logger := r.logger.With("work_id", item.ID, "deliveries", item.Deliveries)

	h, ok := r.handlers[item.Type]
	if !ok {
		err := fmt.Errorf("no handler for work type %s", item.Type)
		r.fail(ctx, item.ID, err)
		emit("failed", metrics.ResultError, err)
		return
	}

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		r.heartbeat(hbCtx, item.ID)
	}()
	err := h(ctx, item)
	stopHeartbeat()
	<-hbDone

	// Settle even if shutdown began mid-handler so the item is not left leased.
	sctx := context.WithoutCancel(ctx)
	if err != nil {
		if ctx.Err() != nil {
			logger.InfoContext(ctx, "work interrupted by shutdown; lease will expire", "error", err)
			emit("interrupted", metrics.ResultNoop, nil)
			return
		}
		logger.WarnContext(ctx, "work item failed", "error", err)
		r.fail(sctx, item.ID, err)
		emit("failed", metrics.ResultError, err)
		return
	}

	completed, cerr := r.repo.Complete(sctx, item.ID)
	if cerr != nil {
		logger.ErrorContext(ctx, "complete work item error", "error", cerr)
		emit("completed", metrics.ResultError, cerr)
		return
	}
	result := metrics.ResultNoop
	if completed {
		result = metrics.ResultSuccess
	}
	emit("completed", result, nil)
}

// heartbeat extends the lease every third of its duration until ctx ends.
func (r *Runner) heartbeat(ctx context.Context, id string) {
	interval := r.lease / 3
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := r.repo.Heartbeat(ctx, id, r.leaseSeconds())
			if err != nil {
				if ctx.Err() == nil {
					r.logger.WarnContext(ctx, "heartbeat failed", "work_id", id, "error", err)
				}
				continue
			}
			if !ok {
				r.logger.WarnContext(ctx, "lost lease on work item", "work_id", id)
				return
			}
		}
	}
}

func (r *Runner) fail(ctx context.Context, id string, cause error) {
	if _, err := r.repo.Fail(ctx, id, cause.Error()); err != nil {
		r.logger.ErrorContext(ctx, "fail work item error", "work_id", id, "error", err, "original_error", cause)
	}
}

func componentLabel(t model.WorkType) string {
	switch t {
	case model.WorkTypeProviderResearch:
		return "research_runner"
	case model.WorkTypeSynthesis:
		return "synthesis_runner"
	default:
		return "work_runner"
	}
}
