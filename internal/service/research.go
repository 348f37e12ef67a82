package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/target/research-fanout/internal/core"
	"github.com/target/research-fanout/internal/domain/model"
	"github.com/target/research-fanout/internal/domain/research"
	apperrors "github.com/target/research-fanout/internal/errors"
	"github.com/target/research-fanout/internal/observability/statsd"
)

// ErrSubmitThrottled is returned when the owner exceeded the submit rate.
var ErrSubmitThrottled = errors.New("too many research submissions, try again later")

const (
	defaultListLimit       = 20
	maxListLimit           = 100
	defaultIdempotencyTTL  = 24 * time.Hour
	defaultMaxItemAttempts = 3
)

// SynthesisOptions configures the merge step.
type SynthesisOptions struct {
	Provider          model.ProviderID // Required: adapter used for merge calls
	MaxCharsPerResult int              // Optional: per-result cap in the merge prompt
	MaxOutputTokens   int              // Optional: completion budget for the merge call
}

// ResearchServiceOptions groups dependencies for ResearchService.
type ResearchServiceOptions struct {
	Repo        core.ResearchRepository // Required: job document store
	Queue       core.WorkQueue          // Required: at-least-once work channel
	Providers   core.ProviderRegistry   // Required: adapters by provider id
	Audit       core.AuditRepository    // Optional: enables ListAudit
	Idempotency core.IdempotencyStore   // Optional: Idempotency-Key support
	Limiter     core.SubmitLimiter      // Optional: per-owner submit throttling
	Notifier    core.OwnerNotifier      // Optional: best-effort completion notice
	Synthesis   SynthesisOptions
	// IdempotencyTTL is how long a key maps to its job. Defaults to 24h.
	IdempotencyTTL time.Duration
	// MaxItemAttempts is the queue-level retry count stamped on enqueued work.
	MaxItemAttempts int
	Logger          *slog.Logger // Optional: structured logger
	Metrics         statsd.Sink  // Optional: metrics sink (StatsD-compatible)
	Now             func() time.Time
	NewID           func() string
}

// ResearchService orchestrates research jobs: the dispatcher, the provider worker, the
// completion detector, the owner's retry/proceed/cancel decisions and the synthesizer.
//
// Every state change goes through a conditional write on the store, so handlers can be
// redelivered and raced against each other without double-applying anything.
type ResearchService struct {
	repo            core.ResearchRepository
	queue           core.WorkQueue
	providers       core.ProviderRegistry
	audit           core.AuditRepository
	idempotency     core.IdempotencyStore
	limiter         core.SubmitLimiter
	notifier        core.OwnerNotifier
	synthesis       SynthesisOptions
	idempotencyTTL  time.Duration
	maxItemAttempts int
	logger          *slog.Logger
	metrics         statsd.Sink
	now             func() time.Time
	newID           func() string
}

// NewResearchService constructs a ResearchService.
func NewResearchService(opts ResearchServiceOptions) (*ResearchService, error) {
	if opts.Repo == nil {
		return nil, errors.New("ResearchRepository is required")
	}
	if opts.Queue == nil {
		return nil, errors.New("WorkQueue is required")
	}
	if opts.Providers == nil {
		return nil, errors.New("ProviderRegistry is required")
	}
	if opts.Synthesis.Provider == "" {
		opts.Synthesis.Provider = model.ProviderAnthropic
	}
	if !opts.Synthesis.Provider.Valid() {
		return nil, fmt.Errorf("unknown synthesis provider %q", opts.Synthesis.Provider)
	}
	if opts.Synthesis.MaxCharsPerResult <= 0 {
		opts.Synthesis.MaxCharsPerResult = research.DefaultMaxCharsPerResult
	}
	if opts.IdempotencyTTL <= 0 {
		opts.IdempotencyTTL = defaultIdempotencyTTL
	}
	if opts.MaxItemAttempts <= 0 {
		opts.MaxItemAttempts = defaultMaxItemAttempts
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "research_service")

	now := opts.Now
	if now == nil {
		now = time.Now
	}
	newID := opts.NewID
	if newID == nil {
		newID = func() string { return uuid.NewString() }
	}

	if !opts.Providers.Registered(opts.Synthesis.Provider) {
		logger.Warn("synthesis provider is not configured; multi-result jobs will fail synthesis",
			"provider", opts.Synthesis.Provider)
	}

	return &ResearchService{
		repo:            opts.Repo,
		queue:           opts.Queue,
		providers:       opts.Providers,
		audit:           opts.Audit,
		idempotency:     opts.Idempotency,
		limiter:         opts.Limiter,
		notifier:        opts.Notifier,
		synthesis:       opts.Synthesis,
		idempotencyTTL:  opts.IdempotencyTTL,
		maxItemAttempts: opts.MaxItemAttempts,
		logger:          logger,
		metrics:         opts.Metrics,
		now:             now,
		newID:           newID,
	}, nil
}

// MustNewResearchService constructs a ResearchService and panics on error.
// Use this when you're certain the options are valid (e.g., in main.go).
func MustNewResearchService(opts ResearchServiceOptions) *ResearchService {
	svc, err := NewResearchService(opts)
	if err != nil {
		//nolint:forbidigo // Must constructor fails fast when dependencies are invalid during startup
		panic(fmt.Sprintf("failed to create ResearchService: %v", err))
	}
	return svc
}

// Submit validates the request, persists the job, fans out one provider work item per
// selected provider and marks the job dispatched. An Idempotency-Key replays the job it
// first created.
func (s *ResearchService) Submit(ctx context.Context, req *model.SubmitResearchRequest) (*model.ResearchJob, error) {
	if req == nil {
		return nil, apperrors.Validation("request is required")
	}
	if err := req.Validate(); err != nil {
		return nil, apperrors.Validation("%v", err)
	}
	for _, p := range req.Providers {
		if !s.providers.Registered(p) {
			return nil, apperrors.ValidationField("providers", fmt.Sprintf("provider %q is not configured", p))
		}
	}

	key := req.IdempotencyKey
	if key != "" && s.idempotency != nil {
		if job, ok := s.replay(ctx, key); ok {
			return job, nil
		}
	}

	if err := s.checkLimit(ctx, req.OwnerID); err != nil {
		return nil, err
	}

	id := s.newID()
	if key != "" && s.idempotency != nil {
		claimed, err := s.idempotency.Claim(ctx, key, id, s.idempotencyTTL)
		switch {
		case err != nil:
			s.logger.WarnContext(ctx, "idempotency store unavailable, submitting without it", "error", err)
			key = ""
		case !claimed:
			// Lost a race with a concurrent submit using the same key.
			if job, ok := s.replay(ctx, key); ok {
				return job, nil
			}
			return nil, apperrors.Conflict("a submission with this idempotency key is in progress")
		}
	} else {
		key = ""
	}

	job := model.NewResearchJob(id, req, s.now().UTC())
	if err := s.repo.Create(ctx, job); err != nil {
		if key != "" {
			if relErr := s.idempotency.Release(context.WithoutCancel(ctx), key); relErr != nil {
				s.logger.WarnContext(ctx, "failed to release idempotency key", "error", relErr)
			}
		}
		return nil, fmt.Errorf("create research job: %w", err)
	}

	refs := make([]core.ResultRef, 0, len(job.SelectedProviders))
	for _, p := range job.SelectedProviders {
		refs = append(refs, core.ResultRef{JobID: job.ID, Provider: p, Attempt: 1})
	}
	if err := s.enqueueProviderWork(ctx, refs); err != nil {
		// The job stays pending; the reconciler re-enqueues it after the dispatch grace period.
		s.logger.ErrorContext(ctx, "failed to enqueue provider work", "job_id", job.ID, "error", err)
		return job, nil
	}

	if err := s.markDispatched(ctx, job.ID); err != nil {
		s.logger.ErrorContext(ctx, "failed to mark job dispatched", "job_id", job.ID, "error", err)
		return job, nil
	}
	job.Status = model.ResearchStatusDispatched

	s.logger.InfoContext(ctx, "research job dispatched",
		"job_id", job.ID, "owner_id", job.OwnerID, "providers", len(job.SelectedProviders))
	return job, nil
}

func (s *ResearchService) replay(ctx context.Context, key string) (*model.ResearchJob, bool) {
	jobID, found, err := s.idempotency.Lookup(ctx, key)
	if err != nil {
		s.logger.WarnContext(ctx, "idempotency lookup failed", "error", err)
		return nil, false
	}
	if !found {
		return nil, false
	}
	job, err := s.repo.GetByID(ctx, jobID)
	if err != nil {
		// The key outlived its job or creation failed after the claim.
		s.logger.WarnContext(ctx, "idempotency key points at a missing job", "job_id", jobID, "error", err)
		return nil, false
	}
	return job, true
}

func (s *ResearchService) checkLimit(ctx context.Context, ownerID string) error {
	if s.limiter == nil {
		return nil
	}
	ok, err := s.limiter.Allow(ctx, ownerID)
	if err != nil {
		s.logger.WarnContext(ctx, "submit limiter unavailable, allowing", "owner_id", ownerID, "error", err)
		return nil
	}
	if !ok {
		return ErrSubmitThrottled
	}
	return nil
}

// markDispatched moves a freshly enqueued job out of pending and then runs the detector,
// since workers may have settled every result before the job left pending.
func (s *ResearchService) markDispatched(ctx context.Context, jobID string) error {
	applied, err := s.repo.CompareAndSetStatus(ctx, core.StatusTransition{
		JobID: jobID, From: model.ResearchStatusPending, To: model.ResearchStatusDispatched,
	})
	if err != nil {
		return fmt.Errorf("mark dispatched: %w", err)
	}
	if !applied {
		return nil
	}
	return s.DetectCompletion(ctx, jobID, TriggerDispatch)
}

// enqueueProviderWork enqueues one work item per ref concurrently.
func (s *ResearchService) enqueueProviderWork(ctx context.Context, refs []core.ResultRef) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, ref := range refs {
		g.Go(func() error {
			req, err := model.NewProviderWork(ref.JobID, ref.Provider, ref.Attempt, s.maxItemAttempts)
			if err != nil {
				return err
			}
			if _, err := s.queue.Enqueue(gctx, req); err != nil {
				return fmt.Errorf("enqueue %s attempt %d: %w", ref.Provider, ref.Attempt, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (s *ResearchService) enqueueSynthesis(ctx context.Context, jobID string) error {
	req, err := model.NewSynthesisWork(jobID, s.maxItemAttempts)
	if err != nil {
		return err
	}
	if _, err := s.queue.Enqueue(ctx, req); err != nil {
		return fmt.Errorf("enqueue synthesis: %w", err)
	}
	return nil
}

// Get returns a job with its full results map.
func (s *ResearchService) Get(ctx context.Context, id string) (*model.ResearchJob, error) {
	job, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get research job: %w", err)
	}
	return job, nil
}

// List returns a page of the owner's jobs, newest first.
func (s *ResearchService) List(ctx context.Context, opts model.ResearchListOptions) ([]*model.ResearchSummary, error) {
	if opts.OwnerID == "" {
		return nil, apperrors.ValidationField("owner_id", "owner id is required")
	}
	if opts.Limit <= 0 {
		opts.Limit = defaultListLimit
	}
	if opts.Limit > maxListLimit {
		opts.Limit = maxListLimit
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	out, err := s.repo.ListByOwner(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("list research jobs: %w", err)
	}
	return out, nil
}

// ListAudit returns the audit records of every provider call made for a job.
func (s *ResearchService) ListAudit(ctx context.Context, jobID string) ([]*model.AuditRecord, error) {
	if _, err := s.Get(ctx, jobID); err != nil {
		return nil, err
	}
	if s.audit == nil {
		return []*model.AuditRecord{}, nil
	}
	recs, err := s.audit.ListByJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("list audit records: %w", err)
	}
	return recs, nil
}
