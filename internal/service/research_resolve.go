package service

import (
	"context"
	"fmt"

	"github.com/target/research-fanout/internal/core"
	"github.com/target/research-fanout/internal/domain/model"
	"github.com/target/research-fanout/internal/domain/research"
	"github.com/target/research-fanout/internal/observability/metrics"
)

// Retry re-dispatches every failed provider that still has retry budget. It is valid only
// while the job is in partial_failure and returns model.ErrRetryExhausted when no failed
// provider is eligible.
func (s *ResearchService) Retry(ctx context.Context, id string) (*model.ResearchJob, error) {
	job, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status != model.ResearchStatusPartialFailure {
		return nil, fmt.Errorf("retry job in %s: %w", job.Status, model.ErrInvalidState)
	}

	candidates := research.RetryCandidates(job)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("retry job %s: %w", id, model.ErrRetryExhausted)
	}

	reset := make([]core.ResultRef, 0, len(candidates))
	for _, c := range candidates {
		applied, err := s.repo.ResetProviderForRetry(ctx, core.ResultRef{
			JobID: id, Provider: c.Provider, Attempt: c.Attempt,
		})
		if err != nil {
			return nil, fmt.Errorf("reset %s for retry: %w", c.Provider, err)
		}
		if applied {
			reset = append(reset, core.ResultRef{JobID: id, Provider: c.Provider, Attempt: c.Attempt + 1})
		}
	}
	if len(reset) == 0 {
		// A concurrent retry reset everything first.
		return nil, fmt.Errorf("retry job %s: %w", id, model.ErrInvalidState)
	}

	applied, err := s.repo.CompareAndSetStatus(ctx, core.StatusTransition{
		JobID: id, From: model.ResearchStatusPartialFailure, To: model.ResearchStatusDispatched,
	})
	if err != nil {
		return nil, fmt.Errorf("redispatch job: %w", err)
	}
	if !applied {
		// Another retry may have moved the job to dispatched after resetting a disjoint
		// set of providers; ours still need their work items.
		current, getErr := s.Get(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		if current.Status != model.ResearchStatusDispatched {
			return nil, fmt.Errorf("retry job in %s: %w", current.Status, model.ErrInvalidState)
		}
	}

	if err := s.enqueueProviderWork(ctx, reset); err != nil {
		// Stale dispatched jobs get their pending providers re-enqueued by the reconciler.
		s.logger.ErrorContext(ctx, "failed to enqueue retried providers", "job_id", id, "error", err)
	}

	s.logger.InfoContext(ctx, "research job retried", "job_id", id, "providers", len(reset))
	return s.Get(ctx, id)
}

// Proceed accepts a partially failed job as complete and synthesizes from the providers
// that succeeded.
func (s *ResearchService) Proceed(ctx context.Context, id string) (*model.ResearchJob, error) {
	job, err := s.resolve(ctx, id, core.StatusTransition{
		JobID: id, From: model.ResearchStatusPartialFailure, To: model.ResearchStatusCompleted,
	}, TriggerProceed)
	if err != nil {
		return nil, err
	}
	if err := s.enqueueSynthesis(ctx, id); err != nil {
		s.logger.ErrorContext(ctx, "failed to enqueue synthesis", "job_id", id, "error", err)
	}
	return job, nil
}

// Cancel fails a partially failed job on the owner's request.
func (s *ResearchService) Cancel(ctx context.Context, id string) (*model.ResearchJob, error) {
	reason := model.CancelReasonUserCancelled
	return s.resolve(ctx, id, core.StatusTransition{
		JobID: id, From: model.ResearchStatusPartialFailure, To: model.ResearchStatusFailed,
		CancelReason: &reason,
	}, TriggerCancel)
}

func (s *ResearchService) resolve(
	ctx context.Context,
	id string,
	t core.StatusTransition,
	trigger string,
) (*model.ResearchJob, error) {
	job, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status != t.From {
		return nil, fmt.Errorf("%s job in %s: %w", trigger, job.Status, model.ErrInvalidState)
	}

	applied, err := s.repo.CompareAndSetStatus(ctx, t)
	if err != nil {
		return nil, fmt.Errorf("%s job: %w", trigger, err)
	}
	if !applied {
		return nil, fmt.Errorf("%s job %s: %w", trigger, id, model.ErrInvalidState)
	}

	s.logger.InfoContext(ctx, "research job resolved by owner", "job_id", id, "status", t.To, "trigger", trigger)
	metrics.EmitJobOutcome(s.metrics, metrics.JobOutcomeMetric{
		Status: string(t.To), Providers: len(job.SelectedProviders), Trigger: trigger,
	})
	return s.Get(ctx, id)
}
