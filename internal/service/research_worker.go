package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/target/research-fanout/internal/core"
	"github.com/target/research-fanout/internal/domain/model"
	"github.com/target/research-fanout/internal/domain/research"
	"github.com/target/research-fanout/internal/observability/metrics"
	"github.com/target/research-fanout/internal/providers"
)

// Triggers tag what caused the completion detector to run.
const (
	TriggerDispatch  = "dispatch"
	TriggerWorker    = "worker"
	TriggerReconcile = "reconcile"
	TriggerProceed   = "proceed"
	TriggerCancel    = "cancel"
)

// HandleProviderWork runs one provider call for one attempt. It is safe under redelivery:
// only the delivery that moves the result from pending to processing calls the provider,
// and results are written only for the attempt that claimed them.
func (s *ResearchService) HandleProviderWork(ctx context.Context, p model.ProviderWorkPayload) error {
	logger := s.logger.With("job_id", p.JobID, "provider", p.Provider, "attempt", p.Attempt)

	job, err := s.repo.GetByID(ctx, p.JobID)
	if errors.Is(err, model.ErrResearchNotFound) {
		logger.WarnContext(ctx, "dropping provider work for unknown job")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load research job: %w", err)
	}

	ref := core.ResultRef{JobID: p.JobID, Provider: p.Provider, Attempt: p.Attempt}
	claimed, err := s.repo.ClaimProviderResult(ctx, ref)
	if err != nil {
		return fmt.Errorf("claim provider result: %w", err)
	}
	if !claimed {
		logger.DebugContext(ctx, "provider result already claimed or superseded")
		return s.DetectCompletion(ctx, p.JobID, TriggerWorker)
	}

	callErr := s.callProvider(ctx, job, ref)
	if callErr != nil && ctx.Err() != nil {
		// Shutdown mid-call. The result stays processing until the reconciler times it out.
		return ctx.Err()
	}

	// Detection runs even if the write above failed or was stale.
	detectErr := s.DetectCompletion(context.WithoutCancel(ctx), p.JobID, TriggerWorker)
	return errors.Join(callErr, detectErr)
}

// callProvider calls the adapter and stores the outcome. Only store errors are returned;
// provider failures are recorded on the result.
func (s *ResearchService) callProvider(ctx context.Context, job *model.ResearchJob, ref core.ResultRef) error {
	logger := s.logger.With("job_id", ref.JobID, "provider", ref.Provider, "attempt", ref.Attempt)

	adapter, err := s.providers.Adapter(ref.Provider)
	if err != nil {
		return s.storeFailure(ctx, ref, "", providers.Classify(ref.Provider, err))
	}

	resp, err := adapter.Call(ctx, providers.Request{
		JobID:        ref.JobID,
		Attempt:      ref.Attempt,
		CallType:     model.CallTypeResearch,
		Prompt:       job.Prompt,
		SystemPrompt: research.ResearchSystemPrompt,
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		perr := providers.Classify(ref.Provider, err)
		logger.WarnContext(ctx, "provider call failed", "error_kind", perr.Kind, "error", perr)
		return s.storeFailure(ctx, ref, adapter.Model(), perr)
	}

	// The call already cost money; persist it even if the runner is shutting down.
	applied, err := s.repo.CompleteProviderResult(context.WithoutCancel(ctx), core.CompleteResultParams{
		ResultRef: ref,
		Model:     resp.Model,
		Content:   resp.Content,
		Sources:   resp.Sources,
		Usage:     resp.Usage,
		CostUSD:   resp.CostUSD,
	})
	if err != nil {
		return fmt.Errorf("complete provider result: %w", err)
	}
	if !applied {
		logger.InfoContext(ctx, "dropping stale provider result")
		return nil
	}
	logger.InfoContext(ctx, "provider result completed",
		"model", resp.Model, "cost_usd", resp.CostUSD, "sources", len(resp.Sources), "duration", resp.Duration)
	return nil
}

func (s *ResearchService) storeFailure(ctx context.Context, ref core.ResultRef, modelName string, perr *providers.Error) error {
	msg := perr.Message
	if msg == "" {
		msg = perr.Error()
	}
	applied, err := s.repo.FailProviderResult(context.WithoutCancel(ctx), core.FailResultParams{
		ResultRef: ref,
		Model:     modelName,
		Kind:      perr.Kind,
		Message:   msg,
	})
	if err != nil {
		return fmt.Errorf("fail provider result: %w", err)
	}
	if !applied {
		s.logger.InfoContext(ctx, "dropping stale provider failure",
			"job_id", ref.JobID, "provider", ref.Provider, "attempt", ref.Attempt)
	}
	return nil
}

// DetectCompletion re-reads every result of the job and, once all of them have settled,
// moves the job out of dispatched. The write is pinned to the dispatch round it read, so
// a classification made before a retry cannot settle the re-dispatched job. Whoever wins
// that transition owns the follow-up: enqueueing synthesis for a fully completed job.
// Losing the transition is not an error.
func (s *ResearchService) DetectCompletion(ctx context.Context, jobID, trigger string) error {
	job, err := s.repo.GetByID(ctx, jobID)
	if err != nil {
		return fmt.Errorf("detect completion: %w", err)
	}
	if job.Status != model.ResearchStatusDispatched {
		return nil
	}

	agg := research.Classify(job.Results)
	target, settled := agg.TargetStatus()
	if !settled {
		return nil
	}

	applied, err := s.repo.CompareAndSetStatus(ctx, core.StatusTransition{
		JobID: jobID, From: model.ResearchStatusDispatched, To: target, Round: job.DispatchRound,
	})
	if err != nil {
		return fmt.Errorf("detect completion: %w", err)
	}
	if !applied {
		return nil
	}

	s.logger.InfoContext(ctx, "research job settled",
		"job_id", jobID, "aggregate", agg, "status", target, "trigger", trigger)
	metrics.EmitJobOutcome(s.metrics, metrics.JobOutcomeMetric{
		Status: string(target), Providers: len(job.SelectedProviders), Trigger: trigger,
	})

	if target != model.ResearchStatusCompleted {
		return nil
	}
	if err := s.enqueueSynthesis(ctx, jobID); err != nil {
		// The reconciler picks up completed jobs nobody claimed for synthesis.
		s.logger.ErrorContext(ctx, "failed to enqueue synthesis", "job_id", jobID, "error", err)
	}
	return nil
}
