package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/target/research-fanout/internal/domain/model"
	"github.com/target/research-fanout/internal/domain/research"
	"github.com/target/research-fanout/internal/providers"
)

// Stored as synthesis_error when synthesis cannot run.
const (
	synthesisNoResults   = "no completed provider results to synthesize"
	SynthesisAbandoned   = "synthesis_abandoned"
	synthesisFailedFmt   = "synthesis failed (%s): %s"
	synthesisUnavailable = "synthesis provider %s is not configured"
)

// HandleSynthesisWork is the synthesis work item handler.
func (s *ResearchService) HandleSynthesisWork(ctx context.Context, p model.SynthesisWorkPayload) error {
	return s.Synthesize(ctx, p.JobID)
}

// Synthesize merges a completed job's results exactly once. The claim on
// synthesis_claimed_at decides the single runner; every other caller returns nil. A
// single completed result with no external reports is stored verbatim without a
// provider call.
func (s *ResearchService) Synthesize(ctx context.Context, jobID string) error {
	claimed, err := s.repo.ClaimSynthesis(ctx, jobID)
	if err != nil {
		return fmt.Errorf("claim synthesis: %w", err)
	}
	if !claimed {
		s.logger.DebugContext(ctx, "synthesis already claimed or not ready", "job_id", jobID)
		return nil
	}

	job, err := s.repo.GetByID(ctx, jobID)
	if err != nil {
		s.releaseSynthesisClaim(ctx, jobID)
		return fmt.Errorf("load job for synthesis: %w", err)
	}

	content, synthErr := s.merge(ctx, job)
	if synthErr != nil && ctx.Err() != nil {
		// Interrupted, not failed: the redelivered item claims again.
		s.releaseSynthesisClaim(ctx, jobID)
		return ctx.Err()
	}

	wctx := context.WithoutCancel(ctx)
	var applied bool
	if synthErr != nil {
		s.logger.WarnContext(ctx, "synthesis failed", "job_id", jobID, "error", synthErr)
		applied, err = s.repo.SetSynthesisError(wctx, jobID, synthErr.Error())
	} else {
		applied, err = s.repo.SetSynthesisResult(wctx, jobID, content)
	}
	if err != nil {
		return fmt.Errorf("store synthesis outcome: %w", err)
	}
	if !applied {
		s.logger.WarnContext(ctx, "synthesis outcome already recorded", "job_id", jobID)
		return nil
	}

	s.logger.InfoContext(ctx, "synthesis finished", "job_id", jobID, "ok", synthErr == nil)
	s.notifyOwner(wctx, job)
	return nil
}

func (s *ResearchService) releaseSynthesisClaim(ctx context.Context, jobID string) {
	released, err := s.repo.ReleaseSynthesisClaim(context.WithoutCancel(ctx), jobID)
	if err != nil {
		// The reconciler expires the claim instead.
		s.logger.ErrorContext(ctx, "failed to release synthesis claim", "job_id", jobID, "error", err)
		return
	}
	if released {
		s.logger.InfoContext(ctx, "synthesis claim released", "job_id", jobID)
	}
}

func (s *ResearchService) merge(ctx context.Context, job *model.ResearchJob) (string, error) {
	completed := job.CompletedResults()
	switch {
	case len(completed) == 0:
		return "", errors.New(synthesisNoResults)
	case len(completed) == 1 && len(job.ExternalReports) == 0 && completed[0].Content != nil:
		return *completed[0].Content, nil
	}

	adapter, err := s.providers.Adapter(s.synthesis.Provider)
	if err != nil {
		return "", fmt.Errorf(synthesisUnavailable, s.synthesis.Provider)
	}
	resp, err := adapter.Call(ctx, providers.Request{
		JobID:           job.ID,
		Attempt:         1,
		CallType:        model.CallTypeSynthesis,
		Prompt:          research.SynthesisPrompt(job, s.synthesis.MaxCharsPerResult),
		SystemPrompt:    research.SynthesisSystemPrompt,
		MaxOutputTokens: s.synthesis.MaxOutputTokens,
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		perr := providers.Classify(s.synthesis.Provider, err)
		return "", fmt.Errorf(synthesisFailedFmt, perr.Kind, perr.Message)
	}
	return resp.Content, nil
}

// notifyOwner is best effort. Failures are logged and never touch job state.
func (s *ResearchService) notifyOwner(ctx context.Context, job *model.ResearchJob) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, job.OwnerID, job.ID, research.NotificationTitle(job.Prompt)); err != nil {
		s.logger.WarnContext(ctx, "owner notification failed", "job_id", job.ID, "owner_id", job.OwnerID, "error", err)
	}
}
