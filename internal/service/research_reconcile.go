package service

import (
	"context"
	"fmt"

	"github.com/target/research-fanout/internal/core"
	"github.com/target/research-fanout/internal/domain/model"
)

// RequeuePending enqueues work for every result still pending at its current attempt and
// moves a pending job to dispatched. Duplicate deliveries are harmless: only one of them
// can claim the attempt.
func (s *ResearchService) RequeuePending(ctx context.Context, jobID string) (int, error) {
	job, err := s.Get(ctx, jobID)
	if err != nil {
		return 0, err
	}
	if job.Status != model.ResearchStatusPending && job.Status != model.ResearchStatusDispatched {
		return 0, nil
	}

	refs := make([]core.ResultRef, 0, len(job.SelectedProviders))
	for _, p := range job.SelectedProviders {
		if r, ok := job.Results[p]; ok && r.Status == model.ResultStatusPending {
			refs = append(refs, core.ResultRef{JobID: jobID, Provider: p, Attempt: r.Attempt})
		}
	}
	if err := s.enqueueProviderWork(ctx, refs); err != nil {
		return 0, fmt.Errorf("requeue pending providers: %w", err)
	}

	if job.Status == model.ResearchStatusPending {
		if err := s.markDispatched(ctx, jobID); err != nil {
			return len(refs), err
		}
	}
	return len(refs), nil
}

// EnqueueSynthesis queues the synthesis step for a completed job.
func (s *ResearchService) EnqueueSynthesis(ctx context.Context, jobID string) error {
	return s.enqueueSynthesis(ctx, jobID)
}
