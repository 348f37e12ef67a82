// Package research holds the pure decision rules of the fan-out/fan-in orchestrator.
package research

import "github.com/target/research-fanout/internal/domain/model"

// Aggregate is the classification of a job's full results map.
type Aggregate string

const (
	AggregateAllCompleted    Aggregate = "all_completed"
	AggregateAllFailed       Aggregate = "all_failed"
	AggregatePartialFailure  Aggregate = "partial_failure"
	AggregateStillInProgress Aggregate = "still_in_progress"
)

// Classify recomputes the aggregate from every result. An empty map is still in progress.
func Classify(results map[model.ProviderID]*model.ProviderResult) Aggregate {
	if len(results) == 0 {
		return AggregateStillInProgress
	}

	var completed, failed int
	for _, r := range results {
		switch {
		case r == nil:
			return AggregateStillInProgress
		case r.Status == model.ResultStatusCompleted:
			completed++
		case r.Status == model.ResultStatusFailed:
			failed++
		default:
			return AggregateStillInProgress
		}
	}

	switch {
	case failed == 0:
		return AggregateAllCompleted
	case completed == 0:
		return AggregateAllFailed
	default:
		return AggregatePartialFailure
	}
}

// TargetStatus maps a settled aggregate to the job status the detector writes.
// The boolean is false while results are still in progress.
func (a Aggregate) TargetStatus() (model.ResearchStatus, bool) {
	switch a {
	case AggregateAllCompleted:
		return model.ResearchStatusCompleted, true
	case AggregateAllFailed:
		return model.ResearchStatusFailed, true
	case AggregatePartialFailure:
		return model.ResearchStatusPartialFailure, true
	case AggregateStillInProgress:
		return "", false
	}
	return "", false
}

// RetryCandidates returns the failed providers whose retry budget is not spent, in selection order.
func RetryCandidates(job *model.ResearchJob) []*model.ProviderResult {
	out := make([]*model.ProviderResult, 0)
	for _, p := range job.SelectedProviders {
		r, ok := job.Results[p]
		if !ok || r.Status != model.ResultStatusFailed {
			continue
		}
		if r.RetryCount < model.MaxRetries {
			out = append(out, r)
		}
	}
	return out
}
