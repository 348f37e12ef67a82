package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/target/research-fanout/internal/core"
	"github.com/target/research-fanout/internal/data/pgxutil"
	"github.com/target/research-fanout/internal/domain/model"
)

var (
	_ core.ResearchRepository  = (*ResearchRepo)(nil)
	_ core.ReconcileRepository = (*ResearchRepo)(nil)
)

// ResearchRepoConfig holds options for ResearchRepo.
type ResearchRepoConfig struct {
	Logger       *slog.Logger
	TimeProvider TimeProvider
}

// ResearchRepo stores research jobs and their provider results in Postgres.
// Each conditional method is one UPDATE whose WHERE clause carries the expected prior state.
type ResearchRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
	logger       *slog.Logger
}

// NewResearchRepo creates a ResearchRepo.
func NewResearchRepo(db *sql.DB, cfg ResearchRepoConfig) *ResearchRepo {
	tp := cfg.TimeProvider
	if tp == nil {
		tp = RealTimeProvider{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ResearchRepo{DB: db, timeProvider: tp, logger: logger.With("component", "research_repo")}
}

const researchJobColumns = `
  id::text,
  owner_id,
  prompt,
  selected_providers,
  status,
  dispatch_round,
  external_reports,
  synthesized_result,
  synthesis_error,
  synthesis_claimed_at,
  synthesis_recoveries,
  cancel_reason,
  started_at,
  completed_at,
  created_at,
  updated_at
`

const providerResultColumns = `
  provider,
  status,
  attempt,
  retry_count,
  model,
  content,
  sources,
  error_kind,
  error_message,
  input_tokens,
  output_tokens,
  cached_input_tokens,
  cache_write_tokens,
  reasoning_tokens,
  cost_usd,
  started_at,
  completed_at,
  updated_at
`

// Create inserts the job and one pending result per selected provider in a single transaction.
func (r *ResearchRepo) Create(ctx context.Context, job *model.ResearchJob) error {
	if job == nil {
		return errors.New("research job is required")
	}
	reports, err := json.Marshal(nonNilReports(job.ExternalReports))
	if err != nil {
		return fmt.Errorf("marshal external reports: %w", err)
	}

	providers := make([]string, len(job.SelectedProviders))
	for i, p := range job.SelectedProviders {
		providers[i] = string(p)
	}

	return pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{
		Isolation: pgx.ReadCommitted,
		Fn: func(tx pgx.Tx) error {
			if _, execErr := tx.Exec(ctx, `
				INSERT INTO research_jobs
				  (id, owner_id, prompt, selected_providers, status, external_reports, started_at, created_at, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)`,
				job.ID, job.OwnerID, job.Prompt, providers, string(job.Status), reports,
				job.StartedAt, job.CreatedAt,
			); execErr != nil {
				return fmt.Errorf("insert research job: %w", execErr)
			}

			batch := &pgx.Batch{}
			for _, p := range job.SelectedProviders {
				res := job.Results[p]
				batch.Queue(`
					INSERT INTO research_provider_results (job_id, provider, status, attempt, retry_count, updated_at)
					VALUES ($1, $2, $3, $4, $5, $6)`,
					job.ID, string(p), string(res.Status), res.Attempt, res.RetryCount, job.CreatedAt,
				)
			}
			if batchErr := tx.SendBatch(ctx, batch).Close(); batchErr != nil {
				return fmt.Errorf("insert provider results: %w", batchErr)
			}
			return nil
		},
	})
}

func nonNilReports(in []model.ExternalReport) []model.ExternalReport {
	if in == nil {
		return []model.ExternalReport{}
	}
	return in
}

// GetByID loads the job together with its full results map.
func (r *ResearchRepo) GetByID(ctx context.Context, id string) (*model.ResearchJob, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, model.ErrResearchNotFound
	}

	var job *model.ResearchJob
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		row := conn.QueryRow(ctx, `SELECT `+researchJobColumns+` FROM research_jobs WHERE id = $1`, id)
		j, scanErr := scanResearchJob(row)
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return model.ErrResearchNotFound
		}
		if scanErr != nil {
			return fmt.Errorf("get research job: %w", scanErr)
		}

		rows, qErr := conn.Query(ctx,
			`SELECT `+providerResultColumns+` FROM research_provider_results WHERE job_id = $1`, id)
		if qErr != nil {
			return fmt.Errorf("query provider results: %w", qErr)
		}
		defer rows.Close()

		for rows.Next() {
			res, resErr := scanProviderResult(rows)
			if resErr != nil {
				return fmt.Errorf("scan provider result: %w", resErr)
			}
			j.Results[res.Provider] = res
			j.TotalCostUSD += res.CostUSD
		}
		if rowsErr := rows.Err(); rowsErr != nil {
			return fmt.Errorf("iterate provider results: %w", rowsErr)
		}
		job = j
		return nil
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// ListByOwner returns a page of the owner's jobs, newest first.
func (r *ResearchRepo) ListByOwner(
	ctx context.Context,
	opts model.ResearchListOptions,
) ([]*model.ResearchSummary, error) {
	out := make([]*model.ResearchSummary, 0, opts.Limit)
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, `
			SELECT id::text, prompt, status, selected_providers, created_at, completed_at
			FROM research_jobs
			WHERE owner_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2 OFFSET $3`, opts.OwnerID, opts.Limit, opts.Offset)
		if err != nil {
			return fmt.Errorf("list research jobs: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var (
				s         model.ResearchSummary
				status    string
				providers []string
			)
			if scanErr := rows.Scan(&s.ID, &s.Prompt, &status, &providers, &s.CreatedAt, &s.CompletedAt); scanErr != nil {
				return fmt.Errorf("scan research summary: %w", scanErr)
			}
			s.Status = model.ResearchStatus(status)
			s.SelectedProviders = toProviderIDs(providers)
			out = append(out, &s)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CompareAndSetStatus moves the job from t.From to t.To, checking the dispatch round when
// t.Round is set. A failed transition stamps completed_at; a re-dispatch starts a new round.
func (r *ResearchRepo) CompareAndSetStatus(ctx context.Context, t core.StatusTransition) (bool, error) {
	now := r.timeProvider.Now()
	return execApplied(ctx, r.DB, "compare and set status", `
		UPDATE research_jobs
		SET status = $3::text,
		    dispatch_round = dispatch_round +
		      CASE WHEN $2::text = 'partial_failure' AND $3::text = 'dispatched' THEN 1 ELSE 0 END,
		    cancel_reason = COALESCE($4::text, cancel_reason),
		    completed_at = CASE WHEN $3::text = 'failed' THEN COALESCE(completed_at, $5) ELSE completed_at END,
		    updated_at = $5
		WHERE id = $1 AND status = $2::text
		  AND ($6::int = 0 OR dispatch_round = $6::int)`,
		t.JobID, string(t.From), string(t.To), t.CancelReason, now, t.Round,
	)
}

// ClaimProviderResult moves one result from pending to processing for the given attempt,
// only while the job still accepts provider work.
func (r *ResearchRepo) ClaimProviderResult(ctx context.Context, ref core.ResultRef) (bool, error) {
	now := r.timeProvider.Now()
	return execApplied(ctx, r.DB, "claim provider result", `
		UPDATE research_provider_results
		SET status = 'processing', started_at = $4, updated_at = $4
		WHERE job_id = $1 AND provider = $2 AND attempt = $3 AND status = 'pending'
		  AND EXISTS (
		    SELECT 1 FROM research_jobs j
		    WHERE j.id = $1 AND j.status IN ('pending', 'dispatched')
		  )`,
		ref.JobID, string(ref.Provider), ref.Attempt, now,
	)
}

// CompleteProviderResult stores a successful outcome for the attempt that claimed the result.
func (r *ResearchRepo) CompleteProviderResult(ctx context.Context, p core.CompleteResultParams) (bool, error) {
	sources, err := json.Marshal(nonNilSources(p.Sources))
	if err != nil {
		return false, fmt.Errorf("marshal sources: %w", err)
	}
	now := r.timeProvider.Now()
	return execApplied(ctx, r.DB, "complete provider result", `
		UPDATE research_provider_results
		SET status = 'completed',
		    model = $4, content = $5, sources = $6,
		    error_kind = NULL, error_message = NULL,
		    input_tokens = $7, output_tokens = $8, cached_input_tokens = $9,
		    cache_write_tokens = $10, reasoning_tokens = $11, cost_usd = $12,
		    completed_at = $13, updated_at = $13
		WHERE job_id = $1 AND provider = $2 AND attempt = $3 AND status = 'processing'`,
		p.JobID, string(p.Provider), p.Attempt, p.Model, p.Content, sources,
		p.Usage.InputTokens, p.Usage.OutputTokens, p.Usage.CachedInputTokens,
		p.Usage.CacheWriteTokens, p.Usage.ReasoningTokens, p.CostUSD, now,
	)
}

// FailProviderResult stores a classified failure for the attempt that claimed the result.
func (r *ResearchRepo) FailProviderResult(ctx context.Context, p core.FailResultParams) (bool, error) {
	now := r.timeProvider.Now()
	return execApplied(ctx, r.DB, "fail provider result", `
		UPDATE research_provider_results
		SET status = 'failed',
		    model = NULLIF($4, ''), error_kind = $5, error_message = $6,
		    completed_at = $7, updated_at = $7
		WHERE job_id = $1 AND provider = $2 AND attempt = $3 AND status = 'processing'`,
		p.JobID, string(p.Provider), p.Attempt, p.Model, string(p.Kind), p.Message, now,
	)
}

// ResetProviderForRetry returns a failed result to pending under a new attempt number.
func (r *ResearchRepo) ResetProviderForRetry(ctx context.Context, ref core.ResultRef) (bool, error) {
	now := r.timeProvider.Now()
	return execApplied(ctx, r.DB, "reset provider result", `
		UPDATE research_provider_results
		SET status = 'pending',
		    attempt = attempt + 1,
		    retry_count = retry_count + 1,
		    content = NULL, sources = '[]'::jsonb,
		    error_kind = NULL, error_message = NULL,
		    input_tokens = 0, output_tokens = 0, cached_input_tokens = 0,
		    cache_write_tokens = 0, reasoning_tokens = 0, cost_usd = 0,
		    started_at = NULL, completed_at = NULL, updated_at = $5
		WHERE job_id = $1 AND provider = $2 AND attempt = $3 AND status = 'failed'
		  AND retry_count < $4`,
		ref.JobID, string(ref.Provider), ref.Attempt, model.MaxRetries, now,
	)
}

// ClaimSynthesis stamps synthesis_claimed_at once per job.
func (r *ResearchRepo) ClaimSynthesis(ctx context.Context, jobID string) (bool, error) {
	now := r.timeProvider.Now()
	return execApplied(ctx, r.DB, "claim synthesis", `
		UPDATE research_jobs
		SET synthesis_claimed_at = $2, updated_at = $2
		WHERE id = $1 AND status = 'completed'
		  AND synthesized_result IS NULL AND synthesis_error IS NULL
		  AND synthesis_claimed_at IS NULL`,
		jobID, now,
	)
}

// ReleaseSynthesisClaim clears the claim of a synthesis that stopped before storing an outcome.
func (r *ResearchRepo) ReleaseSynthesisClaim(ctx context.Context, jobID string) (bool, error) {
	now := r.timeProvider.Now()
	return execApplied(ctx, r.DB, "release synthesis claim", `
		UPDATE research_jobs
		SET synthesis_claimed_at = NULL, updated_at = $2
		WHERE id = $1 AND synthesis_claimed_at IS NOT NULL
		  AND synthesized_result IS NULL AND synthesis_error IS NULL`,
		jobID, now,
	)
}

// SetSynthesisResult stores the synthesized report if no synthesis outcome exists yet.
func (r *ResearchRepo) SetSynthesisResult(ctx context.Context, jobID, content string) (bool, error) {
	now := r.timeProvider.Now()
	return execApplied(ctx, r.DB, "set synthesis result", `
		UPDATE research_jobs
		SET synthesized_result = $2, status = 'completed', completed_at = $3, updated_at = $3
		WHERE id = $1 AND synthesized_result IS NULL AND synthesis_error IS NULL`,
		jobID, content, now,
	)
}

// SetSynthesisError records a terminal synthesis failure and fails the job.
func (r *ResearchRepo) SetSynthesisError(ctx context.Context, jobID, message string) (bool, error) {
	now := r.timeProvider.Now()
	return execApplied(ctx, r.DB, "set synthesis error", `
		UPDATE research_jobs
		SET synthesis_error = $2, status = 'failed', completed_at = $3, updated_at = $3
		WHERE id = $1 AND synthesized_result IS NULL AND synthesis_error IS NULL`,
		jobID, message, now,
	)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanResearchJob(row rowScanner) (*model.ResearchJob, error) {
	var (
		job       model.ResearchJob
		providers []string
		status    string
		reports   []byte
	)
	if err := row.Scan(
		&job.ID,
		&job.OwnerID,
		&job.Prompt,
		&providers,
		&status,
		&job.DispatchRound,
		&reports,
		&job.SynthesizedResult,
		&job.SynthesisError,
		&job.SynthesisClaimedAt,
		&job.SynthesisRecoveries,
		&job.CancelReason,
		&job.StartedAt,
		&job.CompletedAt,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		return nil, err
	}
	job.Status = model.ResearchStatus(status)
	job.SelectedProviders = toProviderIDs(providers)
	job.Results = make(map[model.ProviderID]*model.ProviderResult, len(providers))
	if len(reports) > 0 {
		if err := json.Unmarshal(reports, &job.ExternalReports); err != nil {
			return nil, fmt.Errorf("decode external reports: %w", err)
		}
	}
	return &job, nil
}

func scanProviderResult(row rowScanner) (*model.ProviderResult, error) {
	var (
		res       model.ProviderResult
		provider  string
		status    string
		modelName *string
		sources   []byte
		errKind   *string
	)
	if err := row.Scan(
		&provider,
		&status,
		&res.Attempt,
		&res.RetryCount,
		&modelName,
		&res.Content,
		&sources,
		&errKind,
		&res.ErrorMessage,
		&res.Usage.InputTokens,
		&res.Usage.OutputTokens,
		&res.Usage.CachedInputTokens,
		&res.Usage.CacheWriteTokens,
		&res.Usage.ReasoningTokens,
		&res.CostUSD,
		&res.StartedAt,
		&res.CompletedAt,
		&res.UpdatedAt,
	); err != nil {
		return nil, err
	}
	res.Provider = model.ProviderID(provider)
	res.Status = model.ResultStatus(status)
	if modelName != nil {
		res.Model = *modelName
	}
	if errKind != nil {
		k := model.ErrorKind(*errKind)
		res.ErrorKind = &k
	}
	if len(sources) > 0 {
		if err := json.Unmarshal(sources, &res.Sources); err != nil {
			return nil, fmt.Errorf("decode sources: %w", err)
		}
	}
	return &res, nil
}

func toProviderIDs(in []string) []model.ProviderID {
	out := make([]model.ProviderID, len(in))
	for i, p := range in {
		out[i] = model.ProviderID(p)
	}
	return out
}

func nonNilSources(in []model.Source) []model.Source {
	if in == nil {
		return []model.Source{}
	}
	return in
}

// timeoutMessage is stored on results that the reconciler times out.
const timeoutMessage = "provider call did not finish before the reconciliation deadline"

// ListStaleJobs returns ids of jobs in q.Status whose last reconciliation (or update) precedes q.Before.
func (r *ResearchRepo) ListStaleJobs(ctx context.Context, q core.StaleJobQuery) ([]string, error) {
	return r.queryIDs(ctx, "list stale jobs", `
		SELECT id::text FROM research_jobs
		WHERE status = $1 AND COALESCE(reconciled_at, updated_at) < $2
		ORDER BY COALESCE(reconciled_at, updated_at)
		LIMIT $3`,
		string(q.Status), q.Before, q.Limit,
	)
}

// MarkReconciled stamps reconciled_at so the job drops to the back of the sweep order.
func (r *ResearchRepo) MarkReconciled(ctx context.Context, jobID string) error {
	_, err := r.DB.ExecContext(ctx,
		`UPDATE research_jobs SET reconciled_at = $2 WHERE id = $1`, jobID, r.timeProvider.Now())
	if err != nil {
		return fmt.Errorf("mark reconciled: %w", err)
	}
	return nil
}

// FailStaleProcessing times out results stuck in processing since before the cutoff.
func (r *ResearchRepo) FailStaleProcessing(ctx context.Context, before time.Time, limit int) ([]string, error) {
	now := r.timeProvider.Now()
	ids, err := r.queryIDs(ctx, "fail stale processing", `
		UPDATE research_provider_results r
		SET status = 'failed', error_kind = $1, error_message = $2, completed_at = $3, updated_at = $3
		WHERE (r.job_id, r.provider) IN (
		    SELECT job_id, provider FROM research_provider_results
		    WHERE status = 'processing' AND started_at < $4
		    ORDER BY started_at
		    LIMIT $5
		    FOR UPDATE SKIP LOCKED
		  )
		  AND r.status = 'processing'
		RETURNING r.job_id::text`,
		string(model.ErrorKindTimeout), timeoutMessage, now, before, limit,
	)
	if err != nil {
		return nil, err
	}
	return dedupe(ids), nil
}

// ListAbandonedSyntheses returns completed jobs whose synthesis claim expired without an outcome.
func (r *ResearchRepo) ListAbandonedSyntheses(ctx context.Context, claimedBefore time.Time, limit int) ([]string, error) {
	return r.queryIDs(ctx, "list abandoned syntheses", `
		SELECT id::text FROM research_jobs
		WHERE status = 'completed'
		  AND synthesized_result IS NULL AND synthesis_error IS NULL
		  AND synthesis_claimed_at < $1
		ORDER BY synthesis_claimed_at
		LIMIT $2`,
		claimedBefore, limit,
	)
}

// ExpireSynthesisClaim releases an expired claim while recoveries remain and fails the job
// once they are spent. Both writes re-check that the claim is still the expired one.
func (r *ResearchRepo) ExpireSynthesisClaim(
	ctx context.Context,
	p core.ExpireSynthesisParams,
) (model.SynthesisExpiry, error) {
	now := r.timeProvider.Now()
	released, err := execApplied(ctx, r.DB, "release expired synthesis claim", `
		UPDATE research_jobs
		SET synthesis_claimed_at = NULL,
		    synthesis_recoveries = synthesis_recoveries + 1,
		    updated_at = $4
		WHERE id = $1 AND status = 'completed'
		  AND synthesized_result IS NULL AND synthesis_error IS NULL
		  AND synthesis_claimed_at < $2
		  AND synthesis_recoveries < $3`,
		p.JobID, p.ClaimedBefore, p.MaxRecoveries, now,
	)
	if err != nil {
		return model.SynthesisExpiryNone, err
	}
	if released {
		return model.SynthesisExpiryReleased, nil
	}

	abandoned, err := execApplied(ctx, r.DB, "abandon expired synthesis claim", `
		UPDATE research_jobs
		SET synthesis_error = $3, status = 'failed', completed_at = $4, updated_at = $4
		WHERE id = $1 AND status = 'completed'
		  AND synthesized_result IS NULL AND synthesis_error IS NULL
		  AND synthesis_claimed_at < $2`,
		p.JobID, p.ClaimedBefore, p.Message, now,
	)
	if err != nil {
		return model.SynthesisExpiryNone, err
	}
	if abandoned {
		return model.SynthesisExpiryAbandoned, nil
	}
	return model.SynthesisExpiryNone, nil
}

// ListUnclaimedSyntheses returns completed jobs that nobody has started synthesizing.
func (r *ResearchRepo) ListUnclaimedSyntheses(ctx context.Context, before time.Time, limit int) ([]string, error) {
	return r.queryIDs(ctx, "list unclaimed syntheses", `
		SELECT id::text FROM research_jobs
		WHERE status = 'completed'
		  AND synthesized_result IS NULL AND synthesis_error IS NULL
		  AND synthesis_claimed_at IS NULL
		  AND COALESCE(reconciled_at, updated_at) < $1
		ORDER BY COALESCE(reconciled_at, updated_at)
		LIMIT $2`,
		before, limit,
	)
}

func (r *ResearchRepo) queryIDs(ctx context.Context, op, query string, args ...any) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if scanErr := rows.Scan(&id); scanErr != nil {
			return nil, fmt.Errorf("%s scan: %w", op, scanErr)
		}
		ids = append(ids, id)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, fmt.Errorf("%s: %w", op, rowsErr)
	}
	return ids, nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := ids[:0]
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func execApplied(ctx context.Context, db *sql.DB, op, query string, args ...any) (bool, error) {
	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%s rows affected: %w", op, err)
	}
	return n > 0, nil
}
