package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/target/research-fanout/internal/core"
	"github.com/target/research-fanout/internal/domain/model"
)

var _ core.AuditRepository = (*AuditRepo)(nil)

// AuditRepo appends provider call audit records.
type AuditRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
}

// NewAuditRepo creates an AuditRepo. A nil TimeProvider uses the wall clock.
func NewAuditRepo(db *sql.DB, tp TimeProvider) *AuditRepo {
	if tp == nil {
		tp = RealTimeProvider{}
	}
	return &AuditRepo{DB: db, timeProvider: tp}
}

// Append writes one record. ID and CreatedAt are filled in when empty.
func (r *AuditRepo) Append(ctx context.Context, rec *model.AuditRecord) error {
	if rec == nil {
		return errors.New("audit record is required")
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = r.timeProvider.Now()
	}

	var jobID any
	if rec.JobID != "" {
		jobID = rec.JobID
	}
	var errKind any
	if rec.ErrorKind != nil {
		errKind = string(*rec.ErrorKind)
	}

	_, err := r.DB.ExecContext(ctx, `
		INSERT INTO research_audit_records (
		  id, job_id, provider, model, call_type, attempt, prompt_chars, response_chars,
		  input_tokens, output_tokens, cached_input_tokens, cache_write_tokens, reasoning_tokens,
		  duration_ms, cost_usd, cost_source, status, error_kind, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		rec.ID, jobID, string(rec.Provider), rec.Model, string(rec.CallType), rec.Attempt,
		rec.PromptChars, rec.ResponseChars,
		rec.Usage.InputTokens, rec.Usage.OutputTokens, rec.Usage.CachedInputTokens,
		rec.Usage.CacheWriteTokens, rec.Usage.ReasoningTokens,
		rec.DurationMS, rec.CostUSD, string(rec.CostSource), string(rec.Status), errKind, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}

// ListByJob returns a job's audit trail in call order.
func (r *AuditRepo) ListByJob(ctx context.Context, jobID string) ([]*model.AuditRecord, error) {
	if _, err := uuid.Parse(jobID); err != nil {
		return []*model.AuditRecord{}, nil
	}
	rows, err := r.DB.QueryContext(ctx, `
		SELECT id::text, job_id::text, provider, model, call_type, attempt, prompt_chars, response_chars,
		       input_tokens, output_tokens, cached_input_tokens, cache_write_tokens, reasoning_tokens,
		       duration_ms, cost_usd, cost_source, status, error_kind, created_at
		FROM research_audit_records
		WHERE job_id = $1
		ORDER BY created_at, id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list audit records: %w", err)
	}
	defer rows.Close()

	out := make([]*model.AuditRecord, 0)
	for rows.Next() {
		var (
			rec                                    model.AuditRecord
			provider, callType, costSource, status string
			errKind                                sql.NullString
		)
		if scanErr := rows.Scan(
			&rec.ID, &rec.JobID, &provider, &rec.Model, &callType, &rec.Attempt,
			&rec.PromptChars, &rec.ResponseChars,
			&rec.Usage.InputTokens, &rec.Usage.OutputTokens, &rec.Usage.CachedInputTokens,
			&rec.Usage.CacheWriteTokens, &rec.Usage.ReasoningTokens,
			&rec.DurationMS, &rec.CostUSD, &costSource, &status, &errKind, &rec.CreatedAt,
		); scanErr != nil {
			return nil, fmt.Errorf("scan audit record: %w", scanErr)
		}
		rec.Provider = model.ProviderID(provider)
		rec.CallType = model.CallType(callType)
		rec.CostSource = model.CostSource(costSource)
		rec.Status = model.AuditStatus(status)
		if errKind.Valid {
			k := model.ErrorKind(errKind.String)
			rec.ErrorKind = &k
		}
		out = append(out, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit records: %w", err)
	}
	return out, nil
}
