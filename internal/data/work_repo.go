package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/target/research-fanout/internal/core"
	"github.com/target/research-fanout/internal/data/pgxutil"
	"github.com/target/research-fanout/internal/domain/model"
)

var (
	_ core.WorkRepository       = (*WorkRepo)(nil)
	_ core.WorkReaperRepository = (*WorkRepo)(nil)
)

// WorkRepoConfig holds configuration options for the work queue repository.
type WorkRepoConfig struct {
	RetryDelaySeconds int
	DefaultMaxRetries int
	Logger            *slog.Logger
	TimeProvider      TimeProvider
}

// WorkRepo is a Postgres-backed lease queue. Expired leases are requeued, which makes
// delivery at-least-once.
type WorkRepo struct {
	DB           *sql.DB
	cfg          WorkRepoConfig
	timeProvider TimeProvider
	logger       *slog.Logger
}

// NewWorkRepo creates a WorkRepo.
func NewWorkRepo(db *sql.DB, cfg WorkRepoConfig) *WorkRepo {
	tp := cfg.TimeProvider
	if tp == nil {
		tp = RealTimeProvider{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkRepo{DB: db, cfg: cfg, timeProvider: tp, logger: logger.With("component", "work_repo")}
}

const workColumns = `
  id::text,
  type,
  status,
  payload,
  scheduled_at,
  started_at,
  completed_at,
  deliveries,
  retry_count,
  max_retries,
  last_error,
  lease_expires_at,
  created_at,
  updated_at
`

const (
	defaultRetryDelaySeconds = 15
	defaultWorkMaxRetries    = 5
)

func (r *WorkRepo) retryDelay() time.Duration {
	if r.cfg.RetryDelaySeconds > 0 {
		return time.Duration(r.cfg.RetryDelaySeconds) * time.Second
	}
	return defaultRetryDelaySeconds * time.Second
}

func workChannel(t model.WorkType) string {
	return "work_added_" + string(t)
}

// Enqueue inserts a pending work item and notifies listeners in the same transaction.
func (r *WorkRepo) Enqueue(ctx context.Context, req *model.EnqueueWorkRequest) (*model.WorkItem, error) {
	if req == nil {
		return nil, errors.New("enqueue request is required")
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	maxRetries := req.MaxRetries
	if maxRetries == 0 {
		maxRetries = r.cfg.DefaultMaxRetries
	}
	if maxRetries <= 0 {
		maxRetries = defaultWorkMaxRetries
	}

	scheduledAt := r.timeProvider.Now()
	if req.ScheduledAt != nil {
		scheduledAt = req.ScheduledAt.UTC()
	}

	var item *model.WorkItem
	err := pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{
		Fn: func(tx pgx.Tx) error {
			row := tx.QueryRow(ctx, `
				INSERT INTO work_items (type, status, payload, scheduled_at, max_retries, created_at, updated_at)
				VALUES ($1, 'pending', $2, $3, $4, $5, $5)
				RETURNING `+workColumns,
				string(req.Type), []byte(req.Payload), scheduledAt, maxRetries, r.timeProvider.Now(),
			)
			w, scanErr := scanWorkItem(row)
			if scanErr != nil {
				return fmt.Errorf("insert work item: %w", scanErr)
			}
			if _, notifyErr := tx.Exec(ctx, `SELECT pg_notify($1::text, $2::text)`,
				workChannel(req.Type), w.ID); notifyErr != nil {
				return fmt.Errorf("send work notification: %w", notifyErr)
			}
			item = w
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

// Advisory lock namespace for requeueExpired, one minor key per work type.
const advisoryLockRequeueMajor int64 = 2001

func advisoryLockRequeueMinor(t model.WorkType) int64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(t))
	return int64(h.Sum32() & uint32(math.MaxInt32))
}

// requeueExpired returns running items with lapsed leases to pending. Only one caller per
// work type does the sweep at a time.
func (r *WorkRepo) requeueExpired(ctx context.Context, t model.WorkType) (int64, error) {
	var requeued int64
	err := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			var locked bool
			if err := tx.QueryRowContext(ctx, "SELECT pg_try_advisory_xact_lock($1::integer, $2::integer)",
				advisoryLockRequeueMajor, advisoryLockRequeueMinor(t)).Scan(&locked); err != nil {
				return fmt.Errorf("acquire advisory lock: %w", err)
			}
			if !locked {
				return nil
			}

			res, err := tx.ExecContext(ctx, `
				UPDATE work_items
				SET status = 'pending', lease_expires_at = NULL, updated_at = $2
				WHERE type = $1 AND status = 'running'
				  AND lease_expires_at IS NOT NULL
				  AND lease_expires_at < $2`,
				string(t), r.timeProvider.Now())
			if err != nil {
				return fmt.Errorf("requeue expired: %w", err)
			}
			requeued, err = res.RowsAffected()
			if err != nil {
				return fmt.Errorf("rows affected: %w", err)
			}
			return nil
		},
	})
	if err != nil {
		return 0, err
	}
	if requeued > 0 {
		r.logger.InfoContext(ctx, "requeued expired work items", "work_type", t, "count", requeued)
	}
	return requeued, nil
}

const reserveNextSQL = `
  WITH next AS (
    SELECT id FROM work_items
    WHERE type = $1 AND status = 'pending' AND scheduled_at <= $2
    ORDER BY scheduled_at ASC, created_at ASC
    LIMIT 1
    FOR UPDATE SKIP LOCKED
  )
  UPDATE work_items w
  SET status = 'running',
      started_at = COALESCE(w.started_at, $2),
      deliveries = w.deliveries + 1,
      lease_expires_at = $3,
      updated_at = $2
  FROM next
  WHERE w.id = next.id
  RETURNING w.id::text, w.type, w.status, w.payload, w.scheduled_at, w.started_at, w.completed_at,
            w.deliveries, w.retry_count, w.max_retries, w.last_error, w.lease_expires_at,
            w.created_at, w.updated_at`

// ReserveNext leases the oldest due item of the given type.
func (r *WorkRepo) ReserveNext(ctx context.Context, t model.WorkType, leaseSeconds int) (*model.WorkItem, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("invalid work type: %s", t)
	}
	if leaseSeconds <= 0 {
		return nil, errors.New("leaseSeconds must be positive")
	}
	if _, err := r.requeueExpired(ctx, t); err != nil {
		return nil, fmt.Errorf("requeue expired work: %w", err)
	}

	var item *model.WorkItem
	err := pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{
		Isolation: pgx.ReadCommitted,
		Fn: func(tx pgx.Tx) error {
			now := r.timeProvider.Now()
			w, scanErr := scanWorkItem(tx.QueryRow(ctx, reserveNextSQL,
				string(t), now, now.Add(time.Duration(leaseSeconds)*time.Second)))
			if errors.Is(scanErr, pgx.ErrNoRows) {
				return model.ErrNoWorkAvailable
			}
			if scanErr != nil {
				return fmt.Errorf("reserve work: %w", scanErr)
			}
			item = w
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

// Heartbeat extends the lease on a running item.
func (r *WorkRepo) Heartbeat(ctx context.Context, id string, leaseSeconds int) (bool, error) {
	if leaseSeconds <= 0 {
		return false, errors.New("leaseSeconds must be positive")
	}
	now := r.timeProvider.Now()
	return execApplied(ctx, r.DB, "heartbeat work item", `
		UPDATE work_items SET lease_expires_at = $2, updated_at = $3
		WHERE id = $1 AND status = 'running'`,
		id, now.Add(time.Duration(leaseSeconds)*time.Second), now)
}

// Complete marks a running item as completed.
func (r *WorkRepo) Complete(ctx context.Context, id string) (bool, error) {
	now := r.timeProvider.Now()
	return execApplied(ctx, r.DB, "complete work item", `
		UPDATE work_items
		SET status = 'completed', completed_at = $2, updated_at = $2,
		    lease_expires_at = NULL, last_error = NULL
		WHERE id = $1 AND status = 'running'`,
		id, now)
}

// Fail records a handler error. The item is rescheduled after the retry delay until its
// retry budget is spent, then marked failed.
func (r *WorkRepo) Fail(ctx context.Context, id, errMsg string) (bool, error) {
	now := r.timeProvider.Now()
	var status string
	err := r.DB.QueryRowContext(ctx, `
		UPDATE work_items
		SET last_error = $2,
		    retry_count = retry_count + 1,
		    status = CASE WHEN retry_count + 1 >= max_retries THEN 'failed' ELSE 'pending' END,
		    completed_at = CASE WHEN retry_count + 1 >= max_retries THEN $3::timestamptz ELSE NULL END,
		    scheduled_at = CASE WHEN retry_count + 1 >= max_retries THEN scheduled_at ELSE $4::timestamptz END,
		    lease_expires_at = NULL,
		    updated_at = $3
		WHERE id = $1 AND status = 'running'
		RETURNING status`,
		id, errMsg, now, now.Add(r.retryDelay()),
	).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("fail work item: %w", err)
	}
	if status == string(model.WorkStatusFailed) {
		r.logger.WarnContext(ctx, "work item exhausted retries", "work_id", id, "error", errMsg)
	}
	return true, nil
}

// Stats returns counts of items of the given type per status.
func (r *WorkRepo) Stats(ctx context.Context, t model.WorkType) (*model.WorkStats, error) {
	var s model.WorkStats
	err := r.DB.QueryRowContext(ctx, `
		SELECT
		  count(*) FILTER (WHERE status = 'pending'),
		  count(*) FILTER (WHERE status = 'running'),
		  count(*) FILTER (WHERE status = 'completed'),
		  count(*) FILTER (WHERE status = 'failed')
		FROM work_items
		WHERE type = $1`, string(t),
	).Scan(&s.Pending, &s.Running, &s.Completed, &s.Failed)
	if err != nil {
		return nil, fmt.Errorf("work stats: %w", err)
	}
	return &s, nil
}

// WaitForNotification blocks until an item of the given type is enqueued or ctx ends.
func (r *WorkRepo) WaitForNotification(ctx context.Context, t model.WorkType) error {
	conn, err := r.DB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("get conn from pool: %w", err)
	}
	defer func() { _ = conn.Close() }()

	channel := workChannel(t)
	quoted := pgx.Identifier{channel}.Sanitize()
	if _, execErr := conn.ExecContext(ctx, "LISTEN "+quoted); execErr != nil {
		return fmt.Errorf("listen %s: %w", channel, execErr)
	}
	defer func() { _, _ = conn.ExecContext(context.Background(), "UNLISTEN "+quoted) }()

	return conn.Raw(func(dc any) error {
		sc, ok := dc.(*stdlib.Conn)
		if !ok {
			return errors.New("unexpected driver connection type; expected *stdlib.Conn")
		}
		_, notifyErr := sc.Conn().WaitForNotification(ctx)
		return notifyErr
	})
}

// DeleteFinishedWork removes up to BatchSize items in the given terminal status older than OlderThan.
func (r *WorkRepo) DeleteFinishedWork(ctx context.Context, p core.DeleteWorkParams) (int64, error) {
	if p.Status != model.WorkStatusCompleted && p.Status != model.WorkStatusFailed {
		return 0, fmt.Errorf("invalid status for deletion: %s", p.Status)
	}
	if p.BatchSize <= 0 {
		return 0, errors.New("batch size must be positive")
	}
	cutoff := r.timeProvider.Now().Add(-p.OlderThan)
	res, err := r.DB.ExecContext(ctx, `
		DELETE FROM work_items
		WHERE id IN (
		  SELECT id FROM work_items
		  WHERE status = $1 AND completed_at < $2
		  ORDER BY completed_at
		  LIMIT $3
		  FOR UPDATE SKIP LOCKED
		)`, string(p.Status), cutoff, p.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("delete finished work: %w", err)
	}
	return res.RowsAffected()
}

func scanWorkItem(row rowScanner) (*model.WorkItem, error) {
	var (
		w       model.WorkItem
		typ     string
		status  string
		payload []byte
	)
	if err := row.Scan(
		&w.ID,
		&typ,
		&status,
		&payload,
		&w.ScheduledAt,
		&w.StartedAt,
		&w.CompletedAt,
		&w.Deliveries,
		&w.RetryCount,
		&w.MaxRetries,
		&w.LastError,
		&w.LeaseExpiresAt,
		&w.CreatedAt,
		&w.UpdatedAt,
	); err != nil {
		return nil, err
	}
	w.Type = model.WorkType(typ)
	w.Status = model.WorkStatus(status)
	w.Payload = append([]byte(nil), payload...)
	return &w, nil
}
