package core

import (
	"context"
	"time"

	"github.com/target/research-fanout/internal/domain/model"
	"github.com/target/research-fanout/internal/providers"
)

// Ports between the orchestration services and the data layer. Services depend on
// these interfaces; the Postgres and Redis implementations live in internal/data.

// ResultRef addresses one provider slot of a job at a specific attempt.
type ResultRef struct {
	JobID    string
	Provider model.ProviderID
	Attempt  int
}

// StatusTransition is a compare-and-set on a job's top-level status. A non-zero Round
// additionally requires the job's dispatch round to match, so a detector that classified
// an earlier round cannot settle a job a retry has since re-dispatched. Moving from
// partial_failure to dispatched starts a new round.
type StatusTransition struct {
	JobID        string
	From         model.ResearchStatus
	To           model.ResearchStatus
	Round        int
	CancelReason *string
}

// CompleteResultParams groups the outcome of a successful provider call.
type CompleteResultParams struct {
	ResultRef
	Model   string
	Content string
	Sources []model.Source
	Usage   model.TokenUsage
	CostUSD float64
}

// FailResultParams groups the outcome of a failed provider call.
type FailResultParams struct {
	ResultRef
	Model   string
	Kind    model.ErrorKind
	Message string
}

// ResearchRepository is the document store for research jobs. Every method that
// returns a bool is a single atomic conditional write and reports whether it applied.
type ResearchRepository interface {
	Create(ctx context.Context, job *model.ResearchJob) error
	GetByID(ctx context.Context, id string) (*model.ResearchJob, error)
	ListByOwner(ctx context.Context, opts model.ResearchListOptions) ([]*model.ResearchSummary, error)

	CompareAndSetStatus(ctx context.Context, t StatusTransition) (bool, error)
	ClaimProviderResult(ctx context.Context, ref ResultRef) (bool, error)
	CompleteProviderResult(ctx context.Context, params CompleteResultParams) (bool, error)
	FailProviderResult(ctx context.Context, params FailResultParams) (bool, error)
	// ResetProviderForRetry moves a failed result back to pending at Attempt+1, only while
	// its retry budget remains.
	ResetProviderForRetry(ctx context.Context, ref ResultRef) (bool, error)

	ClaimSynthesis(ctx context.Context, jobID string) (bool, error)
	// ReleaseSynthesisClaim clears an open claim that has no outcome so a redelivery can run it.
	ReleaseSynthesisClaim(ctx context.Context, jobID string) (bool, error)
	SetSynthesisResult(ctx context.Context, jobID, content string) (bool, error)
	SetSynthesisError(ctx context.Context, jobID, message string) (bool, error)
}

// ExpireSynthesisParams selects an expired synthesis claim.
type ExpireSynthesisParams struct {
	JobID         string
	ClaimedBefore time.Time
	MaxRecoveries int
	Message       string
}

// StaleJobQuery selects jobs that have not been reconciled since a cutoff.
type StaleJobQuery struct {
	Status model.ResearchStatus
	Before time.Time
	Limit  int
}

// ReconcileRepository exposes the sweeps used to repair jobs whose in-line trigger was lost.
type ReconcileRepository interface {
	ListStaleJobs(ctx context.Context, q StaleJobQuery) ([]string, error)
	MarkReconciled(ctx context.Context, jobID string) error
	// FailStaleProcessing marks results stuck in processing as timed out and returns the affected job ids.
	FailStaleProcessing(ctx context.Context, before time.Time, limit int) ([]string, error)
	ListAbandonedSyntheses(ctx context.Context, claimedBefore time.Time, limit int) ([]string, error)
	// ExpireSynthesisClaim releases a claim stamped before claimedBefore while the job has
	// recoveries left, and otherwise fails the job with message.
	ExpireSynthesisClaim(ctx context.Context, p ExpireSynthesisParams) (model.SynthesisExpiry, error)
	ListUnclaimedSyntheses(ctx context.Context, before time.Time, limit int) ([]string, error)
}

// WorkQueue is the at-least-once delivery channel.
type WorkQueue interface {
	Enqueue(ctx context.Context, req *model.EnqueueWorkRequest) (*model.WorkItem, error)
}

// WorkRepository defines the lease-based queue operations used by the runner.
type WorkRepository interface {
	WorkQueue
	ReserveNext(ctx context.Context, workType model.WorkType, leaseSeconds int) (*model.WorkItem, error)
	WaitForNotification(ctx context.Context, workType model.WorkType) error
	Heartbeat(ctx context.Context, id string, leaseSeconds int) (bool, error)
	Complete(ctx context.Context, id string) (bool, error)
	Fail(ctx context.Context, id, errMsg string) (bool, error)
	Stats(ctx context.Context, workType model.WorkType) (*model.WorkStats, error)
}

// DeleteWorkParams selects finished work items for retention cleanup.
type DeleteWorkParams struct {
	Status    model.WorkStatus
	OlderThan time.Duration
	BatchSize int
}

// WorkReaperRepository deletes finished work items.
type WorkReaperRepository interface {
	DeleteFinishedWork(ctx context.Context, params DeleteWorkParams) (int64, error)
}

// AuditRepository stores one record per provider call.
type AuditRepository interface {
	Append(ctx context.Context, rec *model.AuditRecord) error
	ListByJob(ctx context.Context, jobID string) ([]*model.AuditRecord, error)
}

// IdempotencyStore maps a client-supplied key to the job it created.
type IdempotencyStore interface {
	Claim(ctx context.Context, key, jobID string, ttl time.Duration) (bool, error)
	Lookup(ctx context.Context, key string) (string, bool, error)
	Release(ctx context.Context, key string) error
}

// SubmitLimiter throttles submits per owner.
type SubmitLimiter interface {
	Allow(ctx context.Context, ownerID string) (bool, error)
}

// OwnerNotifier delivers best-effort notifications to the job owner.
type OwnerNotifier interface {
	Notify(ctx context.Context, ownerID, jobID, title string) error
}

// ProviderRegistry resolves the adapter for a provider id.
type ProviderRegistry interface {
	Adapter(id model.ProviderID) (providers.Adapter, error)
	Registered(id model.ProviderID) bool
}
