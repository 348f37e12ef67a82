package providers

import (
	"context"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/target/research-fanout/internal/domain/model"
	"github.com/target/research-fanout/internal/observability/metrics"
	"github.com/target/research-fanout/internal/observability/statsd"
	"github.com/target/research-fanout/internal/pricing"
)

// AuditAppender stores audit records.
type AuditAppender interface {
	Append(ctx context.Context, rec *model.AuditRecord) error
}

// AuditedOptions configures Audited.
type AuditedOptions struct {
	Prices  pricing.Table
	Audit   AuditAppender
	Metrics statsd.Sink
	Logger  *slog.Logger
	Now     func() time.Time
}

// Audited wraps an Adapter so every call is priced, classified on failure, and written
// to the audit log exactly once.
type Audited struct {
	next    Adapter
	prices  pricing.Table
	audit   AuditAppender
	metrics statsd.Sink
	logger  *slog.Logger
	now     func() time.Time
}

var _ Adapter = (*Audited)(nil)

// NewAudited decorates next.
func NewAudited(next Adapter, opts AuditedOptions) *Audited {
	prices := opts.Prices
	if prices == nil {
		prices = pricing.DefaultTable()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Audited{
		next:    next,
		prices:  prices,
		audit:   opts.Audit,
		metrics: opts.Metrics,
		logger:  logger.With("component", "provider_audit", "provider", string(next.ID())),
		now:     now,
	}
}

func (a *Audited) ID() model.ProviderID { return a.next.ID() }

func (a *Audited) Model() string { return a.next.Model() }

// Call forwards to the wrapped adapter. Errors come back as *Error.
func (a *Audited) Call(ctx context.Context, req Request) (*Response, error) {
	start := a.now()
	resp, err := a.next.Call(ctx, req)
	elapsed := a.now().Sub(start)

	rec := &model.AuditRecord{
		JobID:       req.JobID,
		Provider:    a.next.ID(),
		Model:       a.next.Model(),
		CallType:    req.CallType,
		Attempt:     req.Attempt,
		PromptChars: utf8.RuneCountInString(req.SystemPrompt) + utf8.RuneCountInString(req.Prompt),
		DurationMS:  elapsed.Milliseconds(),
		CostSource:  model.CostSourceComputed,
	}

	if err != nil {
		perr := Classify(a.next.ID(), err)
		rec.Status = model.AuditStatusError
		rec.ErrorKind = &perr.Kind
		a.record(ctx, rec)
		return nil, perr
	}

	resp.CostUSD, resp.CostSource = a.prices.Cost(pricing.CostInput{
		Model:       firstNonEmpty(resp.Model, a.next.Model()),
		Usage:       resp.Usage,
		Searched:    resp.Searched,
		ReportedUSD: resp.ReportedCostUSD,
	})
	resp.Duration = elapsed

	rec.Status = model.AuditStatusSuccess
	rec.Model = firstNonEmpty(resp.Model, rec.Model)
	rec.ResponseChars = utf8.RuneCountInString(resp.Content)
	rec.Usage = resp.Usage
	rec.CostUSD = resp.CostUSD
	rec.CostSource = resp.CostSource
	a.record(ctx, rec)
	return resp, nil
}

// record writes the audit row even if ctx was canceled, and never fails the call.
func (a *Audited) record(ctx context.Context, rec *model.AuditRecord) {
	result := metrics.ResultSuccess
	kind := ""
	if rec.Status == model.AuditStatusError {
		result = metrics.ResultError
		kind = string(*rec.ErrorKind)
	}
	metrics.EmitProviderCall(a.metrics, metrics.ProviderCallMetric{
		Provider:  string(rec.Provider),
		Model:     rec.Model,
		CallType:  string(rec.CallType),
		Result:    result,
		ErrorKind: kind,
		Duration:  time.Duration(rec.DurationMS) * time.Millisecond,
		CostUSD:   rec.CostUSD,
		Tokens:    rec.Usage.Total(),
	})

	if a.audit == nil {
		return
	}
	if err := a.audit.Append(context.WithoutCancel(ctx), rec); err != nil {
		a.logger.ErrorContext(ctx, "failed to write audit record",
			"job_id", rec.JobID, "call_type", rec.CallType, "error", err)
	}
}
