package httpx

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/target/research-fanout/internal/domain/model"
)

// ResearchService is the orchestration surface the HTTP layer drives.
type ResearchService interface {
	Submit(ctx context.Context, req *model.SubmitResearchRequest) (*model.ResearchJob, error)
	Get(ctx context.Context, id string) (*model.ResearchJob, error)
	List(ctx context.Context, opts model.ResearchListOptions) ([]*model.ResearchSummary, error)
	Retry(ctx context.Context, id string) (*model.ResearchJob, error)
	Proceed(ctx context.Context, id string) (*model.ResearchJob, error)
	Cancel(ctx context.Context, id string) (*model.ResearchJob, error)
	ListAudit(ctx context.Context, jobID string) ([]*model.AuditRecord, error)
}

const (
	defaultListLimit     = 20
	maxListLimit         = 100
	maxIdempotencyKeyLen = 200
)

// ResearchHandlers serves the research job API. Every route runs behind RequireOwner and
// only exposes jobs belonging to the caller.
type ResearchHandlers struct {
	Svc    ResearchService
	Logger *slog.Logger
}

type submitRequest struct {
	Prompt          string                 `json:"prompt"`
	Providers       []model.ProviderID     `json:"providers"`
	ExternalReports []model.ExternalReport `json:"external_reports,omitempty"`
}

// researchView adds the failed-provider summary the owner needs to decide on a partial failure.
type researchView struct {
	*model.ResearchJob
	FailedProviders []model.FailedProvider `json:"failed_providers,omitempty"`
}

func newResearchView(job *model.ResearchJob) researchView {
	v := researchView{ResearchJob: job}
	if job.Status == model.ResearchStatusPartialFailure || job.Status == model.ResearchStatusFailed {
		v.FailedProviders = job.FailedProviders()
	}
	return v
}

type listResponse struct {
	Items  []*model.ResearchSummary `json:"items"`
	Limit  int                      `json:"limit"`
	Offset int                      `json:"offset"`
}

// Submit creates a research job and fans it out to the selected providers.
func (h *ResearchHandlers) Submit(w http.ResponseWriter, r *http.Request) {
	owner, _ := OwnerFromContext(r.Context())

	var body submitRequest
	if !DecodeJSON(w, r, &body) {
		return
	}
	key := strings.TrimSpace(r.Header.Get(IdempotencyHeader))
	if len(key) > maxIdempotencyKeyLen {
		WriteError(w, ErrorParams{
			Code:    http.StatusBadRequest,
			ErrCode: "invalid_idempotency_key",
			Err:     errors.New(IdempotencyHeader + " header is too long"),
		})
		return
	}
	if key != "" {
		// Keys are scoped per owner so two owners cannot collide.
		key = owner + ":" + key
	}

	job, err := h.Svc.Submit(r.Context(), &model.SubmitResearchRequest{
		OwnerID:         owner,
		Prompt:          body.Prompt,
		Providers:       body.Providers,
		ExternalReports: body.ExternalReports,
		IdempotencyKey:  key,
	})
	if err != nil {
		writeServiceError(w, r, h.Logger, err)
		return
	}
	w.Header().Set("Location", "/api/research/"+job.ID)
	WriteJSON(w, http.StatusAccepted, newResearchView(job))
}

// List returns the caller's jobs, newest first.
func (h *ResearchHandlers) List(w http.ResponseWriter, r *http.Request) {
	owner, _ := OwnerFromContext(r.Context())
	limit, offset := ParseLimitOffset(r, defaultListLimit, maxListLimit)

	items, err := h.Svc.List(r.Context(), model.ResearchListOptions{OwnerID: owner, Limit: limit, Offset: offset})
	if err != nil {
		writeServiceError(w, r, h.Logger, err)
		return
	}
	if items == nil {
		items = []*model.ResearchSummary{}
	}
	WriteJSON(w, http.StatusOK, listResponse{Items: items, Limit: limit, Offset: offset})
}

// Get returns one job with every provider result.
func (h *ResearchHandlers) Get(w http.ResponseWriter, r *http.Request) {
	job, ok := h.loadOwned(w, r)
	if !ok {
		return
	}
	WriteJSON(w, http.StatusOK, newResearchView(job))
}

// Retry re-dispatches failed providers that have retry budget left.
func (h *ResearchHandlers) Retry(w http.ResponseWriter, r *http.Request) {
	h.resolve(w, r, h.Svc.Retry)
}

// Proceed accepts a partial failure and synthesizes what completed.
func (h *ResearchHandlers) Proceed(w http.ResponseWriter, r *http.Request) {
	h.resolve(w, r, h.Svc.Proceed)
}

// Cancel fails a partially failed job.
func (h *ResearchHandlers) Cancel(w http.ResponseWriter, r *http.Request) {
	h.resolve(w, r, h.Svc.Cancel)
}

// Audit lists the provider call records of a job.
func (h *ResearchHandlers) Audit(w http.ResponseWriter, r *http.Request) {
	job, ok := h.loadOwned(w, r)
	if !ok {
		return
	}
	recs, err := h.Svc.ListAudit(r.Context(), job.ID)
	if err != nil {
		writeServiceError(w, r, h.Logger, err)
		return
	}
	if recs == nil {
		recs = []*model.AuditRecord{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"items": recs, "total_cost_usd": job.TotalCostUSD})
}

func (h *ResearchHandlers) resolve(
	w http.ResponseWriter,
	r *http.Request,
	op func(ctx context.Context, id string) (*model.ResearchJob, error),
) {
	job, ok := h.loadOwned(w, r)
	if !ok {
		return
	}
	updated, err := op(r.Context(), job.ID)
	if err != nil {
		writeServiceError(w, r, h.Logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, newResearchView(updated))
}

// loadOwned fetches the job named in the path. Jobs owned by someone else are reported
// as not found.
func (h *ResearchHandlers) loadOwned(w http.ResponseWriter, r *http.Request) (*model.ResearchJob, bool) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		WriteError(w, ErrorParams{Code: http.StatusBadRequest, ErrCode: "invalid_path", Err: errors.New("research id is required")})
		return nil, false
	}
	job, err := h.Svc.Get(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.Logger, err)
		return nil, false
	}
	if owner, _ := OwnerFromContext(r.Context()); job.OwnerID != owner {
		writeServiceError(w, r, h.Logger, model.ErrResearchNotFound)
		return nil, false
	}
	return job, true
}
