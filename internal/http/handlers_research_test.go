package httpx

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/research-fanout/internal/domain/model"
	apperrors "github.com/target/research-fanout/internal/errors"
	"github.com/target/research-fanout/internal/service"
)

type stubResearchService struct {
	jobs map[string]*model.ResearchJob

	submitted  *model.SubmitResearchRequest
	submitErr  error
	listOpts   model.ResearchListOptions
	resolveErr error
	resolved   []string
	audit      []*model.AuditRecord
}

func newStubResearchService(jobs ...*model.ResearchJob) *stubResearchService {
	s := &stubResearchService{jobs: make(map[string]*model.ResearchJob)}
	for _, j := range jobs {
		s.jobs[j.ID] = j
	}
	return s
}

func (s *stubResearchService) Submit(_ context.Context, req *model.SubmitResearchRequest) (*model.ResearchJob, error) {
	s.submitted = req
	if s.submitErr != nil {
		return nil, s.submitErr
	}
	return model.NewResearchJob("job-new", req, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)), nil
}

func (s *stubResearchService) Get(_ context.Context, id string) (*model.ResearchJob, error) {
	j, ok := s.jobs[id]
	if !ok {
		return nil, model.ErrResearchNotFound
	}
	return j, nil
}

func (s *stubResearchService) List(_ context.Context, opts model.ResearchListOptions) ([]*model.ResearchSummary, error) {
	s.listOpts = opts
	var out []*model.ResearchSummary
	for _, j := range s.jobs {
		if j.OwnerID == opts.OwnerID {
			out = append(out, &model.ResearchSummary{ID: j.ID, Prompt: j.Prompt, Status: j.Status})
		}
	}
	return out, nil
}

func (s *stubResearchService) resolve(op, id string) (*model.ResearchJob, error) {
	s.resolved = append(s.resolved, op+":"+id)
	if s.resolveErr != nil {
		return nil, s.resolveErr
	}
	return s.jobs[id], nil
}

func (s *stubResearchService) Retry(_ context.Context, id string) (*model.ResearchJob, error) {
	return s.resolve("retry", id)
}

func (s *stubResearchService) Proceed(_ context.Context, id string) (*model.ResearchJob, error) {
	return s.resolve("proceed", id)
}

func (s *stubResearchService) Cancel(_ context.Context, id string) (*model.ResearchJob, error) {
	return s.resolve("cancel", id)
}

func (s *stubResearchService) ListAudit(_ context.Context, _ string) ([]*model.AuditRecord, error) {
	return s.audit, nil
}

func partialFailureJob(id, owner string) *model.ResearchJob {
	job := model.NewResearchJob(id, &model.SubmitResearchRequest{
		OwnerID:   owner,
		Prompt:    "How do tides work?",
		Providers: []model.ProviderID{model.ProviderOpenAI, model.ProviderGoogle},
	}, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	kind := model.ErrorKindRateLimited
	msg := "slow down"
	content := "The moon."
	job.Status = model.ResearchStatusPartialFailure
	job.Results[model.ProviderOpenAI].Status = model.ResultStatusCompleted
	job.Results[model.ProviderOpenAI].Content = &content
	job.Results[model.ProviderGoogle].Status = model.ResultStatusFailed
	job.Results[model.ProviderGoogle].ErrorKind = &kind
	job.Results[model.ProviderGoogle].ErrorMessage = &msg
	job.TotalCostUSD = 0.02
	return job
}

func serve(t *testing.T, svc ResearchService, method, path, owner, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	router := NewRouter(RouterServices{Research: svc, MaxBodyBytes: 1 << 20})
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if owner != "" {
		req.Header.Set(OwnerHeader, owner)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeErrorBody(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestResearchHandlers_Submit(t *testing.T) {
	t.Run("accepted", func(t *testing.T) {
		svc := newStubResearchService()
		rec := serve(t, svc, http.MethodPost, "/api/research", "owner-1",
			`{"prompt":"How do tides work?","providers":["openai","google"]}`,
			IdempotencyHeader, "abc-123")

		require.Equal(t, http.StatusAccepted, rec.Code)
		assert.Equal(t, "/api/research/job-new", rec.Header().Get("Location"))
		require.NotNil(t, svc.submitted)
		assert.Equal(t, "owner-1", svc.submitted.OwnerID)
		assert.Equal(t, "owner-1:abc-123", svc.submitted.IdempotencyKey)
		assert.Equal(t, []model.ProviderID{model.ProviderOpenAI, model.ProviderGoogle}, svc.submitted.Providers)

		var got map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
		assert.Equal(t, "job-new", got["id"])
		assert.Equal(t, "pending", got["status"])
		assert.NotContains(t, got, "failed_providers")
	})

	tests := []struct {
		name       string
		owner      string
		body       string
		headers    []string
		submitErr  error
		wantStatus int
		wantCode   string
		wantField  string
	}{
		{
			name:       "missing owner",
			body:       `{"prompt":"p","providers":["openai"]}`,
			wantStatus: http.StatusUnauthorized,
			wantCode:   "missing_owner",
		},
		{
			name:       "malformed json",
			owner:      "owner-1",
			body:       `{"prompt":`,
			wantStatus: http.StatusBadRequest,
			wantCode:   "invalid_json",
		},
		{
			name:       "unknown field",
			owner:      "owner-1",
			body:       `{"prompt":"p","providers":["openai"],"model":"x"}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   "invalid_json",
		},
		{
			name:       "idempotency key too long",
			owner:      "owner-1",
			body:       `{"prompt":"p","providers":["openai"]}`,
			headers:    []string{IdempotencyHeader, strings.Repeat("k", maxIdempotencyKeyLen+1)},
			wantStatus: http.StatusBadRequest,
			wantCode:   "invalid_idempotency_key",
		},
		{
			name:       "validation error carries field",
			owner:      "owner-1",
			body:       `{"prompt":"p","providers":["perplexity"]}`,
			submitErr:  apperrors.ValidationField("providers", `provider "perplexity" is not configured`),
			wantStatus: http.StatusBadRequest,
			wantCode:   "validation",
			wantField:  "providers",
		},
		{
			name:       "throttled",
			owner:      "owner-1",
			body:       `{"prompt":"p","providers":["openai"]}`,
			submitErr:  fmt.Errorf("owner-1: %w", service.ErrSubmitThrottled),
			wantStatus: http.StatusTooManyRequests,
			wantCode:   "throttled",
		},
		{
			name:       "store failure hides details",
			owner:      "owner-1",
			body:       `{"prompt":"p","providers":["openai"]}`,
			submitErr:  fmt.Errorf("insert research job: %w", fmt.Errorf("connection reset")),
			wantStatus: http.StatusInternalServerError,
			wantCode:   "internal",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newStubResearchService()
			svc.submitErr = tt.submitErr
			rec := serve(t, svc, http.MethodPost, "/api/research", tt.owner, tt.body, tt.headers...)

			assert.Equal(t, tt.wantStatus, rec.Code)
			body := decodeErrorBody(t, rec)
			assert.Equal(t, tt.wantCode, body.Error)
			assert.Equal(t, tt.wantField, body.Field)
			assert.NotContains(t, body.Message, "connection reset")
			if tt.wantStatus == http.StatusTooManyRequests {
				assert.Equal(t, "60", rec.Header().Get("Retry-After"))
			}
		})
	}
}

func TestResearchHandlers_Get(t *testing.T) {
	svc := newStubResearchService(partialFailureJob("job-1", "owner-1"))

	t.Run("owner sees failed providers", func(t *testing.T) {
		rec := serve(t, svc, http.MethodGet, "/api/research/job-1", "owner-1", "")
		require.Equal(t, http.StatusOK, rec.Code)

		var got struct {
			ID              string                 `json:"id"`
			Status          model.ResearchStatus   `json:"status"`
			FailedProviders []model.FailedProvider `json:"failed_providers"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
		assert.Equal(t, model.ResearchStatusPartialFailure, got.Status)
		require.Len(t, got.FailedProviders, 1)
		assert.Equal(t, model.ProviderGoogle, got.FailedProviders[0].Provider)
		assert.Equal(t, model.ErrorKindRateLimited, got.FailedProviders[0].ErrorKind)
		assert.Equal(t, model.MaxRetries, got.FailedProviders[0].RetriesLeft)
	})

	t.Run("other owner gets not found", func(t *testing.T) {
		rec := serve(t, svc, http.MethodGet, "/api/research/job-1", "owner-2", "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, "not_found", decodeErrorBody(t, rec).Error)
	})

	t.Run("unknown job", func(t *testing.T) {
		rec := serve(t, svc, http.MethodGet, "/api/research/nope", "owner-1", "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestResearchHandlers_Resolve(t *testing.T) {
	tests := []struct {
		name       string
		action     string
		owner      string
		resolveErr error
		wantStatus int
		wantCode   string
		wantCalls  []string
	}{
		{name: "retry", action: "retry", owner: "owner-1", wantStatus: http.StatusOK, wantCalls: []string{"retry:job-1"}},
		{name: "proceed", action: "proceed", owner: "owner-1", wantStatus: http.StatusOK, wantCalls: []string{"proceed:job-1"}},
		{name: "cancel", action: "cancel", owner: "owner-1", wantStatus: http.StatusOK, wantCalls: []string{"cancel:job-1"}},
		{
			name: "not awaiting decision", action: "proceed", owner: "owner-1",
			resolveErr: fmt.Errorf("proceed job-1: %w", model.ErrInvalidState),
			wantStatus: http.StatusConflict, wantCode: "invalid_state", wantCalls: []string{"proceed:job-1"},
		},
		{
			name: "retry budget spent", action: "retry", owner: "owner-1",
			resolveErr: model.ErrRetryExhausted,
			wantStatus: http.StatusUnprocessableEntity, wantCode: "retry_exhausted", wantCalls: []string{"retry:job-1"},
		},
		{
			name: "other owner never reaches the service", action: "cancel", owner: "owner-2",
			wantStatus: http.StatusNotFound, wantCode: "not_found",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newStubResearchService(partialFailureJob("job-1", "owner-1"))
			svc.resolveErr = tt.resolveErr

			rec := serve(t, svc, http.MethodPost, "/api/research/job-1/"+tt.action, tt.owner, "")

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantCalls, svc.resolved)
			if tt.wantCode != "" {
				assert.Equal(t, tt.wantCode, decodeErrorBody(t, rec).Error)
			}
		})
	}
}

func TestResearchHandlers_List(t *testing.T) {
	svc := newStubResearchService(
		partialFailureJob("job-1", "owner-1"),
		partialFailureJob("job-2", "owner-2"),
	)

	tests := []struct {
		name       string
		query      string
		wantLimit  int
		wantOffset int
	}{
		{name: "defaults", wantLimit: defaultListLimit},
		{name: "explicit", query: "?limit=5&offset=10", wantLimit: 5, wantOffset: 10},
		{name: "clamped high", query: "?limit=5000", wantLimit: maxListLimit},
		{name: "clamped low", query: "?limit=0&offset=-3", wantLimit: 1},
		{name: "garbage", query: "?limit=abc", wantLimit: defaultListLimit},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(t, svc, http.MethodGet, "/api/research"+tt.query, "owner-1", "")
			require.Equal(t, http.StatusOK, rec.Code)

			var got struct {
				Items  []model.ResearchSummary `json:"items"`
				Limit  int                     `json:"limit"`
				Offset int                     `json:"offset"`
			}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
			assert.Equal(t, tt.wantLimit, got.Limit)
			assert.Equal(t, tt.wantOffset, got.Offset)
			assert.Equal(t, model.ResearchListOptions{OwnerID: "owner-1", Limit: tt.wantLimit, Offset: tt.wantOffset}, svc.listOpts)
			require.Len(t, got.Items, 1)
			assert.Equal(t, "job-1", got.Items[0].ID)
		})
	}

	t.Run("empty list is an array", func(t *testing.T) {
		rec := serve(t, svc, http.MethodGet, "/api/research", "owner-3", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"items":[]`)
	})
}

func TestResearchHandlers_Audit(t *testing.T) {
	svc := newStubResearchService(partialFailureJob("job-1", "owner-1"))
	svc.audit = []*model.AuditRecord{
		{ID: "a1", JobID: "job-1", Provider: model.ProviderOpenAI, CallType: model.CallTypeResearch, CostUSD: 0.02},
	}

	rec := serve(t, svc, http.MethodGet, "/api/research/job-1/audit", "owner-1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var got struct {
		Items        []model.AuditRecord `json:"items"`
		TotalCostUSD float64             `json:"total_cost_usd"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got.Items, 1)
	assert.Equal(t, "a1", got.Items[0].ID)
	assert.InDelta(t, 0.02, got.TotalCostUSD, 1e-9)

	rec = serve(t, svc, http.MethodGet, "/api/research/job-1/audit", "owner-2", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
