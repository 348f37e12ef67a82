package service

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/target/research-fanout/internal/core"
	"github.com/target/research-fanout/internal/domain/model"
	"github.com/target/research-fanout/internal/providers"
)

// memResearchRepo mirrors the conditional writes of the Postgres repository under one mutex.
type memResearchRepo struct {
	mu           sync.Mutex
	jobs         map[string]*model.ResearchJob
	reconciledAt map[string]time.Time
	now          func() time.Time

	synthesisClaims atomic.Int32
	settles         atomic.Int32
	createErr       error
}

func newMemResearchRepo() *memResearchRepo {
	return &memResearchRepo{
		jobs:         make(map[string]*model.ResearchJob),
		reconciledAt: make(map[string]time.Time),
		now:          func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) },
	}
}

func cloneJob(j *model.ResearchJob) *model.ResearchJob {
	cp := *j
	cp.SelectedProviders = slices.Clone(j.SelectedProviders)
	cp.ExternalReports = slices.Clone(j.ExternalReports)
	cp.Results = make(map[model.ProviderID]*model.ProviderResult, len(j.Results))
	cp.TotalCostUSD = 0
	for p, r := range j.Results {
		rc := *r
		rc.Sources = slices.Clone(r.Sources)
		cp.Results[p] = &rc
		cp.TotalCostUSD += r.CostUSD
	}
	return &cp
}

func (r *memResearchRepo) Create(_ context.Context, job *model.ResearchJob) error {
	if r.createErr != nil {
		return r.createErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[job.ID] = cloneJob(job)
	return nil
}

func (r *memResearchRepo) GetByID(_ context.Context, id string) (*model.ResearchJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return nil, model.ErrResearchNotFound
	}
	return cloneJob(j), nil
}

func (r *memResearchRepo) ListByOwner(_ context.Context, opts model.ResearchListOptions) ([]*model.ResearchSummary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.ResearchSummary
	for _, j := range r.jobs {
		if j.OwnerID == opts.OwnerID {
			out = append(out, &model.ResearchSummary{ID: j.ID, Prompt: j.Prompt, Status: j.Status, CreatedAt: j.CreatedAt})
		}
	}
	slices.SortFunc(out, func(a, b *model.ResearchSummary) int { return b.CreatedAt.Compare(a.CreatedAt) })
	if opts.Offset >= len(out) {
		return nil, nil
	}
	out = out[opts.Offset:]
	if len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

// update runs fn on the stored job under the lock.
func (r *memResearchRepo) update(id string, fn func(j *model.ResearchJob) bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return false
	}
	if fn(j) {
		j.UpdatedAt = r.now()
		return true
	}
	return false
}

func (r *memResearchRepo) result(id string, p model.ProviderID) *model.ProviderResult {
	if j, ok := r.jobs[id]; ok {
		return j.Results[p]
	}
	return nil
}

func (r *memResearchRepo) CompareAndSetStatus(_ context.Context, t core.StatusTransition) (bool, error) {
	applied := r.update(t.JobID, func(j *model.ResearchJob) bool {
		if j.Status != t.From || (t.Round != 0 && j.DispatchRound != t.Round) {
			return false
		}
		if t.From == model.ResearchStatusPartialFailure && t.To == model.ResearchStatusDispatched {
			j.DispatchRound++
		}
		j.Status = t.To
		if t.CancelReason != nil {
			reason := *t.CancelReason
			j.CancelReason = &reason
		}
		if t.To == model.ResearchStatusFailed && j.CompletedAt == nil {
			now := r.now()
			j.CompletedAt = &now
		}
		return true
	})
	if applied && t.From == model.ResearchStatusDispatched {
		r.settles.Add(1)
	}
	return applied, nil
}

func (r *memResearchRepo) ClaimProviderResult(_ context.Context, ref core.ResultRef) (bool, error) {
	return r.update(ref.JobID, func(j *model.ResearchJob) bool {
		if j.Status != model.ResearchStatusPending && j.Status != model.ResearchStatusDispatched {
			return false
		}
		res := j.Results[ref.Provider]
		if res == nil || res.Attempt != ref.Attempt || res.Status != model.ResultStatusPending {
			return false
		}
		now := r.now()
		res.Status = model.ResultStatusProcessing
		res.StartedAt = &now
		return true
	}), nil
}

func (r *memResearchRepo) CompleteProviderResult(_ context.Context, p core.CompleteResultParams) (bool, error) {
	return r.update(p.JobID, func(j *model.ResearchJob) bool {
		res := j.Results[p.Provider]
		if res == nil || res.Attempt != p.Attempt || res.Status != model.ResultStatusProcessing {
			return false
		}
		content := p.Content
		res.Status = model.ResultStatusCompleted
		res.Model = p.Model
		res.Content = &content
		res.Sources = p.Sources
		res.Usage = p.Usage
		res.CostUSD = p.CostUSD
		return true
	}), nil
}

func (r *memResearchRepo) FailProviderResult(_ context.Context, p core.FailResultParams) (bool, error) {
	return r.update(p.JobID, func(j *model.ResearchJob) bool {
		res := j.Results[p.Provider]
		if res == nil || res.Attempt != p.Attempt || res.Status != model.ResultStatusProcessing {
			return false
		}
		kind, msg := p.Kind, p.Message
		res.Status = model.ResultStatusFailed
		res.Model = p.Model
		res.ErrorKind = &kind
		res.ErrorMessage = &msg
		return true
	}), nil
}

func (r *memResearchRepo) ResetProviderForRetry(_ context.Context, ref core.ResultRef) (bool, error) {
	return r.update(ref.JobID, func(j *model.ResearchJob) bool {
		res := j.Results[ref.Provider]
		if res == nil || res.Attempt != ref.Attempt || res.Status != model.ResultStatusFailed ||
			res.RetryCount >= model.MaxRetries {
			return false
		}
		*res = model.ProviderResult{
			Provider:   res.Provider,
			Status:     model.ResultStatusPending,
			Attempt:    res.Attempt + 1,
			RetryCount: res.RetryCount + 1,
		}
		return true
	}), nil
}

func (r *memResearchRepo) ClaimSynthesis(_ context.Context, jobID string) (bool, error) {
	ok := r.update(jobID, func(j *model.ResearchJob) bool {
		if j.Status != model.ResearchStatusCompleted || j.SynthesisSettled() || j.SynthesisClaimedAt != nil {
			return false
		}
		now := r.now()
		j.SynthesisClaimedAt = &now
		return true
	})
	if ok {
		r.synthesisClaims.Add(1)
	}
	return ok, nil
}

func (r *memResearchRepo) ReleaseSynthesisClaim(_ context.Context, jobID string) (bool, error) {
	return r.update(jobID, func(j *model.ResearchJob) bool {
		if j.SynthesisClaimedAt == nil || j.SynthesisSettled() {
			return false
		}
		j.SynthesisClaimedAt = nil
		return true
	}), nil
}

func (r *memResearchRepo) SetSynthesisResult(_ context.Context, jobID, content string) (bool, error) {
	return r.update(jobID, func(j *model.ResearchJob) bool {
		if j.SynthesisSettled() {
			return false
		}
		now := r.now()
		j.SynthesizedResult = &content
		j.Status = model.ResearchStatusCompleted
		j.CompletedAt = &now
		return true
	}), nil
}

func (r *memResearchRepo) SetSynthesisError(_ context.Context, jobID, message string) (bool, error) {
	return r.update(jobID, func(j *model.ResearchJob) bool {
		if j.SynthesisSettled() {
			return false
		}
		now := r.now()
		j.SynthesisError = &message
		j.Status = model.ResearchStatusFailed
		j.CompletedAt = &now
		return true
	}), nil
}

func (r *memResearchRepo) lastTouched(j *model.ResearchJob) time.Time {
	if t, ok := r.reconciledAt[j.ID]; ok {
		return t
	}
	return j.UpdatedAt
}

func (r *memResearchRepo) selectIDs(limit int, keep func(j *model.ResearchJob) bool) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for id, j := range r.jobs {
		if keep(j) {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids
}

func (r *memResearchRepo) ListStaleJobs(_ context.Context, q core.StaleJobQuery) ([]string, error) {
	return r.selectIDs(q.Limit, func(j *model.ResearchJob) bool {
		return j.Status == q.Status && r.lastTouched(j).Before(q.Before)
	}), nil
}

func (r *memResearchRepo) MarkReconciled(_ context.Context, jobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reconciledAt[jobID] = r.now()
	return nil
}

func (r *memResearchRepo) FailStaleProcessing(_ context.Context, before time.Time, limit int) ([]string, error) {
	ids := r.selectIDs(limit, func(j *model.ResearchJob) bool {
		for _, res := range j.Results {
			if res.Status == model.ResultStatusProcessing && res.StartedAt != nil && res.StartedAt.Before(before) {
				return true
			}
		}
		return false
	})
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		for _, res := range r.jobs[id].Results {
			if res.Status == model.ResultStatusProcessing && res.StartedAt != nil && res.StartedAt.Before(before) {
				kind, msg := model.ErrorKindTimeout, "provider call timed out"
				res.Status = model.ResultStatusFailed
				res.ErrorKind = &kind
				res.ErrorMessage = &msg
			}
		}
	}
	return ids, nil
}

func (r *memResearchRepo) ListAbandonedSyntheses(_ context.Context, claimedBefore time.Time, limit int) ([]string, error) {
	return r.selectIDs(limit, func(j *model.ResearchJob) bool {
		return j.Status == model.ResearchStatusCompleted && !j.SynthesisSettled() &&
			j.SynthesisClaimedAt != nil && j.SynthesisClaimedAt.Before(claimedBefore)
	}), nil
}

func (r *memResearchRepo) ExpireSynthesisClaim(_ context.Context, p core.ExpireSynthesisParams) (model.SynthesisExpiry, error) {
	outcome := model.SynthesisExpiryNone
	r.update(p.JobID, func(j *model.ResearchJob) bool {
		if j.Status != model.ResearchStatusCompleted || j.SynthesisSettled() ||
			j.SynthesisClaimedAt == nil || !j.SynthesisClaimedAt.Before(p.ClaimedBefore) {
			return false
		}
		if j.SynthesisRecoveries < p.MaxRecoveries {
			j.SynthesisClaimedAt = nil
			j.SynthesisRecoveries++
			outcome = model.SynthesisExpiryReleased
			return true
		}
		now := r.now()
		msg := p.Message
		j.SynthesisError = &msg
		j.Status = model.ResearchStatusFailed
		j.CompletedAt = &now
		outcome = model.SynthesisExpiryAbandoned
		return true
	})
	return outcome, nil
}

func (r *memResearchRepo) ListUnclaimedSyntheses(_ context.Context, before time.Time, limit int) ([]string, error) {
	return r.selectIDs(limit, func(j *model.ResearchJob) bool {
		return j.Status == model.ResearchStatusCompleted && !j.SynthesisSettled() &&
			j.SynthesisClaimedAt == nil && r.lastTouched(j).Before(before)
	}), nil
}

// setResult overwrites one result for test setup.
func (r *memResearchRepo) setResult(jobID string, res model.ProviderResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[jobID].Results[res.Provider] = &res
}

func (r *memResearchRepo) setStatus(jobID string, status model.ResearchStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[jobID].Status = status
}

var (
	_ core.ResearchRepository  = (*memResearchRepo)(nil)
	_ core.ReconcileRepository = (*memResearchRepo)(nil)
)

// memQueue records enqueued work and lets tests drain it through the service handlers.
type memQueue struct {
	mu         sync.Mutex
	items      []*model.EnqueueWorkRequest
	enqueueErr error
	enqueued   atomic.Int32
}

func (q *memQueue) Enqueue(_ context.Context, req *model.EnqueueWorkRequest) (*model.WorkItem, error) {
	if q.enqueueErr != nil {
		return nil, q.enqueueErr
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, req)
	q.enqueued.Add(1)
	return &model.WorkItem{Type: req.Type, Status: model.WorkStatusPending, Payload: req.Payload}, nil
}

func (q *memQueue) take() []*model.EnqueueWorkRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}

func (q *memQueue) providerWork() []model.ProviderWorkPayload {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []model.ProviderWorkPayload
	for _, it := range q.items {
		if it.Type != model.WorkTypeProviderResearch {
			continue
		}
		var p model.ProviderWorkPayload
		if err := json.Unmarshal(it.Payload, &p); err == nil {
			out = append(out, p)
		}
	}
	return out
}

func (q *memQueue) count(t model.WorkType) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, it := range q.items {
		if it.Type == t {
			n++
		}
	}
	return n
}

// drain delivers every queued item, including ones enqueued while draining, until the
// queue is empty.
func (q *memQueue) drain(ctx context.Context, s *ResearchService) error {
	for {
		items := q.take()
		if len(items) == 0 {
			return nil
		}
		for _, it := range items {
			var err error
			switch it.Type {
			case model.WorkTypeProviderResearch:
				var p model.ProviderWorkPayload
				if err = json.Unmarshal(it.Payload, &p); err == nil {
					err = s.HandleProviderWork(ctx, p)
				}
			case model.WorkTypeSynthesis:
				var p model.SynthesisWorkPayload
				if err = json.Unmarshal(it.Payload, &p); err == nil {
					err = s.HandleSynthesisWork(ctx, p)
				}
			}
			if err != nil {
				return err
			}
		}
	}
}

// fakeAdapter answers with a fixed response or error and counts calls.
type fakeAdapter struct {
	id    model.ProviderID
	model string

	mu       sync.Mutex
	calls    int
	requests []providers.Request
	respond  func(req providers.Request) (*providers.Response, error)
}

func newFakeAdapter(id model.ProviderID, content string) *fakeAdapter {
	return &fakeAdapter{
		id:    id,
		model: string(id) + "-model",
		respond: func(providers.Request) (*providers.Response, error) {
			return &providers.Response{Model: string(id) + "-model", Content: content, CostUSD: 0.01}, nil
		},
	}
}

func failingAdapter(id model.ProviderID, kind model.ErrorKind) *fakeAdapter {
	a := newFakeAdapter(id, "")
	a.respond = func(providers.Request) (*providers.Response, error) {
		return nil, &providers.Error{Provider: id, Kind: kind, Message: string(kind)}
	}
	return a
}

func (a *fakeAdapter) ID() model.ProviderID { return a.id }
func (a *fakeAdapter) Model() string        { return a.model }

func (a *fakeAdapter) Call(_ context.Context, req providers.Request) (*providers.Response, error) {
	a.mu.Lock()
	a.calls++
	a.requests = append(a.requests, req)
	respond := a.respond
	a.mu.Unlock()
	return respond(req)
}

func (a *fakeAdapter) setRespond(fn func(req providers.Request) (*providers.Response, error)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.respond = fn
}

func (a *fakeAdapter) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

// memIdempotency is an in-memory IdempotencyStore.
type memIdempotency struct {
	mu       sync.Mutex
	keys     map[string]string
	claimErr error
}

func (m *memIdempotency) Claim(_ context.Context, key, jobID string, _ time.Duration) (bool, error) {
	if m.claimErr != nil {
		return false, m.claimErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.keys == nil {
		m.keys = make(map[string]string)
	}
	if _, ok := m.keys[key]; ok {
		return false, nil
	}
	m.keys[key] = jobID
	return true, nil
}

func (m *memIdempotency) Lookup(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.keys[key]
	return id, ok, nil
}

func (m *memIdempotency) Release(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, key)
	return nil
}

type stubLimiter struct {
	allow bool
	err   error
	calls int
}

func (l *stubLimiter) Allow(context.Context, string) (bool, error) {
	l.calls++
	return l.allow, l.err
}

type memWorkReaper struct {
	calls   []core.DeleteWorkParams
	results []int64
	err     error
}

func (m *memWorkReaper) DeleteFinishedWork(_ context.Context, p core.DeleteWorkParams) (int64, error) {
	if m.err != nil {
		return 0, m.err
	}
	m.calls = append(m.calls, p)
	if len(m.results) == 0 {
		return 0, nil
	}
	n := m.results[0]
	m.results = m.results[1:]
	return n, nil
}

var errStore = errors.New("store unavailable")

type testEnv struct {
	repo     *memResearchRepo
	queue    *memQueue
	adapters map[model.ProviderID]*fakeAdapter
	svc      *ResearchService
}

type testEnvOption func(*ResearchServiceOptions)

// newTestEnv wires a ResearchService over in-memory fakes. Every adapter given is
// registered; anthropic doubles as the synthesis provider.
func newTestEnv(adapters []*fakeAdapter, opts ...testEnvOption) *testEnv {
	repo := newMemResearchRepo()
	queue := &memQueue{}
	byID := make(map[model.ProviderID]*fakeAdapter, len(adapters))
	list := make([]providers.Adapter, 0, len(adapters))
	for _, a := range adapters {
		byID[a.id] = a
		list = append(list, a)
	}
	ids := 0
	o := ResearchServiceOptions{
		Repo:      repo,
		Queue:     queue,
		Providers: providers.NewRegistry(list...),
		Synthesis: SynthesisOptions{Provider: model.ProviderAnthropic},
		Now:       repo.now,
		NewID: func() string {
			ids++
			return "job-" + string(rune('a'+ids-1))
		},
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &testEnv{repo: repo, queue: queue, adapters: byID, svc: MustNewResearchService(o)}
}

func submitReq(owner string, ps ...model.ProviderID) *model.SubmitResearchRequest {
	return &model.SubmitResearchRequest{OwnerID: owner, Prompt: "How do tides work?", Providers: ps}
}
