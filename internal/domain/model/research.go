// Package model defines the core data types shared by the research orchestrator.
package model

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

// ProviderID identifies an AI-model backend that can answer a research prompt.
//
//nolint:recvcheck // UnmarshalText needs pointer receiver, Valid needs value receiver
type ProviderID string

const (
	// ProviderGoogle is the Gemini backend.
	ProviderGoogle ProviderID = "google"
	// ProviderOpenAI is the OpenAI deep research backend.
	ProviderOpenAI ProviderID = "openai"
	// ProviderAnthropic is the Claude backend.
	ProviderAnthropic ProviderID = "anthropic"
	// ProviderPerplexity is the Sonar backend.
	ProviderPerplexity ProviderID = "perplexity"
)

// KnownProviders lists every provider the service knows how to construct.
func KnownProviders() []ProviderID {
	return []ProviderID{ProviderGoogle, ProviderOpenAI, ProviderAnthropic, ProviderPerplexity}
}

// Valid returns true if the provider is a known backend.
func (p ProviderID) Valid() bool {
	return slices.Contains(KnownProviders(), p)
}

// UnmarshalText implements encoding.TextUnmarshaler for env parsing.
func (p *ProviderID) UnmarshalText(text []byte) error {
	v := ProviderID(strings.ToLower(strings.TrimSpace(string(text))))
	if !v.Valid() {
		return fmt.Errorf("invalid ProviderID: %q", v)
	}
	*p = v
	return nil
}

// ResearchStatus is the top-level status of a research job.
type ResearchStatus string

const (
	// ResearchStatusPending means the job row exists but work has not been handed out yet.
	ResearchStatusPending ResearchStatus = "pending"
	// ResearchStatusDispatched means every provider has a queued work item.
	ResearchStatusDispatched ResearchStatus = "dispatched"
	// ResearchStatusCompleted is terminal; synthesis may still be running.
	ResearchStatusCompleted ResearchStatus = "completed"
	// ResearchStatusPartialFailure waits for the owner to retry, proceed or cancel.
	ResearchStatusPartialFailure ResearchStatus = "partial_failure"
	// ResearchStatusFailed is terminal.
	ResearchStatusFailed ResearchStatus = "failed"
)

// Valid returns true if the status is known.
func (s ResearchStatus) Valid() bool {
	switch s {
	case ResearchStatusPending, ResearchStatusDispatched, ResearchStatusCompleted,
		ResearchStatusPartialFailure, ResearchStatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s ResearchStatus) Terminal() bool {
	return s == ResearchStatusCompleted || s == ResearchStatusFailed
}

// ResultStatus is the status of a single provider's result.
type ResultStatus string

const (
	ResultStatusPending    ResultStatus = "pending"
	ResultStatusProcessing ResultStatus = "processing"
	ResultStatusCompleted  ResultStatus = "completed"
	ResultStatusFailed     ResultStatus = "failed"
)

// Settled reports whether the result reached completed or failed.
func (s ResultStatus) Settled() bool {
	return s == ResultStatusCompleted || s == ResultStatusFailed
}

// ErrorKind is the provider-independent classification of a failed provider call.
type ErrorKind string

const (
	ErrorKindInvalidKey     ErrorKind = "invalid_key"
	ErrorKindRateLimited    ErrorKind = "rate_limited"
	ErrorKindTimeout        ErrorKind = "timeout"
	ErrorKindOverloaded     ErrorKind = "overloaded"
	ErrorKindContextTooLong ErrorKind = "context_too_long"
	ErrorKindProvider       ErrorKind = "provider_error"
)

// MaxRetries bounds how many times the owner may retry a single failed provider.
const MaxRetries = 2

// MaxSynthesisRecoveries bounds how often an expired synthesis claim is released for another
// run before the job is failed as abandoned.
const MaxSynthesisRecoveries = 1

// SynthesisExpiry is the outcome of expiring a stale synthesis claim.
type SynthesisExpiry string

const (
	SynthesisExpiryNone      SynthesisExpiry = "none"
	SynthesisExpiryReleased  SynthesisExpiry = "released"
	SynthesisExpiryAbandoned SynthesisExpiry = "abandoned"
)

// CancelReasonUserCancelled is stored when the owner cancels a partially failed job.
const CancelReasonUserCancelled = "user_cancelled"

var (
	// ErrRetryExhausted is returned by retry when no failed provider has budget left.
	ErrRetryExhausted = errors.New("retry budget exhausted for every failed provider")
	// ErrInvalidState is returned when a resolver operation runs outside partial_failure.
	ErrInvalidState = errors.New("research job is not awaiting a decision")
	// ErrResearchNotFound is returned when a job id does not exist.
	ErrResearchNotFound = errors.New("research job not found")
)

// Source is a citation returned by a provider.
type Source struct {
	URL    string `json:"url"`
	Title  string `json:"title,omitempty"`
	Domain string `json:"domain,omitempty"`
}

// TokenUsage is the normalized token breakdown of one provider call.
type TokenUsage struct {
	InputTokens       int64 `json:"input_tokens"`
	OutputTokens      int64 `json:"output_tokens"`
	CachedInputTokens int64 `json:"cached_input_tokens,omitempty"`
	CacheWriteTokens  int64 `json:"cache_write_tokens,omitempty"`
	ReasoningTokens   int64 `json:"reasoning_tokens,omitempty"`
}

// Total returns the sum of every token category.
func (u TokenUsage) Total() int64 {
	return u.InputTokens + u.OutputTokens + u.CachedInputTokens + u.CacheWriteTokens + u.ReasoningTokens
}

// ProviderResult is one provider's slot inside a research job.
type ProviderResult struct {
	Provider     ProviderID   `json:"provider"`
	Status       ResultStatus `json:"status"`
	Attempt      int          `json:"attempt"`
	RetryCount   int          `json:"retry_count"`
	Model        string       `json:"model,omitempty"`
	Content      *string      `json:"content,omitempty"`
	Sources      []Source     `json:"sources,omitempty"`
	ErrorKind    *ErrorKind   `json:"error_kind,omitempty"`
	ErrorMessage *string      `json:"error_message,omitempty"`
	Usage        TokenUsage   `json:"usage"`
	CostUSD      float64      `json:"cost_usd"`
	StartedAt    *time.Time   `json:"started_at,omitempty"`
	CompletedAt  *time.Time   `json:"completed_at,omitempty"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// RetriesLeft returns the remaining retry budget.
func (r *ProviderResult) RetriesLeft() int {
	left := MaxRetries - r.RetryCount
	if left < 0 {
		return 0
	}
	return left
}

// ExternalReport is owner-supplied material folded into synthesis.
type ExternalReport struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

// ResearchJob is the aggregate root for one research request.
type ResearchJob struct {
	ID                string         `json:"id"`
	OwnerID           string         `json:"owner_id"`
	Prompt            string         `json:"prompt"`
	SelectedProviders []ProviderID   `json:"selected_providers"`
	Status            ResearchStatus `json:"status"`
	// DispatchRound increases each time a retry re-dispatches the job.
	DispatchRound      int                            `json:"dispatch_round"`
	Results            map[ProviderID]*ProviderResult `json:"results"`
	ExternalReports    []ExternalReport               `json:"external_reports,omitempty"`
	SynthesizedResult  *string                        `json:"synthesized_result,omitempty"`
	SynthesisError     *string                        `json:"synthesis_error,omitempty"`
	SynthesisClaimedAt *time.Time                     `json:"synthesis_claimed_at,omitempty"`
	// SynthesisRecoveries counts expired synthesis claims released for another run.
	SynthesisRecoveries int        `json:"synthesis_recoveries,omitempty"`
	CancelReason        *string    `json:"cancel_reason,omitempty"`
	TotalCostUSD        float64    `json:"total_cost_usd"`
	StartedAt           time.Time  `json:"started_at"`
	CompletedAt         *time.Time `json:"completed_at,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// NewResearchJob builds a pending job with one pending attempt-1 result per selected provider.
func NewResearchJob(id string, req *SubmitResearchRequest, now time.Time) *ResearchJob {
	providers := slices.Clone(req.Providers)
	results := make(map[ProviderID]*ProviderResult, len(providers))
	for _, p := range providers {
		results[p] = &ProviderResult{Provider: p, Status: ResultStatusPending, Attempt: 1, UpdatedAt: now}
	}
	return &ResearchJob{
		ID:                id,
		OwnerID:           req.OwnerID,
		Prompt:            req.Prompt,
		SelectedProviders: providers,
		Status:            ResearchStatusPending,
		DispatchRound:     1,
		Results:           results,
		ExternalReports:   slices.Clone(req.ExternalReports),
		StartedAt:         now,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

// FailedProvider summarises a failed provider for the owner's decision.
type FailedProvider struct {
	Provider    ProviderID `json:"provider"`
	ErrorKind   ErrorKind  `json:"error_kind"`
	Message     string     `json:"message,omitempty"`
	RetryCount  int        `json:"retry_count"`
	RetriesLeft int        `json:"retries_left"`
}

// FailedProviders lists failed results in selection order.
func (j *ResearchJob) FailedProviders() []FailedProvider {
	out := make([]FailedProvider, 0)
	for _, p := range j.SelectedProviders {
		r, ok := j.Results[p]
		if !ok || r.Status != ResultStatusFailed {
			continue
		}
		fp := FailedProvider{
			Provider:    p,
			ErrorKind:   ErrorKindProvider,
			RetryCount:  r.RetryCount,
			RetriesLeft: r.RetriesLeft(),
		}
		if r.ErrorKind != nil {
			fp.ErrorKind = *r.ErrorKind
		}
		if r.ErrorMessage != nil {
			fp.Message = *r.ErrorMessage
		}
		out = append(out, fp)
	}
	return out
}

// CompletedResults returns completed results in selection order.
func (j *ResearchJob) CompletedResults() []*ProviderResult {
	out := make([]*ProviderResult, 0, len(j.SelectedProviders))
	for _, p := range j.SelectedProviders {
		if r, ok := j.Results[p]; ok && r.Status == ResultStatusCompleted {
			out = append(out, r)
		}
	}
	return out
}

// SynthesisSettled reports whether synthesis has stored either a result or an error.
func (j *ResearchJob) SynthesisSettled() bool {
	return j.SynthesizedResult != nil || j.SynthesisError != nil
}

// MaxExternalReports bounds the number of owner-supplied reports per job.
const MaxExternalReports = 10

// SubmitResearchRequest is the input to the dispatcher.
type SubmitResearchRequest struct {
	OwnerID         string           `json:"owner_id"`
	Prompt          string           `json:"prompt"`
	Providers       []ProviderID     `json:"providers"`
	ExternalReports []ExternalReport `json:"external_reports,omitempty"`
	IdempotencyKey  string           `json:"-"`
}

// Validate checks the request and normalises whitespace in place.
func (r *SubmitResearchRequest) Validate() error {
	r.OwnerID = strings.TrimSpace(r.OwnerID)
	r.Prompt = strings.TrimSpace(r.Prompt)
	if r.OwnerID == "" {
		return errors.New("owner id is required")
	}
	if r.Prompt == "" {
		return errors.New("prompt is required")
	}
	if len(r.Providers) == 0 {
		return errors.New("at least one provider is required")
	}
	seen := make(map[ProviderID]struct{}, len(r.Providers))
	for _, p := range r.Providers {
		if !p.Valid() {
			return fmt.Errorf("unknown provider %q", p)
		}
		if _, dup := seen[p]; dup {
			return fmt.Errorf("provider %q selected more than once", p)
		}
		seen[p] = struct{}{}
	}
	if len(r.ExternalReports) > MaxExternalReports {
		return fmt.Errorf("at most %d external reports are allowed", MaxExternalReports)
	}
	for i := range r.ExternalReports {
		if strings.TrimSpace(r.ExternalReports[i].Content) == "" {
			return fmt.Errorf("external report %d has no content", i)
		}
	}
	return nil
}

// ResearchListOptions selects a page of an owner's jobs, newest first.
type ResearchListOptions struct {
	OwnerID string
	Limit   int
	Offset  int
}

// ResearchSummary is the list view of a research job.
type ResearchSummary struct {
	ID                string         `json:"id"`
	Prompt            string         `json:"prompt"`
	Status            ResearchStatus `json:"status"`
	SelectedProviders []ProviderID   `json:"selected_providers"`
	CreatedAt         time.Time      `json:"created_at"`
	CompletedAt       *time.Time     `json:"completed_at,omitempty"`
}
