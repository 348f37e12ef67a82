package providers_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/target/research-fanout/internal/domain/model"
	"github.com/target/research-fanout/internal/mocks"
	"github.com/target/research-fanout/internal/pricing"
	"github.com/target/research-fanout/internal/providers"
)

// steppingClock advances by step on every read.
func steppingClock(step time.Duration) func() time.Time {
	t := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		now := t
		t = t.Add(step)
		return now
	}
}

func newMockAdapter(ctrl *gomock.Controller, id model.ProviderID, modelName string) *mocks.MockAdapter {
	m := mocks.NewMockAdapter(ctrl)
	m.EXPECT().ID().Return(id).AnyTimes()
	m.EXPECT().Model().Return(modelName).AnyTimes()
	return m
}

func TestAudited_ComputedCost(t *testing.T) {
	ctrl := gomock.NewController(t)
	next := newMockAdapter(ctrl, model.ProviderAnthropic, "claude-sonnet-4-5-20250929")
	audit := mocks.NewMockAuditRepository(ctrl)

	req := providers.Request{JobID: "job-1", Attempt: 2, CallType: model.CallTypeResearch, Prompt: "abc", SystemPrompt: "de"}
	next.EXPECT().Call(gomock.Any(), req).Return(&providers.Response{
		Content:  "answer",
		Usage:    model.TokenUsage{InputTokens: 1000, OutputTokens: 500},
		Searched: true,
	}, nil)

	var got *model.AuditRecord
	audit.EXPECT().Append(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, rec *model.AuditRecord) error {
			got = rec
			return nil
		}).Times(1)

	a := providers.NewAudited(next, providers.AuditedOptions{Audit: audit, Now: steppingClock(1500 * time.Millisecond)})
	resp, err := a.Call(context.Background(), req)
	require.NoError(t, err)

	// 1000*3/1M + 500*15/1M + 0.01 search fee
	assert.InDelta(t, 0.0205, resp.CostUSD, 1e-12)
	assert.Equal(t, model.CostSourceComputed, resp.CostSource)
	assert.Equal(t, 1500*time.Millisecond, resp.Duration)

	require.NotNil(t, got)
	assert.Equal(t, "job-1", got.JobID)
	assert.Equal(t, model.ProviderAnthropic, got.Provider)
	assert.Equal(t, "claude-sonnet-4-5-20250929", got.Model)
	assert.Equal(t, 2, got.Attempt)
	assert.Equal(t, 5, got.PromptChars)
	assert.Equal(t, 6, got.ResponseChars)
	assert.Equal(t, int64(1500), got.DurationMS)
	assert.Equal(t, resp.CostUSD, got.CostUSD)
	assert.Equal(t, model.AuditStatusSuccess, got.Status)
	assert.Nil(t, got.ErrorKind)
}

func TestAudited_ReportedCostIsVerbatim(t *testing.T) {
	ctrl := gomock.NewController(t)
	next := newMockAdapter(ctrl, model.ProviderPerplexity, "sonar-pro")
	audit := mocks.NewMockAuditRepository(ctrl)

	reported := 0.0123456789
	next.EXPECT().Call(gomock.Any(), gomock.Any()).Return(&providers.Response{
		Model: "sonar-pro", Content: "x", Searched: true,
		Usage:           model.TokenUsage{InputTokens: 10, OutputTokens: 10},
		ReportedCostUSD: &reported,
	}, nil)
	audit.EXPECT().Append(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, rec *model.AuditRecord) error {
			assert.Equal(t, reported, rec.CostUSD)
			assert.Equal(t, model.CostSourceReported, rec.CostSource)
			return nil
		})

	a := providers.NewAudited(next, providers.AuditedOptions{Audit: audit})
	resp, err := a.Call(context.Background(), providers.Request{CallType: model.CallTypeResearch})
	require.NoError(t, err)
	assert.Equal(t, reported, resp.CostUSD)
	assert.Equal(t, model.CostSourceReported, resp.CostSource)
}

func TestAudited_FailureIsClassifiedAndAudited(t *testing.T) {
	ctrl := gomock.NewController(t)
	next := newMockAdapter(ctrl, model.ProviderOpenAI, "o4-mini-deep-research")
	audit := mocks.NewMockAuditRepository(ctrl)

	next.EXPECT().Call(gomock.Any(), gomock.Any()).Return(nil, errors.New("Rate limit reached for requests"))
	audit.EXPECT().Append(gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, rec *model.AuditRecord) error {
			assert.NoError(t, ctx.Err(), "audit write must survive caller cancellation")
			assert.Equal(t, model.AuditStatusError, rec.Status)
			require.NotNil(t, rec.ErrorKind)
			assert.Equal(t, model.ErrorKindRateLimited, *rec.ErrorKind)
			assert.Zero(t, rec.CostUSD)
			return errors.New("audit table unavailable")
		}).Times(1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	a := providers.NewAudited(next, providers.AuditedOptions{Audit: audit})
	_, err := a.Call(ctx, providers.Request{JobID: "job-2", CallType: model.CallTypeResearch})
	require.Error(t, err)

	var perr *providers.Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, model.ErrorKindRateLimited, perr.Kind)
	assert.Equal(t, model.ProviderOpenAI, perr.Provider)
}

func TestAudited_CustomPriceTable(t *testing.T) {
	ctrl := gomock.NewController(t)
	next := newMockAdapter(ctrl, model.ProviderGoogle, "gemini-2.5-pro")

	next.EXPECT().Call(gomock.Any(), gomock.Any()).Return(&providers.Response{
		Content: "x", Usage: model.TokenUsage{InputTokens: 333_333, OutputTokens: 1},
	}, nil).Times(2)

	prices := pricing.Table{"gemini-2.5-pro": {InputPerMTok: 1, OutputPerMTok: 1}}
	a := providers.NewAudited(next, providers.AuditedOptions{Prices: prices})

	first, err := a.Call(context.Background(), providers.Request{})
	require.NoError(t, err)
	second, err := a.Call(context.Background(), providers.Request{})
	require.NoError(t, err)

	assert.Equal(t, 0.333334, first.CostUSD)
	assert.Equal(t, first.CostUSD, second.CostUSD)
}
