package pricing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/research-fanout/internal/domain/model"
)

func TestTable_Cost(t *testing.T) {
	table := DefaultTable()
	reported := 0.0123456789

	tests := []struct {
		name       string
		in         CostInput
		wantCost   float64
		wantSource model.CostSource
	}{
		{
			name:       "reported cost is used verbatim",
			in:         CostInput{Model: "sonar-pro", Usage: model.TokenUsage{InputTokens: 1000}, Searched: true, ReportedUSD: &reported},
			wantCost:   0.0123456789,
			wantSource: model.CostSourceReported,
		},
		{
			name:       "input and output",
			in:         CostInput{Model: "claude-sonnet-4-5-20250929", Usage: model.TokenUsage{InputTokens: 1000, OutputTokens: 500}},
			wantCost:   0.0105,
			wantSource: model.CostSourceComputed,
		},
		{
			name: "cache and reasoning tokens",
			in: CostInput{Model: "claude-opus-4-5-20251101", Usage: model.TokenUsage{
				InputTokens: 2000, OutputTokens: 100, ReasoningTokens: 900, CachedInputTokens: 10000, CacheWriteTokens: 4000,
			}},
			// 2000*5 + 1000*25 + 10000*0.5 + 4000*6.25 = 65000 per million
			wantCost:   0.065,
			wantSource: model.CostSourceComputed,
		},
		{
			name:       "search surcharge",
			in:         CostInput{Model: "gemini-2.5-pro", Usage: model.TokenUsage{InputTokens: 100, OutputTokens: 100}, Searched: true},
			wantCost:   0.036125,
			wantSource: model.CostSourceComputed,
		},
		{
			name:       "rounded to six decimals",
			in:         CostInput{Model: "gpt-4o-mini", Usage: model.TokenUsage{InputTokens: 7}},
			wantCost:   0.000001,
			wantSource: model.CostSourceComputed,
		},
		{
			name:       "unknown model",
			in:         CostInput{Model: "mystery-1", Usage: model.TokenUsage{InputTokens: 1_000_000}},
			wantCost:   0,
			wantSource: model.CostSourceComputed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cost, source := table.Cost(tt.in)
			assert.InDelta(t, tt.wantCost, cost, 1e-12)
			assert.Equal(t, tt.wantSource, source)
		})
	}
}

func TestTable_CostIsDeterministic(t *testing.T) {
	table := DefaultTable()
	in := CostInput{Model: "o4-mini-deep-research", Usage: model.TokenUsage{
		InputTokens: 123457, OutputTokens: 98765, CachedInputTokens: 3333, ReasoningTokens: 4444,
	}, Searched: true}

	first, _ := table.Cost(in)
	for range 100 {
		again, _ := table.Cost(in)
		require.Equal(t, first, again)
	}
	assert.Equal(t, first, Round6(first))
}

func TestTable_LookupSnapshotFallback(t *testing.T) {
	table := DefaultTable()

	p, ok := table.Lookup("GPT-4o-2024-08-06")
	require.True(t, ok)
	assert.Equal(t, table["gpt-4o"], p)

	p, ok = table.Lookup("gpt-4o-mini-2024-07-18")
	require.True(t, ok)
	assert.Equal(t, table["gpt-4o-mini"], p, "longest prefix wins")

	_, ok = table.Lookup("gpt-5")
	assert.False(t, ok)
}
