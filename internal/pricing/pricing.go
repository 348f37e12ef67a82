// Package pricing turns normalized token usage into a dollar cost.
package pricing

import (
	"math"
	"strings"

	"github.com/target/research-fanout/internal/domain/model"
)

// ModelPrice holds per-million-token rates for one model plus a flat per-call fee charged
// when the call used the provider's search or grounding tool.
type ModelPrice struct {
	InputPerMTok        float64
	OutputPerMTok       float64
	CachedInputPerMTok  float64
	CacheWritePerMTok   float64
	PerCallSurchargeUSD float64
}

// Table maps model names to prices.
type Table map[string]ModelPrice

// DefaultTable returns list prices for every model in the catalogue.
func DefaultTable() Table {
	return Table{
		// Google, grounding with Google Search billed per prompt.
		"gemini-2.5-pro":   {InputPerMTok: 1.25, OutputPerMTok: 10, CachedInputPerMTok: 0.31, PerCallSurchargeUSD: 0.035},
		"gemini-2.5-flash": {InputPerMTok: 0.30, OutputPerMTok: 2.50, CachedInputPerMTok: 0.075, PerCallSurchargeUSD: 0.035},
		"gemini-2.0-flash": {InputPerMTok: 0.10, OutputPerMTok: 0.40, CachedInputPerMTok: 0.025, PerCallSurchargeUSD: 0.035},

		// OpenAI, web_search_preview billed per call.
		"o4-mini-deep-research": {InputPerMTok: 2, OutputPerMTok: 8, CachedInputPerMTok: 0.50, PerCallSurchargeUSD: 0.01},
		"o1-deep-research":      {InputPerMTok: 10, OutputPerMTok: 40, CachedInputPerMTok: 2.50, PerCallSurchargeUSD: 0.01},
		"gpt-4o":                {InputPerMTok: 2.50, OutputPerMTok: 10, CachedInputPerMTok: 1.25, PerCallSurchargeUSD: 0.025},
		"gpt-4o-mini":           {InputPerMTok: 0.15, OutputPerMTok: 0.60, CachedInputPerMTok: 0.075, PerCallSurchargeUSD: 0.025},
		"o4-mini":               {InputPerMTok: 1.10, OutputPerMTok: 4.40, CachedInputPerMTok: 0.275, PerCallSurchargeUSD: 0.01},

		// Anthropic, web search tool billed per use.
		"claude-sonnet-4-5-20250929": {InputPerMTok: 3, OutputPerMTok: 15, CachedInputPerMTok: 0.30, CacheWritePerMTok: 3.75, PerCallSurchargeUSD: 0.01},
		"claude-sonnet-4-20250514":   {InputPerMTok: 3, OutputPerMTok: 15, CachedInputPerMTok: 0.30, CacheWritePerMTok: 3.75, PerCallSurchargeUSD: 0.01},
		"claude-opus-4-5-20251101":   {InputPerMTok: 5, OutputPerMTok: 25, CachedInputPerMTok: 0.50, CacheWritePerMTok: 6.25, PerCallSurchargeUSD: 0.01},

		// Perplexity request fee at medium search context.
		"sonar-pro": {InputPerMTok: 3, OutputPerMTok: 15, PerCallSurchargeUSD: 0.010},
	}
}

// Lookup finds the price for a model. Dated snapshot names fall back to their base name,
// so "gpt-4o-2024-08-06" prices as "gpt-4o".
func (t Table) Lookup(modelName string) (ModelPrice, bool) {
	name := strings.ToLower(strings.TrimSpace(modelName))
	if p, ok := t[name]; ok {
		return p, true
	}
	best := ""
	for k := range t {
		if strings.HasPrefix(name, k+"-") && len(k) > len(best) {
			best = k
		}
	}
	if best == "" {
		return ModelPrice{}, false
	}
	return t[best], true
}

// CostInput is everything needed to price one call.
type CostInput struct {
	Model string
	Usage model.TokenUsage
	// Searched reports whether the call used a billed search tool.
	Searched bool
	// ReportedUSD is the provider's own figure, when it sends one.
	ReportedUSD *float64
}

// Cost prices one call. A provider-reported cost is returned unchanged. Otherwise the
// cost is computed from the table and rounded to 6 decimals; unknown models cost 0.
func (t Table) Cost(in CostInput) (float64, model.CostSource) {
	if in.ReportedUSD != nil {
		return *in.ReportedUSD, model.CostSourceReported
	}
	p, ok := t.Lookup(in.Model)
	if !ok {
		return 0, model.CostSourceComputed
	}
	u := in.Usage
	cost := perMTok(u.InputTokens, p.InputPerMTok) +
		perMTok(u.OutputTokens+u.ReasoningTokens, p.OutputPerMTok) +
		perMTok(u.CachedInputTokens, p.CachedInputPerMTok) +
		perMTok(u.CacheWriteTokens, p.CacheWritePerMTok)
	if in.Searched {
		cost += p.PerCallSurchargeUSD
	}
	return Round6(cost), model.CostSourceComputed
}

func perMTok(tokens int64, rate float64) float64 {
	return float64(tokens) * rate / 1_000_000
}

// Round6 rounds to micro-dollars.
func Round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
