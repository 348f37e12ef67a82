// Package providers adapts each research backend behind one call shape and classifies
// their failures into a fixed taxonomy.
package providers

import (
	"context"
	"time"

	"github.com/target/research-fanout/internal/domain/model"
)

// Adapter performs one model call against a provider.
type Adapter interface {
	ID() model.ProviderID
	Model() string
	Call(ctx context.Context, req Request) (*Response, error)
}

// Request is a single prompt. Research calls enable the provider's web search tool;
// synthesis calls do not.
type Request struct {
	JobID           string
	Attempt         int
	CallType        model.CallType
	Prompt          string
	SystemPrompt    string
	MaxOutputTokens int
}

// Searching reports whether the call should use web search.
func (r Request) Searching() bool {
	return r.CallType != model.CallTypeSynthesis
}

// Response is a normalized provider answer.
type Response struct {
	Model   string
	Content string
	Sources []model.Source
	// Usage counts are disjoint: InputTokens excludes cached reads, OutputTokens excludes
	// reasoning tokens.
	Usage model.TokenUsage
	// Searched is true when the provider used a billed search tool.
	Searched bool
	// ReportedCostUSD is set when the provider returns its own cost figure.
	ReportedCostUSD *float64

	// Filled in by Audited.
	CostUSD    float64
	CostSource model.CostSource
	Duration   time.Duration
}

// Config is shared by the HTTP-backed adapters.
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
	// MaxOutputTokens applies when a request leaves it unset.
	MaxOutputTokens int
}

const (
	defaultTimeout         = 10 * time.Minute
	defaultMaxOutputTokens = 8192
)

func (c Config) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return defaultTimeout
}

func (c Config) maxTokens(req Request) int {
	if req.MaxOutputTokens > 0 {
		return req.MaxOutputTokens
	}
	if c.MaxOutputTokens > 0 {
		return c.MaxOutputTokens
	}
	return defaultMaxOutputTokens
}
