package providers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/target/research-fanout/internal/domain/model"
)

const (
	perplexityDefaultBaseURL = "https://api.perplexity.ai"
	perplexityDefaultModel   = "sonar-pro"
)

// Perplexity calls the chat completions endpoint. Sonar models always search, and the
// response carries its own cost breakdown, which is used verbatim when present.
type Perplexity struct {
	cfg    Config
	client *http.Client
}

var _ Adapter = (*Perplexity)(nil)

// NewPerplexity builds the adapter. base may be nil.
func NewPerplexity(cfg Config, base *http.Client) (*Perplexity, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("perplexity api key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = perplexityDefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = perplexityDefaultModel
	}
	return &Perplexity{cfg: cfg, client: bearerClient(cfg.APIKey, base, cfg.timeout())}, nil
}

func (p *Perplexity) ID() model.ProviderID { return model.ProviderPerplexity }

func (p *Perplexity) Model() string { return p.cfg.Model }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens,omitempty"`
}

// Call sends one chat completion.
func (p *Perplexity) Call(ctx context.Context, req Request) (*Response, error) {
	body := chatRequest{Model: p.cfg.Model, MaxTokens: p.cfg.maxTokens(req)}
	if req.SystemPrompt != "" {
		body.Messages = append(body.Messages, chatMessage{Role: "system", Content: req.SystemPrompt})
	}
	body.Messages = append(body.Messages, chatMessage{Role: "user", Content: req.Prompt})

	raw, err := postJSON(ctx, p.client, model.ProviderPerplexity,
		strings.TrimRight(p.cfg.BaseURL, "/")+"/chat/completions", nil, body)
	if err != nil {
		return nil, err
	}
	doc, err := parseDocument(raw)
	if err != nil {
		return nil, Classify(model.ProviderPerplexity, err)
	}

	content := strings.TrimSpace(doc.string("choices[0].message.content"))
	if content == "" {
		return nil, &Error{Provider: model.ProviderPerplexity, Kind: model.ErrorKindProvider,
			Message: "empty response (" + doc.string("choices[0].finish_reason") + ")"}
	}

	var sources sourceSet
	for _, l := range doc.links("search_results[].{url: url, title: title}") {
		sources.add(l[0], l[1])
	}
	for _, u := range doc.strings("citations") {
		sources.add(u, "")
	}

	resp := &Response{
		Model:   firstNonEmpty(doc.string("model"), p.cfg.Model),
		Content: content,
		Sources: sources.sources(),
		Usage: model.TokenUsage{
			InputTokens:     doc.int64("usage.prompt_tokens"),
			OutputTokens:    doc.int64("usage.completion_tokens"),
			ReasoningTokens: doc.int64("usage.reasoning_tokens"),
		},
		Searched: true,
	}
	if cost, ok := doc.float("usage.cost.total_cost"); ok {
		resp.ReportedCostUSD = &cost
	}
	return resp, nil
}
