package providers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/target/research-fanout/internal/domain/model"
)

const (
	openAIDefaultBaseURL = "https://api.openai.com/v1"
	openAIDefaultModel   = "o4-mini-deep-research"
)

// OpenAI calls the Responses API. Deep research models run their own web searches;
// url_citation annotations become sources.
type OpenAI struct {
	cfg    Config
	client *http.Client
}

var _ Adapter = (*OpenAI)(nil)

// bearerClient wraps base so every request carries the API key as a bearer token.
func bearerClient(apiKey string, base *http.Client, timeout time.Duration) *http.Client {
	if base == nil {
		base = &http.Client{}
	}
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
	c := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: apiKey}))
	c.Timeout = timeout
	return c
}

// NewOpenAI builds the adapter. base may be nil.
func NewOpenAI(cfg Config, base *http.Client) (*OpenAI, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("openai api key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = openAIDefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = openAIDefaultModel
	}
	return &OpenAI{cfg: cfg, client: bearerClient(cfg.APIKey, base, cfg.timeout())}, nil
}

func (o *OpenAI) ID() model.ProviderID { return model.ProviderOpenAI }

func (o *OpenAI) Model() string { return o.cfg.Model }

type openAITool struct {
	Type string `json:"type"`
}

type openAIRequest struct {
	Model           string       `json:"model"`
	Input           string       `json:"input"`
	Instructions    string       `json:"instructions,omitempty"`
	MaxOutputTokens int          `json:"max_output_tokens,omitempty"`
	Tools           []openAITool `json:"tools,omitempty"`
}

// deepResearch reports whether the configured model requires a search tool on every call.
func (o *OpenAI) deepResearch() bool {
	return strings.Contains(o.cfg.Model, "deep-research")
}

// Call sends one Responses request.
func (o *OpenAI) Call(ctx context.Context, req Request) (*Response, error) {
	body := openAIRequest{
		Model:           o.cfg.Model,
		Input:           req.Prompt,
		Instructions:    req.SystemPrompt,
		MaxOutputTokens: o.cfg.maxTokens(req),
	}
	if req.Searching() || o.deepResearch() {
		body.Tools = []openAITool{{Type: "web_search_preview"}}
	}

	raw, err := postJSON(ctx, o.client, model.ProviderOpenAI, strings.TrimRight(o.cfg.BaseURL, "/")+"/responses", nil, body)
	if err != nil {
		return nil, err
	}
	doc, err := parseDocument(raw)
	if err != nil {
		return nil, Classify(model.ProviderOpenAI, err)
	}

	if msg := doc.string("error.message"); msg != "" {
		return nil, &Error{Provider: model.ProviderOpenAI, Kind: kindFromMessage(msg), Message: truncate(msg, maxMessageLen)}
	}

	content := strings.TrimSpace(strings.Join(
		doc.strings("output[?type=='message'].content[] | [?type=='output_text'].text"), "\n\n"))
	if content == "" {
		reason := firstNonEmpty(doc.string("incomplete_details.reason"), doc.string("status"))
		return nil, &Error{Provider: model.ProviderOpenAI, Kind: model.ErrorKindProvider, Message: "empty response (" + reason + ")"}
	}

	var sources sourceSet
	for _, l := range doc.links("output[?type=='message'].content[].annotations[] | [?type=='url_citation'].{url: url, title: title}") {
		sources.add(l[0], l[1])
	}

	input := doc.int64("usage.input_tokens")
	cached := doc.int64("usage.input_tokens_details.cached_tokens")
	output := doc.int64("usage.output_tokens")
	reasoning := doc.int64("usage.output_tokens_details.reasoning_tokens")

	return &Response{
		Model:   firstNonEmpty(doc.string("model"), o.cfg.Model),
		Content: content,
		Sources: sources.sources(),
		Usage: model.TokenUsage{
			InputTokens:       max(input-cached, 0),
			CachedInputTokens: cached,
			OutputTokens:      max(output-reasoning, 0),
			ReasoningTokens:   reasoning,
		},
		Searched: doc.int64("length(output[?type=='web_search_call'])") > 0,
	}, nil
}
