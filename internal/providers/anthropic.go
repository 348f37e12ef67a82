package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/target/research-fanout/internal/domain/model"
)

const (
	anthropicDefaultBaseURL = "https://api.anthropic.com/v1"
	anthropicDefaultModel   = "claude-sonnet-4-5-20250929"
	anthropicVersion        = "2023-06-01"
	anthropicWebSearchUses  = 5
)

// Anthropic calls the Messages API, with the server-side web search tool on research calls.
type Anthropic struct {
	cfg    Config
	client *http.Client
}

var _ Adapter = (*Anthropic)(nil)

// NewAnthropic builds the adapter. A nil client uses one with cfg's timeout.
func NewAnthropic(cfg Config, client *http.Client) (*Anthropic, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("anthropic api key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = anthropicDefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = anthropicDefaultModel
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.timeout()}
	}
	return &Anthropic{cfg: cfg, client: client}, nil
}

func (a *Anthropic) ID() model.ProviderID { return model.ProviderAnthropic }

func (a *Anthropic) Model() string { return a.cfg.Model }

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicTool struct {
	Type    string `json:"type"`
	Name    string `json:"name"`
	MaxUses int    `json:"max_uses,omitempty"`
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
	Tools     []anthropicTool    `json:"tools,omitempty"`
}

type anthropicCitation struct {
	Type  string `json:"type"`
	URL   string `json:"url"`
	Title string `json:"title"`
}

type anthropicBlock struct {
	Type      string              `json:"type"`
	Text      string              `json:"text"`
	Citations []anthropicCitation `json:"citations"`
	// Content is the search result list on web_search_tool_result blocks, or an error
	// object when the search failed.
	Content json.RawMessage `json:"content"`
}

type anthropicResponse struct {
	Model      string           `json:"model"`
	StopReason string           `json:"stop_reason"`
	Content    []anthropicBlock `json:"content"`
	Usage      struct {
		InputTokens              int64 `json:"input_tokens"`
		OutputTokens             int64 `json:"output_tokens"`
		CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
		CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
		ServerToolUse            struct {
			WebSearchRequests int `json:"web_search_requests"`
		} `json:"server_tool_use"`
	} `json:"usage"`
}

// Call sends one Messages request.
func (a *Anthropic) Call(ctx context.Context, req Request) (*Response, error) {
	body := anthropicRequest{
		Model:     a.cfg.Model,
		MaxTokens: a.cfg.maxTokens(req),
		System:    req.SystemPrompt,
		Messages:  []anthropicMessage{{Role: "user", Content: req.Prompt}},
	}
	if req.Searching() {
		body.Tools = []anthropicTool{{Type: "web_search_20250305", Name: "web_search", MaxUses: anthropicWebSearchUses}}
	}

	headers := http.Header{}
	headers.Set("x-api-key", a.cfg.APIKey)
	headers.Set("anthropic-version", anthropicVersion)

	raw, err := postJSON(ctx, a.client, model.ProviderAnthropic, strings.TrimRight(a.cfg.BaseURL, "/")+"/messages", headers, body)
	if err != nil {
		return nil, err
	}

	var parsed anthropicResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, Classify(model.ProviderAnthropic, fmt.Errorf("decode response: %w", err))
	}

	var (
		text    strings.Builder
		sources sourceSet
	)
	for _, block := range parsed.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
			for _, c := range block.Citations {
				sources.add(c.URL, c.Title)
			}
		case "web_search_tool_result":
			var results []anthropicCitation
			if json.Unmarshal(block.Content, &results) == nil {
				for _, r := range results {
					sources.add(r.URL, r.Title)
				}
			}
		}
	}
	content := strings.TrimSpace(text.String())
	if content == "" {
		return nil, &Error{Provider: model.ProviderAnthropic, Kind: model.ErrorKindProvider,
			Message: "empty response (stop_reason " + parsed.StopReason + ")"}
	}

	u := parsed.Usage
	return &Response{
		Model:   firstNonEmpty(parsed.Model, a.cfg.Model),
		Content: content,
		Sources: sources.sources(),
		Usage: model.TokenUsage{
			InputTokens:       u.InputTokens,
			OutputTokens:      u.OutputTokens,
			CachedInputTokens: u.CacheReadInputTokens,
			CacheWriteTokens:  u.CacheCreationInputTokens,
		},
		Searched: u.ServerToolUse.WebSearchRequests > 0,
	}, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
