package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/genai"

	"github.com/target/research-fanout/internal/domain/model"
)

const geminiDefaultModel = "gemini-2.5-pro"

// Gemini calls generateContent through the genai SDK, grounding research calls with
// Google Search. Grounding chunks become sources.
type Gemini struct {
	cfg    Config
	client *genai.Client
}

var _ Adapter = (*Gemini)(nil)

// NewGemini builds the adapter against the Gemini Developer API. base may be nil.
func NewGemini(ctx context.Context, cfg Config, base *http.Client) (*Gemini, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("gemini api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = geminiDefaultModel
	}
	if base == nil {
		base = &http.Client{}
	}
	hc := *base
	hc.Timeout = cfg.timeout()

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      cfg.APIKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPClient:  &hc,
		HTTPOptions: genai.HTTPOptions{BaseURL: cfg.BaseURL},
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &Gemini{cfg: cfg, client: client}, nil
}

func (g *Gemini) ID() model.ProviderID { return model.ProviderGoogle }

func (g *Gemini) Model() string { return g.cfg.Model }

// Call sends one generateContent request.
func (g *Gemini) Call(ctx context.Context, req Request) (*Response, error) {
	temperature := float32(0.2)
	gc := &genai.GenerateContentConfig{
		Temperature:     &temperature,
		MaxOutputTokens: int32(g.cfg.maxTokens(req)), //nolint:gosec // bounded by config
	}
	if req.SystemPrompt != "" {
		gc.SystemInstruction = genai.NewContentFromText(req.SystemPrompt, genai.RoleUser)
	}
	if req.Searching() {
		gc.Tools = []*genai.Tool{{GoogleSearch: &genai.GoogleSearch{}}}
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.cfg.Model,
		[]*genai.Content{genai.NewContentFromText(req.Prompt, genai.RoleUser)}, gc)
	if err != nil {
		return nil, classifyGenAI(err)
	}

	content := strings.TrimSpace(resp.Text())
	if content == "" {
		reason := ""
		if len(resp.Candidates) > 0 && resp.Candidates[0] != nil {
			reason = string(resp.Candidates[0].FinishReason)
		}
		if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
			reason = "blocked: " + string(resp.PromptFeedback.BlockReason)
		}
		return nil, &Error{Provider: model.ProviderGoogle, Kind: model.ErrorKindProvider, Message: "empty response (" + reason + ")"}
	}

	var (
		sources  sourceSet
		searched bool
	)
	for _, c := range resp.Candidates {
		if c == nil || c.GroundingMetadata == nil {
			continue
		}
		gm := c.GroundingMetadata
		if len(gm.WebSearchQueries) > 0 {
			searched = true
		}
		for _, chunk := range gm.GroundingChunks {
			if chunk == nil || chunk.Web == nil {
				continue
			}
			sources.add(chunk.Web.URI, firstNonEmpty(chunk.Web.Title, chunk.Web.Domain))
			searched = true
		}
	}

	var usage model.TokenUsage
	if um := resp.UsageMetadata; um != nil {
		cached := int64(um.CachedContentTokenCount)
		usage = model.TokenUsage{
			InputTokens:       max(int64(um.PromptTokenCount)-cached, 0),
			CachedInputTokens: cached,
			OutputTokens:      int64(um.CandidatesTokenCount),
			ReasoningTokens:   int64(um.ThoughtsTokenCount),
		}
	}

	return &Response{
		Model:    firstNonEmpty(resp.ModelVersion, g.cfg.Model),
		Content:  content,
		Sources:  sources.sources(),
		Usage:    usage,
		Searched: searched,
	}, nil
}

func classifyGenAI(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		msg := apiErr.Message
		if apiErr.Status != "" {
			msg = apiErr.Status + ": " + msg
		}
		e := NewStatusError(model.ProviderGoogle, apiErr.Code, msg)
		e.Err = err
		return e
	}
	return Classify(model.ProviderGoogle, err)
}
