package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/research-fanout/internal/domain/model"
)

const anthropicReply = `{
  "model": "claude-sonnet-4-5-20250929",
  "stop_reason": "end_turn",
  "content": [
    {"type": "server_tool_use", "name": "web_search"},
    {"type": "web_search_tool_result", "content": [
      {"type": "web_search_result", "url": "https://www.example.com/a", "title": "Example A"},
      {"type": "web_search_result", "url": "https://docs.example.org/b", "title": "Docs B"}
    ]},
    {"type": "text", "text": "Finding one.", "citations": [
      {"type": "web_search_result_location", "url": "https://www.example.com/a", "title": "Example A"}
    ]},
    {"type": "text", "text": " Finding two."}
  ],
  "usage": {
    "input_tokens": 1200,
    "output_tokens": 300,
    "cache_read_input_tokens": 50,
    "cache_creation_input_tokens": 20,
    "server_tool_use": {"web_search_requests": 2}
  }
}`

func TestAnthropic_Call(t *testing.T) {
	var captured anthropicRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/messages", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
		assert.Equal(t, anthropicVersion, r.Header.Get("anthropic-version"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(anthropicReply))
	}))
	defer srv.Close()

	a, err := NewAnthropic(Config{APIKey: "test-key", BaseURL: srv.URL, MaxOutputTokens: 1024}, srv.Client())
	require.NoError(t, err)
	assert.Equal(t, model.ProviderAnthropic, a.ID())
	assert.Equal(t, anthropicDefaultModel, a.Model())

	resp, err := a.Call(context.Background(), Request{
		CallType: model.CallTypeResearch, Prompt: "what changed?", SystemPrompt: "be precise",
	})
	require.NoError(t, err)

	assert.Equal(t, 1024, captured.MaxTokens)
	assert.Equal(t, "be precise", captured.System)
	require.Len(t, captured.Tools, 1)
	assert.Equal(t, "web_search_20250305", captured.Tools[0].Type)

	assert.Equal(t, "Finding one. Finding two.", resp.Content)
	assert.Equal(t, []model.Source{
		{URL: "https://www.example.com/a", Title: "Example A", Domain: "example.com"},
		{URL: "https://docs.example.org/b", Title: "Docs B", Domain: "docs.example.org"},
	}, resp.Sources)
	assert.Equal(t, model.TokenUsage{
		InputTokens: 1200, OutputTokens: 300, CachedInputTokens: 50, CacheWriteTokens: 20,
	}, resp.Usage)
	assert.True(t, resp.Searched)
	assert.Nil(t, resp.ReportedCostUSD)
}

func TestAnthropic_SynthesisOmitsSearchTool(t *testing.T) {
	var captured anthropicRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		_, _ = w.Write([]byte(`{"content":[{"type":"text","text":"merged"}],"usage":{"input_tokens":10,"output_tokens":5}}`))
	}))
	defer srv.Close()

	a, err := NewAnthropic(Config{APIKey: "k", BaseURL: srv.URL, Model: "claude-opus-4-5-20251101"}, nil)
	require.NoError(t, err)

	resp, err := a.Call(context.Background(), Request{CallType: model.CallTypeSynthesis, Prompt: "merge"})
	require.NoError(t, err)
	assert.Empty(t, captured.Tools)
	assert.Equal(t, defaultMaxOutputTokens, captured.MaxTokens)
	assert.Equal(t, "claude-opus-4-5-20251101", resp.Model)
	assert.False(t, resp.Searched)
	assert.Empty(t, resp.Sources)
}

func TestAnthropic_Errors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   model.ErrorKind
	}{
		{"overloaded", 529, `{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`, model.ErrorKindOverloaded},
		{"bad key", http.StatusUnauthorized, `{"type":"error","error":{"type":"authentication_error","message":"invalid x-api-key"}}`, model.ErrorKindInvalidKey},
		{"prompt too long", http.StatusBadRequest, `{"type":"error","error":{"type":"invalid_request_error","message":"prompt is too long: 210000 tokens"}}`, model.ErrorKindContextTooLong},
		{"empty content", http.StatusOK, `{"stop_reason":"max_tokens","content":[]}`, model.ErrorKindProvider},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			a, err := NewAnthropic(Config{APIKey: "k", BaseURL: srv.URL}, srv.Client())
			require.NoError(t, err)

			_, err = a.Call(context.Background(), Request{CallType: model.CallTypeResearch, Prompt: "q"})
			require.Error(t, err)
			assert.Equal(t, tt.want, KindOf(err))
		})
	}
}

func TestNewAnthropic_RequiresKey(t *testing.T) {
	_, err := NewAnthropic(Config{APIKey: "  "}, nil)
	assert.Error(t, err)
}
