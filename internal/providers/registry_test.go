package providers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/research-fanout/internal/domain/model"
)

func TestRegistry(t *testing.T) {
	openai, err := NewOpenAI(Config{APIKey: "k"}, nil)
	require.NoError(t, err)
	anthropic, err := NewAnthropic(Config{APIKey: "k"}, nil)
	require.NoError(t, err)

	r := NewRegistry(anthropic, nil, openai)

	assert.True(t, r.Registered(model.ProviderOpenAI))
	assert.False(t, r.Registered(model.ProviderGoogle))

	got, err := r.Adapter(model.ProviderAnthropic)
	require.NoError(t, err)
	assert.Same(t, anthropic, got)

	_, err = r.Adapter(model.ProviderPerplexity)
	assert.ErrorIs(t, err, ErrNotConfigured)

	assert.Len(t, r.IDs(), 2)
}
