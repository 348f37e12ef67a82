package config

import (
	"strings"
	"time"

	"github.com/target/research-fanout/internal/domain/model"
)

// ProviderConfig holds the credentials and model for one research provider.
// A provider with an empty APIKey is not registered.
type ProviderConfig struct {
	APIKey  string        `env:"API_KEY"`
	BaseURL string        `env:"BASE_URL"`
	Model   string        `env:"MODEL"`
	Timeout time.Duration `env:"TIMEOUT"  envDefault:"10m"`
}

// Enabled reports whether the provider has credentials.
func (c ProviderConfig) Enabled() bool {
	return c.APIKey != ""
}

func (c *ProviderConfig) sanitize() {
	c.APIKey = strings.TrimSpace(c.APIKey)
	c.BaseURL = strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	c.Model = strings.TrimSpace(c.Model)
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Minute
	}
}

// ProvidersConfig configures every research provider and the synthesizer.
type ProvidersConfig struct {
	Google     ProviderConfig `envPrefix:"GOOGLE_"`
	OpenAI     ProviderConfig `envPrefix:"OPENAI_"`
	Anthropic  ProviderConfig `envPrefix:"ANTHROPIC_"`
	Perplexity ProviderConfig `envPrefix:"PERPLEXITY_"`

	// SynthesisProvider merges completed results. It must be one of the enabled providers.
	SynthesisProvider model.ProviderID `env:"SYNTHESIS_PROVIDER" envDefault:"anthropic"`

	// MaxOutputTokens is the default completion budget per call.
	MaxOutputTokens int `env:"PROVIDER_MAX_OUTPUT_TOKENS" envDefault:"8192"`

	// SynthesisMaxCharsPerResult caps each provider's contribution to the synthesis prompt.
	SynthesisMaxCharsPerResult int `env:"SYNTHESIS_MAX_CHARS_PER_RESULT" envDefault:"60000"`
}

// Sanitize normalises provider configuration values.
func (c *ProvidersConfig) Sanitize() {
	c.Google.sanitize()
	c.OpenAI.sanitize()
	c.Anthropic.sanitize()
	c.Perplexity.sanitize()
	if !c.SynthesisProvider.Valid() {
		c.SynthesisProvider = model.ProviderAnthropic
	}
	if c.MaxOutputTokens < 256 {
		c.MaxOutputTokens = 256
	}
	if c.SynthesisMaxCharsPerResult < 1000 {
		c.SynthesisMaxCharsPerResult = 1000
	}
}

// ByID returns the configuration for a provider.
func (c *ProvidersConfig) ByID(id model.ProviderID) (ProviderConfig, bool) {
	switch id {
	case model.ProviderGoogle:
		return c.Google, true
	case model.ProviderOpenAI:
		return c.OpenAI, true
	case model.ProviderAnthropic:
		return c.Anthropic, true
	case model.ProviderPerplexity:
		return c.Perplexity, true
	}
	return ProviderConfig{}, false
}
