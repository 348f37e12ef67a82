package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/target/research-fanout/config"
	"github.com/target/research-fanout/internal/domain/model"
	"github.com/target/research-fanout/internal/observability/statsd"
	"github.com/target/research-fanout/internal/providers"
)

// ProviderRegistryConfig groups what BuildProviderRegistry needs.
type ProviderRegistryConfig struct {
	Providers config.ProvidersConfig
	Audit     providers.AuditAppender
	Metrics   statsd.Sink
	Logger    *slog.Logger
	// HTTPClient is the base transport for every adapter. Defaults to a pooled client.
	HTTPClient *http.Client
	Now        func() time.Time
}

// BuildProviderRegistry creates an audited adapter for every provider with an API key.
// Providers without credentials are skipped; selecting one later fails submit validation.
func BuildProviderRegistry(ctx context.Context, cfg ProviderRegistryConfig) (*providers.Registry, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	base := cfg.HTTPClient
	if base == nil {
		base = &http.Client{Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConnsPerHost: 16,
			IdleConnTimeout:     90 * time.Second,
		}}
	}

	adapters := make([]providers.Adapter, 0, len(model.KnownProviders()))
	var errs []error
	for _, id := range model.KnownProviders() {
		pc, _ := cfg.Providers.ByID(id)
		if !pc.Enabled() {
			logger.InfoContext(ctx, "provider disabled", "provider", id, "reason", "no api key")
			continue
		}
		adapter, err := newAdapter(ctx, id, providers.Config{
			APIKey:          pc.APIKey,
			BaseURL:         pc.BaseURL,
			Model:           pc.Model,
			Timeout:         pc.Timeout,
			MaxOutputTokens: cfg.Providers.MaxOutputTokens,
		}, base)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
			continue
		}
		adapters = append(adapters, providers.NewAudited(adapter, providers.AuditedOptions{
			Audit:   cfg.Audit,
			Metrics: cfg.Metrics,
			Logger:  logger,
			Now:     cfg.Now,
		}))
		logger.InfoContext(ctx, "provider enabled", "provider", id, "model", adapter.Model())
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("build provider adapters: %w", errors.Join(errs...))
	}
	return providers.NewRegistry(adapters...), nil
}

//nolint:ireturn // each provider has its own concrete adapter type.
func newAdapter(ctx context.Context, id model.ProviderID, cfg providers.Config, base *http.Client) (providers.Adapter, error) {
	switch id {
	case model.ProviderGoogle:
		return providers.NewGemini(ctx, cfg, base)
	case model.ProviderOpenAI:
		return providers.NewOpenAI(cfg, base)
	case model.ProviderAnthropic:
		hc := *base
		hc.Timeout = cfg.Timeout
		return providers.NewAnthropic(cfg, &hc)
	case model.ProviderPerplexity:
		return providers.NewPerplexity(cfg, base)
	}
	return nil, fmt.Errorf("%w: %s", providers.ErrNotConfigured, id)
}
