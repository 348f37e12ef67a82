package config

import (
	"testing"
	"time"

	env "github.com/caarlos0/env/v11"

	"github.com/target/research-fanout/internal/domain/model"
)

func TestParseServices(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		expected    map[ServiceMode]bool
		expectError bool
	}{
		{
			name:     "single service - http",
			input:    "http",
			expected: map[ServiceMode]bool{ServiceModeHTTP: true},
		},
		{
			name:  "all services with spaces",
			input: " http , research-worker , reconciler ",
			expected: map[ServiceMode]bool{
				ServiceModeHTTP:           true,
				ServiceModeResearchWorker: true,
				ServiceModeReconciler:     true,
			},
		},
		{
			name:  "duplicate services",
			input: "reconciler,reconciler,http",
			expected: map[ServiceMode]bool{
				ServiceModeHTTP:       true,
				ServiceModeReconciler: true,
			},
		},
		{
			name:        "empty string",
			input:       "",
			expectError: true,
		},
		{
			name:        "only spaces and commas",
			input:       " , , ",
			expectError: true,
		},
		{
			name:        "mixed valid and invalid",
			input:       "http,scheduler",
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := ParseServices(tt.input)

			if tt.expectError {
				if err == nil {
					t.Errorf("expected error but got none")
				}
				return
			}

			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}

			if len(result) != len(tt.expected) {
				t.Errorf("expected %d services, got %d", len(tt.expected), len(result))
				return
			}

			for service, expected := range tt.expected {
				if result[service] != expected {
					t.Errorf("expected service %s to be %v, got %v", service, expected, result[service])
				}
			}
		})
	}
}

func TestConfig_ServiceEnabledMethods(t *testing.T) {
	tests := []struct {
		name           string
		services       string
		wantHTTP       bool
		wantWorker     bool
		wantReconciler bool
	}{
		{"http only", "http", true, false, false},
		{"worker only", "research-worker", false, true, false},
		{"worker and reconciler", "research-worker,reconciler", false, true, true},
		{"invalid disables everything", "http,bogus", false, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := AppConfig{Services: tt.services}
			if got := cfg.IsHTTPServerEnabled(); got != tt.wantHTTP {
				t.Errorf("IsHTTPServerEnabled(): expected %v, got %v", tt.wantHTTP, got)
			}
			if got := cfg.IsResearchWorkerEnabled(); got != tt.wantWorker {
				t.Errorf("IsResearchWorkerEnabled(): expected %v, got %v", tt.wantWorker, got)
			}
			if got := cfg.IsReconcilerEnabled(); got != tt.wantReconciler {
				t.Errorf("IsReconcilerEnabled(): expected %v, got %v", tt.wantReconciler, got)
			}
		})
	}
}

func TestAppConfig_ParseProvidersEnv(t *testing.T) {
	t.Setenv("GOOGLE_API_KEY", " g-key ")
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("OPENAI_MODEL", "o1-deep-research")
	t.Setenv("OPENAI_BASE_URL", "https://proxy.example.com/v1/")
	t.Setenv("ANTHROPIC_TIMEOUT", "90s")
	t.Setenv("SYNTHESIS_PROVIDER", "Google")

	var cfg AppConfig
	if err := env.Parse(&cfg); err != nil {
		t.Fatalf("parse config: %v", err)
	}
	cfg.Sanitize()

	p := cfg.Providers
	if !p.Google.Enabled() || p.Google.APIKey != "g-key" {
		t.Fatalf("expected trimmed google key, got %q", p.Google.APIKey)
	}
	if p.OpenAI.Model != "o1-deep-research" {
		t.Fatalf("unexpected openai model %q", p.OpenAI.Model)
	}
	if p.OpenAI.BaseURL != "https://proxy.example.com/v1" {
		t.Fatalf("expected trailing slash trimmed, got %q", p.OpenAI.BaseURL)
	}
	if p.Anthropic.Enabled() {
		t.Fatal("anthropic has no key and should be disabled")
	}
	if p.Anthropic.Timeout != 90*time.Second {
		t.Fatalf("unexpected anthropic timeout %v", p.Anthropic.Timeout)
	}
	if p.Perplexity.Timeout != 10*time.Minute {
		t.Fatalf("expected default timeout, got %v", p.Perplexity.Timeout)
	}
	if p.SynthesisProvider != model.ProviderGoogle {
		t.Fatalf("unexpected synthesis provider %q", p.SynthesisProvider)
	}

	got, ok := p.ByID(model.ProviderOpenAI)
	if !ok || got.APIKey != "sk-test" {
		t.Fatalf("ByID(openai) = %+v, %v", got, ok)
	}
}

func TestAppConfig_InvalidSynthesisProvider(t *testing.T) {
	t.Setenv("SYNTHESIS_PROVIDER", "mistral")

	var cfg AppConfig
	if err := env.Parse(&cfg); err == nil {
		t.Fatal("expected unknown synthesis provider to be rejected")
	}
}

func TestAppConfig_Defaults(t *testing.T) {
	var cfg AppConfig
	if err := env.Parse(&cfg); err != nil {
		t.Fatalf("parse config: %v", err)
	}
	cfg.Sanitize()

	if !cfg.IsHTTPServerEnabled() || !cfg.IsResearchWorkerEnabled() || !cfg.IsReconcilerEnabled() {
		t.Fatalf("expected every service enabled by default, got %q", cfg.Services)
	}
	if cfg.Providers.SynthesisProvider != model.ProviderAnthropic {
		t.Fatalf("expected anthropic synthesis by default, got %q", cfg.Providers.SynthesisProvider)
	}
	if cfg.Postgres.Name != "research" {
		t.Fatalf("unexpected default db name %q", cfg.Postgres.Name)
	}
	if cfg.Reconciler.ProcessingTimeout <= cfg.Providers.Anthropic.Timeout {
		t.Fatalf("processing timeout %v should exceed provider timeout %v",
			cfg.Reconciler.ProcessingTimeout, cfg.Providers.Anthropic.Timeout)
	}
}

func TestReconcilerConfig_Sanitize(t *testing.T) {
	cfg := ReconcilerConfig{BatchSize: 5000}
	cfg.Sanitize()

	if cfg.Interval != 10*time.Second {
		t.Fatalf("expected interval floor, got %v", cfg.Interval)
	}
	if cfg.BatchSize != 1000 {
		t.Fatalf("expected batch size ceiling, got %d", cfg.BatchSize)
	}
	if cfg.FailedWorkMaxAge != time.Hour {
		t.Fatalf("expected retention floor, got %v", cfg.FailedWorkMaxAge)
	}
}

func TestWorkerConfig_Sanitize(t *testing.T) {
	cfg := WorkerConfig{Concurrency: -3, Lease: time.Second, MaxItemAttempts: -1}
	cfg.Sanitize()

	if cfg.Concurrency != 1 || cfg.SynthesisConcurrency != 1 {
		t.Fatalf("expected concurrency floors, got %d/%d", cfg.Concurrency, cfg.SynthesisConcurrency)
	}
	if cfg.Lease != 5*time.Second {
		t.Fatalf("expected lease floor, got %v", cfg.Lease)
	}
	if cfg.MaxItemAttempts != 0 {
		t.Fatalf("expected attempts clamped to 0, got %d", cfg.MaxItemAttempts)
	}
}

func TestObservabilityMetricsConfig_Sanitize(t *testing.T) {
	cfg := ObservabilityMetricsConfig{Enabled: true, StatsdAddress: " "}
	cfg.Sanitize()
	if cfg.Enabled {
		t.Fatalf("expected enabled to be false when address is empty")
	}

	cfg = ObservabilityMetricsConfig{Enabled: true, StatsdAddress: " statsd:1234 ", Prefix: ".researchd."}
	cfg.Sanitize()
	if !cfg.IsEnabled() {
		t.Fatalf("expected metrics to remain enabled")
	}
	if cfg.StatsdAddress != "statsd:1234" {
		t.Fatalf("expected address to be trimmed, got %q", cfg.StatsdAddress)
	}
	if cfg.Prefix != "researchd" {
		t.Fatalf("expected prefix dots trimmed, got %q", cfg.Prefix)
	}
}

func TestObservabilityNotificationsConfig_Sanitize(t *testing.T) {
	cfg := ObservabilityNotificationsConfig{
		Enabled:    true,
		RetryLimit: -1,
		Slack:      SlackNotificationConfig{Enabled: true, WebhookURL: " "},
	}
	cfg.Sanitize()

	if cfg.Timeout <= 0 {
		t.Fatalf("expected timeout to fall back to default, got %v", cfg.Timeout)
	}
	if cfg.RetryLimit != 0 {
		t.Fatalf("expected retry limit to be clamped to 0, got %d", cfg.RetryLimit)
	}
	if cfg.Slack.Enabled {
		t.Fatal("expected slack to be disabled without a webhook url")
	}
	if cfg.Slack.Username != "researchd" {
		t.Fatalf("expected default username, got %q", cfg.Slack.Username)
	}

	// Disabled top-level disables child sinks.
	cfg = ObservabilityNotificationsConfig{
		Slack: SlackNotificationConfig{Enabled: true, WebhookURL: "https://hooks.slack.com/services/test"},
	}
	cfg.Sanitize()
	if cfg.Slack.Enabled {
		t.Fatal("expected slack to be disabled when top-level notifications disabled")
	}
}
