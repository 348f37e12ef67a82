package config

import (
	"os"
	"strings"
)

// AppConfig is the root configuration, composed from the groups in this package.
//
// Values are loaded from environment variables with github.com/caarlos0/env:
//   - database.go: Postgres and Redis
//   - http.go: HTTP server
//   - services.go: service modes, worker, reconciler and submit limits
//   - providers.go: research provider credentials and models
//   - observability.go: metrics and owner notifications
type AppConfig struct {
	// IsDev enables text logs and debug level. Set DEV=true or NODE_ENV=development.
	IsDev bool `env:"DEV" envDefault:"false"`

	Postgres DBConfig    `envPrefix:"DB_"`
	Redis    RedisConfig `envPrefix:"REDIS_"`

	HTTP HTTPConfig

	// Services is a comma-separated list of the service modes this process runs.
	Services string `env:"SERVICES" envDefault:"http,research-worker,reconciler"`

	Worker     WorkerConfig
	Reconciler ReconcilerConfig
	Submit     SubmitConfig

	Providers ProvidersConfig

	Observability ObservabilityConfig
}

// Sanitize applies guardrails to configuration values loaded from env.
func (c *AppConfig) Sanitize() {
	c.HTTP.Sanitize()
	c.Worker.Sanitize()
	c.Reconciler.Sanitize()
	c.Submit.Sanitize()
	c.Providers.Sanitize()
	c.Observability.Sanitize()

	c.detectDevMode()
}

// detectDevMode falls back to NODE_ENV when DEV is unset.
func (c *AppConfig) detectDevMode() {
	if !c.IsDev {
		nodeEnv := strings.ToLower(os.Getenv("NODE_ENV"))
		c.IsDev = nodeEnv == "development" || nodeEnv == "dev"
	}
}

// GetEnabledServices returns the enabled services based on the Services field.
func (c *AppConfig) GetEnabledServices() (map[ServiceMode]bool, error) {
	return ParseServices(c.Services)
}

func (c *AppConfig) serviceEnabled(mode ServiceMode) bool {
	services, err := c.GetEnabledServices()
	if err != nil {
		return false
	}
	return services[mode]
}

// IsHTTPServerEnabled returns true if the HTTP API is enabled.
func (c *AppConfig) IsHTTPServerEnabled() bool { return c.serviceEnabled(ServiceModeHTTP) }

// IsResearchWorkerEnabled returns true if this process consumes provider and synthesis work.
func (c *AppConfig) IsResearchWorkerEnabled() bool {
	return c.serviceEnabled(ServiceModeResearchWorker)
}

// IsReconcilerEnabled returns true if the stuck-job sweep runs in this process.
func (c *AppConfig) IsReconcilerEnabled() bool { return c.serviceEnabled(ServiceModeReconciler) }
