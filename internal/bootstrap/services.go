package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/target/research-fanout/config"
	"github.com/target/research-fanout/internal/core"
	"github.com/target/research-fanout/internal/data"
	"github.com/target/research-fanout/internal/observability/notify/slack"
	"github.com/target/research-fanout/internal/observability/statsd"
	"github.com/target/research-fanout/internal/service"
	"github.com/target/research-fanout/internal/service/ownernotifier"
)

// ServiceContainer holds all application services.
type ServiceContainer struct {
	Research      *service.ResearchService
	Repos         *serviceRepositories
	Observability ObservabilityContainer
}

// ObservabilityContainer groups shared observability dependencies.
type ObservabilityContainer struct {
	MetricsSink    statsd.Sink
	MetricsConfig  config.ObservabilityMetricsConfig
	Notifier       *ownernotifier.Service
	NotifierConfig config.ObservabilityNotificationsConfig
}

// ServiceDeps groups dependencies for service initialization.
type ServiceDeps struct {
	Config      *config.AppConfig
	DB          *sql.DB
	RedisClient redis.UniversalClient
	Logger      *slog.Logger
	// Providers overrides the registry built from config.
	Providers core.ProviderRegistry
}

// serviceRepositories groups data adapters backing service ports.
type serviceRepositories struct {
	DB          *sql.DB
	Redis       redis.UniversalClient
	Research    *data.ResearchRepo
	Work        *data.WorkRepo
	Audit       *data.AuditRepo
	Idempotency core.IdempotencyStore
	Limiter     core.SubmitLimiter
}

// buildObservability configures metrics and notification adapters.
func buildObservability(logger *slog.Logger, cfg config.ObservabilityConfig) ObservabilityContainer {
	obsLogger := logger
	if obsLogger == nil {
		obsLogger = slog.Default()
	}

	var metricsSink statsd.Sink = statsd.Discard{}
	if cfg.Metrics.IsEnabled() {
		client, err := statsd.NewClient(statsd.Config{
			Enabled: true,
			Address: cfg.Metrics.StatsdAddress,
			Prefix:  cfg.Metrics.Prefix,
			Logger:  obsLogger,
		})
		if err != nil {
			obsLogger.Error("failed to initialise statsd client", "error", err)
		} else {
			metricsSink = client
		}
	}

	return ObservabilityContainer{
		MetricsSink:    metricsSink,
		MetricsConfig:  cfg.Metrics,
		Notifier:       buildOwnerNotifier(obsLogger, cfg.Notifications),
		NotifierConfig: cfg.Notifications,
	}
}

func buildOwnerNotifier(logger *slog.Logger, cfg config.ObservabilityNotificationsConfig) *ownernotifier.Service {
	notifierLogger := logger.With("component", "owner_notifier")
	if !cfg.Enabled {
		return ownernotifier.NewService(ownernotifier.Options{Logger: notifierLogger})
	}

	sinks := make([]ownernotifier.SinkRegistration, 0, 1)
	if cfg.Slack.Enabled {
		client, err := slack.NewClient(slack.Config{
			WebhookURL:   cfg.Slack.WebhookURL,
			Channel:      cfg.Slack.Channel,
			Username:     cfg.Slack.Username,
			Timeout:      cfg.Timeout,
			RetryLimit:   cfg.RetryLimit,
			JobURLPrefix: cfg.Slack.JobURLPrefix,
		})
		if err != nil {
			logger.Error("failed to initialise slack notifier", "error", err)
		} else {
			sinks = append(sinks, ownernotifier.SinkRegistration{Name: "slack", Sink: client})
		}
	}

	return ownernotifier.NewService(ownernotifier.Options{Logger: notifierLogger, Sinks: sinks})
}

// buildRepositories builds repositories backing service ports; no business rules here.
func buildRepositories(db *sql.DB, redisClient redis.UniversalClient, cfg *config.AppConfig, logger *slog.Logger) *serviceRepositories {
	repos := &serviceRepositories{
		DB:       db,
		Redis:    redisClient,
		Research: data.NewResearchRepo(db, data.ResearchRepoConfig{Logger: logger}),
		Work: data.NewWorkRepo(db, data.WorkRepoConfig{
			RetryDelaySeconds: int(cfg.Worker.RetryDelay.Seconds()),
			DefaultMaxRetries: cfg.Worker.MaxItemAttempts,
			Logger:            logger,
		}),
		Audit: data.NewAuditRepo(db, nil),
	}
	if redisClient != nil {
		repos.Idempotency = data.NewRedisIdempotencyStore(redisClient)
		repos.Limiter = data.NewRedisSubmitLimiter(redisClient, cfg.Submit.RateLimit, cfg.Submit.RateWindow)
	}
	return repos
}

// NewServices wires repositories, providers and the research service.
func NewServices(ctx context.Context, deps *ServiceDeps) (ServiceContainer, error) {
	if deps == nil {
		return ServiceContainer{}, errors.New("service deps are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	appCfg := deps.Config
	if appCfg == nil {
		appCfg = &config.AppConfig{}
	}

	observability := buildObservability(logger, appCfg.Observability)
	repos := buildRepositories(deps.DB, deps.RedisClient, appCfg, logger)

	registry := deps.Providers
	if registry == nil {
		built, err := BuildProviderRegistry(ctx, ProviderRegistryConfig{
			Providers: appCfg.Providers,
			Audit:     repos.Audit,
			Metrics:   observability.MetricsSink,
			Logger:    logger,
		})
		if err != nil {
			return ServiceContainer{}, err
		}
		registry = built
	}

	opts := service.ResearchServiceOptions{
		Repo:        repos.Research,
		Queue:       repos.Work,
		Providers:   registry,
		Audit:       repos.Audit,
		Idempotency: repos.Idempotency,
		Limiter:     repos.Limiter,
		Notifier:    observability.Notifier,
		Synthesis: service.SynthesisOptions{
			Provider:          appCfg.Providers.SynthesisProvider,
			MaxCharsPerResult: appCfg.Providers.SynthesisMaxCharsPerResult,
			MaxOutputTokens:   appCfg.Providers.MaxOutputTokens,
		},
		IdempotencyTTL:  appCfg.Submit.IdempotencyTTL,
		MaxItemAttempts: appCfg.Worker.MaxItemAttempts,
		Logger:          logger,
		Metrics:         observability.MetricsSink,
	}
	research, err := service.NewResearchService(opts)
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("create research service: %w", err)
	}

	return ServiceContainer{
		Research:      research,
		Repos:         repos,
		Observability: observability,
	}, nil
}

// ServiceOrchestrationConfig contains configuration for service orchestration.
type ServiceOrchestrationConfig struct {
	Config      *config.AppConfig
	Services    ServiceContainer
	DB          *sql.DB
	RedisClient redis.UniversalClient
	Logger      *slog.Logger
}

const (
	// shutdownWaitTimeout is the maximum time to wait for services to stop gracefully.
	shutdownWaitTimeout = 15 * time.Second
)

// serviceStartupDeps groups dependencies for service startup.
type serviceStartupDeps struct {
	ctx             context.Context
	cfg             *ServiceOrchestrationConfig
	logger          *slog.Logger
	enabledServices map[config.ServiceMode]bool
	errCh           chan error
}

// backgroundService describes a startable background component.
type backgroundService struct {
	mode  config.ServiceMode
	name  string
	start func(context.Context) error
}

// backgroundServiceHandle tracks a running background service.
type backgroundServiceHandle struct {
	mode config.ServiceMode
	name string
	done <-chan struct{}
}

// startHTTPServerIfEnabled starts the HTTP server if enabled.
func startHTTPServerIfEnabled(deps *serviceStartupDeps) *http.Server {
	if deps == nil || deps.cfg == nil || !deps.enabledServices[config.ServiceModeHTTP] {
		return nil
	}
	return StartHTTPServer(&HTTPServerConfig{
		Config:   deps.cfg.Config,
		Services: deps.cfg.Services,
		Logger:   deps.logger,
	})
}

func launchBackground(ctx context.Context, deps *serviceStartupDeps, descriptor backgroundService) <-chan struct{} {
	if deps == nil || !deps.enabledServices[descriptor.mode] {
		return nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := descriptor.start(ctx); err != nil {
			errMsg := fmt.Errorf("%s failed: %w", descriptor.name, err)
			select {
			case deps.errCh <- errMsg:
			case <-ctx.Done():
			default:
				deps.logger.WarnContext(ctx, "dropping background service error", "service", descriptor.name, "error", errMsg)
			}
		}
	}()

	deps.logger.InfoContext(ctx, "background service started", "service", descriptor.name, "mode", descriptor.mode)
	return done
}

func startBackgroundServices(deps *serviceStartupDeps, services []backgroundService) []backgroundServiceHandle {
	if deps == nil {
		return nil
	}
	handles := make([]backgroundServiceHandle, 0, len(services))

	for _, svc := range services {
		done := launchBackground(deps.ctx, deps, svc)
		if done == nil {
			continue
		}

		handles = append(handles, backgroundServiceHandle{
			mode: svc.mode,
			name: svc.name,
			done: done,
		})
	}

	return handles
}

func newResearchWorkerBackgroundService(deps *serviceStartupDeps) backgroundService {
	return backgroundService{
		mode: config.ServiceModeResearchWorker,
		name: "research worker",
		start: func(ctx context.Context) error {
			if deps == nil || deps.cfg == nil {
				return nil
			}
			var workerCfg config.WorkerConfig
			if deps.cfg.Config != nil {
				workerCfg = deps.cfg.Config.Worker
			}
			return RunResearchWorker(ctx, ResearchWorkerConfig{
				Repo:     deps.cfg.Services.Repos.Work,
				Research: deps.cfg.Services.Research,
				Logger:   deps.logger,
				Metrics:  deps.cfg.Services.Observability.MetricsSink,
				Worker:   workerCfg,
			})
		},
	}
}

func newReconcilerBackgroundService(deps *serviceStartupDeps) backgroundService {
	return backgroundService{
		mode: config.ServiceModeReconciler,
		name: "reconciler",
		start: func(ctx context.Context) error {
			if deps == nil || deps.cfg == nil {
				return nil
			}
			var reconcilerCfg config.ReconcilerConfig
			if deps.cfg.Config != nil {
				reconcilerCfg = deps.cfg.Config.Reconciler
			}
			return RunReconciler(ctx, ReconcilerConfig{
				DB:       deps.cfg.DB,
				Research: deps.cfg.Services.Research,
				Repos:    deps.cfg.Services.Repos,
				Logger:   deps.logger,
				Config:   reconcilerCfg,
				Metrics:  deps.cfg.Services.Observability.MetricsSink,
			})
		},
	}
}

func buildBackgroundServices(deps *serviceStartupDeps) []backgroundService {
	if deps == nil {
		return nil
	}
	return []backgroundService{
		newResearchWorkerBackgroundService(deps),
		newReconcilerBackgroundService(deps),
	}
}

// ServiceStartupResult holds the results of starting all services.
type ServiceStartupResult struct {
	HTTPServer *http.Server
	Background []backgroundServiceHandle
}

// startServices starts all enabled services and returns their completion channels.
func startServices(deps *serviceStartupDeps) ServiceStartupResult {
	return ServiceStartupResult{
		HTTPServer: startHTTPServerIfEnabled(deps),
		Background: startBackgroundServices(deps, buildBackgroundServices(deps)),
	}
}

// RunServicesWithShutdown starts all enabled services and manages their lifecycle.
// This function blocks until a shutdown signal is received or a service fails.
func RunServicesWithShutdown(cfg *ServiceOrchestrationConfig) error {
	if cfg == nil {
		return errors.New("service orchestration config is required")
	}
	if cfg.Config == nil {
		return errors.New("service orchestration config missing AppConfig")
	}
	if cfg.Services.Research == nil {
		return errors.New("service orchestration config missing research service")
	}

	serviceCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	enabledServices, err := cfg.Config.GetEnabledServices()
	if err != nil {
		return fmt.Errorf("determine enabled services: %w", err)
	}
	errCh := make(chan error, errorChannelBufferSize(enabledServices))

	result := startServices(&serviceStartupDeps{
		ctx:             serviceCtx,
		cfg:             cfg,
		logger:          logger,
		enabledServices: enabledServices,
		errCh:           errCh,
	})

	return waitForShutdown(shutdownConfig{
		ctx:             serviceCtx,
		cancel:          cancel,
		errCh:           errCh,
		httpServer:      result.HTTPServer,
		shutdownTimeout: cfg.Config.HTTP.ShutdownTimeout,
		logger:          logger,
		backgrounds:     result.Background,
	})
}

func errorChannelCapacity(enabled map[config.ServiceMode]bool) int {
	count := 0
	for _, mode := range config.ValidServiceModes() {
		if enabled[mode] {
			count++
		}
	}
	return count
}

func errorChannelBufferSize(enabled map[config.ServiceMode]bool) int {
	return errorChannelCapacity(enabled) + 1
}

// shutdownConfig contains dependencies for graceful shutdown.
type shutdownConfig struct {
	ctx             context.Context
	cancel          context.CancelFunc
	errCh           <-chan error
	httpServer      *http.Server
	shutdownTimeout time.Duration
	logger          *slog.Logger
	backgrounds     []backgroundServiceHandle
}

// waitForShutdown waits for shutdown signal or service error.
func waitForShutdown(cfg shutdownConfig) error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case <-quit:
		cfg.logger.Info("shutting down services...")
		return gracefulStop(cfg)
	case err := <-cfg.errCh:
		cfg.logger.Error("service error", "error", err)
		if stopErr := gracefulStop(cfg); stopErr != nil {
			cfg.logger.Error("graceful stop failed", "error", stopErr)
		}
		return err
	}
}

// gracefulStop drains HTTP first so no new jobs arrive, then stops the workers. Items
// interrupted mid-call keep their lease and are redelivered after it expires.
func gracefulStop(cfg shutdownConfig) error {
	var stopErr error
	if cfg.httpServer != nil {
		stopErr = ShutdownHTTPServer(ShutdownConfig{
			Context: context.WithoutCancel(cfg.ctx),
			Server:  cfg.httpServer,
			Timeout: cfg.shutdownTimeout,
			Logger:  cfg.logger,
		})
	}

	cfg.cancel()
	for _, svc := range cfg.backgrounds {
		waitForService(svc.done, svc.name, cfg.logger)
	}

	return stopErr
}

// waitForService waits for a service to finish with timeout.
func waitForService(done <-chan struct{}, name string, logger *slog.Logger) {
	if done == nil {
		return
	}
	select {
	case <-done:
		logger.Info(name + " stopped")
	case <-time.After(shutdownWaitTimeout):
		logger.Warn("timeout waiting for " + name + " to stop")
	}
}
