package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ServiceMode represents the available service modes.
type ServiceMode string

const (
	// ServiceModeHTTP runs the HTTP API.
	ServiceModeHTTP ServiceMode = "http"
	// ServiceModeResearchWorker consumes provider_research and synthesis work items.
	ServiceModeResearchWorker ServiceMode = "research-worker"
	// ServiceModeReconciler runs the periodic stuck-job sweep.
	ServiceModeReconciler ServiceMode = "reconciler"
)

// ValidServiceModes returns all valid service mode names.
func ValidServiceModes() []ServiceMode {
	return []ServiceMode{ServiceModeHTTP, ServiceModeResearchWorker, ServiceModeReconciler}
}

// ParseServices parses a comma-delimited list of service names.
func ParseServices(servicesStr string) (map[ServiceMode]bool, error) {
	services := make(map[ServiceMode]bool)

	if servicesStr == "" {
		return services, errors.New("at least one service must be specified")
	}

	for part := range strings.SplitSeq(servicesStr, ",") {
		serviceName := strings.TrimSpace(part)
		if serviceName == "" {
			continue
		}

		mode := ServiceMode(serviceName)
		switch mode {
		case ServiceModeHTTP, ServiceModeResearchWorker, ServiceModeReconciler:
			services[mode] = true
		default:
			return nil, fmt.Errorf(
				"invalid service name: %q (valid options: http, research-worker, reconciler)",
				serviceName,
			)
		}
	}

	if len(services) == 0 {
		return nil, errors.New("at least one valid service must be specified")
	}

	return services, nil
}

// WorkerConfig controls the work runners.
type WorkerConfig struct {
	// Concurrency is the number of provider_research workers.
	Concurrency int `env:"RESEARCH_WORKER_CONCURRENCY" envDefault:"8"`

	// SynthesisConcurrency is the number of synthesis workers.
	SynthesisConcurrency int `env:"RESEARCH_WORKER_SYNTHESIS_CONCURRENCY" envDefault:"2"`

	// Lease is how long a reserved work item stays invisible to other workers.
	// Runners heartbeat at a third of the lease while a handler is running.
	Lease time.Duration `env:"RESEARCH_WORKER_LEASE" envDefault:"60s"`

	// MaxItemAttempts is how many times a work item is retried after a handler error.
	// This is queue-level redelivery, separate from the owner-facing provider retry budget.
	MaxItemAttempts int `env:"RESEARCH_WORKER_MAX_ITEM_ATTEMPTS" envDefault:"3"`

	// RetryDelay is the backoff before a failed work item becomes visible again.
	RetryDelay time.Duration `env:"RESEARCH_WORKER_RETRY_DELAY" envDefault:"30s"`
}

// Sanitize applies guardrails to worker configuration values.
func (w *WorkerConfig) Sanitize() {
	if w.Concurrency < 1 {
		w.Concurrency = 1
	}
	if w.SynthesisConcurrency < 1 {
		w.SynthesisConcurrency = 1
	}
	if w.Lease < 5*time.Second {
		w.Lease = 5 * time.Second
	}
	if w.MaxItemAttempts < 0 {
		w.MaxItemAttempts = 0
	}
	if w.RetryDelay < time.Second {
		w.RetryDelay = time.Second
	}
}

// ReconcilerConfig controls the stuck-job sweep.
type ReconcilerConfig struct {
	// Interval is the sweep tick interval.
	Interval time.Duration `env:"RECONCILER_INTERVAL" envDefault:"1m"`

	// DispatchGrace is how long a job may sit in pending before its work is re-enqueued.
	DispatchGrace time.Duration `env:"RECONCILER_DISPATCH_GRACE" envDefault:"2m"`

	// ProcessingTimeout is how long a provider result may stay in processing before it
	// is failed as a timeout. Keep it above the provider HTTP timeout.
	ProcessingTimeout time.Duration `env:"RECONCILER_PROCESSING_TIMEOUT" envDefault:"15m"`

	// StuckAfter is how long a dispatched job may go without an update before the
	// completion detector is re-run for it.
	StuckAfter time.Duration `env:"RECONCILER_STUCK_AFTER" envDefault:"5m"`

	// SynthesisClaimTTL is how long a synthesis claim may stay open before it is abandoned.
	SynthesisClaimTTL time.Duration `env:"RECONCILER_SYNTHESIS_CLAIM_TTL" envDefault:"20m"`

	// SynthesisGrace is how long a completed job may wait for a synthesis claim.
	SynthesisGrace time.Duration `env:"RECONCILER_SYNTHESIS_GRACE" envDefault:"2m"`

	// CompletedWorkMaxAge is the retention of completed work items.
	CompletedWorkMaxAge time.Duration `env:"RECONCILER_COMPLETED_WORK_MAX_AGE" envDefault:"24h"`

	// FailedWorkMaxAge is the retention of failed work items.
	FailedWorkMaxAge time.Duration `env:"RECONCILER_FAILED_WORK_MAX_AGE" envDefault:"168h"` // 7 days

	// BatchSize is the maximum number of rows handled per step per tick.
	BatchSize int `env:"RECONCILER_BATCH_SIZE" envDefault:"100"`
}

// Sanitize applies guardrails to reconciler configuration values.
func (r *ReconcilerConfig) Sanitize() {
	if r.Interval < 10*time.Second {
		r.Interval = 10 * time.Second
	}
	if r.DispatchGrace < 30*time.Second {
		r.DispatchGrace = 30 * time.Second
	}
	if r.ProcessingTimeout < time.Minute {
		r.ProcessingTimeout = time.Minute
	}
	if r.StuckAfter < time.Minute {
		r.StuckAfter = time.Minute
	}
	if r.SynthesisClaimTTL < time.Minute {
		r.SynthesisClaimTTL = time.Minute
	}
	if r.SynthesisGrace < 30*time.Second {
		r.SynthesisGrace = 30 * time.Second
	}
	if r.CompletedWorkMaxAge < time.Hour {
		r.CompletedWorkMaxAge = time.Hour
	}
	if r.FailedWorkMaxAge < time.Hour {
		r.FailedWorkMaxAge = time.Hour
	}
	if r.BatchSize < 1 {
		r.BatchSize = 1
	}
	if r.BatchSize > 1000 {
		r.BatchSize = 1000
	}
}

// SubmitConfig controls submit idempotency and per-owner throttling.
type SubmitConfig struct {
	// IdempotencyTTL is how long an Idempotency-Key maps to the job it created.
	IdempotencyTTL time.Duration `env:"SUBMIT_IDEMPOTENCY_TTL" envDefault:"24h"`

	// RateLimit is the number of submits allowed per owner per RateWindow. 0 disables throttling.
	RateLimit int `env:"SUBMIT_RATE_LIMIT" envDefault:"30"`

	// RateWindow is the throttling window.
	RateWindow time.Duration `env:"SUBMIT_RATE_WINDOW" envDefault:"1h"`
}

// Sanitize applies guardrails to submit configuration values.
func (s *SubmitConfig) Sanitize() {
	if s.IdempotencyTTL < time.Minute {
		s.IdempotencyTTL = time.Minute
	}
	if s.RateLimit < 0 {
		s.RateLimit = 0
	}
	if s.RateWindow < time.Second {
		s.RateWindow = time.Second
	}
}
