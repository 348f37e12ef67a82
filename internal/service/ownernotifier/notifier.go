// Package ownernotifier fans owner notifications out to every configured sink.
package ownernotifier

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/target/research-fanout/internal/core"
	"github.com/target/research-fanout/internal/observability/notify"
)

// SinkRegistration names a sink for logging.
type SinkRegistration struct {
	Name string
	Sink notify.Sink
}

// Options configures the Service.
type Options struct {
	Logger *slog.Logger
	Sinks  []SinkRegistration
	Now    func() time.Time
}

// Service delivers to all sinks concurrently. A failing sink does not stop the others.
type Service struct {
	logger *slog.Logger
	sinks  []SinkRegistration
	now    func() time.Time
}

var _ core.OwnerNotifier = (*Service)(nil)

// NewService drops nil sinks and fills in defaults.
func NewService(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	sinks := make([]SinkRegistration, 0, len(opts.Sinks))
	for _, s := range opts.Sinks {
		if s.Sink == nil {
			continue
		}
		if s.Name == "" {
			s.Name = "sink"
		}
		sinks = append(sinks, s)
	}
	return &Service{logger: logger.With("component", "owner_notifier"), sinks: sinks, now: now}
}

// Enabled reports whether any sink is registered.
func (s *Service) Enabled() bool { return len(s.sinks) > 0 }

// Notify tells the owner their research completed. The joined sink errors are returned so
// callers can log them; nothing retries.
func (s *Service) Notify(ctx context.Context, ownerID, jobID, title string) error {
	if len(s.sinks) == 0 {
		return nil
	}
	n := notify.OwnerNotification{
		OwnerID:    ownerID,
		JobID:      jobID,
		Title:      title,
		Status:     "completed",
		OccurredAt: s.now().UTC(),
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, entry := range s.sinks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := entry.Sink.SendOwnerNotification(ctx, n); err != nil {
				s.logger.WarnContext(ctx, "owner notification delivery failed",
					"sink", entry.Name, "job_id", jobID, "error", err)
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}
