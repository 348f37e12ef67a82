package data

import (
	"sync"
	"time"
)

// TimeProvider supplies the current time to repositories so tests can pin it.
type TimeProvider interface {
	Now() time.Time
}

// RealTimeProvider returns the wall clock in UTC.
type RealTimeProvider struct{}

// Now returns the current time in UTC.
func (RealTimeProvider) Now() time.Time {
	return time.Now().UTC()
}

// FixedTimeProvider returns a settable time. Safe for concurrent use.
type FixedTimeProvider struct {
	mu sync.Mutex
	t  time.Time
}

// NewFixedTimeProvider creates a FixedTimeProvider pinned at t.
func NewFixedTimeProvider(t time.Time) *FixedTimeProvider {
	return &FixedTimeProvider{t: t.UTC()}
}

// Now returns the pinned time.
func (f *FixedTimeProvider) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

// Advance moves the pinned time forward by d.
func (f *FixedTimeProvider) Advance(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}
