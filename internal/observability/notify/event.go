// Package notify defines the owner notification payload and the sink contract.
package notify

import (
	"context"
	"time"
)

// OwnerNotification tells a job owner that their research has reached a terminal state.
type OwnerNotification struct {
	OwnerID    string
	JobID      string
	Title      string
	Status     string
	CostUSD    float64
	Providers  []string
	OccurredAt time.Time
}

// Sink delivers owner notifications somewhere.
type Sink interface {
	SendOwnerNotification(ctx context.Context, n OwnerNotification) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, n OwnerNotification) error

// SendOwnerNotification calls f.
func (f SinkFunc) SendOwnerNotification(ctx context.Context, n OwnerNotification) error {
	if f == nil {
		return nil
	}
	return f(ctx, n)
}
