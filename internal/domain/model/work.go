package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// WorkType identifies the handler a queued work item is routed to.
//
//nolint:recvcheck // UnmarshalText needs pointer receiver, Valid needs value receiver
type WorkType string

// WorkStatus is the delivery status of a queued work item.
type WorkStatus string

const (
	// WorkTypeProviderResearch runs one provider call for one research job.
	WorkTypeProviderResearch WorkType = "provider_research"
	// WorkTypeSynthesis merges the completed provider results of a job.
	WorkTypeSynthesis WorkType = "synthesis"

	WorkStatusPending   WorkStatus = "pending"
	WorkStatusRunning   WorkStatus = "running"
	WorkStatusCompleted WorkStatus = "completed"
	WorkStatusFailed    WorkStatus = "failed"
)

// ErrNoWorkAvailable is returned when no work items are available for reservation.
var ErrNoWorkAvailable = errors.New("no work available")

// Valid returns true if the WorkType is known.
func (t WorkType) Valid() bool {
	return t == WorkTypeProviderResearch || t == WorkTypeSynthesis
}

// UnmarshalText implements encoding.TextUnmarshaler for WorkType to allow env parsing.
func (t *WorkType) UnmarshalText(text []byte) error {
	v := WorkType(strings.ToLower(strings.TrimSpace(string(text))))
	if !v.Valid() {
		return fmt.Errorf("invalid WorkType: %q", v)
	}
	*t = v
	return nil
}

// Valid returns true if the WorkStatus is known.
func (s WorkStatus) Valid() bool {
	return s == WorkStatusPending || s == WorkStatusRunning || s == WorkStatusCompleted ||
		s == WorkStatusFailed
}

// WorkItem is one unit of at-least-once delivery.
type WorkItem struct {
	ID             string          `json:"id"                         db:"id"`
	Type           WorkType        `json:"type"                       db:"type"`
	Status         WorkStatus      `json:"status"                     db:"status"`
	Payload        json.RawMessage `json:"payload"                    db:"payload"`
	ScheduledAt    time.Time       `json:"scheduled_at"               db:"scheduled_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty"       db:"started_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"     db:"completed_at"`
	Deliveries     int             `json:"deliveries"                 db:"deliveries"`
	RetryCount     int             `json:"retry_count"                db:"retry_count"`
	MaxRetries     int             `json:"max_retries"                db:"max_retries"`
	LastError      *string         `json:"last_error,omitempty"       db:"last_error"`
	LeaseExpiresAt *time.Time      `json:"lease_expires_at,omitempty" db:"lease_expires_at"`
	CreatedAt      time.Time       `json:"created_at"                 db:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"                 db:"updated_at"`
}

// EnqueueWorkRequest represents a request to queue a new work item.
type EnqueueWorkRequest struct {
	Type        WorkType        `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	MaxRetries  int             `json:"max_retries"`
	ScheduledAt *time.Time      `json:"scheduled_at,omitempty"`
}

// Validate validates the EnqueueWorkRequest fields.
func (r *EnqueueWorkRequest) Validate() error {
	if !r.Type.Valid() {
		return errors.New("invalid work type")
	}
	if len(r.Payload) == 0 {
		return errors.New("payload is required")
	}
	if r.MaxRetries < 0 {
		return errors.New("max retries must be >= 0")
	}
	return nil
}

// ProviderWorkPayload is the payload of a provider_research work item.
type ProviderWorkPayload struct {
	JobID    string     `json:"job_id"`
	Provider ProviderID `json:"provider"`
	Attempt  int        `json:"attempt"`
}

// SynthesisWorkPayload is the payload of a synthesis work item.
type SynthesisWorkPayload struct {
	JobID string `json:"job_id"`
}

// NewProviderWork builds the enqueue request for one provider attempt.
func NewProviderWork(jobID string, provider ProviderID, attempt, maxRetries int) (*EnqueueWorkRequest, error) {
	payload, err := json.Marshal(ProviderWorkPayload{JobID: jobID, Provider: provider, Attempt: attempt})
	if err != nil {
		return nil, fmt.Errorf("marshal provider work payload: %w", err)
	}
	return &EnqueueWorkRequest{Type: WorkTypeProviderResearch, Payload: payload, MaxRetries: maxRetries}, nil
}

// NewSynthesisWork builds the enqueue request for a job's synthesis step.
func NewSynthesisWork(jobID string, maxRetries int) (*EnqueueWorkRequest, error) {
	payload, err := json.Marshal(SynthesisWorkPayload{JobID: jobID})
	if err != nil {
		return nil, fmt.Errorf("marshal synthesis work payload: %w", err)
	}
	return &EnqueueWorkRequest{Type: WorkTypeSynthesis, Payload: payload, MaxRetries: maxRetries}, nil
}

// WorkStats represents counts of work items in different states.
type WorkStats struct {
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}
