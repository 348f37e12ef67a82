package model

import "time"

// CallType distinguishes the purpose of an audited provider call.
type CallType string

const (
	CallTypeResearch  CallType = "research"
	CallTypeSynthesis CallType = "synthesis"
)

// AuditStatus is the outcome of an audited provider call.
type AuditStatus string

const (
	AuditStatusSuccess AuditStatus = "success"
	AuditStatusError   AuditStatus = "error"
)

// CostSource records whether the cost came from the provider or from the pricing table.
type CostSource string

const (
	CostSourceReported CostSource = "reported"
	CostSourceComputed CostSource = "computed"
)

// AuditRecord is an append-only log entry for one provider call.
type AuditRecord struct {
	ID            string      `json:"id"`
	JobID         string      `json:"job_id,omitempty"`
	Provider      ProviderID  `json:"provider"`
	Model         string      `json:"model"`
	CallType      CallType    `json:"call_type"`
	Attempt       int         `json:"attempt"`
	PromptChars   int         `json:"prompt_chars"`
	ResponseChars int         `json:"response_chars"`
	Usage         TokenUsage  `json:"usage"`
	DurationMS    int64       `json:"duration_ms"`
	CostUSD       float64     `json:"cost_usd"`
	CostSource    CostSource  `json:"cost_source"`
	Status        AuditStatus `json:"status"`
	ErrorKind     *ErrorKind  `json:"error_kind,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
}
