package dlq

import (
	"encoding/json"
	"time"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRetrying  Status = "retrying"
	StatusExhausted Status = "exhausted"
	StatusResolved  Status = "resolved"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRetrying, StatusExhausted, StatusResolved:
		return true
	}
	return false
}

type Entry struct {
	ID             string            `json:"entry_id"`
	EventType      string            `json:"event_type"`
	Payload        json.RawMessage   `json:"payload"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	FailureReason  string            `json:"failure_reason"`
	Policy         Policy            `json:"retry_policy"`
	Attempts       int               `json:"attempts"`
	NextRetryAt    time.Time         `json:"next_retry_at"`
	Status         Status            `json:"status"`
	ResolutionNote string            `json:"resolution_note,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
	LastAttemptAt  *time.Time        `json:"last_attempt_at,omitempty"`
	ClaimedAt      *time.Time        `json:"claimed_at,omitempty"`
	ResolvedAt     *time.Time        `json:"resolved_at,omitempty"`
}

type EnqueueRequest struct {
	EventType     string            `json:"event_type"`
	Payload       json.RawMessage   `json:"payload"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	FailureReason string            `json:"failure_reason"`
	Policy        *Policy           `json:"retry_policy,omitempty"`
}

type ListFilter struct {
	Status    Status
	EventType string
	Limit     int
}

// Outcome is what happened to one entry after a redelivery attempt.
type Outcome struct {
	Attempts      int
	FailureReason string
	Success       bool
	At            time.Time
	NextRetryAt   time.Time
	Exhausted     bool
}

type RetryOutcome struct {
	EntryID     string     `json:"entry_id"`
	Success     bool       `json:"success"`
	Status      Status     `json:"status"`
	Attempts    int        `json:"attempts"`
	Error       string     `json:"error,omitempty"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`
}

type TickResult struct {
	Claimed   int `json:"claimed"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Exhausted int `json:"exhausted"`
	Recovered int `json:"recovered"`
}

type Stats struct {
	Total    int            `json:"total"`
	ByStatus map[string]int `json:"by_status"`
	ByPolicy map[string]int `json:"by_policy"`
}
