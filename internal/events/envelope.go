package events

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// ParsePriority accepts any letter case. An empty value means normal.
func ParsePriority(s string) (Priority, error) {
	switch p := Priority(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return PriorityNormal, nil
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical:
		return p, nil
	default:
		return "", fmt.Errorf("unknown priority %q", s)
	}
}

// Envelope is one sequenced unit of information. It is immutable once returned by the Orderer.
type Envelope struct {
	EventID        string            `json:"event_id"`
	EventType      string            `json:"event_type"`
	Payload        json.RawMessage   `json:"payload"`
	CorrelationID  string            `json:"correlation_id"`
	SequenceNumber int64             `json:"sequence_number"`
	Priority       Priority          `json:"priority"`
	ProducedAt     time.Time         `json:"produced_at"`
	SourceID       string            `json:"source_id"`
	RetryCount     int               `json:"retry_count"`
	TraceID        string            `json:"trace_id,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

type NextRequest struct {
	SourceID      string            `json:"source_id"`
	EventType     string            `json:"event_type"`
	Payload       json.RawMessage   `json:"payload"`
	CorrelationID string            `json:"correlation_id"`
	Priority      string            `json:"priority"`
	TraceID       string            `json:"trace_id,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

func (r NextRequest) validate() error {
	var missing []string
	if strings.TrimSpace(r.SourceID) == "" {
		missing = append(missing, "source_id")
	}
	if strings.TrimSpace(r.EventType) == "" {
		missing = append(missing, "event_type")
	}
	if strings.TrimSpace(r.CorrelationID) == "" {
		missing = append(missing, "correlation_id")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required fields: %s", strings.Join(missing, ", "))
	}
	if len(r.Payload) > 0 && !json.Valid(r.Payload) {
		return fmt.Errorf("payload is not valid JSON")
	}
	return nil
}

// Result is either an accepted Envelope or a duplicate marker.
type Result struct {
	Envelope  *Envelope
	Duplicate bool
	DedupKey  string
}
