package replay

import (
	"encoding/json"
	"time"

	"conductor/internal/events"
)

// Record is the stored form of an envelope. Payload keeps the raw JSON text.
type Record struct {
	EventID        string            `bson:"_id" json:"event_id"`
	EventType      string            `bson:"event_type" json:"event_type"`
	Payload        string            `bson:"payload" json:"payload"`
	CorrelationID  string            `bson:"correlation_id" json:"correlation_id"`
	SequenceNumber int64             `bson:"sequence_number" json:"sequence_number"`
	Priority       string            `bson:"priority" json:"priority"`
	ProducedAt     time.Time         `bson:"produced_at" json:"produced_at"`
	SourceID       string            `bson:"source_id" json:"source_id"`
	RetryCount     int               `bson:"retry_count" json:"retry_count"`
	TraceID        string            `bson:"trace_id,omitempty" json:"trace_id,omitempty"`
	Metadata       map[string]string `bson:"metadata,omitempty" json:"metadata,omitempty"`
	StoredAt       time.Time         `bson:"stored_at" json:"stored_at"`
	ExpiresAt      time.Time         `bson:"expires_at" json:"expires_at"`
}

func newRecord(env events.Envelope, storedAt time.Time, retention time.Duration) Record {
	return Record{
		EventID:        env.EventID,
		EventType:      env.EventType,
		Payload:        string(env.Payload),
		CorrelationID:  env.CorrelationID,
		SequenceNumber: env.SequenceNumber,
		Priority:       string(env.Priority),
		ProducedAt:     env.ProducedAt.UTC(),
		SourceID:       env.SourceID,
		RetryCount:     env.RetryCount,
		TraceID:        env.TraceID,
		Metadata:       env.Metadata,
		StoredAt:       storedAt.UTC(),
		ExpiresAt:      storedAt.Add(retention).UTC(),
	}
}

func (r Record) Envelope() events.Envelope {
	payload := json.RawMessage(r.Payload)
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	return events.Envelope{
		EventID:        r.EventID,
		EventType:      r.EventType,
		Payload:        payload,
		CorrelationID:  r.CorrelationID,
		SequenceNumber: r.SequenceNumber,
		Priority:       events.Priority(r.Priority),
		ProducedAt:     r.ProducedAt,
		SourceID:       r.SourceID,
		RetryCount:     r.RetryCount,
		TraceID:        r.TraceID,
		Metadata:       r.Metadata,
	}
}

// celVars exposes the record to filter expressions.
func (r Record) celVars() map[string]interface{} {
	var payload interface{}
	if r.Payload != "" {
		_ = json.Unmarshal([]byte(r.Payload), &payload)
	}
	metadata := r.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	return map[string]interface{}{
		"event_id":        r.EventID,
		"event_type":      r.EventType,
		"source_id":       r.SourceID,
		"correlation_id":  r.CorrelationID,
		"sequence_number": r.SequenceNumber,
		"priority":        r.Priority,
		"produced_at":     r.ProducedAt,
		"retry_count":     int64(r.RetryCount),
		"trace_id":        r.TraceID,
		"payload":         payload,
		"metadata":        metadata,
	}
}

// Filter selects events for replay. Zero fields match everything.
type Filter struct {
	EventTypes    []string   `json:"event_types,omitempty"`
	CorrelationID string     `json:"correlation_id,omitempty"`
	SourceID      string     `json:"source_id,omitempty"`
	From          *time.Time `json:"from,omitempty"`
	To            *time.Time `json:"to,omitempty"`
	Expression    string     `json:"expression,omitempty"`
	Limit         int        `json:"limit,omitempty"`
}

// ClearRequest selects events to purge. At least one bound must be set.
type ClearRequest struct {
	EventTypes    []string   `json:"event_types,omitempty"`
	CorrelationID string     `json:"correlation_id,omitempty"`
	SourceID      string     `json:"source_id,omitempty"`
	Before        *time.Time `json:"before,omitempty"`
}

func (c ClearRequest) bounded() bool {
	return len(c.EventTypes) > 0 || c.CorrelationID != "" || c.SourceID != "" || c.Before != nil
}

// Query is the repository-level selection shared by find and delete.
// To is inclusive. Before is exclusive on produced_at.
type Query struct {
	EventTypes    []string
	CorrelationID string
	SourceID      string
	From          *time.Time
	To            *time.Time
	Before        *time.Time
	Limit         int
	// Offset skips records in replay order, for paging.
	Offset int
}

func (q Query) matches(r Record) bool {
	if len(q.EventTypes) > 0 {
		found := false
		for _, t := range q.EventTypes {
			if t == r.EventType {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if q.CorrelationID != "" && q.CorrelationID != r.CorrelationID {
		return false
	}
	if q.SourceID != "" && q.SourceID != r.SourceID {
		return false
	}
	if q.From != nil && r.ProducedAt.Before(*q.From) {
		return false
	}
	if q.To != nil && r.ProducedAt.After(*q.To) {
		return false
	}
	if q.Before != nil && !r.ProducedAt.Before(*q.Before) {
		return false
	}
	return true
}

type Stats struct {
	TotalEvents int64            `json:"total_events"`
	ByEventType map[string]int64 `json:"by_event_type"`
}
