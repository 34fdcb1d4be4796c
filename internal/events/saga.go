package events

import (
	"time"
)

// Event types emitted by the saga orchestrator.
const (
	TypeSagaStarted       = "saga.started"
	TypeSagaStepCompleted = "saga.step.completed"
	TypeSagaStepFailed    = "saga.step.failed"
	TypeSagaCompensated   = "saga.compensated"
	TypeSagaCompleted     = "saga.completed"
	TypeSagaFailed        = "saga.failed"
)

// StepFailed is emitted once per saga step whose forward action failed after all local
// retries. The dead letter queue subscribes to it.
type StepFailed struct {
	SagaID        string                 `json:"saga_id"`
	SagaName      string                 `json:"saga_name,omitempty"`
	CorrelationID string                 `json:"correlation_id"`
	StepID        string                 `json:"step_id"`
	StepIndex     int                    `json:"step_index"`
	Service       string                 `json:"service"`
	Action        string                 `json:"action"`
	Params        map[string]interface{} `json:"action_params,omitempty"`
	Attempts      int                    `json:"attempts"`
	Error         string                 `json:"error"`
	TraceID       string                 `json:"trace_id,omitempty"`
	FailedAt      time.Time              `json:"failed_at"`
}

// Metadata flattens the identifying fields for stores that index string maps.
func (e StepFailed) Metadata() map[string]string {
	md := map[string]string{
		"saga_id":        e.SagaID,
		"step_id":        e.StepID,
		"service":        e.Service,
		"action":         e.Action,
		"correlation_id": e.CorrelationID,
	}
	if e.SagaName != "" {
		md["saga_name"] = e.SagaName
	}
	if e.TraceID != "" {
		md["trace_id"] = e.TraceID
	}
	return md
}
