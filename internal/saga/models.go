package saga

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"conductor/internal/config"
	"conductor/pkg/retry"
)

type Status string

const (
	StatusRunning      Status = "running"
	StatusCompleted    Status = "completed"
	StatusCompensating Status = "compensating"
	StatusCompensated  Status = "compensated"
	StatusFailed       Status = "failed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusRunning, StatusCompleted, StatusCompensating, StatusCompensated, StatusFailed:
		return true
	}
	return false
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCompensated || s == StatusFailed
}

type StepStatus string

const (
	StepPending     StepStatus = "pending"
	StepCompleted   StepStatus = "completed"
	StepCompensated StepStatus = "compensated"
	StepFailed      StepStatus = "failed"
)

// Step is one forward action and its compensation. Steps are never removed from an
// instance so the record doubles as an audit trail.
type Step struct {
	ID                   string                 `json:"step_id"`
	Service              string                 `json:"service"`
	Action               string                 `json:"action"`
	ActionParams         map[string]interface{} `json:"action_params,omitempty"`
	Compensation         string                 `json:"compensation,omitempty"`
	CompensationParams   map[string]interface{} `json:"compensation_params,omitempty"`
	Status               StepStatus             `json:"status"`
	Result               map[string]interface{} `json:"result,omitempty"`
	Error                string                 `json:"error,omitempty"`
	CompensationError    string                 `json:"compensation_error,omitempty"`
	Attempts             int                    `json:"attempts"`
	CompensationAttempts int                    `json:"compensation_attempts"`
	StartedAt            *time.Time             `json:"started_at,omitempty"`
	FinishedAt           *time.Time             `json:"finished_at,omitempty"`
}

// RetryPolicy bounds local retries of one step invocation.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

func RetryPolicyFromConfig(cfg config.StepRetry) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     cfg.MaxAttempts,
		InitialInterval: cfg.InitialInterval,
		MaxInterval:     cfg.MaxInterval,
		Multiplier:      cfg.Multiplier,
	}
}

func (p RetryPolicy) withDefaults(fallback RetryPolicy) RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = fallback.MaxAttempts
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = fallback.InitialInterval
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = fallback.MaxInterval
	}
	if p.Multiplier <= 0 {
		p.Multiplier = fallback.Multiplier
	}
	return p
}

func (p RetryPolicy) validate() error {
	if p.MaxAttempts < 0 {
		return fmt.Errorf("max_attempts must not be negative")
	}
	if p.InitialInterval < 0 || p.MaxInterval < 0 {
		return fmt.Errorf("intervals must not be negative")
	}
	if p.MaxInterval > 0 && p.InitialInterval > p.MaxInterval {
		return fmt.Errorf("initial_interval must not exceed max_interval")
	}
	return nil
}

func (p RetryPolicy) toRetry() retry.Policy {
	return retry.Policy{
		MaxAttempts:     p.MaxAttempts,
		InitialInterval: p.InitialInterval,
		MaxInterval:     p.MaxInterval,
		Multiplier:      p.Multiplier,
	}
}

type retryPolicyJSON struct {
	MaxAttempts     int     `json:"max_attempts,omitempty"`
	InitialInterval string  `json:"initial_interval,omitempty"`
	MaxInterval     string  `json:"max_interval,omitempty"`
	Multiplier      float64 `json:"multiplier,omitempty"`
}

func (p RetryPolicy) MarshalJSON() ([]byte, error) {
	out := retryPolicyJSON{MaxAttempts: p.MaxAttempts, Multiplier: p.Multiplier}
	if p.InitialInterval > 0 {
		out.InitialInterval = p.InitialInterval.String()
	}
	if p.MaxInterval > 0 {
		out.MaxInterval = p.MaxInterval.String()
	}
	return json.Marshal(out)
}

func (p *RetryPolicy) UnmarshalJSON(data []byte) error {
	var in retryPolicyJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}

	parsed := RetryPolicy{MaxAttempts: in.MaxAttempts, Multiplier: in.Multiplier}
	var err error
	if in.InitialInterval != "" {
		if parsed.InitialInterval, err = time.ParseDuration(in.InitialInterval); err != nil {
			return fmt.Errorf("invalid initial_interval: %w", err)
		}
	}
	if in.MaxInterval != "" {
		if parsed.MaxInterval, err = time.ParseDuration(in.MaxInterval); err != nil {
			return fmt.Errorf("invalid max_interval: %w", err)
		}
	}
	*p = parsed
	return nil
}

type Instance struct {
	ID                 string      `json:"saga_id"`
	Name               string      `json:"name,omitempty"`
	CorrelationID      string      `json:"correlation_id"`
	Steps              []Step      `json:"steps"`
	Status             Status      `json:"status"`
	CurrentStepIndex   int         `json:"current_step_index"`
	TraceID            string      `json:"trace_id,omitempty"`
	RetryPolicy        RetryPolicy `json:"retry_policy"`
	CompensationPolicy RetryPolicy `json:"compensation_policy"`
	CancelRequested    bool        `json:"cancel_requested"`
	FailureReason      string      `json:"failure_reason,omitempty"`
	Version            int         `json:"version"`
	CreatedAt          time.Time   `json:"created_at"`
	UpdatedAt          time.Time   `json:"updated_at"`
}

func (i *Instance) hasCompletedSteps() bool {
	for _, s := range i.Steps {
		if s.Status == StepCompleted {
			return true
		}
	}
	return false
}

func (i *Instance) hasCompensationFailures() bool {
	for _, s := range i.Steps {
		if s.CompensationError != "" {
			return true
		}
	}
	return false
}

func cloneInstance(i *Instance) *Instance {
	c := *i
	c.Steps = make([]Step, len(i.Steps))
	copy(c.Steps, i.Steps)
	return &c
}

// StepDefinition is the caller-supplied shape of a step.
type StepDefinition struct {
	ID                 string                 `json:"step_id,omitempty"`
	Service            string                 `json:"service" binding:"required"`
	Action             string                 `json:"action" binding:"required"`
	ActionParams       map[string]interface{} `json:"action_params,omitempty"`
	Compensation       string                 `json:"compensation,omitempty"`
	CompensationParams map[string]interface{} `json:"compensation_params,omitempty"`
}

type CreateRequest struct {
	Name               string           `json:"name"`
	CorrelationID      string           `json:"correlation_id"`
	Steps              []StepDefinition `json:"steps"`
	RetryPolicy        *RetryPolicy     `json:"retry_policy,omitempty"`
	CompensationPolicy *RetryPolicy     `json:"compensation_policy,omitempty"`
}

func (r CreateRequest) validate() error {
	var problems []string
	if strings.TrimSpace(r.CorrelationID) == "" {
		problems = append(problems, "correlation_id is required")
	}
	if len(r.Steps) == 0 {
		problems = append(problems, "at least one step is required")
	}
	seen := make(map[string]bool, len(r.Steps))
	for i, s := range r.Steps {
		if s.Service == "" || s.Action == "" {
			problems = append(problems, fmt.Sprintf("steps[%d]: service and action are required", i))
		}
		if s.ID != "" {
			if seen[s.ID] {
				problems = append(problems, fmt.Sprintf("steps[%d]: duplicate step_id %q", i, s.ID))
			}
			seen[s.ID] = true
		}
	}
	if r.RetryPolicy != nil {
		if err := r.RetryPolicy.validate(); err != nil {
			problems = append(problems, fmt.Sprintf("retry_policy: %v", err))
		}
	}
	if r.CompensationPolicy != nil {
		if err := r.CompensationPolicy.validate(); err != nil {
			problems = append(problems, fmt.Sprintf("compensation_policy: %v", err))
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("%s", strings.Join(problems, "; "))
	}
	return nil
}

type ListFilter struct {
	Status        Status
	CorrelationID string
	Limit         int
}

type Stats struct {
	Total    int            `json:"total"`
	ByStatus map[string]int `json:"by_status"`
	Running  int            `json:"in_flight"`
}
