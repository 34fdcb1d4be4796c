package dlq

import (
	"encoding/json"
	"fmt"
	"time"

	"conductor/internal/config"
	"conductor/pkg/retry"
)

type PolicyType string

const (
	PolicyImmediate          PolicyType = "immediate"
	PolicyFixedDelay         PolicyType = "fixed_delay"
	PolicyLinearBackoff      PolicyType = "linear_backoff"
	PolicyExponentialBackoff PolicyType = "exponential_backoff"
)

const (
	defaultMaxAttempts = 5
	defaultMaxDelay    = 60 * time.Second
)

// Policy decides when an entry is redelivered and how many attempts it gets.
type Policy struct {
	Type        PolicyType
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

func PolicyFromConfig(cfg config.PolicyConfig) Policy {
	return Policy{
		Type:        PolicyType(cfg.Type),
		BaseDelay:   cfg.BaseDelay,
		MaxDelay:    cfg.MaxDelay,
		MaxAttempts: cfg.MaxAttempts,
	}
}

// Normalize fills defaults. Immediate always allows exactly one redelivery.
func (p Policy) Normalize() Policy {
	if p.Type == "" {
		p.Type = PolicyExponentialBackoff
	}
	if p.Type == PolicyImmediate {
		p.MaxAttempts = 1
		p.BaseDelay = 0
		p.MaxDelay = 0
		return p
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaultMaxAttempts
	}
	if p.Type != PolicyFixedDelay && p.MaxDelay <= 0 {
		p.MaxDelay = defaultMaxDelay
		if p.BaseDelay > p.MaxDelay {
			p.MaxDelay = p.BaseDelay
		}
	}
	return p
}

func (p Policy) Validate() error {
	switch p.Type {
	case PolicyImmediate, PolicyFixedDelay, PolicyLinearBackoff, PolicyExponentialBackoff:
	default:
		return fmt.Errorf("unknown retry policy %q", p.Type)
	}
	if p.BaseDelay < 0 || p.MaxDelay < 0 {
		return fmt.Errorf("retry policy delays must be non-negative")
	}
	if p.MaxAttempts < 0 {
		return fmt.Errorf("max_attempts must be non-negative")
	}
	if p.MaxDelay > 0 && p.BaseDelay > p.MaxDelay {
		return fmt.Errorf("base_delay must not exceed max_delay")
	}
	return nil
}

// Delay is a pure function of the policy and the number of attempts made so far.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	switch p.Type {
	case PolicyImmediate:
		return 0
	case PolicyFixedDelay:
		return p.BaseDelay
	case PolicyLinearBackoff:
		if p.BaseDelay <= 0 {
			return 0
		}
		if p.MaxDelay > 0 && time.Duration(attempt) > p.MaxDelay/p.BaseDelay {
			return p.MaxDelay
		}
		return p.BaseDelay * time.Duration(attempt)
	case PolicyExponentialBackoff:
		return retry.CalculateBackoffDuration(attempt, p.BaseDelay, 2.0, p.MaxDelay)
	default:
		return 0
	}
}

// Exhausted reports whether attempts has reached the policy maximum.
func (p Policy) Exhausted(attempts int) bool {
	return attempts >= p.MaxAttempts
}

type policyJSON struct {
	Type        PolicyType `json:"type"`
	BaseDelay   string     `json:"base_delay,omitempty"`
	MaxDelay    string     `json:"max_delay,omitempty"`
	MaxAttempts int        `json:"max_attempts,omitempty"`
}

func (p Policy) MarshalJSON() ([]byte, error) {
	out := policyJSON{Type: p.Type, MaxAttempts: p.MaxAttempts}
	if p.BaseDelay > 0 {
		out.BaseDelay = p.BaseDelay.String()
	}
	if p.MaxDelay > 0 {
		out.MaxDelay = p.MaxDelay.String()
	}
	return json.Marshal(out)
}

// UnmarshalJSON accepts durations as Go duration strings ("1.5s").
func (p *Policy) UnmarshalJSON(data []byte) error {
	var in policyJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}

	parsed := Policy{Type: in.Type, MaxAttempts: in.MaxAttempts}
	var err error
	if in.BaseDelay != "" {
		if parsed.BaseDelay, err = time.ParseDuration(in.BaseDelay); err != nil {
			return fmt.Errorf("invalid base_delay: %w", err)
		}
	}
	if in.MaxDelay != "" {
		if parsed.MaxDelay, err = time.ParseDuration(in.MaxDelay); err != nil {
			return fmt.Errorf("invalid max_delay: %w", err)
		}
	}
	*p = parsed
	return nil
}
