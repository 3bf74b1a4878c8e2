package models

import "time"

// RetryPolicy bounds re-attempts for a unit and shapes the backoff between
// them. Delays grow exponentially from BaseDelay and are capped at MaxDelay.
type RetryPolicy struct {
	MaxAttempts int      `json:"max_attempts" yaml:"max_attempts"`
	BaseDelay   Duration `json:"base_delay,omitempty" yaml:"base_delay,omitempty"`
	MaxDelay    Duration `json:"max_delay,omitempty" yaml:"max_delay,omitempty"`
	Jitter      bool     `json:"jitter,omitempty" yaml:"jitter,omitempty"`
}

// DefaultRetryPolicy mirrors the executor client defaults: three attempts,
// exponential backoff from one second capped at thirty, jittered.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   Duration(time.Second),
		MaxDelay:    Duration(30 * time.Second),
		Jitter:      true,
	}
}

// Normalized fills zero fields from the defaults so partially configured
// policies behave sensibly.
func (p RetryPolicy) Normalized() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = def.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = def.MaxDelay
	}
	return p
}
