package domain

import (
	"math"
	"time"
)

const DefaultMultiplier = 2.0

// MaxBackoff caps every computed delay at the largest time.Duration.
const MaxBackoff = time.Duration(math.MaxInt64)

// RetryPolicy bounds how often a failing execution is retried and how long
// to wait between attempts.
type RetryPolicy struct {
	MaxRetries       int     `json:"max_retries"`
	BaseDelaySeconds int     `json:"base_delay_seconds"`
	Multiplier       float64 `json:"multiplier"`
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.Multiplier == 0 {
		p.Multiplier = DefaultMultiplier
	}
	return p
}

func (p RetryPolicy) Validate() error {
	if p.MaxRetries < 0 {
		return invalid("retry_policy.max_retries", "must be >= 0, got %d", p.MaxRetries)
	}
	if p.BaseDelaySeconds < 0 {
		return invalid("retry_policy.base_delay_seconds", "must be >= 0, got %d", p.BaseDelaySeconds)
	}
	if int64(p.BaseDelaySeconds) > int64(MaxBackoff/time.Second) {
		return invalid("retry_policy.base_delay_seconds", "must be <= %d, got %d", int64(MaxBackoff/time.Second), p.BaseDelaySeconds)
	}
	if p.Multiplier != 0 && p.Multiplier < 1 {
		return invalid("retry_policy.multiplier", "must be >= 1, got %v", p.Multiplier)
	}
	return nil
}

// Delay returns the wait before the nth retry (n starts at 1):
// base * multiplier^(n-1).
func (p RetryPolicy) Delay(n int) time.Duration {
	p = p.withDefaults()
	return Backoff(time.Duration(p.BaseDelaySeconds)*time.Second, p.Multiplier, n)
}

// Backoff is the exponential delay shared by task retries and receipt
// retries.
func Backoff(base time.Duration, multiplier float64, n int) time.Duration {
	if n < 1 {
		n = 1
	}
	if multiplier <= 0 {
		multiplier = DefaultMultiplier
	}
	if base <= 0 {
		return 0
	}
	d := float64(base) * math.Pow(multiplier, float64(n-1))
	if math.IsNaN(d) || d >= float64(MaxBackoff) {
		return MaxBackoff
	}
	return time.Duration(d)
}
