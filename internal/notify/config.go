package notify

import (
	"time"

	"golang.org/x/time/rate"

	"remindflow/internal/domain"
)

// Policy is the delivery behaviour of one channel. A zero BaseDelay retries
// immediately; negative durations fall back to DefaultPolicy.
type Policy struct {
	MaxRetries  int
	BaseDelay   time.Duration
	Multiplier  float64
	SendTimeout time.Duration
	// RatePerSec limits send attempts on the channel; 0 disables the limit.
	RatePerSec float64
	Burst      int
}

func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:  3,
		BaseDelay:   5 * time.Second,
		Multiplier:  domain.DefaultMultiplier,
		SendTimeout: 10 * time.Second,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.BaseDelay < 0 {
		p.BaseDelay = d.BaseDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = d.Multiplier
	}
	if p.SendTimeout <= 0 {
		p.SendTimeout = d.SendTimeout
	}
	if p.Burst < 1 {
		p.Burst = 1
	}
	return p
}

func (p Policy) limiter() *rate.Limiter {
	if p.RatePerSec <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(p.RatePerSec), p.Burst)
}

// Config maps channels to policies. Channels without an entry use Default.
type Config struct {
	Default  Policy
	Channels map[domain.Channel]Policy
}

func (c Config) policy(ch domain.Channel) Policy {
	if p, ok := c.Channels[ch]; ok {
		return p.withDefaults()
	}
	return c.Default.withDefaults()
}
