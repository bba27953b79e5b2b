package runner

import (
	"time"
)

// PeriodicTrigger decides when an instance runs its bucket check: after
// MaxCount elements or once MaxInterval has passed since the last check,
// whichever comes first.
type PeriodicTrigger struct {
	c         PeriodicTriggerConfig
	count     int
	lastCheck time.Time
}

type PeriodicTriggerConfig struct {
	MaxInterval time.Duration
	MaxCount    int
	Now         func() time.Time
}

type PeriodicTriggerOption func(*PeriodicTriggerConfig)

func WithMaxInterval(d time.Duration) PeriodicTriggerOption {
	return func(cfg *PeriodicTriggerConfig) {
		cfg.MaxInterval = d
	}
}

func WithMaxCount(c int) PeriodicTriggerOption {
	return func(cfg *PeriodicTriggerConfig) {
		cfg.MaxCount = c
	}
}

func WithTriggerClock(now func() time.Time) PeriodicTriggerOption {
	return func(cfg *PeriodicTriggerConfig) {
		if now != nil {
			cfg.Now = now
		}
	}
}

func NewPeriodicTrigger(opts ...PeriodicTriggerOption) *PeriodicTrigger {
	cfg := PeriodicTriggerConfig{
		MaxInterval: time.Second,
		MaxCount:    1000,
		Now:         time.Now,
	}

	for _, opt := range opts {
		opt(&cfg)
	}

	return &PeriodicTrigger{
		c:         cfg,
		lastCheck: cfg.Now(),
	}
}

func (p *PeriodicTrigger) RecordProcessed(count int) {
	p.count += count
}

// Due reports whether a check should run now.
func (p *PeriodicTrigger) Due() bool {
	if p.c.MaxCount > 0 && p.count >= p.c.MaxCount {
		return true
	}
	return p.c.MaxInterval > 0 && p.c.Now().Sub(p.lastCheck) >= p.c.MaxInterval
}

// Reset starts a new period after a check ran.
func (p *PeriodicTrigger) Reset() {
	p.count = 0
	p.lastCheck = p.c.Now()
}

// Interval is the longest time between two checks.
func (p *PeriodicTrigger) Interval() time.Duration {
	return p.c.MaxInterval
}
