package filesink

import (
	"time"

	"github.com/hugolhafner/go-filesink/lifecycle"
	"github.com/hugolhafner/go-filesink/logger"
	sinkotel "github.com/hugolhafner/go-filesink/otel"
	"github.com/hugolhafner/go-filesink/writer"
)

type Config struct {
	Policy writer.RollingPolicy
	// Quiescence is how long a fully committed partition must stay idle
	// before it is reported inactive.
	Quiescence time.Duration
	Listener   lifecycle.Listener
	Logger     logger.Logger
	Telemetry  *sinkotel.Telemetry
	// Instance identifies this sink among its parallel siblings in logs.
	Instance int
	Now      func() time.Time
}

type ConfigOption func(*Config)

func WithRollingPolicy(p writer.RollingPolicy) ConfigOption {
	return func(c *Config) {
		c.Policy = p
	}
}

func WithQuiescence(d time.Duration) ConfigOption {
	return func(c *Config) {
		c.Quiescence = d
	}
}

func WithListener(l lifecycle.Listener) ConfigOption {
	return func(c *Config) {
		if l != nil {
			c.Listener = l
		}
	}
}

func WithLogger(logger logger.Logger) ConfigOption {
	return func(c *Config) {
		c.Logger = logger
	}
}

func WithTelemetry(t *sinkotel.Telemetry) ConfigOption {
	return func(c *Config) {
		if t != nil {
			c.Telemetry = t
		}
	}
}

func WithInstance(i int) ConfigOption {
	return func(c *Config) {
		c.Instance = i
	}
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) ConfigOption {
	return func(c *Config) {
		if now != nil {
			c.Now = now
		}
	}
}

func defaultConfig() Config {
	return Config{
		Policy:     writer.DefaultRollingPolicy(),
		Quiescence: time.Minute,
		Listener:   lifecycle.Noop{},
		Logger:     logger.NewNoopLogger(),
		Telemetry:  sinkotel.Noop(),
		Now:        time.Now,
	}
}
