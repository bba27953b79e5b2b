package runner

import (
	"time"

	"github.com/hugolhafner/go-filesink/errorhandler"
	"github.com/hugolhafner/go-filesink/logger"
	sinkotel "github.com/hugolhafner/go-filesink/otel"
)

type Option func(*Config)

func WithLogger(l logger.Logger) Option {
	return func(c *Config) {
		c.Logger = l
	}
}

// WithErrorHandler sets the handler deciding the fate of elements that fail
// to be written
func WithErrorHandler(h errorhandler.Handler) Option {
	return func(c *Config) {
		if h != nil {
			c.ErrorHandler = h
		}
	}
}

func WithTelemetry(t *sinkotel.Telemetry) Option {
	return func(c *Config) {
		if t != nil {
			c.Telemetry = t
		}
	}
}

func WithDeadLetter(p DeadLetterProducer) Option {
	return func(c *Config) {
		c.DeadLetter = p
	}
}

// WithChannelBufferSize sets the buffer size of the instance's event channel
func WithChannelBufferSize(size int) Option {
	return func(c *Config) {
		if size > 0 {
			c.ChannelBufferSize = size
		}
	}
}

// WithCheckInterval sets the longest time between two bucket checks
func WithCheckInterval(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.CheckInterval = d
		}
	}
}

// WithCheckEvery runs a bucket check after n elements
func WithCheckEvery(n int) Option {
	return func(c *Config) {
		c.CheckEvery = n
	}
}

func WithWatermarkFunc(fn WatermarkFunc) Option {
	return func(c *Config) {
		if fn != nil {
			c.OnWatermark = fn
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Config) {
		if now != nil {
			c.Now = now
		}
	}
}
