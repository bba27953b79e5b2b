package coordinator

import (
	"time"

	filesink "github.com/hugolhafner/go-filesink"
	"github.com/hugolhafner/go-filesink/logger"
	sinkotel "github.com/hugolhafner/go-filesink/otel"
	"github.com/hugolhafner/go-filesink/runner"
)

type Config struct {
	// Job names the checkpoint series in the state store.
	Job         string
	Parallelism int
	// RetainCheckpoints is how many completed checkpoints are kept in the
	// state store. Older ones are pruned after each checkpoint.
	RetainCheckpoints int

	Logger        logger.Logger
	Telemetry     *sinkotel.Telemetry
	RunnerOptions []runner.Option
	// OnWatermark receives the combined watermark, the minimum over all
	// instances, whenever it advances.
	OnWatermark func(ts int64)
	Now         func() time.Time
}

type Option func(*Config)

func WithJob(job string) Option {
	return func(c *Config) {
		c.Job = job
	}
}

func WithParallelism(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.Parallelism = n
		}
	}
}

func WithRetainCheckpoints(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.RetainCheckpoints = n
		}
	}
}

func WithLogger(l logger.Logger) Option {
	return func(c *Config) {
		c.Logger = l
	}
}

func WithTelemetry(t *sinkotel.Telemetry) Option {
	return func(c *Config) {
		if t != nil {
			c.Telemetry = t
		}
	}
}

// WithRunnerOptions applies opts to every instance.
func WithRunnerOptions(opts ...runner.Option) Option {
	return func(c *Config) {
		c.RunnerOptions = append(c.RunnerOptions, opts...)
	}
}

func WithWatermarkFunc(fn func(ts int64)) Option {
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

func defaultConfig() Config {
	return Config{
		Job:               "filesink",
		Parallelism:       1,
		RetainCheckpoints: 1,
		Logger:            logger.NewNoopLogger(),
		Telemetry:         sinkotel.Noop(),
		OnWatermark:       func(int64) {},
		Now:               time.Now,
	}
}

// SinkFactory builds the sink of instance i around its coordinator view.
type SinkFactory[T any] func(instance int, coord filesink.Coordinator) (*filesink.Sink[T], error)
