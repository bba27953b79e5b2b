// Package committer makes pending units visible once the checkpoint that
// recorded them is known to be durable.
package committer

import (
	"context"
	"time"

	"github.com/hugolhafner/go-filesink/commitlog"
	"github.com/hugolhafner/go-filesink/logger"
	sinkotel "github.com/hugolhafner/go-filesink/otel"
	"github.com/hugolhafner/go-filesink/partition"
	"github.com/hugolhafner/go-filesink/storage"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

type Committer interface {
	// OnCheckpointComplete reacts to a completion notification from the
	// checkpoint coordinator.
	OnCheckpointComplete(ctx context.Context, checkpointID int64) error
	// CommitUpTo finalizes every pending unit recorded at or before
	// checkpointID, oldest checkpoint first.
	CommitUpTo(ctx context.Context, checkpointID int64) error
	LastCommitted() int64
}

// Suppressor reports whether completion notifications must be ignored. After
// end of input the terminal flow owns all remaining commits.
type Suppressor interface {
	CommitsSuppressed() bool
}

type Config struct {
	Logger    logger.Logger
	Telemetry *sinkotel.Telemetry
}

type Option func(*Config)

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

var _ Committer = (*CheckpointCommitter)(nil)

type CheckpointCommitter struct {
	log        *commitlog.Log
	store      storage.Store
	registry   *partition.Registry
	suppressor Suppressor

	lastCommitted int64

	logger    logger.Logger
	telemetry *sinkotel.Telemetry
}

func NewCheckpointCommitter(
	log *commitlog.Log, store storage.Store, registry *partition.Registry, suppressor Suppressor, opts ...Option,
) *CheckpointCommitter {
	cfg := Config{
		Logger:    logger.NewNoopLogger(),
		Telemetry: sinkotel.Noop(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	return &CheckpointCommitter{
		log:        log,
		store:      store,
		registry:   registry,
		suppressor: suppressor,
		logger:     cfg.Logger.With("component", "committer"),
		telemetry:  cfg.Telemetry,
	}
}

// OnCheckpointComplete commits everything up to checkpointID unless commits
// are suppressed. Notifications may be skipped or arrive late; a later
// notification covers every earlier checkpoint.
func (c *CheckpointCommitter) OnCheckpointComplete(ctx context.Context, checkpointID int64) error {
	if c.suppressor != nil && c.suppressor.CommitsSuppressed() {
		c.logger.Debug("Ignoring checkpoint completion after end of input", "checkpoint_id", checkpointID)
		return nil
	}
	return c.CommitUpTo(ctx, checkpointID)
}

// CommitUpTo finalizes pending units in log order. When a finalize fails the
// failed unit and everything after it go back to the log, so a later call
// retries them in the same order and nothing becomes visible out of turn.
func (c *CheckpointCommitter) CommitUpTo(ctx context.Context, checkpointID int64) error {
	units := c.log.DrainUpTo(checkpointID)
	if len(units) == 0 {
		if checkpointID > c.lastCommitted {
			c.lastCommitted = checkpointID
		}
		return nil
	}

	ctx, span := c.telemetry.Tracer.Start(
		ctx, "sink commit",
		trace.WithAttributes(
			sinkotel.AttrCheckpointID.Int64(checkpointID),
			attribute.Int("sink.commit.units", len(units)),
		),
	)
	defer span.End()

	for i, u := range units {
		start := time.Now()
		err := c.store.Finalize(ctx, u.Handle)
		attrs := metric.WithAttributes(sinkotel.AttrPartition.String(u.Partition))
		c.telemetry.FinalizeDuration.Record(ctx, time.Since(start).Seconds(), attrs)

		if err != nil {
			c.log.Requeue(units[i:])
			c.telemetry.Errors.Add(
				ctx, 1, metric.WithAttributes(
					sinkotel.AttrPartition.String(u.Partition),
					sinkotel.AttrErrorPhase.String(sinkotel.PhaseFinalize),
				),
			)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			c.logger.Error(
				"Finalize failed", "error", err,
				"partition", u.Partition, "handle", u.Handle, "checkpoint_id", u.CheckpointID,
				"requeued", len(units)-i,
			)
			return storage.NewIOError(storage.OpFinalize, u.Partition, u.Handle, err)
		}

		c.registry.UnitCommitted(u.Partition)
		c.telemetry.UnitsPending.Add(ctx, -1)
		c.telemetry.UnitsCommitted.Add(ctx, 1, attrs)
		c.logger.Debug("Unit committed", "partition", u.Partition, "handle", u.Handle, "checkpoint_id", u.CheckpointID)
	}

	if checkpointID > c.lastCommitted {
		c.lastCommitted = checkpointID
	}
	c.logger.Info("Checkpoint committed", "checkpoint_id", checkpointID, "units", len(units))
	return nil
}

// LastCommitted returns the highest checkpoint id fully committed by this
// instance since it started.
func (c *CheckpointCommitter) LastCommitted() int64 {
	return c.lastCommitted
}
