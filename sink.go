// Package filesink is the commit protocol of a checkpoint-aligned,
// partitioned streaming sink. A Sink writes records into per-partition output
// units and makes them visible exactly once, when the checkpoint that made
// them pending is known to be durable.
package filesink

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/hugolhafner/go-filesink/commitlog"
	"github.com/hugolhafner/go-filesink/committer"
	"github.com/hugolhafner/go-filesink/eoi"
	"github.com/hugolhafner/go-filesink/logger"
	sinkotel "github.com/hugolhafner/go-filesink/otel"
	"github.com/hugolhafner/go-filesink/partition"
	"github.com/hugolhafner/go-filesink/record"
	"github.com/hugolhafner/go-filesink/serde"
	"github.com/hugolhafner/go-filesink/snapshot"
	"github.com/hugolhafner/go-filesink/storage"
	"github.com/hugolhafner/go-filesink/unit"
	"github.com/hugolhafner/go-filesink/writer"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const Version = "v0.1.0" // x-release-please-version

// TerminalWatermark is emitted downstream once the final commit is done.
const TerminalWatermark int64 = math.MaxInt64

var (
	ErrClosed         = errors.New("sink is closed")
	ErrNotInitialized = errors.New("sink is not initialized")
)

// Coordinator is the checkpoint coordinator as seen from one sink instance.
type Coordinator interface {
	CurrentCheckpointID() int64
	EmitWatermark(ts int64)
}

// KeyFunc extracts the partition key of an element.
type KeyFunc[T any] func(e record.Element[T]) (string, error)

// Sink is one parallel instance of the sink. All methods must be called from
// a single goroutine; runner.Instance provides that serialization.
type Sink[T any] struct {
	keyFn      KeyFunc[T]
	serialiser serde.Serialiser[T]
	store      storage.Store
	coord      Coordinator

	registry  *partition.Registry
	writer    *writer.Writer
	log       *commitlog.Log
	committer *committer.CheckpointCommitter
	guard     *eoi.Guard

	watermark   int64
	initialized bool
	closed      bool

	config    Config
	logger    logger.Logger
	telemetry *sinkotel.Telemetry
}

func New[T any](
	store storage.Store, keyFn KeyFunc[T], serialiser serde.Serialiser[T], coord Coordinator, opts ...ConfigOption,
) (*Sink[T], error) {
	config := defaultConfig()
	for _, opt := range opts {
		opt(&config)
	}

	return NewWithConfig(store, keyFn, serialiser, coord, config)
}

func NewWithConfig[T any](
	store storage.Store, keyFn KeyFunc[T], serialiser serde.Serialiser[T], coord Coordinator, config Config,
) (*Sink[T], error) {
	if store == nil || keyFn == nil || serialiser == nil || coord == nil {
		return nil, errors.New("filesink: store, key function, serialiser and coordinator are required")
	}

	l := config.Logger.With("instance", config.Instance)
	registry := partition.NewRegistry(
		partition.WithQuiescence(config.Quiescence),
		partition.WithListener(config.Listener),
		partition.WithLogger(l),
		partition.WithTelemetry(config.Telemetry),
	)
	guard := eoi.NewGuard(l)
	log := commitlog.New()

	return &Sink[T]{
		keyFn:      keyFn,
		serialiser: serialiser,
		store:      store,
		coord:      coord,
		registry:   registry,
		writer: writer.New(
			registry, store, coord,
			writer.WithPolicy(config.Policy),
			writer.WithListener(config.Listener),
			writer.WithLogger(l),
			writer.WithTelemetry(config.Telemetry),
		),
		log: log,
		committer: committer.NewCheckpointCommitter(
			log, store, registry, guard,
			committer.WithLogger(l),
			committer.WithTelemetry(config.Telemetry),
		),
		guard:     guard,
		watermark: math.MinInt64,
		config:    config,
		logger:    l.With("component", "sink"),
		telemetry: config.Telemetry,
	}, nil
}

// Initialize restores the instance from state, or starts fresh when state is
// nil. Pending units found in the state are committed by the next completion
// notification, or immediately when end of input already completed.
func (s *Sink[T]) Initialize(ctx context.Context, state *snapshot.State) error {
	if s.closed {
		return ErrClosed
	}
	if s.initialized {
		return errors.New("filesink: already initialized")
	}

	if state != nil {
		if err := s.log.Restore(state.Records); err != nil {
			return fmt.Errorf("restore commit log: %w", err)
		}
		s.guard.Restore(state.EndOfInput)

		now := s.config.Now()
		for _, rec := range state.Records {
			for _, u := range rec.Units {
				s.registry.Seed(u.Partition, 1, now)
			}
		}
		s.logger.Info(
			"Restored state", "pending_units", s.log.Len(), "partitions", s.registry.Len(),
			"end_of_input", s.guard.Phase().String(),
		)
	} else {
		s.guard.Restore(nil)
	}
	s.initialized = true

	if s.guard.Phase() == eoi.PhaseDone && s.log.Len() > 0 {
		// no further notification will be honoured after end of input
		if err := s.committer.CommitUpTo(ctx, unit.TerminalCheckpointID); err != nil {
			return fmt.Errorf("commit restored units after end of input: %w", err)
		}
	}
	return nil
}

// ProcessElement routes one element to its partition and appends it to the
// partition's open unit.
func (s *Sink[T]) ProcessElement(ctx context.Context, e record.Element[T]) error {
	if err := s.ready(); err != nil {
		return err
	}
	if err := s.guard.CheckAppend(); err != nil {
		return err
	}

	key, err := s.keyFn(e)
	if err != nil {
		return NewKeyError(err)
	}
	data, err := s.serialiser.Serialise(key, e.Value)
	if err != nil {
		return NewSerdeError(err, key)
	}

	return s.writer.Append(ctx, key, data, e.EventTime, s.watermark, s.config.Now())
}

// ProcessWatermark records the current event-time watermark and forwards it.
// A watermark that does not advance is dropped.
func (s *Sink[T]) ProcessWatermark(_ context.Context, ts int64) error {
	if err := s.ready(); err != nil {
		return err
	}
	if ts <= s.watermark {
		return nil
	}
	s.watermark = ts
	s.coord.EmitWatermark(ts)
	return nil
}

// Watermark returns the highest watermark seen so far.
func (s *Sink[T]) Watermark() int64 {
	return s.watermark
}

// OnProcessingTime is the periodic bucket check: it applies time based
// rolling and reports partitions that went quiet.
func (s *Sink[T]) OnProcessingTime(ctx context.Context) error {
	if err := s.ready(); err != nil {
		return err
	}

	now := s.config.Now()
	if s.guard.Phase() == eoi.PhaseNormal {
		if err := s.writer.OnProcessingTime(ctx, now, s.watermark); err != nil {
			return err
		}
	}
	s.registry.OnActivityCheck(now)
	return nil
}

// SnapshotState is the checkpoint cut. Open units are rolled and every unit
// pending since the previous snapshot is recorded under checkpointID before
// the state is returned for persistence.
func (s *Sink[T]) SnapshotState(ctx context.Context, checkpointID int64) (snapshot.State, error) {
	if err := s.ready(); err != nil {
		return snapshot.State{}, err
	}

	ctx, span := s.telemetry.Tracer.Start(
		ctx, "sink snapshot",
		trace.WithAttributes(
			sinkotel.AttrCheckpointID.Int64(checkpointID),
			sinkotel.AttrInstance.Int(s.config.Instance),
		),
	)
	defer span.End()

	if s.guard.Phase() == eoi.PhaseNormal {
		units, err := s.writer.Snapshot(ctx, checkpointID, false)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return snapshot.State{}, err
		}
		if err := s.log.RecordPending(checkpointID, units); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return snapshot.State{}, err
		}
		s.logger.Debug("Snapshot taken", "checkpoint_id", checkpointID, "new_pending", len(units), "pending", s.log.Len())
	}

	return snapshot.State{
		Records:    s.log.Snapshot(),
		EndOfInput: s.guard.Flags(),
	}, nil
}

// NotifyCheckpointComplete commits every unit recorded at or before
// checkpointID. It is ignored once end of input has been processed.
func (s *Sink[T]) NotifyCheckpointComplete(ctx context.Context, checkpointID int64) error {
	if err := s.ready(); err != nil {
		return err
	}

	if err := s.committer.OnCheckpointComplete(ctx, checkpointID); err != nil {
		return err
	}
	s.registry.OnActivityCheck(s.config.Now())
	return nil
}

// EndInput runs the terminal flow once: roll every open unit under the
// terminal checkpoint id, commit everything synchronously and emit the
// terminal watermark. Later calls, including after a restore from a state
// where every instance had finished, do nothing.
func (s *Sink[T]) EndInput(ctx context.Context) error {
	if err := s.ready(); err != nil {
		return err
	}

	ctx, span := s.telemetry.Tracer.Start(
		ctx, "sink end of input",
		trace.WithAttributes(sinkotel.AttrInstance.Int(s.config.Instance)),
	)
	defer span.End()

	ran, err := s.guard.Run(ctx, s.finish)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("end of input: %w", err)
	}
	if ran {
		s.logger.Info("End of input committed", "committed_up_to", s.committer.LastCommitted())
	}
	return nil
}

func (s *Sink[T]) finish(ctx context.Context) error {
	units, err := s.writer.Snapshot(ctx, unit.TerminalCheckpointID, true)
	if err != nil {
		return err
	}

	if latest, ok := s.log.Latest(); ok && latest == unit.TerminalCheckpointID {
		// an earlier attempt already recorded terminal units
		err = s.log.Restore([]commitlog.Record{{CheckpointID: unit.TerminalCheckpointID, Units: units}})
	} else {
		err = s.log.RecordPending(unit.TerminalCheckpointID, units)
	}
	if err != nil {
		return err
	}

	if err := s.committer.CommitUpTo(ctx, unit.TerminalCheckpointID); err != nil {
		return err
	}

	s.watermark = TerminalWatermark
	s.coord.EmitWatermark(TerminalWatermark)
	return nil
}

// Pending returns the number of units waiting for a checkpoint to complete.
func (s *Sink[T]) Pending() int {
	return s.log.Len()
}

// Phase reports the end-of-input phase of the instance.
func (s *Sink[T]) Phase() eoi.Phase {
	return s.guard.Phase()
}

// LastCommitted returns the highest checkpoint committed by this instance.
func (s *Sink[T]) LastCommitted() int64 {
	return s.committer.LastCommitted()
}

// Close aborts open units. Pending units are kept invisible: their fate is
// decided by the state of the last completed checkpoint.
func (s *Sink[T]) Close(ctx context.Context) error {
	if s.closed {
		return nil
	}
	s.closed = true

	if err := s.writer.Close(ctx); err != nil {
		return fmt.Errorf("close writer: %w", err)
	}
	s.logger.Debug("Sink closed", "pending", s.log.Len())
	return nil
}

func (s *Sink[T]) ready() error {
	if s.closed {
		return ErrClosed
	}
	if !s.initialized {
		return ErrNotInitialized
	}
	return nil
}
