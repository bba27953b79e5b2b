// Package coordinator runs a fixed number of sink instances in one process
// and plays the checkpoint coordinator for them: it routes elements, injects
// barriers, persists the resulting states and notifies completion.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	filesink "github.com/hugolhafner/go-filesink"
	"github.com/hugolhafner/go-filesink/logger"
	sinkotel "github.com/hugolhafner/go-filesink/otel"
	"github.com/hugolhafner/go-filesink/record"
	"github.com/hugolhafner/go-filesink/runner"
	"github.com/hugolhafner/go-filesink/snapshot"
	"github.com/hugolhafner/go-filesink/statestore"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

var (
	ErrNotStarted     = errors.New("coordinator not started")
	ErrAlreadyStarted = errors.New("coordinator already started")
)

type Local[T any] struct {
	states  statestore.Store
	keyFn   filesink.KeyFunc[T]
	factory SinkFactory[T]

	instances []*runner.Instance[T]
	group     *errgroup.Group
	cancel    context.CancelFunc

	// mu serializes checkpoints and end of input.
	mu             sync.Mutex
	nextCheckpoint int64

	wmMu       sync.Mutex
	watermarks []int64
	combined   int64

	config    Config
	logger    logger.Logger
	telemetry *sinkotel.Telemetry
}

func New[T any](
	states statestore.Store, keyFn filesink.KeyFunc[T], factory SinkFactory[T], opts ...Option,
) (*Local[T], error) {
	if states == nil || keyFn == nil || factory == nil {
		return nil, errors.New("coordinator: state store, key function and sink factory are required")
	}

	config := defaultConfig()
	for _, opt := range opts {
		opt(&config)
	}

	return &Local[T]{
		states:         states,
		keyFn:          keyFn,
		factory:        factory,
		nextCheckpoint: 1,
		combined:       math.MinInt64,
		config:         config,
		logger:         config.Logger.With("component", "coordinator", "job", config.Job),
		telemetry:      config.Telemetry,
	}, nil
}

// Start restores the latest completed checkpoint, redistributed over the
// configured parallelism, and starts every instance.
func (l *Local[T]) Start(ctx context.Context) error {
	if l.group != nil {
		return ErrAlreadyStarted
	}

	states, err := l.Restore(ctx)
	if err != nil {
		return err
	}

	n := l.config.Parallelism
	l.watermarks = make([]int64, n)
	for i := range l.watermarks {
		l.watermarks[i] = math.MinInt64
	}

	instances := make([]*runner.Instance[T], n)
	for i := 0; i < n; i++ {
		opts := append(
			[]runner.Option{
				runner.WithLogger(l.config.Logger),
				runner.WithTelemetry(l.telemetry),
				runner.WithWatermarkFunc(l.onWatermark),
			},
			l.config.RunnerOptions...,
		)

		idx := i
		inst, err := runner.New[T](
			i, func(coord filesink.Coordinator) (*filesink.Sink[T], error) {
				return l.factory(idx, coord)
			}, opts...,
		)
		if err != nil {
			return err
		}
		instances[i] = inst
	}

	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	for i, inst := range instances {
		var state *snapshot.State
		if states != nil {
			state = &states[i]
		}
		next := l.nextCheckpoint
		g.Go(
			func() error {
				return inst.Run(gctx, state, next)
			},
		)
	}

	l.instances = instances
	l.group = g
	l.cancel = cancel

	l.logger.Info("Coordinator started", "parallelism", n, "next_checkpoint_id", l.nextCheckpoint)
	return nil
}

// Restore loads the latest completed checkpoint of the job and splits it
// across the configured parallelism. It returns nil states for a fresh job.
func (l *Local[T]) Restore(ctx context.Context) ([]snapshot.State, error) {
	if l.group != nil {
		return nil, ErrAlreadyStarted
	}

	cp, err := l.states.LatestComplete(ctx, l.config.Job)
	if errors.Is(err, statestore.ErrNotFound) {
		l.logger.Info("No completed checkpoint, starting fresh")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load latest checkpoint: %w", err)
	}

	decoded := make([]snapshot.State, len(cp.States))
	for i, data := range cp.States {
		st, err := snapshot.Decode(data)
		if err != nil {
			return nil, fmt.Errorf("decode state of instance %d at checkpoint %d: %w", i, cp.ID, err)
		}
		decoded[i] = st
	}

	states, err := snapshot.Redistribute(decoded, l.config.Parallelism)
	if err != nil {
		return nil, fmt.Errorf("redistribute checkpoint %d: %w", cp.ID, err)
	}

	l.nextCheckpoint = cp.ID + 1
	l.logger.Info(
		"Restoring checkpoint",
		"checkpoint_id", cp.ID,
		"previous_parallelism", cp.Parallelism,
		"parallelism", l.config.Parallelism,
	)
	return states, nil
}

// Submit routes an element to the instance owning its partition. Elements
// whose key cannot be extracted go to instance 0, whose error handler
// decides their fate.
func (l *Local[T]) Submit(ctx context.Context, e record.Element[T]) error {
	if l.group == nil {
		return ErrNotStarted
	}

	idx := 0
	if key, err := l.keyFn(e); err == nil {
		idx = snapshot.InstanceFor(key, len(l.instances))
	}
	return l.instances[idx].Submit(ctx, e)
}

// Watermark broadcasts a watermark to every instance.
func (l *Local[T]) Watermark(ctx context.Context, ts int64) error {
	if l.group == nil {
		return ErrNotStarted
	}

	for _, inst := range l.instances {
		if err := inst.Watermark(ctx, ts); err != nil {
			return err
		}
	}
	return nil
}

func (l *Local[T]) onWatermark(instance int, ts int64) {
	l.wmMu.Lock()
	defer l.wmMu.Unlock()

	if ts > l.watermarks[instance] {
		l.watermarks[instance] = ts
	}

	low := int64(math.MaxInt64)
	for _, w := range l.watermarks {
		low = min(low, w)
	}
	if low > l.combined {
		l.combined = low
		l.config.OnWatermark(low)
	}
}

// CombinedWatermark is the lowest watermark forwarded by any instance.
func (l *Local[T]) CombinedWatermark() int64 {
	l.wmMu.Lock()
	defer l.wmMu.Unlock()
	return l.combined
}

// Checkpoint takes one checkpoint: a barrier to every instance, the encoded
// states saved and marked complete, then the completion notified. A failed
// notification leaves the checkpoint durable; the affected units are
// committed by a later notification.
func (l *Local[T]) Checkpoint(ctx context.Context) (int64, error) {
	if l.group == nil {
		return 0, ErrNotStarted
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	return l.checkpoint(ctx)
}

func (l *Local[T]) checkpoint(ctx context.Context) (int64, error) {
	id := l.nextCheckpoint
	l.nextCheckpoint++
	start := l.config.Now()

	ctx, span := l.telemetry.Tracer.Start(
		ctx, "sink checkpoint",
		trace.WithAttributes(sinkotel.AttrCheckpointID.Int64(id)),
	)
	defer span.End()

	g, gctx := errgroup.WithContext(ctx)
	for _, inst := range l.instances {
		g.Go(
			func() error {
				st, err := inst.Barrier(gctx, id)
				if err != nil {
					return fmt.Errorf("barrier %d on instance %d: %w", id, inst.ID(), err)
				}
				if err := l.states.Save(gctx, l.config.Job, id, inst.ID(), snapshot.Encode(st)); err != nil {
					return fmt.Errorf("save state of instance %d: %w", inst.ID(), err)
				}
				return nil
			},
		)
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		l.logger.Warn("Checkpoint failed", "checkpoint_id", id, "error", err)
		return id, err
	}

	if err := l.states.Complete(ctx, l.config.Job, id, len(l.instances)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return id, fmt.Errorf("complete checkpoint %d: %w", id, err)
	}
	l.telemetry.CheckpointDuration.Record(
		ctx, l.config.Now().Sub(start).Seconds(),
		metric.WithAttributes(sinkotel.AttrCheckpointID.Int64(id)),
	)

	var notifyErr error
	for _, inst := range l.instances {
		if err := inst.Complete(ctx, id); err != nil {
			notifyErr = multierr.Append(notifyErr, fmt.Errorf("notify instance %d: %w", inst.ID(), err))
		}
	}

	if keep := int64(l.config.RetainCheckpoints); id-keep+1 > 0 {
		if err := l.states.Prune(ctx, l.config.Job, id-keep+1); err != nil {
			l.logger.Warn("Failed to prune checkpoints", "checkpoint_id", id, "error", err)
		}
	}

	if notifyErr != nil {
		span.RecordError(notifyErr)
		l.logger.Warn("Checkpoint durable but commit incomplete", "checkpoint_id", id, "error", notifyErr)
		return id, notifyErr
	}

	l.logger.Debug("Checkpoint completed", "checkpoint_id", id)
	return id, nil
}

// EndOfInput runs the terminal flow on every instance, then takes a
// checkpoint so a restart sees every instance as finished.
func (l *Local[T]) EndOfInput(ctx context.Context) error {
	if l.group == nil {
		return ErrNotStarted
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, inst := range l.instances {
		g.Go(
			func() error {
				return inst.EndOfInput(gctx)
			},
		)
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("end of input: %w", err)
	}

	if _, err := l.checkpoint(ctx); err != nil {
		return fmt.Errorf("checkpoint after end of input: %w", err)
	}
	l.logger.Info("End of input completed")
	return nil
}

// Close stops every instance and returns the first fatal instance error.
func (l *Local[T]) Close() error {
	if l.group == nil {
		return nil
	}

	l.cancel()
	err := l.group.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}
