// Package writer owns the single open output unit of every partition and
// decides when it rolls over into a pending unit.
package writer

import (
	"context"
	"fmt"
	"time"

	"github.com/hugolhafner/go-filesink/lifecycle"
	"github.com/hugolhafner/go-filesink/logger"
	sinkotel "github.com/hugolhafner/go-filesink/otel"
	"github.com/hugolhafner/go-filesink/partition"
	"github.com/hugolhafner/go-filesink/storage"
	"github.com/hugolhafner/go-filesink/unit"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/multierr"
)

// CheckpointSource reports the checkpoint currently in progress.
type CheckpointSource interface {
	CurrentCheckpointID() int64
}

type Config struct {
	Policy    RollingPolicy
	Listener  lifecycle.UnitListener
	Logger    logger.Logger
	Telemetry *sinkotel.Telemetry
}

type Option func(*Config)

func WithPolicy(p RollingPolicy) Option {
	return func(c *Config) {
		c.Policy = p
	}
}

func WithListener(l lifecycle.UnitListener) Option {
	return func(c *Config) {
		if l != nil {
			c.Listener = l
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

// Writer appends records to per-partition units. Units rolled between
// snapshots wait in staged until the next snapshot assigns them a checkpoint.
type Writer struct {
	registry    *partition.Registry
	store       storage.Store
	checkpoints CheckpointSource
	config      Config

	staged []*unit.Unit

	logger    logger.Logger
	telemetry *sinkotel.Telemetry
}

func New(
	registry *partition.Registry, store storage.Store, checkpoints CheckpointSource, opts ...Option,
) *Writer {
	cfg := Config{
		Policy:    DefaultRollingPolicy(),
		Listener:  lifecycle.Noop{},
		Logger:    logger.NewNoopLogger(),
		Telemetry: sinkotel.Noop(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Writer{
		registry:    registry,
		store:       store,
		checkpoints: checkpoints,
		config:      cfg,
		logger:      cfg.Logger.With("component", "writer"),
		telemetry:   cfg.Telemetry,
	}
}

// Append writes one encoded record to the partition's open unit, opening one
// if needed. A failed open leaves the partition without an active unit; a
// failed write leaves the unit open with its previous contents.
func (w *Writer) Append(
	ctx context.Context, key string, data []byte, eventTime *time.Time, watermark int64, now time.Time,
) error {
	p := w.registry.Route(key, now)

	if p.Active != nil && w.config.Policy.eventTimeExpired(p.Active, watermark) {
		if err := w.stage(ctx, p, RollEventTime, false); err != nil {
			return err
		}
	}

	if p.Active == nil {
		u, err := w.open(ctx, key, now)
		if err != nil {
			return err
		}
		p.Active = u
	}

	u := p.Active
	if err := w.store.Write(ctx, u.Handle, data); err != nil {
		w.recordError(ctx, key, sinkotel.PhaseWrite)
		return storage.NewIOError(storage.OpWrite, key, u.Handle, err)
	}

	u.Records++
	u.Bytes += int64(len(data))
	u.LastWriteAt = now
	if u.FirstEventTime == nil && eventTime != nil {
		t := *eventTime
		u.FirstEventTime = &t
	}

	attrs := metric.WithAttributes(sinkotel.AttrPartition.String(key))
	w.telemetry.RecordsWritten.Add(ctx, 1, attrs)
	w.telemetry.BytesWritten.Add(ctx, int64(len(data)), attrs)

	if reason := w.config.Policy.ShouldRollOnEvent(u); reason != RollNone {
		return w.stage(ctx, p, reason, false)
	}
	return nil
}

func (w *Writer) open(ctx context.Context, key string, now time.Time) (*unit.Unit, error) {
	h, err := w.store.OpenUnit(ctx, key)
	if err != nil {
		w.recordError(ctx, key, sinkotel.PhaseOpen)
		return nil, storage.NewIOError(storage.OpOpen, key, "", err)
	}

	u := &unit.Unit{
		Partition:         key,
		Handle:            h,
		State:             unit.StateOpen,
		CreatedCheckpoint: w.checkpoints.CurrentCheckpointID(),
		OpenedAt:          now,
		LastWriteAt:       now,
	}

	w.registry.UnitOpened(key)
	w.telemetry.UnitsOpened.Add(ctx, 1, metric.WithAttributes(sinkotel.AttrPartition.String(key)))
	w.logger.Debug("Unit opened", "partition", key, "handle", h, "checkpoint_id", u.CreatedCheckpoint)
	w.config.Listener.OnUnitOpened(key, h)

	return u, nil
}

// RolloverIfNeeded closes the partition's open unit when it holds records, or
// unconditionally when force is set, and returns it pending under
// checkpointID. It returns nil when there was nothing to roll. On failure the
// unit stays open and active so a later checkpoint can retry.
func (w *Writer) RolloverIfNeeded(
	ctx context.Context, key string, checkpointID int64, force bool,
) (*unit.Unit, error) {
	p, ok := w.registry.Get(key)
	if !ok || p.Active == nil {
		return nil, nil
	}

	u := p.Active
	if u.Records == 0 && !force {
		return nil, nil
	}

	if err := w.closeUnit(ctx, u); err != nil {
		return nil, err
	}

	p.Active = nil
	u.MarkPending(checkpointID)
	return u, nil
}

func (w *Writer) closeUnit(ctx context.Context, u *unit.Unit) error {
	if err := w.store.Close(ctx, u.Handle); err != nil {
		w.recordError(ctx, u.Partition, sinkotel.PhaseRoll)
		return storage.NewIOError(storage.OpClose, u.Partition, u.Handle, err)
	}
	return nil
}

func (w *Writer) stage(ctx context.Context, p *partition.Partition, reason RollReason, force bool) error {
	u, err := w.RolloverIfNeeded(ctx, p.Key(), unit.Unassigned, force)
	if err != nil {
		return err
	}
	if u == nil {
		return nil
	}

	w.telemetry.UnitsPending.Add(ctx, 1, metric.WithAttributes(sinkotel.AttrRollReason.String(string(reason))))
	w.logger.Debug("Unit rolled", "partition", p.Key(), "handle", u.Handle, "reason", string(reason))
	w.staged = append(w.staged, u)
	return nil
}

// OnProcessingTime applies the time based rolling triggers to every open unit.
func (w *Writer) OnProcessingTime(ctx context.Context, now time.Time, watermark int64) error {
	for _, p := range w.registry.Partitions() {
		if p.Active == nil {
			continue
		}

		reason := w.config.Policy.ShouldRollOnProcessingTime(p.Active, now, watermark)
		if reason == RollNone {
			continue
		}
		if err := w.stage(ctx, p, reason, false); err != nil {
			return err
		}
	}
	return nil
}

// Snapshot is the checkpoint cut: it rolls every open unit holding records
// (or every open unit when force is set) and returns every unit that became
// pending since the last snapshot, tagged with checkpointID, in partition
// order. No record appended before the cut stays in an open unit. If a roll
// fails the units already rolled stay staged for the next snapshot.
func (w *Writer) Snapshot(ctx context.Context, checkpointID int64, force bool) ([]unit.Unit, error) {
	for _, p := range w.registry.Partitions() {
		if p.Active == nil {
			continue
		}

		reason := RollCheckpoint
		if checkpointID == unit.TerminalCheckpointID {
			reason = RollEndOfInput
		}
		if err := w.stage(ctx, p, reason, force); err != nil {
			return nil, fmt.Errorf("roll partition %s for checkpoint %d: %w", p.Key(), checkpointID, err)
		}
	}

	out := make([]unit.Unit, 0, len(w.staged))
	for _, u := range w.staged {
		u.MarkPending(checkpointID)
		out = append(out, *u)
	}
	w.staged = nil

	return out, nil
}

// Staged returns how many rolled units are waiting for the next snapshot.
func (w *Writer) Staged() int {
	return len(w.staged)
}

// Close aborts every open unit and every rolled unit not yet assigned to a
// snapshot. Pending units are left untouched: they are owned by the commit
// log and stay invisible unless their checkpoint commits.
func (w *Writer) Close(ctx context.Context) error {
	aborter, _ := w.store.(storage.Aborter)

	discard := make([]*unit.Unit, 0, len(w.staged))
	discard = append(discard, w.staged...)
	w.staged = nil
	for _, p := range w.registry.Partitions() {
		if p.Active == nil {
			continue
		}
		discard = append(discard, p.Active)
		p.Active = nil
	}

	var err error
	for _, u := range discard {
		w.registry.UnitDiscarded(u.Partition)
		if aborter == nil {
			continue
		}
		if abortErr := aborter.Abort(ctx, u.Handle); abortErr != nil {
			err = multierr.Append(err, storage.NewIOError(storage.OpAbort, u.Partition, u.Handle, abortErr))
		}
	}
	return err
}

func (w *Writer) recordError(ctx context.Context, key, phase string) {
	w.telemetry.Errors.Add(
		ctx, 1, metric.WithAttributes(
			sinkotel.AttrPartition.String(key),
			sinkotel.AttrErrorPhase.String(phase),
		),
	)
}
