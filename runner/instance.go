// Package runner drives one sink instance from a single goroutine. Elements,
// watermarks, checkpoint barriers, completion notifications and end of input
// are delivered as events on one channel, so the sink never sees concurrent
// calls and a barrier is always ordered after the elements submitted before
// it.
package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	filesink "github.com/hugolhafner/go-filesink"
	"github.com/hugolhafner/go-filesink/errorhandler"
	"github.com/hugolhafner/go-filesink/logger"
	sinkotel "github.com/hugolhafner/go-filesink/otel"
	"github.com/hugolhafner/go-filesink/record"
	"github.com/hugolhafner/go-filesink/snapshot"
	"github.com/hugolhafner/go-filesink/storage"
	"go.opentelemetry.io/otel/metric"
)

var ErrStopped = errors.New("instance stopped")

// DeadLetterProducer publishes elements the sink could not write.
type DeadLetterProducer interface {
	Send(ctx context.Context, topic string, key, value []byte) error
}

// SinkFactory builds the sink of one instance. The coordinator it receives is
// the instance itself.
type SinkFactory[T any] func(coord filesink.Coordinator) (*filesink.Sink[T], error)

type eventKind int

const (
	eventElement eventKind = iota
	eventWatermark
	eventBarrier
	eventComplete
	eventEndOfInput
)

type event[T any] struct {
	kind    eventKind
	element record.Element[T]
	// value is the watermark or the checkpoint id, depending on kind.
	value int64
	reply chan result
}

type result struct {
	state snapshot.State
	err   error
}

var _ filesink.Coordinator = (*Instance[any])(nil)

type Instance[T any] struct {
	id      int
	sink    *filesink.Sink[T]
	config  Config
	logger  logger.Logger
	trigger *PeriodicTrigger

	events chan event[T]
	done   chan struct{}
	err    error

	// checkpointID is the checkpoint the elements being written now belong
	// to. It is only touched by the event loop.
	checkpointID int64
}

func New[T any](id int, factory SinkFactory[T], opts ...Option) (*Instance[T], error) {
	config := defaultConfig()
	for _, opt := range opts {
		opt(&config)
	}

	i := &Instance[T]{
		id:     id,
		config: config,
		logger: config.Logger.With("component", "runner", "instance", id),
		trigger: NewPeriodicTrigger(
			WithMaxInterval(config.CheckInterval),
			WithMaxCount(config.CheckEvery),
			WithTriggerClock(config.Now),
		),
		events:       make(chan event[T], config.ChannelBufferSize),
		done:         make(chan struct{}),
		checkpointID: 1,
	}

	s, err := factory(i)
	if err != nil {
		return nil, fmt.Errorf("instance %d: create sink: %w", id, err)
	}
	i.sink = s

	return i, nil
}

func (i *Instance[T]) ID() int {
	return i.id
}

// CurrentCheckpointID implements filesink.Coordinator.
func (i *Instance[T]) CurrentCheckpointID() int64 {
	return i.checkpointID
}

// EmitWatermark implements filesink.Coordinator.
func (i *Instance[T]) EmitWatermark(ts int64) {
	i.config.OnWatermark(i.id, ts)
}

// Done is closed once Run has returned.
func (i *Instance[T]) Done() <-chan struct{} {
	return i.done
}

// Err returns the error Run stopped with, once Done is closed.
func (i *Instance[T]) Err() error {
	select {
	case <-i.done:
		return i.err
	default:
		return nil
	}
}

// Run restores the sink from state and processes events until ctx is
// cancelled or a fatal error occurs. checkpointID is the id of the next
// checkpoint to be taken. Open units are aborted on the way out.
func (i *Instance[T]) Run(ctx context.Context, state *snapshot.State, checkpointID int64) error {
	defer close(i.done)

	if checkpointID > 0 {
		i.checkpointID = checkpointID
	}
	if err := i.sink.Initialize(ctx, state); err != nil {
		i.err = fmt.Errorf("instance %d: initialize: %w", i.id, err)
		i.shutdown(ctx)
		return i.err
	}

	i.logger.Debug("Instance started", "checkpoint_id", i.checkpointID)

	ticker := time.NewTicker(i.trigger.Interval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			i.logger.Debug("Context cancelled, stopping instance")
			i.shutdown(ctx)
			return nil

		case ev := <-i.events:
			if err := i.handle(ctx, ev); err != nil {
				i.logger.Error("Instance failed", "error", err)
				i.err = fmt.Errorf("instance %d: %w", i.id, err)
				i.shutdown(ctx)
				return i.err
			}

		case <-ticker.C:
			i.check(ctx)
		}
	}
}

func (i *Instance[T]) shutdown(ctx context.Context) {
	if err := i.sink.Close(context.WithoutCancel(ctx)); err != nil {
		i.logger.Warn("Failed to close sink", "error", err)
	}
}

func (i *Instance[T]) handle(ctx context.Context, ev event[T]) error {
	switch ev.kind {
	case eventElement:
		if err := i.process(ctx, ev.element); err != nil {
			return err
		}
		i.trigger.RecordProcessed(1)
		if i.trigger.Due() {
			i.check(ctx)
		}
		return nil

	case eventWatermark:
		return i.sink.ProcessWatermark(ctx, ev.value)

	case eventBarrier:
		state, err := i.sink.SnapshotState(ctx, ev.value)
		if ev.value >= i.checkpointID {
			i.checkpointID = ev.value + 1
		}
		ev.reply <- result{state: state, err: err}
		return nil

	case eventComplete:
		// a failed commit is retried by the next notification
		ev.reply <- result{err: i.sink.NotifyCheckpointComplete(ctx, ev.value)}
		return nil

	case eventEndOfInput:
		err := i.sink.EndInput(ctx)
		ev.reply <- result{err: err}
		return err

	default:
		return fmt.Errorf("unknown event kind %d", ev.kind)
	}
}

// check runs the periodic bucket check. A failed roll leaves the unit open,
// so the next check retries it.
func (i *Instance[T]) check(ctx context.Context) {
	if err := i.sink.OnProcessingTime(ctx); err != nil {
		i.logger.Warn("Bucket check failed", "error", err)
	}
	i.trigger.Reset()
}

// process writes a single element, consulting the error handler when the
// failure concerns the element rather than the instance.
func (i *Instance[T]) process(ctx context.Context, e record.Element[T]) error {
	var ec errorhandler.ErrorContext

	for {
		err := i.sink.ProcessElement(ctx, e)
		if err == nil {
			return nil
		}

		phase, partition, ok := classify(err)
		if !ok {
			return err
		}
		if ec.Attempt == 0 {
			ec = errorhandler.NewErrorContext(partition, e.Raw, err).WithCheckpoint(i.checkpointID)
		}
		ec = ec.WithError(err).WithPhase(phase)

		action := i.config.ErrorHandler.Handle(ctx, ec)
		switch action.Type {
		case errorhandler.ActionTypeFail:
			return err

		case errorhandler.ActionTypeRetry:
			ec = ec.IncrementAttempt()
			i.logger.Debug("Retrying element", "attempt", ec.Attempt, "partition", partition)
			continue

		case errorhandler.ActionTypeSendToDLQ:
			if err := i.sendToDLQ(ctx, action.Topic, ec); err != nil {
				return err
			}
			i.recordDropped(ctx, phase)
			return nil

		case errorhandler.ActionTypeContinue:
			i.recordDropped(ctx, phase)
			i.logger.Debug("Skipping failed element", "partition", partition, "phase", phase.String())
			return nil

		default:
			i.logger.Error("Unknown error handler action, failing", "action", action.Type.String(), "error", err)
			return err
		}
	}
}

func (i *Instance[T]) sendToDLQ(ctx context.Context, topic string, ec errorhandler.ErrorContext) error {
	if i.config.DeadLetter == nil {
		return fmt.Errorf("no dead letter producer for topic %s: %w", topic, ec.Error)
	}
	if err := i.config.DeadLetter.Send(ctx, topic, []byte(ec.Partition), ec.Payload); err != nil {
		return fmt.Errorf("send to dead letter topic %s: %w", topic, err)
	}
	i.logger.Debug("Element sent to dead letter topic", "topic", topic, "partition", ec.Partition)
	return nil
}

func (i *Instance[T]) recordDropped(ctx context.Context, phase errorhandler.ErrorPhase) {
	i.config.Telemetry.ElementsDropped.Add(
		ctx, 1, metric.WithAttributes(
			sinkotel.AttrInstance.Int(i.id),
			sinkotel.AttrErrorPhase.String(phase.String()),
		),
	)
}

// classify maps element level failures to an error phase. Anything else is
// fatal for the instance.
func classify(err error) (errorhandler.ErrorPhase, string, bool) {
	if _, ok := filesink.AsKeyError(err); ok {
		return errorhandler.PhaseKey, "", true
	}
	if se, ok := filesink.AsSerdeError(err); ok {
		return errorhandler.PhaseSerde, se.Partition, true
	}
	if ioe, ok := storage.AsIOError(err); ok && (ioe.Op == storage.OpOpen || ioe.Op == storage.OpWrite) {
		return errorhandler.PhaseWrite, ioe.Partition, true
	}
	return errorhandler.PhaseUnknown, "", false
}

func (i *Instance[T]) send(ctx context.Context, ev event[T]) error {
	select {
	case <-i.done:
		return ErrStopped
	default:
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-i.done:
		return ErrStopped
	case i.events <- ev:
		return nil
	}
}

func (i *Instance[T]) request(ctx context.Context, ev event[T]) (result, error) {
	ev.reply = make(chan result, 1)
	if err := i.send(ctx, ev); err != nil {
		return result{}, err
	}

	select {
	case <-ctx.Done():
		return result{}, ctx.Err()
	case <-i.done:
		// the loop may have answered just before stopping
		select {
		case r := <-ev.reply:
			return r, nil
		default:
			return result{}, ErrStopped
		}
	case r := <-ev.reply:
		return r, nil
	}
}

// Submit queues an element. Write failures surface through Run.
func (i *Instance[T]) Submit(ctx context.Context, e record.Element[T]) error {
	return i.send(ctx, event[T]{kind: eventElement, element: e})
}

// Watermark queues a watermark.
func (i *Instance[T]) Watermark(ctx context.Context, ts int64) error {
	return i.send(ctx, event[T]{kind: eventWatermark, value: ts})
}

// Barrier takes the instance's snapshot for checkpointID, after every element
// submitted before it has been written.
func (i *Instance[T]) Barrier(ctx context.Context, checkpointID int64) (snapshot.State, error) {
	r, err := i.request(ctx, event[T]{kind: eventBarrier, value: checkpointID})
	if err != nil {
		return snapshot.State{}, err
	}
	return r.state, r.err
}

// Complete notifies the instance that checkpointID is durable.
func (i *Instance[T]) Complete(ctx context.Context, checkpointID int64) error {
	r, err := i.request(ctx, event[T]{kind: eventComplete, value: checkpointID})
	if err != nil {
		return err
	}
	return r.err
}

// EndOfInput runs the terminal flow of the instance and waits for it.
func (i *Instance[T]) EndOfInput(ctx context.Context) error {
	r, err := i.request(ctx, event[T]{kind: eventEndOfInput})
	if err != nil {
		return err
	}
	return r.err
}
