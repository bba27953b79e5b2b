package otel

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	traceNoop "go.opentelemetry.io/otel/trace/noop"
)

const scopeName = "github.com/hugolhafner/go-filesink"

// Telemetry holds all OpenTelemetry instruments for the sink
// When no providers are configured, all instruments are noops with zero overhead
type Telemetry struct {
	Tracer trace.Tracer

	// Writer metrics
	UnitsOpened    metric.Int64Counter
	RecordsWritten metric.Int64Counter
	BytesWritten   metric.Int64Counter

	// Commit metrics
	UnitsPending     metric.Int64UpDownCounter
	UnitsCommitted   metric.Int64Counter
	FinalizeDuration metric.Float64Histogram

	// Partition metrics
	PartitionsActive metric.Int64UpDownCounter

	// Coordination metrics
	CheckpointDuration metric.Float64Histogram

	// Error metrics
	Errors          metric.Int64Counter
	ElementsDropped metric.Int64Counter
}

// NewTelemetry creates a Telemetry instance from the given providers.
// all providers are optional and defaulted to noops if nil
func NewTelemetry(tp trace.TracerProvider, mp metric.MeterProvider) (*Telemetry, error) {
	if tp == nil {
		tp = traceNoop.NewTracerProvider()
	}
	if mp == nil {
		mp = noop.NewMeterProvider()
	}

	tracer := tp.Tracer(scopeName)
	meter := mp.Meter(scopeName)

	unitsOpened, err := meter.Int64Counter(
		"sink.units.opened",
		metric.WithDescription("Output units opened"),
	)
	if err != nil {
		return nil, err
	}

	recordsWritten, err := meter.Int64Counter(
		"sink.records.written",
		metric.WithDescription("Records appended to output units"),
	)
	if err != nil {
		return nil, err
	}

	bytesWritten, err := meter.Int64Counter(
		"sink.bytes.written",
		metric.WithDescription("Bytes appended to output units"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	unitsPending, err := meter.Int64UpDownCounter(
		"sink.units.pending",
		metric.WithDescription("Units flushed but not yet visible"),
	)
	if err != nil {
		return nil, err
	}

	unitsCommitted, err := meter.Int64Counter(
		"sink.units.committed",
		metric.WithDescription("Units finalized and made visible"),
	)
	if err != nil {
		return nil, err
	}

	finalizeDuration, err := meter.Float64Histogram(
		"sink.finalize.duration",
		metric.WithDescription("Time per Finalize() call"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	partitionsActive, err := meter.Int64UpDownCounter(
		"sink.partitions.active",
		metric.WithDescription("Partitions currently active"),
	)
	if err != nil {
		return nil, err
	}

	checkpointDuration, err := meter.Float64Histogram(
		"sink.checkpoint.duration",
		metric.WithDescription("Time from barrier to durable checkpoint state"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	elementsDropped, err := meter.Int64Counter(
		"sink.elements.dropped",
		metric.WithDescription("Elements skipped or dead lettered by the error handler"),
	)
	if err != nil {
		return nil, err
	}

	errors, err := meter.Int64Counter(
		"sink.errors",
		metric.WithDescription("I/O and commit errors encountered"),
	)
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		Tracer:           tracer,
		UnitsOpened:      unitsOpened,
		RecordsWritten:   recordsWritten,
		BytesWritten:     bytesWritten,
		UnitsPending:     unitsPending,
		UnitsCommitted:   unitsCommitted,
		FinalizeDuration: finalizeDuration,
		PartitionsActive: partitionsActive,

		CheckpointDuration: checkpointDuration,

		Errors:          errors,
		ElementsDropped: elementsDropped,
	}, nil
}

// Noop returns a Telemetry instance with all noop instruments
func Noop() *Telemetry {
	t, _ := NewTelemetry(nil, nil)
	return t
}
