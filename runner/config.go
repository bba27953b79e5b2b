package runner

import (
	"time"

	"github.com/hugolhafner/go-filesink/errorhandler"
	"github.com/hugolhafner/go-filesink/logger"
	sinkotel "github.com/hugolhafner/go-filesink/otel"
)

// WatermarkFunc receives the watermarks an instance forwards downstream.
type WatermarkFunc func(instance int, ts int64)

type Config struct {
	Logger       logger.Logger
	ErrorHandler errorhandler.Handler
	Telemetry    *sinkotel.Telemetry
	// DeadLetter receives elements the error handler sends to a dead letter
	// topic. Without one, such elements fail the instance.
	DeadLetter DeadLetterProducer

	ChannelBufferSize int
	// CheckInterval and CheckEvery bound the time and element count between
	// two bucket checks.
	CheckInterval time.Duration
	CheckEvery    int

	OnWatermark WatermarkFunc
	Now         func() time.Time
}

// DefaultErrorHandler skips elements that cannot be keyed or serialised and
// fails the instance on anything else, write failures included.
func DefaultErrorHandler(l logger.Logger) errorhandler.Handler {
	return errorhandler.NewPhaseRouter(
		errorhandler.LogAndFail(l),
		errorhandler.Route(errorhandler.PhaseKey, errorhandler.LogAndContinue(l)),
		errorhandler.Route(errorhandler.PhaseSerde, errorhandler.LogAndContinue(l)),
	)
}

func defaultConfig() Config {
	l := logger.NewNoopLogger()
	return Config{
		Logger:            l,
		ErrorHandler:      DefaultErrorHandler(l),
		Telemetry:         sinkotel.Noop(),
		ChannelBufferSize: 100,
		CheckInterval:     time.Second,
		CheckEvery:        1000,
		OnWatermark:       func(int, int64) {},
		Now:               time.Now,
	}
}
