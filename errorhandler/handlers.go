package errorhandler

import (
	"context"
	"time"

	"github.com/hugolhafner/dskit/backoff"
	"github.com/hugolhafner/go-filesink/logger"
)

// LogAndContinue drops the element.
func LogAndContinue(l logger.Logger) Handler {
	return HandlerFunc(
		func(_ context.Context, ec ErrorContext) Action {
			l.Warn("Dropping element that could not be written", ec.fields()...)
			return Continue()
		},
	)
}

// LogAndFail stops the instance.
func LogAndFail(l logger.Logger) Handler {
	return HandlerFunc(
		func(_ context.Context, ec ErrorContext) Action {
			l.Error("Element could not be written, stopping", ec.fields()...)
			return Fail()
		},
	)
}

// SilentFail stops the instance and leaves reporting to the caller.
func SilentFail() Handler {
	return HandlerFunc(
		func(context.Context, ErrorContext) Action {
			return Fail()
		},
	)
}

// WithMaxAttempts retries transient failures up to maxAttempts, waiting
// b.Next(attempt) before each retry. Everything else goes to fallback.
// Nothing installs it by default: a failed write normally stops the instance
// and recovery restarts from the last completed checkpoint.
func WithMaxAttempts(maxAttempts int, b backoff.Backoff, fallback Handler) Handler {
	return HandlerFunc(
		func(ctx context.Context, ec ErrorContext) Action {
			if !ec.Phase.Transient() || ec.Attempt >= maxAttempts {
				return fallback.Handle(ctx, ec)
			}

			t := time.NewTimer(b.Next(uint(ec.Attempt)))
			defer t.Stop()
			select {
			case <-ctx.Done():
				return Fail()
			case <-t.C:
				return Retry()
			}
		},
	)
}

// WithDLQ turns every Continue decided by inner into a dead letter publish to
// topic. A nil inner always dead letters.
func WithDLQ(topic string, inner Handler) Handler {
	return HandlerFunc(
		func(ctx context.Context, ec ErrorContext) Action {
			action := Continue()
			if inner != nil {
				action = inner.Handle(ctx, ec)
			}

			if action.Type == ActionTypeContinue {
				return SendToDLQ(topic)
			}
			return action
		},
	)
}

// ActionLogger logs the decision of next at level.
func ActionLogger(l logger.Logger, level logger.LogLevel, next Handler) Handler {
	return HandlerFunc(
		func(ctx context.Context, ec ErrorContext) Action {
			action := next.Handle(ctx, ec)
			l.Log(level, "Error handler decision", append(ec.fields(), "action", action.Type.String())...)
			return action
		},
	)
}
