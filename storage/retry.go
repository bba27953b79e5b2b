package storage

import (
	"context"
	"errors"
	"time"

	"github.com/hugolhafner/dskit/backoff"
	"github.com/hugolhafner/go-filesink/logger"
	"github.com/hugolhafner/go-filesink/unit"
)

var _ Store = (*Retrying)(nil)
var _ Aborter = (*Retrying)(nil)

type RetryConfig struct {
	MaxAttempts int
	Backoff     backoff.Backoff
	Logger      logger.Logger
}

type RetryOption func(*RetryConfig)

func WithMaxAttempts(n int) RetryOption {
	return func(c *RetryConfig) {
		if n > 0 {
			c.MaxAttempts = n
		}
	}
}

func WithBackoff(b backoff.Backoff) RetryOption {
	return func(c *RetryConfig) {
		if b != nil {
			c.Backoff = b
		}
	}
}

func WithRetryLogger(l logger.Logger) RetryOption {
	return func(c *RetryConfig) {
		c.Logger = l
	}
}

// Retrying retries Finalize on the wrapped store. Open, write and close
// failures pass straight through: the run is expected to fail and recover from
// the last checkpoint. Finalize is idempotent, so re-issuing it locally is
// safe.
type Retrying struct {
	Store
	config RetryConfig
	logger logger.Logger
}

func NewRetrying(s Store, opts ...RetryOption) *Retrying {
	cfg := RetryConfig{
		MaxAttempts: 3,
		Backoff:     backoff.NewFixed(200 * time.Millisecond),
		Logger:      logger.NewNoopLogger(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Retrying{
		Store:  s,
		config: cfg,
		logger: cfg.Logger.With("component", "storage-retry"),
	}
}

func (r *Retrying) Finalize(ctx context.Context, h unit.Handle) error {
	var lastErr error
	for attempt := 0; attempt < r.config.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return errors.Join(ctx.Err(), lastErr)
			case <-time.After(r.config.Backoff.Next(uint(attempt - 1))):
			}
		}

		err := r.Store.Finalize(ctx, h)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrUnknownHandle) {
			return err
		}

		lastErr = err
		r.logger.Warn("Finalize failed, retrying", "handle", h, "attempt", attempt+1, "error", err)
	}

	return lastErr
}

func (r *Retrying) Abort(ctx context.Context, h unit.Handle) error {
	if a, ok := r.Store.(Aborter); ok {
		return a.Abort(ctx, h)
	}
	return nil
}
