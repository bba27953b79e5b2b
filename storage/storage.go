// Package storage is the boundary to the physical I/O layer that writes unit
// bytes and makes units visible.
package storage

import (
	"context"

	"github.com/hugolhafner/go-filesink/unit"
)

// Store writes output units. Implementations are called from a single
// goroutine per sink instance.
type Store interface {
	// OpenUnit starts a new in-progress unit for the partition.
	OpenUnit(ctx context.Context, partition string) (unit.Handle, error)

	// Write appends bytes to an open unit.
	Write(ctx context.Context, h unit.Handle, data []byte) error

	// Close flushes an open unit so that it can later be finalized. No further
	// writes are accepted for the handle.
	Close(ctx context.Context, h unit.Handle) error

	// Finalize makes a closed unit visible to readers. It must be idempotent:
	// finalizing an already visible unit succeeds without exposing it again.
	Finalize(ctx context.Context, h unit.Handle) error
}

// Aborter is implemented by stores that hold resources for open units, such
// as file descriptors or buffers. Aborted units never become visible.
type Aborter interface {
	Abort(ctx context.Context, h unit.Handle) error
}
