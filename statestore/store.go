// Package statestore persists encoded sink snapshots so a run can resume from
// its last completed checkpoint.
package statestore

import (
	"context"
	"errors"
	"time"
)

// Store keeps per-instance snapshot blobs grouped by checkpoint. A checkpoint
// only becomes eligible for restore once Complete has been called for it, so
// a crash halfway through saving never yields a partial restore set.
// Implementations must be safe for concurrent use.
type Store interface {
	// Save stores the state of one instance for a checkpoint, overwriting any
	// previous blob for the same (job, checkpoint, instance).
	Save(ctx context.Context, job string, checkpointID int64, instance int, data []byte) error

	// Complete marks a checkpoint as fully persisted. Every instance in
	// [0, parallelism) must have been saved.
	Complete(ctx context.Context, job string, checkpointID int64, parallelism int) error

	// LatestComplete returns the newest completed checkpoint of a job.
	// Returns ErrNotFound if the job has none.
	LatestComplete(ctx context.Context, job string) (Checkpoint, error)

	// Prune removes every checkpoint of the job older than checkpointID.
	Prune(ctx context.Context, job string, checkpointID int64) error

	Close() error
}

// Checkpoint is a completed checkpoint with one state blob per instance,
// indexed by instance number.
type Checkpoint struct {
	ID          int64
	Parallelism int
	CompletedAt time.Time
	States      [][]byte
}

var (
	// ErrNotFound indicates the job has no completed checkpoint.
	ErrNotFound = errors.New("checkpoint not found")

	// ErrStoreClosed indicates the store has been closed.
	ErrStoreClosed = errors.New("state store closed")

	// ErrIncomplete is returned by Complete when an instance state is missing.
	ErrIncomplete = errors.New("checkpoint is missing instance states")
)
