// Package unit defines the output unit: one physical artifact belonging to
// a single partition, and the states it moves through before it becomes
// visible to readers.
package unit

import (
	"math"
	"time"
)

// Handle is the opaque reference the storage layer hands out for a unit. It
// is persisted in checkpoint state, so it must stay meaningful across
// restarts of the process.
type Handle string

type State int

const (
	StateOpen State = iota
	StatePending
	StateCommitted
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StatePending:
		return "pending"
	case StateCommitted:
		return "committed"
	default:
		return "unknown"
	}
}

const (
	// TerminalCheckpointID orders after every checkpoint the coordinator can issue.
	TerminalCheckpointID int64 = math.MaxInt64

	// Unassigned marks a pending unit that was rolled between snapshots and
	// will be tagged by the next one.
	Unassigned int64 = 0
)

type Unit struct {
	Partition string
	Handle    Handle
	State     State

	// CreatedCheckpoint is the checkpoint in progress when the unit was opened.
	CreatedCheckpoint int64
	// CheckpointID is the snapshot that made the unit pending.
	CheckpointID int64

	Records int64
	Bytes   int64

	OpenedAt       time.Time
	LastWriteAt    time.Time
	FirstEventTime *time.Time
}

func (u *Unit) IsOpen() bool {
	return u.State == StateOpen
}

// MarkPending freezes the unit. Appends to a pending unit are rejected by the writer.
func (u *Unit) MarkPending(checkpointID int64) {
	u.State = StatePending
	u.CheckpointID = checkpointID
}
