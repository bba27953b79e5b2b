// Package partition tracks the partitions a single sink instance has seen and
// raises their lifecycle events.
package partition

import (
	"time"

	"github.com/hugolhafner/go-filesink/unit"
)

type State int

const (
	StateActive State = iota
	StateInactive
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateInactive:
		return "inactive"
	default:
		return "unknown"
	}
}

// Partition is owned by the Registry. The writer only reads and swaps Active.
type Partition struct {
	key   string
	state State

	// Active is the unit currently accepting appends, nil until the next record.
	Active *unit.Unit

	lastActivity time.Time
	// uncommitted counts units opened for this partition that have not been
	// finalized yet, including Active.
	uncommitted int
}

func (p *Partition) Key() string {
	return p.key
}

func (p *Partition) State() State {
	return p.state
}

func (p *Partition) LastActivity() time.Time {
	return p.lastActivity
}

func (p *Partition) Uncommitted() int {
	return p.uncommitted
}
