// Package lifecycle defines the callbacks exposed to external collaborators
// such as a catalog or metastore. Each callback fires at most once per
// logical occurrence.
package lifecycle

import (
	"github.com/hugolhafner/go-filesink/unit"
)

type PartitionListener interface {
	OnPartitionCreated(partition string)
	OnPartitionInactive(partition string)
}

type UnitListener interface {
	OnUnitOpened(partition string, handle unit.Handle)
}

type Listener interface {
	PartitionListener
	UnitListener
}

var _ Listener = Noop{}

type Noop struct{}

func (Noop) OnPartitionCreated(string) {}
func (Noop) OnPartitionInactive(string) {}
func (Noop) OnUnitOpened(string, unit.Handle) {}

// Multi fans every callback out to all listeners in order.
func Multi(listeners ...Listener) Listener {
	return multi(listeners)
}

type multi []Listener

func (m multi) OnPartitionCreated(partition string) {
	for _, l := range m {
		l.OnPartitionCreated(partition)
	}
}

func (m multi) OnPartitionInactive(partition string) {
	for _, l := range m {
		l.OnPartitionInactive(partition)
	}
}

func (m multi) OnUnitOpened(partition string, handle unit.Handle) {
	for _, l := range m {
		l.OnUnitOpened(partition, handle)
	}
}

// Event is a recorded lifecycle occurrence, used by Recorder.
type Event struct {
	Type      EventType
	Partition string
	Handle    unit.Handle
}

type EventType string

const (
	EventPartitionCreated  EventType = "partition_created"
	EventPartitionInactive EventType = "partition_inactive"
	EventUnitOpened        EventType = "unit_opened"
)

var _ Listener = (*Recorder)(nil)

// Recorder keeps every callback it receives. It is not safe for concurrent use.
type Recorder struct {
	Events []Event
}

func (r *Recorder) OnPartitionCreated(partition string) {
	r.Events = append(r.Events, Event{Type: EventPartitionCreated, Partition: partition})
}

func (r *Recorder) OnPartitionInactive(partition string) {
	r.Events = append(r.Events, Event{Type: EventPartitionInactive, Partition: partition})
}

func (r *Recorder) OnUnitOpened(partition string, handle unit.Handle) {
	r.Events = append(r.Events, Event{Type: EventUnitOpened, Partition: partition, Handle: handle})
}

// Count returns how many events of the given type were seen for the partition.
func (r *Recorder) Count(t EventType, partition string) int {
	n := 0
	for _, e := range r.Events {
		if e.Type == t && e.Partition == partition {
			n++
		}
	}
	return n
}
