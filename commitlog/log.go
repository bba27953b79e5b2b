// Package commitlog is the ledger of units that are written but not yet
// visible, keyed by the checkpoint that made them pending. Its contents are
// part of every operator snapshot.
package commitlog

import (
	"fmt"
	"sort"

	"github.com/hugolhafner/go-filesink/unit"
)

// Record is the set of units made pending by one checkpoint.
type Record struct {
	CheckpointID int64
	Units        []unit.Unit
}

// Log holds records in ascending checkpoint order. It is not safe for
// concurrent use.
type Log struct {
	records []Record
}

func New() *Log {
	return &Log{}
}

// RecordPending appends the units of a checkpoint. It must run before the
// snapshot is acknowledged: the returned Snapshot is what gets persisted.
// Records with no units are not kept.
func (l *Log) RecordPending(checkpointID int64, units []unit.Unit) error {
	if checkpointID <= unit.Unassigned {
		return fmt.Errorf("record pending for checkpoint %d: invalid checkpoint id", checkpointID)
	}
	if last, ok := l.Latest(); ok && checkpointID <= last {
		return fmt.Errorf("record pending for checkpoint %d after %d: %w", checkpointID, last, ErrNonMonotonicCheckpoint)
	}
	if len(units) == 0 {
		return nil
	}

	rec := Record{CheckpointID: checkpointID, Units: make([]unit.Unit, len(units))}
	for i, u := range units {
		u.State = unit.StatePending
		u.CheckpointID = checkpointID
		rec.Units[i] = u
	}
	l.records = append(l.records, rec)
	return nil
}

// DrainUpTo removes and returns every unit recorded under a checkpoint id
// less than or equal to checkpointID, oldest checkpoint first. Within a
// checkpoint units keep the order they were recorded in.
func (l *Log) DrainUpTo(checkpointID int64) []unit.Unit {
	n := sort.Search(len(l.records), func(i int) bool { return l.records[i].CheckpointID > checkpointID })
	if n == 0 {
		return nil
	}

	var out []unit.Unit
	for _, rec := range l.records[:n] {
		out = append(out, rec.Units...)
	}
	l.records = append([]Record(nil), l.records[n:]...)
	return out
}

// Requeue puts units back after a failed finalize. Each unit returns to the
// record of its own checkpoint, ahead of anything recorded later, so the
// next drain sees the original order.
func (l *Log) Requeue(units []unit.Unit) {
	if len(units) == 0 {
		return
	}

	var requeued []Record
	for _, u := range units {
		u.State = unit.StatePending
		if k := len(requeued); k > 0 && requeued[k-1].CheckpointID == u.CheckpointID {
			requeued[k-1].Units = append(requeued[k-1].Units, u)
			continue
		}
		requeued = append(requeued, Record{CheckpointID: u.CheckpointID, Units: []unit.Unit{u}})
	}

	l.records = mergeRecords(requeued, l.records)
}

// Snapshot returns a deep copy of the pending records for persistence.
func (l *Log) Snapshot() []Record {
	out := make([]Record, len(l.records))
	for i, rec := range l.records {
		out[i] = Record{
			CheckpointID: rec.CheckpointID,
			Units:        append([]unit.Unit(nil), rec.Units...),
		}
	}
	return out
}

// Restore loads records from a snapshot. After a rescale an instance can be
// handed records from several previous instances, so restored records are
// merged by checkpoint id with anything already present. Every restored unit
// is uncommitted by definition and will be finalized by the next drain.
func (l *Log) Restore(records []Record) error {
	for i, rec := range records {
		if rec.CheckpointID <= unit.Unassigned {
			return NewCorruptStateError(fmt.Sprintf("record %d has invalid checkpoint id %d", i, rec.CheckpointID), nil)
		}
		for j, u := range rec.Units {
			if u.Handle == "" {
				return NewCorruptStateError(fmt.Sprintf("record %d unit %d has no handle", i, j), nil)
			}
			if u.Partition == "" {
				return NewCorruptStateError(fmt.Sprintf("record %d unit %d has no partition", i, j), nil)
			}
		}
	}

	sorted := make([]Record, 0, len(records))
	for _, rec := range records {
		if len(rec.Units) == 0 {
			continue
		}
		units := make([]unit.Unit, len(rec.Units))
		for i, u := range rec.Units {
			u.State = unit.StatePending
			u.CheckpointID = rec.CheckpointID
			units[i] = u
		}
		sorted = append(sorted, Record{CheckpointID: rec.CheckpointID, Units: units})
	}
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].CheckpointID < sorted[j].CheckpointID })

	l.records = mergeRecords(l.records, sorted)
	return nil
}

// Oldest returns the lowest checkpoint id holding pending units.
func (l *Log) Oldest() (int64, bool) {
	if len(l.records) == 0 {
		return 0, false
	}
	return l.records[0].CheckpointID, true
}

// Latest returns the highest checkpoint id holding pending units.
func (l *Log) Latest() (int64, bool) {
	if len(l.records) == 0 {
		return 0, false
	}
	return l.records[len(l.records)-1].CheckpointID, true
}

// Len returns the number of pending units across all records.
func (l *Log) Len() int {
	n := 0
	for _, rec := range l.records {
		n += len(rec.Units)
	}
	return n
}

// mergeRecords merges two ascending record lists. Units of equal checkpoint
// ids are concatenated, a's before b's.
func mergeRecords(a, b []Record) []Record {
	out := make([]Record, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) || j < len(b) {
		switch {
		case j >= len(b) || (i < len(a) && a[i].CheckpointID < b[j].CheckpointID):
			out = appendRecord(out, a[i])
			i++
		case i >= len(a) || b[j].CheckpointID < a[i].CheckpointID:
			out = appendRecord(out, b[j])
			j++
		default:
			out = appendRecord(out, a[i])
			out = appendRecord(out, b[j])
			i++
			j++
		}
	}
	return out
}

func appendRecord(out []Record, rec Record) []Record {
	if k := len(out); k > 0 && out[k-1].CheckpointID == rec.CheckpointID {
		out[k-1].Units = append(out[k-1].Units, rec.Units...)
		return out
	}
	return append(out, Record{CheckpointID: rec.CheckpointID, Units: append([]unit.Unit(nil), rec.Units...)})
}
