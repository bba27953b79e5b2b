// Package snapshot defines the persisted state of one sink instance and its
// binary encoding.
package snapshot

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/hugolhafner/go-filesink/commitlog"
	"github.com/hugolhafner/go-filesink/unit"
)

// State is everything a sink instance needs to recover: the pending commit
// records and the end-of-input flags, one entry per contributing instance.
type State struct {
	Records    []commitlog.Record
	EndOfInput []bool
}

// Empty reports whether the state carries neither pending units nor flags.
func (s *State) Empty() bool {
	return s == nil || (len(s.Records) == 0 && len(s.EndOfInput) == 0)
}

// InstanceFor maps a partition key onto one of n instances. Element routing
// and state redistribution share it so that restored units land on the
// instance that will receive the partition's next records.
func InstanceFor(partition string, n int) int {
	return int(xxhash.Sum64String(partition) % uint64(n))
}

// Redistribute spreads the states of a previous run over parallelism
// instances. Units of a partition follow InstanceFor and keep their checkpoint
// order. Every new instance receives the complete list of end-of-input flags:
// a single false anywhere means no instance can tell whether the data it now
// owns was terminally committed, so all of them re-run end of input.
func Redistribute(states []State, parallelism int) ([]State, error) {
	if parallelism <= 0 {
		return nil, fmt.Errorf("redistribute to %d instances: parallelism must be positive", parallelism)
	}

	logs := make([]*commitlog.Log, parallelism)
	for i := range logs {
		logs[i] = commitlog.New()
	}

	var flags []bool
	for si, st := range states {
		flags = append(flags, st.EndOfInput...)

		grouped := make([][]commitlog.Record, parallelism)
		for _, rec := range st.Records {
			for _, u := range rec.Units {
				target := InstanceFor(u.Partition, parallelism)
				g := grouped[target]
				if k := len(g); k > 0 && g[k-1].CheckpointID == rec.CheckpointID {
					g[k-1].Units = append(g[k-1].Units, u)
				} else {
					g = append(g, commitlog.Record{CheckpointID: rec.CheckpointID, Units: []unit.Unit{u}})
				}
				grouped[target] = g
			}
		}

		for target, recs := range grouped {
			if err := logs[target].Restore(recs); err != nil {
				return nil, fmt.Errorf("redistribute state of instance %d: %w", si, err)
			}
		}
	}

	out := make([]State, parallelism)
	for i, l := range logs {
		out[i] = State{
			Records:    l.Snapshot(),
			EndOfInput: append([]bool(nil), flags...),
		}
	}
	return out, nil
}
