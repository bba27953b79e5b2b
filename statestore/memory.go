package statestore

import (
	"context"
	"fmt"
	"sync"
	"time"
)

var _ Store = (*MemoryStore)(nil)

type memCheckpoint struct {
	states      map[int][]byte
	parallelism int
	completedAt time.Time
}

// MemoryStore keeps snapshots in process memory. It suits tests and runs
// that only need to survive instance restarts, not process restarts.
type MemoryStore struct {
	mu     sync.RWMutex
	jobs   map[string]map[int64]*memCheckpoint
	closed bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]map[int64]*memCheckpoint)}
}

func (m *MemoryStore) Save(_ context.Context, job string, checkpointID int64, instance int, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}

	cps, ok := m.jobs[job]
	if !ok {
		cps = make(map[int64]*memCheckpoint)
		m.jobs[job] = cps
	}
	cp, ok := cps[checkpointID]
	if !ok {
		cp = &memCheckpoint{states: make(map[int][]byte)}
		cps[checkpointID] = cp
	}
	cp.states[instance] = append([]byte(nil), data...)
	return nil
}

func (m *MemoryStore) Complete(_ context.Context, job string, checkpointID int64, parallelism int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}

	cp, ok := m.jobs[job][checkpointID]
	if !ok {
		return fmt.Errorf("complete checkpoint %d of %s: %w", checkpointID, job, ErrIncomplete)
	}
	for i := 0; i < parallelism; i++ {
		if _, ok := cp.states[i]; !ok {
			return fmt.Errorf("complete checkpoint %d of %s: instance %d: %w", checkpointID, job, i, ErrIncomplete)
		}
	}

	cp.parallelism = parallelism
	cp.completedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) LatestComplete(_ context.Context, job string) (Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return Checkpoint{}, ErrStoreClosed
	}

	var (
		best   *memCheckpoint
		bestID int64
	)
	for id, cp := range m.jobs[job] {
		if cp.completedAt.IsZero() {
			continue
		}
		if best == nil || id > bestID {
			best, bestID = cp, id
		}
	}
	if best == nil {
		return Checkpoint{}, ErrNotFound
	}

	out := Checkpoint{
		ID:          bestID,
		Parallelism: best.parallelism,
		CompletedAt: best.completedAt,
		States:      make([][]byte, best.parallelism),
	}
	for i := range out.States {
		out.States[i] = append([]byte(nil), best.states[i]...)
	}
	return out, nil
}

func (m *MemoryStore) Prune(_ context.Context, job string, checkpointID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}

	for id := range m.jobs[job] {
		if id < checkpointID {
			delete(m.jobs[job], id)
		}
	}
	return nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	return nil
}
