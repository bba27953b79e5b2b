package mockstorage

import (
	"context"
	"fmt"
	"sync"

	"github.com/hugolhafner/go-filesink/storage"
	"github.com/hugolhafner/go-filesink/unit"
)

var _ storage.Store = (*Store)(nil)
var _ storage.Aborter = (*Store)(nil)

// Artifact is the in-memory stand-in for one physical unit.
type Artifact struct {
	Partition string
	Data      []byte
	Closed    bool
	Visible   bool
	Aborted   bool

	FinalizeCalls int
	// Exposures counts transitions to visible; it must never exceed one.
	Exposures int
}

// Store is an in-memory storage.Store with failure injection. It survives
// "restarts" in tests by being shared across sink instances, the same way a
// real filesystem or bucket would be.
type Store struct {
	mu sync.Mutex

	next      int
	artifacts map[unit.Handle]*Artifact
	opened    []unit.Handle
	// finalizeOrder lists handles in the order they first became visible.
	finalizeOrder []unit.Handle

	openErr     func(partition string) error
	writeErr    func(h unit.Handle) error
	closeErr    func(h unit.Handle) error
	finalizeErr func(h unit.Handle) error
}

type Option func(*Store)

func WithOpenError(fn func(partition string) error) Option {
	return func(s *Store) {
		s.openErr = fn
	}
}

func WithWriteError(fn func(h unit.Handle) error) Option {
	return func(s *Store) {
		s.writeErr = fn
	}
}

func WithCloseError(fn func(h unit.Handle) error) Option {
	return func(s *Store) {
		s.closeErr = fn
	}
}

func WithFinalizeError(fn func(h unit.Handle) error) Option {
	return func(s *Store) {
		s.finalizeErr = fn
	}
}

func NewStore(opts ...Option) *Store {
	s := &Store{
		artifacts: make(map[unit.Handle]*Artifact),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetFinalizeError replaces the finalize failure hook; nil clears it.
func (s *Store) SetFinalizeError(fn func(h unit.Handle) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finalizeErr = fn
}

// SetOpenError replaces the open failure hook; nil clears it.
func (s *Store) SetOpenError(fn func(partition string) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.openErr = fn
}

// SetWriteError replaces the write failure hook; nil clears it.
func (s *Store) SetWriteError(fn func(h unit.Handle) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeErr = fn
}

func (s *Store) OpenUnit(_ context.Context, partition string) (unit.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.openErr != nil {
		if err := s.openErr(partition); err != nil {
			return "", err
		}
	}

	s.next++
	h := unit.Handle(fmt.Sprintf("%s/part-%04d", partition, s.next))
	s.artifacts[h] = &Artifact{Partition: partition}
	s.opened = append(s.opened, h)
	return h, nil
}

func (s *Store) Write(_ context.Context, h unit.Handle, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.artifacts[h]
	if !ok {
		return storage.ErrUnknownHandle
	}
	if a.Closed {
		return storage.ErrUnitClosed
	}
	if s.writeErr != nil {
		if err := s.writeErr(h); err != nil {
			return err
		}
	}

	a.Data = append(a.Data, data...)
	return nil
}

func (s *Store) Close(_ context.Context, h unit.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.artifacts[h]
	if !ok {
		return storage.ErrUnknownHandle
	}
	if s.closeErr != nil {
		if err := s.closeErr(h); err != nil {
			return err
		}
	}

	a.Closed = true
	return nil
}

func (s *Store) Finalize(_ context.Context, h unit.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.artifacts[h]
	if !ok {
		return storage.ErrNotFound
	}
	a.FinalizeCalls++

	if s.finalizeErr != nil {
		if err := s.finalizeErr(h); err != nil {
			return err
		}
	}

	if !a.Closed {
		return fmt.Errorf("finalize %s: unit not closed", h)
	}
	if a.Visible {
		return nil
	}

	a.Visible = true
	a.Exposures++
	s.finalizeOrder = append(s.finalizeOrder, h)
	return nil
}

func (s *Store) Abort(_ context.Context, h unit.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.artifacts[h]
	if !ok {
		return storage.ErrUnknownHandle
	}
	a.Aborted = true
	a.Closed = true
	return nil
}

// Artifact returns a copy of the artifact behind h.
func (s *Store) Artifact(h unit.Handle) (Artifact, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.artifacts[h]
	if !ok {
		return Artifact{}, false
	}
	cp := *a
	cp.Data = append([]byte(nil), a.Data...)
	return cp, true
}

// Visible returns the handles that became visible, in order of exposure.
func (s *Store) Visible() []unit.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]unit.Handle, len(s.finalizeOrder))
	copy(out, s.finalizeOrder)
	return out
}

// VisibleFor returns the visible handles of one partition, in order of exposure.
func (s *Store) VisibleFor(partition string) []unit.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []unit.Handle
	for _, h := range s.finalizeOrder {
		if s.artifacts[h].Partition == partition {
			out = append(out, h)
		}
	}
	return out
}

// Handles returns every handle ever opened, in open order.
func (s *Store) Handles() []unit.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]unit.Handle, len(s.opened))
	copy(out, s.opened)
	return out
}
