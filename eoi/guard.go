// Package eoi guards the terminal commit issued when a bounded input ends so
// that it runs exactly once per logical run, across restarts and rescales.
package eoi

import (
	"context"
	"errors"

	"github.com/hugolhafner/go-filesink/logger"
)

var (
	// ErrInputEnded is returned when a record arrives after end of input. It
	// points at an ordering bug in the surrounding pipeline.
	ErrInputEnded = errors.New("record appended after end of input")

	// ErrFinalizing is returned when end of input is signalled again while the
	// terminal flow is still running.
	ErrFinalizing = errors.New("end of input is already being processed")
)

type Phase int

const (
	PhaseNormal Phase = iota
	PhaseFinalizing
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhaseNormal:
		return "normal"
	case PhaseFinalizing:
		return "finalizing"
	case PhaseDone:
		return "done"
	default:
		return "unknown"
	}
}

// Guard is the per-instance end-of-input state machine. It is not safe for
// concurrent use.
type Guard struct {
	phase  Phase
	logger logger.Logger
}

func NewGuard(l logger.Logger) *Guard {
	if l == nil {
		l = logger.NewNoopLogger()
	}
	return &Guard{logger: l.With("component", "end-of-input")}
}

// Restore derives the phase from the persisted flags. The terminal commit is
// considered done only when the list is non-empty and holds no false entry;
// anything else re-runs end of input, relying on idempotent finalize to make a
// duplicate terminal commit harmless.
func (g *Guard) Restore(flags []bool) {
	g.phase = PhaseNormal
	if len(flags) == 0 {
		return
	}
	for _, f := range flags {
		if !f {
			g.logger.Info("End of input not completed by every previous instance", "flags", len(flags))
			return
		}
	}
	g.phase = PhaseDone
	g.logger.Info("Restored after end of input", "flags", len(flags))
}

func (g *Guard) Phase() Phase {
	return g.phase
}

// CommitsSuppressed reports whether ordinary checkpoint commits must be
// skipped because the terminal flow has started or finished.
func (g *Guard) CommitsSuppressed() bool {
	return g.phase != PhaseNormal
}

// CheckAppend rejects records once end of input has been signalled.
func (g *Guard) CheckAppend() error {
	if g.phase != PhaseNormal {
		return ErrInputEnded
	}
	return nil
}

// Run executes the terminal flow fn unless it already completed. It reports
// whether fn ran. A failed fn leaves the guard in FINALIZING: commits stay
// suppressed and the run is expected to fail and recover from the last
// checkpoint, whose flags still say false.
func (g *Guard) Run(ctx context.Context, fn func(ctx context.Context) error) (bool, error) {
	switch g.phase {
	case PhaseDone:
		g.logger.Debug("End of input already processed, skipping terminal commit")
		return false, nil
	case PhaseFinalizing:
		return false, ErrFinalizing
	}

	g.phase = PhaseFinalizing
	g.logger.Info("End of input, running terminal commit")
	if err := fn(ctx); err != nil {
		return true, err
	}

	g.phase = PhaseDone
	return true, nil
}

// Flags returns this instance's entry for the persisted end-of-input list.
func (g *Guard) Flags() []bool {
	return []bool{g.phase == PhaseDone}
}
