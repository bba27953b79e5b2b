package errorhandler

import (
	"context"
)

// ErrorPhase is the step of the write path that failed.
type ErrorPhase int

const (
	PhaseUnknown ErrorPhase = iota
	PhaseKey                // extracting the partition key
	PhaseSerde              // encoding the element
	PhaseWrite              // opening or appending to the output unit
)

func (p ErrorPhase) String() string {
	switch p {
	case PhaseKey:
		return "key"
	case PhaseSerde:
		return "serde"
	case PhaseWrite:
		return "write"
	default:
		return "unknown"
	}
}

// Transient reports whether a retry of the same element can succeed. Key
// and serde failures depend only on the element.
func (p ErrorPhase) Transient() bool {
	return p == PhaseWrite
}

var _ Handler = (*PhaseRouter)(nil)

type RouterOption func(*PhaseRouter)

// Route sends errors of phase to h.
func Route(phase ErrorPhase, h Handler) RouterOption {
	return func(r *PhaseRouter) {
		if h != nil {
			r.routes[phase] = h
		}
	}
}

// PhaseRouter picks a handler by error phase.
type PhaseRouter struct {
	fallback Handler
	routes   map[ErrorPhase]Handler
}

// NewPhaseRouter routes unmatched phases to fallback, or fails silently when
// fallback is nil.
func NewPhaseRouter(fallback Handler, opts ...RouterOption) *PhaseRouter {
	if fallback == nil {
		fallback = SilentFail()
	}

	r := &PhaseRouter{
		fallback: fallback,
		routes:   make(map[ErrorPhase]Handler),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *PhaseRouter) Handle(ctx context.Context, ec ErrorContext) Action {
	if h, ok := r.routes[ec.Phase]; ok {
		return h.Handle(ctx, ec)
	}
	return r.fallback.Handle(ctx, ec)
}
