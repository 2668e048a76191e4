// Package interrupt provides the cooperative cancellation handle shared
// by one user turn. The main agent and every subagent it spawns hold the
// same handle, so a single cancel stops everything.
package interrupt

import (
	"context"
	"errors"
	"sync"
)

// ReasonRefuse is the only reserved cancel reason. The permission engine
// uses it to distinguish a user-declined permission from a generic
// interrupt; everyone else observing a cancelled handle treats any other
// reason as a plain interruption.
const ReasonRefuse = "refuse"

type reasonError struct{ reason string }

func (e *reasonError) Error() string { return "interrupted: " + e.reason }

// Handle is a cancellable scope with an optional reason.
type Handle struct {
	ctx    context.Context
	cancel context.CancelCauseFunc

	mu     sync.Mutex
	reason string
}

// New derives a handle from parent.
func New(parent context.Context) *Handle {
	ctx, cancel := context.WithCancelCause(parent)
	return &Handle{ctx: ctx, cancel: cancel}
}

// Context returns the context governed by this handle.
func (h *Handle) Context() context.Context {
	if h == nil {
		return context.Background()
	}
	return h.ctx
}

// Cancel aborts the handle. reason may be empty; the first cancel wins.
func (h *Handle) Cancel(reason string) {
	if h == nil {
		return
	}
	h.mu.Lock()
	if h.reason == "" && h.ctx.Err() == nil {
		h.reason = reason
	}
	h.mu.Unlock()
	h.cancel(&reasonError{reason: reason})
}

// Cancelled reports whether the handle has been aborted.
func (h *Handle) Cancelled() bool {
	if h == nil {
		return false
	}
	return h.ctx.Err() != nil
}

// Reason returns the cancel reason, or "" when not cancelled or
// cancelled without one.
func (h *Handle) Reason() string {
	if h == nil {
		return ""
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.reason != "" {
		return h.reason
	}
	var re *reasonError
	if err := context.Cause(h.ctx); errors.As(err, &re) {
		return re.reason
	}
	return ""
}

// Refused reports whether the handle was cancelled with ReasonRefuse.
func (h *Handle) Refused() bool {
	return h.Cancelled() && h.Reason() == ReasonRefuse
}
