package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
)

// Handle tracks one in-flight operation
type Handle struct {
	ctx       context.Context
	cancel    context.CancelFunc
	cancelled atomic.Bool
	done      chan struct{}
	doneOnce  sync.Once
}

// NewHandle derives a cancellable context for an operation
func NewHandle(parent context.Context) *Handle {
	ctx, cancel := context.WithCancel(parent)
	return &Handle{
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Context is the context the operation runs under
func (h *Handle) Context() context.Context {
	return h.ctx
}

// Cancel abandons the operation. Its completion will not fire afterwards.
func (h *Handle) Cancel() {
	h.cancelled.Store(true)
	h.cancel()
}

// Cancelled reports whether Cancel was called
func (h *Handle) Cancelled() bool {
	return h.cancelled.Load()
}

// Finish marks the operation as finished and releases its context
func (h *Handle) Finish() {
	h.doneOnce.Do(func() {
		close(h.done)
		h.cancel()
	})
}

// Wait blocks until the operation finishes or ctx ends
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
