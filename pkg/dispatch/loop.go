// Package dispatch marshals completions onto a single notification goroutine.
//
// Workers never touch shared observable state directly: they post a closure to
// the Loop, and the Loop runs posted closures one at a time in FIFO order.
// A Handle lets the caller abandon an operation; closures bound to a cancelled
// handle are dropped instead of run.
package dispatch

import (
	"sync"

	"github.com/harun/theatreblood/pkg/outcome"
	"github.com/rs/zerolog"
)

// Loop is the notification context
type Loop struct {
	ch     chan func()
	done   chan struct{}
	logger zerolog.Logger
	mu     sync.RWMutex
	closed bool
}

// NewLoop starts a notification loop with the given queue buffer
func NewLoop(buffer int, logger zerolog.Logger) *Loop {
	if buffer <= 0 {
		buffer = 64
	}
	l := &Loop{
		ch:     make(chan func(), buffer),
		done:   make(chan struct{}),
		logger: logger,
	}
	go l.run()
	return l
}

func (l *Loop) run() {
	defer close(l.done)
	for fn := range l.ch {
		l.invoke(fn)
	}
}

func (l *Loop) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error().Interface("panic", r).Msg("Notification callback panicked")
		}
	}()
	fn()
}

// Post queues fn for the notification goroutine. It returns false once the
// loop is closed.
func (l *Loop) Post(fn func()) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return false
	}
	l.ch <- fn
	return true
}

// TryPost queues fn only if the loop has room. It never blocks and returns
// false when the queue is full or the loop is closed.
func (l *Loop) TryPost(fn func()) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return false
	}
	select {
	case l.ch <- fn:
		return true
	default:
		return false
	}
}

// Flush blocks until everything posted before the call has run
func (l *Loop) Flush() {
	done := make(chan struct{})
	if !l.Post(func() { close(done) }) {
		return
	}
	<-done
}

// Close drains queued callbacks and stops the loop. Safe to call twice.
func (l *Loop) Close() {
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		close(l.ch)
	}
	l.mu.Unlock()
	<-l.done
}

// Deliver posts result to completion unless h was cancelled by the time the
// notification goroutine gets to it. A nil completion is ignored.
func Deliver[T any](l *Loop, h *Handle, completion outcome.Completion[T], result outcome.Result[T]) {
	if completion == nil {
		return
	}
	posted := l.Post(func() {
		if h != nil && h.Cancelled() {
			return
		}
		completion(result)
	})
	if !posted {
		l.logger.Debug().Msg("Notification loop closed, completion dropped")
	}
}
