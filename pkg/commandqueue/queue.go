package commandqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/harun/theatreblood/internal/observability"
	"github.com/harun/theatreblood/internal/tracing"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

const tracerName = "theatreblood.commandqueue"

var (
	// ErrClosed is returned by Enqueue after Close
	ErrClosed = errors.New("command queue closed")
	// ErrUnknownLane is returned for a store the queue was not built with
	ErrUnknownLane = errors.New("unknown lane")
)

// Task is one unit of work on a lane
type Task func(ctx context.Context) (any, error)

// TaskOptions tunes a single enqueue
type TaskOptions struct {
	// WarnAfter reports the task once it has waited this long without starting
	WarnAfter time.Duration
	// OnWait receives the report with the wait so far and the position in
	// the lane. Without it the queue logs the wait itself.
	OnWait func(wait time.Duration, position int)
}

// LaneStats is a snapshot of one lane
type LaneStats struct {
	Pending   int    `json:"pending"`
	Busy      bool   `json:"busy"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
}

type job struct {
	id       string
	ctx      context.Context
	task     Task
	queuedAt time.Time
	opts     TaskOptions
	done     chan taskResult
	started  bool
}

type taskResult struct {
	value any
	err   error
}

type lane struct {
	name string

	mu      sync.Mutex
	pending []*job
	busy    bool
	stats   LaneStats
}

// CommandQueue runs tasks one at a time per store. Each lane has at most one
// drain goroutine, started when work arrives on an idle lane and exiting once
// the lane is empty.
type CommandQueue struct {
	lanes map[string]*lane

	mu     sync.Mutex
	seq    uint64
	closed bool
	active sync.WaitGroup
}

// New creates a queue with one serial lane per store name
func New(stores ...string) *CommandQueue {
	observability.EnsureRegistered()

	cq := &CommandQueue{lanes: make(map[string]*lane, len(stores))}
	for _, name := range stores {
		cq.lanes[name] = &lane{name: name}
	}
	return cq
}

// Enqueue appends task to the store's lane and blocks until it has run or
// was dropped. A task whose context ends before it starts never runs. The
// task's context carries the store name.
func (cq *CommandQueue) Enqueue(ctx context.Context, store string, task Task, options *TaskOptions) (any, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	l, ok := cq.lanes[store]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownLane, store)
	}

	cq.mu.Lock()
	if cq.closed {
		cq.mu.Unlock()
		return nil, ErrClosed
	}
	cq.seq++
	id := fmt.Sprintf("%s-%d", store, cq.seq)
	cq.active.Add(1)
	cq.mu.Unlock()
	defer cq.active.Done()

	if tracing.GetStore(ctx) == "" {
		ctx = tracing.WithStore(ctx, store)
	}
	ctx, span := tracing.StartSpan(ctx, tracerName, "commandqueue.enqueue", attribute.String("task_id", id))

	j := &job{id: id, ctx: ctx, task: task, queuedAt: time.Now(), done: make(chan taskResult, 1)}
	if options != nil {
		j.opts = *options
	}

	l.mu.Lock()
	l.pending = append(l.pending, j)
	pending := len(l.pending)
	start := !l.busy
	l.busy = true
	l.mu.Unlock()

	observability.RecordQueueEnqueue(store, pending)

	if start {
		go cq.drain(l)
	}
	if j.opts.WarnAfter > 0 {
		go cq.watch(l, j)
	}

	res := <-j.done
	tracing.EndSpan(span, res.err)
	return res.value, res.err
}

func (cq *CommandQueue) drain(l *lane) {
	for {
		l.mu.Lock()
		if len(l.pending) == 0 {
			l.busy = false
			l.mu.Unlock()
			return
		}
		j := l.pending[0]
		l.pending = l.pending[1:]
		j.started = true
		waiting := len(l.pending)
		l.mu.Unlock()

		observability.SetQueueSize(l.name, waiting)

		cq.execute(l, j)
	}
}

func (cq *CommandQueue) execute(l *lane, j *job) {
	logger := tracing.LoggerFromContext(j.ctx, log.Logger)

	if err := j.ctx.Err(); err != nil {
		logger.Debug().Str("task_id", j.id).Msg("Task abandoned before start")
		cq.finish(l, j, taskResult{err: err}, 0)
		return
	}

	start := time.Now()
	value, err := j.task(j.ctx)
	duration := time.Since(start)

	if err != nil {
		logger.Warn().Err(err).Str("task_id", j.id).Dur("duration", duration).Msg("Task failed")
	} else {
		logger.Debug().Str("task_id", j.id).Dur("duration", duration).Msg("Task completed")
	}
	cq.finish(l, j, taskResult{value: value, err: err}, duration)
}

func (cq *CommandQueue) finish(l *lane, j *job, res taskResult, duration time.Duration) {
	l.mu.Lock()
	if res.err != nil {
		l.stats.Failed++
	} else {
		l.stats.Completed++
	}
	pending := len(l.pending)
	l.mu.Unlock()

	observability.RecordQueueCompletion(l.name, duration, res.err == nil, pending)
	j.done <- res
}

func (cq *CommandQueue) watch(l *lane, j *job) {
	timer := time.NewTimer(j.opts.WarnAfter)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-j.ctx.Done():
		return
	}

	l.mu.Lock()
	position := -1
	if !j.started {
		for i, p := range l.pending {
			if p == j {
				position = i
				break
			}
		}
	}
	l.mu.Unlock()
	if position < 0 {
		return
	}

	wait := time.Since(j.queuedAt)
	if j.opts.OnWait != nil {
		j.opts.OnWait(wait, position)
		return
	}
	logger := tracing.LoggerFromContext(j.ctx, log.Logger)
	logger.Warn().
		Str("task_id", j.id).
		Dur("wait", wait).
		Int("position", position).
		Msg("Task waiting longer than expected")
}

// Pending returns the number of tasks waiting on a store's lane
func (cq *CommandQueue) Pending(store string) int {
	l, ok := cq.lanes[store]
	if !ok {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

// Stats returns a snapshot of every lane
func (cq *CommandQueue) Stats() map[string]LaneStats {
	stats := make(map[string]LaneStats, len(cq.lanes))
	for name, l := range cq.lanes {
		l.mu.Lock()
		s := l.stats
		s.Pending = len(l.pending)
		s.Busy = l.busy
		l.mu.Unlock()
		stats[name] = s
	}
	return stats
}

// Close rejects new tasks and waits for every accepted task to finish.
// Tasks already queued still run so accepted writes are not lost.
func (cq *CommandQueue) Close() error {
	cq.mu.Lock()
	cq.closed = true
	cq.mu.Unlock()

	cq.active.Wait()
	return nil
}
