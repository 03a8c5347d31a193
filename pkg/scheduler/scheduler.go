// Package scheduler triggers store refreshes on a schedule.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/harun/theatreblood/pkg/outcome"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Run statuses
const (
	StatusOK      = "ok"
	StatusError   = "error"
	StatusSkipped = "skipped"
)

// TriggerFunc refreshes one store and waits for the run to settle
type TriggerFunc func(ctx context.Context, store string) error

// JobState tracks the runtime state of a job
type JobState struct {
	NextRun           time.Time     `json:"next_run,omitempty"`
	LastRun           time.Time     `json:"last_run,omitempty"`
	LastStatus        string        `json:"last_status,omitempty"`
	LastError         string        `json:"last_error,omitempty"`
	LastDuration      time.Duration `json:"last_duration,omitempty"`
	ConsecutiveErrors int           `json:"consecutive_errors,omitempty"`
	Running           bool          `json:"running,omitempty"`
}

// Job is a scheduled refresh of one store
type Job struct {
	ID       string   `json:"id"`
	Store    string   `json:"store"`
	Schedule Schedule `json:"schedule"`
	State    JobState `json:"state"`
}

// Event is emitted after every job run
type Event struct {
	JobID    string        `json:"job_id"`
	Store    string        `json:"store"`
	Status   string        `json:"status"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Config holds scheduler configuration
type Config struct {
	Trigger TriggerFunc
	OnEvent func(Event)
	Logger  zerolog.Logger
}

type job struct {
	Job
	entry cron.EntryID
}

// Scheduler runs refresh jobs
type Scheduler struct {
	cron    *cron.Cron
	trigger TriggerFunc
	onEvent func(Event)
	logger  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	jobs    map[string]*job
	started bool
	stopped bool
}

// New creates a scheduler. Jobs fire only after Start.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Trigger == nil {
		return nil, errors.New("trigger is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLogger(cronLogger{cfg.Logger}),
			cron.WithChain(cron.Recover(cronLogger{cfg.Logger})),
		),
		trigger: cfg.Trigger,
		onEvent: cfg.OnEvent,
		logger:  cfg.Logger,
		ctx:     ctx,
		cancel:  cancel,
		jobs:    make(map[string]*job),
	}, nil
}

// Add schedules a refresh of store
func (s *Scheduler) Add(store string, sched Schedule) (Job, error) {
	compiled, err := sched.compile()
	if err != nil {
		return Job{}, fmt.Errorf("invalid schedule: %w", err)
	}
	if store == "" {
		return Job{}, errors.New("store is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return Job{}, errors.New("scheduler is stopped")
	}

	j := &job{Job: Job{ID: uuid.New().String(), Store: store, Schedule: sched}}
	j.entry = s.cron.Schedule(compiled, cron.FuncJob(func() { s.fire(j.ID) }))
	j.State.NextRun = compiled.Next(time.Now())
	s.jobs[j.ID] = j

	s.logger.Info().
		Str("job_id", j.ID).
		Str("store", store).
		Str("schedule", sched.String()).
		Msg("Refresh job scheduled")

	return j.snapshot(), nil
}

// Replace removes every job and schedules store alone. Used when the
// configuration is reloaded.
func (s *Scheduler) Replace(store string, sched Schedule) (Job, error) {
	if err := sched.Validate(); err != nil {
		return Job{}, fmt.Errorf("invalid schedule: %w", err)
	}
	s.Clear()
	return s.Add(store, sched)
}

// Clear removes every job
func (s *Scheduler) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, j := range s.jobs {
		s.cron.Remove(j.entry)
		delete(s.jobs, id)
		s.logger.Info().Str("job_id", id).Str("store", j.Store).Msg("Refresh job removed")
	}
}

// Jobs returns every job, ordered by store then id
func (s *Scheduler) Jobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j.snapshot())
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].Store != out[b].Store {
			return out[a].Store < out[b].Store
		}
		return out[a].ID < out[b].ID
	})
	return out
}

// Get returns one job
func (s *Scheduler) Get(id string) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return Job{}, false
	}
	return j.snapshot(), true
}

// RunNow runs a job immediately on the calling goroutine
func (s *Scheduler) RunNow(id string) (Event, error) {
	s.mu.Lock()
	_, ok := s.jobs[id]
	s.mu.Unlock()
	if !ok {
		return Event{}, fmt.Errorf("job not found: %s", id)
	}
	return s.fire(id), nil
}

// Start begins firing jobs
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.stopped {
		return
	}
	s.started = true
	s.cron.Start()
	s.logger.Info().Int("jobs", len(s.jobs)).Msg("Scheduler started")
}

// Stop stops firing jobs, cancels running triggers and waits for them
// until ctx is done
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()

	s.cancel()
	select {
	case <-s.cron.Stop().Done():
		s.logger.Info().Msg("Scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) fire(id string) Event {
	s.mu.Lock()
	j, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return Event{JobID: id, Status: StatusSkipped}
	}
	if j.State.Running {
		s.mu.Unlock()
		s.logger.Debug().Str("job_id", id).Msg("Refresh job still running, skipping")
		return s.emit(Event{JobID: id, Store: j.Store, Status: StatusSkipped})
	}
	j.State.Running = true
	store := j.Store
	s.mu.Unlock()

	start := time.Now()
	err := s.trigger(s.ctx, store)
	evt := Event{JobID: id, Store: store, Duration: time.Since(start)}

	switch {
	case err == nil:
		evt.Status = StatusOK
	case errors.Is(err, outcome.ErrAlreadyInProgress):
		evt.Status = StatusSkipped
		evt.Error = err.Error()
	default:
		evt.Status = StatusError
		evt.Error = err.Error()
	}

	s.mu.Lock()
	if j, ok := s.jobs[id]; ok {
		j.State.Running = false
		j.State.LastRun = start
		j.State.LastStatus = evt.Status
		j.State.LastError = evt.Error
		j.State.LastDuration = evt.Duration
		if evt.Status == StatusError {
			j.State.ConsecutiveErrors++
		} else if evt.Status == StatusOK {
			j.State.ConsecutiveErrors = 0
		}
		if next := s.cron.Entry(j.entry).Next; !next.IsZero() {
			j.State.NextRun = next
		} else if t, err := j.Schedule.NextRun(time.Now()); err == nil {
			j.State.NextRun = t
		}
	}
	s.mu.Unlock()

	if evt.Status == StatusError {
		s.logger.Warn().Str("job_id", id).Str("store", store).Str("error", evt.Error).Msg("Scheduled refresh failed")
	} else {
		s.logger.Info().Str("job_id", id).Str("store", store).Str("status", evt.Status).Dur("duration", evt.Duration).Msg("Scheduled refresh finished")
	}
	return s.emit(evt)
}

func (s *Scheduler) emit(evt Event) Event {
	if s.onEvent != nil {
		s.onEvent(evt)
	}
	return evt
}

func (j *job) snapshot() Job {
	return j.Job
}

// cronLogger adapts zerolog to cron.Logger
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
