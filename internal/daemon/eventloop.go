package daemon

import (
	"context"
	"time"
)

// EventLoop runs periodic maintenance while the daemon is up
type EventLoop struct {
	daemon   *Daemon
	interval time.Duration
}

// NewEventLoop creates a new event loop
func NewEventLoop(d *Daemon) *EventLoop {
	return &EventLoop{
		daemon:   d,
		interval: 30 * time.Second,
	}
}

// Run ticks until ctx is done
func (e *EventLoop) Run(ctx context.Context) {
	e.daemon.logger.Info().Msg("Event loop started")

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.daemon.logger.Info().Msg("Event loop stopping")
			return
		case <-ticker.C:
			e.processTasks(ctx)
		}
	}
}

// processTasks logs write backlog per store and the next scheduled refresh
func (e *EventLoop) processTasks(ctx context.Context) {
	st, err := e.daemon.repo.Status(ctx)
	if err != nil {
		e.daemon.logger.Warn().Err(err).Msg("Status collection failed")
		return
	}

	for name, lane := range st.Queue {
		if lane.Pending > 0 {
			e.daemon.logger.Debug().
				Str("store", name).
				Int("queued", lane.Pending).
				Uint64("failed", lane.Failed).
				Str("refresh", st.Refresh[name]).
				Msg("Write backlog")
		}
	}

	for _, job := range e.daemon.scheduler.Jobs() {
		if job.State.ConsecutiveErrors > 0 {
			e.daemon.logger.Warn().
				Str("store", job.Store).
				Int("consecutive_errors", job.State.ConsecutiveErrors).
				Str("last_error", job.State.LastError).
				Time("next_run", job.State.NextRun).
				Msg("Scheduled refresh is failing")
		}
	}
}
