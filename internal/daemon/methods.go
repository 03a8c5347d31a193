package daemon

import (
	"context"
	"fmt"

	"github.com/harun/theatreblood/pkg/gateway"
)

// registerScheduleMethods exposes the refresh scheduler to gateway clients
func (d *Daemon) registerScheduleMethods(srv *gateway.Server) error {
	methods := map[string]gateway.RequestHandler{
		"schedule.jobs": d.handleScheduleJobs,
		"schedule.run":  d.handleScheduleRun,
	}
	for name, handler := range methods {
		if err := srv.RegisterMethod(name, handler); err != nil {
			return fmt.Errorf("failed to register %s: %w", name, err)
		}
	}
	return nil
}

func (d *Daemon) handleScheduleJobs(_ context.Context, _ map[string]interface{}) (interface{}, error) {
	jobs := d.scheduler.Jobs()
	return map[string]interface{}{"jobs": jobs, "count": len(jobs)}, nil
}

// handleScheduleRun fires a job now and answers once its refresh settled
func (d *Daemon) handleScheduleRun(_ context.Context, params map[string]interface{}) (interface{}, error) {
	id, _ := params["id"].(string)
	if id == "" {
		return nil, &gateway.RPCError{Code: gateway.InvalidParams, Message: "id is required"}
	}
	if _, ok := d.scheduler.Get(id); !ok {
		return nil, &gateway.RPCError{Code: gateway.InvalidParams, Message: fmt.Sprintf("unknown job %q", id)}
	}

	evt, err := d.scheduler.RunNow(id)
	if err != nil {
		return nil, err
	}
	job, _ := d.scheduler.Get(id)
	return map[string]interface{}{"event": evt, "job": job}, nil
}
