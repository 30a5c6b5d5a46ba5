package app

import (
	"context"
	"time"

	"broadcastd/internal/broadcast"
	"broadcastd/internal/runtime/supervisor"
	"broadcastd/internal/scheduler"
)

type healthReport struct {
	Status     string               `json:"status"`
	Storage    string               `json:"storage"`
	StorageErr string               `json:"storage_error,omitempty"`
	Jobs       broadcast.Stats      `json:"jobs,omitempty"`
	Supervisor *supervisor.Snapshot `json:"supervisor,omitempty"`
	Scheduler  *scheduler.Snapshot  `json:"scheduler,omitempty"`
}

// Health pings storage and reports queue depth for the worker topic plus the
// supervisor and scheduler state. It is unhealthy when storage is unreachable
// or the supervisor recorded a fatal error.
func (a *App) Health(ctx context.Context) (bool, any) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	rep := healthReport{Status: "ok", Storage: a.store.Driver()}
	ok := true
	if err := a.store.Ping(ctx); err != nil {
		ok = false
		rep.StorageErr = err.Error()
	} else if stats, err := a.store.Jobs().Stats(ctx, a.pool.Topic()); err == nil {
		rep.Jobs = stats
	}
	if a.sup != nil {
		snap := a.sup.Snapshot()
		rep.Supervisor = &snap
		if a.sup.Err() != nil {
			ok = false
		}
	}
	if a.sched != nil {
		snap := a.sched.Snapshot()
		rep.Scheduler = &snap
	}
	if !ok {
		rep.Status = "unhealthy"
	}
	return ok, rep
}
