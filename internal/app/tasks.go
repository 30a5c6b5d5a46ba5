package app

import (
	"context"

	"broadcastd/internal/config"
	"broadcastd/internal/storage"
	logx "broadcastd/pkg/logx"
)

const (
	taskSendBroadcasts   = "send-broadcasts"
	taskReclaimStale     = "reclaim-stale"
	taskSweepJobs        = "sweep-jobs"
	taskSweepWebhookLogs = "sweep-webhook-logs"
)

// registerTasks adds the periodic triggers. A zero timeout means the
// scheduler's default.
func (a *App) registerTasks(cfg *config.Config) error {
	sc := cfg.Scheduler
	defs := []struct {
		name, spec string
		fn         func(ctx context.Context) error
	}{
		{taskSendBroadcasts, schedule(sc.SendBroadcasts, defaultSendSchedule), a.sendBroadcasts},
		{taskReclaimStale, schedule(sc.ReclaimStale, defaultReclaimSchedule), a.reclaimStale},
		{taskSweepJobs, schedule(sc.SweepJobs, defaultSweepJobs), a.sweepJobs},
		{taskSweepWebhookLogs, schedule(sc.SweepWebhookLogs, defaultSweepWebhooks), a.sweepWebhookLogs},
	}
	for _, d := range defs {
		if err := a.sched.AddSchedule(d.name, d.spec, 0, d.fn); err != nil {
			return err
		}
	}
	return nil
}

func (a *App) sendBroadcasts(ctx context.Context) error {
	_, err := a.pool.ProcessQueued(ctx, a.cronBatch)
	return err
}

// reclaimStale requeues RUNNING jobs whose worker went silent and wakes a
// local worker to pick them up.
func (a *App) reclaimStale(ctx context.Context) error {
	n, err := a.store.Jobs().ReclaimStale(ctx, a.staleAfter)
	if err != nil {
		return err
	}
	a.metrics.Reclaimed(n)
	if n > 0 {
		a.log.Warn("stale jobs requeued", logx.Int64("count", n), logx.Duration("stale_after", a.staleAfter))
		a.pool.Wake()
	}
	return nil
}

func (a *App) sweepJobs(ctx context.Context) error {
	_, err := a.sweeper.SweepJobs(ctx)
	return err
}

func (a *App) sweepWebhookLogs(ctx context.Context) error {
	_, err := a.sweeper.SweepWebhookLogs(ctx)
	return err
}

// Migrate applies pending schema migrations for the configured store.
func Migrate(ctx context.Context, cfgm *config.Manager, log logx.Logger) (int, error) {
	cfg, err := cfgm.Load()
	if err != nil {
		return 0, err
	}
	sc, err := mapStorage(cfg)
	if err != nil {
		return 0, err
	}
	return storage.Migrate(ctx, sc, log.With(logx.String("comp", "storage")))
}
