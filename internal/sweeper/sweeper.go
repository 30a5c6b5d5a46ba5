// Package sweeper enforces retention on finished jobs and webhook logs.
package sweeper

import (
	"context"
	"time"

	"broadcastd/internal/metrics"
	"broadcastd/internal/storage"
	logx "broadcastd/pkg/logx"

	"github.com/cockroachdb/errors"
)

const (
	DefaultJobRetention     = 7 * 24 * time.Hour
	DefaultWebhookRetention = 6 * time.Hour

	targetJobs     = "jobs"
	targetWebhooks = "webhook_logs"
)

type Config struct {
	Jobs        time.Duration
	WebhookLogs time.Duration
}

type Sweeper struct {
	jobs     storage.JobStore
	webhooks storage.WebhookLogStore
	cfg      Config
	m        *metrics.Metrics
	log      logx.Logger
}

func New(jobs storage.JobStore, webhooks storage.WebhookLogStore, cfg Config, m *metrics.Metrics, log logx.Logger) *Sweeper {
	if cfg.Jobs <= 0 {
		cfg.Jobs = DefaultJobRetention
	}
	if cfg.WebhookLogs <= 0 {
		cfg.WebhookLogs = DefaultWebhookRetention
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Sweeper{jobs: jobs, webhooks: webhooks, cfg: cfg, m: m, log: log.With(logx.String("comp", "sweeper"))}
}

// SweepJobs deletes terminal jobs older than the job retention, with their
// recipients and logs.
func (s *Sweeper) SweepJobs(ctx context.Context) (int64, error) {
	n, err := s.jobs.DeleteTerminalOlderThan(ctx, s.cfg.Jobs)
	return s.done(targetJobs, s.cfg.Jobs, n, err)
}

// SweepWebhookLogs deletes COMPLETED and FAILED webhook log entries older than
// the webhook retention.
func (s *Sweeper) SweepWebhookLogs(ctx context.Context) (int64, error) {
	n, err := s.webhooks.DeleteTerminalOlderThan(ctx, s.cfg.WebhookLogs)
	return s.done(targetWebhooks, s.cfg.WebhookLogs, n, err)
}

// SweepAll runs both sweeps. A failure of one does not skip the other.
func (s *Sweeper) SweepAll(ctx context.Context) error {
	_, jerr := s.SweepJobs(ctx)
	_, werr := s.SweepWebhookLogs(ctx)
	return errors.CombineErrors(jerr, werr)
}

func (s *Sweeper) done(target string, retention time.Duration, n int64, err error) (int64, error) {
	if err != nil {
		s.m.SweepFailed(target)
		s.log.Warn("retention sweep failed", logx.String("target", target), logx.Err(err))
		return 0, errors.Wrapf(err, "sweep %s", target)
	}
	s.m.SweepDeleted(target, n)
	if n > 0 {
		s.log.Info("retention sweep", logx.String("target", target), logx.Int64("deleted", n), logx.Duration("retention", retention))
	} else {
		s.log.Debug("retention sweep", logx.String("target", target), logx.Int64("deleted", 0))
	}
	return n, nil
}
