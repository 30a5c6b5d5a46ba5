package config

import (
	"strings"

	"broadcastd/internal/scheduler"
	logx "broadcastd/pkg/logx"

	"github.com/cockroachdb/errors"
)

const DefaultRetryMax = 3

// RetryMaxOrDefault returns the configured provider retry count, DefaultRetryMax when omitted.
func (d DispatchConfig) RetryMaxOrDefault() int {
	if d.RetryMax == nil {
		return DefaultRetryMax
	}
	return *d.RetryMax
}

// Validate checks everything that can be checked without touching the network.
// All problems are reported together.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs error
	add := func(err error) {
		errs = errors.CombineErrors(errs, err)
	}
	dur := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	if lvl := strings.TrimSpace(c.Logging.Level); lvl != "" && !logx.ValidLevel(lvl) {
		add(errors.Newf("logging.level: unknown level %q", lvl))
	}
	if c.Logging.File.Enabled && strings.TrimSpace(c.Logging.File.Path) == "" {
		add(errors.New("logging.file.path is required when logging.file.enabled"))
	}
	if lvl := strings.TrimSpace(c.Alerts.MinLevel); lvl != "" && !logx.ValidLevel(lvl) {
		add(errors.Newf("alerts.min_level: unknown level %q", lvl))
	}
	if c.Alerts.Telegram.Token != "" && c.Alerts.Telegram.ChatID == 0 {
		add(errors.New("alerts.telegram.chat_id is required when a token is set"))
	}
	dur("alerts.telegram.timeout", c.Alerts.Telegram.Timeout)

	dur("http.read_timeout", c.HTTP.ReadTimeout)
	dur("http.write_timeout", c.HTTP.WriteTimeout)
	dur("http.idle_timeout", c.HTTP.IdleTimeout)
	if c.HTTP.CronBatch < 0 {
		add(errors.New("http.cron_batch must be >= 0"))
	}

	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "memory":
	case "sqlite", "sqlite3":
		if strings.TrimSpace(c.Storage.Path) == "" {
			add(errors.New("storage.path is required when storage.driver=sqlite"))
		}
	case "postgres", "postgresql", "pgx":
		if strings.TrimSpace(c.Storage.DSN) == "" {
			add(errors.New("storage.dsn is required when storage.driver=postgres"))
		}
	default:
		add(errors.Newf("unknown storage.driver: %s", c.Storage.Driver))
	}
	dur("storage.busy_timeout", c.Storage.BusyTimeout)

	switch strings.ToLower(strings.TrimSpace(c.RateLimit.Driver)) {
	case "", "memory":
	case "redis":
		if strings.TrimSpace(c.RateLimit.RedisAddr) == "" {
			add(errors.New("rate_limit.redis_addr is required when rate_limit.driver=redis"))
		}
	default:
		add(errors.Newf("unknown rate_limit.driver: %s", c.RateLimit.Driver))
	}
	if c.RateLimit.Default < 0 || c.RateLimit.Retries < 0 {
		add(errors.New("rate_limit.default and rate_limit.retries must be >= 0"))
	}
	dur("rate_limit.window", c.RateLimit.Window)

	if c.Dispatch.Concurrency < 0 || c.Dispatch.Concurrency > 10 {
		add(errors.Newf("dispatch.concurrency must be within 0..10, got %d", c.Dispatch.Concurrency))
	}
	if c.Dispatch.RetryMax != nil && *c.Dispatch.RetryMax < 0 {
		add(errors.New("dispatch.retry_max must be >= 0"))
	}
	if c.Dispatch.RetryJitter < 0 || c.Dispatch.RetryJitter >= 1 {
		add(errors.New("dispatch.retry_jitter must be within [0, 1)"))
	}
	dur("dispatch.job_budget", c.Dispatch.JobBudget)
	dur("dispatch.retry_base", c.Dispatch.RetryBase)
	dur("dispatch.retry_cap", c.Dispatch.RetryCap)
	dur("dispatch.cancel_poll", c.Dispatch.CancelPoll)
	dur("dispatch.limiter_error_wait", c.Dispatch.LimiterError)

	dur("provider.timeout", c.Provider.Timeout)
	if c.Provider.MaxRPS < 0 {
		add(errors.New("provider.max_rps must be >= 0"))
	}

	if c.Worker.Workers < 0 || c.Worker.BatchSize < 0 || c.Worker.MaxStoreErrors < 0 || c.Worker.MaxRestarts < 0 {
		add(errors.New("worker counts must be >= 0"))
	}
	dur("worker.poll_interval", c.Worker.PollInterval)
	dur("worker.restart_window", c.Worker.RestartWindow)
	dur("worker.restart_backoff", c.Worker.RestartBackoff)

	dur("scheduler.default_timeout", c.Scheduler.DefaultTimeout)
	for path, raw := range map[string]string{
		"scheduler.send_broadcasts":    c.Scheduler.SendBroadcasts,
		"scheduler.reclaim_stale":      c.Scheduler.ReclaimStale,
		"scheduler.sweep_jobs":         c.Scheduler.SweepJobs,
		"scheduler.sweep_webhook_logs": c.Scheduler.SweepWebhookLogs,
	} {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		if _, err := scheduler.ParseSchedule(raw); err != nil {
			add(errors.Wrap(err, path))
		}
	}

	dur("retention.jobs", c.Retention.Jobs)
	dur("retention.webhook_logs", c.Retention.WebhookLogs)
	dur("retention.stale_after", c.Retention.StaleAfter)

	seen := map[string]bool{}
	for i, p := range c.Catalog.Projects {
		if strings.TrimSpace(p.ID) == "" {
			add(errors.Newf("catalog.projects[%d].id is required", i))
			continue
		}
		if seen[p.ID] {
			add(errors.Newf("catalog.projects[%d]: duplicate id %s", i, p.ID))
		}
		seen[p.ID] = true
		if p.MessagesPerSecond < 0 {
			add(errors.Newf("catalog.projects[%d].messages_per_second must be >= 0", i))
		}
	}
	for i, t := range c.Catalog.Templates {
		if strings.TrimSpace(t.ProjectID) == "" || strings.TrimSpace(t.Ref) == "" {
			add(errors.Newf("catalog.templates[%d]: project_id and ref are required", i))
		}
	}

	return errs
}
