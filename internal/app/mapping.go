package app

import (
	"strings"
	"time"

	"broadcastd/internal/alert"
	"broadcastd/internal/broadcast"
	"broadcastd/internal/config"
	"broadcastd/internal/dispatch"
	"broadcastd/internal/httpapi"
	"broadcastd/internal/notify"
	"broadcastd/internal/provider"
	"broadcastd/internal/ratelimit"
	"broadcastd/internal/scheduler"
	"broadcastd/internal/storage"
	"broadcastd/internal/sweeper"
	"broadcastd/internal/worker"
	logx "broadcastd/pkg/logx"
)

const defaultStaleAfter = 30 * time.Minute

// Trigger schedules used when scheduler.enabled is set but a schedule is omitted.
const (
	defaultSendSchedule    = "@every 1m"
	defaultReclaimSchedule = "@every 5m"
	defaultSweepJobs       = "@daily"
	defaultSweepWebhooks   = "@every 1h"
)

func mapLogging(cfg *config.Config, alerts bool) logx.Config {
	minLevel := cfg.Alerts.MinLevel
	if strings.TrimSpace(minLevel) == "" {
		minLevel = "error"
	}
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Alerts: logx.AlertConfig{
			Enabled:    alerts,
			MinLevel:   minLevel,
			RatePerSec: cfg.Alerts.RatePerSec,
		},
	}
}

func mapAlert(cfg *config.Config) (alert.TelegramConfig, error) {
	tc := cfg.Alerts.Telegram
	timeout, err := config.ParseDurationField("alerts.telegram.timeout", tc.Timeout)
	if err != nil {
		return alert.TelegramConfig{}, err
	}
	return alert.TelegramConfig{
		Token:    tc.Token,
		ChatID:   tc.ChatID,
		ThreadID: tc.ThreadID,
		APIURL:   tc.APIURL,
		Timeout:  timeout,
	}, nil
}

func mapStorage(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:       strings.TrimSpace(sc.Driver),
		Path:         strings.TrimSpace(sc.Path),
		DSN:          strings.TrimSpace(sc.DSN),
		BusyTimeout:  busy,
		MaxOpenConns: sc.MaxOpenConns,
	}, nil
}

func mapRateLimit(cfg *config.Config) ratelimit.Config {
	rc := cfg.RateLimit
	return ratelimit.Config{
		Driver:        rc.Driver,
		RedisAddr:     rc.RedisAddr,
		RedisPassword: rc.RedisPassword,
		RedisDB:       rc.RedisDB,
		RedisPrefix:   rc.RedisPrefix,
	}
}

func mapDispatch(cfg *config.Config) (dispatch.Config, error) {
	dc := cfg.Dispatch
	out := dispatch.Config{
		Concurrency:      dc.Concurrency,
		RateLimit:        cfg.RateLimit.Default,
		RateLimitRetries: cfg.RateLimit.Retries,
		RetryMax:         dc.RetryMaxOrDefault(),
		Backoff:          dispatch.Backoff{Jitter: dc.RetryJitter},
	}
	var err error
	parse := func(path, raw string, dst *time.Duration) {
		if err != nil {
			return
		}
		*dst, err = config.ParseDurationField(path, raw)
	}
	parse("rate_limit.window", cfg.RateLimit.Window, &out.RateWindow)
	parse("dispatch.job_budget", dc.JobBudget, &out.JobBudget)
	parse("dispatch.cancel_poll", dc.CancelPoll, &out.CancelPoll)
	parse("dispatch.limiter_error_wait", dc.LimiterError, &out.LimiterErrorWait)
	parse("dispatch.retry_base", dc.RetryBase, &out.Backoff.Base)
	parse("dispatch.retry_cap", dc.RetryCap, &out.Backoff.Max)
	return out, err
}

func mapProvider(cfg *config.Config) (provider.Config, error) {
	pc := cfg.Provider
	timeout, err := config.ParseDurationField("provider.timeout", pc.Timeout)
	if err != nil {
		return provider.Config{}, err
	}
	return provider.Config{
		BaseURL:   pc.BaseURL,
		Timeout:   timeout,
		MaxRPS:    pc.MaxRPS,
		Burst:     pc.Burst,
		UserAgent: pc.UserAgent,
	}, nil
}

func mapWorker(cfg *config.Config, o Options) (worker.Config, error) {
	wc := cfg.Worker
	out := worker.Config{
		Topic:          wc.Topic,
		WorkerID:       wc.ID,
		Workers:        wc.Workers,
		BatchSize:      wc.BatchSize,
		MaxStoreErrors: wc.MaxStoreErrors,
		MaxRestarts:    wc.MaxRestarts,
	}
	if o.Topic != "" {
		out.Topic = o.Topic
	}
	if o.WorkerID != "" {
		out.WorkerID = o.WorkerID
	}
	var err error
	if out.PollInterval, err = config.ParseDurationField("worker.poll_interval", wc.PollInterval); err != nil {
		return worker.Config{}, err
	}
	if out.RestartWindow, err = config.ParseDurationField("worker.restart_window", wc.RestartWindow); err != nil {
		return worker.Config{}, err
	}
	// A single backoff value pins min and max; otherwise restarts back off from 1s to 30s.
	backoff, err := config.ParseDurationField("worker.restart_backoff", wc.RestartBackoff)
	if err != nil {
		return worker.Config{}, err
	}
	if backoff > 0 {
		out.RestartMin, out.RestartMax = backoff, backoff
	} else {
		out.RestartMax = 30 * time.Second
	}
	return out, nil
}

func mapScheduler(cfg *config.Config) (scheduler.Config, error) {
	sc := cfg.Scheduler
	timeout, err := config.ParseDurationField("scheduler.default_timeout", sc.DefaultTimeout)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		Workers:        sc.Workers,
		DefaultTimeout: timeout,
		HistorySize:    sc.HistorySize,
		Timezone:       sc.Timezone,
	}, nil
}

func mapRetention(cfg *config.Config) (sweeper.Config, time.Duration, error) {
	rc := cfg.Retention
	jobs, err := config.ParseDurationOrDefault("retention.jobs", rc.Jobs, sweeper.DefaultJobRetention)
	if err != nil {
		return sweeper.Config{}, 0, err
	}
	hooks, err := config.ParseDurationOrDefault("retention.webhook_logs", rc.WebhookLogs, sweeper.DefaultWebhookRetention)
	if err != nil {
		return sweeper.Config{}, 0, err
	}
	stale, err := config.ParseDurationOrDefault("retention.stale_after", rc.StaleAfter, defaultStaleAfter)
	if err != nil {
		return sweeper.Config{}, 0, err
	}
	return sweeper.Config{Jobs: jobs, WebhookLogs: hooks}, stale, nil
}

func mapHTTP(cfg *config.Config) (httpapi.ServerConfig, httpapi.Options, error) {
	hc := cfg.HTTP
	sc := httpapi.ServerConfig{Addr: hc.Addr, AllowInsecure: hc.AllowInsecure}
	var err error
	if sc.ReadTimeout, err = config.ParseDurationField("http.read_timeout", hc.ReadTimeout); err != nil {
		return sc, httpapi.Options{}, err
	}
	if sc.WriteTimeout, err = config.ParseDurationField("http.write_timeout", hc.WriteTimeout); err != nil {
		return sc, httpapi.Options{}, err
	}
	if sc.IdleTimeout, err = config.ParseDurationField("http.idle_timeout", hc.IdleTimeout); err != nil {
		return sc, httpapi.Options{}, err
	}
	return sc, httpapi.Options{CronToken: hc.CronToken, CronBatch: hc.CronBatch, Pprof: hc.Pprof}, nil
}

func mapAMQP(cfg *config.Config) notify.Config {
	return notify.Config{URL: cfg.AMQP.URL, QueuePrefix: cfg.AMQP.QueuePrefix}
}

func mapCatalog(cfg *config.Config) *provider.MemoryCatalog {
	projects := make([]broadcast.Project, 0, len(cfg.Catalog.Projects))
	for _, p := range cfg.Catalog.Projects {
		projects = append(projects, broadcast.Project{
			ID:                p.ID,
			Name:              p.Name,
			MessagesPerSecond: p.MessagesPerSecond,
			SenderID:          p.SenderID,
			AccessToken:       p.AccessToken,
		})
	}
	templates := make([]broadcast.Template, 0, len(cfg.Catalog.Templates))
	for _, t := range cfg.Catalog.Templates {
		templates = append(templates, broadcast.Template{
			ProjectID: t.ProjectID,
			Ref:       t.Ref,
			Name:      t.Name,
			Language:  t.Language,
			Body:      t.Body,
			Status:    t.Status,
			Mappings:  t.Mappings,
		})
	}
	return provider.NewMemoryCatalog(projects, templates)
}

// schedule returns raw, or def when raw is empty.
func schedule(raw, def string) string {
	if s := strings.TrimSpace(raw); s != "" {
		return s
	}
	return def
}
