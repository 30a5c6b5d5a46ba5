package config

import (
	"reflect"
	"sort"
	"strings"

	logx "broadcastd/pkg/logx"
)

// HotSections can be applied without a restart.
var HotSections = map[string]bool{"logging": true}

// SummarizeChange returns the sorted list of changed sections and safe attrs
// for logging. Secrets (tokens, DSNs, URLs with credentials) are never included;
// only whether they are set.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 4)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Alerts, newCfg.Alerts) {
		changed = append(changed, "alerts")
		attrs = append(attrs,
			logx.String("alerts.min_level", newCfg.Alerts.MinLevel),
			logx.Bool("alerts.telegram_set", strings.TrimSpace(newCfg.Alerts.Telegram.Token) != ""),
		)
	}
	if !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP) {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", newCfg.HTTP.Enabled),
			logx.String("http.addr", strings.TrimSpace(newCfg.HTTP.Addr)),
			logx.Bool("http.cron_token_set", strings.TrimSpace(newCfg.HTTP.CronToken) != ""),
		)
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
			logx.Bool("storage.dsn_set", strings.TrimSpace(newCfg.Storage.DSN) != ""),
		)
	}
	if !reflect.DeepEqual(oldCfg.RateLimit, newCfg.RateLimit) {
		changed = append(changed, "rate_limit")
		attrs = append(attrs,
			logx.String("rate_limit.driver", newCfg.RateLimit.Driver),
			logx.Int("rate_limit.default", newCfg.RateLimit.Default),
		)
	}
	if !reflect.DeepEqual(oldCfg.Dispatch, newCfg.Dispatch) {
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.Int("dispatch.concurrency", newCfg.Dispatch.Concurrency),
			logx.Int("dispatch.retry_max", newCfg.Dispatch.RetryMaxOrDefault()),
		)
	}
	if !reflect.DeepEqual(oldCfg.Provider, newCfg.Provider) {
		changed = append(changed, "provider")
		attrs = append(attrs, logx.String("provider.base_url", newCfg.Provider.BaseURL))
	}
	if !reflect.DeepEqual(oldCfg.Worker, newCfg.Worker) {
		changed = append(changed, "worker")
		attrs = append(attrs,
			logx.Bool("worker.enabled", newCfg.Worker.Enabled),
			logx.Int("worker.workers", newCfg.Worker.Workers),
		)
	}
	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs, logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled))
	}
	if !reflect.DeepEqual(oldCfg.Retention, newCfg.Retention) {
		changed = append(changed, "retention")
	}
	if !reflect.DeepEqual(oldCfg.AMQP, newCfg.AMQP) {
		changed = append(changed, "amqp")
		attrs = append(attrs, logx.Bool("amqp.enabled", strings.TrimSpace(newCfg.AMQP.URL) != ""))
	}
	if !reflect.DeepEqual(oldCfg.Catalog, newCfg.Catalog) {
		changed = append(changed, "catalog")
		attrs = append(attrs,
			logx.Int("catalog.projects", len(newCfg.Catalog.Projects)),
			logx.Int("catalog.templates", len(newCfg.Catalog.Templates)),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// NeedsRestart returns the changed sections that hot reload cannot apply.
func NeedsRestart(changed []string) []string {
	var out []string
	for _, s := range changed {
		if !HotSections[s] {
			out = append(out, s)
		}
	}
	return out
}
