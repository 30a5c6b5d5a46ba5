package config

// Config is the file schema. Durations are Go duration strings ("500ms", "15m").
//
// Every scalar can be overridden from the environment with the BROADCASTD_
// prefix plus the section and field, e.g. BROADCASTD_STORAGE_DSN or
// BROADCASTD_DISPATCH_RETRY_MAX. Environment values win over the file.
type Config struct {
	Logging   LoggingConfig   `json:"logging" envPrefix:"LOG_"`
	Alerts    AlertsConfig    `json:"alerts" envPrefix:"ALERTS_"`
	HTTP      HTTPConfig      `json:"http" envPrefix:"HTTP_"`
	Storage   StorageConfig   `json:"storage" envPrefix:"STORAGE_"`
	RateLimit RateLimitConfig `json:"rate_limit" envPrefix:"RATE_LIMIT_"`
	Dispatch  DispatchConfig  `json:"dispatch" envPrefix:"DISPATCH_"`
	Provider  ProviderConfig  `json:"provider" envPrefix:"PROVIDER_"`
	Worker    WorkerConfig    `json:"worker" envPrefix:"WORKER_"`
	Scheduler SchedulerConfig `json:"scheduler" envPrefix:"SCHEDULER_"`
	Retention RetentionConfig `json:"retention" envPrefix:"RETENTION_"`
	AMQP      AMQPConfig      `json:"amqp" envPrefix:"AMQP_"`

	// Catalog seeds projects and templates that are not in the database.
	Catalog CatalogConfig `json:"catalog"`
}

type LoggingConfig struct {
	Level   string      `json:"level" env:"LEVEL"`
	Console bool        `json:"console" env:"CONSOLE"`
	File    LoggingFile `json:"file" envPrefix:"FILE_"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled" env:"ENABLED"`
	Path    string `json:"path" env:"PATH"`
}

// AlertsConfig routes high-severity log events to a Telegram chat.
type AlertsConfig struct {
	MinLevel   string         `json:"min_level,omitempty" env:"MIN_LEVEL"` // default: error
	RatePerSec int            `json:"rate_per_sec,omitempty" env:"RATE_PER_SEC"`
	Telegram   TelegramConfig `json:"telegram" envPrefix:"TELEGRAM_"`
}

type TelegramConfig struct {
	Token    string `json:"token" env:"TOKEN"` // do not log
	ChatID   int64  `json:"chat_id" env:"CHAT_ID"`
	ThreadID int    `json:"thread_id,omitempty" env:"THREAD_ID"`
	APIURL   string `json:"api_url,omitempty" env:"API_URL"`
	Timeout  string `json:"timeout,omitempty" env:"TIMEOUT"`
}

// HTTPConfig controls the API listener.
//
// Security note:
//   - Prefer binding to localhost (default "127.0.0.1:8080").
//   - A non-loopback bind requires cron_token or allow_insecure.
type HTTPConfig struct {
	Enabled       bool   `json:"enabled" env:"ENABLED"`
	Addr          string `json:"addr,omitempty" env:"ADDR"`
	CronToken     string `json:"cron_token,omitempty" env:"CRON_TOKEN"` // do not log
	CronBatch     int    `json:"cron_batch,omitempty" env:"CRON_BATCH"`
	AllowInsecure bool   `json:"allow_insecure,omitempty" env:"ALLOW_INSECURE"`
	Pprof         bool   `json:"pprof,omitempty" env:"PPROF"`
	ReadTimeout   string `json:"read_timeout,omitempty" env:"READ_TIMEOUT"`
	WriteTimeout  string `json:"write_timeout,omitempty" env:"WRITE_TIMEOUT"`
	IdleTimeout   string `json:"idle_timeout,omitempty" env:"IDLE_TIMEOUT"`
}

// StorageConfig selects the job store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/broadcastd.db" }
type StorageConfig struct {
	// Driver is memory, sqlite or postgres.
	Driver string `json:"driver" env:"DRIVER"`
	// Path and BusyTimeout apply to sqlite.
	Path        string `json:"path,omitempty" env:"PATH"`
	BusyTimeout string `json:"busy_timeout,omitempty" env:"BUSY_TIMEOUT"`
	// DSN and MaxOpenConns apply to postgres. Do not log the DSN.
	DSN          string `json:"dsn,omitempty" env:"DSN"`
	MaxOpenConns int    `json:"max_open_conns,omitempty" env:"MAX_OPEN_CONNS"`
}

type RateLimitConfig struct {
	Driver        string `json:"driver" env:"DRIVER"` // memory | redis
	RedisAddr     string `json:"redis_addr,omitempty" env:"REDIS_ADDR"`
	RedisPassword string `json:"redis_password,omitempty" env:"REDIS_PASSWORD"`
	RedisDB       int    `json:"redis_db,omitempty" env:"REDIS_DB"`
	RedisPrefix   string `json:"redis_prefix,omitempty" env:"REDIS_PREFIX"`
	// Default is the sends per window for projects without messages_per_second.
	Default int    `json:"default,omitempty" env:"DEFAULT"`
	Window  string `json:"window,omitempty" env:"WINDOW"`
	// Retries is how many limiter denials one send may wait out.
	Retries int `json:"retries,omitempty" env:"RETRIES"`
}

// DispatchConfig tunes the per-job engine.
//
// RetryMax is a pointer so an explicit 0 (no provider retries) differs from
// "omitted" (3).
type DispatchConfig struct {
	Concurrency  int     `json:"concurrency,omitempty" env:"CONCURRENCY"`
	JobBudget    string  `json:"job_budget,omitempty" env:"JOB_BUDGET"`
	RetryMax     *int    `json:"retry_max,omitempty" env:"RETRY_MAX"`
	RetryBase    string  `json:"retry_base,omitempty" env:"RETRY_BASE"`
	RetryCap     string  `json:"retry_cap,omitempty" env:"RETRY_CAP"`
	RetryJitter  float64 `json:"retry_jitter,omitempty" env:"RETRY_JITTER"`
	CancelPoll   string  `json:"cancel_poll,omitempty" env:"CANCEL_POLL"`
	LimiterError string  `json:"limiter_error_wait,omitempty" env:"LIMITER_ERROR_WAIT"`
}

type ProviderConfig struct {
	BaseURL   string  `json:"base_url" env:"BASE_URL"`
	Timeout   string  `json:"timeout,omitempty" env:"TIMEOUT"`
	MaxRPS    float64 `json:"max_rps,omitempty" env:"MAX_RPS"`
	Burst     int     `json:"burst,omitempty" env:"BURST"`
	UserAgent string  `json:"user_agent,omitempty" env:"USER_AGENT"`
}

type WorkerConfig struct {
	Enabled        bool   `json:"enabled" env:"ENABLED"`
	Topic          string `json:"topic,omitempty" env:"TOPIC"`
	ID             string `json:"id,omitempty" env:"ID"`
	Workers        int    `json:"workers,omitempty" env:"WORKERS"`
	PollInterval   string `json:"poll_interval,omitempty" env:"POLL_INTERVAL"`
	BatchSize      int    `json:"batch_size,omitempty" env:"BATCH_SIZE"`
	MaxStoreErrors int    `json:"max_store_errors,omitempty" env:"MAX_STORE_ERRORS"`
	MaxRestarts    int    `json:"max_restarts,omitempty" env:"MAX_RESTARTS"`
	RestartWindow  string `json:"restart_window,omitempty" env:"RESTART_WINDOW"`
	RestartBackoff string `json:"restart_backoff,omitempty" env:"RESTART_BACKOFF"`
}

// SchedulerConfig controls the in-process triggers. Each schedule accepts a
// cron expression, "@every 5m", or a bare duration; empty uses the default.
type SchedulerConfig struct {
	Enabled        bool   `json:"enabled" env:"ENABLED"`
	Timezone       string `json:"timezone,omitempty" env:"TIMEZONE"`
	Workers        int    `json:"workers,omitempty" env:"WORKERS"`
	DefaultTimeout string `json:"default_timeout,omitempty" env:"DEFAULT_TIMEOUT"`
	HistorySize    int    `json:"history_size,omitempty" env:"HISTORY_SIZE"`

	SendBroadcasts   string `json:"send_broadcasts,omitempty" env:"SEND_BROADCASTS"`
	ReclaimStale     string `json:"reclaim_stale,omitempty" env:"RECLAIM_STALE"`
	SweepJobs        string `json:"sweep_jobs,omitempty" env:"SWEEP_JOBS"`
	SweepWebhookLogs string `json:"sweep_webhook_logs,omitempty" env:"SWEEP_WEBHOOK_LOGS"`
}

type RetentionConfig struct {
	Jobs        string `json:"jobs,omitempty" env:"JOBS"`                 // default 168h
	WebhookLogs string `json:"webhook_logs,omitempty" env:"WEBHOOK_LOGS"` // default 6h
	// StaleAfter is the inactivity after which a PROCESSING job is requeued.
	StaleAfter string `json:"stale_after,omitempty" env:"STALE_AFTER"` // default 30m
}

type AMQPConfig struct {
	URL         string `json:"url,omitempty" env:"URL"` // empty disables wake-ups; do not log
	QueuePrefix string `json:"queue_prefix,omitempty" env:"QUEUE_PREFIX"`
}

type CatalogConfig struct {
	Projects  []CatalogProject  `json:"projects,omitempty"`
	Templates []CatalogTemplate `json:"templates,omitempty"`
}

type CatalogProject struct {
	ID                string `json:"id"`
	Name              string `json:"name,omitempty"`
	MessagesPerSecond int    `json:"messages_per_second,omitempty"`
	SenderID          string `json:"sender_id"`
	AccessToken       string `json:"access_token"`
}

type CatalogTemplate struct {
	ProjectID string            `json:"project_id"`
	Ref       string            `json:"ref"`
	Name      string            `json:"name"`
	Language  string            `json:"language"`
	Body      string            `json:"body,omitempty"`
	Status    string            `json:"status"`
	Mappings  map[string]string `json:"mappings,omitempty"`
}
