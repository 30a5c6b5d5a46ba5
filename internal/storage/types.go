package storage

import (
	"context"
	"time"

	"broadcastd/internal/broadcast"
)

// Config configures storage.
//
// Driver values:
//   - "memory": process-local maps, for tests and single-process demos
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
//   - "postgres": PostgreSQL through pgx's database/sql driver
type Config struct {
	Driver       string
	Path         string        // sqlite only
	DSN          string        // postgres only
	BusyTimeout  time.Duration // sqlite only; 0 means default
	MaxOpenConns int           // postgres only; 0 means default
}

// JobStore is the durable source of truth for broadcast jobs.
//
// Every state transition is a single conditional write (or one transaction), so
// any number of worker processes may share a store.
type JobStore interface {
	Enqueue(ctx context.Context, job broadcast.NewJob) (string, error)
	// ClaimNext returns (nil, nil) when nothing is queued for the topic.
	ClaimNext(ctx context.Context, topic, workerID string) (*broadcast.Job, error)
	RecordOutcome(ctx context.Context, jobID string, index int, out broadcast.Outcome) (broadcast.Counters, error)
	FailPending(ctx context.Context, jobID, reason string) (broadcast.Counters, error)
	ReclaimStale(ctx context.Context, olderThan time.Duration) (int64, error)
	DeleteTerminalOlderThan(ctx context.Context, retention time.Duration) (int64, error)

	Get(ctx context.Context, jobID string) (*broadcast.Job, error)
	// List returns jobs newest first, without recipients.
	List(ctx context.Context, f broadcast.JobFilter) ([]broadcast.Job, error)
	// RequestCancel returns the job's status after the request was applied.
	RequestCancel(ctx context.Context, jobID string) (broadcast.Status, error)
	CancelRequested(ctx context.Context, jobID string) (bool, error)
	Stats(ctx context.Context, topic string) (broadcast.Stats, error)
}

// JobLogStore keeps per-job progress lines. Entries are deleted with their job.
type JobLogStore interface {
	AppendJobLog(ctx context.Context, e broadcast.JobLogEntry) error
	ListJobLogs(ctx context.Context, jobID string, limit int) ([]broadcast.JobLogEntry, error)
}

// WebhookLogStore is an append/status/expire log of inbound provider events.
type WebhookLogStore interface {
	Append(ctx context.Context, e broadcast.WebhookLogEntry) (string, error)
	SetStatus(ctx context.Context, id string, status broadcast.WebhookStatus, errMsg string) error
	// ListPending returns the oldest PENDING entries first.
	ListPending(ctx context.Context, limit int) ([]broadcast.WebhookLogEntry, error)
	DeleteTerminalOlderThan(ctx context.Context, retention time.Duration) (int64, error)
}

// CatalogStore holds projects and message templates.
type CatalogStore interface {
	Project(ctx context.Context, id string) (broadcast.Project, error)
	Template(ctx context.Context, projectID, ref string) (broadcast.Template, error)
	PutProject(ctx context.Context, p broadcast.Project) error
	PutTemplate(ctx context.Context, t broadcast.Template) error
}

// Store bundles the persistence surfaces of one backend.
type Store interface {
	Jobs() JobStore
	JobLogs() JobLogStore
	Webhooks() WebhookLogStore
	Catalog() CatalogStore
	Driver() string
	Ping(ctx context.Context) error
	Close() error
}

const (
	defaultListLimit = 50
	maxListLimit     = 500

	claimAttempts = 3
)

type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides the time source used for timestamps and retention cutoffs.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, fn := range opts {
		if fn != nil {
			fn(&o)
		}
	}
	return o
}

func clampLimit(n int) int {
	if n <= 0 {
		return defaultListLimit
	}
	if n > maxListLimit {
		return maxListLimit
	}
	return n
}
