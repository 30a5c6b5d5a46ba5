// Package worker runs the claim/process loops that drain the job queue.
package worker

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"broadcastd/internal/broadcast"
	"broadcastd/internal/metrics"
	"broadcastd/internal/runtime/supervisor"
	"broadcastd/internal/storage"
	logx "broadcastd/pkg/logx"

	"github.com/cockroachdb/errors"
)

// Processor delivers one claimed job. *dispatch.Engine satisfies it.
type Processor interface {
	ProcessJob(ctx context.Context, job *broadcast.Job) (broadcast.Counters, error)
}

type Config struct {
	Topic        string
	WorkerID     string
	Workers      int
	PollInterval time.Duration
	// BatchSize caps one ProcessQueued call when the caller passes no limit.
	BatchSize int
	// MaxStoreErrors consecutive claim failures end the loop so the supervisor restarts it.
	MaxStoreErrors int

	RestartMin    time.Duration
	RestartMax    time.Duration
	MaxRestarts   int
	RestartWindow time.Duration
}

func (c Config) withDefaults() Config {
	if c.Topic == "" {
		c.Topic = broadcast.DefaultTopic
	}
	if c.WorkerID == "" {
		c.WorkerID = DefaultWorkerID()
	}
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.MaxStoreErrors <= 0 {
		c.MaxStoreErrors = 5
	}
	if c.RestartMin <= 0 {
		c.RestartMin = time.Second
	}
	if c.RestartMax < c.RestartMin {
		c.RestartMax = c.RestartMin
	}
	return c
}

// DefaultWorkerID is hostname:pid.
func DefaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return host + ":" + strconv.Itoa(os.Getpid())
}

// RunSummary reports one ProcessQueued call.
type RunSummary struct {
	Processed int `json:"processed"`
	Sent      int `json:"sent"`
	Failed    int `json:"failed"`
}

type Pool struct {
	cfg  Config
	jobs storage.JobStore
	proc Processor
	m    *metrics.Metrics
	log  logx.Logger

	wake chan struct{}

	mu      sync.Mutex
	started bool
}

func New(cfg Config, jobs storage.JobStore, proc Processor, m *metrics.Metrics, log logx.Logger) *Pool {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	return &Pool{
		cfg:  cfg,
		jobs: jobs,
		proc: proc,
		m:    m,
		log:  log.With(logx.String("comp", "worker"), logx.String("topic", cfg.Topic)),
		wake: make(chan struct{}, 1),
	}
}

func (p *Pool) Topic() string    { return p.cfg.Topic }
func (p *Pool) WorkerID() string { return p.cfg.WorkerID }

// Wake cuts the current idle sleep of one worker short. It never blocks.
func (p *Pool) Wake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// WakeChan is the channel Wake writes to, for consumers that signal directly.
func (p *Pool) WakeChan() chan<- struct{} { return p.wake }

// Start launches the worker loops under sup. Each loop restarts on crash and, once
// its restart budget is spent, fails the supervisor.
func (p *Pool) Start(sup *supervisor.Supervisor) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true

	for i := 0; i < p.cfg.Workers; i++ {
		id := fmt.Sprintf("%s/%d", p.cfg.WorkerID, i)
		sup.GoRestart("worker."+strconv.Itoa(i), func(ctx context.Context) error {
			return p.loop(ctx, id)
		},
			supervisor.WithRestartBackoff(p.cfg.RestartMin, p.cfg.RestartMax),
			supervisor.WithMaxRestarts(p.cfg.MaxRestarts),
			supervisor.WithRestartWindow(p.cfg.RestartWindow),
			supervisor.WithFatalOnFinalError(true),
			supervisor.WithPublishFirstError(false),
		)
	}
	p.log.Info("worker pool started",
		logx.String("worker_id", p.cfg.WorkerID),
		logx.Int("workers", p.cfg.Workers),
		logx.Duration("poll", p.cfg.PollInterval),
	)
}

// loop claims and processes jobs until ctx ends. It returns an error only after
// MaxStoreErrors consecutive claim failures.
func (p *Pool) loop(ctx context.Context, workerID string) error {
	log := p.log.With(logx.String("worker", workerID))
	storeErrs := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		job, err := p.claim(ctx, workerID)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			storeErrs++
			if storeErrs >= p.cfg.MaxStoreErrors {
				return errors.Wrapf(err, "claim failed %d times in a row", storeErrs)
			}
			log.Warn("claim failed", logx.Int("attempt", storeErrs), logx.Err(err))
			p.idle(ctx, p.cfg.PollInterval*time.Duration(storeErrs))
			continue
		}
		storeErrs = 0
		if job == nil {
			p.idle(ctx, p.cfg.PollInterval)
			continue
		}
		if _, err := p.proc.ProcessJob(ctx, job); err != nil && ctx.Err() == nil {
			log.Warn("job processing failed", logx.String("job", job.ID), logx.Err(err))
		}
	}
}

// claim treats a lost claim race like an empty queue.
func (p *Pool) claim(ctx context.Context, workerID string) (*broadcast.Job, error) {
	job, err := p.jobs.ClaimNext(ctx, p.cfg.Topic, workerID)
	switch {
	case errors.Is(err, broadcast.ErrClaimConflict):
		p.m.Claim("conflict")
		return nil, nil
	case err != nil:
		p.m.Claim("error")
		return nil, err
	case job == nil:
		p.m.Claim("empty")
		return nil, nil
	}
	p.m.Claim("claimed")
	p.log.Debug("job claimed",
		logx.String("job", job.ID),
		logx.String("worker", workerID),
		logx.Int("pending", job.Counters.Pending),
	)
	return job, nil
}

func (p *Pool) idle(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-p.wake:
	case <-t.C:
	}
}

// ProcessQueued claims and processes up to maxJobs queued jobs in the caller's
// goroutine, as worker "<workerID>/cron". maxJobs <= 0 uses the configured batch size.
//
// Only claim failures are returned; a job that failed pre-flight is already
// recorded FAILED and counts as processed.
func (p *Pool) ProcessQueued(ctx context.Context, maxJobs int) (RunSummary, error) {
	if maxJobs <= 0 {
		maxJobs = p.cfg.BatchSize
	}
	workerID := p.cfg.WorkerID + "/cron"
	var sum RunSummary
	for sum.Processed < maxJobs {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		job, err := p.claim(ctx, workerID)
		if err != nil {
			return sum, errors.Wrap(err, "claim")
		}
		if job == nil {
			break
		}
		c, err := p.proc.ProcessJob(ctx, job)
		if err != nil {
			if ctx.Err() != nil {
				return sum, ctx.Err()
			}
			p.log.Warn("job processing failed", logx.String("job", job.ID), logx.Err(err))
		}
		sum.Processed++
		sum.Sent += c.Sent
		sum.Failed += c.Failed
	}
	if sum.Processed > 0 {
		p.log.Info("queued jobs processed",
			logx.Int("processed", sum.Processed),
			logx.Int("sent", sum.Sent),
			logx.Int("failed", sum.Failed),
		)
	}
	return sum, nil
}
