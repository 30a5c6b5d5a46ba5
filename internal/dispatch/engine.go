package dispatch

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"broadcastd/internal/broadcast"
	"broadcastd/internal/metrics"
	"broadcastd/internal/provider"
	"broadcastd/internal/ratelimit"
	"broadcastd/internal/storage"
	logx "broadcastd/pkg/logx"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"
)

const (
	defaultConcurrency = 5
	maxConcurrency     = 10

	recordTimeout = 5 * time.Second
)

// Config tunes one engine. Zero values take the defaults noted per field.
type Config struct {
	Concurrency      int           // in-flight sends per job, 1..10 (5)
	RateLimit        int           // sends per RateWindow when the project sets none (20)
	RateWindow       time.Duration // (1s)
	RateLimitRetries int           // limiter waits per send before giving up (30)
	JobBudget        time.Duration // wall-clock budget since startedAt (15m)
	LimiterErrorWait time.Duration // wait after a limiter backend error (250ms)
	CancelPoll       time.Duration // minimum gap between cancel flag reads (1s)

	RetryMax int // provider retries for transient errors; 0 disables retries
	Backoff  Backoff
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = defaultConcurrency
	}
	if c.Concurrency > maxConcurrency {
		c.Concurrency = maxConcurrency
	}
	if c.RateLimit <= 0 {
		c.RateLimit = 20
	}
	if c.RateWindow <= 0 {
		c.RateWindow = time.Second
	}
	if c.RateLimitRetries <= 0 {
		c.RateLimitRetries = 30
	}
	if c.JobBudget <= 0 {
		c.JobBudget = 15 * time.Minute
	}
	if c.LimiterErrorWait <= 0 {
		c.LimiterErrorWait = 250 * time.Millisecond
	}
	if c.CancelPoll <= 0 {
		c.CancelPoll = time.Second
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	c.Backoff = c.Backoff.withDefaults()
	return c
}

// Deps are the collaborators of the engine. Metrics may be nil.
type Deps struct {
	Jobs    storage.JobStore
	JobLogs storage.JobLogStore
	Catalog provider.Catalog
	Client  provider.Client
	Limiter ratelimit.Limiter
	Metrics *metrics.Metrics
}

// Engine delivers one claimed job to its pending recipients.
type Engine struct {
	deps Deps
	cfg  Config
	log  logx.Logger

	now func() time.Time
	rnd func() float64
}

func New(deps Deps, cfg Config, log logx.Logger) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Engine{
		deps: deps,
		cfg:  cfg.withDefaults(),
		log:  log.With(logx.String("comp", "dispatch")),
		now:  time.Now,
		rnd:  rand.Float64,
	}
}

// run is the shared state of one ProcessJob call.
type run struct {
	job      *broadcast.Job
	project  broadcast.Project
	tmpl     broadcast.Template
	limit    int
	deadline time.Time

	mu     sync.Mutex
	reason string
}

func (r *run) abort(reason string) {
	r.mu.Lock()
	if r.reason == "" {
		r.reason = reason
	}
	r.mu.Unlock()
}

func (r *run) aborted() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reason
}

var errAborted = errors.New("job aborted")

// ProcessJob sends the job's PENDING recipients and returns the resulting counters.
//
// Only pre-flight failures (project or template lookup) and store failures are
// returned as errors; per-recipient failures are recorded on the job. If ctx ends
// mid-job the remaining recipients stay PENDING and the job stays PROCESSING
// until ReclaimStale requeues it.
func (e *Engine) ProcessJob(ctx context.Context, job *broadcast.Job) (broadcast.Counters, error) {
	if job == nil {
		return broadcast.Counters{}, broadcast.Invalid("job", "required")
	}
	start := e.now()
	log := e.log.With(logx.String("job", job.ID), logx.String("project", job.ProjectID))

	project, err := e.deps.Catalog.Project(ctx, job.ProjectID)
	if err != nil {
		return e.failPreflight(ctx, job, broadcast.ReasonProjectLookup, err, start)
	}
	tmpl, err := e.deps.Catalog.Template(ctx, job.ProjectID, job.TemplateRef)
	if err != nil {
		return e.failPreflight(ctx, job, broadcast.ReasonTemplateLookup, err, start)
	}
	if !tmpl.Approved() {
		return e.failPreflight(ctx, job, broadcast.ReasonTemplateRejected,
			errors.Newf("template %s is %s", tmpl.Ref, tmpl.Status), start)
	}

	r := &run{job: job, project: project, tmpl: tmpl, limit: project.MessagesPerSecond}
	if r.limit <= 0 {
		r.limit = e.cfg.RateLimit
	}
	startedAt := start
	if job.StartedAt != nil {
		startedAt = *job.StartedAt
	}
	r.deadline = startedAt.Add(e.cfg.JobBudget)

	pending := job.PendingRecipients()
	log.Info("broadcast job started",
		logx.Int("recipients", len(job.Recipients)),
		logx.Int("pending", len(pending)),
		logx.Int("limit", r.limit),
	)
	e.jobLog(ctx, job, "info", "Processing started", map[string]any{
		"pending":     len(pending),
		"concurrency": e.cfg.Concurrency,
		"rate_limit":  r.limit,
	})

	var g errgroup.Group
	g.SetLimit(e.cfg.Concurrency)
	var lastCancelCheck time.Time
	for _, rcp := range pending {
		if r.aborted() != "" || ctx.Err() != nil {
			break
		}
		if now := e.now(); now.Sub(lastCancelCheck) >= e.cfg.CancelPoll {
			lastCancelCheck = now
			if cancelled, err := e.deps.Jobs.CancelRequested(ctx, job.ID); err != nil {
				log.Warn("cancel flag read failed", logx.Err(err))
			} else if cancelled {
				r.abort(broadcast.ReasonCancelled)
				break
			}
		}
		rcp := rcp
		g.Go(func() error {
			e.deliver(ctx, r, rcp)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		log.Warn("broadcast job interrupted; left for reclaim", logx.Err(err))
		e.jobLog(context.WithoutCancel(ctx), job, "warn", "Processing interrupted", nil)
		c, _ := e.counters(context.WithoutCancel(ctx), job.ID)
		return c, errors.Wrapf(err, "job %s interrupted", job.ID)
	}

	if reason := r.aborted(); reason != "" {
		c, err := e.deps.Jobs.FailPending(ctx, job.ID, reason)
		if err != nil {
			return c, errors.Wrapf(err, "abort job %s", job.ID)
		}
		log.Warn("broadcast job aborted", logx.String("reason", reason), logx.Int("failed", c.Failed))
		e.jobLog(ctx, job, "warn", "Processing aborted", map[string]any{"reason": reason})
	}

	final, err := e.deps.Jobs.Get(ctx, job.ID)
	if err != nil {
		return broadcast.Counters{}, errors.Wrapf(err, "reload job %s", job.ID)
	}
	took := e.now().Sub(start)
	fields := []logx.Field{
		logx.String("status", string(final.Status)),
		logx.Int("sent", final.Counters.Sent),
		logx.Int("failed", final.Counters.Failed),
		logx.Int("pending", final.Counters.Pending),
		logx.Duration("dur", took),
	}
	if final.Counters.Failed > 0 {
		log.Warn("broadcast job finished with failures", fields...)
	} else {
		log.Info("broadcast job finished", fields...)
	}
	e.jobLog(ctx, job, "info", "Processing finished", map[string]any{
		"status":      string(final.Status),
		"sent":        final.Counters.Sent,
		"failed":      final.Counters.Failed,
		"duration_ms": took.Milliseconds(),
	})
	if final.Status.Terminal() {
		e.deps.Metrics.JobFinished(string(final.Status), took)
	}
	return final.Counters, nil
}

func (e *Engine) failPreflight(ctx context.Context, job *broadcast.Job, reason string, cause error, start time.Time) (broadcast.Counters, error) {
	e.log.Error("broadcast job pre-flight failed",
		logx.String("job", job.ID),
		logx.String("project", job.ProjectID),
		logx.String("reason", reason),
		logx.Err(cause),
	)
	c, err := e.deps.Jobs.FailPending(ctx, job.ID, reason)
	e.jobLog(ctx, job, "error", "Pre-flight failed", map[string]any{"reason": reason, "error": cause.Error()})
	if err == nil {
		e.deps.Metrics.JobFinished(string(broadcast.StatusFailed), e.now().Sub(start))
	}
	out := errors.Wrapf(cause, "job %s: %s", job.ID, reason)
	if err != nil {
		out = errors.CombineErrors(out, err)
	}
	return c, out
}

// deliver sends one recipient and records the outcome. Returning early without
// recording leaves the recipient PENDING (shutdown, or a job-level abort that
// FailPending will settle).
func (e *Engine) deliver(ctx context.Context, r *run, rcp broadcast.Recipient) {
	job := r.job
	req := provider.SendRequest{
		ProjectID:   job.ProjectID,
		SenderID:    r.project.SenderID,
		AccessToken: r.project.AccessToken,
		To:          rcp.Address,
		Template:    r.tmpl.Name,
		Language:    r.tmpl.Language,
		Params:      provider.Params(r.tmpl, rcp.Vars),
	}
	if req.Template == "" {
		req.Template = r.tmpl.Ref
	}

	attempts := 0
	for {
		if err := e.acquire(ctx, r); err != nil {
			var rl *broadcast.RateLimitExceeded
			if errors.As(err, &rl) {
				r.abort(broadcast.ReasonRateLimitedTimeout)
			}
			return
		}

		attempts++
		res, err := e.deps.Client.Send(ctx, req)
		if err == nil {
			e.record(ctx, job.ID, rcp.Index, broadcast.Sent(res.MessageID, attempts))
			e.deps.Metrics.Sent()
			return
		}
		if ctx.Err() != nil {
			return
		}

		code := broadcast.ErrorCode(err)
		if broadcast.IsTransient(err) && attempts <= e.cfg.RetryMax {
			delay := e.cfg.Backoff.Delay(attempts, err, e.rnd)
			e.deps.Metrics.ProviderRetry(code)
			e.log.Debug("broadcast send retry scheduled",
				logx.String("job", job.ID),
				logx.Int("recipient", rcp.Index),
				logx.Int("attempt", attempts+1),
				logx.Duration("delay", delay),
				logx.Err(err),
			)
			if !sleep(ctx, delay) {
				return
			}
			continue
		}

		e.log.Warn("broadcast send failed",
			logx.String("job", job.ID),
			logx.Int("recipient", rcp.Index),
			logx.String("code", code),
			logx.Int("attempts", attempts),
			logx.Err(err),
		)
		e.record(ctx, job.ID, rcp.Index, broadcast.Failed(code, attempts))
		e.deps.Metrics.SendFailed(code)
		return
	}
}

// acquire blocks until the project's send bucket admits one more send.
func (e *Engine) acquire(ctx context.Context, r *run) error {
	key := ratelimit.SendKey(r.job.ProjectID)
	for waits := 0; ; waits++ {
		if r.aborted() != "" {
			return errAborted
		}
		d, err := e.deps.Limiter.Check(ctx, key, r.limit, e.cfg.RateWindow)
		wait := d.RetryAfter
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			e.log.Warn("rate limiter unavailable", logx.String("key", key), logx.Err(err))
			wait = e.cfg.LimiterErrorWait
		case d.Allowed:
			return nil
		default:
			e.deps.Metrics.RateLimited(r.job.ProjectID)
		}

		if waits >= e.cfg.RateLimitRetries || e.now().Add(wait).After(r.deadline) {
			return &broadcast.RateLimitExceeded{Key: key, RetryAfter: wait}
		}
		if !sleep(ctx, wait) {
			return ctx.Err()
		}
	}
}

// record writes an outcome even if ctx was cancelled after the send succeeded.
func (e *Engine) record(ctx context.Context, jobID string, idx int, out broadcast.Outcome) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	if _, err := e.deps.Jobs.RecordOutcome(rctx, jobID, idx, out); err != nil {
		e.log.Error("record outcome failed",
			logx.String("job", jobID),
			logx.Int("recipient", idx),
			logx.String("status", string(out.Status)),
			logx.Err(err),
		)
	}
}

func (e *Engine) counters(ctx context.Context, jobID string) (broadcast.Counters, error) {
	j, err := e.deps.Jobs.Get(ctx, jobID)
	if err != nil {
		return broadcast.Counters{}, err
	}
	return j.Counters, nil
}

func (e *Engine) jobLog(ctx context.Context, job *broadcast.Job, level, msg string, meta map[string]any) {
	if e.deps.JobLogs == nil {
		return
	}
	err := e.deps.JobLogs.AppendJobLog(ctx, broadcast.JobLogEntry{
		JobID:     job.ID,
		ProjectID: job.ProjectID,
		Level:     level,
		Message:   msg,
		Meta:      meta,
	})
	if err != nil {
		e.log.Warn("job log append failed", logx.String("job", job.ID), logx.Err(err))
	}
}

// sleep waits d or until ctx ends. It reports whether the full wait elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	tmr := time.NewTimer(d)
	select {
	case <-ctx.Done():
		if !tmr.Stop() {
			<-tmr.C
		}
		return false
	case <-tmr.C:
		return true
	}
}
