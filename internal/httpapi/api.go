// Package httpapi exposes the cron triggers, the job API, webhook intake,
// health and metrics over HTTP using chi.
package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"broadcastd/internal/broadcast"
	"broadcastd/internal/metrics"
	"broadcastd/internal/storage"
	"broadcastd/internal/worker"
	logx "broadcastd/pkg/logx"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const maxBodyBytes = 4 << 20

// Runner drains queued jobs once. *worker.Pool satisfies it.
type Runner interface {
	ProcessQueued(ctx context.Context, maxJobs int) (worker.RunSummary, error)
}

// WebhookSweeper is satisfied by *sweeper.Sweeper.
type WebhookSweeper interface {
	SweepWebhookLogs(ctx context.Context) (int64, error)
}

// Notifier announces new jobs to workers in other processes. Optional.
type Notifier interface {
	JobEnqueued(ctx context.Context, topic, jobID string) error
}

// HealthFunc reports whether the process is healthy plus a JSON-able detail body.
type HealthFunc func(ctx context.Context) (ok bool, detail any)

type Deps struct {
	Jobs     storage.JobStore
	JobLogs  storage.JobLogStore
	Webhooks storage.WebhookLogStore
	Runner   Runner
	Sweeper  WebhookSweeper
	Notifier Notifier
	Health   HealthFunc
	Metrics  *metrics.Metrics
}

type Options struct {
	// CronToken, when set, is required as a bearer token on /cron/*.
	CronToken string
	// CronBatch caps jobs per /cron/send-broadcasts call; 0 uses the pool default.
	CronBatch int
	Pprof     bool
}

type API struct {
	deps Deps
	opt  Options
	log  logx.Logger
}

func New(deps Deps, opt Options, log logx.Logger) *API {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &API{deps: deps, opt: opt, log: log.With(logx.String("comp", "http"))}
}

// Router builds the chi route tree.
func (a *API) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(a.observe)

	r.Route("/cron", func(r chi.Router) {
		r.Use(bearer(a.opt.CronToken))
		r.Get("/send-broadcasts", a.sendBroadcasts)
		r.Post("/send-broadcasts", a.sendBroadcasts)
		r.Get("/cleanup-queue", a.cleanupQueue)
		r.Post("/cleanup-queue", a.cleanupQueue)
	})

	r.Route("/broadcasts", func(r chi.Router) {
		r.Post("/", a.createBroadcast)
		r.Get("/", a.listBroadcasts)
		r.Get("/{id}", a.getBroadcast)
		r.Post("/{id}/stop", a.stopBroadcast)
		r.Post("/{id}/requeue", a.requeueBroadcast)
		r.Get("/{id}/logs", a.broadcastLogs)
	})

	r.Post("/webhooks/{projectId}", a.appendWebhook)
	r.Get("/healthz", a.healthz)
	r.Handle("/metrics", a.deps.Metrics.Handler())
	if a.opt.Pprof {
		r.Mount("/debug", middleware.Profiler())
	}
	return r
}

func (a *API) sendBroadcasts(w http.ResponseWriter, r *http.Request) {
	sum, err := a.deps.Runner.ProcessQueued(r.Context(), a.opt.CronBatch)
	if err != nil {
		a.log.Error("cron send-broadcasts failed", logx.Err(err))
		http.Error(w, "Internal Server Error: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (a *API) cleanupQueue(w http.ResponseWriter, r *http.Request) {
	n, err := a.deps.Sweeper.SweepWebhookLogs(r.Context())
	if err != nil {
		http.Error(w, "Internal Server Error: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":      "Successfully cleared " + strconv.FormatInt(n, 10) + " processed webhook log(s).",
		"deletedCount": n,
	})
}

func (a *API) createBroadcast(w http.ResponseWriter, r *http.Request) {
	var in broadcast.NewJob
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	id, err := a.deps.Jobs.Enqueue(r.Context(), in)
	if err != nil {
		a.fail(w, err)
		return
	}
	topic := strings.TrimSpace(in.Topic)
	if topic == "" {
		topic = broadcast.DefaultTopic
	}
	a.announce(r.Context(), topic, id)
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (a *API) listBroadcasts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	status, ok := broadcast.ParseStatus(q.Get("status"))
	if !ok {
		writeError(w, http.StatusBadRequest, broadcast.Invalid("status", "unknown status "+q.Get("status")))
		return
	}
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, broadcast.Invalid("limit", "must be a non-negative integer"))
			return
		}
		limit = n
	}
	jobs, err := a.deps.Jobs.List(r.Context(), broadcast.JobFilter{
		ProjectID: q.Get("project_id"),
		Topic:     q.Get("topic"),
		Status:    status,
		Limit:     limit,
	})
	if err != nil {
		a.fail(w, err)
		return
	}
	if jobs == nil {
		jobs = []broadcast.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (a *API) getBroadcast(w http.ResponseWriter, r *http.Request) {
	j, err := a.deps.Jobs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (a *API) stopBroadcast(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	st, err := a.deps.Jobs.RequestCancel(r.Context(), id)
	if err != nil {
		a.fail(w, err)
		return
	}
	msg := "Cancellation requested; in-flight sends will finish first."
	if st.Terminal() {
		msg = "Broadcast has been stopped."
	}
	a.log.Info("broadcast stop requested", logx.String("job", id), logx.String("status", string(st)))
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": string(st), "message": msg})
}

func (a *API) requeueBroadcast(w http.ResponseWriter, r *http.Request) {
	scope, err := broadcast.ParseRequeueScope(r.URL.Query().Get("scope"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	orig, err := a.deps.Jobs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, err)
		return
	}
	in, err := broadcast.Requeue(orig, scope)
	if err != nil {
		a.fail(w, err)
		return
	}
	id, err := a.deps.Jobs.Enqueue(r.Context(), in)
	if err != nil {
		a.fail(w, err)
		return
	}
	a.announce(r.Context(), orig.Topic, id)
	writeJSON(w, http.StatusCreated, map[string]string{"id": id, "requeued_from": orig.ID})
}

func (a *API) broadcastLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := a.deps.Jobs.Get(r.Context(), id); err != nil {
		a.fail(w, err)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	logs, err := a.deps.JobLogs.ListJobLogs(r.Context(), id, limit)
	if err != nil {
		a.fail(w, err)
		return
	}
	if logs == nil {
		logs = []broadcast.JobLogEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": logs})
}

func (a *API) appendWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	id, err := a.deps.Webhooks.Append(r.Context(), broadcast.WebhookLogEntry{
		ProjectID: chi.URLParam(r, "projectId"),
		Payload:   json.RawMessage(body),
		Status:    broadcast.WebhookPending,
	})
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
}

func (a *API) healthz(w http.ResponseWriter, r *http.Request) {
	if a.deps.Health == nil {
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
		return
	}
	ok, detail := a.deps.Health(r.Context())
	code := http.StatusOK
	if !ok {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, detail)
}

// announce publishes a wake-up; failures only cost a poll interval.
func (a *API) announce(ctx context.Context, topic, id string) {
	if a.deps.Notifier == nil {
		return
	}
	if err := a.deps.Notifier.JobEnqueued(ctx, topic, id); err != nil {
		a.log.Warn("wake-up publish failed", logx.String("job", id), logx.Err(err))
	}
}

// fail maps the error taxonomy onto status codes.
func (a *API) fail(w http.ResponseWriter, err error) {
	switch {
	case broadcast.IsValidation(err):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, broadcast.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, broadcast.ErrConflict):
		writeError(w, http.StatusConflict, err)
	default:
		a.log.Error("request failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, err)
	}
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.Wrap(err, "invalid request body")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
