// Package metrics holds the Prometheus collectors of the pipeline.
//
// All methods are safe on a nil *Metrics so components can run without them.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "broadcastd"

type Metrics struct {
	reg *prometheus.Registry

	sends          *prometheus.CounterVec
	rateDenials    *prometheus.CounterVec
	providerRetry  *prometheus.CounterVec
	jobsFinished   *prometheus.CounterVec
	jobDuration    *prometheus.HistogramVec
	claims         *prometheus.CounterVec
	reclaimed      prometheus.Counter
	sweepDeleted   *prometheus.CounterVec
	sweepErrors    *prometheus.CounterVec
	workerRestarts *prometheus.CounterVec
	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
}

// New registers every collector on a dedicated registry, plus the Go and process collectors.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "sends_total",
			Help: "Recipient deliveries by outcome.",
		}, []string{"outcome", "code"}),
		rateDenials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "rate_limit_denials_total",
			Help: "Rate limiter denials before a send.",
		}, []string{"project"}),
		providerRetry: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "provider_retries_total",
			Help: "Transient provider failures that were retried.",
		}, []string{"code"}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "jobs_finished_total",
			Help: "Jobs that reached a terminal status.",
		}, []string{"status"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "job_duration_seconds",
			Help:    "Wall time of one ProcessJob call.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"status"}),
		claims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "claims_total",
			Help: "Claim attempts by result (claimed, empty, conflict, error).",
		}, []string{"result"}),
		reclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "jobs_reclaimed_total",
			Help: "Stale PROCESSING jobs returned to the queue.",
		}),
		sweepDeleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "sweep_deleted_total",
			Help: "Rows deleted by retention sweeps.",
		}, []string{"target"}),
		sweepErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "sweep_errors_total",
			Help: "Failed retention sweeps.",
		}, []string{"target"}),
		workerRestarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "worker_restarts_total",
			Help: "Supervised goroutine restarts.",
		}, []string{"name"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "http_requests_total",
			Help: "HTTP requests by route and status.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.sends, m.rateDenials, m.providerRetry, m.jobsFinished, m.jobDuration,
		m.claims, m.reclaimed, m.sweepDeleted, m.sweepErrors, m.workerRestarts,
		m.httpRequests, m.httpDuration,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) Sent() {
	if m != nil {
		m.sends.WithLabelValues("sent", "").Inc()
	}
}

func (m *Metrics) SendFailed(code string) {
	if m != nil {
		m.sends.WithLabelValues("failed", code).Inc()
	}
}

func (m *Metrics) RateLimited(project string) {
	if m != nil {
		m.rateDenials.WithLabelValues(project).Inc()
	}
}

func (m *Metrics) ProviderRetry(code string) {
	if m != nil {
		m.providerRetry.WithLabelValues(code).Inc()
	}
}

func (m *Metrics) JobFinished(status string, took time.Duration) {
	if m == nil {
		return
	}
	m.jobsFinished.WithLabelValues(status).Inc()
	m.jobDuration.WithLabelValues(status).Observe(took.Seconds())
}

func (m *Metrics) Claim(result string) {
	if m != nil {
		m.claims.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) Reclaimed(n int64) {
	if m != nil && n > 0 {
		m.reclaimed.Add(float64(n))
	}
}

func (m *Metrics) SweepDeleted(target string, n int64) {
	if m != nil && n > 0 {
		m.sweepDeleted.WithLabelValues(target).Add(float64(n))
	}
}

func (m *Metrics) SweepFailed(target string) {
	if m != nil {
		m.sweepErrors.WithLabelValues(target).Inc()
	}
}

func (m *Metrics) WorkerRestarted(name string) {
	if m != nil {
		m.workerRestarts.WithLabelValues(name).Inc()
	}
}

func (m *Metrics) HTTPRequest(method, route string, status int, took time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(took.Seconds())
}
