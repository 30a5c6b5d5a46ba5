package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCountersAndHandler(t *testing.T) {
	t.Parallel()
	m := New()
	m.Sent()
	m.Sent()
	m.SendFailed("131026")
	m.SweepDeleted("jobs", 3)
	m.SweepDeleted("jobs", 0)
	m.JobFinished("COMPLETED", 2*time.Second)

	if got := testutil.ToFloat64(m.sends.WithLabelValues("sent", "")); got != 2 {
		t.Fatalf("sent = %v", got)
	}
	if got := testutil.ToFloat64(m.sweepDeleted.WithLabelValues("jobs")); got != 3 {
		t.Fatalf("sweep deleted = %v", got)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	for _, want := range []string{"broadcastd_sends_total", "broadcastd_jobs_finished_total", "go_goroutines"} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics output lacks %s", want)
		}
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	t.Parallel()
	var m *Metrics
	m.Sent()
	m.SendFailed("x")
	m.RateLimited("p")
	m.ProviderRetry("x")
	m.JobFinished("FAILED", time.Second)
	m.Claim("empty")
	m.Reclaimed(1)
	m.SweepFailed("jobs")
	m.WorkerRestarted("w")
	m.HTTPRequest("GET", "/", 200, time.Millisecond)
	if m.Registry() != nil {
		t.Fatal("nil metrics must have nil registry")
	}
}
