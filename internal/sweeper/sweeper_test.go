package sweeper

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"broadcastd/internal/broadcast"
	"broadcastd/internal/metrics"
	"broadcastd/internal/storage"
	logx "broadcastd/pkg/logx"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func setup(t *testing.T) (storage.Store, *clock) {
	t.Helper()
	clk := &clock{now: time.UnixMilli(1_700_000_000_000)}
	st, err := storage.Open(context.Background(), storage.Config{Driver: "memory"}, logx.Nop(), storage.WithClock(clk.Now))
	require.NoError(t, err)
	return st, clk
}

func finishedJob(t *testing.T, st storage.Store) string {
	t.Helper()
	ctx := context.Background()
	id, err := st.Jobs().Enqueue(ctx, broadcast.NewJob{
		ProjectID:   "p1",
		TemplateRef: "welcome",
		Recipients:  []broadcast.RecipientInput{{Address: "+1"}},
	})
	require.NoError(t, err)
	_, err = st.Jobs().FailPending(ctx, id, broadcast.ReasonCancelled)
	require.NoError(t, err)
	return id
}

func TestSweepJobsHonoursRetention(t *testing.T) {
	st, clk := setup(t)
	m := metrics.New()
	sw := New(st.Jobs(), st.Webhooks(), Config{}, m, logx.Nop())
	ctx := context.Background()

	old := finishedJob(t, st)
	clk.Advance(6 * 24 * time.Hour)
	recent := finishedJob(t, st)

	n, err := sw.SweepJobs(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	clk.Advance(2 * 24 * time.Hour)
	n, err = sw.SweepJobs(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	_, err = st.Jobs().Get(ctx, old)
	require.ErrorIs(t, err, broadcast.ErrNotFound)
	_, err = st.Jobs().Get(ctx, recent)
	require.NoError(t, err)
}

func TestSweepWebhookLogsKeepsPending(t *testing.T) {
	st, clk := setup(t)
	sw := New(st.Jobs(), st.Webhooks(), Config{}, nil, logx.Nop())
	ctx := context.Background()

	for _, status := range []broadcast.WebhookStatus{broadcast.WebhookCompleted, broadcast.WebhookFailed, broadcast.WebhookPending} {
		_, err := st.Webhooks().Append(ctx, broadcast.WebhookLogEntry{Payload: json.RawMessage(`{"ok":true}`), Status: status})
		require.NoError(t, err)
	}
	clk.Advance(7 * time.Hour)

	n, err := sw.SweepWebhookLogs(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	pending, err := st.Webhooks().ListPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
}

type failingJobs struct{ storage.JobStore }

func (failingJobs) DeleteTerminalOlderThan(context.Context, time.Duration) (int64, error) {
	return 0, errors.New("disk full")
}

func TestSweepFailureIsCountedAndDoesNotStopOtherSweep(t *testing.T) {
	st, clk := setup(t)
	m := metrics.New()
	sw := New(failingJobs{st.Jobs()}, st.Webhooks(), Config{WebhookLogs: time.Hour}, m, logx.Nop())
	ctx := context.Background()

	_, err := st.Webhooks().Append(ctx, broadcast.WebhookLogEntry{Payload: json.RawMessage(`{}`), Status: broadcast.WebhookCompleted})
	require.NoError(t, err)
	clk.Advance(2 * time.Hour)

	err = sw.SweepAll(ctx)
	require.ErrorContains(t, err, "disk full")

	n, gerr := testutil.GatherAndCount(m.Registry(), "broadcastd_sweep_errors_total")
	require.NoError(t, gerr)
	require.Equal(t, 1, n)

	deleted, gerr := testutil.GatherAndCount(m.Registry(), "broadcastd_sweep_deleted_total")
	require.NoError(t, gerr)
	require.Equal(t, 1, deleted, "webhook sweep still ran")
}
