package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"broadcastd/internal/broadcast"
	"broadcastd/internal/config"
	"broadcastd/internal/provider"

	"github.com/stretchr/testify/require"
)

type countingClient struct{ n atomic.Int64 }

func (c *countingClient) Send(context.Context, provider.SendRequest) (provider.SendResult, error) {
	c.n.Add(1)
	return provider.SendResult{MessageID: "wamid.test"}, nil
}

const baseConfig = `{
  "logging": {"level": "error"},
  "storage": {"driver": "memory"},
  "worker": {"enabled": %s, "poll_interval": "20ms", "id": "test"},
  "scheduler": {"enabled": %s},
  "catalog": {
    "projects": [{"id": "p1", "sender_id": "1001", "access_token": "tok", "messages_per_second": 50}],
    "templates": [{"project_id": "p1", "ref": "welcome", "name": "welcome_v1", "language": "en", "status": "APPROVED", "body": "Hi"}]
  }
}`

func newTestApp(t *testing.T, workers, sched bool) (*App, *countingClient) {
	t.Helper()
	body := fmt.Sprintf(baseConfig, strconv.FormatBool(workers), strconv.FormatBool(sched))
	p := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))

	m := config.NewManager(p)
	m.SetEnviron(map[string]string{})
	client := &countingClient{}
	a, err := New(context.Background(), m, Options{Client: client})
	require.NoError(t, err)
	return a, client
}

func stop(t *testing.T, a *App) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.Stop(ctx, StopAppStop))
}

func TestWorkersDeliverEnqueuedJob(t *testing.T) {
	a, client := newTestApp(t, true, false)
	require.NoError(t, a.Start(context.Background()))
	defer stop(t, a)

	id, err := a.Enqueue(context.Background(), broadcast.NewJob{
		ProjectID:   "p1",
		TemplateRef: "welcome",
		Recipients:  []broadcast.RecipientInput{{Address: "+1"}, {Address: "+2"}},
	})
	require.NoError(t, err)
	a.Pool().Wake()

	require.Eventually(t, func() bool {
		j, err := a.Store().Jobs().Get(context.Background(), id)
		return err == nil && j.Status == broadcast.StatusCompleted
	}, 5*time.Second, 20*time.Millisecond)
	require.EqualValues(t, 2, client.n.Load())

	ok, _ := a.Health(context.Background())
	require.True(t, ok)
	require.NoError(t, a.Err())
}

func TestSchedulerTasksRegistered(t *testing.T) {
	a, client := newTestApp(t, false, true)
	require.NoError(t, a.Start(context.Background()))
	defer stop(t, a)

	names := map[string]bool{}
	for _, s := range a.Scheduler().Snapshot().Schedules {
		names[s.Name] = true
	}
	for _, n := range []string{taskSendBroadcasts, taskReclaimStale, taskSweepJobs, taskSweepWebhookLogs} {
		require.True(t, names[n], n)
	}

	id, err := a.Enqueue(context.Background(), broadcast.NewJob{
		ProjectID:   "p1",
		TemplateRef: "welcome",
		Recipients:  []broadcast.RecipientInput{{Address: "+1"}},
	})
	require.NoError(t, err)

	require.NoError(t, a.Scheduler().RunNow(context.Background(), taskSendBroadcasts))
	j, err := a.Store().Jobs().Get(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, broadcast.StatusCompleted, j.Status)
	require.EqualValues(t, 1, client.n.Load())

	require.NoError(t, a.Scheduler().RunNow(context.Background(), taskReclaimStale))
	require.NoError(t, a.Scheduler().RunNow(context.Background(), taskSweepJobs))
}

func TestStopWithoutStartReleases(t *testing.T) {
	a, _ := newTestApp(t, false, false)
	require.Nil(t, a.Scheduler())
	stop(t, a)
	select {
	case <-a.Done():
	default:
		t.Fatal("Done must be closed before Start")
	}
}

func TestMapDispatchDefaults(t *testing.T) {
	var cfg config.Config
	dc, err := mapDispatch(&cfg)
	require.NoError(t, err)
	require.Equal(t, config.DefaultRetryMax, dc.RetryMax)

	zero := 0
	cfg.Dispatch.RetryMax = &zero
	cfg.Dispatch.RetryBase = "250ms"
	cfg.RateLimit.Window = "2s"
	dc, err = mapDispatch(&cfg)
	require.NoError(t, err)
	require.Equal(t, 0, dc.RetryMax)
	require.Equal(t, 250*time.Millisecond, dc.Backoff.Base)
	require.Equal(t, 2*time.Second, dc.RateWindow)

	cfg.Dispatch.CancelPoll = "soon"
	_, err = mapDispatch(&cfg)
	require.Error(t, err)
}

func TestMapWorkerOverrides(t *testing.T) {
	var cfg config.Config
	cfg.Worker.Topic = "news"
	wc, err := mapWorker(&cfg, Options{WorkerID: "w-9"})
	require.NoError(t, err)
	require.Equal(t, "news", wc.Topic)
	require.Equal(t, "w-9", wc.WorkerID)

	wc, err = mapWorker(&cfg, Options{Topic: "promo"})
	require.NoError(t, err)
	require.Equal(t, "promo", wc.Topic)
}
