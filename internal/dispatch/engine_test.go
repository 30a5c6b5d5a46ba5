package dispatch

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"broadcastd/internal/broadcast"
	"broadcastd/internal/provider"
	"broadcastd/internal/ratelimit"
	"broadcastd/internal/storage"
	logx "broadcastd/pkg/logx"

	"github.com/stretchr/testify/require"
)

type sendFunc func(ctx context.Context, req provider.SendRequest) (provider.SendResult, error)

type fakeClient struct {
	fn sendFunc

	mu    sync.Mutex
	calls []provider.SendRequest
}

func (c *fakeClient) Send(ctx context.Context, req provider.SendRequest) (provider.SendResult, error) {
	c.mu.Lock()
	c.calls = append(c.calls, req)
	c.mu.Unlock()
	return c.fn(ctx, req)
}

func (c *fakeClient) Calls() []provider.SendRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]provider.SendRequest(nil), c.calls...)
}

func okClient() *fakeClient {
	var seq atomic.Int64
	return &fakeClient{fn: func(context.Context, provider.SendRequest) (provider.SendResult, error) {
		return provider.SendResult{MessageID: "wamid." + strconv.FormatInt(seq.Add(1), 10)}, nil
	}}
}

// recordingLimiter remembers when each send was admitted.
type recordingLimiter struct {
	inner ratelimit.Limiter

	mu      sync.Mutex
	allowed []time.Time
}

func (l *recordingLimiter) Check(ctx context.Context, key string, limit int, window time.Duration) (ratelimit.Decision, error) {
	d, err := l.inner.Check(ctx, key, limit, window)
	if err == nil && d.Allowed {
		l.mu.Lock()
		l.allowed = append(l.allowed, time.Now())
		l.mu.Unlock()
	}
	return d, err
}

type denyLimiter struct{ calls atomic.Int64 }

func (l *denyLimiter) Check(context.Context, string, int, time.Duration) (ratelimit.Decision, error) {
	l.calls.Add(1)
	return ratelimit.Decision{RetryAfter: time.Millisecond}, nil
}

type fixture struct {
	store  storage.Store
	client *fakeClient
	deps   Deps
}

func newFixture(t *testing.T, client *fakeClient, rps int) *fixture {
	t.Helper()
	st, err := storage.Open(context.Background(), storage.Config{Driver: "memory"}, logx.Nop())
	require.NoError(t, err)
	cat := provider.NewMemoryCatalog(
		[]broadcast.Project{{ID: "p1", Name: "Acme", MessagesPerSecond: rps, SenderID: "1001", AccessToken: "tok"}},
		[]broadcast.Template{
			{ProjectID: "p1", Ref: "welcome", Name: "welcome_v2", Language: "en_US", Body: "Hi {{1}}", Status: "APPROVED",
				Mappings: map[string]string{"1": "first_name"}},
			{ProjectID: "p1", Ref: "draft", Name: "draft", Body: "x", Status: "PENDING"},
		},
	)
	return &fixture{
		store:  st,
		client: client,
		deps: Deps{
			Jobs:    st.Jobs(),
			JobLogs: st.JobLogs(),
			Catalog: cat,
			Client:  client,
			Limiter: ratelimit.NewMemory(),
		},
	}
}

func (f *fixture) claim(t *testing.T, tmpl string, n int) *broadcast.Job {
	t.Helper()
	ctx := context.Background()
	in := broadcast.NewJob{ProjectID: "p1", TemplateRef: tmpl}
	for i := 0; i < n; i++ {
		in.Recipients = append(in.Recipients, broadcast.RecipientInput{
			Address: "+1555000" + strconv.Itoa(1000+i),
			Vars:    map[string]string{"first_name": "user" + strconv.Itoa(i)},
		})
	}
	_, err := f.store.Jobs().Enqueue(ctx, in)
	require.NoError(t, err)
	j, err := f.store.Jobs().ClaimNext(ctx, "", "test/0")
	require.NoError(t, err)
	require.NotNil(t, j)
	return j
}

func fastConfig() Config {
	return Config{
		Concurrency: 5,
		RetryMax:    3,
		Backoff:     Backoff{Base: time.Millisecond, Max: 5 * time.Millisecond},
	}
}

func TestProcessJobCompletes(t *testing.T) {
	f := newFixture(t, okClient(), 100)
	j := f.claim(t, "welcome", 4)

	c, err := New(f.deps, fastConfig(), logx.Nop()).ProcessJob(context.Background(), j)
	require.NoError(t, err)
	require.Equal(t, broadcast.Counters{Sent: 4}, c)

	got, err := f.store.Jobs().Get(context.Background(), j.ID)
	require.NoError(t, err)
	require.Equal(t, broadcast.StatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)
	for _, r := range got.Recipients {
		require.Equal(t, broadcast.RecipientSent, r.Status)
		require.NotEmpty(t, r.ProviderMessageID)
		require.Equal(t, 1, r.Attempts)
	}

	calls := f.client.Calls()
	require.Len(t, calls, 4)
	byTo := map[string]provider.SendRequest{}
	for _, c := range calls {
		byTo[c.To] = c
	}
	req := byTo["+15550001000"]
	require.Equal(t, "1001", req.SenderID)
	require.Equal(t, "tok", req.AccessToken)
	require.Equal(t, "welcome_v2", req.Template)
	require.Equal(t, []string{"user0"}, req.Params)

	logs, err := f.store.JobLogs().ListJobLogs(context.Background(), j.ID, 0)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(logs), 2)
}

func TestProcessJobAllPermanentFailuresFail(t *testing.T) {
	client := &fakeClient{fn: func(context.Context, provider.SendRequest) (provider.SendResult, error) {
		return provider.SendResult{}, broadcast.Permanent("131026", errors.New("undeliverable"))
	}}
	f := newFixture(t, client, 100)
	j := f.claim(t, "welcome", 3)

	c, err := New(f.deps, fastConfig(), logx.Nop()).ProcessJob(context.Background(), j)
	require.NoError(t, err)
	require.Equal(t, broadcast.Counters{Failed: 3}, c)
	require.Len(t, client.Calls(), 3, "permanent errors are not retried")

	got, err := f.store.Jobs().Get(context.Background(), j.ID)
	require.NoError(t, err)
	require.Equal(t, broadcast.StatusFailed, got.Status)
	for _, r := range got.Recipients {
		require.Equal(t, "131026", r.ErrorCode)
		require.Equal(t, 1, r.Attempts)
	}
}

func TestProcessJobMixedOutcomesArePartial(t *testing.T) {
	client := &fakeClient{fn: func(_ context.Context, req provider.SendRequest) (provider.SendResult, error) {
		if req.To == "+15550001001" {
			return provider.SendResult{}, broadcast.Permanent("http_400", errors.New("bad number"))
		}
		return provider.SendResult{MessageID: "m-" + req.To}, nil
	}}
	f := newFixture(t, client, 100)
	j := f.claim(t, "welcome", 3)

	c, err := New(f.deps, fastConfig(), logx.Nop()).ProcessJob(context.Background(), j)
	require.NoError(t, err)
	require.Equal(t, broadcast.Counters{Sent: 2, Failed: 1}, c)

	got, err := f.store.Jobs().Get(context.Background(), j.ID)
	require.NoError(t, err)
	require.Equal(t, broadcast.StatusPartial, got.Status)
	require.Equal(t, broadcast.RecipientFailed, got.Recipients[1].Status)
	require.Equal(t, "http_400", got.Recipients[1].ErrorCode)
}

func TestProcessJobRetriesTransientErrors(t *testing.T) {
	var n atomic.Int64
	client := &fakeClient{fn: func(context.Context, provider.SendRequest) (provider.SendResult, error) {
		if n.Add(1) == 1 {
			return provider.SendResult{}, broadcast.Transient("http_503", errors.New("unavailable"))
		}
		return provider.SendResult{MessageID: "wamid.ok"}, nil
	}}
	f := newFixture(t, client, 100)
	j := f.claim(t, "welcome", 1)

	c, err := New(f.deps, fastConfig(), logx.Nop()).ProcessJob(context.Background(), j)
	require.NoError(t, err)
	require.Equal(t, 1, c.Sent)

	got, err := f.store.Jobs().Get(context.Background(), j.ID)
	require.NoError(t, err)
	require.Equal(t, 2, got.Recipients[0].Attempts)
	require.Equal(t, "wamid.ok", got.Recipients[0].ProviderMessageID)
}

func TestProcessJobTransientRetriesExhausted(t *testing.T) {
	client := &fakeClient{fn: func(context.Context, provider.SendRequest) (provider.SendResult, error) {
		return provider.SendResult{}, broadcast.Transient("network", errors.New("reset"))
	}}
	f := newFixture(t, client, 100)
	j := f.claim(t, "welcome", 1)

	cfg := fastConfig()
	cfg.RetryMax = 2
	_, err := New(f.deps, cfg, logx.Nop()).ProcessJob(context.Background(), j)
	require.NoError(t, err)

	got, err := f.store.Jobs().Get(context.Background(), j.ID)
	require.NoError(t, err)
	require.Equal(t, broadcast.StatusFailed, got.Status)
	require.Equal(t, "network", got.Recipients[0].ErrorCode)
	require.Equal(t, 3, got.Recipients[0].Attempts)
	require.Len(t, client.Calls(), 3)
}

func TestProcessJobPreflightFailures(t *testing.T) {
	cases := []struct {
		name    string
		project string
		tmpl    string
		reason  string
	}{
		{name: "unknown template", project: "p1", tmpl: "nope", reason: broadcast.ReasonTemplateLookup},
		{name: "unapproved template", project: "p1", tmpl: "draft", reason: broadcast.ReasonTemplateRejected},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, okClient(), 100)
			j := f.claim(t, tc.tmpl, 2)

			_, err := New(f.deps, fastConfig(), logx.Nop()).ProcessJob(context.Background(), j)
			require.Error(t, err)
			require.Empty(t, f.client.Calls())

			got, gerr := f.store.Jobs().Get(context.Background(), j.ID)
			require.NoError(t, gerr)
			require.Equal(t, broadcast.StatusFailed, got.Status)
			require.Equal(t, broadcast.Counters{Failed: 2}, got.Counters)
			for _, r := range got.Recipients {
				require.Equal(t, tc.reason, r.ErrorCode)
				require.Zero(t, r.Attempts)
			}
		})
	}

	t.Run("unknown project", func(t *testing.T) {
		f := newFixture(t, okClient(), 100)
		ctx := context.Background()
		_, err := f.store.Jobs().Enqueue(ctx, broadcast.NewJob{
			ProjectID:   "ghost",
			TemplateRef: "welcome",
			Recipients:  []broadcast.RecipientInput{{Address: "+1"}},
		})
		require.NoError(t, err)
		j, err := f.store.Jobs().ClaimNext(ctx, "", "test/0")
		require.NoError(t, err)

		_, err = New(f.deps, fastConfig(), logx.Nop()).ProcessJob(ctx, j)
		require.Error(t, err)
		got, _ := f.store.Jobs().Get(ctx, j.ID)
		require.Equal(t, broadcast.StatusFailed, got.Status)
		require.Equal(t, broadcast.ReasonProjectLookup, got.Recipients[0].ErrorCode)
	})
}

func TestProcessJobRateLimitTimeout(t *testing.T) {
	f := newFixture(t, okClient(), 5)
	lim := &denyLimiter{}
	f.deps.Limiter = lim
	j := f.claim(t, "welcome", 4)

	cfg := fastConfig()
	cfg.RateLimitRetries = 2
	c, err := New(f.deps, cfg, logx.Nop()).ProcessJob(context.Background(), j)
	require.NoError(t, err)
	require.Equal(t, broadcast.Counters{Failed: 4}, c)
	require.Empty(t, f.client.Calls())

	got, err := f.store.Jobs().Get(context.Background(), j.ID)
	require.NoError(t, err)
	require.Equal(t, broadcast.StatusFailed, got.Status)
	for _, r := range got.Recipients {
		require.Equal(t, broadcast.ReasonRateLimitedTimeout, r.ErrorCode)
	}
}

func TestProcessJobHonoursCancelRequest(t *testing.T) {
	f := newFixture(t, okClient(), 100)
	j := f.claim(t, "welcome", 3)
	st, err := f.store.Jobs().RequestCancel(context.Background(), j.ID)
	require.NoError(t, err)
	require.Equal(t, broadcast.StatusProcessing, st)

	c, err := New(f.deps, fastConfig(), logx.Nop()).ProcessJob(context.Background(), j)
	require.NoError(t, err)
	require.Equal(t, broadcast.Counters{Failed: 3}, c)
	require.Empty(t, f.client.Calls())

	got, _ := f.store.Jobs().Get(context.Background(), j.ID)
	require.Equal(t, broadcast.ReasonCancelled, got.Recipients[0].ErrorCode)
}

func TestProcessJobShutdownLeavesPending(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client := &fakeClient{fn: func(ctx context.Context, _ provider.SendRequest) (provider.SendResult, error) {
		cancel()
		return provider.SendResult{}, ctx.Err()
	}}
	f := newFixture(t, client, 100)
	j := f.claim(t, "welcome", 3)

	cfg := fastConfig()
	cfg.Concurrency = 1
	_, err := New(f.deps, cfg, logx.Nop()).ProcessJob(ctx, j)
	require.ErrorIs(t, err, context.Canceled)

	got, gerr := f.store.Jobs().Get(context.Background(), j.ID)
	require.NoError(t, gerr)
	require.Equal(t, broadcast.StatusProcessing, got.Status)
	require.Equal(t, 3, got.Counters.Pending)
}

func TestProcessJobRespectsProjectRate(t *testing.T) {
	if testing.Short() {
		t.Skip("timing test")
	}
	f := newFixture(t, okClient(), 5)
	lim := &recordingLimiter{inner: ratelimit.NewMemory()}
	f.deps.Limiter = lim
	j := f.claim(t, "welcome", 10)

	start := time.Now()
	c, err := New(f.deps, Config{Concurrency: 5}, logx.Nop()).ProcessJob(context.Background(), j)
	took := time.Since(start)
	require.NoError(t, err)
	require.Equal(t, broadcast.Counters{Sent: 10}, c)

	got, _ := f.store.Jobs().Get(context.Background(), j.ID)
	require.Equal(t, broadcast.StatusCompleted, got.Status)

	// 10 sends at 5 per window need a second window.
	require.GreaterOrEqual(t, took, time.Second)
	lim.mu.Lock()
	allowed := append([]time.Time(nil), lim.allowed...)
	lim.mu.Unlock()
	sort.Slice(allowed, func(i, k int) bool { return allowed[i].Before(allowed[k]) })
	require.Len(t, allowed, 10)
	for i := 0; i+5 < len(allowed); i++ {
		require.GreaterOrEqual(t, allowed[i+5].Sub(allowed[i]), time.Second-50*time.Millisecond, "more than 5 sends in one window")
	}
}

func TestProcessJobFallsBackToConfiguredRate(t *testing.T) {
	f := newFixture(t, okClient(), 0)
	var seen atomic.Int64
	var seenKey atomic.Value
	f.deps.Limiter = limiterFunc(func(_ context.Context, key string, limit int, _ time.Duration) (ratelimit.Decision, error) {
		seen.Store(int64(limit))
		seenKey.Store(key)
		return ratelimit.Decision{Allowed: true, Count: 1}, nil
	})
	j := f.claim(t, "welcome", 1)

	cfg := fastConfig()
	cfg.RateLimit = 7
	_, err := New(f.deps, cfg, logx.Nop()).ProcessJob(context.Background(), j)
	require.NoError(t, err)
	require.EqualValues(t, 7, seen.Load())
	require.Equal(t, ratelimit.SendKey("p1"), seenKey.Load())
}

type limiterFunc func(ctx context.Context, key string, limit int, window time.Duration) (ratelimit.Decision, error)

func (f limiterFunc) Check(ctx context.Context, key string, limit int, window time.Duration) (ratelimit.Decision, error) {
	return f(ctx, key, limit, window)
}

func TestConfigDefaults(t *testing.T) {
	c := Config{Concurrency: 50}.withDefaults()
	require.Equal(t, maxConcurrency, c.Concurrency)
	c = Config{}.withDefaults()
	require.Equal(t, defaultConcurrency, c.Concurrency)
	require.Equal(t, time.Second, c.RateWindow)
	require.Equal(t, 15*time.Minute, c.JobBudget)
}
