package ratelimit

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"broadcastd/internal/broadcast"
	logx "broadcastd/pkg/logx"

	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestMemoryFixedWindow(t *testing.T) {
	t.Parallel()
	clk := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	lim := NewMemoryWithClock(clk.Now)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		d, err := lim.Check(ctx, "k", 3, time.Second)
		require.NoError(t, err)
		require.True(t, d.Allowed, "call %d", i)
		require.Equal(t, i, d.Count)
	}

	clk.Advance(250 * time.Millisecond)
	d, err := lim.Check(ctx, "k", 3, time.Second)
	require.NoError(t, err)
	require.False(t, d.Allowed)
	require.Equal(t, 750*time.Millisecond, d.RetryAfter)

	// other keys are independent
	d, err = lim.Check(ctx, "other", 3, time.Second)
	require.NoError(t, err)
	require.True(t, d.Allowed)

	clk.Advance(750 * time.Millisecond)
	d, err = lim.Check(ctx, "k", 3, time.Second)
	require.NoError(t, err)
	require.True(t, d.Allowed)
	require.Equal(t, 1, d.Count)
}

func TestMemoryRejectsBadArguments(t *testing.T) {
	t.Parallel()
	lim := NewMemory()
	ctx := context.Background()

	_, err := lim.Check(ctx, " ", 1, time.Second)
	require.True(t, broadcast.IsValidation(err))
	_, err = lim.Check(ctx, "k", 0, time.Second)
	require.True(t, broadcast.IsValidation(err))
	_, err = lim.Check(ctx, "k", 1, 0)
	require.True(t, broadcast.IsValidation(err))
}

func TestMemoryConcurrentCallersNeverExceedLimit(t *testing.T) {
	t.Parallel()
	clk := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	lim := NewMemoryWithClock(clk.Now)

	const callers = 64
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
		counts  = map[int]bool{}
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := lim.Check(context.Background(), SendKey("p1"), 10, time.Second)
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if counts[d.Count] {
				t.Errorf("count %d observed twice", d.Count)
			}
			counts[d.Count] = true
			if d.Allowed {
				allowed++
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 10, allowed)
}

func TestMemoryPrunesExpiredBuckets(t *testing.T) {
	t.Parallel()
	clk := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	lim := NewMemoryWithClock(clk.Now)
	ctx := context.Background()

	for i := 0; i < pruneEvery-1; i++ {
		_, err := lim.Check(ctx, "k"+strconv.Itoa(i), 1, time.Millisecond)
		require.NoError(t, err)
	}
	require.Equal(t, pruneEvery-1, lim.Len())

	clk.Advance(time.Second)
	_, err := lim.Check(ctx, "fresh", 1, time.Second)
	require.NoError(t, err)
	require.Equal(t, 1, lim.Len())
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	_, _, err := Open(context.Background(), Config{Driver: "etcd"}, logx.Nop())
	require.Error(t, err)
}
