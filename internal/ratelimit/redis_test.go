package ratelimit

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

// Runs only against a real server: REDIS_ADDR=localhost:6379 go test ./internal/ratelimit
func TestRedisFixedWindow(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	defer rdb.Close()

	ctx := context.Background()
	lim := NewRedis(rdb, "rl-test:")
	key := "project:" + uuid.NewString() + ":send"

	for i := 1; i <= 3; i++ {
		d, err := lim.Check(ctx, key, 3, time.Second)
		require.NoError(t, err)
		require.True(t, d.Allowed)
		require.Equal(t, i, d.Count)
	}
	d, err := lim.Check(ctx, key, 3, time.Second)
	require.NoError(t, err)
	require.False(t, d.Allowed)
	require.Greater(t, d.RetryAfter, time.Duration(0))
	require.LessOrEqual(t, d.RetryAfter, time.Second)

	time.Sleep(d.RetryAfter + 50*time.Millisecond)
	d, err = lim.Check(ctx, key, 3, time.Second)
	require.NoError(t, err)
	require.True(t, d.Allowed)
}
