package ratelimit

import (
	"context"
	"strings"
	"time"

	"broadcastd/internal/broadcast"
	logx "broadcastd/pkg/logx"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
)

// Decision is the answer to one Check call.
type Decision struct {
	Allowed bool
	// RetryAfter is the time until the current window resets. Set only when denied.
	RetryAfter time.Duration
	// Count is the post-increment counter value for the current window.
	Count int
}

// Limiter is a fixed-window counter keyed by an arbitrary string.
//
// Check performs the check-and-increment as one atomic step: concurrent callers
// on the same key never observe the same count.
type Limiter interface {
	Check(ctx context.Context, key string, limit int, window time.Duration) (Decision, error)
}

// Config selects and configures the limiter backend.
//
// Driver values:
//   - "memory": in-process buckets (single instance only)
//   - "redis": shared buckets, required when several worker processes run
type Config struct {
	Driver string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string
}

// Open builds the configured limiter. The returned close func releases backend resources.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Limiter, func() error, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "memory":
		log.Info("rate limiter ready", logx.String("driver", "memory"))
		return NewMemory(), func() error { return nil }, nil
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := rdb.Ping(pctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, nil, errors.Wrapf(err, "redis ping %s", cfg.RedisAddr)
		}
		log.Info("rate limiter ready", logx.String("driver", "redis"), logx.String("addr", cfg.RedisAddr))
		return NewRedis(rdb, cfg.RedisPrefix), rdb.Close, nil
	default:
		return nil, nil, errors.Newf("unknown rate limit driver: %s", cfg.Driver)
	}
}

func validate(key string, limit int, window time.Duration) error {
	if strings.TrimSpace(key) == "" {
		return broadcast.Invalid("key", "required")
	}
	if limit <= 0 {
		return broadcast.Invalid("limit", "must be > 0")
	}
	if window <= 0 {
		return broadcast.Invalid("window", "must be > 0")
	}
	return nil
}

// SendKey is the per-tenant key guarding provider sends.
func SendKey(projectID string) string {
	return "project:" + projectID + ":send"
}
