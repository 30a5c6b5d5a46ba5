package ratelimit

import (
	"context"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
)

// fixedWindowScript increments the window counter and arms its expiry in one
// server-side step. It returns {count, pttl_ms}.
var fixedWindowScript = redis.NewScript(`
local c = redis.call('INCR', KEYS[1])
if c == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {c, ttl}
`)

// Redis shares buckets across processes. The bucket's lifetime is the key's TTL.
type Redis struct {
	rdb    redis.Scripter
	prefix string
}

func NewRedis(rdb redis.Scripter, prefix string) *Redis {
	if prefix == "" {
		prefix = "rl:"
	}
	return &Redis{rdb: rdb, prefix: prefix}
}

func (r *Redis) Check(ctx context.Context, key string, limit int, window time.Duration) (Decision, error) {
	if err := validate(key, limit, window); err != nil {
		return Decision{}, err
	}
	ms := window.Milliseconds()
	if ms <= 0 {
		ms = 1
	}
	// The window size is part of the key so a config change never inherits a stale TTL.
	k := r.prefix + key + ":" + strconv.FormatInt(ms, 10)

	res, err := fixedWindowScript.Run(ctx, r.rdb, []string{k}, ms).Int64Slice()
	if err != nil {
		return Decision{}, errors.Wrapf(err, "rate limit check %s", key)
	}
	if len(res) != 2 {
		return Decision{}, errors.Newf("rate limit check %s: unexpected reply %v", key, res)
	}
	count := int(res[0])
	if count <= limit {
		return Decision{Allowed: true, Count: count}, nil
	}
	retry := time.Duration(res[1]) * time.Millisecond
	if retry <= 0 {
		retry = time.Millisecond
	}
	return Decision{Allowed: false, RetryAfter: retry, Count: count}, nil
}
