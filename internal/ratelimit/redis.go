package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// windowTTLSeconds outlives the one-second window by one second so a key
// straddling a boundary expires on its own.
const windowTTLSeconds = 2

// incrWithExpiry bumps the window counter and arms its TTL on first touch,
// in one round trip.
var incrWithExpiry = redis.NewScript(`
local hits = redis.call("INCR", KEYS[1])
if hits == 1 then
  redis.call("EXPIRE", KEYS[1], ARGV[1])
end
return hits
`)

// RedisLimiter counts windows in Redis so every gateway instance sharing
// the store sees one budget per user key.
type RedisLimiter struct {
	client *redis.Client
	prefix string
}

// NewRedisLimiter wraps a connected client. The prefix namespaces window
// keys when several deployments share one Redis.
func NewRedisLimiter(client *redis.Client, prefix string) *RedisLimiter {
	return &RedisLimiter{client: client, prefix: strings.TrimSpace(prefix)}
}

// Allow counts one hit against the key's current window. Errors surface to
// the manager, which trips its breaker and falls back to memory.
func (l *RedisLimiter) Allow(ctx context.Context, key string, limit int, now time.Time) (Result, error) {
	if limit <= 0 || key == "" || l == nil || l.client == nil {
		return Result{Allowed: true}, nil
	}
	sec := now.Unix()
	reset := time.Unix(sec+1, 0).UTC()

	hits, errEval := incrWithExpiry.Run(ctx, l.client, []string{l.windowKey(key, sec)}, windowTTLSeconds).Int64()
	if errEval != nil {
		return Result{}, fmt.Errorf("ratelimit: redis window incr: %w", errEval)
	}
	if hits > int64(limit) {
		return Result{Allowed: false, Reset: reset}, nil
	}
	remaining := limit - int(hits)
	if remaining < 0 {
		remaining = 0
	}
	return Result{Allowed: true, Remaining: remaining, Reset: reset}, nil
}

// windowKey scopes one limiter key to its second, e.g. mpa:rl:k:12:1700000000.
func (l *RedisLimiter) windowKey(key string, sec int64) string {
	if l.prefix == "" {
		return key + ":" + strconv.FormatInt(sec, 10)
	}
	return l.prefix + ":" + key + ":" + strconv.FormatInt(sec, 10)
}
