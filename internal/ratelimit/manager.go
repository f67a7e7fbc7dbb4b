package ratelimit

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// breakerHold keeps a failed Redis out of the hot path while it recovers.
const breakerHold = 30 * time.Second

// SettingsProvider supplies the latest settings snapshot.
type SettingsProvider func() SettingsConfig

// RedisClientFactory constructs a Redis client for the given options.
type RedisClientFactory func(options *redis.Options) *redis.Client

// redisTarget is the connection identity of the current Redis backend. A
// settings change that alters it forces a reconnect.
type redisTarget struct {
	addr     string
	password string
	prefix   string
	db       int
}

// breaker holds Redis out of rotation for a fixed window after a failure.
type breaker struct {
	until time.Time
}

func (b *breaker) open(now time.Time) bool {
	if b.until.IsZero() {
		return false
	}
	if now.Before(b.until) {
		return true
	}
	b.until = time.Time{}
	return false
}

func (b *breaker) trip(err error, now time.Time) {
	if err == nil {
		return
	}
	if !b.until.IsZero() && now.Before(b.until) {
		return
	}
	b.until = now.Add(breakerHold)
	log.WithError(err).Warn("ratelimit: redis unavailable, counting in memory")
}

// Manager routes limit checks to Redis when settings enable it and it is
// healthy, and to the in-process limiter otherwise. Decisions degrade, they
// never block a request on a broken backend.
type Manager struct {
	settings SettingsProvider
	now      func() time.Time
	fallback Limiter
	dial     RedisClientFactory

	mu      sync.Mutex
	redis   *RedisLimiter
	target  redisTarget
	breaker breaker
}

// NewManager wires a manager; nil arguments take the production defaults.
func NewManager(settings SettingsProvider, now func() time.Time, dial RedisClientFactory) *Manager {
	if settings == nil {
		settings = LoadSettingsConfig
	}
	if now == nil {
		now = time.Now
	}
	if dial == nil {
		dial = redis.NewClient
	}
	return &Manager{
		settings: settings,
		now:      now,
		fallback: NewMemoryLimiter(),
		dial:     dial,
	}
}

// Allow checks one request against the key's window. A zero limit or blank
// key disables the check.
func (m *Manager) Allow(ctx context.Context, key string, limit int) (Result, error) {
	if m == nil || limit <= 0 || key == "" {
		return Result{Allowed: true}, nil
	}
	now := m.now()
	cfg := m.settings()

	if cfg.RedisEnabled {
		if res, ok := m.allowShared(ctx, key, limit, now, cfg); ok {
			return res, nil
		}
	}
	return m.fallback.Allow(ctx, key, limit, now)
}

// allowShared tries the Redis backend. ok is false whenever memory should
// decide instead: breaker open, connect failed, or the check errored.
func (m *Manager) allowShared(ctx context.Context, key string, limit int, now time.Time, cfg SettingsConfig) (Result, bool) {
	if ctx == nil {
		ctx = context.Background()
	}
	limiter, errBackend := m.backend(ctx, cfg, now)
	if errBackend != nil || limiter == nil {
		return Result{}, false
	}
	res, errAllow := limiter.Allow(ctx, key, limit, now)
	if errAllow != nil {
		m.mu.Lock()
		m.breaker.trip(errAllow, now)
		m.mu.Unlock()
		return Result{}, false
	}
	return res, true
}

// backend returns the connected Redis limiter, reconnecting when the
// settings moved it. Failures trip the breaker and return nil.
func (m *Manager) backend(ctx context.Context, cfg SettingsConfig, now time.Time) (*RedisLimiter, error) {
	next := redisTarget{
		addr:     strings.TrimSpace(cfg.RedisAddr),
		password: strings.TrimSpace(cfg.RedisPassword),
		prefix:   strings.TrimSpace(cfg.RedisPrefix),
		db:       cfg.RedisDB,
	}
	if next.db < 0 {
		next.db = 0
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.breaker.open(now) {
		return nil, errors.New("ratelimit: redis breaker open")
	}
	if next.addr == "" {
		err := errors.New("ratelimit: redis enabled without an address")
		m.breaker.trip(err, now)
		return nil, err
	}
	if m.redis != nil && m.target == next {
		return m.redis, nil
	}
	if m.redis != nil {
		_ = m.redis.client.Close()
		m.redis = nil
	}

	client := m.dial(&redis.Options{
		Addr:     next.addr,
		Password: next.password,
		DB:       next.db,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if errPing := client.Ping(pingCtx).Err(); errPing != nil {
		_ = client.Close()
		m.breaker.trip(errPing, now)
		return nil, errPing
	}
	m.redis = NewRedisLimiter(client, next.prefix)
	m.target = next
	return m.redis, nil
}
