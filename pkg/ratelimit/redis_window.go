package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Redis keys for the shared reservation ring. The ring is a hash of
// slot index -> grant time (unix ms); the head key holds the next slot.
const (
	RedisKeySlotsSuffix = ":slots"
	RedisKeyHeadSuffix  = ":head"

	// DefaultRedisKeyPrefix namespaces the ring shared by all processes
	// calling the same API account.
	DefaultRedisKeyPrefix = "sdp:rate_limit"
)

// reserveScript performs the same reservation as Window.reserve atomically
// inside Redis, using the server clock so all processes share one time base.
//
// KEYS[1] slots hash, KEYS[2] head counter
// ARGV[1] slot count, ARGV[2] window in ms
// Returns the wait in ms.
var reserveScript = redis.NewScript(`
local size = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local t = redis.call('TIME')
local now = tonumber(t[1]) * 1000 + math.floor(tonumber(t[2]) / 1000)

local head = tonumber(redis.call('GET', KEYS[2]) or '0') % size
local slot = tonumber(redis.call('HGET', KEYS[1], head) or '0')
local available = slot + window

local grant = now
if now < available then
	grant = available
end

redis.call('HSET', KEYS[1], head, grant)
redis.call('SET', KEYS[2], (head + 1) % size)

local ttl = (grant - now) + window
redis.call('PEXPIRE', KEYS[1], ttl)
redis.call('PEXPIRE', KEYS[2], ttl)

return grant - now
`)

// RedisWindow is a sliding window limiter whose ring lives in Redis, so the
// quota is shared by every process using the same key prefix.
type RedisWindow struct {
	redis  *redis.Client
	calls  int
	window time.Duration
	prefix string
	logger zerolog.Logger
}

// NewRedisWindow creates a Redis-backed limiter admitting calls per window.
// An empty prefix selects DefaultRedisKeyPrefix.
func NewRedisWindow(redisClient *redis.Client, prefix string, calls int, window time.Duration, logger zerolog.Logger) (*RedisWindow, error) {
	if redisClient == nil {
		return nil, fmt.Errorf("%w: redis client is required", ErrInvalidConfig)
	}
	if err := validate(calls, window); err != nil {
		return nil, err
	}
	if window < time.Millisecond {
		return nil, fmt.Errorf("%w: window must be at least 1ms for the redis limiter (got %s)", ErrInvalidConfig, window)
	}
	if prefix == "" {
		prefix = DefaultRedisKeyPrefix
	}

	return &RedisWindow{
		redis:  redisClient,
		calls:  calls,
		window: window,
		prefix: prefix,
		logger: logger,
	}, nil
}

// Acquire reserves a slot in the shared ring and waits for its grant time.
func (w *RedisWindow) Acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		rateLimitCancelledTotal.WithLabelValues("redis").Inc()
		return fmt.Errorf("%w: %w", ErrNotGranted, err)
	}

	wait, err := w.reserve(ctx)
	if err != nil {
		return err
	}

	if wait > 0 {
		w.logger.Debug().
			Dur("wait", wait).
			Int("calls", w.calls).
			Dur("window", w.window).
			Str("prefix", w.prefix).
			Msg("Shared rate limit reached, waiting for slot")
	}

	return waitFor(ctx, "redis", wait)
}

func (w *RedisWindow) reserve(ctx context.Context) (time.Duration, error) {
	keys := []string{w.prefix + RedisKeySlotsSuffix, w.prefix + RedisKeyHeadSuffix}

	waitMs, err := reserveScript.Run(ctx, w.redis, keys, w.calls, w.window.Milliseconds()).Int64()
	if err != nil {
		w.logger.Error().Err(err).Str("prefix", w.prefix).Msg("Rate limit reservation failed")
		return 0, fmt.Errorf("reserve rate limit slot: %w", err)
	}

	return time.Duration(waitMs) * time.Millisecond, nil
}
