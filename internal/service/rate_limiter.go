package service

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Limiter counts hits for key in a sliding window ending at now.
type Limiter interface {
	CheckLimit(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (allowed bool, resetAt time.Time)
}

// rateLimitScript is a Lua script for sliding window rate limiting.
// Scores are unix milliseconds.
var rateLimitScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

local windowStart = now - window

redis.call('ZREMRANGEBYSCORE', key, '-inf', windowStart)

local count = redis.call('ZCARD', key)

if count >= limit then
    local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
    local resetAt = 0
    if #oldest >= 2 then
        resetAt = tonumber(oldest[2]) + window
    else
        resetAt = now + window
    end
    return {0, resetAt}
end

redis.call('ZADD', key, now, now .. '-' .. math.random())
redis.call('PEXPIRE', key, window + 10000)

local resetAt = now + window
return {1, resetAt}
`)

// RedisLimiter shares windows between instances through Redis.
type RedisLimiter struct {
	client *redis.Client
}

func NewRedisLimiter(client *redis.Client) *RedisLimiter {
	return &RedisLimiter{client: client}
}

// CheckLimit allows the request when Redis is unavailable. The rate guard is
// advisory and must not take the download flow down with it.
func (rl *RedisLimiter) CheckLimit(
	ctx context.Context,
	key string,
	limit int,
	window time.Duration,
	now time.Time,
) (allowed bool, resetAt time.Time) {
	result, err := rateLimitScript.Run(
		ctx,
		rl.client,
		[]string{key},
		now.UnixMilli(),
		window.Milliseconds(),
		limit,
	).Int64Slice()

	if err != nil {
		log.Warn().
			Err(err).
			Str("key", key).
			Msg("rate limit check failed, allowing request")
		return true, now.Add(window)
	}

	if len(result) != 2 {
		log.Warn().Str("key", key).Int("len", len(result)).Msg("unexpected rate limit result, allowing request")
		return true, now.Add(window)
	}

	return result[0] == 1, time.UnixMilli(result[1])
}

const (
	memoryLimiterMaxEntries      = 10000
	memoryLimiterCleanupInterval = time.Minute
)

type rateLimitEntry struct {
	timestamps []time.Time
	window     time.Duration
	lastAccess time.Time
}

// MemoryLimiter keeps sliding windows in process.
type MemoryLimiter struct {
	mu          sync.Mutex
	store       map[string]*rateLimitEntry
	lastCleanup time.Time
}

func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{store: make(map[string]*rateLimitEntry)}
}

func (rl *MemoryLimiter) cleanup(now time.Time) {
	if now.Sub(rl.lastCleanup) < memoryLimiterCleanupInterval {
		return
	}
	rl.lastCleanup = now

	for key, entry := range rl.store {
		if now.Sub(entry.lastAccess) > entry.window {
			delete(rl.store, key)
		}
	}

	if len(rl.store) > memoryLimiterMaxEntries {
		evict := len(rl.store) / 5
		for key := range rl.store {
			if evict == 0 {
				break
			}
			delete(rl.store, key)
			evict--
		}
	}
}

func (rl *MemoryLimiter) CheckLimit(
	ctx context.Context,
	key string,
	limit int,
	window time.Duration,
	now time.Time,
) (allowed bool, resetAt time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.cleanup(now)

	windowStart := now.Add(-window)

	entry, exists := rl.store[key]
	if !exists {
		entry = &rateLimitEntry{}
		rl.store[key] = entry
	}
	entry.lastAccess = now
	entry.window = window

	filtered := entry.timestamps[:0]
	for _, ts := range entry.timestamps {
		if ts.After(windowStart) {
			filtered = append(filtered, ts)
		}
	}
	entry.timestamps = filtered

	if len(entry.timestamps) >= limit {
		return false, entry.timestamps[0].Add(window)
	}

	entry.timestamps = append(entry.timestamps, now)
	return true, now.Add(window)
}
