package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Default budget configuration values.
const (
	DefaultWindowSize = time.Second
	DefaultKeyTTL     = 2 * time.Second
)

// KeyPrefixBudget prefixes the per-window request counters.
const KeyPrefixBudget = "upstream:budget:"

// consumeScript atomically checks and increments a window counter.
var consumeScript = redis.NewScript(`
	local key = KEYS[1]
	local n = tonumber(ARGV[1])
	local budget = tonumber(ARGV[2])
	local ttl = tonumber(ARGV[3])

	local used = tonumber(redis.call('GET', key) or '0')
	if used + n > budget then
		return {0, used}
	end

	redis.call('INCRBY', key, n)
	redis.call('EXPIRE', key, ttl)
	return {1, used + n}
`)

// RedisBudget coordinates upstream request volume across scanner instances.
// Each host gets a fixed number of requests per window, counted in Redis.
type RedisBudget struct {
	redis      redis.Cmdable
	budget     int
	windowSize time.Duration
	keyTTL     time.Duration
}

// RedisBudgetConfig holds configuration for the shared budget
type RedisBudgetConfig struct {
	// Redis is required
	Redis redis.Cmdable
	// Budget is the number of requests allowed per window per host
	Budget int
	// WindowSize defaults to 1s
	WindowSize time.Duration
	// KeyTTL defaults to 2s and should be at least WindowSize
	KeyTTL time.Duration
}

// Validate checks if the configuration is valid.
func (c *RedisBudgetConfig) Validate() error {
	if c.Redis == nil {
		return errors.New("redis client is required")
	}
	if c.Budget <= 0 {
		return errors.New("budget must be positive")
	}
	if c.WindowSize < 0 || c.KeyTTL < 0 {
		return errors.New("durations cannot be negative")
	}
	return nil
}

// NewRedisBudget creates a shared budget
func NewRedisBudget(cfg *RedisBudgetConfig) (*RedisBudget, error) {
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	windowSize := cfg.WindowSize
	if windowSize == 0 {
		windowSize = DefaultWindowSize
	}
	keyTTL := cfg.KeyTTL
	if keyTTL == 0 {
		keyTTL = DefaultKeyTTL
	}
	if keyTTL < windowSize {
		keyTTL = windowSize
	}

	return &RedisBudget{
		redis:      cfg.Redis,
		budget:     cfg.Budget,
		windowSize: windowSize,
		keyTTL:     keyTTL,
	}, nil
}

func (b *RedisBudget) windowTimestamp(now time.Time) int64 {
	return now.Truncate(b.windowSize).UnixMilli()
}

func (b *RedisBudget) key(host string, windowTS int64) string {
	return KeyPrefixBudget + host + ":" + strconv.FormatInt(windowTS, 10)
}

// TryConsume attempts to take n requests from the host's budget in the current window.
// When denied it returns the time until the next window.
func (b *RedisBudget) TryConsume(ctx context.Context, host string, n int) (bool, time.Duration) {
	if n <= 0 {
		return true, 0
	}

	windowTS := b.windowTimestamp(time.Now())

	ttlSeconds := int(b.keyTTL.Seconds())
	if ttlSeconds < 1 {
		ttlSeconds = 1
	}

	result, err := consumeScript.Run(ctx, b.redis, []string{b.key(host, windowTS)}, n, b.budget, ttlSeconds).Int64Slice()
	if err != nil || len(result) == 0 || result[0] != 1 {
		// Redis errors deny the request; the caller waits for the next window.
		return false, b.waitTime(windowTS)
	}

	return true, 0
}

// Used returns the requests counted for host in the current window
func (b *RedisBudget) Used(ctx context.Context, host string) (int, error) {
	val, err := b.redis.Get(ctx, b.key(host, b.windowTimestamp(time.Now()))).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return val, err
}

func (b *RedisBudget) waitTime(windowTS int64) time.Duration {
	windowEnd := time.UnixMilli(windowTS).Add(b.windowSize)
	wait := time.Until(windowEnd)
	if wait < 0 {
		wait = 0
	}
	return wait + time.Millisecond
}
