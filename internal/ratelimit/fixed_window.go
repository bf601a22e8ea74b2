package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter answers whether a key may perform one more request right now.
type Limiter interface {
	Allow(key string) bool
}

var fixedWindowScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return count
`)

// RedisFixedWindowLimiter limits requests per key in a fixed time window,
// shared across replicas through Redis.
type RedisFixedWindowLimiter struct {
	limit  int
	window time.Duration
	client *redis.Client
	prefix string
}

// NewRedisFixedWindowLimiter creates a Redis-backed distributed limiter.
func NewRedisFixedWindowLimiter(addr, password, prefix string, limit int, window time.Duration) (*RedisFixedWindowLimiter, error) {
	if limit <= 0 || window <= 0 {
		return nil, errors.New("rate limiter requires positive limit and window")
	}
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("rate limiter redis addr is required")
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "polichat:ratelimit"
	}
	return &RedisFixedWindowLimiter{
		limit:  limit,
		window: window,
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
		}),
		prefix: prefix,
	}, nil
}

// Allow returns true when the key is within quota.
// On Redis failures it fails closed and returns false.
func (l *RedisFixedWindowLimiter) Allow(key string) bool {
	if l == nil {
		return false
	}
	key = strings.TrimSpace(key)
	if key == "" {
		key = "unknown"
	}
	windowMs := l.window.Milliseconds()
	windowSlot := time.Now().UTC().UnixMilli() / windowMs
	redisKey := fmt.Sprintf("%s:%s:%d", l.prefix, key, windowSlot)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := fixedWindowScript.Run(ctx, l.client, []string{redisKey}, windowMs).Int64()
	if err != nil {
		return false
	}
	return res <= int64(l.limit)
}

// MemoryFixedWindowLimiter is the single-instance fallback used when no
// Redis address is configured.
type MemoryFixedWindowLimiter struct {
	limit  int
	window time.Duration

	mu     sync.Mutex
	slot   int64
	counts map[string]int
}

// NewMemoryFixedWindowLimiter creates an in-memory fixed window limiter.
func NewMemoryFixedWindowLimiter(limit int, window time.Duration) (*MemoryFixedWindowLimiter, error) {
	if limit <= 0 || window <= 0 {
		return nil, errors.New("rate limiter requires positive limit and window")
	}
	return &MemoryFixedWindowLimiter{
		limit:  limit,
		window: window,
		counts: make(map[string]int),
	}, nil
}

// Allow returns true when the key is within quota for the current window.
func (l *MemoryFixedWindowLimiter) Allow(key string) bool {
	if l == nil {
		return false
	}
	key = strings.TrimSpace(key)
	if key == "" {
		key = "unknown"
	}
	slot := time.Now().UTC().UnixMilli() / l.window.Milliseconds()

	l.mu.Lock()
	defer l.mu.Unlock()
	if slot != l.slot {
		l.slot = slot
		clear(l.counts)
	}
	l.counts[key]++
	return l.counts[key] <= l.limit
}

var (
	_ Limiter = (*RedisFixedWindowLimiter)(nil)
	_ Limiter = (*MemoryFixedWindowLimiter)(nil)
)
