// Package ratelimit holds the Redis-backed quotas in front of the chat and
// booking endpoints.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// The script returns the hit count and the window's remaining lifetime in
// milliseconds, so callers can tell clients when to come back.
var takeScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return {count, redis.call("PTTL", KEYS[1])}
`)

// Decision is the outcome of one Take.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// FixedWindowLimiter counts hits per key in aligned windows shared by every
// replica through Redis.
type FixedWindowLimiter struct {
	limit  int
	window time.Duration
	prefix string
	client *redis.Client
	now    func() time.Time
}

func NewRedisFixedWindowLimiter(addr, password, prefix string, limit int, window time.Duration) (*FixedWindowLimiter, error) {
	if limit <= 0 || window < time.Millisecond {
		return nil, errors.New("rate limiter requires positive limit and window")
	}
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("rate limiter redis addr is required")
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "medconsult:ratelimit"
	}
	return &FixedWindowLimiter{
		limit:  limit,
		window: window,
		prefix: prefix,
		client: redis.NewClient(&redis.Options{Addr: addr, Password: password}),
		now:    time.Now,
	}, nil
}

// Take records a hit for key. Redis failures deny the request with a full
// window as RetryAfter.
func (l *FixedWindowLimiter) Take(ctx context.Context, key string) Decision {
	if l == nil {
		return Decision{RetryAfter: time.Minute}
	}
	if key = strings.TrimSpace(key); key == "" {
		key = "anonymous"
	}
	windowMs := l.window.Milliseconds()
	slot := l.now().UnixMilli() / windowMs
	redisKey := fmt.Sprintf("%s:%s:%d", l.prefix, key, slot)

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	res, err := takeScript.Run(ctx, l.client, []string{redisKey}, windowMs).Int64Slice()
	if err != nil || len(res) != 2 {
		return Decision{RetryAfter: l.window}
	}
	count, ttl := res[0], time.Duration(res[1])*time.Millisecond
	if ttl <= 0 {
		ttl = l.window
	}
	if count > int64(l.limit) {
		return Decision{RetryAfter: ttl}
	}
	return Decision{Allowed: true, Remaining: l.limit - int(count)}
}

// Allow is Take reduced to its verdict.
func (l *FixedWindowLimiter) Allow(ctx context.Context, key string) bool {
	return l.Take(ctx, key).Allowed
}

func (l *FixedWindowLimiter) Limit() int { return l.limit }

func (l *FixedWindowLimiter) Close() error {
	return l.client.Close()
}
