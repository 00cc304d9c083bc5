package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisIPLimiter is a fixed-window counter: INCR, with the window set as TTL
// on the first hit of each window.
type RedisIPLimiter struct {
	client  redis.UniversalClient
	prefix  string
	maxHits int
	window  time.Duration
}

func NewRedisIPLimiter(client redis.UniversalClient, prefix string, maxHits int, window time.Duration) *RedisIPLimiter {
	if prefix == "" {
		prefix = "auth:login-ip"
	}
	if maxHits <= 0 {
		maxHits = 10
	}
	if window <= 0 {
		window = time.Minute
	}
	return &RedisIPLimiter{client: client, prefix: prefix, maxHits: maxHits, window: window}
}

func (l *RedisIPLimiter) key(ip string) string {
	return l.prefix + ":" + ip
}

func (l *RedisIPLimiter) Allow(ctx context.Context, ip string, _ time.Time) (bool, time.Duration, error) {
	key := l.key(ip)

	hits, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		return false, 0, fmt.Errorf("incr login ip counter: %w", err)
	}
	if hits == 1 {
		if err := l.client.Expire(ctx, key, l.window).Err(); err != nil {
			return false, 0, fmt.Errorf("expire login ip counter: %w", err)
		}
	}

	if hits <= int64(l.maxHits) {
		return true, 0, nil
	}

	ttl, err := l.client.PTTL(ctx, key).Result()
	if err != nil {
		return false, 0, fmt.Errorf("read login ip counter ttl: %w", err)
	}
	if ttl < 0 {
		// counter lost its expiry; start a fresh window
		if err := l.client.Expire(ctx, key, l.window).Err(); err != nil {
			return false, 0, fmt.Errorf("expire login ip counter: %w", err)
		}
		ttl = l.window
	}
	if ttl < time.Second {
		ttl = time.Second
	}

	return false, ttl, nil
}
