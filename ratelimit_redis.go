package main

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// SharedCounterLimiter throttles through a shared Redis counter, so every
// server instance sees the same count. This guards the export endpoint,
// which previously kept a process-local map and under-counted behind a load
// balancer.
type SharedCounterLimiter struct {
	client *redis.Client
	limit  int
	window time.Duration
}

func NewSharedCounterLimiter(client *redis.Client, limit int, window time.Duration) (*SharedCounterLimiter, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &SharedCounterLimiter{client: client, limit: limit, window: window}, nil
}

// Allow atomically increments the caller's window counter. The first hit in
// a window sets the expiry; the window resets itself when the key lapses.
func (l *SharedCounterLimiter) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	fullKey := "limiter:export:" + key

	count, err := l.client.Incr(ctx, fullKey).Result()
	if err != nil {
		return false, 0, err
	}
	if count == 1 {
		if err := l.client.PExpire(ctx, fullKey, l.window).Err(); err != nil {
			return false, 0, err
		}
	}
	if count > int64(l.limit) {
		ttl, err := l.client.PTTL(ctx, fullKey).Result()
		if err != nil || ttl < 0 {
			ttl = l.window
		}
		return false, ttl, nil
	}
	return true, 0, nil
}
