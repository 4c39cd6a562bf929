package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/Adithya-Monish-Kumar-K/pipelines/pkg/redis"
)

// Redis is a fixed-window limiter whose counters live in Redis, so every
// gateway replica shares one budget per key. Each window gets its own key,
// which expires once the window is over.
type Redis struct {
	rdb    *redis.Client
	prefix string
	limit  int
	window time.Duration
	now    func() time.Time
}

// NewRedis creates a Redis-backed limiter.
func NewRedis(rdb *redis.Client, prefix string, limit int, window time.Duration) *Redis {
	return &Redis{
		rdb:    rdb,
		prefix: prefix,
		limit:  limit,
		window: window,
		now:    time.Now,
	}
}

// Allow increments key's counter for the current window.
func (l *Redis) Allow(ctx context.Context, key string) (Decision, error) {
	start := windowStart(l.now(), l.window)
	redisKey := fmt.Sprintf("%s:%s:%d", l.prefix, key, start.UnixMilli())
	count, err := l.rdb.IncrWindow(ctx, redisKey, l.window)
	if err != nil {
		return Decision{}, fmt.Errorf("counting request for %s: %w", key, err)
	}
	return decide(count, l.limit, start.Add(l.window)), nil
}
