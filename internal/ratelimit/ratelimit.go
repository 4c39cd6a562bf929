// Package ratelimit implements admission control for mutating routes: a
// fixed wall-clock window counter with an in-memory backend for a single
// process and a Redis backend shared by every replica.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/Adithya-Monish-Kumar-K/pipelines/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/pipelines/pkg/redis"
)

// Decision is the admission verdict for one request.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Limiter admits at most Limit requests per key in each window. Windows are
// aligned to the wall clock (now truncated to the window length), so every
// counter resets at the same instant regardless of when its first request
// arrived.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

// windowStart returns the start of the window containing now.
func windowStart(now time.Time, window time.Duration) time.Time {
	return now.Truncate(window)
}

func decide(count int64, limit int, reset time.Time) Decision {
	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   count <= int64(limit),
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   reset,
	}
}

// New builds the limiter selected by cfg.Backend. rdb is only used by the
// redis backend and may be nil otherwise.
func New(cfg config.RateLimitConfig, rdb *redis.Client) (Limiter, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemory(cfg.Limit, cfg.Window), nil
	case "redis":
		if rdb == nil {
			return nil, fmt.Errorf("redis rate limiter requires a redis client")
		}
		return NewRedis(rdb, cfg.KeyPrefix, cfg.Limit, cfg.Window), nil
	default:
		return nil, fmt.Errorf("unknown rate limit backend %q", cfg.Backend)
	}
}
