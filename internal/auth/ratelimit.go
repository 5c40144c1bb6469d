package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimiter throttles credential-bearing endpoints (login, API key
// creation, SVID minting) with a fixed-window counter backed by Redis so
// the limit holds across every replica of the API process, not just the
// one that happens to handle a given request.
type RateLimiter struct {
	rdb    *redis.Client
	limit  int
	window time.Duration
}

func NewRateLimiter(rdb *redis.Client, limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{rdb: rdb, limit: limit, window: window}
}

// Allow increments the counter for key and reports whether the caller is
// still under the limit for the current window.
func (rl *RateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	redisKey := fmt.Sprintf("loom:ratelimit:%s", key)

	count, err := rl.rdb.Incr(ctx, redisKey).Result()
	if err != nil {
		return false, fmt.Errorf("incrementing rate limit counter: %w", err)
	}
	if count == 1 {
		if err := rl.rdb.Expire(ctx, redisKey, rl.window).Err(); err != nil {
			return false, fmt.Errorf("setting rate limit expiry: %w", err)
		}
	}
	return count <= int64(rl.limit), nil
}
