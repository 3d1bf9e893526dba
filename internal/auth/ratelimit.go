package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimiter caps PAT authentication attempts per remote address using a
// Redis INCR+EXPIRE pipeline. It is given its own *redis.Client rather
// than reusing pkg/store.Store, since the Store contract deliberately does
// not expose raw pipeline access outside the keyspace-scoped operations it
// defines.
type RateLimiter struct {
	rdb    *redis.Client
	limit  int
	window time.Duration
}

// NewRateLimiter returns a limiter allowing limit attempts per window for
// each key passed to Allow.
func NewRateLimiter(rdb *redis.Client, limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{rdb: rdb, limit: limit, window: window}
}

// Allow increments the attempt counter for key and reports whether the
// caller is still within limit. The counter's TTL is (re)armed only on the
// first increment of a window, so a steady trickle of attempts within the
// window keeps counting toward the same bucket.
func (r *RateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	rkey := "ratelimit:" + key

	count, err := r.rdb.Incr(ctx, rkey).Result()
	if err != nil {
		return false, fmt.Errorf("auth: rate limit check for %s: %w", key, err)
	}
	if count == 1 {
		if err := r.rdb.Expire(ctx, rkey, r.window).Err(); err != nil {
			return false, fmt.Errorf("auth: arming rate limit ttl for %s: %w", key, err)
		}
	}
	return count <= int64(r.limit), nil
}

// Reset clears the attempt counter for key, used after a successful
// authentication so a legitimate operator isn't penalized for earlier
// failed attempts.
func (r *RateLimiter) Reset(ctx context.Context, key string) error {
	if err := r.rdb.Del(ctx, "ratelimit:"+key).Err(); err != nil {
		return fmt.Errorf("auth: resetting rate limit for %s: %w", key, err)
	}
	return nil
}
