package httpx

import (
	"context"
	"log/slog"
	"time"
)

const rateLimitKeySpace = "ratelimit:"

// WindowCounter is the slice of the cache store the Redis limiter needs.
// *cache.RedisStore satisfies it.
type WindowCounter interface {
	IncrWindow(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error)
}

type redisRateLimiter struct {
	store    WindowCounter
	policies RatePolicies
	logger   *slog.Logger
	timeout  time.Duration
	now      func() time.Time
}

// NewRedisRateLimiter counts windows in the shared cache store, so replicas
// pointed at one Redis share budgets. Keys live under the store's prefix as
// ratelimit:<class>:<identity>. Close leaves the store open.
func NewRedisRateLimiter(store WindowCounter, policies RatePolicies, logger *slog.Logger) RateLimiter {
	if logger != nil {
		logger = logger.With("component", "rate_limiter")
	}
	return &redisRateLimiter{
		store:    store,
		policies: policies,
		logger:   logger,
		timeout:  250 * time.Millisecond,
		now:      time.Now,
	}
}

// Allow fails open when Redis is unreachable.
func (rl *redisRateLimiter) Allow(class RateClass, identity string) rateDecision {
	policy := rl.policies.policy(class)
	if policy.Limit <= 0 {
		return rateDecision{allowed: true}
	}
	ctx, cancel := context.WithTimeout(context.Background(), rl.timeout)
	defer cancel()

	count, ttl, err := rl.store.IncrWindow(ctx, rateLimitKeySpace+rateKey(class, identity), policy.Window)
	if err != nil {
		if rl.logger != nil {
			rl.logger.Error("redis rate limiter error", "class", class, "error", err)
		}
		if count == 0 {
			return rateDecision{allowed: true}
		}
	}
	return rateDecision{
		allowed:   int(count) <= policy.Limit,
		limit:     policy.Limit,
		count:     int(count),
		windowEnd: rl.now().Add(ttl),
	}
}

func (rl *redisRateLimiter) Close() {}
