// Package ratelimit provides Redis-backed fixed-window rate limiting using
// INCR + EXPIRE. Each action (message, typing, connect) is throttled per
// user or per remote address.
package ratelimit

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
)

// Rule is a rate limiting policy: the Redis key prefix, the number of
// requests allowed in the window and the window length.
type Rule struct {
	Key    string
	Limit  int
	Window time.Duration
}

var (
	// RuleMessage allows 10 messages per 10 seconds per user.
	RuleMessage = Rule{Key: "rl:msg:", Limit: 10, Window: 10 * time.Second}

	// RuleTyping allows 30 typing events per 10 seconds per user.
	RuleTyping = Rule{Key: "rl:typing:", Limit: 30, Window: 10 * time.Second}

	// RuleConnect allows 20 WebSocket connections per minute per address.
	RuleConnect = Rule{Key: "rl:conn:", Limit: 20, Window: time.Minute}
)

// Limiter performs rate limiting checks against Redis.
type Limiter struct {
	client *redis.Client
	log    *slog.Logger
}

// NewLimiter creates a Limiter backed by the given Redis client.
func NewLimiter(client *redis.Client, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{client: client, log: logger.With("component", "ratelimit")}
}

// Allow increments the identifier's counter for rule and reports whether it
// is still within the limit. Redis errors fail open: the request is allowed
// and the error returned for logging.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	key := rule.Key + identifier

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		l.log.WarnContext(ctx, "redis INCR failed, failing open", "key", key, "err", err)
		return true, err
	}

	// The first increment opens the window.
	if count == 1 {
		if err := l.client.Expire(ctx, key, rule.Window).Err(); err != nil {
			l.log.WarnContext(ctx, "redis EXPIRE failed, failing open", "key", key, "err", err)
			// A key without TTL would throttle the identifier forever.
			l.client.Del(ctx, key)
			return true, err
		}
	}

	return int(count) <= rule.Limit, nil
}

// RetryAfter returns how long until the identifier's current window closes.
// It is zero when no window is open.
func (l *Limiter) RetryAfter(ctx context.Context, identifier string, rule Rule) (time.Duration, error) {
	key := rule.Key + identifier

	ttl, err := l.client.PTTL(ctx, key).Result()
	if err != nil {
		l.log.WarnContext(ctx, "redis PTTL failed", "key", key, "err", err)
		return 0, err
	}
	// Negative values mean no key or no expiry.
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}

// Seconds rounds a retry delay up to whole seconds, the unit of the
// Retry-After header.
func Seconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Seconds()))
}
