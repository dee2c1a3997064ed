// Package ratelimit provides Redis-backed fixed-window rate limiting (INCR +
// EXPIRE) for the gateway's per-user event intake and per-IP connection
// attempts. Checks fail open: a Redis outage must not take realtime
// messaging down with it.
package ratelimit

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Rule defines one limiting policy: the Redis key prefix, the maximum count
// allowed in the window, and the window duration.
type Rule struct {
	Key    string        // Redis key prefix (e.g. "rl:live:")
	Limit  int           // max count in the window
	Window time.Duration // window duration
}

// Standard gateway rules.
var (
	// RuleLiveMessage allows 30 live messages per 10 seconds per user.
	RuleLiveMessage = Rule{Key: "rl:live:", Limit: 30, Window: 10 * time.Second}

	// RuleTyping allows 20 typing events per 5 seconds per user. Clients
	// debounce, but a broken client must not be able to saturate peers.
	RuleTyping = Rule{Key: "rl:typing:", Limit: 20, Window: 5 * time.Second}

	// RuleConnect allows 10 websocket upgrades per minute per IP.
	RuleConnect = Rule{Key: "rl:conn:", Limit: 10, Window: 1 * time.Minute}
)

// Limiter performs rate limit checks against Redis.
type Limiter struct {
	client *redis.Client
}

// NewLimiter creates a Limiter backed by the given Redis client.
func NewLimiter(client *redis.Client) *Limiter {
	return &Limiter{client: client}
}

// Allow reports whether identifier is within the limit defined by rule. It
// increments the window counter and sets the expiry on the counter's first
// increment. On Redis errors it returns true (fail open) along with the
// error so callers can log it.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	key := rule.Key + identifier

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		log.Printf("[ratelimit] redis INCR error key=%s: %v (failing open)", key, err)
		return true, err
	}

	if count == 1 {
		if err := l.client.Expire(ctx, key, rule.Window).Err(); err != nil {
			log.Printf("[ratelimit] redis EXPIRE error key=%s: %v (failing open)", key, err)
			// The counter has no TTL and would throttle the identifier
			// forever; best effort removal.
			l.client.Del(ctx, key)
			return true, err
		}
	}

	return int(count) <= rule.Limit, nil
}

// Remaining returns how many events identifier has left in the current
// window. It returns the full limit when no window is open or on Redis
// errors (fail open).
func (l *Limiter) Remaining(ctx context.Context, identifier string, rule Rule) (int, error) {
	key := rule.Key + identifier

	count, err := l.client.Get(ctx, key).Int()
	if err == redis.Nil {
		return rule.Limit, nil
	}
	if err != nil {
		log.Printf("[ratelimit] redis GET error key=%s: %v (failing open)", key, err)
		return rule.Limit, err
	}

	remaining := rule.Limit - count
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}
