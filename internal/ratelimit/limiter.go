// Package ratelimit provides Redis-backed fixed-window rate limiting using
// INCR + EXPIRE. Counters live in Redis, so limits hold across server
// instances behind the same load balancer.
package ratelimit

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Rule defines a rate limiting policy: the Redis key prefix, maximum number of
// requests allowed in the window, and the window duration.
type Rule struct {
	Key    string        // Redis key prefix (e.g., "rl:chat:", "rl:match:", "rl:conn:")
	Limit  int           // max count in the window
	Window time.Duration // time window
}

var (
	// RuleMatch allows 10 find-match requests per minute per connection.
	RuleMatch = Rule{Key: "rl:match:", Limit: 10, Window: 1 * time.Minute}

	// RuleChat allows 5 chat messages per 10 seconds per connection.
	RuleChat = Rule{Key: "rl:chat:", Limit: 5, Window: 10 * time.Second}

	// RuleConnect allows 20 WebSocket connections per minute per IP.
	RuleConnect = Rule{Key: "rl:conn:", Limit: 20, Window: 1 * time.Minute}
)

// Limiter performs rate limiting checks against Redis. A nil *Limiter
// allows everything, which is how the server runs without Redis.
type Limiter struct {
	client *redis.Client
}

// NewLimiter creates a Limiter backed by the given Redis client.
func NewLimiter(client *redis.Client) *Limiter {
	return &Limiter{client: client}
}

// Allow counts one request for identifier under rule. When the request is
// over the limit it returns false and the time until the window resets.
//
// On Redis errors Allow fails open so that a Redis outage does not block
// legitimate traffic; the error is still returned.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, time.Duration, error) {
	if l == nil {
		return true, 0, nil
	}
	key := rule.Key + identifier

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		log.Printf("[ratelimit] redis INCR error key=%s: %v (failing open)", key, err)
		return true, 0, err
	}

	// The first increment opens the window.
	if count == 1 {
		if err := l.client.Expire(ctx, key, rule.Window).Err(); err != nil {
			log.Printf("[ratelimit] redis EXPIRE error key=%s: %v (failing open)", key, err)
			// Without a TTL the key would block identifier forever.
			l.client.Del(ctx, key)
			return true, 0, err
		}
	}

	if int(count) <= rule.Limit {
		return true, 0, nil
	}

	ttl, err := l.client.TTL(ctx, key).Result()
	if err != nil || ttl <= 0 {
		// A key without TTL (lost EXPIRE) is repaired here.
		if ttl == -1 {
			l.client.Expire(ctx, key, rule.Window)
		}
		ttl = rule.Window
	}
	return false, ttl, nil
}

// Remaining returns the number of requests the identifier has left in the
// current window for the given rule. Returns the full limit if the key does not
// exist yet. On Redis errors it returns the full limit (fail open).
func (l *Limiter) Remaining(ctx context.Context, identifier string, rule Rule) (int, error) {
	if l == nil {
		return rule.Limit, nil
	}
	key := rule.Key + identifier

	count, err := l.client.Get(ctx, key).Int()
	if errors.Is(err, redis.Nil) {
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

// Reset clears the counter for identifier under rule.
func (l *Limiter) Reset(ctx context.Context, identifier string, rule Rule) error {
	if l == nil {
		return nil
	}
	return l.client.Del(ctx, rule.Key+identifier).Err()
}
