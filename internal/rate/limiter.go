// Package rate implements fixed-window request counting per
// (identity, operation) key on top of Redis atomic increments.
package rate

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Window holds the budget for one operation class.
type Window struct {
	Limit    int
	Duration time.Duration
}

// Config holds the default window and optional per-operation overrides.
type Config struct {
	Prefix       string
	Default      Window
	PerOperation map[string]Window
}

// Result is the outcome of a single [Limiter.Allow] call.
type Result struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration

	// FailedOpen is set when the backing store was unavailable and the
	// request was allowed anyway.
	FailedOpen bool
}

// Limiter counts requests in fixed windows keyed by identity and operation.
// A store failure never blocks the request: the limiter fails open and logs.
type Limiter struct {
	redis  redis.UniversalClient
	config Config
	log    *zap.Logger
}

// New creates a [Limiter] backed by the given Redis client.
func New(redisClient redis.UniversalClient, cfg Config, log *zap.Logger) *Limiter {
	if cfg.Prefix == "" {
		cfg.Prefix = "trl"
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Limiter{
		redis:  redisClient,
		config: cfg,
		log:    log,
	}
}

func (l *Limiter) key(identity, operation string) string {
	return l.config.Prefix + ":" + identity + ":" + operation
}

func (l *Limiter) window(operation string) Window {
	if w, ok := l.config.PerOperation[operation]; ok {
		return w
	}
	return l.config.Default
}

// Allow records one request for the identity+operation pair and reports
// whether it is within budget. The window TTL is set only on the first
// increment of a window; once the count exceeds the limit the request is
// denied with the remaining TTL as retry-after.
func (l *Limiter) Allow(ctx context.Context, identity, operation string) Result {
	w := l.window(operation)
	if w.Limit <= 0 {
		return Result{Allowed: true}
	}

	key := l.key(identity, operation)
	count, err := l.redis.Incr(ctx, key).Result()
	if err != nil {
		l.log.Warn("rate limiter store unavailable, failing open",
			zap.String("operation", operation), zap.Error(err))
		return Result{Allowed: true, FailedOpen: true}
	}

	// Fixed-window semantics: TTL starts with the first hit in the window.
	if count == 1 {
		if err := l.redis.Expire(ctx, key, w.Duration).Err(); err != nil {
			l.log.Warn("rate limiter expire failed, failing open",
				zap.String("operation", operation), zap.Error(err))
			return Result{Allowed: true, FailedOpen: true}
		}
	}

	if count > int64(w.Limit) {
		retryAfter := w.Duration
		if ttl, err := l.redis.TTL(ctx, key).Result(); err == nil && ttl > 0 {
			retryAfter = ttl
		}
		return Result{Allowed: false, RetryAfter: retryAfter}
	}

	return Result{Allowed: true, Remaining: w.Limit - int(count)}
}

// Reset clears the counter for the identity+operation pair.
func (l *Limiter) Reset(ctx context.Context, identity, operation string) error {
	return l.redis.Del(ctx, l.key(identity, operation)).Err()
}
