// Package admission gatekeeps inbound requests against tier and endpoint
// quotas before they reach any other component.
package admission

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	goredis "github.com/redis/go-redis/v9"

	"github.com/dhkim-dev/tickpulse/internal/metrics"
)

// checkAndIncrScript increments the window counter and sets the window's
// expiry in the same server-side operation. Doing both atomically means a
// key can neither persist forever (expiry-set failing after the
// increment) nor have its window silently reset early. Returns the count
// together with the key's remaining TTL so callers can report an
// accurate reset time.
// ARGV: [1]=window seconds
var checkAndIncrScript = goredis.NewScript(`
local current = redis.call('INCR', KEYS[1])
if current == 1 then
    redis.call('EXPIRE', KEYS[1], ARGV[1])
end
return {current, redis.call('TTL', KEYS[1])}
`)

// CounterStore is the distributed (key, window) counter primitive.
// resetIn is the time until the key's window expires.
type CounterStore interface {
	CheckAndIncrement(ctx context.Context, key string, limit int, window time.Duration) (allowed bool, current int, resetIn time.Duration, err error)
}

// RedisCounter implements CounterStore on Redis via a Lua script.
type RedisCounter struct {
	rdb *goredis.Client
}

// NewRedisCounter creates a Redis-backed counter store.
func NewRedisCounter(rdb *goredis.Client) *RedisCounter {
	return &RedisCounter{rdb: rdb}
}

// CheckAndIncrement runs the atomic increment-and-expire script.
func (c *RedisCounter) CheckAndIncrement(ctx context.Context, key string, limit int, window time.Duration) (bool, int, time.Duration, error) {
	seconds := int64(window / time.Second)
	if seconds < 1 {
		seconds = 1
	}

	result, err := checkAndIncrScript.Run(ctx, c.rdb, []string{key}, seconds).Int64Slice()
	if err != nil {
		return false, 0, 0, fmt.Errorf("check-and-increment script failed: %w", err)
	}
	if len(result) != 2 {
		return false, 0, 0, fmt.Errorf("check-and-increment script returned %d values", len(result))
	}

	current := int(result[0])
	resetIn := time.Duration(result[1]) * time.Second
	if resetIn <= 0 {
		resetIn = window
	}
	return current <= limit, current, resetIn, nil
}

// Limiter is the admission-control primitive. It prefers the distributed
// counter and transitions automatically to the local sliding-window
// fallback when the store is unreachable, logging each transition exactly
// once per direction.
type Limiter struct {
	store         CounterStore
	fallback      *SlidingWindow
	cb            circuitbreaker.CircuitBreaker[any]
	usingFallback atomic.Bool
}

// NewLimiter creates a limiter over the given counter store and fallback.
func NewLimiter(store CounterStore, fallback *SlidingWindow) *Limiter {
	cb := circuitbreaker.NewBuilder[any]().
		WithFailureRateThreshold(0.6, 5, 10*time.Second).
		WithDelay(30 * time.Second).
		WithSuccessThreshold(1).
		Build()

	return &Limiter{
		store:    store,
		fallback: fallback,
		cb:       cb,
	}
}

// CheckAndIncrement checks key against limit for the window and counts
// the request. Store unavailability is recovered locally by switching to
// the fallback counter; it is never surfaced to the caller. The returned
// duration is the time until the key's window resets.
func (l *Limiter) CheckAndIncrement(ctx context.Context, key string, limit int, window time.Duration) (bool, int, time.Duration) {
	if l.cb.TryAcquirePermit() {
		allowed, current, resetIn, err := l.store.CheckAndIncrement(ctx, key, limit, window)
		if err == nil {
			l.cb.RecordSuccess()
			l.switchMode(false)
			metrics.RateLimitChecksTotal.WithLabelValues("distributed", resultLabel(allowed)).Inc()
			return allowed, current, resetIn
		}
		l.cb.RecordError(err)
	}

	l.switchMode(true)
	allowed, current, resetIn := l.fallback.CheckAndIncrement(key, limit, window)
	metrics.RateLimitChecksTotal.WithLabelValues("fallback", resultLabel(allowed)).Inc()
	return allowed, current, resetIn
}

// UsingFallback reports whether the local counter is currently in use.
func (l *Limiter) UsingFallback() bool {
	return l.usingFallback.Load()
}

// switchMode flips between distributed and fallback mode. The
// compare-and-swap guarantees the transition log line fires once per
// direction no matter how many requests race through.
func (l *Limiter) switchMode(fallback bool) {
	if !l.usingFallback.CompareAndSwap(!fallback, fallback) {
		return
	}
	if fallback {
		metrics.RateLimitFallbackActive.Set(1)
		slog.Warn("Distributed counter unreachable, switched to local fallback")
	} else {
		metrics.RateLimitFallbackActive.Set(0)
		slog.Info("Distributed counter reachable again, switched back")
	}
}

func resultLabel(allowed bool) string {
	if allowed {
		return "allowed"
	}
	return "rejected"
}
