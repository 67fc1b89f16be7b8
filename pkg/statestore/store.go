// Package statestore is the shared key-value state plugins use to correlate
// across requests: counters, flags, fixed-window rate limits and circuit
// breakers. Keys arrive fully namespaced; the store never rewrites them.
package statestore

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound means the key does not exist or has expired.
	ErrNotFound = errors.New("statestore: key not found")
	// ErrUnavailable means the backend could not be reached after retries.
	ErrUnavailable = errors.New("statestore: unavailable")
	// ErrTimeout means the backend did not answer in time.
	ErrTimeout = errors.New("statestore: timeout")
	// ErrRejected means the backend refused the command, e.g. INCR on a
	// non-integer value.
	ErrRejected = errors.New("statestore: command rejected")
)

// Store is implemented by RedisStore and MemoryStore.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores value; ttl <= 0 keeps the key until deleted.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Incr adds delta atomically and returns the new value. A positive ttl
	// is applied only when the key has no expiry yet, so the first increment
	// opens the window.
	Incr(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)
	Del(ctx context.Context, keys ...string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error

	IncrRateLimit(ctx context.Context, key string, delta int64, window time.Duration) (Rate, error)
	CheckRateLimit(ctx context.Context, key string) (Rate, error)
	IncrBreaker(ctx context.Context, key string, successDelta, failureDelta int64, window time.Duration) (Breaker, error)
	CheckBreaker(ctx context.Context, key string) (Breaker, error)

	Close() error
}

// Rate is a fixed-window counter. Expiration is a unix timestamp in seconds;
// zero means no window is open.
type Rate struct {
	Attempts   int64 `json:"attempts"`
	Expiration int64 `json:"expiration"`
}

// Breaker tracks successes and failures for one circuit. Generation counts
// every update within the current window.
type Breaker struct {
	Generation           int64 `json:"generation"`
	Successes            int64 `json:"successes"`
	Failures             int64 `json:"failures"`
	ConsecutiveSuccesses int64 `json:"consecutive_successes"`
	ConsecutiveFailures  int64 `json:"consecutive_failures"`
	Expiration           int64 `json:"expiration"`
}

// OpError records which operation failed. It unwraps to one of the package
// sentinels when the failure could be classified.
type OpError struct {
	Op       string
	Key      string
	Attempts int
	Err      error
}

func (e *OpError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("statestore %s %q after %d attempts: %v", e.Op, e.Key, e.Attempts, e.Err)
	}
	return fmt.Sprintf("statestore %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

// Derived key names for the rate limit and breaker counters. They extend the
// caller's key so the namespace stays a prefix.
func rateKeys(key string) (counter, expiration string) {
	return key + ":rl", key + ":rl:exp"
}

func breakerKeys(key string) []string {
	return []string{
		key + ":bk:g",
		key + ":bk:s",
		key + ":bk:f",
		key + ":bk:cs",
		key + ":bk:cf",
		key + ":bk:exp",
	}
}

func windowSeconds(window time.Duration) int64 {
	s := int64(window / time.Second)
	if s < 1 {
		s = 1
	}
	return s
}
