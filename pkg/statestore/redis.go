package statestore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/rampart/pkg/retry"
)

// RedisConfig configures the connection pool. Zero values fall back to the
// go-redis defaults.
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	PoolSize     int           `yaml:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	PoolTimeout  time.Duration `yaml:"pool_timeout"`
	Retry        retry.Policy  `yaml:"retry"`
}

// RedisStore implements Store on a pooled Redis client. Every command
// borrows one connection from the pool and returns it when done.
type RedisStore struct {
	client *redis.Client
	policy retry.Policy
	logger *slog.Logger
	now    func() time.Time
}

// NewRedisStore creates a store with its own connection pool.
func NewRedisStore(cfg RedisConfig) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolTimeout:  cfg.PoolTimeout,
		// Retries are driven by the store so they can respect idempotency.
		MaxRetries: -1,
	})
	return NewRedisStoreFromClient(client, cfg.Retry)
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client, policy retry.Policy) *RedisStore {
	return &RedisStore{
		client: client,
		policy: policy,
		logger: slog.Default().With("component", "statestore"),
		now:    time.Now,
	}
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.do(ctx, "ping", "", true, func(ctx context.Context) error {
		return s.client.Ping(ctx).Err()
	})
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	var out []byte
	err := s.do(ctx, "get", key, true, func(ctx context.Context) error {
		v, err := s.client.Get(ctx, key).Bytes()
		out = v
		return err
	})
	return out, err
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	return s.do(ctx, "set", key, true, func(ctx context.Context) error {
		return s.client.Set(ctx, key, value, ttl).Err()
	})
}

func (s *RedisStore) Incr(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	var out int64
	err := s.do(ctx, "incr", key, false, func(ctx context.Context) error {
		v, err := incrScript.Run(ctx, s.client, []string{key}, delta, ttl.Milliseconds()).Int64()
		out = v
		return err
	})
	return out, err
}

func (s *RedisStore) Del(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	var out int64
	err := s.do(ctx, "del", keys[0], true, func(ctx context.Context) error {
		v, err := s.client.Del(ctx, keys...).Result()
		out = v
		return err
	})
	return out, err
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.do(ctx, "expire", key, true, func(ctx context.Context) error {
		ok, err := s.client.PExpire(ctx, key, ttl).Result()
		if err != nil {
			return err
		}
		if !ok {
			return redis.Nil
		}
		return nil
	})
}

func (s *RedisStore) IncrRateLimit(ctx context.Context, key string, delta int64, window time.Duration) (Rate, error) {
	counter, exp := rateKeys(key)
	var vals []int64
	err := s.do(ctx, "incr_rate_limit", key, false, func(ctx context.Context) error {
		var err error
		vals, err = runInts(ctx, s.client, incrRateLimitScript, []string{counter, exp}, 2,
			delta, windowSeconds(window), s.now().Unix())
		return err
	})
	if err != nil {
		return Rate{}, err
	}
	return Rate{Attempts: vals[0], Expiration: vals[1]}, nil
}

func (s *RedisStore) CheckRateLimit(ctx context.Context, key string) (Rate, error) {
	counter, exp := rateKeys(key)
	var vals []int64
	err := s.do(ctx, "check_rate_limit", key, true, func(ctx context.Context) error {
		var err error
		vals, err = runInts(ctx, s.client, checkRateLimitScript, []string{counter, exp}, 2, s.now().Unix())
		return err
	})
	if err != nil {
		return Rate{}, err
	}
	return Rate{Attempts: vals[0], Expiration: vals[1]}, nil
}

func (s *RedisStore) IncrBreaker(ctx context.Context, key string, successDelta, failureDelta int64, window time.Duration) (Breaker, error) {
	var vals []int64
	err := s.do(ctx, "incr_breaker", key, false, func(ctx context.Context) error {
		var err error
		vals, err = runInts(ctx, s.client, incrBreakerScript, breakerKeys(key), 6,
			successDelta, failureDelta, windowSeconds(window), s.now().Unix())
		return err
	})
	if err != nil {
		return Breaker{}, err
	}
	return breakerFrom(vals), nil
}

func (s *RedisStore) CheckBreaker(ctx context.Context, key string) (Breaker, error) {
	var vals []int64
	err := s.do(ctx, "check_breaker", key, true, func(ctx context.Context) error {
		var err error
		vals, err = runInts(ctx, s.client, checkBreakerScript, breakerKeys(key), 6, s.now().Unix())
		return err
	})
	if err != nil {
		return Breaker{}, err
	}
	return breakerFrom(vals), nil
}

// Close releases the connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// do runs op under the retry policy. Idempotent operations retry on
// timeouts as well as connection failures; the others only retry on
// connection failures, since a timed out command may already have applied.
func (s *RedisStore) do(ctx context.Context, op, key string, idempotent bool, fn func(context.Context) error) error {
	retryable := func(err error) bool {
		if ctx.Err() != nil {
			return false
		}
		if errors.Is(err, ErrUnavailable) {
			return true
		}
		return idempotent && errors.Is(err, ErrTimeout)
	}

	attempts, err := retry.Do(ctx, s.policy, op+":"+key, retryable, func(ctx context.Context) error {
		return classify(fn(ctx))
	})
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrNotFound) {
		s.logger.WarnContext(ctx, "state store operation failed",
			"op", op, "key", key, "attempts", attempts, "error", err)
	}
	return &OpError{Op: op, Key: key, Attempts: attempts, Err: err}
}

// classify maps client errors onto the package sentinels.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if errors.Is(err, ErrRejected) {
		return err
	}
	// A failed dial or an unusable pool never sent the command, so a
	// timeout here is still a connection failure.
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if errors.Is(err, redis.ErrPoolTimeout) || errors.Is(err, redis.ErrPoolExhausted) || errors.Is(err, redis.ErrClosed) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	var redisErr redis.Error
	if errors.As(err, &redisErr) {
		return fmt.Errorf("%w: %v", ErrRejected, err)
	}
	// Refused dials, resets, EOF, closed or exhausted pools: the command did
	// not complete and the connection is gone.
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func runInts(ctx context.Context, client *redis.Client, script *redis.Script, keys []string, want int, args ...interface{}) ([]int64, error) {
	res, err := script.Run(ctx, client, keys, args...).Result()
	if err != nil {
		return nil, err
	}
	raw, ok := res.([]interface{})
	if !ok || len(raw) != want {
		return nil, fmt.Errorf("%w: unexpected script reply %T", ErrRejected, res)
	}
	out := make([]int64, want)
	for i, v := range raw {
		n, ok := v.(int64)
		if !ok {
			return nil, fmt.Errorf("%w: unexpected script value %T", ErrRejected, v)
		}
		out[i] = n
	}
	return out, nil
}

func breakerFrom(vals []int64) Breaker {
	return Breaker{
		Generation:           vals[0],
		Successes:            vals[1],
		Failures:             vals[2],
		ConsecutiveSuccesses: vals[3],
		ConsecutiveFailures:  vals[4],
		Expiration:           vals[5],
	}
}
