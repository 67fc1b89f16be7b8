package statestore

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"
)

type memEntry struct {
	value   []byte
	expires time.Time
}

// MemoryStore implements Store in process. It is meant for tests and
// single-instance deployments where state need not be shared.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memEntry
	now     func() time.Time
}

// NewMemoryStore creates an empty store on the wall clock.
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithClock(time.Now)
}

// NewMemoryStoreWithClock creates a store driven by now.
func NewMemoryStoreWithClock(now func() time.Time) *MemoryStore {
	return &MemoryStore{entries: make(map[string]memEntry), now: now}
}

func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.lookup(key)
	if !ok {
		return nil, &OpError{Op: "get", Key: key, Err: ErrNotFound}
	}
	return append([]byte(nil), e.value...), nil
}

func (s *MemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := memEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expires = s.now().Add(ttl)
	}
	s.entries[key] = e
	return nil
}

func (s *MemoryStore) Incr(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, err := s.incrLocked(key, delta)
	if err != nil {
		return 0, &OpError{Op: "incr", Key: key, Err: err}
	}
	if ttl > 0 {
		e := s.entries[key]
		if e.expires.IsZero() {
			e.expires = s.now().Add(ttl)
			s.entries[key] = e
		}
	}
	return v, nil
}

func (s *MemoryStore) Del(ctx context.Context, keys ...string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, k := range keys {
		if _, ok := s.lookup(k); ok {
			delete(s.entries, k)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.lookup(key)
	if !ok {
		return &OpError{Op: "expire", Key: key, Err: ErrNotFound}
	}
	if ttl <= 0 {
		delete(s.entries, key)
		return nil
	}
	e.expires = s.now().Add(ttl)
	s.entries[key] = e
	return nil
}

func (s *MemoryStore) IncrRateLimit(ctx context.Context, key string, delta int64, window time.Duration) (Rate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counter, exp := rateKeys(key)
	now := s.now().Unix()
	expiration, ok := s.intLocked(exp)
	if !ok || now > expiration {
		expiration = now + windowSeconds(window)
		s.setIntLocked(exp, expiration, expiration+1)
		s.setIntLocked(counter, 0, expiration+1)
	}
	attempts, err := s.incrLocked(counter, delta)
	if err != nil {
		return Rate{}, &OpError{Op: "incr_rate_limit", Key: key, Err: err}
	}
	return Rate{Attempts: attempts, Expiration: expiration}, nil
}

func (s *MemoryStore) CheckRateLimit(ctx context.Context, key string) (Rate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counter, exp := rateKeys(key)
	attempts, okA := s.intLocked(counter)
	expiration, okE := s.intLocked(exp)
	if !okA || !okE || s.now().Unix() > expiration {
		delete(s.entries, counter)
		delete(s.entries, exp)
		return Rate{}, nil
	}
	return Rate{Attempts: attempts, Expiration: expiration}, nil
}

func (s *MemoryStore) IncrBreaker(ctx context.Context, key string, successDelta, failureDelta int64, window time.Duration) (Breaker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := breakerKeys(key)
	expiration := s.now().Unix() + windowSeconds(window)

	b := Breaker{Expiration: expiration}
	var err error
	incr := func(dst *int64, k string, delta int64) {
		if err == nil {
			*dst, err = s.incrLocked(k, delta)
		}
	}
	incr(&b.Generation, keys[0], 1)
	if successDelta > 0 {
		incr(&b.Successes, keys[1], successDelta)
		b.Failures, _ = s.intLocked(keys[2])
		incr(&b.ConsecutiveSuccesses, keys[3], successDelta)
		if err == nil {
			s.setIntLocked(keys[4], 0, 0)
		}
	} else {
		b.Successes, _ = s.intLocked(keys[1])
		incr(&b.Failures, keys[2], failureDelta)
		if err == nil {
			s.setIntLocked(keys[3], 0, 0)
		}
		incr(&b.ConsecutiveFailures, keys[4], failureDelta)
	}
	if err != nil {
		return Breaker{}, &OpError{Op: "incr_breaker", Key: key, Err: err}
	}
	s.setIntLocked(keys[5], expiration, 0)
	// Like EXPIREAT, only keys that exist get the deadline.
	for _, k := range keys {
		if e, ok := s.lookup(k); ok {
			e.expires = time.Unix(expiration+1, 0)
			s.entries[k] = e
		}
	}
	return b, nil
}

func (s *MemoryStore) CheckBreaker(ctx context.Context, key string) (Breaker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := breakerKeys(key)
	generation, _ := s.intLocked(keys[0])
	expiration, _ := s.intLocked(keys[5])
	if generation <= 0 || s.now().Unix() > expiration {
		for _, k := range keys {
			delete(s.entries, k)
		}
		return Breaker{}, nil
	}

	b := Breaker{Generation: generation, Expiration: expiration}
	b.Successes, _ = s.intLocked(keys[1])
	b.Failures, _ = s.intLocked(keys[2])
	b.ConsecutiveSuccesses, _ = s.intLocked(keys[3])
	b.ConsecutiveFailures, _ = s.intLocked(keys[4])
	return b, nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

// lookup returns a live entry, dropping it when expired.
func (s *MemoryStore) lookup(key string) (memEntry, bool) {
	e, ok := s.entries[key]
	if !ok {
		return memEntry{}, false
	}
	if !e.expires.IsZero() && !s.now().Before(e.expires) {
		delete(s.entries, key)
		return memEntry{}, false
	}
	return e, true
}

func (s *MemoryStore) intLocked(key string) (int64, bool) {
	e, ok := s.lookup(key)
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseInt(string(e.value), 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// setIntLocked stores v; expireAt is a unix timestamp, 0 keeps the current
// expiry.
func (s *MemoryStore) setIntLocked(key string, v, expireAt int64) {
	e, _ := s.lookup(key)
	e.value = []byte(strconv.FormatInt(v, 10))
	if expireAt > 0 {
		e.expires = time.Unix(expireAt, 0)
	}
	s.entries[key] = e
}

func (s *MemoryStore) incrLocked(key string, delta int64) (int64, error) {
	e, ok := s.lookup(key)
	var cur int64
	if ok {
		v, err := strconv.ParseInt(string(e.value), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: value is not an integer", ErrRejected)
		}
		cur = v
	}
	cur += delta
	e.value = []byte(strconv.FormatInt(cur, 10))
	s.entries[key] = e
	return cur, nil
}
