package statestore

import "github.com/redis/go-redis/v9"

// incrScript increments and sets the expiry only on a key without one.
// KEYS[1] = counter
// ARGV[1] = delta
// ARGV[2] = ttl in milliseconds, <= 0 for none
var incrScript = redis.NewScript(`
local value = redis.call("INCRBY", KEYS[1], ARGV[1])
local ttl = tonumber(ARGV[2])
if ttl > 0 and redis.call("PTTL", KEYS[1]) < 0 then
    redis.call("PEXPIRE", KEYS[1], ttl)
end
return value
`)

// Rate limit and breaker scripts use the host clock (ARGV timestamps in unix
// seconds) and Redis TTLs only for cleanup.

// incrRateLimitScript opens a new window when none is active and adds delta.
// KEYS[1] = counter, KEYS[2] = window expiration
// ARGV[1] = delta, ARGV[2] = window seconds, ARGV[3] = now
var incrRateLimitScript = redis.NewScript(`
local delta = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local expiration = tonumber(redis.call("GET", KEYS[2]))
if not expiration or now > expiration then
    expiration = now + window
    redis.call("SET", KEYS[2], expiration)
    redis.call("SET", KEYS[1], 0)
    redis.call("EXPIREAT", KEYS[2], expiration + 1)
    redis.call("EXPIREAT", KEYS[1], expiration + 1)
end
local attempts = redis.call("INCRBY", KEYS[1], delta)
return { attempts, expiration }
`)

// checkRateLimitScript reads the window, clearing it once expired.
// KEYS[1] = counter, KEYS[2] = window expiration
// ARGV[1] = now
var checkRateLimitScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local attempts = tonumber(redis.call("GET", KEYS[1]))
local expiration = tonumber(redis.call("GET", KEYS[2]))
if not attempts or not expiration or now > expiration then
    redis.call("DEL", KEYS[1], KEYS[2])
    return { 0, 0 }
end
return { attempts, expiration }
`)

// incrBreakerScript records successes or failures. A success resets the
// consecutive failure count and vice versa.
// KEYS = generation, successes, failures, consecutive successes,
//        consecutive failures, expiration
// ARGV[1] = success delta, ARGV[2] = failure delta, ARGV[3] = window seconds,
// ARGV[4] = now
var incrBreakerScript = redis.NewScript(`
local success_delta = tonumber(ARGV[1])
local failure_delta = tonumber(ARGV[2])
local window = tonumber(ARGV[3])
local now = tonumber(ARGV[4])
local expiration = now + window
local generation = redis.call("INCRBY", KEYS[1], 1)
local successes = 0
local failures = 0
local consec_successes = 0
local consec_failures = 0
if success_delta > 0 then
    successes = redis.call("INCRBY", KEYS[2], success_delta)
    failures = tonumber(redis.call("GET", KEYS[3])) or 0
    consec_successes = redis.call("INCRBY", KEYS[4], success_delta)
    redis.call("SET", KEYS[5], 0)
else
    successes = tonumber(redis.call("GET", KEYS[2])) or 0
    failures = redis.call("INCRBY", KEYS[3], failure_delta)
    redis.call("SET", KEYS[4], 0)
    consec_failures = redis.call("INCRBY", KEYS[5], failure_delta)
end
redis.call("SET", KEYS[6], expiration)
for i = 1, 6 do
    redis.call("EXPIREAT", KEYS[i], expiration + 1)
end
return { generation, successes, failures, consec_successes, consec_failures, expiration }
`)

// checkBreakerScript reads the breaker, clearing it once expired.
var checkBreakerScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local generation = tonumber(redis.call("GET", KEYS[1])) or 0
local expiration = tonumber(redis.call("GET", KEYS[6])) or 0
if generation <= 0 or now > expiration then
    redis.call("DEL", KEYS[1], KEYS[2], KEYS[3], KEYS[4], KEYS[5], KEYS[6])
    return { 0, 0, 0, 0, 0, 0 }
end
local successes = tonumber(redis.call("GET", KEYS[2])) or 0
local failures = tonumber(redis.call("GET", KEYS[3])) or 0
local consec_successes = tonumber(redis.call("GET", KEYS[4])) or 0
local consec_failures = tonumber(redis.call("GET", KEYS[5])) or 0
return { generation, successes, failures, consec_successes, consec_failures, expiration }
`)
