// Package retry computes bounded exponential backoff and runs operations
// under it.
package retry

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// Policy bounds a retry loop. MaxAttempts counts the first try.
type Policy struct {
	BaseMs      int64 `yaml:"base_ms" json:"base_ms"`
	MaxMs       int64 `yaml:"max_ms" json:"max_ms"`
	MaxJitterMs int64 `yaml:"max_jitter_ms" json:"max_jitter_ms"`
	MaxAttempts int   `yaml:"max_attempts" json:"max_attempts"`
}

// DefaultPolicy is sized for a state store sitting next to the host: a
// handful of short retries that fit well inside a plugin timeout.
func DefaultPolicy() Policy {
	return Policy{
		BaseMs:      5,
		MaxMs:       100,
		MaxJitterMs: 5,
		MaxAttempts: 3,
	}
}

// Params identify one retry step. Seed spreads the jitter of unrelated
// operations apart while keeping a given step reproducible.
type Params struct {
	Seed    string
	Attempt int
}

// Backoff returns the delay before retry number params.Attempt (1-based).
func Backoff(params Params, policy Policy) time.Duration {
	// delay = base * 2^(attempt-1), exponent capped to avoid overflow
	shift := params.Attempt - 1
	if shift < 0 {
		shift = 0
	}
	if shift > 30 {
		shift = 30
	}
	delay := policy.BaseMs * (int64(1) << shift)
	if policy.MaxMs > 0 && delay > policy.MaxMs {
		delay = policy.MaxMs
	}

	return time.Duration(delay+Jitter(params, policy)) * time.Millisecond
}

// Jitter is derived from a hash of the params so a given step always waits
// the same amount.
func Jitter(params Params, policy Policy) int64 {
	if policy.MaxJitterMs <= 0 {
		return 0
	}
	hash := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", params.Seed, params.Attempt)))
	basis := binary.BigEndian.Uint64(hash[:8])
	return int64(basis % uint64(policy.MaxJitterMs)) //nolint:gosec // MaxJitterMs is positive
}
