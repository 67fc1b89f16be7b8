package retry

import (
	"context"
	"time"
)

// Do runs fn until it succeeds, returns an error retryable rejects, the
// policy runs out of attempts, or ctx is done. It returns the number of
// attempts made and the last error.
func Do(ctx context.Context, policy Policy, seed string, retryable func(error) bool, fn func(context.Context) error) (int, error) {
	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; ; attempt++ {
		if err = fn(ctx); err == nil {
			return attempt, nil
		}
		if attempt >= attempts || !retryable(err) {
			return attempt, err
		}

		timer := time.NewTimer(Backoff(Params{Seed: seed, Attempt: attempt}, policy))
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt, err
		case <-timer.C:
		}
	}
}
