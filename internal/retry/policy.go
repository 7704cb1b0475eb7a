// Package retry implements the pure backoff and classification functions
// used by the Sync Engine. Nothing here touches the network or the queue;
// every function is deterministic given its inputs except for the jitter
// random source, which is injectable for tests.
package retry

import (
	"math/rand"
	"time"

	"github.com/chronova/chronova-cli/internal/errors"
)

// Policy holds the tunables for exponential backoff with optional jitter.
// Defaults mirror the ones the agent has shipped with from day one:
// base 1s, max 60s, 5 attempts, jitter on.
type Policy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
	UseJitter   bool

	// rand is overridable in tests so jitter is deterministic.
	rand func() float64
}

// DefaultPolicy returns the policy spec.md §4.3 documents as the default.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:   time.Second,
		MaxDelay:    60 * time.Second,
		MaxAttempts: 5,
		UseJitter:   true,
	}
}

// WithRand returns a copy of p using r instead of math/rand for jitter.
// r must return a float64 uniformly distributed in [0, 1).
func (p Policy) WithRand(r func() float64) Policy {
	p.rand = r
	return p
}

// DelayFor computes the backoff delay before retry number attempt.
//
//	base = BaseDelay
//	exp  = min(base * 2^(attempt-1), MaxDelay)
//	if UseJitter: exp *= uniform(0.5, 1.5)
//	return min(exp, MaxDelay)
//
// attempt == 0 always yields zero delay (the first try is never delayed).
func (p Policy) DelayFor(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}

	exponent := attempt - 1
	delay := p.BaseDelay * time.Duration(1<<uint(exponent))
	if delay > p.MaxDelay || delay < 0 {
		delay = p.MaxDelay
	}

	if p.UseJitter {
		factor := 0.5 + p.randFloat()
		delay = time.Duration(float64(delay) * factor)
	}

	if delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}

func (p Policy) randFloat() float64 {
	if p.rand != nil {
		return p.rand()
	}
	return rand.Float64()
}

// ShouldRetry reports whether another attempt is permitted under MaxAttempts.
func (p Policy) ShouldRetry(attempt int) bool {
	return attempt < p.MaxAttempts
}

// IsRetryable classifies err using the taxonomy in internal/errors.
// Network and RateLimit are retryable; Auth and Config are not. Unknown
// errors default to retryable, matching spec.md §7's "everything else is
// Unknown, treated as retryable to be safe".
func IsRetryable(err error) bool {
	return errors.Retryable(err)
}
