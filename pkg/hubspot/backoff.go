package hubspot

import (
	"math/rand"
	"time"
)

// Policy is a pure backoff policy: given the attempt number that just failed
// and the error class, it yields the wait before the next attempt, or
// ok=false when the caller should give up. Keeping it free of clocks and
// sleeps makes retry behavior testable without real time.
type Policy struct {
	// MaxAttempts is the total number of attempts (including the first).
	MaxAttempts int

	// InitialBackoff is the wait after the first failed attempt.
	InitialBackoff time.Duration

	// MaxBackoff caps the exponential growth.
	MaxBackoff time.Duration

	// Multiplier is the exponential backoff factor.
	Multiplier float64

	// DefaultRetryAfter is the wait for rate-limited responses that carry
	// no Retry-After header.
	DefaultRetryAfter time.Duration
}

// DefaultPolicy returns the retry policy used against the HubSpot API.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:       4,
		InitialBackoff:    1 * time.Second,
		MaxBackoff:        30 * time.Second,
		Multiplier:        2.0,
		DefaultRetryAfter: 10 * time.Second,
	}
}

// Next returns the wait before retrying after the given failed attempt
// (1-based). ok is false when the error class is non-retryable or the
// attempt budget is spent.
func (p Policy) Next(attempt int, class ErrorClass) (time.Duration, bool) {
	if !shouldRetry(class) {
		return 0, false
	}
	if attempt >= p.MaxAttempts {
		return 0, false
	}

	// Rate-limited responses wait a flat default; the client substitutes
	// the server's Retry-After value when present.
	if class == ErrorClassRateLimit {
		return p.DefaultRetryAfter, true
	}

	backoff := p.InitialBackoff
	for i := 1; i < attempt; i++ {
		backoff = time.Duration(float64(backoff) * p.Multiplier)
		if backoff >= p.MaxBackoff {
			return p.MaxBackoff, true
		}
	}
	if backoff > p.MaxBackoff {
		backoff = p.MaxBackoff
	}
	return backoff, true
}

// withJitter adds ±20% randomness to prevent thundering herd.
func withJitter(d time.Duration) time.Duration {
	return time.Duration(float64(d) * (0.8 + rand.Float64()*0.4))
}
