package etl

import (
	"math"
	"time"
)

// Decision is what a RetryPolicy tells the runner after a failed attempt.
type Decision struct {
	Retry bool
	Delay time.Duration
}

// Fail is the no-retry decision.
var Fail = Decision{}

// RetryAfter returns a retry decision with the given delay.
func RetryAfter(d time.Duration) Decision { return Decision{Retry: true, Delay: d} }

// RetryPolicy decides, from a failure and the 1-based attempt that produced it,
// whether the runner retries the stage. Implementations must be pure.
type RetryPolicy interface {
	Decide(err *Error, attempt int) Decision
}

// RetryPolicyFunc adapts a function to RetryPolicy.
type RetryPolicyFunc func(err *Error, attempt int) Decision

func (f RetryPolicyFunc) Decide(err *Error, attempt int) Decision { return f(err, attempt) }

// ExponentialBackoff retries Transient failures up to MaxAttempts total
// attempts, waiting BaseDelay*2^(attempt-1) capped at MaxDelay.
type ExponentialBackoff struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetry is used when a pipeline is built without a policy.
var DefaultRetry = ExponentialBackoff{
	MaxAttempts: 3,
	BaseDelay:   500 * time.Millisecond,
	MaxDelay:    30 * time.Second,
}

func (p ExponentialBackoff) Decide(err *Error, attempt int) Decision {
	if err == nil || err.Kind != Transient || attempt >= p.MaxAttempts {
		return Fail
	}
	return RetryAfter(p.Delay(attempt))
}

// Delay returns the wait that follows the given failed attempt.
func (p ExponentialBackoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			break
		}
		if d > math.MaxInt64/2 {
			break
		}
		d *= 2
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// FixedDelay retries Transient failures with a constant wait.
type FixedDelay struct {
	MaxAttempts int
	Delay       time.Duration
}

func (p FixedDelay) Decide(err *Error, attempt int) Decision {
	if err == nil || err.Kind != Transient || attempt >= p.MaxAttempts {
		return Fail
	}
	return RetryAfter(p.Delay)
}

// NoRetry fails on the first error.
var NoRetry RetryPolicy = RetryPolicyFunc(func(*Error, int) Decision { return Fail })
