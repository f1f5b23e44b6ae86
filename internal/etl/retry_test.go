package etl

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExponentialBackoff_Delay(t *testing.T) {
	p := ExponentialBackoff{MaxAttempts: 10, BaseDelay: 500 * time.Millisecond, MaxDelay: 3 * time.Second}

	want := []time.Duration{
		500 * time.Millisecond,
		time.Second,
		2 * time.Second,
		3 * time.Second,
		3 * time.Second,
	}
	for i, w := range want {
		assert.Equal(t, w, p.Delay(i+1), "attempt %d", i+1)
	}
	assert.Equal(t, 3*time.Second, p.Delay(200))
	assert.Equal(t, 500*time.Millisecond, p.Delay(0))
}

func TestExponentialBackoff_DelayDoesNotOverflow(t *testing.T) {
	p := ExponentialBackoff{MaxAttempts: 100, BaseDelay: time.Duration(1 << 62)}
	for attempt := 1; attempt <= 70; attempt++ {
		assert.Positive(t, p.Delay(attempt), "attempt %d", attempt)
	}

	p = ExponentialBackoff{MaxAttempts: 100, BaseDelay: time.Nanosecond}
	assert.Positive(t, p.Delay(64))
	assert.Positive(t, p.Delay(1000))
}

func TestExponentialBackoff_Decide(t *testing.T) {
	p := ExponentialBackoff{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: time.Minute}

	assert.Equal(t, RetryAfter(time.Second), p.Decide(NewError(Transient, "x"), 1))
	assert.Equal(t, RetryAfter(2*time.Second), p.Decide(NewError(Transient, "x"), 2))
	assert.Equal(t, Fail, p.Decide(NewError(Transient, "x"), 3))
	assert.Equal(t, Fail, p.Decide(NewError(Validation, "x"), 1))
	assert.Equal(t, Fail, p.Decide(NewError(Fatal, "x"), 1))
	assert.Equal(t, Fail, p.Decide(nil, 1))
}

func TestFixedDelayAndNoRetry(t *testing.T) {
	p := FixedDelay{MaxAttempts: 2, Delay: 50 * time.Millisecond}
	assert.Equal(t, RetryAfter(50*time.Millisecond), p.Decide(NewError(Transient, "x"), 1))
	assert.Equal(t, Fail, p.Decide(NewError(Transient, "x"), 2))

	assert.Equal(t, Fail, NoRetry.Decide(NewError(Transient, "x"), 1))
}
