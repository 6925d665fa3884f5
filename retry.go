package dispatchq

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// RetryDecision is a retry policy's verdict on a failed attempt.
type RetryDecision struct {
	// Retry schedules another attempt when true; otherwise the message is
	// archived as failed (dead-lettered).
	Retry bool

	// Delay is how long the message stays invisible before the next
	// attempt. Ignored when Retry is false.
	Delay time.Duration

	// Reason is appended to the message's processing results trail.
	Reason string
}

// RetryPolicy decides the fate of a message whose handler failed.
// The message's ReadCount is the 1-indexed number of the attempt that just
// failed.
type RetryPolicy func(m *Message) RetryDecision

// BackoffFunc computes the re-lease delay for a 1-indexed failed attempt.
type BackoffFunc func(attempt int32) time.Duration

const defaultMaxAttempts = 5

// DefaultRetryPolicy gives up once a message has been claimed more than five
// times; earlier failures are rescheduled with a jittered exponential backoff
// of ceil(2^(attempt-1) * jitter) seconds, jitter drawn uniformly from
// [0.9, 1.1] to avoid synchronized retry storms across many failing messages.
func DefaultRetryPolicy(m *Message) RetryDecision {
	return MaxAttempts(defaultMaxAttempts, JitteredBackoff(time.Second))(m)
}

// MaxAttempts returns a RetryPolicy that retries with the given backoff until
// the message has been claimed more than maxAttempts times, then gives up.
func MaxAttempts(maxAttempts int32, backoff BackoffFunc) RetryPolicy {
	return func(m *Message) RetryDecision {
		if m.ReadCount > maxAttempts {
			return RetryDecision{
				Retry:  false,
				Reason: fmt.Sprintf("giving up after %d attempts", m.ReadCount),
			}
		}

		delay := backoff(m.ReadCount)
		return RetryDecision{
			Retry:  true,
			Delay:  delay,
			Reason: fmt.Sprintf("retrying in %s", delay),
		}
	}
}

// JitteredBackoff returns a BackoffFunc that doubles the base delay per
// attempt and applies a uniform +/-10% jitter, rounded up to whole seconds.
func JitteredBackoff(base time.Duration) BackoffFunc {
	return func(attempt int32) time.Duration {
		if attempt < 1 {
			attempt = 1
		}
		secs := base.Seconds() * math.Pow(2, float64(attempt-1))
		jitter := 0.9 + rand.Float64()*0.2
		return time.Duration(math.Ceil(secs*jitter)) * time.Second
	}
}

// FixedBackoff returns a BackoffFunc with the same delay for all attempts.
func FixedBackoff(delay time.Duration) BackoffFunc {
	return func(attempt int32) time.Duration {
		return delay
	}
}

// ExponentialBackoff returns a BackoffFunc that doubles the delay per attempt
// without jitter, capped at maxDelay.
//
// For example, with delay of 200 milliseconds and maxDelay of 1 hour:
//
// Delay after attempt 1: 200ms
// Delay after attempt 2: 400ms
// Delay after attempt 3: 800ms
// Delay after attempt 4: 1.6s
// ...
func ExponentialBackoff(delay time.Duration, maxDelay time.Duration) BackoffFunc {
	// Pre-calculate max shifts to prevent overflow
	logDelay := math.Floor(math.Log2(float64(delay)))
	var maxShifts uint
	if logDelay >= 62 {
		// If delay is already near maximum, no shifts allowed to prevent overflow
		maxShifts = 0
	} else {
		maxShifts = 62 - uint(logDelay)
	}

	return func(attempt int32) time.Duration {
		if attempt <= 1 {
			return min(delay, maxDelay)
		}

		// nolint:gosec
		n := min(uint(attempt-1), maxShifts)

		nextDelay := delay << n
		return min(nextDelay, maxDelay)
	}
}

// FixedDelay returns a DelayFunc with the same initial visibility delay for
// every payload.
func FixedDelay(delay time.Duration) DelayFunc {
	return func(payload json.RawMessage) time.Duration {
		return delay
	}
}
