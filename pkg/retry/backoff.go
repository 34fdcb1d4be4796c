package retry

import (
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ExponentialBackoff never stops on elapsed time when maxElapsed is zero.
func ExponentialBackoff(initial, max, maxElapsed time.Duration, multiplier float64) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = initial
	exp.MaxInterval = max
	exp.Multiplier = multiplier
	exp.MaxElapsedTime = maxElapsed
	exp.Reset()
	return exp
}

// CalculateBackoffDuration is the jitter-free delay before retry number attempt
// (0-based), capped at max. DLQ schedules use it so next_retry_at is reproducible.
func CalculateBackoffDuration(attempt int, initial time.Duration, multiplier float64, max time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := float64(initial) * math.Pow(multiplier, float64(attempt))
	if d > float64(max) || math.IsInf(d, 0) {
		return max
	}
	return time.Duration(d)
}
