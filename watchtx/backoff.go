package watchtx

import (
	"math"
	"time"
)

// Polling defaults: 34 attempts spaced 250ms × 1.1^n apart wait about a
// minute in total before giving up.
const (
	DefaultMaxPollAttempts = 34
	DefaultPollBase        = 250 * time.Millisecond
	DefaultPollFactor      = 1.1
)

// Backoff returns the delay to wait after the given zero-based attempt.
type Backoff func(attempt int) time.Duration

// Exponential grows the delay by factor after every attempt.
func Exponential(base time.Duration, factor float64) Backoff {
	return func(attempt int) time.Duration {
		return time.Duration(float64(base) * math.Pow(factor, float64(attempt)))
	}
}

// Constant always waits d.
func Constant(d time.Duration) Backoff {
	return func(int) time.Duration { return d }
}

// TotalWait is the time spent waiting between the given number of attempts.
func TotalWait(b Backoff, attempts int) time.Duration {
	var total time.Duration
	for i := 0; i < attempts-1; i++ {
		total += b(i)
	}
	return total
}
