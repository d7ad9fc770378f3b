// Package retry provides the caller-side retry loop for optimistic
// concurrency conflicts.
//
// The engine never retries on its own: a stale write returns a conflict and
// leaves state untouched. Collaborators that want to retry re-read, re-apply
// and try again, pausing between attempts according to a BackoffConfig.
package retry

import (
	"math"
	"math/rand"
	"time"
)

// BackoffStrategy defines how the pause between attempts grows.
type BackoffStrategy int

const (
	// BackoffExponential uses exponential backoff: base * 2^(attempt-1)
	BackoffExponential BackoffStrategy = iota

	// BackoffLinear uses linear backoff: base * attempt
	BackoffLinear

	// BackoffConstant uses constant backoff: base (no increase)
	BackoffConstant
)

// BackoffConfig configures the backoff behavior.
type BackoffConfig struct {
	// Strategy is the backoff strategy to use.
	// Default is BackoffExponential.
	Strategy BackoffStrategy

	// BaseInterval is the pause after the first failed attempt.
	// Default is 10 milliseconds.
	BaseInterval time.Duration

	// MaxInterval caps the pause between attempts.
	// Default is 1 second.
	MaxInterval time.Duration

	// Jitter adds randomness so that collaborators that lost the same race
	// do not collide again.
	// Value between 0.0 (no jitter) and 1.0 (full jitter).
	// Default is 0.2 (20% jitter).
	Jitter float64
}

// DefaultBackoffConfig returns a BackoffConfig with default values.
func DefaultBackoffConfig() *BackoffConfig {
	return &BackoffConfig{
		Strategy:     BackoffExponential,
		BaseInterval: 10 * time.Millisecond,
		MaxInterval:  time.Second,
		Jitter:       0.2,
	}
}

// Interval returns the pause after the given number of failed attempts.
//
// Schedule with the defaults (before jitter):
//
//	attempt 1: 10ms
//	attempt 2: 20ms
//	attempt 3: 40ms
//	attempt 4: 80ms
//	attempt 5: 160ms
//	...
//	attempt 8: 1s (capped)
func (c *BackoffConfig) Interval(attempts int) time.Duration {
	return c.calculateInterval(attempts)
}

// calculateInterval calculates the backoff interval for the given attempt.
func (c *BackoffConfig) calculateInterval(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}

	var interval time.Duration

	switch c.Strategy {
	case BackoffLinear:
		interval = c.BaseInterval * time.Duration(attempts)

	case BackoffConstant:
		interval = c.BaseInterval

	default:
		// attempts 1 -> 1x, attempts 2 -> 2x, attempts 3 -> 4x, etc.
		multiplier := math.Pow(2, float64(attempts-1))
		interval = time.Duration(float64(c.BaseInterval) * multiplier)
	}

	if c.MaxInterval > 0 && interval > c.MaxInterval {
		interval = c.MaxInterval
	}

	if c.Jitter > 0 {
		interval = c.applyJitter(interval)
	}

	return interval
}

// applyJitter spreads the interval over [1-jitter, 1+jitter] of its value.
func (c *BackoffConfig) applyJitter(interval time.Duration) time.Duration {
	jitter := c.Jitter
	if jitter > 1 {
		jitter = 1
	}

	jitterRange := float64(interval) * jitter
	jitterValue := (rand.Float64()*2 - 1) * jitterRange

	return time.Duration(float64(interval) + jitterValue)
}

// Schedule returns the pauses for maxAttempts attempts, without jitter.
// Useful for logging the expected retry schedule.
func (c *BackoffConfig) Schedule(maxAttempts int) []time.Duration {
	if maxAttempts <= 0 {
		return nil
	}

	noJitter := *c
	noJitter.Jitter = 0

	schedule := make([]time.Duration, maxAttempts)
	for i := range maxAttempts {
		schedule[i] = noJitter.calculateInterval(i + 1)
	}
	return schedule
}

// TotalBackoffTime is the worst-case time spent pausing over maxAttempts.
func (c *BackoffConfig) TotalBackoffTime(maxAttempts int) time.Duration {
	var total time.Duration
	for _, d := range c.Schedule(maxAttempts) {
		total += d
	}
	return total
}
