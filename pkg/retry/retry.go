package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/exploopio/chainhunt/pkg/errors"
)

// Config configures a retry loop.
type Config struct {
	// MaxAttempts is the total number of tries, including the first.
	// Default is 5.
	MaxAttempts int

	// Backoff controls the pause between attempts.
	Backoff *BackoffConfig

	// Retryable decides whether an error is worth another attempt.
	// Default is errors.IsRetryable (conflicts only).
	Retryable func(error) bool

	// OnRetry, when set, is called before each pause.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// DefaultConfig returns the default retry configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxAttempts: 5,
		Backoff:     DefaultBackoffConfig(),
		Retryable:   errors.IsRetryable,
	}
}

func (c *Config) withDefaults() *Config {
	out := DefaultConfig()
	if c == nil {
		return out
	}
	if c.MaxAttempts > 0 {
		out.MaxAttempts = c.MaxAttempts
	}
	if c.Backoff != nil {
		out.Backoff = c.Backoff
	}
	if c.Retryable != nil {
		out.Retryable = c.Retryable
	}
	out.OnRetry = c.OnRetry
	return out
}

// Do calls fn until it succeeds, returns a non-retryable error, the attempts
// run out or ctx ends. fn receives the 1-based attempt number and must
// re-read whatever state it depends on.
func Do(ctx context.Context, cfg *Config, fn func(ctx context.Context, attempt int) error) error {
	cfg = cfg.withDefaults()

	var err error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err = fn(ctx, attempt); err == nil {
			return nil
		}
		if !cfg.Retryable(err) || attempt == cfg.MaxAttempts {
			break
		}

		wait := cfg.Backoff.Interval(attempt)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, err, wait)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry aborted after %d attempts: %w", attempt, ctx.Err())
		case <-timer.C:
		}
	}
	return err
}

// OnConflict is Do with the default conflict-only policy and the given
// number of attempts.
func OnConflict(ctx context.Context, maxAttempts int, fn func(ctx context.Context, attempt int) error) error {
	return Do(ctx, &Config{MaxAttempts: maxAttempts}, fn)
}
