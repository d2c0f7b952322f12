// Package retry runs operations with exponential backoff.
package retry

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// Config holds configuration for retry operations
type Config struct {
	// MaxAttempts is the maximum number of attempts, including the first.
	MaxAttempts int
	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration
	// MaxDelay caps the delay between retries.
	MaxDelay time.Duration
	// Multiplier for exponential backoff
	Multiplier float64
	// Jitter is the fraction of each delay randomized, between 0 and 1.
	Jitter float64
	// ShouldRetry reports whether err is worth another attempt.
	ShouldRetry func(err error) bool
	// OnRetry is called before each retry attempt.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// DefaultConfig returns the backoff used for remote secret fetches.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.1,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = d.InitialDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.Multiplier <= 0 {
		c.Multiplier = d.Multiplier
	}
	if c.Jitter < 0 || c.Jitter > 1 {
		c.Jitter = d.Jitter
	}
	if c.ShouldRetry == nil {
		c.ShouldRetry = func(err error) bool { return err != nil }
	}
	return c
}

// Delay returns the backoff before retry number attempt (0-indexed).
func (c Config) Delay(attempt int) time.Duration {
	c = c.withDefaults()
	if attempt < 0 {
		return 0
	}

	delay := float64(c.InitialDelay) * math.Pow(c.Multiplier, float64(attempt))
	if delay > float64(c.MaxDelay) {
		delay = float64(c.MaxDelay)
	}
	if c.Jitter > 0 {
		span := delay * c.Jitter
		delay += (rand.Float64() - 0.5) * 2 * span
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// Do runs op until it succeeds, ShouldRetry rejects its error, the attempts
// are used up or ctx is done. It returns the last error from op, or the
// context error when cancelled while waiting.
func Do(ctx context.Context, cfg Config, op func(context.Context) error) error {
	cfg = cfg.withDefaults()

	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if !cfg.ShouldRetry(lastErr) || attempt == cfg.MaxAttempts-1 {
			break
		}

		delay := cfg.Delay(attempt)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt+1, delay, lastErr)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}
