// Package retry provides bounded retries with exponential backoff
package retry

import (
	"context"
	"fmt"
	"math"
	"time"
)

// Config controls retry behavior
type Config struct {
	MaxAttempts   int           `json:"max_attempts"`
	InitialDelay  time.Duration `json:"initial_delay"`
	MaxDelay      time.Duration `json:"max_delay"`
	BackoffFactor float64       `json:"backoff_factor"`
}

// DefaultConfig returns sensible retry defaults
func DefaultConfig() Config {
	return Config{
		MaxAttempts:   3,
		InitialDelay:  50 * time.Millisecond,
		MaxDelay:      2 * time.Second,
		BackoffFactor: 2.0,
	}
}

// normalize fills in unusable values with the defaults
func (c Config) normalize() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 1
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = 50 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 2 * time.Second
	}
	if c.BackoffFactor <= 1.0 {
		c.BackoffFactor = 2.0
	}
	return c
}

// Do runs fn until it succeeds, the attempt budget is exhausted, or the
// context is cancelled. The delay between attempts grows exponentially.
func Do(ctx context.Context, config Config, fn func() error) error {
	config = config.normalize()

	var lastErr error
	for attempt := 0; attempt < config.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(calculateDelay(config, attempt)):
			}
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
	}
	return fmt.Errorf("failed after %d attempts: %w", config.MaxAttempts, lastErr)
}

// calculateDelay computes the delay for the given attempt using exponential backoff
func calculateDelay(config Config, attempt int) time.Duration {
	delay := float64(config.InitialDelay) * math.Pow(config.BackoffFactor, float64(attempt-1))
	if delay > float64(config.MaxDelay) {
		delay = float64(config.MaxDelay)
	}
	return time.Duration(delay)
}
