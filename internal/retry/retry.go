// Package retry provides bounded retries with exponential backoff for
// transient failures.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// Config configures retry behavior.
type Config struct {
	// Attempts is the maximum number of attempts (including the first).
	Attempts int
	// BaseDelay is the delay after the first failure.
	BaseDelay time.Duration
	// MaxDelay caps the delay between attempts.
	MaxDelay time.Duration
	// JitterRatio randomizes each delay by ±ratio. Must be in [0, 1).
	JitterRatio float64
}

// DefaultConfig matches the engine's model-call retry policy: three attempts
// with 1s, 2s, 4s delays and ±20% jitter.
func DefaultConfig() Config {
	return Config{
		Attempts:    3,
		BaseDelay:   time.Second,
		MaxDelay:    4 * time.Second,
		JitterRatio: 0.2,
	}
}

func (c Config) sanitized() Config {
	if c.Attempts <= 0 {
		c.Attempts = 1
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 100 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 10 * time.Second
	}
	if c.JitterRatio < 0 || c.JitterRatio >= 1 {
		c.JitterRatio = 0
	}
	return c
}

// PermanentError marks an error that must not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps an error to indicate it should not be retried.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err is marked permanent.
func IsPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}

// Do executes op until it succeeds, returns a permanent error, exhausts the
// attempt budget, or the context is cancelled. The returned error is the last
// error observed, unwrapped from any Permanent marker.
func Do(ctx context.Context, cfg Config, op func(attempt int) error) error {
	cfg = cfg.sanitized()

	var lastErr error
	for attempt := 1; attempt <= cfg.Attempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := op(attempt)
		if err == nil {
			return nil
		}

		var p *PermanentError
		if errors.As(err, &p) {
			return p.Err
		}
		lastErr = err

		if attempt == cfg.Attempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(Delay(attempt, cfg)):
		}
	}
	return lastErr
}

// Delay computes the backoff before the attempt following the given one:
// BaseDelay doubled per attempt, capped at MaxDelay, with ±JitterRatio
// randomization.
func Delay(attempt int, cfg Config) time.Duration {
	cfg = cfg.sanitized()
	if attempt < 1 {
		attempt = 1
	}

	d := float64(cfg.BaseDelay) * math.Pow(2, float64(attempt-1))
	if d > float64(cfg.MaxDelay) {
		d = float64(cfg.MaxDelay)
	}
	if cfg.JitterRatio > 0 {
		// d * [1-ratio, 1+ratio]
		d *= 1 + cfg.JitterRatio*(2*rand.Float64()-1) // #nosec G404 -- jitter needs no crypto randomness
	}
	return time.Duration(d)
}
