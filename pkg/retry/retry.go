// Package retry provides retry logic with exponential backoff and the
// pluggable policies the sync engine replays mutations through.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// Config holds retry configuration.
type Config struct {
	MaxAttempts int           // Maximum number of attempts (0 = infinite)
	InitialWait time.Duration // Initial wait time
	MaxWait     time.Duration // Maximum wait time
	Multiplier  float64       // Backoff multiplier
	Jitter      float64       // Jitter factor (0-1)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		InitialWait: 100 * time.Millisecond,
		MaxWait:     10 * time.Second,
		Multiplier:  2.0,
		Jitter:      0.1,
	}
}

// RetryableError wraps an error that should be retried.
type RetryableError struct {
	Err error
}

func (e RetryableError) Error() string {
	return e.Err.Error()
}

func (e RetryableError) Unwrap() error {
	return e.Err
}

// IsRetryable returns true if the error should be retried.
func IsRetryable(err error) bool {
	var retryable RetryableError
	return errors.As(err, &retryable)
}

// Retryable wraps an error to mark it as retryable.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return RetryableError{Err: err}
}

// Delay returns the wait before the attempt following attempt (1-based),
// without jitter.
func (cfg Config) Delay(attempt int) time.Duration {
	mult := cfg.Multiplier
	if mult <= 0 {
		mult = 2.0
	}
	wait := float64(cfg.InitialWait) * math.Pow(mult, float64(attempt-1))
	if cfg.MaxWait > 0 && wait > float64(cfg.MaxWait) {
		wait = float64(cfg.MaxWait)
	}
	return time.Duration(wait)
}

func (cfg Config) jittered(attempt int) time.Duration {
	wait := float64(cfg.Delay(attempt))
	if cfg.Jitter > 0 {
		wait += wait * cfg.Jitter * (rand.Float64()*2 - 1)
	}
	return time.Duration(wait)
}

// Do executes fn with retries.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	_, err := DoWithResult(ctx, cfg, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// DoWithResult executes fn with retries and returns a result. Only errors
// marked with Retryable are retried.
func DoWithResult[T any](ctx context.Context, cfg Config, fn func() (T, error)) (T, error) {
	var result T
	var lastErr error

	for attempt := 1; cfg.MaxAttempts == 0 || attempt <= cfg.MaxAttempts; attempt++ {
		r, err := fn()
		if err == nil {
			return r, nil
		}
		lastErr = err

		if !IsRetryable(err) {
			return result, err
		}
		if cfg.MaxAttempts != 0 && attempt == cfg.MaxAttempts {
			break
		}
		if ctx.Err() != nil {
			return result, ctx.Err()
		}

		timer := time.NewTimer(cfg.jittered(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return result, ctx.Err()
		case <-timer.C:
		}
	}

	return result, lastErr
}

// Policy decides how many times a single operation is attempted before its
// failure is reported.
type Policy interface {
	Do(ctx context.Context, fn func() error) error
}

// Once is a Policy that attempts fn exactly one time.
type Once struct{}

func (Once) Do(_ context.Context, fn func() error) error {
	return fn()
}

// Backoff is a Policy that retries retryable errors with exponential backoff.
type Backoff struct {
	Config Config
}

func (b Backoff) Do(ctx context.Context, fn func() error) error {
	return Do(ctx, b.Config, fn)
}
