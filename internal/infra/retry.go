package infra

import (
	"context"
	"errors"
	"math"
	"time"
)

// BackoffStrategy defines how retry delays are calculated.
type BackoffStrategy string

const (
	// BackoffConstant uses a fixed delay between retries. Controller uses
	// this exclusively: both its append and read loops are polling a
	// filesystem at a fixed interval, not backing off from a remote peer.
	BackoffConstant BackoffStrategy = "constant"

	// BackoffLinear increases delay linearly (delay * attempt).
	BackoffLinear BackoffStrategy = "linear"

	// BackoffExponential doubles the delay after each retry.
	BackoffExponential BackoffStrategy = "exponential"
)

// RetryConfig configures retry behavior.
type RetryConfig struct {
	// MaxAttempts is the maximum number of retry attempts (0 = no retries, just initial attempt).
	MaxAttempts int

	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration

	// MaxDelay caps the delay between retries.
	MaxDelay time.Duration

	// Strategy determines how delays increase between retries.
	Strategy BackoffStrategy

	// RetryIf is called to determine if an error should be retried.
	// If nil, all errors are retried.
	RetryIf func(error) bool
}

// RetryResult contains information about a retry operation.
type RetryResult struct {
	// Attempts is the total number of attempts made.
	Attempts int

	// TotalDuration is the total time spent including delays.
	TotalDuration time.Duration

	// LastError is the last error encountered (nil on success).
	LastError error
}

// Retry executes fn with retries according to cfg. A nil cfg is treated as
// zero retries. Returns the result of fn or the last error after all
// retries are exhausted.
func Retry[T any](ctx context.Context, cfg *RetryConfig, fn func(ctx context.Context) (T, error)) (T, *RetryResult) {
	if cfg == nil {
		cfg = &RetryConfig{}
	}

	var zero T
	result := &RetryResult{}
	start := time.Now()

	for attempt := 0; attempt <= cfg.MaxAttempts; attempt++ {
		result.Attempts = attempt + 1

		if ctx.Err() != nil {
			result.LastError = ctx.Err()
			result.TotalDuration = time.Since(start)
			return zero, result
		}

		val, err := fn(ctx)
		if err == nil {
			result.LastError = nil
			result.TotalDuration = time.Since(start)
			return val, result
		}

		result.LastError = err

		if !shouldRetry(cfg, err) {
			result.TotalDuration = time.Since(start)
			return zero, result
		}

		if attempt >= cfg.MaxAttempts {
			break
		}

		delay := calculateDelay(cfg, attempt)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			result.LastError = ctx.Err()
			result.TotalDuration = time.Since(start)
			return zero, result
		}
	}

	result.TotalDuration = time.Since(start)
	return zero, result
}

// shouldRetry determines if an error should trigger a retry.
func shouldRetry(cfg *RetryConfig, err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	if cfg.RetryIf != nil {
		return cfg.RetryIf(err)
	}

	return true
}

// calculateDelay computes the delay for a given attempt.
func calculateDelay(cfg *RetryConfig, attempt int) time.Duration {
	var delay time.Duration

	switch cfg.Strategy {
	case BackoffConstant:
		delay = cfg.InitialDelay

	case BackoffLinear:
		delay = cfg.InitialDelay * time.Duration(attempt+1)

	case BackoffExponential:
		multiplier := math.Pow(2, float64(attempt))
		delay = time.Duration(float64(cfg.InitialDelay) * multiplier)

	default:
		delay = cfg.InitialDelay
	}

	if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}

	return delay
}
