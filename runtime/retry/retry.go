// Package retry implements the exponential back-off used around provider
// calls. Retryability follows the provider error taxonomy: throttling and
// 5xx statuses retry, cancellation and invalid requests never do.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net"
	"time"

	"goa.design/loom/runtime/fault"
	"goa.design/loom/runtime/model"
)

type (
	// Config bounds a retry loop.
	Config struct {
		// MaxAttempts is the total number of attempts including the first.
		// Zero or one disables retries.
		MaxAttempts int

		// InitialBackoff is the delay before the first retry.
		InitialBackoff time.Duration

		// MaxBackoff caps the delay between retries.
		MaxBackoff time.Duration

		// BackoffMultiplier scales the delay after each retry. 2.0 gives
		// exponential back-off.
		BackoffMultiplier float64

		// Jitter adds up to the given fraction of randomness to each
		// delay, in both directions.
		Jitter float64
	}

	// ExhaustedError reports that every attempt failed with a retryable
	// error. It unwraps to the last attempt's error.
	ExhaustedError struct {
		// Attempts is the number of attempts made.
		Attempts int

		// TotalDuration is the wall time spent across all attempts.
		TotalDuration time.Duration

		// LastError is the error from the final attempt.
		LastError error
	}
)

// DefaultConfig returns the back-off used by provider clients.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:       3,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        10 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            0.1,
	}
}

// Error implements error.
func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry exhausted after %d attempts over %v: %v", e.Attempts, e.TotalDuration, e.LastError)
}

// Unwrap returns the last attempt's error.
func (e *ExhaustedError) Unwrap() error {
	return e.LastError
}

// Retryable reports whether another attempt may succeed. Context
// cancellation and deadline expiry are terminal: the caller's budget is
// spent. Provider errors carry their own retryability; transport-level
// network failures are assumed transient.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if pe, ok := model.AsProviderError(err); ok {
		return pe.Retryable()
	}
	if fault.Retryable(err) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	var oe *net.OpError
	return errors.As(err, &oe)
}

// Do runs op until it succeeds, fails terminally, or the attempt budget is
// spent. Non-retryable errors return immediately; exhaustion returns an
// ExhaustedError wrapping the last failure.
func Do(ctx context.Context, cfg Config, op func(ctx context.Context) error) error {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	start := time.Now()
	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if !Retryable(lastErr) {
			return lastErr
		}
		if attempt == cfg.MaxAttempts {
			break
		}
		if err := Sleep(ctx, cfg.Backoff(attempt)); err != nil {
			return err
		}
	}
	return &ExhaustedError{
		Attempts:      cfg.MaxAttempts,
		TotalDuration: time.Since(start),
		LastError:     lastErr,
	}
}

// Backoff computes the delay after the given 1-based attempt.
func (cfg Config) Backoff(attempt int) time.Duration {
	backoff := float64(cfg.InitialBackoff) * math.Pow(cfg.BackoffMultiplier, float64(attempt-1))
	if backoff > float64(cfg.MaxBackoff) {
		backoff = float64(cfg.MaxBackoff)
	}
	if cfg.Jitter > 0 {
		backoff += backoff * cfg.Jitter * (rand.Float64()*2 - 1)
	}
	return time.Duration(backoff)
}

// Sleep waits for d or until ctx is done, returning the context error in
// the latter case.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
