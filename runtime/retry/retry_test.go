package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/loom/runtime/fault"
	"goa.design/loom/runtime/model"
)

func fastConfig() Config {
	return Config{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond, BackoffMultiplier: 2}
}

func TestRetryableClassification(t *testing.T) {
	assert.False(t, Retryable(nil))
	assert.False(t, Retryable(context.Canceled))
	assert.False(t, Retryable(context.DeadlineExceeded))

	assert.True(t, Retryable(model.StatusError("anthropic", "complete", 429, "slow down", nil)))
	assert.True(t, Retryable(model.StatusError("openai", "complete", 503, "unavailable", nil)))
	assert.False(t, Retryable(model.StatusError("openai", "complete", 400, "bad request", nil)))
	assert.False(t, Retryable(model.StatusError("bedrock", "converse", 401, "denied", nil)))

	assert.True(t, Retryable(fault.New(fault.KindProviderRetryable, "throttled")))
	assert.False(t, Retryable(fault.New(fault.KindProviderFatal, "dead")))
	assert.False(t, Retryable(errors.New("opaque")))
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(), func(context.Context) error {
		calls++
		return model.StatusError("openai", "complete", 400, "bad request", nil)
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	var ee *ExhaustedError
	assert.False(t, errors.As(err, &ee))
}

func TestDoExhaustsRetryable(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(), func(context.Context) error {
		calls++
		return model.StatusError("openai", "complete", 503, "unavailable", nil)
	})
	assert.Equal(t, 3, calls)

	var ee *ExhaustedError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, 3, ee.Attempts)

	pe, ok := model.AsProviderError(err)
	require.True(t, ok)
	assert.Equal(t, 503, pe.HTTPStatus())
}

func TestDoSucceedsAfterRetry(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(), func(context.Context) error {
		calls++
		if calls < 3 {
			return model.StatusError("openai", "complete", 500, "flaky", nil)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	err := Do(ctx, fastConfig(), func(context.Context) error {
		calls++
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, calls)
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	cfg := Config{InitialBackoff: 100 * time.Millisecond, MaxBackoff: 300 * time.Millisecond, BackoffMultiplier: 2}
	assert.Equal(t, 100*time.Millisecond, cfg.Backoff(1))
	assert.Equal(t, 200*time.Millisecond, cfg.Backoff(2))
	assert.Equal(t, 300*time.Millisecond, cfg.Backoff(3))
	assert.Equal(t, 300*time.Millisecond, cfg.Backoff(10))
}

func TestSleepReturnsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go cancel()
	err := Sleep(ctx, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
}
