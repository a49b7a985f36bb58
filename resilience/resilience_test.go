package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskforge-ai/taskforge/core"
)

func fastRetryConfig(attempts int) *RetryConfig {
	return &RetryConfig{
		MaxAttempts:   attempts,
		InitialDelay:  time.Millisecond,
		MaxDelay:      5 * time.Millisecond,
		BackoffFactor: 2.0,
	}
}

func TestRetrySucceedsAfterFailures(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastRetryConfig(3), func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryExhaustsAttempts(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastRetryConfig(3), func() error {
		calls++
		return errors.New("persistent")
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrMaxRetriesExceeded)
	assert.Equal(t, 3, calls)
}

func TestRetryHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Retry(ctx, fastRetryConfig(5), func() error { return errors.New("x") })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCircuitBreakerOpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker(&CircuitBreakerConfig{
		Name:             "test",
		FailureThreshold: 3,
		SleepWindow:      time.Hour,
	})

	for i := 0; i < 3; i++ {
		require.True(t, cb.CanExecute())
		cb.RecordFailure()
	}
	assert.Equal(t, StateOpen, cb.State())
	assert.False(t, cb.CanExecute())
}

func TestCircuitBreakerRecovers(t *testing.T) {
	cb := NewCircuitBreaker(&CircuitBreakerConfig{
		Name:              "test",
		FailureThreshold:  1,
		SleepWindow:       time.Millisecond,
		HalfOpenSuccesses: 2,
	})

	cb.RecordFailure()
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(5 * time.Millisecond)
	require.True(t, cb.CanExecute(), "sleep window elapsed, probes admitted")
	assert.Equal(t, StateHalfOpen, cb.State())

	cb.RecordSuccess()
	cb.RecordSuccess()
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker(&CircuitBreakerConfig{
		Name:             "test",
		FailureThreshold: 1,
		SleepWindow:      time.Millisecond,
	})

	cb.RecordFailure()
	time.Sleep(5 * time.Millisecond)
	require.True(t, cb.CanExecute())

	cb.RecordFailure()
	assert.Equal(t, StateOpen, cb.State())
}

func TestRetryWithCircuitBreakerShortCircuits(t *testing.T) {
	cb := NewCircuitBreaker(&CircuitBreakerConfig{
		Name:             "test",
		FailureThreshold: 1,
		SleepWindow:      time.Hour,
	})
	cb.RecordFailure()

	calls := 0
	err := RetryWithCircuitBreaker(context.Background(), fastRetryConfig(2), cb, func() error {
		calls++
		return nil
	})
	require.Error(t, err)
	assert.Zero(t, calls, "open circuit never invokes the function")
}

func TestRateLimiterLeakyBucket(t *testing.T) {
	rl := NewRateLimiter(&RateLimiterConfig{
		RequestsPerSecond: 2,
		Burst:             2,
	})
	current := time.Now()
	rl.now = func() time.Time { return current }

	assert.True(t, rl.Allow())
	assert.True(t, rl.Allow())
	assert.False(t, rl.Allow(), "bucket drained")

	current = current.Add(time.Second)
	assert.True(t, rl.Allow(), "tokens leak back at 2/s")
	assert.True(t, rl.Allow())
	assert.False(t, rl.Allow())
}

func TestRateLimiterWindowCap(t *testing.T) {
	rl := NewRateLimiter(&RateLimiterConfig{
		RequestsPerSecond: 1000,
		Burst:             1000,
		WindowLimit:       3,
		WindowSize:        10 * time.Minute,
	})
	current := time.Now()
	rl.now = func() time.Time { return current }

	for i := 0; i < 3; i++ {
		require.True(t, rl.Allow())
	}
	assert.False(t, rl.Allow(), "coarse window exhausted")

	current = current.Add(11 * time.Minute)
	assert.True(t, rl.Allow(), "window rolled over")
}

func TestRateLimiterCoolDown(t *testing.T) {
	rl := NewRateLimiter(&RateLimiterConfig{
		RequestsPerSecond: 1000,
		Burst:             1000,
		CoolDown:          time.Minute,
	})
	current := time.Now()
	rl.now = func() time.Time { return current }

	require.True(t, rl.Allow())
	rl.NoteThrottled()
	assert.False(t, rl.Allow(), "cool-down refuses requests")

	current = current.Add(2 * time.Minute)
	assert.True(t, rl.Allow())
}
