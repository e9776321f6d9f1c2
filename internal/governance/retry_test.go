package governance

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetry(max int) *RetryPolicy {
	return NewRetryPolicy(RetryConfig{
		MaxRetries:     max,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
	})
}

func TestRetryPolicySucceedsAfterTransientErrors(t *testing.T) {
	calls := 0
	err := fastRetry(3).Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("connection reset")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryPolicyStopsOnPermanentError(t *testing.T) {
	cause := errors.New("bad request")
	calls := 0
	err := fastRetry(5).Do(context.Background(), func(context.Context) error {
		calls++
		return Permanent(cause)
	})
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrMaxRetriesExceeded)
	assert.Equal(t, 1, calls)
}

func TestRetryPolicyExhaustsBudget(t *testing.T) {
	calls := 0
	err := fastRetry(2).Do(context.Background(), func(context.Context) error {
		calls++
		return errors.New("unavailable")
	})
	assert.ErrorIs(t, err, ErrMaxRetriesExceeded)
	assert.Equal(t, 3, calls)
}

func TestRetryPolicyHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := fastRetry(3).Do(ctx, func(context.Context) error {
		t.Fatal("fn must not run with a cancelled context")
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCalculateBackoffIsCapped(t *testing.T) {
	rp := NewRetryPolicy(RetryConfig{InitialBackoff: 10 * time.Millisecond, MaxBackoff: 40 * time.Millisecond, BackoffMultiplier: 2})
	assert.Equal(t, 10*time.Millisecond, rp.CalculateBackoff(0))
	assert.Equal(t, 20*time.Millisecond, rp.CalculateBackoff(1))
	assert.Equal(t, 40*time.Millisecond, rp.CalculateBackoff(5))
	assert.True(t, rp.RetryableStatus(http.StatusServiceUnavailable))
	assert.False(t, rp.RetryableStatus(http.StatusBadRequest))
}
