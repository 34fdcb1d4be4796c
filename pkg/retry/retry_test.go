package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "conductor/pkg/errors"
)

func fastPolicy(attempts int) Policy {
	return Policy{
		MaxAttempts:     attempts,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		Multiplier:      2.0,
	}
}

func TestDo_SucceedsAfterRetries(t *testing.T) {
	var retried []int
	err := Do(context.Background(), fastPolicy(3), func(_ context.Context, attempt int) error {
		if attempt < 3 {
			return errors.New("transient")
		}
		return nil
	}, func(attempt int, _ error, _ time.Duration) {
		retried = append(retried, attempt)
	})

	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, retried)
}

func TestDo_ExhaustedReturnsLastError(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(4), func(_ context.Context, attempt int) error {
		calls++
		return errors.New("still failing")
	}, nil)

	require.Error(t, err)
	assert.Equal(t, "still failing", err.Error())
	assert.Equal(t, 4, calls)
}

func TestDo_FatalStopsImmediately(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(5), func(_ context.Context, attempt int) error {
		calls++
		return NewFatalError(errors.New("bad request"))
	}, nil)

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	var fatal FatalError
	assert.True(t, errors.As(err, &fatal))
}

func TestRetry_SingleAttempt(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastPolicy(1), func() error {
		calls++
		return errors.New("nope")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestCalculateBackoffDuration(t *testing.T) {
	assert.Equal(t, time.Second, CalculateBackoffDuration(0, time.Second, 2, time.Minute))
	assert.Equal(t, 4*time.Second, CalculateBackoffDuration(2, time.Second, 2, time.Minute))
	assert.Equal(t, time.Minute, CalculateBackoffDuration(10, time.Second, 2, time.Minute))
}

func TestDo_RetryableAppErrorIsRetried(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(3), func(_ context.Context, attempt int) error {
		calls++
		return apperrors.Unavailable("store", errors.New("connection refused"))
	}, nil)

	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.True(t, apperrors.IsServiceUnavailable(err))
}
