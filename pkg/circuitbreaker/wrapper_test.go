package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/internal/config"
)

func TestWrapper_TripsOnFailures(t *testing.T) {
	cfg := DefaultConfig("test-trip")
	cfg.Timeout = time.Minute
	w := NewWrapper(cfg)

	for i := 0; i < 3; i++ {
		_, err := w.ExecuteWithContext(context.Background(), func() (interface{}, error) {
			return nil, errors.New("down")
		})
		require.Error(t, err)
	}

	assert.True(t, w.IsOpen())
	_, err := w.ExecuteWithContext(context.Background(), func() (interface{}, error) {
		return "ok", nil
	})
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
}

func TestWrapper_CancelledContext(t *testing.T) {
	w := NewWrapper(DefaultConfig("test-cancel"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	_, err := w.ExecuteWithContext(ctx, func() (interface{}, error) {
		called = true
		return nil, nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}

func TestExecute_Typed(t *testing.T) {
	w := NewWrapper(DefaultConfig("test-typed"))

	n, err := Execute(context.Background(), w, func() (int, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, 42, n)

	n, err = Execute[int](context.Background(), nil, func() (int, error) { return 7, nil })
	require.NoError(t, err)
	assert.Equal(t, 7, n)
}

func TestRatioTrip(t *testing.T) {
	trip := RatioTrip(4, 0.5)
	assert.False(t, trip(gobreaker.Counts{Requests: 3, TotalFailures: 3}))
	assert.True(t, trip(gobreaker.Counts{Requests: 4, TotalFailures: 2}))
	assert.False(t, trip(gobreaker.Counts{Requests: 4, TotalFailures: 1}))
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(DefaultConfig("template"))
	a := r.Get("analysis")
	assert.Same(t, a, r.Get("analysis"))
	assert.Equal(t, "analysis", a.Name())
	assert.Equal(t, map[string]string{"analysis": "closed"}, r.States())
}

func TestFromConfig(t *testing.T) {
	cfg := FromConfig("service:billing", config.CircuitBreakerConfig{
		Enabled:      true,
		MaxRequests:  5,
		Timeout:      time.Second,
		FailureRatio: 0.9,
		MinRequests:  10,
	})
	assert.Equal(t, "service:billing", cfg.Name)
	assert.Equal(t, uint32(5), cfg.MaxRequests)
	assert.Equal(t, 60*time.Second, cfg.Interval)
	assert.Equal(t, time.Second, cfg.Timeout)
	assert.False(t, cfg.ReadyToTrip(gobreaker.Counts{Requests: 9, TotalFailures: 9}))
	assert.True(t, cfg.ReadyToTrip(gobreaker.Counts{Requests: 10, TotalFailures: 9}))
}
