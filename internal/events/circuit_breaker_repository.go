package events

import (
	"context"
	"fmt"
	"time"

	"conductor/internal/config"
	"conductor/pkg/circuitbreaker"
)

const breakerName = "redis-orderer"

type CircuitBreakerRepository struct {
	repo Repository
	cb   *circuitbreaker.Wrapper
}

func NewCircuitBreakerRepository(repo Repository, cfg config.CircuitBreakerConfig) *CircuitBreakerRepository {
	if !cfg.Enabled {
		return &CircuitBreakerRepository{repo: repo}
	}

	return &CircuitBreakerRepository{
		repo: repo,
		cb:   circuitbreaker.NewWrapper(circuitbreaker.FromConfig(breakerName, cfg)),
	}
}

func (r *CircuitBreakerRepository) wrap(err error) error {
	if err != nil && r.cb != nil && r.cb.IsOpen() {
		return fmt.Errorf("circuit breaker is open for %s: %w", breakerName, err)
	}
	return err
}

func (r *CircuitBreakerRepository) ClaimKey(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := circuitbreaker.Execute(ctx, r.cb, func() (bool, error) {
		return r.repo.ClaimKey(ctx, key, ttl)
	})
	return ok, r.wrap(err)
}

// ReleaseKey and RollbackSequence bypass the breaker so cleanup still runs after a trip.
func (r *CircuitBreakerRepository) ReleaseKey(ctx context.Context, key string) error {
	return r.repo.ReleaseKey(ctx, key)
}

func (r *CircuitBreakerRepository) NextSequence(ctx context.Context, sourceID string) (int64, error) {
	seq, err := circuitbreaker.Execute(ctx, r.cb, func() (int64, error) {
		return r.repo.NextSequence(ctx, sourceID)
	})
	return seq, r.wrap(err)
}

func (r *CircuitBreakerRepository) RollbackSequence(ctx context.Context, sourceID string, seq int64) (bool, error) {
	return r.repo.RollbackSequence(ctx, sourceID, seq)
}

func (r *CircuitBreakerRepository) LastSequence(ctx context.Context, sourceID string) (int64, error) {
	seq, err := circuitbreaker.Execute(ctx, r.cb, func() (int64, error) {
		return r.repo.LastSequence(ctx, sourceID)
	})
	return seq, r.wrap(err)
}

func (r *CircuitBreakerRepository) State() string {
	if r.cb == nil {
		return "disabled"
	}
	return r.cb.State().String()
}

func (r *CircuitBreakerRepository) IsOpen() bool {
	if r.cb == nil {
		return false
	}
	return r.cb.IsOpen()
}
