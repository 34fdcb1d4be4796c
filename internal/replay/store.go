package replay

import (
	"context"
	"errors"
	"time"

	"conductor/internal/config"
	"conductor/internal/constants"
	"conductor/internal/events"
	"conductor/internal/logger"
	"conductor/pkg/cel"
	apperrors "conductor/pkg/errors"
	"conductor/pkg/metrics"
	"conductor/pkg/tracing"
)

// expressionPageSize is how many records an expression replay reads per page.
const expressionPageSize = 500

// Store is the durable event history. It implements events.Store.
// Replay is read-only and never triggers side effects.
type Store struct {
	repo      Repository
	evaluator *cel.Evaluator
	logger    logger.Logger
	retention time.Duration
	interval  time.Duration
	maxLimit  int
	now       func() time.Time
}

type StoreOption func(*Store)

func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

func NewStore(repo Repository, evaluator *cel.Evaluator, cfg config.ReplayConfig, log logger.Logger, opts ...StoreOption) *Store {
	s := &Store{
		repo:      repo,
		evaluator: evaluator,
		logger:    log,
		retention: cfg.Retention,
		interval:  cfg.CleanupInterval,
		maxLimit:  cfg.MaxLimit,
		now:       time.Now,
	}
	if s.retention <= 0 {
		s.retention = 168 * time.Hour
	}
	if s.interval <= 0 {
		s.interval = time.Hour
	}
	if s.maxLimit <= 0 {
		s.maxLimit = constants.MaxLimit
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Persist(ctx context.Context, env events.Envelope) error {
	ctx, span := tracing.GetTracer("conductor-replay").Start(ctx, "replay.persist")
	defer span.End()

	if err := s.repo.Insert(ctx, newRecord(env, s.now(), s.retention)); err != nil {
		if errors.Is(err, ErrDuplicateEvent) {
			return apperrors.ErrConflict.WithDetail("message", err.Error())
		}
		return apperrors.Unavailable("replay-store", err)
	}

	metrics.ReplayEventsPersistedTotal.WithLabelValues(env.EventType).Inc()
	return nil
}

// Replay returns matching envelopes ordered by correlation_id, then sequence_number, then produced_at.
func (s *Store) Replay(ctx context.Context, f Filter) ([]events.Envelope, error) {
	ctx, span := tracing.GetTracer("conductor-replay").Start(ctx, "replay.query")
	defer span.End()

	envs, err := s.replay(ctx, f)
	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.ReplayQueriesTotal.WithLabelValues(status).Inc()
	return envs, err
}

func (s *Store) replay(ctx context.Context, f Filter) ([]events.Envelope, error) {
	if f.Limit < 0 {
		return nil, apperrors.ErrValidation.WithDetail("message", "limit must be non-negative")
	}
	if f.From != nil && f.To != nil && f.From.After(*f.To) {
		return nil, apperrors.ErrValidation.WithDetail("message", "from must not be after to")
	}

	limit := f.Limit
	if limit == 0 {
		limit = constants.DefaultLimit
	}
	if limit > s.maxLimit {
		limit = s.maxLimit
	}

	q := Query{
		EventTypes:    f.EventTypes,
		CorrelationID: f.CorrelationID,
		SourceID:      f.SourceID,
		From:          f.From,
		To:            f.To,
		Limit:         limit,
	}

	if f.Expression != "" {
		if s.evaluator == nil {
			return nil, apperrors.ErrValidation.WithDetail("message", "expression filters are not enabled")
		}
		if err := s.evaluator.ValidateFilterExpression(f.Expression); err != nil {
			return nil, apperrors.ErrValidation.WithDetail("message", err.Error())
		}
		return s.replayExpression(ctx, q, f.Expression, limit)
	}

	records, err := s.repo.Find(ctx, q)
	if err != nil {
		return nil, apperrors.Unavailable("replay-store", err)
	}

	out := make([]events.Envelope, 0, len(records))
	for _, rec := range records {
		out = append(out, rec.Envelope())
	}
	return out, nil
}

// replayExpression pages through the indexed matches until limit records pass the
// expression or the history is exhausted.
func (s *Store) replayExpression(ctx context.Context, q Query, expression string, limit int) ([]events.Envelope, error) {
	out := make([]events.Envelope, 0)
	q.Limit = expressionPageSize
	for {
		records, err := s.repo.Find(ctx, q)
		if err != nil {
			return nil, apperrors.Unavailable("replay-store", err)
		}

		for _, rec := range records {
			ok, err := s.evaluator.EvaluateFilter(ctx, expression, rec.celVars())
			if err != nil {
				s.logger.DebugwCtx(ctx, "Replay expression did not evaluate for record",
					"event_id", rec.EventID,
					"error", err,
				)
				continue
			}
			if !ok {
				continue
			}
			out = append(out, rec.Envelope())
			if len(out) >= limit {
				return out, nil
			}
		}

		if len(records) < q.Limit {
			return out, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		q.Offset += len(records)
	}
}

// Clear purges matching events. A request without any bound is rejected.
func (s *Store) Clear(ctx context.Context, req ClearRequest) (int64, error) {
	if !req.bounded() {
		return 0, apperrors.ErrValidation.WithDetail("message", "clear requires at least one of event_types, correlation_id, source_id or before")
	}

	n, err := s.repo.Delete(ctx, Query{
		EventTypes:    req.EventTypes,
		CorrelationID: req.CorrelationID,
		SourceID:      req.SourceID,
		Before:        req.Before,
	})
	if err != nil {
		return 0, apperrors.Unavailable("replay-store", err)
	}

	metrics.ReplayEventsPurgedTotal.WithLabelValues("manual").Add(float64(n))
	s.logger.InfowCtx(ctx, "Replay events cleared", "deleted", n)
	return n, nil
}

func (s *Store) PurgeExpired(ctx context.Context) (int64, error) {
	n, err := s.repo.DeleteExpired(ctx, s.now())
	if err != nil {
		return 0, apperrors.Unavailable("replay-store", err)
	}
	metrics.ReplayEventsPurgedTotal.WithLabelValues("retention").Add(float64(n))
	return n, nil
}

// Run purges expired events once, then every cleanup interval, until ctx is cancelled.
func (s *Store) Run(ctx context.Context) error {
	s.purge(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.purge(ctx)
		}
	}
}

func (s *Store) purge(ctx context.Context) {
	n, err := s.PurgeExpired(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Errorw("Replay retention purge failed", "error", err)
		}
		return
	}
	if n > 0 {
		s.logger.Infow("Replay retention purge completed", "deleted", n)
	}
}

func (s *Store) Stats(ctx context.Context) (Stats, error) {
	counts, err := s.repo.CountByType(ctx)
	if err != nil {
		return Stats{}, apperrors.Unavailable("replay-store", err)
	}

	stats := Stats{ByEventType: counts}
	for _, n := range counts {
		stats.TotalEvents += n
	}
	return stats, nil
}
