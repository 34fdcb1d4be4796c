package dlq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"conductor/internal/config"
	"conductor/internal/constants"
	"conductor/internal/events"
	"conductor/internal/logger"
	"conductor/internal/tracer"
	apperrors "conductor/pkg/errors"
	"conductor/pkg/metrics"
)

const (
	triggerScheduled = "scheduled"
	triggerManual    = "manual"

	completeTimeout = 10 * time.Second
)

// Redeliverer hands a dead letter back to the system. It must be safe to repeat.
type Redeliverer interface {
	Redeliver(ctx context.Context, e Entry) error
}

type RedelivererFunc func(ctx context.Context, e Entry) error

func (f RedelivererFunc) Redeliver(ctx context.Context, e Entry) error {
	return f(ctx, e)
}

// Queue is the dead letter queue and its retry scheduler.
type Queue struct {
	repo          Repository
	redeliverer   Redeliverer
	tracer        *tracer.Tracer
	logger        logger.Logger
	defaultPolicy Policy
	interval      time.Duration
	batchSize     int
	workers       int
	timeout       time.Duration
	staleAfter    time.Duration
	now           func() time.Time
}

type QueueOption func(*Queue)

func WithClock(now func() time.Time) QueueOption {
	return func(q *Queue) { q.now = now }
}

func WithTracer(t *tracer.Tracer) QueueOption {
	return func(q *Queue) { q.tracer = t }
}

func NewQueue(repo Repository, redeliverer Redeliverer, cfg config.DLQConfig, log logger.Logger, opts ...QueueOption) *Queue {
	q := &Queue{
		repo:          repo,
		redeliverer:   redeliverer,
		logger:        log,
		defaultPolicy: PolicyFromConfig(cfg.DefaultPolicy).Normalize(),
		interval:      cfg.TickInterval,
		batchSize:     cfg.BatchSize,
		workers:       cfg.Workers,
		timeout:       cfg.RedeliveryTimeout,
		staleAfter:    cfg.StaleClaimTimeout,
		now:           time.Now,
	}
	if q.interval <= 0 {
		q.interval = 5 * time.Second
	}
	if q.batchSize <= 0 {
		q.batchSize = constants.DefaultLimit
	}
	if q.workers <= 0 {
		q.workers = 8
	}
	if q.timeout <= 0 {
		q.timeout = 30 * time.Second
	}
	if q.staleAfter <= 0 {
		q.staleAfter = 5 * time.Minute
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *Queue) mapError(err error, id string) error {
	switch {
	case errors.Is(err, ErrEntryNotFound):
		return apperrors.ErrNotFound.WithDetail("message", fmt.Sprintf("dlq entry %s not found", id))
	case errors.Is(err, ErrNotClaimable):
		return apperrors.ErrConflict.WithDetail("message", fmt.Sprintf("dlq entry %s is not in a retryable state", id))
	default:
		return apperrors.Unavailable("dlq-store", err)
	}
}

// Enqueue stores a failed unit of work. The first redelivery is due after Delay(0).
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (string, error) {
	if strings.TrimSpace(req.EventType) == "" {
		return "", apperrors.ErrValidation.WithDetail("message", "event_type is required")
	}
	if len(req.Payload) == 0 {
		req.Payload = json.RawMessage("null")
	}
	if !json.Valid(req.Payload) {
		return "", apperrors.ErrValidation.WithDetail("message", "payload is not valid JSON")
	}

	policy := q.defaultPolicy
	if req.Policy != nil {
		policy = req.Policy.Normalize()
	}
	if err := policy.Validate(); err != nil {
		return "", apperrors.ErrValidation.WithDetail("message", err.Error())
	}

	now := q.now()
	entry := Entry{
		ID:            uuid.NewString(),
		EventType:     req.EventType,
		Payload:       req.Payload,
		Metadata:      req.Metadata,
		FailureReason: req.FailureReason,
		Policy:        policy,
		Attempts:      0,
		NextRetryAt:   now.Add(policy.Delay(0)),
		Status:        StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := q.repo.Insert(ctx, entry); err != nil {
		return "", apperrors.Unavailable("dlq-store", err)
	}

	metrics.DLQEntriesTotal.WithLabelValues(entry.EventType, string(policy.Type)).Inc()
	q.logger.InfowCtx(ctx, "Dead letter enqueued",
		"entry_id", entry.ID,
		"event_type", entry.EventType,
		"policy", policy.Type,
		"next_retry_at", entry.NextRetryAt,
		"failure_reason", entry.FailureReason,
	)
	return entry.ID, nil
}

// StepFailed turns a saga step failure into a dead letter with the default policy.
func (q *Queue) StepFailed(ctx context.Context, ev events.StepFailed) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode step failure: %w", err)
	}
	_, err = q.Enqueue(ctx, EnqueueRequest{
		EventType:     events.TypeSagaStepFailed,
		Payload:       payload,
		Metadata:      ev.Metadata(),
		FailureReason: ev.Error,
	})
	return err
}

func (q *Queue) Get(ctx context.Context, id string) (*Entry, error) {
	e, err := q.repo.Get(ctx, id)
	if err != nil {
		return nil, q.mapError(err, id)
	}
	return e, nil
}

func (q *Queue) List(ctx context.Context, f ListFilter) ([]Entry, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, apperrors.ErrValidation.WithDetail("message", fmt.Sprintf("unknown status %q", f.Status))
	}
	if f.Limit <= 0 {
		f.Limit = constants.DefaultLimit
	}
	if f.Limit > constants.MaxLimit {
		f.Limit = constants.MaxLimit
	}

	entries, err := q.repo.List(ctx, f)
	if err != nil {
		return nil, apperrors.Unavailable("dlq-store", err)
	}
	return entries, nil
}

// Retry redelivers one entry now. Pending and exhausted entries may be retried by hand.
func (q *Queue) Retry(ctx context.Context, id string) (RetryOutcome, error) {
	entry, err := q.repo.Claim(ctx, id, q.now(), []Status{StatusPending, StatusExhausted})
	if err != nil {
		return RetryOutcome{}, q.mapError(err, id)
	}
	return q.attempt(ctx, *entry, triggerManual), nil
}

func (q *Queue) Resolve(ctx context.Context, id, note string) (*Entry, error) {
	e, err := q.repo.Resolve(ctx, id, note, q.now())
	if err != nil {
		return nil, q.mapError(err, id)
	}
	q.logger.InfowCtx(ctx, "Dead letter resolved by operator",
		"entry_id", id,
		"note", note,
	)
	return e, nil
}

func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	stats, err := q.repo.Stats(ctx)
	if err != nil {
		return Stats{}, apperrors.Unavailable("dlq-store", err)
	}
	for status, count := range stats.ByStatus {
		metrics.SetDLQEntries(status, count)
	}
	return stats, nil
}

// Tick recovers stale claims, then claims every due entry and redelivers them on a
// bounded worker pool. Redelivery errors are recorded on the entries, never returned.
func (q *Queue) Tick(ctx context.Context) (TickResult, error) {
	start := time.Now()
	defer func() { metrics.ObserveTickDuration(time.Since(start)) }()

	var result TickResult
	now := q.now()

	recovered, err := q.repo.RecoverStale(ctx, now.Add(-q.staleAfter), now)
	if err != nil {
		return result, apperrors.Unavailable("dlq-store", err)
	}
	result.Recovered = recovered
	if recovered > 0 {
		q.logger.WarnwCtx(ctx, "Recovered stale dlq claims", "count", recovered)
	}

	due, err := q.repo.ClaimDue(ctx, now, q.batchSize)
	if err != nil {
		return result, apperrors.Unavailable("dlq-store", err)
	}
	result.Claimed = len(due)
	if len(due) == 0 {
		return result, nil
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(q.workers)
	for _, entry := range due {
		g.Go(func() error {
			out := q.attempt(ctx, entry, triggerScheduled)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case out.Success:
				result.Succeeded++
			case out.Status == StatusExhausted:
				result.Exhausted++
			default:
				result.Failed++
			}
			return nil
		})
	}
	_ = g.Wait()

	q.logger.InfowCtx(ctx, "DLQ tick completed",
		"claimed", result.Claimed,
		"succeeded", result.Succeeded,
		"failed", result.Failed,
		"exhausted", result.Exhausted,
	)
	return result, nil
}

// attempt redelivers a claimed entry and records the outcome.
func (q *Queue) attempt(ctx context.Context, e Entry, trigger string) RetryOutcome {
	err := q.redeliver(ctx, e)
	now := q.now()

	o := Outcome{Attempts: e.Attempts, At: now, NextRetryAt: e.NextRetryAt}
	if err == nil {
		o.Success = true
	} else {
		o.Attempts++
		o.FailureReason = err.Error()
		if e.Policy.Exhausted(o.Attempts) {
			o.Exhausted = true
		} else {
			o.NextRetryAt = now.Add(e.Policy.Delay(o.Attempts))
		}
	}

	out := RetryOutcome{EntryID: e.ID, Success: o.Success, Status: terminalStatus(o), Attempts: o.Attempts}
	result := "success"
	if err != nil {
		out.Error = err.Error()
		result = "failure"
		if out.Status == StatusPending {
			next := o.NextRetryAt
			out.NextRetryAt = &next
		} else {
			result = "exhausted"
		}
	}
	metrics.DLQRedeliveriesTotal.WithLabelValues(trigger, result).Inc()

	// Record the outcome even if ctx is already cancelled.
	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), completeTimeout)
	defer cancel()
	if cerr := q.repo.Complete(storeCtx, e.ID, o); cerr != nil {
		q.logger.ErrorwCtx(ctx, "Failed to record redelivery outcome",
			"entry_id", e.ID,
			"error", cerr,
		)
	}

	if err != nil {
		q.logger.WarnwCtx(ctx, "Redelivery failed",
			"entry_id", e.ID,
			"event_type", e.EventType,
			"trigger", trigger,
			"attempts", o.Attempts,
			"status", out.Status,
			"error", err,
		)
	} else {
		q.logger.InfowCtx(ctx, "Redelivery succeeded",
			"entry_id", e.ID,
			"event_type", e.EventType,
			"trigger", trigger,
		)
	}
	return out
}

func (q *Queue) redeliver(ctx context.Context, e Entry) error {
	ctx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()

	return q.tracer.Trace(ctx, "dlq", "dlq.redeliver", func(ctx context.Context) (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = apperrors.RecoverPanic(r)
			}
		}()
		return q.redeliverer.Redeliver(ctx, e)
	})
}

// Run ticks until ctx is cancelled.
func (q *Queue) Run(ctx context.Context) error {
	q.logger.Infow("DLQ scheduler started",
		"interval", q.interval,
		"batch_size", q.batchSize,
		"workers", q.workers,
	)

	ticker := time.NewTicker(q.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			q.logger.Infow("DLQ scheduler stopped")
			return nil
		case <-ticker.C:
			if _, err := q.Tick(ctx); err != nil && ctx.Err() == nil {
				q.logger.ErrorwCtx(ctx, "DLQ tick failed", "error", err)
				continue
			}
			if _, err := q.Stats(ctx); err != nil && ctx.Err() == nil {
				q.logger.WarnwCtx(ctx, "Failed to refresh dlq gauges", "error", err)
			}
		}
	}
}
