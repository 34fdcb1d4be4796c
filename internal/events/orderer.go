package events

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"conductor/internal/config"
	"conductor/internal/constants"
	"conductor/internal/logger"
	apperrors "conductor/pkg/errors"
	"conductor/pkg/logging"
	"conductor/pkg/metrics"
	"conductor/pkg/tracing"
)

// Store durably records accepted envelopes.
type Store interface {
	Persist(ctx context.Context, env Envelope) error
}

// Orderer stamps per-source sequence numbers and drops duplicates seen within the TTL window.
type Orderer struct {
	repo   Repository
	store  Store
	hasher *Hasher
	cfg    config.OrdererConfig
	ttl    time.Duration
	logger logger.Logger
	now    func() time.Time

	locksMu sync.Mutex
	locks   map[string]*sourceLock
}

// sourceLock serializes sequencing for one source. It is dropped from the map when
// the last holder or waiter releases it.
type sourceLock struct {
	mu   sync.Mutex
	refs int
}

type OrdererOption func(*Orderer)

func WithClock(now func() time.Time) OrdererOption {
	return func(o *Orderer) { o.now = now }
}

func NewOrderer(repo Repository, store Store, cfg config.OrdererConfig, log logger.Logger, opts ...OrdererOption) *Orderer {
	ttl := time.Duration(cfg.TTLSeconds) * time.Second
	if cfg.TTLSeconds <= 0 {
		ttl = time.Duration(constants.DefaultTTLSeconds) * time.Second
	}

	o := &Orderer{
		repo:   repo,
		store:  store,
		hasher: NewHasher(cfg.HashAlgorithm),
		cfg:    cfg,
		ttl:    ttl,
		logger: log,
		now:    time.Now,
		locks:  make(map[string]*sourceLock),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Next validates, dedups, sequences and persists one event.
// A duplicate is reported through Result.Duplicate, never as an error.
func (o *Orderer) Next(ctx context.Context, req NextRequest) (Result, error) {
	start := time.Now()
	ctx, span := tracing.GetTracer("conductor-orderer").Start(ctx, "orderer.next")
	defer span.End()

	result, status, err := o.next(ctx, req)
	metrics.OrdererEventsTotal.WithLabelValues(status).Inc()
	metrics.ObserveOrdererDuration(time.Since(start), status)

	span.SetAttributes(
		attribute.String("event.type", req.EventType),
		attribute.String("event.source_id", req.SourceID),
		attribute.String("orderer.status", status),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return result, err
}

func (o *Orderer) next(ctx context.Context, req NextRequest) (Result, string, error) {
	if err := req.validate(); err != nil {
		return Result{}, "invalid", apperrors.ErrValidation.WithDetail("message", err.Error())
	}
	priority, err := ParsePriority(req.Priority)
	if err != nil {
		return Result{}, "invalid", apperrors.ErrValidation.WithDetail("message", err.Error())
	}

	key, err := o.hasher.Key(req.EventType, req.Payload, req.CorrelationID)
	if err != nil {
		return Result{}, "invalid", apperrors.ErrValidation.WithDetail("message", err.Error())
	}

	claimed, err := o.repo.ClaimKey(ctx, key, o.ttl)
	if err != nil {
		if !o.allowOnStoreError(ctx, err) {
			return Result{}, "error", apperrors.Unavailable("orderer-dedup", err)
		}
		key = ""
		claimed = true
	}
	if !claimed {
		o.logger.DebugwCtx(ctx, "Duplicate event dropped",
			"event_type", req.EventType,
			"source_id", req.SourceID,
			"correlation_id", req.CorrelationID,
		)
		return Result{Duplicate: true, DedupKey: key}, "duplicate", nil
	}

	unlock := o.lockSource(req.SourceID)
	defer unlock()

	seq, err := o.repo.NextSequence(ctx, req.SourceID)
	if err != nil {
		o.releaseKey(ctx, key)
		return Result{}, "error", apperrors.Unavailable("orderer-sequence", err)
	}

	env := Envelope{
		EventID:        uuid.NewString(),
		EventType:      req.EventType,
		Payload:        req.Payload,
		CorrelationID:  req.CorrelationID,
		SequenceNumber: seq,
		Priority:       priority,
		ProducedAt:     o.now().UTC(),
		SourceID:       req.SourceID,
		TraceID:        traceIDFrom(ctx, req.TraceID),
		Metadata:       req.Metadata,
	}
	if len(env.Payload) == 0 {
		env.Payload = []byte("null")
	}

	if err := o.store.Persist(ctx, env); err != nil {
		o.rollback(ctx, req.SourceID, seq)
		o.releaseKey(ctx, key)
		return Result{}, "error", apperrors.Unavailable("replay-store", err)
	}

	return Result{Envelope: &env, DedupKey: key}, "accepted", nil
}

// LastSequence returns the most recently issued sequence number for sourceID, 0 if none.
func (o *Orderer) LastSequence(ctx context.Context, sourceID string) (int64, error) {
	if strings.TrimSpace(sourceID) == "" {
		return 0, apperrors.ErrValidation.WithDetail("message", "source_id is required")
	}
	seq, err := o.repo.LastSequence(ctx, sourceID)
	if err != nil {
		return 0, apperrors.Unavailable("orderer-sequence", err)
	}
	return seq, nil
}

func (o *Orderer) allowOnStoreError(ctx context.Context, err error) bool {
	if strings.ToLower(o.cfg.OnStoreError) == constants.FallbackAllow {
		metrics.FallbackUsageTotal.WithLabelValues("orderer", "allow_on_error", "dedup_store").Inc()
		o.logger.WarnwCtx(ctx, "Dedup store error, accepting event without dedup (fallback: allow)",
			"error", err,
		)
		return true
	}
	metrics.FallbackUsageTotal.WithLabelValues("orderer", "fail_on_error", "dedup_store").Inc()
	return false
}

func (o *Orderer) rollback(ctx context.Context, sourceID string, seq int64) {
	ctx = context.WithoutCancel(ctx)
	ok, err := o.repo.RollbackSequence(ctx, sourceID, seq)
	if err != nil {
		o.logger.ErrorwCtx(ctx, "Failed to roll back sequence after persist failure",
			"source_id", sourceID,
			"sequence_number", seq,
			"error", err,
		)
		return
	}
	if !ok {
		o.logger.WarnwCtx(ctx, "Sequence advanced by another replica, gap left after persist failure",
			"source_id", sourceID,
			"sequence_number", seq,
		)
	}
}

func (o *Orderer) releaseKey(ctx context.Context, key string) {
	if key == "" {
		return
	}
	if err := o.repo.ReleaseKey(context.WithoutCancel(ctx), key); err != nil {
		o.logger.WarnwCtx(ctx, "Failed to release dedup key", "error", err)
	}
}

func (o *Orderer) lockSource(sourceID string) func() {
	o.locksMu.Lock()
	l, ok := o.locks[sourceID]
	if !ok {
		l = &sourceLock{}
		o.locks[sourceID] = l
	}
	l.refs++
	o.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()

		o.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(o.locks, sourceID)
		}
		o.locksMu.Unlock()
	}
}

func traceIDFrom(ctx context.Context, explicit string) string {
	if explicit != "" {
		return explicit
	}
	if id := logging.GetTraceID(ctx); id != "" {
		return id
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}
