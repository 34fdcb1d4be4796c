package tracer

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"conductor/internal/logger"
	apperrors "conductor/pkg/errors"
	"conductor/pkg/logging"
	"conductor/pkg/metrics"
	"conductor/pkg/tracing"
)

const defaultMaxTraces = 10000

type spanContextKey struct{}

type spanRef struct {
	traceID string
	spanID  string
}

// ContextWithSpan makes spanID of traceID the parent of spans started from the returned context.
func ContextWithSpan(ctx context.Context, traceID, spanID string) context.Context {
	ctx = context.WithValue(ctx, spanContextKey{}, spanRef{traceID: traceID, spanID: spanID})
	ctx = logging.WithTraceID(ctx, traceID)
	return logging.WithSpanID(ctx, spanID)
}

// SpanFromContext returns the ids of the innermost span started through this tracer.
func SpanFromContext(ctx context.Context) (traceID, spanID string) {
	ref, _ := ctx.Value(spanContextKey{}).(spanRef)
	return ref.traceID, ref.spanID
}

type traceRecord struct {
	spans []*Span
}

// Tracer keeps the most recent traces in memory and mirrors every span to OpenTelemetry.
type Tracer struct {
	mu        sync.RWMutex
	maxTraces int
	traces    map[string]*traceRecord
	order     []string
	spans     map[string]*Span
	otelSpans map[string]trace.Span

	otel   trace.Tracer
	logger logger.Logger
	now    func() time.Time
}

type Option func(*Tracer)

func WithClock(now func() time.Time) Option {
	return func(t *Tracer) { t.now = now }
}

func New(maxTraces int, log logger.Logger, opts ...Option) *Tracer {
	if maxTraces <= 0 {
		maxTraces = defaultMaxTraces
	}
	t := &Tracer{
		maxTraces: maxTraces,
		traces:    make(map[string]*traceRecord),
		spans:     make(map[string]*Span),
		otelSpans: make(map[string]trace.Span),
		otel:      tracing.GetTracer("conductor-tracer"),
		logger:    log,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func newID(n int) string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:n]
}

func notFound(kind, id string) error {
	return apperrors.ErrNotFound.WithDetail("message", fmt.Sprintf("%s %s not found", kind, id))
}

func invalid(msg string) error {
	return apperrors.ErrValidation.WithDetail("message", msg)
}

// StartSpan opens a span and returns a context that parents further spans under it.
func (t *Tracer) StartSpan(ctx context.Context, opts StartOptions) (context.Context, Span, error) {
	if opts.ServiceName == "" || opts.OperationName == "" {
		return ctx, Span{}, invalid("service_name and operation_name are required")
	}
	if opts.TraceID == "" && opts.ParentSpanID == "" {
		opts.TraceID, opts.ParentSpanID = SpanFromContext(ctx)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if opts.ParentSpanID != "" {
		parent, ok := t.spans[opts.ParentSpanID]
		if !ok || (opts.TraceID != "" && parent.TraceID != opts.TraceID) {
			return ctx, Span{}, invalid(fmt.Sprintf("parent span %s does not exist in trace %s", opts.ParentSpanID, opts.TraceID))
		}
		opts.TraceID = parent.TraceID
	}
	if opts.TraceID == "" {
		opts.TraceID = newID(32)
	}

	span := &Span{
		SpanID:        newID(16),
		TraceID:       opts.TraceID,
		ParentSpanID:  opts.ParentSpanID,
		ServiceName:   opts.ServiceName,
		OperationName: opts.OperationName,
		StartTime:     t.now(),
		Tags:          make(map[string]string, len(opts.Tags)),
		Status:        StatusUnset,
	}
	for k, v := range opts.Tags {
		span.Tags[k] = v
	}

	rec, ok := t.traces[span.TraceID]
	if !ok {
		t.evictLocked()
		rec = &traceRecord{}
		t.traces[span.TraceID] = rec
		t.order = append(t.order, span.TraceID)
	}
	rec.spans = append(rec.spans, span)
	t.spans[span.SpanID] = span

	otelCtx, otelSpan := t.otel.Start(ctx, opts.ServiceName+"."+opts.OperationName,
		trace.WithAttributes(
			attribute.String("conductor.trace_id", span.TraceID),
			attribute.String("conductor.span_id", span.SpanID),
			attribute.String("service.name", opts.ServiceName),
			tracing.ComponentKey.String(opts.ServiceName),
		),
	)
	for k, v := range opts.Tags {
		otelSpan.SetAttributes(attribute.String(k, v))
	}
	t.otelSpans[span.SpanID] = otelSpan

	metrics.TracerSpansTotal.WithLabelValues(opts.ServiceName).Inc()
	metrics.TracerActiveSpans.Inc()

	return ContextWithSpan(otelCtx, span.TraceID, span.SpanID), span.clone(), nil
}

// evictLocked drops the oldest traces until a new one fits.
func (t *Tracer) evictLocked() {
	for len(t.order) >= t.maxTraces {
		oldest := t.order[0]
		t.order = t.order[1:]
		rec := t.traces[oldest]
		delete(t.traces, oldest)
		if rec == nil {
			continue
		}
		for _, s := range rec.spans {
			if !s.Closed() {
				metrics.TracerActiveSpans.Dec()
			}
			if otelSpan, ok := t.otelSpans[s.SpanID]; ok {
				otelSpan.End()
				delete(t.otelSpans, s.SpanID)
			}
			delete(t.spans, s.SpanID)
		}
	}
}

func (t *Tracer) openSpanLocked(spanID string) (*Span, error) {
	span, ok := t.spans[spanID]
	if !ok {
		return nil, notFound("span", spanID)
	}
	if span.Closed() {
		return nil, apperrors.ErrConflict.WithDetail("message", fmt.Sprintf("span %s is closed", spanID))
	}
	return span, nil
}

func (t *Tracer) AddTag(spanID, key, value string) error {
	if key == "" {
		return invalid("tag key is required")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	span, err := t.openSpanLocked(spanID)
	if err != nil {
		return err
	}
	span.Tags[key] = value
	if otelSpan, ok := t.otelSpans[spanID]; ok {
		otelSpan.SetAttributes(attribute.String(key, value))
	}
	return nil
}

func (t *Tracer) AddLog(spanID, message, level string) error {
	if level == "" {
		level = "info"
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	span, err := t.openSpanLocked(spanID)
	if err != nil {
		return err
	}
	span.Logs = append(span.Logs, LogEntry{Timestamp: t.now(), Level: level, Message: message})
	if otelSpan, ok := t.otelSpans[spanID]; ok {
		otelSpan.AddEvent(message, trace.WithAttributes(attribute.String("level", level)))
	}
	return nil
}

// SetError marks the span failed and logs err on it.
func (t *Tracer) SetError(spanID string, err error) error {
	if err == nil {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	span, lookupErr := t.openSpanLocked(spanID)
	if lookupErr != nil {
		return lookupErr
	}
	span.Status = StatusError
	span.Tags["error"] = "true"
	span.Logs = append(span.Logs, LogEntry{Timestamp: t.now(), Level: "error", Message: err.Error()})
	if otelSpan, ok := t.otelSpans[spanID]; ok {
		otelSpan.RecordError(err)
		otelSpan.SetStatus(codes.Error, err.Error())
	}
	return nil
}

// EndSpan closes the span. Closing an already closed span is a no-op.
func (t *Tracer) EndSpan(spanID string) (Span, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	span, ok := t.spans[spanID]
	if !ok {
		return Span{}, notFound("span", spanID)
	}
	if span.Closed() {
		return span.clone(), nil
	}

	end := t.now()
	if end.Before(span.StartTime) {
		end = span.StartTime
	}
	span.EndTime = &end
	if span.Status == StatusUnset {
		span.Status = StatusOK
	}
	for _, s := range t.traces[span.TraceID].spans {
		if s.ParentSpanID == spanID && !s.Closed() {
			span.OpenChildrenAtEnd = true
			break
		}
	}

	if otelSpan, ok := t.otelSpans[spanID]; ok {
		if span.OpenChildrenAtEnd {
			otelSpan.SetAttributes(attribute.Bool("conductor.open_children_at_end", true))
		}
		otelSpan.End()
		delete(t.otelSpans, spanID)
	}

	metrics.TracerActiveSpans.Dec()
	metrics.ObserveSpanDuration(span.ServiceName, string(span.Status), span.Duration())
	return span.clone(), nil
}

// GetTrace returns the spans of one trace ordered by start time.
func (t *Tracer) GetTrace(traceID string) ([]Span, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	rec, ok := t.traces[traceID]
	if !ok {
		return nil, notFound("trace", traceID)
	}
	spans := make([]Span, len(rec.spans))
	for i, s := range rec.spans {
		spans[i] = s.clone()
	}
	sort.SliceStable(spans, func(i, j int) bool { return spans[i].StartTime.Before(spans[j].StartTime) })
	return spans, nil
}

func (t *Tracer) GetTraceSummary(traceID string) (TraceSummary, error) {
	spans, err := t.GetTrace(traceID)
	if err != nil {
		return TraceSummary{}, err
	}

	summary := TraceSummary{TraceID: traceID, SpanCount: len(spans)}
	services := make(map[string]struct{})
	var end time.Time
	allClosed := true
	for i, s := range spans {
		if i == 0 || s.StartTime.Before(summary.StartTime) {
			summary.StartTime = s.StartTime
		}
		if s.ParentSpanID == "" && summary.RootOperation == "" {
			summary.RootService = s.ServiceName
			summary.RootOperation = s.OperationName
		}
		services[s.ServiceName] = struct{}{}
		if s.Status == StatusError {
			summary.ErrorCount++
		}
		if s.Closed() {
			summary.ClosedSpans++
			if s.EndTime.After(end) {
				end = *s.EndTime
			}
		} else {
			allClosed = false
		}
	}

	for name := range services {
		summary.Services = append(summary.Services, name)
	}
	sort.Strings(summary.Services)
	if summary.SpanCount > 0 {
		summary.Completeness = float64(summary.ClosedSpans) / float64(summary.SpanCount)
	}
	if allClosed && summary.SpanCount > 0 {
		summary.EndTime = &end
		summary.DurationMs = end.Sub(summary.StartTime).Milliseconds()
	}
	return summary, nil
}

// GetServiceStats aggregates every retained span of one service.
func (t *Tracer) GetServiceStats(service string) ServiceStats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	stats := ServiceStats{ServiceName: service, Operations: make(map[string]int)}
	var total time.Duration
	for _, s := range t.spans {
		if s.ServiceName != service {
			continue
		}
		stats.SpanCount++
		stats.Operations[s.OperationName]++
		if s.Status == StatusError {
			stats.ErrorCount++
		}
		if s.Closed() {
			stats.ClosedSpans++
			d := s.Duration()
			total += d
			if d.Milliseconds() > stats.MaxDurationMs {
				stats.MaxDurationMs = d.Milliseconds()
			}
		}
	}
	if stats.SpanCount > 0 {
		stats.ErrorRate = float64(stats.ErrorCount) / float64(stats.SpanCount)
	}
	if stats.ClosedSpans > 0 {
		stats.AvgDurationMs = float64(total.Milliseconds()) / float64(stats.ClosedSpans)
	}
	return stats
}

func (t *Tracer) Stats() Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	stats := Stats{Traces: len(t.traces), Spans: len(t.spans), MaxTraces: t.maxTraces}
	services := make(map[string]struct{})
	for _, s := range t.spans {
		if !s.Closed() {
			stats.ActiveSpans++
		}
		services[s.ServiceName] = struct{}{}
	}
	for name := range services {
		stats.Services = append(stats.Services, name)
	}
	sort.Strings(stats.Services)
	return stats
}

// Trace runs fn inside a span and always closes it, also when fn panics.
// A nil Tracer runs fn directly.
func (t *Tracer) Trace(ctx context.Context, service, operation string, fn func(ctx context.Context) error) (err error) {
	if t == nil {
		return fn(ctx)
	}

	spanCtx, span, startErr := t.StartSpan(ctx, StartOptions{ServiceName: service, OperationName: operation})
	if startErr != nil {
		t.logger.WarnwCtx(ctx, "Failed to start span",
			"service", service,
			"operation", operation,
			"error", startErr,
		)
		return fn(ctx)
	}

	defer func() {
		if r := recover(); r != nil {
			_ = t.SetError(span.SpanID, fmt.Errorf("panic: %v", r))
			_, _ = t.EndSpan(span.SpanID)
			panic(r)
		}
		if err != nil {
			_ = t.SetError(span.SpanID, err)
		}
		if _, endErr := t.EndSpan(span.SpanID); endErr != nil && !apperrors.IsNotFound(endErr) {
			t.logger.WarnwCtx(spanCtx, "Failed to end span", "span_id", span.SpanID, "error", endErr)
		}
	}()

	return fn(spanCtx)
}
