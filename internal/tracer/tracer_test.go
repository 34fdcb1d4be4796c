package tracer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/internal/logger"
	apperrors "conductor/pkg/errors"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.Set(c.Now().Add(d))
}

func newTestTracer(max int) (*Tracer, *fakeClock) {
	clock := newFakeClock()
	return New(max, logger.NopLogger(), WithClock(clock.Now)), clock
}

func TestStartSpan_NewTraceAndChild(t *testing.T) {
	tr, _ := newTestTracer(10)
	ctx := context.Background()

	_, root, err := tr.StartSpan(ctx, StartOptions{ServiceName: "saga", OperationName: "execute"})
	require.NoError(t, err)
	assert.Len(t, root.TraceID, 32)
	assert.Len(t, root.SpanID, 16)
	assert.Empty(t, root.ParentSpanID)

	_, child, err := tr.StartSpan(ctx, StartOptions{
		TraceID:       root.TraceID,
		ParentSpanID:  root.SpanID,
		ServiceName:   "ingestion",
		OperationName: "ingest",
		Tags:          map[string]string{"step": "1"},
	})
	require.NoError(t, err)
	assert.Equal(t, root.TraceID, child.TraceID)
	assert.Equal(t, root.SpanID, child.ParentSpanID)
	assert.Equal(t, "1", child.Tags["step"])
}

func TestStartSpan_NestsUnderContextSpan(t *testing.T) {
	tr, _ := newTestTracer(10)

	ctx, root, err := tr.StartSpan(context.Background(), StartOptions{ServiceName: "saga", OperationName: "execute"})
	require.NoError(t, err)

	_, child, err := tr.StartSpan(ctx, StartOptions{ServiceName: "dlq", OperationName: "enqueue"})
	require.NoError(t, err)
	assert.Equal(t, root.TraceID, child.TraceID)
	assert.Equal(t, root.SpanID, child.ParentSpanID)
}

func TestStartSpan_Validation(t *testing.T) {
	tr, _ := newTestTracer(10)
	ctx := context.Background()

	_, _, err := tr.StartSpan(ctx, StartOptions{ServiceName: "saga"})
	assert.True(t, apperrors.IsValidation(err))

	_, _, err = tr.StartSpan(ctx, StartOptions{ServiceName: "saga", OperationName: "op", ParentSpanID: "missing"})
	assert.True(t, apperrors.IsValidation(err))

	_, root, err := tr.StartSpan(ctx, StartOptions{ServiceName: "saga", OperationName: "op"})
	require.NoError(t, err)
	_, _, err = tr.StartSpan(ctx, StartOptions{
		TraceID: "other-trace", ParentSpanID: root.SpanID, ServiceName: "saga", OperationName: "op",
	})
	assert.True(t, apperrors.IsValidation(err), "parent must live in the same trace")
}

func TestEndSpan_Idempotent(t *testing.T) {
	tr, clock := newTestTracer(10)

	_, span, err := tr.StartSpan(context.Background(), StartOptions{ServiceName: "saga", OperationName: "op"})
	require.NoError(t, err)

	clock.Advance(50 * time.Millisecond)
	first, err := tr.EndSpan(span.SpanID)
	require.NoError(t, err)
	require.NotNil(t, first.EndTime)
	assert.Equal(t, StatusOK, first.Status)
	assert.Equal(t, 50*time.Millisecond, first.Duration())

	clock.Advance(time.Second)
	second, err := tr.EndSpan(span.SpanID)
	require.NoError(t, err)
	assert.Equal(t, *first.EndTime, *second.EndTime)

	_, err = tr.EndSpan("unknown")
	assert.True(t, apperrors.IsNotFound(err))
}

func TestEndSpan_ClockSkewNeverEndsBeforeStart(t *testing.T) {
	tr, clock := newTestTracer(10)

	_, span, err := tr.StartSpan(context.Background(), StartOptions{ServiceName: "saga", OperationName: "op"})
	require.NoError(t, err)

	clock.Advance(-time.Minute)
	_, err = tr.EndSpan(span.SpanID)
	require.NoError(t, err)

	spans, err := tr.GetTrace(span.TraceID)
	require.NoError(t, err)
	for _, s := range spans {
		require.NotNil(t, s.EndTime)
		assert.False(t, s.EndTime.Before(s.StartTime))
	}
}

func TestEndSpan_FlagsOpenChildren(t *testing.T) {
	tr, _ := newTestTracer(10)

	ctx, root, err := tr.StartSpan(context.Background(), StartOptions{ServiceName: "saga", OperationName: "execute"})
	require.NoError(t, err)
	_, child, err := tr.StartSpan(ctx, StartOptions{ServiceName: "analysis", OperationName: "analyze"})
	require.NoError(t, err)

	ended, err := tr.EndSpan(root.SpanID)
	require.NoError(t, err)
	assert.True(t, ended.OpenChildrenAtEnd)

	summary, err := tr.GetTraceSummary(root.TraceID)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.SpanCount)
	assert.Equal(t, 1, summary.ClosedSpans)
	assert.InDelta(t, 0.5, summary.Completeness, 1e-9)
	assert.Nil(t, summary.EndTime)

	_, err = tr.EndSpan(child.SpanID)
	require.NoError(t, err)
	summary, err = tr.GetTraceSummary(root.TraceID)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, summary.Completeness, 1e-9)
	assert.Equal(t, "saga", summary.RootService)
	assert.Equal(t, []string{"analysis", "saga"}, summary.Services)
	assert.NotNil(t, summary.EndTime)
}

func TestTagsLogsAndErrors(t *testing.T) {
	tr, _ := newTestTracer(10)

	_, span, err := tr.StartSpan(context.Background(), StartOptions{ServiceName: "saga", OperationName: "op"})
	require.NoError(t, err)

	require.NoError(t, tr.AddTag(span.SpanID, "saga_id", "s-1"))
	require.NoError(t, tr.AddLog(span.SpanID, "step started", ""))
	require.NoError(t, tr.SetError(span.SpanID, errors.New("boom")))
	assert.True(t, apperrors.IsValidation(tr.AddTag(span.SpanID, "", "x")))

	ended, err := tr.EndSpan(span.SpanID)
	require.NoError(t, err)
	assert.Equal(t, StatusError, ended.Status)
	assert.Equal(t, "s-1", ended.Tags["saga_id"])
	require.Len(t, ended.Logs, 2)
	assert.Equal(t, "info", ended.Logs[0].Level)
	assert.Equal(t, "boom", ended.Logs[1].Message)

	assert.True(t, apperrors.IsConflict(tr.AddTag(span.SpanID, "late", "x")))
}

func TestServiceStatsAndStats(t *testing.T) {
	tr, clock := newTestTracer(10)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, span, err := tr.StartSpan(ctx, StartOptions{ServiceName: "ingestion", OperationName: "ingest"})
		require.NoError(t, err)
		clock.Advance(time.Duration(i+1) * 10 * time.Millisecond)
		if i == 2 {
			require.NoError(t, tr.SetError(span.SpanID, errors.New("failed")))
		}
		_, err = tr.EndSpan(span.SpanID)
		require.NoError(t, err)
	}
	_, _, err := tr.StartSpan(ctx, StartOptions{ServiceName: "analysis", OperationName: "analyze"})
	require.NoError(t, err)

	stats := tr.GetServiceStats("ingestion")
	assert.Equal(t, 3, stats.SpanCount)
	assert.Equal(t, 3, stats.ClosedSpans)
	assert.Equal(t, 1, stats.ErrorCount)
	assert.InDelta(t, 1.0/3.0, stats.ErrorRate, 1e-9)
	assert.InDelta(t, 20.0, stats.AvgDurationMs, 1e-9)
	assert.Equal(t, int64(30), stats.MaxDurationMs)
	assert.Equal(t, 3, stats.Operations["ingest"])

	assert.Zero(t, tr.GetServiceStats("unknown").SpanCount)

	overall := tr.Stats()
	assert.Equal(t, 4, overall.Traces)
	assert.Equal(t, 4, overall.Spans)
	assert.Equal(t, 1, overall.ActiveSpans)
	assert.Equal(t, []string{"analysis", "ingestion"}, overall.Services)
}

func TestEvictsOldestTrace(t *testing.T) {
	tr, _ := newTestTracer(2)
	ctx := context.Background()

	_, first, err := tr.StartSpan(ctx, StartOptions{ServiceName: "a", OperationName: "op"})
	require.NoError(t, err)
	_, second, err := tr.StartSpan(ctx, StartOptions{ServiceName: "b", OperationName: "op"})
	require.NoError(t, err)
	_, third, err := tr.StartSpan(ctx, StartOptions{ServiceName: "c", OperationName: "op"})
	require.NoError(t, err)

	_, err = tr.GetTrace(first.TraceID)
	assert.True(t, apperrors.IsNotFound(err))
	_, err = tr.GetTrace(second.TraceID)
	assert.NoError(t, err)
	_, err = tr.GetTrace(third.TraceID)
	assert.NoError(t, err)
	assert.Equal(t, 2, tr.Stats().Traces)
}

func TestTrace_ClosesSpanOnEveryPath(t *testing.T) {
	tr, _ := newTestTracer(10)
	ctx := context.Background()

	var traceID string
	err := tr.Trace(ctx, "saga", "execute", func(ctx context.Context) error {
		traceID, _ = SpanFromContext(ctx)
		return tr.Trace(ctx, "ingestion", "ingest", func(ctx context.Context) error {
			return errors.New("downstream failed")
		})
	})
	require.Error(t, err)

	spans, err := tr.GetTrace(traceID)
	require.NoError(t, err)
	require.Len(t, spans, 2)
	for _, s := range spans {
		assert.True(t, s.Closed())
		assert.Equal(t, StatusError, s.Status)
	}
	assert.Equal(t, spans[0].SpanID, spans[1].ParentSpanID)

	assert.Panics(t, func() {
		_ = tr.Trace(ctx, "saga", "panicky", func(ctx context.Context) error {
			traceID, _ = SpanFromContext(ctx)
			panic("boom")
		})
	})
	spans, err = tr.GetTrace(traceID)
	require.NoError(t, err)
	require.Len(t, spans, 1)
	assert.True(t, spans[0].Closed())
	assert.Equal(t, StatusError, spans[0].Status)
}

func TestTrace_NilTracerRunsFn(t *testing.T) {
	var tr *Tracer
	called := false
	err := tr.Trace(context.Background(), "saga", "op", func(ctx context.Context) error {
		called = true
		return nil
	})
	assert.NoError(t, err)
	assert.True(t, called)
}
