package dlq

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/internal/broker"
	"conductor/internal/config"
	"conductor/internal/events"
	"conductor/internal/logger"
	"conductor/internal/tracer"
	apperrors "conductor/pkg/errors"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testConfig() config.DLQConfig {
	return config.DLQConfig{
		TickInterval:      10 * time.Millisecond,
		BatchSize:         50,
		Workers:           4,
		RedeliveryTimeout: time.Second,
		StaleClaimTimeout: time.Minute,
		DefaultPolicy: config.PolicyConfig{
			Type:        "exponential_backoff",
			BaseDelay:   time.Second,
			MaxDelay:    time.Minute,
			MaxAttempts: 5,
		},
	}
}

func newTestQueue(r Redeliverer) (*Queue, *MemoryRepository, *fakeClock) {
	repo := NewMemoryRepository()
	clock := newFakeClock()
	q := NewQueue(repo, r, testConfig(), logger.NopLogger(), WithClock(clock.Now))
	return q, repo, clock
}

func failing(msg string) RedelivererFunc {
	return func(ctx context.Context, e Entry) error { return errors.New(msg) }
}

func succeeding() RedelivererFunc {
	return func(ctx context.Context, e Entry) error { return nil }
}

func TestEnqueue(t *testing.T) {
	q, _, clock := newTestQueue(succeeding())
	ctx := context.Background()

	id, err := q.Enqueue(ctx, EnqueueRequest{
		EventType:     "document.ingested",
		Payload:       json.RawMessage(`{"doc":"d-1"}`),
		Metadata:      map[string]string{"source": "ingestion"},
		FailureReason: "analysis timeout",
	})
	require.NoError(t, err)

	e, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, e.Status)
	assert.Zero(t, e.Attempts)
	assert.Equal(t, PolicyExponentialBackoff, e.Policy.Type)
	assert.Equal(t, clock.Now().Add(time.Second), e.NextRetryAt)
	assert.Equal(t, "ingestion", e.Metadata["source"])
	assert.Equal(t, "analysis timeout", e.FailureReason)
}

func TestEnqueue_Validation(t *testing.T) {
	q, _, _ := newTestQueue(succeeding())
	ctx := context.Background()

	_, err := q.Enqueue(ctx, EnqueueRequest{Payload: json.RawMessage(`{}`)})
	assert.True(t, apperrors.IsValidation(err))

	_, err = q.Enqueue(ctx, EnqueueRequest{EventType: "x", Payload: json.RawMessage(`{broken`)})
	assert.True(t, apperrors.IsValidation(err))

	_, err = q.Enqueue(ctx, EnqueueRequest{EventType: "x", Policy: &Policy{Type: "sometimes"}})
	assert.True(t, apperrors.IsValidation(err))
}

func TestTick_FixedDelayExhausts(t *testing.T) {
	var calls atomic.Int32
	q, _, _ := newTestQueue(RedelivererFunc(func(ctx context.Context, e Entry) error {
		calls.Add(1)
		return errors.New("downstream unavailable")
	}))
	ctx := context.Background()

	id, err := q.Enqueue(ctx, EnqueueRequest{
		EventType: "document.ingested",
		Payload:   json.RawMessage(`{}`),
		Policy:    &Policy{Type: PolicyFixedDelay, BaseDelay: 0, MaxAttempts: 3},
	})
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		res, err := q.Tick(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Claimed, "tick %d", i)

		e, err := q.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, i, e.Attempts)
		assert.Equal(t, "downstream unavailable", e.FailureReason)
		if i < 3 {
			assert.Equal(t, StatusPending, e.Status)
			assert.Equal(t, 1, res.Failed)
		} else {
			assert.Equal(t, StatusExhausted, e.Status)
			assert.Equal(t, 1, res.Exhausted)
		}
	}

	res, err := q.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Claimed, "exhausted entries are not redelivered automatically")
	assert.Equal(t, int32(3), calls.Load())
}

func TestTick_RespectsNextRetryAt(t *testing.T) {
	q, _, clock := newTestQueue(failing("nope"))
	ctx := context.Background()

	id, err := q.Enqueue(ctx, EnqueueRequest{EventType: "x"})
	require.NoError(t, err)

	res, err := q.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Claimed, "first attempt is due after Delay(0)")

	clock.Advance(time.Second)
	res, err = q.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Claimed)

	e, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, e.Attempts)
	assert.Equal(t, clock.Now().Add(2*time.Second), e.NextRetryAt)
	require.NotNil(t, e.LastAttemptAt)
	assert.Nil(t, e.ClaimedAt)
}

func TestTick_SuccessResolves(t *testing.T) {
	var seen []string
	var mu sync.Mutex
	q, _, clock := newTestQueue(RedelivererFunc(func(ctx context.Context, e Entry) error {
		mu.Lock()
		seen = append(seen, e.ID)
		mu.Unlock()
		return nil
	}))
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := q.Enqueue(ctx, EnqueueRequest{EventType: "x", Policy: &Policy{Type: PolicyImmediate}})
		require.NoError(t, err)
	}
	clock.Advance(time.Millisecond)

	res, err := q.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10, res.Claimed)
	assert.Equal(t, 10, res.Succeeded)
	assert.Len(t, seen, 10)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10, stats.Total)
	assert.Equal(t, 10, stats.ByStatus[string(StatusResolved)])
	assert.Equal(t, 10, stats.ByPolicy[string(PolicyImmediate)])
}

func TestTick_ImmediatePolicyAllowsOneAttempt(t *testing.T) {
	q, _, _ := newTestQueue(failing("boom"))
	ctx := context.Background()

	id, err := q.Enqueue(ctx, EnqueueRequest{EventType: "x", Policy: &Policy{Type: PolicyImmediate}})
	require.NoError(t, err)

	res, err := q.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Exhausted)

	e, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusExhausted, e.Status)
	assert.Equal(t, 1, e.Attempts)
}

func TestTick_RecoversPanics(t *testing.T) {
	q, _, _ := newTestQueue(RedelivererFunc(func(ctx context.Context, e Entry) error {
		panic("redeliverer exploded")
	}))
	ctx := context.Background()

	id, err := q.Enqueue(ctx, EnqueueRequest{EventType: "x", Policy: &Policy{Type: PolicyFixedDelay, MaxAttempts: 2}})
	require.NoError(t, err)

	res, err := q.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	e, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, e.Status)
	assert.Contains(t, e.FailureReason, "redeliverer exploded")
}

func TestTick_RedeliveryTimeout(t *testing.T) {
	repo := NewMemoryRepository()
	cfg := testConfig()
	cfg.RedeliveryTimeout = 20 * time.Millisecond
	q := NewQueue(repo, RedelivererFunc(func(ctx context.Context, e Entry) error {
		<-ctx.Done()
		return ctx.Err()
	}), cfg, logger.NopLogger())
	ctx := context.Background()

	id, err := q.Enqueue(ctx, EnqueueRequest{EventType: "x", Policy: &Policy{Type: PolicyFixedDelay, MaxAttempts: 3}})
	require.NoError(t, err)

	res, err := q.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	e, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Contains(t, e.FailureReason, context.DeadlineExceeded.Error())
}

func TestTick_ClaimIsExclusive(t *testing.T) {
	var calls atomic.Int32
	block := make(chan struct{})
	repo := NewMemoryRepository()
	clock := newFakeClock()
	redeliver := RedelivererFunc(func(ctx context.Context, e Entry) error {
		calls.Add(1)
		<-block
		return nil
	})
	a := NewQueue(repo, redeliver, testConfig(), logger.NopLogger(), WithClock(clock.Now))
	b := NewQueue(repo, redeliver, testConfig(), logger.NopLogger(), WithClock(clock.Now))
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		_, err := a.Enqueue(ctx, EnqueueRequest{EventType: "x", Policy: &Policy{Type: PolicyImmediate}})
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	results := make([]TickResult, 2)
	for i, q := range []*Queue{a, b} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := q.Tick(ctx)
			assert.NoError(t, err)
			results[i] = res
		}()
	}
	close(block)
	wg.Wait()

	assert.Equal(t, 20, results[0].Claimed+results[1].Claimed)
	assert.Equal(t, int32(20), calls.Load())
}

func TestRetry_Manual(t *testing.T) {
	fail := atomic.Bool{}
	fail.Store(true)
	q, _, _ := newTestQueue(RedelivererFunc(func(ctx context.Context, e Entry) error {
		if fail.Load() {
			return errors.New("still down")
		}
		return nil
	}))
	ctx := context.Background()

	id, err := q.Enqueue(ctx, EnqueueRequest{EventType: "x", Policy: &Policy{Type: PolicyFixedDelay, BaseDelay: time.Hour, MaxAttempts: 1}})
	require.NoError(t, err)

	out, err := q.Retry(ctx, id)
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.Equal(t, StatusExhausted, out.Status)
	assert.Equal(t, "still down", out.Error)

	fail.Store(false)
	out, err = q.Retry(ctx, id)
	require.NoError(t, err, "exhausted entries can be retried by hand")
	assert.True(t, out.Success)
	assert.Equal(t, StatusResolved, out.Status)

	e, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, e.Status)
	assert.NotNil(t, e.ResolvedAt)

	_, err = q.Retry(ctx, id)
	assert.True(t, apperrors.IsConflict(err), "resolved entries are terminal")

	_, err = q.Retry(ctx, "missing")
	assert.True(t, apperrors.IsNotFound(err))
}

func TestRecoverStaleClaims(t *testing.T) {
	q, repo, clock := newTestQueue(succeeding())
	ctx := context.Background()

	id, err := q.Enqueue(ctx, EnqueueRequest{EventType: "x", Policy: &Policy{Type: PolicyImmediate}})
	require.NoError(t, err)

	// simulate a replica that claimed the entry and crashed
	claimed, err := repo.ClaimDue(ctx, clock.Now(), 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	res, err := q.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Claimed)

	clock.Advance(2 * time.Minute)
	res, err = q.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Recovered)
	assert.Equal(t, 1, res.Succeeded)

	e, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, e.Status)
}

func TestResolveAndList(t *testing.T) {
	q, _, _ := newTestQueue(succeeding())
	ctx := context.Background()

	first, err := q.Enqueue(ctx, EnqueueRequest{EventType: "a"})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, EnqueueRequest{EventType: "b"})
	require.NoError(t, err)

	e, err := q.Resolve(ctx, first, "fixed upstream by hand")
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, e.Status)
	assert.Equal(t, "fixed upstream by hand", e.ResolutionNote)

	_, err = q.Resolve(ctx, first, "again")
	assert.True(t, apperrors.IsConflict(err))

	pending, err := q.List(ctx, ListFilter{Status: StatusPending})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "b", pending[0].EventType)

	byType, err := q.List(ctx, ListFilter{EventType: "a"})
	require.NoError(t, err)
	require.Len(t, byType, 1)

	_, err = q.List(ctx, ListFilter{Status: "weird"})
	assert.True(t, apperrors.IsValidation(err))
}

func TestStepFailed_EnqueuesWithMetadata(t *testing.T) {
	q, _, _ := newTestQueue(succeeding())
	ctx := context.Background()

	require.NoError(t, q.StepFailed(ctx, events.StepFailed{
		SagaID:        "saga-1",
		CorrelationID: "corr-1",
		StepID:        "step-2",
		Service:       "analysis",
		Action:        "analyze",
		Attempts:      3,
		Error:         "503 from analysis",
	}))

	entries, err := q.List(ctx, ListFilter{EventType: events.TypeSagaStepFailed})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "saga-1", entries[0].Metadata["saga_id"])
	assert.Equal(t, "analysis", entries[0].Metadata["service"])
	assert.Equal(t, "503 from analysis", entries[0].FailureReason)

	var ev events.StepFailed
	require.NoError(t, json.Unmarshal(entries[0].Payload, &ev))
	assert.Equal(t, "step-2", ev.StepID)
}

func TestRedeliveryIsTraced(t *testing.T) {
	tr := tracer.New(10, logger.NopLogger())
	repo := NewMemoryRepository()
	var traceID string
	q := NewQueue(repo, RedelivererFunc(func(ctx context.Context, e Entry) error {
		traceID, _ = tracer.SpanFromContext(ctx)
		return nil
	}), testConfig(), logger.NopLogger(), WithTracer(tr))
	ctx := context.Background()

	id, err := q.Enqueue(ctx, EnqueueRequest{EventType: "x"})
	require.NoError(t, err)
	_, err = q.Retry(ctx, id)
	require.NoError(t, err)

	spans, err := tr.GetTrace(traceID)
	require.NoError(t, err)
	require.Len(t, spans, 1)
	assert.Equal(t, "dlq", spans[0].ServiceName)
	assert.True(t, spans[0].Closed())
}

func TestRouterAndSubscriber(t *testing.T) {
	mem := broker.NewMemoryBroker(config.RetryConfig{MaxAttempts: 1}, logger.NopLogger())
	topics := config.TopicsConfig{
		StepFailed:    "saga.step.failed",
		RedrivePrefix: "redrive.",
		ByEventType:   map[string]string{"document.ingested": "ingestion.redrive"},
	}

	router := NewRouter(mem, topics)
	assert.Equal(t, "ingestion.redrive", router.Topic("document.ingested"))
	assert.Equal(t, "redrive.saga.step.failed", router.Topic("saga.step.failed"))

	q, _, _ := newTestQueue(router)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub := NewSubscriber(mem.Consumer(), q, topics.StepFailed, logger.NopLogger())
	go func() { _ = sub.Run(ctx) }()
	require.Eventually(t, func() bool { return mem.Subscribers(topics.StepFailed) == 1 }, time.Second, time.Millisecond)

	redriven := make(chan broker.Message, 1)
	go func() {
		_ = mem.Consumer().Consume(ctx, "redrive.saga.step.failed", func(ctx context.Context, msg broker.Message) error {
			redriven <- msg
			return nil
		})
	}()
	require.Eventually(t, func() bool { return mem.Subscribers("redrive.saga.step.failed") == 1 }, time.Second, time.Millisecond)

	pub := NewStepFailedPublisher(mem, topics.StepFailed)
	require.NoError(t, pub.StepFailed(ctx, events.StepFailed{SagaID: "saga-9", CorrelationID: "corr-9", Error: "boom"}))

	var entryID string
	require.Eventually(t, func() bool {
		entries, err := q.List(ctx, ListFilter{})
		if err != nil || len(entries) != 1 {
			return false
		}
		entryID = entries[0].ID
		return true
	}, time.Second, 5*time.Millisecond)

	out, err := q.Retry(ctx, entryID)
	require.NoError(t, err)
	assert.True(t, out.Success)

	select {
	case msg := <-redriven:
		assert.Equal(t, entryID, msg.Key)
		assert.Equal(t, "corr-9", msg.Headers["X-Correlation-ID"])
	case <-time.After(time.Second):
		t.Fatal("entry was not redriven")
	}
}

func TestRouter_UnboundTopicFailsRedelivery(t *testing.T) {
	mem := broker.NewMemoryBroker(config.RetryConfig{MaxAttempts: 1}, logger.NopLogger())
	router := NewRouter(mem, config.TopicsConfig{RedrivePrefix: "redrive."})
	q, _, _ := newTestQueue(router)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, EnqueueRequest{
		EventType: "document.ingested",
		Payload:   json.RawMessage(`{}`),
		Policy:    &Policy{Type: PolicyFixedDelay, BaseDelay: 0, MaxAttempts: 2},
	})
	require.NoError(t, err)

	err = router.Redeliver(ctx, Entry{ID: id, EventType: "document.ingested"})
	assert.ErrorIs(t, err, ErrNoRoute)

	for i := 1; i <= 2; i++ {
		res, err := q.Tick(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Claimed)
		assert.Zero(t, res.Succeeded)
	}

	e, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusExhausted, e.Status)
	assert.Equal(t, 2, e.Attempts)
	assert.Contains(t, e.FailureReason, "redrive.document.ingested")
}

func TestRun_StopsOnCancel(t *testing.T) {
	q, _, _ := newTestQueue(succeeding())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- q.Run(ctx) }()
	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
