package saga

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/internal/config"
	"conductor/internal/events"
	"conductor/internal/logger"
	"conductor/internal/tracer"
	apperrors "conductor/pkg/errors"
)

type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, name)
}

func (l *callLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

type recordingSink struct {
	mu     sync.Mutex
	events []events.StepFailed
}

func (s *recordingSink) StepFailed(_ context.Context, ev events.StepFailed) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

type recordingEmitter struct {
	mu    sync.Mutex
	types []string
}

func (e *recordingEmitter) Next(_ context.Context, req events.NextRequest) (events.Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.types = append(e.types, req.EventType)
	return events.Result{}, nil
}

func testSagaConfig() config.SagaConfig {
	fast := config.StepRetry{MaxAttempts: 2, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond, Multiplier: 2}
	return config.SagaConfig{StepTimeout: time.Second, RetryPolicy: fast, CompensationPolicy: fast}
}

type fixture struct {
	orch     *Orchestrator
	repo     *MemoryRepository
	registry *Registry
	log      *callLog
	sink     *recordingSink
	emitter  *recordingEmitter
	tracer   *tracer.Tracer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		repo:     NewMemoryRepository(),
		registry: NewRegistry(),
		log:      &callLog{},
		sink:     &recordingSink{},
		emitter:  &recordingEmitter{},
		tracer:   tracer.New(100, logger.NopLogger()),
	}
	f.orch = NewOrchestrator(f.repo, f.registry, testSagaConfig(), logger.NopLogger(),
		WithFailureSink(f.sink),
		WithEmitter(f.emitter),
		WithTracer(f.tracer),
	)
	return f
}

// register adds an action that records its name and returns err.
func (f *fixture) register(t *testing.T, service, name string, err error) {
	t.Helper()
	require.NoError(t, f.registry.Register(service, NewActionFunc(name, func(ctx context.Context, params map[string]interface{}) (map[string]interface{}, error) {
		f.log.add(name)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"done": name}, nil
	})))
}

func (f *fixture) registerABC(t *testing.T, failing ...string) {
	t.Helper()
	fails := make(map[string]bool)
	for _, name := range failing {
		fails[name] = true
	}
	for _, name := range []string{"A", "B", "C", "undo-A", "undo-B", "undo-C"} {
		var err error
		if fails[name] {
			err = fmt.Errorf("%s unavailable", name)
		}
		f.register(t, "svc", name, err)
	}
}

func abcRequest() CreateRequest {
	steps := make([]StepDefinition, 0, 3)
	for _, name := range []string{"A", "B", "C"} {
		steps = append(steps, StepDefinition{
			ID:           "step-" + name,
			Service:      "svc",
			Action:       name,
			ActionParams: map[string]interface{}{"step": name},
			Compensation: "undo-" + name,
		})
	}
	return CreateRequest{Name: "order", CorrelationID: "corr-1", Steps: steps}
}

func (f *fixture) run(t *testing.T, req CreateRequest) (*Instance, Status, error) {
	t.Helper()
	ctx := context.Background()
	id, err := f.orch.Create(ctx, req)
	require.NoError(t, err)

	status, execErr := f.orch.Execute(ctx, id)
	inst, err := f.orch.Get(ctx, id)
	require.NoError(t, err)
	return inst, status, execErr
}

func TestExecute_HappyPath(t *testing.T) {
	f := newFixture(t)
	f.registerABC(t)

	inst, status, err := f.run(t, abcRequest())
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, status)
	assert.Equal(t, StatusCompleted, inst.Status)
	assert.Equal(t, 3, inst.CurrentStepIndex)
	for _, s := range inst.Steps {
		assert.Equal(t, StepCompleted, s.Status, s.ID)
		assert.Equal(t, 1, s.Attempts)
		assert.NotNil(t, s.StartedAt)
		assert.NotNil(t, s.FinishedAt)
	}
	assert.Equal(t, "B", inst.Steps[1].Result["done"])
	assert.Equal(t, []string{"A", "B", "C"}, f.log.list())
	assert.Empty(t, f.sink.events)
	assert.Equal(t, []string{
		events.TypeSagaStarted,
		events.TypeSagaStepCompleted,
		events.TypeSagaStepCompleted,
		events.TypeSagaStepCompleted,
		events.TypeSagaCompleted,
	}, f.emitter.types)
}

func TestExecute_CompensatesInReverseOrder(t *testing.T) {
	f := newFixture(t)
	f.registerABC(t, "C")

	inst, status, err := f.run(t, abcRequest())
	require.NoError(t, err)

	assert.Equal(t, StatusCompensated, status)
	assert.Equal(t, []string{"A", "B", "C", "C", "undo-B", "undo-A"}, f.log.list())

	assert.Equal(t, StepCompensated, inst.Steps[0].Status)
	assert.Equal(t, StepCompensated, inst.Steps[1].Status)
	assert.Equal(t, StepFailed, inst.Steps[2].Status)
	assert.Equal(t, 2, inst.Steps[2].Attempts)
	assert.Contains(t, inst.Steps[2].Error, "C unavailable")
	assert.Contains(t, inst.FailureReason, "step-C")

	require.Len(t, f.sink.events, 1)
	ev := f.sink.events[0]
	assert.Equal(t, inst.ID, ev.SagaID)
	assert.Equal(t, "step-C", ev.StepID)
	assert.Equal(t, 2, ev.StepIndex)
	assert.Equal(t, 2, ev.Attempts)
	assert.Equal(t, "corr-1", ev.CorrelationID)
	assert.Equal(t, "C", ev.Params["step"])

	assert.Equal(t, events.TypeSagaCompensated, f.emitter.types[len(f.emitter.types)-1])
}

func TestExecute_FailedCompensationIsRecorded(t *testing.T) {
	f := newFixture(t)
	f.registerABC(t, "C", "undo-B")

	inst, status, err := f.run(t, abcRequest())
	require.Error(t, err)
	assert.True(t, IsSagaFailed(err))
	assert.Equal(t, StatusFailed, status)

	assert.Equal(t, []string{"A", "B", "C", "C", "undo-B", "undo-B", "undo-A"}, f.log.list(),
		"remaining compensations still run after one fails")
	assert.Equal(t, StepCompensated, inst.Steps[0].Status)
	assert.Equal(t, StepFailed, inst.Steps[1].Status)
	assert.Contains(t, inst.Steps[1].CompensationError, "undo-B unavailable")
	assert.Equal(t, 2, inst.Steps[1].CompensationAttempts)
	assert.Equal(t, events.TypeSagaFailed, f.emitter.types[len(f.emitter.types)-1])
}

func TestExecute_FirstStepFailureSkipsCompensation(t *testing.T) {
	f := newFixture(t)
	f.registerABC(t, "A")

	inst, status, err := f.run(t, abcRequest())
	assert.True(t, IsSagaFailed(err))
	assert.Equal(t, StatusFailed, status)
	assert.Equal(t, []string{"A", "A"}, f.log.list())
	assert.Equal(t, StepFailed, inst.Steps[0].Status)
	assert.Equal(t, StepPending, inst.Steps[1].Status)
	assert.Empty(t, inst.Steps[0].CompensationError)
	assert.Len(t, f.sink.events, 1)
}

func TestExecute_StepWithoutCompensation(t *testing.T) {
	f := newFixture(t)
	f.registerABC(t, "B")

	req := abcRequest()
	req.Steps[0].Compensation = ""
	inst, status, err := f.run(t, req)
	require.NoError(t, err)
	assert.Equal(t, StatusCompensated, status)
	assert.Equal(t, StepCompensated, inst.Steps[0].Status)
	assert.Equal(t, []string{"A", "B", "B"}, f.log.list())
}

func TestExecute_PerSagaCompensationPolicy(t *testing.T) {
	f := newFixture(t)
	f.registerABC(t, "C", "undo-A")

	req := abcRequest()
	req.CompensationPolicy = &RetryPolicy{MaxAttempts: 4, InitialInterval: time.Millisecond}
	inst, _, err := f.run(t, req)
	assert.True(t, IsSagaFailed(err))
	assert.Equal(t, 4, inst.Steps[0].CompensationAttempts)
	assert.Equal(t, 4, inst.CompensationPolicy.MaxAttempts)
	assert.Equal(t, 2, inst.RetryPolicy.MaxAttempts)
}

func TestExecute_PanicIsNotRetried(t *testing.T) {
	f := newFixture(t)
	f.registerABC(t)
	require.NoError(t, f.registry.Register("svc", NewActionFunc("explode", func(ctx context.Context, params map[string]interface{}) (map[string]interface{}, error) {
		f.log.add("explode")
		panic("boom")
	})))

	req := abcRequest()
	req.Steps[1].Action = "explode"
	inst, status, err := f.run(t, req)
	require.NoError(t, err)
	assert.Equal(t, StatusCompensated, status)
	assert.Equal(t, []string{"A", "explode", "undo-A"}, f.log.list())
	assert.Equal(t, 1, inst.Steps[1].Attempts)
}

func TestExecute_StepTimeout(t *testing.T) {
	f := newFixture(t)
	f.orch.stepTimeout = 10 * time.Millisecond
	f.registerABC(t)
	require.NoError(t, f.registry.Register("svc", NewActionFunc("slow", func(ctx context.Context, params map[string]interface{}) (map[string]interface{}, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})))

	req := abcRequest()
	req.Steps[0].Action = "slow"
	inst, status, err := f.run(t, req)
	assert.True(t, IsSagaFailed(err))
	assert.Equal(t, StatusFailed, status)
	assert.Contains(t, inst.Steps[0].Error, context.DeadlineExceeded.Error())
}

func TestCancel_BeforeExecute(t *testing.T) {
	f := newFixture(t)
	f.registerABC(t)
	ctx := context.Background()

	id, err := f.orch.Create(ctx, abcRequest())
	require.NoError(t, err)
	cancelled, err := f.orch.Cancel(ctx, id)
	require.NoError(t, err)
	assert.True(t, cancelled.CancelRequested)

	status, err := f.orch.Execute(ctx, id)
	assert.True(t, IsSagaFailed(err))
	assert.Equal(t, StatusFailed, status)
	assert.Empty(t, f.log.list())
	assert.Empty(t, f.sink.events, "cancellation is not a step failure")

	_, err = f.orch.Cancel(ctx, id)
	assert.True(t, apperrors.IsConflict(err))
	_, err = f.orch.Cancel(ctx, "missing")
	assert.True(t, apperrors.IsNotFound(err))
}

func TestCancel_DuringStepWaitsThenCompensates(t *testing.T) {
	f := newFixture(t)
	f.registerABC(t)
	ctx := context.Background()

	var sagaID string
	require.NoError(t, f.registry.Register("svc", NewActionFunc("cancel-me", func(ctx context.Context, params map[string]interface{}) (map[string]interface{}, error) {
		f.log.add("cancel-me")
		_, err := f.orch.Cancel(ctx, sagaID)
		return nil, err
	})))

	req := abcRequest()
	req.Steps[0].Action = "cancel-me"
	id, err := f.orch.Create(ctx, req)
	require.NoError(t, err)
	sagaID = id

	status, err := f.orch.Execute(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusCompensated, status)
	assert.Equal(t, []string{"cancel-me", "undo-A"}, f.log.list())

	inst, err := f.orch.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, errCancelled.Error(), inst.FailureReason)
	assert.Equal(t, StepPending, inst.Steps[1].Status)
}

func TestCancel_DuringLastStepCompensatesAll(t *testing.T) {
	f := newFixture(t)
	f.registerABC(t)
	ctx := context.Background()

	var sagaID string
	require.NoError(t, f.registry.Register("svc", NewActionFunc("cancel-last", func(ctx context.Context, params map[string]interface{}) (map[string]interface{}, error) {
		f.log.add("cancel-last")
		_, err := f.orch.Cancel(ctx, sagaID)
		return nil, err
	})))

	req := abcRequest()
	req.Steps[2].Action = "cancel-last"
	id, err := f.orch.Create(ctx, req)
	require.NoError(t, err)
	sagaID = id

	status, err := f.orch.Execute(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusCompensated, status)
	assert.Equal(t, []string{"A", "B", "cancel-last", "undo-C", "undo-B", "undo-A"}, f.log.list())

	inst, err := f.orch.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, inst.CancelRequested)
	assert.Equal(t, errCancelled.Error(), inst.FailureReason)
	for _, step := range inst.Steps {
		assert.Equal(t, StepCompensated, step.Status)
	}
}

func TestExecute_InFlightGuard(t *testing.T) {
	f := newFixture(t)
	f.registerABC(t)
	ctx := context.Background()

	entered := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, f.registry.Register("svc", NewActionFunc("block", func(ctx context.Context, params map[string]interface{}) (map[string]interface{}, error) {
		close(entered)
		<-release
		return nil, nil
	})))

	req := abcRequest()
	req.Steps[0].Action = "block"
	id, err := f.orch.Create(ctx, req)
	require.NoError(t, err)

	done := make(chan Status, 1)
	go func() {
		status, _ := f.orch.Execute(ctx, id)
		done <- status
	}()
	<-entered

	_, err = f.orch.Execute(ctx, id)
	assert.True(t, apperrors.IsConflict(err))
	assert.True(t, apperrors.IsConflict(f.orch.Start(ctx, id)))

	stats, err := f.orch.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Running)

	close(release)
	assert.Equal(t, StatusCompleted, <-done)

	_, err = f.orch.Execute(ctx, id)
	assert.True(t, apperrors.IsConflict(err), "terminal sagas are not re-executed")
}

func TestExecute_ResumesFromPersistedState(t *testing.T) {
	f := newFixture(t)
	f.registerABC(t)
	ctx := context.Background()

	id, err := f.orch.Create(ctx, abcRequest())
	require.NoError(t, err)

	// simulate a crash after the first step completed
	inst, err := f.repo.Get(ctx, id)
	require.NoError(t, err)
	inst.Steps[0].Status = StepCompleted
	inst.CurrentStepIndex = 1
	require.NoError(t, f.repo.Update(ctx, inst))

	status, err := f.orch.Execute(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, status)
	assert.Equal(t, []string{"B", "C"}, f.log.list())
}

func TestStartAndShutdown(t *testing.T) {
	f := newFixture(t)
	f.registerABC(t, "B")
	ctx, cancel := context.WithCancel(context.Background())

	id, err := f.orch.Create(ctx, abcRequest())
	require.NoError(t, err)
	require.NoError(t, f.orch.Start(ctx, id))
	cancel()

	shutdownCtx, stop := context.WithTimeout(context.Background(), 2*time.Second)
	defer stop()
	require.NoError(t, f.orch.Shutdown(shutdownCtx))

	inst, err := f.orch.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StatusCompensated, inst.Status, "request cancellation does not abort background execution")

	assert.True(t, apperrors.IsConflict(f.orch.Start(context.Background(), id)))
	assert.True(t, apperrors.IsNotFound(f.orch.Start(context.Background(), "missing")))
}

func TestCreate_Validation(t *testing.T) {
	f := newFixture(t)
	f.registerABC(t)
	ctx := context.Background()

	_, err := f.orch.Create(ctx, CreateRequest{Steps: abcRequest().Steps})
	assert.True(t, apperrors.IsValidation(err), "correlation id required")

	_, err = f.orch.Create(ctx, CreateRequest{CorrelationID: "c"})
	assert.True(t, apperrors.IsValidation(err), "steps required")

	req := abcRequest()
	req.Steps[1].Action = "unknown"
	_, err = f.orch.Create(ctx, req)
	assert.True(t, apperrors.IsValidation(err))

	req = abcRequest()
	req.Steps[2].Compensation = "unknown"
	_, err = f.orch.Create(ctx, req)
	assert.True(t, apperrors.IsValidation(err))

	req = abcRequest()
	req.Steps[1].ID = req.Steps[0].ID
	_, err = f.orch.Create(ctx, req)
	assert.True(t, apperrors.IsValidation(err))

	req = abcRequest()
	req.RetryPolicy = &RetryPolicy{InitialInterval: time.Minute, MaxInterval: time.Second}
	_, err = f.orch.Create(ctx, req)
	assert.True(t, apperrors.IsValidation(err))
}

func TestExecute_Traced(t *testing.T) {
	f := newFixture(t)
	f.registerABC(t, "C")

	inst, _, err := f.run(t, abcRequest())
	require.NoError(t, err)
	require.NotEmpty(t, inst.TraceID)

	spans, err := f.tracer.GetTrace(inst.TraceID)
	require.NoError(t, err)
	ops := make(map[string]int)
	for _, s := range spans {
		assert.True(t, s.Closed(), s.OperationName)
		ops[s.OperationName]++
	}
	assert.Equal(t, 1, ops["saga.execute"])
	assert.Equal(t, 1, ops["forward.A"])
	assert.Equal(t, 1, ops["forward.C"])
	assert.Equal(t, 1, ops["compensate.undo-B"])

	summary, err := f.tracer.GetTraceSummary(inst.TraceID)
	require.NoError(t, err)
	assert.Equal(t, 1.0, summary.Completeness)
}

func TestListAndStats(t *testing.T) {
	f := newFixture(t)
	f.registerABC(t)
	ctx := context.Background()

	first, err := f.orch.Create(ctx, abcRequest())
	require.NoError(t, err)
	_, err = f.orch.Create(ctx, abcRequest())
	require.NoError(t, err)
	_, err = f.orch.Execute(ctx, first)
	require.NoError(t, err)

	running, err := f.orch.List(ctx, ListFilter{Status: StatusRunning})
	require.NoError(t, err)
	assert.Len(t, running, 1)

	all, err := f.orch.List(ctx, ListFilter{CorrelationID: "corr-1"})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	_, err = f.orch.List(ctx, ListFilter{Status: "paused"})
	assert.True(t, apperrors.IsValidation(err))

	stats, err := f.orch.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.ByStatus[string(StatusCompleted)])
	assert.Equal(t, 1, stats.ByStatus[string(StatusRunning)])
	assert.Zero(t, stats.ByStatus[string(StatusFailed)])
}

type failingRepo struct {
	*MemoryRepository
}

func (r failingRepo) Update(ctx context.Context, inst *Instance) error {
	return errors.New("connection refused")
}

func TestExecute_StoreFailureSurfacesAsUnavailable(t *testing.T) {
	repo := failingRepo{NewMemoryRepository()}
	registry := NewRegistry()
	require.NoError(t, registry.Register("svc", NewActionFunc("A", func(ctx context.Context, params map[string]interface{}) (map[string]interface{}, error) {
		return nil, nil
	})))
	orch := NewOrchestrator(repo, registry, testSagaConfig(), logger.NopLogger())
	ctx := context.Background()

	id, err := orch.Create(ctx, CreateRequest{CorrelationID: "c", Steps: []StepDefinition{{Service: "svc", Action: "A"}}})
	require.NoError(t, err)

	_, err = orch.Execute(ctx, id)
	assert.True(t, apperrors.IsServiceUnavailable(err))
	assert.False(t, IsSagaFailed(err))
}
