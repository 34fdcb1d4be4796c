package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"conductor/internal/config"
	"conductor/internal/constants"
	"conductor/internal/events"
	"conductor/internal/logger"
	"conductor/internal/tracer"
	apperrors "conductor/pkg/errors"
	"conductor/pkg/logging"
	"conductor/pkg/metrics"
	"conductor/pkg/retry"
)

const (
	phaseForward    = "forward"
	phaseCompensate = "compensate"

	serviceName = "saga-orchestrator"
)

// ErrSagaFailed is returned by Execute when an instance ends failed.
var ErrSagaFailed = apperrors.NewError("SAGA_FAILED", "saga failed", http.StatusUnprocessableEntity).AsFatal()

// IsSagaFailed reports whether err is ErrSagaFailed or derived from it.
func IsSagaFailed(err error) bool {
	var appErr *apperrors.Error
	return errors.As(err, &appErr) && appErr.Code == ErrSagaFailed.Code
}

var errCancelled = errors.New("saga cancelled")

// FailureSink receives one event per step whose forward action failed for good.
type FailureSink interface {
	StepFailed(ctx context.Context, ev events.StepFailed) error
}

// Emitter sequences saga lifecycle events. *events.Orderer satisfies it.
type Emitter interface {
	Next(ctx context.Context, req events.NextRequest) (events.Result, error)
}

type Orchestrator struct {
	repo     Repository
	registry *Registry
	tracer   *tracer.Tracer
	emitter  Emitter
	failures FailureSink
	logger   logger.Logger
	now      func() time.Time

	stepTimeout        time.Duration
	retryPolicy        RetryPolicy
	compensationPolicy RetryPolicy

	mu       sync.Mutex
	inflight map[string]struct{}
	wg       sync.WaitGroup
}

type Option func(*Orchestrator)

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

func WithTracer(t *tracer.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = t }
}

func WithEmitter(e Emitter) Option {
	return func(o *Orchestrator) { o.emitter = e }
}

func WithFailureSink(s FailureSink) Option {
	return func(o *Orchestrator) { o.failures = s }
}

func NewOrchestrator(repo Repository, registry *Registry, cfg config.SagaConfig, log logger.Logger, opts ...Option) *Orchestrator {
	defaults := RetryPolicy{MaxAttempts: 3, InitialInterval: 200 * time.Millisecond, MaxInterval: 5 * time.Second, Multiplier: 2}

	o := &Orchestrator{
		repo:               repo,
		registry:           registry,
		logger:             log,
		now:                time.Now,
		stepTimeout:        cfg.StepTimeout,
		retryPolicy:        RetryPolicyFromConfig(cfg.RetryPolicy).withDefaults(defaults),
		compensationPolicy: RetryPolicyFromConfig(cfg.CompensationPolicy).withDefaults(defaults),
		inflight:           make(map[string]struct{}),
	}
	if o.stepTimeout <= 0 {
		o.stepTimeout = constants.DefaultHTTPTimeout
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Orchestrator) mapError(err error, id string) error {
	switch {
	case errors.Is(err, ErrSagaNotFound):
		return apperrors.ErrNotFound.WithDetail("message", fmt.Sprintf("saga %s not found", id))
	case errors.Is(err, ErrVersionConflict):
		return apperrors.ErrConflict.WithDetail("message", fmt.Sprintf("saga %s was modified concurrently", id))
	case errors.Is(err, ErrNotCancellable):
		return apperrors.ErrConflict.WithDetail("message", fmt.Sprintf("saga %s is not running", id))
	default:
		return apperrors.Unavailable("saga-store", err)
	}
}

// Create validates the definition against the registry and stores a running instance.
func (o *Orchestrator) Create(ctx context.Context, req CreateRequest) (string, error) {
	if err := req.validate(); err != nil {
		return "", apperrors.ErrValidation.WithDetail("message", err.Error())
	}

	now := o.now()
	inst := &Instance{
		ID:                 uuid.NewString(),
		Name:               req.Name,
		CorrelationID:      req.CorrelationID,
		Status:             StatusRunning,
		RetryPolicy:        o.retryPolicy,
		CompensationPolicy: o.compensationPolicy,
		Version:            1,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if req.RetryPolicy != nil {
		inst.RetryPolicy = req.RetryPolicy.withDefaults(o.retryPolicy)
	}
	if req.CompensationPolicy != nil {
		inst.CompensationPolicy = req.CompensationPolicy.withDefaults(o.compensationPolicy)
	}
	if traceID, _ := tracer.SpanFromContext(ctx); traceID != "" {
		inst.TraceID = traceID
	}

	for i, def := range req.Steps {
		if _, ok := o.registry.Lookup(def.Service, def.Action); !ok {
			return "", apperrors.ErrValidation.WithDetail("message",
				fmt.Sprintf("steps[%d]: action %s is not registered", i, actionKey(def.Service, def.Action)))
		}
		if def.Compensation != "" {
			if _, ok := o.registry.Lookup(def.Service, def.Compensation); !ok {
				return "", apperrors.ErrValidation.WithDetail("message",
					fmt.Sprintf("steps[%d]: compensation %s is not registered", i, actionKey(def.Service, def.Compensation)))
			}
		}
		id := def.ID
		if id == "" {
			id = fmt.Sprintf("step-%d", i+1)
		}
		inst.Steps = append(inst.Steps, Step{
			ID:                 id,
			Service:            def.Service,
			Action:             def.Action,
			ActionParams:       def.ActionParams,
			Compensation:       def.Compensation,
			CompensationParams: def.CompensationParams,
			Status:             StepPending,
		})
	}

	if err := o.repo.Insert(ctx, inst); err != nil {
		return "", apperrors.Unavailable("saga-store", err)
	}

	o.logger.InfowCtx(logging.WithSagaID(ctx, inst.ID), "Saga created",
		"name", inst.Name,
		"correlation_id", inst.CorrelationID,
		"steps", len(inst.Steps),
	)
	o.emit(ctx, inst, events.TypeSagaStarted, map[string]interface{}{
		"saga_id": inst.ID,
		"name":    inst.Name,
		"steps":   len(inst.Steps),
	})
	return inst.ID, nil
}

func (o *Orchestrator) acquire(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, ok := o.inflight[id]; ok {
		return false
	}
	o.inflight[id] = struct{}{}
	metrics.SagasRunning.Inc()
	return true
}

func (o *Orchestrator) release(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	delete(o.inflight, id)
	metrics.SagasRunning.Dec()
}

// Execute drives the instance to a terminal status. An instance interrupted mid-way
// resumes from its persisted step index. A failed instance returns ErrSagaFailed.
func (o *Orchestrator) Execute(ctx context.Context, id string) (Status, error) {
	if !o.acquire(id) {
		return "", apperrors.ErrConflict.WithDetail("message", fmt.Sprintf("saga %s is already executing", id))
	}
	defer o.release(id)

	return o.execute(ctx, id)
}

// Start executes the instance in the background. Shutdown waits for it.
func (o *Orchestrator) Start(ctx context.Context, id string) error {
	inst, err := o.repo.Get(ctx, id)
	if err != nil {
		return o.mapError(err, id)
	}
	if inst.Status.Terminal() {
		return apperrors.ErrConflict.WithDetail("message", fmt.Sprintf("saga %s already finished as %s", id, inst.Status))
	}
	if !o.acquire(id) {
		return apperrors.ErrConflict.WithDetail("message", fmt.Sprintf("saga %s is already executing", id))
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer o.release(id)

		runCtx := context.WithoutCancel(ctx)
		if _, err := o.execute(runCtx, id); err != nil && !IsSagaFailed(err) {
			o.logger.ErrorwCtx(logging.WithSagaID(runCtx, id), "Background saga execution failed", "error", err)
		}
	}()
	return nil
}

// Shutdown waits for background executions until ctx is done.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("sagas still executing at shutdown: %w", ctx.Err())
	}
}

func (o *Orchestrator) execute(ctx context.Context, id string) (Status, error) {
	inst, err := o.repo.Get(ctx, id)
	if err != nil {
		return "", o.mapError(err, id)
	}
	if inst.Status.Terminal() {
		return inst.Status, apperrors.ErrConflict.WithDetail("message", fmt.Sprintf("saga %s already finished as %s", id, inst.Status))
	}

	ctx = logging.WithSagaID(ctx, inst.ID)
	ctx = logging.WithCorrelationID(ctx, inst.CorrelationID)

	var runErr error
	if o.tracer != nil {
		spanCtx, span, spanErr := o.tracer.StartSpan(ctx, tracer.StartOptions{
			TraceID:       inst.TraceID,
			ServiceName:   serviceName,
			OperationName: "saga.execute",
			Tags:          map[string]string{"saga_id": inst.ID, "saga_name": inst.Name},
		})
		if spanErr == nil {
			ctx = spanCtx
			inst.TraceID = span.TraceID
			defer func() {
				if runErr != nil {
					_ = o.tracer.SetError(span.SpanID, runErr)
				}
				_ = o.tracer.AddTag(span.SpanID, "status", string(inst.Status))
				_, _ = o.tracer.EndSpan(span.SpanID)
			}()
		} else {
			o.logger.WarnwCtx(ctx, "Failed to start saga span", "error", spanErr)
		}
	}

	runErr = o.run(ctx, inst)
	if runErr != nil {
		return inst.Status, runErr
	}

	metrics.SagasTotal.WithLabelValues(string(inst.Status)).Inc()
	if inst.Status == StatusFailed {
		runErr = ErrSagaFailed.WithDetail("message", fmt.Sprintf("saga %s failed: %s", inst.ID, inst.FailureReason))
		return inst.Status, runErr
	}
	return inst.Status, nil
}

func (o *Orchestrator) run(ctx context.Context, inst *Instance) error {
	if inst.Status == StatusRunning {
		failure, err := o.forward(ctx, inst)
		if err != nil {
			return err
		}
		if failure == nil {
			// A cancel accepted while the last step ran still compensates.
			cancelled, err := o.cancelRequested(ctx, inst)
			if err != nil {
				return err
			}
			if cancelled {
				o.logger.InfowCtx(ctx, "Saga cancelled during final step")
				failure = errCancelled
			}
		}
		if failure == nil {
			inst.Status = StatusCompleted
			if err := o.save(ctx, inst); err != nil {
				return err
			}
			o.logger.InfowCtx(ctx, "Saga completed", "steps", len(inst.Steps))
			o.emit(ctx, inst, events.TypeSagaCompleted, map[string]interface{}{"saga_id": inst.ID})
			return nil
		}

		inst.FailureReason = failure.Error()
		if !inst.hasCompletedSteps() {
			inst.Status = StatusFailed
			if err := o.save(ctx, inst); err != nil {
				return err
			}
			o.logger.WarnwCtx(ctx, "Saga failed with nothing to compensate", "reason", inst.FailureReason)
			o.emit(ctx, inst, events.TypeSagaFailed, map[string]interface{}{"saga_id": inst.ID, "reason": inst.FailureReason})
			return nil
		}

		inst.Status = StatusCompensating
		if err := o.save(ctx, inst); err != nil {
			return err
		}
		o.logger.WarnwCtx(ctx, "Saga compensating", "reason", inst.FailureReason)
	}

	if inst.Status == StatusCompensating {
		if err := o.compensate(ctx, inst); err != nil {
			return err
		}
		if inst.hasCompensationFailures() {
			inst.Status = StatusFailed
		} else {
			inst.Status = StatusCompensated
		}
		if err := o.save(ctx, inst); err != nil {
			return err
		}

		eventType := events.TypeSagaCompensated
		if inst.Status == StatusFailed {
			eventType = events.TypeSagaFailed
			o.logger.ErrorwCtx(ctx, "Saga compensation failed", "reason", inst.FailureReason)
		} else {
			o.logger.InfowCtx(ctx, "Saga compensated", "reason", inst.FailureReason)
		}
		o.emit(ctx, inst, eventType, map[string]interface{}{"saga_id": inst.ID, "reason": inst.FailureReason})
	}
	return nil
}

// forward runs steps in order from the current index. It returns the failure that
// stopped the saga, or a store error.
func (o *Orchestrator) forward(ctx context.Context, inst *Instance) (failure error, err error) {
	for inst.CurrentStepIndex < len(inst.Steps) {
		step := &inst.Steps[inst.CurrentStepIndex]
		if step.Status == StepCompleted {
			inst.CurrentStepIndex++
			continue
		}

		cancelled, err := o.cancelRequested(ctx, inst)
		if err != nil {
			return nil, err
		}
		if cancelled {
			o.logger.InfowCtx(ctx, "Saga cancelled before step", "step_id", step.ID)
			return errCancelled, nil
		}

		started := o.now()
		step.StartedAt = &started
		result, attempts, invokeErr := o.invoke(ctx, inst, step, phaseForward)
		finished := o.now()
		step.FinishedAt = &finished
		step.Attempts += attempts

		if invokeErr != nil {
			step.Status = StepFailed
			step.Error = invokeErr.Error()
			if err := o.save(ctx, inst); err != nil {
				return nil, err
			}
			o.stepFailed(ctx, inst, step, attempts)
			return fmt.Errorf("step %s failed: %w", step.ID, invokeErr), nil
		}

		step.Status = StepCompleted
		step.Result = result
		step.Error = ""
		inst.CurrentStepIndex++
		if err := o.save(ctx, inst); err != nil {
			return nil, err
		}
		o.emit(ctx, inst, events.TypeSagaStepCompleted, map[string]interface{}{
			"saga_id":  inst.ID,
			"step_id":  step.ID,
			"service":  step.Service,
			"action":   step.Action,
			"attempts": step.Attempts,
			"result":   step.Result,
		})
	}
	return nil, nil
}

// compensate undoes completed steps in reverse order. A failed compensation is recorded
// on its step and the rest still run.
func (o *Orchestrator) compensate(ctx context.Context, inst *Instance) error {
	for i := len(inst.Steps) - 1; i >= 0; i-- {
		step := &inst.Steps[i]
		if step.Status != StepCompleted {
			continue
		}

		if step.Compensation == "" {
			step.Status = StepCompensated
		} else {
			_, attempts, err := o.invoke(ctx, inst, step, phaseCompensate)
			step.CompensationAttempts += attempts
			if err != nil {
				step.Status = StepFailed
				step.CompensationError = err.Error()
				o.logger.ErrorwCtx(ctx, "Compensation failed",
					"step_id", step.ID,
					"service", step.Service,
					"compensation", step.Compensation,
					"attempts", step.CompensationAttempts,
					"error", err,
				)
			} else {
				step.Status = StepCompensated
			}
		}
		finished := o.now()
		step.FinishedAt = &finished

		if err := o.save(ctx, inst); err != nil {
			return err
		}
	}
	return nil
}

// invoke runs one action with bounded local retry and a timeout per attempt.
func (o *Orchestrator) invoke(ctx context.Context, inst *Instance, step *Step, phase string) (map[string]interface{}, int, error) {
	name, params, policy := step.Action, step.ActionParams, inst.RetryPolicy
	if phase == phaseCompensate {
		name, params, policy = step.Compensation, step.CompensationParams, inst.CompensationPolicy
	}

	action, ok := o.registry.Lookup(step.Service, name)
	if !ok {
		return nil, 0, fmt.Errorf("action %s is not registered", actionKey(step.Service, name))
	}

	var (
		result   map[string]interface{}
		attempts int
	)
	start := time.Now()
	err := o.tracer.Trace(ctx, step.Service, phase+"."+name, func(ctx context.Context) error {
		return retry.Do(ctx, policy.toRetry(), func(ctx context.Context, attempt int) error {
			attempts = attempt
			attemptCtx, cancel := context.WithTimeout(ctx, o.stepTimeout)
			defer cancel()

			res, err := safeInvoke(attemptCtx, action, params)
			outcome := "success"
			if err != nil {
				outcome = "failure"
			}
			metrics.SagaStepAttemptsTotal.WithLabelValues(step.Service, phase, outcome).Inc()
			if err != nil {
				return err
			}
			result = res
			return nil
		}, func(attempt int, err error, next time.Duration) {
			o.logger.WarnwCtx(ctx, "Saga step attempt failed, retrying",
				"step_id", step.ID,
				"phase", phase,
				"action", name,
				"attempt", attempt,
				"next_delay", next,
				"error", err,
			)
		})
	})

	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	metrics.ObserveSagaStep(step.Service, name, phase, outcome, time.Since(start))
	return result, attempts, err
}

func safeInvoke(ctx context.Context, action Action, params map[string]interface{}) (result map[string]interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = apperrors.RecoverPanic(r)
		}
	}()
	return action.Invoke(ctx, params)
}

func (o *Orchestrator) cancelRequested(ctx context.Context, inst *Instance) (bool, error) {
	if inst.CancelRequested {
		return true, nil
	}
	current, err := o.repo.Get(ctx, inst.ID)
	if err != nil {
		return false, o.mapError(err, inst.ID)
	}
	if current.Version != inst.Version {
		return false, apperrors.ErrConflict.WithDetail("message", fmt.Sprintf("saga %s was modified concurrently", inst.ID))
	}
	inst.CancelRequested = current.CancelRequested
	return inst.CancelRequested, nil
}

func (o *Orchestrator) save(ctx context.Context, inst *Instance) error {
	inst.UpdatedAt = o.now()
	if err := o.repo.Update(ctx, inst); err != nil {
		return o.mapError(err, inst.ID)
	}
	return nil
}

func (o *Orchestrator) stepFailed(ctx context.Context, inst *Instance, step *Step, attempts int) {
	if o.failures == nil {
		return
	}
	ev := events.StepFailed{
		SagaID:        inst.ID,
		SagaName:      inst.Name,
		CorrelationID: inst.CorrelationID,
		StepID:        step.ID,
		StepIndex:     inst.CurrentStepIndex,
		Service:       step.Service,
		Action:        step.Action,
		Params:        step.ActionParams,
		Attempts:      attempts,
		Error:         step.Error,
		TraceID:       inst.TraceID,
		FailedAt:      o.now(),
	}
	if err := o.failures.StepFailed(ctx, ev); err != nil {
		o.logger.ErrorwCtx(ctx, "Failed to report step failure to the dead letter queue",
			"step_id", step.ID,
			"error", err,
		)
	}
}

func (o *Orchestrator) emit(ctx context.Context, inst *Instance, eventType string, payload map[string]interface{}) {
	if o.emitter == nil {
		return
	}
	body, err := json.Marshal(payload)
	if err != nil {
		o.logger.WarnwCtx(ctx, "Failed to encode saga event", "event_type", eventType, "error", err)
		return
	}
	_, err = o.emitter.Next(ctx, events.NextRequest{
		SourceID:      "saga:" + inst.ID,
		EventType:     eventType,
		Payload:       body,
		CorrelationID: inst.CorrelationID,
		TraceID:       inst.TraceID,
		Metadata:      map[string]string{"saga_id": inst.ID},
	})
	if err != nil {
		o.logger.WarnwCtx(ctx, "Failed to emit saga event", "event_type", eventType, "error", err)
	}
}

func (o *Orchestrator) Get(ctx context.Context, id string) (*Instance, error) {
	inst, err := o.repo.Get(ctx, id)
	if err != nil {
		return nil, o.mapError(err, id)
	}
	return inst, nil
}

func (o *Orchestrator) List(ctx context.Context, f ListFilter) ([]Instance, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, apperrors.ErrValidation.WithDetail("message", fmt.Sprintf("unknown status %q", f.Status))
	}
	if f.Limit <= 0 {
		f.Limit = constants.DefaultLimit
	}
	if f.Limit > constants.MaxLimit {
		f.Limit = constants.MaxLimit
	}

	out, err := o.repo.List(ctx, f)
	if err != nil {
		return nil, apperrors.Unavailable("saga-store", err)
	}
	return out, nil
}

// Cancel records a cancel request. It takes effect before the next step starts.
func (o *Orchestrator) Cancel(ctx context.Context, id string) (*Instance, error) {
	inst, err := o.repo.RequestCancel(ctx, id, o.now())
	if err != nil {
		return nil, o.mapError(err, id)
	}
	o.logger.InfowCtx(logging.WithSagaID(ctx, id), "Saga cancel requested")
	return inst, nil
}

func (o *Orchestrator) Stats(ctx context.Context) (Stats, error) {
	counts, err := o.repo.CountByStatus(ctx)
	if err != nil {
		return Stats{}, apperrors.Unavailable("saga-store", err)
	}

	stats := Stats{ByStatus: make(map[string]int, len(counts))}
	for _, s := range []Status{StatusRunning, StatusCompleted, StatusCompensating, StatusCompensated, StatusFailed} {
		stats.ByStatus[string(s)] = counts[string(s)]
	}
	for _, n := range counts {
		stats.Total += n
	}

	o.mu.Lock()
	stats.Running = len(o.inflight)
	o.mu.Unlock()
	return stats, nil
}
