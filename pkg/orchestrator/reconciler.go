package orchestrator

import (
	"context"
	"errors"
	"math"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/vespo92/boonerd/pkg/telemetry"
)

// NotificationSink receives best-effort task lifecycle events. Failures must
// never propagate into task state; implementations log and swallow.
type NotificationSink interface {
	Notify(ctx context.Context, eventType string, payload map[string]any)
}

// Event types emitted to the notification sink.
const (
	EventTaskCompleted = "task.completed"
	EventTaskFailed    = "task.failed"
)

// RetryPolicy bounds the reconciler's retry behavior for transient driver
// failures.
type RetryPolicy struct {
	// MaxAttempts is the total number of driver invocations allowed per task.
	MaxAttempts int

	// BaseDelay is the backoff base; the delay before attempt n+1 is
	// BaseDelay * 2^(n-1), capped at MaxDelay.
	BaseDelay time.Duration

	// MaxDelay caps the exponential backoff.
	MaxDelay time.Duration

	// CallTimeout bounds each individual driver call. Exceeding it surfaces
	// as a transient error subject to the same retry policy.
	CallTimeout time.Duration
}

// DefaultRetryPolicy returns the stock policy: 3 attempts, 1s base backoff
// capped at 30s, 60s per driver call.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		CallTimeout: 60 * time.Second,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = d.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.CallTimeout <= 0 {
		p.CallTimeout = d.CallTimeout
	}
	return p
}

// Reconciler drives a single task from queued through driver invocation to a
// terminal state. Exactly one reconciler wins a task's queued -> running
// edge; losers abort silently.
type Reconciler struct {
	store   TaskStore
	drivers *DriverRegistry
	sink    NotificationSink
	policy  RetryPolicy
	logger  *telemetry.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer

	// sleep is replaced in tests to avoid real backoff waits.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewReconciler creates a reconciler. sink, metrics, and tracer may be nil.
func NewReconciler(store TaskStore, drivers *DriverRegistry, sink NotificationSink, policy RetryPolicy, logger *telemetry.Logger, metrics *telemetry.Metrics, tracer *telemetry.Tracer) *Reconciler {
	return &Reconciler{
		store:   store,
		drivers: drivers,
		sink:    sink,
		policy:  policy.withDefaults(),
		logger:  logger,
		metrics: metrics,
		tracer:  tracer,
		sleep:   sleepCtx,
	}
}

// Reconcile processes one task to a terminal state. A lost queued -> running
// race returns nil: the task is already owned by another reconciler. Driver
// errors never escape as returned errors; they are written into the task's
// error field.
func (r *Reconciler) Reconcile(ctx context.Context, taskID string) error {
	task, err := r.store.Transition(ctx, taskID, TaskStateQueued, TaskStateRunning, nil)
	if err != nil {
		if IsConflict(err) {
			// Expected under concurrency: another reconciler (or a
			// cancellation) got there first.
			return nil
		}
		return err
	}

	log := r.log().WithTaskID(task.ID).WithField("resource", task.Request.ResourceName)
	started := time.Now()

	if r.tracer != nil {
		var span trace.Span
		ctx, span = r.tracer.StartTaskSpan(ctx, task.ID, string(task.Request.ResourceKind), string(task.Operation))
		defer span.End()
	}

	result, applyErr := r.execute(ctx, &task, log)

	if applyErr != nil {
		r.finishFailed(ctx, task, Classify(applyErr), started, log)
		return nil
	}
	r.finishCompleted(ctx, task, result, started, log)
	return nil
}

// execute runs the driver with retry on transient failures. It returns the
// final descriptor or the last error once retries are exhausted.
func (r *Reconciler) execute(ctx context.Context, task *Task, log *telemetry.Logger) (*ResourceDescriptor, error) {
	driver, err := r.drivers.Get(task.Request.ResourceKind)
	if err != nil {
		return nil, NewPermanentError("no driver for kind", err).
			WithResource(task.Request.ResourceName).WithOperation(string(task.Operation))
	}

	var spec ValidatedSpec
	if task.Operation == OperationApply {
		spec, err = driver.Validate(task.Request.Parameters)
		if err != nil {
			// The dispatcher validated at admission, so this is a stale or
			// corrupted record rather than caller error.
			return nil, NewPermanentError("spec no longer validates", err).
				WithResource(task.Request.ResourceName)
		}
	}

	var lastErr error
	for attempt := 1; attempt <= r.policy.MaxAttempts; attempt++ {
		if _, err := r.store.Transition(ctx, task.ID, TaskStateRunning, TaskStateRunning, func(t *Task) {
			t.Attempt = attempt
		}); err != nil {
			// Cancellation won the race; stop driving.
			return nil, err
		}

		desc, callErr := r.invokeDriver(ctx, driver, task, spec)
		if callErr == nil {
			return desc, nil
		}
		lastErr = callErr

		if !IsRetryable(callErr) {
			log.WithError(callErr).Warn("driver call failed, not retryable")
			return nil, callErr
		}
		if attempt == r.policy.MaxAttempts {
			break
		}

		delay := r.backoff(attempt)
		log.WithError(callErr).WithField("attempt", attempt).
			WithField("backoff", delay.String()).Warn("transient driver failure, retrying")
		if r.metrics != nil {
			r.metrics.RecordRetry(string(task.Request.ResourceKind))
		}
		if err := r.sleep(ctx, delay); err != nil {
			return nil, NewTransientError("reconcile interrupted", err).WithCode(ErrCodeTimeout)
		}
	}

	return nil, Classify(lastErr).WithCode(ErrCodeRetryExhausted)
}

// invokeDriver performs one driver call under the per-call deadline.
// Deadline expiry surfaces as a transient error.
func (r *Reconciler) invokeDriver(ctx context.Context, driver Driver, task *Task, spec ValidatedSpec) (*ResourceDescriptor, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.policy.CallTimeout)
	defer cancel()

	started := time.Now()
	var desc *ResourceDescriptor
	var err error

	switch task.Operation {
	case OperationTeardown:
		err = driver.Teardown(callCtx, task.Request.ResourceName)
		if err == nil {
			desc = &ResourceDescriptor{
				Kind: task.Request.ResourceKind,
				Name: task.Request.ResourceName,
				Attributes: map[string]any{
					"torn_down": true,
				},
			}
		}
	default:
		desc, err = driver.Apply(callCtx, spec)
	}

	if r.metrics != nil {
		r.metrics.RecordDriverCall(string(task.Request.ResourceKind), string(task.Operation), errClassLabel(err), time.Since(started))
	}

	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return nil, NewTransientError("driver call deadline exceeded", err).
			WithCode(ErrCodeTimeout).WithResource(task.Request.ResourceName).
			WithOperation(string(task.Operation))
	}
	return desc, err
}

func (r *Reconciler) finishCompleted(ctx context.Context, task Task, result *ResourceDescriptor, started time.Time, log *telemetry.Logger) {
	final, err := r.store.Transition(ctx, task.ID, TaskStateRunning, TaskStateCompleted, func(t *Task) {
		t.Result = result
	})
	if err != nil {
		// The task reached another terminal state first (cancellation).
		log.WithError(err).Debug("completion transition lost")
		return
	}
	log.WithField("attempt", final.Attempt).Info("task completed")
	if r.metrics != nil {
		r.metrics.RecordTaskFinished(string(task.Request.ResourceKind), string(TaskStateCompleted), time.Since(started))
	}
	r.notify(ctx, EventTaskCompleted, final)
}

func (r *Reconciler) finishFailed(ctx context.Context, task Task, cause *Error, started time.Time, log *telemetry.Logger) {
	if IsConflict(cause) && cause.Code == ErrCodeStateConflict {
		// A store-level conflict means the task is no longer ours to fail.
		log.WithError(cause).Debug("reconcile aborted by state conflict")
		return
	}
	final, err := r.store.Transition(ctx, task.ID, TaskStateRunning, TaskStateFailed, func(t *Task) {
		t.Error = cause
	})
	if err != nil {
		log.WithError(err).Debug("failure transition lost")
		return
	}
	log.WithError(cause).WithField("attempt", final.Attempt).Error("task failed")
	if r.metrics != nil {
		r.metrics.RecordTaskFinished(string(task.Request.ResourceKind), string(TaskStateFailed), time.Since(started))
	}
	r.notify(ctx, EventTaskFailed, final)
}

// notify emits a lifecycle event. Sink failures are the sink's problem;
// nothing here can affect task state.
func (r *Reconciler) notify(ctx context.Context, eventType string, task Task) {
	if r.sink == nil {
		return
	}
	payload := map[string]any{
		"task_id":       task.ID,
		"resource_kind": string(task.Request.ResourceKind),
		"resource_name": task.Request.ResourceName,
		"state":         string(task.State),
		"attempt":       task.Attempt,
	}
	if task.Result != nil {
		payload["result"] = task.Result.Attributes
	}
	if task.Error != nil {
		payload["error"] = map[string]any{
			"class":   string(task.Error.Class),
			"code":    task.Error.Code,
			"message": task.Error.Message,
		}
	}
	r.sink.Notify(ctx, eventType, payload)
}

// backoff computes the delay before the next attempt: BaseDelay * 2^(n-1)
// capped at MaxDelay.
func (r *Reconciler) backoff(attempt int) time.Duration {
	delay := time.Duration(float64(r.policy.BaseDelay) * math.Pow(2, float64(attempt-1)))
	if delay > r.policy.MaxDelay {
		delay = r.policy.MaxDelay
	}
	return delay
}

func (r *Reconciler) log() *telemetry.Logger {
	if r.logger != nil {
		return r.logger
	}
	return telemetry.NopLogger()
}

func errClassLabel(err error) string {
	if err == nil {
		return "none"
	}
	if c := classOf(err); c != "" {
		return string(c)
	}
	return "unclassified"
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
