package orchestrator

import (
	"context"
	"sync"

	"github.com/vespo92/boonerd/pkg/telemetry"
)

// StatusSource selects how the status action answers.
type StatusSource string

const (
	// StatusSourceStore answers from the last known task snapshot.
	StatusSourceStore StatusSource = "store"

	// StatusSourceLive queries the driver's control plane.
	StatusSourceLive StatusSource = "live"
)

// DispatcherConfig tunes the dispatcher.
type DispatcherConfig struct {
	// Workers is the size of the reconcile worker pool.
	Workers int

	// QueueDepth bounds the pending reconcile queue.
	QueueDepth int

	// StatusSource selects store or live status answers.
	StatusSource StatusSource
}

type workItem struct {
	taskID string

	// followUp, if set, runs after the task reaches a terminal state and is
	// only invoked when that state is completed. Carries restart's
	// stop -> start ordering.
	followUp func(ctx context.Context, finished Task)
}

// Dispatcher accepts deployment and action requests, allocates tasks, and
// feeds the reconciler worker pool. Submission returns as soon as a task is
// queued; completion is observed via Status.
type Dispatcher struct {
	store      TaskStore
	drivers    *DriverRegistry
	reconciler *Reconciler
	cfg        DispatcherConfig
	logger     *telemetry.Logger
	metrics    *telemetry.Metrics

	queue   chan workItem
	done    chan struct{}
	wg      sync.WaitGroup
	baseCtx context.Context
	cancel  context.CancelFunc

	startOnce sync.Once
	stopOnce  sync.Once
}

// NewDispatcher creates a dispatcher. Call Start before submitting.
func NewDispatcher(store TaskStore, drivers *DriverRegistry, reconciler *Reconciler, cfg DispatcherConfig, logger *telemetry.Logger, metrics *telemetry.Metrics) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 256
	}
	if cfg.StatusSource == "" {
		cfg.StatusSource = StatusSourceStore
	}
	return &Dispatcher{
		store:      store,
		drivers:    drivers,
		reconciler: reconciler,
		cfg:        cfg,
		logger:     logger,
		metrics:    metrics,
		queue:      make(chan workItem, cfg.QueueDepth),
		done:       make(chan struct{}),
	}
}

// Start launches the worker pool.
func (d *Dispatcher) Start(ctx context.Context) {
	d.startOnce.Do(func() {
		d.baseCtx, d.cancel = context.WithCancel(ctx)
		for i := 0; i < d.cfg.Workers; i++ {
			d.wg.Add(1)
			go d.worker()
		}
	})
}

// Stop drains the workers. The queue channel is never closed: a worker still
// inside a restart follow-up may submit after Stop begins, and that submit
// must fail with an error rather than panic on a closed channel. Queued items
// not yet picked up stay queued in the store and are abandoned; callers
// observe them as queued forever, which is acceptable only at process exit.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		if d.cancel != nil {
			d.cancel()
		}
		close(d.done)
		d.wg.Wait()
	})
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for {
		select {
		case <-d.done:
			return
		case item := <-d.queue:
			d.runItem(item)
		}
	}
}

func (d *Dispatcher) runItem(item workItem) {
	if err := d.reconciler.Reconcile(d.baseCtx, item.taskID); err != nil {
		d.log().WithTaskID(item.taskID).WithError(err).Error("reconcile failed")
		return
	}
	if item.followUp == nil {
		return
	}
	finished, err := d.store.Get(d.baseCtx, item.taskID)
	if err != nil {
		d.log().WithTaskID(item.taskID).WithError(err).Error("follow-up lookup failed")
		return
	}
	if finished.State == TaskStateCompleted {
		item.followUp(d.baseCtx, finished)
	}
}

// Submit validates the request against its driver and, on success, creates a
// queued task and schedules reconciliation. Validation failures are returned
// synchronously and create no task.
func (d *Dispatcher) Submit(ctx context.Context, req DeploymentRequest) (string, error) {
	return d.submit(ctx, req, OperationApply, "", nil)
}

// Status returns a snapshot of the task.
func (d *Dispatcher) Status(ctx context.Context, taskID string) (Task, error) {
	return d.store.Get(ctx, taskID)
}

// List returns snapshots of all tasks, newest first.
func (d *Dispatcher) List(ctx context.Context) ([]Task, error) {
	return d.store.List(ctx)
}

// Cancel attempts to move a task to the cancelled terminal state. Losing the
// race to natural completion is a no-op: the caller gets the task's actual
// terminal snapshot either way.
func (d *Dispatcher) Cancel(ctx context.Context, taskID string) (Task, error) {
	for _, from := range []TaskState{TaskStateQueued, TaskStateRunning} {
		t, err := d.store.Transition(ctx, taskID, from, TaskStateCancelled, nil)
		if err == nil {
			return t, nil
		}
		if IsNotFound(err) {
			return Task{}, err
		}
	}
	return d.store.Get(ctx, taskID)
}

// Act performs a lifecycle action against a previously deployed resource.
// start re-applies the resource's last known request; stop tears it down
// through the same task machinery; restart chains stop then start, the start
// submitted only after the stop completes. status does not create a task.
func (d *Dispatcher) Act(ctx context.Context, kind ResourceKind, name string, action Action) (string, error) {
	if err := action.Validate(); err != nil {
		return "", NewValidationError("unknown action", err).WithCode(ErrCodeValidation)
	}
	if action == ActionStatus {
		return "", NewValidationError("status action does not create a task", nil).
			WithCode(ErrCodeValidation)
	}

	last, err := d.store.FindByResource(ctx, kind, name)
	if err != nil {
		return "", err
	}
	req := last.Request

	switch action {
	case ActionStart:
		return d.submit(ctx, req, OperationApply, "", nil)
	case ActionStop:
		return d.submit(ctx, req, OperationTeardown, "", nil)
	case ActionRestart:
		followUp := func(fctx context.Context, stopped Task) {
			if _, err := d.submit(fctx, req, OperationApply, stopped.ID, nil); err != nil {
				d.log().WithTaskID(stopped.ID).WithError(err).
					Error("restart follow-up submission failed")
			}
		}
		return d.submit(ctx, req, OperationTeardown, "", followUp)
	default:
		return "", NewValidationError("unsupported action", nil).WithCode(ErrCodeValidation)
	}
}

// ResourceStatus answers the status action. In store mode it returns the
// most recent task snapshot for the resource; in live mode it asks the
// driver's control plane when the driver can report status.
func (d *Dispatcher) ResourceStatus(ctx context.Context, kind ResourceKind, name string) (Task, *ResourceDescriptor, error) {
	last, err := d.store.FindByResource(ctx, kind, name)
	if err != nil {
		return Task{}, nil, err
	}
	if d.cfg.StatusSource != StatusSourceLive {
		return last, nil, nil
	}
	driver, err := d.drivers.Get(kind)
	if err != nil {
		return last, nil, nil
	}
	reporter, ok := driver.(StatusReporter)
	if !ok {
		return last, nil, nil
	}
	desc, err := reporter.Status(ctx, name)
	if err != nil {
		return last, nil, err
	}
	return last, desc, nil
}

func (d *Dispatcher) submit(ctx context.Context, req DeploymentRequest, op Operation, parentID string, followUp func(context.Context, Task)) (string, error) {
	select {
	case <-d.done:
		return "", NewConflictError("dispatcher stopped", nil).WithCode(ErrCodeStateConflict)
	default:
	}
	if err := req.ResourceKind.Validate(); err != nil {
		return "", NewValidationError("unknown resource kind", err).WithCode(ErrCodeValidation)
	}
	if req.ResourceName == "" {
		return "", NewValidationError("resource_name is required", nil).WithCode(ErrCodeValidation)
	}

	driver, err := d.drivers.Get(req.ResourceKind)
	if err != nil {
		return "", err
	}
	if op == OperationApply {
		if _, err := driver.Validate(req.Parameters); err != nil {
			return "", err
		}
	}

	task, err := d.store.Create(ctx, req, op, parentID)
	if err != nil {
		return "", err
	}
	if d.metrics != nil {
		d.metrics.RecordTaskSubmitted(string(req.ResourceKind), string(op))
	}
	d.log().WithTaskID(task.ID).
		WithField("resource", req.ResourceName).
		WithField("operation", string(op)).
		Info("task queued")

	select {
	case d.queue <- workItem{taskID: task.ID, followUp: followUp}:
	case <-d.done:
		return "", NewConflictError("dispatcher stopped", nil).WithCode(ErrCodeStateConflict)
	case <-ctx.Done():
		return "", NewTransientError("dispatch queue unavailable", ctx.Err()).WithCode(ErrCodeTimeout)
	}
	return task.ID, nil
}

func (d *Dispatcher) log() *telemetry.Logger {
	if d.logger != nil {
		return d.logger
	}
	return telemetry.NopLogger()
}
