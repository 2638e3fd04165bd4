package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"
)

type stubSpec struct {
	kind ResourceKind
	name string
}

func (s stubSpec) Kind() ResourceKind   { return s.kind }
func (s stubSpec) ResourceName() string { return s.name }

// stubDriver scripts per-attempt apply results.
type stubDriver struct {
	kind ResourceKind

	mu            sync.Mutex
	applyCalls    int
	teardownCalls int
	applyErrs     []error // errs[i] answers call i+1; past the end means success
	teardownErr   error
	validateErr   error
}

func (d *stubDriver) DriverKind() ResourceKind { return d.kind }

func (d *stubDriver) Validate(params map[string]any) (ValidatedSpec, error) {
	if d.validateErr != nil {
		return nil, d.validateErr
	}
	name, _ := params["name"].(string)
	return stubSpec{kind: d.kind, name: name}, nil
}

func (d *stubDriver) Apply(ctx context.Context, spec ValidatedSpec) (*ResourceDescriptor, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.applyCalls++
	if d.applyCalls <= len(d.applyErrs) && d.applyErrs[d.applyCalls-1] != nil {
		return nil, d.applyErrs[d.applyCalls-1]
	}
	return &ResourceDescriptor{
		Kind:       spec.Kind(),
		Name:       spec.ResourceName(),
		Attributes: map[string]any{"ready": true},
	}, nil
}

func (d *stubDriver) Teardown(ctx context.Context, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.teardownCalls++
	return d.teardownErr
}

func (d *stubDriver) calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.applyCalls
}

// recordingSink captures notified events.
type recordingSink struct {
	mu     sync.Mutex
	events []string
}

func (s *recordingSink) Notify(_ context.Context, eventType string, _ map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, eventType)
}

func (s *recordingSink) all() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.events...)
}

type reconcilerFixture struct {
	store  *MemoryStore
	driver *stubDriver
	sink   *recordingSink
	rec    *Reconciler
	delays []time.Duration
}

func newReconcilerFixture(t *testing.T, policy RetryPolicy) *reconcilerFixture {
	t.Helper()
	f := &reconcilerFixture{
		store:  NewMemoryStore(),
		driver: &stubDriver{kind: KindGameServer},
		sink:   &recordingSink{},
	}
	registry := NewDriverRegistry()
	if err := registry.Register(f.driver); err != nil {
		t.Fatal(err)
	}
	f.rec = NewReconciler(f.store, registry, f.sink, policy, nil, nil, nil)
	f.rec.sleep = func(ctx context.Context, d time.Duration) error {
		f.delays = append(f.delays, d)
		return nil
	}
	return f
}

func (f *reconcilerFixture) submit(t *testing.T, op Operation) Task {
	t.Helper()
	task, err := f.store.Create(context.Background(), DeploymentRequest{
		ResourceKind: KindGameServer,
		ResourceName: "mc-survival",
		Parameters:   map[string]any{"name": "mc-survival"},
	}, op, "")
	if err != nil {
		t.Fatal(err)
	}
	return task
}

func TestReconcileSuccessFirstAttempt(t *testing.T) {
	f := newReconcilerFixture(t, RetryPolicy{MaxAttempts: 3})
	task := f.submit(t, OperationApply)

	if err := f.rec.Reconcile(context.Background(), task.ID); err != nil {
		t.Fatalf("Reconcile returned %v", err)
	}

	final, _ := f.store.Get(context.Background(), task.ID)
	if final.State != TaskStateCompleted {
		t.Fatalf("state = %q, want completed", final.State)
	}
	if final.Attempt != 1 {
		t.Errorf("attempt = %d, want 1", final.Attempt)
	}
	if final.Result == nil || final.Result.Attributes["ready"] != true {
		t.Errorf("result missing or wrong: %+v", final.Result)
	}
	if got := f.sink.all(); len(got) != 1 || got[0] != EventTaskCompleted {
		t.Errorf("sink events = %v, want [task.completed]", got)
	}
}

func TestReconcileRetriesTransientThenSucceeds(t *testing.T) {
	f := newReconcilerFixture(t, RetryPolicy{MaxAttempts: 3})
	f.driver.applyErrs = []error{NewTransientError("blip", nil)}
	task := f.submit(t, OperationApply)

	f.rec.Reconcile(context.Background(), task.ID)

	final, _ := f.store.Get(context.Background(), task.ID)
	if final.State != TaskStateCompleted {
		t.Fatalf("state = %q, want completed", final.State)
	}
	if final.Attempt != 2 {
		t.Errorf("attempt = %d, want 2", final.Attempt)
	}
	if f.driver.calls() != 2 {
		t.Errorf("driver calls = %d, want 2", f.driver.calls())
	}
}

func TestReconcileExhaustsRetries(t *testing.T) {
	f := newReconcilerFixture(t, RetryPolicy{MaxAttempts: 3})
	f.driver.applyErrs = []error{
		NewTransientError("blip", nil),
		NewTransientError("blip", nil),
		NewTransientError("blip", nil),
	}
	task := f.submit(t, OperationApply)

	f.rec.Reconcile(context.Background(), task.ID)

	final, _ := f.store.Get(context.Background(), task.ID)
	if final.State != TaskStateFailed {
		t.Fatalf("state = %q, want failed", final.State)
	}
	if final.Attempt != 3 {
		t.Errorf("attempt = %d, want 3 (retry limit)", final.Attempt)
	}
	if final.Error == nil || final.Error.Code != ErrCodeRetryExhausted {
		t.Errorf("error = %+v, want code RETRY_EXHAUSTED", final.Error)
	}
	if got := f.sink.all(); len(got) != 1 || got[0] != EventTaskFailed {
		t.Errorf("sink events = %v, want [task.failed]", got)
	}
}

func TestReconcilePermanentErrorFailsImmediately(t *testing.T) {
	f := newReconcilerFixture(t, RetryPolicy{MaxAttempts: 5})
	f.driver.applyErrs = []error{
		NewPermanentError("bad credentials", nil),
		NewPermanentError("bad credentials", nil),
	}
	task := f.submit(t, OperationApply)

	f.rec.Reconcile(context.Background(), task.ID)

	final, _ := f.store.Get(context.Background(), task.ID)
	if final.State != TaskStateFailed {
		t.Fatalf("state = %q, want failed", final.State)
	}
	if f.driver.calls() != 1 {
		t.Errorf("driver calls = %d, want 1 (no retry on permanent)", f.driver.calls())
	}
	if final.Attempt != 1 {
		t.Errorf("attempt = %d, want 1", final.Attempt)
	}
}

func TestReconcileConflictErrorNotRetried(t *testing.T) {
	f := newReconcilerFixture(t, RetryPolicy{MaxAttempts: 5})
	f.driver.applyErrs = []error{
		NewConflictError("diverged", nil).WithCode(ErrCodeSpecDiverged),
	}
	task := f.submit(t, OperationApply)

	f.rec.Reconcile(context.Background(), task.ID)

	final, _ := f.store.Get(context.Background(), task.ID)
	if final.State != TaskStateFailed {
		t.Fatalf("state = %q, want failed", final.State)
	}
	if f.driver.calls() != 1 {
		t.Errorf("driver calls = %d, want 1", f.driver.calls())
	}
	if final.Error == nil || final.Error.Code != ErrCodeSpecDiverged {
		t.Errorf("conflict cause not preserved: %+v", final.Error)
	}
}

func TestReconcileLostRaceAbortsSilently(t *testing.T) {
	f := newReconcilerFixture(t, RetryPolicy{})
	task := f.submit(t, OperationApply)

	// Another reconciler already owns the task.
	if _, err := f.store.Transition(context.Background(), task.ID, TaskStateQueued, TaskStateRunning, nil); err != nil {
		t.Fatal(err)
	}

	if err := f.rec.Reconcile(context.Background(), task.ID); err != nil {
		t.Fatalf("lost race should return nil, got %v", err)
	}
	if f.driver.calls() != 0 {
		t.Errorf("driver called %d times after lost race, want 0", f.driver.calls())
	}
	if len(f.sink.all()) != 0 {
		t.Errorf("sink notified after lost race: %v", f.sink.all())
	}
}

func TestReconcileCancellationStopsRetries(t *testing.T) {
	f := newReconcilerFixture(t, RetryPolicy{MaxAttempts: 5})
	f.driver.applyErrs = []error{
		NewTransientError("blip", nil),
		NewTransientError("blip", nil),
	}
	task := f.submit(t, OperationApply)

	// Cancel during the first backoff.
	f.rec.sleep = func(ctx context.Context, d time.Duration) error {
		_, err := f.store.Transition(context.Background(), task.ID, TaskStateRunning, TaskStateCancelled, nil)
		if err != nil {
			t.Errorf("cancel transition failed: %v", err)
		}
		return nil
	}

	f.rec.Reconcile(context.Background(), task.ID)

	final, _ := f.store.Get(context.Background(), task.ID)
	if final.State != TaskStateCancelled {
		t.Fatalf("state = %q, want cancelled (reconciler must not overwrite)", final.State)
	}
	if f.driver.calls() != 1 {
		t.Errorf("driver calls = %d, want 1 (no attempts after cancel)", f.driver.calls())
	}
	if len(f.sink.all()) != 0 {
		t.Errorf("sink notified for cancelled task: %v", f.sink.all())
	}
}

func TestReconcileTeardown(t *testing.T) {
	f := newReconcilerFixture(t, RetryPolicy{})
	task := f.submit(t, OperationTeardown)

	f.rec.Reconcile(context.Background(), task.ID)

	final, _ := f.store.Get(context.Background(), task.ID)
	if final.State != TaskStateCompleted {
		t.Fatalf("state = %q, want completed", final.State)
	}
	if final.Result == nil || final.Result.Attributes["torn_down"] != true {
		t.Errorf("teardown result = %+v, want torn_down attribute", final.Result)
	}
	if f.driver.teardownCalls != 1 {
		t.Errorf("teardown calls = %d, want 1", f.driver.teardownCalls)
	}
}

func TestBackoffProgression(t *testing.T) {
	f := newReconcilerFixture(t, RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   time.Second,
		MaxDelay:    4 * time.Second,
	})
	f.driver.applyErrs = []error{
		NewTransientError("blip", nil),
		NewTransientError("blip", nil),
		NewTransientError("blip", nil),
		NewTransientError("blip", nil),
	}
	task := f.submit(t, OperationApply)

	f.rec.Reconcile(context.Background(), task.ID)

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 4 * time.Second}
	if len(f.delays) != len(want) {
		t.Fatalf("observed %d backoffs %v, want %d", len(f.delays), f.delays, len(want))
	}
	for i, d := range want {
		if f.delays[i] != d {
			t.Errorf("backoff[%d] = %v, want %v", i, f.delays[i], d)
		}
	}
}
