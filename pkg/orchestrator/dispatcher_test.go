package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"
)

type dispatcherFixture struct {
	store  *MemoryStore
	driver *stubDriver
	disp   *Dispatcher
}

func newDispatcherFixture(t *testing.T, cfg DispatcherConfig) *dispatcherFixture {
	t.Helper()
	f := &dispatcherFixture{
		store:  NewMemoryStore(),
		driver: &stubDriver{kind: KindGameServer},
	}
	registry := NewDriverRegistry()
	if err := registry.Register(f.driver); err != nil {
		t.Fatal(err)
	}
	rec := NewReconciler(f.store, registry, nil, RetryPolicy{MaxAttempts: 1}, nil, nil, nil)
	rec.sleep = func(ctx context.Context, d time.Duration) error { return nil }

	f.disp = NewDispatcher(f.store, registry, rec, cfg, nil, nil)
	f.disp.Start(context.Background())
	t.Cleanup(f.disp.Stop)
	return f
}

func validRequest(name string) DeploymentRequest {
	return DeploymentRequest{
		ResourceKind: KindGameServer,
		ResourceName: name,
		Parameters:   map[string]any{"name": name},
	}
}

// waitForState polls until the task reaches the wanted state or times out.
func (f *dispatcherFixture) waitForState(t *testing.T, taskID string, want TaskState) Task {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		task, err := f.store.Get(context.Background(), taskID)
		if err == nil && task.State == want {
			return task
		}
		time.Sleep(5 * time.Millisecond)
	}
	task, _ := f.store.Get(context.Background(), taskID)
	t.Fatalf("task %s never reached %q; last seen %q", taskID, want, task.State)
	return Task{}
}

// waitForTaskCount polls until the store holds n tasks.
func (f *dispatcherFixture) waitForTaskCount(t *testing.T, n int) []Task {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		tasks, _ := f.store.List(context.Background())
		if len(tasks) >= n {
			return tasks
		}
		time.Sleep(5 * time.Millisecond)
	}
	tasks, _ := f.store.List(context.Background())
	t.Fatalf("store has %d tasks, want %d", len(tasks), n)
	return nil
}

func TestSubmitRunsToCompletion(t *testing.T) {
	f := newDispatcherFixture(t, DispatcherConfig{Workers: 2})

	taskID, err := f.disp.Submit(context.Background(), validRequest("mc-survival"))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	task := f.waitForState(t, taskID, TaskStateCompleted)
	if task.Result == nil {
		t.Error("completed task has no result")
	}
}

func TestSubmitValidationFailureCreatesNoTask(t *testing.T) {
	f := newDispatcherFixture(t, DispatcherConfig{Workers: 1})
	f.driver.validateErr = NewValidationError("port out of range", nil)

	_, err := f.disp.Submit(context.Background(), validRequest("mc-survival"))
	if !IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}

	tasks, _ := f.store.List(context.Background())
	if len(tasks) != 0 {
		t.Errorf("rejected submission created %d tasks, want 0", len(tasks))
	}
}

func TestSubmitUnknownKindRejected(t *testing.T) {
	f := newDispatcherFixture(t, DispatcherConfig{Workers: 1})

	_, err := f.disp.Submit(context.Background(), DeploymentRequest{
		ResourceKind: "toaster",
		ResourceName: "kitchen",
	})
	if !IsValidation(err) {
		t.Fatalf("expected validation error for unknown kind, got %v", err)
	}
}

func TestActStartReappliesLastRequest(t *testing.T) {
	f := newDispatcherFixture(t, DispatcherConfig{Workers: 2})

	firstID, _ := f.disp.Submit(context.Background(), validRequest("mc-survival"))
	f.waitForState(t, firstID, TaskStateCompleted)

	startID, err := f.disp.Act(context.Background(), KindGameServer, "mc-survival", ActionStart)
	if err != nil {
		t.Fatalf("Act(start) failed: %v", err)
	}
	task := f.waitForState(t, startID, TaskStateCompleted)
	if task.Operation != OperationApply {
		t.Errorf("start task operation = %q, want apply", task.Operation)
	}
}

func TestActStopTearsDown(t *testing.T) {
	f := newDispatcherFixture(t, DispatcherConfig{Workers: 2})

	firstID, _ := f.disp.Submit(context.Background(), validRequest("mc-survival"))
	f.waitForState(t, firstID, TaskStateCompleted)

	stopID, err := f.disp.Act(context.Background(), KindGameServer, "mc-survival", ActionStop)
	if err != nil {
		t.Fatalf("Act(stop) failed: %v", err)
	}
	task := f.waitForState(t, stopID, TaskStateCompleted)
	if task.Operation != OperationTeardown {
		t.Errorf("stop task operation = %q, want teardown", task.Operation)
	}
}

func TestActUnknownResourceRejected(t *testing.T) {
	f := newDispatcherFixture(t, DispatcherConfig{Workers: 1})

	_, err := f.disp.Act(context.Background(), KindGameServer, "never-deployed", ActionStart)
	if !IsNotFound(err) {
		t.Fatalf("expected not-found for unknown resource, got %v", err)
	}
}

func TestActRestartChainsStopThenStart(t *testing.T) {
	f := newDispatcherFixture(t, DispatcherConfig{Workers: 2})

	firstID, _ := f.disp.Submit(context.Background(), validRequest("mc-survival"))
	f.waitForState(t, firstID, TaskStateCompleted)

	stopID, err := f.disp.Act(context.Background(), KindGameServer, "mc-survival", ActionRestart)
	if err != nil {
		t.Fatalf("Act(restart) failed: %v", err)
	}
	stop := f.waitForState(t, stopID, TaskStateCompleted)
	if stop.Operation != OperationTeardown {
		t.Fatalf("restart's first task operation = %q, want teardown", stop.Operation)
	}

	// deploy + stop + chained start
	tasks := f.waitForTaskCount(t, 3)
	var start *Task
	for i := range tasks {
		if tasks[i].ParentID == stopID {
			start = &tasks[i]
		}
	}
	if start == nil {
		t.Fatal("no follow-up start task linked to the stop task")
	}
	if start.Operation != OperationApply {
		t.Errorf("follow-up operation = %q, want apply", start.Operation)
	}
	f.waitForState(t, start.ID, TaskStateCompleted)
	if start.CreatedAt.Before(stop.UpdatedAt) {
		t.Error("start task created before the stop task finished")
	}
}

func TestActRestartStopFailureSuppressesStart(t *testing.T) {
	f := newDispatcherFixture(t, DispatcherConfig{Workers: 2})

	firstID, _ := f.disp.Submit(context.Background(), validRequest("mc-survival"))
	f.waitForState(t, firstID, TaskStateCompleted)

	f.driver.teardownErr = NewPermanentError("host gone", nil)
	stopID, err := f.disp.Act(context.Background(), KindGameServer, "mc-survival", ActionRestart)
	if err != nil {
		t.Fatalf("Act(restart) failed: %v", err)
	}
	f.waitForState(t, stopID, TaskStateFailed)

	// Give a would-be follow-up time to appear, then assert it did not.
	time.Sleep(50 * time.Millisecond)
	tasks, _ := f.store.List(context.Background())
	for _, task := range tasks {
		if task.ParentID == stopID {
			t.Fatal("start task submitted despite failed stop")
		}
	}
}

func TestActStatusDoesNotCreateTask(t *testing.T) {
	f := newDispatcherFixture(t, DispatcherConfig{Workers: 1})

	firstID, _ := f.disp.Submit(context.Background(), validRequest("mc-survival"))
	f.waitForState(t, firstID, TaskStateCompleted)

	if _, err := f.disp.Act(context.Background(), KindGameServer, "mc-survival", ActionStatus); !IsValidation(err) {
		t.Fatalf("Act(status) should reject, got %v", err)
	}

	last, live, err := f.disp.ResourceStatus(context.Background(), KindGameServer, "mc-survival")
	if err != nil {
		t.Fatalf("ResourceStatus failed: %v", err)
	}
	if last.ID != firstID {
		t.Errorf("status returned task %s, want %s", last.ID, firstID)
	}
	if live != nil {
		t.Error("store mode returned a live descriptor")
	}

	tasks, _ := f.store.List(context.Background())
	if len(tasks) != 1 {
		t.Errorf("status created tasks: have %d, want 1", len(tasks))
	}
}

// liveDriver adds the status capability to stubDriver.
type liveDriver struct {
	stubDriver
}

func (d *liveDriver) Status(ctx context.Context, name string) (*ResourceDescriptor, error) {
	return &ResourceDescriptor{
		Kind:       d.kind,
		Name:       name,
		Attributes: map[string]any{"state": "running"},
	}, nil
}

func TestResourceStatusLiveMode(t *testing.T) {
	store := NewMemoryStore()
	driver := &liveDriver{stubDriver{kind: KindGameServer}}
	registry := NewDriverRegistry()
	if err := registry.Register(driver); err != nil {
		t.Fatal(err)
	}
	rec := NewReconciler(store, registry, nil, RetryPolicy{}, nil, nil, nil)
	disp := NewDispatcher(store, registry, rec, DispatcherConfig{
		Workers:      1,
		StatusSource: StatusSourceLive,
	}, nil, nil)
	disp.Start(context.Background())
	defer disp.Stop()

	taskID, err := disp.Submit(context.Background(), validRequest("mc-survival"))
	if err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		task, _ := store.Get(context.Background(), taskID)
		if task.State == TaskStateCompleted {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("task stuck in %q", task.State)
		}
		time.Sleep(5 * time.Millisecond)
	}

	_, live, err := disp.ResourceStatus(context.Background(), KindGameServer, "mc-survival")
	if err != nil {
		t.Fatalf("ResourceStatus failed: %v", err)
	}
	if live == nil || live.Attributes["state"] != "running" {
		t.Errorf("live descriptor = %+v, want control-plane state", live)
	}
}

func TestCancelQueuedTask(t *testing.T) {
	// No workers started: the task stays queued.
	store := NewMemoryStore()
	driver := &stubDriver{kind: KindGameServer}
	registry := NewDriverRegistry()
	if err := registry.Register(driver); err != nil {
		t.Fatal(err)
	}
	rec := NewReconciler(store, registry, nil, RetryPolicy{}, nil, nil, nil)
	disp := NewDispatcher(store, registry, rec, DispatcherConfig{Workers: 1}, nil, nil)

	task, err := store.Create(context.Background(), validRequest("mc-survival"), OperationApply, "")
	if err != nil {
		t.Fatal(err)
	}

	got, err := disp.Cancel(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if got.State != TaskStateCancelled {
		t.Errorf("state = %q, want cancelled", got.State)
	}
}

func TestCancelTerminalTaskReturnsSnapshot(t *testing.T) {
	f := newDispatcherFixture(t, DispatcherConfig{Workers: 1})

	taskID, _ := f.disp.Submit(context.Background(), validRequest("mc-survival"))
	f.waitForState(t, taskID, TaskStateCompleted)

	got, err := f.disp.Cancel(context.Background(), taskID)
	if err != nil {
		t.Fatalf("Cancel of finished task failed: %v", err)
	}
	if got.State != TaskStateCompleted {
		t.Errorf("cancel overwrote terminal state: %q", got.State)
	}
}

// rendezvousDriver emulates a control plane with create-by-name
// uniqueness: the first apply for a name provisions it, later applies
// find the existing resource and succeed without provisioning again. A
// WaitGroup holds the first two applies at a rendezvous so both tasks
// are genuinely in flight at once.
type rendezvousDriver struct {
	kind ResourceKind
	gate *sync.WaitGroup

	mu       sync.Mutex
	applies  int
	creates  int
	existing map[string]bool
}

func (d *rendezvousDriver) DriverKind() ResourceKind { return d.kind }

func (d *rendezvousDriver) Validate(params map[string]any) (ValidatedSpec, error) {
	name, _ := params["name"].(string)
	if name == "" {
		return nil, NewValidationError("name is required", nil)
	}
	return stubSpec{kind: d.kind, name: name}, nil
}

func (d *rendezvousDriver) Apply(ctx context.Context, spec ValidatedSpec) (*ResourceDescriptor, error) {
	d.mu.Lock()
	d.applies++
	hold := d.applies <= 2
	d.mu.Unlock()
	if hold {
		d.gate.Done()
		d.gate.Wait()
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.existing[spec.ResourceName()] {
		d.existing[spec.ResourceName()] = true
		d.creates++
	}
	return &ResourceDescriptor{
		Kind:       spec.Kind(),
		Name:       spec.ResourceName(),
		Attributes: map[string]any{"ready": true},
	}, nil
}

func (d *rendezvousDriver) Teardown(ctx context.Context, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.existing, name)
	return nil
}

func TestConcurrentSubmitsSameResourceBothComplete(t *testing.T) {
	store := NewMemoryStore()
	driver := &rendezvousDriver{
		kind:     KindGameServer,
		gate:     &sync.WaitGroup{},
		existing: make(map[string]bool),
	}
	driver.gate.Add(2)
	registry := NewDriverRegistry()
	if err := registry.Register(driver); err != nil {
		t.Fatal(err)
	}
	rec := NewReconciler(store, registry, nil, RetryPolicy{MaxAttempts: 1}, nil, nil, nil)
	disp := NewDispatcher(store, registry, rec, DispatcherConfig{Workers: 2}, nil, nil)
	disp.Start(context.Background())
	defer disp.Stop()
	f := &dispatcherFixture{store: store, disp: disp}

	ids := make(chan string, 2)
	for i := 0; i < 2; i++ {
		go func() {
			id, err := disp.Submit(context.Background(), validRequest("mc-survival"))
			if err != nil {
				t.Errorf("Submit failed: %v", err)
				ids <- ""
				return
			}
			ids <- id
		}()
	}
	for i := 0; i < 2; i++ {
		id := <-ids
		if id == "" {
			t.FailNow()
		}
		f.waitForState(t, id, TaskStateCompleted)
	}

	driver.mu.Lock()
	defer driver.mu.Unlock()
	if driver.creates != 1 {
		t.Errorf("provisioned %d times, want 1", driver.creates)
	}
}

// stallDriver blocks teardown until released, letting a test stop the
// dispatcher while a restart's stop task is still in flight.
type stallDriver struct {
	stubDriver
	entered chan struct{}
	release chan struct{}
}

func (d *stallDriver) Teardown(ctx context.Context, name string) error {
	d.entered <- struct{}{}
	<-d.release
	return nil
}

func TestStopDuringRestartDoesNotPanic(t *testing.T) {
	store := NewMemoryStore()
	driver := &stallDriver{
		stubDriver: stubDriver{kind: KindGameServer},
		entered:    make(chan struct{}, 1),
		release:    make(chan struct{}),
	}
	registry := NewDriverRegistry()
	if err := registry.Register(driver); err != nil {
		t.Fatal(err)
	}
	rec := NewReconciler(store, registry, nil, RetryPolicy{MaxAttempts: 1}, nil, nil, nil)
	disp := NewDispatcher(store, registry, rec, DispatcherConfig{Workers: 1}, nil, nil)
	disp.Start(context.Background())
	f := &dispatcherFixture{store: store, disp: disp}

	firstID, err := disp.Submit(context.Background(), validRequest("mc-survival"))
	if err != nil {
		t.Fatal(err)
	}
	f.waitForState(t, firstID, TaskStateCompleted)

	if _, err := disp.Act(context.Background(), KindGameServer, "mc-survival", ActionRestart); err != nil {
		t.Fatalf("Act(restart) failed: %v", err)
	}
	<-driver.entered

	stopped := make(chan struct{})
	go func() {
		disp.Stop()
		close(stopped)
	}()
	// Let Stop signal shutdown before the worker resumes; the restart's
	// follow-up submit then races the stopped dispatcher.
	time.Sleep(20 * time.Millisecond)
	close(driver.release)

	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}

	if _, err := disp.Submit(context.Background(), validRequest("mc-creative")); !IsConflict(err) {
		t.Fatalf("submit after stop: got %v, want conflict", err)
	}
}
