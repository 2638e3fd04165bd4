package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Mutator adjusts task fields during a transition. It runs while the store
// holds the record exclusively and must not block or perform I/O.
type Mutator func(*Task)

// TaskStore is the registry of task records. All mutation goes through
// Transition, whose compare-and-set semantics are the core's single
// serialization point: two reconcilers racing for the same task cannot both
// win the queued -> running edge.
type TaskStore interface {
	// Create allocates a fresh identifier and inserts a task in the queued
	// state, returning a snapshot of the new record.
	Create(ctx context.Context, req DeploymentRequest, op Operation, parentID string) (Task, error)

	// Get returns a snapshot of the current record, or a not-found error.
	Get(ctx context.Context, taskID string) (Task, error)

	// List returns snapshots of all records, newest first.
	List(ctx context.Context) ([]Task, error)

	// FindByResource returns the most recently created task for the given
	// resource, or a not-found error.
	FindByResource(ctx context.Context, kind ResourceKind, name string) (Task, error)

	// Transition atomically verifies the record is in expected state, applies
	// the mutator, sets the new state, and returns the new snapshot. A state
	// mismatch yields a conflict error and no mutation. A transition that the
	// state machine forbids (terminal escape, regression) yields a conflict
	// error even when expected matches.
	Transition(ctx context.Context, taskID string, expected, next TaskState, mutate Mutator) (Task, error)
}

// MemoryStore is the in-memory TaskStore. Records persist for the process
// lifetime; eviction is the caller's concern.
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]*Task
	order []string
	now   func() time.Time
}

// NewMemoryStore creates an empty in-memory task store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks: make(map[string]*Task),
		now:   time.Now,
	}
}

// Create inserts a new queued task.
func (s *MemoryStore) Create(_ context.Context, req DeploymentRequest, op Operation, parentID string) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	t := &Task{
		ID:        uuid.New().String(),
		Request:   req,
		Operation: op,
		State:     TaskStateQueued,
		ParentID:  parentID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.tasks[t.ID] = t
	s.order = append(s.order, t.ID)
	return t.Clone(), nil
}

// Get returns a snapshot of the task.
func (s *MemoryStore) Get(_ context.Context, taskID string) (Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return Task{}, NewNotFoundError("task not found", nil).
			WithCode(ErrCodeNotFound).WithResource(taskID)
	}
	return t.Clone(), nil
}

// List returns snapshots of all tasks, newest first.
func (s *MemoryStore) List(_ context.Context) ([]Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Task, 0, len(s.order))
	for i := len(s.order) - 1; i >= 0; i-- {
		out = append(out, s.tasks[s.order[i]].Clone())
	}
	return out, nil
}

// FindByResource returns the most recently created task for a resource.
func (s *MemoryStore) FindByResource(_ context.Context, kind ResourceKind, name string) (Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := len(s.order) - 1; i >= 0; i-- {
		t := s.tasks[s.order[i]]
		if t.Request.ResourceKind == kind && t.Request.ResourceName == name {
			return t.Clone(), nil
		}
	}
	return Task{}, NewNotFoundError("no task for resource", nil).
		WithCode(ErrCodeNotFound).WithResource(name)
}

// Transition performs the atomic compare-and-transition described on the
// TaskStore interface. The lock is held only for the in-memory mutation,
// never across driver I/O.
func (s *MemoryStore) Transition(_ context.Context, taskID string, expected, next TaskState, mutate Mutator) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return Task{}, NewNotFoundError("task not found", nil).
			WithCode(ErrCodeNotFound).WithResource(taskID)
	}
	if t.State != expected {
		return Task{}, NewConflictError("task state mismatch", nil).
			WithCode(ErrCodeStateConflict).WithResource(taskID).
			WithOperation(string(expected) + "->" + string(next))
	}
	if !t.State.CanTransitionTo(next) {
		return Task{}, NewConflictError("transition not permitted", nil).
			WithCode(ErrCodeStateConflict).WithResource(taskID).
			WithOperation(string(expected) + "->" + string(next))
	}

	prevAttempt := t.Attempt
	if mutate != nil {
		mutate(t)
	}
	if t.Attempt < prevAttempt {
		t.Attempt = prevAttempt
	}
	t.State = next
	t.UpdatedAt = s.now()

	// Terminal-state field invariant: exactly one of result/error once
	// terminal, neither while non-terminal.
	switch t.State {
	case TaskStateCompleted:
		t.Error = nil
	case TaskStateFailed:
		t.Result = nil
	case TaskStateQueued, TaskStateRunning, TaskStateCancelled:
		t.Result = nil
		t.Error = nil
	}

	return t.Clone(), nil
}
