package orchestrator

import (
	"time"
)

// DeploymentRequest is the caller-supplied desired state for a resource.
// It is immutable once attached to a task.
type DeploymentRequest struct {
	// ResourceKind selects the driver that owns this request.
	ResourceKind ResourceKind `json:"resource_kind"`

	// ResourceName uniquely identifies the resource within its kind.
	ResourceName string `json:"resource_name"`

	// Parameters are kind-specific settings (ports, memory, image, protocol).
	// The matching driver validates them before a task is created.
	Parameters map[string]any `json:"parameters"`
}

// ResourceDescriptor describes a concretely provisioned resource as reported
// by a driver after a successful apply. Immutable once produced.
type ResourceDescriptor struct {
	// Kind is the resource kind that produced this descriptor.
	Kind ResourceKind `json:"kind"`

	// Name is the resource name.
	Name string `json:"name"`

	// Attributes carry kind-specific observed state: container name,
	// assigned ports, connection string, rule UUID.
	Attributes map[string]any `json:"attributes"`
}

// Task is the central mutable entity tracking one deployment or action
// through the reconciler. Task records are owned exclusively by the
// TaskStore; the reconciler mutates them only through Transition.
type Task struct {
	// ID is an opaque unique identifier, generated at creation, never reused.
	ID string `json:"id"`

	// Request is the originating deployment request.
	Request DeploymentRequest `json:"request"`

	// Operation is what the reconciler will ask the driver to do.
	Operation Operation `json:"operation"`

	// State is the current lifecycle state.
	State TaskState `json:"state"`

	// Attempt counts driver invocations so far. Monotonically non-decreasing.
	Attempt int `json:"attempt"`

	// Result is present only in the completed state.
	Result *ResourceDescriptor `json:"result,omitempty"`

	// Error is present only in the failed state.
	Error *Error `json:"error,omitempty"`

	// ParentID links a restart's follow-up start task to its stop task.
	ParentID string `json:"parent_id,omitempty"`

	// CreatedAt is when the task was created.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the task last changed.
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep-enough copy of the task for snapshot semantics.
// Request parameters and result attributes are copied so callers cannot
// reach back into store-owned maps.
func (t *Task) Clone() Task {
	out := *t
	out.Request.Parameters = cloneMap(t.Request.Parameters)
	if t.Result != nil {
		r := *t.Result
		r.Attributes = cloneMap(t.Result.Attributes)
		out.Result = &r
	}
	if t.Error != nil {
		e := *t.Error
		out.Error = &e
	}
	return out
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
