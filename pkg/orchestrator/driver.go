package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// ValidatedSpec is a driver-validated desired state. Each driver returns its
// own concrete spec type; the reconciler only needs the resource identity.
type ValidatedSpec interface {
	// Kind returns the resource kind this spec belongs to.
	Kind() ResourceKind

	// ResourceName returns the unique resource name within the kind.
	ResourceName() string
}

// Driver translates a desired-state request into control-plane calls.
// One implementation exists per resource kind.
//
// Apply must be idempotent by resource name: a second apply with the same
// name either confirms the existing resource matches the spec, or reports a
// conflict if it diverges. Teardown of a non-existent resource is a no-op
// success. Both calls may block on network I/O and must honor ctx.
type Driver interface {
	// DriverKind returns the resource kind this driver owns.
	DriverKind() ResourceKind

	// Validate checks parameters for required fields, types, and semantic
	// constraints. Pure; no I/O. Returns a validation error on rejection.
	Validate(params map[string]any) (ValidatedSpec, error)

	// Apply drives the external control plane to the desired state and
	// reports the provisioned resource.
	Apply(ctx context.Context, spec ValidatedSpec) (*ResourceDescriptor, error)

	// Teardown reverses Apply for the named resource.
	Teardown(ctx context.Context, name string) error
}

// StatusReporter is an optional driver capability backing the status
// action's live mode. Drivers that cannot inspect their control plane
// simply do not implement it.
type StatusReporter interface {
	// Status reports the observed state of the named resource.
	Status(ctx context.Context, name string) (*ResourceDescriptor, error)
}

// DriverRegistry maps resource kinds to their drivers.
type DriverRegistry struct {
	mu      sync.RWMutex
	drivers map[ResourceKind]Driver
}

// NewDriverRegistry creates an empty driver registry.
func NewDriverRegistry() *DriverRegistry {
	return &DriverRegistry{drivers: make(map[ResourceKind]Driver)}
}

// Register adds a driver. Registering the same kind twice is a programming
// error and fails.
func (r *DriverRegistry) Register(d Driver) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	kind := d.DriverKind()
	if _, exists := r.drivers[kind]; exists {
		return fmt.Errorf("driver already registered for kind %q", kind)
	}
	r.drivers[kind] = d
	return nil
}

// Get returns the driver for a kind, or a not-found error.
func (r *DriverRegistry) Get(kind ResourceKind) (Driver, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.drivers[kind]
	if !ok {
		return nil, NewNotFoundError("no driver for resource kind", nil).
			WithCode(ErrCodeNotFound).WithResource(string(kind))
	}
	return d, nil
}

// Kinds returns the registered resource kinds, sorted.
func (r *DriverRegistry) Kinds() []ResourceKind {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]ResourceKind, 0, len(r.drivers))
	for k := range r.drivers {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}
