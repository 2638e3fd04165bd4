// Package firewall implements the firewall_rule resource driver against the
// OPNsense edge router API.
package firewall

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/vespo92/boonerd/pkg/controlplane"
	"github.com/vespo92/boonerd/pkg/orchestrator"
)

// Spec is the validated desired state for one firewall rule. The rule name is
// stored as the rule description on the router, which is how the driver finds
// it again on later applies and teardowns.
type Spec struct {
	Name      string `validate:"required,min=1,max=128"`
	Protocol  string `validate:"required,oneof=tcp udp"`
	Port      int    `validate:"required,min=1,max=65535"`
	Action    string `validate:"required,oneof=pass block"`
	Interface string `validate:"required"`
}

func (s *Spec) Kind() orchestrator.ResourceKind { return orchestrator.KindFirewallRule }
func (s *Spec) ResourceName() string            { return s.Name }

// Driver manages firewall rules keyed by rule name. OPNsense enforces no
// uniqueness on rule descriptions, so concurrent mutations of the same rule
// name are serialized in-process: without the lock two racing applies would
// both miss on FindRule and create duplicate rules.
type Driver struct {
	client   *controlplane.OPNsenseClient
	validate *validator.Validate

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(client *controlplane.OPNsenseClient) *Driver {
	return &Driver{
		client:   client,
		validate: validator.New(),
		locks:    make(map[string]*sync.Mutex),
	}
}

// ruleLock returns the mutex serializing mutations of one rule name.
func (d *Driver) ruleLock(name string) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.locks[name]
	if !ok {
		l = &sync.Mutex{}
		d.locks[name] = l
	}
	return l
}

// DriverKind implements orchestrator.Driver.
func (d *Driver) DriverKind() orchestrator.ResourceKind { return orchestrator.KindFirewallRule }

// Validate implements orchestrator.Driver.
func (d *Driver) Validate(params map[string]any) (orchestrator.ValidatedSpec, error) {
	spec := &Spec{
		Name:      stringParam(params, "rule_name", stringParam(params, "name", "")),
		Protocol:  stringParam(params, "protocol", "tcp"),
		Action:    stringParam(params, "action", "pass"),
		Interface: stringParam(params, "interface", "wan"),
	}
	port, err := intParam(params, "port")
	if err != nil {
		return nil, orchestrator.NewValidationError("invalid port", err).
			WithCode(orchestrator.ErrCodeValidation)
	}
	spec.Port = port

	if err := d.validate.Struct(spec); err != nil {
		return nil, orchestrator.NewValidationError("firewall rule spec rejected", err).
			WithCode(orchestrator.ErrCodeValidation).WithResource(spec.Name)
	}
	return spec, nil
}

// Apply implements orchestrator.Driver. Idempotent by rule name: an existing
// rule with matching fields confirms the deployment, a divergent one is a
// conflict, and an absent one is created and committed.
func (d *Driver) Apply(ctx context.Context, vs orchestrator.ValidatedSpec) (*orchestrator.ResourceDescriptor, error) {
	spec, ok := vs.(*Spec)
	if !ok {
		return nil, orchestrator.NewPermanentError("wrong spec type for firewall driver", nil).
			WithResource(vs.ResourceName())
	}

	lock := d.ruleLock(spec.Name)
	lock.Lock()
	defer lock.Unlock()

	existing, err := d.client.FindRule(ctx, spec.Name)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if diverges(existing, spec) {
			return nil, orchestrator.NewConflictError("rule exists with divergent spec", nil).
				WithCode(orchestrator.ErrCodeSpecDiverged).
				WithResource(spec.Name).WithOperation("apply")
		}
		return descriptor(spec, existing.UUID), nil
	}

	uuid, err := d.client.AddRule(ctx, controlplane.FirewallRule{
		RuleAction:      spec.Action,
		Interface:       spec.Interface,
		Protocol:        spec.Protocol,
		DestinationPort: fmt.Sprintf("%d", spec.Port),
		Description:     spec.Name,
	})
	if err != nil {
		return nil, err
	}
	if err := d.client.Apply(ctx); err != nil {
		return nil, err
	}
	return descriptor(spec, uuid), nil
}

// Teardown implements orchestrator.Driver. Absent rules are a no-op.
func (d *Driver) Teardown(ctx context.Context, name string) error {
	lock := d.ruleLock(name)
	lock.Lock()
	defer lock.Unlock()

	rule, err := d.client.FindRule(ctx, name)
	if err != nil {
		return err
	}
	if rule == nil {
		return nil
	}
	if err := d.client.DeleteRule(ctx, rule.UUID); err != nil {
		return err
	}
	return d.client.Apply(ctx)
}

// Status implements orchestrator.StatusReporter.
func (d *Driver) Status(ctx context.Context, name string) (*orchestrator.ResourceDescriptor, error) {
	rule, err := d.client.FindRule(ctx, name)
	if err != nil {
		return nil, err
	}
	if rule == nil {
		return nil, orchestrator.NewNotFoundError("rule not present on router", nil).
			WithCode(orchestrator.ErrCodeNotFound).WithResource(name)
	}
	return &orchestrator.ResourceDescriptor{
		Kind: orchestrator.KindFirewallRule,
		Name: name,
		Attributes: map[string]any{
			"uuid":      rule.UUID,
			"action":    rule.RuleAction,
			"interface": rule.Interface,
			"protocol":  rule.Protocol,
			"port":      rule.DestinationPort,
		},
	}, nil
}

func descriptor(spec *Spec, uuid string) *orchestrator.ResourceDescriptor {
	return &orchestrator.ResourceDescriptor{
		Kind: orchestrator.KindFirewallRule,
		Name: spec.Name,
		Attributes: map[string]any{
			"uuid":      uuid,
			"action":    spec.Action,
			"interface": spec.Interface,
			"protocol":  spec.Protocol,
			"port":      spec.Port,
		},
	}
}

func diverges(existing *controlplane.FirewallRule, spec *Spec) bool {
	return existing.RuleAction != spec.Action ||
		existing.Interface != spec.Interface ||
		existing.Protocol != spec.Protocol ||
		existing.DestinationPort != fmt.Sprintf("%d", spec.Port)
}

func stringParam(params map[string]any, key, fallback string) string {
	if v, ok := params[key]; ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return fallback
}

func intParam(params map[string]any, key string) (int, error) {
	v, ok := params[key]
	if !ok {
		return 0, fmt.Errorf("%s is required", key)
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		if n != float64(int(n)) {
			return 0, fmt.Errorf("%s must be an integer", key)
		}
		return int(n), nil
	default:
		return 0, fmt.Errorf("%s must be a number", key)
	}
}
