// Package gameserver implements the game_server resource driver: it drives
// containerized game servers (minecraft, cs2, valheim) on the container host
// and optionally opens a matching firewall port.
package gameserver

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/go-playground/validator/v10"

	"github.com/vespo92/boonerd/pkg/controlplane"
	"github.com/vespo92/boonerd/pkg/orchestrator"
)

// memoryPattern matches size strings like "4G", "512M", "1.5G".
var memoryPattern = regexp.MustCompile(`^[0-9]+(\.[0-9]+)?[KMGT]$`)

// Spec is the validated desired state for one game server.
type Spec struct {
	// Game selects the server profile.
	Game GameType `validate:"required,oneof=minecraft cs2 valheim"`

	// Name is the server name, unique within the game_server kind.
	Name string `validate:"required,hostname_rfc1123"`

	// Port is the public port the server listens on.
	Port int `validate:"required,min=1,max=65535"`

	// Memory is the memory allocation, e.g. "4G".
	Memory string `validate:"required"`

	// CPULimit is an optional CPU limit, e.g. "2".
	CPULimit string

	// Storage is an optional storage allocation, e.g. "10G".
	Storage string

	// Settings are additional game-specific environment settings.
	Settings map[string]any
}

// Kind implements orchestrator.ValidatedSpec.
func (s *Spec) Kind() orchestrator.ResourceKind { return orchestrator.KindGameServer }

// ResourceName implements orchestrator.ValidatedSpec.
func (s *Spec) ResourceName() string { return s.Name }

// Driver deploys and manages game server containers.
type Driver struct {
	containers *controlplane.ContainerClient
	firewall   *controlplane.OPNsenseClient // optional; nil skips rule management
	validate   *validator.Validate
}

// New creates the game server driver. firewall may be nil; without it no
// firewall rules are managed for deployed servers.
func New(containers *controlplane.ContainerClient, firewall *controlplane.OPNsenseClient) *Driver {
	return &Driver{
		containers: containers,
		firewall:   firewall,
		validate:   validator.New(),
	}
}

// DriverKind implements orchestrator.Driver.
func (d *Driver) DriverKind() orchestrator.ResourceKind { return orchestrator.KindGameServer }

// Validate implements orchestrator.Driver. It checks required fields, port
// range, and the memory size grammar. Pure; no I/O.
func (d *Driver) Validate(params map[string]any) (orchestrator.ValidatedSpec, error) {
	spec := &Spec{
		Game:     GameType(stringParam(params, "game_type", string(GameMinecraft))),
		Name:     stringParam(params, "server_name", ""),
		Memory:   stringParam(params, "memory", ""),
		CPULimit: stringParam(params, "cpu_limit", ""),
		Storage:  stringParam(params, "storage", ""),
	}
	if spec.Name == "" {
		spec.Name = stringParam(params, "name", "")
	}

	port, err := intParam(params, "port")
	if err != nil {
		return nil, orchestrator.NewValidationError("invalid port", err).
			WithCode(orchestrator.ErrCodeValidation)
	}
	spec.Port = port

	if settings, ok := params["additional_settings"].(map[string]any); ok {
		spec.Settings = settings
	}

	if err := d.validate.Struct(spec); err != nil {
		return nil, orchestrator.NewValidationError("game server spec rejected", err).
			WithCode(orchestrator.ErrCodeValidation).WithResource(spec.Name)
	}
	if !memoryPattern.MatchString(spec.Memory) {
		return nil, orchestrator.NewValidationError(
			fmt.Sprintf("memory %q does not match size grammar (e.g. 4G, 512M)", spec.Memory), nil).
			WithCode(orchestrator.ErrCodeValidation).WithResource(spec.Name)
	}
	return spec, nil
}

// Apply implements orchestrator.Driver. Idempotent by server name: when a
// container with the derived name already exists, a matching spec confirms
// the deployment and a divergent one is a conflict.
func (d *Driver) Apply(ctx context.Context, vs orchestrator.ValidatedSpec) (*orchestrator.ResourceDescriptor, error) {
	spec, ok := vs.(*Spec)
	if !ok {
		return nil, orchestrator.NewPermanentError("wrong spec type for game server driver", nil).
			WithResource(vs.ResourceName())
	}
	prof := profiles[spec.Game]
	want := prof.containerFunc(spec)

	existing, err := d.containers.Inspect(ctx, want.Name)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if diverges(existing, want) {
			return nil, orchestrator.NewConflictError(
				"container exists with divergent spec", nil).
				WithCode(orchestrator.ErrCodeSpecDiverged).
				WithResource(spec.Name).WithOperation("apply")
		}
		return d.descriptor(spec, existing), nil
	}

	info, err := d.containers.Create(ctx, want)
	if err != nil {
		// A concurrent apply can win the creation race between the Inspect
		// above and this Create. The host's already-exists answer is not a
		// failure when the existing container matches the spec.
		var oe *orchestrator.Error
		if errors.As(err, &oe) && oe.Code == orchestrator.ErrCodeAlreadyExists {
			existing, inspectErr := d.containers.Inspect(ctx, want.Name)
			if inspectErr != nil {
				return nil, inspectErr
			}
			if existing != nil {
				if diverges(existing, want) {
					return nil, orchestrator.NewConflictError(
						"container exists with divergent spec", nil).
						WithCode(orchestrator.ErrCodeSpecDiverged).
						WithResource(spec.Name).WithOperation("apply")
				}
				return d.descriptor(spec, existing), nil
			}
		}
		return nil, err
	}

	if d.firewall != nil {
		if err := d.ensureFirewallRule(ctx, spec); err != nil {
			return nil, err
		}
	}
	return d.descriptor(spec, info), nil
}

// Teardown implements orchestrator.Driver. The container name carries the
// game prefix, and teardown only knows the server name, so every profile's
// candidate name is removed; removal of an absent container is a no-op.
func (d *Driver) Teardown(ctx context.Context, name string) error {
	for game := range profiles {
		if err := d.containers.Remove(ctx, containerName(game, name)); err != nil {
			return err
		}
	}
	if d.firewall != nil {
		if err := d.removeFirewallRule(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

// Status implements orchestrator.StatusReporter for the live status mode.
func (d *Driver) Status(ctx context.Context, name string) (*orchestrator.ResourceDescriptor, error) {
	for game := range profiles {
		info, err := d.containers.Inspect(ctx, containerName(game, name))
		if err != nil {
			return nil, err
		}
		if info != nil {
			return &orchestrator.ResourceDescriptor{
				Kind: orchestrator.KindGameServer,
				Name: name,
				Attributes: map[string]any{
					"container_name": info.Name,
					"image":          info.Image,
					"state":          info.State,
					"ports":          info.Ports,
				},
			}, nil
		}
	}
	return nil, orchestrator.NewNotFoundError("no container for server", nil).
		WithCode(orchestrator.ErrCodeNotFound).WithResource(name)
}

func (d *Driver) descriptor(spec *Spec, info *controlplane.ContainerInfo) *orchestrator.ResourceDescriptor {
	return &orchestrator.ResourceDescriptor{
		Kind: orchestrator.KindGameServer,
		Name: spec.Name,
		Attributes: map[string]any{
			"server_id":       info.Name,
			"container_name":  info.Name,
			"image":           info.Image,
			"ports":           info.Ports,
			"connection_info": fmt.Sprintf("connect at your-public-ip:%d", spec.Port),
		},
	}
}

func (d *Driver) ensureFirewallRule(ctx context.Context, spec *Spec) error {
	desc := firewallRuleName(spec.Game, spec.Name)
	rule, err := d.firewall.FindRule(ctx, desc)
	if err != nil {
		return err
	}
	if rule != nil {
		return nil
	}
	proto := "tcp"
	if spec.Game == GameValheim {
		proto = "udp"
	}
	if _, err := d.firewall.AddRule(ctx, controlplane.FirewallRule{
		RuleAction:      "pass",
		Interface:       "wan",
		Protocol:        proto,
		DestinationPort: fmt.Sprintf("%d", spec.Port),
		Description:     desc,
	}); err != nil {
		return err
	}
	return d.firewall.Apply(ctx)
}

func (d *Driver) removeFirewallRule(ctx context.Context, name string) error {
	for game := range profiles {
		rule, err := d.firewall.FindRule(ctx, firewallRuleName(game, name))
		if err != nil {
			return err
		}
		if rule == nil {
			continue
		}
		if err := d.firewall.DeleteRule(ctx, rule.UUID); err != nil {
			return err
		}
		if err := d.firewall.Apply(ctx); err != nil {
			return err
		}
	}
	return nil
}

func firewallRuleName(game GameType, name string) string {
	return fmt.Sprintf("%s server: %s", game, name)
}

// diverges reports whether the running container no longer matches the
// desired spec on the fields the driver controls.
func diverges(existing *controlplane.ContainerInfo, want controlplane.ContainerSpec) bool {
	if existing.Image != want.Image {
		return true
	}
	if len(existing.Ports) != len(want.Ports) {
		return true
	}
	seen := make(map[string]bool, len(existing.Ports))
	for _, p := range existing.Ports {
		seen[p] = true
	}
	for _, p := range want.Ports {
		if !seen[p] {
			return true
		}
	}
	if existing.Memory != "" && want.Memory != "" && existing.Memory != want.Memory {
		return true
	}
	return false
}

func stringParam(params map[string]any, key, fallback string) string {
	if v, ok := params[key]; ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return fallback
}

// intParam accepts both int and float64 values; JSON decoding hands numbers
// over as float64.
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
