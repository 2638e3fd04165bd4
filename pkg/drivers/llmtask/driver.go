// Package llmtask implements the llm_task resource driver: a one-shot text
// generation against the model backend, run through the same task pipeline as
// infrastructure resources.
package llmtask

import (
	"context"

	"github.com/go-playground/validator/v10"

	"github.com/vespo92/boonerd/pkg/llm"
	"github.com/vespo92/boonerd/pkg/orchestrator"
)

// Spec is the validated request for one generation task.
type Spec struct {
	Name        string `validate:"required"`
	Prompt      string `validate:"required,min=1"`
	Model       string
	System      string
	Temperature float64 `validate:"min=0,max=2"`
	MaxTokens   int     `validate:"min=0"`
}

func (s *Spec) Kind() orchestrator.ResourceKind { return orchestrator.KindLLMTask }
func (s *Spec) ResourceName() string            { return s.Name }

// Driver runs generation tasks against a Generator backend.
type Driver struct {
	generator llm.Generator
	validate  *validator.Validate
}

func New(generator llm.Generator) *Driver {
	return &Driver{generator: generator, validate: validator.New()}
}

// DriverKind implements orchestrator.Driver.
func (d *Driver) DriverKind() orchestrator.ResourceKind { return orchestrator.KindLLMTask }

// Validate implements orchestrator.Driver.
func (d *Driver) Validate(params map[string]any) (orchestrator.ValidatedSpec, error) {
	spec := &Spec{
		Name:   stringParam(params, "name", ""),
		Prompt: stringParam(params, "prompt", ""),
		Model:  stringParam(params, "model", ""),
		System: stringParam(params, "system", ""),
	}
	if t, ok := params["temperature"].(float64); ok {
		spec.Temperature = t
	}
	if n, ok := params["max_tokens"].(float64); ok {
		spec.MaxTokens = int(n)
	}
	if spec.Name == "" && spec.Prompt != "" {
		// Generation tasks are transient; a stable name is only needed to
		// key the task record.
		spec.Name = "generate"
	}

	if err := d.validate.Struct(spec); err != nil {
		return nil, orchestrator.NewValidationError("generation request rejected", err).
			WithCode(orchestrator.ErrCodeValidation).WithResource(spec.Name)
	}
	return spec, nil
}

// Apply implements orchestrator.Driver. Generation has no durable substrate
// to inspect, so every apply runs the prompt; the descriptor carries the
// model output.
func (d *Driver) Apply(ctx context.Context, vs orchestrator.ValidatedSpec) (*orchestrator.ResourceDescriptor, error) {
	spec, ok := vs.(*Spec)
	if !ok {
		return nil, orchestrator.NewPermanentError("wrong spec type for llm task driver", nil).
			WithResource(vs.ResourceName())
	}

	response, err := d.generator.Generate(ctx, spec.Prompt, llm.GenerateParams{
		Model:       spec.Model,
		System:      spec.System,
		Temperature: spec.Temperature,
		MaxTokens:   spec.MaxTokens,
	})
	if err != nil {
		return nil, orchestrator.NewTransientError("generation failed", err).
			WithResource(spec.Name).WithOperation("apply")
	}

	return &orchestrator.ResourceDescriptor{
		Kind: orchestrator.KindLLMTask,
		Name: spec.Name,
		Attributes: map[string]any{
			"response": response,
			"model":    spec.Model,
		},
	}, nil
}

// Teardown implements orchestrator.Driver. Generation leaves nothing behind.
func (d *Driver) Teardown(ctx context.Context, name string) error {
	return nil
}

func stringParam(params map[string]any, key, fallback string) string {
	if v, ok := params[key]; ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return fallback
}
