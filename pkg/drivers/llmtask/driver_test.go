package llmtask

import (
	"context"
	"fmt"
	"testing"

	"github.com/vespo92/boonerd/pkg/llm"
	"github.com/vespo92/boonerd/pkg/orchestrator"
)

type fakeGenerator struct {
	lastPrompt string
	lastParams llm.GenerateParams
	response   string
	err        error
}

func (g *fakeGenerator) Generate(_ context.Context, prompt string, params llm.GenerateParams) (string, error) {
	g.lastPrompt = prompt
	g.lastParams = params
	if g.err != nil {
		return "", g.err
	}
	return g.response, nil
}

func TestValidateRequiresPrompt(t *testing.T) {
	d := New(&fakeGenerator{})

	if _, err := d.Validate(map[string]any{"name": "ask"}); !orchestrator.IsValidation(err) {
		t.Errorf("got %v, want validation error for missing prompt", err)
	}

	spec, err := d.Validate(map[string]any{"prompt": "why is the sky blue?"})
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if spec.ResourceName() == "" {
		t.Error("spec has no resource name")
	}
}

func TestValidateRejectsOutOfRangeTemperature(t *testing.T) {
	d := New(&fakeGenerator{})

	_, err := d.Validate(map[string]any{
		"prompt":      "hello",
		"temperature": 5.0,
	})
	if !orchestrator.IsValidation(err) {
		t.Errorf("got %v, want validation error", err)
	}
}

func TestApplyRunsGeneration(t *testing.T) {
	gen := &fakeGenerator{response: "Rayleigh scattering."}
	d := New(gen)

	spec, err := d.Validate(map[string]any{
		"name":        "sky-question",
		"prompt":      "why is the sky blue?",
		"model":       "mixtral:latest",
		"temperature": 0.2,
		"max_tokens":  float64(256),
	})
	if err != nil {
		t.Fatal(err)
	}

	desc, err := d.Apply(context.Background(), spec)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if desc.Attributes["response"] != "Rayleigh scattering." {
		t.Errorf("response = %v", desc.Attributes["response"])
	}
	if gen.lastPrompt != "why is the sky blue?" {
		t.Errorf("prompt = %q", gen.lastPrompt)
	}
	if gen.lastParams.Model != "mixtral:latest" || gen.lastParams.MaxTokens != 256 {
		t.Errorf("params = %+v", gen.lastParams)
	}
}

func TestApplyBackendFailureIsTransient(t *testing.T) {
	gen := &fakeGenerator{err: fmt.Errorf("model not loaded")}
	d := New(gen)

	spec, _ := d.Validate(map[string]any{"prompt": "hello"})
	_, err := d.Apply(context.Background(), spec)
	if !orchestrator.IsTransient(err) {
		t.Errorf("got %v, want transient error", err)
	}
}

func TestTeardownIsNoOp(t *testing.T) {
	d := New(&fakeGenerator{})
	if err := d.Teardown(context.Background(), "anything"); err != nil {
		t.Errorf("Teardown = %v, want nil", err)
	}
}
