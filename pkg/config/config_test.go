package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "boonerd.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults do not validate: %v", err)
	}
	if cfg.Server.ListenAddr != ":8800" {
		t.Errorf("listen addr = %q", cfg.Server.ListenAddr)
	}
	if cfg.Store.Backend != "sqlite" {
		t.Errorf("store backend = %q", cfg.Store.Backend)
	}
	if cfg.Retry.MaxAttempts != 3 || cfg.Retry.BaseDelay != time.Second {
		t.Errorf("retry defaults = %+v", cfg.Retry)
	}
	if cfg.Dispatcher.StatusSource != "store" {
		t.Errorf("status source = %q", cfg.Dispatcher.StatusSource)
	}
}

func TestLoadMissingFileErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("missing config file accepted")
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := writeConfigFile(t, `
server:
  listen_addr: ":9900"
  api_key: "hunter2"
store:
  backend: memory
retry:
  max_attempts: 5
  base_delay: 250ms
dispatcher:
  workers: 2
  queue_depth: 16
  status_source: live
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.ListenAddr != ":9900" || cfg.Server.APIKey != "hunter2" {
		t.Errorf("server config = %+v", cfg.Server)
	}
	if cfg.Store.Backend != "memory" {
		t.Errorf("store backend = %q", cfg.Store.Backend)
	}
	if cfg.Retry.MaxAttempts != 5 || cfg.Retry.BaseDelay != 250*time.Millisecond {
		t.Errorf("retry = %+v", cfg.Retry)
	}
	if cfg.Dispatcher.StatusSource != "live" {
		t.Errorf("status source = %q", cfg.Dispatcher.StatusSource)
	}
	// Untouched sections keep their defaults.
	if cfg.Ollama.Model != "mixtral:latest" {
		t.Errorf("ollama model = %q", cfg.Ollama.Model)
	}
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := writeConfigFile(t, `
server:
  listen_addr: ":9900"
`)
	t.Setenv("BOONERD_LISTEN_ADDR", ":7700")
	t.Setenv("BOONERD_STORE_BACKEND", "memory")
	t.Setenv("BOONERD_RETRY_MAX_ATTEMPTS", "7")
	t.Setenv("OLLAMA_URL", "http://ollama.lan:11434")
	t.Setenv("OPNSENSE_ENABLED", "true")
	t.Setenv("OPNSENSE_URL", "https://router.lan")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.ListenAddr != ":7700" {
		t.Errorf("env did not win: %q", cfg.Server.ListenAddr)
	}
	if cfg.Store.Backend != "memory" {
		t.Errorf("store backend = %q", cfg.Store.Backend)
	}
	if cfg.Retry.MaxAttempts != 7 {
		t.Errorf("max attempts = %d", cfg.Retry.MaxAttempts)
	}
	if cfg.Ollama.Endpoint != "http://ollama.lan:11434" {
		t.Errorf("ollama endpoint = %q", cfg.Ollama.Endpoint)
	}
	if !cfg.Firewall.Enabled || cfg.Firewall.Endpoint != "https://router.lan" {
		t.Errorf("firewall = %+v", cfg.Firewall)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown store backend", func(c *Config) { c.Store.Backend = "postgres" }},
		{"sqlite without path", func(c *Config) { c.Store.Path = "" }},
		{"zero retry attempts", func(c *Config) { c.Retry.MaxAttempts = 0 }},
		{"zero workers", func(c *Config) { c.Dispatcher.Workers = 0 }},
		{"bad status source", func(c *Config) { c.Dispatcher.StatusSource = "cache" }},
		{"firewall enabled without endpoint", func(c *Config) { c.Firewall.Enabled = true }},
		{"observer enabled without endpoint", func(c *Config) { c.Observer.Enabled = true }},
		{"malformed control plane url", func(c *Config) { c.ControlPlane.Endpoint = "not a url" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := writeConfigFile(t, "server: [this is not a mapping")
	if _, err := Load(path); err == nil {
		t.Error("malformed YAML accepted")
	}
}
