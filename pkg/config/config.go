// Package config loads service configuration from a YAML file with
// environment variable overrides. Precedence, lowest to highest: built-in
// defaults, the config file, environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/vespo92/boonerd/pkg/telemetry"
)

// Config is the full service configuration.
type Config struct {
	// Server configures the HTTP gateway.
	Server ServerConfig `yaml:"server"`

	// Store configures task persistence.
	Store StoreConfig `yaml:"store"`

	// ControlPlane configures the container host API client.
	ControlPlane ControlPlaneConfig `yaml:"control_plane"`

	// Firewall configures the OPNsense edge router client.
	Firewall FirewallConfig `yaml:"firewall"`

	// Ollama configures the model backend.
	Ollama OllamaConfig `yaml:"ollama"`

	// Observer configures notification delivery.
	Observer ObserverConfig `yaml:"observer"`

	// Knowledge configures the document store.
	Knowledge KnowledgeConfig `yaml:"knowledge"`

	// Retry configures driver retry behavior.
	Retry RetryConfig `yaml:"retry"`

	// Dispatcher configures the worker pool.
	Dispatcher DispatcherConfig `yaml:"dispatcher"`

	// Telemetry configures logging, tracing, and metrics.
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// ServerConfig configures the HTTP gateway.
type ServerConfig struct {
	// ListenAddr is the bind address, e.g. ":8800".
	ListenAddr string `yaml:"listen_addr" validate:"required"`

	// APIKey authenticates inbound requests. Empty disables authentication.
	APIKey string `yaml:"api_key"`

	// ReadTimeout bounds request reads.
	ReadTimeout time.Duration `yaml:"read_timeout"`

	// ShutdownGrace bounds graceful shutdown.
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
}

// StoreConfig configures task persistence.
type StoreConfig struct {
	// Backend selects the task store implementation.
	Backend string `yaml:"backend" validate:"required,oneof=memory sqlite"`

	// Path is the SQLite database path; required for the sqlite backend.
	Path string `yaml:"path" validate:"required_if=Backend sqlite"`
}

// ControlPlaneConfig configures the container host API client.
type ControlPlaneConfig struct {
	Endpoint string `yaml:"endpoint" validate:"required,url"`
	APIKey   string `yaml:"api_key"`
}

// FirewallConfig configures the OPNsense client.
type FirewallConfig struct {
	// Enabled turns firewall rule management on.
	Enabled   bool   `yaml:"enabled"`
	Endpoint  string `yaml:"endpoint" validate:"required_if=Enabled true,omitempty,url"`
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
}

// OllamaConfig configures the model backend.
type OllamaConfig struct {
	Endpoint   string        `yaml:"endpoint" validate:"required,url"`
	Model      string        `yaml:"model"`
	EmbedModel string        `yaml:"embed_model"`
	Timeout    time.Duration `yaml:"timeout"`
}

// ObserverConfig configures notification delivery.
type ObserverConfig struct {
	// Enabled turns lifecycle notifications on.
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint" validate:"required_if=Enabled true,omitempty,url"`
	APIKey   string `yaml:"api_key"`
}

// KnowledgeConfig configures the document store.
type KnowledgeConfig struct {
	// Enabled turns the knowledge endpoints on.
	Enabled bool `yaml:"enabled"`

	// Path is the SQLite database path for documents.
	Path string `yaml:"path" validate:"required_if=Enabled true"`
}

// RetryConfig configures driver retry behavior.
type RetryConfig struct {
	// MaxAttempts is the total number of driver invocations per task run.
	MaxAttempts int `yaml:"max_attempts" validate:"min=1"`

	// BaseDelay is the first backoff delay; each retry doubles it.
	BaseDelay time.Duration `yaml:"base_delay"`

	// MaxDelay caps the backoff delay.
	MaxDelay time.Duration `yaml:"max_delay"`

	// CallTimeout bounds a single driver invocation.
	CallTimeout time.Duration `yaml:"call_timeout"`
}

// DispatcherConfig configures the worker pool.
type DispatcherConfig struct {
	// Workers is the number of reconcile goroutines.
	Workers int `yaml:"workers" validate:"min=1"`

	// QueueDepth is the submission queue capacity.
	QueueDepth int `yaml:"queue_depth" validate:"min=1"`

	// StatusSource selects where resource status reads come from.
	StatusSource string `yaml:"status_source" validate:"oneof=store live"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:    ":8800",
			ReadTimeout:   30 * time.Second,
			ShutdownGrace: 15 * time.Second,
		},
		Store: StoreConfig{
			Backend: "sqlite",
			Path:    "boonerd.db",
		},
		ControlPlane: ControlPlaneConfig{
			Endpoint: "http://localhost:2375",
		},
		Ollama: OllamaConfig{
			Endpoint:   "http://localhost:11434",
			Model:      "mixtral:latest",
			EmbedModel: "mxbai-embed-large",
			Timeout:    120 * time.Second,
		},
		Knowledge: KnowledgeConfig{
			Path: "knowledge.db",
		},
		Retry: RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   time.Second,
			MaxDelay:    30 * time.Second,
			CallTimeout: 60 * time.Second,
		},
		Dispatcher: DispatcherConfig{
			Workers:      8,
			QueueDepth:   256,
			StatusSource: "store",
		},
		Telemetry: telemetry.DefaultConfig(),
	}
}

// Load reads the config file at path (optional; empty path skips the file),
// applies environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return c.Telemetry.Validate()
}

// applyEnv overrides file values from the environment. Only operational
// settings and credentials are exposed this way.
func applyEnv(cfg *Config) {
	setString(&cfg.Server.ListenAddr, "BOONERD_LISTEN_ADDR")
	setString(&cfg.Server.APIKey, "BOONERD_API_KEY")
	setString(&cfg.Store.Backend, "BOONERD_STORE_BACKEND")
	setString(&cfg.Store.Path, "BOONERD_STORE_PATH")
	setString(&cfg.ControlPlane.Endpoint, "CONTROL_PLANE_URL")
	setString(&cfg.ControlPlane.APIKey, "CONTROL_PLANE_API_KEY")
	setBool(&cfg.Firewall.Enabled, "OPNSENSE_ENABLED")
	setString(&cfg.Firewall.Endpoint, "OPNSENSE_URL")
	setString(&cfg.Firewall.APIKey, "OPNSENSE_KEY")
	setString(&cfg.Firewall.APISecret, "OPNSENSE_SECRET")
	setString(&cfg.Ollama.Endpoint, "OLLAMA_URL")
	setString(&cfg.Ollama.Model, "OLLAMA_MODEL")
	setString(&cfg.Ollama.EmbedModel, "OLLAMA_EMBED_MODEL")
	setBool(&cfg.Observer.Enabled, "OBSERVER_ENABLED")
	setString(&cfg.Observer.Endpoint, "OBSERVER_URL")
	setString(&cfg.Observer.APIKey, "OBSERVER_API_KEY")
	setBool(&cfg.Knowledge.Enabled, "KNOWLEDGE_ENABLED")
	setString(&cfg.Knowledge.Path, "KNOWLEDGE_PATH")
	setInt(&cfg.Retry.MaxAttempts, "BOONERD_RETRY_MAX_ATTEMPTS")
	setInt(&cfg.Dispatcher.Workers, "BOONERD_WORKERS")
	setString(&cfg.Dispatcher.StatusSource, "BOONERD_STATUS_SOURCE")
	setString(&cfg.Telemetry.Logging.Level, "BOONERD_LOG_LEVEL")
	setString(&cfg.Telemetry.Logging.Format, "BOONERD_LOG_FORMAT")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
