package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/vespo92/boonerd/pkg/config"
	"github.com/vespo92/boonerd/pkg/controlplane"
	"github.com/vespo92/boonerd/pkg/drivers/firewall"
	"github.com/vespo92/boonerd/pkg/drivers/gameserver"
	"github.com/vespo92/boonerd/pkg/drivers/llmtask"
	"github.com/vespo92/boonerd/pkg/gateway"
	"github.com/vespo92/boonerd/pkg/llm"
	"github.com/vespo92/boonerd/pkg/notify"
	"github.com/vespo92/boonerd/pkg/orchestrator"
	"github.com/vespo92/boonerd/pkg/stores"
	"github.com/vespo92/boonerd/pkg/telemetry"
	"github.com/vespo92/boonerd/pkg/vectorstore"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestration service",
		Long: `Starts the HTTP gateway and the reconcile worker pool, and runs
until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}

	logger, err := telemetry.NewLogger(cfg.Telemetry.Logging)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	metrics, err := telemetry.NewMetrics(cfg.Telemetry.Metrics)
	if err != nil {
		return fmt.Errorf("failed to create metrics: %w", err)
	}
	tracer, err := telemetry.NewTracer(cfg.Telemetry.Tracing,
		cfg.Telemetry.ServiceName, cfg.Telemetry.ServiceVersion, cfg.Telemetry.Environment)
	if err != nil {
		return fmt.Errorf("failed to create tracer: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tracer.Shutdown(shutdownCtx)
	}()

	store, cleanup, err := buildStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	containers := controlplane.NewContainerClient(cfg.ControlPlane.Endpoint, cfg.ControlPlane.APIKey, 0)
	var opnsense *controlplane.OPNsenseClient
	if cfg.Firewall.Enabled {
		opnsense = controlplane.NewOPNsenseClient(cfg.Firewall.Endpoint,
			cfg.Firewall.APIKey, cfg.Firewall.APISecret, 0)
	}
	ollama := llm.NewOllamaClient(cfg.Ollama.Endpoint, cfg.Ollama.Model,
		cfg.Ollama.EmbedModel, cfg.Ollama.Timeout)

	registry := orchestrator.NewDriverRegistry()
	if err := registry.Register(gameserver.New(containers, opnsense)); err != nil {
		return err
	}
	if cfg.Firewall.Enabled {
		if err := registry.Register(firewall.New(opnsense)); err != nil {
			return err
		}
	}
	if err := registry.Register(llmtask.New(ollama)); err != nil {
		return err
	}

	var sink orchestrator.NotificationSink = notify.NopSink{}
	if cfg.Observer.Enabled {
		sink = notify.NewObserverSink(cfg.Observer.Endpoint, cfg.Observer.APIKey, logger, metrics)
	}

	reconciler := orchestrator.NewReconciler(store, registry, sink, orchestrator.RetryPolicy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.Retry.BaseDelay,
		MaxDelay:    cfg.Retry.MaxDelay,
		CallTimeout: cfg.Retry.CallTimeout,
	}, logger, metrics, tracer)

	dispatcher := orchestrator.NewDispatcher(store, registry, reconciler, orchestrator.DispatcherConfig{
		Workers:      cfg.Dispatcher.Workers,
		QueueDepth:   cfg.Dispatcher.QueueDepth,
		StatusSource: orchestrator.StatusSource(cfg.Dispatcher.StatusSource),
	}, logger, metrics)
	dispatcher.Start(ctx)
	defer dispatcher.Stop()

	var knowledge gateway.Knowledge
	if cfg.Knowledge.Enabled {
		ks, err := vectorstore.New(cfg.Knowledge.Path, ollama)
		if err != nil {
			return fmt.Errorf("failed to open knowledge store: %w", err)
		}
		defer ks.Close()
		knowledge = ks
	}

	server := gateway.NewServer(gateway.Config{
		ListenAddr:    cfg.Server.ListenAddr,
		APIKey:        cfg.Server.APIKey,
		ReadTimeout:   cfg.Server.ReadTimeout,
		ShutdownGrace: cfg.Server.ShutdownGrace,
	}, dispatcher, ollama, knowledge, logger, metrics)

	logger.WithField("addr", cfg.Server.ListenAddr).Info("service starting")
	return server.ListenAndServe(ctx)
}

func buildStore(ctx context.Context, cfg *config.Config) (orchestrator.TaskStore, func(), error) {
	switch cfg.Store.Backend {
	case "memory":
		return orchestrator.NewMemoryStore(), func() {}, nil
	case "sqlite":
		st, err := stores.NewSQLiteStore(stores.Config{Path: cfg.Store.Path})
		if err != nil {
			return nil, nil, err
		}
		if err := st.Init(ctx); err != nil {
			return nil, nil, err
		}
		if err := st.Migrate(ctx); err != nil {
			_ = st.Close()
			return nil, nil, err
		}
		return st, func() { _ = st.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}
