package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	verbose    bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "boonerd",
		Short: "boonerd - AI-assisted deployment orchestrator",
		Long: `boonerd deploys and manages homelab resources through a task-based
reconciliation pipeline.

Resources:
  - Containerized game servers (minecraft, cs2, valheim)
  - Firewall rules on the OPNsense edge router
  - One-shot generation tasks against a local Ollama backend

Every deployment becomes a task that moves queued -> running -> completed
or failed, with bounded retries on transient control-plane errors.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newValidateCommand())

	return rootCmd
}
