package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vespo92/boonerd/pkg/config"
)

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			fmt.Printf("Configuration valid\n")
			fmt.Printf("  listen addr:   %s\n", cfg.Server.ListenAddr)
			fmt.Printf("  store backend: %s\n", cfg.Store.Backend)
			fmt.Printf("  control plane: %s\n", cfg.ControlPlane.Endpoint)
			fmt.Printf("  firewall:      %v\n", cfg.Firewall.Enabled)
			fmt.Printf("  observer:      %v\n", cfg.Observer.Enabled)
			fmt.Printf("  knowledge:     %v\n", cfg.Knowledge.Enabled)
			return nil
		},
	}
}
