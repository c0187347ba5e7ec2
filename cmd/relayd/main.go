// Command relayd runs the Wemos WebSocket relay.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Tris860/websocket-service/internal/config"
	"github.com/Tris860/websocket-service/internal/logging"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "relayd",
		Short: "Relay frames between Wemos devices and their operators",
		Long: `relayd accepts WebSocket connections from field devices and operator
clients, verifies devices against the credential service, and forwards
commands and replies between each operator and its assigned device.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			logger := logging.New(cfg.Logging, version)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return run(ctx, cfg, logger)
		},
	}
	root.Flags().StringVarP(&configPath, "config", "c", os.Getenv("RELAY_CONFIG"), "path to YAML config file")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the relayd version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	})
	return root
}
