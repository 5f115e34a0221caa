package cmd

import (
	"github.com/spf13/cobra"
)

var outputFormat string

// rootCmd is the base command for the fleet control plane's operator CLI.
var rootCmd = &cobra.Command{
	Use:   "fleetctl",
	Short: "fleetctl manages the GPU fleet control plane",
	Long: `fleetctl is the operator CLI for the GPU fleet orchestration control
plane. It drives the same components the server wires at startup, reading
configuration from environment variables (MARKETPLACE_API_KEY, BLOBSTORE_*,
DATABASE_PATH, LOG_LEVEL, ...) and an optional .env file.

Use it to:
- Trigger and inspect failovers
- Create, restore, and expire snapshots
- Manage instance lifecycle
- Read and update failover policies`,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "json", "Output format (only json is supported; results are always printed as JSON)")
}
