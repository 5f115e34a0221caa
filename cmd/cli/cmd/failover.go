package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cloud-gpu-shopper/gpu-fleet-core/internal/failoverorchestrator"
	"github.com/cloud-gpu-shopper/gpu-fleet-core/pkg/models"
)

var failoverRunArgs failoverorchestrator.Request
var failoverForceStrategy string

var failoverCmd = &cobra.Command{
	Use:   "failover",
	Short: "Trigger and inspect failovers",
}

var failoverRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute a failover for a machine",
	RunE:  runFailoverRun,
}

var failoverReadinessCmd = &cobra.Command{
	Use:   "readiness [machine-id]",
	Short: "Check a machine's failover readiness",
	Args:  cobra.ExactArgs(1),
	RunE:  runFailoverReadiness,
}

func init() {
	rootCmd.AddCommand(failoverCmd)
	failoverCmd.AddCommand(failoverRunCmd)
	failoverCmd.AddCommand(failoverReadinessCmd)

	failoverRunCmd.Flags().StringVar(&failoverRunArgs.MachineID, "machine-id", "", "machine ID to fail over (required)")
	failoverRunCmd.Flags().StringVar(&failoverRunArgs.GPUInstanceID, "gpu-instance-id", "", "the failed GPU instance ID")
	failoverRunCmd.Flags().StringVar(&failoverRunArgs.SSHHost, "ssh-host", "", "SSH host of the failed instance")
	failoverRunCmd.Flags().IntVar(&failoverRunArgs.SSHPort, "ssh-port", 22, "SSH port of the failed instance")
	failoverRunCmd.Flags().StringVar(&failoverRunArgs.SSHUser, "ssh-user", "root", "SSH user")
	failoverRunCmd.Flags().StringVar(&failoverRunArgs.SSHPrivateKey, "ssh-private-key", "", "SSH private key contents")
	failoverRunCmd.Flags().StringVar(&failoverRunArgs.SSHPublicKey, "ssh-public-key", "", "SSH public key to install on the replacement")
	failoverRunCmd.Flags().StringVar(&failoverRunArgs.WorkspacePath, "workspace-path", "/workspace", "remote workspace path to snapshot/restore")
	failoverRunCmd.Flags().StringVar(&failoverRunArgs.VolumeID, "volume-id", "", "regional volume ID, if the regional_volume strategy may run")
	failoverRunCmd.Flags().StringVar(&failoverRunArgs.OwnerID, "owner-id", "", "owner ID for any snapshot created during cpu_standby")
	failoverRunCmd.Flags().StringVar(&failoverForceStrategy, "force-strategy", "", "bypass policy and force a specific strategy (warm_pool, regional_volume, cpu_standby, both, all)")
	_ = failoverRunCmd.MarkFlagRequired("machine-id")
}

func runFailoverRun(cmd *cobra.Command, args []string) error {
	cp, err := newControlPlane(cmd.Context())
	if err != nil {
		return err
	}
	defer cp.Close()

	req := failoverRunArgs
	if failoverForceStrategy != "" {
		req.ForceStrategy = models.Strategy(failoverForceStrategy)
	}

	record, runErr := cp.Orchestrator.Run(cmd.Context(), req)
	if record != nil {
		printJSON(record)
	}
	if runErr != nil {
		return fmt.Errorf("failover did not recover the machine: %w", runErr)
	}
	return nil
}

func runFailoverReadiness(cmd *cobra.Command, args []string) error {
	cp, err := newControlPlane(cmd.Context())
	if err != nil {
		return err
	}
	defer cp.Close()

	readiness, err := cp.Orchestrator.CheckReadiness(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	printJSON(readiness)
	return nil
}

func printJSON(v interface{}) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Println(v)
		return
	}
	fmt.Println(string(out))
}
