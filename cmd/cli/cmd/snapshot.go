package cmd

import (
	"github.com/spf13/cobra"

	"github.com/cloud-gpu-shopper/gpu-fleet-core/internal/snapshot"
)

var (
	snapCreateInstanceID    string
	snapCreateOwnerID       string
	snapCreateBaseID        string
	snapCreateHost          string
	snapCreatePort          int
	snapCreateUser          string
	snapCreatePrivateKey    string
	snapCreateWorkspace     string
	snapCreateRetentionDays int
	snapCreateKeepForever   bool

	snapRestoreHost       string
	snapRestorePort       int
	snapRestoreUser       string
	snapRestorePrivateKey string
	snapRestoreWorkspace  string

	snapCleanupBatchSize int
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Create, restore, and expire workspace snapshots",
}

var snapshotCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Snapshot a running instance's workspace",
	RunE:  runSnapshotCreate,
}

var snapshotRestoreCmd = &cobra.Command{
	Use:   "restore [snapshot-id]",
	Short: "Restore a snapshot onto a target instance",
	Args:  cobra.ExactArgs(1),
	RunE:  runSnapshotRestore,
}

var snapshotCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete expired snapshots past their retention window",
	RunE:  runSnapshotCleanup,
}

func init() {
	rootCmd.AddCommand(snapshotCmd)
	snapshotCmd.AddCommand(snapshotCreateCmd)
	snapshotCmd.AddCommand(snapshotRestoreCmd)
	snapshotCmd.AddCommand(snapshotCleanupCmd)

	snapshotCreateCmd.Flags().StringVar(&snapCreateInstanceID, "instance-id", "", "source instance ID (required)")
	snapshotCreateCmd.Flags().StringVar(&snapCreateOwnerID, "owner-id", "", "owning user ID (required)")
	snapshotCreateCmd.Flags().StringVar(&snapCreateBaseID, "base-snapshot-id", "", "base snapshot ID, for an incremental snapshot")
	snapshotCreateCmd.Flags().StringVar(&snapCreateHost, "ssh-host", "", "SSH host of the source instance (required)")
	snapshotCreateCmd.Flags().IntVar(&snapCreatePort, "ssh-port", 22, "SSH port")
	snapshotCreateCmd.Flags().StringVar(&snapCreateUser, "ssh-user", "root", "SSH user")
	snapshotCreateCmd.Flags().StringVar(&snapCreatePrivateKey, "ssh-private-key", "", "SSH private key contents")
	snapshotCreateCmd.Flags().StringVar(&snapCreateWorkspace, "workspace-path", "/workspace", "remote workspace path")
	snapshotCreateCmd.Flags().IntVar(&snapCreateRetentionDays, "retention-days", 0, "retention window in days, 0 uses the configured default")
	snapshotCreateCmd.Flags().BoolVar(&snapCreateKeepForever, "keep-forever", false, "exempt this snapshot from cleanup")
	_ = snapshotCreateCmd.MarkFlagRequired("instance-id")
	_ = snapshotCreateCmd.MarkFlagRequired("owner-id")
	_ = snapshotCreateCmd.MarkFlagRequired("ssh-host")

	snapshotRestoreCmd.Flags().StringVar(&snapRestoreHost, "ssh-host", "", "SSH host of the restore target (required)")
	snapshotRestoreCmd.Flags().IntVar(&snapRestorePort, "ssh-port", 22, "SSH port")
	snapshotRestoreCmd.Flags().StringVar(&snapRestoreUser, "ssh-user", "root", "SSH user")
	snapshotRestoreCmd.Flags().StringVar(&snapRestorePrivateKey, "ssh-private-key", "", "SSH private key contents")
	snapshotRestoreCmd.Flags().StringVar(&snapRestoreWorkspace, "workspace-path", "/workspace", "remote workspace path to restore into")
	_ = snapshotRestoreCmd.MarkFlagRequired("ssh-host")

	snapshotCleanupCmd.Flags().IntVar(&snapCleanupBatchSize, "batch-size", 100, "maximum number of snapshots to evaluate this run")
}

func runSnapshotCreate(cmd *cobra.Command, args []string) error {
	cp, err := newControlPlane(cmd.Context())
	if err != nil {
		return err
	}
	defer cp.Close()

	ep := snapshot.Endpoint{
		Host:          snapCreateHost,
		Port:          snapCreatePort,
		User:          snapCreateUser,
		PrivateKey:    snapCreatePrivateKey,
		WorkspacePath: snapCreateWorkspace,
	}
	snap, err := cp.Snapshots.Create(cmd.Context(), snapCreateInstanceID, snapCreateOwnerID, snapCreateBaseID, ep, snapCreateRetentionDays, snapCreateKeepForever)
	if err != nil {
		return err
	}
	printJSON(snap)
	return nil
}

func runSnapshotRestore(cmd *cobra.Command, args []string) error {
	cp, err := newControlPlane(cmd.Context())
	if err != nil {
		return err
	}
	defer cp.Close()

	ep := snapshot.Endpoint{
		Host:          snapRestoreHost,
		Port:          snapRestorePort,
		User:          snapRestoreUser,
		PrivateKey:    snapRestorePrivateKey,
		WorkspacePath: snapRestoreWorkspace,
	}
	result, err := cp.Snapshots.Restore(cmd.Context(), args[0], ep)
	if err != nil {
		return err
	}
	printJSON(result)
	return nil
}

func runSnapshotCleanup(cmd *cobra.Command, args []string) error {
	cp, err := newControlPlane(cmd.Context())
	if err != nil {
		return err
	}
	defer cp.Close()

	stats, err := cp.Snapshots.RunCleanup(cmd.Context(), snapCleanupBatchSize)
	if err != nil {
		return err
	}
	printJSON(stats)
	return nil
}
