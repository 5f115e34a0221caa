package cmd

import (
	"github.com/spf13/cobra"

	"github.com/cloud-gpu-shopper/gpu-fleet-core/internal/provider"
	"github.com/cloud-gpu-shopper/gpu-fleet-core/pkg/models"
)

var (
	lifecycleOfferID      string
	lifecycleLabel        string
	lifecycleSSHPublicKey string
	lifecycleDiskGB       int
	lifecycleOnStartCmd   string
	lifecycleReason       string
)

var lifecycleCmd = &cobra.Command{
	Use:   "lifecycle",
	Short: "Create, destroy, pause, and resume instances",
}

var lifecycleCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create an instance from an offer",
	RunE:  runLifecycleCreate,
}

var lifecycleDestroyCmd = &cobra.Command{
	Use:   "destroy [instance-id]",
	Short: "Destroy an instance",
	Args:  cobra.ExactArgs(1),
	RunE:  runLifecycleDestroy,
}

var lifecyclePauseCmd = &cobra.Command{
	Use:   "pause [instance-id]",
	Short: "Pause an instance",
	Args:  cobra.ExactArgs(1),
	RunE:  runLifecyclePause,
}

var lifecycleResumeCmd = &cobra.Command{
	Use:   "resume [instance-id]",
	Short: "Resume a paused instance",
	Args:  cobra.ExactArgs(1),
	RunE:  runLifecycleResume,
}

var lifecycleHistoryCmd = &cobra.Command{
	Use:   "history [instance-id]",
	Short: "Show lifecycle events for an instance",
	Args:  cobra.ExactArgs(1),
	RunE:  runLifecycleHistory,
}

func init() {
	rootCmd.AddCommand(lifecycleCmd)
	lifecycleCmd.AddCommand(lifecycleCreateCmd)
	lifecycleCmd.AddCommand(lifecycleDestroyCmd)
	lifecycleCmd.AddCommand(lifecyclePauseCmd)
	lifecycleCmd.AddCommand(lifecycleResumeCmd)
	lifecycleCmd.AddCommand(lifecycleHistoryCmd)

	lifecycleCreateCmd.Flags().StringVar(&lifecycleOfferID, "offer-id", "", "offer ID to rent (required)")
	lifecycleCreateCmd.Flags().StringVar(&lifecycleLabel, "label", "", "human-readable label")
	lifecycleCreateCmd.Flags().StringVar(&lifecycleSSHPublicKey, "ssh-public-key", "", "SSH public key to install")
	lifecycleCreateCmd.Flags().IntVar(&lifecycleDiskGB, "disk-gb", 20, "disk size in GB")
	lifecycleCreateCmd.Flags().StringVar(&lifecycleOnStartCmd, "onstart-cmd", "", "command to run on first boot")
	_ = lifecycleCreateCmd.MarkFlagRequired("offer-id")

	for _, c := range []*cobra.Command{lifecycleCreateCmd, lifecycleDestroyCmd, lifecyclePauseCmd, lifecycleResumeCmd} {
		c.Flags().StringVar(&lifecycleReason, "reason", "operator requested via fleetctl", "reason recorded in the lifecycle event log")
	}
}

func runLifecycleCreate(cmd *cobra.Command, args []string) error {
	cp, err := newControlPlane(cmd.Context())
	if err != nil {
		return err
	}
	defer cp.Close()

	req := provider.CreateInstanceRequest{
		OfferID:      lifecycleOfferID,
		Label:        lifecycleLabel,
		SSHPublicKey: lifecycleSSHPublicKey,
		DiskGB:       lifecycleDiskGB,
		OnStartCmd:   lifecycleOnStartCmd,
	}
	inst, err := cp.Lifecycle.CreateInstance(cmd.Context(), req, lifecycleReason, models.SourceAPIUser)
	if err != nil {
		return err
	}
	printJSON(inst)
	return nil
}

func runLifecycleDestroy(cmd *cobra.Command, args []string) error {
	cp, err := newControlPlane(cmd.Context())
	if err != nil {
		return err
	}
	defer cp.Close()
	return cp.Lifecycle.DestroyInstance(cmd.Context(), args[0], lifecycleReason, models.SourceAPIUser)
}

func runLifecyclePause(cmd *cobra.Command, args []string) error {
	cp, err := newControlPlane(cmd.Context())
	if err != nil {
		return err
	}
	defer cp.Close()
	return cp.Lifecycle.PauseInstance(cmd.Context(), args[0], lifecycleReason, models.SourceAPIUser)
}

func runLifecycleResume(cmd *cobra.Command, args []string) error {
	cp, err := newControlPlane(cmd.Context())
	if err != nil {
		return err
	}
	defer cp.Close()
	return cp.Lifecycle.ResumeInstance(cmd.Context(), args[0], lifecycleReason, models.SourceAPIUser)
}

func runLifecycleHistory(cmd *cobra.Command, args []string) error {
	cp, err := newControlPlane(cmd.Context())
	if err != nil {
		return err
	}
	defer cp.Close()

	events, err := cp.Lifecycle.History(cmd.Context(), args[0], 50)
	if err != nil {
		return err
	}
	printJSON(events)
	return nil
}
