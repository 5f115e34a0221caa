package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/cloud-gpu-shopper/gpu-fleet-core/pkg/models"
)

var policyFile string

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Read and update failover policies",
}

var policyGetGlobalCmd = &cobra.Command{
	Use:   "get-global",
	Short: "Show the global failover policy",
	RunE:  runPolicyGetGlobal,
}

var policySetGlobalCmd = &cobra.Command{
	Use:   "set-global",
	Short: "Replace the global failover policy from a JSON document",
	RunE:  runPolicySetGlobal,
}

var policyGetMachineCmd = &cobra.Command{
	Use:   "get-machine [machine-id]",
	Short: "Show a machine's failover policy override",
	Args:  cobra.ExactArgs(1),
	RunE:  runPolicyGetMachine,
}

var policySetMachineCmd = &cobra.Command{
	Use:   "set-machine [machine-id]",
	Short: "Set a machine's failover policy override from a JSON document",
	Args:  cobra.ExactArgs(1),
	RunE:  runPolicySetMachine,
}

func init() {
	rootCmd.AddCommand(policyCmd)
	policyCmd.AddCommand(policyGetGlobalCmd)
	policyCmd.AddCommand(policySetGlobalCmd)
	policyCmd.AddCommand(policyGetMachineCmd)
	policyCmd.AddCommand(policySetMachineCmd)

	for _, c := range []*cobra.Command{policySetGlobalCmd, policySetMachineCmd} {
		c.Flags().StringVar(&policyFile, "file", "-", "path to a JSON FailoverPolicy document, - for stdin")
	}
}

func readPolicyDocument() (models.FailoverPolicy, error) {
	var r io.Reader
	if policyFile == "-" {
		r = os.Stdin
	} else {
		f, err := os.Open(policyFile)
		if err != nil {
			return models.FailoverPolicy{}, err
		}
		defer f.Close()
		r = f
	}

	var p models.FailoverPolicy
	if err := json.NewDecoder(r).Decode(&p); err != nil {
		return models.FailoverPolicy{}, fmt.Errorf("failed to parse policy document: %w", err)
	}
	return p, nil
}

func runPolicyGetGlobal(cmd *cobra.Command, args []string) error {
	cp, err := newControlPlane(cmd.Context())
	if err != nil {
		return err
	}
	defer cp.Close()

	policy, err := cp.Policies.GetGlobal(cmd.Context())
	if err != nil {
		return err
	}
	printJSON(policy)
	return nil
}

func runPolicySetGlobal(cmd *cobra.Command, args []string) error {
	cp, err := newControlPlane(cmd.Context())
	if err != nil {
		return err
	}
	defer cp.Close()

	p, err := readPolicyDocument()
	if err != nil {
		return err
	}
	return cp.Policies.SetGlobal(cmd.Context(), p)
}

func runPolicyGetMachine(cmd *cobra.Command, args []string) error {
	cp, err := newControlPlane(cmd.Context())
	if err != nil {
		return err
	}
	defer cp.Close()

	policy, err := cp.Policies.GetForMachine(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	printJSON(policy)
	return nil
}

func runPolicySetMachine(cmd *cobra.Command, args []string) error {
	cp, err := newControlPlane(cmd.Context())
	if err != nil {
		return err
	}
	defer cp.Close()

	p, err := readPolicyDocument()
	if err != nil {
		return err
	}
	p.MachineID = args[0]
	return cp.Policies.SetForMachine(cmd.Context(), args[0], p)
}
