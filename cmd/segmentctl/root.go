package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newRootCmd builds the command tree. Commands are constructed per call so
// tests can run them in isolation.
func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "segmentctl",
		Short: "Tiered segment store operator tool",
		Long: `Offline tooling for segments written by the tiered segment store.

This tool provides commands for:
  • Generating RSA and age key material for data key wrapping
  • Inspecting segment manifests
  • Restoring a segment from its manifest and stored data
  • Planning the stored layout of a segment`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newKeygenCmd(),
		newInspectCmd(),
		newRestoreCmd(),
		newPlanCmd(),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "segmentctl %s (commit %s)\n", version, commit)
		},
	}
}
