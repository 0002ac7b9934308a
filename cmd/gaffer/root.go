package main

import (
	"fmt"

	"gaffer/internal/appversion"

	"github.com/spf13/cobra"
)

// newRootCmd creates the root gaffer command with all subcommands attached.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "gaffer",
		Short:         "Gaffer multi-agent delivery orchestrator",
		Long:          "gaffer drives coding-agent workers through an issue -> plan -> implement\n-> review -> publish -> merge pipeline against a GitHub repository.",
		Version:       fmt.Sprintf("gaffer %s", appversion.String()),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("{{.Version}}\n")

	cmd.AddCommand(
		newInitCmd(),
		newRunCmd(),
		newStatusCmd(),
		newDashCmd(),
		newLogsCmd(),
		newResetCmd(),
	)

	return cmd
}
