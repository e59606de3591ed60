package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var configPathFlag string

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "agentcli",
		Short:        "Run and inspect the model query loop from a terminal",
		Version:      fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPathFlag, "config", "c", "agentcli.yaml", "path to YAML configuration file")

	rootCmd.AddCommand(
		buildQueryCmd(),
		buildToolsCmd(),
		buildSkillsCmd(),
	)
	return rootCmd
}
