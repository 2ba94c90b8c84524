// Package cli implements the yangvault command tree.
package cli

import (
	"log/slog"

	"github.com/spf13/cobra"

	"yangvault/internal/config"
)

// NewRootCommand returns the yangvault root command with all subcommands
// wired in.
func NewRootCommand(logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "yangvault",
		Short:         "Manage a yangvault configuration repository",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringP("repo", "r", ".", "repository root directory")

	cmd.AddCommand(
		newModuleCmd(logger),
		newDataCmd(logger),
		newShmCmd(logger),
		newSweepCmd(logger),
	)
	return cmd
}

func pathsFromCmd(cmd *cobra.Command) (config.Paths, error) {
	root, err := cmd.Flags().GetString("repo")
	if err != nil {
		return config.Paths{}, err
	}
	paths, err := config.NewPaths(root)
	if err != nil {
		return config.Paths{}, err
	}
	return paths, paths.EnsureDirs()
}
