package cli

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"yangvault/internal/conn"
	"yangvault/internal/shmreg"
	"yangvault/internal/yang"
)

func newModuleCmd(logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "module",
		Short: "Manage installed modules (changes apply when the repository is idle)",
	}
	cmd.AddCommand(
		newModuleListCmd(logger),
		newModuleInstallCmd(),
		newModuleRemoveCmd(),
		newModuleFeatureCmd(),
		newModuleReplayCmd(),
	)
	return cmd
}

func newModuleListCmd(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List installed modules",
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := pathsFromCmd(cmd)
			if err != nil {
				return err
			}
			c, err := conn.Connect(paths, yang.NewContext(), 0, logger)
			if err != nil {
				return err
			}
			defer c.Disconnect()

			mods, err := c.Reg.Mods()
			if err != nil {
				return err
			}
			for _, m := range mods {
				name, _ := m.Name()
				rev, _ := m.Revision()
				feats, _ := m.Features()
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\tver=%d\treplay=%v\tfeatures=%v\n",
					name, rev, m.Ver(), m.ReplaySupport(), feats)
			}
			pending, err := shmreg.LoadSched(paths)
			if err != nil {
				return err
			}
			if len(pending) > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "(%d scheduled changes pending)\n", len(pending))
			}
			return nil
		},
	}
}

func newModuleInstallCmd() *cobra.Command {
	var revision string
	var features []string
	var replay bool
	cmd := &cobra.Command{
		Use:   "install <name>",
		Short: "Schedule a module installation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := pathsFromCmd(cmd)
			if err != nil {
				return err
			}
			return shmreg.Schedule(paths, shmreg.SchedChange{
				Action: shmreg.SchedInstall,
				Name:   args[0],
				Module: &shmreg.ModuleDef{
					Name:     args[0],
					Revision: revision,
					Features: features,
					Replay:   replay,
				},
			})
		},
	}
	cmd.Flags().StringVar(&revision, "revision", "", "module revision")
	cmd.Flags().StringSliceVar(&features, "feature", nil, "enabled features")
	cmd.Flags().BoolVar(&replay, "replay", false, "enable notification replay")
	return cmd
}

func newModuleRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <name>",
		Short: "Schedule a module removal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := pathsFromCmd(cmd)
			if err != nil {
				return err
			}
			return shmreg.Schedule(paths, shmreg.SchedChange{
				Action: shmreg.SchedRemove, Name: args[0],
			})
		},
	}
}

func newModuleFeatureCmd() *cobra.Command {
	var disable bool
	cmd := &cobra.Command{
		Use:   "feature <module> <feature>",
		Short: "Schedule enabling (or disabling) a module feature",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := pathsFromCmd(cmd)
			if err != nil {
				return err
			}
			return shmreg.Schedule(paths, shmreg.SchedChange{
				Action: shmreg.SchedFeature, Name: args[0],
				Feature: args[1], Enable: !disable,
			})
		},
	}
	cmd.Flags().BoolVar(&disable, "disable", false, "disable instead of enable")
	return cmd
}

func newModuleReplayCmd() *cobra.Command {
	var off bool
	cmd := &cobra.Command{
		Use:   "replay <module>",
		Short: "Schedule toggling a module's notification replay support",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := pathsFromCmd(cmd)
			if err != nil {
				return err
			}
			return shmreg.Schedule(paths, shmreg.SchedChange{
				Action: shmreg.SchedReplay, Name: args[0], Replay: !off,
			})
		},
	}
	cmd.Flags().BoolVar(&off, "off", false, "disable replay support")
	return cmd
}
