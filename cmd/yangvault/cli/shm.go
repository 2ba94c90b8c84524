package cli

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"yangvault/internal/conn"
	"yangvault/internal/yang"
)

func newShmCmd(logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "shm",
		Short: "Inspect the shared-memory segments",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "stat",
		Short: "Print segment sizes, allocator counters and the module table",
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

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "main: %d bytes, %d modules, %d connections\n",
				c.Reg.Main.Size(), c.Reg.ModCount(), c.Reg.ConnCount())
			fmt.Fprintf(out, "ext:  %d bytes, %d used, %d wasted\n",
				c.Reg.Ext.Size(), c.Reg.Ext.Used(), c.Reg.Ext.Wasted())

			mods, err := c.Reg.Mods()
			if err != nil {
				return err
			}
			for _, m := range mods {
				name, _ := m.Name()
				fmt.Fprintf(out, "  module %-24s off=%d ver=%d\n", name, m.Off, m.Ver())
			}
			return nil
		},
	})
	return cmd
}

func newSweepCmd(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Force one dead-connection recovery sweep",
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
			// Connect already swept; a second forced pass reports what a
			// racing crash left behind.
			return c.SweepNow()
		},
	}
}
