package cli

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"yangvault/internal/config"
	"yangvault/internal/conn"
	"yangvault/internal/modinfo"
	"yangvault/internal/yang"
)

func newDataCmd(logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "data",
		Short: "One-shot datastore reads and writes",
	}
	cmd.PersistentFlags().String("datastore", "running", "datastore: running, startup, candidate, operational")
	cmd.AddCommand(newDataGetCmd(logger), newDataSetCmd(logger), newDataDelCmd(logger))
	return cmd
}

func sessionFromCmd(cmd *cobra.Command, logger *slog.Logger) (*modinfo.Engine, *conn.Session, func(), error) {
	paths, err := pathsFromCmd(cmd)
	if err != nil {
		return nil, nil, nil, err
	}
	dsName, _ := cmd.Flags().GetString("datastore")
	ds, ok := config.ParseDatastore(dsName)
	if !ok {
		return nil, nil, nil, fmt.Errorf("unknown datastore %q", dsName)
	}
	c, err := conn.Connect(paths, yang.NewContext(), 0, logger)
	if err != nil {
		return nil, nil, nil, err
	}
	eng := modinfo.New(c, nil, logger)
	ses := c.NewSession("cli")
	ses.SwitchDS(ds)
	return eng, ses, func() { c.Disconnect() }, nil
}

func newDataGetCmd(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "get <xpath>",
		Short: "Read data selected by an xpath",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, ses, done, err := sessionFromCmd(cmd, logger)
			if err != nil {
				return err
			}
			defer done()
			forest, err := eng.GetData(ses, args[0], 0)
			if err != nil {
				return err
			}
			printForest(cmd, forest, 0)
			return nil
		},
	}
}

func printForest(cmd *cobra.Command, forest []*yang.Node, depth int) {
	indent := strings.Repeat("  ", depth)
	for _, n := range forest {
		line := indent + n.Module + ":" + n.Name
		for k, v := range n.Keys {
			line += fmt.Sprintf("[%s=%s]", k, v)
		}
		if n.Value != "" {
			line += " = " + n.Value
		}
		if n.Default {
			line += " (default)"
		}
		fmt.Fprintln(cmd.OutOrStdout(), line)
		printForest(cmd, n.Children, depth+1)
	}
}

func newDataSetCmd(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "set <xpath> <value>",
		Short: "Set a leaf value and apply",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, ses, done, err := sessionFromCmd(cmd, logger)
			if err != nil {
				return err
			}
			defer done()
			edit, err := editFromPath(args[0], args[1], yang.OpMerge)
			if err != nil {
				return err
			}
			ses.SetEdit(edit)
			return eng.ApplyChanges(ses, yang.OpMerge, false)
		},
	}
}

func newDataDelCmd(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "del <xpath>",
		Short: "Remove a node and apply",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, ses, done, err := sessionFromCmd(cmd, logger)
			if err != nil {
				return err
			}
			defer done()
			edit, err := editFromPath(args[0], "", yang.OpRemove)
			if err != nil {
				return err
			}
			ses.SetEdit(edit)
			return eng.ApplyChanges(ses, yang.OpMerge, false)
		},
	}
}

// editFromPath builds an edit forest addressing one path: anchors down to
// the target node, which carries the operation and value.
func editFromPath(xpath, value string, op yang.Op) ([]*yang.Node, error) {
	p, err := yang.ParsePath(xpath)
	if err != nil {
		return nil, err
	}
	var root, cur *yang.Node
	for i, st := range p.Steps {
		n := &yang.Node{Name: st.Name, Module: st.Module, Kind: yang.KindContainer}
		if len(st.Preds) > 0 {
			n.Kind = yang.KindList
			n.Keys = st.Preds
		}
		if i == len(p.Steps)-1 {
			if value != "" || op == yang.OpRemove {
				n.Kind = yang.KindLeaf
				n.Value = value
			}
			n.Op = op
		}
		if cur == nil {
			root = n
		} else {
			cur.Children = append(cur.Children, n)
		}
		cur = n
	}
	return []*yang.Node{root}, nil
}
