package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/wilhg/clinic-assist/pkg/mcpserver"
	"github.com/wilhg/clinic-assist/pkg/permission"
)

func newToolsCmd() *cobra.Command {
	var (
		serveMCP  bool
		staffID   string
		staffRole string
	)
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List the tool catalog, or serve it over stdio MCP with --mcp",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := loadApp(ctx, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			if serveMCP {
				caller := permission.NewCaller(staffID, permission.Role(staffRole), a.cfg.RoleTable())
				return mcpserver.New(mcpserver.NewBridge(a.dispatcher, caller), version).Run(ctx)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TOOL\tCAPABILITIES\tDESCRIPTION")
			for _, d := range a.dispatcher.Registry().Definitions() {
				caps := make([]string, len(d.Capabilities))
				for i, c := range d.Capabilities {
					caps[i] = string(c)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\n", d.Name, strings.Join(caps, ","), d.Description)
			}
			return tw.Flush()
		},
	}
	f := cmd.Flags()
	f.BoolVar(&serveMCP, "mcp", false, "serve the registry over stdio MCP (requires the mcp build tag)")
	f.StringVar(&staffID, "staff-id", "mcp-client", "caller id for MCP tool calls")
	f.StringVar(&staffRole, "staff-role", string(permission.RoleReceptionist), "caller role for MCP tool calls")
	return cmd
}
