package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"flowcore/dsl"
	"flowcore/nodes"
)

func newNodesCmd() *cobra.Command {
	var examples bool
	cmd := &cobra.Command{
		Use:   "nodes",
		Short: "List the node types known to the registry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			graphTypes := map[string]bool{}
			for _, t := range dsl.NodeTypes() {
				graphTypes[t] = true
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TYPE\tGRAPH\tDESCRIPTION")
			for _, def := range nodes.RegisteredNodes() {
				inGraph := "-"
				if graphTypes[def.ID] {
					inGraph = "yes"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\n", def.ID, inGraph, def.Description)
				if examples && def.Example != "" {
					fmt.Fprintf(tw, "\t\t  %s\n", def.Example)
				}
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&examples, "examples", false, "show a usage example under each type")
	return cmd
}
