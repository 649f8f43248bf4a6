package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"flowcore/flows"
)

func newGraphCmd() *cobra.Command {
	var (
		script bool
		format string
	)
	cmd := &cobra.Command{
		Use:   "graph <file>",
		Short: "Print the transitions of a flow file",
		Long:  `Parses the file and prints every edge reachable from the start node as text, a Mermaid diagram or JSON.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			flow, err := a.loadFlow(args[0], script)
			if err != nil {
				return err
			}
			return writeGraph(cmd.OutOrStdout(), flow.StartUnit(), format)
		},
	}
	cmd.Flags().BoolVar(&script, "script", false, "parse the file as a linear script")
	cmd.Flags().StringVarP(&format, "format", "f", "text", "text, mermaid or json")
	return cmd
}

type edgeJSON struct {
	From   string `json:"from"`
	Action string `json:"action"`
	To     string `json:"to"`
}

func graphEdges(start flows.Unit) []edgeJSON {
	edges := flows.Graph(start)
	out := make([]edgeJSON, 0, len(edges))
	for _, e := range edges {
		out = append(out, edgeJSON{From: e.From, Action: string(e.Action), To: e.To})
	}
	return out
}

func writeGraph(w io.Writer, start flows.Unit, format string) error {
	edges := graphEdges(start)
	switch format {
	case "json":
		return json.NewEncoder(w).Encode(map[string]any{"start": flows.UnitName(start), "edges": edges})
	case "mermaid":
		var b strings.Builder
		b.WriteString("graph TD\n")
		if len(edges) == 0 {
			fmt.Fprintf(&b, "    %s\n", flows.UnitName(start))
		}
		for _, e := range edges {
			fmt.Fprintf(&b, "    %s -->|%s| %s\n", e.From, e.Action, e.To)
		}
		_, err := io.WriteString(w, b.String())
		return err
	case "text":
		fmt.Fprintf(w, "start: %s\n", flows.UnitName(start))
		for _, e := range edges {
			fmt.Fprintf(w, "%s --%s--> %s\n", e.From, e.Action, e.To)
		}
		return nil
	}
	return fmt.Errorf("unknown format %q", format)
}
