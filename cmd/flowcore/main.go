// Command flowcore runs flows written in the graph or script language.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "flowcore",
		Short: "Run node graphs described in the flowcore graph and script languages",
		Long: `flowcore builds a flow from a graph file (node/start/connect directives) or a
linear script (set/log/delay/require/signal commands) and runs it.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().String("config", "", "YAML config file")
	root.PersistentFlags().String("log-level", "", "override log.level from the config")
	root.AddCommand(newRunCmd(), newGraphCmd(), newNodesCmd(), newServeCmd())
	return root
}
