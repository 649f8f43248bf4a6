package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newServeCmd() *cobra.Command {
	var (
		script bool
		addr   string
	)
	cmd := &cobra.Command{
		Use:   "serve <file>",
		Short: "Serve a flow over HTTP",
		Long: `Starts an HTTP API that runs the flow on demand:

  GET  /api/nodes             registered node types
  GET  /api/graph             transitions of the served flow
  POST /api/run[?wait=true]   start a run with a JSON object as shared state
  GET  /api/runs              run ids with a checkpoint
  GET  /api/runs/{id}         status and result of a run
  GET  /api/runs/{id}/events  lifecycle events of a run
  GET  /metrics               Prometheus metrics when metrics.enabled is set`,
		Args: cobra.ExactArgs(1),
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
			if addr == "" {
				addr = a.cfg.Server.Addr
			}

			ctx := cmd.Context()
			s := newServer(ctx, a, flow)
			srv := &http.Server{
				Addr:              addr,
				Handler:           s.routes(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			errc := make(chan error, 1)
			go func() {
				a.logger.Info("serving flow", zap.String("addr", addr), zap.String("flow", flow.Name()))
				errc <- srv.ListenAndServe()
			}()

			select {
			case err := <-errc:
				if !errors.Is(err, http.ErrServerClosed) {
					return err
				}
			case <-ctx.Done():
				a.logger.Info("shutting down")
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
			defer cancel()
			err = srv.Shutdown(shutdownCtx)
			s.wait()
			return err
		},
	}
	cmd.Flags().BoolVar(&script, "script", false, "parse the file as a linear script")
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default server.addr)")
	return cmd
}
