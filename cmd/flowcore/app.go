package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sashabaranov/go-openai"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"flowcore/checkpointer"
	"flowcore/config"
	"flowcore/dsl"
	"flowcore/flows"
	"flowcore/internal/logging"
	"flowcore/kv"
	"flowcore/monitors"
	"flowcore/nodes"
	"flowcore/utils"
)

// app holds the process-wide dependencies every command shares.
type app struct {
	cfg         *config.Config
	logger      *zap.Logger
	store       kv.Store
	checkpoints checkpointer.Checkpointer
	llm         nodes.ChatClient
	limiter     *rate.Limiter
	registry    *prometheus.Registry
	monitors    []flows.FlowMonitor
	closers     []func() error
}

func loadApp(cmd *cobra.Command) (*app, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Log.Level = level
	}
	return newApp(cmd.Context(), cfg, cmd.ErrOrStderr())
}

func newApp(ctx context.Context, cfg *config.Config, traceOut io.Writer) (*app, error) {
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}
	flows.SetLogger(logger.With(zap.String("component", "flows")))

	a := &app{cfg: cfg, logger: logger, llm: newLLMClient(cfg.LLM)}
	a.store, err = openStore(ctx, cfg.Store, logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.store.Close)
	a.checkpoints = checkpointer.NewKV(a.store)

	if cfg.LLM.RequestsPerSecond > 0 {
		a.limiter = rate.NewLimiter(rate.Limit(cfg.LLM.RequestsPerSecond), max(cfg.LLM.Burst, 1))
	}

	a.monitors = []flows.FlowMonitor{
		monitors.NewLogMonitor(logger),
		checkpointer.NewMonitor(a.checkpoints, logger),
	}
	if cfg.Metrics.Enabled {
		a.registry = prometheus.NewRegistry()
		a.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		a.monitors = append(a.monitors, monitors.NewPrometheusMonitor(a.registry, cfg.Metrics.Namespace))
	}
	if cfg.Tracing.Enabled {
		w := traceOut
		if cfg.Tracing.Output != "" {
			f, err := os.Create(cfg.Tracing.Output)
			if err != nil {
				_ = a.Close()
				return nil, fmt.Errorf("trace output: %w", err)
			}
			a.closers = append(a.closers, f.Close)
			w = f
		}
		tp, err := monitors.NewStdoutTracerProvider(w, cfg.Tracing.ServiceName)
		if err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("tracing: %w", err)
		}
		a.closers = append(a.closers, func() error { return tp.Shutdown(context.Background()) })
		a.monitors = append(a.monitors, monitors.NewTracingMonitor(tp))
	}
	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for _, c := range slices.Backward(a.closers) {
		errs = append(errs, c())
	}
	a.closers = nil
	_ = a.logger.Sync()
	return errors.Join(errs...)
}

func openStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (kv.Store, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		return kv.NewMemory(), nil
	case config.DriverFile:
		f, err := kv.OpenFile(cfg.Path)
		if err != nil {
			return nil, err
		}
		return f, nil
	case config.DriverSQLite:
		s, err := kv.OpenSQLite(ctx, cfg.Path)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.DriverRedis:
		var store *kv.Redis
		err := utils.WithRetry(ctx, cfg.ConnectAttempts, time.Second, func(ctx context.Context) error {
			s, err := kv.NewRedis(ctx, cfg.Addr, cfg.Password, cfg.DB, kv.WithPrefix(cfg.Prefix), kv.WithTTL(cfg.TTL))
			if err != nil {
				logger.Warn("redis not reachable", zap.String("addr", cfg.Addr), zap.Error(err))
				return err
			}
			store = s
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("connect redis %s: %w", cfg.Addr, err)
		}
		return store, nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
}

// newLLMClient returns nil without an API key, which puts llm nodes in mock
// mode.
func newLLMClient(cfg config.LLMConfig) nodes.ChatClient {
	if cfg.APIKey == "" {
		return nil
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	return openai.NewClientWithConfig(oc)
}

func (a *app) dslOptions(name string) dsl.Options {
	return dsl.Options{
		LLM:        a.llm,
		Store:      a.store,
		Limiter:    a.limiter,
		Logger:     a.logger,
		Name:       name,
		Model:      a.cfg.LLM.Model,
		MaxRetries: a.cfg.Engine.MaxRetries,
		Wait:       a.cfg.Engine.Wait,
	}
}

// loadFlow reads path as a graph file, or as a linear script when script is
// set. The flow is named after the file.
func (a *app) loadFlow(path string, script bool) (*flows.AsyncFlow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	var flow *flows.AsyncFlow
	if script {
		flow, err = dsl.BuildFlowFromScript(string(data), a.dslOptions(name))
	} else {
		flow, err = dsl.ParseGraph(string(data), a.dslOptions(name))
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return flow, nil
}

// runOptions attaches the app's logger and monitors, plus any extra ones.
func (a *app) runOptions(extra ...flows.FlowMonitor) []flows.RunOption {
	return []flows.RunOption{
		flows.WithLogger(a.logger),
		flows.WithMonitors(a.monitors...),
		flows.WithMonitors(extra...),
	}
}
