package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"flowcore"
	"flowcore/checkpointer"
	"flowcore/flows"
)

type runFlags struct {
	sets     []string
	script   bool
	output   string
	markdown bool
	runID    string
	resume   string
	timeout  time.Duration
}

func newRunCmd() *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run <file>",
		Short: "Run a flow file and print the resulting shared state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if f.resume != "" && f.runID != "" {
				return errors.New("--run-id and --resume are mutually exclusive")
			}
			if f.markdown && f.output == "" {
				return errors.New("--markdown needs --output")
			}
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.run(cmd.Context(), cmd.OutOrStdout(), args[0], f)
		},
	}
	flags := cmd.Flags()
	flags.StringArrayVar(&f.sets, "set", nil, "initial shared value as key=value (repeatable)")
	flags.BoolVar(&f.script, "script", false, "parse the file as a linear script instead of a graph")
	flags.StringVarP(&f.output, "output", "o", "", "print only this shared key")
	flags.BoolVar(&f.markdown, "markdown", false, "render the --output value as markdown")
	flags.StringVar(&f.runID, "run-id", "", "id for this run, used by checkpoints")
	flags.StringVar(&f.resume, "resume", "", "resume the checkpointed run with this id")
	flags.DurationVar(&f.timeout, "timeout", 0, "cancel the run after this long (default engine.timeout)")
	return cmd
}

func (a *app) run(ctx context.Context, out io.Writer, path string, f runFlags) error {
	flow, err := a.loadFlow(path, f.script)
	if err != nil {
		return err
	}
	shared, err := parseSets(f.sets)
	if err != nil {
		return err
	}

	timeout := f.timeout
	if timeout == 0 {
		timeout = a.cfg.Engine.Timeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	opts := a.runOptions()
	switch {
	case f.resume != "":
		res, err := checkpointer.Restore(ctx, a.checkpoints, f.resume, flow.StartUnit())
		if err != nil {
			return err
		}
		maps.Copy(res.Shared, shared)
		shared = res.Shared
		opts = append(opts, res.Options()...)
		a.logger.Info("resuming run",
			zap.String("run_id", f.resume),
			zap.String("at", res.Checkpoint.NextNode),
			zap.Int("steps_done", res.Checkpoint.StepCount),
		)
	case f.runID != "":
		opts = append(opts, flows.WithRunID(f.runID))
	}

	action, err := flows.RunAsync(ctx, flow, shared, opts...)
	if err != nil {
		return fmt.Errorf("run %s: %w", path, err)
	}
	a.logger.Debug("flow finished", zap.String("action", string(action)))
	return printResult(out, shared, f.output, f.markdown)
}

// parseSets turns key=value pairs into shared state. Values that parse as JSON
// keep their type; anything else is a string.
func parseSets(pairs []string) (flowcore.Shared, error) {
	shared := flowcore.Shared{}
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("--set %q: expected key=value", pair)
		}
		var decoded any
		if err := json.Unmarshal([]byte(value), &decoded); err == nil {
			shared[key] = decoded
		} else {
			shared[key] = value
		}
	}
	return shared, nil
}

func printResult(out io.Writer, shared flowcore.Shared, key string, markdown bool) error {
	if key == "" {
		return writeJSON(out, shared)
	}
	value, ok := shared[key]
	if !ok {
		return fmt.Errorf("output key %q not in shared state", key)
	}
	text, isString := value.(string)
	if !isString {
		return writeJSON(out, value)
	}
	if markdown {
		r, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(100))
		if err != nil {
			return err
		}
		rendered, err := r.Render(text)
		if err != nil {
			return err
		}
		_, err = io.WriteString(out, rendered)
		return err
	}
	_, err := fmt.Fprintln(out, text)
	return err
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
