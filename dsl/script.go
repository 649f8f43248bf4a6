package dsl

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"flowcore"
	"flowcore/flows"
	"flowcore/nodes"
)

// BuildFlowFromScript turns a linear script into an AsyncFlow whose steps run
// in order. Commands:
//
//	set <key> <value>     store a value; {{key}} is replaced from shared state
//	log <message>         log a templated message
//	delay <duration>      pause
//	require <key>...      fail unless every key is present
//	signal <name>         store name under shared["signal"]
func BuildFlowFromScript(script string, opts Options) (*flows.AsyncFlow, error) {
	var steps []flows.Unit
	for idx, raw := range strings.Split(script, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		name, rest := takeToken(line)
		if name == "" {
			continue
		}
		step, err := buildStep(idx+1, name, strings.TrimSpace(rest), opts)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}

	if len(steps) == 0 {
		return nil, fmt.Errorf("script contains no executable steps")
	}

	builder := flows.NewFlowBuilder(steps[0]).Named(opts.Name)
	for _, step := range steps[1:] {
		builder.Then(step)
	}
	return builder.BuildAsync(), nil
}

func buildStep(line int, name, args string, opts Options) (flows.Unit, error) {
	switch strings.ToLower(name) {
	case "set":
		key, rest := takeToken(args)
		if key == "" {
			return nil, fmt.Errorf("script line %d: missing key for set", line)
		}
		value, err := parseStringArgument(rest)
		if err != nil {
			return nil, fmt.Errorf("script line %d: invalid value for %s: %w", line, key, err)
		}
		return setNode(fmt.Sprintf("set-%d", line), key, value), nil
	case "log":
		message, err := parseStringArgument(args)
		if err != nil {
			return nil, fmt.Errorf("script line %d: log message: %w", line, err)
		}
		logger := opts.Logger
		return nodes.NewFunctionNode(fmt.Sprintf("log-%d", line), func(shared flowcore.Shared) (flowcore.Action, error) {
			l := logger
			if l == nil {
				l = flows.Logger()
			}
			l.Info(renderTemplate(message, shared), zap.Int("line", line))
			return "", nil
		}), nil
	case "delay":
		arg := strings.TrimSpace(args)
		if arg == "" {
			return nil, fmt.Errorf("script line %d: delay duration required", line)
		}
		dur, err := time.ParseDuration(arg)
		if err != nil {
			return nil, fmt.Errorf("script line %d: invalid duration %q: %w", line, arg, err)
		}
		return nodes.NewDelayNode(fmt.Sprintf("delay-%d", line), dur), nil
	case "require":
		keys := strings.Fields(args)
		if len(keys) == 0 {
			return nil, fmt.Errorf("script line %d: require needs at least one key", line)
		}
		return nodes.NewAsyncFunctionNode(fmt.Sprintf("require-%d", line), func(_ context.Context, shared flowcore.Shared) (flowcore.Action, error) {
			for _, key := range keys {
				if _, ok := shared[key]; !ok {
					return "", flowcore.Permanent(&flowcore.MissingSharedError{Key: key})
				}
			}
			return "", nil
		}), nil
	case "signal":
		target, err := parseStringArgument(args)
		if err != nil {
			return nil, fmt.Errorf("script line %d: signal target: %w", line, err)
		}
		return setNode(fmt.Sprintf("signal-%d", line), "signal", target), nil
	default:
		return nil, fmt.Errorf("script line %d: unknown command %q", line, name)
	}
}
