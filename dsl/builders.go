package dsl

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"

	"flowcore"
	"flowcore/flows"
	"flowcore/nodes"
)

// nodeArgs is what a builder receives: the words after the type, split into
// positional and key=value arguments.
type nodeArgs struct {
	id         string
	positional []string
	named      map[string]string
	opts       Options
}

type builder func(a nodeArgs) (flows.Unit, error)

var builders = map[string]builder{
	"llm":         buildLLM,
	"llm_router":  buildLLMRouter,
	"logger":      buildLogger,
	"delay":       buildDelay,
	"set":         buildSet,
	"http":        buildHTTP,
	"shell":       buildShell,
	"lua":         buildLua,
	"kv_read":     buildKVRead,
	"kv_write":    buildKVWrite,
	"loop":        buildLoop,
	"conditional": buildConditional,
}

// NodeTypes lists the types the graph language accepts.
func NodeTypes() []string {
	return slices.Sorted(maps.Keys(builders))
}

// retryArgs are accepted by every node type.
type retryArgs struct {
	Retries int           `mapstructure:"retries"`
	Wait    time.Duration `mapstructure:"wait"`
}

type retryConfigurable interface {
	RetryPolicy() flows.RetryPolicy
	SetRetryPolicy(flows.RetryPolicy)
}

func buildNode(id, nodeType string, args []string, opts Options) (flows.Unit, error) {
	build, ok := builders[nodeType]
	if !ok {
		return nil, fmt.Errorf("unsupported node type %q", nodeType)
	}
	positional, named := splitArgs(args)

	var retry retryArgs
	common := map[string]string{}
	for _, key := range []string{"retries", "wait"} {
		if v, ok := named[key]; ok {
			common[key] = v
			delete(named, key)
		}
	}
	if err := decode(common, &retry); err != nil {
		return nil, err
	}

	unit, err := build(nodeArgs{id: id, positional: positional, named: named, opts: opts})
	if err != nil {
		return nil, err
	}
	rc, ok := unit.(retryConfigurable)
	if !ok {
		if len(common) > 0 {
			return nil, fmt.Errorf("%s nodes do not retry", nodeType)
		}
		return unit, nil
	}
	policy := rc.RetryPolicy()
	if opts.MaxRetries > 0 {
		policy.MaxAttempts = opts.MaxRetries
		policy.Wait = opts.Wait
	}
	if retry.Retries > 0 {
		policy.MaxAttempts = retry.Retries
	}
	if _, ok := common["wait"]; ok {
		policy.Wait = retry.Wait
	}
	rc.SetRetryPolicy(policy)
	return unit, nil
}

// decode fills out from key=value strings. Unknown keys are errors.
func decode(named map[string]string, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
		Result: out,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(named); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}

func (a nodeArgs) arg(i int) string {
	if i < len(a.positional) {
		return a.positional[i]
	}
	return ""
}

type llmArgs struct {
	Model        string  `mapstructure:"model"`
	System       string  `mapstructure:"system"`
	SystemPrompt string  `mapstructure:"system_prompt"`
	Prompt       string  `mapstructure:"prompt"`
	Temperature  float32 `mapstructure:"temperature"`
	MaxTokens    int     `mapstructure:"max_tokens"`
	Input        string  `mapstructure:"input"`
	Output       string  `mapstructure:"output"`
	Cache        bool    `mapstructure:"cache"`
}

func buildLLM(a nodeArgs) (flows.Unit, error) {
	var args llmArgs
	if err := decode(a.named, &args); err != nil {
		return nil, err
	}
	cfg := nodes.DefaultLLMNodeConfig(firstNonEmpty(args.System, args.SystemPrompt, args.Prompt, a.arg(0)))
	cfg.Name = a.id
	if m := firstNonEmpty(args.Model, a.opts.Model); m != "" {
		cfg.Model = m
	}
	if _, ok := a.named["temperature"]; ok {
		cfg.Temperature = args.Temperature
	}
	if args.MaxTokens > 0 {
		cfg.MaxTokens = args.MaxTokens
	}
	if args.Input != "" {
		cfg.InputKey = args.Input
	}
	if args.Output != "" {
		cfg.OutputKey = args.Output
	}
	if args.Cache {
		if a.opts.Store == nil {
			return nil, errors.New("cache=true needs a store")
		}
		cfg.Cache = a.opts.Store
	}
	cfg.Limiter = a.opts.Limiter
	return nodes.NewLLMNode(a.opts.LLM, cfg), nil
}

type routerArgs struct {
	Model   string   `mapstructure:"model"`
	Prompt  string   `mapstructure:"prompt"`
	Actions []string `mapstructure:"actions"`
	Input   string   `mapstructure:"input"`
	Default string   `mapstructure:"default"`
}

func buildLLMRouter(a nodeArgs) (flows.Unit, error) {
	var args routerArgs
	if err := decode(a.named, &args); err != nil {
		return nil, err
	}
	if len(args.Actions) == 0 {
		return nil, errors.New("llm_router requires actions=a,b,...")
	}
	return nodes.NewLLMRouter(a.opts.LLM, nodes.LLMRouterConfig{
		Name:     a.id,
		Model:    firstNonEmpty(args.Model, a.opts.Model),
		Prompt:   firstNonEmpty(args.Prompt, a.arg(0)),
		Actions:  args.Actions,
		InputKey: args.Input,
		Default:  args.Default,
		Limiter:  a.opts.Limiter,
	}), nil
}

func buildLogger(a nodeArgs) (flows.Unit, error) {
	if len(a.named) > 0 {
		return nil, fmt.Errorf("logger takes a message and key names, got %v", slices.Sorted(maps.Keys(a.named)))
	}
	message := firstNonEmpty(a.arg(0), a.id)
	var keys []string
	if len(a.positional) > 1 {
		keys = a.positional[1:]
	}
	n := nodes.NewLoggerNode(a.id, message, keys...)
	if a.opts.Logger != nil {
		n.WithNodeLogger(a.opts.Logger)
	}
	return n, nil
}

type delayArgs struct {
	Duration time.Duration `mapstructure:"duration"`
}

func buildDelay(a nodeArgs) (flows.Unit, error) {
	named := maps.Clone(a.named)
	if d := a.arg(0); d != "" {
		named["duration"] = d
	}
	if _, ok := named["duration"]; !ok {
		return nil, errors.New("delay node requires a duration")
	}
	var args delayArgs
	if err := decode(named, &args); err != nil {
		return nil, err
	}
	return nodes.NewDelayNode(a.id, args.Duration), nil
}

type setArgs struct {
	Key   string `mapstructure:"key"`
	Value string `mapstructure:"value"`
}

func buildSet(a nodeArgs) (flows.Unit, error) {
	var args setArgs
	if err := decode(a.named, &args); err != nil {
		return nil, err
	}
	if len(a.positional) >= 2 {
		args.Key, args.Value = a.positional[0], a.positional[1]
	}
	if args.Key == "" {
		return nil, errors.New("set node requires key and value")
	}
	return setNode(a.id, args.Key, args.Value), nil
}

func setNode(name, key, value string) *nodes.FunctionNode {
	return nodes.NewFunctionNode(name, func(shared flowcore.Shared) (flowcore.Action, error) {
		shared[key] = renderTemplate(value, shared)
		return "", nil
	})
}

type httpArgs struct {
	URL      string        `mapstructure:"url"`
	Method   string        `mapstructure:"method"`
	Body     string        `mapstructure:"body"`
	Timeout  time.Duration `mapstructure:"timeout"`
	Response string        `mapstructure:"response"`
	Status   string        `mapstructure:"status"`
	JSON     *bool         `mapstructure:"json"`
}

func buildHTTP(a nodeArgs) (flows.Unit, error) {
	var args httpArgs
	if err := decode(a.named, &args); err != nil {
		return nil, err
	}
	cfg := nodes.DefaultHTTPNodeConfig(a.id)
	cfg.URL = firstNonEmpty(args.URL, a.arg(0))
	if args.Method != "" {
		cfg.Method = args.Method
	}
	cfg.BodyTemplate = args.Body
	if args.Timeout > 0 {
		cfg.Timeout = args.Timeout
	}
	if args.Response != "" {
		cfg.ResponseKey = args.Response
	}
	if args.Status != "" {
		cfg.StatusKey = args.Status
	}
	if args.JSON != nil {
		cfg.ResponseAsJSON = *args.JSON
	}
	return nodes.NewHTTPNode(cfg)
}

type shellArgs struct {
	Dir     string        `mapstructure:"dir"`
	Input   string        `mapstructure:"input"`
	Output  *string       `mapstructure:"output"`
	Timeout time.Duration `mapstructure:"timeout"`
	JSON    bool          `mapstructure:"json"`
}

func buildShell(a nodeArgs) (flows.Unit, error) {
	var args shellArgs
	if err := decode(a.named, &args); err != nil {
		return nil, err
	}
	if len(a.positional) == 0 {
		return nil, errors.New("shell node requires a command")
	}
	cfg := nodes.DefaultShellNodeConfig(a.id)
	cfg.Command = a.positional[0]
	cfg.Args = a.positional[1:]
	cfg.Dir = args.Dir
	cfg.InputKey = args.Input
	if args.Output != nil {
		cfg.OutputKey = *args.Output
	}
	cfg.Timeout = args.Timeout
	cfg.ParseJSON = args.JSON
	return nodes.NewShellNode(cfg)
}

type luaArgs struct {
	Script  string        `mapstructure:"script"`
	Path    string        `mapstructure:"path"`
	Timeout time.Duration `mapstructure:"timeout"`
}

func buildLua(a nodeArgs) (flows.Unit, error) {
	var args luaArgs
	if err := decode(a.named, &args); err != nil {
		return nil, err
	}
	cfg := nodes.DefaultLuaNodeConfig(a.id)
	cfg.Script = args.Script
	cfg.ScriptPath = firstNonEmpty(args.Path, a.arg(0))
	cfg.Timeout = args.Timeout
	return nodes.NewLuaNode(cfg)
}

type kvArgs struct {
	Key    string `mapstructure:"key"`
	Input  string `mapstructure:"input"`
	Output string `mapstructure:"output"`
}

func buildKVRead(a nodeArgs) (flows.Unit, error) {
	var args kvArgs
	if err := decode(a.named, &args); err != nil {
		return nil, err
	}
	if a.opts.Store == nil {
		return nil, errors.New("kv_read needs a store")
	}
	key := firstNonEmpty(args.Key, a.arg(0))
	if key == "" {
		return nil, errors.New("kv_read requires key")
	}
	return nodes.NewKVReadNode(a.id, a.opts.Store, key, firstNonEmpty(args.Output, key)), nil
}

func buildKVWrite(a nodeArgs) (flows.Unit, error) {
	var args kvArgs
	if err := decode(a.named, &args); err != nil {
		return nil, err
	}
	if a.opts.Store == nil {
		return nil, errors.New("kv_write needs a store")
	}
	key := firstNonEmpty(args.Key, a.arg(0))
	if key == "" {
		return nil, errors.New("kv_write requires key")
	}
	return nodes.NewKVWriteNode(a.id, a.opts.Store, key, firstNonEmpty(args.Input, key)), nil
}

type loopArgs struct {
	Max     int    `mapstructure:"max"`
	Counter string `mapstructure:"counter"`
}

func buildLoop(a nodeArgs) (flows.Unit, error) {
	named := maps.Clone(a.named)
	if m := a.arg(0); m != "" {
		named["max"] = m
	}
	var args loopArgs
	if err := decode(named, &args); err != nil {
		return nil, err
	}
	if args.Max < 1 {
		return nil, errors.New("loop requires max >= 1")
	}
	n := nodes.NewLoopNode(a.id, args.Max)
	if args.Counter != "" {
		n.CounterKey = args.Counter
	}
	return n, nil
}

type conditionalArgs struct {
	Key string `mapstructure:"key"`
}

func buildConditional(a nodeArgs) (flows.Unit, error) {
	var args conditionalArgs
	if err := decode(a.named, &args); err != nil {
		return nil, err
	}
	key := firstNonEmpty(args.Key, a.arg(0))
	if key == "" {
		return nil, errors.New("conditional requires key")
	}
	return nodes.NewConditionalNode(a.id, nodes.ConditionOnKey(key)), nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return v
		}
	}
	return ""
}

func init() {
	nodes.RegisterNode(nodes.NodeDefinition{
		ID:          "set",
		Description: "Graph language only: stores a value, with {{key}} templating, under a shared key.",
		Example:     `node greet = set message "hello {{name}}"`,
	})
}
