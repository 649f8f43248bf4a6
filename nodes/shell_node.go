package nodes

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"time"

	"flowcore"
	"flowcore/flows"
	"flowcore/utils"
)

// ShellNodeConfig controls how the command is executed.
type ShellNodeConfig struct {
	ID        string
	Command   string
	Args      []string
	Dir       string
	Env       map[string]string
	Timeout   time.Duration
	InputKey  string
	OutputKey string
	ParseJSON bool
	StatusKey string
}

func DefaultShellNodeConfig(id string) ShellNodeConfig {
	return ShellNodeConfig{
		ID:        id,
		OutputKey: id + "_output",
		StatusKey: id + "_status",
	}
}

// ShellNode runs an external command with shared state (or shared[InputKey])
// as JSON on stdin. With ParseJSON and no OutputKey, a JSON object printed by
// the command is merged into shared state.
type ShellNode struct {
	flows.AsyncNode
	cfg ShellNodeConfig
}

type shellResult struct {
	exitCode int
	stdout   []byte
}

func NewShellNode(cfg ShellNodeConfig, opts ...flows.NodeOption) (*ShellNode, error) {
	if cfg.ID == "" {
		return nil, errors.New("shell node requires id")
	}
	if cfg.Command == "" {
		return nil, errors.New("shell node requires command")
	}
	opts = append([]flows.NodeOption{flows.WithName(cfg.ID)}, opts...)
	return &ShellNode{AsyncNode: flows.NewAsyncNode(opts...), cfg: cfg}, nil
}

func (n *ShellNode) PrepAsync(_ context.Context, shared flowcore.Shared) (any, error) {
	var input any = shared
	if n.cfg.InputKey != "" {
		input = map[string]any{}
		if value, ok := shared[n.cfg.InputKey]; ok {
			input = value
		}
	}
	payload, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("encode stdin: %w", err)
	}
	return payload, nil
}

func (n *ShellNode) ExecAsync(ctx context.Context, prep any) (any, error) {
	var res shellResult
	err := utils.WithTimeout(ctx, n.cfg.Timeout, func(ctx context.Context) error {
		cmd := exec.CommandContext(ctx, n.cfg.Command, n.cfg.Args...)
		cmd.Dir = n.cfg.Dir
		if env := n.envList(); len(env) > 0 {
			cmd.Env = append(os.Environ(), env...)
		}
		cmd.Stdin = bytes.NewReader(prep.([]byte))

		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			return fmt.Errorf("%s: %w: %s", n.cfg.Command, err, bytes.TrimSpace(stderr.Bytes()))
		}
		res = shellResult{exitCode: cmd.ProcessState.ExitCode(), stdout: stdout.Bytes()}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (n *ShellNode) PostAsync(_ context.Context, shared flowcore.Shared, _, out any) (flowcore.Action, error) {
	res, err := resultAs[shellResult](n.Name(), out)
	if err != nil {
		return "", err
	}
	if n.cfg.StatusKey != "" {
		shared[n.cfg.StatusKey] = res.exitCode
	}

	stored := any(string(res.stdout))
	var parsedMap map[string]any
	if n.cfg.ParseJSON {
		var parsed any
		if err := json.Unmarshal(res.stdout, &parsed); err == nil {
			stored = parsed
			parsedMap, _ = parsed.(map[string]any)
		}
	}

	switch {
	case n.cfg.OutputKey != "":
		shared[n.cfg.OutputKey] = stored
	case parsedMap != nil:
		for key, value := range parsedMap {
			shared[key] = value
		}
	}
	return "", nil
}

func (n *ShellNode) envList() []string {
	result := make([]string, 0, len(n.cfg.Env))
	for key, value := range n.cfg.Env {
		result = append(result, key+"="+value)
	}
	sort.Strings(result)
	return result
}

func init() {
	RegisterNode(NodeDefinition{
		ID:          "shell",
		Description: "Runs a command with shared state serialized to stdin and stores its output.",
		Example:     `nodes.NewShellNode(nodes.ShellNodeConfig{ID: "git_status", Command: "git", Args: []string{"status", "-sb"}})`,
	})
}
