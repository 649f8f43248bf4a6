// Package dsl builds flows from two small line-oriented languages: a graph
// language that declares nodes and the edges between them, and a linear
// script language for quick pipelines.
package dsl

import (
	"bufio"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"flowcore"
	"flowcore/flows"
	"flowcore/kv"
	"flowcore/nodes"
)

// Options supplies the dependencies that some node types need.
type Options struct {
	// LLM serves llm and llm_router nodes. Nil makes them produce mock output.
	LLM nodes.ChatClient
	// Store backs kv_read, kv_write and the llm cache=true option.
	Store kv.Store
	// Limiter throttles llm and llm_router nodes.
	Limiter *rate.Limiter
	// Logger receives logger node output. Defaults to flows.Logger().
	Logger *zap.Logger
	// Name names the resulting flow.
	Name string
	// Model is used by llm and llm_router nodes that do not set model=.
	Model string
	// MaxRetries and Wait apply to nodes without their own retries= or wait=.
	MaxRetries int
	Wait       time.Duration
}

type transition struct {
	line   int
	from   string
	action flowcore.Action
	to     string
}

type graphParser struct {
	opts        Options
	nodes       map[string]flows.Unit
	order       []string
	start       string
	transitions []transition
}

// ParseGraph builds an AsyncFlow from the graph language:
//
//	# comment
//	node fetch = http url=https://example.com retries=3 wait=1s
//	node summarize = llm "Summarize the page" input=fetch_response
//	start fetch
//	connect fetch -> summarize
//	connect summarize -> retry_later error
//
// Without a start directive the first declared node starts the flow.
func ParseGraph(script string, opts Options) (*flows.AsyncFlow, error) {
	p := &graphParser{opts: opts, nodes: make(map[string]flows.Unit)}
	if err := p.parse(script); err != nil {
		return nil, err
	}
	return p.build()
}

func (p *graphParser) parse(script string) error {
	scanner := bufio.NewScanner(strings.NewReader(script))
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" || strings.HasPrefix(raw, "#") {
			continue
		}
		tokens, err := tokenizeLine(raw)
		if err != nil {
			return fmt.Errorf("line %d: %w", lineNum, err)
		}
		if len(tokens) == 0 {
			continue
		}
		switch tokens[0] {
		case "node":
			err = p.parseNode(tokens)
		case "start":
			err = p.parseStart(tokens)
		case "connect":
			err = p.parseConnect(lineNum, tokens)
		default:
			err = fmt.Errorf("unsupported directive %q", tokens[0])
		}
		if err != nil {
			return fmt.Errorf("line %d: %w", lineNum, err)
		}
	}
	return scanner.Err()
}

func (p *graphParser) parseNode(tokens []string) error {
	if len(tokens) < 4 || tokens[2] != "=" {
		return errors.New("invalid node definition, expected `node <id> = <type> ...`")
	}
	id := tokens[1]
	if _, exists := p.nodes[id]; exists {
		return fmt.Errorf("node %q already defined", id)
	}
	unit, err := buildNode(id, tokens[3], tokens[4:], p.opts)
	if err != nil {
		return fmt.Errorf("node %s: %w", id, err)
	}
	p.nodes[id] = unit
	p.order = append(p.order, id)
	return nil
}

func (p *graphParser) parseStart(tokens []string) error {
	if len(tokens) != 2 {
		return errors.New("start directive expects a single node name")
	}
	p.start = tokens[1]
	return nil
}

// parseConnect accepts `connect a b`, `connect a action b`, `connect a -> b`
// and `connect a -> b action`.
func (p *graphParser) parseConnect(line int, tokens []string) error {
	if len(tokens) < 3 {
		return errors.New("connect directive requires a source and a target node")
	}
	tr := transition{line: line, from: tokens[1]}
	switch {
	case len(tokens) == 3:
		tr.to = tokens[2]
	case len(tokens) == 4 && tokens[2] == "->":
		tr.to = tokens[3]
	case len(tokens) == 4:
		tr.action = flowcore.Action(tokens[2])
		tr.to = tokens[3]
	case len(tokens) == 5 && tokens[2] == "->":
		tr.to = tokens[3]
		tr.action = flowcore.Action(tokens[4])
	default:
		return errors.New("unexpected connect syntax, expected `connect <from> -> <to> [action]`")
	}
	p.transitions = append(p.transitions, tr)
	return nil
}

func (p *graphParser) build() (*flows.AsyncFlow, error) {
	if len(p.nodes) == 0 {
		return nil, errors.New("no nodes defined")
	}
	start := p.start
	if start == "" {
		start = p.order[0]
	}
	startNode, ok := p.nodes[start]
	if !ok {
		return nil, fmt.Errorf("start node %q is not defined", start)
	}

	builder := flows.NewFlowBuilder(startNode).Named(p.opts.Name)
	for _, tr := range p.transitions {
		from, ok := p.nodes[tr.from]
		if !ok {
			return nil, fmt.Errorf("line %d: transition from undefined node %q", tr.line, tr.from)
		}
		to, ok := p.nodes[tr.to]
		if !ok {
			return nil, fmt.Errorf("line %d: transition to undefined node %q", tr.line, tr.to)
		}
		builder.Connect(from, tr.action, to)
	}
	return builder.BuildAsync(), nil
}
