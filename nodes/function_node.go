package nodes

import (
	"context"

	"flowcore"
	"flowcore/flows"
)

// Func is the callback behind FunctionNode. It may read and write shared
// state and returns the action to follow.
type Func func(shared flowcore.Shared) (flowcore.Action, error)

// FunctionNode wraps a callback so custom logic can sit inline in a flow.
// The callback runs in the exec phase and is retried as a whole.
type FunctionNode struct {
	flows.Node
	fn Func
}

func NewFunctionNode(name string, fn Func, opts ...flows.NodeOption) *FunctionNode {
	return &FunctionNode{Node: flows.NewNode(append([]flows.NodeOption{flows.WithName(name)}, opts...)...), fn: fn}
}

func (n *FunctionNode) Prep(shared flowcore.Shared) (any, error) { return shared, nil }

func (n *FunctionNode) Exec(prep any) (any, error) {
	if n.fn == nil {
		return flowcore.DefaultAction, nil
	}
	shared, _ := prep.(flowcore.Shared)
	return n.fn(shared)
}

func (n *FunctionNode) Post(_ flowcore.Shared, _, exec any) (flowcore.Action, error) {
	return flowcore.ActionOf(exec), nil
}

// AsyncFunc is the context-aware counterpart of Func.
type AsyncFunc func(ctx context.Context, shared flowcore.Shared) (flowcore.Action, error)

type AsyncFunctionNode struct {
	flows.AsyncNode
	fn AsyncFunc
}

func NewAsyncFunctionNode(name string, fn AsyncFunc, opts ...flows.NodeOption) *AsyncFunctionNode {
	return &AsyncFunctionNode{AsyncNode: flows.NewAsyncNode(append([]flows.NodeOption{flows.WithName(name)}, opts...)...), fn: fn}
}

func (n *AsyncFunctionNode) PrepAsync(_ context.Context, shared flowcore.Shared) (any, error) {
	return shared, nil
}

func (n *AsyncFunctionNode) ExecAsync(ctx context.Context, prep any) (any, error) {
	if n.fn == nil {
		return flowcore.DefaultAction, nil
	}
	shared, _ := prep.(flowcore.Shared)
	return n.fn(ctx, shared)
}

func (n *AsyncFunctionNode) PostAsync(_ context.Context, _ flowcore.Shared, _, exec any) (flowcore.Action, error) {
	return flowcore.ActionOf(exec), nil
}

// BatchFuncs are the three callbacks of a batch function node: Items lists the
// work, Each handles one item and Collect stores the ordered results.
type BatchFuncs struct {
	Items   func(shared flowcore.Shared) ([]any, error)
	Each    func(ctx context.Context, item any) (any, error)
	Collect func(shared flowcore.Shared, results []any) (flowcore.Action, error)
}

func (f BatchFuncs) items(shared flowcore.Shared) (any, error) {
	if f.Items == nil {
		return nil, nil
	}
	return f.Items(shared)
}

func (f BatchFuncs) collect(shared flowcore.Shared, exec any) (flowcore.Action, error) {
	if f.Collect == nil {
		return "", nil
	}
	results, _ := exec.([]any)
	return f.Collect(shared, results)
}

// BatchFunctionNode handles its items one after the other.
type BatchFunctionNode struct {
	flows.BatchNode
	funcs BatchFuncs
}

func NewBatchFunctionNode(name string, funcs BatchFuncs, opts ...flows.NodeOption) *BatchFunctionNode {
	return &BatchFunctionNode{BatchNode: flows.NewBatchNode(append([]flows.NodeOption{flows.WithName(name)}, opts...)...), funcs: funcs}
}

func (n *BatchFunctionNode) Prep(shared flowcore.Shared) (any, error) { return n.funcs.items(shared) }

func (n *BatchFunctionNode) Exec(item any) (any, error) {
	if n.funcs.Each == nil {
		return item, nil
	}
	return n.funcs.Each(context.Background(), item)
}

func (n *BatchFunctionNode) Post(shared flowcore.Shared, _, exec any) (flowcore.Action, error) {
	return n.funcs.collect(shared, exec)
}

// ParallelFunctionNode handles all of its items concurrently.
type ParallelFunctionNode struct {
	flows.AsyncParallelBatchNode
	funcs BatchFuncs
}

func NewParallelFunctionNode(name string, funcs BatchFuncs, opts ...flows.NodeOption) *ParallelFunctionNode {
	return &ParallelFunctionNode{
		AsyncParallelBatchNode: flows.NewAsyncParallelBatchNode(append([]flows.NodeOption{flows.WithName(name)}, opts...)...),
		funcs:                  funcs,
	}
}

func (n *ParallelFunctionNode) PrepAsync(_ context.Context, shared flowcore.Shared) (any, error) {
	return n.funcs.items(shared)
}

func (n *ParallelFunctionNode) ExecAsync(ctx context.Context, item any) (any, error) {
	if n.funcs.Each == nil {
		return item, nil
	}
	return n.funcs.Each(ctx, item)
}

func (n *ParallelFunctionNode) PostAsync(_ context.Context, shared flowcore.Shared, _, exec any) (flowcore.Action, error) {
	return n.funcs.collect(shared, exec)
}

func init() {
	RegisterNode(NodeDefinition{
		ID:          "function",
		Description: "Wraps a Go callback so you can inline custom logic inside a flow.",
		Example:     `nodes.NewFunctionNode("clean", func(shared flowcore.Shared) (flowcore.Action, error) { shared["status"] = "cleaned"; return "", nil })`,
	})
	RegisterNode(NodeDefinition{
		ID:          "parallel_function",
		Description: "Maps a callback over a list of items concurrently and collects the results in input order.",
		Example:     `nodes.NewParallelFunctionNode("fetch", nodes.BatchFuncs{Items: listURLs, Each: fetch, Collect: store})`,
	})
}
