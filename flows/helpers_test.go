package flows

import (
	"context"
	"sync"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"flowcore"
)

// scriptedNode lets a test swap in any phase; hooks receive the visited copy.
type scriptedNode struct {
	Node
	prep     func(n *scriptedNode, shared flowcore.Shared) (any, error)
	exec     func(n *scriptedNode, prep any) (any, error)
	post     func(n *scriptedNode, shared flowcore.Shared, prep, exec any) (flowcore.Action, error)
	fallback func(n *scriptedNode, prep any, err error) (any, error)
}

func (n *scriptedNode) Prep(shared flowcore.Shared) (any, error) {
	if n.prep == nil {
		return n.Node.Prep(shared)
	}
	return n.prep(n, shared)
}

func (n *scriptedNode) Exec(prep any) (any, error) {
	if n.exec == nil {
		return n.Node.Exec(prep)
	}
	return n.exec(n, prep)
}

func (n *scriptedNode) Post(shared flowcore.Shared, prep, exec any) (flowcore.Action, error) {
	if n.post == nil {
		return n.Node.Post(shared, prep, exec)
	}
	return n.post(n, shared, prep, exec)
}

func (n *scriptedNode) Fallback(prep any, err error) (any, error) {
	if n.fallback == nil {
		return n.Node.Fallback(prep, err)
	}
	return n.fallback(n, prep, err)
}

type scriptedBatch struct {
	BatchNode
	prep func(shared flowcore.Shared) (any, error)
	exec func(item any) (any, error)
	post func(shared flowcore.Shared, prep, exec any) (flowcore.Action, error)
}

func (n *scriptedBatch) Prep(shared flowcore.Shared) (any, error) { return n.prep(shared) }

func (n *scriptedBatch) Exec(item any) (any, error) { return n.exec(item) }

func (n *scriptedBatch) Post(shared flowcore.Shared, prep, exec any) (flowcore.Action, error) {
	if n.post == nil {
		return "", nil
	}
	return n.post(shared, prep, exec)
}

type asyncScripted struct {
	AsyncNode
	prep func(ctx context.Context, n *asyncScripted, shared flowcore.Shared) (any, error)
	exec func(ctx context.Context, prep any) (any, error)
	post func(ctx context.Context, n *asyncScripted, shared flowcore.Shared, prep, exec any) (flowcore.Action, error)
}

func (n *asyncScripted) PrepAsync(ctx context.Context, shared flowcore.Shared) (any, error) {
	if n.prep == nil {
		return nil, nil
	}
	return n.prep(ctx, n, shared)
}

func (n *asyncScripted) ExecAsync(ctx context.Context, prep any) (any, error) {
	if n.exec == nil {
		return nil, nil
	}
	return n.exec(ctx, prep)
}

func (n *asyncScripted) PostAsync(ctx context.Context, shared flowcore.Shared, prep, exec any) (flowcore.Action, error) {
	if n.post == nil {
		return "", nil
	}
	return n.post(ctx, n, shared, prep, exec)
}

type parallelScripted struct {
	AsyncParallelBatchNode
	items []any
	exec  func(ctx context.Context, item any) (any, error)
	got   *[]any
}

func (n *parallelScripted) PrepAsync(context.Context, flowcore.Shared) (any, error) { return n.items, nil }

func (n *parallelScripted) ExecAsync(ctx context.Context, item any) (any, error) { return n.exec(ctx, item) }

func (n *parallelScripted) PostAsync(_ context.Context, _ flowcore.Shared, _ any, exec any) (flowcore.Action, error) {
	*n.got = exec.([]any)
	return "", nil
}

// step appends its name to shared["trail"] and returns action.
func step(name string, action flowcore.Action) *scriptedNode {
	n := &scriptedNode{Node: NewNode(WithName(name))}
	n.post = func(_ *scriptedNode, shared flowcore.Shared, _, _ any) (flowcore.Action, error) {
		trail, _ := shared["trail"].([]string)
		shared["trail"] = append(trail, name)
		return action, nil
	}
	return n
}

// asyncStep is the async counterpart of step.
func asyncStep(name string, action flowcore.Action) *asyncScripted {
	n := &asyncScripted{AsyncNode: NewAsyncNode(WithName(name))}
	n.post = func(_ context.Context, _ *asyncScripted, shared flowcore.Shared, _, _ any) (flowcore.Action, error) {
		trail, _ := shared["trail"].([]string)
		shared["trail"] = append(trail, name)
		return action, nil
	}
	return n
}

func trail(shared flowcore.Shared) []string {
	t, _ := shared["trail"].([]string)
	return t
}

func observeWarnings(t *testing.T) *observer.ObservedLogs {
	t.Helper()
	core, logs := observer.New(zap.WarnLevel)
	prev := SetLogger(zap.New(core))
	t.Cleanup(func() { SetLogger(prev) })
	return logs
}

type recordingMonitor struct {
	mu     sync.Mutex
	events []FlowEvent
}

func (m *recordingMonitor) Notify(_ context.Context, event FlowEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
}

func (m *recordingMonitor) types() []FlowEventType {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]FlowEventType, 0, len(m.events))
	for _, e := range m.events {
		out = append(out, e.Type)
	}
	return out
}

func (m *recordingMonitor) ofType(t FlowEventType) []FlowEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []FlowEvent
	for _, e := range m.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
