package nodes

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"flowcore"
	"flowcore/flows"
)

var errFlaky = errors.New("flaky")

func TestFunctionNodeIsRetried(t *testing.T) {
	calls := 0
	n := NewFunctionNode("count", func(shared flowcore.Shared) (flowcore.Action, error) {
		calls++
		if calls < 2 {
			return "", errFlaky
		}
		shared["calls"] = calls
		return "done", nil
	}, flows.WithMaxRetries(2))

	shared := flowcore.Shared{}
	action, err := flows.Run(n, shared)
	require.NoError(t, err)
	assert.Equal(t, flowcore.Action("done"), action)
	assert.Equal(t, 2, shared["calls"])
}

func TestAsyncFunctionNodeSeesContext(t *testing.T) {
	type key struct{}
	ctx := context.WithValue(context.Background(), key{}, "v")
	n := NewAsyncFunctionNode("ctx", func(ctx context.Context, shared flowcore.Shared) (flowcore.Action, error) {
		shared["value"] = ctx.Value(key{})
		return "", nil
	})

	shared := flowcore.Shared{}
	_, err := flows.RunAsync(ctx, n, shared)
	require.NoError(t, err)
	assert.Equal(t, "v", shared["value"])
}

func TestBatchFunctionNodes(t *testing.T) {
	funcs := BatchFuncs{
		Items: func(shared flowcore.Shared) ([]any, error) { return shared["words"].([]any), nil },
		Each: func(_ context.Context, item any) (any, error) {
			return strings.ToUpper(item.(string)), nil
		},
		Collect: func(shared flowcore.Shared, results []any) (flowcore.Action, error) {
			shared["upper"] = results
			return "", nil
		},
	}

	shared := flowcore.Shared{"words": []any{"a", "b", "c"}}
	_, err := flows.Run(NewBatchFunctionNode("seq", funcs), shared)
	require.NoError(t, err)
	assert.Equal(t, []any{"A", "B", "C"}, shared["upper"])

	shared = flowcore.Shared{"words": []any{"x", "y"}}
	_, err = flows.RunAsync(context.Background(), NewParallelFunctionNode("par", funcs, flows.WithConcurrency(2)), shared)
	require.NoError(t, err)
	assert.Equal(t, []any{"X", "Y"}, shared["upper"])
}

func TestLoggerNodeLogsSelectedKeys(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	n := NewLoggerNode("debug", "state", "input", "absent").WithNodeLogger(zap.New(core))

	_, err := flows.Run(n, flowcore.Shared{"input": "hi", "other": 1})
	require.NoError(t, err)
	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "state", entry.Message)
	fields := entry.ContextMap()
	assert.Equal(t, "hi", fields["input"])
	assert.Equal(t, "debug", fields["node"])
	assert.NotContains(t, fields, "absent")
	assert.NotContains(t, fields, "other")
}

func TestDelayNodeHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := flows.RunAsync(ctx, NewDelayNode("wait", time.Hour), flowcore.Shared{})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	start := time.Now()
	_, err = flows.RunAsync(context.Background(), NewDelayNode("short", 5*time.Millisecond), flowcore.Shared{})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 5*time.Millisecond)
}

func mark(name string) *FunctionNode {
	return NewFunctionNode(name, func(shared flowcore.Shared) (flowcore.Action, error) {
		visited, _ := shared["visited"].([]string)
		shared["visited"] = append(visited, name)
		return "", nil
	})
}

func TestConditionalNodeBranches(t *testing.T) {
	for route, want := range map[string][]string{
		"search":    {"search"},
		"summarize": {"summarize"},
		"":          {"fallback"},
	} {
		router := NewConditionalNode("router", ConditionOnKey("route")).
			Branch("search", mark("search")).
			Branch("summarize", mark("summarize")).
			Branch(flowcore.DefaultAction, mark("fallback"))

		shared := flowcore.Shared{}
		if route != "" {
			shared["route"] = route
		}
		_, err := flows.Run(flows.NewFlow(router), shared)
		require.NoError(t, err)
		assert.Equal(t, want, shared["visited"], "route %q", route)
	}
}

func TestLoopNodeRepeatsBody(t *testing.T) {
	loop := NewLoopNode("loop", 3)
	body := mark("body")
	loop.On(flowcore.ActionContinue).Then(body)
	body.Then(loop)
	loop.Then(mark("after"))

	shared := flowcore.Shared{}
	_, err := flows.Run(flows.NewFlow(loop), shared)
	require.NoError(t, err)
	assert.Equal(t, []string{"body", "body", "after"}, shared["visited"])
	assert.NotContains(t, shared, "loop_iterations")
}

func TestLoopNodeAcceptsNumericCounters(t *testing.T) {
	for name, counter := range map[string]any{
		"int":     2,
		"int64":   int64(2),
		"float64": float64(2),
		"json":    json.Number("2"),
	} {
		t.Run(name, func(t *testing.T) {
			shared := flowcore.Shared{"loop_iterations": counter}
			action, err := flows.Run(NewLoopNode("loop", 3), shared)
			require.NoError(t, err)
			assert.Equal(t, flowcore.DefaultAction, action)
			assert.NotContains(t, shared, "loop_iterations")
		})
	}

	_, err := flows.Run(NewLoopNode("loop", 3), flowcore.Shared{"loop_iterations": "many"})
	assert.ErrorContains(t, err, "loop counter loop_iterations")
}

func TestParallelNodeMergesBranchesInOrder(t *testing.T) {
	slow := NewAsyncFunctionNode("slow", func(_ context.Context, shared flowcore.Shared) (flowcore.Action, error) {
		time.Sleep(5 * time.Millisecond)
		shared["winner"] = "slow"
		shared["slow"] = true
		return "", nil
	})
	fast := NewFunctionNode("fast", func(shared flowcore.Shared) (flowcore.Action, error) {
		shared["winner"] = "fast"
		shared["fast"] = true
		return "", nil
	})

	shared := flowcore.Shared{"seed": 1}
	_, err := flows.RunAsync(context.Background(), NewParallelNode("both", flows.NewAsyncFlow(slow), fast), shared)
	require.NoError(t, err)
	assert.Equal(t, flowcore.Shared{"seed": 1, "winner": "fast", "slow": true, "fast": true}, shared)
}

func TestParallelNodeMergesOnlyChangedKeys(t *testing.T) {
	bump := NewFunctionNode("bump", func(shared flowcore.Shared) (flowcore.Action, error) {
		shared["count"] = 1
		return "", nil
	})
	other := NewFunctionNode("other", func(shared flowcore.Shared) (flowcore.Action, error) {
		shared["other"] = 2
		delete(shared, "stale")
		return "", nil
	})

	shared := flowcore.Shared{"count": 0, "stale": true, "keep": "yes"}
	_, err := flows.RunAsync(context.Background(), NewParallelNode("fan", bump, other), shared)
	require.NoError(t, err)
	assert.Equal(t, flowcore.Shared{"count": 1, "other": 2, "keep": "yes"}, shared)
}

func TestParallelNodeFailsWhenABranchFails(t *testing.T) {
	var cancelled atomic.Bool
	waits := NewAsyncFunctionNode("waits", func(ctx context.Context, _ flowcore.Shared) (flowcore.Action, error) {
		select {
		case <-ctx.Done():
			cancelled.Store(true)
			return "", ctx.Err()
		case <-time.After(time.Second):
			return "", nil
		}
	})
	fails := NewFunctionNode("fails", func(flowcore.Shared) (flowcore.Action, error) { return "", errFlaky })

	shared := flowcore.Shared{}
	_, err := flows.RunAsync(context.Background(), NewParallelNode("both", waits, fails), shared)
	require.ErrorIs(t, err, errFlaky)
	assert.True(t, cancelled.Load())
	assert.Empty(t, shared)
}

func TestRegistryListsBuiltins(t *testing.T) {
	defs := RegisteredNodes()
	ids := make([]string, 0, len(defs))
	for _, d := range defs {
		ids = append(ids, d.ID)
	}
	assert.IsIncreasing(t, ids)
	for _, id := range []string{"function", "logger", "delay", "conditional", "loop", "parallel", "llm", "llm_router", "http", "shell", "lua", "kv_read", "kv_write"} {
		def, ok := NodeDefinitionFor(id)
		require.True(t, ok, id)
		assert.NotEmpty(t, def.Description)
	}

	RegisterNode(NodeDefinition{})
	assert.Len(t, RegisteredNodes(), len(defs))
}
