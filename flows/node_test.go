package flows

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"flowcore"
)

var errBoom = errors.New("boom")

func alwaysFailing(attempts *int, opts ...NodeOption) *scriptedNode {
	n := &scriptedNode{Node: NewNode(opts...)}
	n.exec = func(*scriptedNode, any) (any, error) {
		*attempts++
		return nil, errBoom
	}
	return n
}

func TestNodeAttemptsExactlyMaxRetries(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		max := rapid.IntRange(1, 6).Draw(rt, "max")
		attempts := 0
		fallbacks := 0
		n := alwaysFailing(&attempts, WithMaxRetries(max))
		n.fallback = func(_ *scriptedNode, _ any, err error) (any, error) {
			fallbacks++
			return nil, err
		}

		_, err := Run(n, flowcore.Shared{})
		require.ErrorIs(rt, err, errBoom)
		require.Equal(rt, max, attempts)
		require.Equal(rt, 1, fallbacks)
	})
}

func TestNodeDefaultPolicyRunsOnceThenFallback(t *testing.T) {
	attempts := 0
	n := alwaysFailing(&attempts)
	n.fallback = func(_ *scriptedNode, _ any, err error) (any, error) {
		return "degraded", nil
	}
	n.post = func(_ *scriptedNode, shared flowcore.Shared, _, exec any) (flowcore.Action, error) {
		shared["result"] = exec
		return "", nil
	}

	shared := flowcore.Shared{}
	start := time.Now()
	_, err := Run(n, shared)
	require.NoError(t, err)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, "degraded", shared["result"])
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestNodeZeroMaxRetriesClampsToOne(t *testing.T) {
	attempts := 0
	n := alwaysFailing(&attempts, WithMaxRetries(0))
	_, err := Run(n, flowcore.Shared{})
	require.ErrorIs(t, err, errBoom)
	assert.Equal(t, 1, attempts)
}

func TestNodeSucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	n := &scriptedNode{Node: NewNode(WithMaxRetries(3))}
	n.exec = func(*scriptedNode, any) (any, error) {
		attempts++
		if attempts < 3 {
			return nil, errBoom
		}
		return "ok", nil
	}
	n.post = func(_ *scriptedNode, shared flowcore.Shared, _, exec any) (flowcore.Action, error) {
		shared["result"] = exec
		return "done", nil
	}

	shared := flowcore.Shared{}
	action, err := Run(n, shared)
	require.NoError(t, err)
	assert.Equal(t, flowcore.Action("done"), action)
	assert.Equal(t, "ok", shared["result"])
	assert.Equal(t, 3, attempts)
}

func TestNodeWaitsBetweenAttemptsButNotAfterLast(t *testing.T) {
	attempts := 0
	n := alwaysFailing(&attempts, WithMaxRetries(3), WithWait(20*time.Millisecond))

	start := time.Now()
	_, err := Run(n, flowcore.Shared{})
	elapsed := time.Since(start)

	require.ErrorIs(t, err, errBoom)
	assert.Equal(t, 3, attempts)
	assert.GreaterOrEqual(t, elapsed, 40*time.Millisecond)
	assert.Less(t, elapsed, 60*time.Millisecond+40*time.Millisecond)
}

func TestNodePrepErrorIsNotRetried(t *testing.T) {
	attempts := 0
	n := alwaysFailing(&attempts, WithMaxRetries(5))
	n.prep = func(*scriptedNode, flowcore.Shared) (any, error) {
		return nil, errBoom
	}

	_, err := Run(n, flowcore.Shared{})
	require.ErrorIs(t, err, errBoom)
	assert.Zero(t, attempts)
}

func TestNodePostErrorIsNotRetried(t *testing.T) {
	calls := 0
	n := &scriptedNode{Node: NewNode(WithMaxRetries(5))}
	n.exec = func(*scriptedNode, any) (any, error) {
		calls++
		return nil, nil
	}
	n.post = func(*scriptedNode, flowcore.Shared, any, any) (flowcore.Action, error) {
		return "", errBoom
	}

	_, err := Run(n, flowcore.Shared{})
	require.ErrorIs(t, err, errBoom)
	assert.Equal(t, 1, calls)
}

func TestNodePermanentErrorSkipsRemainingAttempts(t *testing.T) {
	attempts := 0
	n := &scriptedNode{Node: NewNode(WithMaxRetries(4))}
	n.exec = func(*scriptedNode, any) (any, error) {
		attempts++
		return nil, flowcore.Permanent(errBoom)
	}

	_, err := Run(n, flowcore.Shared{})
	require.ErrorIs(t, err, errBoom)
	assert.True(t, flowcore.IsPermanent(err))
	assert.Equal(t, 1, attempts)
}

func TestNodeRetryIfFiltersErrors(t *testing.T) {
	errFatal := errors.New("fatal")
	attempts := 0
	n := &scriptedNode{Node: NewNode(WithMaxRetries(4), WithRetryIf(func(err error) bool {
		return !errors.Is(err, errFatal)
	}))}
	n.exec = func(*scriptedNode, any) (any, error) {
		attempts++
		if attempts == 2 {
			return nil, errFatal
		}
		return nil, errBoom
	}

	_, err := Run(n, flowcore.Shared{})
	require.ErrorIs(t, err, errFatal)
	assert.Equal(t, 2, attempts)
}

func TestNodeExponentialBackoff(t *testing.T) {
	attempts := 0
	policy := Retry(3, 0).WithExponentialBackoff(5*time.Millisecond, 20*time.Millisecond)
	n := alwaysFailing(&attempts, WithRetryPolicy(policy))

	start := time.Now()
	_, err := Run(n, flowcore.Shared{})
	require.ErrorIs(t, err, errBoom)
	assert.Equal(t, 3, attempts)
	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
}

func TestNodeRetryIsReported(t *testing.T) {
	logs := observeWarnings(t)
	monitor := &recordingMonitor{}
	attempts := 0
	n := alwaysFailing(&attempts, WithName("flaky"), WithMaxRetries(3))
	flow := NewFlow(n)

	_, err := Run(flow, flowcore.Shared{}, WithMonitors(monitor))
	require.ErrorIs(t, err, errBoom)

	retries := monitor.ofType(FlowEventTypeNodeRetry)
	require.Len(t, retries, 2)
	assert.Equal(t, 1, retries[0].Attempt)
	assert.Equal(t, 2, retries[1].Attempt)
	assert.Equal(t, "flaky", retries[0].Node)
	assert.Equal(t, 2, logs.FilterMessage("exec failed, retrying").Len())
	assert.Len(t, monitor.ofType(FlowEventTypeNodeError), 1)
}

func TestBatchNodeKeepsInputOrderWithPerItemRetries(t *testing.T) {
	var mu sync.Mutex
	seen := map[int]int{}
	calls := 0

	n := &scriptedBatch{BatchNode: NewBatchNode(WithMaxRetries(2))}
	n.prep = func(flowcore.Shared) (any, error) { return []int{1, 2, 3}, nil }
	n.exec = func(item any) (any, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		x := item.(int)
		seen[x]++
		if seen[x] == 1 {
			return nil, errBoom
		}
		return x * 10, nil
	}
	var got any
	n.post = func(_ flowcore.Shared, _, exec any) (flowcore.Action, error) {
		got = exec
		return "", nil
	}

	_, err := Run(n, flowcore.Shared{})
	require.NoError(t, err)
	assert.Equal(t, []any{10, 20, 30}, got)
	assert.Equal(t, 6, calls)
}

func TestBatchNodeEmptyPrepIsNoop(t *testing.T) {
	calls := 0
	n := &scriptedBatch{BatchNode: NewBatchNode()}
	n.prep = func(flowcore.Shared) (any, error) { return nil, nil }
	n.exec = func(any) (any, error) {
		calls++
		return nil, nil
	}
	var got any = "unset"
	n.post = func(_ flowcore.Shared, _, exec any) (flowcore.Action, error) {
		got = exec
		return "", nil
	}

	_, err := Run(n, flowcore.Shared{})
	require.NoError(t, err)
	assert.Zero(t, calls)
	assert.Equal(t, []any{}, got)
}

func TestBatchNodeTerminalItemFailureAbortsBatch(t *testing.T) {
	var processed []any
	n := &scriptedBatch{BatchNode: NewBatchNode(WithMaxRetries(2))}
	n.prep = func(flowcore.Shared) (any, error) { return []string{"a", "bad", "c"}, nil }
	n.exec = func(item any) (any, error) {
		processed = append(processed, item)
		if item == "bad" {
			return nil, errBoom
		}
		return item, nil
	}
	posted := false
	n.post = func(flowcore.Shared, any, any) (flowcore.Action, error) {
		posted = true
		return "", nil
	}

	_, err := Run(n, flowcore.Shared{})
	require.ErrorIs(t, err, errBoom)
	assert.Equal(t, []any{"a", "bad", "bad"}, processed)
	assert.False(t, posted)
}

func TestBatchNodeRejectsNonSequencePrep(t *testing.T) {
	n := &scriptedBatch{BatchNode: NewBatchNode()}
	n.prep = func(flowcore.Shared) (any, error) { return 42, nil }
	n.exec = func(any) (any, error) { return nil, nil }

	_, err := Run(n, flowcore.Shared{})
	require.ErrorIs(t, err, ErrBatchInput)
}
