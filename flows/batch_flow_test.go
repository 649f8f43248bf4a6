package flows

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowcore"
)

type idBatch struct {
	BatchFlow
	sets []flowcore.Params
}

func (f *idBatch) Prep(flowcore.Shared) (any, error) { return f.sets, nil }

type countingBatch struct {
	BatchFlow
}

func (f *countingBatch) Prep(flowcore.Shared) (any, error) {
	return []map[string]any{{"id": "a"}, {"id": "b"}, {"id": "c"}}, nil
}

func (f *countingBatch) Post(shared flowcore.Shared, prep, _ any) (flowcore.Action, error) {
	shared["iterations"] = len(prep.([]map[string]any))
	return "aggregated", nil
}

func logParam(name string) *scriptedNode {
	n := &scriptedNode{Node: NewNode(WithName(name))}
	n.post = func(self *scriptedNode, shared flowcore.Shared, _, _ any) (flowcore.Action, error) {
		entries, _ := shared["log"].([]string)
		p := self.Params()
		shared["log"] = append(entries, fmt.Sprintf("%v-%s-%v", p["id"], name, p["lang"]))
		return "", nil
	}
	return n
}

func TestBatchFlowRunsSubGraphOncePerParamSet(t *testing.T) {
	load := logParam("load")
	load.Then(logParam("save"))

	batch := &idBatch{sets: []flowcore.Params{{"id": 1}, {"id": 2}}}
	batch.Start(load)
	batch.SetParams(flowcore.Params{"id": 0, "lang": "go"})

	shared := flowcore.Shared{}
	action, err := Run(batch, shared)
	require.NoError(t, err)
	assert.Empty(t, action)
	assert.Equal(t, []string{"1-load-go", "1-save-go", "2-load-go", "2-save-go"}, shared["log"])
	assert.Equal(t, flowcore.Params{"id": 0, "lang": "go"}, batch.Params())
}

func TestBatchFlowIterationsShareState(t *testing.T) {
	probe := &scriptedNode{Node: NewNode()}
	probe.post = func(self *scriptedNode, shared flowcore.Shared, _, _ any) (flowcore.Action, error) {
		seen, _ := shared["seen"].([]any)
		shared["seen"] = append(seen, self.Params()["id"])
		shared["visible_before"] = len(seen)
		return "", nil
	}
	batch := &idBatch{sets: []flowcore.Params{{"id": 1}, {"id": 2}}}
	batch.Start(probe)

	shared := flowcore.Shared{}
	_, err := Run(batch, shared)
	require.NoError(t, err)
	assert.Equal(t, []any{1, 2}, shared["seen"])
	assert.Equal(t, 1, shared["visible_before"])
}

func TestBatchFlowPostCanAggregate(t *testing.T) {
	batch := &countingBatch{}
	batch.Start(logParam("step"))
	next := step("after", "")
	batch.On("aggregated").Then(next)

	shared := flowcore.Shared{}
	_, err := Run(NewFlow(batch), shared)
	require.NoError(t, err)
	assert.Equal(t, 3, shared["iterations"])
	assert.Equal(t, []string{"a-step-<nil>", "b-step-<nil>", "c-step-<nil>"}, shared["log"])
	assert.Equal(t, []string{"after"}, trail(shared))
}

func TestBatchFlowStopsOnIterationFailure(t *testing.T) {
	failing := &scriptedNode{Node: NewNode()}
	failing.exec = func(self *scriptedNode, _ any) (any, error) {
		if self.Params()["id"] == 2 {
			return nil, errBoom
		}
		return nil, nil
	}
	failing.Then(logParam("after"))

	batch := &idBatch{sets: []flowcore.Params{{"id": 1}, {"id": 2}, {"id": 3}}}
	batch.Start(failing)

	shared := flowcore.Shared{}
	_, err := Run(batch, shared)
	require.ErrorIs(t, err, errBoom)
	assert.Equal(t, []string{"1-after-<nil>"}, shared["log"])
}

func TestBatchFlowRootIgnoresStartAt(t *testing.T) {
	a, b := step("A", ""), step("B", "")
	a.Then(b)
	batch := &idBatch{sets: []flowcore.Params{{"id": 1}, {"id": 2}}}
	batch.Start(a)

	var iterations []int
	mon := MonitorFunc(func(_ context.Context, ev FlowEvent) {
		if ev.Type == FlowEventTypeNodeStart {
			iterations = append(iterations, ev.Iteration)
		}
	})
	shared := flowcore.Shared{}
	_, err := Run(batch, shared, StartAt(b), WithMonitors(mon))
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "A", "B"}, trail(shared))
	assert.Equal(t, []int{1, 1, 2, 2}, iterations)
}

type stringBatch struct {
	BatchFlow
}

func (f *stringBatch) Prep(flowcore.Shared) (any, error) { return []string{"x"}, nil }

func TestBatchFlowRejectsNonMapItems(t *testing.T) {
	empty := &idBatch{}
	empty.Start(step("A", ""))
	shared := flowcore.Shared{}
	_, err := Run(empty, shared)
	require.NoError(t, err)
	assert.Empty(t, trail(shared))

	bad := &stringBatch{}
	bad.Start(step("A", ""))
	_, err = Run(bad, flowcore.Shared{})
	require.ErrorIs(t, err, ErrBatchInput)
}
