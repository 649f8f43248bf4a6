package flows

import (
	"context"
	"fmt"

	"flowcore"
	"flowcore/utils"
)

// AsyncFlowUnit is the asynchronous flow contract.
type AsyncFlowUnit interface {
	Unit
	PrepAsync(ctx context.Context, shared flowcore.Shared) (any, error)
	PostAsync(ctx context.Context, shared flowcore.Shared, prep, exec any) (flowcore.Action, error)
	StartUnit() Unit
	Monitors() []FlowMonitor
}

// AsyncFlow performs the same walk as Flow. Async steps are run with the
// walk's context, sync steps are run inline, so mixed graphs are allowed.
type AsyncFlow struct {
	flowBase
}

func NewAsyncFlow(start Unit) *AsyncFlow {
	f := &AsyncFlow{}
	f.start = start
	return f
}

func (f *AsyncFlow) PrepAsync(context.Context, flowcore.Shared) (any, error) { return nil, nil }

func (f *AsyncFlow) PostAsync(_ context.Context, _ flowcore.Shared, _ any, exec any) (flowcore.Action, error) {
	return flowcore.ActionOf(exec), nil
}

func (*AsyncFlow) kind() unitKind { return kindAsyncFlow }

// AsyncBatchFlow walks its graph once per parameter set, sequentially.
type AsyncBatchFlow struct {
	AsyncFlow
}

func NewAsyncBatchFlow(start Unit) *AsyncBatchFlow {
	f := &AsyncBatchFlow{}
	f.start = start
	return f
}

func (*AsyncBatchFlow) kind() unitKind { return kindAsyncBatchFlow }

// AsyncParallelBatchFlow walks its graph once per parameter set, all walks
// at once. The walks share state; steps should write to per-iteration keys.
type AsyncParallelBatchFlow struct {
	AsyncFlow
	concurrency int
}

func NewAsyncParallelBatchFlow(start Unit) *AsyncParallelBatchFlow {
	f := &AsyncParallelBatchFlow{}
	f.start = start
	return f
}

func (f *AsyncParallelBatchFlow) Concurrency() int { return f.concurrency }

func (f *AsyncParallelBatchFlow) SetConcurrency(limit int) { f.concurrency = limit }

func (*AsyncParallelBatchFlow) kind() unitKind { return kindAsyncParallelBatchFlow }

func (r *runner) runAsyncFlow(ctx context.Context, f AsyncFlowUnit, shared flowcore.Shared, stepID string) (flowcore.Action, error) {
	name := UnitName(f)
	prep, err := f.PrepAsync(ctx, shared)
	if err != nil {
		return "", fmt.Errorf("%s prep: %w", name, err)
	}
	last, err := r.walk(ctx, f, shared, f.Params(), stepID, true)
	if err != nil {
		return "", err
	}
	action, err := f.PostAsync(ctx, shared, prep, last)
	if err != nil {
		return "", fmt.Errorf("%s post: %w", name, err)
	}
	return action, nil
}

func (r *runner) runAsyncBatchFlow(ctx context.Context, f AsyncFlowUnit, shared flowcore.Shared, stepID string, parallel bool) (flowcore.Action, error) {
	name := UnitName(f)
	prep, err := f.PrepAsync(ctx, shared)
	if err != nil {
		return "", fmt.Errorf("%s prep: %w", name, err)
	}
	sets, err := paramSets(prep)
	if err != nil {
		return "", fmt.Errorf("%s prep: %w", name, err)
	}

	if parallel {
		pr := r.inParallel()
		err = fanOut(ctx, len(sets), limitOf(f), func(ctx context.Context, i int) error {
			it := pr.iterating(i + 1)
			_, err := it.walk(it.bind(ctx), f, shared, utils.MergeMaps(f.Params(), sets[i]), stepID, true)
			return err
		})
		if err != nil {
			return "", err
		}
	} else {
		for i, set := range sets {
			if _, err := r.iterating(i+1).walk(ctx, f, shared, utils.MergeMaps(f.Params(), set), stepID, true); err != nil {
				return "", err
			}
		}
	}

	action, err := f.PostAsync(ctx, shared, prep, nil)
	if err != nil {
		return "", fmt.Errorf("%s post: %w", name, err)
	}
	return action, nil
}
