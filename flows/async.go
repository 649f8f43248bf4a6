package flows

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"

	"flowcore"
)

// AsyncNodeUnit is the asynchronous node contract. Every phase receives the
// run's context; ExecAsync is the only retried phase.
type AsyncNodeUnit interface {
	Unit
	PrepAsync(ctx context.Context, shared flowcore.Shared) (any, error)
	ExecAsync(ctx context.Context, prep any) (any, error)
	PostAsync(ctx context.Context, shared flowcore.Shared, prep, exec any) (flowcore.Action, error)
	FallbackAsync(ctx context.Context, prep any, err error) (any, error)
	RetryPolicy() RetryPolicy
}

// AsyncNode mirrors Node for RunAsync. The wait between attempts gives way
// to context cancellation.
type AsyncNode struct {
	unitBase
	retry RetryPolicy
}

func NewAsyncNode(opts ...NodeOption) AsyncNode {
	s := applyOptions(opts)
	return AsyncNode{unitBase: unitBase{name: s.name}, retry: s.retry}
}

func (n *AsyncNode) RetryPolicy() RetryPolicy { return n.retry }

func (n *AsyncNode) SetRetryPolicy(p RetryPolicy) { n.retry = p }

func (n *AsyncNode) PrepAsync(context.Context, flowcore.Shared) (any, error) { return nil, nil }

func (n *AsyncNode) ExecAsync(context.Context, any) (any, error) { return nil, nil }

func (n *AsyncNode) PostAsync(context.Context, flowcore.Shared, any, any) (flowcore.Action, error) {
	return "", nil
}

func (n *AsyncNode) FallbackAsync(_ context.Context, _ any, err error) (any, error) { return nil, err }

func (*AsyncNode) kind() unitKind { return kindAsyncNode }

// AsyncBatchNode runs ExecAsync over the prepared items one after another.
type AsyncBatchNode struct {
	AsyncNode
}

func NewAsyncBatchNode(opts ...NodeOption) AsyncBatchNode {
	return AsyncBatchNode{AsyncNode: NewAsyncNode(opts...)}
}

func (*AsyncBatchNode) kind() unitKind { return kindAsyncBatchNode }

// AsyncParallelBatchNode starts every item before waiting on any and hands
// Post the results in input order. When one item fails for good the others
// are cancelled through their context and awaited; the first error wins.
type AsyncParallelBatchNode struct {
	AsyncNode
	concurrency int
}

func NewAsyncParallelBatchNode(opts ...NodeOption) AsyncParallelBatchNode {
	s := applyOptions(opts)
	return AsyncParallelBatchNode{AsyncNode: NewAsyncNode(opts...), concurrency: s.concurrency}
}

// Concurrency is the in-flight item cap; zero means unlimited.
func (n *AsyncParallelBatchNode) Concurrency() int { return n.concurrency }

func (n *AsyncParallelBatchNode) SetConcurrency(limit int) { n.concurrency = limit }

func (*AsyncParallelBatchNode) kind() unitKind { return kindAsyncParallelBatchNode }

type concurrencyLimited interface {
	Concurrency() int
}

func limitOf(u Unit) int {
	if c, ok := u.(concurrencyLimited); ok {
		return c.Concurrency()
	}
	return 0
}

func (r *runner) runAsyncNode(ctx context.Context, n AsyncNodeUnit, shared flowcore.Shared, stepID string) (flowcore.Action, error) {
	name := UnitName(n)
	prep, err := n.PrepAsync(ctx, shared)
	if err != nil {
		return "", fmt.Errorf("%s prep: %w", name, err)
	}
	exec, err := r.execAsync(ctx, n, prep, stepID)
	if err != nil {
		return "", err
	}
	action, err := n.PostAsync(ctx, shared, prep, exec)
	if err != nil {
		return "", fmt.Errorf("%s post: %w", name, err)
	}
	return action, nil
}

func (r *runner) runAsyncBatchNode(ctx context.Context, n AsyncNodeUnit, shared flowcore.Shared, stepID string, parallel bool) (flowcore.Action, error) {
	name := UnitName(n)
	prep, err := n.PrepAsync(ctx, shared)
	if err != nil {
		return "", fmt.Errorf("%s prep: %w", name, err)
	}
	items, err := batchItems(prep)
	if err != nil {
		return "", fmt.Errorf("%s prep: %w", name, err)
	}

	results := make([]any, len(items))
	if parallel {
		pr := r.inParallel()
		err = fanOut(ctx, len(items), limitOf(n), func(ctx context.Context, i int) error {
			res, err := pr.execAsync(pr.bind(ctx), n, items[i], stepID)
			if err != nil {
				return fmt.Errorf("item %d: %w", i, err)
			}
			results[i] = res
			return nil
		})
		if err != nil {
			return "", err
		}
	} else {
		for i, item := range items {
			res, err := r.execAsync(ctx, n, item, stepID)
			if err != nil {
				return "", fmt.Errorf("item %d: %w", i, err)
			}
			results[i] = res
		}
	}

	action, err := n.PostAsync(ctx, shared, prep, results)
	if err != nil {
		return "", fmt.Errorf("%s post: %w", name, err)
	}
	return action, nil
}

func (r *runner) execAsync(ctx context.Context, n AsyncNodeUnit, prep any, stepID string) (any, error) {
	name := UnitName(n)
	policy := n.RetryPolicy()
	attempts := policy.Attempts()
	waits := policy.waits()

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		res, err := n.ExecAsync(ctx, prep)
		if err == nil {
			return res, nil
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%s exec: %w", name, ctx.Err())
		}
		lastErr = err
		if attempt == attempts || !policy.retryable(err) {
			break
		}
		wait := waits.NextBackOff()
		if wait == backoff.Stop {
			break
		}
		r.retrying(ctx, n, stepID, attempt, attempts, wait, err)
		if err := sleep(ctx, wait); err != nil {
			return nil, fmt.Errorf("%s retry wait: %w", name, err)
		}
	}

	res, err := n.FallbackAsync(ctx, prep, lastErr)
	if err != nil {
		return nil, fmt.Errorf("%s exec: %w", name, err)
	}
	return res, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// fanOut runs fn for indexes [0, n) concurrently and waits for all of them.
// The first error cancels the context passed to the rest.
func fanOut(ctx context.Context, n, limit int, fn func(ctx context.Context, i int) error) error {
	g, gctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i := range n {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return fn(gctx, i)
		})
	}
	return g.Wait()
}
