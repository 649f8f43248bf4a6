package flows

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"flowcore"
)

// NodeUnit is the synchronous node contract. Exec is the only retried phase.
type NodeUnit interface {
	Unit
	Prep(shared flowcore.Shared) (any, error)
	Exec(prep any) (any, error)
	Post(shared flowcore.Shared, prep, exec any) (flowcore.Action, error)
	Fallback(prep any, err error) (any, error)
	RetryPolicy() RetryPolicy
}

// Node is the base for synchronous units of work. Embed it by value and
// override Prep, Exec, Post or Fallback.
//
//	type summarize struct {
//		flows.Node
//	}
//
//	s := &summarize{Node: flows.NewNode(flows.WithMaxRetries(3), flows.WithWait(time.Second))}
type Node struct {
	unitBase
	retry RetryPolicy
}

// NewNode returns a Node value meant to be embedded.
func NewNode(opts ...NodeOption) Node {
	s := applyOptions(opts)
	return Node{unitBase: unitBase{name: s.name}, retry: s.retry}
}

func (n *Node) RetryPolicy() RetryPolicy { return n.retry }

func (n *Node) SetRetryPolicy(p RetryPolicy) { n.retry = p }

func (n *Node) Prep(flowcore.Shared) (any, error) { return nil, nil }

func (n *Node) Exec(any) (any, error) { return nil, nil }

func (n *Node) Post(flowcore.Shared, any, any) (flowcore.Action, error) { return "", nil }

// Fallback runs once the attempt budget is spent. The default re-raises.
func (n *Node) Fallback(_ any, err error) (any, error) { return nil, err }

func (*Node) kind() unitKind { return kindNode }

// BatchNode runs Exec once per item returned by Prep, sequentially, with an
// independent retry budget per item. Post receives the results in input order.
type BatchNode struct {
	Node
}

func NewBatchNode(opts ...NodeOption) BatchNode {
	return BatchNode{Node: NewNode(opts...)}
}

func (*BatchNode) kind() unitKind { return kindBatchNode }

func (r *runner) runNode(ctx context.Context, n NodeUnit, shared flowcore.Shared, stepID string) (flowcore.Action, error) {
	name := UnitName(n)
	prep, err := n.Prep(shared)
	if err != nil {
		return "", fmt.Errorf("%s prep: %w", name, err)
	}
	exec, err := r.execSync(ctx, n, prep, stepID)
	if err != nil {
		return "", err
	}
	action, err := n.Post(shared, prep, exec)
	if err != nil {
		return "", fmt.Errorf("%s post: %w", name, err)
	}
	return action, nil
}

func (r *runner) runBatchNode(ctx context.Context, n NodeUnit, shared flowcore.Shared, stepID string) (flowcore.Action, error) {
	name := UnitName(n)
	prep, err := n.Prep(shared)
	if err != nil {
		return "", fmt.Errorf("%s prep: %w", name, err)
	}
	items, err := batchItems(prep)
	if err != nil {
		return "", fmt.Errorf("%s prep: %w", name, err)
	}
	results := make([]any, len(items))
	for i, item := range items {
		res, err := r.execSync(ctx, n, item, stepID)
		if err != nil {
			return "", fmt.Errorf("item %d: %w", i, err)
		}
		results[i] = res
	}
	action, err := n.Post(shared, prep, results)
	if err != nil {
		return "", fmt.Errorf("%s post: %w", name, err)
	}
	return action, nil
}

func (r *runner) execSync(ctx context.Context, n NodeUnit, prep any, stepID string) (any, error) {
	policy := n.RetryPolicy()
	attempts := policy.Attempts()
	waits := policy.waits()

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		res, err := n.Exec(prep)
		if err == nil {
			return res, nil
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
		if wait > 0 {
			time.Sleep(wait)
		}
	}

	res, err := n.Fallback(prep, lastErr)
	if err != nil {
		return nil, fmt.Errorf("%s exec: %w", UnitName(n), err)
	}
	return res, nil
}

func (r *runner) retrying(ctx context.Context, u Unit, stepID string, attempt, attempts int, wait time.Duration, err error) {
	name := UnitName(u)
	r.logger.Warn("exec failed, retrying",
		zap.String("unit", name),
		zap.Int("attempt", attempt),
		zap.Int("max_attempts", attempts),
		zap.Duration("wait", wait),
		zap.Error(err),
	)
	r.emit(ctx, FlowEvent{
		Type:    FlowEventTypeNodeRetry,
		StepID:  stepID,
		Node:    name,
		Err:     err,
		Attempt: attempt,
		Wait:    wait,
	})
}
