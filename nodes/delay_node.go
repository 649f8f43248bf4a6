package nodes

import (
	"context"
	"time"

	"flowcore"
	"flowcore/flows"
)

// DelayNode waits for Duration, or until the run is cancelled.
type DelayNode struct {
	flows.AsyncNode
	Duration time.Duration
}

func NewDelayNode(name string, duration time.Duration) *DelayNode {
	return &DelayNode{AsyncNode: flows.NewAsyncNode(flows.WithName(name)), Duration: duration}
}

func (n *DelayNode) ExecAsync(ctx context.Context, _ any) (any, error) {
	if n.Duration <= 0 {
		return nil, ctx.Err()
	}
	timer := time.NewTimer(n.Duration)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, nil
	}
}

func (n *DelayNode) PostAsync(context.Context, flowcore.Shared, any, any) (flowcore.Action, error) {
	return "", nil
}

func init() {
	RegisterNode(NodeDefinition{
		ID:          "delay",
		Description: "Pauses for Duration then follows the default edge.",
		Example:     `nodes.NewDelayNode("wait", 500*time.Millisecond)`,
	})
}
