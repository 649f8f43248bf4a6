package nodes

import (
	"fmt"

	"github.com/mitchellh/mapstructure"

	"flowcore"
	"flowcore/flows"
)

// LoopNode returns ActionContinue until it has been visited Max times, then
// the default action. The count lives in shared state because every visit
// runs on a fresh copy of the node; it is cleared when the loop finishes.
// Any numeric counter is accepted, so state restored from JSON keeps counting.
type LoopNode struct {
	flows.Node
	Max        int
	CounterKey string
}

func NewLoopNode(name string, max int) *LoopNode {
	return &LoopNode{
		Node:       flows.NewNode(flows.WithName(name)),
		Max:        max,
		CounterKey: fmt.Sprintf("%s_iterations", name),
	}
}

func (n *LoopNode) Post(shared flowcore.Shared, _, _ any) (flowcore.Action, error) {
	var count int
	if err := mapstructure.WeakDecode(shared[n.CounterKey], &count); err != nil {
		return "", fmt.Errorf("loop counter %s: %w", n.CounterKey, err)
	}
	count++
	if count >= n.Max {
		delete(shared, n.CounterKey)
		return flowcore.DefaultAction, nil
	}
	shared[n.CounterKey] = count
	return flowcore.ActionContinue, nil
}

func init() {
	RegisterNode(NodeDefinition{
		ID:          "loop",
		Description: "Emits continue until visited max times, then default.",
		Example:     `nodes.NewLoopNode("retry", 3)`,
	})
}
