package nodes

import (
	"flowcore"
	"flowcore/flows"
)

// ConditionalNode picks the next edge from a predicate over shared state.
type ConditionalNode struct {
	flows.Node
	condition func(flowcore.Shared) flowcore.Action
}

func NewConditionalNode(name string, condition func(flowcore.Shared) flowcore.Action) *ConditionalNode {
	return &ConditionalNode{Node: flows.NewNode(flows.WithName(name)), condition: condition}
}

// Branch wires target to action and returns the node for chaining.
func (n *ConditionalNode) Branch(action flowcore.Action, target flows.Unit) *ConditionalNode {
	n.Next(action, target)
	return n
}

func (n *ConditionalNode) Post(shared flowcore.Shared, _, _ any) (flowcore.Action, error) {
	if n.condition == nil {
		return "", nil
	}
	return n.condition(shared), nil
}

// ConditionOnKey routes on the string value of shared[key], falling back to
// the default edge when it is missing.
func ConditionOnKey(key string) func(flowcore.Shared) flowcore.Action {
	return func(shared flowcore.Shared) flowcore.Action {
		return flowcore.ActionOf(shared[key])
	}
}

func init() {
	RegisterNode(NodeDefinition{
		ID:          "conditional",
		Description: "Routes to the successor whose action matches a predicate over shared state.",
		Example:     `nodes.NewConditionalNode("router", nodes.ConditionOnKey("route")).Branch("search", searchFlow)`,
	})
}
