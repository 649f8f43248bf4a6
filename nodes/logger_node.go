package nodes

import (
	"go.uber.org/zap"

	"flowcore"
	"flowcore/flows"
)

// LoggerNode logs a message with selected shared keys attached as fields.
type LoggerNode struct {
	flows.Node
	Message   string
	InputKeys []string
	logger    *zap.Logger
}

// NewLoggerNode logs through flows.Logger() unless WithNodeLogger is applied.
func NewLoggerNode(name, message string, inputKeys ...string) *LoggerNode {
	return &LoggerNode{Node: flows.NewNode(flows.WithName(name)), Message: message, InputKeys: inputKeys}
}

// WithNodeLogger sets the logger used by the node.
func (n *LoggerNode) WithNodeLogger(l *zap.Logger) *LoggerNode {
	n.logger = l
	return n
}

func (n *LoggerNode) Prep(shared flowcore.Shared) (any, error) {
	fields := make([]zap.Field, 0, len(n.InputKeys)+1)
	fields = append(fields, zap.String("node", n.Name()))
	for _, key := range n.InputKeys {
		if val, ok := shared[key]; ok {
			fields = append(fields, zap.Any(key, val))
		}
	}
	return fields, nil
}

func (n *LoggerNode) Post(_ flowcore.Shared, prep, _ any) (flowcore.Action, error) {
	logger := n.logger
	if logger == nil {
		logger = flows.Logger()
	}
	logger.Info(n.Message, prep.([]zap.Field)...)
	return "", nil
}

func init() {
	RegisterNode(NodeDefinition{
		ID:          "logger",
		Description: "Logs a message with selected shared keys as structured fields.",
		Example:     `nodes.NewLoggerNode("debug", "shared", "input", "result")`,
	})
}
