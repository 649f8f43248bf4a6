package flowcore

// Action is the label a post phase returns to steer the enclosing flow.
type Action string

// DefaultAction is used whenever a post phase returns no action.
const DefaultAction Action = "default"

// Common labels used by the bundled nodes.
const (
	ActionContinue Action = "continue"
	ActionSkip     Action = "skip"
	ActionError    Action = "error"
)

// Normalize maps the empty action to DefaultAction.
func (a Action) Normalize() Action {
	if a == "" {
		return DefaultAction
	}
	return a
}

func (a Action) String() string {
	return string(a)
}

// ActionOf extracts an action from a loosely typed value, e.g. a script result.
func ActionOf(v any) Action {
	switch t := v.(type) {
	case Action:
		return t
	case string:
		return Action(t)
	default:
		return ""
	}
}
