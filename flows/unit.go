package flows

import (
	"fmt"
	"reflect"
	"strings"

	"go.uber.org/zap"

	"flowcore"
)

type unitKind int

const (
	kindNode unitKind = iota + 1
	kindBatchNode
	kindFlow
	kindBatchFlow
	kindAsyncNode
	kindAsyncBatchNode
	kindAsyncParallelBatchNode
	kindAsyncFlow
	kindAsyncBatchFlow
	kindAsyncParallelBatchFlow
)

func (k unitKind) async() bool {
	return k >= kindAsyncNode
}

func (k unitKind) flow() bool {
	switch k {
	case kindFlow, kindBatchFlow, kindAsyncFlow, kindAsyncBatchFlow, kindAsyncParallelBatchFlow:
		return true
	}
	return false
}

// Unit is the graph element contract. It is satisfied by any type embedding
// one of the engine base structs (Node, BatchNode, Flow, AsyncNode, ...); the
// embedding type overrides the phase methods it needs.
type Unit interface {
	Name() string
	SetName(name string)
	Params() flowcore.Params
	SetParams(params flowcore.Params)
	Next(action flowcore.Action, next Unit) Unit
	Then(next Unit) Unit
	On(action flowcore.Action) *Transition
	Successor(action flowcore.Action) (Unit, bool)
	Successors() []Edge
	HasSuccessors() bool

	kind() unitKind
}

// Cloner lets a unit control how it is copied before each visit.
type Cloner interface {
	Clone() Unit
}

// Edge is one action-labelled successor.
type Edge struct {
	Action flowcore.Action
	To     Unit
}

// unitBase carries the state every unit has: a name, the per-visit params
// and the ordered successor mapping.
type unitBase struct {
	name       string
	params     flowcore.Params
	successors map[flowcore.Action]Unit
	order      []flowcore.Action
}

func (b *unitBase) Name() string { return b.name }

func (b *unitBase) SetName(name string) { b.name = name }

func (b *unitBase) Params() flowcore.Params {
	if b.params == nil {
		return flowcore.Params{}
	}
	return b.params
}

// SetParams replaces the parameter set; the map is not copied.
func (b *unitBase) SetParams(params flowcore.Params) {
	b.params = params
}

// Next wires next as the successor for action. Redefining an action replaces
// the previous target and logs a warning.
func (b *unitBase) Next(action flowcore.Action, next Unit) Unit {
	action = action.Normalize()
	if b.successors == nil {
		b.successors = make(map[flowcore.Action]Unit)
	}
	if prev, exists := b.successors[action]; exists {
		Logger().Warn("overwriting successor",
			zap.String("unit", b.label()),
			zap.String("action", string(action)),
			zap.String("previous", UnitName(prev)),
			zap.String("next", UnitName(next)),
		)
	} else {
		b.order = append(b.order, action)
	}
	b.successors[action] = next
	return next
}

// Then wires next as the default successor and returns it for chaining.
func (b *unitBase) Then(next Unit) Unit {
	return b.Next(flowcore.DefaultAction, next)
}

// On starts a conditional edge; the edge exists once Then is called on the result.
func (b *unitBase) On(action flowcore.Action) *Transition {
	return &Transition{from: b, action: action}
}

func (b *unitBase) Successor(action flowcore.Action) (Unit, bool) {
	next, ok := b.successors[action.Normalize()]
	return next, ok
}

// Successors lists edges in the order their actions were first defined.
func (b *unitBase) Successors() []Edge {
	edges := make([]Edge, 0, len(b.order))
	for _, action := range b.order {
		edges = append(edges, Edge{Action: action, To: b.successors[action]})
	}
	return edges
}

func (b *unitBase) HasSuccessors() bool {
	return len(b.successors) > 0
}

func (b *unitBase) label() string {
	if b.name != "" {
		return b.name
	}
	return "<unnamed>"
}

// Transition is the pending half of an `On(action).Then(target)` edge.
type Transition struct {
	from   *unitBase
	action flowcore.Action
}

// Then completes the edge and returns target for further chaining.
func (t *Transition) Then(target Unit) Unit {
	return t.from.Next(t.action, target)
}

// UnitName returns the unit's name, falling back to its Go type.
func UnitName(u Unit) string {
	if u == nil {
		return ""
	}
	if name := u.Name(); name != "" {
		return name
	}
	return strings.TrimPrefix(fmt.Sprintf("%T", u), "*")
}

// IsAsync reports whether u must be run with RunAsync.
func IsAsync(u Unit) bool {
	return u != nil && u.kind().async()
}

// clone returns a shallow copy of u so that assigning params to the copy
// leaves the graph's instance untouched.
func clone(u Unit) Unit {
	if c, ok := u.(Cloner); ok {
		return c.Clone()
	}
	v := reflect.ValueOf(u)
	if v.Kind() != reflect.Pointer || v.IsNil() || v.Elem().Kind() != reflect.Struct {
		return u
	}
	cp := reflect.New(v.Elem().Type())
	cp.Elem().Set(v.Elem())
	if out, ok := cp.Interface().(Unit); ok {
		return out
	}
	return u
}
