package flows

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"flowcore"
	"flowcore/utils"
)

// FlowUnit is the synchronous flow contract.
type FlowUnit interface {
	Unit
	Prep(shared flowcore.Shared) (any, error)
	Post(shared flowcore.Shared, prep, exec any) (flowcore.Action, error)
	StartUnit() Unit
	Monitors() []FlowMonitor
}

type graph interface {
	Unit
	StartUnit() Unit
	Monitors() []FlowMonitor
}

type flowBase struct {
	unitBase
	start    Unit
	monitors []FlowMonitor
}

// Start sets the unit the walk begins at and returns it for chaining.
func (f *flowBase) Start(u Unit) Unit {
	f.start = u
	return u
}

func (f *flowBase) StartUnit() Unit { return f.start }

// AddMonitor registers a hook notified about every walk of this flow,
// including nested ones.
func (f *flowBase) AddMonitor(monitor FlowMonitor) {
	if monitor == nil {
		return
	}
	f.monitors = append(f.monitors, monitor)
}

func (f *flowBase) Monitors() []FlowMonitor { return f.monitors }

// Flow walks a graph of units, picking each successor by the action the
// previous step returned. Prep does nothing and Post returns the walk's last
// action, so a Flow can itself be a step of another flow.
type Flow struct {
	flowBase
}

// NewFlow returns a flow starting at start. start may be nil.
func NewFlow(start Unit) *Flow {
	f := &Flow{}
	f.start = start
	return f
}

func (f *Flow) Prep(flowcore.Shared) (any, error) { return nil, nil }

func (f *Flow) Post(_ flowcore.Shared, _ any, exec any) (flowcore.Action, error) {
	return flowcore.ActionOf(exec), nil
}

func (*Flow) kind() unitKind { return kindFlow }

// BatchFlow walks its graph once per parameter set returned by Prep, in order.
// Each set is merged over the flow's own params. Post receives a nil exec.
type BatchFlow struct {
	Flow
}

func NewBatchFlow(start Unit) *BatchFlow {
	f := &BatchFlow{}
	f.start = start
	return f
}

func (*BatchFlow) kind() unitKind { return kindBatchFlow }

// FlowBuilder provides a fluent interface for building flows.
type FlowBuilder struct {
	start    Unit
	current  Unit
	name     string
	monitors []FlowMonitor
}

func NewFlowBuilder(start Unit) *FlowBuilder {
	return &FlowBuilder{start: start, current: start}
}

// Then wires next as the default successor of the last unit added.
func (fb *FlowBuilder) Then(next Unit) *FlowBuilder {
	if fb.current == nil {
		fb.start = next
	} else {
		fb.current.Then(next)
	}
	fb.current = next
	return fb
}

// On branches the last unit added to target on action. The chain cursor does
// not move.
func (fb *FlowBuilder) On(action flowcore.Action, target Unit) *FlowBuilder {
	if fb.current != nil {
		fb.current.On(action).Then(target)
	}
	return fb
}

// Connect defines a transition between any two units.
func (fb *FlowBuilder) Connect(from Unit, action flowcore.Action, to Unit) *FlowBuilder {
	from.Next(action, to)
	return fb
}

func (fb *FlowBuilder) Named(name string) *FlowBuilder {
	fb.name = name
	return fb
}

// WithMonitor registers observability hooks for the flow.
func (fb *FlowBuilder) WithMonitor(monitors ...FlowMonitor) *FlowBuilder {
	fb.monitors = append(fb.monitors, monitors...)
	return fb
}

// Build returns the constructed flow.
func (fb *FlowBuilder) Build() *Flow {
	f := NewFlow(fb.start)
	f.name = fb.name
	for _, m := range fb.monitors {
		f.AddMonitor(m)
	}
	return f
}

// BuildAsync returns the graph as an AsyncFlow, which can also hold sync units.
func (fb *FlowBuilder) BuildAsync() *AsyncFlow {
	f := NewAsyncFlow(fb.start)
	f.name = fb.name
	for _, m := range fb.monitors {
		f.AddMonitor(m)
	}
	return f
}

func (r *runner) runFlow(ctx context.Context, f FlowUnit, shared flowcore.Shared, stepID string) (flowcore.Action, error) {
	name := UnitName(f)
	prep, err := f.Prep(shared)
	if err != nil {
		return "", fmt.Errorf("%s prep: %w", name, err)
	}
	last, err := r.walk(ctx, f, shared, f.Params(), stepID, false)
	if err != nil {
		return "", err
	}
	action, err := f.Post(shared, prep, last)
	if err != nil {
		return "", fmt.Errorf("%s post: %w", name, err)
	}
	return action, nil
}

func (r *runner) runBatchFlow(ctx context.Context, f FlowUnit, shared flowcore.Shared, stepID string) (flowcore.Action, error) {
	name := UnitName(f)
	prep, err := f.Prep(shared)
	if err != nil {
		return "", fmt.Errorf("%s prep: %w", name, err)
	}
	sets, err := paramSets(prep)
	if err != nil {
		return "", fmt.Errorf("%s prep: %w", name, err)
	}
	for i, set := range sets {
		if _, err := r.iterating(i+1).walk(ctx, f, shared, utils.MergeMaps(f.Params(), set), stepID, false); err != nil {
			return "", err
		}
	}
	action, err := f.Post(shared, prep, nil)
	if err != nil {
		return "", fmt.Errorf("%s post: %w", name, err)
	}
	return action, nil
}

// walk runs the graph of g once. parentID is the step that owns this walk.
func (r *runner) walk(ctx context.Context, g graph, shared flowcore.Shared, params flowcore.Params, parentID string, async bool) (flowcore.Action, error) {
	r = r.withMonitors(g.Monitors())
	flowName := UnitName(g)
	flowID := uuid.NewString()
	base := FlowEvent{FlowID: flowID, ParentID: parentID, Depth: r.depth, Iteration: r.iteration, Node: flowName}

	start := g.StartUnit()
	if r.startAt != nil && r.iteration == 0 {
		start = r.startAt
	}
	if start == nil {
		r.warn(ctx, base, "flow has no start unit", zap.String("flow", flowName))
		return "", nil
	}

	ev := base
	ev.Type = FlowEventTypeFlowStart
	ev.Shared = r.snapshot(shared)
	r.emit(ctx, ev)

	steps := r.child()
	var (
		last   flowcore.Action
		runErr error
	)
	current := clone(start)
	for step := 0; current != nil; step++ {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}

		stepID := uuid.NewString()
		current.SetParams(params.Clone())
		sev := FlowEvent{FlowID: flowID, StepID: stepID, Depth: r.depth, Iteration: r.iteration, Step: step, Node: UnitName(current)}

		ev = sev
		ev.Type = FlowEventTypeNodeStart
		r.emit(ctx, ev)

		var (
			action flowcore.Action
			err    error
		)
		if async {
			action, err = steps.runStep(ctx, current, shared, stepID)
		} else {
			action, err = steps.runSync(ctx, current, shared, stepID)
		}
		if err != nil {
			ev = sev
			ev.Type = FlowEventTypeNodeError
			ev.Err = err
			r.emit(ctx, ev)
			runErr = err
			break
		}
		last = action

		next := r.resolve(ctx, current, action, sev)
		ev = sev
		ev.Type = FlowEventTypeNodeEnd
		ev.Action = action
		ev.Next = UnitName(next)
		ev.Shared = r.snapshot(shared)
		r.emit(ctx, ev)

		if next == nil {
			break
		}
		current = clone(next)
	}

	ev = base
	ev.Type = FlowEventTypeFlowComplete
	ev.Action = last
	ev.Err = runErr
	ev.Shared = r.snapshot(shared)
	r.emit(ctx, ev)
	return last, runErr
}

// resolve returns the successor for action, or nil when the walk ends. A unit
// with successors but none for action is a dead end and is reported.
func (r *runner) resolve(ctx context.Context, current Unit, action flowcore.Action, ev FlowEvent) Unit {
	if next, ok := current.Successor(action); ok {
		return next
	}
	if current.HasSuccessors() {
		available := make([]string, 0)
		for _, edge := range current.Successors() {
			available = append(available, string(edge.Action))
		}
		ev.Action = action
		r.warn(ctx, ev, "dead end: no successor for action",
			zap.String("unit", UnitName(current)),
			zap.String("action", string(action.Normalize())),
			zap.Strings("available", available),
		)
	}
	return nil
}
