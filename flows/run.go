package flows

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"flowcore"
)

type runner struct {
	runID    string
	logger   *zap.Logger
	monitors []FlowMonitor
	depth    int
	parallel bool
	startAt  Unit

	// iteration is the 1-based parameter set of a batch flow walk.
	iteration int
}

// RunOption configures a single run.
type RunOption func(*runner)

// WithRunID tags every event of the run. A random id is used otherwise.
func WithRunID(id string) RunOption {
	return func(r *runner) { r.runID = id }
}

func WithLogger(l *zap.Logger) RunOption {
	return func(r *runner) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithMonitors adds hooks for this run on top of the flows' own monitors.
func WithMonitors(monitors ...FlowMonitor) RunOption {
	return func(r *runner) {
		for _, m := range monitors {
			if m != nil {
				r.monitors = append(r.monitors, m)
			}
		}
	}
}

// StartAt begins the root flow's walk at u instead of its start unit. It is
// used to resume a run from a checkpoint; nested flows are unaffected. A batch
// flow root ignores it and walks every parameter set from its start unit.
func StartAt(u Unit) RunOption {
	return func(r *runner) { r.startAt = u }
}

type runnerKey struct{}

// newRunner inherits run id, logger and monitors from a run already in
// progress on ctx, so a node that starts a sub-run stays in the same trace.
func newRunner(ctx context.Context, opts []RunOption) *runner {
	r := &runner{logger: Logger()}
	if parent, ok := ctx.Value(runnerKey{}).(*runner); ok && parent != nil {
		r.runID = parent.runID
		r.logger = parent.logger
		r.monitors = append([]FlowMonitor(nil), parent.monitors...)
		r.depth = parent.depth + 1
		r.parallel = parent.parallel
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.runID == "" {
		r.runID = uuid.NewString()
	}
	return r
}

func (r *runner) bind(ctx context.Context) context.Context {
	return context.WithValue(ctx, runnerKey{}, r)
}

func (r *runner) child() *runner {
	c := *r
	c.depth++
	c.startAt = nil
	c.iteration = 0
	return &c
}

func (r *runner) iterating(i int) *runner {
	c := *r
	c.iteration = i
	return &c
}

func (r *runner) withMonitors(monitors []FlowMonitor) *runner {
	if len(monitors) == 0 {
		return r
	}
	c := *r
	c.monitors = append(append([]FlowMonitor(nil), r.monitors...), monitors...)
	return &c
}

func (r *runner) inParallel() *runner {
	c := *r
	c.parallel = true
	return &c
}

func (r *runner) warn(ctx context.Context, ev FlowEvent, msg string, fields ...zap.Field) {
	r.logger.Warn(msg, fields...)
	ev.Type = FlowEventTypeWarning
	ev.Message = msg
	r.emit(ctx, ev)
}

// Run executes a synchronous unit (node, batch node, flow or batch flow) to
// completion and returns its final action. Async units are rejected with a
// *flowcore.MisuseError before any phase runs.
func Run(u Unit, shared flowcore.Shared, opts ...RunOption) (flowcore.Action, error) {
	return runSyncEntry(context.Background(), u, shared, opts)
}

// RunAsync executes an async unit. Sync units are rejected with a
// *flowcore.MisuseError; inside an AsyncFlow they may be mixed freely.
func RunAsync(ctx context.Context, u Unit, shared flowcore.Shared, opts ...RunOption) (flowcore.Action, error) {
	if u == nil {
		return "", fmt.Errorf("%w: nil unit", flowcore.ErrUnsupportedUnit)
	}
	if !IsAsync(u) {
		return "", &flowcore.MisuseError{Unit: UnitName(u), Entry: "RunAsync", Hint: "use Run"}
	}
	r := newRunner(ctx, opts)
	r.warnDetached(ctx, u)
	return r.runAsync(ctx, u, shared, "")
}

// RunUnit runs u with whichever entry point matches its mode. Nodes that start
// sub-runs use it so that sync and async children are both accepted.
func RunUnit(ctx context.Context, u Unit, shared flowcore.Shared, opts ...RunOption) (flowcore.Action, error) {
	if IsAsync(u) {
		return RunAsync(ctx, u, shared, opts...)
	}
	return runSyncEntry(ctx, u, shared, opts)
}

func runSyncEntry(ctx context.Context, u Unit, shared flowcore.Shared, opts []RunOption) (flowcore.Action, error) {
	if u == nil {
		return "", fmt.Errorf("%w: nil unit", flowcore.ErrUnsupportedUnit)
	}
	if IsAsync(u) {
		return "", &flowcore.MisuseError{Unit: UnitName(u), Entry: "Run", Hint: "use RunAsync"}
	}
	r := newRunner(ctx, opts)
	r.warnDetached(ctx, u)
	return r.runSync(ctx, u, shared, "")
}

// warnDetached reports a node run on its own while it has successors; only a
// flow follows edges.
func (r *runner) warnDetached(ctx context.Context, u Unit) {
	if u.kind().flow() || !u.HasSuccessors() {
		return
	}
	r.warn(ctx, FlowEvent{Node: UnitName(u)}, "unit has successors but was run directly; successors are ignored",
		zap.String("unit", UnitName(u)))
}

func (r *runner) runSync(ctx context.Context, u Unit, shared flowcore.Shared, stepID string) (flowcore.Action, error) {
	switch u.kind() {
	case kindNode, kindBatchNode:
		n, ok := u.(NodeUnit)
		if !ok {
			return "", unsupported(u, "NodeUnit")
		}
		if u.kind() == kindBatchNode {
			return r.runBatchNode(ctx, n, shared, stepID)
		}
		return r.runNode(ctx, n, shared, stepID)
	case kindFlow, kindBatchFlow:
		f, ok := u.(FlowUnit)
		if !ok {
			return "", unsupported(u, "FlowUnit")
		}
		if u.kind() == kindBatchFlow {
			return r.runBatchFlow(ctx, f, shared, stepID)
		}
		return r.runFlow(ctx, f, shared, stepID)
	default:
		return "", &flowcore.MisuseError{Unit: UnitName(u), Entry: "Run", Hint: "async unit inside a sync flow; use AsyncFlow"}
	}
}

func (r *runner) runAsync(ctx context.Context, u Unit, shared flowcore.Shared, stepID string) (flowcore.Action, error) {
	ctx = r.bind(ctx)
	switch u.kind() {
	case kindAsyncNode, kindAsyncBatchNode, kindAsyncParallelBatchNode:
		n, ok := u.(AsyncNodeUnit)
		if !ok {
			return "", unsupported(u, "AsyncNodeUnit")
		}
		switch u.kind() {
		case kindAsyncBatchNode:
			return r.runAsyncBatchNode(ctx, n, shared, stepID, false)
		case kindAsyncParallelBatchNode:
			return r.runAsyncBatchNode(ctx, n, shared, stepID, true)
		}
		return r.runAsyncNode(ctx, n, shared, stepID)
	case kindAsyncFlow, kindAsyncBatchFlow, kindAsyncParallelBatchFlow:
		f, ok := u.(AsyncFlowUnit)
		if !ok {
			return "", unsupported(u, "AsyncFlowUnit")
		}
		switch u.kind() {
		case kindAsyncBatchFlow:
			return r.runAsyncBatchFlow(ctx, f, shared, stepID, false)
		case kindAsyncParallelBatchFlow:
			return r.runAsyncBatchFlow(ctx, f, shared, stepID, true)
		}
		return r.runAsyncFlow(ctx, f, shared, stepID)
	default:
		return "", &flowcore.MisuseError{Unit: UnitName(u), Entry: "RunAsync", Hint: "use Run"}
	}
}

// runStep is the per-step dispatch of an async walk.
func (r *runner) runStep(ctx context.Context, u Unit, shared flowcore.Shared, stepID string) (flowcore.Action, error) {
	if IsAsync(u) {
		return r.runAsync(ctx, u, shared, stepID)
	}
	return r.runSync(ctx, u, shared, stepID)
}

func unsupported(u Unit, want string) error {
	return fmt.Errorf("%w: %s does not implement %s with the expected signatures", flowcore.ErrUnsupportedUnit, UnitName(u), want)
}

// Future is a run started with Go.
type Future struct {
	done   chan struct{}
	action flowcore.Action
	err    error
}

// Go starts RunAsync on its own goroutine.
func Go(ctx context.Context, u Unit, shared flowcore.Shared, opts ...RunOption) *Future {
	f := &Future{done: make(chan struct{})}
	go func() {
		defer close(f.done)
		f.action, f.err = RunAsync(ctx, u, shared, opts...)
	}()
	return f
}

// Done is closed once the run has returned.
func (f *Future) Done() <-chan struct{} { return f.done }

// Await waits for the run or for ctx, whichever ends first. Giving up on ctx
// does not stop the run; cancel the context passed to Go for that.
func (f *Future) Await(ctx context.Context) (flowcore.Action, error) {
	select {
	case <-f.done:
		return f.action, f.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
