package flows

import (
	"context"
	"maps"
	"time"

	"flowcore"
)

// FlowEventType enumerates observable lifecycle hooks emitted during a run.
type FlowEventType string

const (
	FlowEventTypeFlowStart    FlowEventType = "flow_start"
	FlowEventTypeFlowComplete FlowEventType = "flow_complete"
	FlowEventTypeNodeStart    FlowEventType = "node_start"
	FlowEventTypeNodeEnd      FlowEventType = "node_end"
	FlowEventTypeNodeError    FlowEventType = "node_error"
	FlowEventTypeNodeRetry    FlowEventType = "node_retry"
	FlowEventTypeWarning      FlowEventType = "warning"
)

// FlowEvent carries metadata that observability hooks can use.
//
// FlowID identifies one walk of a flow's graph; ParentID is the StepID of the
// visit that started the walk (empty for the root). StepID identifies one visit
// of a unit inside the walk FlowID. Iteration numbers the parameter sets of a
// batch flow from 1 and is zero for every other walk.
type FlowEvent struct {
	Type      FlowEventType
	Timestamp time.Time
	RunID     string
	FlowID    string
	ParentID  string
	StepID    string
	Depth     int
	Iteration int
	Step      int
	Node      string
	Action    flowcore.Action
	Next      string
	Err       error
	Attempt   int
	Wait      time.Duration
	Message   string
	Shared    map[string]any
}

// FlowMonitor observes lifecycle events. Notify may be called from several
// goroutines during a parallel batch.
type FlowMonitor interface {
	Notify(ctx context.Context, event FlowEvent)
}

// MonitorFunc adapts a function to FlowMonitor.
type MonitorFunc func(ctx context.Context, event FlowEvent)

func (f MonitorFunc) Notify(ctx context.Context, event FlowEvent) { f(ctx, event) }

func (r *runner) emit(ctx context.Context, event FlowEvent) {
	if len(r.monitors) == 0 {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	event.RunID = r.runID
	for _, monitor := range r.monitors {
		monitor.Notify(ctx, event)
	}
}

// snapshot copies shared for an event, or returns nil inside a parallel
// fan-out where item goroutines may be writing to it.
func (r *runner) snapshot(shared flowcore.Shared) map[string]any {
	if r.parallel || shared == nil || len(r.monitors) == 0 {
		return nil
	}
	return maps.Clone(shared)
}
