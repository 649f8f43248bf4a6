package monitors

import (
	"context"
	"slices"
	"sync"

	"flowcore/flows"
)

// Recorder keeps every event it is notified of. It is safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	events []flows.FlowEvent
}

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) Notify(_ context.Context, ev flows.FlowEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

// Events returns a copy of the recorded events in arrival order.
func (r *Recorder) Events() []flows.FlowEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.events)
}

// Filter returns the recorded events of the given type.
func (r *Recorder) Filter(t flows.FlowEventType) []flows.FlowEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []flows.FlowEvent
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

// Nodes lists the node names of NodeStart events at the given depth.
func (r *Recorder) Nodes(depth int) []string {
	var names []string
	for _, ev := range r.Filter(flows.FlowEventTypeNodeStart) {
		if ev.Depth == depth {
			names = append(names, ev.Node)
		}
	}
	return names
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}
