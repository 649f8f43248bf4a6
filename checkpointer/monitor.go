package checkpointer

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"flowcore/flows"
)

// Monitor saves a checkpoint after every step of a root flow walk. Steps of
// nested flows are not checkpointed; resuming always happens at a root unit.
// A batch flow root walks its graph once per parameter set and has no single
// point to resume at, so such runs are not checkpointed at all.
type Monitor struct {
	cp     Checkpointer
	logger *zap.Logger

	mu   sync.Mutex
	runs map[string]*Checkpoint
}

var _ flows.FlowMonitor = (*Monitor)(nil)

func NewMonitor(cp Checkpointer, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		cp:     cp,
		logger: logger.With(zap.String("component", "checkpointer")),
		runs:   make(map[string]*Checkpoint),
	}
}

func (m *Monitor) Notify(ctx context.Context, ev flows.FlowEvent) {
	if ev.Depth != 0 || ev.Iteration != 0 {
		return
	}
	switch ev.Type {
	case flows.FlowEventTypeFlowStart:
		m.begin(ctx, ev)
	case flows.FlowEventTypeNodeEnd:
		m.update(ctx, ev.RunID, func(cp *Checkpoint) {
			cp.LastNode = ev.Node
			cp.NextNode = ev.Next
			cp.Action = string(ev.Action)
			cp.StepCount++
			cp.History = append(cp.History, ev.Node)
			if ev.Shared != nil {
				cp.Shared = ev.Shared
			}
			cp.Error = ""
		})
	case flows.FlowEventTypeNodeError:
		m.update(ctx, ev.RunID, func(cp *Checkpoint) {
			cp.NextNode = ev.Node
			if ev.Err != nil {
				cp.Error = ev.Err.Error()
			}
		})
	case flows.FlowEventTypeFlowComplete:
		m.update(ctx, ev.RunID, func(cp *Checkpoint) {
			if ev.Shared != nil {
				cp.Shared = ev.Shared
			}
			if ev.Err == nil {
				cp.Completed = true
				cp.NextNode = ""
			} else if cp.Error == "" {
				cp.Error = ev.Err.Error()
			}
		})
		m.mu.Lock()
		delete(m.runs, ev.RunID)
		m.mu.Unlock()
	}
}

// begin picks up history and step count from an earlier attempt of the same run.
func (m *Monitor) begin(ctx context.Context, ev flows.FlowEvent) {
	cp := &Checkpoint{RunID: ev.RunID, Shared: ev.Shared}
	prev, err := m.cp.Load(ctx, ev.RunID)
	switch {
	case err == nil && !prev.Completed:
		cp.StepCount = prev.StepCount
		cp.History = prev.History
	case err != nil && !errors.Is(err, ErrNotFound):
		m.logger.Warn("load checkpoint failed", zap.String("run_id", ev.RunID), zap.Error(err))
	}
	m.mu.Lock()
	m.runs[ev.RunID] = cp
	m.mu.Unlock()
}

func (m *Monitor) update(ctx context.Context, runID string, fn func(cp *Checkpoint)) {
	m.mu.Lock()
	cp, ok := m.runs[runID]
	if !ok {
		cp = &Checkpoint{RunID: runID}
		m.runs[runID] = cp
	}
	fn(cp)
	cp.Timestamp = time.Now()
	snapshot := cp.clone()
	m.mu.Unlock()

	if err := m.cp.Save(ctx, snapshot); err != nil {
		m.logger.Warn("save checkpoint failed", zap.String("run_id", runID), zap.Error(err))
	}
}
