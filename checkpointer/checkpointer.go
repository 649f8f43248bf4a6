// Package checkpointer persists the progress of a root flow after every step
// so an interrupted run can be resumed at the unit it was about to visit.
package checkpointer

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"flowcore"
	"flowcore/flows"
	"flowcore/kv"
)

var (
	// ErrNotFound is returned by Load when no checkpoint exists for a run.
	ErrNotFound = errors.New("checkpointer: checkpoint not found")
	// ErrCompleted is returned by Restore for a run that already finished.
	ErrCompleted = errors.New("checkpointer: run already completed")
)

// Checkpoint stores the execution state of a root flow.
type Checkpoint struct {
	RunID     string         `json:"run_id"`
	LastNode  string         `json:"last_node,omitempty"`
	NextNode  string         `json:"next_node,omitempty"`
	Action    string         `json:"action,omitempty"`
	Shared    map[string]any `json:"shared"`
	StepCount int            `json:"step_count"`
	Completed bool           `json:"completed"`
	Error     string         `json:"error,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	History   []string       `json:"history,omitempty"`
}

// Checkpointer saves and loads checkpoints by run id.
type Checkpointer interface {
	Save(ctx context.Context, cp *Checkpoint) error
	Load(ctx context.Context, runID string) (*Checkpoint, error)
	ListRuns(ctx context.Context) ([]string, error)
}

// Memory keeps checkpoints in process.
type Memory struct {
	mu    sync.RWMutex
	store map[string]*Checkpoint
}

var _ Checkpointer = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{store: make(map[string]*Checkpoint)}
}

func (m *Memory) Save(_ context.Context, cp *Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.store[cp.RunID] = cp.clone()
	return nil
}

func (m *Memory) Load(_ context.Context, runID string) (*Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cp, ok := m.store[runID]
	if !ok {
		return nil, fmt.Errorf("%w: run %s", ErrNotFound, runID)
	}
	return cp.clone(), nil
}

func (m *Memory) ListRuns(context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Sorted(maps.Keys(m.store)), nil
}

func (cp *Checkpoint) clone() *Checkpoint {
	c := *cp
	c.Shared = maps.Clone(cp.Shared)
	c.History = slices.Clone(cp.History)
	return &c
}

const kvPrefix = "checkpoint/"

// KV stores checkpoints as JSON in a kv.Store. Values round-trip through
// JSON, so numbers in Shared come back as float64.
type KV struct {
	store kv.Store
}

var _ Checkpointer = (*KV)(nil)

func NewKV(store kv.Store) *KV {
	return &KV{store: store}
}

func (k *KV) Save(ctx context.Context, cp *Checkpoint) error {
	if err := kv.PutJSON(ctx, k.store, kvPrefix+cp.RunID, cp); err != nil {
		return fmt.Errorf("save checkpoint %s: %w", cp.RunID, err)
	}
	return nil
}

func (k *KV) Load(ctx context.Context, runID string) (*Checkpoint, error) {
	var cp Checkpoint
	err := kv.GetJSON(ctx, k.store, kvPrefix+runID, &cp)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, fmt.Errorf("%w: run %s", ErrNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %s: %w", runID, err)
	}
	return &cp, nil
}

func (k *KV) ListRuns(ctx context.Context) ([]string, error) {
	keys, err := k.store.Keys(ctx, kvPrefix)
	if err != nil {
		return nil, err
	}
	runs := make([]string, 0, len(keys))
	for _, key := range keys {
		runs = append(runs, strings.TrimPrefix(key, kvPrefix))
	}
	return runs, nil
}

// Resume is the state needed to continue a run.
type Resume struct {
	Checkpoint *Checkpoint
	Shared     flowcore.Shared
	At         flows.Unit
}

// Options returns the run options that continue the run under its old id.
func (r *Resume) Options() []flows.RunOption {
	return []flows.RunOption{flows.WithRunID(r.Checkpoint.RunID), flows.StartAt(r.At)}
}

// Restore loads the checkpoint of runID and locates the unit to resume at in
// the graph reachable from start.
func Restore(ctx context.Context, cp Checkpointer, runID string, start flows.Unit) (*Resume, error) {
	saved, err := cp.Load(ctx, runID)
	if err != nil {
		return nil, err
	}
	if saved.Completed || saved.NextNode == "" {
		return nil, fmt.Errorf("%w: run %s", ErrCompleted, runID)
	}
	at := flows.FindUnit(start, saved.NextNode)
	if at == nil {
		return nil, fmt.Errorf("checkpointer: unit %q of run %s is not in the graph", saved.NextNode, runID)
	}
	shared := flowcore.Shared{}
	maps.Copy(shared, saved.Shared)
	return &Resume{Checkpoint: saved, Shared: shared, At: at}, nil
}
