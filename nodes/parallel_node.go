package nodes

import (
	"context"
	"fmt"
	"maps"
	"reflect"

	"golang.org/x/sync/errgroup"

	"flowcore"
	"flowcore/flows"
)

// ParallelNode runs distinct sub-flows at the same time. Each branch gets a
// private copy of shared state. Only the keys a branch set, changed or deleted
// are merged back, in branch order, so when two branches touch the same key
// the later branch wins.
type ParallelNode struct {
	flows.AsyncNode
	branches []flows.Unit
}

// branchChanges is what one branch did to its copy of shared state.
type branchChanges struct {
	set     map[string]any
	deleted []string
}

func NewParallelNode(name string, branches ...flows.Unit) *ParallelNode {
	return &ParallelNode{AsyncNode: flows.NewAsyncNode(flows.WithName(name)), branches: branches}
}

func (n *ParallelNode) PrepAsync(_ context.Context, shared flowcore.Shared) (any, error) {
	base := maps.Clone(shared)
	if base == nil {
		base = flowcore.Shared{}
	}
	return base, nil
}

func (n *ParallelNode) ExecAsync(ctx context.Context, prep any) (any, error) {
	base, _ := prep.(flowcore.Shared)
	copies := make([]flowcore.Shared, len(n.branches))
	for i := range copies {
		copies[i] = maps.Clone(base)
		if copies[i] == nil {
			copies[i] = flowcore.Shared{}
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, branch := range n.branches {
		g.Go(func() error {
			if _, err := flows.RunUnit(gctx, branch, copies[i]); err != nil {
				return fmt.Errorf("branch %s: %w", flows.UnitName(branch), err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	changes := make([]branchChanges, len(copies))
	for i, c := range copies {
		changes[i] = diffShared(base, c)
	}
	return changes, nil
}

func (n *ParallelNode) PostAsync(_ context.Context, shared flowcore.Shared, _, exec any) (flowcore.Action, error) {
	changes, err := resultAs[[]branchChanges](n.Name(), exec)
	if err != nil {
		return "", err
	}
	for _, c := range changes {
		for _, key := range c.deleted {
			delete(shared, key)
		}
		maps.Copy(shared, c.set)
	}
	return "", nil
}

func diffShared(before, after flowcore.Shared) branchChanges {
	c := branchChanges{set: map[string]any{}}
	for key, value := range after {
		if old, ok := before[key]; !ok || !reflect.DeepEqual(old, value) {
			c.set[key] = value
		}
	}
	for key := range before {
		if _, ok := after[key]; !ok {
			c.deleted = append(c.deleted, key)
		}
	}
	return c
}

func init() {
	RegisterNode(NodeDefinition{
		ID:          "parallel",
		Description: "Runs sub-flows concurrently on private copies of shared state and merges the keys each one changed, in order.",
		Example:     `nodes.NewParallelNode("fans", flowA, flowB)`,
	})
}
