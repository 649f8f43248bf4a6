package flows

import "flowcore"

// GraphEdge names one transition for display.
type GraphEdge struct {
	From   string
	Action flowcore.Action
	To     string
}

// Graph lists the edges reachable from start, breadth first. Nested flows
// appear as single units.
func Graph(start Unit) []GraphEdge {
	var edges []GraphEdge
	visit(start, func(u Unit) {
		for _, e := range u.Successors() {
			edges = append(edges, GraphEdge{From: UnitName(u), Action: e.Action, To: UnitName(e.To)})
		}
	})
	return edges
}

// FindUnit returns the first unit reachable from start whose UnitName is name.
func FindUnit(start Unit, name string) Unit {
	var found Unit
	visit(start, func(u Unit) {
		if found == nil && UnitName(u) == name {
			found = u
		}
	})
	return found
}

func visit(start Unit, fn func(Unit)) {
	if start == nil {
		return
	}
	seen := map[Unit]bool{start: true}
	queue := []Unit{start}
	for len(queue) > 0 {
		u := queue[0]
		queue = queue[1:]
		fn(u)
		for _, e := range u.Successors() {
			if e.To != nil && !seen[e.To] {
				seen[e.To] = true
				queue = append(queue, e.To)
			}
		}
	}
}
