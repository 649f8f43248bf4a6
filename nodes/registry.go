package nodes

import (
	"cmp"
	"slices"
	"sync"
)

// NodeDefinition captures metadata about a built-in node.
type NodeDefinition struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Example     string `json:"example"`
}

var (
	catalogMu   sync.RWMutex
	nodeCatalog = make(map[string]NodeDefinition)
)

// RegisterNode makes a node definition discoverable. A later registration
// with the same ID replaces the earlier one.
func RegisterNode(def NodeDefinition) {
	if def.ID == "" {
		return
	}
	catalogMu.Lock()
	defer catalogMu.Unlock()
	nodeCatalog[def.ID] = def
}

// RegisteredNodes returns the known nodes sorted by ID.
func RegisteredNodes() []NodeDefinition {
	catalogMu.RLock()
	defer catalogMu.RUnlock()
	result := make([]NodeDefinition, 0, len(nodeCatalog))
	for _, def := range nodeCatalog {
		result = append(result, def)
	}
	slices.SortFunc(result, func(a, b NodeDefinition) int { return cmp.Compare(a.ID, b.ID) })
	return result
}

// NodeDefinitionFor returns metadata for a registered node.
func NodeDefinitionFor(id string) (NodeDefinition, bool) {
	catalogMu.RLock()
	defer catalogMu.RUnlock()
	def, ok := nodeCatalog[id]
	return def, ok
}
