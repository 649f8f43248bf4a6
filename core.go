// Package flowcore holds the types shared by every execution unit: the shared
// state mapping, per-visit parameters, action labels and the error taxonomy.
package flowcore

import "maps"

// Shared is the mutable state threaded by reference through an entire run.
// The caller creates it before running and inspects it afterwards.
type Shared = map[string]any

// Params is the parameter set a flow assigns to a unit at the start of every visit.
type Params map[string]any

// Clone returns a shallow copy that is safe to hand to a single visit.
func (p Params) Clone() Params {
	if p == nil {
		return Params{}
	}
	return maps.Clone(p)
}

// Get returns the value stored under key, or nil.
func (p Params) Get(key string) any {
	return p[key]
}

// String returns the value under key when it is a string.
func (p Params) String(key string) (string, bool) {
	s, ok := p[key].(string)
	return s, ok
}
