package tool

import (
	"errors"
	"fmt"
)

// ErrUnknownTool is returned by Lookup callers when a name is not registered.
var ErrUnknownTool = errors.New("unknown tool")

// Registry is the immutable tool catalog. It is built once at process start;
// there is no registration after construction, so lookups need no locking.
type Registry struct {
	defs  map[Name]Definition
	order []Name
}

// NewRegistry validates and freezes the given definitions.
func NewRegistry(defs ...Definition) (*Registry, error) {
	r := &Registry{defs: make(map[Name]Definition, len(defs))}
	for _, d := range defs {
		if !d.Name.Known() {
			return nil, fmt.Errorf("tool %q is not in the catalog", d.Name)
		}
		if d.Handler == nil {
			return nil, fmt.Errorf("tool %s: nil handler", d.Name)
		}
		if d.compiled == nil {
			return nil, fmt.Errorf("tool %s: schema not compiled", d.Name)
		}
		if _, exists := r.defs[d.Name]; exists {
			return nil, fmt.Errorf("tool %q already registered", d.Name)
		}
		r.defs[d.Name] = d
	}
	for _, n := range Names() {
		if _, ok := r.defs[n]; ok {
			r.order = append(r.order, n)
		}
	}
	return r, nil
}

// Lookup returns the definition for name.
func (r *Registry) Lookup(name Name) (Definition, bool) {
	if r == nil {
		return Definition{}, false
	}
	d, ok := r.defs[name]
	return d, ok
}

// Definitions returns all definitions in catalog order.
func (r *Registry) Definitions() []Definition {
	out := make([]Definition, 0, len(r.order))
	for _, n := range r.order {
		out = append(out, r.defs[n])
	}
	return out
}
