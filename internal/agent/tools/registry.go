package tools

import (
	"fmt"
	"sort"
)

// Registry is the closed, immutable set of tools known to a session. It is
// built once at startup (spec.md §3 Tool: "Static; registered at startup")
// and shared across sessions.
type Registry struct {
	tools  map[Ident]Tool
	compos map[Ident]*compiledSchema
	order  []Ident
}

// NewRegistry compiles and registers the given tools. Registration fails if
// two tools share a name or a schema fails to compile, both of which are
// programmer errors caught at startup rather than at request time.
func NewRegistry(toolList ...Tool) (*Registry, error) {
	r := &Registry{
		tools:  make(map[Ident]Tool, len(toolList)),
		compos: make(map[Ident]*compiledSchema, len(toolList)),
	}
	for _, t := range toolList {
		if _, dup := r.tools[t.Name]; dup {
			return nil, fmt.Errorf("duplicate tool name %q", t.Name)
		}
		c, err := compile(string(t.Name), t.Schema)
		if err != nil {
			return nil, err
		}
		r.tools[t.Name] = t
		r.compos[t.Name] = c
		r.order = append(r.order, t.Name)
	}
	return r, nil
}

// Lookup returns the registered tool by name.
func (r *Registry) Lookup(name Ident) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Catalogue renders the registered tools in registration order, stable
// across calls, for prompt composition (C2).
func (r *Registry) Catalogue() Catalogue {
	out := make(Catalogue, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name])
	}
	return out
}

// Names returns the registered tool names sorted alphabetically, used by
// diagnostics and tests that need a deterministic listing.
func (r *Registry) Names() []Ident {
	names := make([]Ident, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// validate checks call.Args against the named tool's compiled schema.
// Returns nil violations when the tool is unknown; unknown-tool handling is
// the Dispatcher's responsibility (spec.md §4.7 step 1).
func (r *Registry) validate(call Call) []string {
	c, ok := r.compos[call.Name]
	if !ok {
		return nil
	}
	return c.Validate(call.Args)
}
