package tool

import (
	"fmt"

	"github.com/casualjim/parley/internal/registry"
	"github.com/casualjim/parley/pkg/errorx"
)

// Catalog resolves tools by name.
type Catalog interface {
	Lookup(name string) (Definition, bool)
}

// Registry is the process wide catalog of tools.
type Registry struct {
	tools registry.Registry[Definition]
}

func NewRegistry(defs ...Definition) (*Registry, error) {
	r := &Registry{tools: registry.New[Definition]()}
	for _, def := range defs {
		if err := r.Register(def); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds def to the registry. Names are unique.
func (r *Registry) Register(def Definition) error {
	if def.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if def.Execute == nil {
		return fmt.Errorf("tool %s has nil function", def.Name)
	}
	if !r.tools.Add(def.Name, def) {
		return fmt.Errorf("tool %s is already registered", def.Name)
	}
	return nil
}

func (r *Registry) Lookup(name string) (Definition, bool) {
	return r.tools.Get(name)
}

func (r *Registry) Names() []string {
	return r.tools.Names()
}

// Select builds the tool set for a turn. Without names every registered tool
// is selected.
func (r *Registry) Select(names ...string) (Set, error) {
	if len(names) == 0 {
		names = r.Names()
	}
	set := Set{byName: make(map[string]int, len(names))}
	for _, name := range names {
		if _, dup := set.byName[name]; dup {
			continue
		}
		def, ok := r.Lookup(name)
		if !ok {
			return Set{}, errorx.UnknownTool(name)
		}
		set.byName[name] = len(set.defs)
		set.defs = append(set.defs, def)
	}
	return set, nil
}

// Set is the immutable, ordered selection of tools offered during one turn.
type Set struct {
	defs   []Definition
	byName map[string]int
}

// NewSet builds a set directly from definitions, mostly useful in tests.
func NewSet(defs ...Definition) Set {
	set := Set{byName: make(map[string]int, len(defs))}
	for _, def := range defs {
		if _, dup := set.byName[def.Name]; dup {
			continue
		}
		set.byName[def.Name] = len(set.defs)
		set.defs = append(set.defs, def)
	}
	return set
}

func (s Set) Lookup(name string) (Definition, bool) {
	idx, ok := s.byName[name]
	if !ok {
		return Definition{}, false
	}
	return s.defs[idx], true
}

func (s Set) Definitions() []Definition {
	return append([]Definition(nil), s.defs...)
}

func (s Set) Len() int {
	return len(s.defs)
}
