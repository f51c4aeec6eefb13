package schema

import (
	"errors"
	"fmt"
	"sync"

	"github.com/erni27/imcache"
)

var (
	// ErrUnknownType is returned when resolving a type that was never
	// registered.
	ErrUnknownType = errors.New("schema: unknown document type")

	// ErrNoLocation is returned at first use of a type whose ancestry
	// chain declares no storage location.
	ErrNoLocation = errors.New("schema: type declares no storage location")
)

// TypeDef is the declaration of one document type, as passed to Register.
type TypeDef struct {
	// Base optionally names a registered type whose declarations this
	// type inherits and may override.
	Base string

	// Collection is the top-level collection path for root types.
	Collection string

	// Subpath and Parent place a nested type under a parent document:
	// its documents live at <parent path>/<Subpath>/<key>.
	Subpath string
	Parent  string

	Fields         []Field
	Relations      []Relation
	Subcollections []Subcollection
}

// ResolvedType is a type with its ancestry chain merged, ready for use.
type ResolvedType struct {
	Name       string
	Collection string
	Subpath    string
	Parent     string

	Fields         map[string]Field
	Relations      map[string]Relation
	Subcollections map[string]Subcollection
}

// Nested reports whether documents of this type live under a parent
// document rather than in a top-level collection.
func (t *ResolvedType) Nested() bool {
	return t.Subpath != ""
}

// Registry associates document type names with their declarations.
type Registry struct {
	mu    sync.RWMutex
	types map[string]TypeDef
	cache *imcache.Cache[string, *ResolvedType]
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		types: make(map[string]TypeDef),
		cache: imcache.New[string, *ResolvedType](),
	}
}

// Register adds or replaces a type declaration. Re-registering a name
// invalidates the resolution cache.
func (r *Registry) Register(name string, def TypeDef) error {
	if name == "" {
		return fmt.Errorf("schema: type name must not be empty")
	}
	if def.Collection != "" && def.Subpath != "" {
		return fmt.Errorf("schema: type %q declares both a collection and a subpath", name)
	}
	if def.Subpath != "" && def.Parent == "" {
		return fmt.Errorf("schema: nested type %q declares no parent type", name)
	}
	for _, f := range def.Fields {
		if f.Name == "" {
			return fmt.Errorf("schema: type %q declares a field with no name", name)
		}
		if f.Kind == KindEnum && len(f.Enum) == 0 {
			return fmt.Errorf("schema: enum field %q of type %q declares no values", f.Name, name)
		}
	}

	r.mu.Lock()
	r.types[name] = def
	r.mu.Unlock()
	// A re-registration can change any type resolving through this one.
	r.cache.RemoveAll()
	return nil
}

// MustRegister is Register panicking on error, for init-time declarations.
func (r *Registry) MustRegister(name string, def TypeDef) {
	if err := r.Register(name, def); err != nil {
		panic(err)
	}
}

// Resolve merges the ancestry chain of a type: base declarations first,
// overrides closer to the concrete type winning, keyed by field, relation
// and subcollection name. The nearest declared storage location wins. A
// chain with no location errors here, not at registration.
func (r *Registry) Resolve(name string) (*ResolvedType, error) {
	if rt, ok := r.cache.Get(name); ok {
		return rt, nil
	}

	chain, err := r.ancestry(name)
	if err != nil {
		return nil, err
	}

	rt := &ResolvedType{
		Name:           name,
		Fields:         make(map[string]Field),
		Relations:      make(map[string]Relation),
		Subcollections: make(map[string]Subcollection),
	}
	// chain is base-first, so later entries override earlier ones.
	for _, def := range chain {
		if def.Collection != "" || def.Subpath != "" {
			rt.Collection = def.Collection
			rt.Subpath = def.Subpath
			rt.Parent = def.Parent
		}
		for _, f := range def.Fields {
			rt.Fields[f.Name] = f
		}
		for _, rel := range def.Relations {
			rt.Relations[rel.FieldName] = rel
		}
		for _, sub := range def.Subcollections {
			if sub.Single && sub.DocKey == "" {
				sub.DocKey = "main"
			}
			rt.Subcollections[sub.FieldName] = sub
		}
	}
	if rt.Collection == "" && rt.Subpath == "" {
		return nil, fmt.Errorf("%w: %q", ErrNoLocation, name)
	}

	r.cache.Set(name, rt, imcache.WithNoExpiration())
	return rt, nil
}

// FindByLocation returns the resolved type whose collection name or
// subpath equals the given path segment. Used when only a stored document
// path is available (e.g. cascade handlers fed by store events).
func (r *Registry) FindByLocation(segment string) (*ResolvedType, bool) {
	r.mu.RLock()
	names := make([]string, 0, len(r.types))
	for name := range r.types {
		names = append(names, name)
	}
	r.mu.RUnlock()

	for _, name := range names {
		rt, err := r.Resolve(name)
		if err != nil {
			continue
		}
		if rt.Collection == segment || rt.Subpath == segment {
			return rt, true
		}
	}
	return nil, false
}

// ancestry returns the chain of declarations base-first.
func (r *Registry) ancestry(name string) ([]TypeDef, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var chain []TypeDef
	seen := make(map[string]bool)
	for cur := name; cur != ""; {
		if seen[cur] {
			return nil, fmt.Errorf("schema: type %q has a base cycle", name)
		}
		seen[cur] = true
		def, ok := r.types[cur]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownType, cur)
		}
		chain = append([]TypeDef{def}, chain...)
		cur = def.Base
	}
	return chain, nil
}
