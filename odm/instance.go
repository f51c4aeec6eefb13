package odm

import (
	"sync"
	"time"

	"github.com/Davileal/fireodm/driver"
)

// Doc is one live instance of a registered document type: an identity key
// (absent until first persisted or explicitly assigned), a dynamic field
// map matching the declared shape, a cache of resolved relations, and an
// ownership link to a parent instance for nested types.
//
// A Doc is safe for concurrent use; the resolver populates relation
// fields from multiple goroutines.
type Doc struct {
	mu       sync.RWMutex
	typeName string
	key      string
	fields   map[string]any
	relcache map[string]*Doc
	parent   *Doc
	path     string // cached storage path, reset when identity changes
}

// New constructs an in-memory instance of a document type. No storage
// identity is required until the instance is persisted.
func New(typeName string, fields map[string]any) *Doc {
	copied := make(map[string]any, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	return &Doc{
		typeName: typeName,
		fields:   copied,
		relcache: make(map[string]*Doc),
	}
}

// Type returns the registered document type name.
func (d *Doc) Type() string { return d.typeName }

// Key returns the identity key, or "" if the instance was never persisted.
func (d *Doc) Key() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.key
}

// SetKey assigns the identity key explicitly.
func (d *Doc) SetKey(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.key = key
	d.path = ""
}

// Parent returns the owning instance for nested types, or nil.
func (d *Doc) Parent() *Doc {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.parent
}

// SetParent links the instance to its owning parent. The effective
// storage path of a nested instance is resolved through this link.
func (d *Doc) SetParent(p *Doc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.parent = p
	d.path = ""
}

// Get returns a field value, or nil if absent.
func (d *Doc) Get(name string) any {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.fields[name]
}

// Has reports whether a field is set, distinguishing an explicit nil from
// an absent field.
func (d *Doc) Has(name string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.fields[name]
	return ok
}

// Set assigns a field value.
func (d *Doc) Set(name string, v any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fields[name] = v
}

// Unset removes a field entirely.
func (d *Doc) Unset(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.fields, name)
}

// Fields returns a shallow copy of the field map.
func (d *Doc) Fields() map[string]any {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]any, len(d.fields))
	for k, v := range d.fields {
		out[k] = v
	}
	return out
}

// GetString returns a string field, or "" on absence or kind mismatch.
func (d *Doc) GetString(name string) string {
	s, _ := d.Get(name).(string)
	return s
}

// GetInt returns an integer field, accepting any integer width.
func (d *Doc) GetInt(name string) int64 {
	switch n := d.Get(name).(type) {
	case int:
		return int64(n)
	case int32:
		return int64(n)
	case int64:
		return n
	case float64:
		return int64(n)
	}
	return 0
}

// GetFloat returns a numeric field as float64.
func (d *Doc) GetFloat(name string) float64 {
	switch n := d.Get(name).(type) {
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case float32:
		return float64(n)
	case float64:
		return n
	}
	return 0
}

// GetBool returns a boolean field, or false.
func (d *Doc) GetBool(name string) bool {
	b, _ := d.Get(name).(bool)
	return b
}

// GetTime returns a temporal field, or the zero time.
func (d *Doc) GetTime(name string) time.Time {
	t, _ := d.Get(name).(time.Time)
	return t
}

// GetRef returns a relation field's lightweight pointer, or nil when the
// field is null, absent, or already resolved.
func (d *Doc) GetRef(name string) *driver.Ref {
	r, _ := d.Get(name).(*driver.Ref)
	return r
}

// GetDoc returns a relation field's resolved instance, or nil when it is
// unresolved.
func (d *Doc) GetDoc(name string) *Doc {
	r, _ := d.Get(name).(*Doc)
	return r
}

// CachedRelation returns the cached resolution of a relation field. The
// second return reports whether the field has been resolved at all; a
// true with a nil Doc means it resolved to null.
func (d *Doc) CachedRelation(name string) (*Doc, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	doc, ok := d.relcache[name]
	return doc, ok
}

func (d *Doc) cacheRelation(name string, target *Doc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.relcache[name] = target
}

func (d *Doc) cachedRelationNames() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.relcache))
	for name := range d.relcache {
		names = append(names, name)
	}
	return names
}

// clearIdentity invalidates the instance after a delete: the key, cached
// path and relation cache are all dropped.
func (d *Doc) clearIdentity() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.key = ""
	d.path = ""
	d.relcache = make(map[string]*Doc)
}

// replaceFields swaps in a fresh field map and resets the relation cache,
// keeping identity. Used by reload.
func (d *Doc) replaceFields(fields map[string]any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fields = fields
	d.relcache = make(map[string]*Doc)
}

func (d *Doc) cachedPath() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.path
}

func (d *Doc) setCachedPath(p string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.path = p
}
