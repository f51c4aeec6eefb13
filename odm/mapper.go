package odm

import (
	"context"
	"reflect"
	"strings"

	"github.com/Davileal/fireodm/driver"
	"github.com/Davileal/fireodm/schema"
)

// isInternalName reports whether a field name is reserved for identity or
// internal bookkeeping and must never be mapped to storage.
func isInternalName(name string) bool {
	return name == "id" || strings.HasPrefix(name, "_")
}

// toStorage converts an instance into its storage-ready plain form.
// Declared relation fields are collapsed to lightweight pointers;
// transform sentinels pass through unchanged; absent fields are omitted
// entirely, distinguishing "no value" from an explicit null.
func (db *DB) toStorage(rt *schema.ResolvedType, d *Doc) map[string]any {
	out := make(map[string]any)
	fields := d.Fields()

	emit := func(name string) {
		if isInternalName(name) {
			return
		}
		if _, isSub := rt.Subcollections[name]; isSub {
			// Subcollection data lives in child documents, never on the parent.
			return
		}
		v, present := fields[name]
		if !present {
			return
		}
		if _, isRel := rt.Relations[name]; isRel {
			out[name] = db.collapseRelation(d, name, v)
			return
		}
		out[name] = v
	}

	for name := range rt.Fields {
		emit(name)
	}
	for name := range rt.Relations {
		if _, declared := rt.Fields[name]; !declared {
			emit(name)
		}
	}
	return out
}

// collapseRelation maps a relation field value to its wire form: a
// resolved instance collapses back to a pointer; an instance without an
// identity key cannot be referenced and degrades to null with a warning.
func (db *DB) collapseRelation(owner *Doc, name string, v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case *driver.Ref:
		r := *t
		return &r
	case driver.Transform:
		return t
	case *Doc:
		ref, err := db.RefOf(t)
		if err != nil {
			db.log.Warn("relation field holds an unsaved instance, writing null",
				"type", owner.Type(),
				"field", name,
				"target", t.Type(),
			)
			return nil
		}
		return ref
	default:
		// Legacy embedded value: pass through as plain data.
		return v
	}
}

// fromStorage builds an instance from a snapshot. Relation fields holding
// lightweight pointers are split out and assigned after construction;
// everything else goes through the constructor. The post-load hook fires
// asynchronously and never blocks or fails the fetch.
func (db *DB) fromStorage(ctx context.Context, rt *schema.ResolvedType, snap *driver.Snapshot, parent *Doc) *Doc {
	if !snap.Exists() {
		return nil
	}

	ctor := make(map[string]any, len(snap.Data))
	pointers := make(map[string]*driver.Ref)
	for name, v := range snap.Data {
		if _, isRel := rt.Relations[name]; isRel {
			if ref, ok := v.(*driver.Ref); ok {
				pointers[name] = ref
				continue
			}
			// Not a pointer (legacy embedded value): plain assignment.
		}
		ctor[name] = v
	}

	d := New(rt.Name, ctor)
	d.SetKey(snap.Key())
	if parent != nil {
		d.SetParent(parent)
	}
	d.setCachedPath(snap.Path)
	for name, ref := range pointers {
		d.Set(name, ref)
	}

	db.fireAfterLoad(ctx, d)
	return d
}

// cleanPatch sanitizes a partial-update patch per the update rules:
// identity, internal and function-valued entries are dropped; relation
// fields accept only an explicit null, a lightweight pointer, or a field
// delete — a resolved instance is dropped with a warning (or rejected in
// strict mode).
func (db *DB) cleanPatch(rt *schema.ResolvedType, d *Doc, patch map[string]any, strict bool) (map[string]any, error) {
	out := make(map[string]any, len(patch))
	for name, v := range patch {
		root, _, _ := strings.Cut(name, ".")
		if isInternalName(root) {
			continue
		}
		if v != nil && reflect.TypeOf(v).Kind() == reflect.Func {
			continue
		}
		if _, isRel := rt.Relations[root]; isRel {
			switch t := v.(type) {
			case nil:
				out[name] = nil
			case *driver.Ref:
				r := *t
				out[name] = &r
			case driver.Transform:
				out[name] = t
			default:
				if strict {
					return nil, &PreconditionError{
						Op:     "update",
						Reason: "relation field " + root + " must be set to a pointer or null, not a resolved value",
					}
				}
				db.log.Warn("dropping relation field from patch: value is neither a pointer nor null",
					"type", d.Type(),
					"field", root,
				)
			}
			continue
		}
		out[name] = v
	}
	return out, nil
}

// applyPatchLocally mirrors a cleaned patch onto the in-memory instance.
// Transform sentinels are not reflected locally — their final values are
// store-computed — except the field delete, which clears the field.
func applyPatchLocally(d *Doc, patch map[string]any) {
	for name, v := range patch {
		if t, ok := v.(driver.Transform); ok {
			if t.Op == driver.OpDelete {
				localDelete(d, name)
			}
			continue
		}
		localSet(d, name, v)
	}
}

func localSet(d *Doc, path string, v any) {
	segs := strings.Split(path, ".")
	if len(segs) == 1 {
		d.Set(path, v)
		return
	}
	root, ok := d.Get(segs[0]).(map[string]any)
	if !ok {
		root = make(map[string]any)
	}
	cur := root
	for _, seg := range segs[1 : len(segs)-1] {
		next, ok := cur[seg].(map[string]any)
		if !ok {
			next = make(map[string]any)
			cur[seg] = next
		}
		cur = next
	}
	cur[segs[len(segs)-1]] = v
	d.Set(segs[0], root)
}

func localDelete(d *Doc, path string) {
	segs := strings.Split(path, ".")
	if len(segs) == 1 {
		d.Unset(path)
		return
	}
	cur, ok := d.Get(segs[0]).(map[string]any)
	if !ok {
		return
	}
	for _, seg := range segs[1 : len(segs)-1] {
		cur, ok = cur[seg].(map[string]any)
		if !ok {
			return
		}
	}
	delete(cur, segs[len(segs)-1])
}
