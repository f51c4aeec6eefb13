package odm

import (
	"context"
	"errors"
	"fmt"

	"github.com/Davileal/fireodm/driver"
	"github.com/Davileal/fireodm/internal/docpath"
	"github.com/Davileal/fireodm/schema"
)

// SaveOption configures Save.
type SaveOption func(*saveOptions)

type saveOptions struct {
	merge bool
}

// WithMerge makes Save a shallow merge instead of a full overwrite:
// top-level fields present on the instance replace, absent fields
// survive in the stored document.
func WithMerge() SaveOption {
	return func(o *saveOptions) { o.merge = true }
}

// UpdateOption configures Update.
type UpdateOption func(*updateOptions)

type updateOptions struct {
	strictRelations bool
}

// WithStrictRelations makes Update fail with a PreconditionError when the
// patch sets a relation field to a resolved instance, instead of the
// default warn-and-drop.
func WithStrictRelations() UpdateOption {
	return func(o *updateOptions) { o.strictRelations = true }
}

// DeleteOption configures Delete.
type DeleteOption func(*deleteOptions)

type deleteOptions struct {
	cascade bool
}

// WithCascade deletes the documents of every declared subcollection,
// depth-first, before deleting the instance itself.
func WithCascade() DeleteOption {
	return func(o *deleteOptions) { o.cascade = true }
}

// GetOption configures Get.
type GetOption func(*getOptions)

type getOptions struct {
	populate    []string
	populateAll bool
	parent      *Doc
}

// WithPopulate resolves the named relation fields on the fetched instance.
func WithPopulate(fields ...string) GetOption {
	return func(o *getOptions) { o.populate = append(o.populate, fields...) }
}

// WithPopulateAll resolves every declared non-lazy relation on the
// fetched instance.
func WithPopulateAll() GetOption {
	return func(o *getOptions) { o.populateAll = true }
}

// WithParent addresses a nested type under the given parent instance.
// Required when fetching documents of a nested type.
func WithParent(p *Doc) GetOption {
	return func(o *getOptions) { o.parent = p }
}

// FindInput describes a fetch-many: filters, ordering, cursors, a limit,
// and the relations to resolve per row. Cursors require an ordering
// clause; when none is given the query is ordered by document key.
type FindInput struct {
	Filters []driver.Filter
	OrderBy []driver.Order

	StartAt    []any
	StartAfter []any
	EndAt      []any
	EndBefore  []any

	Limit int

	Populate    []string
	PopulateAll bool

	// Parent addresses the subcollection of a nested type.
	Parent *Doc
}

// FindResult is a page of instances plus the raw snapshot of the last
// row, usable as a continuation cursor.
type FindResult struct {
	Docs []*Doc
	Last *driver.Snapshot
}

// Save persists the instance, creating or fully replacing its document.
// Declared defaults are applied to unset fields, the pre-save hook runs,
// the mapped document is validated, and an identity key is assigned if
// absent. Inside an ambient transaction or batch the write is enqueued, a
// nil result is returned, and the post-save hook is skipped.
func (db *DB) Save(ctx context.Context, d *Doc, opts ...SaveOption) (*driver.WriteResult, error) {
	var o saveOptions
	for _, opt := range opts {
		opt(&o)
	}

	rt, err := db.reg.Resolve(d.Type())
	if err != nil {
		return nil, err
	}
	applyDefaults(rt, d)

	h := db.hooksFor(d.Type())
	if h.BeforeSave != nil {
		if err := h.BeforeSave(ctx, d); err != nil {
			return nil, err
		}
	}

	data := db.toStorage(rt, d)
	if issues := rt.Check(data); len(issues) > 0 {
		// The identity key stays untouched: nothing was written.
		return nil, &ValidationError{Type: d.Type(), Issues: issues}
	}

	hadKey := d.Key() != ""
	db.ensureKey(d)
	path, err := db.PathOf(d)
	if err != nil {
		if !hadKey {
			// Nothing was written; a generated key must not survive.
			d.SetKey("")
		}
		return nil, err
	}
	setOpts := driver.SetOptions{Merge: o.merge}

	if u := unitFrom(ctx); u != nil {
		if u.tx != nil {
			if err := u.tx.Set(ctx, path, data, setOpts); err != nil {
				return nil, err
			}
		} else {
			u.batch.Set(path, data, setOpts)
		}
		return nil, nil
	}

	wr, err := db.drv.SetDocument(ctx, path, data, setOpts)
	if err != nil {
		db.logStoreFailure("save", d.Type(), d.Key(), err)
		return nil, err
	}
	if h.AfterSave != nil {
		if err := h.AfterSave(ctx, d, wr); err != nil {
			return nil, err
		}
	}
	return wr, nil
}

// Update applies a partial update to a persisted instance. The patch is
// cleaned first (see Hooks and the relation rules); an empty cleaned
// patch is a warned no-op. Inside an ambient unit the write is enqueued,
// the cleaned patch is mirrored onto local state, and the post-update
// hook is skipped.
func (db *DB) Update(ctx context.Context, d *Doc, patch map[string]any, opts ...UpdateOption) (*driver.WriteResult, error) {
	var o updateOptions
	for _, opt := range opts {
		opt(&o)
	}

	if d.Key() == "" {
		return nil, &PreconditionError{Op: "update", Reason: "instance of type " + d.Type() + " has no identity key"}
	}
	rt, err := db.reg.Resolve(d.Type())
	if err != nil {
		return nil, err
	}

	cleaned, err := db.cleanPatch(rt, d, patch, o.strictRelations)
	if err != nil {
		return nil, err
	}
	if len(cleaned) == 0 {
		db.log.Warn("update with empty patch is a no-op",
			"type", d.Type(),
			"key", d.Key(),
		)
		return nil, nil
	}

	h := db.hooksFor(d.Type())
	if h.BeforeUpdate != nil {
		if err := h.BeforeUpdate(ctx, d, cleaned); err != nil {
			return nil, err
		}
	}

	path, err := db.PathOf(d)
	if err != nil {
		return nil, err
	}

	if u := unitFrom(ctx); u != nil {
		if u.tx != nil {
			if err := u.tx.Update(ctx, path, cleaned); err != nil {
				return nil, err
			}
		} else {
			u.batch.Update(path, cleaned)
		}
		applyPatchLocally(d, cleaned)
		return nil, nil
	}

	wr, err := db.drv.UpdateDocument(ctx, path, cleaned)
	if err != nil {
		if errors.Is(err, driver.ErrNotFound) {
			return nil, &NotFoundError{Type: d.Type(), Key: d.Key()}
		}
		db.logStoreFailure("update", d.Type(), d.Key(), err)
		return nil, err
	}
	applyPatchLocally(d, cleaned)
	if h.AfterUpdate != nil {
		if err := h.AfterUpdate(ctx, d, wr); err != nil {
			return nil, err
		}
	}
	return wr, nil
}

// Delete removes the instance's document and invalidates the instance:
// its identity key and relation cache are cleared. Inside an ambient
// unit the delete is enqueued and the post-delete hook is skipped.
func (db *DB) Delete(ctx context.Context, d *Doc, opts ...DeleteOption) (*driver.WriteResult, error) {
	var o deleteOptions
	for _, opt := range opts {
		opt(&o)
	}

	priorKey := d.Key()
	if priorKey == "" {
		return nil, &PreconditionError{Op: "delete", Reason: "instance of type " + d.Type() + " has no identity key"}
	}
	rt, err := db.reg.Resolve(d.Type())
	if err != nil {
		return nil, err
	}

	h := db.hooksFor(d.Type())
	if h.BeforeDelete != nil {
		if err := h.BeforeDelete(ctx, d); err != nil {
			return nil, err
		}
	}

	path, err := db.PathOf(d)
	if err != nil {
		return nil, err
	}

	if o.cascade {
		if err := db.cascadeDelete(ctx, rt, path); err != nil {
			return nil, err
		}
	}

	if u := unitFrom(ctx); u != nil {
		if u.tx != nil {
			if err := u.tx.Delete(ctx, path); err != nil {
				return nil, err
			}
		} else {
			u.batch.Delete(path)
		}
		d.clearIdentity()
		return nil, nil
	}

	wr, err := db.drv.DeleteDocument(ctx, path)
	if err != nil {
		db.logStoreFailure("delete", d.Type(), priorKey, err)
		return nil, err
	}
	d.clearIdentity()
	if h.AfterDelete != nil {
		if err := h.AfterDelete(ctx, d, priorKey, wr); err != nil {
			return nil, err
		}
	}
	return wr, nil
}

// cascadeDelete removes every document of the type's declared
// subcollections, depth-first through the child types' own declarations.
// Reads go to the store directly; deletes join the ambient unit if any.
func (db *DB) cascadeDelete(ctx context.Context, rt *schema.ResolvedType, path string) error {
	for _, sub := range rt.Subcollections {
		collPath := docpath.Join(path, sub.Subpath)
		snaps, err := db.drv.Query(ctx, collPath, driver.Query{})
		if err != nil {
			return fmt.Errorf("cascade query %s: %w", collPath, err)
		}
		childRT, err := db.reg.Resolve(sub.ChildType)
		if err != nil {
			return err
		}
		for _, snap := range snaps {
			if err := db.cascadeDelete(ctx, childRT, snap.Path); err != nil {
				return err
			}
			if u := unitFrom(ctx); u != nil {
				if u.tx != nil {
					if err := u.tx.Delete(ctx, snap.Path); err != nil {
						return err
					}
				} else {
					u.batch.Delete(snap.Path)
				}
				continue
			}
			if _, err := db.drv.DeleteDocument(ctx, snap.Path); err != nil {
				return fmt.Errorf("cascade delete %s: %w", snap.Path, err)
			}
		}
	}
	return nil
}

// Get fetches one document by key. A missing document is a nil return,
// not an error. Inside an ambient transaction the read goes through the
// transaction handle.
func (db *DB) Get(ctx context.Context, typeName, key string, opts ...GetOption) (*Doc, error) {
	var o getOptions
	for _, opt := range opts {
		opt(&o)
	}

	rt, err := db.reg.Resolve(typeName)
	if err != nil {
		return nil, err
	}
	collPath, err := db.collectionPathFor(rt, o.parent)
	if err != nil {
		return nil, err
	}
	path := docpath.Join(collPath, key)

	snap, err := db.getSnapshot(ctx, path)
	if err != nil {
		if errors.Is(err, driver.ErrNotFound) {
			return nil, nil
		}
		db.logStoreFailure("get", typeName, key, err)
		return nil, err
	}

	d := db.fromStorage(ctx, rt, snap, o.parent)
	if err := db.populateAfterFetch(ctx, rt, d, o.populate, o.populateAll); err != nil {
		return nil, err
	}
	return d, nil
}

// Find fetches many documents of a type. Each row is mapped and
// populated like Get. The last row's snapshot is returned for cursor
// continuation.
func (db *DB) Find(ctx context.Context, typeName string, in FindInput) (*FindResult, error) {
	rt, err := db.reg.Resolve(typeName)
	if err != nil {
		return nil, err
	}
	collPath, err := db.collectionPathFor(rt, in.Parent)
	if err != nil {
		return nil, err
	}

	q := driver.Query{
		Filters:    in.Filters,
		Orders:     in.OrderBy,
		StartAt:    in.StartAt,
		StartAfter: in.StartAfter,
		EndAt:      in.EndAt,
		EndBefore:  in.EndBefore,
		Limit:      in.Limit,
	}
	hasCursor := q.StartAt != nil || q.StartAfter != nil || q.EndAt != nil || q.EndBefore != nil
	if hasCursor && len(q.Orders) == 0 {
		q.Orders = []driver.Order{{Field: driver.KeyField}}
	}

	snaps, err := db.drv.Query(ctx, collPath, q)
	if err != nil {
		db.logStoreFailure("find", typeName, "", err)
		return nil, err
	}

	result := &FindResult{Docs: make([]*Doc, 0, len(snaps))}
	for _, snap := range snaps {
		d := db.fromStorage(ctx, rt, snap, in.Parent)
		if err := db.populateAfterFetch(ctx, rt, d, in.Populate, in.PopulateAll); err != nil {
			return nil, err
		}
		result.Docs = append(result.Docs, d)
	}
	if len(snaps) > 0 {
		result.Last = snaps[len(snaps)-1]
	}
	return result, nil
}

// FindWhere fetches the documents matching a single condition.
func (db *DB) FindWhere(ctx context.Context, typeName, field string, op driver.Op, value any) ([]*Doc, error) {
	res, err := db.Find(ctx, typeName, FindInput{
		Filters: []driver.Filter{{Field: field, Op: op, Value: value}},
	})
	if err != nil {
		return nil, err
	}
	return res.Docs, nil
}

// FindOne fetches the first document matching the input, or nil.
func (db *DB) FindOne(ctx context.Context, typeName string, in FindInput) (*Doc, error) {
	in.Limit = 1
	res, err := db.Find(ctx, typeName, in)
	if err != nil {
		return nil, err
	}
	if len(res.Docs) == 0 {
		return nil, nil
	}
	return res.Docs[0], nil
}

// FindPage continues a Find from a previous result's Last snapshot.
func (db *DB) FindPage(ctx context.Context, typeName string, in FindInput, after *FindResult) (*FindResult, error) {
	if after != nil && after.Last != nil {
		orders := in.OrderBy
		if len(orders) == 0 {
			orders = []driver.Order{{Field: driver.KeyField}}
			in.OrderBy = orders
		}
		cursor := make([]any, len(orders))
		for i, o := range orders {
			cursor[i] = driver.FieldValue(after.Last, o.Field)
		}
		in.StartAfter = cursor
	}
	return db.Find(ctx, typeName, in)
}

// Reload re-fetches the instance from storage, replacing all non-identity
// fields. Relation fields that were previously resolved are resolved
// again against the fresh data; others stay unresolved pointers. A
// vanished document is a NotFoundError carrying type and key.
func (db *DB) Reload(ctx context.Context, d *Doc) error {
	if d.Key() == "" {
		return &PreconditionError{Op: "reload", Reason: "instance of type " + d.Type() + " has no identity key"}
	}
	rt, err := db.reg.Resolve(d.Type())
	if err != nil {
		return err
	}
	path, err := db.PathOf(d)
	if err != nil {
		return err
	}

	snap, err := db.getSnapshot(ctx, path)
	if err != nil {
		if errors.Is(err, driver.ErrNotFound) {
			return &NotFoundError{Type: d.Type(), Key: d.Key()}
		}
		db.logStoreFailure("reload", d.Type(), d.Key(), err)
		return err
	}

	previouslyResolved := d.cachedRelationNames()

	fresh := make(map[string]any, len(snap.Data))
	for name, v := range snap.Data {
		if _, isRel := rt.Relations[name]; isRel {
			if ref, ok := v.(*driver.Ref); ok {
				fresh[name] = ref
				continue
			}
		}
		fresh[name] = v
	}
	d.replaceFields(fresh)

	if len(previouslyResolved) > 0 {
		return db.Populate(ctx, d, previouslyResolved...)
	}
	return nil
}

func (db *DB) populateAfterFetch(ctx context.Context, rt *schema.ResolvedType, d *Doc, requested []string, all bool) error {
	if d == nil {
		return nil
	}
	switch {
	case len(requested) > 0:
		return db.Populate(ctx, d, requested...)
	case all:
		return db.Populate(ctx, d)
	default:
		// Eager relations resolve on every fetch.
		var eager []string
		for name, rel := range rt.Relations {
			if !rel.Lazy {
				eager = append(eager, name)
			}
		}
		if len(eager) == 0 {
			return nil
		}
		return db.Populate(ctx, d, eager...)
	}
}

func (db *DB) collectionPathFor(rt *schema.ResolvedType, parent *Doc) (string, error) {
	if !rt.Nested() {
		return rt.Collection, nil
	}
	if parent == nil {
		return "", &PreconditionError{Op: "path", Reason: "nested type " + rt.Name + " requires a parent instance"}
	}
	parentPath, err := db.PathOf(parent)
	if err != nil {
		return "", err
	}
	return docpath.Join(parentPath, rt.Subpath), nil
}

// getSnapshot routes a read through the ambient transaction when one is
// active; batches are write-only and never serve reads.
func (db *DB) getSnapshot(ctx context.Context, path string) (*driver.Snapshot, error) {
	if u := unitFrom(ctx); u != nil && u.tx != nil {
		return u.tx.Get(ctx, path)
	}
	return db.drv.GetDocument(ctx, path)
}

func applyDefaults(rt *schema.ResolvedType, d *Doc) {
	for name, f := range rt.Fields {
		if f.Default == nil || d.Has(name) {
			continue
		}
		if f.Default == schema.Now {
			d.Set(name, driver.ServerTimestamp)
			continue
		}
		d.Set(name, f.Default)
	}
}

func (db *DB) logStoreFailure(op, typeName, key string, err error) {
	db.log.Error("store operation failed",
		"op", op,
		"type", typeName,
		"key", key,
		"error", err,
	)
}
