package odm

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/multierr"

	"github.com/Davileal/fireodm/driver"
	"github.com/Davileal/fireodm/internal/docpath"
	"github.com/Davileal/fireodm/schema"
)

// Populate resolves relation and single-subcollection fields on the
// instance. With no field names it resolves every declared non-lazy
// relation. Fields resolve concurrently; a field whose target is missing
// or fails to load resolves to nil and is logged, never failing the
// instance. Already-resolved fields are served from the instance's
// relation cache without a fetch.
func (db *DB) Populate(ctx context.Context, d *Doc, fields ...string) error {
	rt, err := db.reg.Resolve(d.Type())
	if err != nil {
		return err
	}

	if len(fields) == 0 {
		for name, rel := range rt.Relations {
			if !rel.Lazy {
				fields = append(fields, name)
			}
		}
	}
	if len(fields) == 0 {
		return nil
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs error
	)
	for _, name := range fields {
		rel, isRel := rt.Relations[name]
		sub, isSub := rt.Subcollections[name]
		if !isRel && !(isSub && sub.Single) {
			return &PreconditionError{Op: "populate", Reason: "type " + d.Type() + " has no resolvable field " + name}
		}

		wg.Add(1)
		go func(name string, isRel bool, rel schema.Relation, sub schema.Subcollection) {
			defer wg.Done()
			var err error
			if isRel {
				err = db.resolveRelation(ctx, d, name, rel)
			} else {
				err = db.resolveSingleSub(ctx, d, name, sub)
			}
			if err != nil {
				mu.Lock()
				errs = multierr.Append(errs, fmt.Errorf("%s: %w", name, err))
				mu.Unlock()
			}
		}(name, isRel, rel, sub)
	}
	wg.Wait()

	if errs != nil {
		// Containment: unresolvable targets became nil above; what lands
		// here is infrastructure failure worth a single log line.
		db.log.Error("populate partially failed",
			"type", d.Type(),
			"key", d.Key(),
			"error", errs,
		)
	}
	return nil
}

func (db *DB) resolveRelation(ctx context.Context, d *Doc, name string, rel schema.Relation) error {
	if cached, ok := d.CachedRelation(name); ok {
		setResolved(d, name, cached)
		return nil
	}

	v := d.Get(name)
	if v == nil {
		d.cacheRelation(name, nil)
		d.Set(name, nil)
		return nil
	}

	switch tv := v.(type) {
	case *Doc:
		// Already a resolved instance; seed the cache so reloads know.
		d.cacheRelation(name, tv)
		return nil
	case *driver.Ref:
		target, err := db.fetchRef(ctx, rel.TargetType, tv)
		if err != nil {
			d.cacheRelation(name, nil)
			d.Set(name, nil)
			return err
		}
		d.cacheRelation(name, target)
		setResolved(d, name, target)
		return nil
	default:
		// Legacy payloads may hold a bare key or foreign shape; left alone.
		return nil
	}
}

// fetchRef loads a relation target by its stored reference. A missing
// target is (nil, nil): dangling references resolve to nil by contract.
func (db *DB) fetchRef(ctx context.Context, typeName string, ref *driver.Ref) (*Doc, error) {
	rt, err := db.reg.Resolve(typeName)
	if err != nil {
		return nil, err
	}
	snap, err := db.getSnapshot(ctx, ref.Path())
	if err != nil {
		if errors.Is(err, driver.ErrNotFound) {
			db.log.Warn("relation target missing",
				"type", typeName,
				"ref", ref.Path(),
			)
			return nil, nil
		}
		return nil, err
	}
	return db.fromStorage(ctx, rt, snap, nil), nil
}

func (db *DB) resolveSingleSub(ctx context.Context, d *Doc, name string, sub schema.Subcollection) error {
	if cached, ok := d.CachedRelation(name); ok {
		setResolved(d, name, cached)
		return nil
	}

	parentPath, err := db.PathOf(d)
	if err != nil {
		d.cacheRelation(name, nil)
		d.Set(name, nil)
		return err
	}
	childRT, err := db.reg.Resolve(sub.ChildType)
	if err != nil {
		d.cacheRelation(name, nil)
		d.Set(name, nil)
		return err
	}

	path := docpath.Join(parentPath, sub.Subpath, sub.DocKey)
	snap, err := db.getSnapshot(ctx, path)
	if err != nil {
		d.cacheRelation(name, nil)
		d.Set(name, nil)
		if errors.Is(err, driver.ErrNotFound) {
			return nil
		}
		return err
	}

	child := db.fromStorage(ctx, childRT, snap, d)
	d.cacheRelation(name, child)
	d.Set(name, child)
	return nil
}

// setResolved stores a resolved target on the field map. A nil target is
// stored as an untyped nil so callers comparing against nil see the same
// value a fresh resolution would have produced.
func setResolved(d *Doc, name string, target *Doc) {
	if target != nil {
		d.Set(name, target)
	} else {
		d.Set(name, nil)
	}
}

// Subcollection fetches documents of one of the instance's declared
// subcollections. The optional build function refines the query; rows
// come back linked to the instance as their parent.
func (db *DB) Subcollection(ctx context.Context, d *Doc, field string, build func(driver.Query) driver.Query) ([]*Doc, error) {
	rt, err := db.reg.Resolve(d.Type())
	if err != nil {
		return nil, err
	}
	sub, ok := rt.Subcollections[field]
	if !ok {
		return nil, &PreconditionError{Op: "subcollection", Reason: "type " + d.Type() + " has no subcollection field " + field}
	}
	parentPath, err := db.PathOf(d)
	if err != nil {
		return nil, err
	}
	childRT, err := db.reg.Resolve(sub.ChildType)
	if err != nil {
		return nil, err
	}

	var q driver.Query
	if build != nil {
		q = build(q)
	}
	collPath := docpath.Join(parentPath, sub.Subpath)
	snaps, err := db.drv.Query(ctx, collPath, q)
	if err != nil {
		db.logStoreFailure("subcollection", d.Type(), d.Key(), err)
		return nil, err
	}

	docs := make([]*Doc, 0, len(snaps))
	for _, snap := range snaps {
		docs = append(docs, db.fromStorage(ctx, childRT, snap, d))
	}
	return docs, nil
}
