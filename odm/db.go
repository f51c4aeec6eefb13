package odm

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/Davileal/fireodm/driver"
	"github.com/Davileal/fireodm/internal/docpath"
	"github.com/Davileal/fireodm/schema"
)

// DB binds a schema registry to a driver and exposes the document
// lifecycle operations.
type DB struct {
	reg *schema.Registry
	drv driver.Driver
	log *slog.Logger

	mu    sync.RWMutex
	hooks map[string]Hooks
}

// Option configures a DB.
type Option func(*DB)

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(db *DB) {
		if l != nil {
			db.log = l
		}
	}
}

// Open creates a DB over a registry and a driver.
func Open(reg *schema.Registry, drv driver.Driver, opts ...Option) *DB {
	db := &DB{
		reg:   reg,
		drv:   drv,
		log:   slog.Default(),
		hooks: make(map[string]Hooks),
	}
	for _, opt := range opts {
		opt(db)
	}
	return db
}

// Registry returns the schema registry the DB was opened with.
func (db *DB) Registry() *schema.Registry { return db.reg }

// Driver returns the underlying driver.
func (db *DB) Driver() driver.Driver { return db.drv }

// CollectionPath resolves the collection an instance belongs to. For
// nested types the path runs through the ownership chain, so every
// ancestor must be linked and persisted.
func (db *DB) CollectionPath(d *Doc) (string, error) {
	rt, err := db.reg.Resolve(d.Type())
	if err != nil {
		return "", err
	}
	if !rt.Nested() {
		return rt.Collection, nil
	}
	parent := d.Parent()
	if parent == nil {
		return "", &PreconditionError{Op: "path", Reason: "nested type " + d.Type() + " has no parent instance linked"}
	}
	parentPath, err := db.PathOf(parent)
	if err != nil {
		return "", err
	}
	return docpath.Join(parentPath, rt.Subpath), nil
}

// PathOf resolves the full document path of an instance. The instance
// must have an identity key. The result is cached on the instance and
// invalidated when its identity changes.
func (db *DB) PathOf(d *Doc) (string, error) {
	if p := d.cachedPath(); p != "" {
		return p, nil
	}
	key := d.Key()
	if key == "" {
		return "", &PreconditionError{Op: "path", Reason: "instance of type " + d.Type() + " has no identity key"}
	}
	coll, err := db.CollectionPath(d)
	if err != nil {
		return "", err
	}
	p := docpath.Join(coll, key)
	d.setCachedPath(p)
	return p, nil
}

// RefOf returns the lightweight pointer for a persisted instance.
func (db *DB) RefOf(d *Doc) (*driver.Ref, error) {
	if d.Key() == "" {
		return nil, &PreconditionError{Op: "ref", Reason: "instance of type " + d.Type() + " has no identity key"}
	}
	coll, err := db.CollectionPath(d)
	if err != nil {
		return nil, err
	}
	return &driver.Ref{Collection: coll, Key: d.Key()}, nil
}

// ensureKey assigns a generated identity key if the instance has none.
func (db *DB) ensureKey(d *Doc) {
	if d.Key() == "" {
		d.SetKey(uuid.NewString())
	}
}
