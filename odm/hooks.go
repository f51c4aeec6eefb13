package odm

import (
	"context"

	"github.com/Davileal/fireodm/driver"
)

// Hooks are optional per-type lifecycle callbacks. Any field may be nil.
//
// After* hooks are skipped when the write joined an ambient transaction or
// batch: the write has not happened at the time the operation returns.
// AfterLoad runs asynchronously after a fetch; its failures are logged,
// never propagated.
type Hooks struct {
	BeforeSave   func(ctx context.Context, d *Doc) error
	AfterSave    func(ctx context.Context, d *Doc, wr *driver.WriteResult) error
	BeforeUpdate func(ctx context.Context, d *Doc, patch map[string]any) error
	AfterUpdate  func(ctx context.Context, d *Doc, wr *driver.WriteResult) error
	BeforeDelete func(ctx context.Context, d *Doc) error
	AfterDelete  func(ctx context.Context, d *Doc, priorKey string, wr *driver.WriteResult) error
	AfterLoad    func(ctx context.Context, d *Doc) error
}

// SetHooks installs lifecycle hooks for a document type, replacing any
// previous set.
func (db *DB) SetHooks(typeName string, h Hooks) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.hooks[typeName] = h
}

func (db *DB) hooksFor(typeName string) Hooks {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.hooks[typeName]
}

// fireAfterLoad runs the post-load hook without blocking the fetch that
// triggered it.
func (db *DB) fireAfterLoad(ctx context.Context, d *Doc) {
	h := db.hooksFor(d.Type())
	if h.AfterLoad == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	go func() {
		if err := h.AfterLoad(ctx, d); err != nil {
			db.log.Error("afterload hook failed",
				"type", d.Type(),
				"key", d.Key(),
				"error", err,
			)
		}
	}()
}
