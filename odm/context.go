package odm

import (
	"context"

	"github.com/Davileal/fireodm/driver"
)

// The ambient transaction context: write operations consult the context
// for an active atomic unit and transparently join it instead of hitting
// the store directly. The unit handle is carried as a context value, so
// concurrent unrelated call chains each see their own (usually absent)
// unit, and the scoping helper owns the value's whole lifetime.

type unitKey struct{}

// unit is the currently active atomic unit of work: exactly one of tx or
// batch is set.
type unit struct {
	tx    driver.Tx
	batch driver.Batch
}

func unitFrom(ctx context.Context) *unit {
	u, _ := ctx.Value(unitKey{}).(*unit)
	return u
}

// InTransaction reports whether the context carries an active
// transaction or batch.
func InTransaction(ctx context.Context) bool {
	return unitFrom(ctx) != nil
}

// RunInTransaction runs fn inside a store-native atomic read/write unit.
// Every fireodm operation performed with the context passed to fn joins
// the unit: reads go through the transaction, writes are enqueued and
// apply only if fn returns nil. If fn returns an error the unit aborts
// and nothing persists.
//
// All reads must precede all writes within the unit; the store enforces
// this ordering.
func (db *DB) RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return db.drv.RunTransaction(ctx, func(ctx context.Context, tx driver.Tx) error {
		return fn(context.WithValue(ctx, unitKey{}, &unit{tx: tx}))
	})
}

// BatchOutcome carries the results of a committed batch: one write result
// per enqueued operation, plus whatever the callback returned.
type BatchOutcome struct {
	CommitResults  []*driver.WriteResult
	CallbackResult any
}

// RunInBatch runs fn with a write-only batch as the ambient unit. The
// batch commits only if fn returns nil; on error it is abandoned and
// nothing persists. Reads inside fn do not see the batched writes.
func (db *DB) RunInBatch(ctx context.Context, fn func(ctx context.Context) (any, error)) (*BatchOutcome, error) {
	b := db.drv.NewBatch()
	result, err := fn(context.WithValue(ctx, unitKey{}, &unit{batch: b}))
	if err != nil {
		return nil, err
	}
	commits, err := b.Commit(ctx)
	if err != nil {
		return nil, err
	}
	return &BatchOutcome{CommitResults: commits, CallbackResult: result}, nil
}
