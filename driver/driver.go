package driver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when a document does not exist.
	ErrNotFound = errors.New("driver: document not found")

	// ErrReadAfterWrite is returned when a transaction attempts a read
	// after it has already buffered a write. Stores enforce the
	// reads-before-writes ordering; drivers that buffer writes locally
	// surface it eagerly.
	ErrReadAfterWrite = errors.New("driver: transaction reads must precede writes")

	// ErrContention is returned when a transaction could not be committed
	// after exhausting its retry budget.
	ErrContention = errors.New("driver: transaction contention")
)

// Driver is the capability interface fireodm consumes.
type Driver interface {
	// GetDocument reads one document. Returns ErrNotFound if it does not exist.
	GetDocument(ctx context.Context, path string) (*Snapshot, error)

	// SetDocument creates or replaces one document. With opts.Merge the
	// payload's top-level fields are merged into the existing document.
	SetDocument(ctx context.Context, path string, data map[string]any, opts SetOptions) (*WriteResult, error)

	// UpdateDocument applies a patch to an existing document. Patch keys
	// may be dotted paths into nested maps. Returns ErrNotFound if the
	// document does not exist.
	UpdateDocument(ctx context.Context, path string, patch map[string]any) (*WriteResult, error)

	// DeleteDocument removes one document. Deleting a missing document
	// is not an error.
	DeleteDocument(ctx context.Context, path string) (*WriteResult, error)

	// Query runs a query against a single collection path.
	Query(ctx context.Context, collection string, q Query) ([]*Snapshot, error)

	// RunTransaction runs fn inside an atomic read/write unit. If fn
	// returns an error the unit is aborted and nothing persists.
	RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	// NewBatch creates an empty write-only batch.
	NewBatch() Batch
}

// Tx is the handle to an in-flight transaction. All reads must precede
// all writes.
type Tx interface {
	Get(ctx context.Context, path string) (*Snapshot, error)
	Set(ctx context.Context, path string, data map[string]any, opts SetOptions) error
	Update(ctx context.Context, path string, patch map[string]any) error
	Delete(ctx context.Context, path string) error
}

// Batch is a write-only group of operations committed together.
type Batch interface {
	Set(path string, data map[string]any, opts SetOptions)
	Update(path string, patch map[string]any)
	Delete(path string)

	// Commit applies all enqueued operations atomically, returning one
	// write result per operation in enqueue order.
	Commit(ctx context.Context) ([]*WriteResult, error)

	// Len returns the number of enqueued operations.
	Len() int
}

// SetOptions configures SetDocument behavior.
type SetOptions struct {
	// Merge makes the set a shallow merge: top-level fields present in
	// the payload replace, absent fields survive. Default is a full
	// overwrite.
	Merge bool
}

// WriteResult is the store's acknowledgement of a write.
type WriteResult struct {
	UpdateTime time.Time
}

// Snapshot is one document as read from the store.
type Snapshot struct {
	Path       string
	Data       map[string]any
	CreateTime time.Time
	UpdateTime time.Time
}

// Exists reports whether the snapshot denotes an existing document.
func (s *Snapshot) Exists() bool {
	return s != nil && s.Data != nil
}

// Key returns the document key (final path segment).
func (s *Snapshot) Key() string {
	if s == nil {
		return ""
	}
	i := strings.LastIndexByte(s.Path, '/')
	if i < 0 {
		return s.Path
	}
	return s.Path[i+1:]
}

// Ref is a lightweight pointer to a document: a collection path and a key,
// carrying no data.
type Ref struct {
	Collection string
	Key        string
}

// Path returns the full document path of the reference.
func (r Ref) Path() string {
	return r.Collection + "/" + r.Key
}

func (r Ref) String() string {
	return r.Path()
}

// RefFromPath parses a document path into a Ref.
func RefFromPath(path string) (*Ref, error) {
	i := strings.LastIndexByte(path, '/')
	if i <= 0 || i == len(path)-1 {
		return nil, fmt.Errorf("driver: %q is not a document path", path)
	}
	return &Ref{Collection: path[:i], Key: path[i+1:]}, nil
}

// GeoPoint is a geographic coordinate passed through drivers typed.
type GeoPoint struct {
	Latitude  float64
	Longitude float64
}
