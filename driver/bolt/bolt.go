// Package bolt provides an embedded persistent fireodm driver backed by
// bbolt, one bucket per collection path, msgpack-encoded documents.
// bbolt's native write transactions back the atomic unit.
package bolt

import (
	"context"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"go.etcd.io/bbolt"

	"github.com/Davileal/fireodm/driver"
	"github.com/Davileal/fireodm/internal/docpath"
)

type storedDoc struct {
	Data       map[string]any `msgpack:"data"`
	CreateTime time.Time      `msgpack:"create_time"`
	UpdateTime time.Time      `msgpack:"update_time"`
}

// Store is a bbolt-backed document store.
type Store struct {
	db  *bbolt.DB
	now func() time.Time
}

var _ driver.Driver = (*Store)(nil)

// Open opens (creating if necessary) a store at the given file path.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("bolt: open %s: %w", path, err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close closes the underlying database file.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) GetDocument(ctx context.Context, path string) (*driver.Snapshot, error) {
	if err := checkDocPath(path); err != nil {
		return nil, err
	}
	var snap *driver.Snapshot
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		snap, err = getInTx(tx, path)
		return err
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

func (s *Store) SetDocument(ctx context.Context, path string, data map[string]any, opts driver.SetOptions) (*driver.WriteResult, error) {
	if err := checkDocPath(path); err != nil {
		return nil, err
	}
	var wr *driver.WriteResult
	err := s.db.Update(func(tx *bbolt.Tx) error {
		var err error
		wr, err = setInTx(tx, path, data, opts, s.now())
		return err
	})
	if err != nil {
		return nil, err
	}
	return wr, nil
}

func (s *Store) UpdateDocument(ctx context.Context, path string, patch map[string]any) (*driver.WriteResult, error) {
	if err := checkDocPath(path); err != nil {
		return nil, err
	}
	var wr *driver.WriteResult
	err := s.db.Update(func(tx *bbolt.Tx) error {
		var err error
		wr, err = updateInTx(tx, path, patch, s.now())
		return err
	})
	if err != nil {
		return nil, err
	}
	return wr, nil
}

func (s *Store) DeleteDocument(ctx context.Context, path string) (*driver.WriteResult, error) {
	if err := checkDocPath(path); err != nil {
		return nil, err
	}
	now := s.now()
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return deleteInTx(tx, path)
	})
	if err != nil {
		return nil, err
	}
	return &driver.WriteResult{UpdateTime: now}, nil
}

func (s *Store) Query(ctx context.Context, collection string, q driver.Query) ([]*driver.Snapshot, error) {
	if !docpath.IsCollection(collection) {
		return nil, fmt.Errorf("bolt: %q is not a collection path", collection)
	}
	var snaps []*driver.Snapshot
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(collection))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			snap, err := decodeDoc(collection+"/"+string(k), v)
			if err != nil {
				return err
			}
			snaps = append(snaps, snap)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return driver.ApplyQuery(snaps, q)
}

func (s *Store) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx driver.Tx) error) error {
	return s.db.Update(func(btx *bbolt.Tx) error {
		return fn(ctx, &boltTx{tx: btx, now: s.now()})
	})
}

func (s *Store) NewBatch() driver.Batch {
	return &boltBatch{s: s}
}

// --- shared per-tx operations ---

func getInTx(tx *bbolt.Tx, path string) (*driver.Snapshot, error) {
	b := tx.Bucket([]byte(docpath.Collection(path)))
	if b == nil {
		return nil, driver.ErrNotFound
	}
	raw := b.Get([]byte(docpath.Key(path)))
	if raw == nil {
		return nil, driver.ErrNotFound
	}
	return decodeDoc(path, raw)
}

func setInTx(tx *bbolt.Tx, path string, data map[string]any, opts driver.SetOptions, now time.Time) (*driver.WriteResult, error) {
	b, err := tx.CreateBucketIfNotExists([]byte(docpath.Collection(path)))
	if err != nil {
		return nil, err
	}
	key := []byte(docpath.Key(path))

	var existing *storedDoc
	if raw := b.Get(key); raw != nil {
		existing = new(storedDoc)
		if err := unmarshalDoc(raw, existing); err != nil {
			return nil, err
		}
	}

	var existingData map[string]any
	createTime := now
	if existing != nil {
		existingData = existing.Data
		createTime = existing.CreateTime
	}
	next, err := driver.ApplySet(existingData, data, opts, now)
	if err != nil {
		return nil, err
	}
	if err := putDoc(b, key, &storedDoc{Data: next, CreateTime: createTime, UpdateTime: now}); err != nil {
		return nil, err
	}
	return &driver.WriteResult{UpdateTime: now}, nil
}

func updateInTx(tx *bbolt.Tx, path string, patch map[string]any, now time.Time) (*driver.WriteResult, error) {
	b := tx.Bucket([]byte(docpath.Collection(path)))
	if b == nil {
		return nil, driver.ErrNotFound
	}
	key := []byte(docpath.Key(path))
	raw := b.Get(key)
	if raw == nil {
		return nil, driver.ErrNotFound
	}
	existing := new(storedDoc)
	if err := unmarshalDoc(raw, existing); err != nil {
		return nil, err
	}
	next, err := driver.ApplyPatch(existing.Data, patch, now)
	if err != nil {
		return nil, err
	}
	if err := putDoc(b, key, &storedDoc{Data: next, CreateTime: existing.CreateTime, UpdateTime: now}); err != nil {
		return nil, err
	}
	return &driver.WriteResult{UpdateTime: now}, nil
}

func deleteInTx(tx *bbolt.Tx, path string) error {
	b := tx.Bucket([]byte(docpath.Collection(path)))
	if b == nil {
		return nil
	}
	return b.Delete([]byte(docpath.Key(path)))
}

// --- transaction handle ---

type boltTx struct {
	tx    *bbolt.Tx
	now   time.Time
	wrote bool
}

func (t *boltTx) Get(ctx context.Context, path string) (*driver.Snapshot, error) {
	if t.wrote {
		return nil, driver.ErrReadAfterWrite
	}
	if err := checkDocPath(path); err != nil {
		return nil, err
	}
	return getInTx(t.tx, path)
}

func (t *boltTx) Set(ctx context.Context, path string, data map[string]any, opts driver.SetOptions) error {
	if err := checkDocPath(path); err != nil {
		return err
	}
	t.wrote = true
	_, err := setInTx(t.tx, path, data, opts, t.now)
	return err
}

func (t *boltTx) Update(ctx context.Context, path string, patch map[string]any) error {
	if err := checkDocPath(path); err != nil {
		return err
	}
	t.wrote = true
	_, err := updateInTx(t.tx, path, patch, t.now)
	return err
}

func (t *boltTx) Delete(ctx context.Context, path string) error {
	if err := checkDocPath(path); err != nil {
		return err
	}
	t.wrote = true
	return deleteInTx(t.tx, path)
}

// --- batch ---

type batchOp struct {
	kind  int // 1 set, 2 update, 3 delete
	path  string
	data  map[string]any
	patch map[string]any
	opts  driver.SetOptions
}

type boltBatch struct {
	s      *Store
	staged []batchOp
}

func (b *boltBatch) Set(path string, data map[string]any, opts driver.SetOptions) {
	b.staged = append(b.staged, batchOp{kind: 1, path: path, data: data, opts: opts})
}

func (b *boltBatch) Update(path string, patch map[string]any) {
	b.staged = append(b.staged, batchOp{kind: 2, path: path, patch: patch})
}

func (b *boltBatch) Delete(path string) {
	b.staged = append(b.staged, batchOp{kind: 3, path: path})
}

func (b *boltBatch) Len() int { return len(b.staged) }

func (b *boltBatch) Commit(ctx context.Context) ([]*driver.WriteResult, error) {
	now := b.s.now()
	results := make([]*driver.WriteResult, 0, len(b.staged))
	err := b.s.db.Update(func(tx *bbolt.Tx) error {
		for _, op := range b.staged {
			if err := checkDocPath(op.path); err != nil {
				return err
			}
			switch op.kind {
			case 1:
				wr, err := setInTx(tx, op.path, op.data, op.opts, now)
				if err != nil {
					return err
				}
				results = append(results, wr)
			case 2:
				wr, err := updateInTx(tx, op.path, op.patch, now)
				if err != nil {
					return fmt.Errorf("batch update %q: %w", op.path, err)
				}
				results = append(results, wr)
			case 3:
				if err := deleteInTx(tx, op.path); err != nil {
					return err
				}
				results = append(results, &driver.WriteResult{UpdateTime: now})
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	b.staged = nil
	return results, nil
}

// --- encoding ---

func putDoc(b *bbolt.Bucket, key []byte, doc *storedDoc) error {
	enc := &storedDoc{
		Data:       driver.EncodeTree(doc.Data).(map[string]any),
		CreateTime: doc.CreateTime,
		UpdateTime: doc.UpdateTime,
	}
	raw, err := msgpack.Marshal(enc)
	if err != nil {
		return fmt.Errorf("bolt: encode document: %w", err)
	}
	return b.Put(key, raw)
}

func unmarshalDoc(raw []byte, into *storedDoc) error {
	if err := msgpack.Unmarshal(raw, into); err != nil {
		return fmt.Errorf("bolt: decode document: %w", err)
	}
	into.Data = driver.DecodeTree(normalizeTree(into.Data)).(map[string]any)
	return nil
}

func decodeDoc(path string, raw []byte) (*driver.Snapshot, error) {
	doc := new(storedDoc)
	if err := unmarshalDoc(raw, doc); err != nil {
		return nil, err
	}
	return &driver.Snapshot{
		Path:       path,
		Data:       doc.Data,
		CreateTime: doc.CreateTime,
		UpdateTime: doc.UpdateTime,
	}, nil
}

// normalizeTree rewrites msgpack's map[any]any decoding of nested maps
// into map[string]any so the rest of the stack sees one map shape.
func normalizeTree(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = normalizeTree(e)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			ks, ok := k.(string)
			if !ok {
				ks = fmt.Sprint(k)
			}
			out[ks] = normalizeTree(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalizeTree(e)
		}
		return out
	default:
		return v
	}
}

func checkDocPath(path string) error {
	if err := docpath.Validate(path); err != nil {
		return err
	}
	if !docpath.IsDocument(path) {
		return fmt.Errorf("bolt: %q is not a document path", path)
	}
	return nil
}
