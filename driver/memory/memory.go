// Package memory provides an in-process fireodm driver for tests and
// development. Documents live in a mutex-guarded map keyed by path;
// transactions are optimistic with a bounded retry loop.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Davileal/fireodm/driver"
	"github.com/Davileal/fireodm/internal/docpath"
)

const maxTxAttempts = 5

type record struct {
	data       map[string]any
	createTime time.Time
	updateTime time.Time
	version    int64
}

// Store is an in-memory document store.
type Store struct {
	mu   sync.RWMutex
	docs map[string]*record
	now  func() time.Time

	reads  atomic.Int64
	writes atomic.Int64
}

var _ driver.Driver = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		docs: make(map[string]*record),
		now:  time.Now,
	}
}

// Reads returns the number of read operations served. Tests use it to
// verify caching behavior.
func (s *Store) Reads() int64 { return s.reads.Load() }

// Writes returns the number of write operations applied.
func (s *Store) Writes() int64 { return s.writes.Load() }

// ResetCounters zeroes the read and write counters.
func (s *Store) ResetCounters() {
	s.reads.Store(0)
	s.writes.Store(0)
}

func (s *Store) GetDocument(ctx context.Context, path string) (*driver.Snapshot, error) {
	if err := checkDocPath(path); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.reads.Add(1)
	rec, ok := s.docs[path]
	if !ok {
		return nil, driver.ErrNotFound
	}
	return snapshotOf(path, rec), nil
}

func (s *Store) SetDocument(ctx context.Context, path string, data map[string]any, opts driver.SetOptions) (*driver.WriteResult, error) {
	if err := checkDocPath(path); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applyLocked(stagedWrite{kind: opSet, path: path, data: data, opts: opts})
}

func (s *Store) UpdateDocument(ctx context.Context, path string, patch map[string]any) (*driver.WriteResult, error) {
	if err := checkDocPath(path); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applyLocked(stagedWrite{kind: opUpdate, path: path, patch: patch})
}

func (s *Store) DeleteDocument(ctx context.Context, path string) (*driver.WriteResult, error) {
	if err := checkDocPath(path); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applyLocked(stagedWrite{kind: opDelete, path: path})
}

func (s *Store) Query(ctx context.Context, collection string, q driver.Query) ([]*driver.Snapshot, error) {
	if !docpath.IsCollection(collection) {
		return nil, fmt.Errorf("memory: %q is not a collection path", collection)
	}
	s.mu.RLock()
	var members []*driver.Snapshot
	prefix := collection + "/"
	for path, rec := range s.docs {
		if strings.HasPrefix(path, prefix) && !strings.Contains(path[len(prefix):], "/") {
			members = append(members, snapshotOf(path, rec))
		}
	}
	s.mu.RUnlock()
	s.reads.Add(1)
	return driver.ApplyQuery(members, q)
}

func (s *Store) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx driver.Tx) error) error {
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		tx := &memTx{s: s, readVersions: make(map[string]int64)}
		if err := fn(ctx, tx); err != nil {
			return err
		}
		committed, err := s.tryCommit(tx)
		if err != nil {
			return err
		}
		if committed {
			return nil
		}
	}
	return driver.ErrContention
}

func (s *Store) NewBatch() driver.Batch {
	return &memBatch{s: s}
}

// --- write application ---

type opKind int

const (
	opSet opKind = iota + 1
	opUpdate
	opDelete
)

type stagedWrite struct {
	kind  opKind
	path  string
	data  map[string]any
	patch map[string]any
	opts  driver.SetOptions
}

// applyLocked applies one write. Callers hold s.mu.
func (s *Store) applyLocked(w stagedWrite) (*driver.WriteResult, error) {
	now := s.now()
	existing := s.docs[w.path]

	switch w.kind {
	case opSet:
		var existingData map[string]any
		if existing != nil {
			existingData = existing.data
		}
		next, err := driver.ApplySet(existingData, w.data, w.opts, now)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			existing.data = next
			existing.updateTime = now
			existing.version++
		} else {
			s.docs[w.path] = &record{data: next, createTime: now, updateTime: now, version: 1}
		}
	case opUpdate:
		if existing == nil {
			return nil, driver.ErrNotFound
		}
		next, err := driver.ApplyPatch(existing.data, w.patch, now)
		if err != nil {
			return nil, err
		}
		existing.data = next
		existing.updateTime = now
		existing.version++
	case opDelete:
		delete(s.docs, w.path)
	}

	s.writes.Add(1)
	return &driver.WriteResult{UpdateTime: now}, nil
}

func (s *Store) versionLocked(path string) int64 {
	if rec, ok := s.docs[path]; ok {
		return rec.version
	}
	return 0
}

// --- transaction ---

type memTx struct {
	s            *Store
	readVersions map[string]int64
	staged       []stagedWrite
}

func (t *memTx) Get(ctx context.Context, path string) (*driver.Snapshot, error) {
	if len(t.staged) > 0 {
		return nil, driver.ErrReadAfterWrite
	}
	if err := checkDocPath(path); err != nil {
		return nil, err
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	t.s.reads.Add(1)
	t.readVersions[path] = t.s.versionLocked(path)
	rec, ok := t.s.docs[path]
	if !ok {
		return nil, driver.ErrNotFound
	}
	return snapshotOf(path, rec), nil
}

func (t *memTx) Set(ctx context.Context, path string, data map[string]any, opts driver.SetOptions) error {
	if err := checkDocPath(path); err != nil {
		return err
	}
	t.staged = append(t.staged, stagedWrite{kind: opSet, path: path, data: data, opts: opts})
	return nil
}

func (t *memTx) Update(ctx context.Context, path string, patch map[string]any) error {
	if err := checkDocPath(path); err != nil {
		return err
	}
	t.staged = append(t.staged, stagedWrite{kind: opUpdate, path: path, patch: patch})
	return nil
}

func (t *memTx) Delete(ctx context.Context, path string) error {
	if err := checkDocPath(path); err != nil {
		return err
	}
	t.staged = append(t.staged, stagedWrite{kind: opDelete, path: path})
	return nil
}

// tryCommit validates read versions and applies staged writes. A false
// return means a concurrent writer invalidated a read and the transaction
// should be retried.
func (s *Store) tryCommit(tx *memTx) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for path, version := range tx.readVersions {
		if s.versionLocked(path) != version {
			return false, nil
		}
	}
	if err := s.validateStagedLocked(tx.staged); err != nil {
		return false, err
	}
	for _, w := range tx.staged {
		if _, err := s.applyLocked(w); err != nil {
			return false, err
		}
	}
	return true, nil
}

// validateStagedLocked rejects staged writes that would fail mid-commit,
// so a commit either applies fully or not at all. Existence is tracked
// through the staged sequence: a set creates, a delete removes.
func (s *Store) validateStagedLocked(staged []stagedWrite) error {
	pending := make(map[string]bool)
	present := func(path string) bool {
		if v, ok := pending[path]; ok {
			return v
		}
		_, ok := s.docs[path]
		return ok
	}
	for _, w := range staged {
		switch w.kind {
		case opUpdate:
			if !present(w.path) {
				return fmt.Errorf("update %q: %w", w.path, driver.ErrNotFound)
			}
		case opSet:
			pending[w.path] = true
		case opDelete:
			pending[w.path] = false
		}
	}
	return nil
}

// --- batch ---

type memBatch struct {
	s      *Store
	staged []stagedWrite
}

func (b *memBatch) Set(path string, data map[string]any, opts driver.SetOptions) {
	b.staged = append(b.staged, stagedWrite{kind: opSet, path: path, data: data, opts: opts})
}

func (b *memBatch) Update(path string, patch map[string]any) {
	b.staged = append(b.staged, stagedWrite{kind: opUpdate, path: path, patch: patch})
}

func (b *memBatch) Delete(path string) {
	b.staged = append(b.staged, stagedWrite{kind: opDelete, path: path})
}

func (b *memBatch) Len() int { return len(b.staged) }

func (b *memBatch) Commit(ctx context.Context) ([]*driver.WriteResult, error) {
	b.s.mu.Lock()
	defer b.s.mu.Unlock()

	// Validate before applying so a failing operation leaves nothing behind.
	for _, w := range b.staged {
		if err := checkDocPath(w.path); err != nil {
			return nil, err
		}
	}
	if err := b.s.validateStagedLocked(b.staged); err != nil {
		return nil, err
	}

	results := make([]*driver.WriteResult, 0, len(b.staged))
	for _, w := range b.staged {
		wr, err := b.s.applyLocked(w)
		if err != nil {
			return nil, err
		}
		results = append(results, wr)
	}
	b.staged = nil
	return results, nil
}

func snapshotOf(path string, rec *record) *driver.Snapshot {
	return &driver.Snapshot{
		Path:       path,
		Data:       driver.DeepCopy(rec.data),
		CreateTime: rec.createTime,
		UpdateTime: rec.updateTime,
	}
}

func checkDocPath(path string) error {
	if err := docpath.Validate(path); err != nil {
		return err
	}
	if !docpath.IsDocument(path) {
		return fmt.Errorf("memory: %q is not a document path", path)
	}
	return nil
}
