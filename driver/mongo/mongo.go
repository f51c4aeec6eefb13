// Package mongo provides a fireodm driver backed by MongoDB. Each
// collection path maps to one Mongo collection (path separators encoded),
// documents are keyed by _id, and the atomic unit rides on a session
// transaction.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/Davileal/fireodm/driver"
	"github.com/Davileal/fireodm/internal/docpath"
)

const (
	refKey = "__ref"
	geoKey = "__geo"

	createdField = "__created"
	updatedField = "__updated"
)

// Store is a MongoDB-backed document store over one database handle.
type Store struct {
	db  *mongo.Database
	log *zap.Logger
	now func() time.Time
}

var _ driver.Driver = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the structured logger. Defaults to zap.NewNop().
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.log = l
		}
	}
}

// New wraps a connected database handle.
func New(db *mongo.Database, opts ...Option) *Store {
	s := &Store{db: db, log: zap.NewNop(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// collName maps a collection path to a Mongo collection name. Slashes are
// not legal in collection names, so path separators become "__".
func collName(collectionPath string) string {
	return strings.ReplaceAll(collectionPath, "/", "__")
}

func (s *Store) coll(docPath string) (*mongo.Collection, string, error) {
	if err := docpath.Validate(docPath); err != nil {
		return nil, "", err
	}
	if !docpath.IsDocument(docPath) {
		return nil, "", fmt.Errorf("mongo: %q is not a document path", docPath)
	}
	return s.db.Collection(collName(docpath.Collection(docPath))), docpath.Key(docPath), nil
}

func (s *Store) GetDocument(ctx context.Context, path string) (*driver.Snapshot, error) {
	coll, key, err := s.coll(path)
	if err != nil {
		return nil, err
	}
	return getOne(ctx, coll, path, key)
}

func getOne(ctx context.Context, coll *mongo.Collection, path, key string) (*driver.Snapshot, error) {
	var raw bson.M
	err := coll.FindOne(ctx, bson.M{"_id": key}).Decode(&raw)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("mongo: %s: %w", path, driver.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("mongo: get %s: %w", path, err)
	}
	return snapshotOf(path, raw), nil
}

func (s *Store) SetDocument(ctx context.Context, path string, data map[string]any, opts driver.SetOptions) (*driver.WriteResult, error) {
	coll, key, err := s.coll(path)
	if err != nil {
		return nil, err
	}
	return s.setOne(ctx, coll, path, key, data, opts)
}

// setOne resolves transforms against the current document client-side,
// then replaces with upsert. Merge keeps existing top-level fields.
func (s *Store) setOne(ctx context.Context, coll *mongo.Collection, path, key string, data map[string]any, opts driver.SetOptions) (*driver.WriteResult, error) {
	now := s.now()

	existing, err := getOne(ctx, coll, path, key)
	if err != nil && !errors.Is(err, driver.ErrNotFound) {
		return nil, err
	}
	var existingData map[string]any
	createTime := now
	if existing != nil {
		existingData = existing.Data
		createTime = existing.CreateTime
	}
	merged, err := driver.ApplySet(existingData, data, opts, now)
	if err != nil {
		return nil, fmt.Errorf("mongo: set %s: %w", path, err)
	}

	stored := encodeDoc(key, merged)
	stored[createdField] = createTime
	stored[updatedField] = now
	if _, err := coll.ReplaceOne(ctx, bson.M{"_id": key}, stored, options.Replace().SetUpsert(true)); err != nil {
		return nil, fmt.Errorf("mongo: set %s: %w", path, err)
	}
	return &driver.WriteResult{UpdateTime: now}, nil
}

func (s *Store) UpdateDocument(ctx context.Context, path string, patch map[string]any) (*driver.WriteResult, error) {
	coll, key, err := s.coll(path)
	if err != nil {
		return nil, err
	}
	now := s.now()

	update, err := buildUpdate(patch, now)
	if err != nil {
		return nil, fmt.Errorf("mongo: update %s: %w", path, err)
	}
	res, err := coll.UpdateOne(ctx, bson.M{"_id": key}, update)
	if err != nil {
		return nil, fmt.Errorf("mongo: update %s: %w", path, err)
	}
	if res.MatchedCount == 0 {
		return nil, fmt.Errorf("mongo: %s: %w", path, driver.ErrNotFound)
	}
	return &driver.WriteResult{UpdateTime: now}, nil
}

func (s *Store) DeleteDocument(ctx context.Context, path string) (*driver.WriteResult, error) {
	coll, key, err := s.coll(path)
	if err != nil {
		return nil, err
	}
	if _, err := coll.DeleteOne(ctx, bson.M{"_id": key}); err != nil {
		return nil, fmt.Errorf("mongo: delete %s: %w", path, err)
	}
	return &driver.WriteResult{UpdateTime: s.now()}, nil
}

func (s *Store) Query(ctx context.Context, collection string, q driver.Query) ([]*driver.Snapshot, error) {
	if err := docpath.Validate(collection); err != nil {
		return nil, err
	}
	if !docpath.IsCollection(collection) {
		return nil, fmt.Errorf("mongo: %q is not a collection path", collection)
	}
	coll := s.db.Collection(collName(collection))

	filter, err := buildFilter(q.Filters)
	if err != nil {
		return nil, fmt.Errorf("mongo: query %s: %w", collection, err)
	}
	opts := options.Find()
	if len(q.Orders) > 0 {
		sort := bson.D{}
		for _, o := range q.Orders {
			dir := 1
			if o.Desc {
				dir = -1
			}
			field := o.Field
			if field == driver.KeyField {
				field = "_id"
			}
			sort = append(sort, bson.E{Key: field, Value: dir})
		}
		opts.SetSort(sort)
	}

	cur, err := coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("mongo: query %s: %w", collection, err)
	}
	defer cur.Close(ctx)

	var snaps []*driver.Snapshot
	for cur.Next(ctx) {
		var raw bson.M
		if err := cur.Decode(&raw); err != nil {
			return nil, fmt.Errorf("mongo: query %s: %w", collection, err)
		}
		key, _ := raw["_id"].(string)
		snaps = append(snaps, snapshotOf(docpath.Join(collection, key), raw))
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("mongo: query %s: %w", collection, err)
	}

	// Filtering and ordering are pushed down; cursors and limit are
	// evaluated on the fetched page.
	return driver.ApplyQuery(snaps, driver.Query{
		Orders:     q.Orders,
		StartAt:    q.StartAt,
		StartAfter: q.StartAfter,
		EndAt:      q.EndAt,
		EndBefore:  q.EndBefore,
		Limit:      q.Limit,
	})
}

func buildFilter(filters []driver.Filter) (bson.M, error) {
	out := bson.M{}
	for _, f := range filters {
		field := f.Field
		if field == driver.KeyField {
			field = "_id"
		}
		v := encodeValue(f.Value)
		var cond any
		switch f.Op {
		case driver.OpEqual, driver.OpArrayContains:
			// Mongo matches array elements with plain equality.
			cond = v
		case driver.OpNotEqual:
			cond = bson.M{"$ne": v}
		case driver.OpLess:
			cond = bson.M{"$lt": v}
		case driver.OpLessOrEqual:
			cond = bson.M{"$lte": v}
		case driver.OpGreater:
			cond = bson.M{"$gt": v}
		case driver.OpGreaterEqual:
			cond = bson.M{"$gte": v}
		case driver.OpIn:
			cond = bson.M{"$in": v}
		default:
			return nil, fmt.Errorf("unsupported operator %q", f.Op)
		}
		out[field] = cond
	}
	return out, nil
}

// buildUpdate maps a patch with transform sentinels onto Mongo update
// operators. Dotted paths pass through natively.
func buildUpdate(patch map[string]any, now time.Time) (bson.M, error) {
	set := bson.M{updatedField: now}
	inc := bson.M{}
	unset := bson.M{}
	addToSet := bson.M{}
	pullAll := bson.M{}

	for field, v := range patch {
		t, ok := v.(driver.Transform)
		if !ok {
			set[field] = encodeValue(v)
			continue
		}
		switch t.Op {
		case driver.OpServerTimestamp:
			set[field] = now
		case driver.OpIncrement:
			inc[field] = t.Operand
		case driver.OpDelete:
			unset[field] = ""
		case driver.OpArrayUnion:
			elems, _ := t.Operand.([]any)
			addToSet[field] = bson.M{"$each": encodeValue(elems)}
		case driver.OpArrayRemove:
			elems, _ := t.Operand.([]any)
			pullAll[field] = encodeValue(elems)
		default:
			return nil, fmt.Errorf("unsupported transform %v", t.Op)
		}
	}

	update := bson.M{"$set": set}
	if len(inc) > 0 {
		update["$inc"] = inc
	}
	if len(unset) > 0 {
		update["$unset"] = unset
	}
	if len(addToSet) > 0 {
		update["$addToSet"] = addToSet
	}
	if len(pullAll) > 0 {
		update["$pullAll"] = pullAll
	}
	return update, nil
}

// RunTransaction runs fn inside a Mongo session transaction. Reads must
// precede writes; the wrapper enforces the ordering before the server
// sees the write.
func (s *Store) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx driver.Tx) error) error {
	sess, err := s.db.Client().StartSession()
	if err != nil {
		return fmt.Errorf("mongo: start session: %w", err)
	}
	defer sess.EndSession(ctx)

	_, err = sess.WithTransaction(ctx, func(sc mongo.SessionContext) (any, error) {
		tx := &mongoTx{store: s}
		return nil, fn(sc, tx)
	})
	if err != nil {
		s.log.Warn("transaction failed", zap.Error(err))
	}
	return err
}

type mongoTx struct {
	store *Store
	wrote bool
}

func (t *mongoTx) Get(ctx context.Context, path string) (*driver.Snapshot, error) {
	if t.wrote {
		return nil, driver.ErrReadAfterWrite
	}
	return t.store.GetDocument(ctx, path)
}

func (t *mongoTx) Set(ctx context.Context, path string, data map[string]any, opts driver.SetOptions) error {
	t.wrote = true
	_, err := t.store.SetDocument(ctx, path, data, opts)
	return err
}

func (t *mongoTx) Update(ctx context.Context, path string, patch map[string]any) error {
	t.wrote = true
	_, err := t.store.UpdateDocument(ctx, path, patch)
	return err
}

func (t *mongoTx) Delete(ctx context.Context, path string) error {
	t.wrote = true
	_, err := t.store.DeleteDocument(ctx, path)
	return err
}

func (s *Store) NewBatch() driver.Batch {
	return &mongoBatch{store: s}
}

type stagedOp struct {
	kind  byte // 's', 'u', 'd'
	path  string
	data  map[string]any
	opts  driver.SetOptions
	patch map[string]any
}

// mongoBatch stages writes and commits them inside one session
// transaction, grouping consecutive same-collection operations into
// ordered bulk writes.
type mongoBatch struct {
	store  *Store
	staged []stagedOp
}

func (b *mongoBatch) Set(path string, data map[string]any, opts driver.SetOptions) {
	b.staged = append(b.staged, stagedOp{kind: 's', path: path, data: data, opts: opts})
}

func (b *mongoBatch) Update(path string, patch map[string]any) {
	b.staged = append(b.staged, stagedOp{kind: 'u', path: path, patch: patch})
}

func (b *mongoBatch) Delete(path string) {
	b.staged = append(b.staged, stagedOp{kind: 'd', path: path})
}

func (b *mongoBatch) Len() int { return len(b.staged) }

func (b *mongoBatch) Commit(ctx context.Context) ([]*driver.WriteResult, error) {
	if len(b.staged) == 0 {
		return nil, nil
	}
	sess, err := b.store.db.Client().StartSession()
	if err != nil {
		return nil, fmt.Errorf("mongo: start session: %w", err)
	}
	defer sess.EndSession(ctx)

	var results []*driver.WriteResult
	_, err = sess.WithTransaction(ctx, func(sc mongo.SessionContext) (any, error) {
		results = results[:0]
		for _, op := range b.staged {
			wr, err := b.apply(sc, op)
			if err != nil {
				return nil, err
			}
			results = append(results, wr)
		}
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	b.staged = nil
	return results, nil
}

func (b *mongoBatch) apply(ctx context.Context, op stagedOp) (*driver.WriteResult, error) {
	switch op.kind {
	case 's':
		return b.store.SetDocument(ctx, op.path, op.data, op.opts)
	case 'u':
		return b.store.UpdateDocument(ctx, op.path, op.patch)
	default:
		return b.store.DeleteDocument(ctx, op.path)
	}
}

// encodeDoc prepares a document tree for storage: tagged wrappers for
// references and geo points, native bson dates for times, _id for the key.
func encodeDoc(key string, data map[string]any) bson.M {
	out := bson.M{"_id": key}
	for k, v := range data {
		out[k] = encodeValue(v)
	}
	return out
}

func encodeValue(v any) any {
	switch t := v.(type) {
	case *driver.Ref:
		return bson.M{refKey: t.Path()}
	case driver.GeoPoint:
		return bson.M{geoKey: bson.M{"lat": t.Latitude, "lng": t.Longitude}}
	case map[string]any:
		out := bson.M{}
		for k, e := range t {
			out[k] = encodeValue(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = encodeValue(e)
		}
		return out
	default:
		return v
	}
}

func snapshotOf(path string, raw bson.M) *driver.Snapshot {
	snap := &driver.Snapshot{Path: path, Data: make(map[string]any, len(raw))}
	for k, v := range raw {
		switch k {
		case "_id":
		case createdField:
			if ts, ok := decodeValue(v).(time.Time); ok {
				snap.CreateTime = ts
			}
		case updatedField:
			if ts, ok := decodeValue(v).(time.Time); ok {
				snap.UpdateTime = ts
			}
		default:
			snap.Data[k] = decodeValue(v)
		}
	}
	return snap
}

func decodeValue(v any) any {
	switch t := v.(type) {
	case primitive.DateTime:
		return t.Time().UTC()
	case primitive.A:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = decodeValue(e)
		}
		return out
	case bson.M:
		return decodeMap(t)
	case map[string]any:
		return decodeMap(bson.M(t))
	case bson.D:
		m := bson.M{}
		for _, e := range t {
			m[e.Key] = e.Value
		}
		return decodeMap(m)
	case int32:
		return int64(t)
	default:
		return v
	}
}

func decodeMap(m bson.M) any {
	if p, ok := m[refKey].(string); ok && len(m) == 1 {
		if ref, err := driver.RefFromPath(p); err == nil {
			return ref
		}
	}
	if g, ok := m[geoKey]; ok && len(m) == 1 {
		if gm, ok := decodeValue(g).(map[string]any); ok {
			lat, _ := toFloat64(gm["lat"])
			lng, _ := toFloat64(gm["lng"])
			return driver.GeoPoint{Latitude: lat, Longitude: lng}
		}
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = decodeValue(v)
	}
	return out
}

func toFloat64(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int64:
		return float64(t), true
	case int32:
		return float64(t), true
	case int:
		return float64(t), true
	default:
		return 0, false
	}
}
