// Package dynamo provides a fireodm driver backed by a single DynamoDB
// table: the document path is the partition key and a global secondary
// index on the collection attribute serves collection queries. Filters,
// ordering and cursors are evaluated client-side on the fetched
// collection page.
package dynamo

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/Davileal/fireodm/driver"
	"github.com/Davileal/fireodm/internal/docpath"
)

const (
	attrPath       = "path"
	attrCollection = "collection"
	attrDoc        = "doc"
	attrVersion    = "version"
	attrCreatedAt  = "created_at"
	attrUpdatedAt  = "updated_at"
)

const maxWriteAttempts = 5

// Config holds configuration for the dynamo Store.
type Config struct {
	// Table is the documents table name.
	// Default: "fireodm_documents"
	Table string

	// CollectionIndex is the GSI keyed by the collection attribute.
	// Default: "collection-index"
	CollectionIndex string
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Table:           "fireodm_documents",
		CollectionIndex: "collection-index",
	}
}

// validate ensures config values are within acceptable bounds.
func (c *Config) validate() {
	if c.Table == "" {
		c.Table = "fireodm_documents"
	}
	if c.CollectionIndex == "" {
		c.CollectionIndex = "collection-index"
	}
}

// Store is a DynamoDB-backed document store.
type Store struct {
	client *dynamodb.Client
	config Config
	now    func() time.Time
}

var _ driver.Driver = (*Store)(nil)

// New creates a new Store instance.
func New(client *dynamodb.Client, config Config) *Store {
	config.validate()
	return &Store{client: client, config: config, now: time.Now}
}

// item is the versioned row held for one document.
type item struct {
	data       map[string]any
	version    int64
	createTime time.Time
	updateTime time.Time
}

func (s *Store) GetDocument(ctx context.Context, path string) (*driver.Snapshot, error) {
	it, err := s.fetch(ctx, path)
	if err != nil {
		return nil, err
	}
	return snapshotOf(path, it), nil
}

// fetch reads one row with a consistent read.
func (s *Store) fetch(ctx context.Context, path string) (*item, error) {
	if err := checkDocPath(path); err != nil {
		return nil, err
	}
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.config.Table),
		Key:            pathKey(path),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("dynamo: get %s: %w", path, err)
	}
	if out.Item == nil {
		return nil, fmt.Errorf("dynamo: %s: %w", path, driver.ErrNotFound)
	}
	return unmarshalItem(path, out.Item)
}

func (s *Store) SetDocument(ctx context.Context, path string, data map[string]any, opts driver.SetOptions) (*driver.WriteResult, error) {
	if err := checkDocPath(path); err != nil {
		return nil, err
	}
	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		now := s.now()
		existing, err := s.fetch(ctx, path)
		if err != nil && !errors.Is(err, driver.ErrNotFound) {
			return nil, err
		}

		var existingData map[string]any
		if existing != nil {
			existingData = existing.data
		}
		merged, err := driver.ApplySet(existingData, data, opts, now)
		if err != nil {
			return nil, fmt.Errorf("dynamo: set %s: %w", path, err)
		}

		err = s.putVersioned(ctx, path, merged, existing, now)
		if isVersionConflict(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("dynamo: set %s: %w", path, err)
		}
		return &driver.WriteResult{UpdateTime: now}, nil
	}
	return nil, fmt.Errorf("dynamo: set %s: %w", path, driver.ErrContention)
}

func (s *Store) UpdateDocument(ctx context.Context, path string, patch map[string]any) (*driver.WriteResult, error) {
	if err := checkDocPath(path); err != nil {
		return nil, err
	}
	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		now := s.now()
		existing, err := s.fetch(ctx, path)
		if err != nil {
			return nil, err
		}

		patched, err := driver.ApplyPatch(existing.data, patch, now)
		if err != nil {
			return nil, fmt.Errorf("dynamo: update %s: %w", path, err)
		}

		err = s.putVersioned(ctx, path, patched, existing, now)
		if isVersionConflict(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("dynamo: update %s: %w", path, err)
		}
		return &driver.WriteResult{UpdateTime: now}, nil
	}
	return nil, fmt.Errorf("dynamo: update %s: %w", path, driver.ErrContention)
}

// putVersioned writes a row guarded by the version observed when the
// current state was read: a fresh document requires the row to still be
// absent, an existing one requires the version to be unchanged.
func (s *Store) putVersioned(ctx context.Context, path string, data map[string]any, prior *item, now time.Time) error {
	next := &item{data: data, version: 1, createTime: now, updateTime: now}
	input := &dynamodb.PutItemInput{
		TableName:           aws.String(s.config.Table),
		ConditionExpression: aws.String("attribute_not_exists(#p)"),
		ExpressionAttributeNames: map[string]string{
			"#p": attrPath,
		},
	}
	if prior != nil {
		next.version = prior.version + 1
		next.createTime = prior.createTime
		input.ConditionExpression = aws.String("#v = :v")
		input.ExpressionAttributeNames = map[string]string{"#v": attrVersion}
		input.ExpressionAttributeValues = map[string]types.AttributeValue{
			":v": &types.AttributeValueMemberN{Value: strconv.FormatInt(prior.version, 10)},
		}
	}

	marshaled, err := marshalItem(path, next)
	if err != nil {
		return err
	}
	input.Item = marshaled
	_, err = s.client.PutItem(ctx, input)
	return err
}

func (s *Store) DeleteDocument(ctx context.Context, path string) (*driver.WriteResult, error) {
	if err := checkDocPath(path); err != nil {
		return nil, err
	}
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.config.Table),
		Key:       pathKey(path),
	})
	if err != nil {
		return nil, fmt.Errorf("dynamo: delete %s: %w", path, err)
	}
	return &driver.WriteResult{UpdateTime: s.now()}, nil
}

func (s *Store) Query(ctx context.Context, collection string, q driver.Query) ([]*driver.Snapshot, error) {
	if err := docpath.Validate(collection); err != nil {
		return nil, err
	}
	if !docpath.IsCollection(collection) {
		return nil, fmt.Errorf("dynamo: %q is not a collection path", collection)
	}

	input := &dynamodb.QueryInput{
		TableName:              aws.String(s.config.Table),
		IndexName:              aws.String(s.config.CollectionIndex),
		KeyConditionExpression: aws.String("#c = :c"),
		ExpressionAttributeNames: map[string]string{
			"#c": attrCollection,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":c": &types.AttributeValueMemberS{Value: collection},
		},
	}

	var snaps []*driver.Snapshot
	paginator := dynamodb.NewQueryPaginator(s.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("dynamo: query %s: %w", collection, err)
		}
		for _, raw := range page.Items {
			path := ""
			if v, ok := raw[attrPath].(*types.AttributeValueMemberS); ok {
				path = v.Value
			}
			it, err := unmarshalItem(path, raw)
			if err != nil {
				return nil, fmt.Errorf("dynamo: query %s: %w", collection, err)
			}
			snaps = append(snaps, snapshotOf(path, it))
		}
	}

	return driver.ApplyQuery(snaps, q)
}

// RunTransaction stages writes and commits them via TransactWriteItems
// guarded by version condition checks on every document the callback
// read. A concurrent writer cancels the transaction, which retries up to
// the attempt bound before reporting contention.
func (s *Store) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx driver.Tx) error) error {
	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		tx := &dynTx{store: s, readVersions: make(map[string]int64)}
		if err := fn(ctx, tx); err != nil {
			return err
		}
		err := s.commitTx(ctx, tx)
		if err == nil {
			return nil
		}
		if !isTransactionConflict(err) {
			return err
		}
	}
	return fmt.Errorf("dynamo: transaction: %w", driver.ErrContention)
}

type stagedWrite struct {
	kind  byte // 's', 'u', 'd'
	path  string
	data  map[string]any
	opts  driver.SetOptions
	patch map[string]any
}

type dynTx struct {
	store        *Store
	readVersions map[string]int64 // 0 marks a read of an absent document
	staged       []stagedWrite
}

func (t *dynTx) Get(ctx context.Context, path string) (*driver.Snapshot, error) {
	if len(t.staged) > 0 {
		return nil, driver.ErrReadAfterWrite
	}
	it, err := t.store.fetch(ctx, path)
	if errors.Is(err, driver.ErrNotFound) {
		t.readVersions[path] = 0
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	t.readVersions[path] = it.version
	return snapshotOf(path, it), nil
}

func (t *dynTx) Set(ctx context.Context, path string, data map[string]any, opts driver.SetOptions) error {
	if err := checkDocPath(path); err != nil {
		return err
	}
	t.staged = append(t.staged, stagedWrite{kind: 's', path: path, data: data, opts: opts})
	return nil
}

func (t *dynTx) Update(ctx context.Context, path string, patch map[string]any) error {
	if err := checkDocPath(path); err != nil {
		return err
	}
	t.staged = append(t.staged, stagedWrite{kind: 'u', path: path, patch: patch})
	return nil
}

func (t *dynTx) Delete(ctx context.Context, path string) error {
	if err := checkDocPath(path); err != nil {
		return err
	}
	t.staged = append(t.staged, stagedWrite{kind: 'd', path: path})
	return nil
}

// commitTx resolves the staged writes against the current store state and
// submits one TransactWriteItems call: a Put or Delete per written path,
// plus a version ConditionCheck per path that was only read.
func (s *Store) commitTx(ctx context.Context, tx *dynTx) error {
	now := s.now()
	written := make(map[string]bool, len(tx.staged))
	var items []types.TransactWriteItem

	for _, w := range tx.staged {
		written[w.path] = true
		twi, err := s.writeItem(ctx, w, tx.readVersions, now)
		if err != nil {
			return err
		}
		items = append(items, twi)
	}

	for path, version := range tx.readVersions {
		if written[path] {
			continue
		}
		items = append(items, versionCheck(s.config.Table, path, version))
	}
	if len(items) == 0 {
		return nil
	}

	_, err := s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: items,
	})
	return err
}

// writeItem turns one staged write into its transact item. Sets and
// updates resolve against the currently stored document; the version
// condition rejects the commit if that document moved underneath us.
func (s *Store) writeItem(ctx context.Context, w stagedWrite, readVersions map[string]int64, now time.Time) (types.TransactWriteItem, error) {
	if w.kind == 'd' {
		return types.TransactWriteItem{
			Delete: &types.Delete{
				TableName: aws.String(s.config.Table),
				Key:       pathKey(w.path),
			},
		}, nil
	}

	existing, err := s.fetch(ctx, w.path)
	if err != nil && !errors.Is(err, driver.ErrNotFound) {
		return types.TransactWriteItem{}, err
	}
	if seen, ok := readVersions[w.path]; ok {
		current := int64(0)
		if existing != nil {
			current = existing.version
		}
		if current != seen {
			return types.TransactWriteItem{}, fmt.Errorf("dynamo: %s: %w", w.path, driver.ErrContention)
		}
	}

	var data map[string]any
	switch w.kind {
	case 's':
		var existingData map[string]any
		if existing != nil {
			existingData = existing.data
		}
		data, err = driver.ApplySet(existingData, w.data, w.opts, now)
	default:
		if existing == nil {
			return types.TransactWriteItem{}, fmt.Errorf("dynamo: %s: %w", w.path, driver.ErrNotFound)
		}
		data, err = driver.ApplyPatch(existing.data, w.patch, now)
	}
	if err != nil {
		return types.TransactWriteItem{}, fmt.Errorf("dynamo: %s: %w", w.path, err)
	}

	next := &item{data: data, version: 1, createTime: now, updateTime: now}
	cond := "attribute_not_exists(#p)"
	names := map[string]string{"#p": attrPath}
	var values map[string]types.AttributeValue
	if existing != nil {
		next.version = existing.version + 1
		next.createTime = existing.createTime
		cond = "#v = :v"
		names = map[string]string{"#v": attrVersion}
		values = map[string]types.AttributeValue{
			":v": &types.AttributeValueMemberN{Value: strconv.FormatInt(existing.version, 10)},
		}
	}
	marshaled, err := marshalItem(w.path, next)
	if err != nil {
		return types.TransactWriteItem{}, err
	}
	return types.TransactWriteItem{
		Put: &types.Put{
			TableName:                 aws.String(s.config.Table),
			Item:                      marshaled,
			ConditionExpression:       aws.String(cond),
			ExpressionAttributeNames:  names,
			ExpressionAttributeValues: values,
		},
	}, nil
}

// versionCheck guards a read-only path: version unchanged, or still absent.
func versionCheck(table, path string, version int64) types.TransactWriteItem {
	check := &types.ConditionCheck{
		TableName: aws.String(table),
		Key:       pathKey(path),
	}
	if version == 0 {
		check.ConditionExpression = aws.String("attribute_not_exists(#p)")
		check.ExpressionAttributeNames = map[string]string{"#p": attrPath}
	} else {
		check.ConditionExpression = aws.String("#v = :v")
		check.ExpressionAttributeNames = map[string]string{"#v": attrVersion}
		check.ExpressionAttributeValues = map[string]types.AttributeValue{
			":v": &types.AttributeValueMemberN{Value: strconv.FormatInt(version, 10)},
		}
	}
	return types.TransactWriteItem{ConditionCheck: check}
}

func (s *Store) NewBatch() driver.Batch {
	return &dynBatch{store: s}
}

// dynBatch stages writes and commits them atomically in one
// TransactWriteItems call.
type dynBatch struct {
	store  *Store
	staged []stagedWrite
}

func (b *dynBatch) Set(path string, data map[string]any, opts driver.SetOptions) {
	b.staged = append(b.staged, stagedWrite{kind: 's', path: path, data: data, opts: opts})
}

func (b *dynBatch) Update(path string, patch map[string]any) {
	b.staged = append(b.staged, stagedWrite{kind: 'u', path: path, patch: patch})
}

func (b *dynBatch) Delete(path string) {
	b.staged = append(b.staged, stagedWrite{kind: 'd', path: path})
}

func (b *dynBatch) Len() int { return len(b.staged) }

func (b *dynBatch) Commit(ctx context.Context) ([]*driver.WriteResult, error) {
	if len(b.staged) == 0 {
		return nil, nil
	}
	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		now := b.store.now()
		items := make([]types.TransactWriteItem, 0, len(b.staged))
		for _, w := range b.staged {
			twi, err := b.store.writeItem(ctx, w, nil, now)
			if err != nil {
				return nil, err
			}
			items = append(items, twi)
		}
		_, err := b.store.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
			TransactItems: items,
		})
		if isTransactionConflict(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("dynamo: batch: %w", err)
		}
		results := make([]*driver.WriteResult, len(b.staged))
		for i := range results {
			results[i] = &driver.WriteResult{UpdateTime: now}
		}
		b.staged = nil
		return results, nil
	}
	return nil, fmt.Errorf("dynamo: batch: %w", driver.ErrContention)
}

func isVersionConflict(err error) bool {
	var condErr *types.ConditionalCheckFailedException
	return errors.As(err, &condErr)
}

// isTransactionConflict reports whether a transact call was cancelled by
// a failed condition check or a conflicting transaction.
func isTransactionConflict(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrContention) {
		return true
	}
	var txErr *types.TransactionCanceledException
	if errors.As(err, &txErr) {
		for _, reason := range txErr.CancellationReasons {
			if reason.Code != nil && *reason.Code == "ConditionalCheckFailed" {
				return true
			}
			if reason.Code != nil && *reason.Code == "TransactionConflict" {
				return true
			}
		}
	}
	var conflict *types.TransactionConflictException
	return errors.As(err, &conflict)
}

func pathKey(path string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		attrPath: &types.AttributeValueMemberS{Value: path},
	}
}

func marshalItem(path string, it *item) (map[string]types.AttributeValue, error) {
	docAttr, err := attributevalue.Marshal(driver.EncodeTree(it.data))
	if err != nil {
		return nil, fmt.Errorf("dynamo: marshal %s: %w", path, err)
	}
	return map[string]types.AttributeValue{
		attrPath:       &types.AttributeValueMemberS{Value: path},
		attrCollection: &types.AttributeValueMemberS{Value: docpath.Collection(path)},
		attrDoc:        docAttr,
		attrVersion:    &types.AttributeValueMemberN{Value: strconv.FormatInt(it.version, 10)},
		attrCreatedAt:  &types.AttributeValueMemberS{Value: it.createTime.UTC().Format(time.RFC3339Nano)},
		attrUpdatedAt:  &types.AttributeValueMemberS{Value: it.updateTime.UTC().Format(time.RFC3339Nano)},
	}, nil
}

func unmarshalItem(path string, raw map[string]types.AttributeValue) (*item, error) {
	it := &item{}
	if v, ok := raw[attrVersion].(*types.AttributeValueMemberN); ok {
		it.version, _ = strconv.ParseInt(v.Value, 10, 64)
	}
	if v, ok := raw[attrCreatedAt].(*types.AttributeValueMemberS); ok {
		it.createTime, _ = time.Parse(time.RFC3339Nano, v.Value)
	}
	if v, ok := raw[attrUpdatedAt].(*types.AttributeValueMemberS); ok {
		it.updateTime, _ = time.Parse(time.RFC3339Nano, v.Value)
	}

	var encoded map[string]any
	if v, ok := raw[attrDoc]; ok {
		if err := attributevalue.Unmarshal(v, &encoded); err != nil {
			return nil, fmt.Errorf("dynamo: unmarshal %s: %w", path, err)
		}
	}
	decoded, _ := driver.DecodeTree(encoded).(map[string]any)
	it.data = decoded
	return it, nil
}

func snapshotOf(path string, it *item) *driver.Snapshot {
	return &driver.Snapshot{
		Path:       path,
		Data:       it.data,
		CreateTime: it.createTime,
		UpdateTime: it.updateTime,
	}
}

func checkDocPath(path string) error {
	if err := docpath.Validate(path); err != nil {
		return err
	}
	if !docpath.IsDocument(path) {
		return fmt.Errorf("dynamo: %q is not a document path", path)
	}
	return nil
}
