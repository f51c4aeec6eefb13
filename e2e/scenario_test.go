// Package e2e runs full library scenarios over the embeddable drivers.
// Backend-specific integration tests live behind the e2e build tag.
package e2e

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Davileal/fireodm/driver"
	"github.com/Davileal/fireodm/driver/bolt"
	"github.com/Davileal/fireodm/driver/memory"
	"github.com/Davileal/fireodm/odm"
	"github.com/Davileal/fireodm/schema"
)

func blogRegistry(t *testing.T) *schema.Registry {
	t.Helper()
	reg := schema.NewRegistry()
	reg.MustRegister("author", schema.TypeDef{
		Collection: "authors",
		Fields: []schema.Field{
			{Name: "email", Kind: schema.KindString, Required: true, Format: schema.FormatEmail},
			{Name: "name", Kind: schema.KindString},
			{Name: "isActive", Kind: schema.KindBool, Default: true},
			{Name: "joinedAt", Kind: schema.KindTime, Default: schema.Now},
		},
	})
	reg.MustRegister("article", schema.TypeDef{
		Collection: "articles",
		Fields: []schema.Field{
			{Name: "title", Kind: schema.KindString, Required: true},
			{Name: "views", Kind: schema.KindInt, Min: schema.Bound(0)},
			{Name: "tags", Kind: schema.KindArray},
		},
		Relations: []schema.Relation{
			{FieldName: "author", TargetType: "author", Lazy: true},
		},
		Subcollections: []schema.Subcollection{
			{FieldName: "comments", Subpath: "comments", ChildType: "comment"},
		},
	})
	reg.MustRegister("comment", schema.TypeDef{
		Subpath: "comments",
		Parent:  "article",
		Fields: []schema.Field{
			{Name: "body", Kind: schema.KindString, Required: true},
		},
	})
	return reg
}

func eachDriver(t *testing.T, fn func(t *testing.T, drv driver.Driver)) {
	t.Helper()
	t.Run("memory", func(t *testing.T) {
		fn(t, memory.New())
	})
	t.Run("bolt", func(t *testing.T) {
		store, err := bolt.Open(filepath.Join(t.TempDir(), "fireodm.db"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = store.Close() })
		fn(t, store)
	})
}

func TestBlogLifecycle(t *testing.T) {
	eachDriver(t, func(t *testing.T, drv driver.Driver) {
		db := odm.Open(blogRegistry(t), drv)
		ctx := context.Background()

		author := odm.New("author", map[string]any{
			"email": "ada@example.com",
			"name":  "Ada",
		})
		_, err := db.Save(ctx, author)
		require.NoError(t, err)
		require.NotEmpty(t, author.Key())

		ref, err := db.RefOf(author)
		require.NoError(t, err)

		article := odm.New("article", map[string]any{
			"title": "Notes on the Analytical Engine",
			"views": int64(0),
			"tags":  []any{"history"},
		})
		article.Set("author", ref)
		_, err = db.Save(ctx, article)
		require.NoError(t, err)

		// Defaults landed.
		got, err := db.Get(ctx, "author", author.Key())
		require.NoError(t, err)
		require.True(t, got.GetBool("isActive"))
		require.False(t, got.GetTime("joinedAt").IsZero())

		// Relation resolves on demand and caches.
		fetched, err := db.Get(ctx, "article", article.Key(), odm.WithPopulate("author"))
		require.NoError(t, err)
		target := fetched.GetDoc("author")
		require.NotNil(t, target)
		require.Equal(t, "Ada", target.GetString("name"))

		// Partial update with transforms.
		_, err = db.Update(ctx, article, map[string]any{
			"views": driver.Increment(5),
			"tags":  driver.ArrayUnion("computing"),
		})
		require.NoError(t, err)

		fetched, err = db.Get(ctx, "article", article.Key())
		require.NoError(t, err)
		require.EqualValues(t, 5, fetched.GetInt("views"))
		require.ElementsMatch(t, []any{"history", "computing"}, fetched.Get("tags"))

		// Subcollection round trip.
		comment := odm.New("comment", map[string]any{"body": "fascinating"})
		comment.SetParent(article)
		_, err = db.Save(ctx, comment)
		require.NoError(t, err)

		comments, err := db.Subcollection(ctx, article, "comments", nil)
		require.NoError(t, err)
		require.Len(t, comments, 1)
		require.Equal(t, "fascinating", comments[0].GetString("body"))

		// Cascade delete clears the subtree.
		_, err = db.Delete(ctx, article, odm.WithCascade())
		require.NoError(t, err)
		gone, err := db.Get(ctx, "article", fetched.Key())
		require.NoError(t, err)
		require.Nil(t, gone)
	})
}

func TestValidationRejectsBadDocuments(t *testing.T) {
	eachDriver(t, func(t *testing.T, drv driver.Driver) {
		db := odm.Open(blogRegistry(t), drv)
		ctx := context.Background()

		a := odm.New("author", map[string]any{"email": "not-an-email"})
		_, err := db.Save(ctx, a)
		var verr *odm.ValidationError
		require.ErrorAs(t, err, &verr)
		require.Equal(t, "author", verr.Type)
		require.Empty(t, a.Key())

		missing := odm.New("article", map[string]any{"views": int64(3)})
		_, err = db.Save(ctx, missing)
		require.ErrorAs(t, err, &verr)
	})
}

func TestQueryShapes(t *testing.T) {
	eachDriver(t, func(t *testing.T, drv driver.Driver) {
		db := odm.Open(blogRegistry(t), drv)
		ctx := context.Background()

		for i, title := range []string{"alpha", "bravo", "charlie", "delta", "echo"} {
			a := odm.New("article", map[string]any{
				"title": title,
				"views": int64(i * 10),
			})
			_, err := db.Save(ctx, a)
			require.NoError(t, err)
		}

		res, err := db.Find(ctx, "article", odm.FindInput{
			Filters: []driver.Filter{{Field: "views", Op: driver.OpGreaterEqual, Value: int64(20)}},
			OrderBy: []driver.Order{{Field: "views", Desc: true}},
			Limit:   2,
		})
		require.NoError(t, err)
		require.Len(t, res.Docs, 2)
		require.Equal(t, "echo", res.Docs[0].GetString("title"))
		require.Equal(t, "delta", res.Docs[1].GetString("title"))

		next, err := db.FindPage(ctx, "article", odm.FindInput{
			Filters: []driver.Filter{{Field: "views", Op: driver.OpGreaterEqual, Value: int64(20)}},
			OrderBy: []driver.Order{{Field: "views", Desc: true}},
			Limit:   2,
		}, res)
		require.NoError(t, err)
		require.Len(t, next.Docs, 1)
		require.Equal(t, "charlie", next.Docs[0].GetString("title"))
	})
}

func TestTransactionalTransfer(t *testing.T) {
	eachDriver(t, func(t *testing.T, drv driver.Driver) {
		db := odm.Open(blogRegistry(t), drv)
		ctx := context.Background()

		src := odm.New("article", map[string]any{"title": "source", "views": int64(10)})
		dst := odm.New("article", map[string]any{"title": "sink", "views": int64(0)})
		_, err := db.Save(ctx, src)
		require.NoError(t, err)
		_, err = db.Save(ctx, dst)
		require.NoError(t, err)

		err = db.RunInTransaction(ctx, func(ctx context.Context) error {
			from, err := db.Get(ctx, "article", src.Key())
			if err != nil {
				return err
			}
			to, err := db.Get(ctx, "article", dst.Key())
			if err != nil {
				return err
			}
			if _, err := db.Update(ctx, from, map[string]any{"views": from.GetInt("views") - 10}); err != nil {
				return err
			}
			_, err = db.Update(ctx, to, map[string]any{"views": to.GetInt("views") + 10})
			return err
		})
		require.NoError(t, err)

		after, err := db.Get(ctx, "article", dst.Key())
		require.NoError(t, err)
		require.EqualValues(t, 10, after.GetInt("views"))
	})
}

func TestBatchWritesAreAtomic(t *testing.T) {
	eachDriver(t, func(t *testing.T, drv driver.Driver) {
		db := odm.Open(blogRegistry(t), drv)
		ctx := context.Background()

		out, err := db.RunInBatch(ctx, func(ctx context.Context) (any, error) {
			for _, title := range []string{"one", "two", "three"} {
				a := odm.New("article", map[string]any{"title": title})
				if _, err := db.Save(ctx, a); err != nil {
					return nil, err
				}
			}
			return "seeded", nil
		})
		require.NoError(t, err)
		require.Equal(t, "seeded", out.CallbackResult)
		require.Len(t, out.CommitResults, 3)

		res, err := db.Find(ctx, "article", odm.FindInput{})
		require.NoError(t, err)
		require.Len(t, res.Docs, 3)
	})
}
