package odm

import (
	"context"
	"testing"

	"github.com/Davileal/fireodm/driver"
	"github.com/Davileal/fireodm/driver/memory"
	"github.com/Davileal/fireodm/schema"
)

func savedPair(t *testing.T, db *DB) (user, company *Doc) {
	t.Helper()
	company = New("company", map[string]any{"name": "Acme"})
	mustSave(t, db, company)

	ref, err := db.RefOf(company)
	if err != nil {
		t.Fatalf("ref: %v", err)
	}
	user = New("user", map[string]any{"email": "ada@example.com"})
	user.Set("company", ref)
	mustSave(t, db, user)
	return user, company
}

func TestPopulateResolvesPointer(t *testing.T) {
	db, _ := newTestDB(t)
	ctx := context.Background()

	u, co := savedPair(t, db)

	got, err := db.Get(ctx, "user", u.Key(), WithPopulate("company"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	target := got.GetDoc("company")
	if target == nil {
		t.Fatalf("company not resolved: %v", got.Get("company"))
	}
	if target.Key() != co.Key() || target.GetString("name") != "Acme" {
		t.Errorf("resolved wrong target: %s %q", target.Key(), target.GetString("name"))
	}
}

func TestPopulateCachesResolution(t *testing.T) {
	db, store := newTestDB(t)
	ctx := context.Background()

	u, _ := savedPair(t, db)

	got, err := db.Get(ctx, "user", u.Key())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	store.ResetCounters()

	if err := db.Populate(ctx, got, "company"); err != nil {
		t.Fatalf("populate: %v", err)
	}
	if store.Reads() != 1 {
		t.Fatalf("first populate should read once, read %d times", store.Reads())
	}

	if err := db.Populate(ctx, got, "company"); err != nil {
		t.Fatalf("populate: %v", err)
	}
	if store.Reads() != 1 {
		t.Errorf("second populate must hit the cache, read %d times", store.Reads())
	}
}

func TestPopulateDanglingPointer(t *testing.T) {
	db, _ := newTestDB(t)
	ctx := context.Background()

	u := New("user", map[string]any{"email": "ada@example.com"})
	u.Set("company", &driver.Ref{Collection: "companies", Key: "gone"})
	mustSave(t, db, u)

	got, err := db.Get(ctx, "user", u.Key(), WithPopulate("company"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if v := got.Get("company"); v != nil {
		t.Errorf("dangling pointer must resolve to nil, got %v", v)
	}
	if _, cached := got.CachedRelation("company"); !cached {
		t.Error("nil resolution must be cached")
	}

	// A repeat resolve is served from the cache and must yield the same
	// untyped nil, not a typed nil instance pointer.
	if err := db.Populate(ctx, got, "company"); err != nil {
		t.Fatalf("repeat populate: %v", err)
	}
	if v := got.Get("company"); v != nil {
		t.Errorf("cached nil resolution must stay nil, got %#v", v)
	}
}

func TestPopulateAbsentRelation(t *testing.T) {
	db, _ := newTestDB(t)
	ctx := context.Background()

	u := New("user", map[string]any{"email": "ada@example.com"})
	mustSave(t, db, u)

	got, err := db.Get(ctx, "user", u.Key(), WithPopulate("company"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if v := got.Get("company"); v != nil {
		t.Errorf("absent relation resolves to nil, got %v", v)
	}
}

func TestPopulateUnknownField(t *testing.T) {
	db, _ := newTestDB(t)

	u := New("user", map[string]any{"email": "ada@example.com"})
	mustSave(t, db, u)

	err := db.Populate(context.Background(), u, "nope")
	if err == nil {
		t.Fatal("expected an error for an undeclared field")
	}
}

func TestEagerRelationResolvesOnFetch(t *testing.T) {
	reg := schema.NewRegistry()
	reg.MustRegister("author", schema.TypeDef{
		Collection: "authors",
		Fields:     []schema.Field{{Name: "name", Kind: schema.KindString}},
	})
	reg.MustRegister("book", schema.TypeDef{
		Collection: "books",
		Fields:     []schema.Field{{Name: "title", Kind: schema.KindString}},
		Relations:  []schema.Relation{{FieldName: "author", TargetType: "author"}},
	})
	db := Open(reg, memory.New())
	ctx := context.Background()

	a := New("author", map[string]any{"name": "Ada"})
	mustSave(t, db, a)
	ref, err := db.RefOf(a)
	if err != nil {
		t.Fatalf("ref: %v", err)
	}
	b := New("book", map[string]any{"title": "Notes"})
	b.Set("author", ref)
	mustSave(t, db, b)

	got, err := db.Get(ctx, "book", b.Key())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.GetDoc("author") == nil {
		t.Error("non-lazy relation was not resolved on fetch")
	}
}

func TestPopulateSingleSubcollection(t *testing.T) {
	db, _ := newTestDB(t)
	ctx := context.Background()

	u := New("user", map[string]any{"email": "ada@example.com"})
	mustSave(t, db, u)

	p := New("profile", map[string]any{"bio": "mathematician"})
	p.SetParent(u)
	p.SetKey("main")
	mustSave(t, db, p)

	if err := db.Populate(ctx, u, "profile"); err != nil {
		t.Fatalf("populate: %v", err)
	}
	prof := u.GetDoc("profile")
	if prof == nil {
		t.Fatalf("profile not resolved: %v", u.Get("profile"))
	}
	if prof.GetString("bio") != "mathematician" {
		t.Errorf("bio = %q", prof.GetString("bio"))
	}
	if prof.Parent() != u {
		t.Error("resolved child is not linked to its parent")
	}
}

func TestPopulateSingleSubcollectionMissing(t *testing.T) {
	db, _ := newTestDB(t)
	ctx := context.Background()

	u := New("user", map[string]any{"email": "ada@example.com"})
	mustSave(t, db, u)

	if err := db.Populate(ctx, u, "profile"); err != nil {
		t.Fatalf("populate: %v", err)
	}
	if v := u.Get("profile"); v != nil {
		t.Errorf("missing single subcollection resolves to nil, got %v", v)
	}
}

func TestPopulateSingleSubcollectionFailureIsContained(t *testing.T) {
	db, _ := newTestDB(t)
	ctx := context.Background()

	// Unsaved instance: the parent path cannot resolve, so the fetch
	// fails before it starts. The failure stays contained: nil field,
	// cached, no error out of Populate.
	u := New("user", map[string]any{"email": "ada@example.com"})
	if err := db.Populate(ctx, u, "profile"); err != nil {
		t.Fatalf("populate: %v", err)
	}
	if v := u.Get("profile"); v != nil {
		t.Errorf("failed resolution must set the field to nil, got %#v", v)
	}
	if _, cached := u.CachedRelation("profile"); !cached {
		t.Error("failed resolution must be cached as nil")
	}
}

func TestSubcollectionQuery(t *testing.T) {
	db, _ := newTestDB(t)
	ctx := context.Background()

	u := New("user", map[string]any{"email": "ada@example.com"})
	mustSave(t, db, u)
	for i, title := range []string{"first", "second", "third"} {
		p := New("post", map[string]any{"title": title, "views": int64(i * 10)})
		p.SetParent(u)
		mustSave(t, db, p)
	}

	all, err := db.Subcollection(ctx, u, "posts", nil)
	if err != nil {
		t.Fatalf("subcollection: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("got %d posts, want 3", len(all))
	}
	for _, p := range all {
		if p.Type() != "post" || p.Parent() != u {
			t.Errorf("bad row: type=%s parent=%v", p.Type(), p.Parent())
		}
	}

	popular, err := db.Subcollection(ctx, u, "posts", func(q driver.Query) driver.Query {
		return q.Where("views", driver.OpGreater, int64(5)).OrderBy("views", true)
	})
	if err != nil {
		t.Fatalf("subcollection: %v", err)
	}
	if len(popular) != 2 {
		t.Fatalf("got %d popular posts, want 2", len(popular))
	}
	if popular[0].GetInt("views") != 20 {
		t.Errorf("descending order broken: first views = %d", popular[0].GetInt("views"))
	}
}
