package schema_test

import (
	"errors"
	"testing"

	"github.com/Davileal/fireodm/schema"
)

func TestRegister_Validation(t *testing.T) {
	r := schema.NewRegistry()

	if err := r.Register("", schema.TypeDef{Collection: "x"}); err == nil {
		t.Error("expected error for empty name")
	}
	if err := r.Register("both", schema.TypeDef{Collection: "a", Subpath: "b", Parent: "p"}); err == nil {
		t.Error("expected error for both collection and subpath")
	}
	if err := r.Register("orphan", schema.TypeDef{Subpath: "posts"}); err == nil {
		t.Error("expected error for subpath without parent")
	}
	if err := r.Register("badenum", schema.TypeDef{
		Collection: "x",
		Fields:     []schema.Field{{Name: "s", Kind: schema.KindEnum}},
	}); err == nil {
		t.Error("expected error for enum without values")
	}
}

func TestResolve_Unknown(t *testing.T) {
	r := schema.NewRegistry()
	if _, err := r.Resolve("nope"); !errors.Is(err, schema.ErrUnknownType) {
		t.Fatalf("expected ErrUnknownType, got %v", err)
	}
}

func TestResolve_NoLocationSurfacesAtFirstUse(t *testing.T) {
	r := schema.NewRegistry()
	// Registration accepts the missing location; resolution rejects it.
	if err := r.Register("abstract", schema.TypeDef{
		Fields: []schema.Field{{Name: "name", Kind: schema.KindString}},
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := r.Resolve("abstract"); !errors.Is(err, schema.ErrNoLocation) {
		t.Fatalf("expected ErrNoLocation, got %v", err)
	}
}

func TestResolve_AncestryMergeAndOverride(t *testing.T) {
	r := schema.NewRegistry()
	r.MustRegister("animal", schema.TypeDef{
		Collection: "animals",
		Fields: []schema.Field{
			{Name: "name", Kind: schema.KindString, Required: true},
			{Name: "legs", Kind: schema.KindInt},
		},
		Relations: []schema.Relation{
			{FieldName: "owner", TargetType: "person"},
		},
	})
	r.MustRegister("dog", schema.TypeDef{
		Base:       "animal",
		Collection: "dogs",
		Fields: []schema.Field{
			{Name: "legs", Kind: schema.KindInt, Default: 4},
			{Name: "breed", Kind: schema.KindString},
		},
	})

	rt, err := r.Resolve("dog")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if rt.Collection != "dogs" {
		t.Errorf("Collection = %q, want override 'dogs'", rt.Collection)
	}
	if len(rt.Fields) != 3 {
		t.Errorf("expected 3 merged fields, got %d", len(rt.Fields))
	}
	if rt.Fields["legs"].Default != 4 {
		t.Errorf("override closer to the concrete type must win, got %v", rt.Fields["legs"].Default)
	}
	if !rt.Fields["name"].Required {
		t.Error("inherited field lost its constraints")
	}
	if _, ok := rt.Relations["owner"]; !ok {
		t.Error("inherited relation missing")
	}
}

func TestResolve_CacheInvalidationOnReRegister(t *testing.T) {
	r := schema.NewRegistry()
	r.MustRegister("thing", schema.TypeDef{Collection: "things"})

	rt, _ := r.Resolve("thing")
	if rt.Collection != "things" {
		t.Fatalf("Collection = %q", rt.Collection)
	}

	r.MustRegister("thing", schema.TypeDef{Collection: "objects"})
	rt, _ = r.Resolve("thing")
	if rt.Collection != "objects" {
		t.Errorf("stale cache entry after re-register: %q", rt.Collection)
	}
}

func TestResolve_BaseCycle(t *testing.T) {
	r := schema.NewRegistry()
	r.MustRegister("a", schema.TypeDef{Base: "b", Collection: "as"})
	r.MustRegister("b", schema.TypeDef{Base: "a", Collection: "bs"})
	if _, err := r.Resolve("a"); err == nil {
		t.Fatal("expected cycle error")
	}
}

func TestFindByLocation(t *testing.T) {
	r := schema.NewRegistry()
	r.MustRegister("user", schema.TypeDef{Collection: "users"})
	r.MustRegister("post", schema.TypeDef{Subpath: "posts", Parent: "user"})

	if rt, ok := r.FindByLocation("users"); !ok || rt.Name != "user" {
		t.Errorf("FindByLocation(users) = %v, %v", rt, ok)
	}
	if rt, ok := r.FindByLocation("posts"); !ok || rt.Name != "post" {
		t.Errorf("FindByLocation(posts) = %v, %v", rt, ok)
	}
	if _, ok := r.FindByLocation("nope"); ok {
		t.Error("expected no match")
	}
}
