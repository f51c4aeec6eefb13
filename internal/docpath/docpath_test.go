package docpath

import "testing"

func TestJoin(t *testing.T) {
	if got := Join("users", "u1"); got != "users/u1" {
		t.Errorf("expected 'users/u1', got %q", got)
	}
	if got := Join("users", "u1", "posts", "p1"); got != "users/u1/posts/p1" {
		t.Errorf("expected 'users/u1/posts/p1', got %q", got)
	}
	if got := Join("", "users", ""); got != "users" {
		t.Errorf("expected 'users', got %q", got)
	}
}

func TestIsDocumentIsCollection(t *testing.T) {
	cases := []struct {
		path  string
		isDoc bool
	}{
		{"users/u1", true},
		{"users", false},
		{"users/u1/posts", false},
		{"users/u1/posts/p1", true},
	}
	for _, c := range cases {
		if got := IsDocument(c.path); got != c.isDoc {
			t.Errorf("IsDocument(%q) = %v, want %v", c.path, got, c.isDoc)
		}
		if got := IsCollection(c.path); got == c.isDoc {
			t.Errorf("IsCollection(%q) = %v, want %v", c.path, got, !c.isDoc)
		}
	}
}

func TestKeyCollection(t *testing.T) {
	path := "users/u1/posts/p1"
	if got := Key(path); got != "p1" {
		t.Errorf("Key = %q, want 'p1'", got)
	}
	if got := Collection(path); got != "users/u1/posts" {
		t.Errorf("Collection = %q, want 'users/u1/posts'", got)
	}
	if got := CollectionName(path); got != "posts" {
		t.Errorf("CollectionName = %q, want 'posts'", got)
	}
	if got := ParentDocument(path); got != "users/u1" {
		t.Errorf("ParentDocument = %q, want 'users/u1'", got)
	}
	if got := ParentDocument("users/u1"); got != "" {
		t.Errorf("ParentDocument of top-level doc = %q, want ''", got)
	}
}

func TestValidate(t *testing.T) {
	if err := Validate("users/u1"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	for _, bad := range []string{"", "/users", "users/", "users//u1"} {
		if err := Validate(bad); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}
