package driver

import (
	"testing"
	"time"
)

var now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func TestApplySet_Overwrite(t *testing.T) {
	existing := map[string]any{"a": 1, "b": 2}
	got, err := ApplySet(existing, map[string]any{"a": 9}, SetOptions{}, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 || got["a"] != 9 {
		t.Errorf("overwrite should drop unnamed fields, got %v", got)
	}
}

func TestApplySet_Merge(t *testing.T) {
	existing := map[string]any{"a": 1, "b": 2}
	got, err := ApplySet(existing, map[string]any{"a": 9}, SetOptions{Merge: true}, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got["a"] != 9 || got["b"] != 2 {
		t.Errorf("merge should keep b, got %v", got)
	}
}

func TestApplySet_Transforms(t *testing.T) {
	existing := map[string]any{"count": int64(2), "tags": []any{"x"}}
	got, err := ApplySet(existing, map[string]any{
		"count": Increment(3),
		"at":    ServerTimestamp,
		"tags":  ArrayUnion("x", "y"),
	}, SetOptions{Merge: true}, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got["count"] != int64(5) {
		t.Errorf("count = %v, want 5", got["count"])
	}
	if got["at"] != now {
		t.Errorf("at = %v, want %v", got["at"], now)
	}
	tags := got["tags"].([]any)
	if len(tags) != 2 || tags[1] != "y" {
		t.Errorf("tags = %v, want [x y]", tags)
	}
}

func TestApplyPatch_DottedAndDelete(t *testing.T) {
	existing := map[string]any{
		"profile": map[string]any{"city": "x", "zip": "1"},
		"gone":    true,
	}
	got, err := ApplyPatch(existing, map[string]any{
		"profile.city": "y",
		"gone":         DeleteField,
	}, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	profile := got["profile"].(map[string]any)
	if profile["city"] != "y" || profile["zip"] != "1" {
		t.Errorf("profile = %v", profile)
	}
	if _, ok := got["gone"]; ok {
		t.Error("gone should be removed")
	}
	// Source must not be mutated.
	if existing["profile"].(map[string]any)["city"] != "x" {
		t.Error("patch mutated the existing document")
	}
}

func TestApplyPatch_ArrayRemove(t *testing.T) {
	existing := map[string]any{"tags": []any{"a", "b", "a"}}
	got, err := ApplyPatch(existing, map[string]any{"tags": ArrayRemove("a")}, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tags := got["tags"].([]any)
	if len(tags) != 1 || tags[0] != "b" {
		t.Errorf("tags = %v, want [b]", tags)
	}
}

func TestEncodeDecodeTree(t *testing.T) {
	ref := &Ref{Collection: "users", Key: "u1"}
	in := map[string]any{
		"ref":  ref,
		"geo":  GeoPoint{Latitude: 1.5, Longitude: -2.5},
		"at":   now,
		"deep": map[string]any{"list": []any{ref}},
	}
	out := DecodeTree(EncodeTree(in)).(map[string]any)

	gotRef, ok := out["ref"].(*Ref)
	if !ok || gotRef.Path() != "users/u1" {
		t.Errorf("ref = %#v", out["ref"])
	}
	gotGeo, ok := out["geo"].(GeoPoint)
	if !ok || gotGeo.Latitude != 1.5 {
		t.Errorf("geo = %#v", out["geo"])
	}
	gotAt, ok := out["at"].(time.Time)
	if !ok || !gotAt.Equal(now) {
		t.Errorf("at = %#v", out["at"])
	}
	inner := out["deep"].(map[string]any)["list"].([]any)
	if _, ok := inner[0].(*Ref); !ok {
		t.Errorf("nested ref = %#v", inner[0])
	}
}
