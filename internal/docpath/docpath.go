// Package docpath provides helpers for slash-separated document paths.
package docpath

import (
	"fmt"
	"strings"
)

// Join joins path segments, skipping empty ones.
func Join(parts ...string) string {
	nonEmpty := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			nonEmpty = append(nonEmpty, p)
		}
	}
	return strings.Join(nonEmpty, "/")
}

// Split splits a path into its segments.
func Split(path string) []string {
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

// IsDocument reports whether the path addresses a document.
// Document paths have an even number of segments (collection/key pairs).
func IsDocument(path string) bool {
	n := len(Split(path))
	return n > 0 && n%2 == 0
}

// IsCollection reports whether the path addresses a collection.
func IsCollection(path string) bool {
	n := len(Split(path))
	return n%2 == 1
}

// Key returns the final segment of a document path.
func Key(path string) string {
	segs := Split(path)
	if len(segs) == 0 {
		return ""
	}
	return segs[len(segs)-1]
}

// Collection returns the collection portion of a document path
// (everything up to the final segment).
func Collection(path string) string {
	segs := Split(path)
	if len(segs) < 2 {
		return ""
	}
	return strings.Join(segs[:len(segs)-1], "/")
}

// CollectionName returns the name of the collection a document belongs to,
// i.e. the second-to-last segment of a document path.
func CollectionName(path string) string {
	segs := Split(path)
	if len(segs) < 2 {
		return ""
	}
	return segs[len(segs)-2]
}

// ParentDocument returns the path of the document owning a nested document,
// or "" for documents in a top-level collection.
func ParentDocument(path string) string {
	segs := Split(path)
	if len(segs) < 4 {
		return ""
	}
	return strings.Join(segs[:len(segs)-2], "/")
}

// Validate checks that a path is well formed: non-empty, no leading or
// trailing slash, no empty segments.
func Validate(path string) error {
	if path == "" {
		return fmt.Errorf("docpath: empty path")
	}
	if strings.HasPrefix(path, "/") || strings.HasSuffix(path, "/") {
		return fmt.Errorf("docpath: path %q must not start or end with a slash", path)
	}
	for _, seg := range Split(path) {
		if seg == "" {
			return fmt.Errorf("docpath: path %q contains an empty segment", path)
		}
	}
	return nil
}
