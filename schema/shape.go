package schema

import (
	"fmt"
	"reflect"
	"regexp"
	"time"

	"github.com/Davileal/fireodm/driver"
)

// Issue is one validation problem, carrying the field path that caused it.
type Issue struct {
	Path    string
	Message string
}

func (i Issue) String() string {
	return i.Path + ": " + i.Message
}

var emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

// Validate checks a storage-ready plain document against the declared
// shape of a type. An empty result means the document is valid. Transform
// sentinels always pass: they resolve to store-written values the schema
// cannot see yet.
func (r *Registry) Validate(name string, data map[string]any) ([]Issue, error) {
	rt, err := r.Resolve(name)
	if err != nil {
		return nil, err
	}
	return rt.Check(data), nil
}

// Check validates a plain document against the resolved shape.
func (t *ResolvedType) Check(data map[string]any) []Issue {
	var issues []Issue
	for name, f := range t.Fields {
		v, present := data[name]
		if !present || v == nil {
			if f.Required {
				issues = append(issues, Issue{Path: name, Message: "value is required"})
			}
			continue
		}
		if driver.IsTransform(v) {
			continue
		}
		issues = append(issues, checkKind(f, v)...)
	}
	return issues
}

func checkKind(f Field, v any) []Issue {
	switch f.Kind {
	case KindString:
		s, ok := v.(string)
		if !ok {
			return kindMismatch(f, v)
		}
		return checkString(f, s)
	case KindInt:
		switch v.(type) {
		case int, int32, int64:
			return checkBounds(f, numeric(v))
		}
		return kindMismatch(f, v)
	case KindFloat:
		switch v.(type) {
		case int, int32, int64, float32, float64:
			return checkBounds(f, numeric(v))
		}
		return kindMismatch(f, v)
	case KindBool:
		if _, ok := v.(bool); !ok {
			return kindMismatch(f, v)
		}
	case KindTime:
		if _, ok := v.(time.Time); !ok {
			return kindMismatch(f, v)
		}
	case KindGeoPoint:
		if _, ok := v.(driver.GeoPoint); !ok {
			return kindMismatch(f, v)
		}
	case KindArray:
		k := reflect.ValueOf(v).Kind()
		if k != reflect.Slice && k != reflect.Array {
			return kindMismatch(f, v)
		}
	case KindMap:
		if _, ok := v.(map[string]any); !ok {
			return kindMismatch(f, v)
		}
	case KindReference:
		if _, ok := v.(*driver.Ref); !ok {
			return []Issue{{Path: f.Name, Message: fmt.Sprintf("expected a document reference, got %T", v)}}
		}
	case KindEnum:
		s, ok := v.(string)
		if !ok {
			return kindMismatch(f, v)
		}
		for _, allowed := range f.Enum {
			if s == allowed {
				return nil
			}
		}
		return []Issue{{Path: f.Name, Message: fmt.Sprintf("value %q is not one of %v", s, f.Enum)}}
	}
	return nil
}

func checkString(f Field, s string) []Issue {
	var issues []Issue
	n := float64(len(s))
	if f.Min != nil && n < *f.Min {
		issues = append(issues, Issue{Path: f.Name, Message: fmt.Sprintf("length %d is below minimum %v", len(s), *f.Min)})
	}
	if f.Max != nil && n > *f.Max {
		issues = append(issues, Issue{Path: f.Name, Message: fmt.Sprintf("length %d exceeds maximum %v", len(s), *f.Max)})
	}
	if f.Format == FormatEmail && !emailPattern.MatchString(s) {
		issues = append(issues, Issue{Path: f.Name, Message: fmt.Sprintf("%q is not a valid email address", s)})
	}
	return issues
}

func checkBounds(f Field, n float64) []Issue {
	var issues []Issue
	if f.Min != nil && n < *f.Min {
		issues = append(issues, Issue{Path: f.Name, Message: fmt.Sprintf("value %v is below minimum %v", n, *f.Min)})
	}
	if f.Max != nil && n > *f.Max {
		issues = append(issues, Issue{Path: f.Name, Message: fmt.Sprintf("value %v exceeds maximum %v", n, *f.Max)})
	}
	return issues
}

func kindMismatch(f Field, v any) []Issue {
	return []Issue{{Path: f.Name, Message: fmt.Sprintf("expected %s, got %T", f.Kind, v)}}
}

func numeric(v any) float64 {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case float32:
		return float64(n)
	case float64:
		return n
	}
	return 0
}
