package driver

import (
	"fmt"
	"strings"
	"time"
)

// ApplySet computes the document resulting from a set operation against the
// existing data (nil when the document does not exist). Transforms in the
// payload are resolved against the existing data using now as the write
// time. Drivers that materialize writes client-side (memory, bolt, dynamo)
// share this logic.
func ApplySet(existing, data map[string]any, opts SetOptions, now time.Time) (map[string]any, error) {
	var out map[string]any
	if opts.Merge && existing != nil {
		out = DeepCopy(existing)
	} else {
		out = make(map[string]any)
	}
	for k, v := range data {
		if t, ok := v.(Transform); ok {
			resolved, remove, err := resolveTransform(out[k], t, now)
			if err != nil {
				return nil, fmt.Errorf("field %q: %w", k, err)
			}
			if remove {
				delete(out, k)
			} else {
				out[k] = resolved
			}
			continue
		}
		out[k] = deepCopyValue(v)
	}
	return out, nil
}

// ApplyPatch computes the document resulting from a patch against existing
// data. Patch keys may be dotted paths.
func ApplyPatch(existing, patch map[string]any, now time.Time) (map[string]any, error) {
	out := DeepCopy(existing)
	for k, v := range patch {
		if t, ok := v.(Transform); ok {
			cur, _ := getPath(out, k)
			resolved, remove, err := resolveTransform(cur, t, now)
			if err != nil {
				return nil, fmt.Errorf("field %q: %w", k, err)
			}
			if remove {
				deletePath(out, k)
			} else {
				setPath(out, k, resolved)
			}
			continue
		}
		setPath(out, k, deepCopyValue(v))
	}
	return out, nil
}

func resolveTransform(current any, t Transform, now time.Time) (v any, remove bool, err error) {
	switch t.Op {
	case OpServerTimestamp:
		return now, false, nil
	case OpDelete:
		return nil, true, nil
	case OpIncrement:
		base, ok := toFloat(current)
		if current != nil && !ok {
			return nil, false, fmt.Errorf("increment on non-numeric value %T", current)
		}
		switch n := t.Operand.(type) {
		case int64:
			if _, isFloat := current.(float64); isFloat {
				return base + float64(n), false, nil
			}
			return int64(base) + n, false, nil
		case float64:
			return base + n, false, nil
		default:
			return nil, false, fmt.Errorf("increment operand must be int64 or float64, got %T", t.Operand)
		}
	case OpArrayUnion:
		elems, _ := t.Operand.([]any)
		arr, _ := current.([]any)
		out := make([]any, len(arr))
		copy(out, arr)
		for _, e := range elems {
			found := false
			for _, have := range out {
				if c, ok := compareValues(have, e); ok && c == 0 {
					found = true
					break
				}
			}
			if !found {
				out = append(out, deepCopyValue(e))
			}
		}
		return out, false, nil
	case OpArrayRemove:
		elems, _ := t.Operand.([]any)
		arr, _ := current.([]any)
		out := make([]any, 0, len(arr))
		for _, have := range arr {
			drop := false
			for _, e := range elems {
				if c, ok := compareValues(have, e); ok && c == 0 {
					drop = true
					break
				}
			}
			if !drop {
				out = append(out, have)
			}
		}
		return out, false, nil
	}
	return nil, false, fmt.Errorf("unknown transform op %d", t.Op)
}

// DeepCopy copies a document tree. Maps and slices are copied recursively;
// scalars, times, refs and geo points are immutable enough to share.
func DeepCopy(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return DeepCopy(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = deepCopyValue(e)
		}
		return out
	case *Ref:
		r := *t
		return &r
	default:
		return v
	}
}

func getPath(m map[string]any, path string) (any, bool) {
	segs := strings.Split(path, ".")
	var cur any = m
	for _, seg := range segs {
		mm, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = mm[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func setPath(m map[string]any, path string, v any) {
	segs := strings.Split(path, ".")
	cur := m
	for _, seg := range segs[:len(segs)-1] {
		next, ok := cur[seg].(map[string]any)
		if !ok {
			next = make(map[string]any)
			cur[seg] = next
		}
		cur = next
	}
	cur[segs[len(segs)-1]] = v
}

func deletePath(m map[string]any, path string) {
	segs := strings.Split(path, ".")
	cur := m
	for _, seg := range segs[:len(segs)-1] {
		next, ok := cur[seg].(map[string]any)
		if !ok {
			return
		}
		cur = next
	}
	delete(cur, segs[len(segs)-1])
}
