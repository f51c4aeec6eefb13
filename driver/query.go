package driver

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"
)

// KeyField is the pseudo-field name that orders or filters on the
// document key instead of a data field.
const KeyField = "__name__"

// Op is a filter comparison operator.
type Op string

const (
	OpEqual         Op = "=="
	OpNotEqual      Op = "!="
	OpLess          Op = "<"
	OpLessOrEqual   Op = "<="
	OpGreater       Op = ">"
	OpGreaterEqual  Op = ">="
	OpIn            Op = "in"
	OpArrayContains Op = "array-contains"
)

// Filter is one field comparison.
type Filter struct {
	Field string
	Op    Op
	Value any
}

// Order is one sort clause.
type Order struct {
	Field string
	Desc  bool
}

// Query describes a collection query: filters, ordering, cursors and a
// limit. Cursor values correspond positionally to the Orders clauses.
type Query struct {
	Filters []Filter
	Orders  []Order

	StartAt    []any
	StartAfter []any
	EndAt      []any
	EndBefore  []any

	Limit int
}

// Where appends a filter and returns the query for chaining.
func (q Query) Where(field string, op Op, value any) Query {
	q.Filters = append(q.Filters, Filter{Field: field, Op: op, Value: value})
	return q
}

// OrderBy appends a sort clause and returns the query for chaining.
func (q Query) OrderBy(field string, desc bool) Query {
	q.Orders = append(q.Orders, Order{Field: field, Desc: desc})
	return q
}

// WithLimit sets the row limit and returns the query for chaining.
func (q Query) WithLimit(n int) Query {
	q.Limit = n
	return q
}

// ApplyQuery evaluates q against a slice of snapshots: filtering, multi-key
// ordering, cursor slicing and limit. Drivers without native support for
// part of the query shape delegate to it.
func ApplyQuery(snaps []*Snapshot, q Query) ([]*Snapshot, error) {
	out := make([]*Snapshot, 0, len(snaps))
	for _, s := range snaps {
		ok, err := matchesAll(s, q.Filters)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, s)
		}
	}

	orders := q.Orders
	if len(orders) == 0 && (q.StartAt != nil || q.StartAfter != nil || q.EndAt != nil || q.EndBefore != nil) {
		orders = []Order{{Field: KeyField}}
	}
	if len(orders) > 0 {
		var sortErr error
		sort.SliceStable(out, func(i, j int) bool {
			c, err := compareByOrders(out[i], out[j], orders)
			if err != nil && sortErr == nil {
				sortErr = err
			}
			return c < 0
		})
		if sortErr != nil {
			return nil, sortErr
		}
	}

	if q.StartAt != nil || q.StartAfter != nil {
		i := 0
		for ; i < len(out); i++ {
			c, err := compareToCursor(out[i], orders, firstNonNil(q.StartAfter, q.StartAt))
			if err != nil {
				return nil, err
			}
			if q.StartAfter != nil && c > 0 {
				break
			}
			if q.StartAfter == nil && c >= 0 {
				break
			}
		}
		out = out[i:]
	}
	if q.EndAt != nil || q.EndBefore != nil {
		i := len(out)
		for ; i > 0; i-- {
			c, err := compareToCursor(out[i-1], orders, firstNonNil(q.EndBefore, q.EndAt))
			if err != nil {
				return nil, err
			}
			if q.EndBefore != nil && c < 0 {
				break
			}
			if q.EndBefore == nil && c <= 0 {
				break
			}
		}
		out = out[:i]
	}

	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func firstNonNil(a, b []any) []any {
	if a != nil {
		return a
	}
	return b
}

func matchesAll(s *Snapshot, filters []Filter) (bool, error) {
	for _, f := range filters {
		ok, err := matches(s, f)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func matches(s *Snapshot, f Filter) (bool, error) {
	v := FieldValue(s, f.Field)
	switch f.Op {
	case OpIn:
		want := reflect.ValueOf(f.Value)
		if want.Kind() != reflect.Slice {
			return false, fmt.Errorf("driver: 'in' filter on %q requires a slice value", f.Field)
		}
		for i := 0; i < want.Len(); i++ {
			if c, ok := compareValues(v, want.Index(i).Interface()); ok && c == 0 {
				return true, nil
			}
		}
		return false, nil
	case OpArrayContains:
		have := reflect.ValueOf(v)
		if !have.IsValid() || have.Kind() != reflect.Slice {
			return false, nil
		}
		for i := 0; i < have.Len(); i++ {
			if c, ok := compareValues(have.Index(i).Interface(), f.Value); ok && c == 0 {
				return true, nil
			}
		}
		return false, nil
	}

	c, ok := compareValues(v, f.Value)
	if !ok {
		// Mismatched kinds never match, except for explicit inequality.
		return f.Op == OpNotEqual, nil
	}
	switch f.Op {
	case OpEqual:
		return c == 0, nil
	case OpNotEqual:
		return c != 0, nil
	case OpLess:
		return c < 0, nil
	case OpLessOrEqual:
		return c <= 0, nil
	case OpGreater:
		return c > 0, nil
	case OpGreaterEqual:
		return c >= 0, nil
	default:
		return false, fmt.Errorf("driver: unsupported filter op %q", f.Op)
	}
}

// FieldValue extracts a (possibly dotted) field from a snapshot. The
// KeyField pseudo-field yields the document key.
func FieldValue(s *Snapshot, field string) any {
	if field == KeyField {
		return s.Key()
	}
	var v any = s.Data
	for _, seg := range strings.Split(field, ".") {
		m, ok := v.(map[string]any)
		if !ok {
			return nil
		}
		v, ok = m[seg]
		if !ok {
			return nil
		}
	}
	return v
}

func compareByOrders(a, b *Snapshot, orders []Order) (int, error) {
	for _, o := range orders {
		av, bv := FieldValue(a, o.Field), FieldValue(b, o.Field)
		c, ok := compareValues(av, bv)
		if !ok {
			return 0, fmt.Errorf("driver: cannot order %q: incomparable values %T and %T", o.Field, av, bv)
		}
		if c != 0 {
			if o.Desc {
				return -c, nil
			}
			return c, nil
		}
	}
	return 0, nil
}

func compareToCursor(s *Snapshot, orders []Order, cursor []any) (int, error) {
	for i, o := range orders {
		if i >= len(cursor) {
			break
		}
		v := FieldValue(s, o.Field)
		c, ok := compareValues(v, cursor[i])
		if !ok {
			return 0, fmt.Errorf("driver: cursor value %d incomparable with field %q", i, o.Field)
		}
		if c != 0 {
			if o.Desc {
				return -c, nil
			}
			return c, nil
		}
	}
	return 0, nil
}

// compareValues totally orders two values of compatible kinds:
// nil < everything, booleans, numbers, strings, times. The second return
// is false for incomparable kinds.
func compareValues(a, b any) (int, bool) {
	if a == nil || b == nil {
		switch {
		case a == nil && b == nil:
			return 0, true
		case a == nil:
			return -1, true
		default:
			return 1, true
		}
	}

	if af, aok := toFloat(a); aok {
		bf, bok := toFloat(b)
		if !bok {
			return 0, false
		}
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		default:
			return 0, true
		}
	}

	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(av, bv), true
	case bool:
		bv, ok := b.(bool)
		if !ok {
			return 0, false
		}
		switch {
		case av == bv:
			return 0, true
		case !av:
			return -1, true
		default:
			return 1, true
		}
	case time.Time:
		bv, ok := b.(time.Time)
		if !ok {
			return 0, false
		}
		return av.Compare(bv), true
	case *Ref:
		bv, ok := b.(*Ref)
		if !ok {
			return 0, false
		}
		return strings.Compare(av.Path(), bv.Path()), true
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
