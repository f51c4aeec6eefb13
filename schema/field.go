package schema

// Kind is the semantic kind of a declared field.
type Kind int

const (
	KindString Kind = iota + 1
	KindInt
	KindFloat
	KindBool
	KindTime
	KindGeoPoint
	KindArray
	KindMap
	KindReference
	KindEnum
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindBool:
		return "bool"
	case KindTime:
		return "time"
	case KindGeoPoint:
		return "geopoint"
	case KindArray:
		return "array"
	case KindMap:
		return "map"
	case KindReference:
		return "reference"
	case KindEnum:
		return "enum"
	}
	return "unknown"
}

// FormatEmail is the one built-in string format constraint.
const FormatEmail = "email"

// Now is the default sentinel for time fields auto-filled with the write
// time at create.
var Now = nowDefault{}

type nowDefault struct{}

// Field declares one field of a document type.
type Field struct {
	Name string
	Kind Kind

	// Required rejects absent and null values.
	Required bool

	// Min and Max bound numeric values, or the length of strings.
	Min *float64
	Max *float64

	// Enum lists the allowed values for KindEnum fields.
	Enum []string

	// Format names a string format constraint (FormatEmail).
	Format string

	// Default is applied to unset fields at create time. Use Now for
	// "server time" on KindTime fields.
	Default any

	// TargetType names the referenced document type for KindReference.
	TargetType string
}

// Relation declares a cross-reference field: it holds a lightweight
// pointer in storage and may be resolved to a full instance in memory.
type Relation struct {
	FieldName  string
	TargetType string

	// Lazy relations are resolved only on explicit request, never
	// automatically on fetch.
	Lazy bool
}

// Subcollection declares an embedded collection of child documents
// addressed under the parent document's path.
type Subcollection struct {
	// FieldName is the instance field the resolver attaches results to.
	FieldName string

	// Subpath is the path segment of the collection under the parent
	// document (e.g. "posts" for users/<key>/posts).
	Subpath string

	// ChildType names the registered document type of the children.
	ChildType string

	// Single marks a one-document subcollection: the field holds the
	// child document stored at <parent>/<Subpath>/<DocKey>.
	Single bool

	// DocKey is the fixed key of the single document. Defaults to "main".
	DocKey string
}

// Bound returns a pointer to v for use as a Field Min/Max.
func Bound(v float64) *float64 {
	return &v
}
