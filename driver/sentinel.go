package driver

// TransformOp identifies a field transform.
type TransformOp int

const (
	// OpServerTimestamp resolves to the store's write time.
	OpServerTimestamp TransformOp = iota + 1

	// OpIncrement adds a numeric operand to the current field value.
	OpIncrement

	// OpDelete removes the field.
	OpDelete

	// OpArrayUnion appends operands not already present in the array.
	OpArrayUnion

	// OpArrayRemove removes all occurrences of the operands.
	OpArrayRemove
)

// Transform is an opaque sentinel value placed in a write payload instead
// of a concrete field value. It is passed through the mapping layer
// unchanged and resolved by the driver at write time.
type Transform struct {
	Op TransformOp

	// Operand is the increment amount (int64 or float64) for OpIncrement,
	// or the element slice ([]any) for the array ops.
	Operand any
}

// ServerTimestamp resolves to the store's write time.
var ServerTimestamp = Transform{Op: OpServerTimestamp}

// DeleteField removes the named field from the document.
var DeleteField = Transform{Op: OpDelete}

// Increment adds n to the current numeric value of the field.
// A missing field is treated as zero.
func Increment(n int64) Transform {
	return Transform{Op: OpIncrement, Operand: n}
}

// IncrementFloat adds n to the current numeric value of the field.
func IncrementFloat(n float64) Transform {
	return Transform{Op: OpIncrement, Operand: n}
}

// ArrayUnion appends the given elements to the array field, skipping
// elements already present.
func ArrayUnion(elems ...any) Transform {
	return Transform{Op: OpArrayUnion, Operand: elems}
}

// ArrayRemove removes all occurrences of the given elements from the
// array field.
func ArrayRemove(elems ...any) Transform {
	return Transform{Op: OpArrayRemove, Operand: elems}
}

// IsTransform reports whether v is a transform sentinel.
func IsTransform(v any) bool {
	_, ok := v.(Transform)
	return ok
}
