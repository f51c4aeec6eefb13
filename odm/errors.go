package odm

import (
	"fmt"
	"strings"

	"github.com/Davileal/fireodm/schema"
)

// ValidationError is returned when the mapped document failed the schema
// check. It is raised before any write is attempted.
type ValidationError struct {
	Type   string
	Issues []schema.Issue
}

func (e *ValidationError) Error() string {
	msgs := make([]string, len(e.Issues))
	for i, issue := range e.Issues {
		msgs[i] = issue.String()
	}
	return fmt.Sprintf("odm: validation failed for type %q: %s", e.Type, strings.Join(msgs, "; "))
}

// NotFoundError is returned when an operation expected an existing
// document that is absent.
type NotFoundError struct {
	Type string
	Key  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("odm: %s %q not found", e.Type, e.Key)
}

// PreconditionError is returned when an operation was attempted on an
// instance in the wrong state, e.g. an update without an identity key.
// It is fatal and never retried.
type PreconditionError struct {
	Op     string
	Reason string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("odm: %s: %s", e.Op, e.Reason)
}
