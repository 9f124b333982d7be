package model

import "fmt"

// The error taxonomy for the store. Callers are expected to match with
// errors.As; everything else is wrapped context around one of these.

// ValidationError reports a record constructed in violation of a field
// invariant. Construction fails; invalid values are never silently
// defaulted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s %s", e.Field, e.Reason)
}

// MalformedDocumentError reports an on-disk document missing its
// identifier attribute. During bulk load such documents are skipped with
// a warning rather than failing the load.
type MalformedDocumentError struct {
	Path   string
	Reason string
}

func (e *MalformedDocumentError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("malformed document: %s", e.Reason)
	}
	return fmt.Sprintf("malformed document %s: %s", e.Path, e.Reason)
}

// NotFoundError reports an operation against an unknown record id.
type NotFoundError struct {
	Kind string // "node" or "session"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

// AlreadyExistsError reports a create without overwrite against an
// existing id.
type AlreadyExistsError struct {
	ID string
}

func (e *AlreadyExistsError) Error() string {
	return fmt.Sprintf("node %q already exists", e.ID)
}

// ClaimConflictError reports an ownership change attempted against a
// node already owned by a different agent.
type ClaimConflictError struct {
	NodeID   string
	Owner    string
	Claimant string
}

func (e *ClaimConflictError) Error() string {
	return fmt.Sprintf("node %q is owned by %q, not %q", e.NodeID, e.Owner, e.Claimant)
}
