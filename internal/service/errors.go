package service

import "fmt"

// ValidationError rejects a malformed batch before any side effect.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return "invalid request: " + e.Msg }

// NotFoundError reports an id that does not resolve to a resource.
type NotFoundError struct {
	Kind string // "project", "target", "destination", "source"
	ID   string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("%s not found: %s", e.Kind, e.ID) }

// LockConflictError reports the path that blocked a batch.
type LockConflictError struct {
	Path          string
	CurrentAction string // set when the ledger check refused
}

func (e *LockConflictError) Error() string {
	if e.CurrentAction != "" {
		return fmt.Sprintf("resource %s is busy with %s", e.Path, e.CurrentAction)
	}
	return fmt.Sprintf("resource %s is locked by another operation", e.Path)
}

// ConflictError reports occupied copy destinations.
type ConflictError struct {
	Conflicts []Conflict
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%d destination(s) already exist", len(e.Conflicts))
}
