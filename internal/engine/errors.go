package engine

import (
	"errors"
	"fmt"

	"stockreq/internal/engine/auth"
	"stockreq/internal/repo"
)

// ValidationError reports malformed input. It is raised before any write.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

type NotFoundError struct {
	Kind string
	ID   string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// StateConflictError means the aggregate is not in the state the operation
// requires, including a concurrent change detected by the version check.
type StateConflictError struct {
	Entity string
	ID     string
	Reason string
}

func (e StateConflictError) Error() string {
	return fmt.Sprintf("%s %s: %s", e.Entity, e.ID, e.Reason)
}

// StoreError wraps a persistence failure; nothing was committed.
type StoreError struct {
	Op  string
	Err error
}

func (e StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e StoreError) Unwrap() error { return e.Err }

// Kind classifies an error returned by the engine.
type Kind string

const (
	KindOK         Kind = "ok"
	KindValidation Kind = "validation"
	KindPermission Kind = "permission"
	KindNotFound   Kind = "not_found"
	KindConflict   Kind = "state_conflict"
	KindStore      Kind = "store"
	KindUnknown    Kind = "unknown"
)

func Classify(err error) Kind {
	if err == nil {
		return KindOK
	}
	var (
		verr ValidationError
		perr auth.PermissionError
		nerr NotFoundError
		cerr StateConflictError
		serr StoreError
	)
	switch {
	case errors.As(err, &verr):
		return KindValidation
	case errors.As(err, &perr):
		return KindPermission
	case errors.As(err, &nerr):
		return KindNotFound
	case errors.As(err, &cerr):
		return KindConflict
	case errors.As(err, &serr):
		return KindStore
	}
	return KindUnknown
}

// storeErr translates repository sentinels into engine error kinds.
func storeErr(op, kind, id string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repo.ErrNotFound):
		return NotFoundError{Kind: kind, ID: id}
	case errors.Is(err, repo.ErrVersionConflict):
		return StateConflictError{Entity: kind, ID: id, Reason: "modified concurrently; reload and retry"}
	}
	return StoreError{Op: op, Err: err}
}
