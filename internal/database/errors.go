package database

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is matched by every NotFoundError.
	ErrNotFound = errors.New("not found")

	// ErrPartialWrite is wrapped by storages when a write was only half applied
	// (for example an image moved but its embedding sidecar not).
	ErrPartialWrite = errors.New("partial write")
)

// NotFoundError reports an operation on an id or reference that does not exist.
type NotFoundError struct {
	Kind string // "entry", "image", "result"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// LoadError reports that the store could not be loaded because the storage is unreachable.
type LoadError struct {
	Err error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("loading known faces: %v", e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}
