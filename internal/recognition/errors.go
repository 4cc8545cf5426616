package recognition

import (
	"errors"
	"fmt"
)

var (
	// ErrNoFace is returned when an image that must contain a face contains none.
	ErrNoFace = errors.New("no face found in image")

	// ErrMultipleFaces is returned when an image that must contain exactly one face contains several.
	ErrMultipleFaces = errors.New("multiple faces found in image")

	// ErrLabelRequired is returned for a correction without a person name.
	ErrLabelRequired = errors.New("a person name is required")
)

// InconsistentStateError reports that the in-memory store and the storage backend
// disagree about an entry. The entry is quarantined: further mutations of it fail
// with this error until the store is reloaded.
type InconsistentStateError struct {
	EntryID string
	Ref     string
	Op      string
	Err     error
}

func (e *InconsistentStateError) Error() string {
	return fmt.Sprintf("inconsistent state after %s of entry %s (ref %s): %v", e.Op, e.EntryID, e.Ref, e.Err)
}

func (e *InconsistentStateError) Unwrap() error {
	return e.Err
}

// DuplicateFeedbackError reports feedback for a result that already reached a
// terminal state (or is being applied right now).
type DuplicateFeedbackError struct {
	Ref   string
	State State
}

func (e *DuplicateFeedbackError) Error() string {
	return fmt.Sprintf("feedback for result %s already submitted (%s)", e.Ref, e.State)
}
