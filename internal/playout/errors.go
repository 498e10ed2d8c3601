package playout

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks malformed input. No state was mutated.
	ErrValidation = errors.New("validation failed")

	// ErrInvalidTime is returned for unparsable timestamps, unknown time
	// zones and start times that already elapsed.
	ErrInvalidTime = fmt.Errorf("%w: invalid time", ErrValidation)

	// ErrConflict is returned when a slot overlaps an entry of equal or
	// higher priority.
	ErrConflict = errors.New("timeline conflict")

	// ErrNotFound is returned for unknown entries and assets.
	ErrNotFound = errors.New("not found")

	// ErrInUse is returned when deleting the playing entry or a referenced asset.
	ErrInUse = errors.New("in use")

	// ErrAlreadyExists is returned when registering a duplicate asset.
	ErrAlreadyExists = errors.New("already exists")

	// ErrDependency wraps failures of the transcoder, publisher or storage.
	ErrDependency = errors.New("dependency failed")

	// ErrFatal marks an internal invariant violation found on read.
	ErrFatal = errors.New("invariant violated")
)

func dependencyError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrDependency, op, err)
}
