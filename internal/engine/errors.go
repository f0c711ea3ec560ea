package engine

import "errors"

// Error taxonomy surfaced by the engine. Validation failures carry a
// *schema.ValidationError; everything lower-level from the KV
// substrate is wrapped and propagates as-is.
var (
	// ErrNotFound means the record is absent.
	ErrNotFound = errors.New("record not found")

	// ErrUniqueness means a unique field collided with an existing
	// record.
	ErrUniqueness = errors.New("uniqueness violation")

	// ErrVersionConflict means the _version precondition failed.
	// Retried internally up to 3 times before surfacing.
	ErrVersionConflict = errors.New("version conflict")

	// ErrOverloaded means the write buffer refused the intent because
	// its flush queue is saturated. Retryable by the caller.
	ErrOverloaded = errors.New("write buffer overloaded")
)
