package store

import "errors"

// Sentinel errors for store operations.
var (
	// ErrNotFound indicates the requested story, fragment, or log does not
	// exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates a compare-and-swap update observed a version
	// other than the expected one.
	ErrConflict = errors.New("version conflict")

	// ErrInvalid indicates malformed input (unknown type, bad id, missing
	// required field).
	ErrInvalid = errors.New("invalid input")
)
