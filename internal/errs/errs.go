// Package errs defines the stable error kinds surfaced by storage
// operations. Handlers map each kind to exactly one HTTP outcome,
// independent of the operation that produced it.
package errs

import "errors"

var (
	// ErrNotFound is returned when a referenced folder, file or parent
	// does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAccessDenied is returned when a record exists but is owned by
	// a different owner than the acting identity.
	ErrAccessDenied = errors.New("access denied")

	// ErrInvalidOperation is returned for structurally invalid requests:
	// moving a folder into itself or a descendant, targeting a
	// non-existent destination, or exporting an empty folder.
	ErrInvalidOperation = errors.New("invalid operation")

	// ErrQuotaExceeded is returned when a write would push the owner's
	// usage past their storage limit.
	ErrQuotaExceeded = errors.New("storage quota exceeded")

	// ErrUpstream is returned when a row-store or object-store call
	// failed transiently.
	ErrUpstream = errors.New("upstream failure")
)
