package extension

import "errors"

var (
	// ErrNotFound means no record exists for the given extension name.
	ErrNotFound = errors.New("extension not found")

	// ErrPackageConflict covers name/version collisions on install and
	// route prefix or frontend path collisions detected before mounting.
	ErrPackageConflict = errors.New("package conflict")

	// ErrInitializationFailed means the extension's own startup code
	// faulted or timed out. The record moves to errored with the cause;
	// no partial bindings remain mounted.
	ErrInitializationFailed = errors.New("initialization failed")

	// ErrPermissionDenied means extension code attempted an action outside
	// its granted permission set. Surfaced by the host-side wrapper.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrInvalidTransition means the requested lifecycle transition is not
	// legal from the extension's current state.
	ErrInvalidTransition = errors.New("invalid lifecycle transition")
)
