package engine

import "errors"

// Errors returned by runtime operations.
var (
	// ErrInstanceNotFound is returned by direct sends to an unknown or
	// already-disposed instance.
	ErrInstanceNotFound = errors.New("instance not found")

	// ErrMachineNotFound is returned when an operation names a machine
	// the component does not declare.
	ErrMachineNotFound = errors.New("machine not found")

	// ErrCrossComponentUnavailable is returned when a hook requests a
	// cross-component effect and the runtime has neither a registry nor
	// a broadcaster attached. Never silently no-ops.
	ErrCrossComponentUnavailable = errors.New("cross-component routing unavailable")

	// ErrRuntimeClosed is returned after Dispose.
	ErrRuntimeClosed = errors.New("runtime is disposed")
)
