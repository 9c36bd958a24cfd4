package engine

import "errors"

// Input and validation errors are returned synchronously, with no side
// effects; the engine never retries them.
var (
	// ErrUnauthorizedGraph indicates the graph identifier is not on the
	// execution allow-list.
	ErrUnauthorizedGraph = errors.New("unauthorized graph")

	// ErrGraphNotLoaded indicates an allow-listed graph has no registered
	// definition.
	ErrGraphNotLoaded = errors.New("graph not loaded")

	// ErrNoStartFunctions indicates the graph declares no entry points.
	ErrNoStartFunctions = errors.New("graph has no start functions")

	// ErrStateTooLarge indicates the state document exceeds the size cap.
	ErrStateTooLarge = errors.New("state too large")

	// ErrInvalidState indicates the state document is not JSON-encodable or
	// violates the graph's input schema.
	ErrInvalidState = errors.New("invalid state")

	// ErrNotFound indicates no execution exists for the identifier.
	ErrNotFound = errors.New("execution not found")

	// ErrNotWaiting indicates a resume was attempted on an execution that is
	// not waiting on an agent reply.
	ErrNotWaiting = errors.New("execution is not waiting on an agent")

	// ErrInvalidGraphReference indicates a persisted execution points at a
	// graph that is no longer allow-listed or loaded. Storage is treated as
	// untrusted input.
	ErrInvalidGraphReference = errors.New("invalid graph reference")

	// ErrNotPaused indicates an unpause was attempted on an execution that
	// is not paused.
	ErrNotPaused = errors.New("execution is not paused")

	// ErrPersistenceFailed indicates the store rejected a write; the walk
	// step that hit it did not advance.
	ErrPersistenceFailed = errors.New("persistence failed")
)
