package persistence

import "errors"

// Standard persistence error types that all implementations use.
var (
	// ErrExecutionNotFound indicates no execution exists for the identifier.
	ErrExecutionNotFound = errors.New("execution not found")

	// ErrExecutionAlreadyExists indicates a create collided with an existing
	// execution identifier.
	ErrExecutionAlreadyExists = errors.New("execution already exists")

	// ErrVersionConflict indicates a compare-and-swap update lost against a
	// concurrent writer.
	ErrVersionConflict = errors.New("execution version conflict")

	// ErrMessageNotFound indicates no message exists for the identifier.
	ErrMessageNotFound = errors.New("message not found")

	// ErrLivenessNotFound indicates no heartbeat has been recorded for the
	// role.
	ErrLivenessNotFound = errors.New("agent liveness not found")
)

// IsExecutionNotFound checks if an error indicates a missing execution.
func IsExecutionNotFound(err error) bool {
	return errors.Is(err, ErrExecutionNotFound)
}

// IsVersionConflict checks if an error indicates a lost compare-and-swap.
func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrVersionConflict)
}

// IsMessageNotFound checks if an error indicates a missing message.
func IsMessageNotFound(err error) bool {
	return errors.Is(err, ErrMessageNotFound)
}
