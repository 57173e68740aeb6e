package campaign

import "errors"

// Sentinel errors for the engine and its store implementations.
var (
	// ErrInvalidInput covers empty recipient lists and updates that would
	// shrink the list below the cursor.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotFound means there is no campaign to act on.
	ErrNotFound = errors.New("campaign not found")

	// ErrConflict means a concurrent cursor advance lost the race, or
	// another engine instance already drives this owner.
	ErrConflict = errors.New("conflicting concurrent update")
)
