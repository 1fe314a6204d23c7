package repository

import "errors"

// ErrNotFound indicates an entity was not located.
var ErrNotFound = errors.New("repository: not found")

// ErrConflict indicates a uniqueness rule was violated, such as a second
// active credential for the same owner and provider.
var ErrConflict = errors.New("repository: conflict")

// ErrInvalidTransition indicates a deployment state update that would move
// backward through the state machine.
var ErrInvalidTransition = errors.New("repository: invalid state transition")
