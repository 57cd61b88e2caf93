package interfaces

import "errors"

// Errors shared between the storage collaborator and its callers.
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrMessageNotFound = errors.New("message not found")
)
