package session

import (
	"errors"

	"advisorhub/pkg/interfaces"
)

// Session lifecycle errors. ErrSessionNotFound is shared with the store so
// errors.Is matches either source.
var (
	ErrSessionNotFound   = interfaces.ErrSessionNotFound
	ErrInvalidTransition = errors.New("invalid session status transition")
	ErrSessionEnding     = errors.New("session is already ending")
	ErrSessionFull       = errors.New("session has reached its participant limit")
	ErrSessionCompleted  = errors.New("session is already completed")
)
