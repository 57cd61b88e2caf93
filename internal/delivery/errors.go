package delivery

import (
	"errors"
	"fmt"
)

// ErrInvalidMessageData is the client-facing error for any rejected message.
const ErrInvalidMessageData = "Invalid message data"

// PersistenceError reports a failure of the message store. It is an
// infrastructure fault, never a client fault.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("message store %s failed: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// IsPersistenceError reports whether err is, or wraps, a PersistenceError.
func IsPersistenceError(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}
