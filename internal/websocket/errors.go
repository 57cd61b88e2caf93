package websocket

import "errors"

var (
	// Connection
	ErrConnectionClosed = errors.New("websocket: connection is closed")
	ErrWriteTimeout     = errors.New("websocket: outbound buffer full, write timed out")
	ErrInvalidJSON      = errors.New("websocket: payload is not valid JSON")

	// Registry
	ErrNilConnection = errors.New("websocket: nil transport")
	ErrInvalidUserID = errors.New("websocket: user_id must be a positive integer")

	// Handler
	ErrMissingUserID = errors.New("websocket: missing user_id query parameter")
)
