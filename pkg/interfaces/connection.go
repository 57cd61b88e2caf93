package interfaces

// Transport is the send/close capability of one live client connection.
// Implementations must be safe for concurrent WriteJSON calls.
type Transport interface {
	// WriteJSON serializes v and queues it for delivery.
	WriteJSON(v interface{}) error

	// Close tears the connection down. Calling it more than once is safe.
	Close() error

	// IsOpen reports whether the connection can still accept writes.
	IsOpen() bool
}
