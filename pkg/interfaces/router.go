package interfaces

// Notifier is the part of the connection registry that routing code needs:
// reachability checks and best-effort sends.
type Notifier interface {
	// SendToUser returns false when the user is not connected or the write
	// failed. It never returns an error.
	SendToUser(userID int64, message interface{}) bool

	IsUserConnected(userID int64) bool
}
