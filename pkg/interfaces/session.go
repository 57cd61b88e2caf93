package interfaces

// SessionMembership tracks which users belong to which signaling/chat sessions.
type SessionMembership interface {
	AddUserToSession(userID, sessionID int64)
	RemoveUserFromSession(userID, sessionID int64)
	GetUsersInSession(sessionID int64) []int64
	GetUserSessions(userID int64) []int64
	IsUserInSession(userID, sessionID int64) bool
	RemoveUserFromAllSessions(userID int64) []int64
}
