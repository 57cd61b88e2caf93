package interfaces

import (
	"context"

	"advisorhub/pkg/types"
)

// SessionStore persists call sessions.
type SessionStore interface {
	// CreateSession stores a new session and returns it with its assigned ID.
	CreateSession(ctx context.Context, req *types.CreateSessionRequest) (*types.CallSession, error)

	GetSession(ctx context.Context, sessionID int64) (*types.CallSession, error)

	UpdateSession(ctx context.Context, sessionID int64, update types.SessionUpdate) error

	// EndSession records billing for a finished session.
	EndSession(ctx context.Context, sessionID int64, data types.EndSessionData) (*types.BillingResult, error)

	// ListActiveSessions returns every session that has not completed.
	ListActiveSessions(ctx context.Context) ([]*types.CallSession, error)
}

// MessageStore persists chat messages. Deletes are logical.
type MessageStore interface {
	// CreateMessage stores an already validated message.
	CreateMessage(ctx context.Context, req *types.CreateMessageRequest) (*types.Message, error)

	// GetConversation returns messages between two users, newest first.
	GetConversation(ctx context.Context, user1, user2 int64, limit, offset int) ([]*types.Message, error)

	GetUnreadMessageCount(ctx context.Context, userID int64) (int, error)

	// MarkMessageAsRead reports whether the message was unread and addressed to userID.
	MarkMessageAsRead(ctx context.Context, messageID, userID int64) (bool, error)

	// DeleteMessage reports whether a message owned by userID was deleted.
	DeleteMessage(ctx context.Context, messageID, userID int64) (bool, error)

	SearchMessages(ctx context.Context, userID int64, query types.SearchQuery) ([]*types.Message, error)

	GetMessageStats(ctx context.Context, userID int64) (*types.MessageStats, error)
}

// Store is the full storage collaborator used by the application.
type Store interface {
	SessionStore
	MessageStore

	HealthCheck(ctx context.Context) error
	Close() error
}
