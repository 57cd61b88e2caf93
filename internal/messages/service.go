// Package messages validates chat input and exposes history, search and
// receipt operations over the message store.
package messages

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"advisorhub/pkg/interfaces"
	"advisorhub/pkg/types"
)

const (
	DefaultPageLimit = 20
	MaxPageLimit     = 100
)

// Page selects a slice of a conversation. Page is 1-based; a zero Limit means
// DefaultPageLimit.
type Page struct {
	Page  int `json:"page" form:"page"`
	Limit int `json:"limit" form:"limit"`
}

// Service is the validated front of a MessageStore.
type Service struct {
	store  interfaces.MessageStore
	logger *zap.Logger
}

// NewService creates a message service over store.
func NewService(store interfaces.MessageStore, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, logger: logger}
}

// CreateMessage validates and sanitizes req, then persists it. Validation
// failures are *types.ValidationError; store failures are wrapped.
func (s *Service) CreateMessage(ctx context.Context, req *types.CreateMessageRequest) (*types.Message, error) {
	if req == nil {
		return nil, types.ErrEmptyContent
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	msg, err := s.store.CreateMessage(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}

	s.logger.Debug("message created",
		zap.Int64("message_id", msg.ID),
		zap.Int64("session_id", msg.SessionID),
		zap.Int64("sender_id", msg.SenderID),
	)
	return msg, nil
}

// GetConversationHistory returns messages exchanged by two users, newest first.
func (s *Service) GetConversationHistory(ctx context.Context, user1, user2 int64, page Page) ([]*types.Message, error) {
	if !types.IsValidID(user1) || !types.IsValidID(user2) {
		return nil, types.ErrInvalidUserID
	}
	if page.Page == 0 {
		page.Page = 1
	}
	if page.Page < 1 {
		return nil, types.ErrInvalidPage
	}
	limit, err := normalizeLimit(page.Limit)
	if err != nil {
		return nil, err
	}

	msgs, err := s.store.GetConversation(ctx, user1, user2, limit, (page.Page-1)*limit)
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return msgs, nil
}

// SearchMessages finds userID's messages whose content matches q.Query.
func (s *Service) SearchMessages(ctx context.Context, userID int64, q types.SearchQuery) ([]*types.Message, error) {
	if !types.IsValidID(userID) {
		return nil, types.ErrInvalidUserID
	}
	limit, err := normalizeLimit(q.Limit)
	if err != nil {
		return nil, err
	}
	if q.Offset < 0 {
		return nil, types.ErrInvalidSearchOffset
	}
	if q.SessionID < 0 {
		return nil, types.ErrInvalidSessionID
	}
	q.Limit = limit

	msgs, err := s.store.SearchMessages(ctx, userID, q)
	if err != nil {
		return nil, fmt.Errorf("search messages: %w", err)
	}
	return msgs, nil
}

func normalizeLimit(limit int) (int, error) {
	if limit == 0 {
		return DefaultPageLimit, nil
	}
	if limit < 1 || limit > MaxPageLimit {
		return 0, types.ErrInvalidSearchLimit
	}
	return limit, nil
}

// MarkAsRead marks messageID read for its receiver. It reports false when the
// message was already read or is not addressed to userID.
func (s *Service) MarkAsRead(ctx context.Context, messageID, userID int64) (bool, error) {
	if !types.IsValidID(messageID) || !types.IsValidID(userID) {
		return false, types.ErrInvalidMessageID
	}
	ok, err := s.store.MarkMessageAsRead(ctx, messageID, userID)
	if err != nil {
		return false, fmt.Errorf("mark message %d read: %w", messageID, err)
	}
	return ok, nil
}

// MarkMultipleAsRead marks each message in turn and returns how many changed.
// It stops at the first store failure.
func (s *Service) MarkMultipleAsRead(ctx context.Context, messageIDs []int64, userID int64) (int, error) {
	if !types.IsValidID(userID) {
		return 0, types.ErrInvalidUserID
	}
	marked := 0
	for _, id := range messageIDs {
		ok, err := s.MarkAsRead(ctx, id, userID)
		if err != nil {
			return marked, err
		}
		if ok {
			marked++
		}
	}
	return marked, nil
}

func (s *Service) GetUnreadMessageCount(ctx context.Context, userID int64) (int, error) {
	if !types.IsValidID(userID) {
		return 0, types.ErrInvalidUserID
	}
	n, err := s.store.GetUnreadMessageCount(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return n, nil
}

// DeleteMessage logically deletes messageID. Only the sender may delete; any
// other caller gets false.
func (s *Service) DeleteMessage(ctx context.Context, messageID, userID int64) (bool, error) {
	if !types.IsValidID(messageID) || !types.IsValidID(userID) {
		return false, types.ErrInvalidMessageID
	}
	ok, err := s.store.DeleteMessage(ctx, messageID, userID)
	if err != nil {
		return false, fmt.Errorf("delete message %d: %w", messageID, err)
	}
	if ok {
		s.logger.Info("message deleted", zap.Int64("message_id", messageID), zap.Int64("user_id", userID))
	}
	return ok, nil
}

func (s *Service) GetMessageStats(ctx context.Context, userID int64) (*types.MessageStats, error) {
	if !types.IsValidID(userID) {
		return nil, types.ErrInvalidUserID
	}
	stats, err := s.store.GetMessageStats(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("message stats: %w", err)
	}
	return stats, nil
}
