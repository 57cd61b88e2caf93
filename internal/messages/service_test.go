package messages

import (
	"context"
	"errors"
	"strings"
	"testing"

	"advisorhub/pkg/types"
)

// mockStore records calls and can be told to fail.
type mockStore struct {
	shouldFail bool
	created    []*types.CreateMessageRequest
	lastLimit  int
	lastOffset int
	lastQuery  types.SearchQuery
	readable   map[int64]bool
	owned      map[int64]int64
}

var errStore = errors.New("store unavailable")

func newMockStore() *mockStore {
	return &mockStore{readable: map[int64]bool{}, owned: map[int64]int64{}}
}

func (m *mockStore) CreateMessage(ctx context.Context, req *types.CreateMessageRequest) (*types.Message, error) {
	if m.shouldFail {
		return nil, errStore
	}
	m.created = append(m.created, req)
	return &types.Message{ID: int64(len(m.created)), SessionID: req.SessionID, SenderID: req.SenderID, ReceiverID: req.ReceiverID, Content: req.Content, MessageType: req.MessageType}, nil
}

func (m *mockStore) GetConversation(ctx context.Context, user1, user2 int64, limit, offset int) ([]*types.Message, error) {
	if m.shouldFail {
		return nil, errStore
	}
	m.lastLimit, m.lastOffset = limit, offset
	return []*types.Message{}, nil
}

func (m *mockStore) GetUnreadMessageCount(ctx context.Context, userID int64) (int, error) {
	if m.shouldFail {
		return 0, errStore
	}
	return 3, nil
}

func (m *mockStore) MarkMessageAsRead(ctx context.Context, messageID, userID int64) (bool, error) {
	if m.shouldFail {
		return false, errStore
	}
	ok := m.readable[messageID]
	m.readable[messageID] = false
	return ok, nil
}

func (m *mockStore) DeleteMessage(ctx context.Context, messageID, userID int64) (bool, error) {
	if m.shouldFail {
		return false, errStore
	}
	return m.owned[messageID] == userID, nil
}

func (m *mockStore) SearchMessages(ctx context.Context, userID int64, query types.SearchQuery) ([]*types.Message, error) {
	if m.shouldFail {
		return nil, errStore
	}
	m.lastQuery = query
	return nil, nil
}

func (m *mockStore) GetMessageStats(ctx context.Context, userID int64) (*types.MessageStats, error) {
	if m.shouldFail {
		return nil, errStore
	}
	return &types.MessageStats{UserID: userID, Sent: 2, Received: 1, Unread: 1}, nil
}

func TestCreateMessage_ValidationRules(t *testing.T) {
	tests := []struct {
		name string
		req  types.CreateMessageRequest
		want error
	}{
		{"invalid sender", types.CreateMessageRequest{SenderID: 0, ReceiverID: 2, SessionID: 1, Content: "x"}, types.ErrInvalidSenderID},
		{"invalid receiver", types.CreateMessageRequest{SenderID: 1, ReceiverID: 0, SessionID: 1, Content: "x"}, types.ErrInvalidReceiverID},
		{"same user", types.CreateMessageRequest{SenderID: 1, ReceiverID: 1, SessionID: 1, Content: "x"}, types.ErrSameSenderReceiver},
		{"invalid session", types.CreateMessageRequest{SenderID: 1, ReceiverID: 2, SessionID: -5, Content: "x"}, types.ErrInvalidSessionID},
		{"empty", types.CreateMessageRequest{SenderID: 1, ReceiverID: 2, SessionID: 1, Content: ""}, types.ErrEmptyContent},
		{"too long", types.CreateMessageRequest{SenderID: 1, ReceiverID: 2, SessionID: 1, Content: strings.Repeat("a", types.MaxMessageLength+1)}, types.ErrContentTooLong},
		{"bad kind", types.CreateMessageRequest{SenderID: 1, ReceiverID: 2, SessionID: 1, Content: "x", MessageType: "image"}, types.ErrInvalidMessageKind},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMockStore()
			svc := NewService(store, nil)

			req := tt.req
			_, err := svc.CreateMessage(context.Background(), &req)
			if !errors.Is(err, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, err)
			}
			if len(store.created) != 0 {
				t.Error("Invalid message reached the store")
			}
		})
	}
}

func TestCreateMessage_SanitizesAndPersists(t *testing.T) {
	store := newMockStore()
	svc := NewService(store, nil)

	req := &types.CreateMessageRequest{SenderID: 1, ReceiverID: 2, SessionID: 9, Content: "  <i>see</i> you<script>x()</script> "}
	msg, err := svc.CreateMessage(context.Background(), req)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if msg.Content != "see you" {
		t.Errorf("Expected sanitized content, got %q", msg.Content)
	}
	if msg.MessageType != types.MessageKindText {
		t.Errorf("Expected default kind, got %q", msg.MessageType)
	}
}

func TestCreateMessage_StoreFailureIsWrapped(t *testing.T) {
	store := newMockStore()
	store.shouldFail = true
	svc := NewService(store, nil)

	_, err := svc.CreateMessage(context.Background(), &types.CreateMessageRequest{SenderID: 1, ReceiverID: 2, SessionID: 1, Content: "x"})
	if !errors.Is(err, errStore) {
		t.Errorf("Expected wrapped store error, got %v", err)
	}
	if types.IsValidationError(err) {
		t.Error("Store failure must not be a validation error")
	}
}

func TestGetConversationHistory_Paging(t *testing.T) {
	store := newMockStore()
	svc := NewService(store, nil)
	ctx := context.Background()

	if _, err := svc.GetConversationHistory(ctx, 1, 2, Page{}); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if store.lastLimit != DefaultPageLimit || store.lastOffset != 0 {
		t.Errorf("Expected defaults, got limit=%d offset=%d", store.lastLimit, store.lastOffset)
	}

	if _, err := svc.GetConversationHistory(ctx, 1, 2, Page{Page: 3, Limit: 10}); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if store.lastLimit != 10 || store.lastOffset != 20 {
		t.Errorf("Expected limit=10 offset=20, got limit=%d offset=%d", store.lastLimit, store.lastOffset)
	}

	if _, err := svc.GetConversationHistory(ctx, 1, 2, Page{Limit: 101}); !errors.Is(err, types.ErrInvalidSearchLimit) {
		t.Errorf("Expected limit error, got %v", err)
	}
	if _, err := svc.GetConversationHistory(ctx, 1, 2, Page{Page: -1}); !errors.Is(err, types.ErrInvalidPage) {
		t.Errorf("Expected page error, got %v", err)
	}
	if _, err := svc.GetConversationHistory(ctx, 0, 2, Page{}); !errors.Is(err, types.ErrInvalidUserID) {
		t.Errorf("Expected user error, got %v", err)
	}
}

func TestSearchMessages_Bounds(t *testing.T) {
	store := newMockStore()
	svc := NewService(store, nil)
	ctx := context.Background()

	if _, err := svc.SearchMessages(ctx, 1, types.SearchQuery{Query: "hi"}); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if store.lastQuery.Limit != DefaultPageLimit {
		t.Errorf("Expected default limit, got %d", store.lastQuery.Limit)
	}

	tests := []struct {
		name string
		q    types.SearchQuery
		want error
	}{
		{"limit too big", types.SearchQuery{Limit: 500}, types.ErrInvalidSearchLimit},
		{"negative limit", types.SearchQuery{Limit: -1}, types.ErrInvalidSearchLimit},
		{"negative offset", types.SearchQuery{Offset: -1}, types.ErrInvalidSearchOffset},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.SearchMessages(ctx, 1, tt.q); !errors.Is(err, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestMarkMultipleAsRead(t *testing.T) {
	store := newMockStore()
	store.readable[1] = true
	store.readable[3] = true
	svc := NewService(store, nil)

	n, err := svc.MarkMultipleAsRead(context.Background(), []int64{1, 2, 3}, 7)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if n != 2 {
		t.Errorf("Expected 2 marked, got %d", n)
	}

	if _, err := svc.MarkMultipleAsRead(context.Background(), []int64{0}, 7); !types.IsValidationError(err) {
		t.Errorf("Expected validation error for bad id, got %v", err)
	}
}

func TestDeleteMessage_OnlySender(t *testing.T) {
	store := newMockStore()
	store.owned[10] = 1
	svc := NewService(store, nil)

	if ok, _ := svc.DeleteMessage(context.Background(), 10, 2); ok {
		t.Error("Non-sender must not delete")
	}
	if ok, err := svc.DeleteMessage(context.Background(), 10, 1); err != nil || !ok {
		t.Errorf("Sender delete failed: %v %v", ok, err)
	}
}

func TestUnreadAndStats(t *testing.T) {
	store := newMockStore()
	svc := NewService(store, nil)

	if n, err := svc.GetUnreadMessageCount(context.Background(), 1); err != nil || n != 3 {
		t.Errorf("Expected 3 unread, got %d (%v)", n, err)
	}
	stats, err := svc.GetMessageStats(context.Background(), 1)
	if err != nil || stats.Sent != 2 || stats.Received != 1 {
		t.Errorf("Unexpected stats %+v (%v)", stats, err)
	}
	if _, err := svc.GetMessageStats(context.Background(), -1); !errors.Is(err, types.ErrInvalidUserID) {
		t.Errorf("Expected user error, got %v", err)
	}
}
