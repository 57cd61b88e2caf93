package types

import (
	"encoding/json"
	"time"
)

// Envelope types recognized on the transport. The set is closed: anything else
// is answered with an error envelope.
const (
	// Connection
	TypePing        = "ping"
	TypePong        = "pong"
	TypeUserOnline  = "user_online"
	TypeUserOffline = "user_offline"

	// Signaling
	TypeSignalOffer        = "signal_offer"
	TypeSignalAnswer       = "signal_answer"
	TypeSignalIceCandidate = "signal_ice_candidate"
	TypeSignalEnd          = "signal_end"

	// Chat
	TypeChatMessage      = "chat_message"
	TypeTypingIndicator  = "typing_indicator"
	TypeMessageRead      = "message_read"
	TypeMessageDelivered = "message_delivered" // outbound only

	// Session
	TypeSessionStart  = "session_start"
	TypeSessionEnd    = "session_end"
	TypeSessionUpdate = "session_update"
	TypeSessionJoin   = "session_join"
	TypeSessionLeave  = "session_leave"

	TypeError = "error"
)

// Chat message kinds.
const (
	MessageKindText   = "text"
	MessageKindSystem = "system"
)

// Call session kinds.
const (
	SessionTypeChat  = "chat"
	SessionTypeAudio = "audio"
	SessionTypeVideo = "video"
)

// Call session states, in the only order they may be visited.
const (
	SessionStatusCreated    = "created"
	SessionStatusConnecting = "connecting"
	SessionStatusActive     = "active"
	SessionStatusEnding     = "ending"
	SessionStatusCompleted  = "completed"
)

// Error envelope codes.
const (
	ErrorCodeInvalidMessage   = "INVALID_MESSAGE"
	ErrorCodeUnknownType      = "UNKNOWN_MESSAGE_TYPE"
	ErrorCodeValidation       = "VALIDATION_ERROR"
	ErrorCodeNotInSession     = "NOT_IN_SESSION"
	ErrorCodeRateLimited      = "RATE_LIMITED"
	ErrorCodePersistence      = "PERSISTENCE_ERROR"
	ErrorCodeSession          = "SESSION_ERROR"
	ErrorCodeRecipientMissing = "RECIPIENT_NOT_FOUND"
)

// Envelope wraps every message sent over the transport, in both directions.
type Envelope struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload,omitempty"`
	From      int64       `json:"from,omitempty"`
	To        int64       `json:"to,omitempty"`
	SessionID int64       `json:"sessionId,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// NewEnvelope stamps an outbound envelope with the current UTC time.
func NewEnvelope(msgType string, payload interface{}, from int64) Envelope {
	return Envelope{
		Type:      msgType,
		Payload:   payload,
		From:      from,
		Timestamp: time.Now().UTC(),
	}
}

// RawEnvelope is the inbound form of Envelope; the payload is decoded later by
// the handler registered for Type.
type RawEnvelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	From      int64           `json:"from,omitempty"`
	To        int64           `json:"to,omitempty"`
	SessionID int64           `json:"sessionId,omitempty"`
	Timestamp *time.Time      `json:"timestamp,omitempty"`
}

// Message is a persisted chat message.
type Message struct {
	ID          int64      `json:"id"`
	SessionID   int64      `json:"sessionId"`
	SenderID    int64      `json:"senderId"`
	ReceiverID  int64      `json:"receiverId"`
	Content     string     `json:"content"`
	MessageType string     `json:"messageType"`
	Timestamp   time.Time  `json:"timestamp"`
	Read        bool       `json:"read"`
	ReadAt      *time.Time `json:"readAt,omitempty"`
	Response    string     `json:"response,omitempty"`
	DeletedAt   *time.Time `json:"-"`
}

// CreateMessageRequest is the input to message creation before sanitization.
type CreateMessageRequest struct {
	SessionID   int64  `json:"sessionId"`
	SenderID    int64  `json:"senderId"`
	ReceiverID  int64  `json:"receiverId"`
	Content     string `json:"content"`
	MessageType string `json:"messageType,omitempty"`
}

// SearchQuery filters a user's messages. Zero values mean "no filter".
type SearchQuery struct {
	Query     string     `json:"query"`
	SessionID int64      `json:"sessionId,omitempty"`
	From      *time.Time `json:"from,omitempty"`
	To        *time.Time `json:"to,omitempty"`
	Limit     int        `json:"limit"`
	Offset    int        `json:"offset"`
}

// MessageStats summarizes one user's traffic.
type MessageStats struct {
	UserID   int64 `json:"userId"`
	Sent     int   `json:"sent"`
	Received int   `json:"received"`
	Unread   int   `json:"unread"`
}

// CallSession is a billable consultation between a requester and an advisor.
// Amounts are in cents, durations in whole minutes.
type CallSession struct {
	ID              int64      `json:"id"`
	UserID          int64      `json:"userId"`
	AdvisorID       int64      `json:"advisorId"`
	SessionType     string     `json:"sessionType"`
	RatePerMinute   int64      `json:"ratePerMinute"`
	StartTime       time.Time  `json:"startTime"`
	EndTime         *time.Time `json:"endTime,omitempty"`
	ActualStartTime *time.Time `json:"actualStartTime,omitempty"`
	ActualEndTime   *time.Time `json:"actualEndTime,omitempty"`
	Status          string     `json:"status"`
	BilledAmount    *int64     `json:"billedAmount,omitempty"`
	ActualDuration  *int64     `json:"actualDuration,omitempty"`
	EndReason       string     `json:"endReason,omitempty"`
	Participants    []int64    `json:"participants"`
	CreatedAt       time.Time  `json:"createdAt"`
}

// Clone returns a deep copy safe to hand out of a lock.
func (s *CallSession) Clone() *CallSession {
	if s == nil {
		return nil
	}
	c := *s
	c.Participants = append([]int64(nil), s.Participants...)
	c.EndTime = cloneTime(s.EndTime)
	c.ActualStartTime = cloneTime(s.ActualStartTime)
	c.ActualEndTime = cloneTime(s.ActualEndTime)
	if s.BilledAmount != nil {
		v := *s.BilledAmount
		c.BilledAmount = &v
	}
	if s.ActualDuration != nil {
		v := *s.ActualDuration
		c.ActualDuration = &v
	}
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// CreateSessionRequest is the booking input for a call session.
type CreateSessionRequest struct {
	UserID        int64      `json:"userId"`
	AdvisorID     int64      `json:"advisorId"`
	SessionType   string     `json:"sessionType"`
	RatePerMinute int64      `json:"ratePerMinute"`
	StartTime     *time.Time `json:"startTime,omitempty"`
	EndTime       *time.Time `json:"endTime,omitempty"`
}

// SessionUpdate carries the mutable fields persisted on a status change.
type SessionUpdate struct {
	Status          string     `json:"status"`
	ActualStartTime *time.Time `json:"actualStartTime,omitempty"`
}

// EndSessionData is what the lifecycle manager computed for a finished session.
type EndSessionData struct {
	EndReason      string    `json:"endReason"`
	ActualEndTime  time.Time `json:"actualEndTime"`
	ActualDuration int64     `json:"actualDuration"`
	BilledAmount   int64     `json:"billedAmount"`
}

// BillingResult is the persisted outcome of ending a session.
type BillingResult struct {
	SessionID      int64     `json:"sessionId"`
	BilledAmount   int64     `json:"billedAmount"`
	ActualDuration int64     `json:"actualDuration"`
	ActualEndTime  time.Time `json:"actualEndTime"`
}
