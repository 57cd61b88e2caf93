package types

import "time"

// SessionDescription is an SDP offer or answer. The SDP body is never inspected.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// IceCandidate mirrors RTCIceCandidateInit.
type IceCandidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *int    `json:"sdpMLineIndex,omitempty"`
}

// SignalOffer is the payload of signal_offer.
type SignalOffer struct {
	SessionID int64              `json:"sessionId"`
	Offer     SessionDescription `json:"offer"`
	CallType  string             `json:"callType"`
}

// SignalAnswer is the payload of signal_answer.
type SignalAnswer struct {
	SessionID int64              `json:"sessionId"`
	Answer    SessionDescription `json:"answer"`
}

// SignalIceCandidate is the payload of signal_ice_candidate.
type SignalIceCandidate struct {
	SessionID int64        `json:"sessionId"`
	Candidate IceCandidate `json:"candidate"`
}

// SignalEnd is the payload of signal_end.
type SignalEnd struct {
	SessionID int64  `json:"sessionId"`
	Reason    string `json:"reason,omitempty"`
}

// SignalingMessage is a validated handshake message. Exactly one of the
// kind-specific pointers is set, matching Kind.
type SignalingMessage struct {
	Kind      string
	SessionID int64
	Offer     *SignalOffer
	Answer    *SignalAnswer
	Candidate *SignalIceCandidate
	End       *SignalEnd
}

// ChatPayload is the inbound chat_message payload.
type ChatPayload struct {
	SessionID   int64  `json:"sessionId"`
	Content     string `json:"content"`
	MessageType string `json:"messageType"`
}

// ChatDelivery is the outbound chat_message payload.
type ChatDelivery struct {
	MessageID   int64     `json:"messageId"`
	SessionID   int64     `json:"sessionId"`
	SenderID    int64     `json:"senderId"`
	ReceiverID  int64     `json:"receiverId"`
	Content     string    `json:"content"`
	MessageType string    `json:"messageType"`
	SentAt      time.Time `json:"sentAt"`
}

// TypingPayload is the typing_indicator payload in both directions.
type TypingPayload struct {
	SessionID int64 `json:"sessionId"`
	IsTyping  bool  `json:"isTyping"`
}

// ReadReceiptPayload is the inbound message_read payload.
type ReadReceiptPayload struct {
	MessageID int64 `json:"messageId"`
	SenderID  int64 `json:"senderId"`
}

// ReadNotice is the outbound message_read payload sent to the original sender.
type ReadNotice struct {
	MessageID int64     `json:"messageId"`
	ReadBy    int64     `json:"readBy"`
	ReadAt    time.Time `json:"readAt"`
}

// DeliveredNotice is the outbound message_delivered payload.
type DeliveredNotice struct {
	MessageID   int64     `json:"messageId"`
	DeliveredTo int64     `json:"deliveredTo"`
	DeliveredAt time.Time `json:"deliveredAt"`
}

// SessionPayload is the inbound payload for the session_* envelope family.
type SessionPayload struct {
	SessionID int64  `json:"sessionId"`
	Status    string `json:"status,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// SessionUpdateNotice is sent to members when a call session changes state.
type SessionUpdateNotice struct {
	SessionID    int64   `json:"sessionId"`
	Status       string  `json:"status"`
	Participants []int64 `json:"participants"`
}

// SessionEndNotice is sent to members when a call session is billed.
type SessionEndNotice struct {
	SessionID      int64  `json:"sessionId"`
	EndReason      string `json:"endReason"`
	BilledAmount   int64  `json:"billedAmount"`
	ActualDuration int64  `json:"actualDuration"`
}

// PresenceNotice is the user_online / user_offline payload.
type PresenceNotice struct {
	UserID int64 `json:"userId"`
}

// ErrorPayload is the error envelope payload.
type ErrorPayload struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}
