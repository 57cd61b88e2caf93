package signaling

import (
	"go.uber.org/zap"

	"advisorhub/pkg/interfaces"
	"advisorhub/pkg/types"
)

// Relay forwards WebRTC handshake messages to the other members of a session.
// It never looks inside SDP or ICE bodies and keeps no state of its own.
type Relay struct {
	notifier interfaces.Notifier
	members  interfaces.SessionMembership
	logger   *zap.Logger
}

// SessionStats is a read-only view of a session's signaling participants.
type SessionStats struct {
	SessionID        int64   `json:"sessionId"`
	ParticipantCount int     `json:"participantCount"`
	Participants     []int64 `json:"participants"`
	IsActive         bool    `json:"isActive"`
}

// NewRelay creates a relay over the given registry and membership table.
func NewRelay(notifier interfaces.Notifier, members interfaces.SessionMembership, logger *zap.Logger) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{
		notifier: notifier,
		members:  members,
		logger:   logger,
	}
}

// ValidateSignalingMessage parses an inbound signaling envelope.
func (r *Relay) ValidateSignalingMessage(raw []byte) (*types.SignalingMessage, error) {
	return ValidateSignalingMessage(raw)
}

// HandleOffer relays an SDP offer. It returns the number of members reached.
func (r *Relay) HandleOffer(fromUserID int64, offer types.SignalOffer) int {
	return r.relay(types.TypeSignalOffer, fromUserID, offer.SessionID, offer)
}

// HandleAnswer relays an SDP answer.
func (r *Relay) HandleAnswer(fromUserID int64, answer types.SignalAnswer) int {
	return r.relay(types.TypeSignalAnswer, fromUserID, answer.SessionID, answer)
}

// HandleIceCandidate relays one trickled ICE candidate.
func (r *Relay) HandleIceCandidate(fromUserID int64, candidate types.SignalIceCandidate) int {
	return r.relay(types.TypeSignalIceCandidate, fromUserID, candidate.SessionID, candidate)
}

// HandleCallEnd tells every other member that the call is over.
func (r *Relay) HandleCallEnd(fromUserID int64, end types.SignalEnd) int {
	return r.relay(types.TypeSignalEnd, fromUserID, end.SessionID, end)
}

// Relay forwards an already validated message by kind.
func (r *Relay) Relay(fromUserID int64, msg *types.SignalingMessage) int {
	switch {
	case msg == nil:
		return 0
	case msg.Offer != nil:
		return r.HandleOffer(fromUserID, *msg.Offer)
	case msg.Answer != nil:
		return r.HandleAnswer(fromUserID, *msg.Answer)
	case msg.Candidate != nil:
		return r.HandleIceCandidate(fromUserID, *msg.Candidate)
	case msg.End != nil:
		return r.HandleCallEnd(fromUserID, *msg.End)
	default:
		return 0
	}
}

func (r *Relay) relay(kind string, fromUserID, sessionID int64, payload interface{}) int {
	env := types.NewEnvelope(kind, payload, fromUserID)
	env.SessionID = sessionID

	delivered := 0
	targets := 0
	for _, userID := range r.members.GetUsersInSession(sessionID) {
		if userID == fromUserID {
			continue
		}
		targets++
		if r.notifier.SendToUser(userID, env) {
			delivered++
		}
	}

	if targets == 0 {
		r.logger.Debug("no peer to relay to",
			zap.String("type", kind),
			zap.Int64("session_id", sessionID),
			zap.Int64("from", fromUserID),
		)
		return 0
	}

	r.logger.Debug("signal relayed",
		zap.String("type", kind),
		zap.Int64("session_id", sessionID),
		zap.Int64("from", fromUserID),
		zap.Int("targets", targets),
		zap.Int("delivered", delivered),
	)
	return delivered
}

// GetSessionStats reports who is in sessionID.
func (r *Relay) GetSessionStats(sessionID int64) SessionStats {
	participants := r.members.GetUsersInSession(sessionID)
	return SessionStats{
		SessionID:        sessionID,
		ParticipantCount: len(participants),
		Participants:     participants,
		IsActive:         len(participants) > 0,
	}
}
