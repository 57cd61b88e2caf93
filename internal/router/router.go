package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"advisorhub/internal/delivery"
	"advisorhub/internal/session"
	"advisorhub/internal/signaling"
	"advisorhub/pkg/interfaces"
	"advisorhub/pkg/types"
)

const (
	ReasonSignalEnd = "signal_end"
	ReasonUserEnded = "user_ended"
)

// Presence is the registry surface the router needs.
type Presence interface {
	interfaces.Notifier
	UpdateHeartbeat(userID int64) bool
	TouchConnection(userID int64, transport interfaces.Transport) bool
}

// Inbound is one text frame read from userID's connection. Transport is the
// socket it arrived on, nil when the frame did not come from a socket.
type Inbound struct {
	UserID    int64
	Transport interfaces.Transport
	Data      []byte
}

// Config tunes inbound rate limiting.
type Config struct {
	RateLimit  int
	RateWindow time.Duration
}

type handlerFunc func(ctx context.Context, userID int64, env *types.RawEnvelope, raw []byte) error

// Router decodes inbound envelopes and dispatches them by type. Failures are
// answered with an error envelope to the sender and also returned.
type Router struct {
	presence Presence
	members  interfaces.SessionMembership
	relay    *signaling.Relay
	pipeline *delivery.Pipeline
	sessions *session.Manager
	limiter  *RateLimiter
	logger   *zap.Logger

	handlers map[string]handlerFunc
}

// NewRouter builds the dispatch table.
func NewRouter(presence Presence, members interfaces.SessionMembership, relay *signaling.Relay, pipeline *delivery.Pipeline, sessions *session.Manager, config Config, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Router{
		presence: presence,
		members:  members,
		relay:    relay,
		pipeline: pipeline,
		sessions: sessions,
		limiter:  NewRateLimiter(config.RateLimit, config.RateWindow),
		logger:   logger,
	}
	r.handlers = map[string]handlerFunc{
		types.TypePing:               r.handlePing,
		types.TypePong:               r.handlePong,
		types.TypeSignalOffer:        r.handleSignal,
		types.TypeSignalAnswer:       r.handleSignal,
		types.TypeSignalIceCandidate: r.handleSignal,
		types.TypeSignalEnd:          r.handleSignal,
		types.TypeChatMessage:        r.handleChat,
		types.TypeTypingIndicator:    r.handleTyping,
		types.TypeMessageRead:        r.handleRead,
		types.TypeSessionJoin:        r.handleJoin,
		types.TypeSessionLeave:       r.handleLeave,
		types.TypeSessionStart:       r.handleSessionStart,
		types.TypeSessionUpdate:      r.handleSessionUpdate,
		types.TypeSessionEnd:         r.handleSessionEnd,
	}
	return r
}

// Limiter exposes the rate limiter so the host can prune it.
func (r *Router) Limiter() *RateLimiter {
	return r.limiter
}

// Route handles one inbound frame.
func (r *Router) Route(ctx context.Context, in Inbound) error {
	var env types.RawEnvelope
	if err := json.Unmarshal(in.Data, &env); err != nil || env.Type == "" {
		r.sendError(in.UserID, types.ErrorCodeInvalidMessage, "Invalid message format")
		return ErrMalformedEnvelope
	}

	handler, ok := r.handlers[env.Type]
	if !ok {
		r.sendError(in.UserID, types.ErrorCodeUnknownType, fmt.Sprintf("Unknown message type: %s", env.Type))
		return fmt.Errorf("%w: %s", ErrUnknownMessageType, env.Type)
	}

	if env.Type != types.TypePing && env.Type != types.TypePong && !r.limiter.Allow(in.UserID) {
		r.sendError(in.UserID, types.ErrorCodeRateLimited, "Too many messages")
		return ErrRateLimitExceeded
	}

	if env.Type == types.TypePing || env.Type == types.TypePong {
		r.refreshHeartbeat(in)
	}

	return handler(ctx, in.UserID, &env, in.Data)
}

// refreshHeartbeat leaves the heartbeat alone when the frame arrived on a
// socket that has since been replaced.
func (r *Router) refreshHeartbeat(in Inbound) {
	if in.Transport == nil {
		r.presence.UpdateHeartbeat(in.UserID)
		return
	}
	r.presence.TouchConnection(in.UserID, in.Transport)
}

func (r *Router) handlePing(ctx context.Context, userID int64, env *types.RawEnvelope, raw []byte) error {
	pong := types.NewEnvelope(types.TypePong, nil, 0)
	pong.To = userID
	r.presence.SendToUser(userID, pong)
	return nil
}

func (r *Router) handlePong(ctx context.Context, userID int64, env *types.RawEnvelope, raw []byte) error {
	return nil
}

func (r *Router) handleSignal(ctx context.Context, userID int64, env *types.RawEnvelope, raw []byte) error {
	msg, err := r.relay.ValidateSignalingMessage(raw)
	if err != nil {
		r.sendError(userID, types.ErrorCodeValidation, err.Error())
		return err
	}
	if !r.members.IsUserInSession(userID, msg.SessionID) {
		r.sendError(userID, types.ErrorCodeNotInSession, "Not a member of this session")
		return ErrSenderNotInSession
	}

	r.relay.Relay(userID, msg)

	switch msg.Kind {
	case types.TypeSignalOffer:
		return r.advance(ctx, userID, msg.SessionID, types.SessionStatusConnecting)
	case types.TypeSignalAnswer:
		return r.advance(ctx, userID, msg.SessionID, types.SessionStatusActive)
	case types.TypeSignalEnd:
		reason := msg.End.Reason
		if reason == "" {
			reason = ReasonSignalEnd
		}
		return r.endTracked(ctx, userID, msg.SessionID, reason)
	}
	return nil
}

// advance moves a tracked call session forward and ignores sessions that are
// untracked or already past status.
func (r *Router) advance(ctx context.Context, userID, sessionID int64, status string) error {
	current := r.sessions.GetActiveSession(sessionID)
	if current == nil || current.Status == status || !types.CanTransition(current.Status, status) {
		return nil
	}
	if _, err := r.sessions.UpdateSessionStatus(ctx, sessionID, status); err != nil {
		r.sendSessionError(userID, err)
		return err
	}
	return nil
}

func (r *Router) endTracked(ctx context.Context, userID, sessionID int64, reason string) error {
	if r.sessions.GetActiveSession(sessionID) == nil {
		return nil
	}
	if _, err := r.sessions.EndSession(ctx, sessionID, session.EndOptions{EndReason: reason}); err != nil {
		if errors.Is(err, session.ErrSessionNotFound) || errors.Is(err, session.ErrSessionEnding) {
			return nil
		}
		r.sendSessionError(userID, err)
		return err
	}
	return nil
}

func (r *Router) handleChat(ctx context.Context, userID int64, env *types.RawEnvelope, raw []byte) error {
	var payload types.ChatPayload
	if err := decodePayload(env, &payload); err != nil {
		r.sendError(userID, types.ErrorCodeInvalidMessage, err.Error())
		return err
	}
	sessionID := payload.SessionID
	if sessionID == 0 {
		sessionID = env.SessionID
	}
	if sessionID > 0 && !r.members.IsUserInSession(userID, sessionID) {
		r.sendError(userID, types.ErrorCodeNotInSession, "Not a member of this session")
		return ErrSenderNotInSession
	}

	receiver := env.To
	if receiver == 0 {
		receiver = r.otherMember(sessionID, userID)
	}
	if receiver == 0 {
		r.sendError(userID, types.ErrorCodeRecipientMissing, "No recipient for message")
		return ErrRecipientNotFound
	}

	result, err := r.pipeline.SendMessage(ctx, types.CreateMessageRequest{
		SessionID:   sessionID,
		SenderID:    userID,
		ReceiverID:  receiver,
		Content:     payload.Content,
		MessageType: payload.MessageType,
	})
	if err != nil {
		r.logger.Error("chat message not persisted", zap.Int64("user_id", userID), zap.Error(err))
		r.sendError(userID, types.ErrorCodePersistence, "Message could not be saved")
		return err
	}
	if !result.Success {
		r.sendErrorDetails(userID, types.ErrorCodeValidation, result.Error, result.Reason)
		return types.NewValidationError("content", result.Reason)
	}
	return nil
}

func (r *Router) otherMember(sessionID, userID int64) int64 {
	if sessionID <= 0 {
		return 0
	}
	for _, member := range r.members.GetUsersInSession(sessionID) {
		if member != userID {
			return member
		}
	}
	return 0
}

func (r *Router) handleTyping(ctx context.Context, userID int64, env *types.RawEnvelope, raw []byte) error {
	var payload types.TypingPayload
	if err := decodePayload(env, &payload); err != nil {
		r.sendError(userID, types.ErrorCodeInvalidMessage, err.Error())
		return err
	}
	if payload.SessionID == 0 {
		payload.SessionID = env.SessionID
	}
	if !r.members.IsUserInSession(userID, payload.SessionID) {
		r.sendError(userID, types.ErrorCodeNotInSession, "Not a member of this session")
		return ErrSenderNotInSession
	}
	r.pipeline.HandleTypingIndicator(payload.SessionID, userID, payload.IsTyping)
	return nil
}

func (r *Router) handleRead(ctx context.Context, userID int64, env *types.RawEnvelope, raw []byte) error {
	var payload types.ReadReceiptPayload
	if err := decodePayload(env, &payload); err != nil {
		r.sendError(userID, types.ErrorCodeInvalidMessage, err.Error())
		return err
	}
	if _, err := r.pipeline.HandleReadReceipt(ctx, payload.MessageID, userID, payload.SenderID); err != nil {
		if types.IsValidationError(err) {
			r.sendError(userID, types.ErrorCodeValidation, err.Error())
		} else {
			r.sendError(userID, types.ErrorCodePersistence, "Read receipt could not be saved")
		}
		return err
	}
	return nil
}

func (r *Router) handleJoin(ctx context.Context, userID int64, env *types.RawEnvelope, raw []byte) error {
	payload, err := r.sessionPayload(userID, env)
	if err != nil {
		return err
	}

	if r.sessions.GetActiveSession(payload.SessionID) != nil {
		if err := r.sessions.AddParticipant(payload.SessionID, userID); err != nil {
			r.sendSessionError(userID, err)
			return err
		}
	} else {
		r.members.AddUserToSession(userID, payload.SessionID)
	}

	r.logger.Debug("session joined", zap.Int64("user_id", userID), zap.Int64("session_id", payload.SessionID))
	r.broadcastMembership(payload.SessionID)
	return nil
}

func (r *Router) handleLeave(ctx context.Context, userID int64, env *types.RawEnvelope, raw []byte) error {
	payload, err := r.sessionPayload(userID, env)
	if err != nil {
		return err
	}

	// The session may have ended since the payload was read. The membership
	// entry goes either way.
	if err := r.sessions.RemoveParticipant(payload.SessionID, userID); err != nil {
		if !errors.Is(err, session.ErrSessionNotFound) {
			r.sendSessionError(userID, err)
			return err
		}
		r.members.RemoveUserFromSession(userID, payload.SessionID)
	}
	r.pipeline.HandleTypingIndicator(payload.SessionID, userID, false)

	r.logger.Debug("session left", zap.Int64("user_id", userID), zap.Int64("session_id", payload.SessionID))
	r.broadcastMembership(payload.SessionID)
	return nil
}

// broadcastMembership tells every member who is in the session now.
func (r *Router) broadcastMembership(sessionID int64) {
	status := ""
	if s := r.sessions.GetActiveSession(sessionID); s != nil {
		status = s.Status
	}
	members := r.members.GetUsersInSession(sessionID)
	notice := types.NewEnvelope(types.TypeSessionUpdate, types.SessionUpdateNotice{
		SessionID:    sessionID,
		Status:       status,
		Participants: members,
	}, 0)
	notice.SessionID = sessionID
	for _, member := range members {
		notice.To = member
		r.presence.SendToUser(member, notice)
	}
}

func (r *Router) handleSessionStart(ctx context.Context, userID int64, env *types.RawEnvelope, raw []byte) error {
	payload, err := r.memberSessionPayload(userID, env)
	if err != nil {
		return err
	}
	if _, err := r.sessions.UpdateSessionStatus(ctx, payload.SessionID, types.SessionStatusActive); err != nil {
		r.sendSessionError(userID, err)
		return err
	}
	return nil
}

func (r *Router) handleSessionUpdate(ctx context.Context, userID int64, env *types.RawEnvelope, raw []byte) error {
	payload, err := r.memberSessionPayload(userID, env)
	if err != nil {
		return err
	}
	if _, err := r.sessions.UpdateSessionStatus(ctx, payload.SessionID, payload.Status); err != nil {
		r.sendSessionError(userID, err)
		return err
	}
	return nil
}

func (r *Router) handleSessionEnd(ctx context.Context, userID int64, env *types.RawEnvelope, raw []byte) error {
	payload, err := r.memberSessionPayload(userID, env)
	if err != nil {
		return err
	}
	reason := payload.Reason
	if reason == "" {
		reason = ReasonUserEnded
	}
	if _, err := r.sessions.EndSession(ctx, payload.SessionID, session.EndOptions{EndReason: reason}); err != nil {
		r.sendSessionError(userID, err)
		return err
	}
	return nil
}

func (r *Router) sessionPayload(userID int64, env *types.RawEnvelope) (*types.SessionPayload, error) {
	var payload types.SessionPayload
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			r.sendError(userID, types.ErrorCodeInvalidMessage, "Invalid payload")
			return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
		}
	}
	if payload.SessionID == 0 {
		payload.SessionID = env.SessionID
	}
	if !types.IsValidID(payload.SessionID) {
		r.sendError(userID, types.ErrorCodeValidation, types.ErrInvalidSessionID.Error())
		return nil, types.ErrInvalidSessionID
	}
	return &payload, nil
}

func (r *Router) memberSessionPayload(userID int64, env *types.RawEnvelope) (*types.SessionPayload, error) {
	payload, err := r.sessionPayload(userID, env)
	if err != nil {
		return nil, err
	}
	if !r.members.IsUserInSession(userID, payload.SessionID) {
		r.sendError(userID, types.ErrorCodeNotInSession, "Not a member of this session")
		return nil, ErrSenderNotInSession
	}
	return payload, nil
}

func decodePayload(env *types.RawEnvelope, v interface{}) error {
	if len(env.Payload) == 0 || string(env.Payload) == "null" {
		return ErrMissingPayload
	}
	if err := json.Unmarshal(env.Payload, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	return nil
}

func (r *Router) sendSessionError(userID int64, err error) {
	if types.IsValidationError(err) {
		r.sendError(userID, types.ErrorCodeValidation, err.Error())
		return
	}
	r.sendError(userID, types.ErrorCodeSession, err.Error())
}

func (r *Router) sendError(userID int64, code, message string) {
	r.sendErrorDetails(userID, code, message, nil)
}

func (r *Router) sendErrorDetails(userID int64, code, message string, details interface{}) {
	env := types.NewEnvelope(types.TypeError, types.ErrorPayload{
		Code:    code,
		Message: message,
		Details: details,
	}, 0)
	env.To = userID
	if !r.presence.SendToUser(userID, env) {
		r.logger.Debug("error envelope not delivered", zap.Int64("user_id", userID), zap.String("code", code))
	}
}
