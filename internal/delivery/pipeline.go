package delivery

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"advisorhub/pkg/interfaces"
	"advisorhub/pkg/types"
)

const (
	DefaultMaxQueueSize  = 100
	DefaultTypingTimeout = 5 * time.Second
)

// MessageService is the validated message store the pipeline persists through.
type MessageService interface {
	CreateMessage(ctx context.Context, req *types.CreateMessageRequest) (*types.Message, error)
	MarkAsRead(ctx context.Context, messageID, userID int64) (bool, error)
}

// Config tunes queue bounds and typing expiry.
type Config struct {
	MaxQueueSize  int
	TypingTimeout time.Duration
}

// Result is the outcome of SendMessage. Queued is a success, not a degraded one.
type Result struct {
	Success   bool      `json:"success"`
	Delivered bool      `json:"delivered"`
	Queued    bool      `json:"queued"`
	MessageID int64     `json:"messageId,omitempty"`
	Error     string    `json:"error,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Status tracks delivery and read state of one message.
type Status struct {
	MessageID   int64      `json:"messageId"`
	SenderID    int64      `json:"senderId"`
	ReceiverID  int64      `json:"receiverId"`
	Delivered   bool       `json:"delivered"`
	DeliveredAt *time.Time `json:"deliveredAt,omitempty"`
	Read        bool       `json:"read"`
	ReadAt      *time.Time `json:"readAt,omitempty"`
	TrackedAt   time.Time  `json:"trackedAt"`
}

// Stats are running delivery counters. AverageDeliveryTime is in milliseconds.
type Stats struct {
	TotalMessagesSent      int64   `json:"totalMessagesSent"`
	TotalMessagesDelivered int64   `json:"totalMessagesDelivered"`
	TotalMessagesQueued    int64   `json:"totalMessagesQueued"`
	TotalMessagesDropped   int64   `json:"totalMessagesDropped"`
	PendingMessages        int     `json:"pendingMessages"`
	AverageDeliveryTime    float64 `json:"averageDeliveryTime"`
	DeliverySuccessRate    float64 `json:"deliverySuccessRate"`
}

// Pipeline persists chat messages, delivers them live or queues them for
// offline recipients, and handles typing indicators and receipts.
type Pipeline struct {
	notifier interfaces.Notifier
	members  interfaces.SessionMembership
	messages MessageService
	logger   *zap.Logger

	mu       sync.Mutex
	queues   *offlineQueues
	tracking map[int64]*Status
	stats    Stats
	now      func() time.Time

	typingMu      sync.Mutex
	typing        map[typingKey]*typingTimer
	typingGen     uint64
	typingTimeout time.Duration
}

// NewPipeline creates a delivery pipeline. Zero config values fall back to
// the defaults.
func NewPipeline(notifier interfaces.Notifier, members interfaces.SessionMembership, messages MessageService, config Config, logger *zap.Logger) *Pipeline {
	if config.MaxQueueSize <= 0 {
		config.MaxQueueSize = DefaultMaxQueueSize
	}
	if config.TypingTimeout <= 0 {
		config.TypingTimeout = DefaultTypingTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Pipeline{
		notifier:      notifier,
		members:       members,
		messages:      messages,
		logger:        logger,
		queues:        newOfflineQueues(config.MaxQueueSize),
		tracking:      make(map[int64]*Status),
		stats:         Stats{DeliverySuccessRate: 100},
		now:           time.Now,
		typing:        make(map[typingKey]*typingTimer),
		typingTimeout: config.TypingTimeout,
	}
}

// SetClock replaces the time source used for timestamps and tracking age.
func (p *Pipeline) SetClock(now func() time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.now = now
}

func (p *Pipeline) clock() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.now()
}

// SendMessage validates, persists and then delivers or queues a chat message.
// Invalid input yields a failed Result and a nil error; a store failure yields
// a nil Result and a *PersistenceError.
func (p *Pipeline) SendMessage(ctx context.Context, req types.CreateMessageRequest) (*Result, error) {
	accepted := p.clock()

	if err := req.Validate(); err != nil {
		return p.rejected(err, accepted), nil
	}

	msg, err := p.messages.CreateMessage(ctx, &req)
	if err != nil {
		if types.IsValidationError(err) {
			return p.rejected(err, accepted), nil
		}
		p.logger.Error("failed to persist message",
			zap.Int64("sender_id", req.SenderID),
			zap.Int64("receiver_id", req.ReceiverID),
			zap.Error(err),
		)
		return nil, &PersistenceError{Op: "createMessage", Err: err}
	}

	p.mu.Lock()
	p.stats.TotalMessagesSent++
	p.recomputeRateLocked()
	p.mu.Unlock()
	p.TrackMessage(msg.ID, msg.SenderID, msg.ReceiverID)

	env := types.NewEnvelope(types.TypeChatMessage, types.ChatDelivery{
		MessageID:   msg.ID,
		SessionID:   msg.SessionID,
		SenderID:    msg.SenderID,
		ReceiverID:  msg.ReceiverID,
		Content:     msg.Content,
		MessageType: msg.MessageType,
		SentAt:      msg.Timestamp,
	}, msg.SenderID)
	env.To = msg.ReceiverID
	env.SessionID = msg.SessionID

	result := &Result{Success: true, MessageID: msg.ID, Timestamp: accepted}

	if p.notifier.IsUserConnected(msg.ReceiverID) && p.notifier.SendToUser(msg.ReceiverID, env) {
		p.recordDelivery(accepted)
		p.ConfirmDelivery(msg.ID, msg.ReceiverID)
		result.Delivered = true
		return result, nil
	}

	item := p.QueueOfflineMessage(msg.ReceiverID, env)
	result.Queued = true

	// The receiver may have connected, and flushed its queue, between the
	// reachability check and the enqueue.
	if p.notifier.IsUserConnected(msg.ReceiverID) {
		p.DeliverQueuedMessages(msg.ReceiverID)
		if !p.isQueued(msg.ReceiverID, item.ID) {
			result.Delivered = true
			result.Queued = false
		}
	}
	return result, nil
}

func (p *Pipeline) rejected(err error, at time.Time) *Result {
	p.logger.Debug("message rejected", zap.Error(err))
	return &Result{
		Success:   false,
		Error:     ErrInvalidMessageData,
		Reason:    err.Error(),
		Timestamp: at,
	}
}

func (p *Pipeline) recordDelivery(since time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	elapsed := float64(p.now().Sub(since)) / float64(time.Millisecond)
	if elapsed < 0 {
		elapsed = 0
	}
	n := float64(p.stats.TotalMessagesDelivered)
	p.stats.AverageDeliveryTime = (p.stats.AverageDeliveryTime*n + elapsed) / (n + 1)
	p.stats.TotalMessagesDelivered++
	p.recomputeRateLocked()
}

func (p *Pipeline) recomputeRateLocked() {
	if p.stats.TotalMessagesSent == 0 {
		p.stats.DeliverySuccessRate = 100
		return
	}
	rate := float64(p.stats.TotalMessagesDelivered) / float64(p.stats.TotalMessagesSent) * 100
	if rate > 100 {
		rate = 100
	}
	p.stats.DeliverySuccessRate = rate
}

// GetDeliveryStats returns a snapshot of the counters.
func (p *Pipeline) GetDeliveryStats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := p.stats
	stats.PendingMessages = p.queues.pending()
	return stats
}

// TrackMessage remembers who sent messageID so delivery and read notices can
// be routed back.
func (p *Pipeline) TrackMessage(messageID, senderID, receiverID int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if existing, ok := p.tracking[messageID]; ok {
		existing.SenderID = senderID
		existing.ReceiverID = receiverID
		return
	}
	p.tracking[messageID] = &Status{
		MessageID:  messageID,
		SenderID:   senderID,
		ReceiverID: receiverID,
		TrackedAt:  p.now(),
	}
}

// ConfirmDelivery marks messageID delivered to userID and notifies the tracked
// sender. It reports whether a sender was notified.
func (p *Pipeline) ConfirmDelivery(messageID, userID int64) bool {
	p.mu.Lock()
	now := p.now()
	status, ok := p.tracking[messageID]
	if !ok {
		status = &Status{MessageID: messageID, ReceiverID: userID, TrackedAt: now}
		p.tracking[messageID] = status
	}
	status.Delivered = true
	status.DeliveredAt = &now
	senderID := status.SenderID
	p.mu.Unlock()

	if senderID == 0 {
		return false
	}

	env := types.NewEnvelope(types.TypeMessageDelivered, types.DeliveredNotice{
		MessageID:   messageID,
		DeliveredTo: userID,
		DeliveredAt: now,
	}, userID)
	env.To = senderID
	return p.notifier.SendToUser(senderID, env)
}

// HandleReadReceipt marks messageID read by userID in the store and notifies
// senderID. A zero senderID falls back to the tracked sender. It reports
// whether the message changed state.
func (p *Pipeline) HandleReadReceipt(ctx context.Context, messageID, userID, senderID int64) (bool, error) {
	if !types.IsValidID(messageID) || !types.IsValidID(userID) {
		return false, types.ErrInvalidMessageID
	}

	changed, err := p.messages.MarkAsRead(ctx, messageID, userID)
	if err != nil {
		if types.IsValidationError(err) {
			return false, err
		}
		return false, &PersistenceError{Op: "markAsRead", Err: err}
	}
	if !changed {
		return false, nil
	}

	p.mu.Lock()
	readAt := p.now()
	status, ok := p.tracking[messageID]
	if !ok {
		status = &Status{MessageID: messageID, ReceiverID: userID, SenderID: senderID, TrackedAt: readAt}
		p.tracking[messageID] = status
	}
	status.Read = true
	status.ReadAt = &readAt
	if senderID == 0 {
		senderID = status.SenderID
	}
	p.mu.Unlock()

	if senderID != 0 {
		env := types.NewEnvelope(types.TypeMessageRead, types.ReadNotice{
			MessageID: messageID,
			ReadBy:    userID,
			ReadAt:    readAt,
		}, userID)
		env.To = senderID
		p.notifier.SendToUser(senderID, env)
	}
	return true, nil
}

// GetDeliveryStatus returns a copy of messageID's tracking entry.
func (p *Pipeline) GetDeliveryStatus(messageID int64) (Status, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	status, ok := p.tracking[messageID]
	if !ok {
		return Status{}, false
	}
	return *status, true
}

// CleanupOldTrackingData forgets tracking entries older than maxAge and
// returns how many were removed.
func (p *Pipeline) CleanupOldTrackingData(maxAge time.Duration) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	cutoff := p.now().Add(-maxAge)
	removed := 0
	for id, status := range p.tracking {
		if status.TrackedAt.Before(cutoff) {
			delete(p.tracking, id)
			removed++
		}
	}
	if removed > 0 {
		p.logger.Debug("tracking data pruned", zap.Int("removed", removed))
	}
	return removed
}
