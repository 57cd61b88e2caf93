package delivery

import (
	"crypto/rand"
	"io"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"advisorhub/pkg/types"
)

// QueuedMessage is an envelope waiting for its recipient to reconnect. IDs are
// ULIDs, so sorting by ID is sorting by enqueue time.
type QueuedMessage struct {
	ID         ulid.ULID      `json:"id"`
	UserID     int64          `json:"userId"`
	Envelope   types.Envelope `json:"envelope"`
	EnqueuedAt time.Time      `json:"enqueuedAt"`
}

type offlineQueues struct {
	max     int
	byUser  map[int64][]QueuedMessage
	entropy io.Reader
}

func newOfflineQueues(max int) *offlineQueues {
	return &offlineQueues{
		max:     max,
		byUser:  make(map[int64][]QueuedMessage),
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
}

// push appends and returns the new entry plus how many old entries were dropped.
func (q *offlineQueues) push(userID int64, env types.Envelope, now time.Time) (QueuedMessage, int) {
	id, err := ulid.New(ulid.Timestamp(now), q.entropy)
	if err != nil {
		id = ulid.Make()
	}
	item := QueuedMessage{ID: id, UserID: userID, Envelope: env, EnqueuedAt: now}

	queue := append(q.byUser[userID], item)
	dropped := 0
	if over := len(queue) - q.max; over > 0 {
		dropped = over
		queue = append([]QueuedMessage(nil), queue[over:]...)
	}
	q.byUser[userID] = queue
	return item, dropped
}

// take removes and returns the user's queue in enqueue order.
func (q *offlineQueues) take(userID int64) []QueuedMessage {
	queue := q.byUser[userID]
	delete(q.byUser, userID)
	sort.SliceStable(queue, func(i, j int) bool { return queue[i].ID.Compare(queue[j].ID) < 0 })
	return queue
}

// restore puts undelivered entries back ahead of anything queued since, then
// trims to the cap from the oldest end. It returns how many were dropped.
func (q *offlineQueues) restore(userID int64, pending []QueuedMessage) int {
	queue := append(append([]QueuedMessage(nil), pending...), q.byUser[userID]...)
	dropped := 0
	if over := len(queue) - q.max; over > 0 {
		dropped = over
		queue = queue[over:]
	}
	if len(queue) > 0 {
		q.byUser[userID] = queue
	}
	return dropped
}

func (q *offlineQueues) peek(userID int64) []QueuedMessage {
	return append([]QueuedMessage(nil), q.byUser[userID]...)
}

func (q *offlineQueues) sizes() map[int64]int {
	out := make(map[int64]int, len(q.byUser))
	for userID, queue := range q.byUser {
		out[userID] = len(queue)
	}
	return out
}

func (q *offlineQueues) pending() int {
	n := 0
	for _, queue := range q.byUser {
		n += len(queue)
	}
	return n
}

// QueueOfflineMessage stores env for userID until DeliverQueuedMessages runs.
// When the queue is full the oldest entry is dropped.
func (p *Pipeline) QueueOfflineMessage(userID int64, env types.Envelope) QueuedMessage {
	p.mu.Lock()
	item, dropped := p.queues.push(userID, env, p.now())
	p.stats.TotalMessagesQueued++
	p.stats.TotalMessagesDropped += int64(dropped)
	p.mu.Unlock()

	if dropped > 0 {
		p.logger.Warn("offline queue full, dropped oldest",
			zap.Int64("user_id", userID),
			zap.Int("dropped", dropped),
		)
	}
	p.logger.Debug("message queued", zap.Int64("user_id", userID), zap.String("queue_id", item.ID.String()))
	return item
}

func (p *Pipeline) isQueued(userID int64, id ulid.ULID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, item := range p.queues.byUser[userID] {
		if item.ID == id {
			return true
		}
	}
	return false
}

// GetQueuedMessages returns a copy of userID's pending envelopes, oldest first.
func (p *Pipeline) GetQueuedMessages(userID int64) []QueuedMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queues.peek(userID)
}

// DeliverQueuedMessages sends userID's queue oldest first and returns how
// many were delivered. Delivery stops at the first failed send; the rest stay
// queued in order.
func (p *Pipeline) DeliverQueuedMessages(userID int64) int {
	p.mu.Lock()
	queue := p.queues.take(userID)
	p.mu.Unlock()

	if len(queue) == 0 {
		return 0
	}

	delivered := 0
	for i, item := range queue {
		if !p.notifier.SendToUser(userID, item.Envelope) {
			p.mu.Lock()
			dropped := p.queues.restore(userID, queue[i:])
			p.stats.TotalMessagesDropped += int64(dropped)
			p.mu.Unlock()
			break
		}
		delivered++
		p.recordDelivery(item.EnqueuedAt)

		if chat, ok := item.Envelope.Payload.(types.ChatDelivery); ok {
			p.ConfirmDelivery(chat.MessageID, userID)
		}
	}

	p.logger.Info("queued messages delivered",
		zap.Int64("user_id", userID),
		zap.Int("delivered", delivered),
		zap.Int("remaining", len(queue)-delivered),
	)
	return delivered
}

// GetQueueSizes reports the queue length of every user with pending messages.
func (p *Pipeline) GetQueueSizes() map[int64]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queues.sizes()
}

// ClearUserQueue discards userID's pending messages and returns how many there were.
func (p *Pipeline) ClearUserQueue(userID int64) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queues.take(userID))
}
