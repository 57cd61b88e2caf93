package websocket

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"advisorhub/pkg/interfaces"
)

type entry struct {
	transport     interfaces.Transport
	connectedAt   time.Time
	lastHeartbeat time.Time
}

// Registry is the single source of truth for which users are reachable and
// over which transport. It holds at most one transport per user.
type Registry struct {
	mu          sync.RWMutex
	connections map[int64]*entry
	membership  interfaces.SessionMembership
	logger      *zap.Logger
	now         func() time.Time
}

// NewRegistry creates a registry. membership may be nil when session cleanup
// on disconnect is not wanted.
func NewRegistry(membership interfaces.SessionMembership, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		connections: make(map[int64]*entry),
		membership:  membership,
		logger:      logger,
		now:         time.Now,
	}
}

// SetClock replaces the time source used for heartbeat bookkeeping.
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// HandleConnection registers transport for userID. A different transport
// already registered for the user is closed after it has been replaced.
func (r *Registry) HandleConnection(transport interfaces.Transport, userID int64) error {
	if transport == nil {
		return ErrNilConnection
	}
	if userID <= 0 {
		return ErrInvalidUserID
	}

	r.mu.Lock()
	now := r.now()
	var previous interfaces.Transport
	if existing, ok := r.connections[userID]; ok && existing.transport != transport {
		previous = existing.transport
	}
	r.connections[userID] = &entry{
		transport:     transport,
		connectedAt:   now,
		lastHeartbeat: now,
	}
	r.mu.Unlock()

	if previous != nil {
		if err := previous.Close(); err != nil {
			r.logger.Warn("failed to close superseded connection", zap.Int64("user_id", userID), zap.Error(err))
		}
		r.logger.Info("connection replaced", zap.Int64("user_id", userID))
	} else {
		r.logger.Info("connection registered", zap.Int64("user_id", userID))
	}
	return nil
}

// HandleDisconnection removes userID, closes its transport and removes the
// user from every session it belongs to. It reports whether a connection was
// registered.
func (r *Registry) HandleDisconnection(userID int64) bool {
	r.mu.Lock()
	e, ok := r.connections[userID]
	delete(r.connections, userID)
	r.mu.Unlock()

	return r.finishDisconnect(userID, e, ok)
}

// ReleaseConnection disconnects userID only if transport is still the
// registered handle. A superseded connection shutting down must not evict the
// one that replaced it.
func (r *Registry) ReleaseConnection(userID int64, transport interfaces.Transport) bool {
	r.mu.Lock()
	e, ok := r.connections[userID]
	if !ok || e.transport != transport {
		r.mu.Unlock()
		return false
	}
	delete(r.connections, userID)
	r.mu.Unlock()

	return r.finishDisconnect(userID, e, true)
}

func (r *Registry) finishDisconnect(userID int64, e *entry, registered bool) bool {
	if registered {
		if err := e.transport.Close(); err != nil {
			r.logger.Debug("close on disconnect failed", zap.Int64("user_id", userID), zap.Error(err))
		}
	}

	var sessions []int64
	if r.membership != nil {
		sessions = r.membership.RemoveUserFromAllSessions(userID)
	}

	if registered {
		r.logger.Info("connection removed",
			zap.Int64("user_id", userID),
			zap.Int("sessions_left", len(sessions)),
		)
	}
	return registered
}

// SendToUser sends message over the user's transport. Missing users, closed
// transports and write errors all report false.
func (r *Registry) SendToUser(userID int64, message interface{}) bool {
	r.mu.RLock()
	e, ok := r.connections[userID]
	r.mu.RUnlock()

	if !ok || !e.transport.IsOpen() {
		return false
	}
	if err := e.transport.WriteJSON(message); err != nil {
		r.logger.Warn("send failed", zap.Int64("user_id", userID), zap.Error(err))
		return false
	}
	return true
}

// Broadcast sends message to every connected user except the excluded ones
// and returns how many sends succeeded.
func (r *Registry) Broadcast(message interface{}, exclude ...int64) int {
	skip := make(map[int64]struct{}, len(exclude))
	for _, id := range exclude {
		skip[id] = struct{}{}
	}

	sent := 0
	for _, userID := range r.GetConnectedUsers() {
		if _, excluded := skip[userID]; excluded {
			continue
		}
		if r.SendToUser(userID, message) {
			sent++
		}
	}
	return sent
}

// IsUserConnected reports whether userID has an open transport.
func (r *Registry) IsUserConnected(userID int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.connections[userID]
	return ok && e.transport.IsOpen()
}

// GetConnectedUsers returns registered user IDs in ascending order.
func (r *Registry) GetConnectedUsers() []int64 {
	r.mu.RLock()
	users := make([]int64, 0, len(r.connections))
	for userID := range r.connections {
		users = append(users, userID)
	}
	r.mu.RUnlock()

	sort.Slice(users, func(i, j int) bool { return users[i] < users[j] })
	return users
}

// UpdateHeartbeat records liveness for userID. It reports false for unknown users.
func (r *Registry) UpdateHeartbeat(userID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.connections[userID]
	if !ok {
		return false
	}
	e.lastHeartbeat = r.now()
	return true
}

// TouchConnection records liveness for userID only while transport is the
// registered one. Frames from a superseded socket report false.
func (r *Registry) TouchConnection(userID int64, transport interfaces.Transport) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.connections[userID]
	if !ok || e.transport != transport {
		return false
	}
	e.lastHeartbeat = r.now()
	return true
}

func (r *Registry) GetLastHeartbeat(userID int64) (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.connections[userID]
	if !ok {
		return time.Time{}, false
	}
	return e.lastHeartbeat, true
}

// GetConnectedAt returns when the current transport for userID was registered.
func (r *Registry) GetConnectedAt(userID int64) (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.connections[userID]
	if !ok {
		return time.Time{}, false
	}
	return e.connectedAt, true
}

// GetStaleConnections lists users whose last heartbeat is older than
// threshold. Nothing is evicted here.
func (r *Registry) GetStaleConnections(threshold time.Duration) []int64 {
	r.mu.RLock()
	now := r.now()
	var stale []int64
	for userID, e := range r.connections {
		if now.Sub(e.lastHeartbeat) > threshold {
			stale = append(stale, userID)
		}
	}
	r.mu.RUnlock()

	sort.Slice(stale, func(i, j int) bool { return stale[i] < stale[j] })
	return stale
}

// GetStats returns registry counters for health reporting.
func (r *Registry) GetStats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return map[string]int{
		"total_connections": len(r.connections),
	}
}
