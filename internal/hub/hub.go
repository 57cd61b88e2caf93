package hub

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"advisorhub/internal/delivery"
	"advisorhub/internal/router"
	"advisorhub/internal/session"
	"advisorhub/internal/websocket"
	"advisorhub/pkg/types"
)

const (
	DefaultReapInterval     = 30 * time.Second
	DefaultHeartbeatTimeout = 90 * time.Second
	DefaultTrackingMaxAge   = 24 * time.Hour
)

// Config sets the reaper cadence and thresholds.
type Config struct {
	ReapInterval     time.Duration
	HeartbeatTimeout time.Duration
	TrackingMaxAge   time.Duration
}

// SweepResult reports what one reaper pass cleaned up.
type SweepResult struct {
	StaleConnections []int64
	OrphanedSessions []int64
	TrackingPruned   int
	LimitersPruned   int
}

// Hub serializes inbound frames through a single goroutine and runs the
// periodic reaper. It implements websocket.Dispatcher.
type Hub struct {
	inbound      chan router.Inbound // 1000 buffer absorbs bursts
	registerCh   chan int64
	unregisterCh chan int64
	shutdown     chan struct{}
	done         chan struct{}

	registry *websocket.Registry
	router   *router.Router
	pipeline *delivery.Pipeline
	sessions *session.Manager
	config   Config
	logger   *zap.Logger

	running bool
	mu      sync.RWMutex
}

// NewHub creates a stopped hub.
func NewHub(registry *websocket.Registry, r *router.Router, pipeline *delivery.Pipeline, sessions *session.Manager, config Config, logger *zap.Logger) *Hub {
	if config.ReapInterval <= 0 {
		config.ReapInterval = DefaultReapInterval
	}
	if config.HeartbeatTimeout <= 0 {
		config.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if config.TrackingMaxAge <= 0 {
		config.TrackingMaxAge = DefaultTrackingMaxAge
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		inbound:      make(chan router.Inbound, 1000),
		registerCh:   make(chan int64, 100),
		unregisterCh: make(chan int64, 100),
		registry:     registry,
		router:       r,
		pipeline:     pipeline,
		sessions:     sessions,
		config:       config,
		logger:       logger,
	}
}

// Start launches the hub goroutine.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return ErrHubAlreadyRunning
	}
	h.running = true
	h.shutdown = make(chan struct{})
	h.done = make(chan struct{})
	shutdown, done := h.shutdown, h.done
	h.mu.Unlock()

	h.logger.Info("starting hub", zap.Duration("reap_interval", h.config.ReapInterval))
	go h.run(ctx, shutdown, done)
	return nil
}

// Stop signals the hub goroutine and waits for it to exit.
func (h *Hub) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return ErrHubNotRunning
	}
	h.running = false
	close(h.shutdown)
	done := h.done
	h.mu.Unlock()

	<-done
	h.pipeline.Stop()
	h.logger.Info("hub stopped")
	return nil
}

func (h *Hub) isRunning() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.running
}

// Register makes conn the user's live connection and flushes the user's
// offline queue before any inbound frame is processed. Presence is announced
// from the hub goroutine.
func (h *Hub) Register(conn *websocket.Connection) error {
	if conn == nil {
		return ErrNilConnection
	}
	if !h.isRunning() {
		return ErrHubNotRunning
	}

	userID := conn.UserID()
	if err := h.registry.HandleConnection(conn, userID); err != nil {
		return err
	}
	if n := h.pipeline.DeliverQueuedMessages(userID); n > 0 {
		h.logger.Debug("offline queue flushed on connect", zap.Int64("user_id", userID), zap.Int("delivered", n))
	}

	select {
	case h.registerCh <- userID:
	default:
		h.logger.Warn("presence event dropped", zap.Int64("user_id", userID), zap.Error(ErrRegisterQueueFull))
	}
	return nil
}

// Unregister releases conn if it is still the user's live connection.
func (h *Hub) Unregister(conn *websocket.Connection) error {
	if conn == nil {
		return ErrNilConnection
	}
	if !h.isRunning() {
		return ErrHubNotRunning
	}

	userID := conn.UserID()
	if !h.registry.ReleaseConnection(userID, conn) {
		// Replaced by a newer connection; nothing to announce.
		return nil
	}

	select {
	case h.unregisterCh <- userID:
		return nil
	default:
		return ErrUnregisterQueueFull
	}
}

// Dispatch queues an inbound frame for the hub goroutine.
func (h *Hub) Dispatch(conn *websocket.Connection, data []byte) error {
	if conn == nil {
		return ErrNilConnection
	}
	if !h.isRunning() {
		return ErrHubNotRunning
	}

	select {
	case h.inbound <- router.Inbound{UserID: conn.UserID(), Transport: conn, Data: data}:
		return nil
	default:
		return ErrInboundQueueFull
	}
}

func (h *Hub) run(ctx context.Context, shutdown <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(h.config.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case in := <-h.inbound:
			if err := h.router.Route(ctx, in); err != nil {
				h.logger.Debug("inbound message rejected", zap.Int64("user_id", in.UserID), zap.Error(err))
			}

		case userID := <-h.registerCh:
			h.announce(types.TypeUserOnline, userID)

		case userID := <-h.unregisterCh:
			h.wentOffline(userID)

		case <-ticker.C:
			h.Sweep(ctx)

		case <-shutdown:
			return

		case <-ctx.Done():
			h.logger.Info("hub context cancelled")
			return
		}
	}
}

func (h *Hub) announce(msgType string, userID int64) {
	env := types.NewEnvelope(msgType, types.PresenceNotice{UserID: userID}, userID)
	n := h.registry.Broadcast(env, userID)
	h.logger.Debug("presence broadcast", zap.String("type", msgType), zap.Int64("user_id", userID), zap.Int("recipients", n))
}

// wentOffline clears per-user transient state unless the user already came
// back on a new connection.
func (h *Hub) wentOffline(userID int64) {
	if h.registry.IsUserConnected(userID) {
		return
	}
	h.pipeline.ClearTyping(userID)
	h.router.Limiter().Forget(userID)
	h.announce(types.TypeUserOffline, userID)
}

// Sweep runs one reaper pass: evict connections with stale heartbeats, end
// orphaned sessions, prune delivery tracking and idle rate limiters.
func (h *Hub) Sweep(ctx context.Context) SweepResult {
	var result SweepResult

	for _, userID := range h.registry.GetStaleConnections(h.config.HeartbeatTimeout) {
		if h.registry.HandleDisconnection(userID) {
			result.StaleConnections = append(result.StaleConnections, userID)
			h.wentOffline(userID)
		}
	}
	if len(result.StaleConnections) > 0 {
		h.logger.Info("stale connections evicted", zap.Int64s("user_ids", result.StaleConnections))
	}

	orphaned, err := h.sessions.CleanupOrphanedSessions(ctx)
	if err != nil {
		h.logger.Error("orphan sweep incomplete", zap.Error(err))
	}
	result.OrphanedSessions = orphaned

	result.TrackingPruned = h.pipeline.CleanupOldTrackingData(h.config.TrackingMaxAge)
	result.LimitersPruned = h.router.Limiter().Cleanup()
	return result
}

// GetStats reports connection count and queue depths.
func (h *Hub) GetStats() map[string]int {
	stats := h.registry.GetStats()
	stats["inbound_queue"] = len(h.inbound)
	stats["register_queue"] = len(h.registerCh)
	stats["unregister_queue"] = len(h.unregisterCh)
	return stats
}
