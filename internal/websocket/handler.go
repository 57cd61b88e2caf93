package websocket

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Dispatcher receives connection lifecycle events and inbound frames.
// The hub implements it.
type Dispatcher interface {
	Register(conn *Connection) error
	Unregister(conn *Connection) error
	Dispatch(conn *Connection, data []byte) error
}

// HandlerConfig holds transport timings.
type HandlerConfig struct {
	PingInterval   time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	BufferSize     int
	MaxMessageSize int64
	// AllowedOrigins restricts the Origin header; empty allows any origin.
	AllowedOrigins []string
}

// Handler upgrades HTTP requests to WebSocket connections and pumps inbound
// frames into the dispatcher.
type Handler struct {
	registry   *Registry
	dispatcher Dispatcher
	config     HandlerConfig
	upgrader   websocket.Upgrader
	logger     *zap.Logger
}

// NewHandler creates a WebSocket handler.
func NewHandler(registry *Registry, dispatcher Dispatcher, config HandlerConfig, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.PingInterval <= 0 {
		config.PingInterval = 30 * time.Second
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = 60 * time.Second
	}
	return &Handler{
		registry:   registry,
		dispatcher: dispatcher,
		config:     config,
		upgrader: websocket.Upgrader{
			CheckOrigin:      originChecker(config.AllowedOrigins),
			HandshakeTimeout: 10 * time.Second,
		},
		logger: logger,
	}
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		set[strings.TrimRight(origin, "/")] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

// ParseUserID extracts the positive integer user_id query parameter.
func ParseUserID(r *http.Request) (int64, error) {
	raw := r.URL.Query().Get("user_id")
	if raw == "" {
		return 0, ErrMissingUserID
	}
	userID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || userID <= 0 {
		return 0, ErrInvalidUserID
	}
	return userID, nil
}

// HandleWebSocket validates the request, upgrades it and starts the
// connection's read pump.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID, err := ParseUserID(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Int64("user_id", userID), zap.Error(err))
		return
	}

	wsConn := NewConnection(conn, userID, h.config.BufferSize, h.config.WriteTimeout)

	if err := h.dispatcher.Register(wsConn); err != nil {
		h.logger.Error("failed to register connection",
			zap.Int64("user_id", userID),
			zap.String("conn_id", wsConn.ID()),
			zap.Error(err),
		)
		_ = wsConn.Close()
		return
	}

	go h.handleConnection(wsConn)
}

// handleConnection runs the read pump and the ping ticker until the peer goes
// away, then hands the connection back to the dispatcher.
func (h *Handler) handleConnection(conn *Connection) {
	defer func() {
		if err := h.dispatcher.Unregister(conn); err != nil {
			// Dispatcher already stopped; release directly.
			h.registry.ReleaseConnection(conn.UserID(), conn)
		}
		_ = conn.Close()
	}()

	if h.config.MaxMessageSize > 0 {
		conn.conn.SetReadLimit(h.config.MaxMessageSize)
	}
	if err := conn.conn.SetReadDeadline(time.Now().Add(h.config.ReadTimeout)); err != nil {
		h.logger.Warn("failed to set read deadline", zap.Error(err))
		return
	}
	conn.conn.SetPongHandler(func(string) error {
		h.registry.TouchConnection(conn.UserID(), conn)
		return conn.conn.SetReadDeadline(time.Now().Add(h.config.ReadTimeout))
	})

	go h.pingLoop(conn)

	for {
		messageType, data, err := conn.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Info("websocket closed unexpectedly",
					zap.Int64("user_id", conn.UserID()),
					zap.Error(err),
				)
			}
			return
		}

		// Any inbound frame proves liveness.
		h.registry.TouchConnection(conn.UserID(), conn)
		_ = conn.conn.SetReadDeadline(time.Now().Add(h.config.ReadTimeout))

		if messageType != websocket.TextMessage {
			continue
		}
		if err := h.dispatcher.Dispatch(conn, data); err != nil {
			h.logger.Warn("inbound frame dropped",
				zap.Int64("user_id", conn.UserID()),
				zap.Error(err),
			)
		}
	}
}

func (h *Handler) pingLoop(conn *Connection) {
	ticker := time.NewTicker(h.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			deadline := time.Now().Add(10 * time.Second)
			if err := conn.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		case <-conn.Done():
			return
		}
	}
}
