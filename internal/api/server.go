// Package api serves the REST surface and the /ws upgrade route.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"advisorhub/internal/delivery"
	"advisorhub/internal/messages"
	"advisorhub/internal/session"
	"advisorhub/pkg/types"
)

const requestIDHeader = "X-Request-ID"

// HealthChecker reports storage health.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// StatsProvider exposes connection and queue counters.
type StatsProvider interface {
	GetStats() map[string]int
}

// Deps are the components the API fronts.
type Deps struct {
	Sessions  *session.Manager
	Messages  *messages.Service
	Pipeline  *delivery.Pipeline
	Store     HealthChecker
	Stats     StatsProvider
	WebSocket http.Handler
}

type Server struct {
	engine   *gin.Engine
	sessions *session.Manager
	messages *messages.Service
	pipeline *delivery.Pipeline
	store    HealthChecker
	stats    StatsProvider
	logger   *zap.Logger
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type HealthResponse struct {
	Status         string         `json:"status"`
	Timestamp      time.Time      `json:"timestamp"`
	Database       string         `json:"database"`
	Connections    map[string]int `json:"connections"`
	ActiveSessions int            `json:"activeSessions"`
}

// NewServer builds the gin engine and registers every route.
func NewServer(deps Deps, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), requestID(), requestLogger(logger), cors())

	s := &Server{
		engine:   engine,
		sessions: deps.Sessions,
		messages: deps.Messages,
		pipeline: deps.Pipeline,
		store:    deps.Store,
		stats:    deps.Stats,
		logger:   logger,
	}
	s.setupRoutes(deps.WebSocket)
	return s
}

func (s *Server) setupRoutes(ws http.Handler) {
	s.engine.GET("/health", s.healthCheck)
	if ws != nil {
		s.engine.GET("/ws", gin.WrapH(ws))
	}

	api := s.engine.Group("/api")

	sessions := api.Group("/sessions")
	{
		sessions.POST("", s.createSession)
		sessions.GET("", s.listSessions)
		sessions.GET("/stats", s.sessionStats)
		sessions.GET("/:id", s.getSession)
		sessions.PUT("/:id/status", s.updateSessionStatus)
		sessions.POST("/:id/end", s.endSession)
		sessions.POST("/:id/participants", s.addParticipant)
		sessions.DELETE("/:id/participants/:userId", s.removeParticipant)
	}

	msgs := api.Group("/messages")
	{
		msgs.POST("", s.sendMessage)
		msgs.GET("/conversation", s.conversation)
		msgs.GET("/search", s.searchMessages)
		msgs.GET("/unread/:userId", s.unreadCount)
		msgs.GET("/stats/:userId", s.messageStats)
		msgs.POST("/read", s.markMultipleRead)
		msgs.POST("/:id/read", s.markRead)
		msgs.DELETE("/:id", s.deleteMessage)
	}

	deliveryGroup := api.Group("/delivery")
	{
		deliveryGroup.GET("/stats", s.deliveryStats)
		deliveryGroup.GET("/queues", s.queueSizes)
		deliveryGroup.DELETE("/queues/:userId", s.clearQueue)
		deliveryGroup.GET("/status/:id", s.deliveryStatus)
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.engine.ServeHTTP(w, r)
}

func (s *Server) healthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	resp := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC(),
		Database:  "healthy",
	}
	if s.store != nil {
		if err := s.store.HealthCheck(ctx); err != nil {
			resp.Status = "unhealthy"
			resp.Database = "error: " + err.Error()
		}
	}
	if s.stats != nil {
		resp.Connections = s.stats.GetStats()
	}
	if s.sessions != nil {
		resp.ActiveSessions = len(s.sessions.GetAllActiveSessions())
	}

	code := http.StatusOK
	if resp.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, resp)
}

func (s *Server) sendError(c *gin.Context, code int, message string) {
	c.AbortWithStatusJSON(code, ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

// sendServiceError maps component errors onto HTTP statuses.
func (s *Server) sendServiceError(c *gin.Context, err error, fallback string) {
	var ve *types.ValidationError
	switch {
	case errors.As(err, &ve):
		s.sendError(c, http.StatusBadRequest, ve.Message)
	case errors.Is(err, session.ErrSessionNotFound):
		s.sendError(c, http.StatusNotFound, "Session not found")
	case errors.Is(err, session.ErrInvalidTransition),
		errors.Is(err, session.ErrSessionEnding),
		errors.Is(err, session.ErrSessionCompleted),
		errors.Is(err, session.ErrSessionFull):
		s.sendError(c, http.StatusConflict, err.Error())
	default:
		s.logger.Error(fallback, zap.String("request_id", c.GetString(requestIDHeader)), zap.Error(err))
		s.sendError(c, http.StatusInternalServerError, fallback)
	}
}

// idParam parses a positive integer path parameter, answering 400 otherwise.
func (s *Server) idParam(c *gin.Context, name string) (int64, bool) {
	return s.parseID(c, name, c.Param(name))
}

func (s *Server) idQuery(c *gin.Context, name string) (int64, bool) {
	return s.parseID(c, name, c.Query(name))
}

func (s *Server) parseID(c *gin.Context, name, raw string) (int64, bool) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		s.sendError(c, http.StatusBadRequest, "Invalid "+name)
		return 0, false
	}
	return id, true
}

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.New().String()
		}
		c.Set(requestIDHeader, id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("http request",
			zap.String("request_id", c.GetString(requestIDHeader)),
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}

func cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, "+requestIDHeader)
		c.Header("Access-Control-Max-Age", "86400")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
