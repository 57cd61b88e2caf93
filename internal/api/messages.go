package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"advisorhub/internal/delivery"
	"advisorhub/internal/messages"
	"advisorhub/pkg/types"
)

type ReadRequest struct {
	UserID   int64 `json:"userId" binding:"required"`
	SenderID int64 `json:"senderId"`
}

type BulkReadRequest struct {
	UserID     int64   `json:"userId" binding:"required"`
	MessageIDs []int64 `json:"messageIds" binding:"required"`
}

// sendMessage runs a message through the delivery pipeline, exactly as a
// chat_message envelope would.
func (s *Server) sendMessage(c *gin.Context) {
	var req types.CreateMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.sendError(c, http.StatusBadRequest, "Invalid JSON")
		return
	}

	result, err := s.pipeline.SendMessage(c.Request.Context(), req)
	if err != nil {
		if delivery.IsPersistenceError(err) {
			s.sendError(c, http.StatusInternalServerError, "Message could not be saved")
			return
		}
		s.sendServiceError(c, err, "Failed to send message")
		return
	}
	if !result.Success {
		c.JSON(http.StatusBadRequest, result)
		return
	}
	c.JSON(http.StatusCreated, result)
}

func (s *Server) conversation(c *gin.Context) {
	user1, ok := s.idQuery(c, "user1")
	if !ok {
		return
	}
	user2, ok := s.idQuery(c, "user2")
	if !ok {
		return
	}
	var page messages.Page
	if err := c.ShouldBindQuery(&page); err != nil {
		s.sendError(c, http.StatusBadRequest, "Invalid pagination")
		return
	}

	history, err := s.messages.GetConversationHistory(c.Request.Context(), user1, user2, page)
	if err != nil {
		s.sendServiceError(c, err, "Failed to load conversation")
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": history})
}

func (s *Server) searchMessages(c *gin.Context) {
	userID, ok := s.idQuery(c, "userId")
	if !ok {
		return
	}

	q := types.SearchQuery{Query: c.Query("q")}
	for name, dst := range map[string]*int{"limit": &q.Limit, "offset": &q.Offset} {
		if raw := c.Query(name); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil {
				s.sendError(c, http.StatusBadRequest, "Invalid "+name)
				return
			}
			*dst = n
		}
	}
	if raw := c.Query("sessionId"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			s.sendError(c, http.StatusBadRequest, "Invalid sessionId")
			return
		}
		q.SessionID = id
	}
	for name, dst := range map[string]**time.Time{"from": &q.From, "to": &q.To} {
		if raw := c.Query(name); raw != "" {
			t, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				s.sendError(c, http.StatusBadRequest, "Invalid "+name+" time")
				return
			}
			*dst = &t
		}
	}

	results, err := s.messages.SearchMessages(c.Request.Context(), userID, q)
	if err != nil {
		s.sendServiceError(c, err, "Failed to search messages")
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": results})
}

func (s *Server) unreadCount(c *gin.Context) {
	userID, ok := s.idParam(c, "userId")
	if !ok {
		return
	}
	n, err := s.messages.GetUnreadMessageCount(c.Request.Context(), userID)
	if err != nil {
		s.sendServiceError(c, err, "Failed to count unread messages")
		return
	}
	c.JSON(http.StatusOK, gin.H{"userId": userID, "count": n})
}

func (s *Server) messageStats(c *gin.Context) {
	userID, ok := s.idParam(c, "userId")
	if !ok {
		return
	}
	stats, err := s.messages.GetMessageStats(c.Request.Context(), userID)
	if err != nil {
		s.sendServiceError(c, err, "Failed to load message stats")
		return
	}
	c.JSON(http.StatusOK, stats)
}

// markRead records a read receipt and notifies the sender when known.
func (s *Server) markRead(c *gin.Context) {
	messageID, ok := s.idParam(c, "id")
	if !ok {
		return
	}
	var req ReadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.sendError(c, http.StatusBadRequest, "userId is required")
		return
	}

	changed, err := s.pipeline.HandleReadReceipt(c.Request.Context(), messageID, req.UserID, req.SenderID)
	if err != nil {
		s.sendServiceError(c, err, "Failed to mark message read")
		return
	}
	c.JSON(http.StatusOK, gin.H{"messageId": messageID, "updated": changed})
}

func (s *Server) markMultipleRead(c *gin.Context) {
	var req BulkReadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.sendError(c, http.StatusBadRequest, "userId and messageIds are required")
		return
	}

	marked, err := s.messages.MarkMultipleAsRead(c.Request.Context(), req.MessageIDs, req.UserID)
	if err != nil {
		s.sendServiceError(c, err, "Failed to mark messages read")
		return
	}
	c.JSON(http.StatusOK, gin.H{"marked": marked})
}

func (s *Server) deleteMessage(c *gin.Context) {
	messageID, ok := s.idParam(c, "id")
	if !ok {
		return
	}
	userID, ok := s.idQuery(c, "userId")
	if !ok {
		return
	}

	deleted, err := s.messages.DeleteMessage(c.Request.Context(), messageID, userID)
	if err != nil {
		s.sendServiceError(c, err, "Failed to delete message")
		return
	}
	if !deleted {
		s.sendError(c, http.StatusNotFound, "Message not found")
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) deliveryStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.pipeline.GetDeliveryStats())
}

func (s *Server) queueSizes(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"queues": s.pipeline.GetQueueSizes()})
}

func (s *Server) clearQueue(c *gin.Context) {
	userID, ok := s.idParam(c, "userId")
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"userId": userID, "cleared": s.pipeline.ClearUserQueue(userID)})
}

func (s *Server) deliveryStatus(c *gin.Context) {
	messageID, ok := s.idParam(c, "id")
	if !ok {
		return
	}
	status, found := s.pipeline.GetDeliveryStatus(messageID)
	if !found {
		s.sendError(c, http.StatusNotFound, "No delivery status for message")
		return
	}
	c.JSON(http.StatusOK, status)
}
