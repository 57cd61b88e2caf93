package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"advisorhub/internal/session"
	"advisorhub/pkg/types"
)

type UpdateStatusRequest struct {
	Status string `json:"status" binding:"required"`
}

type EndSessionRequest struct {
	EndReason string `json:"endReason"`
}

type ParticipantRequest struct {
	UserID int64 `json:"userId" binding:"required"`
}

func (s *Server) createSession(c *gin.Context) {
	var req types.CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.sendError(c, http.StatusBadRequest, "Invalid JSON")
		return
	}

	created, err := s.sessions.CreateSession(c.Request.Context(), req)
	if err != nil {
		s.sendServiceError(c, err, "Failed to create session")
		return
	}
	c.JSON(http.StatusCreated, gin.H{"session": created})
}

// listSessions returns tracked sessions, optionally narrowed by userId or
// advisorId.
func (s *Server) listSessions(c *gin.Context) {
	var list []*types.CallSession
	switch {
	case c.Query("userId") != "":
		userID, ok := s.idQuery(c, "userId")
		if !ok {
			return
		}
		list = s.sessions.GetUserActiveSessions(userID)
	case c.Query("advisorId") != "":
		advisorID, ok := s.idQuery(c, "advisorId")
		if !ok {
			return
		}
		list = s.sessions.GetAdvisorActiveSessions(advisorID)
	default:
		list = s.sessions.GetAllActiveSessions()
	}
	if list == nil {
		list = []*types.CallSession{}
	}
	c.JSON(http.StatusOK, gin.H{"sessions": list})
}

func (s *Server) sessionStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.sessions.GetSessionStats())
}

func (s *Server) getSession(c *gin.Context) {
	id, ok := s.idParam(c, "id")
	if !ok {
		return
	}
	found, err := s.sessions.GetSession(c.Request.Context(), id)
	if err != nil {
		s.sendServiceError(c, err, "Failed to get session")
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": found})
}

func (s *Server) updateSessionStatus(c *gin.Context) {
	id, ok := s.idParam(c, "id")
	if !ok {
		return
	}
	var req UpdateStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.sendError(c, http.StatusBadRequest, "Status is required")
		return
	}

	updated, err := s.sessions.UpdateSessionStatus(c.Request.Context(), id, req.Status)
	if err != nil {
		s.sendServiceError(c, err, "Failed to update session")
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": updated})
}

func (s *Server) endSession(c *gin.Context) {
	id, ok := s.idParam(c, "id")
	if !ok {
		return
	}
	var req EndSessionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			s.sendError(c, http.StatusBadRequest, "Invalid JSON")
			return
		}
	}

	billing, err := s.sessions.EndSession(c.Request.Context(), id, session.EndOptions{EndReason: req.EndReason})
	if err != nil {
		s.sendServiceError(c, err, "Failed to end session")
		return
	}
	c.JSON(http.StatusOK, gin.H{"billing": billing})
}

func (s *Server) addParticipant(c *gin.Context) {
	id, ok := s.idParam(c, "id")
	if !ok {
		return
	}
	var req ParticipantRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.UserID <= 0 {
		s.sendError(c, http.StatusBadRequest, "Invalid userId")
		return
	}

	if err := s.sessions.AddParticipant(id, req.UserID); err != nil {
		s.sendServiceError(c, err, "Failed to add participant")
		return
	}
	c.JSON(http.StatusOK, gin.H{"participants": s.sessions.GetSessionParticipants(id)})
}

func (s *Server) removeParticipant(c *gin.Context) {
	id, ok := s.idParam(c, "id")
	if !ok {
		return
	}
	userID, ok := s.idParam(c, "userId")
	if !ok {
		return
	}

	if err := s.sessions.RemoveParticipant(id, userID); err != nil {
		s.sendServiceError(c, err, "Failed to remove participant")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"sessionId":    id,
		"participants": s.sessions.GetSessionParticipants(id),
	})
}
