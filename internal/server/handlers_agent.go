package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"agentd/internal/agent"
)

func (s *Server) handleListEngines(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"engines": s.chat.Engines()})
}

func (s *Server) handleAct(c *gin.Context) {
	sessionID := c.Param("sessionId")

	var req agent.ActRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	resp, err := s.chat.HandleAct(c.Request.Context(), sessionID, req)
	if err != nil {
		switch {
		case errors.Is(err, agent.ErrEmptyInstruction):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, agent.ErrEngineNotRegistered):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, agent.ErrProjectNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		case errors.Is(err, agent.ErrDuplicateRequest):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			s.logger.Error("act failed: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		}
		return
	}

	c.JSON(http.StatusAccepted, resp)
}

func (s *Server) handleCancelOne(c *gin.Context) {
	sessionID := c.Param("sessionId")
	requestID := c.Param("requestId")

	// "Not found" is a successful outcome here: cancellation is idempotent
	// and racing a natural completion is expected.
	cancelled := s.chat.CancelExecution(sessionID, requestID)
	c.JSON(http.StatusOK, gin.H{"cancelled": cancelled, "requestId": requestID})
}

func (s *Server) handleCancelAll(c *gin.Context) {
	sessionID := c.Param("sessionId")
	count := s.chat.CancelSessionExecutions(sessionID)
	c.JSON(http.StatusOK, gin.H{"cancelled": count})
}

func (s *Server) handleRunning(c *gin.Context) {
	sessionID := c.Param("sessionId")
	c.JSON(http.StatusOK, gin.H{"executions": s.chat.RunningExecutions(sessionID)})
}
