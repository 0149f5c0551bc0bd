package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/billm/recbridge/pkg/protocol"
)

type analyticEventRequest struct {
	Action   string         `json:"action" binding:"required"`
	Target   string         `json:"target" binding:"required"`
	Metadata map[string]any `json:"metadata"`
}

type recommendationsRequest struct {
	UserID string `json:"user_id" binding:"required"`
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleAnalyticEvent(c *gin.Context) {
	var req analyticEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	count := s.hub.State().RecordEvent(protocol.AnalyticEvent{
		Action:   req.Action,
		Target:   req.Target,
		Metadata: req.Metadata,
	})
	s.logger.Info("Analytic event", "action", req.Action, "target", req.Target, "analytics_count", count)

	c.JSON(http.StatusOK, gin.H{
		"status":          "ok",
		"analytics_count": count,
	})
}

func (s *Server) handleGetRecommendations(c *gin.Context) {
	var req recommendationsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	recs, err := s.hub.Recommend(c.Request.Context(), req.UserID)
	if err != nil {
		s.logger.Error("Recommendation failed", "user_id", req.UserID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"user_id":         req.UserID,
		"recommendations": recs,
		"analytics_count": s.hub.State().Count(),
	})
}

func (s *Server) handleStateDump(c *gin.Context) {
	c.JSON(http.StatusOK, s.hub.Dump())
}

func (s *Server) handleReset(c *gin.Context) {
	s.hub.State().Reset()
	s.logger.Info("State reset")
	c.JSON(http.StatusOK, gin.H{
		"status":  "reset",
		"message": "State has been reset",
	})
}

// handleWebSocket upgrades the request and serves it as a session until
// the connection ends
func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request)
	if err != nil {
		return
	}
	if err := s.hub.Serve(c.Request.Context(), conn); err != nil {
		s.logger.Warn("WebSocket session ended with error", "error", err)
	}
}
